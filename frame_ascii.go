// Copyright 2014 Quoc-Viet Nguyen. All rights reserved.
// This software may be modified and distributed under the terms
// of the BSD license. See the LICENSE file for details.

package modbus

import (
	"bytes"
	"encoding/hex"
	"strings"
)

const (
	asciiStart = ":"
	asciiEnd   = "\r\n"
)

// BuildASCIIRequest encodes a PDU as an ASCII frame:
// ':' + hex(unit, fc, data, lrc) + "\r\n", uppercase hex digits.
func BuildASCIIRequest(unit UnitID, pdu ProtocolDataUnit) RequestFrame {
	var checksum lrc
	checksum.reset().pushByte(unit).pushByte(pdu.FunctionCode).pushBytes(pdu.Data)

	raw := make([]byte, 0, 2+len(pdu.Data)+1)
	raw = append(raw, unit, pdu.FunctionCode)
	raw = append(raw, pdu.Data...)
	raw = append(raw, checksum.value())

	var buf bytes.Buffer
	buf.WriteString(asciiStart)
	buf.WriteString(strings.ToUpper(hex.EncodeToString(raw)))
	buf.WriteString(asciiEnd)
	return buf.Bytes()
}

// DecodeASCIIFrame validates and extracts the PDU from a single, complete
// ASCII envelope (including the leading ':' and trailing "\r\n"). Used
// by tests and by the internal/slavesim slave simulator for direct
// validation.
func DecodeASCIIFrame(envelope []byte) (unit UnitID, pdu ProtocolDataUnit, err error) {
	ctx := ErrorContext{Protocol: ProtocolASCII, Phase: PhaseParse}
	if len(envelope) < len(asciiStart)+len(asciiEnd)+6 {
		return 0, ProtocolDataUnit{}, newError(ErrFrameError, ctx, nil, "envelope shorter than minimum size")
	}
	if string(envelope[:1]) != asciiStart || string(envelope[len(envelope)-2:]) != asciiEnd {
		return 0, ProtocolDataUnit{}, newError(ErrFrameError, ctx, nil, "missing ':'/CRLF envelope")
	}
	payload := envelope[1 : len(envelope)-2]
	decoded, derr := decodeUpperHex(payload)
	if derr != nil {
		return 0, ProtocolDataUnit{}, newError(ErrFrameError, ctx, derr, "non-hex or odd-length payload")
	}
	if len(decoded) < 3 {
		return 0, ProtocolDataUnit{}, newError(ErrFrameError, ctx, nil, "payload shorter than minimum size")
	}
	data, lrcByte := decoded[:len(decoded)-1], decoded[len(decoded)-1]
	if lrc8(data) != lrcByte {
		return 0, ProtocolDataUnit{}, newError(ErrChecksumError, ctx, nil, "lrc mismatch")
	}
	return data[0], ProtocolDataUnit{FunctionCode: data[1], Data: data[2:]}, nil
}

func decodeUpperHex(payload []byte) ([]byte, error) {
	if len(payload)%2 != 0 {
		return nil, ErrFrameError
	}
	for _, b := range payload {
		if !((b >= '0' && b <= '9') || (b >= 'A' && b <= 'F')) {
			return nil, ErrFrameError
		}
	}
	out := make([]byte, hex.DecodedLen(len(payload)))
	if _, err := hex.Decode(out, payload); err != nil {
		return nil, err
	}
	return out, nil
}

// ASCIIDecoder is a streaming ASCII frame extractor scoped to a single
// in-flight transaction, using the same accumulate/skip-forward shape as
// RTUDecoder applied to the text-delimited ':'...'\r\n' envelope. Bytes
// outside an envelope are discarded as noise.
type ASCIIDecoder struct {
	buf        []byte
	expectUnit UnitID
	expectFC   byte
}

// NewASCIIDecoder creates a decoder scoped to the given unit id and
// (non-exception) function code.
func NewASCIIDecoder(unit UnitID, fc byte) *ASCIIDecoder {
	return &ASCIIDecoder{expectUnit: unit, expectFC: fc}
}

// Feed appends newly received bytes to the decoder's buffer.
func (d *ASCIIDecoder) Feed(chunk []byte) {
	d.buf = append(d.buf, chunk...)
}

// TryExtract attempts to pull one matching frame out of the buffer.
func (d *ASCIIDecoder) TryExtract() (frame *DecodedFrame, ok bool) {
	for {
		idx := bytes.IndexByte(d.buf, ':')
		if idx == -1 {
			d.buf = d.buf[:0]
			return nil, false
		}
		if idx > 0 {
			d.buf = d.buf[idx:]
		}

		crlf := bytes.Index(d.buf, []byte(asciiEnd))
		if crlf == -1 {
			return nil, false
		}

		payload := d.buf[1:crlf]
		decoded, err := decodeUpperHex(payload)
		if err != nil || len(decoded) < 3 {
			d.buf = d.buf[1:]
			continue
		}

		data, lrcByte := decoded[:len(decoded)-1], decoded[len(decoded)-1]
		if lrc8(data) != lrcByte {
			d.buf = d.buf[1:]
			continue
		}

		unit, fcByte := data[0], data[1]
		fcBase := fcByte &^ exceptionBit
		if unit != d.expectUnit || fcBase != d.expectFC {
			d.buf = d.buf[1:]
			continue
		}

		rest := data[2:]
		d.buf = d.buf[crlf+len(asciiEnd):]

		if fcByte&exceptionBit != 0 {
			if len(rest) < 1 {
				continue
			}
			return &DecodedFrame{
				UnitID:       unit,
				FunctionCode: fcBase,
				Exception:    &ModbusException{FunctionCode: fcByte, ExceptionCode: rest[0]},
			}, true
		}
		return &DecodedFrame{UnitID: unit, FunctionCode: fcBase, Data: rest}, true
	}
}
