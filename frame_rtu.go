// Copyright 2014 Quoc-Viet Nguyen. All rights reserved.
// This software may be modified and distributed under the terms
// of the BSD license. See the LICENSE file for details.

package modbus

import "encoding/binary"

const (
	rtuMinFrameSize  = 5 // smallest frame the streaming decoder will attempt to parse
	rtuExceptionSize = 5
	rtuMaxFrameSize  = 256
)

// BuildRTURequest encodes a PDU into an RTU frame:
// [unitId][fc][data...][crcLo][crcHi].
func BuildRTURequest(unit UnitID, pdu ProtocolDataUnit) RequestFrame {
	frame := make([]byte, 2+len(pdu.Data)+2)
	frame[0] = unit
	frame[1] = pdu.FunctionCode
	copy(frame[2:], pdu.Data)
	sum := crc16(frame[:len(frame)-2])
	frame[len(frame)-2] = byte(sum)
	frame[len(frame)-1] = byte(sum >> 8)
	return frame
}

// DecodeRTUFrame validates and extracts the PDU from a single, complete
// RTU frame (used by tests and by the internal/slavesim slave simulator
// to validate whole request frames directly, without going through the
// tolerant streaming decoder).
func DecodeRTUFrame(frame []byte) (unit UnitID, pdu ProtocolDataUnit, err error) {
	if len(frame) < 4 {
		return 0, ProtocolDataUnit{}, newError(ErrFrameError, ErrorContext{Protocol: ProtocolRTU, Phase: PhaseParse}, nil, "frame shorter than minimum size")
	}
	length := len(frame)
	got := binary.LittleEndian.Uint16(frame[length-2:])
	want := crc16(frame[:length-2])
	if got != want {
		return 0, ProtocolDataUnit{}, newError(ErrChecksumError, ErrorContext{Protocol: ProtocolRTU, Phase: PhaseParse}, nil, "crc mismatch")
	}
	return frame[0], ProtocolDataUnit{FunctionCode: frame[1], Data: frame[2 : length-2]}, nil
}

// DecodedFrame is a frame extracted from the streaming decoder, already
// unit/function-code matched to a pending transaction.
type DecodedFrame struct {
	UnitID       UnitID
	FunctionCode byte // never ORed with the exception bit; see Exception
	Data         []byte
	Exception    *ModbusException // non-nil when the slave replied with an exception PDU
}

// RTUDecoder is a streaming RTU frame extractor scoped to a single
// in-flight transaction: it knows the unit id and function code it is
// waiting for, and tolerates arbitrary chunk boundaries and leading
// noise.
type RTUDecoder struct {
	buf        []byte
	expectUnit UnitID
	expectFC   byte
}

// NewRTUDecoder creates a decoder that will only recognize responses
// matching the given unit id and (non-exception) function code.
func NewRTUDecoder(unit UnitID, fc byte) *RTUDecoder {
	return &RTUDecoder{expectUnit: unit, expectFC: fc}
}

// Feed appends newly received bytes to the decoder's buffer.
func (d *RTUDecoder) Feed(chunk []byte) {
	d.buf = append(d.buf, chunk...)
}

// TryExtract attempts to pull one matching frame out of the buffer.
// ok is false when more bytes are needed; frame is non-nil only when ok
// is true. Malformed or non-matching prefixes are dropped one byte at a
// time internally and never surfaced as an error here; only an
// eventual deadline in the correlator surfaces Timeout.
func (d *RTUDecoder) TryExtract() (frame *DecodedFrame, ok bool) {
	for len(d.buf) >= rtuMinFrameSize {
		unit := d.buf[0]
		fcByte := d.buf[1]
		fcBase := fcByte &^ exceptionBit

		if unit != d.expectUnit || fcBase != d.expectFC {
			d.buf = d.buf[1:]
			continue
		}

		if fcByte&exceptionBit != 0 {
			if !crcValidPrefix(d.buf, rtuExceptionSize) {
				d.buf = d.buf[1:]
				continue
			}
			excCode := d.buf[2]
			d.buf = d.buf[rtuExceptionSize:]
			return &DecodedFrame{
				UnitID:       unit,
				FunctionCode: fcBase,
				Exception: &ModbusException{
					FunctionCode:  fcByte,
					ExceptionCode: excCode,
				},
			}, true
		}

		length, known := rtuResponseLength(fcBase, d.buf)
		if !known {
			d.buf = d.buf[1:]
			continue
		}
		if length < 0 {
			// Need the byte-count byte before length can be computed.
			return nil, false
		}
		if length > rtuMaxFrameSize {
			d.buf = d.buf[1:]
			continue
		}
		if len(d.buf) < length {
			return nil, false
		}
		if !crcValidPrefix(d.buf, length) {
			d.buf = d.buf[1:]
			continue
		}
		data := append([]byte(nil), d.buf[2:length-2]...)
		d.buf = d.buf[length:]
		return &DecodedFrame{UnitID: unit, FunctionCode: fcBase, Data: data}, true
	}
	return nil, false
}

func crcValidPrefix(buf []byte, length int) bool {
	if len(buf) < length {
		return false
	}
	got := binary.LittleEndian.Uint16(buf[length-2 : length])
	want := crc16(buf[:length-2])
	return got == want
}

// rtuResponseLength returns the expected total frame length (including
// unit, function code and CRC) for a non-exception response to fc.
// known is false for a function code this engine does not service.
// length is -1 when more bytes are needed before the length can be
// determined (read responses carry their byte count in the payload).
func rtuResponseLength(fc byte, buf []byte) (length int, known bool) {
	switch fc {
	case FuncCodeReadCoils, FuncCodeReadDiscreteInputs,
		FuncCodeReadHoldingRegisters, FuncCodeReadInputRegisters:
		if len(buf) < 3 {
			return -1, true
		}
		byteCount := int(buf[2])
		return 3 + byteCount + 2, true
	case FuncCodeWriteSingleCoil, FuncCodeWriteSingleRegister,
		FuncCodeWriteMultipleCoils, FuncCodeWriteMultipleRegisters:
		return 8, true
	default:
		return 0, false
	}
}
