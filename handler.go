// Copyright 2014 Quoc-Viet Nguyen. All rights reserved.
// This software may be modified and distributed under the terms
// of the BSD license. See the LICENSE file for details.

package modbus

import (
	"context"
	"strconv"
	"time"
)

// Each Execute* function is one FC's handler: validate parameters,
// build the request frame, delegate to sendAndAwait, then decode or
// echo-check the response. Each takes an explicit Transport and
// Protocol so ExecuteRead/ExecuteWrite can dispatch to any of them
// uniformly by function code.

func buildFrame(protocol Protocol, unit UnitID, pdu ProtocolDataUnit) RequestFrame {
	if protocol == ProtocolASCII {
		return BuildASCIIRequest(unit, pdu)
	}
	return BuildRTURequest(unit, pdu)
}

func invalidArg(fc byte, addr Address, details string) error {
	a := addr
	return newError(ErrInvalidArgument, ErrorContext{FunctionCode: fc, Address: &a, Phase: PhaseValidate}, nil, details)
}

func putUint16(b []byte, off int, v uint16) {
	b[off] = byte(v >> 8)
	b[off+1] = byte(v)
}

// packBitsLSB packs a sequence of booleans into bytes, LSB-first per
// byte.
func packBitsLSB(values []bool) []byte {
	out := make([]byte, (len(values)+7)/8)
	for i, v := range values {
		if v {
			out[i/8] |= 1 << uint(i%8)
		}
	}
	return out
}

// unpackBitsLSB unpacks byte-packed bits (LSB-first) into a sequence of
// 0/1 values of exactly length n, discarding trailing bits of the last
// byte.
func unpackBitsLSB(data []byte, n int) []byte {
	out := make([]byte, n)
	for i := 0; i < n; i++ {
		byteIdx, bitIdx := i/8, uint(i%8)
		if byteIdx < len(data) && data[byteIdx]&(1<<bitIdx) != 0 {
			out[i] = 1
		}
	}
	return out
}

// unpackRegistersBE decodes n big-endian u16 values from data.
func unpackRegistersBE(data []byte, n int) []uint16 {
	out := make([]uint16, n)
	for i := 0; i < n; i++ {
		out[i] = uint16(data[i*2])<<8 | uint16(data[i*2+1])
	}
	return out
}

func checkConnected(transport Transport, fc byte) error {
	if !transport.Connected() {
		return newError(ErrNotConnected, ErrorContext{FunctionCode: fc, Phase: PhaseValidate}, nil, "transport not connected")
	}
	return nil
}

func checkReadQuantity(fc byte, address Address, quantity int, max int) error {
	if quantity < 1 || quantity > max {
		return invalidArg(fc, address, "quantity out of range")
	}
	return nil
}

// ExecuteReadCoils implements FC 1.
func ExecuteReadCoils(ctx context.Context, transport Transport, protocol Protocol, unit UnitID, address Address, quantity int, deadline time.Duration) (ResponseEnvelope, error) {
	return executeBitRead(ctx, transport, protocol, unit, FuncCodeReadCoils, "Read Coils", address, quantity, deadline)
}

// ExecuteReadDiscreteInputs implements FC 2.
func ExecuteReadDiscreteInputs(ctx context.Context, transport Transport, protocol Protocol, unit UnitID, address Address, quantity int, deadline time.Duration) (ResponseEnvelope, error) {
	return executeBitRead(ctx, transport, protocol, unit, FuncCodeReadDiscreteInputs, "Read Discrete Inputs", address, quantity, deadline)
}

func executeBitRead(ctx context.Context, transport Transport, protocol Protocol, unit UnitID, fc byte, label string, address Address, quantity int, deadline time.Duration) (ResponseEnvelope, error) {
	if err := checkConnected(transport, fc); err != nil {
		return ResponseEnvelope{}, err
	}
	meta := registry[fc]
	if err := checkReadQuantity(fc, address, quantity, meta.MaxQuantity); err != nil {
		return ResponseEnvelope{}, err
	}
	payload := make([]byte, 4)
	putUint16(payload, 0, address)
	putUint16(payload, 2, uint16(quantity))
	frame := buildFrame(protocol, unit, ProtocolDataUnit{FunctionCode: fc, Data: payload})

	decoded, err := sendAndAwait(ctx, transport, protocol, unit, fc, frame, deadline)
	if err != nil {
		return ResponseEnvelope{}, err
	}
	if len(decoded.Data) < 1 {
		return ResponseEnvelope{}, newError(ErrFrameError, ErrorContext{UnitID: unit, FunctionCode: fc, Protocol: protocol, Phase: PhaseParse}, nil, "response missing byte count")
	}
	byteCount := int(decoded.Data[0])
	body := decoded.Data[1:]
	if byteCount != len(body) {
		return ResponseEnvelope{}, newError(ErrFrameError, ErrorContext{UnitID: unit, FunctionCode: fc, Protocol: protocol, Phase: PhaseParse}, nil, "byte count does not match payload length")
	}
	bits := unpackBitsLSB(body, quantity)
	return ResponseEnvelope{UnitID: unit, FunctionCode: fc, Label: label, Bits: bits, Address: address, Timestamp: time.Now()}, nil
}

// ExecuteReadHoldingRegisters implements FC 3.
func ExecuteReadHoldingRegisters(ctx context.Context, transport Transport, protocol Protocol, unit UnitID, address Address, quantity int, deadline time.Duration) (ResponseEnvelope, error) {
	return executeRegisterRead(ctx, transport, protocol, unit, FuncCodeReadHoldingRegisters, "Read Holding Registers", address, quantity, deadline)
}

// ExecuteReadInputRegisters implements FC 4.
func ExecuteReadInputRegisters(ctx context.Context, transport Transport, protocol Protocol, unit UnitID, address Address, quantity int, deadline time.Duration) (ResponseEnvelope, error) {
	return executeRegisterRead(ctx, transport, protocol, unit, FuncCodeReadInputRegisters, "Read Input Registers", address, quantity, deadline)
}

func executeRegisterRead(ctx context.Context, transport Transport, protocol Protocol, unit UnitID, fc byte, label string, address Address, quantity int, deadline time.Duration) (ResponseEnvelope, error) {
	if err := checkConnected(transport, fc); err != nil {
		return ResponseEnvelope{}, err
	}
	meta := registry[fc]
	if err := checkReadQuantity(fc, address, quantity, meta.MaxQuantity); err != nil {
		return ResponseEnvelope{}, err
	}
	payload := make([]byte, 4)
	putUint16(payload, 0, address)
	putUint16(payload, 2, uint16(quantity))
	frame := buildFrame(protocol, unit, ProtocolDataUnit{FunctionCode: fc, Data: payload})

	decoded, err := sendAndAwait(ctx, transport, protocol, unit, fc, frame, deadline)
	if err != nil {
		return ResponseEnvelope{}, err
	}
	if len(decoded.Data) < 1 {
		return ResponseEnvelope{}, newError(ErrFrameError, ErrorContext{UnitID: unit, FunctionCode: fc, Protocol: protocol, Phase: PhaseParse}, nil, "response missing byte count")
	}
	byteCount := int(decoded.Data[0])
	body := decoded.Data[1:]
	if byteCount != len(body) || byteCount != 2*quantity {
		return ResponseEnvelope{}, newError(ErrFrameError, ErrorContext{UnitID: unit, FunctionCode: fc, Protocol: protocol, Phase: PhaseParse}, nil, "byte count does not match requested quantity")
	}
	regs := unpackRegistersBE(body, quantity)
	return ResponseEnvelope{UnitID: unit, FunctionCode: fc, Label: label, Registers: regs, Address: address, Timestamp: time.Now()}, nil
}

// ExecuteWriteSingleCoil implements FC 5. value ON maps to 0xFF00 on the
// wire, OFF to 0x0000.
func ExecuteWriteSingleCoil(ctx context.Context, transport Transport, protocol Protocol, unit UnitID, address Address, value bool, deadline time.Duration) (ResponseEnvelope, error) {
	const fc = FuncCodeWriteSingleCoil
	if err := checkConnected(transport, fc); err != nil {
		return ResponseEnvelope{}, err
	}
	if unit == 0 {
		return ResponseEnvelope{}, invalidArg(fc, address, "broadcast writes are not supported")
	}
	wireValue := uint16(0x0000)
	if value {
		wireValue = 0xFF00
	}
	payload := make([]byte, 4)
	putUint16(payload, 0, address)
	putUint16(payload, 2, wireValue)
	frame := buildFrame(protocol, unit, ProtocolDataUnit{FunctionCode: fc, Data: payload})

	decoded, err := sendAndAwait(ctx, transport, protocol, unit, fc, frame, deadline)
	if err != nil {
		return ResponseEnvelope{}, err
	}
	if len(decoded.Data) != 4 {
		return ResponseEnvelope{}, newError(ErrFrameError, ErrorContext{UnitID: unit, FunctionCode: fc, Protocol: protocol, Phase: PhaseParse}, nil, "unexpected confirmation length")
	}
	echoAddr := uint16(decoded.Data[0])<<8 | uint16(decoded.Data[1])
	echoVal := uint16(decoded.Data[2])<<8 | uint16(decoded.Data[3])
	if echoAddr != address || echoVal != wireValue {
		return ResponseEnvelope{}, echoMismatch(fc, unit, protocol, address, wireValue, echoVal)
	}
	return ResponseEnvelope{UnitID: unit, FunctionCode: fc, Label: "Write Single Coil", Address: address, Timestamp: time.Now()}, nil
}

// ExecuteWriteSingleRegister implements FC 6.
func ExecuteWriteSingleRegister(ctx context.Context, transport Transport, protocol Protocol, unit UnitID, address Address, value uint16, deadline time.Duration) (ResponseEnvelope, error) {
	const fc = FuncCodeWriteSingleRegister
	if err := checkConnected(transport, fc); err != nil {
		return ResponseEnvelope{}, err
	}
	if unit == 0 {
		return ResponseEnvelope{}, invalidArg(fc, address, "broadcast writes are not supported")
	}
	payload := make([]byte, 4)
	putUint16(payload, 0, address)
	putUint16(payload, 2, value)
	frame := buildFrame(protocol, unit, ProtocolDataUnit{FunctionCode: fc, Data: payload})

	decoded, err := sendAndAwait(ctx, transport, protocol, unit, fc, frame, deadline)
	if err != nil {
		return ResponseEnvelope{}, err
	}
	if len(decoded.Data) != 4 {
		return ResponseEnvelope{}, newError(ErrFrameError, ErrorContext{UnitID: unit, FunctionCode: fc, Protocol: protocol, Phase: PhaseParse}, nil, "unexpected confirmation length")
	}
	echoAddr := uint16(decoded.Data[0])<<8 | uint16(decoded.Data[1])
	echoVal := uint16(decoded.Data[2])<<8 | uint16(decoded.Data[3])
	if echoAddr != address || echoVal != value {
		return ResponseEnvelope{}, echoMismatch(fc, unit, protocol, address, value, echoVal)
	}
	return ResponseEnvelope{UnitID: unit, FunctionCode: fc, Label: "Write Single Register", Address: address, Timestamp: time.Now()}, nil
}

// ExecuteWriteMultipleCoils implements FC 15.
func ExecuteWriteMultipleCoils(ctx context.Context, transport Transport, protocol Protocol, unit UnitID, address Address, values []bool, deadline time.Duration) (ResponseEnvelope, error) {
	const fc = FuncCodeWriteMultipleCoils
	if err := checkConnected(transport, fc); err != nil {
		return ResponseEnvelope{}, err
	}
	if unit == 0 {
		return ResponseEnvelope{}, invalidArg(fc, address, "broadcast writes are not supported")
	}
	quantity := len(values)
	if quantity < 1 || quantity > registry[fc].MaxQuantity {
		return ResponseEnvelope{}, invalidArg(fc, address, "coil array must be non-empty and within the maximum write quantity")
	}
	packed := packBitsLSB(values)
	payload := make([]byte, 5+len(packed))
	putUint16(payload, 0, address)
	putUint16(payload, 2, uint16(quantity))
	payload[4] = byte(len(packed))
	copy(payload[5:], packed)
	frame := buildFrame(protocol, unit, ProtocolDataUnit{FunctionCode: fc, Data: payload})

	decoded, err := sendAndAwait(ctx, transport, protocol, unit, fc, frame, deadline)
	if err != nil {
		return ResponseEnvelope{}, err
	}
	if len(decoded.Data) != 4 {
		return ResponseEnvelope{}, newError(ErrFrameError, ErrorContext{UnitID: unit, FunctionCode: fc, Protocol: protocol, Phase: PhaseParse}, nil, "unexpected confirmation length")
	}
	echoAddr := uint16(decoded.Data[0])<<8 | uint16(decoded.Data[1])
	echoQty := uint16(decoded.Data[2])<<8 | uint16(decoded.Data[3])
	if echoAddr != address || int(echoQty) != quantity {
		return ResponseEnvelope{}, echoMismatch(fc, unit, protocol, address, uint16(quantity), echoQty)
	}
	return ResponseEnvelope{UnitID: unit, FunctionCode: fc, Label: "Write Multiple Coils", Address: address, Timestamp: time.Now()}, nil
}

// ExecuteWriteMultipleRegisters implements FC 16.
func ExecuteWriteMultipleRegisters(ctx context.Context, transport Transport, protocol Protocol, unit UnitID, address Address, values []uint16, deadline time.Duration) (ResponseEnvelope, error) {
	const fc = FuncCodeWriteMultipleRegisters
	if err := checkConnected(transport, fc); err != nil {
		return ResponseEnvelope{}, err
	}
	if unit == 0 {
		return ResponseEnvelope{}, invalidArg(fc, address, "broadcast writes are not supported")
	}
	quantity := len(values)
	if quantity < 1 || quantity > registry[fc].MaxQuantity {
		return ResponseEnvelope{}, invalidArg(fc, address, "register array must be non-empty and within the maximum write quantity")
	}
	payload := make([]byte, 5+2*quantity)
	putUint16(payload, 0, address)
	putUint16(payload, 2, uint16(quantity))
	payload[4] = byte(2 * quantity)
	for i, v := range values {
		putUint16(payload, 5+2*i, v)
	}
	frame := buildFrame(protocol, unit, ProtocolDataUnit{FunctionCode: fc, Data: payload})

	decoded, err := sendAndAwait(ctx, transport, protocol, unit, fc, frame, deadline)
	if err != nil {
		return ResponseEnvelope{}, err
	}
	if len(decoded.Data) != 4 {
		return ResponseEnvelope{}, newError(ErrFrameError, ErrorContext{UnitID: unit, FunctionCode: fc, Protocol: protocol, Phase: PhaseParse}, nil, "unexpected confirmation length")
	}
	echoAddr := uint16(decoded.Data[0])<<8 | uint16(decoded.Data[1])
	echoQty := uint16(decoded.Data[2])<<8 | uint16(decoded.Data[3])
	if echoAddr != address || int(echoQty) != quantity {
		return ResponseEnvelope{}, echoMismatch(fc, unit, protocol, address, uint16(quantity), echoQty)
	}
	return ResponseEnvelope{UnitID: unit, FunctionCode: fc, Label: "Write Multiple Registers", Address: address, Timestamp: time.Now()}, nil
}

// WriteValue carries exactly one of the four shapes FC 5/6/15/16 accept
// as their write payload; ExecuteWrite switches on fc to know which
// field the caller populated.
type WriteValue struct {
	Coil      bool
	Register  uint16
	Coils     []bool
	Registers []uint16
}

// ExecuteRead is the registry's live read-dispatch entry point: it
// confirms fc is registered and direction-compatible before building or
// sending anything, surfacing UnsupportedFunctionCode/WrongDirection
// synchronously, then delegates to the FC's own Execute* handler. Client
// routes every read through this instead of calling an Execute* function
// directly.
func ExecuteRead(ctx context.Context, fc byte, transport Transport, protocol Protocol, unit UnitID, address Address, quantity int, deadline time.Duration) (ResponseEnvelope, error) {
	if _, err := requireDirection(fc, DirectionRead); err != nil {
		return ResponseEnvelope{}, err
	}
	switch fc {
	case FuncCodeReadCoils:
		return ExecuteReadCoils(ctx, transport, protocol, unit, address, quantity, deadline)
	case FuncCodeReadDiscreteInputs:
		return ExecuteReadDiscreteInputs(ctx, transport, protocol, unit, address, quantity, deadline)
	case FuncCodeReadHoldingRegisters:
		return ExecuteReadHoldingRegisters(ctx, transport, protocol, unit, address, quantity, deadline)
	case FuncCodeReadInputRegisters:
		return ExecuteReadInputRegisters(ctx, transport, protocol, unit, address, quantity, deadline)
	default:
		return ResponseEnvelope{}, newError(ErrUnsupportedFunctionCode, ErrorContext{FunctionCode: fc, Phase: PhaseValidate}, nil, "no read handler registered for function code")
	}
}

// ExecuteWrite is the registry's live write-dispatch entry point,
// symmetric with ExecuteRead: it confirms fc is registered and
// direction-compatible, then delegates to the FC's own Execute* handler,
// reading the field of value that matches fc's data shape.
func ExecuteWrite(ctx context.Context, fc byte, transport Transport, protocol Protocol, unit UnitID, address Address, value WriteValue, deadline time.Duration) (ResponseEnvelope, error) {
	if _, err := requireDirection(fc, DirectionWrite); err != nil {
		return ResponseEnvelope{}, err
	}
	switch fc {
	case FuncCodeWriteSingleCoil:
		return ExecuteWriteSingleCoil(ctx, transport, protocol, unit, address, value.Coil, deadline)
	case FuncCodeWriteSingleRegister:
		return ExecuteWriteSingleRegister(ctx, transport, protocol, unit, address, value.Register, deadline)
	case FuncCodeWriteMultipleCoils:
		return ExecuteWriteMultipleCoils(ctx, transport, protocol, unit, address, value.Coils, deadline)
	case FuncCodeWriteMultipleRegisters:
		return ExecuteWriteMultipleRegisters(ctx, transport, protocol, unit, address, value.Registers, deadline)
	default:
		return ResponseEnvelope{}, newError(ErrUnsupportedFunctionCode, ErrorContext{FunctionCode: fc, Phase: PhaseValidate}, nil, "no write handler registered for function code")
	}
}

func echoMismatch(fc byte, unit UnitID, protocol Protocol, address Address, expected, got uint16) error {
	ctx := ErrorContext{UnitID: unit, FunctionCode: fc, Protocol: protocol, Phase: PhaseParse, Address: &address}
	return newError(ErrEchoMismatch, ctx, nil, fmtEcho(expected, got))
}

func fmtEcho(expected, got uint16) string {
	return "expected " + strconv.Itoa(int(expected)) + ", got " + strconv.Itoa(int(got))
}
