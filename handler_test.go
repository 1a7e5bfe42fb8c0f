// Copyright 2014 Quoc-Viet Nguyen. All rights reserved.
// This software may be modified and distributed under the terms
// of the BSD license. See the LICENSE file for details.

package modbus

import (
	"context"
	"errors"
	"testing"
	"time"
)

func connectedMock(t *testing.T) *MockTransport {
	t.Helper()
	m := NewMockTransport()
	if err := m.Connect(context.Background()); err != nil {
		t.Fatalf("connect: %v", err)
	}
	return m
}

func TestExecuteReadHoldingRegistersSuccess(t *testing.T) {
	m := connectedMock(t)
	req := BuildRTURequest(1, ProtocolDataUnit{FunctionCode: FuncCodeReadHoldingRegisters, Data: []byte{0x00, 0x00, 0x00, 0x02}})
	resp := BuildRTURequest(1, ProtocolDataUnit{FunctionCode: FuncCodeReadHoldingRegisters, Data: []byte{0x04, 0x00, 0x2A, 0x00, 0x2B}})
	m.ProgramResponse(req, resp)

	envelope, err := ExecuteReadHoldingRegisters(context.Background(), m, ProtocolRTU, 1, 0, 2, time.Second)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(envelope.Registers) != 2 || envelope.Registers[0] != 0x2A || envelope.Registers[1] != 0x2B {
		t.Fatalf("unexpected registers: %v", envelope.Registers)
	}
}

func TestExecuteReadCoilsUnpacksBits(t *testing.T) {
	m := connectedMock(t)
	req := BuildRTURequest(1, ProtocolDataUnit{FunctionCode: FuncCodeReadCoils, Data: []byte{0x00, 0x00, 0x00, 0x03}})
	resp := BuildRTURequest(1, ProtocolDataUnit{FunctionCode: FuncCodeReadCoils, Data: []byte{0x01, 0x05}})
	m.ProgramResponse(req, resp)

	envelope, err := ExecuteReadCoils(context.Background(), m, ProtocolRTU, 1, 0, 3, time.Second)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	want := []byte{1, 0, 1}
	if len(envelope.Bits) != len(want) {
		t.Fatalf("unexpected bits: %v", envelope.Bits)
	}
	for i := range want {
		if envelope.Bits[i] != want[i] {
			t.Fatalf("bit %d = %d, want %d", i, envelope.Bits[i], want[i])
		}
	}
}

func TestExecuteReadCoilsUnpacksFullByteLSBFirst(t *testing.T) {
	m := connectedMock(t)
	req := BuildRTURequest(1, ProtocolDataUnit{FunctionCode: FuncCodeReadCoils, Data: []byte{0x00, 0x00, 0x00, 0x08}})
	resp := BuildRTURequest(1, ProtocolDataUnit{FunctionCode: FuncCodeReadCoils, Data: []byte{0x01, 0xAB}})
	m.ProgramResponse(req, resp)

	envelope, err := ExecuteReadCoils(context.Background(), m, ProtocolRTU, 1, 0, 8, time.Second)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	want := []byte{1, 1, 0, 1, 0, 1, 0, 1}
	for i := range want {
		if envelope.Bits[i] != want[i] {
			t.Fatalf("bits = %v, want %v", envelope.Bits, want)
		}
	}
	if envelope.Label != "Read Coils" {
		t.Fatalf("label = %q, want %q", envelope.Label, "Read Coils")
	}
}

func TestExecuteWriteSingleCoilEchoMatch(t *testing.T) {
	m := connectedMock(t)
	req := BuildRTURequest(1, ProtocolDataUnit{FunctionCode: FuncCodeWriteSingleCoil, Data: []byte{0x00, 0x0A, 0xFF, 0x00}})
	m.ProgramResponse(req, req) // a well-behaved slave echoes the request verbatim

	_, err := ExecuteWriteSingleCoil(context.Background(), m, ProtocolRTU, 1, 10, true, time.Second)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}

func TestExecuteWriteSingleCoilEchoMismatch(t *testing.T) {
	m := connectedMock(t)
	req := BuildRTURequest(1, ProtocolDataUnit{FunctionCode: FuncCodeWriteSingleCoil, Data: []byte{0x00, 0x0A, 0xFF, 0x00}})
	wrongEcho := BuildRTURequest(1, ProtocolDataUnit{FunctionCode: FuncCodeWriteSingleCoil, Data: []byte{0x00, 0x0A, 0x00, 0x00}})
	m.ProgramResponse(req, wrongEcho)

	_, err := ExecuteWriteSingleCoil(context.Background(), m, ProtocolRTU, 1, 10, true, time.Second)
	if !errors.Is(err, ErrEchoMismatch) {
		t.Fatalf("expected ErrEchoMismatch, got %v", err)
	}
}

func TestExecuteRejectsBroadcastWrite(t *testing.T) {
	m := connectedMock(t)
	_, err := ExecuteWriteSingleRegister(context.Background(), m, ProtocolRTU, 0, 1, 1, time.Second)
	if !errors.Is(err, ErrInvalidArgument) {
		t.Fatalf("expected ErrInvalidArgument for broadcast write, got %v", err)
	}
	if len(m.Sent()) != 0 {
		t.Fatal("expected broadcast write to be rejected before any bytes were sent")
	}
}

func TestExecuteReadReturnsExceptionAsError(t *testing.T) {
	m := connectedMock(t)
	req := BuildRTURequest(1, ProtocolDataUnit{FunctionCode: FuncCodeReadHoldingRegisters, Data: []byte{0xFF, 0xFF, 0x00, 0x01}})
	exc := BuildRTURequest(1, ProtocolDataUnit{FunctionCode: FuncCodeReadHoldingRegisters | exceptionBit, Data: []byte{ExceptionIllegalDataAddress}})
	m.ProgramResponse(req, exc)

	_, err := ExecuteReadHoldingRegisters(context.Background(), m, ProtocolRTU, 1, 0xFFFF, 1, time.Second)
	var modbusErr *ModbusException
	if !errors.As(err, &modbusErr) {
		t.Fatalf("expected *ModbusException, got %v", err)
	}
	if modbusErr.ExceptionCode != ExceptionIllegalDataAddress {
		t.Fatalf("exception code = %d, want %d", modbusErr.ExceptionCode, ExceptionIllegalDataAddress)
	}
}

func TestExecuteTimesOutWhenNoResponseProgrammed(t *testing.T) {
	m := connectedMock(t)
	_, err := ExecuteReadHoldingRegisters(context.Background(), m, ProtocolRTU, 1, 0, 1, 30*time.Millisecond)
	if !errors.Is(err, ErrTimeout) {
		t.Fatalf("expected ErrTimeout, got %v", err)
	}
}

func TestExecuteReadDispatchesToRegisteredHandler(t *testing.T) {
	m := connectedMock(t)
	req := BuildRTURequest(1, ProtocolDataUnit{FunctionCode: FuncCodeReadHoldingRegisters, Data: []byte{0x00, 0x00, 0x00, 0x01}})
	resp := BuildRTURequest(1, ProtocolDataUnit{FunctionCode: FuncCodeReadHoldingRegisters, Data: []byte{0x02, 0x00, 0x2A}})
	m.ProgramResponse(req, resp)

	envelope, err := ExecuteRead(context.Background(), FuncCodeReadHoldingRegisters, m, ProtocolRTU, 1, 0, 1, time.Second)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(envelope.Registers) != 1 || envelope.Registers[0] != 0x2A {
		t.Fatalf("unexpected registers: %v", envelope.Registers)
	}
}

func TestExecuteReadRejectsWriteOnlyFunctionCode(t *testing.T) {
	m := connectedMock(t)
	_, err := ExecuteRead(context.Background(), FuncCodeWriteSingleCoil, m, ProtocolRTU, 1, 0, 1, time.Second)
	if !errors.Is(err, ErrWrongDirection) {
		t.Fatalf("expected ErrWrongDirection, got %v", err)
	}
	if len(m.Sent()) != 0 {
		t.Fatal("expected the direction mismatch to be caught before any bytes were sent")
	}
}

func TestExecuteReadRejectsUnregisteredFunctionCode(t *testing.T) {
	m := connectedMock(t)
	_, err := ExecuteRead(context.Background(), 0x2B, m, ProtocolRTU, 1, 0, 1, time.Second)
	if !errors.Is(err, ErrUnsupportedFunctionCode) {
		t.Fatalf("expected ErrUnsupportedFunctionCode, got %v", err)
	}
}

func TestExecuteWriteDispatchesToRegisteredHandler(t *testing.T) {
	m := connectedMock(t)
	req := BuildRTURequest(1, ProtocolDataUnit{FunctionCode: FuncCodeWriteSingleRegister, Data: []byte{0x00, 0x0A, 0x00, 0x2A}})
	m.ProgramResponse(req, req)

	_, err := ExecuteWrite(context.Background(), FuncCodeWriteSingleRegister, m, ProtocolRTU, 1, 10, WriteValue{Register: 0x2A}, time.Second)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}

func TestExecuteWriteRejectsReadOnlyFunctionCode(t *testing.T) {
	m := connectedMock(t)
	_, err := ExecuteWrite(context.Background(), FuncCodeReadHoldingRegisters, m, ProtocolRTU, 1, 0, WriteValue{Register: 1}, time.Second)
	if !errors.Is(err, ErrWrongDirection) {
		t.Fatalf("expected ErrWrongDirection, got %v", err)
	}
	if len(m.Sent()) != 0 {
		t.Fatal("expected the direction mismatch to be caught before any bytes were sent")
	}
}

func TestExecuteWriteRejectsUnregisteredFunctionCode(t *testing.T) {
	m := connectedMock(t)
	_, err := ExecuteWrite(context.Background(), 0x2B, m, ProtocolRTU, 1, 0, WriteValue{}, time.Second)
	if !errors.Is(err, ErrUnsupportedFunctionCode) {
		t.Fatalf("expected ErrUnsupportedFunctionCode, got %v", err)
	}
}

func TestPackAndUnpackBitsLSBRoundTrip(t *testing.T) {
	values := []bool{true, false, true, true, false, false, false, true, true}
	packed := packBitsLSB(values)
	unpacked := unpackBitsLSB(packed, len(values))
	for i, v := range values {
		want := byte(0)
		if v {
			want = 1
		}
		if unpacked[i] != want {
			t.Fatalf("bit %d = %d, want %d", i, unpacked[i], want)
		}
	}
}
