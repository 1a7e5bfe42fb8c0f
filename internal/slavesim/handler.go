// Copyright 2014 Quoc-Viet Nguyen. All rights reserved.
// This software may be modified and distributed under the terms
// of the BSD license. See the LICENSE file for details.

package slavesim

import (
	"encoding/binary"

	"github.com/arcwire-automation/modbus"
)

// Handler answers a decoded request PDU against a DataStore, simulating
// the slave side of the eight function codes this engine's master side
// speaks.
type Handler struct {
	ds *DataStore
}

// NewHandler creates a Handler backed by ds.
func NewHandler(ds *DataStore) *Handler {
	return &Handler{ds: ds}
}

// Handle processes req and returns the response PDU, applying any
// configured delay/timeout simulation first. ok is false when the
// configured behaviour is to drop the request silently.
func (h *Handler) Handle(req modbus.ProtocolDataUnit) (resp modbus.ProtocolDataUnit, ok bool) {
	switch req.FunctionCode {
	case modbus.FuncCodeReadCoils:
		return h.readBits(req, RegisterTypeCoil, h.ds.ReadCoils)
	case modbus.FuncCodeReadDiscreteInputs:
		return h.readBits(req, RegisterTypeDiscreteInput, h.ds.ReadDiscreteInputs)
	case modbus.FuncCodeReadHoldingRegisters:
		return h.readRegs(req, RegisterTypeHoldingReg, 125, h.ds.ReadHoldingRegisters)
	case modbus.FuncCodeReadInputRegisters:
		return h.readRegs(req, RegisterTypeInputReg, 125, h.ds.ReadInputRegisters)
	case modbus.FuncCodeWriteSingleCoil:
		return h.writeSingleCoil(req), true
	case modbus.FuncCodeWriteSingleRegister:
		return h.writeSingleRegister(req), true
	case modbus.FuncCodeWriteMultipleCoils:
		return h.writeMultipleCoils(req), true
	case modbus.FuncCodeWriteMultipleRegisters:
		return h.writeMultipleRegisters(req), true
	default:
		return exception(req.FunctionCode, modbus.ExceptionIllegalFunction), true
	}
}

func exception(fc, code byte) modbus.ProtocolDataUnit {
	return modbus.ProtocolDataUnit{FunctionCode: fc | 0x80, Data: []byte{code}}
}

func (h *Handler) readBits(req modbus.ProtocolDataUnit, regType RegisterType, read func(address, quantity uint16) ([]bool, error)) (modbus.ProtocolDataUnit, bool) {
	if len(req.Data) < 4 {
		return exception(req.FunctionCode, modbus.ExceptionIllegalDataValue), true
	}
	address := binary.BigEndian.Uint16(req.Data[0:2])
	quantity := binary.BigEndian.Uint16(req.Data[2:4])
	if quantity < 1 || quantity > 2000 {
		return exception(req.FunctionCode, modbus.ExceptionIllegalDataValue), true
	}
	if !h.ds.ApplyDelay(regType, address) {
		return modbus.ProtocolDataUnit{}, false
	}
	values, err := read(address, quantity)
	if err != nil {
		return exception(req.FunctionCode, modbus.ExceptionIllegalDataAddress), true
	}
	return modbus.ProtocolDataUnit{FunctionCode: req.FunctionCode, Data: packBits(values)}, true
}

func (h *Handler) readRegs(req modbus.ProtocolDataUnit, regType RegisterType, max uint16, read func(address, quantity uint16) ([]uint16, error)) (modbus.ProtocolDataUnit, bool) {
	if len(req.Data) < 4 {
		return exception(req.FunctionCode, modbus.ExceptionIllegalDataValue), true
	}
	address := binary.BigEndian.Uint16(req.Data[0:2])
	quantity := binary.BigEndian.Uint16(req.Data[2:4])
	if quantity < 1 || quantity > max {
		return exception(req.FunctionCode, modbus.ExceptionIllegalDataValue), true
	}
	if !h.ds.ApplyDelay(regType, address) {
		return modbus.ProtocolDataUnit{}, false
	}
	values, err := read(address, quantity)
	if err != nil {
		return exception(req.FunctionCode, modbus.ExceptionIllegalDataAddress), true
	}
	return modbus.ProtocolDataUnit{FunctionCode: req.FunctionCode, Data: packRegs(values)}, true
}

func (h *Handler) writeSingleCoil(req modbus.ProtocolDataUnit) modbus.ProtocolDataUnit {
	if len(req.Data) < 4 {
		return exception(req.FunctionCode, modbus.ExceptionIllegalDataValue)
	}
	address := binary.BigEndian.Uint16(req.Data[0:2])
	value := binary.BigEndian.Uint16(req.Data[2:4])
	if value != 0x0000 && value != 0xFF00 {
		return exception(req.FunctionCode, modbus.ExceptionIllegalDataValue)
	}
	if err := h.ds.WriteSingleCoil(address, value == 0xFF00); err != nil {
		return exception(req.FunctionCode, modbus.ExceptionIllegalDataAddress)
	}
	return modbus.ProtocolDataUnit{FunctionCode: req.FunctionCode, Data: req.Data}
}

func (h *Handler) writeSingleRegister(req modbus.ProtocolDataUnit) modbus.ProtocolDataUnit {
	if len(req.Data) < 4 {
		return exception(req.FunctionCode, modbus.ExceptionIllegalDataValue)
	}
	address := binary.BigEndian.Uint16(req.Data[0:2])
	value := binary.BigEndian.Uint16(req.Data[2:4])
	if err := h.ds.WriteSingleRegister(address, value); err != nil {
		return exception(req.FunctionCode, modbus.ExceptionIllegalDataAddress)
	}
	return modbus.ProtocolDataUnit{FunctionCode: req.FunctionCode, Data: req.Data}
}

func (h *Handler) writeMultipleCoils(req modbus.ProtocolDataUnit) modbus.ProtocolDataUnit {
	if len(req.Data) < 5 {
		return exception(req.FunctionCode, modbus.ExceptionIllegalDataValue)
	}
	address := binary.BigEndian.Uint16(req.Data[0:2])
	quantity := binary.BigEndian.Uint16(req.Data[2:4])
	byteCount := req.Data[4]
	if quantity < 1 || quantity > 1968 || uint16(byteCount) != (quantity+7)/8 || len(req.Data) < int(5+byteCount) {
		return exception(req.FunctionCode, modbus.ExceptionIllegalDataValue)
	}
	values := unpackBits(req.Data[5:5+byteCount], quantity)
	if err := h.ds.WriteMultipleCoils(address, values); err != nil {
		return exception(req.FunctionCode, modbus.ExceptionIllegalDataAddress)
	}
	resp := make([]byte, 4)
	binary.BigEndian.PutUint16(resp[0:2], address)
	binary.BigEndian.PutUint16(resp[2:4], quantity)
	return modbus.ProtocolDataUnit{FunctionCode: req.FunctionCode, Data: resp}
}

func (h *Handler) writeMultipleRegisters(req modbus.ProtocolDataUnit) modbus.ProtocolDataUnit {
	if len(req.Data) < 5 {
		return exception(req.FunctionCode, modbus.ExceptionIllegalDataValue)
	}
	address := binary.BigEndian.Uint16(req.Data[0:2])
	quantity := binary.BigEndian.Uint16(req.Data[2:4])
	byteCount := req.Data[4]
	if quantity < 1 || quantity > 123 || byteCount != byte(quantity*2) || len(req.Data) < int(5+byteCount) {
		return exception(req.FunctionCode, modbus.ExceptionIllegalDataValue)
	}
	values := unpackRegs(req.Data[5 : 5+byteCount])
	if err := h.ds.WriteMultipleRegisters(address, values); err != nil {
		return exception(req.FunctionCode, modbus.ExceptionIllegalDataAddress)
	}
	resp := make([]byte, 4)
	binary.BigEndian.PutUint16(resp[0:2], address)
	binary.BigEndian.PutUint16(resp[2:4], quantity)
	return modbus.ProtocolDataUnit{FunctionCode: req.FunctionCode, Data: resp}
}

func packBits(values []bool) []byte {
	byteCount := (len(values) + 7) / 8
	out := make([]byte, 1+byteCount)
	out[0] = byte(byteCount)
	for i, v := range values {
		if v {
			out[1+i/8] |= 1 << uint(i%8)
		}
	}
	return out
}

func unpackBits(data []byte, quantity uint16) []bool {
	out := make([]bool, quantity)
	for i := range out {
		out[i] = data[i/8]&(1<<uint(i%8)) != 0
	}
	return out
}

func packRegs(values []uint16) []byte {
	out := make([]byte, 1+2*len(values))
	out[0] = byte(2 * len(values))
	for i, v := range values {
		binary.BigEndian.PutUint16(out[1+2*i:], v)
	}
	return out
}

func unpackRegs(data []byte) []uint16 {
	out := make([]uint16, len(data)/2)
	for i := range out {
		out[i] = binary.BigEndian.Uint16(data[2*i:])
	}
	return out
}
