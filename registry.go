// Copyright 2014 Quoc-Viet Nguyen. All rights reserved.
// This software may be modified and distributed under the terms
// of the BSD license. See the LICENSE file for details.

package modbus

// Direction classifies a function code as a read or a write, for the
// registry's WrongDirection check.
type Direction int

const (
	DirectionRead Direction = iota
	DirectionWrite
)

// Flavor classifies a function code's data shape.
type Flavor int

const (
	FlavorBit Flavor = iota
	FlavorRegister
)

// FuncMeta describes one function code's registry entry: human-readable
// name, direction, data flavour, and the maximum quantity a single
// request of this kind may carry.
type FuncMeta struct {
	Code        byte
	Name        string
	Direction   Direction
	Flavor      Flavor
	MaxQuantity int
}

// registry maps FC -> metadata, backing LookupFunction and the per-FC
// Execute* functions in handler.go.
var registry = map[byte]FuncMeta{
	FuncCodeReadCoils:              {Code: FuncCodeReadCoils, Name: "Read Coils", Direction: DirectionRead, Flavor: FlavorBit, MaxQuantity: 2000},
	FuncCodeReadDiscreteInputs:     {Code: FuncCodeReadDiscreteInputs, Name: "Read Discrete Inputs", Direction: DirectionRead, Flavor: FlavorBit, MaxQuantity: 2000},
	FuncCodeReadHoldingRegisters:   {Code: FuncCodeReadHoldingRegisters, Name: "Read Holding Registers", Direction: DirectionRead, Flavor: FlavorRegister, MaxQuantity: 125},
	FuncCodeReadInputRegisters:     {Code: FuncCodeReadInputRegisters, Name: "Read Input Registers", Direction: DirectionRead, Flavor: FlavorRegister, MaxQuantity: 125},
	FuncCodeWriteSingleCoil:        {Code: FuncCodeWriteSingleCoil, Name: "Write Single Coil", Direction: DirectionWrite, Flavor: FlavorBit, MaxQuantity: 1},
	FuncCodeWriteSingleRegister:    {Code: FuncCodeWriteSingleRegister, Name: "Write Single Register", Direction: DirectionWrite, Flavor: FlavorRegister, MaxQuantity: 1},
	FuncCodeWriteMultipleCoils:     {Code: FuncCodeWriteMultipleCoils, Name: "Write Multiple Coils", Direction: DirectionWrite, Flavor: FlavorBit, MaxQuantity: 1968},
	FuncCodeWriteMultipleRegisters: {Code: FuncCodeWriteMultipleRegisters, Name: "Write Multiple Registers", Direction: DirectionWrite, Flavor: FlavorRegister, MaxQuantity: 123},
}

// LookupFunction returns the registry entry for fc, if any.
func LookupFunction(fc byte) (FuncMeta, bool) {
	meta, ok := registry[fc]
	return meta, ok
}

// FunctionsByDirection returns every registered function code with the
// given direction.
func FunctionsByDirection(dir Direction) []FuncMeta {
	var out []FuncMeta
	for _, meta := range registry {
		if meta.Direction == dir {
			out = append(out, meta)
		}
	}
	return out
}

// FunctionsByFlavor returns every registered function code with the
// given data flavour.
func FunctionsByFlavor(f Flavor) []FuncMeta {
	var out []FuncMeta
	for _, meta := range registry {
		if meta.Flavor == f {
			out = append(out, meta)
		}
	}
	return out
}

// requireDirection looks fc up and fails with UnsupportedFunctionCode or
// WrongDirection as appropriate.
func requireDirection(fc byte, want Direction) (FuncMeta, error) {
	meta, ok := registry[fc]
	if !ok {
		return FuncMeta{}, newError(ErrUnsupportedFunctionCode, ErrorContext{FunctionCode: fc, Phase: PhaseValidate}, nil, "no handler registered for function code")
	}
	if meta.Direction != want {
		return FuncMeta{}, newError(ErrWrongDirection, ErrorContext{FunctionCode: fc, Phase: PhaseValidate}, nil, "function code does not support the requested direction")
	}
	return meta, nil
}
