// Copyright 2014 Quoc-Viet Nguyen. All rights reserved.
// This software may be modified and distributed under the terms
// of the BSD license. See the LICENSE file for details.

// Package slavesim is a Modbus slave simulator used only by this
// module's own integration tests: it answers RTU/ASCII requests over a
// real pty pair so transport_serial.go and the rest of the engine can be
// exercised against something that behaves like a real device, without
// pulling a serial cable into CI.
package slavesim

import (
	"fmt"
	"math/rand/v2"
	"sync"
	"time"
)

const maxAddress = 65536

// DataStore is the in-memory register file backing a simulated slave:
// coils, discrete inputs, holding registers and input registers, each
// its own address space.
type DataStore struct {
	mu sync.RWMutex

	coils          []bool
	discreteInputs []bool
	holdingRegs    []uint16
	inputRegs      []uint16

	delays *DelayConfigSet
}

// RegisterType identifies one of the four Modbus register spaces.
type RegisterType string

const (
	RegisterTypeCoil          RegisterType = "coils"
	RegisterTypeDiscreteInput RegisterType = "discreteInputs"
	RegisterTypeHoldingReg    RegisterType = "holdingRegs"
	RegisterTypeInputReg      RegisterType = "inputRegs"
)

// DelayConfig simulates a slow or flaky slave: a base delay, jitter
// percentage, and a probability of not responding at all (to exercise
// the master's Timeout handling).
type DelayConfig struct {
	Delay              time.Duration
	Jitter             int
	TimeoutProbability float64
}

// DelayConfigSet holds per-register-type defaults and per-address
// overrides.
type DelayConfigSet struct {
	Global         map[RegisterType]DelayConfig
	Coils          map[uint16]DelayConfig
	DiscreteInputs map[uint16]DelayConfig
	HoldingRegs    map[uint16]DelayConfig
	InputRegs      map[uint16]DelayConfig
}

// DataStoreConfig seeds initial register values and optional delay
// behaviour.
type DataStoreConfig struct {
	Coils          map[uint16]bool
	DiscreteInputs map[uint16]bool
	HoldingRegs    map[uint16]uint16
	InputRegs      map[uint16]uint16
	Delays         *DelayConfigSet
}

// NewDataStore creates a DataStore, optionally seeded from config.
func NewDataStore(config *DataStoreConfig) *DataStore {
	ds := &DataStore{
		coils:          make([]bool, maxAddress),
		discreteInputs: make([]bool, maxAddress),
		holdingRegs:    make([]uint16, maxAddress),
		inputRegs:      make([]uint16, maxAddress),
	}
	if config == nil {
		return ds
	}
	ds.delays = config.Delays
	for addr, v := range config.Coils {
		ds.coils[addr] = v
	}
	for addr, v := range config.DiscreteInputs {
		ds.discreteInputs[addr] = v
	}
	for addr, v := range config.HoldingRegs {
		ds.holdingRegs[addr] = v
	}
	for addr, v := range config.InputRegs {
		ds.inputRegs[addr] = v
	}
	return ds
}

func (ds *DataStore) ReadCoils(address, quantity uint16) ([]bool, error) {
	ds.mu.RLock()
	defer ds.mu.RUnlock()
	if err := ds.validateRange(address, quantity); err != nil {
		return nil, err
	}
	out := make([]bool, quantity)
	for i := range out {
		out[i] = ds.coils[address+uint16(i)]
	}
	return out, nil
}

func (ds *DataStore) ReadDiscreteInputs(address, quantity uint16) ([]bool, error) {
	ds.mu.RLock()
	defer ds.mu.RUnlock()
	if err := ds.validateRange(address, quantity); err != nil {
		return nil, err
	}
	out := make([]bool, quantity)
	for i := range out {
		out[i] = ds.discreteInputs[address+uint16(i)]
	}
	return out, nil
}

func (ds *DataStore) ReadHoldingRegisters(address, quantity uint16) ([]uint16, error) {
	ds.mu.RLock()
	defer ds.mu.RUnlock()
	if err := ds.validateRange(address, quantity); err != nil {
		return nil, err
	}
	out := make([]uint16, quantity)
	for i := range out {
		out[i] = ds.holdingRegs[address+uint16(i)]
	}
	return out, nil
}

func (ds *DataStore) ReadInputRegisters(address, quantity uint16) ([]uint16, error) {
	ds.mu.RLock()
	defer ds.mu.RUnlock()
	if err := ds.validateRange(address, quantity); err != nil {
		return nil, err
	}
	out := make([]uint16, quantity)
	for i := range out {
		out[i] = ds.inputRegs[address+uint16(i)]
	}
	return out, nil
}

func (ds *DataStore) WriteSingleCoil(address uint16, value bool) error {
	ds.mu.Lock()
	defer ds.mu.Unlock()
	ds.coils[address] = value
	return nil
}

func (ds *DataStore) WriteMultipleCoils(address uint16, values []bool) error {
	ds.mu.Lock()
	defer ds.mu.Unlock()
	quantity := uint16(len(values))
	if err := ds.validateRange(address, quantity); err != nil {
		return err
	}
	for i, v := range values {
		ds.coils[address+uint16(i)] = v
	}
	return nil
}

func (ds *DataStore) WriteSingleRegister(address, value uint16) error {
	ds.mu.Lock()
	defer ds.mu.Unlock()
	ds.holdingRegs[address] = value
	return nil
}

func (ds *DataStore) WriteMultipleRegisters(address uint16, values []uint16) error {
	ds.mu.Lock()
	defer ds.mu.Unlock()
	quantity := uint16(len(values))
	if err := ds.validateRange(address, quantity); err != nil {
		return err
	}
	for i, v := range values {
		ds.holdingRegs[address+uint16(i)] = v
	}
	return nil
}

func (ds *DataStore) validateRange(address, quantity uint16) error {
	if quantity == 0 {
		return fmt.Errorf("quantity must be greater than 0")
	}
	if uint32(address)+uint32(quantity) > maxAddress {
		return fmt.Errorf("address range %d-%d exceeds maximum", address, uint32(address)+uint32(quantity)-1)
	}
	return nil
}

// delayConfigFor resolves the applicable DelayConfig for a register type
// and address: per-address override first, then the type-wide default.
func (ds *DataStore) delayConfigFor(regType RegisterType, address uint16) *DelayConfig {
	ds.mu.RLock()
	defer ds.mu.RUnlock()
	if ds.delays == nil {
		return nil
	}
	var perAddr map[uint16]DelayConfig
	switch regType {
	case RegisterTypeCoil:
		perAddr = ds.delays.Coils
	case RegisterTypeDiscreteInput:
		perAddr = ds.delays.DiscreteInputs
	case RegisterTypeHoldingReg:
		perAddr = ds.delays.HoldingRegs
	case RegisterTypeInputReg:
		perAddr = ds.delays.InputRegs
	}
	if cfg, ok := perAddr[address]; ok {
		return &cfg
	}
	if ds.delays.Global != nil {
		if cfg, ok := ds.delays.Global[regType]; ok {
			return &cfg
		}
	}
	return nil
}

// ApplyDelay sleeps the configured delay (with jitter) and reports
// whether the slave should respond at all, or silently drop the request
// to simulate a timeout.
func (ds *DataStore) ApplyDelay(regType RegisterType, address uint16) (respond bool) {
	cfg := ds.delayConfigFor(regType, address)
	if cfg == nil {
		return true
	}
	if cfg.TimeoutProbability > 0 && rand.Float64() < cfg.TimeoutProbability {
		return false
	}
	delay := cfg.Delay
	if cfg.Jitter > 0 && cfg.Jitter <= 100 {
		jitterRange := float64(delay) * (float64(cfg.Jitter) / 100.0)
		delay += time.Duration((rand.Float64()*2 - 1) * jitterRange)
		if delay < 0 {
			delay = 0
		}
	}
	if delay > 0 {
		time.Sleep(delay)
	}
	return true
}
