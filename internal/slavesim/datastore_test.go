// Copyright 2014 Quoc-Viet Nguyen. All rights reserved.
// This software may be modified and distributed under the terms
// of the BSD license. See the LICENSE file for details.

package slavesim

import (
	"testing"
	"time"
)

func TestDelayConfigLookup(t *testing.T) {
	config := &DataStoreConfig{
		Delays: &DelayConfigSet{
			Global: map[RegisterType]DelayConfig{
				RegisterTypeHoldingReg: {Delay: 50 * time.Millisecond, Jitter: 10},
			},
			HoldingRegs: map[uint16]DelayConfig{
				100: {Delay: 200 * time.Millisecond, Jitter: 20},
				200: {TimeoutProbability: 1.0},
			},
		},
	}
	ds := NewDataStore(config)

	tests := []struct {
		name            string
		regType         RegisterType
		address         uint16
		expectNil       bool
		expectedDelay   time.Duration
		expectedTimeout float64
	}{
		{name: "address-specific override", regType: RegisterTypeHoldingReg, address: 100, expectedDelay: 200 * time.Millisecond},
		{name: "timeout probability", regType: RegisterTypeHoldingReg, address: 200, expectedTimeout: 1.0},
		{name: "global default", regType: RegisterTypeHoldingReg, address: 999, expectedDelay: 50 * time.Millisecond},
		{name: "no config", regType: RegisterTypeCoil, address: 0, expectNil: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := ds.delayConfigFor(tt.regType, tt.address)
			if tt.expectNil {
				if cfg != nil {
					t.Errorf("expected nil config, got %+v", cfg)
				}
				return
			}
			if cfg == nil {
				t.Fatal("expected non-nil config")
			}
			if tt.expectedDelay != 0 && cfg.Delay != tt.expectedDelay {
				t.Errorf("expected delay %v, got %v", tt.expectedDelay, cfg.Delay)
			}
			if tt.expectedTimeout != 0 && cfg.TimeoutProbability != tt.expectedTimeout {
				t.Errorf("expected timeout probability %f, got %f", tt.expectedTimeout, cfg.TimeoutProbability)
			}
		})
	}
}

func TestApplyDelayNoConfig(t *testing.T) {
	ds := NewDataStore(nil)

	start := time.Now()
	respond := ds.ApplyDelay(RegisterTypeHoldingReg, 100)
	elapsed := time.Since(start)

	if !respond {
		t.Error("expected to respond when no config")
	}
	if elapsed > 10*time.Millisecond {
		t.Errorf("expected no delay, but took %v", elapsed)
	}
}

func TestApplyDelayAlwaysTimeout(t *testing.T) {
	ds := NewDataStore(&DataStoreConfig{
		Delays: &DelayConfigSet{
			HoldingRegs: map[uint16]DelayConfig{
				100: {TimeoutProbability: 1.0},
			},
		},
	})

	for i := 0; i < 10; i++ {
		if ds.ApplyDelay(RegisterTypeHoldingReg, 100) {
			t.Error("expected drop with probability 1.0")
		}
	}
}

func TestDataStoreWriteThenReadBack(t *testing.T) {
	ds := NewDataStore(nil)

	if err := ds.WriteMultipleRegisters(10, []uint16{1, 2, 3}); err != nil {
		t.Fatalf("write: %v", err)
	}
	values, err := ds.ReadHoldingRegisters(10, 3)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if values[0] != 1 || values[1] != 2 || values[2] != 3 {
		t.Fatalf("unexpected values: %v", values)
	}

	if _, err := ds.ReadHoldingRegisters(65535, 2); err == nil {
		t.Fatal("expected range error past the end of the address space")
	}
}
