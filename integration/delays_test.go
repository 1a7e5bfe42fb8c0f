// Copyright 2014 Quoc-Viet Nguyen. All rights reserved.
// This software may be modified and distributed under the terms
// of the BSD license. See the LICENSE file for details.

package integration

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/arcwire-automation/modbus"
	"github.com/arcwire-automation/modbus/internal/slavesim"
)

func startRTUSlave(t *testing.T, ds *slavesim.DataStore) (*slavesim.Server, string) {
	t.Helper()
	srv, err := slavesim.NewServer(ds, slavesim.ServerConfig{Protocol: modbus.ProtocolRTU, UnitID: 1})
	if err != nil {
		t.Fatalf("starting slave: %v", err)
	}
	srv.Start()
	t.Cleanup(func() { srv.Stop() })
	return srv, srv.ClientDevicePath()
}

func newTestClient(t *testing.T, devicePath string, timeout time.Duration) *modbus.Client {
	t.Helper()
	cfg := modbus.DefaultSerialConfig(devicePath)
	cfg.Timeout = timeout
	transport := modbus.NewSerialTransport(cfg)
	client := modbus.NewClient(transport, modbus.ClientConfig{
		Protocol: modbus.ProtocolRTU,
		Scheduler: modbus.SchedulerConfig{
			DefaultTimeout:    timeout,
			QueueSizeLimit:    100,
			RequestIntervalMs: 5,
		},
	})
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := client.Connect(ctx); err != nil {
		t.Fatalf("connecting client: %v", err)
	}
	t.Cleanup(func() { client.Disconnect() })
	return client
}

func TestRTUClientWithRegisterDelay(t *testing.T) {
	ds := slavesim.NewDataStore(&slavesim.DataStoreConfig{
		HoldingRegs: map[uint16]uint16{100: 1234},
		Delays: &slavesim.DelayConfigSet{
			HoldingRegs: map[uint16]slavesim.DelayConfig{
				100: {Delay: 200 * time.Millisecond},
			},
		},
	})
	_, devicePath := startRTUSlave(t, ds)
	client := newTestClient(t, devicePath, 2*time.Second)

	started := time.Now()
	resp, err := client.ReadHoldingRegisters(context.Background(), 1, 100, 1, modbus.PriorityNormal, 2*time.Second)
	elapsed := time.Since(started)
	if err != nil {
		t.Fatalf("read holding registers: %v", err)
	}
	if len(resp.Registers) != 1 || resp.Registers[0] != 1234 {
		t.Fatalf("unexpected register value: %+v", resp.Registers)
	}
	if elapsed < 150*time.Millisecond {
		t.Fatalf("expected at least the configured delay, got %v", elapsed)
	}
}

func TestRTUClientTimesOutOnSimulatedDrop(t *testing.T) {
	ds := slavesim.NewDataStore(&slavesim.DataStoreConfig{
		HoldingRegs: map[uint16]uint16{200: 1},
		Delays: &slavesim.DelayConfigSet{
			HoldingRegs: map[uint16]slavesim.DelayConfig{
				200: {TimeoutProbability: 1.0},
			},
		},
	})
	_, devicePath := startRTUSlave(t, ds)
	client := newTestClient(t, devicePath, 300*time.Millisecond)

	_, err := client.ReadHoldingRegisters(context.Background(), 1, 200, 1, modbus.PriorityNormal, 300*time.Millisecond)
	if !errors.Is(err, modbus.ErrTimeout) {
		t.Fatalf("expected ErrTimeout, got %v", err)
	}
}

func TestRTUClientWriteSingleCoilRoundTrip(t *testing.T) {
	ds := slavesim.NewDataStore(nil)
	_, devicePath := startRTUSlave(t, ds)
	client := newTestClient(t, devicePath, time.Second)

	if _, err := client.WriteSingleCoil(context.Background(), 1, 10, true, modbus.PriorityNormal, time.Second); err != nil {
		t.Fatalf("write single coil: %v", err)
	}
	resp, err := client.ReadCoils(context.Background(), 1, 10, 1, modbus.PriorityNormal, time.Second)
	if err != nil {
		t.Fatalf("read coils: %v", err)
	}
	if len(resp.Bits) != 1 || resp.Bits[0] != 1 {
		t.Fatalf("expected coil 10 to read back set, got %+v", resp.Bits)
	}
}
