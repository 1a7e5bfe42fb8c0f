// Copyright 2014 Quoc-Viet Nguyen. All rights reserved.
// This software may be modified and distributed under the terms
// of the BSD license. See the LICENSE file for details.

package modbus

import (
	"context"
	"time"
)

// ClientConfig configures a Client.
type ClientConfig struct {
	Protocol  Protocol
	Scheduler SchedulerConfig
}

// Client is the public entry point: it owns a Transport and a Scheduler
// and exposes one method per supported function code, each taking a
// Priority and returning the idiomatic (ResponseEnvelope, error) pair.
type Client struct {
	transport Transport
	protocol  Protocol
	scheduler *Scheduler
}

// NewClient wires a Client around transport. The scheduler is created but
// not started; call Connect to start it and open the transport together.
// The scheduler applies its own per-field defaults to cfg.Scheduler.
func NewClient(transport Transport, cfg ClientConfig) *Client {
	return &Client{
		transport: transport,
		protocol:  cfg.Protocol,
		scheduler: NewScheduler(transport, cfg.Scheduler),
	}
}

// Connect opens the underlying transport and starts the scheduler.
func (c *Client) Connect(ctx context.Context) error {
	if err := c.transport.Connect(ctx); err != nil {
		return err
	}
	c.scheduler.Start()
	return nil
}

// Disconnect stops the scheduler, failing any in-flight or queued
// request, then closes the transport.
func (c *Client) Disconnect() error {
	c.scheduler.Stop()
	return c.transport.Disconnect()
}

// Stats returns the scheduler's current activity snapshot.
func (c *Client) Stats() SchedulerStats {
	return c.scheduler.Stats()
}

func (c *Client) submit(ctx context.Context, priority Priority, run func(ctx context.Context) (ResponseEnvelope, error)) (ResponseEnvelope, error) {
	waiter := c.scheduler.Schedule(priority, run)
	select {
	case result := <-waiter:
		return result.Unwrap()
	case <-ctx.Done():
		return ResponseEnvelope{}, ctx.Err()
	}
}

// ReadCoils reads quantity coils starting at address from unit (FC 1).
func (c *Client) ReadCoils(ctx context.Context, unit UnitID, address Address, quantity int, priority Priority, timeout time.Duration) (ResponseEnvelope, error) {
	return c.submit(ctx, priority, func(ctx context.Context) (ResponseEnvelope, error) {
		return ExecuteRead(ctx, FuncCodeReadCoils, c.transport, c.protocol, unit, address, quantity, timeout)
	})
}

// ReadDiscreteInputs reads quantity discrete inputs starting at address
// from unit (FC 2).
func (c *Client) ReadDiscreteInputs(ctx context.Context, unit UnitID, address Address, quantity int, priority Priority, timeout time.Duration) (ResponseEnvelope, error) {
	return c.submit(ctx, priority, func(ctx context.Context) (ResponseEnvelope, error) {
		return ExecuteRead(ctx, FuncCodeReadDiscreteInputs, c.transport, c.protocol, unit, address, quantity, timeout)
	})
}

// ReadHoldingRegisters reads quantity holding registers starting at
// address from unit (FC 3).
func (c *Client) ReadHoldingRegisters(ctx context.Context, unit UnitID, address Address, quantity int, priority Priority, timeout time.Duration) (ResponseEnvelope, error) {
	return c.submit(ctx, priority, func(ctx context.Context) (ResponseEnvelope, error) {
		return ExecuteRead(ctx, FuncCodeReadHoldingRegisters, c.transport, c.protocol, unit, address, quantity, timeout)
	})
}

// ReadInputRegisters reads quantity input registers starting at address
// from unit (FC 4).
func (c *Client) ReadInputRegisters(ctx context.Context, unit UnitID, address Address, quantity int, priority Priority, timeout time.Duration) (ResponseEnvelope, error) {
	return c.submit(ctx, priority, func(ctx context.Context) (ResponseEnvelope, error) {
		return ExecuteRead(ctx, FuncCodeReadInputRegisters, c.transport, c.protocol, unit, address, quantity, timeout)
	})
}

// WriteSingleCoil writes value to a single coil on unit (FC 5).
func (c *Client) WriteSingleCoil(ctx context.Context, unit UnitID, address Address, value bool, priority Priority, timeout time.Duration) (ResponseEnvelope, error) {
	return c.submit(ctx, priority, func(ctx context.Context) (ResponseEnvelope, error) {
		return ExecuteWrite(ctx, FuncCodeWriteSingleCoil, c.transport, c.protocol, unit, address, WriteValue{Coil: value}, timeout)
	})
}

// WriteSingleRegister writes value to a single holding register on unit
// (FC 6).
func (c *Client) WriteSingleRegister(ctx context.Context, unit UnitID, address Address, value uint16, priority Priority, timeout time.Duration) (ResponseEnvelope, error) {
	return c.submit(ctx, priority, func(ctx context.Context) (ResponseEnvelope, error) {
		return ExecuteWrite(ctx, FuncCodeWriteSingleRegister, c.transport, c.protocol, unit, address, WriteValue{Register: value}, timeout)
	})
}

// WriteMultipleCoils writes values to consecutive coils starting at
// address on unit (FC 15).
func (c *Client) WriteMultipleCoils(ctx context.Context, unit UnitID, address Address, values []bool, priority Priority, timeout time.Duration) (ResponseEnvelope, error) {
	return c.submit(ctx, priority, func(ctx context.Context) (ResponseEnvelope, error) {
		return ExecuteWrite(ctx, FuncCodeWriteMultipleCoils, c.transport, c.protocol, unit, address, WriteValue{Coils: values}, timeout)
	})
}

// WriteMultipleRegisters writes values to consecutive holding registers
// starting at address on unit (FC 16).
func (c *Client) WriteMultipleRegisters(ctx context.Context, unit UnitID, address Address, values []uint16, priority Priority, timeout time.Duration) (ResponseEnvelope, error) {
	return c.submit(ctx, priority, func(ctx context.Context) (ResponseEnvelope, error) {
		return ExecuteWrite(ctx, FuncCodeWriteMultipleRegisters, c.transport, c.protocol, unit, address, WriteValue{Registers: values}, timeout)
	})
}
