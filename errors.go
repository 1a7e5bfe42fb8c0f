// Copyright 2014 Quoc-Viet Nguyen. All rights reserved.
// This software may be modified and distributed under the terms
// of the BSD license. See the LICENSE file for details.

package modbus

import (
	"errors"
	"fmt"
	"time"
)

// Sentinel error kinds. Every *Error this engine returns carries exactly
// one of these as its Kind. Slave exception responses are returned as
// *ModbusException instead, and context cancellation can surface as the
// context's own error.
var (
	ErrNotConnected            = errors.New("modbus: transport not connected")
	ErrInvalidArgument         = errors.New("modbus: invalid argument")
	ErrUnsupportedFunctionCode = errors.New("modbus: unsupported function code")
	ErrWrongDirection          = errors.New("modbus: function code used in wrong direction")
	ErrTimeout                 = errors.New("modbus: timeout waiting for response")
	ErrChecksumError           = errors.New("modbus: checksum mismatch")
	ErrFrameError              = errors.New("modbus: malformed frame")
	ErrEchoMismatch            = errors.New("modbus: write confirmation does not echo request")
	ErrTransportSendError      = errors.New("modbus: transport send failed")
	ErrTransportError          = errors.New("modbus: transport reported an error")
	ErrQueueFull               = errors.New("modbus: scheduler queue is full")
	ErrSchedulerNotRunning     = errors.New("modbus: scheduler is not running")
	ErrSchedulerStopped        = errors.New("modbus: scheduler was stopped")
)

// Phase identifies where in a transaction's lifecycle an error occurred.
type Phase string

const (
	PhaseSend     Phase = "send"
	PhaseReceive  Phase = "receive"
	PhaseParse    Phase = "parse"
	PhaseValidate Phase = "validate"
)

// ErrorContext carries diagnostic detail attached to every error this
// engine raises. It is immutable once attached.
type ErrorContext struct {
	Timestamp    time.Time
	UnitID       UnitID
	FunctionCode byte
	Address      *Address
	Protocol     Protocol
	Timeout      time.Duration
	Phase        Phase
	Details      string
}

// Error wraps a sentinel kind with diagnostic context and an optional
// underlying cause.
type Error struct {
	Kind    error
	Context ErrorContext
	Cause   error
}

func (e *Error) Error() string {
	msg := e.Kind.Error()
	if e.Context.Phase != "" {
		msg = fmt.Sprintf("%s (phase=%s, unit=%d, fc=%d)", msg, e.Context.Phase, e.Context.UnitID, e.Context.FunctionCode)
	}
	if e.Context.Details != "" {
		msg = fmt.Sprintf("%s: %s", msg, e.Context.Details)
	}
	if e.Cause != nil {
		msg = fmt.Sprintf("%s: %v", msg, e.Cause)
	}
	return msg
}

// Unwrap exposes both the sentinel kind and the underlying cause to
// errors.Is/errors.As.
func (e *Error) Unwrap() []error {
	if e.Cause != nil {
		return []error{e.Kind, e.Cause}
	}
	return []error{e.Kind}
}

func newError(kind error, ctx ErrorContext, cause error, details string) *Error {
	ctx.Timestamp = time.Now()
	ctx.Details = details
	return &Error{Kind: kind, Context: ctx, Cause: cause}
}

// ModbusException represents a slave's exception-response PDU: the
// function code as received (with the exception high bit set) and the
// exception code.
type ModbusException struct {
	FunctionCode  byte
	ExceptionCode byte
	Context       ErrorContext
}

func (e *ModbusException) Error() string {
	return fmt.Sprintf("modbus: exception %d (%s) for function %d", e.ExceptionCode, exceptionMessage(e.ExceptionCode), e.FunctionCode&^exceptionBit)
}

// Is allows errors.Is(err, new(ModbusException)) style matching by type,
// and supports matching any ModbusException regardless of code.
func (e *ModbusException) Is(target error) bool {
	_, ok := target.(*ModbusException)
	return ok
}
