// Copyright 2014 Quoc-Viet Nguyen. All rights reserved.
// This software may be modified and distributed under the terms
// of the BSD license. See the LICENSE file for details.

package modbus

import (
	"context"
	"fmt"
	"log"
	"sync"
	"time"

	"go.bug.st/serial"
)

// StopBits selects the number of stop bits, translated to
// go.bug.st/serial's own enum at connect time.
type StopBits int

const (
	OneStopBit StopBits = iota
	OnePointFiveStopBits
	TwoStopBits
)

// Parity selects serial line parity.
type Parity int

const (
	NoParity Parity = iota
	OddParity
	EvenParity
)

const (
	defaultSerialTimeout     = 3 * time.Second
	defaultSerialIdleTimeout = 60 * time.Second
	serialReadChunkSize      = 256
)

// SerialConfig configures a SerialTransport.
type SerialConfig struct {
	Address     string
	BaudRate    int
	DataBits    int
	StopBits    StopBits
	Parity      Parity
	Timeout     time.Duration
	IdleTimeout time.Duration
	Logger      *log.Logger
}

// DefaultSerialConfig returns the conventional RTU/ASCII serial defaults
// (19200 baud, 8 data bits, one stop bit, even parity).
func DefaultSerialConfig(address string) SerialConfig {
	return SerialConfig{
		Address:     address,
		BaudRate:    19200,
		DataBits:    8,
		StopBits:    OneStopBit,
		Parity:      EvenParity,
		Timeout:     defaultSerialTimeout,
		IdleTimeout: defaultSerialIdleTimeout,
	}
}

func toSerialStopBits(sb StopBits) serial.StopBits {
	switch sb {
	case TwoStopBits:
		return serial.TwoStopBits
	case OnePointFiveStopBits:
		return serial.OnePointFiveStopBits
	default:
		return serial.OneStopBit
	}
}

func toSerialParity(p Parity) serial.Parity {
	switch p {
	case NoParity:
		return serial.NoParity
	case OddParity:
		return serial.OddParity
	default:
		return serial.EvenParity
	}
}

// SerialTransport is the real RTU/ASCII Transport, backed by
// go.bug.st/serial. A background goroutine reads chunks off the wire and
// publishes them via OnMessage instead of the caller blocking on a
// synchronous response read.
type SerialTransport struct {
	eventHub

	cfg SerialConfig

	mu           sync.Mutex
	port         serial.Port
	state        State
	lastActivity time.Time
	closeTimer   *time.Timer
	stopReader   chan struct{}
}

// NewSerialTransport creates a disconnected serial transport.
func NewSerialTransport(cfg SerialConfig) *SerialTransport {
	if cfg.Timeout <= 0 {
		cfg.Timeout = defaultSerialTimeout
	}
	return &SerialTransport{cfg: cfg, state: StateDisconnected}
}

func (t *SerialTransport) Connected() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.port != nil
}

func (t *SerialTransport) State() State {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.state
}

func (t *SerialTransport) setState(s State) {
	t.mu.Lock()
	t.state = s
	t.mu.Unlock()
	t.emitStateChange(s)
}

// Connect opens the serial port if it is not already open and starts
// the background read loop. Idempotent.
func (t *SerialTransport) Connect(ctx context.Context) error {
	t.mu.Lock()
	if t.port != nil || t.state == StateConnecting {
		t.mu.Unlock()
		return nil
	}
	t.state = StateConnecting
	t.mu.Unlock()
	t.emitStateChange(StateConnecting)

	mode := &serial.Mode{
		BaudRate: t.cfg.BaudRate,
		DataBits: t.cfg.DataBits,
		StopBits: toSerialStopBits(t.cfg.StopBits),
		Parity:   toSerialParity(t.cfg.Parity),
	}
	port, err := serial.Open(t.cfg.Address, mode)
	if err != nil {
		t.setState(StateError)
		t.emitError(err)
		return fmt.Errorf("opening serial port: %w", err)
	}
	if err := port.SetReadTimeout(t.cfg.Timeout); err != nil {
		port.Close()
		t.setState(StateError)
		t.emitError(err)
		return fmt.Errorf("setting read timeout: %w", err)
	}
	t.mu.Lock()
	t.port = port
	t.lastActivity = time.Now()
	t.stopReader = make(chan struct{})
	stop := t.stopReader
	t.mu.Unlock()

	t.startCloseTimer()
	go t.readLoop(port, stop)

	t.setState(StateConnected)
	t.emitOpen()
	return nil
}

// Disconnect closes the serial port and stops the read loop. Idempotent.
func (t *SerialTransport) Disconnect() error {
	t.mu.Lock()
	if t.port == nil {
		t.mu.Unlock()
		return nil
	}
	port := t.port
	stop := t.stopReader
	t.port = nil
	t.stopReader = nil
	if t.closeTimer != nil {
		t.closeTimer.Stop()
		t.closeTimer = nil
	}
	t.mu.Unlock()

	close(stop)
	err := port.Close()
	t.setState(StateDisconnected)
	t.emitClose()
	return err
}

// PostMessage writes a request frame to the wire.
func (t *SerialTransport) PostMessage(data []byte) error {
	t.mu.Lock()
	port := t.port
	t.mu.Unlock()
	if port == nil {
		return newError(ErrNotConnected, ErrorContext{Phase: PhaseSend}, nil, "serial port not open")
	}
	t.logf("modbus: sending % x", data)
	if _, err := port.Write(data); err != nil {
		wrapped := fmt.Errorf("writing request: %w", err)
		t.emitError(wrapped)
		return wrapped
	}
	t.touchActivity()
	return nil
}

func (t *SerialTransport) readLoop(port serial.Port, stop <-chan struct{}) {
	buf := make([]byte, serialReadChunkSize)
	for {
		select {
		case <-stop:
			return
		default:
		}
		n, err := port.Read(buf)
		if err != nil {
			select {
			case <-stop:
				return
			default:
			}
			t.emitError(fmt.Errorf("reading response: %w", err))
			continue
		}
		if n == 0 {
			continue
		}
		t.touchActivity()
		chunk := make([]byte, n)
		copy(chunk, buf[:n])
		t.logf("modbus: received % x", chunk)
		t.emitMessage(chunk)
	}
}

func (t *SerialTransport) touchActivity() {
	t.mu.Lock()
	t.lastActivity = time.Now()
	t.mu.Unlock()
	t.startCloseTimer()
}

func (t *SerialTransport) logf(format string, v ...interface{}) {
	if t.cfg.Logger != nil {
		t.cfg.Logger.Printf(format, v...)
	}
}

func (t *SerialTransport) startCloseTimer() {
	if t.cfg.IdleTimeout <= 0 {
		return
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.port == nil {
		return
	}
	if t.closeTimer == nil {
		t.closeTimer = time.AfterFunc(t.cfg.IdleTimeout, t.closeIdle)
	} else {
		t.closeTimer.Reset(t.cfg.IdleTimeout)
	}
}

func (t *SerialTransport) closeIdle() {
	t.mu.Lock()
	idle := time.Since(t.lastActivity)
	shouldClose := t.port != nil && idle >= t.cfg.IdleTimeout
	t.mu.Unlock()
	if shouldClose {
		t.logf("modbus: closing connection due to idle timeout: %v", idle)
		t.Disconnect()
	}
}
