// Copyright 2014 Quoc-Viet Nguyen. All rights reserved.
// This software may be modified and distributed under the terms
// of the BSD license. See the LICENSE file for details.

package modbus

import (
	"context"
	"sync"
	"time"
)

// MockTransport is a controllable, in-memory Transport: it records every
// outgoing frame, replies with a programmed response keyed by the exact
// request bytes, and can inject delay or errors. It never models an
// actual device's register file (see internal/slavesim for that); it
// only stands in for the wire.
type MockTransport struct {
	eventHub

	mu          sync.Mutex
	connected   bool
	state       State
	sent        [][]byte
	responses   map[string][]byte
	delay       time.Duration
	sendErr     error
	replyErr    error
}

// NewMockTransport creates a disconnected mock transport.
func NewMockTransport() *MockTransport {
	return &MockTransport{state: StateDisconnected, responses: make(map[string][]byte)}
}

func (m *MockTransport) Connected() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.connected
}

func (m *MockTransport) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

func (m *MockTransport) setState(s State) {
	m.mu.Lock()
	m.state = s
	m.mu.Unlock()
	m.emitStateChange(s)
}

// Connect is idempotent: calling it while already connected is a no-op.
func (m *MockTransport) Connect(ctx context.Context) error {
	m.mu.Lock()
	if m.connected {
		m.mu.Unlock()
		return nil
	}
	m.connected = true
	m.mu.Unlock()
	m.setState(StateConnected)
	m.emitOpen()
	return nil
}

// Disconnect is idempotent.
func (m *MockTransport) Disconnect() error {
	m.mu.Lock()
	if !m.connected {
		m.mu.Unlock()
		return nil
	}
	m.connected = false
	m.mu.Unlock()
	m.setState(StateDisconnected)
	m.emitClose()
	return nil
}

// PostMessage records the outgoing frame and, unless a send error was
// injected, schedules the programmed response (if any) after the
// configured delay.
func (m *MockTransport) PostMessage(data []byte) error {
	m.mu.Lock()
	if !m.connected {
		m.mu.Unlock()
		return newError(ErrNotConnected, ErrorContext{Phase: PhaseSend}, nil, "mock transport not connected")
	}
	if m.sendErr != nil {
		err := m.sendErr
		m.sendErr = nil
		m.mu.Unlock()
		return err
	}
	frame := append([]byte(nil), data...)
	m.sent = append(m.sent, frame)
	resp, hasResp := m.responses[string(data)]
	delay := m.delay
	var replyErr error
	if m.replyErr != nil {
		replyErr = m.replyErr
		m.replyErr = nil
	}
	m.mu.Unlock()

	if !hasResp && replyErr == nil {
		return nil
	}
	go func() {
		if delay > 0 {
			time.Sleep(delay)
		}
		if replyErr != nil {
			m.emitError(replyErr)
			return
		}
		m.emitMessage(resp)
	}()
	return nil
}

// ProgramResponse registers the exact response to emit when request is
// seen verbatim on the wire.
func (m *MockTransport) ProgramResponse(request, response []byte) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.responses[string(request)] = append([]byte(nil), response...)
}

// SetDelay configures a fixed delay applied before any programmed
// response or injected reply error is emitted.
func (m *MockTransport) SetDelay(d time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.delay = d
}

// InjectSendError makes the next PostMessage call fail synchronously
// with err instead of recording/replying.
func (m *MockTransport) InjectSendError(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sendErr = err
}

// InjectReplyError makes the next PostMessage emit err on the error event
// instead of any programmed response, whether or not a response is
// programmed for that request.
func (m *MockTransport) InjectReplyError(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.replyErr = err
}

// Sent returns a snapshot of every frame recorded by PostMessage.
func (m *MockTransport) Sent() [][]byte {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([][]byte, len(m.sent))
	copy(out, m.sent)
	return out
}

// Emit pushes raw bytes to subscribers as if received from the wire,
// for tests that want to drive the decoder directly without programming
// a request/response pair.
func (m *MockTransport) Emit(data []byte) {
	m.emitMessage(data)
}
