// Copyright 2014 Quoc-Viet Nguyen. All rights reserved.
// This software may be modified and distributed under the terms
// of the BSD license. See the LICENSE file for details.

package modbus

import (
	"context"
	"sync"
)

// State is the connection state of a Transport.
type State int

const (
	StateDisconnected State = iota
	StateConnecting
	StateConnected
	StateError
)

func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateError:
		return "error"
	default:
		return "unknown"
	}
}

// Transport is a message-port-like contract decoupling the engine from
// concrete I/O: a real serial port, a mock, or (out of scope here) a
// TCP/WebSocket bridge. Subscriptions are explicit and return their own
// unsubscribe handle rather than relying on a blocking synchronous read.
type Transport interface {
	// Connected reports whether the transport is currently connected.
	Connected() bool
	// State reports the current connection state.
	State() State
	// Connect opens the transport. Idempotent: calling it while already
	// connected returns immediately.
	Connect(ctx context.Context) error
	// Disconnect closes the transport. Idempotent.
	Disconnect() error
	// PostMessage enqueues bytes for transmission; fire-and-forget. It
	// may fail synchronously with ErrNotConnected if disconnected;
	// asynchronous write failures are reported via OnError.
	PostMessage(data []byte) error

	// OnMessage subscribes to inbound byte chunks. The returned func
	// unsubscribes; calling it more than once is a no-op.
	OnMessage(fn func([]byte)) (unsubscribe func())
	// OnError subscribes to asynchronous transport errors.
	OnError(fn func(error)) (unsubscribe func())
	// OnStateChange subscribes to connection state transitions.
	OnStateChange(fn func(State)) (unsubscribe func())
	// OnOpen subscribes to successful connection establishment.
	OnOpen(fn func()) (unsubscribe func())
	// OnClose subscribes to connection teardown.
	OnClose(fn func()) (unsubscribe func())
}

// subscribers is a reusable, mutex-guarded fan-out list with
// exactly-once unsubscribe handles. Every Transport implementation in
// this package embeds an eventHub built from these instead of
// reimplementing subscription bookkeeping per transport.
type subscribers[T any] struct {
	mu   sync.Mutex
	next int
	fns  map[int]func(T)
}

func (s *subscribers[T]) subscribe(fn func(T)) func() {
	s.mu.Lock()
	if s.fns == nil {
		s.fns = make(map[int]func(T))
	}
	id := s.next
	s.next++
	s.fns[id] = fn
	s.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			s.mu.Lock()
			delete(s.fns, id)
			s.mu.Unlock()
		})
	}
}

func (s *subscribers[T]) emit(v T) {
	s.mu.Lock()
	fns := make([]func(T), 0, len(s.fns))
	for _, fn := range s.fns {
		fns = append(fns, fn)
	}
	s.mu.Unlock()
	for _, fn := range fns {
		fn(v)
	}
}

// eventHub implements the OnMessage/OnError/OnStateChange/OnOpen/OnClose
// half of Transport. Concrete transports embed it and call its emit*
// methods from their own connect/read/write logic.
type eventHub struct {
	message     subscribers[[]byte]
	errs        subscribers[error]
	stateChange subscribers[State]
	open        subscribers[struct{}]
	close       subscribers[struct{}]
}

func (h *eventHub) OnMessage(fn func([]byte)) (unsubscribe func()) { return h.message.subscribe(fn) }
func (h *eventHub) OnError(fn func(error)) (unsubscribe func())    { return h.errs.subscribe(fn) }
func (h *eventHub) OnStateChange(fn func(State)) (unsubscribe func()) {
	return h.stateChange.subscribe(fn)
}
func (h *eventHub) OnOpen(fn func()) (unsubscribe func()) {
	return h.open.subscribe(func(struct{}) { fn() })
}
func (h *eventHub) OnClose(fn func()) (unsubscribe func()) {
	return h.close.subscribe(func(struct{}) { fn() })
}

func (h *eventHub) emitMessage(data []byte) { h.message.emit(data) }
func (h *eventHub) emitError(err error)     { h.errs.emit(err) }
func (h *eventHub) emitStateChange(s State) { h.stateChange.emit(s) }
func (h *eventHub) emitOpen()               { h.open.emit(struct{}{}) }
func (h *eventHub) emitClose()              { h.close.emit(struct{}{}) }
