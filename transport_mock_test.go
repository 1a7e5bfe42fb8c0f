// Copyright 2014 Quoc-Viet Nguyen. All rights reserved.
// This software may be modified and distributed under the terms
// of the BSD license. See the LICENSE file for details.

package modbus

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestMockTransportConnectDisconnectIdempotent(t *testing.T) {
	m := NewMockTransport()
	if m.Connected() {
		t.Fatal("expected a fresh mock to start disconnected")
	}
	if err := m.Connect(context.Background()); err != nil {
		t.Fatalf("connect: %v", err)
	}
	if err := m.Connect(context.Background()); err != nil {
		t.Fatalf("second connect should be a no-op, got: %v", err)
	}
	if !m.Connected() || m.State() != StateConnected {
		t.Fatal("expected the mock to report connected")
	}
	if err := m.Disconnect(); err != nil {
		t.Fatalf("disconnect: %v", err)
	}
	if err := m.Disconnect(); err != nil {
		t.Fatalf("second disconnect should be a no-op, got: %v", err)
	}
	if m.Connected() || m.State() != StateDisconnected {
		t.Fatal("expected the mock to report disconnected")
	}
}

func TestMockTransportPostMessageRejectsWhenDisconnected(t *testing.T) {
	m := NewMockTransport()
	if err := m.PostMessage([]byte{0x01}); !errors.Is(err, ErrNotConnected) {
		t.Fatalf("expected ErrNotConnected, got %v", err)
	}
}

func TestMockTransportRecordsSentFrames(t *testing.T) {
	m := NewMockTransport()
	m.Connect(context.Background())
	m.PostMessage([]byte{0x01, 0x02})
	m.PostMessage([]byte{0x03})

	sent := m.Sent()
	if len(sent) != 2 || sent[0][0] != 0x01 || sent[1][0] != 0x03 {
		t.Fatalf("unexpected sent frames: %v", sent)
	}
}

func TestMockTransportInjectSendErrorFiresOnce(t *testing.T) {
	m := NewMockTransport()
	m.Connect(context.Background())
	boom := errors.New("boom")
	m.InjectSendError(boom)

	if err := m.PostMessage([]byte{0x01}); !errors.Is(err, boom) {
		t.Fatalf("expected the injected error, got %v", err)
	}
	if err := m.PostMessage([]byte{0x01}); err != nil {
		t.Fatalf("expected the injected error to only fire once, got %v", err)
	}
	if len(m.Sent()) != 1 {
		t.Fatalf("expected only the second call to be recorded, got %d", len(m.Sent()))
	}
}

func TestMockTransportOnMessageSubscriptionAndUnsubscribe(t *testing.T) {
	m := NewMockTransport()
	m.Connect(context.Background())

	received := make(chan []byte, 1)
	unsub := m.OnMessage(func(data []byte) { received <- data })

	m.Emit([]byte{0xAA})
	select {
	case data := <-received:
		if data[0] != 0xAA {
			t.Fatalf("unexpected payload: %v", data)
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for the subscriber to fire")
	}

	unsub()
	unsub() // idempotent

	m.Emit([]byte{0xBB})
	select {
	case data := <-received:
		t.Fatalf("unexpected delivery after unsubscribe: %v", data)
	case <-time.After(20 * time.Millisecond):
	}
}

func TestMockTransportDelayedResponse(t *testing.T) {
	m := NewMockTransport()
	m.Connect(context.Background())
	m.SetDelay(30 * time.Millisecond)

	req := []byte{0x01}
	resp := []byte{0x02}
	m.ProgramResponse(req, resp)

	received := make(chan []byte, 1)
	m.OnMessage(func(data []byte) { received <- data })

	start := time.Now()
	m.PostMessage(req)
	select {
	case data := <-received:
		if time.Since(start) < 30*time.Millisecond {
			t.Fatal("response arrived before the configured delay elapsed")
		}
		if data[0] != 0x02 {
			t.Fatalf("unexpected response: %v", data)
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for the delayed response")
	}
}
