// Copyright 2014 Quoc-Viet Nguyen. All rights reserved.
// This software may be modified and distributed under the terms
// of the BSD license. See the LICENSE file for details.

//go:build darwin || dragonfly || freebsd || linux || netbsd || openbsd || solaris
// +build darwin dragonfly freebsd linux netbsd openbsd solaris

package slavesim

import (
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/creack/pty"
)

// PtyPair is a pseudo-terminal pair: the simulator owns Master, and hands
// SlavePath to a SerialTransport under test.
type PtyPair struct {
	mu         sync.Mutex
	Master     *os.File
	Slave      *os.File
	MasterPath string
	SlavePath  string
}

func (p *PtyPair) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	var err error
	if p.Master != nil {
		if e := p.Master.Close(); e != nil && err == nil {
			err = e
		}
		p.Master = nil
	}
	if p.Slave != nil {
		if e := p.Slave.Close(); e != nil && err == nil {
			err = e
		}
		p.Slave = nil
	}
	return err
}

func (p *PtyPair) Read(b []byte) (int, error) {
	p.mu.Lock()
	master := p.Master
	p.mu.Unlock()
	if master == nil {
		return 0, os.ErrClosed
	}
	return master.Read(b)
}

func (p *PtyPair) Write(b []byte) (int, error) {
	p.mu.Lock()
	master := p.Master
	p.mu.Unlock()
	if master == nil {
		return 0, os.ErrClosed
	}
	return master.Write(b)
}

func (p *PtyPair) SetReadDeadline(t time.Time) error {
	p.mu.Lock()
	master := p.Master
	p.mu.Unlock()
	if master == nil {
		return os.ErrClosed
	}
	return master.SetReadDeadline(t)
}

// CreatePtyPair opens a fresh native pty pair.
func CreatePtyPair() (*PtyPair, error) {
	master, slave, err := pty.Open()
	if err != nil {
		return nil, fmt.Errorf("opening pty: %w", err)
	}
	return &PtyPair{
		Master:     master,
		Slave:      slave,
		MasterPath: master.Name(),
		SlavePath:  slave.Name(),
	}, nil
}
