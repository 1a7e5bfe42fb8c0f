// Copyright 2014 Quoc-Viet Nguyen. All rights reserved.
// This software may be modified and distributed under the terms
// of the BSD license. See the LICENSE file for details.

package slavesim

import (
	"bytes"
	"fmt"
	"io"
	"log"
	"os"
	"time"

	"github.com/arcwire-automation/modbus"
)

const (
	rtuMinSize = 4
	rtuMaxSize = 256
)

// Server simulates a single Modbus slave over a pty, speaking either RTU
// or ASCII framing.
type Server struct {
	handler  *Handler
	pty      *PtyPair
	protocol modbus.Protocol
	unitID   byte
	baudRate int
	logger   *log.Logger
	stopCh   chan struct{}
	doneCh   chan struct{}
}

// ServerConfig configures a Server.
type ServerConfig struct {
	Protocol modbus.Protocol
	UnitID   byte
	BaudRate int
	Logger   *log.Logger
}

// NewServer creates a Server backed by ds, opening a fresh pty pair.
func NewServer(ds *DataStore, cfg ServerConfig) (*Server, error) {
	if cfg.UnitID == 0 {
		cfg.UnitID = 1
	}
	if cfg.BaudRate == 0 {
		cfg.BaudRate = 19200
	}
	if cfg.Logger == nil {
		cfg.Logger = log.New(os.Stdout, "slavesim: ", log.LstdFlags)
	}
	pair, err := CreatePtyPair()
	if err != nil {
		return nil, fmt.Errorf("creating pty pair: %w", err)
	}
	return &Server{
		handler:  NewHandler(ds),
		pty:      pair,
		protocol: cfg.Protocol,
		unitID:   cfg.UnitID,
		baudRate: cfg.BaudRate,
		logger:   cfg.Logger,
		stopCh:   make(chan struct{}),
		doneCh:   make(chan struct{}),
	}, nil
}

// ClientDevicePath is the pty slave path a SerialTransport should dial.
func (s *Server) ClientDevicePath() string { return s.pty.SlavePath }

// Start runs the serve loop in a goroutine.
func (s *Server) Start() {
	go s.serve()
	time.Sleep(100 * time.Millisecond)
}

// Stop halts the serve loop and closes the pty.
func (s *Server) Stop() error {
	close(s.stopCh)
	err := s.pty.Close()
	select {
	case <-s.doneCh:
	case <-time.After(time.Second):
		s.logger.Printf("stop timed out waiting for serve loop")
	}
	return err
}

func (s *Server) serve() {
	defer close(s.doneCh)
	for {
		select {
		case <-s.stopCh:
			return
		default:
		}
		if err := s.handleOne(); err != nil {
			if err == io.EOF || err == os.ErrClosed {
				return
			}
			s.logger.Printf("error handling request: %v", err)
		}
	}
}

func (s *Server) handleOne() error {
	if err := s.pty.SetReadDeadline(time.Now().Add(300 * time.Millisecond)); err != nil {
		s.logger.Printf("warning: set read deadline: %v", err)
	}

	var frame []byte
	var err error
	if s.protocol == modbus.ProtocolASCII {
		frame, err = s.readASCIIFrame()
	} else {
		frame, err = s.readRTUFrame()
	}
	if err != nil {
		if os.IsTimeout(err) {
			return nil
		}
		if err == io.EOF || err == os.ErrClosed {
			return io.EOF
		}
		return nil
	}

	var unit byte
	var pdu modbus.ProtocolDataUnit
	if s.protocol == modbus.ProtocolASCII {
		unit, pdu, err = modbus.DecodeASCIIFrame(frame)
	} else {
		unit, pdu, err = modbus.DecodeRTUFrame(frame)
	}
	if err != nil {
		s.logger.Printf("discarding malformed frame: %v", err)
		return nil
	}
	if unit != s.unitID && unit != 0 {
		return nil
	}

	respPDU, ok := s.handler.Handle(pdu)
	if !ok {
		return nil
	}

	s.delayForFrame(len(frame))

	var respFrame modbus.RequestFrame
	if s.protocol == modbus.ProtocolASCII {
		respFrame = modbus.BuildASCIIRequest(unit, respPDU)
	} else {
		respFrame = modbus.BuildRTURequest(unit, respPDU)
	}
	_, err = s.pty.Write(respFrame)
	return err
}

func (s *Server) readRTUFrame() ([]byte, error) {
	var buf [rtuMaxSize]byte
	n, err := io.ReadAtLeast(&ptyReader{s.pty}, buf[:], rtuMinSize)
	if err != nil {
		return nil, err
	}
	expected := expectedRTULength(buf[:n])
	if expected > n && expected <= rtuMaxSize {
		n2, err := io.ReadFull(&ptyReader{s.pty}, buf[n:expected])
		if err != nil {
			return nil, err
		}
		n += n2
	}
	return append([]byte(nil), buf[:n]...), nil
}

func (s *Server) readASCIIFrame() ([]byte, error) {
	var buf bytes.Buffer
	b := make([]byte, 1)
	for {
		n, err := s.pty.Read(b)
		if err != nil {
			return nil, err
		}
		if n == 0 {
			continue
		}
		buf.WriteByte(b[0])
		if bytes.HasSuffix(buf.Bytes(), []byte("\r\n")) && buf.Len() > 2 {
			return buf.Bytes(), nil
		}
	}
}

type ptyReader struct{ p *PtyPair }

func (r *ptyReader) Read(b []byte) (int, error) { return r.p.Read(b) }

func expectedRTULength(data []byte) int {
	if len(data) < 2 {
		return rtuMinSize
	}
	switch data[1] {
	case modbus.FuncCodeWriteMultipleCoils, modbus.FuncCodeWriteMultipleRegisters:
		if len(data) >= 7 {
			return 7 + int(data[6]) + 2
		}
		return rtuMaxSize
	case modbus.FuncCodeReadCoils, modbus.FuncCodeReadDiscreteInputs,
		modbus.FuncCodeReadHoldingRegisters, modbus.FuncCodeReadInputRegisters,
		modbus.FuncCodeWriteSingleCoil, modbus.FuncCodeWriteSingleRegister:
		return 8
	default:
		return rtuMaxSize
	}
}

// delayForFrame sleeps before replying: a 1.5-character delay for each
// byte of the received frame plus the conventional 3.5-character
// inter-frame gap, per the Modbus serial line spec.
func (s *Server) delayForFrame(chars int) {
	var charDelay, frameDelay int
	if s.baudRate <= 0 || s.baudRate > 19200 {
		charDelay, frameDelay = 750, 1750
	} else {
		charDelay = 15000000 / s.baudRate
		frameDelay = 35000000 / s.baudRate
	}
	time.Sleep(time.Duration(charDelay*chars+frameDelay) * time.Microsecond)
}
