// Copyright 2014 Quoc-Viet Nguyen. All rights reserved.
// This software may be modified and distributed under the terms
// of the BSD license. See the LICENSE file for details.

package modbus

import (
	"context"
	"fmt"
	"time"
)

// sendAndAwait writes an already-built request frame and waits for
// whichever happens first: a matching response or exception frame, the
// deadline, a transport error, or context cancellation. It is the
// sole consumer of the transport's inbound byte stream for the duration
// of the call (the scheduler guarantees only one correlator runs at a
// time per transport).
func sendAndAwait(ctx context.Context, transport Transport, protocol Protocol, unit UnitID, fc byte, frame RequestFrame, deadline time.Duration) (*DecodedFrame, error) {
	errCtx := ErrorContext{UnitID: unit, FunctionCode: fc, Protocol: protocol, Timeout: deadline}

	var decodeRTU *RTUDecoder
	var decodeASCII *ASCIIDecoder
	if protocol == ProtocolASCII {
		decodeASCII = NewASCIIDecoder(unit, fc)
	} else {
		decodeRTU = NewRTUDecoder(unit, fc)
	}

	resultCh := make(chan *DecodedFrame, 1)
	errCh := make(chan error, 1)

	unsubMsg := transport.OnMessage(func(data []byte) {
		var decoded *DecodedFrame
		var ok bool
		if decodeASCII != nil {
			decodeASCII.Feed(data)
			decoded, ok = decodeASCII.TryExtract()
		} else {
			decodeRTU.Feed(data)
			decoded, ok = decodeRTU.TryExtract()
		}
		if ok {
			select {
			case resultCh <- decoded:
			default:
			}
		}
	})
	unsubErr := transport.OnError(func(err error) {
		select {
		case errCh <- err:
		default:
		}
	})
	defer unsubMsg()
	defer unsubErr()

	if err := transport.PostMessage(frame); err != nil {
		return nil, newError(ErrTransportSendError, withPhase(errCtx, PhaseSend), err, "writing request frame")
	}

	timer := time.NewTimer(deadline)
	defer timer.Stop()

	select {
	case decoded := <-resultCh:
		if decoded.Exception != nil {
			decoded.Exception.Context = withPhase(errCtx, PhaseReceive)
			return nil, decoded.Exception
		}
		return decoded, nil
	case err := <-errCh:
		return nil, newError(ErrTransportError, withPhase(errCtx, PhaseReceive), err, "transport reported an error while awaiting response")
	case <-timer.C:
		return nil, newError(ErrTimeout, withPhase(errCtx, PhaseReceive), nil, fmt.Sprintf("no matching response within %s", deadline))
	case <-ctx.Done():
		return nil, newError(ErrTimeout, withPhase(errCtx, PhaseReceive), ctx.Err(), "context cancelled while awaiting response")
	}
}

func withPhase(ctx ErrorContext, phase Phase) ErrorContext {
	ctx.Phase = phase
	return ctx
}
