// Copyright (c) 2025, Grigory Buteyko aka Hrissan
// Licensed under the MIT License. See LICENSE for details.

package evtlscore

// Moves bytes between the transport and the engine staging buffers, and
// drives handshake/shutdown/read progress as a side effect of data arrival.
//
// Strict priority inside one readable event: handshake, then shutdown, then
// a bounded decrypt loop. Handshake and shutdown are rare and latency
// sensitive and must not be starved by a peer streaming application data;
// the decrypt cap keeps one peer from monopolizing the loop.

import (
	"errors"
	"fmt"
	"io"

	"github.com/hrissan/evtls/evtlserrors"
)

// onTransportRead is the inbound entry point, dispatched by the transport
// for every chunk of raw bytes received.
func (c *Connection) onTransportRead(data []byte, err error) {
	if c.destroyed || c.engine == nil {
		return
	}
	if err != nil {
		c.transportAlive = false
		c.failPending(err)
		return
	}
	// stage everything into the engine before advancing any state machine
	for len(data) > 0 {
		n, ferr := c.engine.FeedInbound(data)
		if ferr != nil || n <= 0 {
			c.opts.Log.Error("evtls: inbound staging rejected bytes", "err", ferr)
			if ferr == nil {
				c.failPending(evtlserrors.ErrStaging)
			} else {
				c.failPending(fmt.Errorf("%w: %w", evtlserrors.ErrStaging, ferr))
			}
			return
		}
		data = data[n:]
	}
	if c.handshaking {
		c.handshakeStep()
		if !c.established {
			// needs more I/O or failed; the step drained outbound already
			return
		}
		// fall through: the same event may carry application data
	} else if c.shuttingDown {
		c.shutdownStep()
		return
	}
	if c.established && c.onRead != nil {
		c.deliverPlaintext()
	}
	if c.inHandshakeStep || c.inShutdownStep {
		// never re-enter a step's own drain from a nested readable event
		return
	}
	c.drainOutbound()
	c.flushWriteQueue()
}

// onTransportWriteDone is the writable entry point, dispatched once the
// in-flight transport write completes.
func (c *Connection) onTransportWriteDone(err error) {
	if c.destroyed {
		return
	}
	c.writeInFlight = false
	if err != nil {
		c.transportAlive = false
		c.failPending(fmt.Errorf("%w: %w", evtlserrors.ErrTransport, err))
		return
	}
	c.drainOutbound()
	if c.handshaking {
		c.handshakeStep()
	} else if c.shuttingDown {
		c.shutdownStep()
	}
	c.flushWriteQueue()
}

// handshakeStep advances the handshake. Guarded against reentrancy: the
// step's own outbound drain can complete a transport write or deliver
// inbound bytes synchronously, which must not restart the step in-place.
// A nested attempt is recorded and the step re-runs once the current
// advance finishes, so no progress made during the drain is lost.
func (c *Connection) handshakeStep() {
	if c.inHandshakeStep {
		c.handshakeDeferred = true
		return
	}
	c.inHandshakeStep = true
	defer func() { c.inHandshakeStep = false }()
	for {
		c.handshakeDeferred = false
		c.handshakeStepOnce()
		if c.destroyed || !c.handshaking || !c.handshakeDeferred {
			return
		}
	}
}

func (c *Connection) handshakeStepOnce() {
	err := c.engine.Handshake()
	switch classify(err) {
	case OutcomeComplete:
		c.handshaking = false
		c.established = true
		c.drainOutbound() // final flight goes out before the callback
		c.opts.Log.Debug("evtls: handshake complete")
		c.fireHandshake(nil)
	case OutcomeWantRead, OutcomeWantWrite:
		// there may be handshake response bytes to send even when the
		// engine reports it needs more input
		c.drainOutbound()
	case OutcomeError:
		c.handshaking = false
		c.opts.Log.Warn("evtls: handshake failed", "err", err)
		c.fireHandshake(fmt.Errorf("%w: %w", evtlserrors.ErrHandshake, err))
		c.drainOutbound() // engine may still want to send an alert
	}
}

// shutdownStep mirrors handshakeStep for the graceful session close.
func (c *Connection) shutdownStep() {
	if c.inShutdownStep {
		c.shutdownDeferred = true
		return
	}
	c.inShutdownStep = true
	defer func() { c.inShutdownStep = false }()
	for {
		c.shutdownDeferred = false
		c.shutdownStepOnce()
		if c.destroyed || !c.shuttingDown || !c.shutdownDeferred {
			return
		}
	}
}

func (c *Connection) shutdownStepOnce() {
	err := c.engine.Shutdown()
	switch classify(err) {
	case OutcomeComplete:
		c.shuttingDown = false
		c.established = false
		c.drainOutbound()
		c.opts.Log.Debug("evtls: shutdown complete")
		c.fireShutdown(nil)
		c.failQueuedWrites(evtlserrors.ErrNotEstablished)
	case OutcomeWantRead, OutcomeWantWrite:
		c.drainOutbound()
	case OutcomeError:
		c.shuttingDown = false
		c.established = false
		c.opts.Log.Warn("evtls: shutdown failed", "err", err)
		c.fireShutdown(fmt.Errorf("%w: %w", evtlserrors.ErrShutdown, err))
		c.drainOutbound()
		c.failQueuedWrites(err)
	}
}

// deliverPlaintext runs the bounded decrypt loop: at most MaxDecryptBatch
// iterations per event before yielding back to the loop. Buffered plaintext
// survives across events, nothing is lost by stopping early.
func (c *Connection) deliverPlaintext() {
	for i := 0; i < c.opts.MaxDecryptBatch; i++ {
		buf := c.acquireReadBuffer()
		n, err := c.engine.Read(buf)
		if n > 0 {
			cb := c.onRead
			cb(buf[:n], nil)
			if c.onRead == nil || c.destroyed {
				return // subscription cancelled inside the callback
			}
			if c.engine.PlaintextPending() == 0 {
				return // wait for more transport data
			}
			continue
		}
		switch {
		case err == io.EOF:
			cb := c.onRead
			c.ReadStop()
			cb(nil, io.EOF)
			return
		case errors.Is(err, ErrWantRead):
			return
		case errors.Is(err, ErrWantWrite):
			c.drainOutbound()
			return
		case err == nil:
			return // zero-byte read without a sentinel, nothing to do
		default:
			cb := c.onRead
			c.ReadStop()
			cb(nil, err)
			return
		}
	}
}

func (c *Connection) acquireReadBuffer() []byte {
	suggested := c.opts.ReadBufferSize
	if pending := c.engine.PlaintextPending(); pending > suggested {
		suggested = pending
	}
	if c.allocRead != nil {
		if buf := c.allocRead(suggested); len(buf) != 0 {
			return buf
		}
	}
	if len(c.readBuf) < suggested {
		c.readBuf = make([]byte, suggested) // grown on demand, never shrunk
	}
	return c.readBuf
}

// drainOutbound hands at most one transport write's worth of staged outbound
// bytes to the transport. A no-op when nothing is pending or a write is
// already in flight; remaining bytes go out when the write completes.
func (c *Connection) drainOutbound() {
	if c.destroyed || c.engine == nil || !c.transportConnected || !c.transportAlive {
		return
	}
	if c.writeInFlight {
		return
	}
	pending := c.engine.OutboundPending()
	if pending == 0 {
		return
	}
	if cap(c.outStaging) < pending {
		c.outStaging = make([]byte, pending)
	}
	buf := c.outStaging[:pending]
	n, err := c.engine.DrainOutbound(buf)
	if err != nil || n == 0 {
		c.opts.Log.Warn("evtls: outbound staging drain failed", "err", err)
		return
	}
	c.writeInFlight = true
	if werr := c.transport.Write(buf[:n], c.onTransportWriteDone); werr != nil {
		c.writeInFlight = false
		c.transportAlive = false
		c.failPending(fmt.Errorf("%w: %w", evtlserrors.ErrTransport, werr))
	}
}

// failPending routes a terminal transport or staging failure to the single
// relevant pending callback: handshake first, then shutdown, then the read
// subscription. A clean transport EOF is delivered to the read subscription
// as io.EOF, and is a failure for a handshake or shutdown still in flight.
func (c *Connection) failPending(err error) {
	wrapped := err
	if !errors.Is(err, evtlserrors.ErrTransport) && !errors.Is(err, evtlserrors.ErrStaging) {
		wrapped = fmt.Errorf("%w: %w", evtlserrors.ErrTransport, err)
	}
	switch {
	case c.handshaking:
		c.handshaking = false
		c.fireHandshake(wrapped)
	case c.shuttingDown:
		c.shuttingDown = false
		c.established = false
		c.fireShutdown(wrapped)
	case c.onRead != nil:
		cb := c.onRead
		c.ReadStop()
		if errors.Is(err, io.EOF) {
			cb(nil, io.EOF)
		} else {
			cb(nil, wrapped)
		}
	default:
		c.opts.Log.Debug("evtls: transport failure with no waiter", "err", err)
	}
	if !c.destroyed {
		c.failQueuedWrites(wrapped)
	}
}
