// Copyright (c) 2025, Grigory Buteyko aka Hrissan
// Licensed under the MIT License. See LICENSE for details.

package evtlscore

import (
	"fmt"

	"github.com/hrissan/evtls/evtlserrors"
)

// Write submits application bytes for encrypted delivery. p is copied if its
// bytes cannot all be handed to the engine immediately, so the caller may
// reuse p as soon as Write returns. onWrite fires exactly once, in strict
// submission order relative to other writes, unless the connection is
// destroyed first (then it never fires).
//
// Fails fast, with no callback owed, when p is empty or the connection is
// not established.
func (c *Connection) Write(p []byte, onWrite StatusFunc) error {
	if c.destroyed {
		return evtlserrors.ErrConnectionDestroyed
	}
	if len(p) == 0 {
		return evtlserrors.ErrZeroLengthWrite
	}
	if !c.established || c.shuttingDown {
		return evtlserrors.ErrNotEstablished
	}
	if c.queue.len() != 0 {
		// ordering must be preserved: no jumping ahead of queued requests
		// even if the engine could accept more data right now
		c.queue.push(p, onWrite)
		return nil
	}
	n, err := c.engine.Write(p)
	switch {
	case n >= len(p):
		c.drainOutbound()
		if onWrite != nil {
			onWrite(nil)
		}
		return nil
	case n > 0:
		// partial acceptance: only the remainder is copied and queued.
		// Queue before draining so a terminal drain failure can still fail
		// this request's callback.
		c.queue.push(p[n:], onWrite)
		c.drainOutbound()
		return nil
	case classify(err) == OutcomeError:
		// nothing was queued, so no callback is owed
		return fmt.Errorf("%w: %w", evtlserrors.ErrWrite, err)
	default:
		// engine accepted nothing yet, queue the whole buffer
		c.queue.push(p, onWrite)
		c.drainOutbound()
		return nil
	}
}

// flushWriteQueue drains queued writes head first, called after a transport
// write completes or the engine state advances. Stops at the first request
// that cannot fully proceed; a failed head fires its callback with the error
// and does not block the rest of the queue.
func (c *Connection) flushWriteQueue() {
	if c.engine == nil || !c.established {
		return
	}
	if c.inFlush {
		// a synchronous transport event inside our own drain; replayed by
		// the outer call once the current pass finishes
		c.flushDeferred = true
		return
	}
	c.inFlush = true
	defer func() { c.inFlush = false }()
	for {
		c.flushDeferred = false
		c.flushQueueOnce()
		if c.destroyed || !c.established || !c.flushDeferred {
			return
		}
	}
}

func (c *Connection) flushQueueOnce() {
	for c.queue.len() != 0 {
		req := c.queue.front()
		n, err := c.engine.Write(req.remaining())
		if n > 0 {
			req.offset += n
		}
		if req.offset == len(req.data) {
			// pop before draining: a terminal failure inside the drain fails
			// the queue, and this request's success must not be failed twice
			done := c.queue.pop()
			c.drainOutbound()
			if done.done != nil {
				done.done(nil)
			}
			if c.destroyed {
				return // callback tore the connection down
			}
			continue
		}
		if n > 0 {
			// partial progress: wait for the next writable event, nothing
			// behind the head may jump ahead
			c.drainOutbound()
			return
		}
		if classify(err) == OutcomeError {
			done := c.queue.pop()
			if done.done != nil {
				done.done(fmt.Errorf("%w: %w", evtlserrors.ErrWrite, err))
			}
			if c.destroyed {
				return
			}
			continue // one failed write does not block the rest
		}
		c.drainOutbound()
		return
	}
}

// failQueuedWrites fails every queued write in submission order. Used when
// no further progress is possible (session closed, transport dead): each
// write callback still fires exactly once.
func (c *Connection) failQueuedWrites(err error) {
	for c.queue.len() != 0 {
		req := c.queue.pop()
		if req.done != nil {
			req.done(fmt.Errorf("%w: %w", evtlserrors.ErrWrite, err))
		}
		if c.destroyed {
			return
		}
	}
}
