// Copyright (c) 2025, Grigory Buteyko aka Hrissan
// Licensed under the MIT License. See LICENSE for details.

package evtlscore

import (
	"errors"
)

// Engines signal non-terminal progress with these sentinels. They are not
// failures: ErrWantRead means the engine needs more inbound bytes before it
// can continue, ErrWantWrite means its outbound staging must be drained first.
var ErrWantRead = errors.New("evtls: engine wants more inbound bytes")
var ErrWantWrite = errors.New("evtls: engine wants outbound bytes drained")

// Engine is the cryptographic session collaborator. It performs no I/O of
// its own: raw (encrypted) bytes move through its inbound/outbound staging
// buffers, the driver moves them between staging and the transport.
//
// All methods are called from the single loop goroutine owning the Connection.
type Engine interface {
	// Handshake advances the handshake by one step.
	// nil means the handshake is complete.
	Handshake() error

	// Read copies decrypted application bytes into p.
	// Returns io.EOF once the peer has cleanly closed the session.
	Read(p []byte) (int, error)

	// Write encrypts application bytes into outbound staging.
	// May accept fewer than len(p) bytes; (0, ErrWantWrite) means staging
	// must be drained before any more bytes can be accepted.
	Write(p []byte) (int, error)

	// Shutdown advances the graceful session close by one step.
	// nil means the close handshake is complete.
	Shutdown() error

	// FeedInbound stages raw bytes received from the transport.
	// Accepting zero bytes of a non-empty p is a fatal staging condition.
	FeedInbound(p []byte) (int, error)

	// OutboundPending reports how many raw bytes wait to be sent.
	OutboundPending() int

	// DrainOutbound moves raw bytes toward the transport.
	DrainOutbound(p []byte) (int, error)

	// PlaintextPending reports how many decrypted bytes are buffered and
	// immediately readable without more transport input.
	PlaintextPending() int
}

// EngineFactory creates the session engine once the transport is connected
// or a raw connection is accepted.
type EngineFactory func(server bool) (Engine, error)

// Outcome is the normalized three-way result of an engine step. All driver
// logic matches on Outcome, never on engine sentinel values directly.
type Outcome uint8

const (
	OutcomeComplete Outcome = iota
	OutcomeWantRead
	OutcomeWantWrite
	OutcomeError
)

func classify(err error) Outcome {
	switch {
	case err == nil:
		return OutcomeComplete
	case errors.Is(err, ErrWantRead):
		return OutcomeWantRead
	case errors.Is(err, ErrWantWrite):
		return OutcomeWantWrite
	default:
		return OutcomeError
	}
}
