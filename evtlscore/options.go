// Copyright (c) 2025, Grigory Buteyko aka Hrissan
// Licensed under the MIT License. See LICENSE for details.

package evtlscore

import (
	"io"
	"log/slog"
)

// DefaultMaxDecryptBatch bounds how many decrypt iterations one inbound
// transport event may run before yielding back to the loop. The cap trades
// fairness (not starving other connections sharing the loop) against
// per-event latency.
const DefaultMaxDecryptBatch = 100

// DefaultReadBufferSize is the initial size of the internally owned decrypt
// buffer used when a read subscription supplies no allocator. The buffer is
// grown on demand and never shrunk.
const DefaultReadBufferSize = 4096

type ConnectionOptions struct {
	// NewEngine creates the session engine, lazily, once the transport
	// connect succeeds or a raw connection is accepted. Required.
	NewEngine EngineFactory

	Log *slog.Logger

	MaxDecryptBatch int
	ReadBufferSize  int
}

func DefaultConnectionOptions(newEngine EngineFactory) ConnectionOptions {
	return ConnectionOptions{
		NewEngine:       newEngine,
		Log:             slog.New(slog.NewTextHandler(io.Discard, nil)),
		MaxDecryptBatch: DefaultMaxDecryptBatch,
		ReadBufferSize:  DefaultReadBufferSize,
	}
}

func (opts *ConnectionOptions) fillDefaults() {
	if opts.Log == nil {
		opts.Log = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	if opts.MaxDecryptBatch <= 0 {
		opts.MaxDecryptBatch = DefaultMaxDecryptBatch
	}
	if opts.ReadBufferSize <= 0 {
		opts.ReadBufferSize = DefaultReadBufferSize
	}
}
