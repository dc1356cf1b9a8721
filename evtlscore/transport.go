// Copyright (c) 2025, Grigory Buteyko aka Hrissan
// Licensed under the MIT License. See LICENSE for details.

package evtlscore

import "net"

// StatusFunc reports completion of a single-shot operation.
// err == nil means success.
type StatusFunc func(err error)

// ReadFunc delivers bytes to a read subscription. data is valid only during
// the call and must be copied if retained. err == io.EOF signals a clean
// end of stream, any other non-nil err a terminal failure.
type ReadFunc func(data []byte, err error)

// AllocFunc lets a consumer supply its own receive buffers.
// suggested is a size hint, the returned slice may be larger or smaller.
type AllocFunc func(suggested int) []byte

// Transport is the non-blocking byte-stream collaborator (e.g. a TCP
// connection driven by an event loop). Implementations must never block:
// operations that cannot complete immediately finish later through the
// provided callback, and every callback must be dispatched on the single
// loop goroutine that owns the connection.
type Transport interface {
	// Connect starts a transport-level connect. cb fires exactly once.
	Connect(address string, cb StatusFunc) error

	// Bind assigns the local address for Listen.
	Bind(address string) error

	// Listen starts accepting raw connections. cb fires once per incoming
	// connection (or per accept failure); the application must then call
	// Accept to take ownership of the raw connection.
	Listen(backlog int, cb StatusFunc) error

	// Accept returns the next pending raw connection.
	Accept() (Transport, error)

	// ReadStart subscribes to inbound bytes. alloc may be nil, in which
	// case the transport supplies its own buffers.
	ReadStart(alloc AllocFunc, cb ReadFunc) error

	// ReadStop pauses inbound delivery. Bytes already received are retained
	// and delivered after the next ReadStart.
	ReadStop() error

	// Write sends data. At most one write is in flight per connection; the
	// caller serializes. data must remain valid until cb fires.
	Write(data []byte, cb StatusFunc) error

	// Close releases the transport. No callbacks fire afterwards.
	Close()

	SetNoDelay(noDelay bool) error
	SetKeepAlive(enable bool) error
	LocalAddr() net.Addr
	PeerAddr() net.Addr
}
