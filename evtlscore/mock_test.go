// Copyright (c) 2025, Grigory Buteyko aka Hrissan
// Licensed under the MIT License. See LICENSE for details.

package evtlscore

import (
	"errors"
	"io"
	"net"
	"testing"

	"github.com/neilotoole/slogt"
)

// mockEngine is a scripted Engine. With an empty script every handshake or
// shutdown call completes immediately; scripted outcomes are popped one per
// call. "Encryption" is the identity: fed inbound bytes surface directly as
// plaintext, written bytes land verbatim in outbound staging.
type mockEngine struct {
	handshakeScript []error
	shutdownScript  []error
	handshakeCalls  int
	shutdownCalls   int

	// bytes appended to outbound staging on every handshake/shutdown call,
	// emulating flight records the driver must drain
	emitPerStep []byte

	readChunk int // max bytes returned per Read call, 0 = unlimited
	eof       bool
	readErr   error

	writeLimit   int   // max bytes accepted per Write call, 0 = unlimited
	writeErr     error // forced terminal Write failure
	writeBlocked bool  // force (0, ErrWantWrite)

	rejectFeed bool // FeedInbound accepts zero bytes

	plain    []byte
	outbound []byte
}

func (m *mockEngine) Handshake() error {
	m.handshakeCalls++
	m.outbound = append(m.outbound, m.emitPerStep...)
	if len(m.handshakeScript) == 0 {
		return nil
	}
	r := m.handshakeScript[0]
	m.handshakeScript = m.handshakeScript[1:]
	return r
}

func (m *mockEngine) Shutdown() error {
	m.shutdownCalls++
	m.outbound = append(m.outbound, m.emitPerStep...)
	if len(m.shutdownScript) == 0 {
		return nil
	}
	r := m.shutdownScript[0]
	m.shutdownScript = m.shutdownScript[1:]
	return r
}

func (m *mockEngine) Read(p []byte) (int, error) {
	if len(m.plain) == 0 {
		if m.readErr != nil {
			return 0, m.readErr
		}
		if m.eof {
			return 0, io.EOF
		}
		return 0, ErrWantRead
	}
	n := len(m.plain)
	if m.readChunk > 0 && n > m.readChunk {
		n = m.readChunk
	}
	if n > len(p) {
		n = len(p)
	}
	n = copy(p, m.plain[:n])
	m.plain = m.plain[n:]
	return n, nil
}

func (m *mockEngine) Write(p []byte) (int, error) {
	if m.writeErr != nil {
		return 0, m.writeErr
	}
	if m.writeBlocked {
		return 0, ErrWantWrite
	}
	n := len(p)
	if m.writeLimit > 0 && n > m.writeLimit {
		n = m.writeLimit
	}
	m.outbound = append(m.outbound, p[:n]...)
	return n, nil
}

func (m *mockEngine) FeedInbound(p []byte) (int, error) {
	if m.rejectFeed {
		return 0, nil
	}
	if m.eof {
		// a close record carries no application bytes
		return len(p), nil
	}
	m.plain = append(m.plain, p...)
	return len(p), nil
}

func (m *mockEngine) OutboundPending() int { return len(m.outbound) }

func (m *mockEngine) DrainOutbound(p []byte) (int, error) {
	n := copy(p, m.outbound)
	m.outbound = m.outbound[n:]
	return n, nil
}

func (m *mockEngine) PlaintextPending() int { return len(m.plain) }

// mockTransport records writes and lets the test drive completions and
// inbound delivery by hand.
type mockTransport struct {
	connectCB StatusFunc
	readCB    ReadFunc

	writes   [][]byte
	writeCBs []StatusFunc
	// complete transport writes synchronously from inside Write
	autoCompleteWrites bool

	acceptNext Transport // returned by the next Accept call

	closed bool
}

var errMockUnsupported = errors.New("mock transport: unsupported")

func (t *mockTransport) Connect(address string, cb StatusFunc) error {
	t.connectCB = cb
	return nil
}

func (t *mockTransport) Bind(string) error            { return nil }
func (t *mockTransport) Listen(int, StatusFunc) error { return nil }

func (t *mockTransport) Accept() (Transport, error) {
	if t.acceptNext == nil {
		return nil, errMockUnsupported
	}
	raw := t.acceptNext
	t.acceptNext = nil
	return raw, nil
}

func (t *mockTransport) ReadStop() error         { return nil }
func (t *mockTransport) SetNoDelay(bool) error   { return nil }
func (t *mockTransport) SetKeepAlive(bool) error { return nil }
func (t *mockTransport) LocalAddr() net.Addr     { return nil }
func (t *mockTransport) PeerAddr() net.Addr      { return nil }
func (t *mockTransport) Close()                  { t.closed = true }

func (t *mockTransport) ReadStart(alloc AllocFunc, cb ReadFunc) error {
	t.readCB = cb
	return nil
}

func (t *mockTransport) Write(data []byte, cb StatusFunc) error {
	t.writes = append(t.writes, append([]byte(nil), data...))
	if t.autoCompleteWrites {
		if cb != nil {
			cb(nil)
		}
		return nil
	}
	t.writeCBs = append(t.writeCBs, cb)
	return nil
}

// completeWrite fires the oldest pending transport write completion.
func (t *mockTransport) completeWrite(tb testing.TB, err error) {
	tb.Helper()
	if len(t.writeCBs) == 0 {
		tb.Fatal("no pending transport write to complete")
	}
	cb := t.writeCBs[0]
	t.writeCBs = t.writeCBs[1:]
	if cb != nil {
		cb(err)
	}
}

// deliver injects inbound transport bytes into the pump.
func (t *mockTransport) deliver(tb testing.TB, data []byte) {
	tb.Helper()
	if t.readCB == nil {
		tb.Fatal("transport read not started")
	}
	t.readCB(data, nil)
}

// pumpAll completes pending transport writes until none remain, letting the
// driver drain all staged bytes and flush the write queue to completion.
func (t *mockTransport) pumpAll(tb testing.TB) {
	tb.Helper()
	for len(t.writeCBs) > 0 {
		t.completeWrite(tb, nil)
	}
}

// written concatenates every transport write in submission order.
func (t *mockTransport) written() []byte {
	var out []byte
	for _, w := range t.writes {
		out = append(out, w...)
	}
	return out
}

func (t *mockTransport) deliverErr(tb testing.TB, err error) {
	tb.Helper()
	if t.readCB == nil {
		tb.Fatal("transport read not started")
	}
	t.readCB(nil, err)
}

func newTestConnection(t *testing.T, eng *mockEngine, tr *mockTransport, tweak func(*ConnectionOptions)) *Connection {
	t.Helper()
	opts := DefaultConnectionOptions(func(server bool) (Engine, error) { return eng, nil })
	opts.Log = slogt.New(t)
	if tweak != nil {
		tweak(&opts)
	}
	return NewConnection(tr, opts)
}

// connectAndEstablish drives Connect through transport success; with an
// empty handshake script the connection is established synchronously.
func connectAndEstablish(t *testing.T, c *Connection, tr *mockTransport) {
	t.Helper()
	var ready bool
	if err := c.Connect("peer", func(err error) {
		if err != nil {
			t.Fatalf("connect failed: %v", err)
		}
		ready = true
	}); err != nil {
		t.Fatalf("connect rejected: %v", err)
	}
	tr.connectCB(nil)
	if !ready || !c.Established() {
		t.Fatal("connection did not establish")
	}
}
