// Copyright (c) 2025, Grigory Buteyko aka Hrissan
// Licensed under the MIT License. See LICENSE for details.

package evtlscore

import (
	"fmt"
	"net"

	"github.com/hrissan/evtls/circular"
	"github.com/hrissan/evtls/evtlserrors"
)

// Connection turns a synchronous-looking session Engine into a non-blocking,
// callback-driven encrypted connection over a Transport. No method blocks:
// anything that cannot complete immediately resumes from a later transport
// event.
//
// All state is owned by the single loop goroutine that dispatches transport
// callbacks. No locks are used or needed.
type Connection struct {
	opts      ConnectionOptions
	transport Transport
	engine    Engine // created lazily on transport connect/accept

	// status flags. established and handshaking are never both true,
	// shuttingDown only transitions from established.
	transportConnected bool
	connecting         bool
	handshaking        bool
	established        bool
	shuttingDown       bool
	listening          bool
	destroyed          bool

	// reentrancy guards: never re-enter the handshake/shutdown driver or the
	// queue flush from within itself (a step's own outbound drain can
	// complete a transport write synchronously). A nested attempt is
	// remembered and replayed by the outer call instead.
	inHandshakeStep   bool
	inShutdownStep    bool
	inFlush           bool
	handshakeDeferred bool
	shutdownDeferred  bool
	flushDeferred     bool

	// pending single-shot callbacks, at most one per operation kind.
	// Each is cleared at the moment it is invoked and invoked at most once.
	onConnect   StatusFunc
	onHandshake StatusFunc
	onShutdown  StatusFunc

	// read subscription; onRead == nil means no subscription
	onRead    ReadFunc
	allocRead AllocFunc
	readBuf   []byte // internally owned decrypt buffer, grown, never shrunk

	// outbound staging scratch; holds bytes handed to the transport until
	// the in-flight write completes
	outStaging     []byte
	writeInFlight  bool
	transportAlive bool // false after transport reported EOF or failure

	queue writeQueue
}

func NewConnection(transport Transport, opts ConnectionOptions) *Connection {
	opts.fillDefaults()
	return &Connection{
		opts:      opts,
		transport: transport,
	}
}

// Bind delegates to the transport.
func (c *Connection) Bind(address string) error {
	if c.destroyed {
		return evtlserrors.ErrConnectionDestroyed
	}
	return c.transport.Bind(address)
}

// Listen starts accepting raw transport connections. onAccept fires once per
// incoming connection; the application must then call Accept followed by
// Handshake on the accepted connection.
func (c *Connection) Listen(backlog int, onAccept StatusFunc) error {
	if c.destroyed {
		return evtlserrors.ErrConnectionDestroyed
	}
	if err := c.transport.Listen(backlog, onAccept); err != nil {
		return fmt.Errorf("%w: %w", evtlserrors.ErrTransport, err)
	}
	c.listening = true
	return nil
}

// Accept moves the next pending raw transport connection into a new
// Connection with a freshly created server-role engine. The caller must
// then call Handshake on it.
func (c *Connection) Accept() (*Connection, error) {
	if !c.listening {
		return nil, evtlserrors.ErrNotListening
	}
	raw, err := c.transport.Accept()
	if err != nil {
		return nil, fmt.Errorf("%w: %w", evtlserrors.ErrTransport, err)
	}
	nc := NewConnection(raw, c.opts)
	nc.transportConnected = true
	nc.transportAlive = true
	if nc.engine, err = c.opts.NewEngine(true); err != nil {
		raw.Close()
		return nil, err
	}
	if nc.engine == nil {
		raw.Close()
		return nil, evtlserrors.ErrEngineMissing
	}
	if err = nc.startTransportRead(); err != nil {
		raw.Close()
		return nil, err
	}
	return nc, nil
}

// Connect starts a transport-level connect. onConnect is the single "ready"
// event for a client-role connection: it fires once both the transport
// connect and the automatically started handshake have completed (or once
// either fails).
func (c *Connection) Connect(address string, onConnect StatusFunc) error {
	if c.destroyed {
		return evtlserrors.ErrConnectionDestroyed
	}
	if c.connecting || c.transportConnected {
		return evtlserrors.ErrConnectionInProgress
	}
	c.connecting = true
	c.onConnect = onConnect
	if err := c.transport.Connect(address, c.onTransportConnect); err != nil {
		c.connecting = false
		c.onConnect = nil
		return fmt.Errorf("%w: %w", evtlserrors.ErrTransport, err)
	}
	return nil
}

func (c *Connection) onTransportConnect(err error) {
	if c.destroyed {
		return
	}
	c.connecting = false
	if err != nil {
		c.fireConnect(fmt.Errorf("%w: %w", evtlserrors.ErrTransport, err))
		return
	}
	c.transportConnected = true
	c.transportAlive = true
	engine, err := c.opts.NewEngine(false)
	if err == nil && engine == nil {
		err = evtlserrors.ErrEngineMissing
	}
	if err != nil {
		c.fireConnect(err)
		return
	}
	c.engine = engine
	if err = c.startTransportRead(); err != nil {
		c.fireConnect(err)
		return
	}
	// client role: handshake starts automatically, onConnect doubles as the
	// handshake completion waiter
	c.handshaking = true
	c.handshakeStep()
}

// Handshake attempts to advance the handshake. A no-op if one is already in
// progress. Complete, needs-more-I/O and error outcomes are all reported
// through onHandshake, which fires exactly once.
func (c *Connection) Handshake(onHandshake StatusFunc) error {
	if c.destroyed {
		return evtlserrors.ErrConnectionDestroyed
	}
	if !c.transportConnected || c.engine == nil {
		return evtlserrors.ErrNotConnected
	}
	if c.handshaking {
		// idempotent; keep the earlier waiter if one is registered
		if c.onHandshake == nil {
			c.onHandshake = onHandshake
		}
		return nil
	}
	if c.established {
		if onHandshake != nil {
			onHandshake(nil)
		}
		return nil
	}
	c.onHandshake = onHandshake
	c.handshaking = true
	c.handshakeStep()
	return nil
}

// ReadStart enables delivery of decrypted bytes. alloc may be nil, in which
// case an internally owned, lazily grown buffer is used. Rejected before the
// connection is established.
func (c *Connection) ReadStart(alloc AllocFunc, onRead ReadFunc) error {
	if c.destroyed {
		return evtlserrors.ErrConnectionDestroyed
	}
	if onRead == nil {
		return evtlserrors.ErrReadCallbackRequired
	}
	if !c.established {
		return evtlserrors.ErrNotEstablished
	}
	c.allocRead = alloc
	c.onRead = onRead
	if c.engine.PlaintextPending() > 0 {
		c.deliverPlaintext()
	}
	return nil
}

// ReadStop disables decrypted-byte delivery. Safe to call from inside the
// read callback.
func (c *Connection) ReadStop() {
	c.onRead = nil
	c.allocRead = nil
}

// Shutdown requests a graceful close of the crypto session. Outcomes mirror
// Handshake: complete, needs-more-I/O (onShutdown fires later from the pump),
// or error.
func (c *Connection) Shutdown(onShutdown StatusFunc) error {
	if c.destroyed {
		return evtlserrors.ErrConnectionDestroyed
	}
	if c.shuttingDown {
		return evtlserrors.ErrShutdownInProgress
	}
	if !c.established {
		return evtlserrors.ErrNotEstablished
	}
	c.onShutdown = onShutdown
	c.shuttingDown = true
	c.shutdownStep()
	return nil
}

// Destroy tears down all owned resources. Safe to call in any state,
// including mid-handshake or mid-write. Pending completion callbacks,
// including those of queued writes, are deliberately NOT invoked: we never
// run application code against a connection being torn down. Callers that
// need every operation to call back must track in-flight operations
// themselves.
func (c *Connection) Destroy() {
	if c.destroyed {
		return
	}
	c.destroyed = true
	c.onConnect = nil
	c.onHandshake = nil
	c.onShutdown = nil
	c.onRead = nil
	c.allocRead = nil
	c.queue.clear() // drops queued write callbacks silently
	c.engine = nil
	c.readBuf = nil
	c.outStaging = nil
	c.connecting = false
	c.handshaking = false
	c.established = false
	c.shuttingDown = false
	c.listening = false
	c.transportConnected = false
	c.transportAlive = false
	if c.transport != nil {
		c.transport.Close()
	}
}

func (c *Connection) Established() bool { return c.established }
func (c *Connection) Handshaking() bool { return c.handshaking }

func (c *Connection) SetNoDelay(noDelay bool) error  { return c.transport.SetNoDelay(noDelay) }
func (c *Connection) SetKeepAlive(enable bool) error { return c.transport.SetKeepAlive(enable) }
func (c *Connection) LocalAddr() net.Addr            { return c.transport.LocalAddr() }
func (c *Connection) PeerAddr() net.Addr             { return c.transport.PeerAddr() }

func (c *Connection) startTransportRead() error {
	if err := c.transport.ReadStart(nil, c.onTransportRead); err != nil {
		return fmt.Errorf("%w: %w", evtlserrors.ErrTransport, err)
	}
	return nil
}

// fire helpers clear the pending callback before invoking it, so each fires
// at most once even if the callback re-enters the connection.

func (c *Connection) fireConnect(err error) {
	if cb := c.onConnect; cb != nil {
		c.onConnect = nil
		cb(err)
	}
}

func (c *Connection) fireHandshake(err error) {
	if cb := c.onHandshake; cb != nil {
		c.onHandshake = nil
		cb(err)
	}
	// a client-role connect waits on the same event
	c.fireConnect(err)
}

func (c *Connection) fireShutdown(err error) {
	if cb := c.onShutdown; cb != nil {
		c.onShutdown = nil
		cb(err)
	}
}

// writeQueue keeps pending writes in submission order. Completions fire
// strictly FIFO, one failed head does not block the rest.
type writeQueue struct {
	requests circular.Buffer[writeRequest]
}

// writeRequest owns a copy of the caller's bytes: the caller buffer's
// lifetime is not guaranteed past the Write call.
type writeRequest struct {
	data   []byte // owned copy
	offset int    // bytes already accepted by the engine
	done   StatusFunc
}

func (r *writeRequest) remaining() []byte { return r.data[r.offset:] }

func (q *writeQueue) len() int { return q.requests.Len() }

func (q *writeQueue) push(data []byte, done StatusFunc) {
	q.requests.PushBack(writeRequest{
		data: append([]byte(nil), data...),
		done: done,
	})
}

func (q *writeQueue) front() *writeRequest { return q.requests.FrontRef() }

func (q *writeQueue) pop() writeRequest { return q.requests.PopFront() }

func (q *writeQueue) clear() { q.requests.Clear() }
