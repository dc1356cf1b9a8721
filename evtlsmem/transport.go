// Copyright (c) 2025, Grigory Buteyko aka Hrissan
// Licensed under the MIT License. See LICENSE for details.

// Package evtlsmem is an in-memory, fully deterministic implementation of
// the evtlscore transport contract, intended for tests and examples.
// Everything runs on the caller's goroutine: events go through a FIFO queue
// drained iteratively, so delivery never recurses and ordering is exact.
package evtlsmem

import (
	"errors"
	"io"
	"net"

	"github.com/hrissan/evtls/evtlscore"
)

var ErrNoListener = errors.New("evtlsmem: no listener at address")
var ErrBacklogFull = errors.New("evtlsmem: listener backlog is full")
var ErrAddressTaken = errors.New("evtlsmem: address already has a listener")
var ErrNotBound = errors.New("evtlsmem: endpoint is not bound")
var ErrClosed = errors.New("evtlsmem: endpoint is closed")
var ErrNoPendingConn = errors.New("evtlsmem: no pending raw connection")

// Net is one in-memory network. All endpoints sharing a Net must be used
// from a single goroutine.
type Net struct {
	queue     []func()
	running   bool
	listeners map[string]*Endpoint
}

func NewNet() *Net {
	return &Net{listeners: make(map[string]*Endpoint)}
}

// post enqueues an event. The first post on an empty stack drains the queue
// in FIFO order until it is empty, so nested posts never recurse.
func (n *Net) post(fn func()) {
	n.queue = append(n.queue, fn)
	if n.running {
		return
	}
	n.running = true
	for len(n.queue) > 0 {
		next := n.queue[0]
		n.queue = n.queue[1:]
		next()
	}
	n.running = false
}

type memAddr string

func (a memAddr) Network() string { return "mem" }
func (a memAddr) String() string  { return string(a) }

// Endpoint implements evtlscore.Transport.
type Endpoint struct {
	net  *Net
	peer *Endpoint

	localAddr string

	listening  bool
	maxBacklog int
	backlog    []*Endpoint
	onAccept   evtlscore.StatusFunc

	closed       bool
	eof          bool // peer endpoint closed
	eofDelivered bool

	reading   bool
	readAlloc evtlscore.AllocFunc
	readCB    evtlscore.ReadFunc
	inbox     [][]byte
}

func NewEndpoint(n *Net) *Endpoint {
	return &Endpoint{net: n}
}

func (e *Endpoint) Connect(address string, cb evtlscore.StatusFunc) error {
	if e.closed {
		return ErrClosed
	}
	e.net.post(func() {
		ln, ok := e.net.listeners[address]
		if !ok || ln.closed {
			cb(ErrNoListener)
			return
		}
		if len(ln.backlog) >= ln.maxBacklog {
			cb(ErrBacklogFull)
			return
		}
		srv := NewEndpoint(e.net)
		srv.localAddr = address
		srv.peer = e
		e.peer = srv
		ln.backlog = append(ln.backlog, srv)
		if onAccept := ln.onAccept; onAccept != nil {
			e.net.post(func() { onAccept(nil) })
		}
		cb(nil)
	})
	return nil
}

func (e *Endpoint) Bind(address string) error {
	if e.closed {
		return ErrClosed
	}
	e.localAddr = address
	return nil
}

func (e *Endpoint) Listen(backlog int, cb evtlscore.StatusFunc) error {
	if e.closed {
		return ErrClosed
	}
	if e.localAddr == "" {
		return ErrNotBound
	}
	if _, taken := e.net.listeners[e.localAddr]; taken {
		return ErrAddressTaken
	}
	e.net.listeners[e.localAddr] = e
	e.listening = true
	e.maxBacklog = backlog
	e.onAccept = cb
	return nil
}

func (e *Endpoint) Accept() (evtlscore.Transport, error) {
	if len(e.backlog) == 0 {
		return nil, ErrNoPendingConn
	}
	raw := e.backlog[0]
	e.backlog = e.backlog[1:]
	return raw, nil
}

func (e *Endpoint) ReadStart(alloc evtlscore.AllocFunc, cb evtlscore.ReadFunc) error {
	if e.closed {
		return ErrClosed
	}
	e.readAlloc = alloc
	e.readCB = cb
	e.reading = true
	e.net.post(e.deliver)
	return nil
}

func (e *Endpoint) ReadStop() error {
	e.reading = false
	return nil
}

func (e *Endpoint) Write(data []byte, cb evtlscore.StatusFunc) error {
	if e.closed {
		return ErrClosed
	}
	peer := e.peer
	if peer == nil {
		return ErrClosed
	}
	owned := append([]byte(nil), data...)
	e.net.post(func() {
		if peer.closed {
			if cb != nil {
				cb(io.ErrClosedPipe)
			}
			return
		}
		peer.inbox = append(peer.inbox, owned)
		peer.deliver()
		if cb != nil {
			cb(nil)
		}
	})
	return nil
}

func (e *Endpoint) Close() {
	if e.closed {
		return
	}
	e.closed = true
	e.reading = false
	e.readCB = nil
	if e.listening {
		delete(e.net.listeners, e.localAddr)
	}
	if peer := e.peer; peer != nil && !peer.closed {
		peer.eof = true
		e.net.post(peer.deliver)
	}
}

func (e *Endpoint) SetNoDelay(bool) error   { return nil }
func (e *Endpoint) SetKeepAlive(bool) error { return nil }

func (e *Endpoint) LocalAddr() net.Addr { return memAddr(e.localAddr) }
func (e *Endpoint) PeerAddr() net.Addr {
	if e.peer != nil {
		return memAddr(e.peer.localAddr)
	}
	return memAddr("")
}

func (e *Endpoint) deliver() {
	for e.reading && !e.closed && len(e.inbox) > 0 {
		chunk := e.inbox[0]
		data := chunk
		if e.readAlloc != nil {
			buf := e.readAlloc(len(chunk))
			n := copy(buf, chunk)
			data = buf[:n]
			chunk = chunk[n:]
		} else {
			chunk = nil
		}
		if len(chunk) > 0 {
			e.inbox[0] = chunk // consumer buffer was smaller, keep the rest
		} else {
			e.inbox = e.inbox[1:]
		}
		e.readCB(data, nil)
	}
	if e.reading && !e.closed && len(e.inbox) == 0 && e.eof && !e.eofDelivered {
		e.eofDelivered = true
		e.readCB(nil, io.EOF)
	}
}
