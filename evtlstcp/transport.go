// Copyright (c) 2025, Grigory Buteyko aka Hrissan
// Licensed under the MIT License. See LICENSE for details.

// Package evtlstcp implements the evtlscore transport contract over TCP.
// A Loop goroutine plays the reactor; net calls that would block run on
// helper goroutines and post their outcomes to the loop, so every callback
// the driver sees is loop-confined.
package evtlstcp

import (
	"errors"
	"net"

	"github.com/hrissan/evtls/evtlscore"
)

var ErrNotConnected = errors.New("evtlstcp: transport is not connected")
var ErrAlreadyConnected = errors.New("evtlstcp: transport is already connected")
var ErrNotBound = errors.New("evtlstcp: transport is not bound")
var ErrClosed = errors.New("evtlstcp: transport is closed")
var ErrNoPendingConn = errors.New("evtlstcp: no pending raw connection")

const readChunkSize = 4096

type writeOp struct {
	data []byte
	cb   evtlscore.StatusFunc
}

// Transport implements evtlscore.Transport over a net.Conn.
// All methods must be called from the loop goroutine.
type Transport struct {
	loop *Loop

	conn    net.Conn
	writeCh chan writeOp

	ln         net.Listener
	bindAddr   string
	maxBacklog int
	backlog    []net.Conn

	closed      bool
	readStarted bool
	reading     bool
	readAlloc   evtlscore.AllocFunc
	readCB      evtlscore.ReadFunc

	pending       [][]byte // chunks received while delivery was paused
	pendingErr    error
	pendingErrSet bool
}

func NewTransport(loop *Loop) *Transport {
	return &Transport{loop: loop}
}

func (t *Transport) Connect(address string, cb evtlscore.StatusFunc) error {
	if t.closed {
		return ErrClosed
	}
	if t.conn != nil {
		return ErrAlreadyConnected
	}
	go func() {
		conn, err := net.Dial("tcp", address)
		t.loop.Post(func() {
			if t.closed {
				if conn != nil {
					_ = conn.Close()
				}
				return
			}
			if err != nil {
				cb(err)
				return
			}
			t.attach(conn)
			cb(nil)
		})
	}()
	return nil
}

func (t *Transport) Bind(address string) error {
	if t.closed {
		return ErrClosed
	}
	t.bindAddr = address
	return nil
}

func (t *Transport) Listen(backlog int, cb evtlscore.StatusFunc) error {
	if t.closed {
		return ErrClosed
	}
	if t.bindAddr == "" {
		return ErrNotBound
	}
	ln, err := net.Listen("tcp", t.bindAddr)
	if err != nil {
		return err
	}
	t.ln = ln
	t.maxBacklog = backlog
	go func() {
		for {
			conn, err := ln.Accept()
			if err != nil {
				return // listener closed
			}
			t.loop.Post(func() {
				if t.closed || len(t.backlog) >= t.maxBacklog {
					_ = conn.Close()
					return
				}
				t.backlog = append(t.backlog, conn)
				cb(nil)
			})
		}
	}()
	return nil
}

func (t *Transport) Accept() (evtlscore.Transport, error) {
	if len(t.backlog) == 0 {
		return nil, ErrNoPendingConn
	}
	conn := t.backlog[0]
	t.backlog = t.backlog[1:]
	nt := NewTransport(t.loop)
	nt.attach(conn)
	return nt, nil
}

func (t *Transport) ReadStart(alloc evtlscore.AllocFunc, cb evtlscore.ReadFunc) error {
	if t.closed {
		return ErrClosed
	}
	if t.conn == nil {
		return ErrNotConnected
	}
	t.readAlloc = alloc
	t.readCB = cb
	t.reading = true
	if !t.readStarted {
		t.readStarted = true
		go t.readLoop(t.conn)
	}
	t.flushPending()
	return nil
}

func (t *Transport) ReadStop() error {
	t.reading = false
	return nil
}

func (t *Transport) Write(data []byte, cb evtlscore.StatusFunc) error {
	if t.closed {
		return ErrClosed
	}
	if t.conn == nil {
		return ErrNotConnected
	}
	t.writeCh <- writeOp{data: data, cb: cb}
	return nil
}

func (t *Transport) Close() {
	if t.closed {
		return
	}
	t.closed = true
	t.reading = false
	t.readCB = nil
	if t.conn != nil {
		_ = t.conn.Close()
		close(t.writeCh)
	}
	if t.ln != nil {
		_ = t.ln.Close()
	}
	for _, conn := range t.backlog {
		_ = conn.Close()
	}
	t.backlog = nil
}

func (t *Transport) SetNoDelay(noDelay bool) error {
	if tc, ok := t.conn.(*net.TCPConn); ok {
		return tc.SetNoDelay(noDelay)
	}
	return ErrNotConnected
}

func (t *Transport) SetKeepAlive(enable bool) error {
	if tc, ok := t.conn.(*net.TCPConn); ok {
		return tc.SetKeepAlive(enable)
	}
	return ErrNotConnected
}

func (t *Transport) LocalAddr() net.Addr {
	if t.conn != nil {
		return t.conn.LocalAddr()
	}
	if t.ln != nil {
		return t.ln.Addr()
	}
	return nil
}

func (t *Transport) PeerAddr() net.Addr {
	if t.conn != nil {
		return t.conn.RemoteAddr()
	}
	return nil
}

func (t *Transport) attach(conn net.Conn) {
	t.conn = conn
	t.writeCh = make(chan writeOp, 16)
	go t.writeLoop(conn, t.writeCh)
}

// writeLoop serializes socket writes; the driver itself keeps at most one
// write in flight, the small channel buffer only decouples goroutines.
func (t *Transport) writeLoop(conn net.Conn, ops chan writeOp) {
	for op := range ops {
		_, err := conn.Write(op.data)
		cb := op.cb
		t.loop.Post(func() {
			if t.closed || cb == nil {
				return
			}
			cb(err)
		})
	}
}

func (t *Transport) readLoop(conn net.Conn) {
	for {
		buf := make([]byte, readChunkSize) // ownership passes to the loop
		n, err := conn.Read(buf)
		if n > 0 {
			data := buf[:n]
			t.loop.Post(func() { t.enqueueInbound(data, nil) })
		}
		if err != nil {
			t.loop.Post(func() { t.enqueueInbound(nil, err) })
			return
		}
	}
}

func (t *Transport) enqueueInbound(data []byte, err error) {
	if t.closed {
		return
	}
	if data != nil {
		t.pending = append(t.pending, data)
	}
	if err != nil && !t.pendingErrSet {
		t.pendingErr = err
		t.pendingErrSet = true
	}
	t.flushPending()
}

func (t *Transport) flushPending() {
	for t.reading && !t.closed && len(t.pending) > 0 {
		chunk := t.pending[0]
		data := chunk
		if t.readAlloc != nil {
			buf := t.readAlloc(len(chunk))
			n := copy(buf, chunk)
			data = buf[:n]
			chunk = chunk[n:]
		} else {
			chunk = nil
		}
		if len(chunk) > 0 {
			t.pending[0] = chunk // consumer buffer was smaller, keep the rest
		} else {
			t.pending = t.pending[1:]
		}
		t.readCB(data, nil)
	}
	if t.reading && !t.closed && len(t.pending) == 0 && t.pendingErrSet {
		t.pendingErrSet = false
		t.readCB(nil, t.pendingErr)
	}
}
