// Copyright (c) 2025, Grigory Buteyko aka Hrissan
// Licensed under the MIT License. See LICENSE for details.

package evtls

import (
	"net"
	"sync"

	"github.com/hrissan/evtls/evtlscore"
	"github.com/hrissan/evtls/evtlstcp"
)

const listenBacklog = 128

// Listener accepts raw transport connections on the loop, runs the session
// handshake on each, and hands fully established connections to blocking
// Accept callers. Connections that fail the handshake are destroyed and
// never surface.
type Listener struct {
	loop *evtlstcp.Loop
	core *evtlscore.Connection // touched only on the loop goroutine
	addr net.Addr

	accepted  chan *Conn
	stop      chan struct{}
	closeOnce sync.Once
}

func Listen(loop *evtlstcp.Loop, address string, cfg *Config) (*Listener, error) {
	l := &Listener{
		loop:     loop,
		accepted: make(chan *Conn, listenBacklog),
		stop:     make(chan struct{}),
	}
	done := make(chan error, 1)
	loop.Post(func() {
		core := evtlscore.NewConnection(evtlstcp.NewTransport(loop), cfg.connectionOptions())
		l.core = core
		if err := core.Bind(address); err != nil {
			done <- err
			return
		}
		err := core.Listen(listenBacklog, func(err error) {
			if err != nil {
				return
			}
			nc, aerr := core.Accept()
			if aerr != nil {
				return
			}
			l.handshakeAccepted(nc)
		})
		if err == nil {
			l.addr = core.LocalAddr()
		}
		done <- err
	})
	if err := <-done; err != nil {
		loop.Post(func() { l.core.Destroy() })
		return nil, err
	}
	return l, nil
}

// handshakeAccepted runs on the loop goroutine.
func (l *Listener) handshakeAccepted(nc *evtlscore.Connection) {
	_ = nc.Handshake(func(err error) {
		if err != nil {
			nc.Destroy()
			return
		}
		conn := newConn(l.loop)
		conn.core = nc
		if err = nc.ReadStart(nil, conn.onRead); err != nil {
			nc.Destroy()
			return
		}
		conn.localAddr = nc.LocalAddr()
		conn.remoteAddr = nc.PeerAddr()
		select {
		case l.accepted <- conn:
		case <-l.stop:
			nc.Destroy()
		default:
			nc.Destroy() // accept backlog full
		}
	})
}

// Accept blocks until a connection completes its handshake.
func (l *Listener) Accept() (*Conn, error) {
	select {
	case conn := <-l.accepted:
		return conn, nil
	case <-l.stop:
		return nil, net.ErrClosed
	}
}

func (l *Listener) Addr() net.Addr { return l.addr }

func (l *Listener) Close() error {
	l.closeOnce.Do(func() {
		close(l.stop)
		l.loop.Post(func() { l.core.Destroy() })
	})
	return nil
}
