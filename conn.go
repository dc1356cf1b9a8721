// Copyright (c) 2025, Grigory Buteyko aka Hrissan
// Licensed under the MIT License. See LICENSE for details.

package evtls

import (
	"log/slog"
	"net"
	"sync"
	"time"

	"github.com/hrissan/evtls/chachaengine"
	"github.com/hrissan/evtls/evtlscore"
	"github.com/hrissan/evtls/evtlstcp"
)

// toy blocking adapter - not optimized at all, unlike core.
// goroutine-based APIs are easy to build over the event-based core,
// but not vice versa.

// Config is shared by Dial and Listen.
type Config struct {
	// PSK authenticates both peers, see chachaengine.Config.
	PSK []byte

	Log *slog.Logger
}

func (cfg *Config) connectionOptions() evtlscore.ConnectionOptions {
	var psk []byte
	var log *slog.Logger
	if cfg != nil {
		psk = cfg.PSK
		log = cfg.Log
	}
	opts := evtlscore.DefaultConnectionOptions(chachaengine.Factory(chachaengine.Config{PSK: psk}))
	if log != nil {
		opts.Log = log
	}
	return opts
}

type Conn struct {
	loop *evtlstcp.Loop
	core *evtlscore.Connection // touched only on the loop goroutine

	localAddr  net.Addr
	remoteAddr net.Addr

	mu       sync.Mutex
	closed   bool
	closeErr error
	readErr  error // io.EOF or terminal failure from the read subscription
	reading  [][]byte
	condRead chan struct{}
}

func newConn(loop *evtlstcp.Loop) *Conn {
	return &Conn{
		loop:     loop,
		condRead: make(chan struct{}, 1),
	}
}

var _ net.Conn = &Conn{}

func signalCond(cond chan struct{}) {
	select {
	case cond <- struct{}{}:
	default:
	}
}

func (c *Conn) LocalAddr() net.Addr  { return c.localAddr }
func (c *Conn) RemoteAddr() net.Addr { return c.remoteAddr }

// TODO - wire deadlines to a loop timer
func (c *Conn) SetDeadline(t time.Time) error      { return nil }
func (c *Conn) SetReadDeadline(t time.Time) error  { return nil }
func (c *Conn) SetWriteDeadline(t time.Time) error { return nil }

// onRead runs on the loop goroutine for every decrypted chunk.
func (c *Conn) onRead(data []byte, err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err != nil {
		c.readErr = err
	} else if len(data) > 0 {
		c.reading = append(c.reading, append([]byte(nil), data...))
	}
	signalCond(c.condRead)
}

func (c *Conn) Read(b []byte) (int, error) {
	if len(b) == 0 {
		return 0, nil
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	for {
		if len(c.reading) != 0 {
			copied := copy(b, c.reading[0])
			c.reading[0] = c.reading[0][copied:]
			if len(c.reading[0]) == 0 {
				c.reading = c.reading[1:]
			}
			return copied, nil
		}
		if c.readErr != nil {
			return 0, c.readErr
		}
		if c.closed {
			return 0, net.ErrClosed
		}
		c.mu.Unlock()
		<-c.condRead
		c.mu.Lock()
	}
}

func (c *Conn) Write(b []byte) (int, error) {
	if len(b) == 0 {
		return 0, nil
	}
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return 0, net.ErrClosed
	}
	c.mu.Unlock()
	owned := append([]byte(nil), b...)
	done := make(chan error, 1)
	c.loop.Post(func() {
		if err := c.core.Write(owned, func(err error) { done <- err }); err != nil {
			done <- err
		}
	})
	if err := <-done; err != nil {
		return 0, err
	}
	return len(b), nil
}

// Close performs a graceful session shutdown, then destroys the connection.
// The shutdown completes only once the peer also closes its side.
func (c *Conn) Close() error {
	c.mu.Lock()
	if c.closed {
		defer c.mu.Unlock()
		return c.closeErr
	}
	c.closed = true
	c.mu.Unlock()
	done := make(chan error, 1)
	c.loop.Post(func() {
		core := c.core
		if core == nil {
			done <- nil
			return
		}
		if !core.Established() {
			core.Destroy()
			done <- nil
			return
		}
		err := core.Shutdown(func(err error) {
			core.Destroy()
			done <- err
		})
		if err != nil {
			core.Destroy()
			done <- err
		}
	})
	err := <-done
	c.mu.Lock()
	c.closeErr = err
	c.mu.Unlock()
	signalCond(c.condRead)
	return err
}
