// Copyright (c) 2025, Grigory Buteyko aka Hrissan
// Licensed under the MIT License. See LICENSE for details.

package evtls

import (
	"context"
	"time"

	"github.com/hrissan/evtls/evtlscore"
	"github.com/hrissan/evtls/evtlstcp"
)

// Dial connects, performs the session handshake and starts delivery of
// decrypted bytes. The loop must already be running.
func Dial(loop *evtlstcp.Loop, address string, cfg *Config) (*Conn, error) {
	return DialTimeout(loop, address, cfg, 0)
}

func DialTimeout(loop *evtlstcp.Loop, address string, cfg *Config, timeout time.Duration) (*Conn, error) {
	conn := newConn(loop)
	done := make(chan error, 1)
	loop.Post(func() {
		core := evtlscore.NewConnection(evtlstcp.NewTransport(loop), cfg.connectionOptions())
		conn.core = core
		err := core.Connect(address, func(err error) {
			if err != nil {
				done <- err
				return
			}
			if err = core.ReadStart(nil, conn.onRead); err != nil {
				done <- err
				return
			}
			conn.localAddr = core.LocalAddr()
			conn.remoteAddr = core.PeerAddr()
			done <- nil
		})
		if err != nil {
			done <- err
		}
	})
	ctx := context.Background()
	if timeout != 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}
	select {
	case err := <-done:
		if err != nil {
			loop.Post(func() { conn.core.Destroy() })
			return nil, err
		}
		return conn, nil
	case <-ctx.Done():
		loop.Post(func() { conn.core.Destroy() })
		return nil, ctx.Err()
	}
}
