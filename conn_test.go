// Copyright (c) 2025, Grigory Buteyko aka Hrissan
// Licensed under the MIT License. See LICENSE for details.

package evtls

import (
	"io"
	"math/rand"
	"net"
	"testing"
	"time"

	"github.com/neilotoole/slogt"
	"github.com/stretchr/testify/require"

	"github.com/hrissan/evtls/chachaengine"
	"github.com/hrissan/evtls/evtlserrors"
	"github.com/hrissan/evtls/evtlstcp"
)

func startLoop(t *testing.T) *evtlstcp.Loop {
	t.Helper()
	loop := evtlstcp.NewLoop()
	go loop.Run()
	t.Cleanup(loop.Stop)
	return loop
}

func TestLoopbackEcho(t *testing.T) {
	loop := startLoop(t)
	cfg := &Config{PSK: []byte("loopback secret"), Log: slogt.New(t)}

	ln, err := Listen(loop, "127.0.0.1:0", cfg)
	require.NoError(t, err)
	defer ln.Close()

	serverDone := make(chan error, 1)
	go func() {
		conn, err := ln.Accept()
		if err != nil {
			serverDone <- err
			return
		}
		if _, err = io.Copy(conn, conn); err != nil {
			serverDone <- err
			return
		}
		serverDone <- conn.Close()
	}()

	conn, err := DialTimeout(loop, ln.Addr().String(), cfg, 5*time.Second)
	require.NoError(t, err)
	require.NotNil(t, conn.LocalAddr())
	require.NotNil(t, conn.RemoteAddr())

	msg := []byte("round trip through the encrypted loopback")
	n, err := conn.Write(msg)
	require.NoError(t, err)
	require.Equal(t, len(msg), n)

	got := make([]byte, len(msg))
	_, err = io.ReadFull(conn, got)
	require.NoError(t, err)
	require.Equal(t, msg, got)

	require.NoError(t, conn.Close())
	require.NoError(t, <-serverDone)
}

func TestLoopbackLargeTransfer(t *testing.T) {
	loop := startLoop(t)
	cfg := &Config{PSK: []byte("bulk secret"), Log: slogt.New(t)}

	ln, err := Listen(loop, "127.0.0.1:0", cfg)
	require.NoError(t, err)
	defer ln.Close()

	serverDone := make(chan error, 1)
	go func() {
		conn, err := ln.Accept()
		if err != nil {
			serverDone <- err
			return
		}
		if _, err = io.Copy(conn, conn); err != nil {
			serverDone <- err
			return
		}
		serverDone <- conn.Close()
	}()

	conn, err := DialTimeout(loop, ln.Addr().String(), cfg, 5*time.Second)
	require.NoError(t, err)

	// spans many sealed records and exceeds the engine's outbound cap,
	// so delivery needs partial writes and queue flushes
	payload := make([]byte, 6*chachaengine.MaxPlaintextRecordLength+13)
	rng := rand.New(rand.NewSource(42))
	rng.Read(payload)

	writeDone := make(chan error, 1)
	go func() {
		_, err := conn.Write(payload)
		writeDone <- err
	}()

	got := make([]byte, len(payload))
	_, err = io.ReadFull(conn, got)
	require.NoError(t, err)
	require.Equal(t, payload, got)
	require.NoError(t, <-writeDone)

	require.NoError(t, conn.Close())
	require.NoError(t, <-serverDone)
}

func TestDialPSKMismatch(t *testing.T) {
	loop := startLoop(t)

	ln, err := Listen(loop, "127.0.0.1:0", &Config{PSK: []byte("alpha"), Log: slogt.New(t)})
	require.NoError(t, err)
	defer ln.Close()

	_, err = DialTimeout(loop, ln.Addr().String(), &Config{PSK: []byte("bravo"), Log: slogt.New(t)}, 5*time.Second)
	require.Error(t, err)
	require.ErrorIs(t, err, evtlserrors.ErrHandshake)
	require.ErrorIs(t, err, chachaengine.ErrBadConfirm)
}

func TestDialConnectionRefused(t *testing.T) {
	loop := startLoop(t)

	// grab a port and release it so nothing listens there
	raw, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	address := raw.Addr().String()
	require.NoError(t, raw.Close())

	_, err = DialTimeout(loop, address, &Config{Log: slogt.New(t)}, 5*time.Second)
	require.Error(t, err)
}

func TestConnRejectsAfterClose(t *testing.T) {
	loop := startLoop(t)
	cfg := &Config{PSK: []byte("close secret"), Log: slogt.New(t)}

	ln, err := Listen(loop, "127.0.0.1:0", cfg)
	require.NoError(t, err)
	defer ln.Close()

	serverDone := make(chan error, 1)
	go func() {
		conn, err := ln.Accept()
		if err != nil {
			serverDone <- err
			return
		}
		if _, err = io.Copy(io.Discard, conn); err != nil {
			serverDone <- err
			return
		}
		serverDone <- conn.Close()
	}()

	conn, err := DialTimeout(loop, ln.Addr().String(), cfg, 5*time.Second)
	require.NoError(t, err)
	require.NoError(t, conn.Close())
	require.NoError(t, <-serverDone)

	_, err = conn.Write([]byte("late"))
	require.ErrorIs(t, err, net.ErrClosed)

	buf := make([]byte, 8)
	_, err = conn.Read(buf)
	require.Error(t, err)
}
