// Copyright (c) 2025, Grigory Buteyko aka Hrissan
// Licensed under the MIT License. See LICENSE for details.

package evtlscore

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/hrissan/evtls/evtlserrors"
)

func TestConnectEstablishesImmediately(t *testing.T) {
	eng := &mockEngine{}
	tr := &mockTransport{}
	c := newTestConnection(t, eng, tr, nil)

	ready := 0
	require.NoError(t, c.Connect("peer", func(err error) {
		require.NoError(t, err)
		ready++
	}))
	require.False(t, c.Established())

	tr.connectCB(nil)
	require.True(t, c.Established())
	require.Equal(t, 1, ready)
	require.Equal(t, 1, eng.handshakeCalls)

	// handshake on an established connection reports success immediately
	// without touching the engine
	hs := 0
	require.NoError(t, c.Handshake(func(err error) {
		require.NoError(t, err)
		hs++
	}))
	require.Equal(t, 1, hs)
	require.Equal(t, 1, eng.handshakeCalls)
}

func TestConnectWhileConnected(t *testing.T) {
	eng := &mockEngine{}
	tr := &mockTransport{}
	c := newTestConnection(t, eng, tr, nil)

	require.NoError(t, c.Connect("peer", nil))
	require.ErrorIs(t, c.Connect("peer", nil), evtlserrors.ErrConnectionInProgress)
	tr.connectCB(nil)
	require.ErrorIs(t, c.Connect("peer", nil), evtlserrors.ErrConnectionInProgress)
}

func TestConnectTransportFailure(t *testing.T) {
	eng := &mockEngine{}
	tr := &mockTransport{}
	c := newTestConnection(t, eng, tr, nil)

	errBoom := errors.New("connection refused")
	var got error
	fired := 0
	require.NoError(t, c.Connect("peer", func(err error) {
		got = err
		fired++
	}))
	tr.connectCB(errBoom)

	require.Equal(t, 1, fired)
	require.ErrorIs(t, got, evtlserrors.ErrTransport)
	require.ErrorIs(t, got, errBoom)
	require.False(t, c.Established())

	// a failed connect leaves the connection reusable
	require.NoError(t, c.Connect("peer", nil))
}

func TestHandshakeNeedsMultipleFlights(t *testing.T) {
	eng := &mockEngine{
		handshakeScript: []error{ErrWantRead, ErrWantRead, nil},
		emitPerStep:     []byte("HS"),
	}
	tr := &mockTransport{}
	c := newTestConnection(t, eng, tr, nil)

	ready := 0
	require.NoError(t, c.Connect("peer", func(err error) {
		require.NoError(t, err)
		ready++
	}))
	tr.connectCB(nil)
	require.False(t, c.Established())
	require.Equal(t, 0, ready)

	tr.deliver(t, []byte("a")) // second flight, still not done
	require.False(t, c.Established())
	require.Equal(t, 0, ready)

	tr.deliver(t, []byte("b")) // final flight
	require.True(t, c.Established())
	require.Equal(t, 1, ready)
	require.Equal(t, 3, eng.handshakeCalls)

	// every flight record emitted by the engine reaches the transport
	tr.pumpAll(t)
	require.Equal(t, []byte("HSHSHS"), tr.written())
}

func TestHandshakeFailure(t *testing.T) {
	errBadPeer := errors.New("peer rejected")
	eng := &mockEngine{handshakeScript: []error{errBadPeer}}
	tr := &mockTransport{}
	c := newTestConnection(t, eng, tr, nil)

	var got error
	fired := 0
	require.NoError(t, c.Connect("peer", func(err error) {
		got = err
		fired++
	}))
	tr.connectCB(nil)

	require.Equal(t, 1, fired)
	require.ErrorIs(t, got, evtlserrors.ErrHandshake)
	require.ErrorIs(t, got, errBadPeer)
	require.False(t, c.Established())
	require.False(t, c.Handshaking())
}

func TestHandshakeIdempotentWhileRunning(t *testing.T) {
	eng := &mockEngine{handshakeScript: []error{ErrWantRead, nil}}
	tr := &mockTransport{}
	c := newTestConnection(t, eng, tr, nil)

	ready := 0
	require.NoError(t, c.Connect("peer", func(err error) { ready++ }))
	tr.connectCB(nil)
	require.True(t, c.Handshaking())
	require.Equal(t, 1, eng.handshakeCalls)

	// a second Handshake while one is running registers the waiter and
	// does not advance the engine again
	hs := 0
	require.NoError(t, c.Handshake(func(err error) {
		require.NoError(t, err)
		hs++
	}))
	require.Equal(t, 1, eng.handshakeCalls)

	tr.deliver(t, []byte("x"))
	require.True(t, c.Established())
	require.Equal(t, 1, hs)
	require.Equal(t, 1, ready)
}

func TestHandshakeBeforeConnect(t *testing.T) {
	eng := &mockEngine{}
	tr := &mockTransport{}
	c := newTestConnection(t, eng, tr, nil)
	require.ErrorIs(t, c.Handshake(nil), evtlserrors.ErrNotConnected)
}

func TestServerAcceptFlow(t *testing.T) {
	eng := &mockEngine{handshakeScript: []error{ErrWantRead, nil}}
	raw := &mockTransport{}
	l := &mockTransport{acceptNext: raw}

	var serverRole bool
	opts := DefaultConnectionOptions(func(server bool) (Engine, error) {
		serverRole = server
		return eng, nil
	})
	lc := NewConnection(l, opts)

	_, err := lc.Accept()
	require.ErrorIs(t, err, evtlserrors.ErrNotListening)

	require.NoError(t, lc.Listen(8, nil))
	nc, err := lc.Accept()
	require.NoError(t, err)
	require.True(t, serverRole)
	require.NotNil(t, raw.readCB) // transport read started on accept

	hs := 0
	require.NoError(t, nc.Handshake(func(err error) {
		require.NoError(t, err)
		hs++
	}))
	require.False(t, nc.Established())

	raw.deliver(t, []byte("hello flight"))
	require.True(t, nc.Established())
	require.Equal(t, 1, hs)
	require.Equal(t, 2, eng.handshakeCalls)
}

func TestShutdownCompletesImmediately(t *testing.T) {
	eng := &mockEngine{}
	tr := &mockTransport{}
	c := newTestConnection(t, eng, tr, nil)
	connectAndEstablish(t, c, tr)

	done := 0
	require.NoError(t, c.Shutdown(func(err error) {
		require.NoError(t, err)
		done++
	}))
	require.Equal(t, 1, done)
	require.False(t, c.Established())

	require.ErrorIs(t, c.Shutdown(nil), evtlserrors.ErrNotEstablished)
}

func TestShutdownNeedsEvents(t *testing.T) {
	eng := &mockEngine{shutdownScript: []error{ErrWantRead, nil}}
	tr := &mockTransport{}
	c := newTestConnection(t, eng, tr, nil)
	connectAndEstablish(t, c, tr)

	done := 0
	require.NoError(t, c.Shutdown(func(err error) {
		require.NoError(t, err)
		done++
	}))
	require.Equal(t, 0, done)
	require.ErrorIs(t, c.Shutdown(nil), evtlserrors.ErrShutdownInProgress)

	tr.deliver(t, []byte("close ack"))
	require.Equal(t, 1, done)
	require.False(t, c.Established())
	require.Equal(t, 2, eng.shutdownCalls)
}

func TestShutdownBeforeEstablished(t *testing.T) {
	eng := &mockEngine{handshakeScript: []error{ErrWantRead}}
	tr := &mockTransport{}
	c := newTestConnection(t, eng, tr, nil)

	require.ErrorIs(t, c.Shutdown(nil), evtlserrors.ErrNotEstablished)
	require.NoError(t, c.Connect("peer", nil))
	tr.connectCB(nil)
	require.True(t, c.Handshaking())
	require.ErrorIs(t, c.Shutdown(nil), evtlserrors.ErrNotEstablished)
}

func TestReadStartRejectedBeforeEstablished(t *testing.T) {
	eng := &mockEngine{handshakeScript: []error{ErrWantRead}}
	tr := &mockTransport{}
	c := newTestConnection(t, eng, tr, nil)

	cb := func(data []byte, err error) {}
	require.ErrorIs(t, c.ReadStart(nil, cb), evtlserrors.ErrNotEstablished)

	require.NoError(t, c.Connect("peer", nil))
	tr.connectCB(nil)
	require.True(t, c.Handshaking())
	require.ErrorIs(t, c.ReadStart(nil, cb), evtlserrors.ErrNotEstablished)
}

func TestReadStartRequiresCallback(t *testing.T) {
	eng := &mockEngine{}
	tr := &mockTransport{}
	c := newTestConnection(t, eng, tr, nil)
	connectAndEstablish(t, c, tr)
	require.ErrorIs(t, c.ReadStart(nil, nil), evtlserrors.ErrReadCallbackRequired)
}

func TestDestroyDropsAllCallbacks(t *testing.T) {
	eng := &mockEngine{writeBlocked: true}
	tr := &mockTransport{}
	c := newTestConnection(t, eng, tr, nil)
	connectAndEstablish(t, c, tr)

	fired := 0
	count := func(err error) { fired++ }
	require.NoError(t, c.ReadStart(nil, func(data []byte, err error) { fired++ }))
	require.NoError(t, c.Write([]byte("one"), count))
	require.NoError(t, c.Write([]byte("two"), count))
	require.NoError(t, c.Write([]byte("three"), count))

	c.Destroy()
	require.Equal(t, 0, fired)
	require.True(t, tr.closed)
	require.False(t, c.Established())

	// every operation on a destroyed connection is rejected, no callbacks
	require.ErrorIs(t, c.Connect("peer", count), evtlserrors.ErrConnectionDestroyed)
	require.ErrorIs(t, c.Handshake(count), evtlserrors.ErrConnectionDestroyed)
	require.ErrorIs(t, c.Shutdown(count), evtlserrors.ErrConnectionDestroyed)
	require.ErrorIs(t, c.Write([]byte("x"), count), evtlserrors.ErrConnectionDestroyed)
	require.ErrorIs(t, c.ReadStart(nil, func(data []byte, err error) {}), evtlserrors.ErrConnectionDestroyed)
	require.Equal(t, 0, fired)

	c.Destroy() // idempotent
}

func TestDestroyDuringHandshake(t *testing.T) {
	eng := &mockEngine{handshakeScript: []error{ErrWantRead}}
	tr := &mockTransport{}
	c := newTestConnection(t, eng, tr, nil)

	fired := 0
	require.NoError(t, c.Connect("peer", func(err error) { fired++ }))
	tr.connectCB(nil)
	require.True(t, c.Handshaking())

	c.Destroy()
	require.Equal(t, 0, fired)

	// late transport events after destroy are ignored
	tr.deliver(t, []byte("straggler"))
	tr.deliverErr(t, errors.New("reset"))
	require.Equal(t, 0, fired)
}
