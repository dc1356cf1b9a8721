// Copyright (c) 2025, Grigory Buteyko aka Hrissan
// Licensed under the MIT License. See LICENSE for details.

// Package chachaengine is a compact session engine for the evtlscore driver:
// an ephemeral X25519 key agreement authenticated by an optional pre-shared
// secret, then ChaCha20-Poly1305 sealed records in both directions.
//
// This is not TLS. The handshake takes one and a half round trips:
//
//	client -> server: client public key
//	server -> client: server public key || server key confirmation
//	client -> server: client key confirmation
//
// Both confirmation values are HKDF outputs over the shared secret and the
// pre-shared secret, so each side proves key possession before any
// application data is accepted.
package chachaengine

import (
	"crypto/cipher"
	"crypto/rand"
	"crypto/subtle"
	"errors"
	"io"

	"github.com/hrissan/evtls/evtlscore"
	"golang.org/x/crypto/chacha20poly1305"
)

var ErrBadConfirm = errors.New("chachaengine: peer key confirmation mismatch")
var ErrDecrypt = errors.New("chachaengine: record failed to decrypt")
var ErrUnexpectedRecord = errors.New("chachaengine: unexpected record type")
var ErrRecordTooLong = errors.New("chachaengine: record body length exceeds limit")
var ErrNotEstablished = errors.New("chachaengine: session is not established")
var ErrSessionFailed = errors.New("chachaengine: session previously failed")

// DefaultMaxBufferedOutbound caps outbound staging; once reached, Write
// reports WANT_WRITE until the driver drains staged bytes to the transport.
const DefaultMaxBufferedOutbound = 64 * 1024

type Config struct {
	// PSK is mixed into the key schedule as the HKDF salt. Both peers must
	// agree on it; empty means an unauthenticated ephemeral session.
	PSK []byte

	// Rand defaults to crypto/rand.Reader.
	Rand io.Reader

	MaxBufferedOutbound int
}

// Factory adapts Config into the engine factory consumed by evtlscore.
func Factory(cfg Config) evtlscore.EngineFactory {
	return func(server bool) (evtlscore.Engine, error) {
		return New(server, cfg), nil
	}
}

type hsState uint8

const (
	stateClientHello hsState = iota
	stateClientAwaitReply
	stateServerAwaitHello
	stateServerAwaitConfirm
	stateEstablished
)

// Engine implements evtlscore.Engine. It performs no I/O: raw bytes move
// through the inbound/outbound staging slices, the driver shuttles them to
// and from the transport.
type Engine struct {
	server bool
	cfg    Config

	state hsState
	local keyPair
	keys  sessionKeys

	send        cipher.AEAD
	recv        cipher.AEAD
	sendCounter uint64
	recvCounter uint64

	inbound  []byte // raw bytes staged from the transport
	outbound []byte // raw bytes staged toward the transport
	plain    []byte // decrypted bytes not yet read by the consumer

	peerClosed bool
	closeSent  bool
	failed     error
}

func New(server bool, cfg Config) *Engine {
	if cfg.Rand == nil {
		cfg.Rand = rand.Reader
	}
	if cfg.MaxBufferedOutbound <= 0 {
		cfg.MaxBufferedOutbound = DefaultMaxBufferedOutbound
	}
	state := stateClientHello
	if server {
		state = stateServerAwaitHello
	}
	return &Engine{
		server: server,
		cfg:    cfg,
		state:  state,
	}
}

func (e *Engine) Handshake() error {
	if e.failed != nil {
		return e.failed
	}
	switch e.state {
	case stateClientHello:
		kp, err := generateKeyPair(e.cfg.Rand)
		if err != nil {
			return e.fail(err)
		}
		e.local = kp
		e.appendPlainRecord(recordHandshake, kp.pub[:])
		e.state = stateClientAwaitReply
		return evtlscore.ErrWantRead

	case stateClientAwaitReply:
		body, err := e.takeHandshakeRecord(publicKeySize + confirmSize)
		if err != nil {
			return err
		}
		serverPub := body[:publicKeySize]
		shared, err := sharedSecret(e.local, serverPub)
		if err != nil {
			return e.fail(err)
		}
		keys, err := deriveSessionKeys(shared, e.cfg.PSK, e.local.pub[:], serverPub)
		if err != nil {
			return e.fail(err)
		}
		if subtle.ConstantTimeCompare(body[publicKeySize:], keys.serverConfirm[:]) != 1 {
			return e.fail(ErrBadConfirm)
		}
		if err = e.installKeys(keys); err != nil {
			return e.fail(err)
		}
		e.appendPlainRecord(recordHandshake, keys.clientConfirm[:])
		e.state = stateEstablished
		return nil

	case stateServerAwaitHello:
		body, err := e.takeHandshakeRecord(publicKeySize)
		if err != nil {
			return err
		}
		kp, err := generateKeyPair(e.cfg.Rand)
		if err != nil {
			return e.fail(err)
		}
		e.local = kp
		shared, err := sharedSecret(kp, body)
		if err != nil {
			return e.fail(err)
		}
		keys, err := deriveSessionKeys(shared, e.cfg.PSK, body, kp.pub[:])
		if err != nil {
			return e.fail(err)
		}
		if err = e.installKeys(keys); err != nil {
			return e.fail(err)
		}
		reply := make([]byte, 0, publicKeySize+confirmSize)
		reply = append(reply, kp.pub[:]...)
		reply = append(reply, keys.serverConfirm[:]...)
		e.appendPlainRecord(recordHandshake, reply)
		e.state = stateServerAwaitConfirm
		return evtlscore.ErrWantRead

	case stateServerAwaitConfirm:
		body, err := e.takeHandshakeRecord(confirmSize)
		if err != nil {
			return err
		}
		if subtle.ConstantTimeCompare(body, e.keys.clientConfirm[:]) != 1 {
			return e.fail(ErrBadConfirm)
		}
		e.state = stateEstablished
		return nil

	default: // stateEstablished
		return nil
	}
}

func (e *Engine) Read(p []byte) (int, error) {
	if e.failed != nil {
		return 0, e.failed
	}
	if e.state != stateEstablished {
		return 0, evtlscore.ErrWantRead
	}
	e.decryptPending()
	if e.failed != nil {
		return 0, e.failed
	}
	if len(e.plain) > 0 {
		n := copy(p, e.plain)
		e.plain = e.plain[n:]
		if len(e.plain) == 0 {
			e.plain = nil
		}
		return n, nil
	}
	if e.peerClosed {
		return 0, io.EOF
	}
	return 0, evtlscore.ErrWantRead
}

func (e *Engine) Write(p []byte) (int, error) {
	if e.failed != nil {
		return 0, e.failed
	}
	if e.state != stateEstablished {
		return 0, ErrNotEstablished
	}
	if e.closeSent {
		return 0, ErrNotEstablished
	}
	total := 0
	for len(p) > 0 {
		if len(e.outbound) >= e.cfg.MaxBufferedOutbound {
			if total == 0 {
				return 0, evtlscore.ErrWantWrite
			}
			return total, nil
		}
		chunk := len(p)
		if chunk > MaxPlaintextRecordLength {
			chunk = MaxPlaintextRecordLength
		}
		e.sealRecord(recordData, p[:chunk])
		total += chunk
		p = p[chunk:]
	}
	return total, nil
}

func (e *Engine) Shutdown() error {
	if e.failed != nil {
		return e.failed
	}
	if e.state != stateEstablished {
		return ErrNotEstablished
	}
	if !e.closeSent {
		e.sealRecord(recordClose, nil)
		e.closeSent = true
	}
	e.decryptPending() // the peer's close may already be staged
	if e.failed != nil {
		return e.failed
	}
	if !e.peerClosed {
		return evtlscore.ErrWantRead
	}
	return nil
}

func (e *Engine) FeedInbound(p []byte) (int, error) {
	if e.failed != nil {
		return 0, e.failed
	}
	e.inbound = append(e.inbound, p...)
	return len(p), nil
}

func (e *Engine) OutboundPending() int {
	return len(e.outbound)
}

func (e *Engine) DrainOutbound(p []byte) (int, error) {
	n := copy(p, e.outbound)
	e.outbound = e.outbound[n:]
	if len(e.outbound) == 0 {
		e.outbound = nil // release the backing array
	}
	return n, nil
}

func (e *Engine) PlaintextPending() int {
	if e.state == stateEstablished && e.failed == nil {
		e.decryptPending()
	}
	return len(e.plain)
}

func (e *Engine) installKeys(keys sessionKeys) error {
	e.keys = keys
	sendKey, recvKey := keys.clientToServer[:], keys.serverToClient[:]
	if e.server {
		sendKey, recvKey = recvKey, sendKey
	}
	send, err := chacha20poly1305.New(sendKey)
	if err != nil {
		return err
	}
	recv, err := chacha20poly1305.New(recvKey)
	if err != nil {
		return err
	}
	e.send = send
	e.recv = recv
	return nil
}

func (e *Engine) fail(err error) error {
	if e.failed == nil {
		e.failed = err
	}
	return e.failed
}

// takeHandshakeRecord consumes one complete handshake record of exactly
// wantLen body bytes, or reports WANT_READ if it has not fully arrived yet.
func (e *Engine) takeHandshakeRecord(wantLen int) ([]byte, error) {
	recordType, bodyLen, ok := parseRecordHeader(e.inbound)
	if !ok {
		return nil, evtlscore.ErrWantRead
	}
	if recordType != recordHandshake {
		return nil, e.fail(ErrUnexpectedRecord)
	}
	if bodyLen != wantLen {
		return nil, e.fail(ErrUnexpectedRecord)
	}
	if len(e.inbound) < headerSize+bodyLen {
		return nil, evtlscore.ErrWantRead
	}
	body := e.inbound[headerSize : headerSize+bodyLen]
	e.inbound = e.inbound[headerSize+bodyLen:]
	return body, nil
}

func (e *Engine) appendPlainRecord(recordType byte, body []byte) {
	e.outbound = appendRecordHeader(e.outbound, recordType, len(body))
	e.outbound = append(e.outbound, body...)
}

func (e *Engine) sealRecord(recordType byte, plaintext []byte) {
	var hdr [headerSize]byte
	var nonce [chacha20poly1305.NonceSize]byte
	bodyLen := len(plaintext) + chacha20poly1305.Overhead
	hdr[0] = recordType
	hdr[1] = byte(bodyLen >> 8)
	hdr[2] = byte(bodyLen)
	fillNonce(nonce[:], e.sendCounter)
	e.sendCounter++
	e.outbound = append(e.outbound, hdr[:]...)
	// the header is the additional data, so type and length are authenticated
	e.outbound = e.send.Seal(e.outbound, nonce[:], plaintext, hdr[:])
}

// decryptPending opens every complete sealed record staged in inbound,
// appending application bytes to plain. Stops at the first incomplete
// record; anything after a close record is ignored.
func (e *Engine) decryptPending() {
	for e.failed == nil && !e.peerClosed {
		recordType, bodyLen, ok := parseRecordHeader(e.inbound)
		if !ok || len(e.inbound) < headerSize+bodyLen {
			return
		}
		if bodyLen > maxRecordBodyLength {
			e.failed = ErrRecordTooLong
			return
		}
		var hdr [headerSize]byte
		copy(hdr[:], e.inbound[:headerSize])
		body := e.inbound[headerSize : headerSize+bodyLen]
		switch recordType {
		case recordData, recordClose:
			var nonce [chacha20poly1305.NonceSize]byte
			fillNonce(nonce[:], e.recvCounter)
			plaintext, err := e.recv.Open(nil, nonce[:], body, hdr[:])
			if err != nil {
				e.failed = ErrDecrypt
				return
			}
			e.recvCounter++
			if recordType == recordClose {
				e.peerClosed = true
			} else {
				e.plain = append(e.plain, plaintext...)
			}
		default:
			e.failed = ErrUnexpectedRecord
			return
		}
		e.inbound = e.inbound[headerSize+bodyLen:]
		if len(e.inbound) == 0 {
			e.inbound = nil
		}
	}
}
