// Copyright (c) 2025, Grigory Buteyko aka Hrissan
// Licensed under the MIT License. See LICENSE for details.

package chachaengine

import (
	"crypto/sha256"
	"io"

	"golang.org/x/crypto/chacha20poly1305"
	"golang.org/x/crypto/curve25519"
	"golang.org/x/crypto/hkdf"
)

// Key schedule: HKDF-SHA256 over the X25519 shared secret, salted by the
// optional pre-shared secret, bound to the handshake transcript
// (clientPub || serverPub). Both directions get independent record keys,
// both sides get independent key-confirmation values, so each peer proves
// possession of the shared secret (and the PSK) before data flows.

const (
	publicKeySize = 32
	confirmSize   = 32
)

type sessionKeys struct {
	clientToServer [chacha20poly1305.KeySize]byte
	serverToClient [chacha20poly1305.KeySize]byte
	clientConfirm  [confirmSize]byte
	serverConfirm  [confirmSize]byte
}

func deriveSessionKeys(shared, psk, clientPub, serverPub []byte) (keys sessionKeys, err error) {
	transcript := make([]byte, 0, 2*publicKeySize)
	transcript = append(transcript, clientPub...)
	transcript = append(transcript, serverPub...)

	r := hkdf.New(sha256.New, shared, psk, append([]byte("evtls session v1 "), transcript...))
	if _, err = io.ReadFull(r, keys.clientToServer[:]); err != nil {
		return keys, err
	}
	if _, err = io.ReadFull(r, keys.serverToClient[:]); err != nil {
		return keys, err
	}
	if _, err = io.ReadFull(r, keys.clientConfirm[:]); err != nil {
		return keys, err
	}
	if _, err = io.ReadFull(r, keys.serverConfirm[:]); err != nil {
		return keys, err
	}
	return keys, nil
}

type keyPair struct {
	priv [publicKeySize]byte
	pub  [publicKeySize]byte
}

func generateKeyPair(rand io.Reader) (kp keyPair, err error) {
	if _, err = io.ReadFull(rand, kp.priv[:]); err != nil {
		return kp, err
	}
	pub, err := curve25519.X25519(kp.priv[:], curve25519.Basepoint)
	if err != nil {
		return kp, err
	}
	copy(kp.pub[:], pub)
	return kp, nil
}

func sharedSecret(kp keyPair, peerPub []byte) ([]byte, error) {
	return curve25519.X25519(kp.priv[:], peerPub)
}
