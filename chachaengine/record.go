// Copyright (c) 2025, Grigory Buteyko aka Hrissan
// Licensed under the MIT License. See LICENSE for details.

package chachaengine

import (
	"encoding/binary"

	"golang.org/x/crypto/chacha20poly1305"
)

// Wire format: 1-byte record type, uint16 big-endian body length, body.
// Handshake record bodies are plaintext (they carry public keys and
// key-confirmation values only), data and close record bodies are sealed.

const (
	recordHandshake = 0x01
	recordData      = 0x02
	recordClose     = 0x03

	headerSize = 3

	// MaxPlaintextRecordLength limits how much application data one data
	// record may carry before the AEAD seal.
	MaxPlaintextRecordLength = 16384

	maxRecordBodyLength = MaxPlaintextRecordLength + chacha20poly1305.Overhead
)

func appendRecordHeader(dst []byte, recordType byte, bodyLen int) []byte {
	dst = append(dst, recordType)
	return binary.BigEndian.AppendUint16(dst, uint16(bodyLen)) // bounded by maxRecordBodyLength
}

// parseRecordHeader returns the record type and body length, or ok == false
// if fewer than headerSize bytes are available.
func parseRecordHeader(p []byte) (recordType byte, bodyLen int, ok bool) {
	if len(p) < headerSize {
		return 0, 0, false
	}
	return p[0], int(binary.BigEndian.Uint16(p[1:3])), true
}

// nonces carry a per-direction 64-bit record counter in the low bytes;
// reusing a counter under the same key would be catastrophic, so counters
// only ever increment
func fillNonce(nonce []byte, counter uint64) {
	for i := 0; i < 4; i++ {
		nonce[i] = 0
	}
	binary.BigEndian.PutUint64(nonce[4:], counter)
}
