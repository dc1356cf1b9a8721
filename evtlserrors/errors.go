// Copyright (c) 2025, Grigory Buteyko aka Hrissan
// Licensed under the MIT License. See LICENSE for details.

package evtlserrors

import (
	"fmt"
)

// we do not allocate on error returning paths,
// so all errors below are completely static

type Error struct {
	code int
	text string
}

func (e *Error) Error() string {
	return fmt.Sprintf("evtls: %d %s", e.code, e.text)
}

func New(code int, text string) error {
	return &Error{
		code: code,
		text: text,
	}
}

// driver state errors, returned synchronously from Connection operations
var ErrConnectionInProgress = New(-100, "connect already in progress or transport already connected")
var ErrNotConnected = New(-101, "transport is not connected")
var ErrNotEstablished = New(-102, "connection is not established")
var ErrZeroLengthWrite = New(-103, "zero-length write")
var ErrShutdownInProgress = New(-104, "shutdown already in progress")
var ErrConnectionDestroyed = New(-105, "connection is destroyed")
var ErrReadCallbackRequired = New(-106, "read callback must not be nil")
var ErrNotListening = New(-107, "connection is not listening")
var ErrEngineMissing = New(-108, "engine factory returned no engine")

// failure kinds per operation, wrapped around the underlying cause where one
// exists, so callers can match with errors.Is
var ErrTransport = New(-200, "transport failure")
var ErrHandshake = New(-201, "handshake failed")
var ErrShutdown = New(-202, "shutdown failed")
var ErrWrite = New(-203, "write failed")

// the engine refused bytes fed into its inbound staging path,
// there is no way to make further progress on this connection
var ErrStaging = New(-300, "inbound staging rejected bytes")
