// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package session

import (
	"errors"
	"fmt"

	"github.com/bureau-foundation/parley/lib/ref"
)

var (
	// ErrNotConnected is returned by requests that need a connection.
	ErrNotConnected = errors.New("session: not connected")

	// ErrAlreadyConnected is returned by Connect while connected.
	ErrAlreadyConnected = errors.New("session: already connected")

	// ErrConnectInProgress is returned by Connect while an earlier
	// Connect is still dialing.
	ErrConnectInProgress = errors.New("session: connect already in progress")

	// ErrOutboxFull is returned by SendMessage and SendFileMessage when
	// the recipient's outbox has no room.
	ErrOutboxFull = errors.New("session: outbox full")

	// ErrStopped is returned when the machine is not running.
	ErrStopped = errors.New("session: machine stopped")

	// ErrInvalidRecipient is returned by SendMessage and
	// SendFileMessage when the recipient is not a valid identity.
	ErrInvalidRecipient = errors.New("session: invalid recipient")
)

// ConnectError reports a failed Connect. The machine stays
// Unconnected. When the caller's context ends first, Err is the
// context error and the dial continues in the background.
type ConnectError struct {
	UserID ref.UserID
	Err    error
}

func (e *ConnectError) Error() string {
	if e.UserID.IsZero() {
		return fmt.Sprintf("session: connect failed: %v", e.Err)
	}
	return fmt.Sprintf("session: connect as %s failed: %v", e.UserID, e.Err)
}

func (e *ConnectError) Unwrap() error { return e.Err }
