// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package transport

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/bureau-foundation/parley/lib/ref"
	"github.com/bureau-foundation/parley/lib/secret"
)

// Dialer connects and authenticates to a chat network.
type Dialer interface {
	// Dial logs in as userID. The caller keeps ownership of credential;
	// implementations clone what they need to keep. Dial has no
	// internal timeout and returns when ctx ends.
	Dial(ctx context.Context, userID ref.UserID, credential *secret.Buffer) (Handle, error)
}

// Handle is an authenticated connection.
type Handle interface {
	// UserID returns the authenticated identity.
	UserID() ref.UserID

	// OpenChannel returns a channel to peer, creating the conversation
	// on the network if none exists.
	OpenChannel(ctx context.Context, peer ref.UserID) (Channel, error)

	// OnMessage sets the callback for inbound messages in conversations
	// that have no open channel. A nil callback drops them.
	OnMessage(callback func(Message))

	// CreateAccount provisions a new account. Failures the caller can
	// act on are *AccountError.
	CreateAccount(ctx context.Context, userID ref.UserID, credential *secret.Buffer) error

	// DeleteAccount permanently removes the authenticated account.
	DeleteAccount(ctx context.Context) error

	// Roster returns the availability of every known contact.
	Roster(ctx context.Context) (Roster, error)

	// Disconnect closes every channel and ends the connection.
	// Idempotent; later calls return the first call's result.
	Disconnect(ctx context.Context) error
}

// Channel is one open one-to-one conversation.
type Channel interface {
	// Peer returns the other participant.
	Peer() ref.UserID

	// Send transmits one message. There is no retry.
	Send(ctx context.Context, message Outbound) error

	// OnMessage sets the callback for inbound messages from Peer.
	OnMessage(callback func(Message))

	// Close detaches the channel. The conversation itself persists on
	// the network, and later messages go to the Handle callback.
	Close() error
}

// Message is an inbound chat message.
type Message struct {
	ID     ref.EventID
	Sender ref.UserID
	Body   string
	// Attachment is the raw out-of-band payload, nil when the message
	// carried none.
	Attachment json.RawMessage
	Timestamp  time.Time
}

// Outbound is a message to send.
type Outbound struct {
	Body       string
	Attachment json.RawMessage
}

// Availability is a contact's presence.
type Availability string

const (
	Available Availability = "available"
	Away      Availability = "away"
	Offline   Availability = "offline"
)

// Roster maps each contact to their availability.
type Roster map[ref.UserID]Availability

var (
	// ErrInvalidCredentials is returned by Dial when the network
	// rejects the identity or credential.
	ErrInvalidCredentials = errors.New("transport: invalid credentials")

	// ErrHandleClosed is returned by operations on a disconnected Handle.
	ErrHandleClosed = errors.New("transport: handle is disconnected")

	// ErrChannelClosed is returned by Send on a closed Channel.
	ErrChannelClosed = errors.New("transport: channel is closed")

	// ErrUnknownPeer is returned by OpenChannel when the peer does not
	// exist.
	ErrUnknownPeer = errors.New("transport: unknown peer")

	// ErrSelfChannel is returned by OpenChannel when peer is the
	// Handle's own identity.
	ErrSelfChannel = errors.New("transport: cannot open a channel to yourself")
)
