// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package session

import (
	"time"

	"github.com/bureau-foundation/parley/lib/oob"
	"github.com/bureau-foundation/parley/lib/ref"
	"github.com/bureau-foundation/parley/transport"
)

// Identity is a user name as people type it: a bare localpart such as
// "bob", which is qualified with the machine's home server, or a full
// user ID such as "@bob:example.org".
type Identity string

// EventKind distinguishes inbound events.
type EventKind int

const (
	PlainMessage EventKind = iota
	FileMessage
)

func (k EventKind) String() string {
	switch k {
	case PlainMessage:
		return "plain"
	case FileMessage:
		return "file"
	default:
		return "unknown"
	}
}

// MarshalText implements encoding.TextMarshaler.
func (k EventKind) MarshalText() ([]byte, error) {
	return []byte(k.String()), nil
}

// InboundEvent is one message received from a conversation partner.
type InboundEvent struct {
	Kind EventKind `json:"kind"`
	// Conversant is the sender in short form: the bare localpart for
	// users on the home server.
	Conversant Identity   `json:"conversant"`
	Sender     ref.UserID `json:"sender"`
	Body       string     `json:"body"`
	// Reference is set for FileMessage only.
	Reference *oob.FileReference `json:"reference,omitempty"`
	EventID   ref.EventID        `json:"event_id"`
	Received  time.Time          `json:"received"`
}

// decodeInbound converts a transport message. An attachment that
// fails to decode leaves the event a PlainMessage and returns the
// decode error for logging.
func decodeInbound(message transport.Message, home ref.ServerName) (InboundEvent, error) {
	event := InboundEvent{
		Kind:       PlainMessage,
		Conversant: Identity(ref.ShortIdentity(message.Sender, home)),
		Sender:     message.Sender,
		Body:       message.Body,
		EventID:    message.ID,
		Received:   message.Timestamp,
	}
	if len(message.Attachment) == 0 {
		return event, nil
	}
	reference, err := oob.Decode(message.Attachment)
	if err != nil {
		return event, err
	}
	event.Kind = FileMessage
	event.Reference = &reference
	return event, nil
}
