// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package ref

// EventType identifies a Matrix event type ("m.room.message",
// "m.room.member", ...). It is a named string rather than a struct:
// event types need no validation, the type only keeps state keys and
// event types from being swapped by accident.
type EventType string

// Event types parley reads or writes.
const (
	EventTypeMessage  EventType = "m.room.message"
	EventTypeMember   EventType = "m.room.member"
	EventTypePresence EventType = "m.presence"
)

// String returns the event type string.
func (t EventType) String() string { return string(t) }
