// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package session manages one authenticated chat connection.
//
// A [Machine] owns the connection, the open conversations, and the
// registered listeners. Every request and every inbound message is
// handled by a single goroutine (started with [Machine.Run]) reading a
// bounded mailbox, so that state is never touched concurrently.
// Blocking transport calls (dial, open, account changes, roster) run on
// a bounded set of worker goroutines and post their completion back
// to the mailbox.
//
// Each open conversation is a route: a transport channel, a bounded
// outbox, and one writer goroutine that sends in order. The first send
// to a recipient opens the channel; later sends queue behind it.
//
// Inbound messages become [InboundEvent] values. A message carrying a
// valid out-of-band file reference is a FileMessage; anything else,
// including a message whose attachment fails to decode, is a
// PlainMessage. Events are fanned out synchronously to listeners in
// registration order. A listener sees only events handled after it
// was registered.
package session
