// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package transport is the boundary between the session layer and a
// chat network.
//
// A [Dialer] authenticates and returns a [Handle], the live
// connection. A Handle opens one-to-one [Channel]s, provisions and
// deletes accounts, reports the [Roster], and delivers inbound
// [Message]s: to the Channel's callback when one is open for that
// conversation, otherwise to the Handle's own callback. Callbacks run
// on a transport goroutine, one at a time per Handle.
//
// Two implementations exist. [MatrixDialer] speaks the Matrix
// client-server API through the messaging package: direct rooms are
// channels, a /sync long-poll loop delivers events, and presence
// drives roster availability. [MemoryNetwork] is an in-process network
// with the same semantics, used by tests and demos.
//
// Account provisioning failures are [*AccountError] values whose Kind
// distinguishes a taken identity from an invalid one.
package transport
