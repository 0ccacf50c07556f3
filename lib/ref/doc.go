// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package ref provides validated, immutable value types for the Matrix
// identifiers parley passes around: user IDs, room IDs, event IDs,
// event types, and server names.
//
// Constructors validate structure and return errors for malformed
// input. Once constructed a ref never changes, so refs are safe to use
// as map keys and to share between goroutines.
//
// Callers of the session layer name conversation partners with short
// identities such as "bob". [QualifyUser] turns those into full user
// IDs by appending the home server, and [ShortIdentity] reverses the
// mapping for display: users on the home server are shown by localpart,
// everyone else by their full ID.
//
// JSON and CBOR serialization use the canonical string form through
// encoding.TextMarshaler.
package ref
