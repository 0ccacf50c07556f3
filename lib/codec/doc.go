// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package codec is the CBOR configuration shared by in-process
// transports. Encoding is Core Deterministic (RFC 8949 §4.2), so the
// same value always yields the same bytes, and types implementing
// encoding.TextMarshaler (the lib/ref identifiers) travel as text
// strings.
//
// Matrix wire traffic is JSON and does not go through this package.
package codec
