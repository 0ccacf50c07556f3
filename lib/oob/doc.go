// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package oob encodes out-of-band file references: a URL pointing at an
// externally hosted resource plus an optional description, carried
// inside an ordinary text message instead of transmitting file bytes.
//
// The payload is a namespaced JSON object:
//
//	{"xmlns": "jabber:x:oob", "url": "https://host/file", "desc": "slides"}
//
// Messages carry it in their content under [ContentKey] next to a
// human-readable body produced by [FallbackText], so clients that do
// not understand the attachment still show something useful.
//
// [Decode] never panics. It returns a [*DecodeError] for anything that
// is not a well-formed reference; receivers treat that as a plain text
// message rather than dropping it.
package oob
