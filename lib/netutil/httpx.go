// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package netutil holds small HTTP and connection helpers shared by the
// Matrix client and the observe server.
//
// Response helpers cap body reads at [MaxResponseSize] so a misbehaving
// homeserver cannot exhaust memory. They are meant for JSON API
// responses, not file downloads.
package netutil

import "io"

// MaxResponseSize bounds JSON response reads. Sync responses for a
// chat account are far smaller.
const MaxResponseSize int64 = 32 << 20

// ReadResponse reads at most MaxResponseSize bytes of body.
func ReadResponse(body io.Reader) ([]byte, error) {
	return io.ReadAll(io.LimitReader(body, MaxResponseSize))
}
