// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package ref

import (
	"fmt"
	"strings"
)

// maxLocalpartLength bounds localparts typed by the local user. The
// Matrix limit is on the whole user ID (255 bytes); this leaves room
// for any reasonable server name.
const maxLocalpartLength = 200

// allowedChars is the Matrix registration character set for localparts:
// a-z, 0-9, and . _ = - /.
var allowedChars [256]bool

func init() {
	for c := byte('a'); c <= 'z'; c++ {
		allowedChars[c] = true
	}
	for c := byte('0'); c <= '9'; c++ {
		allowedChars[c] = true
	}
	for _, c := range []byte("._=-/") {
		allowedChars[c] = true
	}
}

func validateLocalpart(localpart string) error {
	if localpart == "" {
		return fmt.Errorf("localpart is empty")
	}
	if len(localpart) > maxLocalpartLength {
		return fmt.Errorf("localpart %q is %d characters, maximum is %d", localpart, len(localpart), maxLocalpartLength)
	}
	for i := 0; i < len(localpart); i++ {
		if !allowedChars[localpart[i]] {
			return fmt.Errorf("localpart %q: invalid character %q at position %d (allowed: a-z, 0-9, ., _, =, -, /)", localpart, localpart[i], i)
		}
	}
	return nil
}

// validateServer rejects empty names, whitespace, control characters,
// and Matrix sigils.
func validateServer(server string) error {
	if server == "" {
		return fmt.Errorf("server name is empty")
	}
	for i := 0; i < len(server); i++ {
		c := server[i]
		if c <= ' ' || c == '@' || c == '#' || c == '!' || c == '$' {
			return fmt.Errorf("server name %q: invalid character at position %d", server, i)
		}
	}
	return nil
}

// parseMatrixID splits "@localpart:server" at the first colon. The
// server part may itself contain a colon (port).
func parseMatrixID(matrixID string) (localpart, server string, err error) {
	if len(matrixID) < 2 || matrixID[0] != '@' {
		return "", "", fmt.Errorf("invalid Matrix user ID %q: must start with @", matrixID)
	}
	localpart, server, found := strings.Cut(matrixID[1:], ":")
	if !found {
		return "", "", fmt.Errorf("invalid Matrix user ID %q: missing :server", matrixID)
	}
	if localpart == "" {
		return "", "", fmt.Errorf("invalid Matrix user ID %q: empty localpart", matrixID)
	}
	if server == "" {
		return "", "", fmt.Errorf("invalid Matrix user ID %q: empty server", matrixID)
	}
	return localpart, server, nil
}
