// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package ref

import (
	"fmt"
	"strings"
)

// UserID is a validated Matrix user ID (e.g., "@alice:parley.local").
//
// A user ID starts with '@' and has a ':' separating the localpart from
// the server name. ParseUserID checks structure only; it accepts any
// historical localpart so that IDs received from a homeserver always
// parse. QualifyUser applies the stricter rules used when the local
// user types a name.
//
// The zero value is not valid; use IsZero to check.
type UserID struct {
	id string
}

// ParseUserID validates and wraps a raw Matrix user ID string.
func ParseUserID(raw string) (UserID, error) {
	if _, _, err := parseMatrixID(raw); err != nil {
		return UserID{}, err
	}
	return UserID{id: raw}, nil
}

// MustParseUserID is like ParseUserID but panics on error. Use in tests
// and static initialization where the input is known-valid.
func MustParseUserID(raw string) UserID {
	u, err := ParseUserID(raw)
	if err != nil {
		panic(fmt.Sprintf("ref.MustParseUserID(%q): %v", raw, err))
	}
	return u
}

// MatrixUserID builds "@localpart:server" after validating the
// localpart against the Matrix registration character set.
func MatrixUserID(localpart string, server ServerName) (UserID, error) {
	if server.IsZero() {
		return UserID{}, fmt.Errorf("cannot qualify %q: server name is empty", localpart)
	}
	if err := validateLocalpart(localpart); err != nil {
		return UserID{}, err
	}
	return UserID{id: "@" + localpart + ":" + server.name}, nil
}

// QualifyUser turns a caller-supplied identity into a full user ID.
//
//	QualifyUser("bob", "parley.local")              → @bob:parley.local
//	QualifyUser("bob:example.org", "parley.local")  → @bob:example.org
//	QualifyUser("@bob:example.org", "parley.local") → @bob:example.org
//
// Surrounding whitespace is ignored. Bare localparts must use the
// Matrix registration character set (a-z, 0-9, . _ = - /).
func QualifyUser(identity string, home ServerName) (UserID, error) {
	trimmed := strings.TrimSpace(identity)
	if trimmed == "" {
		return UserID{}, fmt.Errorf("identity is empty")
	}
	if trimmed[0] == '@' {
		return ParseUserID(trimmed)
	}
	if localpart, server, found := strings.Cut(trimmed, ":"); found {
		if err := validateLocalpart(localpart); err != nil {
			return UserID{}, err
		}
		if err := validateServer(server); err != nil {
			return UserID{}, err
		}
		return UserID{id: "@" + trimmed}, nil
	}
	return MatrixUserID(trimmed, home)
}

// ShortIdentity renders a user ID for people: the bare localpart when
// the user lives on the home server, the full ID otherwise. The result
// qualifies back to the same UserID with QualifyUser.
func ShortIdentity(userID UserID, home ServerName) string {
	if userID.IsZero() {
		return ""
	}
	localpart, server, err := parseMatrixID(userID.id)
	if err != nil {
		return userID.id
	}
	if server == home.name && validateLocalpart(localpart) == nil {
		return localpart
	}
	return userID.id
}

// String returns the full user ID string.
func (u UserID) String() string { return u.id }

// IsZero reports whether the UserID is the zero value.
func (u UserID) IsZero() bool { return u.id == "" }

// Localpart returns the part between '@' and ':'. Returns "" for the
// zero value.
func (u UserID) Localpart() string {
	localpart, _, err := parseMatrixID(u.id)
	if err != nil {
		return ""
	}
	return localpart
}

// Server returns the server name after the first ':'. Returns the zero
// ServerName for the zero UserID.
func (u UserID) Server() ServerName {
	_, server, err := parseMatrixID(u.id)
	if err != nil {
		return ServerName{}
	}
	return ServerName{name: server}
}

// MarshalText implements encoding.TextMarshaler.
func (u UserID) MarshalText() ([]byte, error) {
	return []byte(u.id), nil
}

// UnmarshalText implements encoding.TextUnmarshaler. An empty input
// produces the zero value.
func (u *UserID) UnmarshalText(data []byte) error {
	if len(data) == 0 {
		*u = UserID{}
		return nil
	}
	parsed, err := ParseUserID(string(data))
	if err != nil {
		return err
	}
	*u = parsed
	return nil
}
