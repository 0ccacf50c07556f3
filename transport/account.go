// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package transport

import (
	"errors"
	"fmt"

	"github.com/bureau-foundation/parley/lib/ref"
	"github.com/bureau-foundation/parley/messaging"
)

// AccountErrorKind classifies account provisioning failures.
type AccountErrorKind int

const (
	// AccountErrorOther is any failure not classified below.
	AccountErrorOther AccountErrorKind = iota
	// DuplicateAccount means the identity is already registered.
	DuplicateAccount
	// InvalidIdentity means the network rejects the identity's form
	// or namespace.
	InvalidIdentity
)

func (k AccountErrorKind) String() string {
	switch k {
	case DuplicateAccount:
		return "duplicate account"
	case InvalidIdentity:
		return "invalid identity"
	default:
		return "account error"
	}
}

// AccountError reports a failed CreateAccount.
type AccountError struct {
	Kind   AccountErrorKind
	UserID ref.UserID
	Err    error
}

func (e *AccountError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("transport: %s %s: %v", e.Kind, e.UserID, e.Err)
	}
	return fmt.Sprintf("transport: %s %s", e.Kind, e.UserID)
}

func (e *AccountError) Unwrap() error { return e.Err }

// IsAccountError reports whether err is an *AccountError of kind.
func IsAccountError(err error, kind AccountErrorKind) bool {
	var accountErr *AccountError
	return errors.As(err, &accountErr) && accountErr.Kind == kind
}

// classifyRegistrationError maps a homeserver registration failure to
// an AccountError.
func classifyRegistrationError(userID ref.UserID, err error) *AccountError {
	kind := AccountErrorOther
	switch {
	case messaging.IsMatrixError(err, messaging.ErrCodeUserInUse):
		kind = DuplicateAccount
	case messaging.IsMatrixError(err, messaging.ErrCodeInvalidUsername),
		messaging.IsMatrixError(err, messaging.ErrCodeExclusive):
		kind = InvalidIdentity
	}
	return &AccountError{Kind: kind, UserID: userID, Err: err}
}
