// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package oob

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"
	"unicode/utf8"
)

// Namespace identifies the payload schema.
const Namespace = "jabber:x:oob"

// ContentKey is the message content field that holds the payload.
const ContentKey = "org.bureau.parley.oob"

// FileReference points at an externally hosted file. URL is required.
// An empty Description means none was given.
type FileReference struct {
	URL         string `json:"url"`
	Description string `json:"desc,omitempty"`
}

// payload is the wire shape. Pointer fields distinguish a missing
// field from an empty one during decoding.
type payload struct {
	Namespace   *string `json:"xmlns"`
	URL         *string `json:"url"`
	Description *string `json:"desc,omitempty"`
}

// EncodeError reports a FileReference that cannot be sent.
type EncodeError struct {
	Reason string
}

func (e *EncodeError) Error() string {
	return "oob: cannot encode file reference: " + e.Reason
}

// DecodeError reports a payload that is not a valid file reference.
type DecodeError struct {
	Reason string
	Err    error
}

func (e *DecodeError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("oob: invalid payload: %s: %v", e.Reason, e.Err)
	}
	return "oob: invalid payload: " + e.Reason
}

func (e *DecodeError) Unwrap() error { return e.Err }

// Encode produces the attachment payload for reference.
func Encode(reference FileReference) (json.RawMessage, error) {
	if strings.TrimSpace(reference.URL) == "" {
		return nil, &EncodeError{Reason: "url is required"}
	}
	if !utf8.ValidString(reference.URL) || !utf8.ValidString(reference.Description) {
		return nil, &EncodeError{Reason: "url and description must be valid UTF-8"}
	}
	namespace := Namespace
	wire := payload{
		Namespace: &namespace,
		URL:       &reference.URL,
	}
	if reference.Description != "" {
		wire.Description = &reference.Description
	}
	data, err := json.Marshal(wire)
	if err != nil {
		return nil, &EncodeError{Reason: err.Error()}
	}
	return data, nil
}

// Decode parses an attachment payload.
func Decode(data []byte) (FileReference, error) {
	trimmed := bytes.TrimSpace(data)
	if len(trimmed) == 0 || trimmed[0] != '{' {
		return FileReference{}, &DecodeError{Reason: "payload is not a JSON object"}
	}

	var wire payload
	if err := json.Unmarshal(trimmed, &wire); err != nil {
		return FileReference{}, &DecodeError{Reason: "malformed payload", Err: err}
	}
	if wire.Namespace == nil {
		return FileReference{}, &DecodeError{Reason: "missing xmlns"}
	}
	if *wire.Namespace != Namespace {
		return FileReference{}, &DecodeError{Reason: fmt.Sprintf("unexpected xmlns %q", *wire.Namespace)}
	}
	if wire.URL == nil || strings.TrimSpace(*wire.URL) == "" {
		return FileReference{}, &DecodeError{Reason: "missing url"}
	}

	reference := FileReference{URL: *wire.URL}
	if wire.Description != nil {
		reference.Description = *wire.Description
	}
	return reference, nil
}

// FallbackText is the body sent alongside the payload for clients that
// ignore attachments.
func FallbackText(reference FileReference) string {
	if reference.Description == "" {
		return "Shared a file: " + reference.URL
	}
	return fmt.Sprintf("Shared a file: %s (%s)", reference.Description, reference.URL)
}
