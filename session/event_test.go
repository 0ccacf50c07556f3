// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package session

import (
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/bureau-foundation/parley/lib/oob"
	"github.com/bureau-foundation/parley/lib/ref"
	"github.com/bureau-foundation/parley/transport"
)

func TestDecodeInbound(t *testing.T) {
	sent := time.UnixMilli(1700000000000)
	remote := ref.MustParseUserID("@dave:elsewhere.test")
	fileAttachment, err := oob.Encode(oob.FileReference{URL: "https://x/y", Description: "d"})
	if err != nil {
		t.Fatal(err)
	}

	tests := []struct {
		name           string
		message        transport.Message
		wantKind       EventKind
		wantConversant Identity
		wantDecodeErr  bool
	}{
		{
			name:           "plain from home server",
			message:        transport.Message{Sender: bobID, Body: "hi", Timestamp: sent},
			wantKind:       PlainMessage,
			wantConversant: "bob",
		},
		{
			name:           "plain from remote server",
			message:        transport.Message{Sender: remote, Body: "hi"},
			wantKind:       PlainMessage,
			wantConversant: "@dave:elsewhere.test",
		},
		{
			name:           "file reference",
			message:        transport.Message{Sender: aliceID, Body: "Shared a file: d (https://x/y)", Attachment: fileAttachment},
			wantKind:       FileMessage,
			wantConversant: "alice",
		},
		{
			name:           "attachment missing url",
			message:        transport.Message{Sender: aliceID, Body: "?", Attachment: json.RawMessage(`{"xmlns":"jabber:x:oob"}`)},
			wantKind:       PlainMessage,
			wantConversant: "alice",
			wantDecodeErr:  true,
		},
		{
			name:           "attachment not an object",
			message:        transport.Message{Sender: aliceID, Body: "?", Attachment: json.RawMessage(`"https://x/y"`)},
			wantKind:       PlainMessage,
			wantConversant: "alice",
			wantDecodeErr:  true,
		},
	}
	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			event, err := decodeInbound(test.message, testServer)
			if test.wantDecodeErr {
				var decodeErr *oob.DecodeError
				if !errors.As(err, &decodeErr) {
					t.Errorf("err = %v, want *oob.DecodeError", err)
				}
			} else if err != nil {
				t.Errorf("err = %v", err)
			}
			if event.Kind != test.wantKind {
				t.Errorf("Kind = %s, want %s", event.Kind, test.wantKind)
			}
			if event.Conversant != test.wantConversant {
				t.Errorf("Conversant = %q, want %q", event.Conversant, test.wantConversant)
			}
			if event.Body != test.message.Body || event.Sender != test.message.Sender {
				t.Errorf("event = %+v", event)
			}
			if (event.Reference != nil) != (test.wantKind == FileMessage) {
				t.Errorf("Reference = %+v for kind %s", event.Reference, event.Kind)
			}
		})
	}
}

func TestInboundEventJSON(t *testing.T) {
	event := InboundEvent{
		Kind:       FileMessage,
		Conversant: "alice",
		Sender:     aliceID,
		Body:       "Shared a file: https://x/y",
		Reference:  &oob.FileReference{URL: "https://x/y"},
		EventID:    ref.MustParseEventID("$e1"),
	}
	data, err := json.Marshal(event)
	if err != nil {
		t.Fatalf("Marshal: %v", err)
	}
	var decoded map[string]any
	if err := json.Unmarshal(data, &decoded); err != nil {
		t.Fatalf("Unmarshal: %v", err)
	}
	if decoded["kind"] != "file" || decoded["sender"] != "@alice:parley.test" || decoded["event_id"] != "$e1" {
		t.Errorf("json = %s", data)
	}
	reference, ok := decoded["reference"].(map[string]any)
	if !ok || reference["url"] != "https://x/y" {
		t.Errorf("reference = %v", decoded["reference"])
	}
}
