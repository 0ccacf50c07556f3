// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package messaging

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"strings"
	"testing"

	"github.com/bureau-foundation/parley/lib/ref"
)

// newTestSession returns a DirectSession for @alice:parley.local whose
// requests go to handler. Every request must carry the access token.
func newTestSession(t *testing.T, handler http.HandlerFunc) *DirectSession {
	t.Helper()
	client := newTestClient(t, func(writer http.ResponseWriter, request *http.Request) {
		if got := request.Header.Get("Authorization"); got != "Bearer syt_alice" {
			t.Errorf("%s %s: Authorization = %q", request.Method, request.URL.Path, got)
		}
		handler(writer, request)
	})
	session, err := client.SessionFromToken(ref.MustParseUserID("@alice:parley.local"), "syt_alice")
	if err != nil {
		t.Fatalf("SessionFromToken: %v", err)
	}
	t.Cleanup(func() { session.Close() })
	return session
}

func TestCreateDirectRoom(t *testing.T) {
	session := newTestSession(t, func(writer http.ResponseWriter, request *http.Request) {
		if request.URL.Path != "/_matrix/client/v3/createRoom" {
			t.Errorf("unexpected path %s", request.URL.Path)
		}
		var body CreateRoomRequest
		json.NewDecoder(request.Body).Decode(&body)
		if !body.IsDirect || body.Preset != "trusted_private_chat" || len(body.Invite) != 1 || body.Invite[0] != "@bob:parley.local" {
			t.Errorf("unexpected createRoom body %+v", body)
		}
		writeJSON(writer, http.StatusOK, map[string]string{"room_id": "!dm:parley.local"})
	})

	roomID, err := session.CreateDirectRoom(context.Background(), ref.MustParseUserID("@bob:parley.local"))
	if err != nil {
		t.Fatalf("CreateDirectRoom: %v", err)
	}
	if roomID.String() != "!dm:parley.local" {
		t.Errorf("room ID = %s", roomID)
	}
}

func TestSendMessageWithAttachment(t *testing.T) {
	var paths []string
	session := newTestSession(t, func(writer http.ResponseWriter, request *http.Request) {
		if request.Method != http.MethodPut {
			t.Errorf("method = %s", request.Method)
		}
		paths = append(paths, request.URL.EscapedPath())
		raw, _ := io.ReadAll(request.Body)
		var content map[string]json.RawMessage
		if err := json.Unmarshal(raw, &content); err != nil {
			t.Fatalf("body is not JSON: %s", raw)
		}
		if string(content["org.bureau.parley.oob"]) != `{"xmlns":"jabber:x:oob","url":"https://x/y"}` {
			t.Errorf("attachment = %s", content["org.bureau.parley.oob"])
		}
		writeJSON(writer, http.StatusOK, map[string]string{"event_id": "$sent"})
	})

	content := NewAttachmentMessage("Shared a file: https://x/y", json.RawMessage(`{"xmlns":"jabber:x:oob","url":"https://x/y"}`))
	roomID := ref.MustParseRoomID("!dm:parley.local")
	for range 2 {
		eventID, err := session.SendMessage(context.Background(), roomID, content)
		if err != nil {
			t.Fatalf("SendMessage: %v", err)
		}
		if eventID.String() != "$sent" {
			t.Errorf("event ID = %s", eventID)
		}
	}
	if len(paths) != 2 || paths[0] == paths[1] {
		t.Fatalf("transaction IDs not unique: %v", paths)
	}
	if !strings.HasPrefix(paths[0], "/_matrix/client/v3/rooms/%21dm:parley.local/send/m.room.message/parley-") {
		t.Errorf("unexpected send path %s", paths[0])
	}
}

func TestPlainMessageOmitsAttachment(t *testing.T) {
	data, err := json.Marshal(NewTextMessage("hi"))
	if err != nil {
		t.Fatalf("Marshal: %v", err)
	}
	if strings.Contains(string(data), "oob") {
		t.Errorf("plain message carries attachment key: %s", data)
	}
}

func TestSync(t *testing.T) {
	session := newTestSession(t, func(writer http.ResponseWriter, request *http.Request) {
		query := request.URL.Query()
		if query.Get("since") != "s1" || query.Get("timeout") != "30000" {
			t.Errorf("unexpected query %v", request.URL.RawQuery)
		}
		writer.Header().Set("Content-Type", "application/json")
		writer.Write([]byte(`{
			"next_batch": "s2",
			"presence": {"events": [{"type": "m.presence", "sender": "@bob:parley.local", "content": {"presence": "online"}}]},
			"rooms": {
				"join": {"!dm:parley.local": {"timeline": {"events": [
					{"event_id": "$1", "type": "m.room.message", "sender": "@bob:parley.local",
					 "content": {"msgtype": "m.text", "body": "hi", "org.bureau.parley.oob": {"xmlns": "jabber:x:oob", "url": "https://x/y"}}}
				]}}},
				"invite": {"!new:parley.local": {"invite_state": {"events": [
					{"type": "m.room.member", "sender": "@carol:parley.local", "state_key": "@alice:parley.local",
					 "content": {"membership": "invite", "is_direct": true}}
				]}}}
			}
		}`))
	})

	response, err := session.Sync(context.Background(), SyncOptions{Since: "s1", Timeout: 30000, SetTimeout: true})
	if err != nil {
		t.Fatalf("Sync: %v", err)
	}
	if response.NextBatch != "s2" {
		t.Errorf("next_batch = %s", response.NextBatch)
	}
	if len(response.Presence.Events) != 1 || response.Presence.Events[0].Content.Presence != PresenceOnline {
		t.Errorf("presence = %+v", response.Presence)
	}

	joined := response.Rooms.Join[ref.MustParseRoomID("!dm:parley.local")]
	if len(joined.Timeline.Events) != 1 {
		t.Fatalf("timeline = %+v", joined.Timeline)
	}
	content, err := joined.Timeline.Events[0].MessageContent()
	if err != nil {
		t.Fatalf("MessageContent: %v", err)
	}
	if content.Body != "hi" || len(content.Attachment) == 0 {
		t.Errorf("content = %+v", content)
	}

	invited := response.Rooms.Invite[ref.MustParseRoomID("!new:parley.local")]
	member, err := invited.InviteState.Events[0].MemberContent()
	if err != nil {
		t.Fatalf("MemberContent: %v", err)
	}
	if member.Membership != "invite" || !member.IsDirect {
		t.Errorf("member content = %+v", member)
	}
	if _, err := invited.InviteState.Events[0].MessageContent(); err == nil {
		t.Error("MessageContent on a member event should fail")
	}
}

func TestGetRoomMembersSkipsInvalidStateKeys(t *testing.T) {
	session := newTestSession(t, func(writer http.ResponseWriter, request *http.Request) {
		writeJSON(writer, http.StatusOK, RoomMembersResponse{Chunk: []RoomMemberEvent{
			{Type: "m.room.member", StateKey: "@alice:parley.local", Content: RoomMemberContent{Membership: "join"}},
			{Type: "m.room.member", StateKey: "garbage", Content: RoomMemberContent{Membership: "join"}},
			{Type: "m.room.member", StateKey: "@bob:parley.local", Content: RoomMemberContent{Membership: "invite", DisplayName: "Bob"}},
		}})
	})
	members, err := session.GetRoomMembers(context.Background(), ref.MustParseRoomID("!dm:parley.local"))
	if err != nil {
		t.Fatalf("GetRoomMembers: %v", err)
	}
	if len(members) != 2 || members[1].DisplayName != "Bob" || members[1].Membership != "invite" {
		t.Errorf("members = %+v", members)
	}
}

func TestGetPresence(t *testing.T) {
	session := newTestSession(t, func(writer http.ResponseWriter, request *http.Request) {
		if request.URL.EscapedPath() != "/_matrix/client/v3/presence/@bob:parley.local/status" {
			t.Errorf("unexpected path %s", request.URL.EscapedPath())
		}
		writeJSON(writer, http.StatusOK, PresenceContent{Presence: PresenceUnavailable})
	})
	presence, err := session.GetPresence(context.Background(), ref.MustParseUserID("@bob:parley.local"))
	if err != nil {
		t.Fatalf("GetPresence: %v", err)
	}
	if presence.Presence != PresenceUnavailable {
		t.Errorf("presence = %s", presence.Presence)
	}
}

func TestDeactivateAccount(t *testing.T) {
	t.Run("accepted on first attempt", func(t *testing.T) {
		calls := 0
		session := newTestSession(t, func(writer http.ResponseWriter, request *http.Request) {
			calls++
			body := decodeBody(t, request)
			auth, _ := body["auth"].(map[string]any)
			if auth["type"] != "m.login.password" || auth["password"] != "secret" {
				t.Errorf("unexpected auth %v", auth)
			}
			writeJSON(writer, http.StatusOK, map[string]any{"id_server_unbind_result": "no-support"})
		})
		if err := session.DeactivateAccount(context.Background(), testBuffer(t, "secret")); err != nil {
			t.Fatalf("DeactivateAccount: %v", err)
		}
		if calls != 1 {
			t.Errorf("calls = %d", calls)
		}
	})

	t.Run("completes UIAA session", func(t *testing.T) {
		calls := 0
		session := newTestSession(t, func(writer http.ResponseWriter, request *http.Request) {
			calls++
			body := decodeBody(t, request)
			auth, _ := body["auth"].(map[string]any)
			if calls == 1 {
				writeJSON(writer, http.StatusUnauthorized, uiaaChallengeBody("m.login.password"))
				return
			}
			if auth["session"] != "uiaa-session-1" {
				t.Errorf("second attempt session = %v", auth["session"])
			}
			writeJSON(writer, http.StatusOK, map[string]any{})
		})
		if err := session.DeactivateAccount(context.Background(), testBuffer(t, "secret")); err != nil {
			t.Fatalf("DeactivateAccount: %v", err)
		}
		if calls != 2 {
			t.Errorf("calls = %d", calls)
		}
	})

	t.Run("wrong password", func(t *testing.T) {
		session := newTestSession(t, func(writer http.ResponseWriter, request *http.Request) {
			challenge := uiaaChallengeBody("m.login.password")
			challenge["errcode"] = ErrCodeForbidden
			challenge["error"] = "Invalid password"
			writeJSON(writer, http.StatusUnauthorized, challenge)
		})
		err := session.DeactivateAccount(context.Background(), testBuffer(t, "wrong"))
		if !IsMatrixError(err, ErrCodeForbidden) {
			t.Fatalf("DeactivateAccount error = %v, want M_FORBIDDEN", err)
		}
	})
}

func TestLogout(t *testing.T) {
	loggedOut := false
	session := newTestSession(t, func(writer http.ResponseWriter, request *http.Request) {
		if request.Method != http.MethodPost || request.URL.Path != "/_matrix/client/v3/logout" {
			t.Errorf("unexpected request %s %s", request.Method, request.URL.Path)
		}
		loggedOut = true
		writeJSON(writer, http.StatusOK, map[string]any{})
	})
	if err := session.Logout(context.Background()); err != nil {
		t.Fatalf("Logout: %v", err)
	}
	if !loggedOut {
		t.Error("logout endpoint not called")
	}
}

func TestUnknownTokenIsNotUIAA(t *testing.T) {
	session := newTestSession(t, func(writer http.ResponseWriter, request *http.Request) {
		writeJSON(writer, http.StatusUnauthorized, MatrixError{Code: ErrCodeUnknownToken, Message: "expired"})
	})
	err := session.DeactivateAccount(context.Background(), testBuffer(t, "secret"))
	if !IsMatrixError(err, ErrCodeUnknownToken) {
		t.Fatalf("error = %v, want M_UNKNOWN_TOKEN", err)
	}
}
