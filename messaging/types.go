// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package messaging

import (
	"encoding/json"
	"fmt"

	"github.com/bureau-foundation/parley/lib/ref"
	"github.com/bureau-foundation/parley/lib/secret"
)

// RegisterRequest holds parameters for registering an account. The
// caller keeps ownership of the buffers. RegistrationToken may be nil
// on homeservers with open registration.
type RegisterRequest struct {
	Username          string
	Password          *secret.Buffer
	RegistrationToken *secret.Buffer
}

// AuthResponse is returned by register and login.
type AuthResponse struct {
	UserID      ref.UserID `json:"user_id"`
	AccessToken string     `json:"access_token"`
	DeviceID    string     `json:"device_id"`
}

// LoginRequest is the request body for password login.
type LoginRequest struct {
	Type                     string         `json:"type"`
	Identifier               UserIdentifier `json:"identifier"`
	Password                 string         `json:"password"`
	DeviceID                 string         `json:"device_id,omitempty"`
	InitialDeviceDisplayName string         `json:"initial_device_display_name,omitempty"`
}

// UserIdentifier names the account in login and UIAA password stages.
type UserIdentifier struct {
	Type string `json:"type"`
	User string `json:"user"`
}

// CreateRoomRequest holds parameters for creating a room.
type CreateRoomRequest struct {
	Name       string   `json:"name,omitempty"`
	Topic      string   `json:"topic,omitempty"`
	Visibility string   `json:"visibility,omitempty"` // "public" or "private"
	Preset     string   `json:"preset,omitempty"`     // "private_chat", "trusted_private_chat", "public_chat"
	Invite     []string `json:"invite,omitempty"`
	IsDirect   bool     `json:"is_direct,omitempty"`
}

// CreateRoomResponse is returned by CreateRoom.
type CreateRoomResponse struct {
	RoomID ref.RoomID `json:"room_id"`
}

// MessageContent is the content of an m.room.message event.
//
// Attachment carries the out-of-band file reference payload under the
// org.bureau.parley.oob key (see lib/oob). Clients that do not
// understand it render Body.
type MessageContent struct {
	MsgType    string          `json:"msgtype"`
	Body       string          `json:"body"`
	Attachment json.RawMessage `json:"org.bureau.parley.oob,omitempty"`
}

// NewTextMessage creates a plain m.text message.
func NewTextMessage(body string) MessageContent {
	return MessageContent{MsgType: "m.text", Body: body}
}

// NewAttachmentMessage creates an m.text message whose body is the
// fallback text and which carries an out-of-band payload.
func NewAttachmentMessage(body string, attachment json.RawMessage) MessageContent {
	return MessageContent{MsgType: "m.text", Body: body, Attachment: attachment}
}

// Event is a Matrix event as delivered by /sync. Content stays raw so
// each consumer decodes only the shape it expects.
type Event struct {
	EventID        ref.EventID     `json:"event_id"`
	Type           ref.EventType   `json:"type"`
	Sender         ref.UserID      `json:"sender"`
	OriginServerTS int64           `json:"origin_server_ts"`
	Content        json.RawMessage `json:"content"`
	StateKey       *string         `json:"state_key,omitempty"`
	Unsigned       *EventUnsigned  `json:"unsigned,omitempty"`
}

// EventUnsigned holds optional unsigned data attached to events.
type EventUnsigned struct {
	Age           int64  `json:"age,omitempty"`
	TransactionID string `json:"transaction_id,omitempty"`
}

// MessageContent decodes the content of an m.room.message event.
func (e *Event) MessageContent() (MessageContent, error) {
	var content MessageContent
	if e.Type != ref.EventTypeMessage {
		return content, fmt.Errorf("messaging: event %s is %s, not %s", e.EventID, e.Type, ref.EventTypeMessage)
	}
	if err := json.Unmarshal(e.Content, &content); err != nil {
		return content, fmt.Errorf("messaging: event %s: %w", e.EventID, err)
	}
	return content, nil
}

// MemberContent decodes the content of an m.room.member event.
func (e *Event) MemberContent() (RoomMemberContent, error) {
	var content RoomMemberContent
	if e.Type != ref.EventTypeMember {
		return content, fmt.Errorf("messaging: event %s is %s, not %s", e.EventID, e.Type, ref.EventTypeMember)
	}
	if err := json.Unmarshal(e.Content, &content); err != nil {
		return content, fmt.Errorf("messaging: event %s: %w", e.EventID, err)
	}
	return content, nil
}

// SyncOptions controls the behavior of the /sync endpoint.
type SyncOptions struct {
	Since      string // next_batch token from previous sync; empty for initial sync
	Timeout    int    // long-poll timeout in milliseconds
	SetTimeout bool   // send Timeout even when it is zero
	Filter     string // filter ID or inline JSON filter
}

// SyncResponse is the top-level response from /sync.
type SyncResponse struct {
	NextBatch string          `json:"next_batch"`
	Presence  PresenceSection `json:"presence,omitempty"`
	Rooms     RoomsSection    `json:"rooms"`
}

// PresenceSection contains presence events from /sync.
type PresenceSection struct {
	Events []PresenceEvent `json:"events"`
}

// PresenceEvent is a single m.presence event.
type PresenceEvent struct {
	Type    string          `json:"type"`
	Sender  ref.UserID      `json:"sender"`
	Content PresenceContent `json:"content"`
}

// Presence states.
const (
	PresenceOnline      = "online"
	PresenceUnavailable = "unavailable"
	PresenceOffline     = "offline"
)

// PresenceContent is one user's presence, from /sync or from
// GET /presence/{userId}/status.
type PresenceContent struct {
	// Presence is "online", "unavailable", or "offline".
	Presence        string `json:"presence"`
	LastActiveAgo   int64  `json:"last_active_ago,omitempty"`
	CurrentlyActive bool   `json:"currently_active,omitempty"`
	StatusMsg       string `json:"status_msg,omitempty"`
}

// SetPresenceRequest is the body of PUT /presence/{userId}/status.
type SetPresenceRequest struct {
	Presence  string `json:"presence"`
	StatusMsg string `json:"status_msg,omitempty"`
}

// RoomsSection groups per-room sync data by membership. Keys are
// validated by ref.RoomID's TextUnmarshaler.
type RoomsSection struct {
	Join   map[ref.RoomID]JoinedRoom  `json:"join,omitempty"`
	Invite map[ref.RoomID]InvitedRoom `json:"invite,omitempty"`
	Leave  map[ref.RoomID]LeftRoom    `json:"leave,omitempty"`
}

// JoinedRoom contains sync data for a joined room.
type JoinedRoom struct {
	Timeline TimelineSection `json:"timeline"`
	State    StateSection    `json:"state"`
}

// InvitedRoom contains the stripped state of a room the user was
// invited to.
type InvitedRoom struct {
	InviteState StateSection `json:"invite_state"`
}

// LeftRoom contains sync data for a room the user has left.
type LeftRoom struct {
	Timeline TimelineSection `json:"timeline"`
	State    StateSection    `json:"state"`
}

// TimelineSection contains timeline events.
type TimelineSection struct {
	Events    []Event `json:"events"`
	PrevBatch string  `json:"prev_batch"`
	Limited   bool    `json:"limited"`
}

// StateSection contains state events.
type StateSection struct {
	Events []Event `json:"events"`
}

// InviteRequest holds the user ID to invite to a room.
type InviteRequest struct {
	UserID ref.UserID `json:"user_id"`
}

// SendEventResponse is returned by SendMessage and SendEvent.
type SendEventResponse struct {
	EventID ref.EventID `json:"event_id"`
}

// WhoAmIResponse is returned by WhoAmI.
type WhoAmIResponse struct {
	UserID   ref.UserID `json:"user_id"`
	DeviceID string     `json:"device_id,omitempty"`
}

// JoinedRoomsResponse is returned by JoinedRooms.
type JoinedRoomsResponse struct {
	JoinedRooms []ref.RoomID `json:"joined_rooms"`
}

// RoomMember is one member of a room.
type RoomMember struct {
	UserID      ref.UserID `json:"user_id"`
	DisplayName string     `json:"display_name"`
	Membership  string     `json:"membership"`
}

// RoomMembersResponse is returned by the /members endpoint.
type RoomMembersResponse struct {
	Chunk []RoomMemberEvent `json:"chunk"`
}

// RoomMemberEvent is a member state event from the /members endpoint.
type RoomMemberEvent struct {
	Type     string            `json:"type"`
	StateKey string            `json:"state_key"`
	Sender   ref.UserID        `json:"sender"`
	Content  RoomMemberContent `json:"content"`
}

// RoomMemberContent is the content of an m.room.member event.
type RoomMemberContent struct {
	Membership  string `json:"membership"`
	DisplayName string `json:"displayname,omitempty"`
	IsDirect    bool   `json:"is_direct,omitempty"`
}

// ServerVersionsResponse is returned by Client.ServerVersions.
type ServerVersionsResponse struct {
	Versions         []string        `json:"versions"`
	UnstableFeatures map[string]bool `json:"unstable_features,omitempty"`
}
