// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package messaging

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"sync/atomic"
	"time"

	"github.com/bureau-foundation/parley/lib/ref"
	"github.com/bureau-foundation/parley/lib/secret"
)

// DirectSession is an authenticated Matrix session. The access token
// is held in a secret.Buffer; call Close when done.
type DirectSession struct {
	client      *Client
	accessToken *secret.Buffer
	userID      ref.UserID
	deviceID    string

	transactionCounter atomic.Int64
}

// UserID returns the fully-qualified user ID.
func (s *DirectSession) UserID() ref.UserID {
	return s.userID
}

// DeviceID returns the device ID assigned at login.
func (s *DirectSession) DeviceID() string {
	return s.deviceID
}

// Close releases the access token memory. Idempotent.
func (s *DirectSession) Close() error {
	if s.accessToken != nil {
		return s.accessToken.Close()
	}
	return nil
}

// WhoAmI validates the access token and returns the user ID.
func (s *DirectSession) WhoAmI(ctx context.Context) (ref.UserID, error) {
	body, err := s.client.doRequest(ctx, http.MethodGet, "/_matrix/client/v3/account/whoami", s.accessToken, nil)
	if err != nil {
		return ref.UserID{}, fmt.Errorf("messaging: whoami failed: %w", err)
	}
	var response WhoAmIResponse
	if err := json.Unmarshal(body, &response); err != nil {
		return ref.UserID{}, fmt.Errorf("messaging: failed to parse whoami response: %w", err)
	}
	return response.UserID, nil
}

// CreateRoom creates a room.
func (s *DirectSession) CreateRoom(ctx context.Context, request CreateRoomRequest) (*CreateRoomResponse, error) {
	body, err := s.client.doRequest(ctx, http.MethodPost, "/_matrix/client/v3/createRoom", s.accessToken, request)
	if err != nil {
		return nil, fmt.Errorf("messaging: create room failed: %w", err)
	}
	var response CreateRoomResponse
	if err := json.Unmarshal(body, &response); err != nil {
		return nil, fmt.Errorf("messaging: failed to parse createRoom response: %w", err)
	}
	s.client.logger.Info("created matrix room",
		"room_id", response.RoomID,
		"is_direct", request.IsDirect,
		"invite", request.Invite,
	)
	return &response, nil
}

// CreateDirectRoom creates a one-to-one room with peer and invites
// them with is_direct set.
func (s *DirectSession) CreateDirectRoom(ctx context.Context, peer ref.UserID) (ref.RoomID, error) {
	response, err := s.CreateRoom(ctx, CreateRoomRequest{
		Preset:   "trusted_private_chat",
		Invite:   []string{peer.String()},
		IsDirect: true,
	})
	if err != nil {
		return ref.RoomID{}, err
	}
	return response.RoomID, nil
}

// JoinRoom joins a room by ID and returns the joined room ID.
func (s *DirectSession) JoinRoom(ctx context.Context, roomID ref.RoomID) (ref.RoomID, error) {
	path := "/_matrix/client/v3/join/" + url.PathEscape(roomID.String())
	body, err := s.client.doRequest(ctx, http.MethodPost, path, s.accessToken, struct{}{})
	if err != nil {
		return ref.RoomID{}, fmt.Errorf("messaging: join room %s failed: %w", roomID, err)
	}
	var response struct {
		RoomID ref.RoomID `json:"room_id"`
	}
	if err := json.Unmarshal(body, &response); err != nil {
		return ref.RoomID{}, fmt.Errorf("messaging: failed to parse join response: %w", err)
	}
	return response.RoomID, nil
}

// InviteUser invites a user to a room.
func (s *DirectSession) InviteUser(ctx context.Context, roomID ref.RoomID, userID ref.UserID) error {
	path := fmt.Sprintf("/_matrix/client/v3/rooms/%s/invite", url.PathEscape(roomID.String()))
	if _, err := s.client.doRequest(ctx, http.MethodPost, path, s.accessToken, InviteRequest{UserID: userID}); err != nil {
		return fmt.Errorf("messaging: invite %s to %s failed: %w", userID, roomID, err)
	}
	return nil
}

// LeaveRoom leaves a room.
func (s *DirectSession) LeaveRoom(ctx context.Context, roomID ref.RoomID) error {
	path := fmt.Sprintf("/_matrix/client/v3/rooms/%s/leave", url.PathEscape(roomID.String()))
	if _, err := s.client.doRequest(ctx, http.MethodPost, path, s.accessToken, struct{}{}); err != nil {
		return fmt.Errorf("messaging: leave room %s failed: %w", roomID, err)
	}
	return nil
}

// SendMessage sends an m.room.message event and returns its event ID.
func (s *DirectSession) SendMessage(ctx context.Context, roomID ref.RoomID, content MessageContent) (ref.EventID, error) {
	return s.SendEvent(ctx, roomID, ref.EventTypeMessage, content)
}

// SendEvent sends an event of any type with an idempotent PUT and
// returns its event ID.
func (s *DirectSession) SendEvent(ctx context.Context, roomID ref.RoomID, eventType ref.EventType, content any) (ref.EventID, error) {
	path := fmt.Sprintf("/_matrix/client/v3/rooms/%s/send/%s/%s",
		url.PathEscape(roomID.String()),
		url.PathEscape(eventType.String()),
		url.PathEscape(s.nextTransactionID()),
	)
	body, err := s.client.doRequest(ctx, http.MethodPut, path, s.accessToken, content)
	if err != nil {
		return ref.EventID{}, fmt.Errorf("messaging: send event to %s failed: %w", roomID, err)
	}
	var response SendEventResponse
	if err := json.Unmarshal(body, &response); err != nil {
		return ref.EventID{}, fmt.Errorf("messaging: failed to parse send response: %w", err)
	}
	return response.EventID, nil
}

// Sync performs a /sync. Leave options.Since empty for the initial
// sync; set Timeout and SetTimeout to long-poll.
func (s *DirectSession) Sync(ctx context.Context, options SyncOptions) (*SyncResponse, error) {
	query := url.Values{}
	if options.Since != "" {
		query.Set("since", options.Since)
	}
	if options.SetTimeout {
		query.Set("timeout", strconv.Itoa(options.Timeout))
	}
	if options.Filter != "" {
		query.Set("filter", options.Filter)
	}

	body, err := s.client.doRequest(ctx, http.MethodGet, "/_matrix/client/v3/sync", s.accessToken, nil, query)
	if err != nil {
		return nil, fmt.Errorf("messaging: sync failed: %w", err)
	}
	var response SyncResponse
	if err := json.Unmarshal(body, &response); err != nil {
		return nil, fmt.Errorf("messaging: failed to parse sync response: %w", err)
	}
	return &response, nil
}

// JoinedRooms returns the rooms the user has joined.
func (s *DirectSession) JoinedRooms(ctx context.Context) ([]ref.RoomID, error) {
	body, err := s.client.doRequest(ctx, http.MethodGet, "/_matrix/client/v3/joined_rooms", s.accessToken, nil)
	if err != nil {
		return nil, fmt.Errorf("messaging: joined rooms failed: %w", err)
	}
	var response JoinedRoomsResponse
	if err := json.Unmarshal(body, &response); err != nil {
		return nil, fmt.Errorf("messaging: failed to parse joined rooms response: %w", err)
	}
	return response.JoinedRooms, nil
}

// GetRoomMembers returns the members of a room.
func (s *DirectSession) GetRoomMembers(ctx context.Context, roomID ref.RoomID) ([]RoomMember, error) {
	path := fmt.Sprintf("/_matrix/client/v3/rooms/%s/members", url.PathEscape(roomID.String()))
	body, err := s.client.doRequest(ctx, http.MethodGet, path, s.accessToken, nil)
	if err != nil {
		return nil, fmt.Errorf("messaging: get room members for %s failed: %w", roomID, err)
	}
	var response RoomMembersResponse
	if err := json.Unmarshal(body, &response); err != nil {
		return nil, fmt.Errorf("messaging: failed to parse room members response: %w", err)
	}

	members := make([]RoomMember, 0, len(response.Chunk))
	for _, event := range response.Chunk {
		userID, err := ref.ParseUserID(event.StateKey)
		if err != nil {
			s.client.logger.Warn("skipping member event with invalid state key",
				"room_id", roomID,
				"state_key", event.StateKey,
				"error", err,
			)
			continue
		}
		members = append(members, RoomMember{
			UserID:      userID,
			DisplayName: event.Content.DisplayName,
			Membership:  event.Content.Membership,
		})
	}
	return members, nil
}

// GetPresence returns a user's current presence.
func (s *DirectSession) GetPresence(ctx context.Context, userID ref.UserID) (*PresenceContent, error) {
	path := "/_matrix/client/v3/presence/" + url.PathEscape(userID.String()) + "/status"
	body, err := s.client.doRequest(ctx, http.MethodGet, path, s.accessToken, nil)
	if err != nil {
		return nil, fmt.Errorf("messaging: get presence for %s failed: %w", userID, err)
	}
	var response PresenceContent
	if err := json.Unmarshal(body, &response); err != nil {
		return nil, fmt.Errorf("messaging: failed to parse presence response: %w", err)
	}
	return &response, nil
}

// SetPresence sets the session user's presence.
func (s *DirectSession) SetPresence(ctx context.Context, request SetPresenceRequest) error {
	path := "/_matrix/client/v3/presence/" + url.PathEscape(s.userID.String()) + "/status"
	if _, err := s.client.doRequest(ctx, http.MethodPut, path, s.accessToken, request); err != nil {
		return fmt.Errorf("messaging: set presence failed: %w", err)
	}
	return nil
}

// DeactivateAccount permanently deactivates the session's account.
// The endpoint requires User-Interactive Auth; the password stage is
// answered with password, which the caller keeps. On success every
// access token for the account, including this one, is invalid.
//
// Corresponds to POST /_matrix/client/v3/account/deactivate.
func (s *DirectSession) DeactivateAccount(ctx context.Context, password *secret.Buffer) error {
	if password == nil {
		return fmt.Errorf("messaging: password is required for deactivation")
	}
	const path = "/_matrix/client/v3/account/deactivate"

	passwordAuth := func(session string) map[string]any {
		auth := map[string]any{
			"type":       "m.login.password",
			"identifier": UserIdentifier{Type: "m.id.user", User: s.userID.String()},
			"password":   password.Reveal(),
		}
		if session != "" {
			auth["session"] = session
		}
		return auth
	}

	body, err := s.client.doRequest(ctx, http.MethodPost, path, s.accessToken, map[string]any{"auth": passwordAuth("")})
	if err == nil {
		return nil
	}
	if !isUnauthorizedUIAA(err) {
		return fmt.Errorf("messaging: deactivate account failed: %w", err)
	}

	// The server wants the stage bound to a UIAA session. A 401 that
	// already reports a failed stage means the password was wrong.
	challenge, parseErr := parseUIAAChallenge(body)
	if parseErr != nil {
		return fmt.Errorf("messaging: deactivate account failed: %w", err)
	}
	var stageError struct {
		Code string `json:"errcode"`
	}
	if json.Unmarshal(body, &stageError) == nil && stageError.Code != "" {
		return fmt.Errorf("messaging: deactivate account failed: %w", err)
	}
	if _, err := s.client.doRequest(ctx, http.MethodPost, path, s.accessToken, map[string]any{"auth": passwordAuth(challenge.Session)}); err != nil {
		return fmt.Errorf("messaging: deactivate account failed: %w", err)
	}
	return nil
}

// Logout invalidates this session's access token.
func (s *DirectSession) Logout(ctx context.Context) error {
	if _, err := s.client.doRequest(ctx, http.MethodPost, "/_matrix/client/v3/logout", s.accessToken, struct{}{}); err != nil {
		return fmt.Errorf("messaging: logout failed: %w", err)
	}
	return nil
}

// nextTransactionID returns "parley-<unix ms>-<counter>", unique
// across restarts of the same device.
func (s *DirectSession) nextTransactionID() string {
	counter := s.transactionCounter.Add(1)
	return fmt.Sprintf("parley-%d-%d", time.Now().UnixMilli(), counter)
}
