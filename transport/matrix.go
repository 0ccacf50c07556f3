// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package transport

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/bureau-foundation/parley/lib/clock"
	"github.com/bureau-foundation/parley/lib/ref"
	"github.com/bureau-foundation/parley/lib/secret"
	"github.com/bureau-foundation/parley/messaging"
)

// syncFilter limits /sync to the event types a chat client renders.
const syncFilter = `{"presence":{"types":["m.presence"]},"account_data":{"types":[]},` +
	`"room":{"timeline":{"types":["m.room.message","m.room.member"]},` +
	`"state":{"types":["m.room.member"]},"ephemeral":{"types":[]}}}`

// Accounts authenticates and provisions homeserver accounts.
type Accounts interface {
	Login(ctx context.Context, userID ref.UserID, password *secret.Buffer) (messaging.Session, error)
	Register(ctx context.Context, userID ref.UserID, password *secret.Buffer) (messaging.Session, error)
}

// ClientAccounts implements Accounts over a messaging.Client.
type ClientAccounts struct {
	Client *messaging.Client
	// RegistrationToken completes the registration token UIAA stage.
	// Nil on homeservers with open registration.
	RegistrationToken *secret.Buffer
}

func (a ClientAccounts) Login(ctx context.Context, userID ref.UserID, password *secret.Buffer) (messaging.Session, error) {
	session, err := a.Client.Login(ctx, userID.String(), password)
	if err != nil {
		return nil, err
	}
	return session, nil
}

func (a ClientAccounts) Register(ctx context.Context, userID ref.UserID, password *secret.Buffer) (messaging.Session, error) {
	session, err := a.Client.Register(ctx, messaging.RegisterRequest{
		Username:          userID.Localpart(),
		Password:          password,
		RegistrationToken: a.RegistrationToken,
	})
	if err != nil {
		return nil, err
	}
	return session, nil
}

// MatrixConfig configures a MatrixDialer.
type MatrixConfig struct {
	Accounts Accounts

	// Server, when set, is the only server CreateAccount accepts
	// identities on.
	Server ref.ServerName

	// SyncTimeout is the /sync long-poll timeout. Default: 30 seconds.
	SyncTimeout time.Duration

	// MaxBackoff caps the retry delay after a failed /sync. The delay
	// starts at one second and doubles. Default: 30 seconds.
	MaxBackoff time.Duration

	Clock  clock.Clock
	Logger *slog.Logger
}

// MatrixDialer connects to a Matrix homeserver. Each conversation is a
// direct room; inbound messages arrive through a /sync long-poll loop
// that runs for the life of the Handle.
type MatrixDialer struct {
	accounts    Accounts
	server      ref.ServerName
	syncTimeout time.Duration
	maxBackoff  time.Duration
	clock       clock.Clock
	logger      *slog.Logger
}

var _ Dialer = (*MatrixDialer)(nil)

// NewMatrixDialer validates config and fills defaults.
func NewMatrixDialer(config MatrixConfig) (*MatrixDialer, error) {
	if config.Accounts == nil {
		return nil, fmt.Errorf("transport: MatrixConfig.Accounts is required")
	}
	dialer := &MatrixDialer{
		accounts:    config.Accounts,
		server:      config.Server,
		syncTimeout: config.SyncTimeout,
		maxBackoff:  config.MaxBackoff,
		clock:       config.Clock,
		logger:      config.Logger,
	}
	if dialer.syncTimeout <= 0 {
		dialer.syncTimeout = 30 * time.Second
	}
	if dialer.maxBackoff <= 0 {
		dialer.maxBackoff = 30 * time.Second
	}
	if dialer.clock == nil {
		dialer.clock = clock.Real()
	}
	if dialer.logger == nil {
		dialer.logger = slog.Default()
	}
	return dialer, nil
}

// Dial logs in, performs the initial sync to learn existing direct
// rooms, and starts the incremental sync loop. Messages already in the
// room history are not delivered.
func (d *MatrixDialer) Dial(ctx context.Context, userID ref.UserID, credential *secret.Buffer) (Handle, error) {
	if credential == nil {
		return nil, fmt.Errorf("%w: no credential for %s", ErrInvalidCredentials, userID)
	}
	session, err := d.accounts.Login(ctx, userID, credential)
	if err != nil {
		if messaging.IsMatrixError(err, messaging.ErrCodeForbidden) {
			return nil, fmt.Errorf("%w for %s: %v", ErrInvalidCredentials, userID, err)
		}
		return nil, fmt.Errorf("transport: login as %s: %w", userID, err)
	}

	password, err := credential.Clone()
	if err != nil {
		session.Close()
		return nil, fmt.Errorf("transport: keeping credential: %w", err)
	}

	initial, err := session.Sync(ctx, messaging.SyncOptions{Filter: syncFilter})
	if err != nil {
		password.Close()
		session.Close()
		return nil, fmt.Errorf("transport: initial sync: %w", err)
	}

	handle := &matrixHandle{
		dialer:      d,
		session:     session,
		userID:      session.UserID(),
		password:    password,
		logger:      d.logger.With("user_id", session.UserID()),
		channels:    make(map[ref.RoomID]*matrixChannel),
		directRooms: make(map[ref.UserID]ref.RoomID),
		roomPeers:   make(map[ref.RoomID]ref.UserID),
		presence:    make(map[ref.UserID]string),
		loopDone:    make(chan struct{}),
	}
	handle.applySync(ctx, initial, false)

	loopContext, cancel := context.WithCancel(context.Background())
	handle.cancel = cancel
	go handle.runSyncLoop(loopContext, initial.NextBatch)

	handle.logger.Info("matrix transport connected", "direct_rooms", len(handle.directRooms))
	return handle, nil
}

type matrixHandle struct {
	dialer   *MatrixDialer
	session  messaging.Session
	userID   ref.UserID
	password *secret.Buffer
	logger   *slog.Logger

	mu          sync.Mutex
	callback    func(Message)
	channels    map[ref.RoomID]*matrixChannel
	directRooms map[ref.UserID]ref.RoomID
	roomPeers   map[ref.RoomID]ref.UserID
	presence    map[ref.UserID]string
	closed      bool

	cancel   context.CancelFunc
	loopDone chan struct{}

	disconnectOnce sync.Once
	disconnectErr  error
}

func (h *matrixHandle) UserID() ref.UserID { return h.userID }

func (h *matrixHandle) OnMessage(callback func(Message)) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.callback = callback
}

func (h *matrixHandle) OpenChannel(ctx context.Context, peer ref.UserID) (Channel, error) {
	if peer == h.userID {
		return nil, ErrSelfChannel
	}
	if err := h.checkOpen(); err != nil {
		return nil, err
	}

	h.mu.Lock()
	roomID, known := h.directRooms[peer]
	h.mu.Unlock()

	if !known {
		created, err := h.session.CreateDirectRoom(ctx, peer)
		if err != nil {
			if messaging.IsMatrixError(err, messaging.ErrCodeNotFound) {
				return nil, fmt.Errorf("%w: %s: %v", ErrUnknownPeer, peer, err)
			}
			return nil, fmt.Errorf("transport: creating direct room with %s: %w", peer, err)
		}
		roomID = created
		h.logger.Info("created direct room", "peer", peer, "room_id", roomID)
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return nil, ErrHandleClosed
	}
	h.recordPeerLocked(roomID, peer)
	channel := &matrixChannel{handle: h, roomID: roomID, peer: peer}
	h.channels[roomID] = channel
	return channel, nil
}

func (h *matrixHandle) CreateAccount(ctx context.Context, userID ref.UserID, credential *secret.Buffer) error {
	if err := h.checkOpen(); err != nil {
		return err
	}
	server := h.dialer.server
	if !server.IsZero() && userID.Server() != server {
		return &AccountError{
			Kind:   InvalidIdentity,
			UserID: userID,
			Err:    fmt.Errorf("homeserver accepts accounts on %s only", server),
		}
	}
	if credential == nil || credential.Len() == 0 {
		return &AccountError{Kind: AccountErrorOther, UserID: userID, Err: fmt.Errorf("credential is empty")}
	}

	session, err := h.dialer.accounts.Register(ctx, userID, credential)
	if err != nil {
		return classifyRegistrationError(userID, err)
	}
	// Registration logs the new account in; that session is not needed.
	if err := session.Logout(ctx); err != nil {
		h.logger.Warn("logout of registration session failed", "new_user_id", userID, "error", err)
	}
	session.Close()
	h.logger.Info("registered account", "new_user_id", userID)
	return nil
}

func (h *matrixHandle) DeleteAccount(ctx context.Context) error {
	if err := h.checkOpen(); err != nil {
		return err
	}
	if err := h.session.DeactivateAccount(ctx, h.password); err != nil {
		return fmt.Errorf("transport: deactivating %s: %w", h.userID, err)
	}
	h.logger.Info("account deactivated")
	return nil
}

// Roster reports every peer with a direct room. Presence comes from
// /sync when the homeserver has pushed it, otherwise from a direct
// lookup; a failed lookup reads as offline.
func (h *matrixHandle) Roster(ctx context.Context) (Roster, error) {
	if err := h.checkOpen(); err != nil {
		return nil, err
	}
	h.mu.Lock()
	cached := make(map[ref.UserID]string, len(h.directRooms))
	var unknown []ref.UserID
	for peer := range h.directRooms {
		if state, ok := h.presence[peer]; ok {
			cached[peer] = state
		} else {
			unknown = append(unknown, peer)
		}
	}
	h.mu.Unlock()

	for _, peer := range unknown {
		content, err := h.session.GetPresence(ctx, peer)
		if err != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			h.logger.Debug("presence lookup failed", "peer", peer, "error", err)
			cached[peer] = messaging.PresenceOffline
			continue
		}
		cached[peer] = content.Presence
	}

	roster := make(Roster, len(cached))
	for peer, state := range cached {
		roster[peer] = availabilityFromPresence(state)
	}
	return roster, nil
}

func availabilityFromPresence(state string) Availability {
	switch state {
	case messaging.PresenceOnline:
		return Available
	case messaging.PresenceUnavailable:
		return Away
	default:
		return Offline
	}
}

func (h *matrixHandle) Disconnect(ctx context.Context) error {
	h.disconnectOnce.Do(func() {
		h.mu.Lock()
		h.closed = true
		for _, channel := range h.channels {
			channel.closed = true
		}
		clear(h.channels)
		h.mu.Unlock()

		h.cancel()
		select {
		case <-h.loopDone:
		case <-ctx.Done():
			h.disconnectErr = fmt.Errorf("transport: waiting for sync loop: %w", ctx.Err())
		}

		if err := h.session.Logout(ctx); err != nil && !messaging.IsMatrixError(err, messaging.ErrCodeUnknownToken) {
			h.disconnectErr = errors.Join(h.disconnectErr, fmt.Errorf("transport: logout: %w", err))
		}
		if err := h.session.Close(); err != nil {
			h.disconnectErr = errors.Join(h.disconnectErr, err)
		}
		if err := h.password.Close(); err != nil {
			h.disconnectErr = errors.Join(h.disconnectErr, err)
		}
		h.logger.Info("matrix transport disconnected")
	})
	return h.disconnectErr
}

func (h *matrixHandle) checkOpen() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return ErrHandleClosed
	}
	return nil
}

// runSyncLoop polls /sync until ctx is cancelled or the access token
// is revoked, retrying transient failures with exponential backoff.
func (h *matrixHandle) runSyncLoop(ctx context.Context, since string) {
	defer close(h.loopDone)

	backoff := time.Second
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		response, err := h.session.Sync(ctx, messaging.SyncOptions{
			Since:      since,
			Timeout:    int(h.dialer.syncTimeout.Milliseconds()),
			SetTimeout: true,
			Filter:     syncFilter,
		})
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			if messaging.IsMatrixError(err, messaging.ErrCodeUnknownToken) {
				h.logger.Error("access token revoked, sync stopped", "error", err)
				return
			}
			h.logger.Error("sync failed, retrying", "error", err, "backoff", backoff)
			select {
			case <-ctx.Done():
				return
			case <-h.dialer.clock.After(backoff):
			}
			backoff *= 2
			if backoff > h.dialer.maxBackoff {
				backoff = h.dialer.maxBackoff
			}
			continue
		}

		backoff = time.Second
		since = response.NextBatch
		h.applySync(ctx, response, true)
	}
}

// applySync records presence and room membership from one /sync
// response, joins direct invites, and when deliver is set hands
// timeline messages from other users to the callbacks.
func (h *matrixHandle) applySync(ctx context.Context, response *messaging.SyncResponse, deliver bool) {
	h.mu.Lock()
	for _, event := range response.Presence.Events {
		h.presence[event.Sender] = event.Content.Presence
	}
	for roomID, room := range response.Rooms.Join {
		h.learnMembersLocked(roomID, room.State.Events)
		h.learnMembersLocked(roomID, room.Timeline.Events)
	}
	for roomID := range response.Rooms.Leave {
		if peer, ok := h.roomPeers[roomID]; ok {
			delete(h.roomPeers, roomID)
			if h.directRooms[peer] == roomID {
				delete(h.directRooms, peer)
			}
		}
	}
	h.mu.Unlock()

	for roomID, invite := range response.Rooms.Invite {
		inviter, direct := h.directInviter(invite)
		if !direct {
			h.logger.Debug("ignoring non-direct invite", "room_id", roomID)
			continue
		}
		if _, err := h.session.JoinRoom(ctx, roomID); err != nil {
			h.logger.Error("failed to accept direct invite", "room_id", roomID, "inviter", inviter, "error", err)
			continue
		}
		h.logger.Info("accepted direct invite", "room_id", roomID, "inviter", inviter)
		h.mu.Lock()
		h.recordPeerLocked(roomID, inviter)
		h.mu.Unlock()
	}

	if !deliver {
		return
	}
	for roomID, room := range response.Rooms.Join {
		for index := range room.Timeline.Events {
			event := &room.Timeline.Events[index]
			if event.Type != ref.EventTypeMessage || event.Sender == h.userID {
				continue
			}
			content, err := event.MessageContent()
			if err != nil {
				h.logger.Warn("delivering malformed message event without attachment", "room_id", roomID, "error", err)
				content = messaging.MessageContent{Body: readableBody(event.Content)}
			}
			h.dispatch(roomID, Message{
				ID:         event.EventID,
				Sender:     event.Sender,
				Body:       content.Body,
				Attachment: content.Attachment,
				Timestamp:  time.UnixMilli(event.OriginServerTS),
			})
		}
	}
}

// readableBody extracts what it can of the body of message content
// that did not decode. A non-string body keeps its JSON text.
func readableBody(content json.RawMessage) string {
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(content, &fields); err != nil {
		return ""
	}
	raw, ok := fields["body"]
	if !ok {
		return ""
	}
	var body string
	if err := json.Unmarshal(raw, &body); err != nil {
		return string(raw)
	}
	return body
}

// directInviter returns the sender of the invite event for this user
// when the invite is flagged as direct.
func (h *matrixHandle) directInviter(invite messaging.InvitedRoom) (ref.UserID, bool) {
	for index := range invite.InviteState.Events {
		event := &invite.InviteState.Events[index]
		if event.Type != ref.EventTypeMember || event.StateKey == nil || *event.StateKey != h.userID.String() {
			continue
		}
		content, err := event.MemberContent()
		if err != nil || content.Membership != "invite" || !content.IsDirect {
			return ref.UserID{}, false
		}
		return event.Sender, !event.Sender.IsZero()
	}
	return ref.UserID{}, false
}

// learnMembersLocked records the other participant of a room from its
// member events. Caller holds h.mu.
func (h *matrixHandle) learnMembersLocked(roomID ref.RoomID, events []messaging.Event) {
	for index := range events {
		event := &events[index]
		if event.Type != ref.EventTypeMember || event.StateKey == nil {
			continue
		}
		member, err := ref.ParseUserID(*event.StateKey)
		if err != nil || member == h.userID {
			continue
		}
		content, err := event.MemberContent()
		if err != nil {
			continue
		}
		switch content.Membership {
		case "join", "invite":
			h.recordPeerLocked(roomID, member)
		}
	}
}

// recordPeerLocked maps roomID to peer. The first room seen for a peer
// stays its direct room. Caller holds h.mu.
func (h *matrixHandle) recordPeerLocked(roomID ref.RoomID, peer ref.UserID) {
	h.roomPeers[roomID] = peer
	if _, exists := h.directRooms[peer]; !exists {
		h.directRooms[peer] = roomID
	}
}

func (h *matrixHandle) dispatch(roomID ref.RoomID, message Message) {
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return
	}
	callback := h.callback
	if channel := h.channels[roomID]; channel != nil && channel.callback != nil {
		callback = channel.callback
	}
	h.mu.Unlock()

	if callback == nil {
		h.logger.Debug("no callback for inbound message", "room_id", roomID, "sender", message.Sender)
		return
	}
	callback(message)
}

// matrixChannel is a direct room. Mutable fields are guarded by the
// handle's mutex.
type matrixChannel struct {
	handle   *matrixHandle
	roomID   ref.RoomID
	peer     ref.UserID
	callback func(Message)
	closed   bool
}

func (c *matrixChannel) Peer() ref.UserID { return c.peer }

func (c *matrixChannel) OnMessage(callback func(Message)) {
	c.handle.mu.Lock()
	defer c.handle.mu.Unlock()
	c.callback = callback
}

func (c *matrixChannel) Send(ctx context.Context, message Outbound) error {
	c.handle.mu.Lock()
	closed := c.closed
	c.handle.mu.Unlock()
	if closed {
		return ErrChannelClosed
	}

	content := messaging.NewTextMessage(message.Body)
	if len(message.Attachment) > 0 {
		content = messaging.NewAttachmentMessage(message.Body, message.Attachment)
	}
	eventID, err := c.handle.session.SendMessage(ctx, c.roomID, content)
	if err != nil {
		return fmt.Errorf("transport: sending to %s: %w", c.peer, err)
	}
	c.handle.logger.Debug("message sent", "room_id", c.roomID, "event_id", eventID)
	return nil
}

func (c *matrixChannel) Close() error {
	c.handle.mu.Lock()
	defer c.handle.mu.Unlock()
	c.closed = true
	if c.handle.channels[c.roomID] == c {
		delete(c.handle.channels, c.roomID)
	}
	return nil
}
