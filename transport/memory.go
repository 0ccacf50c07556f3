// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package transport

import (
	"context"
	"crypto/subtle"
	"encoding/hex"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/zeebo/blake3"

	"github.com/bureau-foundation/parley/lib/clock"
	"github.com/bureau-foundation/parley/lib/codec"
	"github.com/bureau-foundation/parley/lib/ref"
	"github.com/bureau-foundation/parley/lib/secret"
)

// domainKey is a 32-byte BLAKE3 key separating hash uses.
type domainKey [32]byte

var (
	credentialDomainKey = domainKey{
		'p', 'a', 'r', 'l', 'e', 'y', '.', 'm', 'e', 'm', 'o', 'r', 'y', '.',
		'c', 'r', 'e', 'd', 'e', 'n', 't', 'i', 'a', 'l', 0, 0, 0, 0, 0, 0, 0, 0,
	}
	roomDomainKey = domainKey{
		'p', 'a', 'r', 'l', 'e', 'y', '.', 'm', 'e', 'm', 'o', 'r', 'y', '.',
		'r', 'o', 'o', 'm', 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0,
	}
)

// keyedHash hashes the parts, each followed by a zero byte.
func keyedHash(key domainKey, parts ...[]byte) [32]byte {
	hasher, err := blake3.NewKeyed(key[:])
	if err != nil {
		panic("transport: BLAKE3 keyed hash initialization failed: " + err.Error())
	}
	for _, part := range parts {
		hasher.Write(part)
		hasher.Write([]byte{0})
	}
	var sum [32]byte
	copy(sum[:], hasher.Sum(nil))
	return sum
}

// MemoryConfig configures a MemoryNetwork.
type MemoryConfig struct {
	// Server is the server name every account on the network uses.
	Server ref.ServerName
	// Clock stamps messages. Nil means clock.Real().
	Clock clock.Clock
	// Logger is used for structured logging. Nil means slog.Default().
	Logger *slog.Logger
}

// MemoryNetwork is an in-process chat network. Accounts, direct rooms,
// and live connections are held in memory; messages are copied through
// a CBOR envelope so sender and receiver never share buffers. A
// message sent while the peer has no live connection is dropped.
type MemoryNetwork struct {
	server ref.ServerName
	clock  clock.Clock
	logger *slog.Logger

	mu       sync.Mutex
	accounts map[ref.UserID][32]byte
	rooms    map[ref.RoomID]memoryRoom
	handles  map[ref.UserID]map[*memoryHandle]struct{}
	away     map[ref.UserID]bool
}

var _ Dialer = (*MemoryNetwork)(nil)

type memoryRoom struct {
	id      ref.RoomID
	members [2]ref.UserID
}

func (r memoryRoom) other(userID ref.UserID) ref.UserID {
	if r.members[0] == userID {
		return r.members[1]
	}
	return r.members[0]
}

func (r memoryRoom) has(userID ref.UserID) bool {
	return r.members[0] == userID || r.members[1] == userID
}

// memoryEnvelope is the wire form of a message inside the network.
type memoryEnvelope struct {
	ID         ref.EventID `cbor:"id"`
	Sender     ref.UserID  `cbor:"sender"`
	Body       string      `cbor:"body"`
	Attachment []byte      `cbor:"attachment,omitempty"`
	SentAt     int64       `cbor:"sent_at"`
}

// NewMemoryNetwork creates an empty network.
func NewMemoryNetwork(config MemoryConfig) *MemoryNetwork {
	if config.Server.IsZero() {
		panic("transport: MemoryConfig.Server is required")
	}
	clk := config.Clock
	if clk == nil {
		clk = clock.Real()
	}
	logger := config.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &MemoryNetwork{
		server:   config.Server,
		clock:    clk,
		logger:   logger,
		accounts: make(map[ref.UserID][32]byte),
		rooms:    make(map[ref.RoomID]memoryRoom),
		handles:  make(map[ref.UserID]map[*memoryHandle]struct{}),
		away:     make(map[ref.UserID]bool),
	}
}

// Server returns the network's server name.
func (n *MemoryNetwork) Server() ref.ServerName { return n.server }

// AddAccount provisions an account without a connection.
func (n *MemoryNetwork) AddAccount(userID ref.UserID, credential *secret.Buffer) error {
	return n.createAccount(userID, credential)
}

// SetAway marks a connected user as away in other users' rosters.
func (n *MemoryNetwork) SetAway(userID ref.UserID, away bool) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.away[userID] = away
}

// Connected reports whether userID has at least one live handle.
func (n *MemoryNetwork) Connected(userID ref.UserID) bool {
	n.mu.Lock()
	defer n.mu.Unlock()
	return len(n.handles[userID]) > 0
}

// HasAccount reports whether userID is registered.
func (n *MemoryNetwork) HasAccount(userID ref.UserID) bool {
	n.mu.Lock()
	defer n.mu.Unlock()
	_, exists := n.accounts[userID]
	return exists
}

// Dial authenticates userID and returns a live handle.
func (n *MemoryNetwork) Dial(ctx context.Context, userID ref.UserID, credential *secret.Buffer) (Handle, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if credential == nil {
		return nil, fmt.Errorf("%w: no credential for %s", ErrInvalidCredentials, userID)
	}
	digest := keyedHash(credentialDomainKey, []byte(userID.String()), credential.Bytes())

	n.mu.Lock()
	defer n.mu.Unlock()

	stored, exists := n.accounts[userID]
	if !exists || subtle.ConstantTimeCompare(stored[:], digest[:]) != 1 {
		return nil, fmt.Errorf("%w for %s", ErrInvalidCredentials, userID)
	}

	handle := &memoryHandle{
		network:  n,
		userID:   userID,
		channels: make(map[ref.RoomID]*memoryChannel),
		wake:     make(chan struct{}, 1),
		done:     make(chan struct{}),
		stopped:  make(chan struct{}),
	}
	if n.handles[userID] == nil {
		n.handles[userID] = make(map[*memoryHandle]struct{})
	}
	n.handles[userID][handle] = struct{}{}
	go handle.pump()

	n.logger.Debug("memory network connection opened", "user_id", userID)
	return handle, nil
}

func (n *MemoryNetwork) createAccount(userID ref.UserID, credential *secret.Buffer) error {
	if userID.Server() != n.server {
		return &AccountError{
			Kind:   InvalidIdentity,
			UserID: userID,
			Err:    fmt.Errorf("accounts on this network use server %s", n.server),
		}
	}
	if _, err := ref.MatrixUserID(userID.Localpart(), n.server); err != nil {
		return &AccountError{Kind: InvalidIdentity, UserID: userID, Err: err}
	}
	if credential == nil || credential.Len() == 0 {
		return &AccountError{Kind: AccountErrorOther, UserID: userID, Err: fmt.Errorf("credential is empty")}
	}
	digest := keyedHash(credentialDomainKey, []byte(userID.String()), credential.Bytes())

	n.mu.Lock()
	defer n.mu.Unlock()
	if _, exists := n.accounts[userID]; exists {
		return &AccountError{Kind: DuplicateAccount, UserID: userID}
	}
	n.accounts[userID] = digest
	n.logger.Info("memory network account created", "user_id", userID)
	return nil
}

// directRoom returns the room shared by a and b, creating it. The room
// ID depends only on the pair. Caller holds n.mu.
func (n *MemoryNetwork) directRoom(a, b ref.UserID) memoryRoom {
	first, second := a, b
	if second.String() < first.String() {
		first, second = second, first
	}
	sum := keyedHash(roomDomainKey, []byte(first.String()), []byte(second.String()))
	roomID := ref.MustParseRoomID("!" + hex.EncodeToString(sum[:12]) + ":" + n.server.String())
	room, exists := n.rooms[roomID]
	if !exists {
		room = memoryRoom{id: roomID, members: [2]ref.UserID{first, second}}
		n.rooms[roomID] = room
	}
	return room
}

// deliver copies outbound to every live handle of the room's other
// member.
func (n *MemoryNetwork) deliver(room memoryRoom, from ref.UserID, outbound Outbound) error {
	data, err := codec.Marshal(memoryEnvelope{
		ID:         ref.MustParseEventID("$" + uuid.NewString()),
		Sender:     from,
		Body:       outbound.Body,
		Attachment: outbound.Attachment,
		SentAt:     n.clock.Now().UnixMilli(),
	})
	if err != nil {
		return fmt.Errorf("transport: encoding message: %w", err)
	}

	peer := room.other(from)
	n.mu.Lock()
	recipients := make([]*memoryHandle, 0, len(n.handles[peer]))
	for handle := range n.handles[peer] {
		recipients = append(recipients, handle)
	}
	n.mu.Unlock()

	if len(recipients) == 0 {
		n.logger.Debug("peer offline, message dropped", "room_id", room.id, "recipient", peer)
		return nil
	}
	for _, recipient := range recipients {
		var envelope memoryEnvelope
		if err := codec.Unmarshal(data, &envelope); err != nil {
			return fmt.Errorf("transport: decoding message: %w", err)
		}
		recipient.enqueue(room.id, Message{
			ID:         envelope.ID,
			Sender:     envelope.Sender,
			Body:       envelope.Body,
			Attachment: envelope.Attachment,
			Timestamp:  time.UnixMilli(envelope.SentAt),
		})
	}
	return nil
}

// memoryHandle is one live connection to a MemoryNetwork.
type memoryHandle struct {
	network *MemoryNetwork
	userID  ref.UserID

	mu       sync.Mutex
	callback func(Message)
	channels map[ref.RoomID]*memoryChannel
	queue    []memoryDelivery
	closed   bool

	wake    chan struct{}
	done    chan struct{}
	stopped chan struct{}

	disconnectOnce sync.Once
}

type memoryDelivery struct {
	room    ref.RoomID
	message Message
}

func (h *memoryHandle) UserID() ref.UserID { return h.userID }

func (h *memoryHandle) OnMessage(callback func(Message)) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.callback = callback
}

func (h *memoryHandle) OpenChannel(ctx context.Context, peer ref.UserID) (Channel, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if peer == h.userID {
		return nil, ErrSelfChannel
	}

	h.network.mu.Lock()
	if _, exists := h.network.accounts[peer]; !exists {
		h.network.mu.Unlock()
		return nil, fmt.Errorf("%w: %s", ErrUnknownPeer, peer)
	}
	room := h.network.directRoom(h.userID, peer)
	h.network.mu.Unlock()

	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return nil, ErrHandleClosed
	}
	channel := &memoryChannel{handle: h, room: room, peer: peer}
	h.channels[room.id] = channel
	return channel, nil
}

func (h *memoryHandle) CreateAccount(ctx context.Context, userID ref.UserID, credential *secret.Buffer) error {
	if err := h.checkOpen(ctx); err != nil {
		return err
	}
	return h.network.createAccount(userID, credential)
}

func (h *memoryHandle) DeleteAccount(ctx context.Context) error {
	if err := h.checkOpen(ctx); err != nil {
		return err
	}
	h.network.mu.Lock()
	defer h.network.mu.Unlock()
	if _, exists := h.network.accounts[h.userID]; !exists {
		return fmt.Errorf("transport: account %s does not exist", h.userID)
	}
	delete(h.network.accounts, h.userID)
	h.network.logger.Info("memory network account deleted", "user_id", h.userID)
	return nil
}

func (h *memoryHandle) Roster(ctx context.Context) (Roster, error) {
	if err := h.checkOpen(ctx); err != nil {
		return nil, err
	}
	n := h.network
	n.mu.Lock()
	defer n.mu.Unlock()

	roster := make(Roster)
	for _, room := range n.rooms {
		if !room.has(h.userID) {
			continue
		}
		peer := room.other(h.userID)
		switch {
		case len(n.handles[peer]) == 0:
			roster[peer] = Offline
		case n.away[peer]:
			roster[peer] = Away
		default:
			roster[peer] = Available
		}
	}
	return roster, nil
}

// Disconnect stops delivery and waits for any running callback to
// return, so no callback runs after Disconnect returns.
func (h *memoryHandle) Disconnect(ctx context.Context) error {
	h.disconnectOnce.Do(func() {
		h.mu.Lock()
		h.closed = true
		for _, channel := range h.channels {
			channel.closed = true
		}
		clear(h.channels)
		h.queue = nil
		h.mu.Unlock()
		close(h.done)

		h.network.mu.Lock()
		delete(h.network.handles[h.userID], h)
		if len(h.network.handles[h.userID]) == 0 {
			delete(h.network.handles, h.userID)
		}
		h.network.mu.Unlock()
		h.network.logger.Debug("memory network connection closed", "user_id", h.userID)
	})
	select {
	case <-h.stopped:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (h *memoryHandle) checkOpen(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return ErrHandleClosed
	}
	return nil
}

func (h *memoryHandle) enqueue(room ref.RoomID, message Message) {
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return
	}
	h.queue = append(h.queue, memoryDelivery{room: room, message: message})
	h.mu.Unlock()

	select {
	case h.wake <- struct{}{}:
	default:
	}
}

// pump delivers queued messages in arrival order, one callback at a
// time, until the handle is disconnected.
func (h *memoryHandle) pump() {
	defer close(h.stopped)
	for {
		select {
		case <-h.done:
			return
		case <-h.wake:
		}
		for {
			h.mu.Lock()
			if h.closed || len(h.queue) == 0 {
				h.mu.Unlock()
				break
			}
			delivery := h.queue[0]
			h.queue[0] = memoryDelivery{}
			h.queue = h.queue[1:]
			callback := h.callback
			if channel := h.channels[delivery.room]; channel != nil && channel.callback != nil {
				callback = channel.callback
			}
			h.mu.Unlock()

			if callback == nil {
				h.network.logger.Debug("no callback for inbound message",
					"user_id", h.userID,
					"room_id", delivery.room,
				)
				continue
			}
			callback(delivery.message)
		}
	}
}

// memoryChannel is a conversation on a memoryHandle. Its mutable
// fields are guarded by the handle's mutex.
type memoryChannel struct {
	handle   *memoryHandle
	room     memoryRoom
	peer     ref.UserID
	callback func(Message)
	closed   bool
}

func (c *memoryChannel) Peer() ref.UserID { return c.peer }

func (c *memoryChannel) OnMessage(callback func(Message)) {
	c.handle.mu.Lock()
	defer c.handle.mu.Unlock()
	c.callback = callback
}

func (c *memoryChannel) Send(ctx context.Context, message Outbound) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	c.handle.mu.Lock()
	closed := c.closed
	c.handle.mu.Unlock()
	if closed {
		return ErrChannelClosed
	}
	return c.handle.network.deliver(c.room, c.handle.userID, message)
}

func (c *memoryChannel) Close() error {
	c.handle.mu.Lock()
	defer c.handle.mu.Unlock()
	c.closed = true
	if c.handle.channels[c.room.id] == c {
		delete(c.handle.channels, c.room.id)
	}
	return nil
}
