// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package messaging

import (
	"context"

	"github.com/bureau-foundation/parley/lib/ref"
	"github.com/bureau-foundation/parley/lib/secret"
)

// Session is the set of authenticated operations the transport layer
// uses. *DirectSession is the production implementation; tests supply
// in-memory fakes.
type Session interface {
	// UserID returns the fully-qualified user ID.
	UserID() ref.UserID

	// Close releases resources held by the session. Idempotent.
	Close() error

	// CreateDirectRoom creates a one-to-one room and invites peer.
	CreateDirectRoom(ctx context.Context, peer ref.UserID) (ref.RoomID, error)

	// JoinRoom joins a room by ID.
	JoinRoom(ctx context.Context, roomID ref.RoomID) (ref.RoomID, error)

	// LeaveRoom leaves a room.
	LeaveRoom(ctx context.Context, roomID ref.RoomID) error

	// JoinedRooms lists joined rooms.
	JoinedRooms(ctx context.Context) ([]ref.RoomID, error)

	// GetRoomMembers returns the members of a room.
	GetRoomMembers(ctx context.Context, roomID ref.RoomID) ([]RoomMember, error)

	// SendMessage sends an m.room.message event.
	SendMessage(ctx context.Context, roomID ref.RoomID, content MessageContent) (ref.EventID, error)

	// Sync performs a /sync request.
	Sync(ctx context.Context, options SyncOptions) (*SyncResponse, error)

	// GetPresence returns a user's presence.
	GetPresence(ctx context.Context, userID ref.UserID) (*PresenceContent, error)

	// DeactivateAccount permanently deactivates the account.
	DeactivateAccount(ctx context.Context, password *secret.Buffer) error

	// Logout invalidates the access token.
	Logout(ctx context.Context) error
}

var _ Session = (*DirectSession)(nil)
