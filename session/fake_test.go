// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package session

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/bureau-foundation/parley/lib/ref"
	"github.com/bureau-foundation/parley/lib/secret"
	"github.com/bureau-foundation/parley/transport"
)

// fakeDialer is a transport double that counts channel opens and can
// hold dials and opens until a test releases them.
type fakeDialer struct {
	// dialGate, when set, holds every Dial until it receives.
	dialGate chan struct{}
	// dialing receives once per Dial call when set.
	dialing chan struct{}
	// openGate, when set, holds every OpenChannel until it receives.
	openGate chan struct{}

	mu        sync.Mutex
	handles   []*fakeHandle
	accounts  map[ref.UserID]bool
	failOpens int
	deleteErr error
}

func newFakeDialer() *fakeDialer {
	return &fakeDialer{accounts: make(map[ref.UserID]bool)}
}

func (d *fakeDialer) Dial(ctx context.Context, userID ref.UserID, credential *secret.Buffer) (transport.Handle, error) {
	if d.dialing != nil {
		d.dialing <- struct{}{}
	}
	if d.dialGate != nil {
		select {
		case <-d.dialGate:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if credential.Reveal() != "secret" {
		return nil, fmt.Errorf("%w for %s", transport.ErrInvalidCredentials, userID)
	}
	handle := &fakeHandle{dialer: d, userID: userID}
	d.mu.Lock()
	d.handles = append(d.handles, handle)
	d.mu.Unlock()
	return handle, nil
}

func (d *fakeDialer) handle(index int) *fakeHandle {
	d.mu.Lock()
	defer d.mu.Unlock()
	if index >= len(d.handles) {
		return nil
	}
	return d.handles[index]
}

func (d *fakeDialer) setFailOpens(count int) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.failOpens = count
}

type fakeHandle struct {
	dialer *fakeDialer
	userID ref.UserID

	mu           sync.Mutex
	callback     func(transport.Message)
	opens        int
	channels     []*fakeChannel
	disconnected bool
}

func (h *fakeHandle) UserID() ref.UserID { return h.userID }

func (h *fakeHandle) OpenChannel(ctx context.Context, peer ref.UserID) (transport.Channel, error) {
	h.mu.Lock()
	h.opens++
	h.mu.Unlock()

	if h.dialer.openGate != nil {
		select {
		case <-h.dialer.openGate:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}

	h.dialer.mu.Lock()
	fail := h.dialer.failOpens > 0
	if fail {
		h.dialer.failOpens--
	}
	h.dialer.mu.Unlock()
	if fail {
		return nil, errors.New("open refused")
	}

	channel := &fakeChannel{
		peer:   peer,
		sent:   make(chan transport.Outbound, 64),
		closed: make(chan struct{}),
	}
	h.mu.Lock()
	h.channels = append(h.channels, channel)
	h.mu.Unlock()
	return channel, nil
}

func (h *fakeHandle) OnMessage(callback func(transport.Message)) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.callback = callback
}

// deliver invokes the handle callback the way a transport would.
func (h *fakeHandle) deliver(message transport.Message) {
	h.mu.Lock()
	callback := h.callback
	h.mu.Unlock()
	if callback != nil {
		callback(message)
	}
}

func (h *fakeHandle) CreateAccount(ctx context.Context, userID ref.UserID, credential *secret.Buffer) error {
	h.dialer.mu.Lock()
	defer h.dialer.mu.Unlock()
	if h.dialer.accounts[userID] {
		return &transport.AccountError{Kind: transport.DuplicateAccount, UserID: userID}
	}
	h.dialer.accounts[userID] = true
	return nil
}

func (h *fakeHandle) DeleteAccount(ctx context.Context) error {
	h.dialer.mu.Lock()
	defer h.dialer.mu.Unlock()
	return h.dialer.deleteErr
}

func (h *fakeHandle) Roster(ctx context.Context) (transport.Roster, error) {
	return transport.Roster{ref.MustParseUserID("@bob:parley.test"): transport.Available}, nil
}

func (h *fakeHandle) Disconnect(ctx context.Context) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.disconnected = true
	return nil
}

func (h *fakeHandle) openCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.opens
}

func (h *fakeHandle) isDisconnected() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.disconnected
}

func (h *fakeHandle) channel(index int) *fakeChannel {
	h.mu.Lock()
	defer h.mu.Unlock()
	if index >= len(h.channels) {
		return nil
	}
	return h.channels[index]
}

type fakeChannel struct {
	peer      ref.UserID
	sent      chan transport.Outbound
	closed    chan struct{}
	closeOnce sync.Once

	mu       sync.Mutex
	callback func(transport.Message)
}

func (c *fakeChannel) Peer() ref.UserID { return c.peer }

func (c *fakeChannel) Send(ctx context.Context, message transport.Outbound) error {
	select {
	case <-c.closed:
		return transport.ErrChannelClosed
	default:
	}
	c.sent <- message
	return nil
}

func (c *fakeChannel) OnMessage(callback func(transport.Message)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.callback = callback
}

func (c *fakeChannel) deliver(message transport.Message) {
	c.mu.Lock()
	callback := c.callback
	c.mu.Unlock()
	if callback != nil {
		callback(message)
	}
}

func (c *fakeChannel) Close() error {
	c.closeOnce.Do(func() { close(c.closed) })
	return nil
}
