// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package observe

import (
	"encoding/json"
	"log/slog"
	"sync"

	"github.com/google/uuid"

	"github.com/bureau-foundation/parley/session"
)

// DefaultClientBuffer is the number of encoded events a client may
// fall behind by before it is dropped.
const DefaultClientBuffer = 64

// client is one event stream subscriber. The hub closes send when the
// client is dropped or the hub shuts down.
type client struct {
	id   string
	send chan []byte
}

// Hub fans inbound events out to subscribed clients. It implements
// session.Listener.
type Hub struct {
	bufferSize int
	logger     *slog.Logger

	mu      sync.Mutex
	clients map[string]*client
	closed  bool
}

// NewHub returns an empty hub. A bufferSize of zero or less uses
// DefaultClientBuffer.
func NewHub(bufferSize int, logger *slog.Logger) *Hub {
	if bufferSize <= 0 {
		bufferSize = DefaultClientBuffer
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Hub{
		bufferSize: bufferSize,
		logger:     logger,
		clients:    make(map[string]*client),
	}
}

// OnEvent encodes event once and offers it to every client without
// blocking.
func (h *Hub) OnEvent(event session.InboundEvent) {
	data, err := json.Marshal(event)
	if err != nil {
		h.logger.Error("encoding event failed", "sender", event.Sender, "error", err)
		return
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	for id, subscriber := range h.clients {
		select {
		case subscriber.send <- data:
		default:
			h.logger.Warn("dropping slow event client", "client_id", id)
			close(subscriber.send)
			delete(h.clients, id)
		}
	}
}

// subscribe registers a new client. It returns nil after Close.
func (h *Hub) subscribe() *client {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return nil
	}
	subscriber := &client{
		id:   uuid.NewString(),
		send: make(chan []byte, h.bufferSize),
	}
	h.clients[subscriber.id] = subscriber
	h.logger.Debug("event client connected", "client_id", subscriber.id, "clients", len(h.clients))
	return subscriber
}

// unsubscribe removes subscriber if the hub has not already dropped it.
func (h *Hub) unsubscribe(subscriber *client) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.clients[subscriber.id]; !ok {
		return
	}
	close(subscriber.send)
	delete(h.clients, subscriber.id)
	h.logger.Debug("event client disconnected", "client_id", subscriber.id, "clients", len(h.clients))
}

// Clients returns the number of subscribed clients.
func (h *Hub) Clients() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.clients)
}

// Close drops every client and refuses new ones.
func (h *Hub) Close() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.closed = true
	for id, subscriber := range h.clients {
		close(subscriber.send)
		delete(h.clients, id)
	}
}
