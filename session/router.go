// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package session

import (
	"context"
	"log/slog"
	"slices"
	"strings"

	"github.com/bureau-foundation/parley/lib/ref"
	"github.com/bureau-foundation/parley/transport"
)

// route is one open conversation. The machine goroutine owns the map
// entry and is the only sender on outbox; the writer goroutine owns
// channel.
type route struct {
	peer    ref.UserID
	channel transport.Channel
	outbox  chan transport.Outbound
	done    chan struct{}
}

// run sends queued messages in order until outbox is closed, then
// closes the channel.
func (r *route) run(ctx context.Context, logger *slog.Logger) {
	defer close(r.done)
	for message := range r.outbox {
		if err := r.channel.Send(ctx, message); err != nil {
			logger.Warn("send failed", "recipient", r.peer, "error", err)
		}
	}
	if err := r.channel.Close(); err != nil {
		logger.Warn("closing channel failed", "recipient", r.peer, "error", err)
	}
}

// router maps each recipient to at most one route. A recipient whose
// channel is still opening has a pending queue instead. The router is
// owned by the machine goroutine and has no locking.
type router struct {
	outboxSize int
	logger     *slog.Logger
	routes     map[ref.UserID]*route
	pending    map[ref.UserID][]transport.Outbound
}

func newRouter(outboxSize int, logger *slog.Logger) *router {
	return &router{
		outboxSize: outboxSize,
		logger:     logger,
		routes:     make(map[ref.UserID]*route),
		pending:    make(map[ref.UserID][]transport.Outbound),
	}
}

// enqueue queues message for peer. needOpen is true when peer has
// neither a route nor a pending open, in which case the caller must
// open a channel and report back through attach or fail.
func (r *router) enqueue(peer ref.UserID, message transport.Outbound) (needOpen bool, err error) {
	if existing, ok := r.routes[peer]; ok {
		select {
		case existing.outbox <- message:
			return false, nil
		default:
			return false, ErrOutboxFull
		}
	}
	queued, opening := r.pending[peer]
	if len(queued) >= r.outboxSize {
		return false, ErrOutboxFull
	}
	r.pending[peer] = append(queued, message)
	return !opening, nil
}

// attach installs channel as peer's route, starts its writer, and
// moves pending messages into the outbox.
func (r *router) attach(ctx context.Context, peer ref.UserID, channel transport.Channel, onMessage func(transport.Message)) {
	channel.OnMessage(onMessage)
	newRoute := &route{
		peer:    peer,
		channel: channel,
		outbox:  make(chan transport.Outbound, r.outboxSize),
		done:    make(chan struct{}),
	}
	for _, message := range r.pending[peer] {
		newRoute.outbox <- message
	}
	delete(r.pending, peer)
	r.routes[peer] = newRoute
	go newRoute.run(ctx, r.logger)
	r.logger.Debug("conversation opened", "recipient", peer)
}

// fail drops the messages queued behind a failed open.
func (r *router) fail(peer ref.UserID, err error) {
	dropped := len(r.pending[peer])
	delete(r.pending, peer)
	r.logger.Warn("opening conversation failed",
		"recipient", peer,
		"dropped_messages", dropped,
		"error", err,
	)
}

// peers returns the recipients with open routes, sorted.
func (r *router) peers() []ref.UserID {
	result := make([]ref.UserID, 0, len(r.routes))
	for peer := range r.routes {
		result = append(result, peer)
	}
	slices.SortFunc(result, func(a, b ref.UserID) int {
		return strings.Compare(a.String(), b.String())
	})
	return result
}

// teardownAll closes every outbox, drops pending opens, and empties
// the router. The returned function blocks until every writer has
// drained its outbox and closed its channel.
func (r *router) teardownAll() (wait func()) {
	writers := make([]chan struct{}, 0, len(r.routes))
	for peer, existing := range r.routes {
		close(existing.outbox)
		writers = append(writers, existing.done)
		delete(r.routes, peer)
	}
	for peer, queued := range r.pending {
		if len(queued) > 0 {
			r.logger.Debug("dropping messages queued behind an open", "recipient", peer, "count", len(queued))
		}
		delete(r.pending, peer)
	}
	return func() {
		for _, done := range writers {
			<-done
		}
	}
}
