// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/bureau-foundation/parley/lib/oob"
	"github.com/bureau-foundation/parley/lib/ref"
	"github.com/bureau-foundation/parley/lib/secret"
	"github.com/bureau-foundation/parley/transport"
)

// State is the connection state of a Machine.
type State int

const (
	Unconnected State = iota
	Connected
)

func (s State) String() string {
	switch s {
	case Unconnected:
		return "unconnected"
	case Connected:
		return "connected"
	default:
		return fmt.Sprintf("State(%d)", int(s))
	}
}

// MarshalText implements encoding.TextMarshaler.
func (s State) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// Defaults for Config fields left at zero.
const (
	DefaultQueueSize  = 256
	DefaultWorkers    = 4
	DefaultOutboxSize = 64
)

// disconnectTimeout bounds how long tearing down a handle may take.
const disconnectTimeout = 10 * time.Second

// Config configures a Machine.
type Config struct {
	// Server qualifies bare identities ("bob" becomes @bob:Server) and
	// shortens senders on it in inbound events. Required.
	Server ref.ServerName

	// QueueSize is the mailbox capacity. Transport callbacks block
	// while the mailbox is full.
	QueueSize int

	// Workers caps concurrent blocking transport calls.
	Workers int

	// OutboxSize caps unsent messages per recipient.
	OutboxSize int

	Logger *slog.Logger
}

// Snapshot is a point-in-time view of a Machine.
type Snapshot struct {
	State         State        `json:"state"`
	UserID        ref.UserID   `json:"user_id"`
	Connecting    bool         `json:"connecting"`
	Conversations []ref.UserID `json:"conversations"`
	Listeners     int          `json:"listeners"`
}

// Machine is the session state machine. Create it with New, start it
// with Run, then call the request methods from any goroutine. Each
// request blocks until the machine replies or ctx ends.
type Machine struct {
	dialer transport.Dialer
	server ref.ServerName
	logger *slog.Logger

	mailbox chan func()
	senders senderGate
	workers chan struct{}
	done    chan struct{}
	running atomic.Bool
	tasks   sync.WaitGroup

	// Owned by the Run goroutine.
	runContext context.Context
	state      State
	userID     ref.UserID
	handle     transport.Handle
	generation uint64
	connecting bool
	router     *router
	dispatcher *dispatcher
}

// New creates a stopped Machine.
func New(config Config, dialer transport.Dialer) (*Machine, error) {
	if dialer == nil {
		return nil, fmt.Errorf("session: dialer is required")
	}
	if config.Server.IsZero() {
		return nil, fmt.Errorf("session: Config.Server is required")
	}
	if config.QueueSize <= 0 {
		config.QueueSize = DefaultQueueSize
	}
	if config.Workers <= 0 {
		config.Workers = DefaultWorkers
	}
	if config.OutboxSize <= 0 {
		config.OutboxSize = DefaultOutboxSize
	}
	logger := config.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Machine{
		dialer:     dialer,
		server:     config.Server,
		logger:     logger,
		mailbox:    make(chan func(), config.QueueSize),
		workers:    make(chan struct{}, config.Workers),
		done:       make(chan struct{}),
		state:      Unconnected,
		router:     newRouter(config.OutboxSize, logger),
		dispatcher: &dispatcher{logger: logger},
	}, nil
}

// Server returns the home server used to qualify identities.
func (m *Machine) Server() ref.ServerName { return m.server }

// Done is closed when Run has begun shutting down.
func (m *Machine) Done() <-chan struct{} { return m.done }

// Run processes requests and inbound events until ctx ends. On exit
// it applies operations already queued, disconnects any live
// connection and waits for outstanding transport calls. Run may be
// called once.
func (m *Machine) Run(ctx context.Context) error {
	if !m.running.CompareAndSwap(false, true) {
		return fmt.Errorf("session: Run called more than once")
	}
	m.runContext = ctx
	m.logger.Info("session machine started", "server", m.server)

	for {
		select {
		case <-ctx.Done():
			m.shutdown()
			return nil
		case operation := <-m.mailbox:
			operation()
		}
	}
}

func (m *Machine) shutdown() {
	m.senders.close()
	close(m.done)
	m.senders.wait()
	// Operations accepted before the close still own resources.
	for drained := false; !drained; {
		select {
		case operation := <-m.mailbox:
			operation()
		default:
			drained = true
		}
	}
	if m.state == Connected {
		handle := m.handle
		wait := m.detach()
		wait()
		ctx, cancel := context.WithTimeout(context.WithoutCancel(m.runContext), disconnectTimeout)
		if err := handle.Disconnect(ctx); err != nil {
			m.logger.Warn("disconnect during shutdown failed", "error", err)
		}
		cancel()
	}
	m.tasks.Wait()
	m.logger.Info("session machine stopped")
}

// Connect dials and authenticates as identity. The caller keeps
// ownership of credential. Failures are *ConnectError, except
// ErrAlreadyConnected and ErrConnectInProgress. If ctx ends before the
// dial resolves, Connect returns a *ConnectError wrapping the context
// error and the dial's eventual result still applies.
func (m *Machine) Connect(ctx context.Context, identity Identity, credential *secret.Buffer) error {
	userID, err := ref.QualifyUser(string(identity), m.server)
	if err != nil {
		return &ConnectError{Err: fmt.Errorf("invalid identity %q: %w", identity, err)}
	}
	if credential == nil {
		return &ConnectError{UserID: userID, Err: errors.New("credential is required")}
	}
	kept, err := credential.Clone()
	if err != nil {
		return &ConnectError{UserID: userID, Err: err}
	}

	replies := make(reply[struct{}], 1)
	if err := m.post(ctx, func() { m.connect(userID, kept, replies) }); err != nil {
		kept.Close()
		return &ConnectError{UserID: userID, Err: err}
	}
	_, err = await(ctx, m, replies)
	if err != nil && (errors.Is(err, ctx.Err()) || errors.Is(err, ErrStopped)) {
		return &ConnectError{UserID: userID, Err: err}
	}
	return err
}

func (m *Machine) connect(userID ref.UserID, credential *secret.Buffer, replies reply[struct{}]) {
	switch {
	case m.state == Connected:
		credential.Close()
		replies.send(struct{}{}, ErrAlreadyConnected)
		return
	case m.connecting:
		credential.Close()
		replies.send(struct{}{}, ErrConnectInProgress)
		return
	}

	m.connecting = true
	m.logger.Info("connecting", "user_id", userID)
	m.spawn(func(ctx context.Context) {
		handle, err := m.dialer.Dial(ctx, userID, credential)
		credential.Close()
		applied := m.complete(func() { m.connected(userID, handle, err, replies) })
		if !applied && handle != nil {
			m.discard(ctx, handle)
		}
	})
}

func (m *Machine) connected(userID ref.UserID, handle transport.Handle, err error, replies reply[struct{}]) {
	m.connecting = false
	if err != nil {
		m.logger.Warn("connect failed", "user_id", userID, "error", err)
		replies.send(struct{}{}, &ConnectError{UserID: userID, Err: err})
		return
	}
	m.generation++
	m.handle = handle
	m.userID = handle.UserID()
	m.state = Connected
	handle.OnMessage(m.inbound(m.generation))
	m.logger.Info("connected", "user_id", m.userID)
	replies.send(struct{}{}, nil)
}

// discard disconnects a handle that arrived after the machine stopped.
func (m *Machine) discard(ctx context.Context, handle transport.Handle) {
	disconnectContext, cancel := context.WithTimeout(context.WithoutCancel(ctx), disconnectTimeout)
	defer cancel()
	if err := handle.Disconnect(disconnectContext); err != nil {
		m.logger.Warn("disconnecting abandoned connection failed", "user_id", handle.UserID(), "error", err)
	}
}

// Disconnect closes every conversation and the connection. The state
// is Unconnected as soon as the machine handles the request; Disconnect
// returns once channels and connection are closed. Transport errors
// are logged. Disconnect while Unconnected does nothing.
func (m *Machine) Disconnect(ctx context.Context) error {
	_, err := call(ctx, m, func(replies reply[struct{}]) {
		if m.state != Connected {
			replies.send(struct{}{}, nil)
			return
		}
		m.disconnect("requested", func() { replies.send(struct{}{}, nil) })
	})
	return err
}

// disconnect leaves Connected immediately and closes the old routes
// and handle on a worker, then calls finished there.
func (m *Machine) disconnect(reason string, finished func()) {
	handle := m.handle
	userID := m.userID
	wait := m.detach()
	m.logger.Info("disconnecting", "user_id", userID, "reason", reason)
	m.spawn(func(ctx context.Context) {
		wait()
		disconnectContext, cancel := context.WithTimeout(context.WithoutCancel(ctx), disconnectTimeout)
		defer cancel()
		if err := handle.Disconnect(disconnectContext); err != nil {
			m.logger.Warn("disconnect failed", "user_id", userID, "error", err)
		} else {
			m.logger.Info("disconnected", "user_id", userID)
		}
		finished()
	})
}

// detach moves to Unconnected and tears down every route. Bumping the
// generation makes callbacks from the old handle stale.
func (m *Machine) detach() (wait func()) {
	m.generation++
	m.state = Unconnected
	m.handle = nil
	m.userID = ref.UserID{}
	return m.router.teardownAll()
}

// RegisterAccount creates a new account through the live connection.
// The caller keeps ownership of credential. Account failures are
// returned as *transport.AccountError and logged.
func (m *Machine) RegisterAccount(ctx context.Context, identity Identity, credential *secret.Buffer) error {
	userID, err := ref.QualifyUser(string(identity), m.server)
	if err != nil {
		m.logger.Warn("account registration rejected", "identity", identity, "error", err)
		return &transport.AccountError{Kind: transport.InvalidIdentity, Err: err}
	}
	if credential == nil {
		return &transport.AccountError{Kind: transport.AccountErrorOther, UserID: userID, Err: errors.New("credential is required")}
	}
	kept, err := credential.Clone()
	if err != nil {
		return &transport.AccountError{Kind: transport.AccountErrorOther, UserID: userID, Err: err}
	}

	replies := make(reply[struct{}], 1)
	err = m.post(ctx, func() {
		if m.state != Connected {
			kept.Close()
			replies.send(struct{}{}, ErrNotConnected)
			return
		}
		handle := m.handle
		m.spawn(func(ctx context.Context) {
			err := handle.CreateAccount(ctx, userID, kept)
			kept.Close()
			if err != nil {
				m.logger.Warn("account registration failed", "new_user_id", userID, "error", err)
			} else {
				m.logger.Info("account registered", "new_user_id", userID)
			}
			replies.send(struct{}{}, err)
		})
	})
	if err != nil {
		kept.Close()
		return err
	}
	_, err = await(ctx, m, replies)
	return err
}

// DeleteAccount deletes the connected account, then disconnects
// whether or not the deletion succeeded. It returns the deletion
// result once the disconnect has finished.
func (m *Machine) DeleteAccount(ctx context.Context) error {
	_, err := call(ctx, m, func(replies reply[struct{}]) {
		if m.state != Connected {
			replies.send(struct{}{}, ErrNotConnected)
			return
		}
		handle := m.handle
		userID := m.userID
		generation := m.generation
		m.spawn(func(ctx context.Context) {
			err := handle.DeleteAccount(ctx)
			if err != nil {
				m.logger.Warn("account deletion failed", "user_id", userID, "error", err)
			} else {
				m.logger.Info("account deleted", "user_id", userID)
			}
			applied := m.complete(func() {
				if m.state == Connected && m.generation == generation {
					m.disconnect("account deleted", func() { replies.send(struct{}{}, err) })
					return
				}
				replies.send(struct{}{}, err)
			})
			if !applied {
				replies.send(struct{}{}, err)
			}
		})
	})
	return err
}

// SendMessage queues body for recipient, opening a conversation on
// first use. It returns once the message is queued; send failures are
// logged.
func (m *Machine) SendMessage(ctx context.Context, recipient Identity, body string) error {
	peer, err := m.qualifyRecipient(recipient)
	if err != nil {
		return err
	}
	return m.send(ctx, peer, transport.Outbound{Body: body})
}

// SendFileMessage sends a file reference to recipient: the body is a
// human-readable notice and the attachment carries the encoded
// reference. An invalid reference returns *oob.EncodeError and sends
// nothing.
func (m *Machine) SendFileMessage(ctx context.Context, recipient Identity, url, description string) error {
	peer, err := m.qualifyRecipient(recipient)
	if err != nil {
		return err
	}
	reference := oob.FileReference{URL: url, Description: description}
	payload, err := oob.Encode(reference)
	if err != nil {
		return err
	}
	return m.send(ctx, peer, transport.Outbound{
		Body:       oob.FallbackText(reference),
		Attachment: payload,
	})
}

func (m *Machine) qualifyRecipient(recipient Identity) (ref.UserID, error) {
	peer, err := ref.QualifyUser(string(recipient), m.server)
	if err != nil {
		return ref.UserID{}, fmt.Errorf("%w %q: %w", ErrInvalidRecipient, recipient, err)
	}
	return peer, nil
}

func (m *Machine) send(ctx context.Context, peer ref.UserID, message transport.Outbound) error {
	_, err := call(ctx, m, func(replies reply[struct{}]) {
		if m.state != Connected {
			replies.send(struct{}{}, ErrNotConnected)
			return
		}
		if peer == m.userID {
			replies.send(struct{}{}, transport.ErrSelfChannel)
			return
		}
		needOpen, err := m.router.enqueue(peer, message)
		if err != nil {
			replies.send(struct{}{}, err)
			return
		}
		if needOpen {
			m.open(peer)
		}
		replies.send(struct{}{}, nil)
	})
	return err
}

// open asks the transport for a channel to peer on a worker.
func (m *Machine) open(peer ref.UserID) {
	handle := m.handle
	generation := m.generation
	m.spawn(func(ctx context.Context) {
		channel, err := handle.OpenChannel(ctx, peer)
		applied := m.complete(func() { m.opened(generation, peer, channel, err) })
		if !applied && channel != nil {
			channel.Close()
		}
	})
}

func (m *Machine) opened(generation uint64, peer ref.UserID, channel transport.Channel, err error) {
	if generation != m.generation {
		if channel != nil {
			m.spawn(func(context.Context) { channel.Close() })
		}
		return
	}
	if err != nil {
		m.router.fail(peer, err)
		return
	}
	m.router.attach(m.runContext, peer, channel, m.inbound(generation))
}

// inbound returns a transport callback that feeds messages into the
// mailbox tagged with generation. It blocks while the mailbox is full
// and gives up once the machine stops.
func (m *Machine) inbound(generation uint64) func(transport.Message) {
	return func(message transport.Message) {
		m.complete(func() { m.receive(generation, message) })
	}
}

func (m *Machine) receive(generation uint64, message transport.Message) {
	if generation != m.generation || m.state != Connected {
		m.logger.Debug("dropping message from a closed connection", "sender", message.Sender, "event_id", message.ID)
		return
	}
	event, err := decodeInbound(message, m.server)
	if err != nil {
		m.logger.Warn("attachment did not decode, delivering as plain message",
			"sender", message.Sender,
			"event_id", message.ID,
			"error", err,
		)
	}
	m.dispatcher.dispatch(event)
}

// GetRoster returns the availability of every contact the transport
// knows about.
func (m *Machine) GetRoster(ctx context.Context) (transport.Roster, error) {
	return call(ctx, m, func(replies reply[transport.Roster]) {
		if m.state != Connected {
			replies.send(nil, ErrNotConnected)
			return
		}
		handle := m.handle
		m.spawn(func(ctx context.Context) {
			roster, err := handle.Roster(ctx)
			if err != nil {
				m.logger.Warn("roster lookup failed", "error", err)
			}
			replies.send(roster, err)
		})
	})
}

// RegisterListener adds listener to the fan-out. Registering the same
// listener twice has no effect. Listeners persist across reconnects.
func (m *Machine) RegisterListener(ctx context.Context, listener Listener) error {
	if err := checkListener(listener); err != nil {
		return err
	}
	_, err := call(ctx, m, func(replies reply[struct{}]) {
		if m.dispatcher.add(listener) {
			m.logger.Debug("listener registered", "listeners", m.dispatcher.len())
		}
		replies.send(struct{}{}, nil)
	})
	return err
}

// UnregisterListener removes listener. Removing an unknown listener
// has no effect.
func (m *Machine) UnregisterListener(ctx context.Context, listener Listener) error {
	if err := checkListener(listener); err != nil {
		return err
	}
	_, err := call(ctx, m, func(replies reply[struct{}]) {
		if m.dispatcher.remove(listener) {
			m.logger.Debug("listener unregistered", "listeners", m.dispatcher.len())
		}
		replies.send(struct{}{}, nil)
	})
	return err
}

// State returns the current connection state.
func (m *Machine) State(ctx context.Context) (State, error) {
	return call(ctx, m, func(replies reply[State]) {
		replies.send(m.state, nil)
	})
}

// Snapshot returns the state, identity, open conversations, and
// listener count.
func (m *Machine) Snapshot(ctx context.Context) (Snapshot, error) {
	return call(ctx, m, func(replies reply[Snapshot]) {
		replies.send(Snapshot{
			State:         m.state,
			UserID:        m.userID,
			Connecting:    m.connecting,
			Conversations: m.router.peers(),
			Listeners:     m.dispatcher.len(),
		}, nil)
	})
}

// post enqueues operation for the Run goroutine.
func (m *Machine) post(ctx context.Context, operation func()) error {
	if !m.senders.enter() {
		return ErrStopped
	}
	defer m.senders.leave()
	select {
	case m.mailbox <- operation:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-m.done:
		return ErrStopped
	}
}

// complete enqueues operation from a worker or transport callback. It
// reports false when the machine stopped first.
func (m *Machine) complete(operation func()) bool {
	if !m.senders.enter() {
		return false
	}
	defer m.senders.leave()
	select {
	case m.mailbox <- operation:
		return true
	case <-m.done:
		return false
	}
}

// senderGate tracks goroutines sending to the mailbox so shutdown can
// wait for them before the final drain.
type senderGate struct {
	mu     sync.Mutex
	closed bool
	active sync.WaitGroup
}

func (g *senderGate) enter() bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.closed {
		return false
	}
	g.active.Add(1)
	return true
}

func (g *senderGate) leave() { g.active.Done() }

func (g *senderGate) close() {
	g.mu.Lock()
	g.closed = true
	g.mu.Unlock()
}

// wait returns once every sender admitted before close has left.
func (g *senderGate) wait() { g.active.Wait() }

// spawn runs task on a worker goroutine, holding one of the worker
// slots. Called only from the Run goroutine. After shutdown begins,
// tasks run without a slot so they can release what they hold.
func (m *Machine) spawn(task func(ctx context.Context)) {
	ctx := m.runContext
	m.tasks.Add(1)
	go func() {
		defer m.tasks.Done()
		select {
		case m.workers <- struct{}{}:
			defer func() { <-m.workers }()
		case <-m.done:
		}
		task(ctx)
	}()
}

type result[T any] struct {
	value T
	err   error
}

// reply carries one answer from the machine to a waiting caller. It
// has capacity one so the machine never blocks on a caller that gave
// up.
type reply[T any] chan result[T]

func (r reply[T]) send(value T, err error) {
	r <- result[T]{value: value, err: err}
}

// call posts operation and waits for its reply.
func call[T any](ctx context.Context, m *Machine, operation func(reply[T])) (T, error) {
	replies := make(reply[T], 1)
	if err := m.post(ctx, func() { operation(replies) }); err != nil {
		var zero T
		return zero, err
	}
	return await(ctx, m, replies)
}

func await[T any](ctx context.Context, m *Machine, replies reply[T]) (T, error) {
	select {
	case answer := <-replies:
		return answer.value, answer.err
	case <-ctx.Done():
		var zero T
		return zero, ctx.Err()
	case <-m.done:
		select {
		case answer := <-replies:
			return answer.value, answer.err
		default:
			var zero T
			return zero, ErrStopped
		}
	}
}
