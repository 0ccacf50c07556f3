// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package observe

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"mime"
	"net"
	"net/http"
	"slices"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/gorilla/websocket"

	"github.com/bureau-foundation/parley/lib/netutil"
	"github.com/bureau-foundation/parley/lib/oob"
	"github.com/bureau-foundation/parley/session"
	"github.com/bureau-foundation/parley/transport"
)

const (
	// maxRequestBody bounds POST bodies.
	maxRequestBody = 64 << 10

	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingInterval   = 30 * time.Second
	requestTimeout = 30 * time.Second
	shutdownWait   = 5 * time.Second
)

// Session is the part of session.Machine the server drives.
type Session interface {
	RegisterListener(ctx context.Context, listener session.Listener) error
	UnregisterListener(ctx context.Context, listener session.Listener) error
	SendMessage(ctx context.Context, recipient session.Identity, body string) error
	SendFileMessage(ctx context.Context, recipient session.Identity, url, description string) error
	GetRoster(ctx context.Context) (transport.Roster, error)
}

// Config configures a Server.
type Config struct {
	// ListenAddr is the TCP address for ListenAndServe, such as
	// "127.0.0.1:8765".
	ListenAddr string

	// ClientBuffer is passed to NewHub.
	ClientBuffer int

	Logger *slog.Logger
}

// Server serves the observe API for one session.
type Server struct {
	session    Session
	listenAddr string
	logger     *slog.Logger
	hub        *Hub
	upgrader   websocket.Upgrader
}

// NewServer returns a server for sess. Nothing is registered with the
// session until Serve.
func NewServer(sess Session, config Config) *Server {
	logger := config.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{
		session:    sess,
		listenAddr: config.ListenAddr,
		logger:     logger,
		hub:        NewHub(config.ClientBuffer, logger),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
		},
	}
}

// Hub returns the server's event hub.
func (s *Server) Hub() *Hub { return s.hub }

// Handler returns the HTTP routes.
func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(s.logRequests)

	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		respondJSON(w, s.logger, http.StatusOK, map[string]string{"status": "ok"})
	})
	r.Get("/events", s.handleEvents)
	r.Group(func(api chi.Router) {
		api.Use(middleware.Timeout(requestTimeout))
		api.Post("/messages", s.handleSendMessage)
		api.Post("/files", s.handleSendFile)
		api.Get("/roster", s.handleRoster)
	})
	return r
}

// ListenAndServe listens on the configured address and calls Serve.
func (s *Server) ListenAndServe(ctx context.Context) error {
	if s.listenAddr == "" {
		return errors.New("observe: listen address is required")
	}
	listener, err := net.Listen("tcp", s.listenAddr)
	if err != nil {
		return fmt.Errorf("observe: listening on %s: %w", s.listenAddr, err)
	}
	return s.Serve(ctx, listener)
}

// Serve registers the hub with the session and serves on listener
// until ctx is done. On return the hub is unregistered and every
// event client has been disconnected.
func (s *Server) Serve(ctx context.Context, listener net.Listener) error {
	if err := s.session.RegisterListener(ctx, s.hub); err != nil {
		listener.Close()
		return fmt.Errorf("observe: registering event hub: %w", err)
	}
	defer func() {
		unregisterCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), shutdownWait)
		defer cancel()
		if err := s.session.UnregisterListener(unregisterCtx, s.hub); err != nil && !errors.Is(err, session.ErrStopped) {
			s.logger.Warn("unregistering event hub failed", "error", err)
		}
	}()

	httpServer := &http.Server{
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		ErrorLog:          slog.NewLogLogger(s.logger.Handler(), slog.LevelWarn),
	}

	stopped := make(chan struct{})
	go func() {
		defer close(stopped)
		<-ctx.Done()
		// Hijacked WebSocket connections are invisible to Shutdown.
		s.hub.Close()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownWait)
		defer cancel()
		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			s.logger.Warn("observe server shutdown incomplete", "error", err)
		}
	}()

	s.logger.Info("observe server listening", "addr", listener.Addr().String())
	err := httpServer.Serve(listener)
	if netutil.IsExpectedCloseError(err) {
		<-stopped
		return nil
	}
	s.hub.Close()
	return fmt.Errorf("observe: serving: %w", err)
}

func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	subscriber := s.hub.subscribe()
	if subscriber == nil {
		respondError(w, s.logger, http.StatusServiceUnavailable, "server is shutting down")
		return
	}
	defer s.hub.unsubscribe(subscriber)

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Debug("websocket upgrade failed", "client_id", subscriber.id, "error", err)
		return
	}
	defer conn.Close()

	// The stream is one-way; reading only services control frames
	// and notices the peer going away.
	readDone := make(chan struct{})
	go func() {
		defer close(readDone)
		conn.SetReadLimit(512)
		conn.SetReadDeadline(time.Now().Add(pongWait))
		conn.SetPongHandler(func(string) error {
			return conn.SetReadDeadline(time.Now().Add(pongWait))
		})
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
					s.logger.Debug("event client read failed", "client_id", subscriber.id, "error", err)
				}
				return
			}
		}
	}()

	ticker := time.NewTicker(pingInterval)
	defer ticker.Stop()
	for {
		select {
		case data, ok := <-subscriber.send:
			conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				conn.WriteMessage(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseGoingAway, "event stream closed"))
				return
			}
			if err := conn.WriteMessage(websocket.TextMessage, data); err != nil {
				s.logger.Debug("event client write failed", "client_id", subscriber.id, "error", err)
				return
			}
		case <-ticker.C:
			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait)); err != nil {
				return
			}
		case <-readDone:
			return
		}
	}
}

type sendMessageRequest struct {
	To   string `json:"to"`
	Body string `json:"body"`
}

type sendFileRequest struct {
	To          string `json:"to"`
	URL         string `json:"url"`
	Description string `json:"description,omitempty"`
}

func (s *Server) handleSendMessage(w http.ResponseWriter, r *http.Request) {
	var request sendMessageRequest
	if !s.decodeRequest(w, r, &request) {
		return
	}
	if strings.TrimSpace(request.To) == "" {
		respondError(w, s.logger, http.StatusBadRequest, "to is required")
		return
	}
	err := s.session.SendMessage(r.Context(), session.Identity(request.To), request.Body)
	s.respondQueued(w, err)
}

func (s *Server) handleSendFile(w http.ResponseWriter, r *http.Request) {
	var request sendFileRequest
	if !s.decodeRequest(w, r, &request) {
		return
	}
	if strings.TrimSpace(request.To) == "" {
		respondError(w, s.logger, http.StatusBadRequest, "to is required")
		return
	}
	err := s.session.SendFileMessage(r.Context(), session.Identity(request.To), request.URL, request.Description)
	s.respondQueued(w, err)
}

// contact is one roster entry in a /roster response.
type contact struct {
	UserID       string                 `json:"user_id"`
	Availability transport.Availability `json:"availability"`
}

func (s *Server) handleRoster(w http.ResponseWriter, r *http.Request) {
	roster, err := s.session.GetRoster(r.Context())
	if err != nil {
		respondError(w, s.logger, statusFor(err), err.Error())
		return
	}
	contacts := make([]contact, 0, len(roster))
	for userID, availability := range roster {
		contacts = append(contacts, contact{UserID: userID.String(), Availability: availability})
	}
	slices.SortFunc(contacts, func(a, b contact) int {
		return strings.Compare(a.UserID, b.UserID)
	})
	respondJSON(w, s.logger, http.StatusOK, map[string]any{"contacts": contacts})
}

// decodeRequest decodes a JSON request body into v, writing an error
// response and returning false when the body is unacceptable.
func (s *Server) decodeRequest(w http.ResponseWriter, r *http.Request, v any) bool {
	mediaType, _, err := mime.ParseMediaType(r.Header.Get("Content-Type"))
	if err != nil || mediaType != "application/json" {
		respondError(w, s.logger, http.StatusUnsupportedMediaType, "content type must be application/json")
		return false
	}
	decoder := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxRequestBody))
	decoder.DisallowUnknownFields()
	if err := decoder.Decode(v); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			respondError(w, s.logger, http.StatusRequestEntityTooLarge, "request body too large")
			return false
		}
		respondError(w, s.logger, http.StatusBadRequest, "invalid request body: "+err.Error())
		return false
	}
	return true
}

func (s *Server) respondQueued(w http.ResponseWriter, err error) {
	if err != nil {
		respondError(w, s.logger, statusFor(err), err.Error())
		return
	}
	respondJSON(w, s.logger, http.StatusAccepted, map[string]string{"status": "queued"})
}

// statusFor maps session errors to HTTP status codes.
func statusFor(err error) int {
	var encodeErr *oob.EncodeError
	switch {
	case errors.Is(err, session.ErrInvalidRecipient),
		errors.Is(err, transport.ErrSelfChannel),
		errors.As(err, &encodeErr):
		return http.StatusBadRequest
	case errors.Is(err, session.ErrNotConnected):
		return http.StatusConflict
	case errors.Is(err, session.ErrOutboxFull),
		errors.Is(err, session.ErrStopped):
		return http.StatusServiceUnavailable
	case errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout
	default:
		return http.StatusInternalServerError
	}
}

func respondJSON(w http.ResponseWriter, logger *slog.Logger, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		logger.Debug("writing response failed", "error", err)
	}
}

func respondError(w http.ResponseWriter, logger *slog.Logger, status int, message string) {
	respondJSON(w, logger, status, map[string]string{"error": message})
}

// logRequests logs each request at debug level once it completes.
func (s *Server) logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		wrapped := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(wrapped, r)
		s.logger.Debug("observe request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", wrapped.Status(),
			"bytes", wrapped.BytesWritten(),
			"duration", time.Since(start),
			"request_id", middleware.GetReqID(r.Context()),
		)
	})
}
