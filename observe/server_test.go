// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package observe

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/bureau-foundation/parley/lib/oob"
	"github.com/bureau-foundation/parley/lib/ref"
	"github.com/bureau-foundation/parley/lib/testutil"
	"github.com/bureau-foundation/parley/session"
	"github.com/bureau-foundation/parley/transport"
)

type sentMessage struct {
	to          session.Identity
	body        string
	url         string
	description string
}

// fakeSession records requests and returns sendErr from sends.
type fakeSession struct {
	mu        sync.Mutex
	listeners []session.Listener
	sent      []sentMessage
	sendErr   error
	roster    transport.Roster

	registered   chan struct{}
	unregistered chan struct{}
}

func newFakeSession() *fakeSession {
	return &fakeSession{
		registered:   make(chan struct{}, 1),
		unregistered: make(chan struct{}, 1),
	}
}

func (f *fakeSession) RegisterListener(ctx context.Context, listener session.Listener) error {
	f.mu.Lock()
	f.listeners = append(f.listeners, listener)
	f.mu.Unlock()
	f.registered <- struct{}{}
	return nil
}

func (f *fakeSession) UnregisterListener(ctx context.Context, listener session.Listener) error {
	f.mu.Lock()
	for i, existing := range f.listeners {
		if existing == listener {
			f.listeners = append(f.listeners[:i], f.listeners[i+1:]...)
			break
		}
	}
	f.mu.Unlock()
	f.unregistered <- struct{}{}
	return nil
}

func (f *fakeSession) SendMessage(ctx context.Context, recipient session.Identity, body string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.sendErr != nil {
		return f.sendErr
	}
	f.sent = append(f.sent, sentMessage{to: recipient, body: body})
	return nil
}

func (f *fakeSession) SendFileMessage(ctx context.Context, recipient session.Identity, url, description string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.sendErr != nil {
		return f.sendErr
	}
	if _, err := oob.Encode(oob.FileReference{URL: url, Description: description}); err != nil {
		return err
	}
	f.sent = append(f.sent, sentMessage{to: recipient, url: url, description: description})
	return nil
}

func (f *fakeSession) GetRoster(ctx context.Context) (transport.Roster, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.roster == nil {
		return nil, session.ErrNotConnected
	}
	return f.roster, nil
}

func (f *fakeSession) listenerCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.listeners)
}

func postJSON(t *testing.T, handler http.Handler, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	request := httptest.NewRequest(http.MethodPost, path, bytes.NewBufferString(body))
	request.Header.Set("Content-Type", "application/json")
	recorder := httptest.NewRecorder()
	handler.ServeHTTP(recorder, request)
	return recorder
}

func TestHealthz(t *testing.T) {
	server := NewServer(newFakeSession(), Config{Logger: discardLogger()})
	recorder := httptest.NewRecorder()
	server.Handler().ServeHTTP(recorder, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	if recorder.Code != http.StatusOK {
		t.Fatalf("status = %d", recorder.Code)
	}
	if !strings.Contains(recorder.Body.String(), `"ok"`) {
		t.Errorf("body = %s", recorder.Body)
	}
}

func TestSendMessageEndpoint(t *testing.T) {
	fake := newFakeSession()
	handler := NewServer(fake, Config{Logger: discardLogger()}).Handler()

	recorder := postJSON(t, handler, "/messages", `{"to":"bob","body":"hi"}`)
	if recorder.Code != http.StatusAccepted {
		t.Fatalf("status = %d, body = %s", recorder.Code, recorder.Body)
	}
	if len(fake.sent) != 1 || fake.sent[0].to != "bob" || fake.sent[0].body != "hi" {
		t.Errorf("sent = %+v", fake.sent)
	}
}

func TestSendFileEndpoint(t *testing.T) {
	fake := newFakeSession()
	handler := NewServer(fake, Config{Logger: discardLogger()}).Handler()

	recorder := postJSON(t, handler, "/files", `{"to":"bob","url":"https://x/y","description":"d"}`)
	if recorder.Code != http.StatusAccepted {
		t.Fatalf("status = %d, body = %s", recorder.Code, recorder.Body)
	}
	if len(fake.sent) != 1 || fake.sent[0].url != "https://x/y" || fake.sent[0].description != "d" {
		t.Errorf("sent = %+v", fake.sent)
	}

	recorder = postJSON(t, handler, "/files", `{"to":"bob","url":""}`)
	if recorder.Code != http.StatusBadRequest {
		t.Errorf("empty url: status = %d", recorder.Code)
	}
}

func TestSendRequestValidation(t *testing.T) {
	handler := NewServer(newFakeSession(), Config{Logger: discardLogger()}).Handler()

	tests := []struct {
		name        string
		contentType string
		body        string
		want        int
	}{
		{"missing recipient", "application/json", `{"body":"hi"}`, http.StatusBadRequest},
		{"unknown field", "application/json", `{"to":"bob","text":"hi"}`, http.StatusBadRequest},
		{"malformed", "application/json", `{"to":`, http.StatusBadRequest},
		{"wrong content type", "text/plain", `{"to":"bob","body":"hi"}`, http.StatusUnsupportedMediaType},
		{"charset allowed", "application/json; charset=utf-8", `{"to":"bob","body":"hi"}`, http.StatusAccepted},
		{"too large", "application/json", `{"to":"bob","body":"` + strings.Repeat("x", maxRequestBody) + `"}`, http.StatusRequestEntityTooLarge},
	}
	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			request := httptest.NewRequest(http.MethodPost, "/messages", strings.NewReader(test.body))
			request.Header.Set("Content-Type", test.contentType)
			recorder := httptest.NewRecorder()
			handler.ServeHTTP(recorder, request)
			if recorder.Code != test.want {
				t.Errorf("status = %d, want %d (body %s)", recorder.Code, test.want, recorder.Body)
			}
		})
	}
}

func TestSendErrorStatus(t *testing.T) {
	tests := []struct {
		err  error
		want int
	}{
		{session.ErrNotConnected, http.StatusConflict},
		{session.ErrOutboxFull, http.StatusServiceUnavailable},
		{session.ErrStopped, http.StatusServiceUnavailable},
		{fmt.Errorf("%w %q", session.ErrInvalidRecipient, "@@"), http.StatusBadRequest},
		{transport.ErrSelfChannel, http.StatusBadRequest},
		{context.DeadlineExceeded, http.StatusGatewayTimeout},
		{errors.New("boom"), http.StatusInternalServerError},
	}
	for _, test := range tests {
		t.Run(test.err.Error(), func(t *testing.T) {
			fake := newFakeSession()
			fake.sendErr = test.err
			handler := NewServer(fake, Config{Logger: discardLogger()}).Handler()
			recorder := postJSON(t, handler, "/messages", `{"to":"bob","body":"hi"}`)
			if recorder.Code != test.want {
				t.Errorf("status = %d, want %d", recorder.Code, test.want)
			}
			var body map[string]string
			if err := json.Unmarshal(recorder.Body.Bytes(), &body); err != nil || body["error"] == "" {
				t.Errorf("error body = %s", recorder.Body)
			}
		})
	}
}

func TestRosterEndpoint(t *testing.T) {
	fake := newFakeSession()
	handler := NewServer(fake, Config{Logger: discardLogger()}).Handler()

	recorder := httptest.NewRecorder()
	handler.ServeHTTP(recorder, httptest.NewRequest(http.MethodGet, "/roster", nil))
	if recorder.Code != http.StatusConflict {
		t.Errorf("unconnected roster: status = %d", recorder.Code)
	}

	fake.roster = transport.Roster{
		ref.MustParseUserID("@carol:parley.test"): transport.Away,
		ref.MustParseUserID("@bob:parley.test"):   transport.Available,
	}
	recorder = httptest.NewRecorder()
	handler.ServeHTTP(recorder, httptest.NewRequest(http.MethodGet, "/roster", nil))
	if recorder.Code != http.StatusOK {
		t.Fatalf("status = %d", recorder.Code)
	}
	var response struct {
		Contacts []contact `json:"contacts"`
	}
	if err := json.Unmarshal(recorder.Body.Bytes(), &response); err != nil {
		t.Fatal(err)
	}
	want := []contact{
		{UserID: "@bob:parley.test", Availability: transport.Available},
		{UserID: "@carol:parley.test", Availability: transport.Away},
	}
	if len(response.Contacts) != len(want) {
		t.Fatalf("contacts = %+v", response.Contacts)
	}
	for i := range want {
		if response.Contacts[i] != want[i] {
			t.Errorf("contacts[%d] = %+v, want %+v", i, response.Contacts[i], want[i])
		}
	}
}

func dialEvents(t *testing.T, baseURL string) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(baseURL, "http") + "/events"
	conn, response, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dialing %s: %v", url, err)
	}
	response.Body.Close()
	t.Cleanup(func() { conn.Close() })
	return conn
}

func TestEventStream(t *testing.T) {
	server := NewServer(newFakeSession(), Config{Logger: discardLogger()})
	httpServer := httptest.NewServer(server.Handler())
	defer httpServer.Close()

	conn := dialEvents(t, httpServer.URL)
	if server.Hub().Clients() != 1 {
		t.Fatalf("Clients() = %d after dial", server.Hub().Clients())
	}

	event := testEvent("over the wire")
	event.Kind = session.FileMessage
	event.Reference = &oob.FileReference{URL: "https://x/y", Description: "d"}
	server.Hub().OnEvent(event)

	conn.SetReadDeadline(time.Now().Add(testTimeout))
	messageType, data, err := conn.ReadMessage()
	if err != nil {
		t.Fatalf("ReadMessage: %v", err)
	}
	if messageType != websocket.TextMessage {
		t.Errorf("message type = %d", messageType)
	}
	var decoded struct {
		Kind       string             `json:"kind"`
		Conversant string             `json:"conversant"`
		Body       string             `json:"body"`
		Reference  *oob.FileReference `json:"reference"`
	}
	if err := json.Unmarshal(data, &decoded); err != nil {
		t.Fatalf("decoding %s: %v", data, err)
	}
	if decoded.Kind != "file" || decoded.Conversant != "bob" || decoded.Body != "over the wire" {
		t.Errorf("event = %s", data)
	}
	if decoded.Reference == nil || *decoded.Reference != *event.Reference {
		t.Errorf("reference = %+v", decoded.Reference)
	}

	conn.Close()
	deadline := time.Now().Add(testTimeout)
	for server.Hub().Clients() != 0 {
		if time.Now().After(deadline) {
			t.Fatal("client still subscribed after closing")
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestServeLifecycle(t *testing.T) {
	fake := newFakeSession()
	server := NewServer(fake, Config{Logger: discardLogger()})
	listener, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	served := make(chan error, 1)
	go func() { served <- server.Serve(ctx, listener) }()

	testutil.RequireReceive(t, fake.registered, testTimeout, "hub registration")
	if fake.listenerCount() != 1 {
		t.Fatalf("listeners = %d", fake.listenerCount())
	}

	conn := dialEvents(t, "http://"+listener.Addr().String())
	fake.mu.Lock()
	hub := fake.listeners[0]
	fake.mu.Unlock()
	body := testutil.UniqueID("through the session")
	hub.OnEvent(testEvent(body))
	conn.SetReadDeadline(time.Now().Add(testTimeout))
	if _, data, err := conn.ReadMessage(); err != nil || !strings.Contains(string(data), body) {
		t.Fatalf("ReadMessage = %s, %v", data, err)
	}

	cancel()
	if err := testutil.RequireReceive(t, served, testTimeout, "Serve return"); err != nil {
		t.Errorf("Serve: %v", err)
	}
	testutil.RequireReceive(t, fake.unregistered, testTimeout, "hub unregistration")
	if fake.listenerCount() != 0 {
		t.Errorf("listeners = %d after shutdown", fake.listenerCount())
	}

	// The event stream ends with a close frame.
	conn.SetReadDeadline(time.Now().Add(testTimeout))
	if _, _, err := conn.ReadMessage(); !websocket.IsCloseError(err, websocket.CloseGoingAway) {
		t.Errorf("read after shutdown: %v", err)
	}
}

func TestListenAndServeRequiresAddress(t *testing.T) {
	server := NewServer(newFakeSession(), Config{Logger: discardLogger()})
	if err := server.ListenAndServe(context.Background()); err == nil {
		t.Error("ListenAndServe with no address succeeded")
	}
}
