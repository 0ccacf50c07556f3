// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package messaging

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"slices"
	"strings"

	"github.com/bureau-foundation/parley/lib/netutil"
	"github.com/bureau-foundation/parley/lib/ref"
	"github.com/bureau-foundation/parley/lib/secret"
)

// DeviceDisplayName is sent with every login and registration.
const DeviceDisplayName = "parley"

// ClientConfig holds configuration for creating a Client.
type ClientConfig struct {
	// HomeserverURL is the base URL of the homeserver
	// (e.g., "http://localhost:6167").
	HomeserverURL string
	// HTTPClient is used for all requests. If nil, http.DefaultClient is used.
	HTTPClient *http.Client
	// Logger is used for structured logging. If nil, slog.Default() is used.
	Logger *slog.Logger
}

// Client is an unauthenticated Matrix client. It is shared by every
// DirectSession derived from it.
type Client struct {
	baseURL    string
	httpClient *http.Client
	logger     *slog.Logger
}

// NewClient creates a new unauthenticated Matrix client.
func NewClient(config ClientConfig) (*Client, error) {
	if config.HomeserverURL == "" {
		return nil, fmt.Errorf("messaging: HomeserverURL is required")
	}
	parsed, err := url.Parse(config.HomeserverURL)
	if err != nil {
		return nil, fmt.Errorf("messaging: invalid HomeserverURL %q: %w", config.HomeserverURL, err)
	}
	if parsed.Scheme != "http" && parsed.Scheme != "https" {
		return nil, fmt.Errorf("messaging: HomeserverURL %q must use http or https", config.HomeserverURL)
	}

	httpClient := config.HTTPClient
	if httpClient == nil {
		httpClient = http.DefaultClient
	}
	logger := config.Logger
	if logger == nil {
		logger = slog.Default()
	}

	return &Client{
		baseURL:    strings.TrimRight(config.HomeserverURL, "/"),
		httpClient: httpClient,
		logger:     logger,
	}, nil
}

// ServerVersions returns the protocol versions the homeserver supports.
// Unauthenticated; useful as a reachability check.
func (c *Client) ServerVersions(ctx context.Context) (*ServerVersionsResponse, error) {
	body, err := c.doRequest(ctx, http.MethodGet, "/_matrix/client/versions", nil, nil)
	if err != nil {
		return nil, fmt.Errorf("messaging: server versions failed: %w", err)
	}
	var response ServerVersionsResponse
	if err := json.Unmarshal(body, &response); err != nil {
		return nil, fmt.Errorf("messaging: failed to parse versions response: %w", err)
	}
	return &response, nil
}

// Register creates an account and returns a session for it.
//
// The first request carries no auth and normally draws a 401 listing
// the UIAA flows. The second completes the registration token stage
// when request.RegistrationToken is set, or the dummy stage when the
// server offers it. The caller keeps ownership of both buffers.
func (c *Client) Register(ctx context.Context, request RegisterRequest) (*DirectSession, error) {
	if request.Username == "" {
		return nil, fmt.Errorf("messaging: username is required for registration")
	}
	if request.Password == nil {
		return nil, fmt.Errorf("messaging: password is required for registration")
	}

	firstAttempt := map[string]any{
		"username":                    request.Username,
		"password":                    request.Password.Reveal(),
		"initial_device_display_name": DeviceDisplayName,
	}
	body, err := c.doRequest(ctx, http.MethodPost, "/_matrix/client/v3/register", nil, firstAttempt)
	if err == nil {
		return c.sessionFromAuthBody(body, "register")
	}
	if !isUnauthorizedUIAA(err) {
		return nil, fmt.Errorf("messaging: registration failed: %w", err)
	}

	challenge, err := parseUIAAChallenge(body)
	if err != nil {
		return nil, err
	}
	auth, err := registrationStage(challenge, request.RegistrationToken)
	if err != nil {
		return nil, err
	}

	completeRequest := map[string]any{
		"username":                    request.Username,
		"password":                    request.Password.Reveal(),
		"initial_device_display_name": DeviceDisplayName,
		"auth":                        auth,
	}
	body, err = c.doRequest(ctx, http.MethodPost, "/_matrix/client/v3/register", nil, completeRequest)
	if err != nil {
		return nil, fmt.Errorf("messaging: registration failed: %w", err)
	}

	session, err := c.sessionFromAuthBody(body, "register")
	if err != nil {
		return nil, err
	}
	c.logger.Info("registered matrix account",
		"user_id", session.userID,
		"device_id", session.deviceID,
	)
	return session, nil
}

// registrationStage picks the auth block that completes a UIAA
// challenge for registration.
func registrationStage(challenge *uiaaChallenge, token *secret.Buffer) (map[string]any, error) {
	if token != nil && challenge.offers("m.login.registration_token") {
		return map[string]any{
			"type":    "m.login.registration_token",
			"token":   token.Reveal(),
			"session": challenge.Session,
		}, nil
	}
	if challenge.offers("m.login.dummy") {
		return map[string]any{
			"type":    "m.login.dummy",
			"session": challenge.Session,
		}, nil
	}
	if token == nil {
		return nil, fmt.Errorf("messaging: homeserver requires a registration token")
	}
	return nil, fmt.Errorf("messaging: homeserver offers no supported registration flow")
}

// Login authenticates with a password and returns a DirectSession.
// username may be a localpart or a full user ID. The caller keeps
// ownership of password.
func (c *Client) Login(ctx context.Context, username string, password *secret.Buffer) (*DirectSession, error) {
	if username == "" {
		return nil, fmt.Errorf("messaging: username is required for login")
	}
	if password == nil {
		return nil, fmt.Errorf("messaging: password is required for login")
	}

	loginRequest := LoginRequest{
		Type: "m.login.password",
		Identifier: UserIdentifier{
			Type: "m.id.user",
			User: username,
		},
		Password:                 password.Reveal(),
		InitialDeviceDisplayName: DeviceDisplayName,
	}
	body, err := c.doRequest(ctx, http.MethodPost, "/_matrix/client/v3/login", nil, loginRequest)
	if err != nil {
		return nil, fmt.Errorf("messaging: login failed: %w", err)
	}

	session, err := c.sessionFromAuthBody(body, "login")
	if err != nil {
		return nil, err
	}
	c.logger.Info("logged in to matrix",
		"user_id", session.userID,
		"device_id", session.deviceID,
	)
	return session, nil
}

// SessionFromToken wraps an existing access token. The token is not
// validated; the first API call fails if it is wrong. The caller must
// Close the returned session.
func (c *Client) SessionFromToken(userID ref.UserID, accessToken string) (*DirectSession, error) {
	tokenBuffer, err := secret.NewFromString(accessToken)
	if err != nil {
		return nil, fmt.Errorf("messaging: protecting access token: %w", err)
	}
	return &DirectSession{
		client:      c,
		accessToken: tokenBuffer,
		userID:      userID,
	}, nil
}

func (c *Client) sessionFromAuthBody(body []byte, operation string) (*DirectSession, error) {
	var auth AuthResponse
	if err := json.Unmarshal(body, &auth); err != nil {
		return nil, fmt.Errorf("messaging: failed to parse %s response: %w", operation, err)
	}
	if auth.AccessToken == "" {
		return nil, fmt.Errorf("messaging: %s response has no access token", operation)
	}
	tokenBuffer, err := secret.NewFromString(auth.AccessToken)
	if err != nil {
		return nil, fmt.Errorf("messaging: protecting access token: %w", err)
	}
	return &DirectSession{
		client:      c,
		accessToken: tokenBuffer,
		userID:      auth.UserID,
		deviceID:    auth.DeviceID,
	}, nil
}

// doRequest performs an HTTP request and returns the response body.
// On 2xx it returns the body. Otherwise it returns a *MatrixError and
// also the body, so UIAA callers can read the challenge. accessToken
// and query may be nil.
func (c *Client) doRequest(ctx context.Context, method, path string, accessToken *secret.Buffer, requestBody any, query ...url.Values) ([]byte, error) {
	requestURL := c.baseURL + path
	if len(query) > 0 && len(query[0]) > 0 {
		requestURL += "?" + query[0].Encode()
	}

	var bodyReader io.Reader
	if requestBody != nil {
		encoded, err := json.Marshal(requestBody)
		if err != nil {
			return nil, fmt.Errorf("messaging: failed to encode request body: %w", err)
		}
		bodyReader = bytes.NewReader(encoded)
	}

	request, err := http.NewRequestWithContext(ctx, method, requestURL, bodyReader)
	if err != nil {
		return nil, fmt.Errorf("messaging: failed to create request: %w", err)
	}
	if requestBody != nil {
		request.Header.Set("Content-Type", "application/json")
	}
	if accessToken != nil {
		request.Header.Set("Authorization", "Bearer "+accessToken.Reveal())
	}

	response, err := c.httpClient.Do(request)
	if err != nil {
		return nil, fmt.Errorf("messaging: request to %s %s failed: %w", method, path, err)
	}
	defer response.Body.Close()

	responseBody, err := netutil.ReadResponse(response.Body)
	if err != nil {
		return nil, fmt.Errorf("messaging: failed to read response body: %w", err)
	}
	if response.StatusCode >= 200 && response.StatusCode < 300 {
		return responseBody, nil
	}

	var matrixErr MatrixError
	if jsonErr := json.Unmarshal(responseBody, &matrixErr); jsonErr != nil {
		return nil, fmt.Errorf("messaging: unexpected %d response from %s %s: %s",
			response.StatusCode, method, path, string(responseBody))
	}
	matrixErr.StatusCode = response.StatusCode
	return responseBody, &matrixErr
}

// isUnauthorizedUIAA reports whether err is the 401 that opens a UIAA
// exchange.
func isUnauthorizedUIAA(err error) bool {
	var matrixErr *MatrixError
	if !errors.As(err, &matrixErr) {
		return false
	}
	return matrixErr.StatusCode == http.StatusUnauthorized && matrixErr.Code != ErrCodeUnknownToken
}

// uiaaChallenge is the body of a UIAA 401.
type uiaaChallenge struct {
	Session string `json:"session"`
	Flows   []struct {
		Stages []string `json:"stages"`
	} `json:"flows"`
}

func (c *uiaaChallenge) offers(stage string) bool {
	for _, flow := range c.Flows {
		if slices.Contains(flow.Stages, stage) {
			return true
		}
	}
	return false
}

func parseUIAAChallenge(body []byte) (*uiaaChallenge, error) {
	var challenge uiaaChallenge
	if err := json.Unmarshal(body, &challenge); err != nil {
		return nil, fmt.Errorf("messaging: failed to parse UIAA response: %w", err)
	}
	if challenge.Session == "" {
		return nil, fmt.Errorf("messaging: UIAA response missing session ID")
	}
	return &challenge, nil
}
