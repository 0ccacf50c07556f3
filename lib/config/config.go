// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package config

import (
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"os"
	"path/filepath"
	"regexp"
	"slices"
	"strings"
	"time"

	"github.com/tidwall/jsonc"
	"gopkg.in/yaml.v3"

	"github.com/bureau-foundation/parley/lib/ref"
)

// Environment represents the deployment environment.
type Environment string

const (
	Development Environment = "development"
	Staging     Environment = "staging"
	Production  Environment = "production"
)

// EnvVar names the environment variable Load reads.
const EnvVar = "PARLEY_CONFIG"

// Config is the complete parley configuration.
type Config struct {
	Environment Environment `yaml:"environment"`

	Matrix  MatrixConfig  `yaml:"matrix"`
	Session SessionConfig `yaml:"session"`
	Observe ObserveConfig `yaml:"observe"`
	Logging LoggingConfig `yaml:"logging"`

	Development *ConfigOverrides `yaml:"development,omitempty"`
	Staging     *ConfigOverrides `yaml:"staging,omitempty"`
	Production  *ConfigOverrides `yaml:"production,omitempty"`
}

// ConfigOverrides holds the per-environment replacements.
type ConfigOverrides struct {
	Matrix  *MatrixConfig  `yaml:"matrix,omitempty"`
	Session *SessionConfig `yaml:"session,omitempty"`
	Observe *ObserveConfig `yaml:"observe,omitempty"`
	Logging *LoggingConfig `yaml:"logging,omitempty"`
}

// MatrixConfig locates the homeserver.
type MatrixConfig struct {
	// HomeserverURL is the client-server API base URL.
	HomeserverURL string `yaml:"homeserver_url"`

	// ServerName qualifies bare identities such as "bob".
	ServerName string `yaml:"server_name"`

	// RegistrationTokenFile holds the token that authorizes account
	// registration. Optional; without it RegisterAccount fails.
	RegistrationTokenFile string `yaml:"registration_token_file"`

	// SyncTimeout is the /sync long-poll timeout, as a Go duration.
	SyncTimeout string `yaml:"sync_timeout"`
}

// SessionConfig sizes the session machine's queues.
type SessionConfig struct {
	QueueSize  int `yaml:"queue_size"`
	Workers    int `yaml:"workers"`
	OutboxSize int `yaml:"outbox_size"`
}

// ObserveConfig configures the HTTP/WebSocket bridge. An empty
// ListenAddr disables it.
type ObserveConfig struct {
	ListenAddr string `yaml:"listen_addr"`
}

// LoggingConfig selects the slog handler.
type LoggingConfig struct {
	// Level is debug, info, warn, or error.
	Level string `yaml:"level"`
	// Format is text or json.
	Format string `yaml:"format"`
}

// Default returns the base values a file is merged onto.
func Default() *Config {
	return &Config{
		Environment: Development,
		Matrix: MatrixConfig{
			HomeserverURL: "http://localhost:6167",
			ServerName:    "parley.local",
			SyncTimeout:   "30s",
		},
		Session: SessionConfig{
			QueueSize:  256,
			Workers:    4,
			OutboxSize: 64,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "text",
		},
	}
}

// Load reads the file named by PARLEY_CONFIG.
func Load() (*Config, error) {
	path := os.Getenv(EnvVar)
	if path == "" {
		return nil, fmt.Errorf("%s environment variable not set; "+
			"set it to the path of your parley.yaml, or use --config", EnvVar)
	}
	return LoadFile(path)
}

// LoadFile reads the configuration at path, applies the overrides for
// its environment, and expands variables. It does not validate.
func LoadFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: %w", err)
	}
	cfg, err := Parse(data, filepath.Ext(path))
	if err != nil {
		return nil, fmt.Errorf("config: %s: %w", path, err)
	}
	return cfg, nil
}

// Parse decodes configuration bytes. ext selects JSONC handling when
// it is ".jsonc" or ".json".
func Parse(data []byte, ext string) (*Config, error) {
	switch strings.ToLower(ext) {
	case ".jsonc", ".json":
		data = jsonc.ToJSON(data)
	}
	cfg := Default()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, err
	}
	cfg.applyEnvironmentOverrides()
	cfg.expandVariables()
	return cfg, nil
}

func (c *Config) applyEnvironmentOverrides() {
	var overrides *ConfigOverrides
	switch c.Environment {
	case Development:
		overrides = c.Development
	case Staging:
		overrides = c.Staging
	case Production:
		overrides = c.Production
		if overrides == nil {
			overrides = &ConfigOverrides{Logging: &LoggingConfig{Format: "json"}}
		}
	}
	if overrides == nil {
		return
	}

	if matrix := overrides.Matrix; matrix != nil {
		replace(&c.Matrix.HomeserverURL, matrix.HomeserverURL)
		replace(&c.Matrix.ServerName, matrix.ServerName)
		replace(&c.Matrix.RegistrationTokenFile, matrix.RegistrationTokenFile)
		replace(&c.Matrix.SyncTimeout, matrix.SyncTimeout)
	}
	if session := overrides.Session; session != nil {
		replace(&c.Session.QueueSize, session.QueueSize)
		replace(&c.Session.Workers, session.Workers)
		replace(&c.Session.OutboxSize, session.OutboxSize)
	}
	if observe := overrides.Observe; observe != nil {
		replace(&c.Observe.ListenAddr, observe.ListenAddr)
	}
	if logging := overrides.Logging; logging != nil {
		replace(&c.Logging.Level, logging.Level)
		replace(&c.Logging.Format, logging.Format)
	}
}

// replace overwrites *target when value is set.
func replace[T comparable](target *T, value T) {
	var zero T
	if value != zero {
		*target = value
	}
}

func (c *Config) expandVariables() {
	vars := map[string]string{"HOME": os.Getenv("HOME")}
	c.Matrix.HomeserverURL = expandVars(c.Matrix.HomeserverURL, vars)
	c.Matrix.RegistrationTokenFile = expandVars(c.Matrix.RegistrationTokenFile, vars)
}

var varPattern = regexp.MustCompile(`\$\{([^}:]+)(?::-([^}]*))?\}`)

// expandVars replaces ${VAR} and ${VAR:-default}. vars wins over the
// process environment; unset variables without a default become "".
func expandVars(s string, vars map[string]string) string {
	return varPattern.ReplaceAllStringFunc(s, func(match string) string {
		parts := varPattern.FindStringSubmatch(match)
		name, defaultValue := parts[1], parts[2]
		if value, ok := vars[name]; ok && value != "" {
			return value
		}
		if value := os.Getenv(name); value != "" {
			return value
		}
		return defaultValue
	})
}

var (
	logLevels  = []string{"debug", "info", "warn", "error"}
	logFormats = []string{"text", "json"}
)

// Validate reports every problem at once.
func (c *Config) Validate() error {
	var errs []error

	switch c.Environment {
	case Development, Staging, Production:
	default:
		errs = append(errs, fmt.Errorf("invalid environment: %q", c.Environment))
	}

	if c.Matrix.HomeserverURL == "" {
		errs = append(errs, errors.New("matrix.homeserver_url is required"))
	} else if parsed, err := url.Parse(c.Matrix.HomeserverURL); err != nil {
		errs = append(errs, fmt.Errorf("matrix.homeserver_url: %w", err))
	} else if parsed.Scheme != "http" && parsed.Scheme != "https" {
		errs = append(errs, fmt.Errorf("matrix.homeserver_url must be http or https, got %q", c.Matrix.HomeserverURL))
	}
	if _, err := c.ServerName(); err != nil {
		errs = append(errs, err)
	}
	if _, err := c.SyncTimeoutDuration(); err != nil {
		errs = append(errs, err)
	}

	if c.Session.QueueSize <= 0 {
		errs = append(errs, fmt.Errorf("session.queue_size must be positive, got %d", c.Session.QueueSize))
	}
	if c.Session.Workers <= 0 {
		errs = append(errs, fmt.Errorf("session.workers must be positive, got %d", c.Session.Workers))
	}
	if c.Session.OutboxSize <= 0 {
		errs = append(errs, fmt.Errorf("session.outbox_size must be positive, got %d", c.Session.OutboxSize))
	}

	if !slices.Contains(logLevels, c.Logging.Level) {
		errs = append(errs, fmt.Errorf("logging.level must be one of %v, got %q", logLevels, c.Logging.Level))
	}
	if !slices.Contains(logFormats, c.Logging.Format) {
		errs = append(errs, fmt.Errorf("logging.format must be one of %v, got %q", logFormats, c.Logging.Format))
	}

	return errors.Join(errs...)
}

// ServerName parses matrix.server_name.
func (c *Config) ServerName() (ref.ServerName, error) {
	server, err := ref.ParseServerName(c.Matrix.ServerName)
	if err != nil {
		return ref.ServerName{}, fmt.Errorf("matrix.server_name: %w", err)
	}
	return server, nil
}

// SyncTimeoutDuration parses matrix.sync_timeout.
func (c *Config) SyncTimeoutDuration() (time.Duration, error) {
	duration, err := time.ParseDuration(c.Matrix.SyncTimeout)
	if err != nil {
		return 0, fmt.Errorf("matrix.sync_timeout: %w", err)
	}
	if duration <= 0 {
		return 0, fmt.Errorf("matrix.sync_timeout must be positive, got %s", duration)
	}
	return duration, nil
}

// LogLevel maps logging.level to a slog.Level. Unknown values map to
// info; Validate rejects them first.
func (c *Config) LogLevel() slog.Level {
	switch c.Logging.Level {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
