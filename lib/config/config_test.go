// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package config

import (
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func writeConfig(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatalf("writing config: %v", err)
	}
	return path
}

func TestDefaultIsValid(t *testing.T) {
	cfg := Default()
	if err := cfg.Validate(); err != nil {
		t.Fatalf("Default().Validate(): %v", err)
	}
	if cfg.Session.QueueSize != 256 || cfg.Session.Workers != 4 || cfg.Session.OutboxSize != 64 {
		t.Errorf("unexpected session defaults: %+v", cfg.Session)
	}
}

func TestLoadRequiresEnvVar(t *testing.T) {
	t.Setenv(EnvVar, "")
	_, err := Load()
	if err == nil || !strings.Contains(err.Error(), "PARLEY_CONFIG") {
		t.Fatalf("Load() error = %v, want mention of PARLEY_CONFIG", err)
	}
}

func TestLoadFromEnvVar(t *testing.T) {
	path := writeConfig(t, "parley.yaml", `
environment: staging
matrix:
  homeserver_url: https://matrix.example.org
  server_name: example.org
session:
  workers: 8
`)
	t.Setenv(EnvVar, path)

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Environment != Staging {
		t.Errorf("environment = %s", cfg.Environment)
	}
	if cfg.Matrix.ServerName != "example.org" || cfg.Session.Workers != 8 {
		t.Errorf("file values not applied: %+v", cfg)
	}
	if cfg.Session.QueueSize != 256 {
		t.Errorf("unset field lost its default: queue_size = %d", cfg.Session.QueueSize)
	}
	if err := cfg.Validate(); err != nil {
		t.Errorf("Validate: %v", err)
	}
}

func TestLoadFileMissing(t *testing.T) {
	if _, err := LoadFile(filepath.Join(t.TempDir(), "absent.yaml")); err == nil {
		t.Fatal("expected error for missing file")
	}
}

func TestJSONCConfig(t *testing.T) {
	path := writeConfig(t, "parley.jsonc", `{
  // local homeserver
  "matrix": {
    "server_name": "jsonc.local",
    "sync_timeout": "5s", /* short for tests */
  },
  "logging": {"level": "debug",},
}`)
	cfg, err := LoadFile(path)
	if err != nil {
		t.Fatalf("LoadFile: %v", err)
	}
	if cfg.Matrix.ServerName != "jsonc.local" || cfg.Logging.Level != "debug" {
		t.Errorf("JSONC values not applied: %+v", cfg)
	}
	timeout, err := cfg.SyncTimeoutDuration()
	if err != nil || timeout != 5*time.Second {
		t.Errorf("SyncTimeoutDuration() = %v, %v", timeout, err)
	}
}

func TestEnvironmentOverrides(t *testing.T) {
	content := `
environment: %s
matrix:
  homeserver_url: http://localhost:6167
development:
  session:
    outbox_size: 8
  logging:
    level: debug
production:
  matrix:
    homeserver_url: https://matrix.example.org
`
	tests := []struct {
		environment string
		check       func(t *testing.T, cfg *Config)
	}{
		{
			environment: "development",
			check: func(t *testing.T, cfg *Config) {
				if cfg.Session.OutboxSize != 8 || cfg.Logging.Level != "debug" {
					t.Errorf("development overrides not applied: %+v", cfg)
				}
				if cfg.Matrix.HomeserverURL != "http://localhost:6167" {
					t.Errorf("production override leaked: %s", cfg.Matrix.HomeserverURL)
				}
			},
		},
		{
			environment: "production",
			check: func(t *testing.T, cfg *Config) {
				if cfg.Matrix.HomeserverURL != "https://matrix.example.org" {
					t.Errorf("homeserver_url = %s", cfg.Matrix.HomeserverURL)
				}
				if cfg.Session.OutboxSize != 64 {
					t.Errorf("development override leaked: outbox_size = %d", cfg.Session.OutboxSize)
				}
				if cfg.Logging.Format != "text" {
					t.Errorf("explicit production section should not force json, got %s", cfg.Logging.Format)
				}
			},
		},
	}
	for _, test := range tests {
		t.Run(test.environment, func(t *testing.T) {
			cfg, err := Parse([]byte(strings.Replace(content, "%s", test.environment, 1)), ".yaml")
			if err != nil {
				t.Fatalf("Parse: %v", err)
			}
			test.check(t, cfg)
		})
	}
}

func TestProductionDefaultsToJSONLogs(t *testing.T) {
	cfg, err := Parse([]byte("environment: production\n"), ".yaml")
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if cfg.Logging.Format != "json" {
		t.Errorf("logging.format = %s, want json", cfg.Logging.Format)
	}
}

func TestVariableExpansion(t *testing.T) {
	t.Setenv("HOME", "/home/alice")
	t.Setenv("PARLEY_TEST_HOST", "matrix.internal")
	cfg, err := Parse([]byte(`
matrix:
  homeserver_url: https://${PARLEY_TEST_HOST}:${PARLEY_TEST_PORT:-8448}
  registration_token_file: ${HOME}/.config/parley/token
`), ".yaml")
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if cfg.Matrix.HomeserverURL != "https://matrix.internal:8448" {
		t.Errorf("homeserver_url = %s", cfg.Matrix.HomeserverURL)
	}
	if cfg.Matrix.RegistrationTokenFile != "/home/alice/.config/parley/token" {
		t.Errorf("registration_token_file = %s", cfg.Matrix.RegistrationTokenFile)
	}
}

func TestValidateCollectsEveryError(t *testing.T) {
	cfg := Default()
	cfg.Environment = "qa"
	cfg.Matrix.HomeserverURL = "ftp://example.org"
	cfg.Matrix.ServerName = "bad name"
	cfg.Matrix.SyncTimeout = "-1s"
	cfg.Session.Workers = 0
	cfg.Logging.Format = "xml"

	err := cfg.Validate()
	if err == nil {
		t.Fatal("Validate succeeded on invalid config")
	}
	for _, want := range []string{
		"invalid environment",
		"http or https",
		"matrix.server_name",
		"matrix.sync_timeout",
		"session.workers",
		"logging.format",
	} {
		if !strings.Contains(err.Error(), want) {
			t.Errorf("error %q missing %q", err, want)
		}
	}
}

func TestLogLevel(t *testing.T) {
	cfg := Default()
	for level, want := range map[string]slog.Level{
		"debug": slog.LevelDebug,
		"info":  slog.LevelInfo,
		"warn":  slog.LevelWarn,
		"error": slog.LevelError,
	} {
		cfg.Logging.Level = level
		if got := cfg.LogLevel(); got != want {
			t.Errorf("LogLevel(%s) = %v, want %v", level, got, want)
		}
	}
}
