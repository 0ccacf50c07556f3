// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Parley is an interactive chat client for a Matrix homeserver.
//
// It logs in as one user, prints every inbound message, and reads
// commands from stdin:
//
//	send bob hello there
//	file bob https://example.org/report.pdf quarterly report
//	roster
//
// With --observe (or observe.listen_addr in the config) it also
// serves the session over HTTP and WebSocket; see package observe.
package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/pflag"
	"golang.org/x/term"

	"github.com/bureau-foundation/parley/lib/config"
	"github.com/bureau-foundation/parley/lib/secret"
	"github.com/bureau-foundation/parley/lib/version"
	"github.com/bureau-foundation/parley/messaging"
	"github.com/bureau-foundation/parley/observe"
	"github.com/bureau-foundation/parley/session"
	"github.com/bureau-foundation/parley/transport"
)

// stopTimeout bounds the wait for the machine and the observe server
// after the shell exits.
const stopTimeout = 15 * time.Second

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

type options struct {
	configPath   string
	envFile      string
	user         string
	passwordFile string
	observeAddr  string
	logLevel     string
	logFormat    string
}

func run() error {
	var opts options
	flagSet := pflag.NewFlagSet("parley", pflag.ContinueOnError)
	flagSet.StringVarP(&opts.configPath, "config", "c", "", "path to parley.yaml or parley.jsonc (default: $"+config.EnvVar+")")
	flagSet.StringVar(&opts.envFile, "env-file", ".env", "dotenv file loaded before the config; missing is fine")
	flagSet.StringVarP(&opts.user, "user", "u", "", "user to connect as on startup (bare name or @user:server)")
	flagSet.StringVar(&opts.passwordFile, "password-file", "", "file holding the password, - for stdin (default: prompt)")
	flagSet.StringVar(&opts.observeAddr, "observe", "", "serve the observe API on this address, e.g. 127.0.0.1:8765")
	flagSet.StringVar(&opts.logLevel, "log-level", "", "debug, info, warn, or error (overrides logging.level)")
	flagSet.StringVar(&opts.logFormat, "log-format", "", "text or json (overrides logging.format)")
	showVersion := flagSet.Bool("version", false, "print version information and exit")

	if err := flagSet.Parse(os.Args[1:]); err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			return nil
		}
		return err
	}
	if *showVersion {
		version.Fprint(os.Stdout, "parley")
		return nil
	}
	if flagSet.NArg() > 0 {
		return fmt.Errorf("unexpected argument: %s", flagSet.Arg(0))
	}

	if err := godotenv.Load(opts.envFile); err != nil {
		if !errors.Is(err, fs.ErrNotExist) || flagSet.Changed("env-file") {
			return fmt.Errorf("loading %s: %w", opts.envFile, err)
		}
	}

	cfg, err := loadConfig(opts)
	if err != nil {
		return err
	}
	logger := newLogger(cfg, os.Stderr)

	dialer, err := newDialer(cfg, logger)
	if err != nil {
		return err
	}
	machine, err := newMachine(cfg, dialer, logger)
	if err != nil {
		return err
	}

	var credential *secret.Buffer
	if opts.user != "" {
		credential, err = readPassword(opts.passwordFile)
		if err != nil {
			return err
		}
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	machineDone := runMachine(runCtx, machine, logger)

	sh := newShell(machine, os.Stdout, session.Identity(opts.user), credential)
	defer sh.close()
	if err := machine.RegisterListener(ctx, sh.listener()); err != nil {
		return err
	}

	observeDone := make(chan struct{})
	if cfg.Observe.ListenAddr != "" {
		observeServer := observe.NewServer(machine, observe.Config{
			ListenAddr: cfg.Observe.ListenAddr,
			Logger:     logger.With("component", "observe"),
		})
		go func() {
			defer close(observeDone)
			if err := observeServer.ListenAndServe(runCtx); err != nil {
				logger.Error("observe server stopped", "error", err)
			}
		}()
	} else {
		close(observeDone)
	}

	if opts.user != "" {
		if err := sh.execute(ctx, "connect"); err != nil {
			sh.printf("%s\n", sh.styles.problem.Render("error: "+err.Error()))
		}
	}

	shellErr := sh.run(ctx, os.Stdin)

	cancel()
	deadline := time.After(stopTimeout)
	for _, done := range []chan struct{}{machineDone, observeDone} {
		select {
		case <-done:
		case <-deadline:
			logger.Warn("shutdown timed out")
			return shellErr
		}
	}
	return shellErr
}

func newMachine(cfg *config.Config, dialer transport.Dialer, logger *slog.Logger) (*session.Machine, error) {
	server, err := cfg.ServerName()
	if err != nil {
		return nil, err
	}
	return session.New(session.Config{
		Server:     server,
		QueueSize:  cfg.Session.QueueSize,
		Workers:    cfg.Session.Workers,
		OutboxSize: cfg.Session.OutboxSize,
		Logger:     logger.With("component", "session"),
	}, dialer)
}

// runMachine runs machine until ctx ends and closes the returned
// channel once Run has returned.
func runMachine(ctx context.Context, machine *session.Machine, logger *slog.Logger) chan struct{} {
	done := make(chan struct{})
	go func() {
		defer close(done)
		if err := machine.Run(ctx); err != nil {
			logger.Error("session machine failed", "error", err)
		}
	}()
	return done
}

// loadConfig reads the config file, applies flag overrides, and
// validates the result.
func loadConfig(opts options) (*config.Config, error) {
	var (
		cfg *config.Config
		err error
	)
	if opts.configPath != "" {
		cfg, err = config.LoadFile(opts.configPath)
	} else {
		cfg, err = config.Load()
	}
	if err != nil {
		return nil, err
	}
	if opts.observeAddr != "" {
		cfg.Observe.ListenAddr = opts.observeAddr
	}
	if opts.logLevel != "" {
		cfg.Logging.Level = opts.logLevel
	}
	if opts.logFormat != "" {
		cfg.Logging.Format = opts.logFormat
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration:\n%w", err)
	}
	return cfg, nil
}

// newLogger builds the slog handler the logging section selects,
// writing to w.
func newLogger(cfg *config.Config, w io.Writer) *slog.Logger {
	options := &slog.HandlerOptions{Level: cfg.LogLevel()}
	if cfg.Logging.Format == "json" {
		return slog.New(slog.NewJSONHandler(w, options))
	}
	return slog.New(slog.NewTextHandler(w, options))
}

// newDialer builds the Matrix transport from the matrix section.
func newDialer(cfg *config.Config, logger *slog.Logger) (*transport.MatrixDialer, error) {
	client, err := messaging.NewClient(messaging.ClientConfig{
		HomeserverURL: cfg.Matrix.HomeserverURL,
		Logger:        logger.With("component", "matrix"),
	})
	if err != nil {
		return nil, err
	}
	accounts := transport.ClientAccounts{Client: client}
	if path := cfg.Matrix.RegistrationTokenFile; path != "" {
		token, err := secret.ReadFromPath(path)
		if err != nil {
			return nil, fmt.Errorf("matrix.registration_token_file: %w", err)
		}
		accounts.RegistrationToken = token
	}
	server, err := cfg.ServerName()
	if err != nil {
		return nil, err
	}
	syncTimeout, err := cfg.SyncTimeoutDuration()
	if err != nil {
		return nil, err
	}
	return transport.NewMatrixDialer(transport.MatrixConfig{
		Accounts:    accounts,
		Server:      server,
		SyncTimeout: syncTimeout,
		Logger:      logger.With("component", "transport"),
	})
}

// readPassword reads the password from path, or prompts on the
// terminal when path is empty.
func readPassword(path string) (*secret.Buffer, error) {
	if path != "" {
		return secret.ReadFromPath(path)
	}

	fd := int(os.Stdin.Fd())
	if !term.IsTerminal(fd) {
		return nil, errors.New("no terminal available for the password prompt (use --password-file)")
	}
	fmt.Fprint(os.Stderr, "Password: ")
	password, err := term.ReadPassword(fd)
	fmt.Fprintln(os.Stderr)
	if err != nil {
		return nil, fmt.Errorf("reading password: %w", err)
	}
	buffer, err := secret.NewFromBytes(password)
	if err != nil {
		secret.Zero(password)
		return nil, err
	}
	return buffer, nil
}
