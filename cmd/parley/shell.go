// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/charmbracelet/lipgloss"

	"github.com/bureau-foundation/parley/lib/ref"
	"github.com/bureau-foundation/parley/lib/secret"
	"github.com/bureau-foundation/parley/session"
	"github.com/bureau-foundation/parley/transport"
)

// commandTimeout bounds each shell command's wait on the machine.
const commandTimeout = 30 * time.Second

// errQuit ends the shell loop.
var errQuit = errors.New("quit")

// sessionAPI is the part of session.Machine the shell drives.
type sessionAPI interface {
	Connect(ctx context.Context, identity session.Identity, credential *secret.Buffer) error
	Disconnect(ctx context.Context) error
	RegisterAccount(ctx context.Context, identity session.Identity, credential *secret.Buffer) error
	DeleteAccount(ctx context.Context) error
	SendMessage(ctx context.Context, recipient session.Identity, body string) error
	SendFileMessage(ctx context.Context, recipient session.Identity, url, description string) error
	GetRoster(ctx context.Context) (transport.Roster, error)
	Snapshot(ctx context.Context) (session.Snapshot, error)
	Server() ref.ServerName
}

// command is one parsed shell line.
type command struct {
	name string
	args []string
}

// commandSpec describes how a command's arguments split: the first
// fixed arguments are single words, and when rest is set everything
// after them is one final argument that keeps its spacing.
type commandSpec struct {
	usage    string
	fixed    int
	optional int
	rest     bool
	required bool
}

var commandSpecs = map[string]commandSpec{
	"send":           {usage: "send <to> <text>", fixed: 1, rest: true, required: true},
	"file":           {usage: "file <to> <url> [description]", fixed: 2, rest: true},
	"roster":         {usage: "roster"},
	"status":         {usage: "status"},
	"register":       {usage: "register <user> <password-file>", fixed: 2},
	"delete-account": {usage: "delete-account"},
	"disconnect":     {usage: "disconnect"},
	"connect":        {usage: "connect [<user> <password-file>]", optional: 2},
	"help":           {usage: "help"},
	"quit":           {usage: "quit"},
}

// parseCommand splits a shell line. Blank lines and lines starting
// with # parse to a command with an empty name.
func parseCommand(line string) (command, error) {
	line = strings.TrimSpace(line)
	if line == "" || strings.HasPrefix(line, "#") {
		return command{}, nil
	}
	name, remainder := cutWord(line)
	if name == "exit" {
		name = "quit"
	}
	spec, ok := commandSpecs[name]
	if !ok {
		return command{}, fmt.Errorf("unknown command %q (try help)", name)
	}

	parsed := command{name: name}
	for range spec.fixed + spec.optional {
		if remainder == "" {
			break
		}
		var word string
		word, remainder = cutWord(remainder)
		parsed.args = append(parsed.args, word)
	}
	if spec.rest && remainder != "" {
		parsed.args = append(parsed.args, remainder)
		remainder = ""
	}

	switch {
	case remainder != "":
		return command{}, fmt.Errorf("usage: %s", spec.usage)
	case len(parsed.args) < spec.fixed:
		return command{}, fmt.Errorf("usage: %s", spec.usage)
	case spec.required && len(parsed.args) == spec.fixed:
		return command{}, fmt.Errorf("usage: %s", spec.usage)
	case spec.optional > 0 && len(parsed.args) != 0 && len(parsed.args) != spec.optional:
		return command{}, fmt.Errorf("usage: %s", spec.usage)
	}
	return parsed, nil
}

// cutWord returns the first whitespace-delimited word of s and the
// remainder with leading whitespace removed.
func cutWord(s string) (word, remainder string) {
	s = strings.TrimLeft(s, " \t")
	index := strings.IndexAny(s, " \t")
	if index < 0 {
		return s, ""
	}
	return s[:index], strings.TrimLeft(s[index:], " \t")
}

type styles struct {
	sender   lipgloss.Style
	file     lipgloss.Style
	status   lipgloss.Style
	problem  lipgloss.Style
	subtle   lipgloss.Style
	presence map[transport.Availability]lipgloss.Style
}

func newStyles(renderer *lipgloss.Renderer) styles {
	return styles{
		sender:  renderer.NewStyle().Bold(true).Foreground(lipgloss.Color("12")),
		file:    renderer.NewStyle().Underline(true).Foreground(lipgloss.Color("14")),
		status:  renderer.NewStyle().Foreground(lipgloss.Color("10")),
		problem: renderer.NewStyle().Foreground(lipgloss.Color("9")),
		subtle:  renderer.NewStyle().Foreground(lipgloss.Color("8")),
		presence: map[transport.Availability]lipgloss.Style{
			transport.Available: renderer.NewStyle().Foreground(lipgloss.Color("10")),
			transport.Away:      renderer.NewStyle().Foreground(lipgloss.Color("11")),
			transport.Offline:   renderer.NewStyle().Foreground(lipgloss.Color("8")),
		},
	}
}

// printer is the shell's inbound event listener. It shares the
// output lock with the shell so events never interleave with a
// command's output.
type printer struct {
	mu     *sync.Mutex
	out    io.Writer
	styles styles
}

func (p *printer) OnEvent(event session.InboundEvent) {
	p.mu.Lock()
	defer p.mu.Unlock()
	from := p.styles.sender.Render(string(event.Conversant))
	switch event.Kind {
	case session.FileMessage:
		line := p.styles.file.Render(event.Reference.URL)
		if event.Reference.Description != "" {
			line = event.Reference.Description + " " + line
		}
		fmt.Fprintf(p.out, "%s sent a file: %s\n", from, line)
	default:
		fmt.Fprintf(p.out, "%s: %s\n", from, event.Body)
	}
}

// shell runs line-oriented commands against a machine.
type shell struct {
	machine sessionAPI
	out     io.Writer
	styles  styles
	mu      sync.Mutex

	// identity and credential are what connect uses without
	// arguments. The shell owns credential.
	identity   session.Identity
	credential *secret.Buffer

	readSecret func(path string) (*secret.Buffer, error)
}

func newShell(m sessionAPI, out io.Writer, identity session.Identity, credential *secret.Buffer) *shell {
	return &shell{
		machine:    m,
		out:        out,
		styles:     newStyles(lipgloss.NewRenderer(out)),
		identity:   identity,
		credential: credential,
		readSecret: secret.ReadFromPath,
	}
}

// listener returns the printer to register with the machine.
func (s *shell) listener() session.Listener {
	return &printer{mu: &s.mu, out: s.out, styles: s.styles}
}

// run executes lines from in until quit, end of input, or ctx ends.
func (s *shell) run(ctx context.Context, in io.Reader) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	lines := make(chan string)
	scanErr := make(chan error, 1)
	go func() {
		defer close(lines)
		scanner := bufio.NewScanner(in)
		for scanner.Scan() {
			select {
			case lines <- scanner.Text():
			case <-ctx.Done():
				return
			}
		}
		scanErr <- scanner.Err()
	}()

	for {
		select {
		case <-ctx.Done():
			return nil
		case line, ok := <-lines:
			if !ok {
				select {
				case err := <-scanErr:
					return err
				default:
					return nil
				}
			}
			if err := s.execute(ctx, line); err != nil {
				if errors.Is(err, errQuit) {
					return nil
				}
				s.printf("%s\n", s.styles.problem.Render("error: "+err.Error()))
			}
		}
	}
}

func (s *shell) printf(format string, args ...any) {
	s.mu.Lock()
	defer s.mu.Unlock()
	fmt.Fprintf(s.out, format, args...)
}

// execute runs one line.
func (s *shell) execute(ctx context.Context, line string) error {
	parsed, err := parseCommand(line)
	if err != nil {
		return err
	}
	if parsed.name == "" {
		return nil
	}

	ctx, cancel := context.WithTimeout(ctx, commandTimeout)
	defer cancel()

	switch parsed.name {
	case "send":
		if err := s.machine.SendMessage(ctx, session.Identity(parsed.args[0]), parsed.args[1]); err != nil {
			return err
		}
	case "file":
		var description string
		if len(parsed.args) > 2 {
			description = parsed.args[2]
		}
		if err := s.machine.SendFileMessage(ctx, session.Identity(parsed.args[0]), parsed.args[1], description); err != nil {
			return err
		}
	case "roster":
		return s.printRoster(ctx)
	case "status":
		return s.printStatus(ctx)
	case "register":
		credential, err := s.readSecret(parsed.args[1])
		if err != nil {
			return err
		}
		defer credential.Close()
		if err := s.machine.RegisterAccount(ctx, session.Identity(parsed.args[0]), credential); err != nil {
			return err
		}
		s.printf("%s\n", s.styles.status.Render("registered "+parsed.args[0]))
	case "delete-account":
		if err := s.machine.DeleteAccount(ctx); err != nil {
			return err
		}
		s.printf("%s\n", s.styles.status.Render("account deleted"))
	case "disconnect":
		if err := s.machine.Disconnect(ctx); err != nil {
			return err
		}
		s.printf("%s\n", s.styles.status.Render("disconnected"))
	case "connect":
		return s.connect(ctx, parsed.args)
	case "help":
		s.printHelp()
	case "quit":
		return errQuit
	}
	return nil
}

// connect dials as the saved identity, or as a new one whose
// credential then replaces the saved one.
func (s *shell) connect(ctx context.Context, args []string) error {
	identity, credential := s.identity, s.credential
	if len(args) == 2 {
		var err error
		identity = session.Identity(args[0])
		credential, err = s.readSecret(args[1])
		if err != nil {
			return err
		}
	}
	if identity == "" || credential == nil {
		return errors.New("no saved identity; use connect <user> <password-file>")
	}
	if err := s.machine.Connect(ctx, identity, credential); err != nil {
		if credential != s.credential {
			credential.Close()
		}
		return err
	}
	if credential != s.credential {
		if s.credential != nil {
			s.credential.Close()
		}
		s.identity, s.credential = identity, credential
	}
	s.printf("%s\n", s.styles.status.Render("connected as "+string(identity)))
	return nil
}

func (s *shell) printRoster(ctx context.Context) error {
	roster, err := s.machine.GetRoster(ctx)
	if err != nil {
		return err
	}
	contacts := make([]ref.UserID, 0, len(roster))
	for userID := range roster {
		contacts = append(contacts, userID)
	}
	slices.SortFunc(contacts, func(a, b ref.UserID) int {
		return strings.Compare(a.String(), b.String())
	})

	s.mu.Lock()
	defer s.mu.Unlock()
	if len(contacts) == 0 {
		fmt.Fprintln(s.out, s.styles.subtle.Render("no contacts"))
		return nil
	}
	for _, userID := range contacts {
		availability := roster[userID]
		style, ok := s.styles.presence[availability]
		if !ok {
			style = s.styles.subtle
		}
		fmt.Fprintf(s.out, "%-32s %s\n", userID, style.Render(string(availability)))
	}
	return nil
}

func (s *shell) printStatus(ctx context.Context) error {
	snapshot, err := s.machine.Snapshot(ctx)
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if snapshot.State != session.Connected {
		line := fmt.Sprintf("unconnected (home server %s)", s.machine.Server())
		if snapshot.Connecting {
			line = fmt.Sprintf("connecting (home server %s)", s.machine.Server())
		}
		fmt.Fprintln(s.out, s.styles.subtle.Render(line))
		return nil
	}
	fmt.Fprintf(s.out, "%s %s\n", s.styles.status.Render("connected as"), snapshot.UserID)
	for _, peer := range snapshot.Conversations {
		fmt.Fprintf(s.out, "  %s\n", peer)
	}
	fmt.Fprintf(s.out, "%s\n", s.styles.subtle.Render(fmt.Sprintf("%d listeners", snapshot.Listeners)))
	return nil
}

func (s *shell) printHelp() {
	names := make([]string, 0, len(commandSpecs))
	for name := range commandSpecs {
		names = append(names, name)
	}
	slices.Sort(names)
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, name := range names {
		fmt.Fprintf(s.out, "  %s\n", commandSpecs[name].usage)
	}
}

// close releases the saved credential.
func (s *shell) close() {
	if s.credential != nil {
		s.credential.Close()
		s.credential = nil
	}
}
