// Copyright 2026 The Tuwunel Authors
// SPDX-License-Identifier: Apache-2.0

// Package console runs the interactive admin console on the
// controlling terminal.
//
// When stdin is a terminal the console is a bubbletea program: a
// textinput prompt with command history, executed commands echoed
// into the terminal scrollback, and markdown replies rendered to
// styled ANSI. When stdin is a pipe the console degrades to a plain
// line reader that prints raw markdown replies; a fenced code block
// on the lines immediately after a command becomes the command body,
// the same way a body is attached in the admin room.
package console

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"

	"golang.org/x/term"

	"github.com/tototomate123/tuwunel/lib/config"
)

// Processor executes one admin command and returns the reply as
// markdown. Implemented by service/admin.
type Processor interface {
	Process(ctx context.Context, input string) string
}

// Config carries the dependencies for New.
type Config struct {
	// Admin executes console commands. Required.
	Admin Processor

	// Server is the loaded server configuration. Required.
	Server *config.Config

	// Logger receives console lifecycle logs. Required.
	Logger *slog.Logger

	// Input is the console input stream. Defaults to os.Stdin. The
	// interactive prompt is used only when Input is a terminal.
	Input io.Reader

	// Output is the console output stream. Defaults to os.Stdout.
	Output io.Writer
}

// Service is the admin console. Construct with New, then call Run on
// a dedicated goroutine.
type Service struct {
	admin  Processor
	server *config.Config
	logger *slog.Logger
	input  io.Reader
	output io.Writer
	theme  Theme
}

func New(cfg Config) *Service {
	if cfg.Admin == nil {
		panic("console: Config.Admin is required")
	}
	if cfg.Server == nil {
		panic("console: Config.Server is required")
	}
	if cfg.Logger == nil {
		panic("console: Config.Logger is required")
	}
	if cfg.Input == nil {
		cfg.Input = os.Stdin
	}
	if cfg.Output == nil {
		cfg.Output = os.Stdout
	}
	return &Service{
		admin:  cfg.Admin,
		server: cfg.Server,
		logger: cfg.Logger.With("component", "console"),
		input:  cfg.Input,
		output: cfg.Output,
		theme:  defaultTheme,
	}
}

// Run drives the console until the input closes, the user exits, or
// ctx is cancelled. It blocks for the life of the console.
func (s *Service) Run(ctx context.Context) error {
	interactive := false
	if file, ok := s.input.(*os.File); ok {
		interactive = term.IsTerminal(int(file.Fd()))
	}
	s.logger.Info("admin console started", "interactive", interactive)
	defer s.logger.Info("admin console closed")

	if interactive {
		return s.runInteractive(ctx)
	}
	return s.runPlain(ctx)
}

// runPlain reads commands line by line without terminal control and
// writes the raw markdown replies, one blank line between them.
func (s *Service) runPlain(ctx context.Context) error {
	scanner := bufio.NewScanner(s.input)
	scanner.Buffer(make([]byte, 0, 64*1024), 1<<20)

	// Reader goroutine so a context cancel stops the console even
	// while blocked on input. After a cancel the goroutine exits on
	// its next send attempt.
	lines := make(chan string)
	readErr := make(chan error, 1)
	go func() {
		for scanner.Scan() {
			select {
			case lines <- scanner.Text():
			case <-ctx.Done():
				return
			}
		}
		readErr <- scanner.Err()
		close(lines)
	}()

	// pending is the command line plus any fenced body lines read so
	// far. The command only executes once the body is complete, or
	// once the next line proves there is no body.
	var pending []string
	inFence := false

	execute := func() {
		input := strings.Join(pending, "\n")
		pending = nil
		inFence = false
		reply := s.admin.Process(ctx, input)
		fmt.Fprintln(s.output, strings.TrimRight(reply, "\n"))
		fmt.Fprintln(s.output)
	}

	for {
		select {
		case <-ctx.Done():
			return nil
		case line, ok := <-lines:
			if !ok {
				if len(pending) > 0 {
					execute()
				}
				if err := <-readErr; err != nil {
					return fmt.Errorf("console: reading input: %w", err)
				}
				return nil
			}

			if inFence {
				pending = append(pending, line)
				if strings.TrimSpace(line) == "```" {
					execute()
				}
				continue
			}

			if len(pending) > 0 {
				if strings.HasPrefix(strings.TrimSpace(line), "```") {
					inFence = true
					pending = append(pending, line)
					continue
				}
				execute()
			}

			trimmed := strings.TrimSpace(line)
			if trimmed == "" {
				continue
			}
			if trimmed == "exit" || trimmed == "quit" {
				return nil
			}
			pending = []string{line}
		}
	}
}
