// Copyright 2026 The Tuwunel Authors
// SPDX-License-Identifier: Apache-2.0

package console

import (
	"bytes"
	"context"
	"io"
	"log/slog"
	"strings"
	"testing"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/x/ansi"

	"github.com/tototomate123/tuwunel/lib/config"
)

// scriptedAdmin records every command it receives and acknowledges
// with the command's first line.
type scriptedAdmin struct {
	inputs []string
}

func (a *scriptedAdmin) Process(ctx context.Context, input string) string {
	a.inputs = append(a.inputs, input)
	first, _, _ := strings.Cut(input, "\n")
	return "ack: " + first
}

func newTestConsole(t *testing.T, input io.Reader) (*Service, *scriptedAdmin, *bytes.Buffer) {
	t.Helper()
	cfg := config.Default()
	cfg.ServerName = "test.example"
	admin := &scriptedAdmin{}
	output := &bytes.Buffer{}
	s := New(Config{
		Admin:  admin,
		Server: cfg,
		Logger: slog.New(slog.NewTextHandler(io.Discard, nil)),
		Input:  input,
		Output: output,
	})
	return s, admin, output
}

func TestPlainConsoleExecutesLines(t *testing.T) {
	input := "server status\n\nroom list\nexit\nnever run\n"
	s, admin, output := newTestConsole(t, strings.NewReader(input))

	if err := s.Run(context.Background()); err != nil {
		t.Fatalf("Run: %v", err)
	}

	want := []string{"server status", "room list"}
	if len(admin.inputs) != len(want) {
		t.Fatalf("processed %d commands, want %d: %v", len(admin.inputs), len(want), admin.inputs)
	}
	for i, command := range want {
		if admin.inputs[i] != command {
			t.Errorf("command %d = %q, want %q", i, admin.inputs[i], command)
		}
	}
	for _, reply := range []string{"ack: server status", "ack: room list"} {
		if !strings.Contains(output.String(), reply) {
			t.Errorf("output missing %q:\n%s", reply, output.String())
		}
	}
	if strings.Contains(output.String(), "never run") {
		t.Errorf("commands after exit were executed:\n%s", output.String())
	}
}

func TestPlainConsoleAttachesFencedBody(t *testing.T) {
	input := "appservice register\n```\nid: bridge\n```\nserver version\n"
	s, admin, _ := newTestConsole(t, strings.NewReader(input))

	if err := s.Run(context.Background()); err != nil {
		t.Fatalf("Run: %v", err)
	}

	if len(admin.inputs) != 2 {
		t.Fatalf("processed %d commands, want 2: %v", len(admin.inputs), admin.inputs)
	}
	if want := "appservice register\n```\nid: bridge\n```"; admin.inputs[0] != want {
		t.Errorf("first command = %q, want %q", admin.inputs[0], want)
	}
	if admin.inputs[1] != "server version" {
		t.Errorf("second command = %q, want %q", admin.inputs[1], "server version")
	}
}

func TestPlainConsoleFlushesPendingAtEOF(t *testing.T) {
	s, admin, output := newTestConsole(t, strings.NewReader("server version"))

	if err := s.Run(context.Background()); err != nil {
		t.Fatalf("Run: %v", err)
	}
	if len(admin.inputs) != 1 || admin.inputs[0] != "server version" {
		t.Fatalf("processed %v, want the one pending command", admin.inputs)
	}
	if !strings.Contains(output.String(), "ack: server version") {
		t.Errorf("reply missing:\n%s", output.String())
	}
}

func TestPlainConsoleStopsOnContextCancel(t *testing.T) {
	reader, writer := io.Pipe()
	defer writer.Close()
	s, _, _ := newTestConsole(t, reader)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		done <- s.Run(ctx)
	}()

	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("Run: %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("Run did not return after context cancel")
	}
}

func TestConsoleModelSubmitExecutes(t *testing.T) {
	s, admin, _ := newTestConsole(t, strings.NewReader(""))
	m := newConsoleModel(context.Background(), s)

	m.input.SetValue("server status")
	updated, cmd := m.Update(tea.KeyMsg{Type: tea.KeyEnter})
	m = updated.(consoleModel)

	if !m.busy {
		t.Error("model not busy after submit")
	}
	if m.input.Value() != "" {
		t.Errorf("input not cleared: %q", m.input.Value())
	}
	if len(m.history) != 1 || m.history[0] != "server status" {
		t.Errorf("history = %v", m.history)
	}
	if cmd == nil {
		t.Fatal("submit returned no command")
	}

	// Drive the execution command directly rather than through a
	// running program.
	msg := m.execute("server status")()
	reply, ok := msg.(replyMsg)
	if !ok {
		t.Fatalf("execute produced %T", msg)
	}
	if stripped := ansi.Strip(reply.rendered); !strings.Contains(stripped, "ack: server status") {
		t.Errorf("rendered reply = %q", stripped)
	}
	if len(admin.inputs) != 1 || admin.inputs[0] != "server status" {
		t.Errorf("admin received %v", admin.inputs)
	}

	updated, cmd = m.Update(reply)
	m = updated.(consoleModel)
	if m.busy {
		t.Error("model still busy after reply")
	}
	if cmd == nil {
		t.Error("reply produced no scrollback print")
	}
}

func TestConsoleModelEnterIgnoredWhileBusy(t *testing.T) {
	s, _, _ := newTestConsole(t, strings.NewReader(""))
	m := newConsoleModel(context.Background(), s)

	m.input.SetValue("first")
	updated, _ := m.Update(tea.KeyMsg{Type: tea.KeyEnter})
	m = updated.(consoleModel)

	m.input.SetValue("second")
	updated, cmd := m.Update(tea.KeyMsg{Type: tea.KeyEnter})
	m = updated.(consoleModel)

	if cmd != nil {
		t.Error("busy model accepted a second submit")
	}
	if len(m.history) != 1 {
		t.Errorf("history grew while busy: %v", m.history)
	}
}

func TestConsoleModelHistoryBrowse(t *testing.T) {
	s, _, _ := newTestConsole(t, strings.NewReader(""))
	m := newConsoleModel(context.Background(), s)

	submit := func(line string) {
		m.input.SetValue(line)
		updated, _ := m.Update(tea.KeyMsg{Type: tea.KeyEnter})
		m = updated.(consoleModel)
		updated, _ = m.Update(replyMsg{rendered: "done"})
		m = updated.(consoleModel)
	}
	submit("user list")
	submit("room list")

	m.input.SetValue("draft line")
	updated, _ := m.Update(tea.KeyMsg{Type: tea.KeyUp})
	m = updated.(consoleModel)
	if m.input.Value() != "room list" {
		t.Errorf("first up = %q, want %q", m.input.Value(), "room list")
	}

	updated, _ = m.Update(tea.KeyMsg{Type: tea.KeyUp})
	m = updated.(consoleModel)
	if m.input.Value() != "user list" {
		t.Errorf("second up = %q, want %q", m.input.Value(), "user list")
	}

	// Past the oldest entry stays put.
	updated, _ = m.Update(tea.KeyMsg{Type: tea.KeyUp})
	m = updated.(consoleModel)
	if m.input.Value() != "user list" {
		t.Errorf("third up = %q, want %q", m.input.Value(), "user list")
	}

	updated, _ = m.Update(tea.KeyMsg{Type: tea.KeyDown})
	m = updated.(consoleModel)
	updated, _ = m.Update(tea.KeyMsg{Type: tea.KeyDown})
	m = updated.(consoleModel)
	if m.input.Value() != "draft line" {
		t.Errorf("browsing back did not restore the draft: %q", m.input.Value())
	}
}

func TestConsoleModelQuitKeys(t *testing.T) {
	s, _, _ := newTestConsole(t, strings.NewReader(""))
	m := newConsoleModel(context.Background(), s)

	_, cmd := m.Update(tea.KeyMsg{Type: tea.KeyCtrlD})
	if cmd == nil {
		t.Fatal("ctrl+d produced no command")
	}
	if _, ok := cmd().(tea.QuitMsg); !ok {
		t.Error("ctrl+d did not quit")
	}

	_, cmd = m.Update(tea.KeyMsg{Type: tea.KeyCtrlC})
	if cmd == nil {
		t.Fatal("ctrl+c produced no command")
	}
	if _, ok := cmd().(tea.QuitMsg); !ok {
		t.Error("ctrl+c did not quit")
	}
}

func TestConsoleModelView(t *testing.T) {
	s, _, _ := newTestConsole(t, strings.NewReader(""))
	m := newConsoleModel(context.Background(), s)

	view := ansi.Strip(m.View())
	if !strings.Contains(view, "test.example> ") {
		t.Errorf("prompt missing from view:\n%s", view)
	}
	if !strings.Contains(view, "history") {
		t.Errorf("help line missing from view:\n%s", view)
	}

	m.busy = true
	if view := ansi.Strip(m.View()); !strings.Contains(view, "running") {
		t.Errorf("busy state not shown:\n%s", view)
	}
}

func TestConsoleModelResize(t *testing.T) {
	s, _, _ := newTestConsole(t, strings.NewReader(""))
	m := newConsoleModel(context.Background(), s)

	updated, _ := m.Update(tea.WindowSizeMsg{Width: 60, Height: 24})
	m = updated.(consoleModel)
	if m.width != 60 {
		t.Errorf("width = %d, want 60", m.width)
	}
}
