// Copyright 2026 The Tuwunel Authors
// SPDX-License-Identifier: Apache-2.0

package console

import (
	"context"
	"fmt"
	"strings"

	"github.com/charmbracelet/bubbles/textinput"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"
)

// replyMsg carries a finished command's rendered reply back into the
// update loop.
type replyMsg struct {
	rendered string
}

// defaultConsoleWidth is used for rendering until the first
// WindowSizeMsg arrives.
const defaultConsoleWidth = 100

// consoleModel drives the interactive prompt. The view is only the
// prompt and a help line; executed commands and their replies go to
// the terminal scrollback via tea.Println so they survive after the
// console exits.
type consoleModel struct {
	service *Service

	// ctx is the console run context. Commands execute under it so a
	// server shutdown aborts an in-flight command.
	ctx context.Context

	input   textinput.Model
	history []string

	// cursor indexes history while browsing. len(history) means the
	// live line is being edited; draft preserves the live line while
	// older entries are shown.
	cursor int
	draft  string

	width int
	busy  bool
}

func newConsoleModel(ctx context.Context, service *Service) consoleModel {
	input := textinput.New()
	input.Prompt = service.server.ServerName + "> "
	input.PromptStyle = lipgloss.NewStyle().Foreground(service.theme.Prompt).Bold(true)
	input.Width = defaultConsoleWidth - lipgloss.Width(input.Prompt) - 1
	input.Focus()
	return consoleModel{
		service: service,
		ctx:     ctx,
		input:   input,
		width:   defaultConsoleWidth,
	}
}

func (m consoleModel) Init() tea.Cmd {
	banner := lipgloss.NewStyle().Foreground(m.service.theme.Help).
		Render("Admin console for " + m.service.server.ServerName +
			". Type a command, or help to list them.")
	return tea.Batch(textinput.Blink, tea.Println(banner))
}

func (m consoleModel) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.WindowSizeMsg:
		m.width = msg.Width
		m.input.Width = msg.Width - lipgloss.Width(m.input.Prompt) - 1
		if m.input.Width < 20 {
			m.input.Width = 20
		}
		return m, nil

	case replyMsg:
		m.busy = false
		if msg.rendered == "" {
			return m, nil
		}
		return m, tea.Println(msg.rendered + "\n")

	case tea.KeyMsg:
		switch msg.Type {
		case tea.KeyCtrlC, tea.KeyCtrlD:
			return m, tea.Quit
		case tea.KeyCtrlL:
			return m, tea.ClearScreen
		case tea.KeyEscape:
			m.input.Reset()
			m.cursor = len(m.history)
			m.draft = ""
			return m, nil
		case tea.KeyEnter:
			return m.submit()
		case tea.KeyUp:
			m.browse(-1)
			return m, nil
		case tea.KeyDown:
			m.browse(1)
			return m, nil
		}
	}

	var cmd tea.Cmd
	m.input, cmd = m.input.Update(msg)
	return m, cmd
}

func (m consoleModel) View() string {
	help := "↑/↓ history · ctrl+l clear · exit or ctrl+d to close"
	if m.busy {
		help = "running…"
	}
	helpLine := lipgloss.NewStyle().Foreground(m.service.theme.Help).Render(help)
	return m.input.View() + "\n" + helpLine
}

// submit executes the current line. The echoed prompt line and the
// reply are pushed to scrollback in order; further Enter presses are
// ignored until the reply lands.
func (m consoleModel) submit() (tea.Model, tea.Cmd) {
	if m.busy {
		return m, nil
	}
	line := strings.TrimSpace(m.input.Value())
	if line == "" {
		return m, nil
	}

	echo := m.input.PromptStyle.Render(m.input.Prompt) + line
	if len(m.history) == 0 || m.history[len(m.history)-1] != line {
		m.history = append(m.history, line)
	}
	m.cursor = len(m.history)
	m.draft = ""
	m.input.Reset()

	if line == "exit" || line == "quit" {
		return m, tea.Sequence(tea.Println(echo), tea.Quit)
	}

	m.busy = true
	return m, tea.Sequence(tea.Println(echo), m.execute(line))
}

// execute runs one command asynchronously and renders its reply at
// the current terminal width.
func (m consoleModel) execute(line string) tea.Cmd {
	service := m.service
	ctx := m.ctx
	width := m.width
	return func() tea.Msg {
		reply := service.admin.Process(ctx, line)
		return replyMsg{rendered: renderMarkdown(reply, service.theme, width)}
	}
}

// browse moves through command history. direction is -1 toward older
// entries, 1 toward newer. Stepping past the newest entry restores
// the saved live line.
func (m *consoleModel) browse(direction int) {
	if len(m.history) == 0 {
		return
	}
	next := m.cursor + direction
	if next < 0 || next > len(m.history) {
		return
	}
	if m.cursor == len(m.history) && next < m.cursor {
		m.draft = m.input.Value()
	}
	m.cursor = next
	if next == len(m.history) {
		m.input.SetValue(m.draft)
	} else {
		m.input.SetValue(m.history[next])
	}
	m.input.CursorEnd()
}

// runInteractive runs the bubbletea prompt until the user exits or
// ctx is cancelled.
func (s *Service) runInteractive(ctx context.Context) error {
	program := tea.NewProgram(
		newConsoleModel(ctx, s),
		tea.WithInput(s.input),
		tea.WithOutput(s.output),
	)

	// Quit the program on shutdown. The guard channel keeps the
	// watcher from outliving a normal exit.
	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-ctx.Done():
			program.Quit()
		case <-done:
		}
	}()

	if _, err := program.Run(); err != nil {
		return fmt.Errorf("console: %w", err)
	}
	return nil
}
