// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package cli

import (
	"context"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/charmbracelet/bubbles/spinner"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/jeranaias/rigrun-explain/internal/session"
	"github.com/jeranaias/rigrun-explain/internal/util"
	"go.uber.org/zap"
)

// =============================================================================
// PROGRESS MODEL
// =============================================================================

// deltaMsg carries a partial answer into the progress view.
type deltaMsg session.Event

// answerDoneMsg ends the progress view.
type answerDoneMsg struct{}

// progressModel shows a spinner next to the newest line of the partial
// answer while it streams.
type progressModel struct {
	spinner   spinner.Model
	started   time.Time
	width     int
	line      string
	reasoning bool
	done      bool
}

func newProgressModel(width int) progressModel {
	s := spinner.New()
	s.Spinner = spinner.Spinner{
		Frames: []string{"|", "/", "-", "\\"},
		FPS:    time.Second / 10,
	}
	s.Style = WarningStyle
	return progressModel{spinner: s, started: time.Now(), width: width}
}

func (m progressModel) Init() tea.Cmd {
	return m.spinner.Tick
}

func (m progressModel) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case deltaMsg:
		m.line = lastLine(msg.Content)
		m.reasoning = m.line == "" && msg.Reasoning != ""
		return m, nil
	case answerDoneMsg:
		m.done = true
		return m, tea.Quit
	case tea.WindowSizeMsg:
		m.width = msg.Width
		return m, nil
	case spinner.TickMsg:
		var cmd tea.Cmd
		m.spinner, cmd = m.spinner.Update(msg)
		return m, cmd
	}
	return m, nil
}

func (m progressModel) View() string {
	if m.done {
		return ""
	}
	label := session.LoadingText
	switch {
	case m.line != "":
		label = m.line
	case m.reasoning:
		label = "推理中..."
	}
	elapsed := fmt.Sprintf(" (%ds)", int(time.Since(m.started).Seconds()))
	// Spinner, a space and the elapsed suffix.
	room := m.width - 2 - len(elapsed)
	return m.spinner.View() + " " + DimStyle.Render(util.TruncateWidth(label, room)+elapsed) + "\n"
}

// lastLine returns the last non-blank line of s, collapsed to one line.
func lastLine(s string) string {
	lines := strings.Split(strings.TrimRight(s, " \t\r\n"), "\n")
	return util.SingleLine(lines[len(lines)-1])
}

// =============================================================================
// WAITING
// =============================================================================

// awaitAnswer blocks until tabID reports an answer or an error. On a
// terminal w the partial answer is shown meanwhile and cleared afterwards.
func (a *app) awaitAnswer(ctx context.Context, tabID string, timeout time.Duration, w io.Writer) (session.Event, error) {
	if !isTerminalWriter(w) {
		return a.waitEvent(ctx, tabID, timeout)
	}
	a.drainDeltas()

	p := tea.NewProgram(newProgressModel(TerminalWidth()), tea.WithOutput(w), tea.WithInput(nil))
	ran := make(chan struct{})
	go func() {
		defer close(ran)
		if _, err := p.Run(); err != nil {
			a.logger.Debug("progress view stopped", zap.Error(err))
		}
	}()

	stop := make(chan struct{})
	forwarded := make(chan struct{})
	go func() {
		defer close(forwarded)
		for {
			select {
			case te := <-a.deltas:
				if te.tabID == tabID {
					p.Send(deltaMsg(te.ev))
				}
			case <-stop:
				return
			}
		}
	}()

	ev, err := a.waitEvent(ctx, tabID, timeout)
	close(stop)
	<-forwarded
	p.Send(answerDoneMsg{})
	<-ran
	return ev, err
}

// drainDeltas discards partial answers left from an earlier message.
func (a *app) drainDeltas() {
	for {
		select {
		case <-a.deltas:
		default:
			return
		}
	}
}
