// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package cli

import (
	"bytes"
	"context"
	"testing"
	"time"

	"github.com/charmbracelet/bubbles/spinner"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/jeranaias/rigrun-explain/internal/session"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func updateProgress(t *testing.T, m progressModel, msg tea.Msg) (progressModel, tea.Cmd) {
	t.Helper()
	next, cmd := m.Update(msg)
	pm, ok := next.(progressModel)
	require.True(t, ok)
	return pm, cmd
}

func TestProgressModel_ShowsLoadingUntilContent(t *testing.T) {
	m := newProgressModel(80)
	require.NotNil(t, m.Init())
	assert.Contains(t, m.View(), session.LoadingText)

	m, _ = updateProgress(t, m, deltaMsg{Kind: session.EventDelta, Reasoning: "先想一想"})
	assert.Contains(t, m.View(), "推理中...")

	m, cmd := updateProgress(t, m, deltaMsg{Kind: session.EventDelta, Content: "第一行\n\n第二行\n"})
	assert.Nil(t, cmd)
	view := m.View()
	assert.Contains(t, view, "第二行")
	assert.NotContains(t, view, "第一行")
}

func TestProgressModel_TruncatesToWidth(t *testing.T) {
	m := newProgressModel(20)
	m, _ = updateProgress(t, m, deltaMsg{Content: "这是一段很长很长很长很长的回答"})
	assert.Contains(t, m.View(), "...")

	m, _ = updateProgress(t, m, tea.WindowSizeMsg{Width: 200, Height: 40})
	assert.Contains(t, m.View(), "这是一段很长很长很长很长的回答")
}

func TestProgressModel_SpinnerTicks(t *testing.T) {
	m := newProgressModel(80)
	_, cmd := updateProgress(t, m, spinner.TickMsg{ID: m.spinner.ID(), Time: time.Now()})
	assert.NotNil(t, cmd, "a tick schedules the next frame")
}

func TestProgressModel_DoneQuitsAndClears(t *testing.T) {
	m := newProgressModel(80)
	m, _ = updateProgress(t, m, deltaMsg{Content: "answer"})

	m, cmd := updateProgress(t, m, answerDoneMsg{})
	require.NotNil(t, cmd)
	assert.IsType(t, tea.QuitMsg{}, cmd())
	assert.Empty(t, m.View())
}

func TestLastLine(t *testing.T) {
	assert.Equal(t, "", lastLine(""))
	assert.Equal(t, "b c", lastLine("a\nb   c\n\n"))
	assert.Equal(t, "only", lastLine("only"))
}

func TestAwaitAnswer_PlainWriterSkipsProgress(t *testing.T) {
	a := &app{
		logger: zap.NewNop(),
		events: make(chan tabEvent, 4),
		deltas: make(chan tabEvent, 4),
	}
	a.deltas <- tabEvent{tabID: "1", ev: session.Event{Kind: session.EventDelta, Content: "Hel"}}
	a.events <- tabEvent{tabID: "2", ev: session.Event{Kind: session.EventAnswer, Content: "other"}}
	a.events <- tabEvent{tabID: "1", ev: session.Event{Kind: session.EventAnswer, Content: "Hello"}}

	var buf bytes.Buffer
	ev, err := a.awaitAnswer(context.Background(), "1", time.Second, &buf)
	require.NoError(t, err)
	assert.Equal(t, "Hello", ev.Content)
	assert.Empty(t, buf.String())
}
