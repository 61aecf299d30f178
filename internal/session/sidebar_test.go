// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package session

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/jeranaias/rigrun-explain/internal/bus"
	"github.com/jeranaias/rigrun-explain/internal/cloud"
	"github.com/jeranaias/rigrun-explain/internal/config"
	"github.com/jeranaias/rigrun-explain/internal/storage"
	"github.com/jeranaias/rigrun-explain/internal/view"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

// =============================================================================
// HARNESS
// =============================================================================

type staticConfig struct {
	mu  sync.Mutex
	cfg config.Config
}

func (c *staticConfig) Get() config.Config {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.cfg
}

// fakeRelay stands in for the background service.
type fakeRelay struct {
	mu     sync.Mutex
	reqs   []bus.Notification
	script func(b *bus.Bus, n bus.Notification)
}

func (r *fakeRelay) requests() []bus.Notification {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]bus.Notification(nil), r.reqs...)
}

type fakeStore struct {
	mu       sync.Mutex
	recs     []storage.TurnRecord
	failures int // SaveTurn calls left to fail
}

func (s *fakeStore) SaveTurn(_ context.Context, rec storage.TurnRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failures > 0 {
		s.failures--
		return errors.New("database is locked")
	}
	s.recs = append(s.recs, rec)
	return nil
}

type harness struct {
	bus     *bus.Bus
	sidebar *Sidebar
	relay   *fakeRelay
	store   *fakeStore
	events  chan Event
	deltas  chan Event
}

func newHarness(t *testing.T, mutate func(*config.Config), script func(b *bus.Bus, n bus.Notification)) *harness {
	t.Helper()
	cfg := config.Default()
	cfg.API.Key = "sk-test"
	cfg.API.URL = "http://relay.invalid/v1/chat/completions"
	if mutate != nil {
		mutate(cfg)
	}

	b := bus.New(nil)
	t.Cleanup(func() { _ = b.Close() })

	h := &harness{
		bus:    b,
		relay:  &fakeRelay{script: script},
		store:  &fakeStore{},
		events: make(chan Event, 16),
		deltas: make(chan Event, 64),
	}

	relaySub, err := b.Subscribe(context.Background(), bus.BackgroundTopic, func(_ context.Context, n bus.Notification) {
		h.relay.mu.Lock()
		h.relay.reqs = append(h.relay.reqs, n)
		h.relay.mu.Unlock()
		if h.relay.script != nil {
			h.relay.script(b, n)
		}
	})
	require.NoError(t, err)
	t.Cleanup(relaySub.Close)

	sb, err := NewSidebar(Options{
		TabID:   "1",
		URL:     "https://example.com/article",
		Bus:     b,
		Config:  &staticConfig{cfg: *cfg},
		Store:   h.store,
		OnEvent: func(ev Event) { h.events <- ev },
		OnDelta: func(ev Event) {
			select {
			case h.deltas <- ev:
			default:
			}
		},
	})
	require.NoError(t, err)
	require.NoError(t, sb.Start(context.Background()))
	t.Cleanup(sb.Stop)
	h.sidebar = sb
	return h
}

func (h *harness) waitEvent(t *testing.T) Event {
	t.Helper()
	select {
	case ev := <-h.events:
		return ev
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for sidebar event")
		return Event{}
	}
}

func send(t *testing.T, b *bus.Bus, n bus.Notification) {
	t.Helper()
	require.NoError(t, b.Publish(bus.TabTopic("1"), n))
}

// streamReply answers every startStream with the given content deltas.
func streamReply(deltas ...string) func(b *bus.Bus, n bus.Notification) {
	return func(b *bus.Bus, n bus.Notification) {
		if n.Kind != bus.KindStartStream {
			return
		}
		topic := bus.TabTopic(n.TabID)
		for _, d := range deltas {
			_ = b.Publish(topic, bus.Notification{Kind: bus.KindStreamChunk, MessageID: n.MessageID, Content: d})
		}
		_ = b.Publish(topic, bus.Notification{Kind: bus.KindStreamComplete, MessageID: n.MessageID})
	}
}

// =============================================================================
// TESTS
// =============================================================================

func TestOpen_StreamRoundTrip(t *testing.T) {
	h := newHarness(t, nil, streamReply("Hel", "lo"))

	require.NoError(t, h.sidebar.Open(context.Background(), "  TCP  "))
	ev := h.waitEvent(t)
	require.Equal(t, EventAnswer, ev.Kind)
	assert.Equal(t, "Hello", ev.Content)

	transcript := h.sidebar.Transcript()
	require.Len(t, transcript, 3)
	assert.Equal(t, Turn{Role: cloud.RoleSystem, Content: config.DefaultSystemPrompt}, transcript[0])
	assert.Equal(t, Turn{Role: cloud.RoleUser, Content: "请解释以下内容：\n\nTCP"}, transcript[1])
	assert.Equal(t, Turn{Role: cloud.RoleAssistant, Content: "Hello"}, transcript[2])
	assert.Equal(t, ModeOpen, h.sidebar.Mode())
	assert.Zero(t, h.sidebar.InFlight())

	h.sidebar.View(func(r *view.Renderer) {
		assert.Equal(t, "Hello", r.ContentText(ev.MessageID))
	})

	reqs := h.relay.requests()
	require.Len(t, reqs, 1)
	assert.Equal(t, bus.KindStartStream, reqs[0].Kind)
	assert.True(t, reqs[0].Request.Stream)
	assert.Equal(t, config.DefaultModel, reqs[0].Request.Model)
}

func TestToolsAdvertisedOnlyOnFirstRequest(t *testing.T) {
	h := newHarness(t, func(c *config.Config) {
		c.Features.OnlineSearch = true
		c.Features.Reasoning = true
	}, streamReply("ok"))

	require.NoError(t, h.sidebar.Open(context.Background(), "text"))
	h.waitEvent(t)
	require.NoError(t, h.sidebar.Send(context.Background(), "继续"))
	h.waitEvent(t)

	reqs := h.relay.requests()
	require.Len(t, reqs, 2)
	require.Len(t, reqs[0].Request.Tools, 1)
	assert.Equal(t, cloud.OnlineSearchToolName, reqs[0].Request.Tools[0].Function.Name)
	assert.Equal(t, "auto", reqs[0].Request.ToolChoice)
	assert.Empty(t, reqs[1].Request.Tools)
	assert.Empty(t, reqs[1].Request.ToolChoice)
	assert.Equal(t, "high", reqs[1].Request.ReasoningEffort)

	// The follow-up carries the whole history.
	assert.Len(t, reqs[1].Request.Messages, 4)
	assert.Equal(t, "继续", reqs[1].Request.Messages[3].Content)
}

func TestMissingCredentials(t *testing.T) {
	h := newHarness(t, func(c *config.Config) { c.API.Key = "" }, nil)

	err := h.sidebar.Open(context.Background(), "text")
	require.ErrorIs(t, err, config.ErrMissingCredentials)

	ev := h.waitEvent(t)
	assert.Equal(t, EventError, ev.Kind)
	h.sidebar.View(func(r *view.Renderer) {
		assert.Equal(t, CredentialsMissing, r.ContentText(ev.MessageID))
	})
	assert.Empty(t, h.relay.requests())
	assert.Zero(t, h.sidebar.InFlight())
}

func TestStreamError(t *testing.T) {
	h := newHarness(t, nil, func(b *bus.Bus, n bus.Notification) {
		_ = b.Publish(bus.TabTopic(n.TabID), bus.Notification{Kind: bus.KindStreamError, MessageID: n.MessageID, Error: "invalid key"})
	})

	require.NoError(t, h.sidebar.Open(context.Background(), "text"))
	ev := h.waitEvent(t)
	require.Equal(t, EventError, ev.Kind)
	assert.Equal(t, "invalid key", ev.Error)

	h.sidebar.View(func(r *view.Renderer) {
		assert.Equal(t, "错误：invalid key", r.ContentText(ev.MessageID))
	})
	assert.Len(t, h.sidebar.Transcript(), 2)
}

func TestStaleNotificationsIgnored(t *testing.T) {
	h := newHarness(t, nil, streamReply("done"))

	require.NoError(t, h.sidebar.Open(context.Background(), "text"))
	ev := h.waitEvent(t)

	send(t, h.bus, bus.Notification{Kind: bus.KindStreamChunk, MessageID: ev.MessageID, Content: "late"})
	send(t, h.bus, bus.Notification{Kind: bus.KindStreamComplete, MessageID: ev.MessageID})
	send(t, h.bus, bus.Notification{Kind: bus.KindStreamError, MessageID: "msg-unknown", Error: "x"})

	// A ping after the stale deltas is answered once they have been handled.
	p := bus.NewProber(h.bus)
	defer p.Close()
	require.NoError(t, p.Ping(context.Background(), "1", time.Second))

	assert.Len(t, h.sidebar.Transcript(), 3)
	h.sidebar.View(func(r *view.Renderer) {
		assert.Equal(t, "done", r.ContentText(ev.MessageID))
	})
	assert.Empty(t, h.events)
}

func TestReopenForgetsPreviousSession(t *testing.T) {
	h := newHarness(t, nil, nil)

	require.NoError(t, h.sidebar.Open(context.Background(), "first"))
	firstSession := h.sidebar.SessionID()
	require.Eventually(t, func() bool { return len(h.relay.requests()) == 1 }, time.Second, 5*time.Millisecond)
	oldID := h.relay.requests()[0].MessageID

	require.NoError(t, h.sidebar.Open(context.Background(), "second"))
	assert.NotEqual(t, firstSession, h.sidebar.SessionID())

	send(t, h.bus, bus.Notification{Kind: bus.KindStreamChunk, MessageID: oldID, Content: "old"})
	send(t, h.bus, bus.Notification{Kind: bus.KindStreamComplete, MessageID: oldID})

	p := bus.NewProber(h.bus)
	defer p.Close()
	require.NoError(t, p.Ping(context.Background(), "1", time.Second))

	transcript := h.sidebar.Transcript()
	require.Len(t, transcript, 2)
	assert.Contains(t, transcript[1].Content, "second")
	assert.Equal(t, 1, h.sidebar.InFlight())
	h.sidebar.View(func(r *view.Renderer) {
		assert.False(t, r.HasMessage(oldID))
	})
}

func TestNonStreamingResult(t *testing.T) {
	h := newHarness(t, func(c *config.Config) { c.Features.Stream = false }, func(b *bus.Bus, n bus.Notification) {
		if n.Kind != bus.KindCallCompletion {
			return
		}
		_ = b.Publish(bus.TabTopic(n.TabID), bus.Notification{
			Kind:             bus.KindCompletionResult,
			MessageID:        n.MessageID,
			Content:          "**answer**",
			ReasoningContent: "thinking",
		})
	})

	require.NoError(t, h.sidebar.Open(context.Background(), "text"))
	ev := h.waitEvent(t)
	require.Equal(t, EventAnswer, ev.Kind)
	assert.Equal(t, "**answer**", ev.Content)

	h.sidebar.View(func(r *view.Renderer) {
		assert.Equal(t, 1, r.ReasoningPanels(ev.MessageID))
		assert.Equal(t, "answer", r.ContentText(ev.MessageID))
	})
	assert.Equal(t, bus.KindCallCompletion, h.relay.requests()[0].Kind)
	assert.False(t, h.relay.requests()[0].Request.Stream)
}

func TestEmptyAnswer(t *testing.T) {
	h := newHarness(t, nil, streamReply())

	require.NoError(t, h.sidebar.Open(context.Background(), "text"))
	ev := h.waitEvent(t)
	require.Equal(t, EventAnswer, ev.Kind)
	h.sidebar.View(func(r *view.Renderer) {
		assert.Equal(t, EmptyResponseText, r.ContentText(ev.MessageID))
	})
}

func TestToolCallStream(t *testing.T) {
	zero := 0
	h := newHarness(t, nil, func(b *bus.Bus, n bus.Notification) {
		topic := bus.TabTopic(n.TabID)
		for _, args := range []string{`{"progress":`, `"正在搜索"}`} {
			_ = b.Publish(topic, bus.Notification{
				Kind:      bus.KindStreamToolCalls,
				MessageID: n.MessageID,
				ToolCalls: []cloud.ToolCall{{Index: &zero, Function: cloud.FunctionCall{Name: cloud.OnlineSearchToolName, Arguments: args}}},
			})
		}
		_ = b.Publish(topic, bus.Notification{Kind: bus.KindStreamReasoningChunk, MessageID: n.MessageID, Content: "r"})
		_ = b.Publish(topic, bus.Notification{Kind: bus.KindStreamChunk, MessageID: n.MessageID, Content: "answer"})
		_ = b.Publish(topic, bus.Notification{Kind: bus.KindStreamComplete, MessageID: n.MessageID})
	})

	require.NoError(t, h.sidebar.Open(context.Background(), "text"))
	ev := h.waitEvent(t)
	h.sidebar.View(func(r *view.Renderer) {
		assert.Equal(t, 1, r.ToolPanels(ev.MessageID))
		assert.Equal(t, 1, r.ReasoningPanels(ev.MessageID))
	})
	// Reasoning and tool traces stay out of the transcript.
	assert.Equal(t, "answer", h.sidebar.Transcript()[2].Content)
}

func TestConfirmSelection(t *testing.T) {
	h := newHarness(t, func(c *config.Config) { c.Features.ConfirmSelection = true }, streamReply("ok"))

	require.NoError(t, h.sidebar.Open(context.Background(), "text"))
	pending, ok := h.sidebar.Pending()
	require.True(t, ok)
	assert.Equal(t, "请解释以下内容：\n\ntext", pending.Prompt)
	assert.Empty(t, h.relay.requests())

	require.NoError(t, h.sidebar.ConfirmSelection(context.Background(), "用一句话解释 text"))
	h.waitEvent(t)

	reqs := h.relay.requests()
	require.Len(t, reqs, 1)
	assert.Equal(t, "用一句话解释 text", reqs[0].Request.Messages[1].Content)
	_, ok = h.sidebar.Pending()
	assert.False(t, ok)

	assert.ErrorIs(t, h.sidebar.ConfirmSelection(context.Background(), ""), ErrNoPendingSelection)
}

func TestCancelSelection(t *testing.T) {
	h := newHarness(t, func(c *config.Config) { c.Features.ConfirmSelection = true }, nil)

	require.NoError(t, h.sidebar.Open(context.Background(), "text"))
	h.sidebar.CancelSelection()
	_, ok := h.sidebar.Pending()
	assert.False(t, ok)
	assert.Empty(t, h.sidebar.Transcript())
}

func TestOpenViaBusAndPing(t *testing.T) {
	h := newHarness(t, nil, streamReply("hi"))

	p := bus.NewProber(h.bus)
	defer p.Close()
	require.NoError(t, p.Ping(context.Background(), "1", time.Second))

	send(t, h.bus, bus.Notification{Kind: bus.KindOpenSidebar, SelectedText: "text"})
	ev := h.waitEvent(t)
	assert.Equal(t, "hi", ev.Content)
}

func TestTurnsPersisted(t *testing.T) {
	h := newHarness(t, nil, streamReply("Hello"))

	require.NoError(t, h.sidebar.Open(context.Background(), "text"))
	h.waitEvent(t)
	require.NoError(t, h.sidebar.Send(context.Background(), "more"))
	h.waitEvent(t)

	h.store.mu.Lock()
	defer h.store.mu.Unlock()
	require.Len(t, h.store.recs, 5)
	roles := []string{cloud.RoleSystem, cloud.RoleUser, cloud.RoleAssistant, cloud.RoleUser, cloud.RoleAssistant}
	for i, rec := range h.store.recs {
		assert.Equal(t, roles[i], rec.Role)
		assert.Equal(t, h.sidebar.SessionID(), rec.SessionID)
		assert.Equal(t, "https://example.com/article", rec.URL)
	}
}

func TestSendIgnoresBlank(t *testing.T) {
	h := newHarness(t, nil, nil)
	require.NoError(t, h.sidebar.Send(context.Background(), "   "))
	assert.Empty(t, h.sidebar.Transcript())
}

func TestModes(t *testing.T) {
	h := newHarness(t, nil, nil)
	assert.Equal(t, ModeHidden, h.sidebar.Mode())

	require.NoError(t, h.sidebar.Open(context.Background(), ""))
	assert.Equal(t, ModeOpen, h.sidebar.Mode())
	h.sidebar.Minimize()
	assert.Equal(t, ModeMinimized, h.sidebar.Mode())
	h.sidebar.Restore()
	assert.Equal(t, ModeOpen, h.sidebar.Mode())
	h.sidebar.Close()
	assert.Equal(t, ModeHidden, h.sidebar.Mode())
	assert.Equal(t, "hidden", h.sidebar.Mode().String())

	html, err := h.sidebar.HTML()
	require.NoError(t, err)
	assert.Contains(t, html, `style="display: none"`)
}

func TestTurnsRetriedAfterSaveFailure(t *testing.T) {
	h := newHarness(t, nil, streamReply("Hello"))
	h.store.failures = 1

	require.NoError(t, h.sidebar.Open(context.Background(), "text"))
	h.waitEvent(t)
	h.store.mu.Lock()
	assert.Empty(t, h.store.recs)
	h.store.mu.Unlock()

	require.NoError(t, h.sidebar.Send(context.Background(), "more"))
	h.waitEvent(t)

	h.store.mu.Lock()
	defer h.store.mu.Unlock()
	require.Len(t, h.store.recs, 5)
	assert.Equal(t, cloud.RoleSystem, h.store.recs[0].Role)
	assert.Equal(t, "more", h.store.recs[3].Content)
}

func TestSendWhileInFlight(t *testing.T) {
	h := newHarness(t, nil, nil)

	require.NoError(t, h.sidebar.Open(context.Background(), "text"))
	require.Eventually(t, func() bool { return len(h.relay.requests()) == 1 }, time.Second, 5*time.Millisecond)
	id := h.relay.requests()[0].MessageID

	assert.ErrorIs(t, h.sidebar.Send(context.Background(), "more"), ErrBusy)
	assert.Len(t, h.sidebar.Transcript(), 2)

	send(t, h.bus, bus.Notification{Kind: bus.KindStreamChunk, MessageID: id, Content: "ok"})
	send(t, h.bus, bus.Notification{Kind: bus.KindStreamComplete, MessageID: id})
	h.waitEvent(t)

	require.NoError(t, h.sidebar.Send(context.Background(), "more"))
	require.Eventually(t, func() bool { return len(h.relay.requests()) == 2 }, time.Second, 5*time.Millisecond)
	msgs := h.relay.requests()[1].Request.Messages
	require.Len(t, msgs, 4)
	assert.Equal(t, "ok", msgs[2].Content)
}

func TestRenderIntervalFlushesHeldSnapshot(t *testing.T) {
	h := newHarness(t, func(c *config.Config) { c.Sidebar.RenderIntervalMs = 200 }, func(b *bus.Bus, n bus.Notification) {
		topic := bus.TabTopic(n.TabID)
		for _, d := range []string{"Hel", "lo"} {
			_ = b.Publish(topic, bus.Notification{Kind: bus.KindStreamChunk, MessageID: n.MessageID, Content: d})
		}
	})

	require.NoError(t, h.sidebar.Open(context.Background(), "text"))
	require.Eventually(t, func() bool { return len(h.relay.requests()) == 1 }, time.Second, 5*time.Millisecond)
	id := h.relay.requests()[0].MessageID

	// No further deltas arrive; the throttled "lo" must still reach the view.
	require.Eventually(t, func() bool {
		var text string
		h.sidebar.View(func(r *view.Renderer) { text = r.ContentText(id) })
		return text == "Hello"
	}, 2*time.Second, 10*time.Millisecond)
	assert.Equal(t, 1, h.sidebar.InFlight())

	var last Event
	for len(h.deltas) > 0 {
		last = <-h.deltas
	}
	assert.Equal(t, EventDelta, last.Kind)
	assert.Equal(t, id, last.MessageID)
	assert.Equal(t, "Hello", last.Content)
}

func TestRenderIntervalFlushCancelledByCompletion(t *testing.T) {
	h := newHarness(t, func(c *config.Config) { c.Sidebar.RenderIntervalMs = 200 }, streamReply("Hel", "lo", "!"))

	require.NoError(t, h.sidebar.Open(context.Background(), "text"))
	ev := h.waitEvent(t)
	require.Equal(t, EventAnswer, ev.Kind)

	// The pending trailing render is dropped once the answer is final.
	time.Sleep(300 * time.Millisecond)
	h.sidebar.View(func(r *view.Renderer) {
		assert.Equal(t, "Hello!", r.ContentText(ev.MessageID))
	})
}
