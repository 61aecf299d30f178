// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package session

import (
	"context"
	"errors"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jeranaias/rigrun-explain/internal/aggregator"
	"github.com/jeranaias/rigrun-explain/internal/bus"
	"github.com/jeranaias/rigrun-explain/internal/cloud"
	"github.com/jeranaias/rigrun-explain/internal/config"
	"github.com/jeranaias/rigrun-explain/internal/storage"
	"github.com/jeranaias/rigrun-explain/internal/view"
	"go.uber.org/zap"
	"golang.org/x/text/unicode/norm"
	"golang.org/x/time/rate"
)

// Text shown in the sidebar.
const (
	LoadingText        = "正在思考..."
	CredentialsMissing = "错误：请先在插件设置中配置 API 密钥和接口地址"
	ErrorPrefix        = "错误："
	EmptyResponseText  = "（无回复内容）"
	ExplainPrefix      = "解释选中的文本：\n"
)

var (
	// ErrNoPendingSelection is returned when confirming without a held selection.
	ErrNoPendingSelection = errors.New("no selection awaiting confirmation")

	// ErrBusy is returned by Send while an answer is still in flight.
	ErrBusy = errors.New("an answer is still in flight")
)

// defaultViewport is the message list height assumed for scrolling.
const defaultViewport = 600

// =============================================================================
// COLLABORATORS
// =============================================================================

// ConfigSource supplies the current configuration. It is read at the start
// of every request.
type ConfigSource interface {
	Get() config.Config
}

// TranscriptStore persists finished turns.
type TranscriptStore interface {
	SaveTurn(ctx context.Context, rec storage.TurnRecord) error
}

// EventKind identifies an Event.
type EventKind int

const (
	// EventAnswer means an assistant message finished.
	EventAnswer EventKind = iota

	// EventError means an assistant message failed.
	EventError

	// EventDelta carries the partial answer after a rendered snapshot.
	EventDelta
)

// Event reports progress or the outcome of one assistant message.
type Event struct {
	Kind      EventKind
	MessageID string
	Content   string
	Reasoning string
	Error     string
}

// Options configure a Sidebar.
type Options struct {
	TabID  string
	URL    string
	Bus    *bus.Bus
	Config ConfigSource

	// Store is optional.
	Store TranscriptStore

	// Skeleton is the sidebar document; empty uses view.DefaultSkeleton.
	Skeleton string

	Logger *zap.Logger

	// OnEvent is called with the sidebar locked; it must not block or call
	// back into the Sidebar.
	OnEvent func(Event)

	// OnDelta receives EventDelta after each intermediate render, under the
	// same locking rules as OnEvent. Optional.
	OnDelta func(Event)
}

// =============================================================================
// SIDEBAR
// =============================================================================

// Sidebar is the controller of one tab's sidebar.
type Sidebar struct {
	tabID   string
	url     string
	bus     *bus.Bus
	cfg     ConfigSource
	store   TranscriptStore
	logger  *zap.Logger
	onEvent func(Event)
	onDelta func(Event)

	mu       sync.Mutex
	session  *Session
	registry *aggregator.Registry
	awaiting map[string]bool // non-streaming message ids
	renderer *view.Renderer
	limiter  *rate.Limiter
	held     string      // message id whose latest snapshot is throttled
	flush    *time.Timer // trailing render for held
	sub      *bus.Subscription
}

// NewSidebar creates a sidebar. It does not listen until Start.
func NewSidebar(opts Options) (*Sidebar, error) {
	if opts.Bus == nil || opts.Config == nil {
		return nil, errors.New("sidebar requires a bus and a config source")
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	cfg := opts.Config.Get()

	renderer, err := view.New(opts.Skeleton, view.NewScroller(cfg.Sidebar.ScrollThresholdPx, defaultViewport, cfg.Features.AutoScroll))
	if err != nil {
		return nil, err
	}

	s := &Sidebar{
		tabID:    opts.TabID,
		url:      opts.URL,
		bus:      opts.Bus,
		cfg:      opts.Config,
		store:    opts.Store,
		logger:   opts.Logger.Named("sidebar").With(zap.String("tab", opts.TabID)),
		onEvent:  opts.OnEvent,
		onDelta:  opts.OnDelta,
		session:  New(),
		registry: aggregator.NewRegistry(),
		awaiting: make(map[string]bool),
		renderer: renderer,
	}
	s.applyConfigLocked(cfg)
	return s, nil
}

// Start subscribes to the tab's topic.
func (s *Sidebar) Start(ctx context.Context) error {
	sub, err := s.bus.Subscribe(ctx, bus.TabTopic(s.tabID), s.handle)
	if err != nil {
		return err
	}
	s.mu.Lock()
	s.sub = sub
	s.mu.Unlock()
	return nil
}

// Stop unsubscribes. In-flight relay requests are not cancelled; their
// notifications are dropped.
func (s *Sidebar) Stop() {
	s.mu.Lock()
	sub := s.sub
	s.sub = nil
	s.cancelFlushLocked()
	s.mu.Unlock()
	if sub != nil {
		sub.Close()
	}
}

// ApplyConfig picks up a configuration change that affects the view.
func (s *Sidebar) ApplyConfig(cfg config.Config) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.applyConfigLocked(cfg)
}

func (s *Sidebar) applyConfigLocked(cfg config.Config) {
	s.renderer.Scroller().SetEnabled(cfg.Features.AutoScroll)
	if cfg.Sidebar.RenderIntervalMs > 0 {
		interval := time.Duration(cfg.Sidebar.RenderIntervalMs) * time.Millisecond
		s.limiter = rate.NewLimiter(rate.Every(interval), 1)
	} else {
		s.limiter = nil
		s.cancelFlushLocked()
	}
}

func (s *Sidebar) handle(ctx context.Context, n bus.Notification) {
	switch n.Kind {
	case bus.KindPing:
		if err := bus.Reply(s.bus, n); err != nil {
			s.logger.Warn("failed to answer ping", zap.Error(err))
		}
	case bus.KindOpenSidebar:
		if err := s.Open(ctx, n.SelectedText); err != nil {
			s.logger.Debug("open did not reach the relay", zap.Error(err))
		}
	case bus.KindStreamChunk:
		s.onContent(n.MessageID, n.Content)
	case bus.KindStreamReasoningChunk:
		s.onReasoning(n.MessageID, n.Content)
	case bus.KindStreamToolCalls:
		s.onToolCalls(n.MessageID, n.ToolCalls)
	case bus.KindStreamComplete:
		s.onComplete(ctx, n.MessageID)
	case bus.KindStreamError:
		s.onError(n.MessageID, n.Error)
	case bus.KindCompletionResult:
		s.onResult(ctx, n)
	default:
		s.logger.Debug("ignoring notification", zap.String("action", string(n.Kind)))
	}
}

// =============================================================================
// USER ACTIONS
// =============================================================================

// Open shows the sidebar for a new selection. The transcript and message
// list are cleared; messages still streaming for the previous session are
// forgotten.
func (s *Sidebar) Open(ctx context.Context, selected string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.session.Reset()
	s.session.SetMode(ModeOpen)
	s.registry.Reset()
	s.awaiting = make(map[string]bool)
	s.cancelFlushLocked()
	s.renderer.Clear()
	s.renderer.SetMode(view.ModeOpen)

	// UNICODE: Selections copied from rendered pages may be decomposed.
	selected = norm.NFC.String(strings.TrimSpace(selected))
	if selected == "" {
		return nil
	}

	cfg := s.cfg.Get()
	prompt := cfg.ExpandUserPrompt(selected)
	if cfg.Features.ConfirmSelection {
		s.session.SetPending(&PendingSelection{Text: selected, Prompt: prompt})
		s.renderer.ShowPending(selected, prompt)
		return nil
	}
	return s.explainLocked(ctx, cfg, selected, prompt)
}

// ConfirmSelection explains the held selection. A non-blank prompt replaces
// the expanded template.
func (s *Sidebar) ConfirmSelection(ctx context.Context, prompt string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	pending := s.session.Pending()
	if pending == nil {
		return ErrNoPendingSelection
	}
	if strings.TrimSpace(prompt) == "" {
		prompt = pending.Prompt
	}
	s.session.SetPending(nil)
	s.renderer.RemovePending()
	return s.explainLocked(ctx, s.cfg.Get(), pending.Text, prompt)
}

// CancelSelection discards the held selection.
func (s *Sidebar) CancelSelection() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.session.SetPending(nil)
	s.renderer.RemovePending()
}

func (s *Sidebar) explainLocked(ctx context.Context, cfg config.Config, selected, prompt string) error {
	s.renderer.AddMessage(newMessageID(), view.RoleUser, ExplainPrefix+selected)

	system := cfg.Prompts.System
	if strings.TrimSpace(system) == "" {
		system = config.DefaultSystemPrompt
	}
	s.session.Append(cloud.RoleSystem, system)
	s.session.Append(cloud.RoleUser, prompt)
	return s.callLocked(ctx, cfg)
}

// Send appends a follow-up user turn and asks for the answer. Blank input is
// ignored. While an answer is in flight Send returns ErrBusy and changes
// nothing.
func (s *Sidebar) Send(ctx context.Context, text string) error {
	text = strings.TrimSpace(text)
	if text == "" {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.registry.Len() > 0 || len(s.awaiting) > 0 {
		return ErrBusy
	}

	s.renderer.AddMessage(newMessageID(), view.RoleUser, text)
	s.session.Append(cloud.RoleUser, text)
	return s.callLocked(ctx, s.cfg.Get())
}

// callLocked adds the assistant placeholder and hands the request to the
// relay.
func (s *Sidebar) callLocked(_ context.Context, cfg config.Config) error {
	id := newMessageID()
	s.renderer.AddMessage(id, view.RoleAssistant, LoadingText)

	if err := cfg.CheckCredentials(); err != nil {
		s.renderer.SetText(id, CredentialsMissing)
		s.emit(Event{Kind: EventError, MessageID: id, Error: CredentialsMissing})
		return err
	}

	req := s.buildRequestLocked(cfg)
	kind := bus.KindCallCompletion
	if req.Stream {
		kind = bus.KindStartStream
		s.registry.Track(id)
	} else {
		s.awaiting[id] = true
	}

	s.logger.Debug("requesting answer",
		zap.String("message", id),
		zap.Bool("stream", req.Stream),
		zap.Int("messages", len(req.Messages)),
		zap.Bool("tools", len(req.Tools) > 0))

	err := s.bus.Publish(bus.BackgroundTopic, bus.Notification{
		Kind:      kind,
		TabID:     s.tabID,
		MessageID: id,
		Request:   &req,
	})
	if err != nil {
		s.failLocked(id, err.Error())
		return err
	}
	return nil
}

func (s *Sidebar) buildRequestLocked(cfg config.Config) cloud.ChatRequest {
	req := cloud.ChatRequest{
		Model:       cfg.API.Model,
		Messages:    s.session.Messages(),
		Temperature: cfg.API.Temperature,
		MaxTokens:   cfg.API.MaxTokens,
		Stream:      cfg.Features.Stream,
	}
	if cfg.Features.Reasoning {
		req.ReasoningEffort = "high"
	}
	if s.session.ClaimFirstRequest() && cfg.Features.OnlineSearch {
		req.Tools = []cloud.Tool{cloud.OnlineSearchTool()}
		req.ToolChoice = "auto"
	}
	return req
}

// Close hides the sidebar. Answers still streaming keep arriving.
func (s *Sidebar) Close() {
	s.setMode(ModeHidden, view.ModeHidden)
}

// Minimize collapses the sidebar to its header.
func (s *Sidebar) Minimize() {
	s.setMode(ModeMinimized, view.ModeMinimized)
}

// Restore reopens a minimized or hidden sidebar without clearing it.
func (s *Sidebar) Restore() {
	s.setMode(ModeOpen, view.ModeOpen)
}

func (s *Sidebar) setMode(m UIMode, vm view.Mode) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.session.SetMode(m)
	s.renderer.SetMode(vm)
}

// ToggleReasoning collapses or expands a message's reasoning panel.
func (s *Sidebar) ToggleReasoning(messageID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.renderer.ToggleReasoning(messageID)
}

// ToggleReference expands or collapses one search reference.
func (s *Sidebar) ToggleReference(messageID string, tool, ref int) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.renderer.ToggleReference(messageID, tool, ref)
}

// ToggleAllReferences flips a tool panel's expand-all control.
func (s *Sidebar) ToggleAllReferences(messageID string, tool int) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.renderer.ToggleAllReferences(messageID, tool)
}

// ScrollTo records a user scroll of the message list.
func (s *Sidebar) ScrollTo(top int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.renderer.Scroller().ScrollTo(top)
}

// ScrollToBottom jumps to the newest content.
func (s *Sidebar) ScrollToBottom() {
	s.mu.Lock()
	defer s.mu.Unlock()
	sc := s.renderer.Scroller()
	sc.ContentResized(sc.Height(), true)
}

// =============================================================================
// ACCESSORS
// =============================================================================

// TabID returns the tab this sidebar belongs to.
func (s *Sidebar) TabID() string { return s.tabID }

// Mode returns the visibility mode.
func (s *Sidebar) Mode() UIMode {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.session.Mode()
}

// Transcript returns a copy of the current transcript.
func (s *Sidebar) Transcript() []Turn {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.session.Transcript()
}

// SessionID returns the current session's store id.
func (s *Sidebar) SessionID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.session.ID()
}

// Pending returns a copy of the held selection, if any.
func (s *Sidebar) Pending() (PendingSelection, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if p := s.session.Pending(); p != nil {
		return *p, true
	}
	return PendingSelection{}, false
}

// InFlight returns the number of assistant messages awaiting an answer.
func (s *Sidebar) InFlight() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.registry.Len() + len(s.awaiting)
}

// HTML serializes the sidebar document.
func (s *Sidebar) HTML() (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.renderer.HTML()
}

// View runs fn with the renderer locked. fn must not retain r.
func (s *Sidebar) View(fn func(r *view.Renderer)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	fn(s.renderer)
}

func (s *Sidebar) emit(ev Event) {
	if s.onEvent != nil {
		s.onEvent(ev)
	}
}

func newMessageID() string {
	return "msg-" + uuid.NewString()
}
