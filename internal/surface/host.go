// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package surface hosts tabs and their sidebars in-process.
//
// The Host plays the browser: it owns tabs, injects a sidebar document into
// a tab on demand, answers the handshake's probe through the bus and shows
// one-shot notifications. Trigger is the context-menu path.
package surface

import (
	"context"
	_ "embed"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/jeranaias/rigrun-explain/internal/bus"
	"github.com/jeranaias/rigrun-explain/internal/config"
	"github.com/jeranaias/rigrun-explain/internal/handshake"
	"github.com/jeranaias/rigrun-explain/internal/markdown"
	"github.com/jeranaias/rigrun-explain/internal/session"
	"go.uber.org/zap"
)

var (
	//go:embed assets/sidebar.html
	sidebarHTML string

	//go:embed assets/sidebar.css
	sidebarCSS string
)

const stylePlaceholder = "/*SIDEBAR-STYLE*/"

// ErrNoTab is returned for unknown tab ids.
var ErrNoTab = errors.New("no such tab")

// Skeleton returns the sidebar document with its stylesheet inlined.
func Skeleton() string {
	css := sidebarCSS + "\n" + markdown.CodeCSS()
	return strings.Replace(sidebarHTML, stylePlaceholder, css, 1)
}

// Notification is a one-shot message shown to the user.
type Notification struct {
	Title   string
	Message string
}

// Options configure a Host.
type Options struct {
	// Store persists transcripts; optional.
	Store session.TranscriptStore

	Logger *zap.Logger

	// OnEvent receives every sidebar event. It must not block or call back
	// into the sidebar.
	OnEvent func(tabID string, ev session.Event)

	// OnDelta receives each partial answer, under the same rules as OnEvent.
	OnDelta func(tabID string, ev session.Event)

	// OnNotify is called for each notification.
	OnNotify func(Notification)
}

type tab struct {
	id      string
	url     string
	sidebar *session.Sidebar
}

// Host is an in-process browser.
type Host struct {
	bus       *bus.Bus
	cfg       session.ConfigSource
	opts      Options
	logger    *zap.Logger
	prober    *bus.Prober
	handshake *handshake.Handshake

	// ctx bounds every sidebar's lifetime, not the trigger that loaded it.
	ctx    context.Context
	cancel context.CancelFunc

	mu            sync.Mutex
	tabs          map[string]*tab
	nextID        int
	notifications []Notification
	injections    int
}

// NewHost creates a host with no tabs. Handshake timing is read from cfg.
func NewHost(b *bus.Bus, cfg session.ConfigSource, opts Options) *Host {
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	h := &Host{
		bus:    b,
		cfg:    cfg,
		opts:   opts,
		logger: opts.Logger.Named("surface"),
		prober: bus.NewProber(b),
		tabs:   make(map[string]*tab),
	}
	h.ctx, h.cancel = context.WithCancel(context.Background())
	current := cfg.Get()
	h.handshake = handshake.New(h, h, h, handshake.Options{
		SettleDelay:  time.Duration(current.Sidebar.SettleDelayMs) * time.Millisecond,
		ProbeTimeout: time.Duration(current.Sidebar.ProbeTimeoutMs) * time.Millisecond,
		Logger:       opts.Logger,
	})
	return h
}

// =============================================================================
// TABS
// =============================================================================

// OpenTab opens a tab showing url and returns its id.
func (h *Host) OpenTab(url string) string {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.nextID++
	id := strconv.Itoa(h.nextID)
	h.tabs[id] = &tab{id: id, url: url}
	return id
}

// Navigate loads url into a tab. The page's sidebar goes away with it.
func (h *Host) Navigate(tabID, url string) error {
	h.mu.Lock()
	t, ok := h.tabs[tabID]
	if !ok {
		h.mu.Unlock()
		return ErrNoTab
	}
	sb := t.sidebar
	t.sidebar = nil
	t.url = url
	h.mu.Unlock()

	h.unload(tabID, sb)
	return nil
}

// CloseTab closes a tab.
func (h *Host) CloseTab(tabID string) {
	h.mu.Lock()
	t, ok := h.tabs[tabID]
	delete(h.tabs, tabID)
	h.mu.Unlock()
	if ok {
		h.unload(tabID, t.sidebar)
	}
}

func (h *Host) unload(tabID string, sb *session.Sidebar) {
	if sb != nil {
		sb.Stop()
	}
	h.handshake.Forget(tabID)
	h.prober.Forget(tabID)
}

// URL returns the tab's current address.
func (h *Host) URL(tabID string) (string, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	t, ok := h.tabs[tabID]
	if !ok {
		return "", false
	}
	return t.url, true
}

// Sidebar returns the sidebar injected into a tab, or nil.
func (h *Host) Sidebar(tabID string) *session.Sidebar {
	h.mu.Lock()
	defer h.mu.Unlock()
	if t, ok := h.tabs[tabID]; ok {
		return t.sidebar
	}
	return nil
}

// State returns a tab's handshake state.
func (h *Host) State(tabID string) handshake.State {
	return h.handshake.State(tabID)
}

// =============================================================================
// CONTEXT MENU
// =============================================================================

// Trigger is "explain with AI" on a selection in tabID. It makes sure the
// tab has a live sidebar, then asks it to open.
func (h *Host) Trigger(ctx context.Context, tabID, selected string) error {
	url, ok := h.URL(tabID)
	if !ok {
		return ErrNoTab
	}
	if err := h.handshake.Ensure(ctx, tabID, url); err != nil {
		return err
	}
	return h.bus.Publish(bus.TabTopic(tabID), bus.Notification{
		Kind:         bus.KindOpenSidebar,
		TabID:        tabID,
		SelectedText: selected,
	})
}

// =============================================================================
// HANDSHAKE COLLABORATORS
// =============================================================================

// Ping probes a tab's sidebar over the bus.
func (h *Host) Ping(ctx context.Context, tabID string, timeout time.Duration) error {
	return h.prober.Ping(ctx, tabID, timeout)
}

// Inject loads a new sidebar into a tab.
func (h *Host) Inject(_ context.Context, tabID string) error {
	h.mu.Lock()
	t, ok := h.tabs[tabID]
	if !ok {
		h.mu.Unlock()
		return ErrNoTab
	}
	if t.sidebar != nil {
		// A sidebar that stopped answering is replaced.
		t.sidebar.Stop()
		t.sidebar = nil
	}
	url := t.url
	h.mu.Unlock()

	var onEvent func(session.Event)
	if h.opts.OnEvent != nil {
		onEvent = func(ev session.Event) { h.opts.OnEvent(tabID, ev) }
	}
	var onDelta func(session.Event)
	if h.opts.OnDelta != nil {
		onDelta = func(ev session.Event) { h.opts.OnDelta(tabID, ev) }
	}
	sb, err := session.NewSidebar(session.Options{
		TabID:    tabID,
		URL:      url,
		Bus:      h.bus,
		Config:   h.cfg,
		Store:    h.opts.Store,
		Skeleton: Skeleton(),
		Logger:   h.opts.Logger,
		OnEvent:  onEvent,
		OnDelta:  onDelta,
	})
	if err != nil {
		return fmt.Errorf("failed to build sidebar: %w", err)
	}
	if err := sb.Start(h.ctx); err != nil {
		return err
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	t, ok = h.tabs[tabID]
	if !ok {
		sb.Stop()
		return ErrNoTab
	}
	t.sidebar = sb
	h.injections++
	h.logger.Debug("sidebar injected", zap.String("tab", tabID), zap.String("url", url))
	return nil
}

// Notify shows a notification.
func (h *Host) Notify(title, message string) {
	n := Notification{Title: title, Message: message}
	h.mu.Lock()
	h.notifications = append(h.notifications, n)
	h.mu.Unlock()
	h.logger.Info("notification", zap.String("title", title), zap.String("message", message))
	if h.opts.OnNotify != nil {
		h.opts.OnNotify(n)
	}
}

// Notifications returns every notification shown so far.
func (h *Host) Notifications() []Notification {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]Notification(nil), h.notifications...)
}

// Injections counts sidebar injections.
func (h *Host) Injections() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.injections
}

// ApplyConfig forwards a configuration change to every live sidebar.
func (h *Host) ApplyConfig(cfg config.Config) {
	h.mu.Lock()
	var sidebars []*session.Sidebar
	for _, t := range h.tabs {
		if t.sidebar != nil {
			sidebars = append(sidebars, t.sidebar)
		}
	}
	h.mu.Unlock()
	for _, sb := range sidebars {
		sb.ApplyConfig(cfg)
	}
}

// Close unloads every tab.
func (h *Host) Close() {
	h.mu.Lock()
	tabs := h.tabs
	h.tabs = make(map[string]*tab)
	h.mu.Unlock()
	for id, t := range tabs {
		h.unload(id, t.sidebar)
	}
	h.prober.Close()
	h.cancel()
}
