// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package handshake makes sure a tab has a live sidebar before anything is
// delivered to it.
//
// Each tab moves through absent -> probing -> ready. A liveness probe that
// succeeds goes straight to ready; one that fails injects the sidebar and
// waits a short settle delay. Restricted pages are rejected up front with a
// single user notification and are never probed.
package handshake

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
)

// State is the handshake state of one tab.
type State int

const (
	StateAbsent State = iota
	StateProbing
	StateReady
	StateRejected
)

func (s State) String() string {
	switch s {
	case StateProbing:
		return "probing"
	case StateReady:
		return "ready"
	case StateRejected:
		return "rejected"
	default:
		return "absent"
	}
}

const (
	// DefaultSettleDelay is how long a freshly injected sidebar is given to
	// start listening.
	DefaultSettleDelay = 100 * time.Millisecond

	// DefaultProbeTimeout bounds one liveness probe.
	DefaultProbeTimeout = 500 * time.Millisecond
)

// RestrictedMessage is shown when the sidebar cannot run on a page.
const RestrictedMessage = "无法在此页面使用，请在普通网页上选择文本"

// ErrRestricted is returned for pages the sidebar may not be injected into.
var ErrRestricted = errors.New("page does not allow the sidebar")

// =============================================================================
// COLLABORATORS
// =============================================================================

// Prober checks whether a tab's sidebar is alive.
type Prober interface {
	Ping(ctx context.Context, tabID string, timeout time.Duration) error
}

// Injector loads the sidebar's code and styling into a tab.
type Injector interface {
	Inject(ctx context.Context, tabID string) error
}

// Notifier shows a one-shot user notification.
type Notifier interface {
	Notify(title, message string)
}

// =============================================================================
// RESTRICTED PAGES
// =============================================================================

var restrictedPrefixes = []string{
	"chrome://",
	"chrome-extension://",
	"chrome-search://",
	"chrome-untrusted://",
	"edge://",
	"about:",
	"view-source:",
	"devtools://",
	"data:",
	"javascript:",
	"https://chrome.google.com/webstore",
	"https://chromewebstore.google.com",
	"https://microsoftedge.microsoft.com/addons",
}

// IsRestricted reports whether url belongs to the browser itself, an
// extension store or a special scheme.
func IsRestricted(url string) bool {
	u := strings.ToLower(strings.TrimSpace(url))
	if u == "" {
		return true
	}
	for _, prefix := range restrictedPrefixes {
		if strings.HasPrefix(u, prefix) {
			return true
		}
	}
	return false
}

// =============================================================================
// HANDSHAKE
// =============================================================================

// Options tune a Handshake. Zero values select the defaults.
type Options struct {
	SettleDelay  time.Duration
	ProbeTimeout time.Duration
	Logger       *zap.Logger
}

// Handshake tracks the state of every tab.
type Handshake struct {
	prober   Prober
	injector Injector
	notifier Notifier
	settle   time.Duration
	timeout  time.Duration
	logger   *zap.Logger

	mu     sync.Mutex
	states map[string]State
	locks  map[string]*sync.Mutex
}

// New creates a handshake.
func New(prober Prober, injector Injector, notifier Notifier, opts Options) *Handshake {
	if opts.SettleDelay <= 0 {
		opts.SettleDelay = DefaultSettleDelay
	}
	if opts.ProbeTimeout <= 0 {
		opts.ProbeTimeout = DefaultProbeTimeout
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	return &Handshake{
		prober:   prober,
		injector: injector,
		notifier: notifier,
		settle:   opts.SettleDelay,
		timeout:  opts.ProbeTimeout,
		logger:   opts.Logger.Named("handshake"),
		states:   make(map[string]State),
		locks:    make(map[string]*sync.Mutex),
	}
}

// State returns tabID's current state.
func (h *Handshake) State(tabID string) State {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.states[tabID]
}

// Forget discards everything known about a closed or navigated tab.
func (h *Handshake) Forget(tabID string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	delete(h.states, tabID)
	delete(h.locks, tabID)
}

// Ensure drives tabID to ready. It returns ErrRestricted, after notifying
// the user once, for restricted pages. Concurrent calls for the same tab are
// serialized so a sidebar is injected at most once.
func (h *Handshake) Ensure(ctx context.Context, tabID, url string) error {
	if IsRestricted(url) {
		h.setState(tabID, StateRejected)
		h.logger.Info("sidebar rejected on restricted page", zap.String("tab", tabID), zap.String("url", url))
		if h.notifier != nil {
			h.notifier.Notify("AI 助手", RestrictedMessage)
		}
		return ErrRestricted
	}

	lock := h.tabLock(tabID)
	lock.Lock()
	defer lock.Unlock()

	h.setState(tabID, StateProbing)
	err := h.prober.Ping(ctx, tabID, h.timeout)
	if err == nil {
		h.setState(tabID, StateReady)
		return nil
	}
	h.logger.Debug("probe failed, injecting sidebar", zap.String("tab", tabID), zap.Error(err))

	if err = h.injector.Inject(ctx, tabID); err != nil {
		h.setState(tabID, StateAbsent)
		return fmt.Errorf("failed to inject sidebar into tab %s: %w", tabID, err)
	}

	timer := time.NewTimer(h.settle)
	defer timer.Stop()
	select {
	case <-timer.C:
	case <-ctx.Done():
		h.setState(tabID, StateAbsent)
		return ctx.Err()
	}

	h.setState(tabID, StateReady)
	return nil
}

func (h *Handshake) setState(tabID string, s State) {
	h.mu.Lock()
	h.states[tabID] = s
	h.mu.Unlock()
}

func (h *Handshake) tabLock(tabID string) *sync.Mutex {
	h.mu.Lock()
	defer h.mu.Unlock()
	l, ok := h.locks[tabID]
	if !ok {
		l = &sync.Mutex{}
		h.locks[tabID] = l
	}
	return l
}
