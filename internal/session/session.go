// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package session

import (
	"github.com/google/uuid"
	"github.com/jeranaias/rigrun-explain/internal/cloud"
)

// =============================================================================
// TYPES
// =============================================================================

// UIMode is the sidebar's visibility.
type UIMode int

const (
	ModeHidden UIMode = iota
	ModeOpen
	ModeMinimized
)

func (m UIMode) String() string {
	switch m {
	case ModeOpen:
		return "open"
	case ModeMinimized:
		return "minimized"
	default:
		return "hidden"
	}
}

// Turn is one transcript entry.
type Turn struct {
	Role    string
	Content string
}

// PendingSelection is a selection held until the user confirms it.
type PendingSelection struct {
	Text   string
	Prompt string
}

// =============================================================================
// SESSION
// =============================================================================

// Session is the conversation of one sidebar. It is not safe for concurrent
// use; Sidebar serializes access.
type Session struct {
	id         string
	transcript []Turn
	mode       UIMode
	pending    *PendingSelection
	requested  bool
	persisted  int
}

// New returns an empty, hidden session.
func New() *Session {
	return &Session{id: uuid.NewString()}
}

// ID identifies the session in the transcript store. It changes on Reset.
func (s *Session) ID() string {
	return s.id
}

// Reset starts a new conversation. The mode is kept.
func (s *Session) Reset() {
	s.id = uuid.NewString()
	s.transcript = nil
	s.pending = nil
	s.requested = false
	s.persisted = 0
}

// Append adds a turn to the transcript.
func (s *Session) Append(role, content string) {
	s.transcript = append(s.transcript, Turn{Role: role, Content: content})
}

// Transcript returns a copy of the transcript.
func (s *Session) Transcript() []Turn {
	out := make([]Turn, len(s.transcript))
	copy(out, s.transcript)
	return out
}

// Len returns the number of turns.
func (s *Session) Len() int {
	return len(s.transcript)
}

// Messages returns the transcript as request messages.
func (s *Session) Messages() []cloud.ChatMessage {
	out := make([]cloud.ChatMessage, len(s.transcript))
	for i, t := range s.transcript {
		out[i] = cloud.ChatMessage{Role: t.Role, Content: t.Content}
	}
	return out
}

// ClaimFirstRequest reports whether no request has been built for this
// session yet, and marks one as built. Tools are only advertised on the
// first request.
func (s *Session) ClaimFirstRequest() bool {
	first := !s.requested
	s.requested = true
	return first
}

// Unpersisted returns the turns not yet written to the transcript store.
func (s *Session) Unpersisted() []Turn {
	if s.persisted >= len(s.transcript) {
		return nil
	}
	out := make([]Turn, len(s.transcript)-s.persisted)
	copy(out, s.transcript[s.persisted:])
	return out
}

// MarkPersisted records that the oldest unpersisted turn was written.
func (s *Session) MarkPersisted() {
	if s.persisted < len(s.transcript) {
		s.persisted++
	}
}

// Mode returns the visibility mode.
func (s *Session) Mode() UIMode {
	return s.mode
}

// SetMode changes the visibility mode.
func (s *Session) SetMode(m UIMode) {
	s.mode = m
}

// Pending returns the selection awaiting confirmation, or nil.
func (s *Session) Pending() *PendingSelection {
	return s.pending
}

// SetPending holds a selection for confirmation.
func (s *Session) SetPending(p *PendingSelection) {
	s.pending = p
}
