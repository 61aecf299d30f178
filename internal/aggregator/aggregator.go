// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package aggregator accumulates streamed deltas per assistant message.
//
// Each in-flight message owns a State that grows monotonically: content and
// reasoning are appended, tool call fragments are merged by index. Renderers
// never see the live State; they receive deep-copied Snapshots.
package aggregator

import (
	"sort"
	"strings"
	"sync"
)

// =============================================================================
// TYPES
// =============================================================================

// Fragment is one streamed piece of a tool call.
type Fragment struct {
	Index     int
	ID        string
	Type      string
	Name      string
	Arguments string
}

// ToolCall is the merged view of every fragment sharing one index.
type ToolCall struct {
	Index     int
	ID        string
	Type      string
	Name      string
	Arguments string
}

// Snapshot is an immutable copy of a State. ToolCalls are ordered by Index.
type Snapshot struct {
	MessageID string
	Content   string
	Reasoning string
	ToolCalls []ToolCall
}

// IsEmpty reports whether nothing has been received yet.
func (s Snapshot) IsEmpty() bool {
	return s.Content == "" && s.Reasoning == "" && len(s.ToolCalls) == 0
}

// State is the accumulation for one assistant message. It is not safe for
// concurrent use; Registry serializes access.
type State struct {
	messageID string
	content   strings.Builder
	reasoning strings.Builder
	calls     map[int]*ToolCall
}

// NewState returns an empty state for messageID.
func NewState(messageID string) *State {
	return &State{
		messageID: messageID,
		calls:     make(map[int]*ToolCall),
	}
}

// AppendContent appends a content delta.
func (s *State) AppendContent(text string) {
	s.content.WriteString(text)
}

// AppendReasoning appends a reasoning delta.
func (s *State) AppendReasoning(text string) {
	s.reasoning.WriteString(text)
}

// MergeToolCalls folds fragments into the per-index entries. An unseen index
// starts empty and is then merged with its first fragment. ID and Type stick
// to their first non-empty value, Name follows the latest non-empty value,
// Arguments concatenate in arrival order.
func (s *State) MergeToolCalls(fragments []Fragment) {
	for _, f := range fragments {
		call, ok := s.calls[f.Index]
		if !ok {
			call = &ToolCall{Index: f.Index}
			s.calls[f.Index] = call
		}
		if call.ID == "" && f.ID != "" {
			call.ID = f.ID
		}
		if call.Type == "" && f.Type != "" {
			call.Type = f.Type
		}
		if f.Name != "" {
			call.Name = f.Name
		}
		if f.Arguments != "" {
			call.Arguments += f.Arguments
		}
	}
}

// Snapshot returns a deep copy of the state.
func (s *State) Snapshot() Snapshot {
	snap := Snapshot{
		MessageID: s.messageID,
		Content:   s.content.String(),
		Reasoning: s.reasoning.String(),
	}
	if len(s.calls) > 0 {
		snap.ToolCalls = make([]ToolCall, 0, len(s.calls))
		for _, call := range s.calls {
			snap.ToolCalls = append(snap.ToolCalls, *call)
		}
		sort.Slice(snap.ToolCalls, func(i, j int) bool {
			return snap.ToolCalls[i].Index < snap.ToolCalls[j].Index
		})
	}
	return snap
}

// =============================================================================
// REGISTRY
// =============================================================================

// Registry maps message ids to their in-flight State. Deltas addressed to an
// id that is not tracked (never started, completed, failed or cleared) are
// dropped.
type Registry struct {
	mu     sync.Mutex
	states map[string]*State
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{states: make(map[string]*State)}
}

// Track starts accumulating for messageID. Tracking an id twice keeps the
// existing state.
func (r *Registry) Track(messageID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.states[messageID]; !ok {
		r.states[messageID] = NewState(messageID)
	}
}

// Tracked reports whether messageID is in flight.
func (r *Registry) Tracked(messageID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.states[messageID]
	return ok
}

// Len returns the number of in-flight messages.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.states)
}

func (r *Registry) apply(messageID string, fn func(*State)) (Snapshot, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	st, ok := r.states[messageID]
	if !ok {
		return Snapshot{}, false
	}
	fn(st)
	return st.Snapshot(), true
}

// ApplyContent appends a content delta and returns the new snapshot.
func (r *Registry) ApplyContent(messageID, text string) (Snapshot, bool) {
	return r.apply(messageID, func(s *State) { s.AppendContent(text) })
}

// ApplyReasoning appends a reasoning delta and returns the new snapshot.
func (r *Registry) ApplyReasoning(messageID, text string) (Snapshot, bool) {
	return r.apply(messageID, func(s *State) { s.AppendReasoning(text) })
}

// ApplyToolCalls merges tool call fragments and returns the new snapshot.
func (r *Registry) ApplyToolCalls(messageID string, fragments []Fragment) (Snapshot, bool) {
	return r.apply(messageID, func(s *State) { s.MergeToolCalls(fragments) })
}

// Snapshot returns the current snapshot without modifying the state.
func (r *Registry) Snapshot(messageID string) (Snapshot, bool) {
	return r.apply(messageID, func(*State) {})
}

// Complete evicts messageID and returns its final snapshot.
func (r *Registry) Complete(messageID string) (Snapshot, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	st, ok := r.states[messageID]
	if !ok {
		return Snapshot{}, false
	}
	delete(r.states, messageID)
	return st.Snapshot(), true
}

// Fail evicts messageID, discarding what was accumulated.
func (r *Registry) Fail(messageID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.states[messageID]
	delete(r.states, messageID)
	return ok
}

// Reset evicts every in-flight message.
func (r *Registry) Reset() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.states = make(map[string]*State)
}
