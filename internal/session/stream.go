// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package session

import (
	"context"
	"time"

	"github.com/jeranaias/rigrun-explain/internal/aggregator"
	"github.com/jeranaias/rigrun-explain/internal/bus"
	"github.com/jeranaias/rigrun-explain/internal/cloud"
	"github.com/jeranaias/rigrun-explain/internal/storage"
	"go.uber.org/zap"
)

// STREAMING: Notifications for ids the registry no longer tracks are stale
// (the message finished, failed or the sidebar was reopened) and are dropped.

func (s *Sidebar) onContent(id, text string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if snap, ok := s.registry.ApplyContent(id, text); ok {
		s.renderLocked(snap)
	}
}

func (s *Sidebar) onReasoning(id, text string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if snap, ok := s.registry.ApplyReasoning(id, text); ok {
		s.renderLocked(snap)
	}
}

func (s *Sidebar) onToolCalls(id string, calls []cloud.ToolCall) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if snap, ok := s.registry.ApplyToolCalls(id, fragments(calls)); ok {
		s.renderLocked(snap)
	}
}

// renderLocked commits an intermediate snapshot unless the render limiter
// says to wait. A throttled message is rendered again, from its newest
// snapshot, once the limiter has a token for it.
func (s *Sidebar) renderLocked(snap aggregator.Snapshot) {
	if s.limiter == nil {
		s.commitLocked(snap)
		return
	}
	if s.flush != nil && s.held == snap.MessageID {
		return
	}
	if s.limiter.Allow() {
		s.commitLocked(snap)
		return
	}
	s.cancelFlushLocked()
	s.held = snap.MessageID
	s.flush = time.AfterFunc(s.limiter.Reserve().Delay(), s.flushHeld)
}

func (s *Sidebar) flushHeld() {
	s.mu.Lock()
	defer s.mu.Unlock()
	id := s.held
	s.held = ""
	s.flush = nil
	if id == "" {
		return
	}
	if snap, ok := s.registry.Snapshot(id); ok {
		s.commitLocked(snap)
	}
}

func (s *Sidebar) cancelFlushLocked() {
	if s.flush != nil {
		s.flush.Stop()
		s.flush = nil
	}
	s.held = ""
}

func (s *Sidebar) commitLocked(snap aggregator.Snapshot) {
	s.renderer.Render(snap, false)
	if s.onDelta != nil {
		s.onDelta(Event{Kind: EventDelta, MessageID: snap.MessageID, Content: snap.Content, Reasoning: snap.Reasoning})
	}
}

func (s *Sidebar) onComplete(ctx context.Context, id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	snap, ok := s.registry.Complete(id)
	if !ok {
		return
	}
	s.finishLocked(ctx, snap)
}

// onResult handles the answer to a non-streaming request.
func (s *Sidebar) onResult(ctx context.Context, n bus.Notification) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.awaiting[n.MessageID] {
		return
	}
	delete(s.awaiting, n.MessageID)

	state := aggregator.NewState(n.MessageID)
	state.AppendContent(n.Content)
	state.AppendReasoning(n.ReasoningContent)
	state.MergeToolCalls(fragments(n.ToolCalls))
	s.finishLocked(ctx, state.Snapshot())
}

// finishLocked renders the final snapshot and records the answer. Only the
// content becomes a transcript turn.
func (s *Sidebar) finishLocked(ctx context.Context, snap aggregator.Snapshot) {
	if s.held == snap.MessageID {
		s.cancelFlushLocked()
	}
	if snap.Content == "" {
		s.renderer.SetText(snap.MessageID, EmptyResponseText)
	}
	s.renderer.RenderFinal(snap)

	s.session.Append(cloud.RoleAssistant, snap.Content)
	s.persistLocked(ctx)

	s.logger.Debug("answer complete",
		zap.String("message", snap.MessageID),
		zap.Int("content_len", len(snap.Content)),
		zap.Int("reasoning_len", len(snap.Reasoning)),
		zap.Int("tool_calls", len(snap.ToolCalls)))
	s.emit(Event{Kind: EventAnswer, MessageID: snap.MessageID, Content: snap.Content})
}

func (s *Sidebar) onError(id, message string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failLocked(id, message)
}

// failLocked shows message in place of the answer. No transcript turn is
// recorded, so the user can resend.
func (s *Sidebar) failLocked(id, message string) {
	tracked := s.registry.Fail(id)
	if s.awaiting[id] {
		delete(s.awaiting, id)
		tracked = true
	}
	if !tracked {
		return
	}
	if s.held == id {
		s.cancelFlushLocked()
	}
	s.renderer.SetText(id, ErrorPrefix+message)
	s.logger.Debug("answer failed", zap.String("message", id), zap.String("error", message))
	s.emit(Event{Kind: EventError, MessageID: id, Error: message})
}

func (s *Sidebar) persistLocked(ctx context.Context) {
	if s.store == nil {
		return
	}
	for _, turn := range s.session.Unpersisted() {
		err := s.store.SaveTurn(ctx, storage.TurnRecord{
			SessionID: s.session.ID(),
			TabID:     s.tabID,
			URL:       s.url,
			Role:      turn.Role,
			Content:   turn.Content,
		})
		if err != nil {
			s.logger.Warn("failed to persist turn", zap.Error(err))
			return
		}
		s.session.MarkPersisted()
	}
}

func fragments(calls []cloud.ToolCall) []aggregator.Fragment {
	if len(calls) == 0 {
		return nil
	}
	out := make([]aggregator.Fragment, len(calls))
	for i, c := range calls {
		out[i] = aggregator.Fragment{
			Index:     c.Position(i),
			ID:        c.ID,
			Type:      c.Type,
			Name:      c.Function.Name,
			Arguments: c.Function.Arguments,
		}
	}
	return out
}
