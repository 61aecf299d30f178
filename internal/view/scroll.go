// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package view

// DefaultScrollThreshold is how close to the bottom, in pixels, the view
// must be to keep following new content.
const DefaultScrollThreshold = 50

// Scroller models the message list's scroll position. New content moves the
// viewport to the bottom unless the user has scrolled away from it.
type Scroller struct {
	threshold int
	viewport  int
	enabled   bool

	top    int
	height int
}

// NewScroller returns a scroller for a viewport of the given height.
// Disabled scrollers only move on forced updates.
func NewScroller(threshold, viewport int, enabled bool) *Scroller {
	if threshold <= 0 {
		threshold = DefaultScrollThreshold
	}
	return &Scroller{threshold: threshold, viewport: viewport, enabled: enabled}
}

// SetEnabled toggles automatic following.
func (s *Scroller) SetEnabled(enabled bool) {
	s.enabled = enabled
}

// ScrollTo records a user scroll to top.
func (s *Scroller) ScrollTo(top int) {
	s.top = clamp(top, 0, s.maxTop())
}

// NearBottom reports whether the viewport is within the threshold of the end.
func (s *Scroller) NearBottom() bool {
	return s.height-(s.top+s.viewport) <= s.threshold
}

// ContentResized records the new content height and follows it when the
// viewport was near the bottom, or unconditionally when force is set. It
// reports whether the viewport moved to the bottom.
func (s *Scroller) ContentResized(height int, force bool) bool {
	follow := force || (s.enabled && s.NearBottom())
	s.height = height
	if !follow {
		s.top = clamp(s.top, 0, s.maxTop())
		return false
	}
	s.top = s.maxTop()
	return true
}

// Top returns the current scroll offset.
func (s *Scroller) Top() int { return s.top }

// Height returns the current content height.
func (s *Scroller) Height() int { return s.height }

func (s *Scroller) maxTop() int {
	if s.height <= s.viewport {
		return 0
	}
	return s.height - s.viewport
}

func clamp(v, lo, hi int) int {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
