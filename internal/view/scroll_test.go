// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package view

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestScroller_FollowsWhenNearBottom(t *testing.T) {
	s := NewScroller(50, 100, true)
	assert.True(t, s.ContentResized(300, false))
	assert.Equal(t, 200, s.Top())

	// Within threshold of the old bottom.
	s.ScrollTo(160)
	assert.True(t, s.ContentResized(400, false))
	assert.Equal(t, 300, s.Top())
}

func TestScroller_StaysWhenScrolledAway(t *testing.T) {
	s := NewScroller(50, 100, true)
	s.ContentResized(300, false)
	s.ScrollTo(20)

	assert.False(t, s.ContentResized(400, false))
	assert.Equal(t, 20, s.Top())

	assert.True(t, s.ContentResized(500, true))
	assert.Equal(t, 400, s.Top())
}

func TestScroller_Disabled(t *testing.T) {
	s := NewScroller(0, 100, false)
	assert.False(t, s.ContentResized(300, false))
	assert.Equal(t, 0, s.Top())
	assert.True(t, s.ContentResized(300, true))
	assert.Equal(t, 200, s.Top())

	s.SetEnabled(true)
	assert.True(t, s.ContentResized(350, false))
}

func TestScroller_ShortContent(t *testing.T) {
	s := NewScroller(50, 100, true)
	s.ContentResized(40, false)
	assert.Equal(t, 0, s.Top())
	assert.True(t, s.NearBottom())
	assert.Equal(t, 40, s.Height())
}
