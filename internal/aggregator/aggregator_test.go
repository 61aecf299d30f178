// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package aggregator

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRegistry_ContentConcatenation(t *testing.T) {
	r := NewRegistry()
	r.Track("m1")

	for _, piece := range []string{"Hel", "lo", ", ", "世界"} {
		_, ok := r.ApplyContent("m1", piece)
		require.True(t, ok)
	}

	snap, ok := r.Complete("m1")
	require.True(t, ok)
	assert.Equal(t, "Hello, 世界", snap.Content)
	assert.False(t, r.Tracked("m1"))
}

func TestRegistry_ToolCallMergeRules(t *testing.T) {
	r := NewRegistry()
	r.Track("m1")

	r.ApplyToolCalls("m1", []Fragment{{Index: 0, ID: "call_a", Type: "function", Name: "online_search", Arguments: `{"pro`}})
	r.ApplyToolCalls("m1", []Fragment{{Index: 1, ID: "call_b", Name: "other", Arguments: `{}`}})
	r.ApplyToolCalls("m1", []Fragment{{Index: 0, ID: "ignored", Type: "ignored", Arguments: `gress":`}})
	snap, _ := r.ApplyToolCalls("m1", []Fragment{{Index: 0, Name: "renamed", Arguments: `"x"}`}})

	require.Len(t, snap.ToolCalls, 2)
	first := snap.ToolCalls[0]
	assert.Equal(t, 0, first.Index)
	assert.Equal(t, "call_a", first.ID, "id sticks to the first non-empty value")
	assert.Equal(t, "function", first.Type)
	assert.Equal(t, "renamed", first.Name, "name follows the latest non-empty value")
	assert.Equal(t, `{"progress":"x"}`, first.Arguments)

	second := snap.ToolCalls[1]
	assert.Equal(t, "call_b", second.ID)
	assert.Equal(t, `{}`, second.Arguments, "fragments for index 0 never touch index 1")
}

func TestRegistry_ToolCallsOrderedByIndex(t *testing.T) {
	r := NewRegistry()
	r.Track("m1")
	r.ApplyToolCalls("m1", []Fragment{{Index: 2}, {Index: 0}, {Index: 1}})

	snap, _ := r.Snapshot("m1")
	require.Len(t, snap.ToolCalls, 3)
	for i, call := range snap.ToolCalls {
		assert.Equal(t, i, call.Index)
	}
}

func TestRegistry_EvictedIDIsNoOp(t *testing.T) {
	r := NewRegistry()
	r.Track("m1")
	r.ApplyContent("m1", "done")
	_, ok := r.Complete("m1")
	require.True(t, ok)

	_, ok = r.ApplyContent("m1", "late")
	assert.False(t, ok)
	_, ok = r.ApplyReasoning("m1", "late")
	assert.False(t, ok)
	_, ok = r.ApplyToolCalls("m1", []Fragment{{Index: 0}})
	assert.False(t, ok)
	_, ok = r.Complete("m1")
	assert.False(t, ok)
	assert.False(t, r.Fail("m1"))
	assert.Zero(t, r.Len())

	_, ok = r.ApplyContent("never-tracked", "x")
	assert.False(t, ok)
}

func TestRegistry_FailDiscards(t *testing.T) {
	r := NewRegistry()
	r.Track("m1")
	r.ApplyContent("m1", "partial")
	assert.True(t, r.Fail("m1"))
	assert.False(t, r.Tracked("m1"))

	// A new stream on the same id starts from scratch.
	r.Track("m1")
	snap, _ := r.ApplyContent("m1", "fresh")
	assert.Equal(t, "fresh", snap.Content)
}

func TestRegistry_TrackTwiceKeepsState(t *testing.T) {
	r := NewRegistry()
	r.Track("m1")
	r.ApplyContent("m1", "kept")
	r.Track("m1")
	snap, _ := r.Snapshot("m1")
	assert.Equal(t, "kept", snap.Content)
}

func TestSnapshot_IsDeepCopy(t *testing.T) {
	r := NewRegistry()
	r.Track("m1")
	snap, _ := r.ApplyToolCalls("m1", []Fragment{{Index: 0, Arguments: "a"}})
	snap.ToolCalls[0].Arguments = "mutated"

	again, _ := r.ApplyToolCalls("m1", []Fragment{{Index: 0, Arguments: "b"}})
	assert.Equal(t, "ab", again.ToolCalls[0].Arguments)
}

func TestSnapshot_IsEmpty(t *testing.T) {
	assert.True(t, Snapshot{MessageID: "m"}.IsEmpty())
	assert.False(t, Snapshot{Reasoning: "r"}.IsEmpty())
	assert.False(t, Snapshot{ToolCalls: []ToolCall{{}}}.IsEmpty())
}

func TestRegistry_IndependentMessages(t *testing.T) {
	r := NewRegistry()
	r.Track("a")
	r.Track("b")

	var wg sync.WaitGroup
	for i := 0; i < 100; i++ {
		wg.Add(2)
		go func() { defer wg.Done(); r.ApplyContent("a", "x") }()
		go func() { defer wg.Done(); r.ApplyContent("b", "y") }()
	}
	wg.Wait()

	a, _ := r.Snapshot("a")
	b, _ := r.Snapshot("b")
	assert.Len(t, a.Content, 100)
	assert.NotContains(t, a.Content, "y")
	assert.Len(t, b.Content, 100)
	assert.NotContains(t, b.Content, "x")
}
