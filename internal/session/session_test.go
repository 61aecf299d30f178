// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package session

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestSession_Reset(t *testing.T) {
	s := New()
	id := s.ID()
	s.Append("user", "q")
	s.SetMode(ModeOpen)
	s.SetPending(&PendingSelection{Text: "x"})
	s.ClaimFirstRequest()

	s.Reset()
	assert.NotEqual(t, id, s.ID())
	assert.Zero(t, s.Len())
	assert.Nil(t, s.Pending())
	assert.Equal(t, ModeOpen, s.Mode())
	assert.True(t, s.ClaimFirstRequest())
}

func TestSession_ClaimFirstRequest(t *testing.T) {
	s := New()
	assert.True(t, s.ClaimFirstRequest())
	assert.False(t, s.ClaimFirstRequest())
}

func TestSession_TranscriptIsCopy(t *testing.T) {
	s := New()
	s.Append("user", "q")
	tr := s.Transcript()
	tr[0].Content = "changed"
	assert.Equal(t, "q", s.Transcript()[0].Content)

	msgs := s.Messages()
	assert.Equal(t, "user", msgs[0].Role)
	assert.Equal(t, "q", msgs[0].Content)
}

func TestSession_Unpersisted(t *testing.T) {
	s := New()
	s.Append("system", "s")
	s.Append("user", "u")
	assert.Len(t, s.Unpersisted(), 2)
	assert.Len(t, s.Unpersisted(), 2, "reading does not advance the mark")

	s.MarkPersisted()
	assert.Equal(t, []Turn{{Role: "user", Content: "u"}}, s.Unpersisted())
	s.MarkPersisted()
	assert.Empty(t, s.Unpersisted())

	s.Append("assistant", "a")
	assert.Equal(t, []Turn{{Role: "assistant", Content: "a"}}, s.Unpersisted())

	s.MarkPersisted()
	s.MarkPersisted()
	assert.Empty(t, s.Unpersisted())
	s.Append("user", "next")
	assert.Len(t, s.Unpersisted(), 1, "extra marks do not skip later turns")

	s.Reset()
	assert.Empty(t, s.Unpersisted())
}
