// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package view

import (
	"github.com/jeranaias/rigrun-explain/internal/aggregator"
	"github.com/tidwall/gjson"
)

// =============================================================================
// TOOL INVOCATION CARD
// =============================================================================

// Search card item types.
const (
	itemTypeQueries    = "2001"
	itemTypeReferences = "2002"
)

const onlineSearchTool = "online_search"

// CardState is what a tool panel can show.
type CardState int

const (
	// CardEmpty means nothing renderable yet; the panel is omitted.
	CardEmpty CardState = iota

	// CardInProgress shows the progress string only.
	CardInProgress

	// CardResolved shows the search queries and references.
	CardResolved
)

func (s CardState) String() string {
	switch s {
	case CardInProgress:
		return "in-progress"
	case CardResolved:
		return "resolved"
	default:
		return "empty"
	}
}

// Reference is one search result.
type Reference struct {
	Title   string
	URL     string
	Site    string
	Snippet string
}

// SearchCard is the structured result of an online search.
type SearchCard struct {
	Queries    []string
	References []Reference
}

// ToolView is the renderable interpretation of a tool call.
type ToolView struct {
	State    CardState
	Progress string
	Card     SearchCard
}

// ParseToolCall interprets accumulated arguments of the form
// {"progress": "...", "result": "<json string>"}, where result decodes to
// {"card": {"items": [...]}}. Arguments are usually partial JSON while the
// stream is running; anything that does not parse degrades to the next
// weaker state.
func ParseToolCall(call aggregator.ToolCall) ToolView {
	if call.Name != onlineSearchTool || !gjson.Valid(call.Arguments) {
		return ToolView{State: CardEmpty}
	}
	outer := gjson.Parse(call.Arguments)
	if !outer.IsObject() {
		return ToolView{State: CardEmpty}
	}

	v := ToolView{State: CardEmpty, Progress: outer.Get("progress").String()}
	if v.Progress != "" {
		v.State = CardInProgress
	}

	result := outer.Get("result")
	if !result.Exists() {
		return v
	}
	raw := result.Str
	if result.IsObject() {
		raw = result.Raw
	}
	if !gjson.Valid(raw) {
		return v
	}
	if card, ok := parseCard(gjson.Parse(raw)); ok {
		v.State = CardResolved
		v.Card = card
	}
	return v
}

func parseCard(root gjson.Result) (SearchCard, bool) {
	items := root.Get("card.items")
	if !items.IsArray() {
		return SearchCard{}, false
	}

	var card SearchCard
	items.ForEach(func(_, item gjson.Result) bool {
		switch item.Get("type").String() {
		case itemTypeQueries:
			item.Get("queries").ForEach(func(_, q gjson.Result) bool {
				if s := q.String(); s != "" {
					card.Queries = append(card.Queries, s)
				}
				return true
			})
		case itemTypeReferences:
			item.Get("references").ForEach(func(_, ref gjson.Result) bool {
				r := Reference{
					Title:   ref.Get("title").String(),
					URL:     ref.Get("url").String(),
					Site:    ref.Get("site").String(),
					Snippet: ref.Get("snippet").String(),
				}
				if r.Title != "" || r.URL != "" {
					card.References = append(card.References, r)
				}
				return true
			})
		}
		return true
	})

	if len(card.Queries) == 0 && len(card.References) == 0 {
		return SearchCard{}, false
	}
	return card, true
}

type toolBody struct {
	Resolved bool
	Progress string
	Card     SearchCard
}

// renderToolBody returns the inner HTML of a tool panel. Callers skip
// CardEmpty views.
func renderToolBody(v ToolView) string {
	return execute("toolbody", toolBody{
		Resolved: v.State == CardResolved,
		Progress: v.Progress,
		Card:     v.Card,
	})
}
