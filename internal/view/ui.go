// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package view

import (
	"strconv"

	"github.com/PuerkitoBio/goquery"
)

type toolKey struct {
	messageID string
	tool      int
}

type refKey struct {
	messageID string
	tool      int
	ref       int
}

// uiState holds view-local toggles. None of it is derived from stream data.
type uiState struct {
	reasoningCollapsed map[string]bool
	expandAll          map[toolKey]bool
	// expanded holds explicit per-reference choices; absent entries follow
	// the tool's expand-all flag.
	expanded map[refKey]bool
}

func newUIState() *uiState {
	return &uiState{
		reasoningCollapsed: make(map[string]bool),
		expandAll:          make(map[toolKey]bool),
		expanded:           make(map[refKey]bool),
	}
}

func (u *uiState) refExpanded(k refKey) bool {
	if v, ok := u.expanded[k]; ok {
		return v
	}
	return u.expandAll[toolKey{k.messageID, k.tool}]
}

// ToggleReasoning collapses or expands the reasoning panel of message id and
// returns the new collapsed state.
func (r *Renderer) ToggleReasoning(id string) bool {
	r.ui.reasoningCollapsed[id] = !r.ui.reasoningCollapsed[id]
	if msg := r.message(id); msg != nil {
		r.applyUIState(id, msg)
	}
	return r.ui.reasoningCollapsed[id]
}

// ToggleReference flips one reference item and returns its new state.
func (r *Renderer) ToggleReference(id string, tool, ref int) bool {
	k := refKey{id, tool, ref}
	r.ui.expanded[k] = !r.ui.refExpanded(k)
	if msg := r.message(id); msg != nil {
		r.applyUIState(id, msg)
	}
	return r.ui.expanded[k]
}

// ToggleAllReferences flips the expand-all control of a tool panel. Every
// reference, including ones that arrive later, follows the new value until
// toggled individually.
func (r *Renderer) ToggleAllReferences(id string, tool int) bool {
	tk := toolKey{id, tool}
	r.ui.expandAll[tk] = !r.ui.expandAll[tk]
	for k := range r.ui.expanded {
		if k.messageID == id && k.tool == tool {
			delete(r.ui.expanded, k)
		}
	}
	if msg := r.message(id); msg != nil {
		r.applyUIState(id, msg)
	}
	return r.ui.expandAll[tk]
}

// ReasoningCollapsed reports the reasoning panel state of message id.
func (r *Renderer) ReasoningCollapsed(id string) bool {
	return r.ui.reasoningCollapsed[id]
}

// ReferenceExpanded reports the state of one reference item.
func (r *Renderer) ReferenceExpanded(id string, tool, ref int) bool {
	return r.ui.refExpanded(refKey{id, tool, ref})
}

func (r *Renderer) applyUIState(id string, msg *goquery.Selection) {
	reasoning := msg.Find(".ai-reasoning")
	if r.ui.reasoningCollapsed[id] {
		reasoning.AddClass("collapsed")
	} else {
		reasoning.RemoveClass("collapsed")
	}

	msg.Find(".ai-tool").Each(func(_ int, tool *goquery.Selection) {
		idx, err := strconv.Atoi(tool.AttrOr("data-index", ""))
		if err != nil {
			return
		}
		toggle := tool.Find(".ai-ref-toggle-all")
		if r.ui.expandAll[toolKey{id, idx}] {
			toggle.AddClass("expanded").SetText("收起全部")
		} else {
			toggle.RemoveClass("expanded").SetText("展开全部")
		}
		tool.Find(".ai-ref").Each(func(_ int, ref *goquery.Selection) {
			n, err := strconv.Atoi(ref.AttrOr("data-ref", ""))
			if err != nil {
				return
			}
			if r.ui.refExpanded(refKey{id, idx, n}) {
				ref.AddClass("expanded")
			} else {
				ref.RemoveClass("expanded")
			}
		})
	})
}
