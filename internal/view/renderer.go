// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package view renders conversation messages into the sidebar's HTML
// document.
//
// Rendering is incremental. Each message has up to three sub-blocks
// (reasoning panel, tool panels, content) and the last HTML written to each
// one is cached, so re-rendering an unchanged snapshot performs no DOM
// writes at all. Panels are only ever added: the reasoning panel appears on
// the first non-empty reasoning and a tool panel appears for each distinct
// tool call index. Expand and collapse state lives beside the DOM and is
// re-applied after every write.
//
// A Renderer is not safe for concurrent use.
package view

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/PuerkitoBio/goquery"
	"github.com/jeranaias/rigrun-explain/internal/aggregator"
	"github.com/jeranaias/rigrun-explain/internal/markdown"
)

// Role selects message styling.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// Mode is the sidebar's visibility.
type Mode string

const (
	ModeHidden    Mode = "hidden"
	ModeOpen      Mode = "open"
	ModeMinimized Mode = "minimized"
)

// lineHeight is the pixel height assumed per rendered text line when
// estimating the content height for scrolling.
const lineHeight = 20

type blockKey struct {
	messageID string
	block     string
}

// Renderer owns a sidebar document.
type Renderer struct {
	doc      *goquery.Document
	root     *goquery.Selection
	messages *goquery.Selection
	cache    map[blockKey]string
	ui       *uiState
	scroll   *Scroller
	writes   int
}

// New parses skeleton, which must contain an #ai-messages element. An empty
// skeleton uses DefaultSkeleton. A nil scroller follows content by default.
func New(skeleton string, scroll *Scroller) (*Renderer, error) {
	if skeleton == "" {
		skeleton = DefaultSkeleton
	}
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(skeleton))
	if err != nil {
		return nil, fmt.Errorf("failed to parse sidebar document: %w", err)
	}
	messages := doc.Find("#ai-messages").First()
	if messages.Length() == 0 {
		return nil, fmt.Errorf("sidebar document has no #ai-messages container")
	}
	if scroll == nil {
		scroll = NewScroller(DefaultScrollThreshold, 600, true)
	}
	return &Renderer{
		doc:      doc,
		root:     doc.Find("#ai-explain-sidebar").First(),
		messages: messages,
		cache:    make(map[blockKey]string),
		ui:       newUIState(),
		scroll:   scroll,
	}, nil
}

// Scroller returns the renderer's scroll model.
func (r *Renderer) Scroller() *Scroller {
	return r.scroll
}

// Writes returns how many sub-block writes have hit the DOM.
func (r *Renderer) Writes() int {
	return r.writes
}

// HTML serializes the whole document.
func (r *Renderer) HTML() (string, error) {
	return r.doc.Html()
}

// MessagesHTML serializes the message list only.
func (r *Renderer) MessagesHTML() (string, error) {
	return r.messages.Html()
}

// SetMode shows, minimizes or hides the sidebar.
func (r *Renderer) SetMode(mode Mode) {
	if r.root.Length() == 0 {
		return
	}
	switch mode {
	case ModeHidden:
		r.root.SetAttr("style", "display: none")
		r.root.RemoveClass("minimized")
	case ModeMinimized:
		r.root.SetAttr("style", "display: flex")
		r.root.AddClass("minimized")
	default:
		r.root.SetAttr("style", "display: flex")
		r.root.RemoveClass("minimized")
	}
}

// Clear removes every message and forgets cached blocks and UI state.
func (r *Renderer) Clear() {
	r.messages.Empty()
	r.cache = make(map[blockKey]string)
	r.ui = newUIState()
	r.scroll.ContentResized(0, true)
}

// =============================================================================
// MESSAGES
// =============================================================================

type messageData struct {
	ID    string
	Role  Role
	Label string
	Text  string
}

// AddMessage appends a message bubble showing text verbatim. User messages
// always scroll into view.
func (r *Renderer) AddMessage(id string, role Role, text string) {
	label := "AI"
	if role == RoleUser {
		label = "你"
	}
	r.messages.AppendHtml(execute("message", messageData{ID: id, Role: role, Label: label, Text: text}))
	r.scroll.ContentResized(r.contentHeight(), role == RoleUser)
}

// HasMessage reports whether a message with id is in the document.
func (r *Renderer) HasMessage(id string) bool {
	return r.message(id) != nil
}

// SetText replaces a message's content with plain text, used for the
// loading and error states. It reports whether the message exists.
func (r *Renderer) SetText(id, text string) bool {
	msg := r.message(id)
	if msg == nil {
		return false
	}
	content := msg.Find(".ai-message-content").First()
	content.SetText(text)
	content.RemoveClass("ai-markdown")
	delete(r.cache, blockKey{id, "content"})
	r.writes++
	r.scroll.ContentResized(r.contentHeight(), false)
	return true
}

// ContentText returns the visible text of a message's content block.
func (r *Renderer) ContentText(id string) string {
	msg := r.message(id)
	if msg == nil {
		return ""
	}
	return msg.Find(".ai-message-content").First().Text()
}

// ReasoningPanels counts reasoning panels in message id.
func (r *Renderer) ReasoningPanels(id string) int {
	msg := r.message(id)
	if msg == nil {
		return 0
	}
	return msg.Find(".ai-reasoning").Length()
}

// ToolPanels counts tool panels in message id.
func (r *Renderer) ToolPanels(id string) int {
	msg := r.message(id)
	if msg == nil {
		return 0
	}
	return msg.Find(".ai-tool").Length()
}

// =============================================================================
// INCREMENTAL RENDERING
// =============================================================================

// Render brings message snap.MessageID up to date with snap. Only sub-blocks
// whose HTML changed are written. It reports whether anything was written;
// snapshots for messages no longer in the document are ignored.
func (r *Renderer) Render(snap aggregator.Snapshot, force bool) bool {
	msg := r.message(snap.MessageID)
	if msg == nil {
		return false
	}
	id := snap.MessageID
	changed := false

	if snap.Reasoning != "" {
		panel := r.ensureReasoningPanel(msg)
		if r.write(id, "reasoning", panel.Find(".ai-reasoning-content").First(), markdown.Render(snap.Reasoning)) {
			changed = true
		}
	}

	for _, call := range snap.ToolCalls {
		v := ParseToolCall(call)
		if v.State == CardEmpty {
			// Nothing to show yet; an existing panel keeps its last content.
			continue
		}
		panel := r.ensureToolPanel(msg, call.Index)
		if r.write(id, "tool:"+strconv.Itoa(call.Index), panel, renderToolBody(v)) {
			changed = true
		}
	}

	if snap.Content != "" {
		content := msg.Find(".ai-message-content").First()
		if r.write(id, "content", content, markdown.Render(snap.Content)) {
			content.AddClass("ai-markdown")
			changed = true
		}
	}

	if changed {
		r.applyUIState(id, msg)
	}
	if changed || force {
		r.scroll.ContentResized(r.contentHeight(), force)
	}
	return changed
}

// RenderFinal renders the terminal snapshot of a message and marks it done.
func (r *Renderer) RenderFinal(snap aggregator.Snapshot) bool {
	changed := r.Render(snap, false)
	if msg := r.message(snap.MessageID); msg != nil {
		msg.AddClass("ai-message-done")
	}
	return changed
}

func (r *Renderer) write(id, block string, sel *goquery.Selection, html string) bool {
	key := blockKey{id, block}
	if prev, ok := r.cache[key]; ok && prev == html {
		return false
	}
	sel.SetHtml(html)
	r.cache[key] = html
	r.writes++
	return true
}

func (r *Renderer) message(id string) *goquery.Selection {
	msg := r.messages.ChildrenFiltered(".ai-message").FilterFunction(func(_ int, s *goquery.Selection) bool {
		return s.AttrOr("id", "") == id
	})
	if msg.Length() == 0 {
		return nil
	}
	return msg.First()
}

func (r *Renderer) ensureReasoningPanel(msg *goquery.Selection) *goquery.Selection {
	panel := msg.Find(".ai-reasoning")
	if panel.Length() > 0 {
		return panel.First()
	}
	msg.Find(".ai-message-body").First().PrependHtml(execute("reasoning", nil))
	return msg.Find(".ai-reasoning").First()
}

func (r *Renderer) ensureToolPanel(msg *goquery.Selection, index int) *goquery.Selection {
	selector := fmt.Sprintf(`.ai-tool[data-index="%d"]`, index)
	if panel := msg.Find(selector); panel.Length() > 0 {
		return panel.First()
	}
	container := msg.Find(".ai-tools")
	if container.Length() == 0 {
		msg.Find(".ai-message-content").First().BeforeHtml(execute("tools", nil))
		container = msg.Find(".ai-tools")
	}
	container.First().AppendHtml(execute("tool", index))
	return msg.Find(selector).First()
}

// contentHeight estimates the rendered height of the message list.
func (r *Renderer) contentHeight() int {
	lines := strings.Count(r.messages.Text(), "\n")
	lines += 2 * r.messages.ChildrenFiltered(".ai-message").Length()
	return lines * lineHeight
}

// =============================================================================
// PENDING SELECTION
// =============================================================================

type pendingData struct {
	Text   string
	Prompt string
}

// ShowPending displays a selection awaiting confirmation along with the
// editable prompt.
func (r *Renderer) ShowPending(text, prompt string) {
	r.RemovePending()
	r.messages.AppendHtml(execute("pending", pendingData{Text: text, Prompt: prompt}))
	r.scroll.ContentResized(r.contentHeight(), true)
}

// RemovePending removes the confirmation block, if shown.
func (r *Renderer) RemovePending() {
	r.messages.Find("#ai-pending").Remove()
}
