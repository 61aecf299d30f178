// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package markdown converts model output to sanitized HTML for the sidebar
// and to styled text for the terminal.
//
// Render is a pure function of its input, so renderers can compare its
// output across calls to skip redundant DOM writes.
package markdown

import (
	"bytes"
	"html"
	"strings"
	"sync"

	"github.com/charmbracelet/glamour"
	"github.com/microcosm-cc/bluemonday"
	"github.com/yuin/goldmark"
	"github.com/yuin/goldmark/extension"
	"github.com/yuin/goldmark/renderer"
	gmhtml "github.com/yuin/goldmark/renderer/html"
	gmutil "github.com/yuin/goldmark/util"
)

// CodeStyle is the chroma style used for fenced code blocks.
const CodeStyle = "github"

var (
	engine = goldmark.New(
		goldmark.WithExtensions(extension.GFM),
		goldmark.WithRendererOptions(
			gmhtml.WithHardWraps(),
			renderer.WithNodeRenderers(gmutil.Prioritized(newCodeBlockRenderer(CodeStyle), 100)),
		),
	)

	policy = newPolicy()
)

// newPolicy allows user generated content plus the class attributes the
// highlighter emits. Absolute links open in a new tab.
func newPolicy() *bluemonday.Policy {
	p := bluemonday.UGCPolicy()
	p.AllowElements("del", "ins")
	p.AllowAttrs("class").OnElements("pre", "code", "span", "div")
	p.AllowAttrs("data-lang").OnElements("div")
	p.AddTargetBlankToFullyQualifiedLinks(true)
	return p
}

// Render converts markdown to sanitized HTML.
func Render(text string) string {
	if text == "" {
		return ""
	}
	var buf bytes.Buffer
	if err := engine.Convert([]byte(text), &buf); err != nil {
		return "<p>" + html.EscapeString(text) + "</p>"
	}
	return strings.TrimSpace(policy.Sanitize(buf.String()))
}

// Sanitize applies the sidebar's HTML policy to arbitrary markup.
func Sanitize(markup string) string {
	return policy.Sanitize(markup)
}

// =============================================================================
// TERMINAL RENDERING
// =============================================================================

var (
	termRenderers   = map[int]*glamour.TermRenderer{}
	termRenderersMu sync.Mutex
)

func termRenderer(width int) (*glamour.TermRenderer, error) {
	termRenderersMu.Lock()
	defer termRenderersMu.Unlock()
	if r, ok := termRenderers[width]; ok {
		return r, nil
	}
	r, err := glamour.NewTermRenderer(
		glamour.WithAutoStyle(),
		glamour.WithWordWrap(width),
	)
	if err != nil {
		return nil, err
	}
	termRenderers[width] = r
	return r, nil
}

// RenderTerminal renders markdown for a terminal of the given width. The
// raw text is returned if rendering fails.
func RenderTerminal(text string, width int) string {
	if width <= 0 {
		width = 80
	}
	r, err := termRenderer(width)
	if err != nil {
		return text
	}
	out, err := r.Render(text)
	if err != nil {
		return text
	}
	return out
}
