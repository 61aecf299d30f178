// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package export

import (
	"bytes"
	"fmt"
	"html/template"

	"github.com/jeranaias/rigrun-explain/internal/markdown"
	"github.com/jeranaias/rigrun-explain/internal/storage"
)

// =============================================================================
// HTML EXPORTER
// =============================================================================

// HTMLExporter writes a standalone page. Assistant turns are rendered
// Markdown; everything else is escaped text.
type HTMLExporter struct {
	options *Options
}

// NewHTMLExporter creates an HTML exporter.
func NewHTMLExporter(opts *Options) *HTMLExporter {
	if opts == nil {
		opts = DefaultOptions()
	}
	return &HTMLExporter{options: opts}
}

type htmlTurn struct {
	Role  string
	Label string
	Text  string
	HTML  template.HTML
}

type htmlPage struct {
	Meta    bool
	T       *storage.Transcript
	Created string
	Turns   []htmlTurn
	CodeCSS template.CSS
}

var pageTemplate = template.Must(template.New("page").Parse(`<!DOCTYPE html>
<html lang="zh-CN">
<head>
<meta charset="utf-8">
<title>{{.T.Preview}}</title>
<style>
body { font-family: -apple-system, BlinkMacSystemFont, "Segoe UI", sans-serif; max-width: 760px; margin: 2em auto; color: #222; }
.turn { margin: 1em 0; padding: 0.75em 1em; border-radius: 8px; }
.turn-user { background: #e8f0fe; white-space: pre-wrap; }
.turn-assistant { background: #f5f5f5; }
.turn-system { background: #fff8e1; white-space: pre-wrap; font-size: 0.9em; }
.label { font-weight: bold; font-size: 0.85em; color: #555; margin-bottom: 0.4em; }
.meta { color: #777; font-size: 0.85em; }
{{.CodeCSS}}
</style>
</head>
<body>
<h1>{{.T.Preview}}</h1>
{{if .Meta}}<p class="meta"><a href="{{.T.URL}}">{{.T.URL}}</a> · {{.Created}}</p>{{end}}
{{range .Turns}}<div class="turn turn-{{.Role}}">
<div class="label">{{.Label}}</div>
{{if .HTML}}{{.HTML}}{{else}}{{.Text}}{{end}}
</div>
{{end}}</body>
</html>
`))

// Export renders t as a complete HTML document.
// SECURITY: assistant Markdown goes through the sanitizing renderer and the
// template escapes the rest, including the page URL.
func (e *HTMLExporter) Export(t *storage.Transcript) ([]byte, error) {
	if err := validate(t); err != nil {
		return nil, err
	}

	page := htmlPage{
		Meta:    e.options.IncludeMetadata,
		T:       t,
		Created: t.CreatedAt.Format("2006-01-02 15:04:05"),
		CodeCSS: template.CSS(markdown.CodeCSS()),
	}
	for _, turn := range visibleTurns(t, e.options) {
		ht := htmlTurn{Role: turn.Role, Label: roleLabel(turn.Role), Text: turn.Content}
		if turn.Role == "assistant" {
			ht.HTML = template.HTML(markdown.Render(turn.Content))
		}
		page.Turns = append(page.Turns, ht)
	}

	var buf bytes.Buffer
	if err := pageTemplate.Execute(&buf, page); err != nil {
		return nil, fmt.Errorf("render html: %w", err)
	}
	return buf.Bytes(), nil
}

// FileExtension returns ".html".
func (e *HTMLExporter) FileExtension() string {
	return ".html"
}
