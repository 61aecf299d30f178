// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package markdown

import (
	"bytes"
	"strings"

	"github.com/alecthomas/chroma/v2"
	chromahtml "github.com/alecthomas/chroma/v2/formatters/html"
	"github.com/alecthomas/chroma/v2/lexers"
	"github.com/alecthomas/chroma/v2/styles"
	"github.com/yuin/goldmark/ast"
	"github.com/yuin/goldmark/renderer"
	gmutil "github.com/yuin/goldmark/util"
)

// codeBlockRenderer highlights fenced code with chroma using CSS classes,
// so the sanitizer can keep the markup without inline styles.
type codeBlockRenderer struct {
	style     *chroma.Style
	formatter *chromahtml.Formatter
}

func newCodeBlockRenderer(styleName string) *codeBlockRenderer {
	style := styles.Get(styleName)
	if style == nil {
		style = styles.Fallback
	}
	return &codeBlockRenderer{
		style:     style,
		formatter: chromahtml.New(chromahtml.WithClasses(true)),
	}
}

func (r *codeBlockRenderer) RegisterFuncs(reg renderer.NodeRendererFuncRegisterer) {
	reg.Register(ast.KindFencedCodeBlock, r.renderFencedCodeBlock)
}

func (r *codeBlockRenderer) renderFencedCodeBlock(w gmutil.BufWriter, source []byte, node ast.Node, entering bool) (ast.WalkStatus, error) {
	if !entering {
		return ast.WalkContinue, nil
	}
	n := node.(*ast.FencedCodeBlock)

	lang := strings.ToLower(string(n.Language(source)))
	var code strings.Builder
	lines := n.Lines()
	for i := 0; i < lines.Len(); i++ {
		seg := lines.At(i)
		code.Write(seg.Value(source))
	}

	label := lang
	if label == "" {
		label = "text"
	}
	_, _ = w.WriteString(`<div class="ai-code" data-lang="`)
	_, _ = w.Write(gmutil.EscapeHTML([]byte(label)))
	_, _ = w.WriteString(`">`)

	highlighted, err := r.highlight(code.String(), lang)
	if err != nil {
		_, _ = w.WriteString(`<pre><code class="language-`)
		_, _ = w.Write(gmutil.EscapeHTML([]byte(label)))
		_, _ = w.WriteString(`">`)
		_, _ = w.Write(gmutil.EscapeHTML([]byte(code.String())))
		_, _ = w.WriteString("</code></pre>")
	} else {
		_, _ = w.WriteString(highlighted)
	}
	_, _ = w.WriteString("</div>\n")
	return ast.WalkSkipChildren, nil
}

func (r *codeBlockRenderer) highlight(code, lang string) (string, error) {
	lexer := lexers.Get(lang)
	if lexer == nil {
		lexer = lexers.Fallback
	}
	lexer = chroma.Coalesce(lexer)

	iterator, err := lexer.Tokenise(nil, code)
	if err != nil {
		return "", err
	}
	var buf bytes.Buffer
	if err := r.formatter.Format(&buf, r.style, iterator); err != nil {
		return "", err
	}
	return buf.String(), nil
}

// CodeCSS returns the stylesheet for highlighted code blocks.
func CodeCSS() string {
	r := newCodeBlockRenderer(CodeStyle)
	var buf bytes.Buffer
	if err := r.formatter.WriteCSS(&buf, r.style); err != nil {
		return ""
	}
	return buf.String()
}
