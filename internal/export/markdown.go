// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package export

import (
	"fmt"
	"strings"
	"time"

	"github.com/jeranaias/rigrun-explain/internal/storage"
)

// =============================================================================
// MARKDOWN EXPORTER
// =============================================================================

// MarkdownExporter writes a transcript as Markdown with YAML front matter.
type MarkdownExporter struct {
	options *Options
}

// NewMarkdownExporter creates a Markdown exporter.
func NewMarkdownExporter(opts *Options) *MarkdownExporter {
	if opts == nil {
		opts = DefaultOptions()
	}
	return &MarkdownExporter{options: opts}
}

// Export renders t. Turn content is already Markdown and is written as is.
func (e *MarkdownExporter) Export(t *storage.Transcript) ([]byte, error) {
	if err := validate(t); err != nil {
		return nil, err
	}

	var sb strings.Builder
	if e.options.IncludeMetadata {
		sb.WriteString("---\n")
		fmt.Fprintf(&sb, "title: %s\n", escapeYAML(t.Preview))
		fmt.Fprintf(&sb, "url: %s\n", escapeYAML(t.URL))
		fmt.Fprintf(&sb, "date: %s\n", t.CreatedAt.Format(time.RFC3339))
		fmt.Fprintf(&sb, "updated: %s\n", t.UpdatedAt.Format(time.RFC3339))
		fmt.Fprintf(&sb, "turns: %d\n", len(t.Turns))
		sb.WriteString("generator: rigrun-explain\n")
		sb.WriteString("---\n\n")
	}

	fmt.Fprintf(&sb, "# %s\n\n", escapeMarkdown(t.Preview))

	turns := visibleTurns(t, e.options)
	for i, turn := range turns {
		fmt.Fprintf(&sb, "### %s\n\n", roleLabel(turn.Role))
		sb.WriteString(strings.TrimSpace(turn.Content))
		sb.WriteString("\n\n")
		if i < len(turns)-1 {
			sb.WriteString("---\n\n")
		}
	}
	return []byte(sb.String()), nil
}

// FileExtension returns ".md".
func (e *MarkdownExporter) FileExtension() string {
	return ".md"
}

// =============================================================================
// ESCAPING HELPERS
// =============================================================================

// escapeMarkdown escapes the characters that break a heading.
func escapeMarkdown(s string) string {
	return strings.NewReplacer(
		"#", "\\#", "*", "\\*", "_", "\\_", "[", "\\[", "]", "\\]",
	).Replace(s)
}

// escapeYAML quotes s when it holds characters YAML would interpret.
func escapeYAML(s string) string {
	if strings.ContainsAny(s, ":#|>@`\"'[]{}!%&*\n\r\\") || strings.HasPrefix(s, " ") || strings.HasSuffix(s, " ") {
		s = strings.NewReplacer(
			"\\", "\\\\", "\"", "\\\"", "\n", "\\n", "\r", "\\r",
		).Replace(s)
		return "\"" + s + "\""
	}
	return s
}
