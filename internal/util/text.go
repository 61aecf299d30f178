// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package util

import (
	"strings"

	"github.com/mattn/go-runewidth"
)

// UNICODE: Width-aware truncation. Selections are frequently CJK, where each
// rune takes two terminal columns.

// TruncateWidth truncates s to at most maxWidth display columns, appending
// "..." when anything was cut.
func TruncateWidth(s string, maxWidth int) string {
	if maxWidth <= 0 {
		return ""
	}
	if runewidth.StringWidth(s) <= maxWidth {
		return s
	}
	if maxWidth <= 3 {
		return runewidth.Truncate(s, maxWidth, "")
	}
	return runewidth.Truncate(s, maxWidth, "...")
}

// SingleLine collapses all runs of whitespace, including newlines, into a
// single space.
func SingleLine(s string) string {
	return strings.Join(strings.Fields(s), " ")
}
