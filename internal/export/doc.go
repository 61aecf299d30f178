// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package export writes saved transcripts as Markdown, JSON or standalone
// HTML.
//
// Usage:
//
//	exp, err := export.ForFormat("md", nil)
//	data, err := exp.Export(transcript)
//	path, err := export.ToFile(transcript, exp, "out")
package export
