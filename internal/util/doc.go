// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package util provides small helpers shared across rigrun-explain.
//
// # Key Functions
//
//   - AtomicWriteFile: Crash-safe file writing with fsync
//   - TruncateWidth: Display-width aware truncation for CJK text
//   - SingleLine: Collapses whitespace for one-line previews
//
// # Usage
//
//	err := util.AtomicWriteFile(path, data, 0600)
//	preview := util.TruncateWidth(util.SingleLine(text), 40)
package util
