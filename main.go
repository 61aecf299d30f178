// rigrun-explain - explain selected text with an OpenAI-compatible model.
//
// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later
package main

import "github.com/jeranaias/rigrun-explain/internal/cli"

func main() {
	cli.Execute()
}
