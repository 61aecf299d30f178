// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package cli implements the rigrun-explain command tree.
//
// # Commands
//
//   - explain: open a tab, trigger the sidebar on a selection, print the answer
//   - config: show, get, set and list configuration keys
//   - test: send one short request to check the configured endpoint
//   - transcripts: list, show and delete saved conversations
//
// Every command shares one wiring: a zap logger, the config store, the
// in-process bus, the relay service and the surface host. Answers go to
// stdout, rendered through glamour when stdout is a terminal; diagnostics go
// to stderr.
package cli
