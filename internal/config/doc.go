// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package config provides configuration loading and management for
// rigrun-explain.
//
// Supports both TOML and JSON configuration formats, with defaults matching
// the browser extension, environment variable overrides, and validation.
//
// # Key Types
//
//   - Config: Main configuration structure with all settings
//   - APIConfig: Endpoint, credentials and sampling parameters
//   - FeaturesConfig: Stream, reasoning, online search and scroll toggles
//   - Store: Concurrency-safe holder that reloads on file changes
//
// # Configuration Precedence
//
// Configuration is loaded from (in order of precedence):
//   - Environment variables (EXPLAIN_*)
//   - ~/.rigrun-explain/config.toml
//   - ~/.rigrun-explain/config.json
//   - Built-in defaults
//
// # Usage
//
//	store, err := config.OpenStore("")
//	if err != nil {
//	    return err
//	}
//	cfg := store.Get()
//	if err := cfg.CheckCredentials(); err != nil {
//	    // show the inline configuration error
//	}
package config
