// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package cloud provides the client for OpenAI-compatible chat completion
// endpoints.
//
// Requests are sent either as a single-shot completion or as a Server-Sent
// Events stream. Streams are decoded frame by frame and every delta kind
// (content, reasoning, tool call fragments) is forwarded to a Sink as soon as
// it arrives.
//
// # Key Types
//
//   - Client: HTTP client with pooled connections and TLS 1.2+
//   - ChatRequest: Request body including reasoning and tool options
//   - FrameDecoder: Line-buffered SSE decoder tolerant of split reads
//   - Sink: Receiver for stream deltas and the single terminal event
//   - APIError: Non-2xx response with the server supplied message
//
// # Usage
//
//	client := cloud.NewClient(cfg.API.URL, cfg.API.Key)
//	err := client.Stream(ctx, cloud.ChatRequest{
//	    Model:    cfg.API.Model,
//	    Messages: []cloud.ChatMessage{cloud.NewUserMessage("Hello")},
//	}, sink)
//
// # Security
//
// API keys are never logged; a short SHA-256 fingerprint identifies the key
// in debug output.
package cloud
