// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package storage persists sidebar transcripts.
//
// Each sidebar session is a row in sessions; every completed turn is
// appended to turns with a per-session sequence number. Only text is stored:
// assistant turns carry the answer content, never the reasoning or tool
// traces.
//
// # Usage
//
//	store, err := storage.Open(path)
//	defer store.Close()
//
//	err = store.SaveTurn(ctx, storage.TurnRecord{
//		SessionID: id, TabID: "1", URL: url,
//		Role: "assistant", Content: answer,
//	})
//
//	metas, err := store.List(ctx, 20)
//	transcript, err := store.Load(ctx, metas[0].ID)
//
// The database uses WAL mode and a single connection, so a Store is safe for
// concurrent use.
package storage
