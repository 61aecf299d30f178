// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package session owns the per-tab conversation and the sidebar controller.
//
// A Session is the conversational context of one sidebar: the transcript,
// the visibility mode and a selection awaiting confirmation. It is reset on
// every open.
//
// A Sidebar is the controller behind one tab's sidebar document. It listens
// on the tab's bus topic, turns user actions into relay requests, feeds
// stream notifications through the aggregator and commits snapshots to the
// view.
//
// # Usage
//
//	sb, err := session.NewSidebar(session.Options{
//		TabID:  "1",
//		Bus:    b,
//		Config: store,
//	})
//	err = sb.Start(ctx)
//	defer sb.Stop()
//
//	err = sb.Open(ctx, selectedText)
//	err = sb.Send(ctx, "能举个例子吗？")
package session
