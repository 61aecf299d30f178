// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package background

import (
	"github.com/jeranaias/rigrun-explain/internal/bus"
	"github.com/jeranaias/rigrun-explain/internal/cloud"
	"go.uber.org/zap"
)

// tabSink forwards one message's stream to its tab. Publishing from a single
// goroutine keeps the deltas in order.
type tabSink struct {
	bus       *bus.Bus
	topic     string
	messageID string
	logger    *zap.Logger
}

var _ cloud.Sink = (*tabSink)(nil)

func newTabSink(b *bus.Bus, tabID, messageID string, logger *zap.Logger) *tabSink {
	return &tabSink{bus: b, topic: bus.TabTopic(tabID), messageID: messageID, logger: logger}
}

func (t *tabSink) OnContent(text string) {
	t.publish(bus.Notification{Kind: bus.KindStreamChunk, Content: text})
}

func (t *tabSink) OnReasoning(text string) {
	t.publish(bus.Notification{Kind: bus.KindStreamReasoningChunk, Content: text})
}

func (t *tabSink) OnToolCalls(calls []cloud.ToolCall) {
	t.publish(bus.Notification{Kind: bus.KindStreamToolCalls, ToolCalls: calls})
}

func (t *tabSink) OnComplete() {
	t.publish(bus.Notification{Kind: bus.KindStreamComplete})
}

func (t *tabSink) OnError(message string) {
	t.publish(bus.Notification{Kind: bus.KindStreamError, Error: message})
}

// publish is fire-and-forget; a closed tab simply drops the notification.
func (t *tabSink) publish(n bus.Notification) {
	n.MessageID = t.messageID
	if err := t.bus.Publish(t.topic, n); err != nil {
		t.logger.Debug("dropping notification", zap.String("action", string(n.Kind)), zap.Error(err))
	}
}
