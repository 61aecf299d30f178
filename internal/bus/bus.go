// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package bus carries notifications between the relay and sidebar surfaces.
//
// Delivery is fire-and-forget and ordered per topic: a publish returns once
// every current subscriber has accepted the message, and a topic nobody is
// subscribed to silently drops it. Subscribers drain messages into a private
// mailbox, so a slow handler never holds up the publisher and handlers may
// publish freely.
package bus

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/ThreeDotsLabs/watermill/pubsub/gochannel"
	"github.com/jeranaias/rigrun-explain/internal/cloud"
	"github.com/jeranaias/rigrun-explain/internal/logging"
	"go.uber.org/zap"
)

// =============================================================================
// NOTIFICATIONS
// =============================================================================

// Kind names a notification.
type Kind string

const (
	KindOpenSidebar          Kind = "openSidebar"
	KindPing                 Kind = "ping"
	KindPong                 Kind = "pong"
	KindStreamChunk          Kind = "streamChunk"
	KindStreamReasoningChunk Kind = "streamReasoningChunk"
	KindStreamToolCalls      Kind = "streamToolCalls"
	KindStreamComplete       Kind = "streamComplete"
	KindStreamError          Kind = "streamError"

	// Relay requests and replies.
	KindStartStream      Kind = "startStream"
	KindCallCompletion   Kind = "callCompletion"
	KindCompletionResult Kind = "completionResult"
)

// StatusReady is the pong status of a live sidebar.
const StatusReady = "ready"

// Notification is the envelope for every message on the bus. Fields are
// populated according to Kind.
type Notification struct {
	Kind             Kind               `json:"action"`
	TabID            string             `json:"tabId,omitempty"`
	MessageID        string             `json:"messageId,omitempty"`
	SelectedText     string             `json:"selectedText,omitempty"`
	Content          string             `json:"content,omitempty"`
	ReasoningContent string             `json:"reasoningContent,omitempty"`
	ToolCalls        []cloud.ToolCall   `json:"toolCalls,omitempty"`
	Error            string             `json:"error,omitempty"`
	Status           string             `json:"status,omitempty"`
	Request          *cloud.ChatRequest `json:"request,omitempty"`
	CorrelationID    string             `json:"correlationId,omitempty"`
}

// =============================================================================
// TOPICS
// =============================================================================

// BackgroundTopic is the relay's inbox.
const BackgroundTopic = "background"

// TabTopic is the inbox of the sidebar injected into tabID.
func TabTopic(tabID string) string {
	return "tab." + tabID
}

// RepliesTopic carries probe replies from tabID's sidebar.
func RepliesTopic(tabID string) string {
	return "tab." + tabID + ".replies"
}

// =============================================================================
// BUS
// =============================================================================

const (
	metadataKind  = "action"
	channelBuffer = 256
)

// ErrClosed is returned when publishing or subscribing on a closed bus.
var ErrClosed = errors.New("bus closed")

// Handler processes one notification. Handlers for one subscription run
// sequentially in delivery order.
type Handler func(ctx context.Context, n Notification)

// Bus is an in-process publish/subscribe channel.
type Bus struct {
	pubsub *gochannel.GoChannel
	logger *zap.Logger

	mu     sync.Mutex
	closed bool
}

// New creates a bus. A nil logger discards.
func New(logger *zap.Logger) *Bus {
	if logger == nil {
		logger = zap.NewNop()
	}
	pubsub := gochannel.NewGoChannel(gochannel.Config{
		OutputChannelBuffer:            channelBuffer,
		BlockPublishUntilSubscriberAck: true,
	}, logging.NewWatermillAdapter(logger))
	return &Bus{pubsub: pubsub, logger: logger.Named("bus")}
}

// Publish sends n to topic.
func (b *Bus) Publish(topic string, n Notification) error {
	if b.isClosed() {
		return ErrClosed
	}
	payload, err := json.Marshal(n)
	if err != nil {
		return fmt.Errorf("failed to encode %s notification: %w", n.Kind, err)
	}
	msg := message.NewMessage(watermill.NewUUID(), payload)
	msg.Metadata.Set(metadataKind, string(n.Kind))
	if err := b.pubsub.Publish(topic, msg); err != nil {
		return fmt.Errorf("failed to publish %s to %s: %w", n.Kind, topic, err)
	}
	return nil
}

// Subscribe delivers every notification published to topic to handler until
// the subscription is closed or ctx is done.
func (b *Bus) Subscribe(ctx context.Context, topic string, handler Handler) (*Subscription, error) {
	if b.isClosed() {
		return nil, ErrClosed
	}
	ctx, cancel := context.WithCancel(ctx)
	msgs, err := b.pubsub.Subscribe(ctx, topic)
	if err != nil {
		cancel()
		return nil, fmt.Errorf("failed to subscribe to %s: %w", topic, err)
	}

	sub := &Subscription{topic: topic, cancel: cancel, done: make(chan struct{})}
	box := newMailbox()
	var wg sync.WaitGroup
	wg.Add(2)

	go func() {
		defer wg.Done()
		defer box.close()
		for msg := range msgs {
			var n Notification
			err := json.Unmarshal(msg.Payload, &n)
			msg.Ack()
			if err != nil {
				b.logger.Warn("dropping undecodable notification",
					zap.String("topic", topic),
					zap.String("action", msg.Metadata.Get(metadataKind)),
					zap.Error(err))
				continue
			}
			box.push(n)
		}
	}()

	go func() {
		defer wg.Done()
		for {
			n, ok := box.pop()
			if !ok {
				return
			}
			handler(ctx, n)
		}
	}()

	go func() {
		wg.Wait()
		close(sub.done)
	}()

	return sub, nil
}

// Close shuts the bus down. Every subscription ends.
func (b *Bus) Close() error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil
	}
	b.closed = true
	b.mu.Unlock()
	return b.pubsub.Close()
}

func (b *Bus) isClosed() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.closed
}

// Subscription is an active Subscribe call.
type Subscription struct {
	topic  string
	cancel context.CancelFunc
	done   chan struct{}
}

// Topic returns the subscribed topic.
func (s *Subscription) Topic() string {
	return s.topic
}

// Close stops delivery and waits for the handler to return. Notifications
// already accepted are still handled.
func (s *Subscription) Close() {
	s.cancel()
	<-s.done
}

// Done is closed once the subscription has fully stopped.
func (s *Subscription) Done() <-chan struct{} {
	return s.done
}
