// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package background is the relay between sidebars and the completion API.
//
// The service listens on the background topic. Every startStream request
// runs the SSE client in its own goroutine and forwards each delta to the
// requesting tab's topic; every callCompletion request performs one
// blocking call and answers with completionResult or streamError.
package background

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"sync/atomic"

	"github.com/jeranaias/rigrun-explain/internal/bus"
	"github.com/jeranaias/rigrun-explain/internal/cloud"
	"github.com/jeranaias/rigrun-explain/internal/config"
	"go.uber.org/zap"
)

// DefaultMaxConcurrent bounds the number of in-flight API calls.
const DefaultMaxConcurrent = 8

// ErrStopped is returned when starting a stopped service.
var ErrStopped = errors.New("relay service stopped")

// ConfigSource supplies the current configuration.
type ConfigSource interface {
	Get() config.Config
}

// Options configure a Service.
type Options struct {
	Logger *zap.Logger

	// HTTPClient replaces the pooled clients, mainly for tests.
	HTTPClient *http.Client

	MaxConcurrent int
}

// =============================================================================
// SERVICE
// =============================================================================

// Service relays requests from sidebars to the API.
type Service struct {
	bus        *bus.Bus
	cfg        ConfigSource
	logger     *zap.Logger
	httpClient *http.Client
	semaphore  chan struct{}

	ctx     context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	stopped atomic.Bool

	mu  sync.Mutex
	sub *bus.Subscription
}

// NewService creates a relay. It does not listen until Start.
func NewService(b *bus.Bus, cfg ConfigSource, opts Options) *Service {
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	if opts.MaxConcurrent <= 0 {
		opts.MaxConcurrent = DefaultMaxConcurrent
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Service{
		bus:        b,
		cfg:        cfg,
		logger:     opts.Logger.Named("relay"),
		httpClient: opts.HTTPClient,
		semaphore:  make(chan struct{}, opts.MaxConcurrent),
		ctx:        ctx,
		cancel:     cancel,
	}
}

// Start subscribes to the background topic.
func (s *Service) Start(ctx context.Context) error {
	if s.stopped.Load() {
		return ErrStopped
	}
	sub, err := s.bus.Subscribe(ctx, bus.BackgroundTopic, s.handle)
	if err != nil {
		return err
	}
	s.mu.Lock()
	s.sub = sub
	s.mu.Unlock()
	return nil
}

// Stop unsubscribes, cancels in-flight calls and waits for them to finish.
// Cancelled streams still end with a streamError.
func (s *Service) Stop() {
	if s.stopped.Swap(true) {
		return
	}
	s.mu.Lock()
	sub := s.sub
	s.sub = nil
	s.mu.Unlock()
	if sub != nil {
		sub.Close()
	}
	s.cancel()
	s.wg.Wait()
}

func (s *Service) handle(_ context.Context, n bus.Notification) {
	switch n.Kind {
	case bus.KindStartStream, bus.KindCallCompletion:
	default:
		return
	}
	if s.stopped.Load() {
		return
	}
	s.wg.Add(1)
	go s.run(n)
}

func (s *Service) run(n bus.Notification) {
	defer s.wg.Done()

	select {
	case s.semaphore <- struct{}{}:
	case <-s.ctx.Done():
		s.publishError(n, s.ctx.Err().Error())
		return
	}
	defer func() { <-s.semaphore }()

	sink := newTabSink(s.bus, n.TabID, n.MessageID, s.logger)
	if n.Request == nil {
		sink.OnError("invalid request")
		return
	}

	client := s.client(s.cfg.Get())
	if n.Kind == bus.KindStartStream {
		// The client reports every outcome through the sink.
		_ = client.Stream(s.ctx, *n.Request, sink)
		return
	}
	s.complete(client, n, sink)
}

func (s *Service) complete(client *cloud.Client, n bus.Notification, sink *tabSink) {
	completion, err := client.Complete(s.ctx, *n.Request)
	if err != nil {
		s.logger.Error("completion failed", zap.String("message", n.MessageID), zap.Error(err))
		sink.OnError(err.Error())
		return
	}
	sink.publish(bus.Notification{
		Kind:             bus.KindCompletionResult,
		Content:          completion.Content,
		ReasoningContent: completion.ReasoningContent,
		ToolCalls:        completion.ToolCalls,
	})
}

func (s *Service) client(cfg config.Config) *cloud.Client {
	c := cloud.NewClient(cfg.API.URL, cfg.API.Key).WithLogger(s.logger)
	if s.httpClient != nil {
		c.WithHTTPClient(s.httpClient)
	}
	return c
}

func (s *Service) publishError(n bus.Notification, message string) {
	newTabSink(s.bus, n.TabID, n.MessageID, s.logger).OnError(message)
}
