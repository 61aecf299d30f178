// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package bus

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
)

// ErrProbeTimeout is returned when a sidebar does not answer a ping in time.
var ErrProbeTimeout = errors.New("probe timed out")

// Prober sends liveness pings to tab surfaces and waits for their pongs.
type Prober struct {
	bus *Bus

	ctx    context.Context
	cancel context.CancelFunc

	mu      sync.Mutex
	subs    map[string]*Subscription
	waiters map[string]chan Notification
}

// NewProber returns a prober on b. Close releases its reply subscriptions.
func NewProber(b *Bus) *Prober {
	ctx, cancel := context.WithCancel(context.Background())
	return &Prober{
		bus:     b,
		ctx:     ctx,
		cancel:  cancel,
		subs:    make(map[string]*Subscription),
		waiters: make(map[string]chan Notification),
	}
}

// Ping asks tabID's sidebar whether it is alive. It returns nil on a ready
// pong and ErrProbeTimeout when nothing answers within timeout.
func (p *Prober) Ping(ctx context.Context, tabID string, timeout time.Duration) error {
	if err := p.ensureReplies(tabID); err != nil {
		return err
	}

	id := uuid.NewString()
	reply := make(chan Notification, 1)
	p.mu.Lock()
	p.waiters[id] = reply
	p.mu.Unlock()
	defer func() {
		p.mu.Lock()
		delete(p.waiters, id)
		p.mu.Unlock()
	}()

	err := p.bus.Publish(TabTopic(tabID), Notification{Kind: KindPing, TabID: tabID, CorrelationID: id})
	if err != nil {
		return err
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case n := <-reply:
		if n.Status != StatusReady {
			return fmt.Errorf("sidebar in tab %s not ready: %q", tabID, n.Status)
		}
		return nil
	case <-timer.C:
		return ErrProbeTimeout
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (p *Prober) ensureReplies(tabID string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if _, ok := p.subs[tabID]; ok {
		return nil
	}
	sub, err := p.bus.Subscribe(p.ctx, RepliesTopic(tabID), p.handleReply)
	if err != nil {
		return err
	}
	p.subs[tabID] = sub
	return nil
}

func (p *Prober) handleReply(_ context.Context, n Notification) {
	if n.Kind != KindPong {
		return
	}
	p.mu.Lock()
	reply, ok := p.waiters[n.CorrelationID]
	p.mu.Unlock()
	if !ok {
		return
	}
	select {
	case reply <- n:
	default:
	}
}

// Forget drops the reply subscription for a closed tab.
func (p *Prober) Forget(tabID string) {
	p.mu.Lock()
	sub, ok := p.subs[tabID]
	delete(p.subs, tabID)
	p.mu.Unlock()
	if ok {
		sub.Close()
	}
}

// Close releases every reply subscription.
func (p *Prober) Close() {
	p.cancel()
	p.mu.Lock()
	subs := p.subs
	p.subs = make(map[string]*Subscription)
	p.mu.Unlock()
	for _, sub := range subs {
		<-sub.Done()
	}
}

// Reply answers ping on behalf of a live sidebar.
func Reply(b *Bus, ping Notification) error {
	return b.Publish(RepliesTopic(ping.TabID), Notification{
		Kind:          KindPong,
		TabID:         ping.TabID,
		Status:        StatusReady,
		CorrelationID: ping.CorrelationID,
	})
}
