// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package bus

import "sync"

// mailbox is an unbounded FIFO queue between the acking reader and the
// handler of one subscription.
type mailbox struct {
	mu     sync.Mutex
	cond   *sync.Cond
	items  []Notification
	closed bool
}

func newMailbox() *mailbox {
	m := &mailbox{}
	m.cond = sync.NewCond(&m.mu)
	return m
}

func (m *mailbox) push(n Notification) {
	m.mu.Lock()
	m.items = append(m.items, n)
	m.mu.Unlock()
	m.cond.Signal()
}

// pop blocks until an item is available. It returns false once the mailbox
// is closed and drained.
func (m *mailbox) pop() (Notification, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for len(m.items) == 0 && !m.closed {
		m.cond.Wait()
	}
	if len(m.items) == 0 {
		return Notification{}, false
	}
	n := m.items[0]
	m.items[0] = Notification{}
	m.items = m.items[1:]
	return n, true
}

func (m *mailbox) close() {
	m.mu.Lock()
	m.closed = true
	m.mu.Unlock()
	m.cond.Broadcast()
}
