// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package transport

import "sync"

// mailbox is an unbounded FIFO with a wakeup signal. Pushing never
// blocks, so backend callbacks that fire while the actor is inside a
// backend call cannot deadlock it.
type mailbox[T any] struct {
	mu     sync.Mutex
	items  []T
	closed bool
	signal chan struct{}
}

func newMailbox[T any]() *mailbox[T] {
	return &mailbox[T]{signal: make(chan struct{}, 1)}
}

// push enqueues item. Returns false if the mailbox is closed.
func (m *mailbox[T]) push(item T) bool {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return false
	}
	m.items = append(m.items, item)
	m.mu.Unlock()

	select {
	case m.signal <- struct{}{}:
	default:
	}
	return true
}

// take removes and returns everything queued, and whether the mailbox
// is closed.
func (m *mailbox[T]) take() ([]T, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	items := m.items
	m.items = nil
	return items, m.closed
}

// close stops accepting items. With discard, queued items are dropped
// unprocessed; otherwise the consumer still receives them.
func (m *mailbox[T]) close(discard bool) {
	m.mu.Lock()
	m.closed = true
	if discard {
		m.items = nil
	}
	m.mu.Unlock()

	select {
	case m.signal <- struct{}{}:
	default:
	}
}

func (m *mailbox[T]) wait() <-chan struct{} { return m.signal }
