// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package signaling

import (
	"sync"

	"github.com/google/uuid"
)

// dispatcher delivers inbound messages to the current Handler on one
// goroutine, in arrival order. Enqueueing never blocks, so a network
// read loop is never held up by a slow handler.
type dispatcher struct {
	mu      sync.Mutex
	handler Handler
	queue   []Message
	closed  bool
	signal  chan struct{}
	done    chan struct{}
}

func newDispatcher() *dispatcher {
	d := &dispatcher{
		signal: make(chan struct{}, 1),
		done:   make(chan struct{}),
	}
	go d.run()
	return d
}

func (d *dispatcher) setHandler(handler Handler) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.handler = handler
}

func (d *dispatcher) deliver(message Message) {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return
	}
	d.queue = append(d.queue, message)
	d.mu.Unlock()

	select {
	case d.signal <- struct{}{}:
	default:
	}
}

// close drops undelivered messages. The goroutine exits after the
// message in progress, if any.
func (d *dispatcher) close() {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return
	}
	d.closed = true
	d.queue = nil
	d.mu.Unlock()

	select {
	case d.signal <- struct{}{}:
	default:
	}
}

func (d *dispatcher) run() {
	defer close(d.done)
	for range d.signal {
		for {
			d.mu.Lock()
			if d.closed {
				d.mu.Unlock()
				return
			}
			if len(d.queue) == 0 {
				d.mu.Unlock()
				break
			}
			message := d.queue[0]
			d.queue = d.queue[1:]
			handler := d.handler
			d.mu.Unlock()

			handler.dispatch(message)
		}
	}
}

// newNonce returns a unique message nonce.
func newNonce() string { return uuid.NewString() }

// boundedSet remembers recent ids. At capacity it is cleared rather
// than evicting one by one; a cleared id seen again is delivered again
// and left to the layers above to ignore.
type boundedSet struct {
	capacity int
	items    map[string]struct{}
}

func newBoundedSet(capacity int) *boundedSet {
	return &boundedSet{capacity: capacity, items: make(map[string]struct{}, capacity)}
}

// add records id and reports whether it was new.
func (s *boundedSet) add(id string) bool {
	if _, ok := s.items[id]; ok {
		return false
	}
	if len(s.items) >= s.capacity {
		clear(s.items)
	}
	s.items[id] = struct{}{}
	return true
}

func (s *boundedSet) contains(id string) bool {
	_, ok := s.items[id]
	return ok
}

func (s *boundedSet) len() int { return len(s.items) }
