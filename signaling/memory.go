// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package signaling

import (
	"context"
	"fmt"
	"sync"
)

// MemoryHub is an in-process signaling network for tests. Channels
// obtained from the same hub deliver to each other.
type MemoryHub struct {
	mu          sync.Mutex
	channels    map[*MemoryChannel]struct{}
	unavailable bool
	echo        bool
	delivered   int
}

// NewMemoryHub returns an empty hub.
func NewMemoryHub() *MemoryHub {
	return &MemoryHub{channels: make(map[*MemoryChannel]struct{})}
}

// SetAvailable makes every channel of the hub reachable or not. An
// unreachable hub fails Start and every send with ErrUnavailable and
// delivers nothing.
func (h *MemoryHub) SetAvailable(available bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.unavailable = !available
}

// SetEcho makes the hub deliver each message back to its sender too,
// like relays that fan out to every subscriber.
func (h *MemoryHub) SetEcho(echo bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.echo = echo
}

// Delivered returns how many messages the hub has handed to channels.
func (h *MemoryHub) Delivered() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.delivered
}

// Channel returns a new channel on the hub for peer.
func (h *MemoryHub) Channel(peer string) *MemoryChannel {
	channel := &MemoryChannel{
		hub:        h,
		peer:       peer,
		sessions:   make(map[string]struct{}),
		dispatcher: newDispatcher(),
	}
	h.mu.Lock()
	h.channels[channel] = struct{}{}
	h.mu.Unlock()
	return channel
}

func (h *MemoryHub) publish(sender *MemoryChannel, message Message) error {
	h.mu.Lock()
	if h.unavailable || sender.unavailable {
		h.mu.Unlock()
		return fmt.Errorf("%s: %w", sender.Name(), ErrUnavailable)
	}
	var targets []*MemoryChannel
	for channel := range h.channels {
		if channel == sender && !h.echo {
			continue
		}
		if channel.unavailable || !channel.joinedLocked(message.Session) {
			continue
		}
		if message.To != "" && message.To != channel.peer && channel != sender {
			continue
		}
		targets = append(targets, channel)
	}
	h.delivered += len(targets)
	h.mu.Unlock()

	for _, channel := range targets {
		channel.dispatcher.deliver(message)
	}
	return nil
}

// MemoryChannel is one peer's endpoint on a MemoryHub.
type MemoryChannel struct {
	hub        *MemoryHub
	peer       string
	dispatcher *dispatcher

	// Guarded by hub.mu.
	sessions    map[string]struct{}
	unavailable bool
	closed      bool
}

var _ Channel = (*MemoryChannel)(nil)

// SetAvailable makes this channel alone reachable or not.
func (c *MemoryChannel) SetAvailable(available bool) {
	c.hub.mu.Lock()
	defer c.hub.mu.Unlock()
	c.unavailable = !available
}

func (c *MemoryChannel) Name() string { return "memory" }

func (c *MemoryChannel) Start(ctx context.Context) error {
	c.hub.mu.Lock()
	defer c.hub.mu.Unlock()
	switch {
	case c.closed:
		return ErrClosed
	case c.hub.unavailable || c.unavailable:
		return fmt.Errorf("memory hub: %w", ErrUnavailable)
	}
	return nil
}

func (c *MemoryChannel) Join(ctx context.Context, session string) error {
	c.hub.mu.Lock()
	defer c.hub.mu.Unlock()
	if c.closed {
		return ErrClosed
	}
	c.sessions[session] = struct{}{}
	return nil
}

func (c *MemoryChannel) Leave(session string) {
	c.hub.mu.Lock()
	defer c.hub.mu.Unlock()
	delete(c.sessions, session)
}

func (c *MemoryChannel) joinedLocked(session string) bool {
	_, ok := c.sessions[session]
	return ok && !c.closed
}

func (c *MemoryChannel) SendOffer(ctx context.Context, session, to, sdp string) error {
	return c.send(Message{Kind: KindOffer, Session: session, To: to, SDP: sdp})
}

func (c *MemoryChannel) SendAnswer(ctx context.Context, session, to, sdp string) error {
	return c.send(Message{Kind: KindAnswer, Session: session, To: to, SDP: sdp})
}

func (c *MemoryChannel) SendCandidate(ctx context.Context, session, to string, candidate Candidate) error {
	return c.send(Message{Kind: KindCandidate, Session: session, To: to, Candidate: candidate})
}

func (c *MemoryChannel) send(message Message) error {
	c.hub.mu.Lock()
	closed := c.closed
	c.hub.mu.Unlock()
	if closed {
		return ErrClosed
	}
	message.From = c.peer
	message.Nonce = newNonce()
	return c.hub.publish(c, message)
}

func (c *MemoryChannel) SetHandler(handler Handler) { c.dispatcher.setHandler(handler) }

func (c *MemoryChannel) Close() error {
	c.hub.mu.Lock()
	if c.closed {
		c.hub.mu.Unlock()
		return nil
	}
	c.closed = true
	delete(c.hub.channels, c)
	c.hub.mu.Unlock()
	c.dispatcher.close()
	return nil
}
