// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package signaling

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/bureau-foundation/syncshell/lib/clock"
	"github.com/bureau-foundation/syncshell/lib/netutil"
)

// DefaultHubCapacity bounds the events a RelayHub stores.
const DefaultHubCapacity = 10000

const hubWriteTimeout = 5 * time.Second

// RelayHubOptions configure a RelayHub.
type RelayHubOptions struct {
	Clock    clock.Clock
	Logger   *slog.Logger
	Capacity int
}

// RelayHub is a minimal relay: it verifies and stores unexpired
// events, replays them to new subscriptions, and fans each new event
// out to every matching subscription, the publisher's included. It
// serves websocket upgrades as an http.Handler.
type RelayHub struct {
	clock    clock.Clock
	logger   *slog.Logger
	capacity int
	upgrader websocket.Upgrader

	mu      sync.Mutex
	events  []*Event
	ids     map[string]struct{}
	clients map[*hubClient]struct{}
	closed  bool
}

type hubClient struct {
	conn    *websocket.Conn
	writeMu sync.Mutex

	// Guarded by RelayHub.mu.
	subscriptions map[string][]Filter
}

// NewRelayHub returns an empty hub.
func NewRelayHub(options RelayHubOptions) *RelayHub {
	if options.Clock == nil {
		options.Clock = clock.Real()
	}
	if options.Logger == nil {
		options.Logger = slog.Default()
	}
	if options.Capacity <= 0 {
		options.Capacity = DefaultHubCapacity
	}
	return &RelayHub{
		clock:    options.Clock,
		logger:   options.Logger,
		capacity: options.Capacity,
		upgrader: websocket.Upgrader{
			CheckOrigin: func(*http.Request) bool { return true },
		},
		ids:     make(map[string]struct{}),
		clients: make(map[*hubClient]struct{}),
	}
}

// Stored returns the number of unexpired events held.
func (h *RelayHub) Stored() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.pruneLocked()
	return len(h.events)
}

// Clients returns the number of connected clients.
func (h *RelayHub) Clients() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.clients)
}

// DropClients closes every client connection, as a relay restart
// would. Stored events are kept.
func (h *RelayHub) DropClients() {
	h.mu.Lock()
	clients := make([]*hubClient, 0, len(h.clients))
	for client := range h.clients {
		clients = append(clients, client)
	}
	h.mu.Unlock()
	for _, client := range clients {
		client.conn.Close()
	}
}

// Close disconnects every client and refuses new ones.
func (h *RelayHub) Close() error {
	h.mu.Lock()
	h.closed = true
	h.mu.Unlock()
	h.DropClients()
	return nil
}

func (h *RelayHub) ServeHTTP(writer http.ResponseWriter, request *http.Request) {
	h.mu.Lock()
	closed := h.closed
	h.mu.Unlock()
	if closed {
		http.Error(writer, "relay closed", http.StatusServiceUnavailable)
		return
	}

	conn, err := h.upgrader.Upgrade(writer, request, nil)
	if err != nil {
		h.logger.Debug("relay upgrade failed", "remote", request.RemoteAddr, "error", err)
		return
	}
	client := &hubClient{conn: conn, subscriptions: make(map[string][]Filter)}

	h.mu.Lock()
	h.clients[client] = struct{}{}
	h.mu.Unlock()
	defer func() {
		h.mu.Lock()
		delete(h.clients, client)
		h.mu.Unlock()
		conn.Close()
	}()

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			if !netutil.IsExpectedCloseError(err) {
				h.logger.Debug("relay client read failed", "remote", request.RemoteAddr, "error", err)
			}
			return
		}
		kind, fields, err := parseFrame(data)
		if err != nil {
			client.send(frameNotice, "malformed frame")
			continue
		}
		switch kind {
		case frameEvent:
			h.handleEvent(client, fields)
		case frameReq:
			h.handleReq(client, fields)
		case frameClose:
			var id string
			if len(fields) > 0 && json.Unmarshal(fields[0], &id) == nil {
				h.mu.Lock()
				delete(client.subscriptions, id)
				h.mu.Unlock()
			}
		default:
			client.send(frameNotice, "unknown frame type "+kind)
		}
	}
}

func (h *RelayHub) handleEvent(client *hubClient, fields []json.RawMessage) {
	var event Event
	if len(fields) < 1 || json.Unmarshal(fields[0], &event) != nil {
		client.send(frameNotice, "malformed event")
		return
	}
	if err := event.Verify(); err != nil {
		client.send(frameOK, event.ID, false, "invalid: "+err.Error())
		return
	}
	if event.Expired(h.clock.Now().Unix()) {
		client.send(frameOK, event.ID, false, "invalid: event expired")
		return
	}

	h.mu.Lock()
	if _, duplicate := h.ids[event.ID]; duplicate {
		h.mu.Unlock()
		client.send(frameOK, event.ID, true, "duplicate: already have this event")
		return
	}
	h.pruneLocked()
	if len(h.events) >= h.capacity {
		oldest := h.events[0]
		h.events = h.events[1:]
		delete(h.ids, oldest.ID)
	}
	h.events = append(h.events, &event)
	h.ids[event.ID] = struct{}{}

	type delivery struct {
		client       *hubClient
		subscription string
	}
	var deliveries []delivery
	for subscriber := range h.clients {
		for id, filters := range subscriber.subscriptions {
			if matchesAny(filters, &event) {
				deliveries = append(deliveries, delivery{subscriber, id})
			}
		}
	}
	h.mu.Unlock()

	client.send(frameOK, event.ID, true, "")
	for _, d := range deliveries {
		d.client.send(frameEvent, d.subscription, &event)
	}
}

func (h *RelayHub) handleReq(client *hubClient, fields []json.RawMessage) {
	var id string
	if len(fields) < 1 || json.Unmarshal(fields[0], &id) != nil {
		client.send(frameNotice, "malformed subscription")
		return
	}
	var filters []Filter
	for _, raw := range fields[1:] {
		var filter Filter
		if err := json.Unmarshal(raw, &filter); err != nil {
			client.send(frameNotice, "malformed filter")
			return
		}
		filters = append(filters, filter)
	}

	h.mu.Lock()
	client.subscriptions[id] = filters
	h.pruneLocked()
	var replay []*Event
	for _, event := range h.events {
		if matchesAny(filters, event) {
			replay = append(replay, event)
		}
	}
	h.mu.Unlock()

	for _, event := range replay {
		client.send(frameEvent, id, event)
	}
	client.send(frameEOSE, id)
}

func (h *RelayHub) pruneLocked() {
	now := h.clock.Now().Unix()
	kept := h.events[:0]
	for _, event := range h.events {
		if event.Expired(now) {
			delete(h.ids, event.ID)
			continue
		}
		kept = append(kept, event)
	}
	clear(h.events[len(kept):])
	h.events = kept
}

func matchesAny(filters []Filter, event *Event) bool {
	if len(filters) == 0 {
		return true
	}
	for _, filter := range filters {
		if filter.Matches(event) {
			return true
		}
	}
	return false
}

func (c *hubClient) send(kind string, fields ...any) {
	data, err := frame(kind, fields...)
	if err != nil {
		return
	}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	c.conn.SetWriteDeadline(time.Now().Add(hubWriteTimeout))
	c.conn.WriteMessage(websocket.TextMessage, data)
}
