// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package signaling

import (
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/bureau-foundation/syncshell/lib/clock"
)

// DefaultMailboxTTL is how long an idle mailbox lives.
const DefaultMailboxTTL = 10 * time.Minute

const (
	maxMailboxEntries = 512
	maxMailboxBody    = 64 << 10
)

// MailboxEntry is one stored message.
type MailboxEntry struct {
	Sequence uint64 `json:"seq"`
	ID       string `json:"id"`
	Body     string `json:"body"`
}

type mailboxPollResponse struct {
	Entries []MailboxEntry `json:"entries"`
	Next    uint64         `json:"next"`
}

type mailboxAppendRequest struct {
	ID   string `json:"id"`
	Body string `json:"body"`
}

// MailboxServer is a store-and-forward server for short-lived
// mailboxes:
//
//	PUT  /v1/mailbox/{name}?ttl=SECONDS   create (or refresh)
//	POST /v1/mailbox/{name}               append {"id", "body"}
//	GET  /v1/mailbox/{name}?after=N       entries with sequence > N
//	GET  /v1/health
//
// Mailboxes expire TTL after their last write. The server never sees
// plaintext: bodies are sealed by the clients.
type MailboxServer struct {
	clock  clock.Clock
	logger *slog.Logger
	mux    *http.ServeMux

	mu    sync.Mutex
	boxes map[string]*mailbox
}

type mailbox struct {
	entries  []MailboxEntry
	next     uint64
	ttl      time.Duration
	deadline time.Time
}

// NewMailboxServer returns an empty server.
func NewMailboxServer(clk clock.Clock, logger *slog.Logger) *MailboxServer {
	if clk == nil {
		clk = clock.Real()
	}
	if logger == nil {
		logger = slog.Default()
	}
	server := &MailboxServer{
		clock:  clk,
		logger: logger,
		mux:    http.NewServeMux(),
		boxes:  make(map[string]*mailbox),
	}
	server.mux.HandleFunc("GET /v1/health", server.handleHealth)
	server.mux.HandleFunc("PUT /v1/mailbox/{name}", server.handleCreate)
	server.mux.HandleFunc("POST /v1/mailbox/{name}", server.handleAppend)
	server.mux.HandleFunc("GET /v1/mailbox/{name}", server.handlePoll)
	return server
}

func (s *MailboxServer) ServeHTTP(writer http.ResponseWriter, request *http.Request) {
	s.mux.ServeHTTP(writer, request)
}

// Mailboxes returns the number of live mailboxes.
func (s *MailboxServer) Mailboxes() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.expireLocked()
	return len(s.boxes)
}

func (s *MailboxServer) handleHealth(writer http.ResponseWriter, request *http.Request) {
	writer.WriteHeader(http.StatusNoContent)
}

func (s *MailboxServer) handleCreate(writer http.ResponseWriter, request *http.Request) {
	name := request.PathValue("name")
	ttl := DefaultMailboxTTL
	if value := request.URL.Query().Get("ttl"); value != "" {
		seconds, err := strconv.Atoi(value)
		if err != nil || seconds <= 0 || time.Duration(seconds)*time.Second > time.Hour {
			http.Error(writer, "ttl must be 1..3600 seconds", http.StatusBadRequest)
			return
		}
		ttl = time.Duration(seconds) * time.Second
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.expireLocked()
	box, exists := s.boxes[name]
	if !exists {
		box = &mailbox{}
		s.boxes[name] = box
	}
	box.ttl = ttl
	box.deadline = s.clock.Now().Add(ttl)
	if exists {
		writer.WriteHeader(http.StatusOK)
		return
	}
	s.logger.Debug("mailbox created", "mailbox", name, "ttl", ttl)
	writer.WriteHeader(http.StatusCreated)
}

func (s *MailboxServer) handleAppend(writer http.ResponseWriter, request *http.Request) {
	name := request.PathValue("name")
	var entry mailboxAppendRequest
	if err := json.NewDecoder(io.LimitReader(request.Body, maxMailboxBody)).Decode(&entry); err != nil || entry.ID == "" {
		http.Error(writer, "malformed entry", http.StatusBadRequest)
		return
	}

	s.mu.Lock()
	s.expireLocked()
	box, ok := s.boxes[name]
	if !ok {
		s.mu.Unlock()
		http.Error(writer, "no such mailbox", http.StatusNotFound)
		return
	}
	box.next++
	box.entries = append(box.entries, MailboxEntry{Sequence: box.next, ID: entry.ID, Body: entry.Body})
	if len(box.entries) > maxMailboxEntries {
		box.entries = box.entries[len(box.entries)-maxMailboxEntries:]
	}
	box.deadline = s.clock.Now().Add(box.ttl)
	sequence := box.next
	s.mu.Unlock()

	writeJSON(writer, http.StatusOK, map[string]uint64{"seq": sequence})
}

func (s *MailboxServer) handlePoll(writer http.ResponseWriter, request *http.Request) {
	name := request.PathValue("name")
	var after uint64
	if value := request.URL.Query().Get("after"); value != "" {
		parsed, err := strconv.ParseUint(value, 10, 64)
		if err != nil {
			http.Error(writer, "after must be a sequence number", http.StatusBadRequest)
			return
		}
		after = parsed
	}

	s.mu.Lock()
	s.expireLocked()
	box, ok := s.boxes[name]
	if !ok {
		s.mu.Unlock()
		http.Error(writer, "no such mailbox", http.StatusNotFound)
		return
	}
	response := mailboxPollResponse{Next: after, Entries: []MailboxEntry{}}
	for _, entry := range box.entries {
		if entry.Sequence > after {
			response.Entries = append(response.Entries, entry)
			response.Next = entry.Sequence
		}
	}
	s.mu.Unlock()

	writeJSON(writer, http.StatusOK, response)
}

func (s *MailboxServer) expireLocked() {
	now := s.clock.Now()
	for name, box := range s.boxes {
		if !now.Before(box.deadline) {
			delete(s.boxes, name)
		}
	}
}

func writeJSON(writer http.ResponseWriter, status int, value any) {
	writer.Header().Set("Content-Type", "application/json")
	writer.WriteHeader(status)
	json.NewEncoder(writer).Encode(value)
}
