// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package signaling

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/bureau-foundation/syncshell/lib/clock"
	"github.com/bureau-foundation/syncshell/lib/codec"
)

const (
	// DefaultPollInterval separates mailbox polls.
	DefaultPollInterval = time.Second

	// DefaultMailboxTimeout bounds one mailbox request.
	DefaultMailboxTimeout = 5 * time.Second
)

// MailboxOptions configure a MailboxChannel.
type MailboxOptions struct {
	// URL is the mailbox server's base URL.
	URL string

	// LocalID is stamped as the sender of every message.
	LocalID string

	// MeshID and Secret scope mailbox names and seal their content.
	MeshID string
	Secret []byte

	PollInterval time.Duration
	TTL          time.Duration
	Timeout      time.Duration
	Clock        clock.Clock
	Logger       *slog.Logger
	HTTPClient   *http.Client
}

// MailboxStats are cumulative counters for a MailboxChannel.
type MailboxStats struct {
	Sent         uint64
	Received     uint64
	Polls        uint64
	PollFailures uint64
	Invalid      uint64
}

// MailboxChannel exchanges signaling through short-lived mailboxes on
// a store-and-forward server. Each joined session has one mailbox,
// named from the session and the mesh secret, which every member
// polls. It is the fallback when neither invite codes nor relays can
// be used.
type MailboxChannel struct {
	options    MailboxOptions
	keys       meshKeys
	dispatcher *dispatcher

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu     sync.Mutex
	boxes  map[string]*mailboxSubscription
	own    *boundedSet
	closed bool

	stats mailboxCounters
}

var _ Channel = (*MailboxChannel)(nil)

type mailboxSubscription struct {
	session string
	name    string
	cancel  context.CancelFunc
	seen    *boundedSet
}

type mailboxCounters struct {
	sent         atomic.Uint64
	received     atomic.Uint64
	polls        atomic.Uint64
	pollFailures atomic.Uint64
	invalid      atomic.Uint64
}

// NewMailboxChannel returns a MailboxChannel for the server at
// options.URL.
func NewMailboxChannel(options MailboxOptions) (*MailboxChannel, error) {
	if options.URL == "" {
		return nil, errors.New("mailbox channel: server URL is required")
	}
	if _, err := url.Parse(options.URL); err != nil {
		return nil, fmt.Errorf("mailbox channel: parsing URL: %w", err)
	}
	options.URL = strings.TrimSuffix(options.URL, "/")
	if options.PollInterval <= 0 {
		options.PollInterval = DefaultPollInterval
	}
	if options.TTL <= 0 {
		options.TTL = DefaultMailboxTTL
	}
	if options.Timeout <= 0 {
		options.Timeout = DefaultMailboxTimeout
	}
	if options.Clock == nil {
		options.Clock = clock.Real()
	}
	if options.Logger == nil {
		options.Logger = slog.Default()
	}
	if options.HTTPClient == nil {
		options.HTTPClient = http.DefaultClient
	}
	keys, err := deriveMeshKeys(options.MeshID, options.Secret)
	if err != nil {
		return nil, err
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &MailboxChannel{
		options:    options,
		keys:       keys,
		dispatcher: newDispatcher(),
		ctx:        ctx,
		cancel:     cancel,
		boxes:      make(map[string]*mailboxSubscription),
		own:        newBoundedSet(selfCapacity),
	}, nil
}

func (c *MailboxChannel) Name() string { return "mailbox" }

// Stats returns the channel's counters.
func (c *MailboxChannel) Stats() MailboxStats {
	return MailboxStats{
		Sent:         c.stats.sent.Load(),
		Received:     c.stats.received.Load(),
		Polls:        c.stats.polls.Load(),
		PollFailures: c.stats.pollFailures.Load(),
		Invalid:      c.stats.invalid.Load(),
	}
}

// Start checks that the server answers.
func (c *MailboxChannel) Start(ctx context.Context) error {
	if c.isClosed() {
		return ErrClosed
	}
	response, err := c.do(ctx, http.MethodGet, "/v1/health", nil)
	if err != nil {
		return err
	}
	response.Body.Close()
	if response.StatusCode >= 300 {
		return fmt.Errorf("mailbox server health: %s: %w", response.Status, ErrUnavailable)
	}
	return nil
}

func (c *MailboxChannel) isClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

// Join creates the session's mailbox and starts polling it.
func (c *MailboxChannel) Join(ctx context.Context, session string) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return ErrClosed
	}
	if _, ok := c.boxes[session]; ok {
		c.mu.Unlock()
		return nil
	}
	c.mu.Unlock()

	name := c.keys.mailboxFor(session)
	if err := c.create(ctx, name); err != nil {
		return err
	}

	pollCtx, cancel := context.WithCancel(c.ctx)
	subscription := &mailboxSubscription{session: session, name: name, cancel: cancel, seen: newBoundedSet(seenCapacity)}

	c.mu.Lock()
	if _, ok := c.boxes[session]; ok || c.closed {
		c.mu.Unlock()
		cancel()
		return nil
	}
	c.boxes[session] = subscription
	c.wg.Add(1)
	c.mu.Unlock()

	go c.poll(pollCtx, subscription)
	return nil
}

func (c *MailboxChannel) Leave(session string) {
	c.mu.Lock()
	subscription, ok := c.boxes[session]
	delete(c.boxes, session)
	c.mu.Unlock()
	if ok {
		subscription.cancel()
	}
}

func (c *MailboxChannel) create(ctx context.Context, name string) error {
	path := "/v1/mailbox/" + name + "?ttl=" + strconv.Itoa(int(c.options.TTL/time.Second))
	response, err := c.do(ctx, http.MethodPut, path, nil)
	if err != nil {
		return err
	}
	defer response.Body.Close()
	if response.StatusCode >= 300 {
		return fmt.Errorf("creating mailbox: %s", response.Status)
	}
	return nil
}

// poll reads new entries from one mailbox until ctx is cancelled.
func (c *MailboxChannel) poll(ctx context.Context, subscription *mailboxSubscription) {
	defer c.wg.Done()
	ticker := c.options.Clock.NewTicker(c.options.PollInterval)
	defer ticker.Stop()

	var after uint64
	for {
		next, err := c.fetch(ctx, subscription, after)
		c.stats.polls.Add(1)
		switch {
		case err == nil:
			after = next
		case ctx.Err() != nil:
			return
		default:
			c.stats.pollFailures.Add(1)
			c.options.Logger.Debug("mailbox poll failed", "mailbox", subscription.name, "error", err)
		}

		select {
		case <-ticker.C:
		case <-ctx.Done():
			return
		}
	}
}

func (c *MailboxChannel) fetch(ctx context.Context, subscription *mailboxSubscription, after uint64) (uint64, error) {
	path := "/v1/mailbox/" + subscription.name + "?after=" + strconv.FormatUint(after, 10)
	response, err := c.do(ctx, http.MethodGet, path, nil)
	if err != nil {
		return after, err
	}
	defer response.Body.Close()
	if response.StatusCode == http.StatusNotFound {
		// Expired while idle; recreate it so later writes land.
		return 0, c.create(ctx, subscription.name)
	}
	if response.StatusCode >= 300 {
		return after, fmt.Errorf("polling mailbox: %s", response.Status)
	}

	var poll mailboxPollResponse
	if err := json.NewDecoder(response.Body).Decode(&poll); err != nil {
		return after, fmt.Errorf("decoding poll response: %w", err)
	}
	for _, entry := range poll.Entries {
		c.receive(subscription, entry)
	}
	return poll.Next, nil
}

func (c *MailboxChannel) receive(subscription *mailboxSubscription, entry MailboxEntry) {
	c.mu.Lock()
	own := c.own.contains(entry.ID)
	fresh := subscription.seen.add(entry.ID)
	c.mu.Unlock()
	if own || !fresh {
		return
	}

	plaintext, err := c.keys.open(entry.Body, subscription.name)
	if err != nil {
		c.stats.invalid.Add(1)
		return
	}
	var message Message
	if err := codec.Unmarshal(plaintext, &message); err != nil || message.Session != subscription.session {
		c.stats.invalid.Add(1)
		return
	}
	if message.From == c.options.LocalID {
		return
	}
	if message.To != "" && message.To != c.options.LocalID {
		return
	}
	c.stats.received.Add(1)
	c.dispatcher.deliver(message)
}

func (c *MailboxChannel) SendOffer(ctx context.Context, session, to, sdp string) error {
	return c.send(ctx, Message{Kind: KindOffer, Session: session, To: to, SDP: sdp})
}

func (c *MailboxChannel) SendAnswer(ctx context.Context, session, to, sdp string) error {
	return c.send(ctx, Message{Kind: KindAnswer, Session: session, To: to, SDP: sdp})
}

func (c *MailboxChannel) SendCandidate(ctx context.Context, session, to string, candidate Candidate) error {
	return c.send(ctx, Message{Kind: KindCandidate, Session: session, To: to, Candidate: candidate})
}

func (c *MailboxChannel) send(ctx context.Context, message Message) error {
	if c.isClosed() {
		return ErrClosed
	}
	message.From = c.options.LocalID
	message.Nonce = newNonce()
	plaintext, err := codec.Marshal(message)
	if err != nil {
		return fmt.Errorf("encoding signaling message: %w", err)
	}
	name := c.keys.mailboxFor(message.Session)
	body, err := c.keys.seal(plaintext, name)
	if err != nil {
		return err
	}
	request, err := json.Marshal(mailboxAppendRequest{ID: message.Nonce, Body: body})
	if err != nil {
		return err
	}

	c.mu.Lock()
	c.own.add(message.Nonce)
	c.mu.Unlock()

	for attempt := 0; ; attempt++ {
		response, err := c.do(ctx, http.MethodPost, "/v1/mailbox/"+name, request)
		if err != nil {
			return err
		}
		response.Body.Close()
		switch {
		case response.StatusCode == http.StatusNotFound && attempt == 0:
			if err := c.create(ctx, name); err != nil {
				return err
			}
			continue
		case response.StatusCode >= 300:
			return fmt.Errorf("appending to mailbox: %s", response.Status)
		}
		c.stats.sent.Add(1)
		return nil
	}
}

// do issues one request. Transport failures are reported as
// ErrUnavailable so callers can fail over.
func (c *MailboxChannel) do(ctx context.Context, method, path string, body []byte) (*http.Response, error) {
	ctx, cancel := context.WithTimeout(ctx, c.options.Timeout)
	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}
	request, err := http.NewRequestWithContext(ctx, method, c.options.URL+path, reader)
	if err != nil {
		cancel()
		return nil, err
	}
	if body != nil {
		request.Header.Set("Content-Type", "application/json")
	}
	response, err := c.options.HTTPClient.Do(request)
	if err != nil {
		cancel()
		return nil, fmt.Errorf("mailbox %s %s: %w: %w", method, c.options.URL, ErrUnavailable, err)
	}
	response.Body = &cancelOnClose{ReadCloser: response.Body, cancel: cancel}
	return response, nil
}

// cancelOnClose releases a request's timeout context once its body
// has been consumed.
type cancelOnClose struct {
	io.ReadCloser
	cancel context.CancelFunc
}

func (c *cancelOnClose) Close() error {
	err := c.ReadCloser.Close()
	c.cancel()
	return err
}

func (c *MailboxChannel) SetHandler(handler Handler) { c.dispatcher.setHandler(handler) }

func (c *MailboxChannel) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	c.mu.Unlock()

	c.cancel()
	c.wg.Wait()
	c.dispatcher.close()
	return nil
}
