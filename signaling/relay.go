// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package signaling

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"golang.org/x/sync/errgroup"

	"github.com/bureau-foundation/syncshell/identity"
	"github.com/bureau-foundation/syncshell/lib/clock"
	"github.com/bureau-foundation/syncshell/lib/codec"
	"github.com/bureau-foundation/syncshell/lib/netutil"
)

const (
	// DefaultRelayTimeout bounds connecting and publishing to one relay.
	DefaultRelayTimeout = 2 * time.Second

	// DefaultEventExpiry is how long relays keep and replay an event.
	DefaultEventExpiry = 2 * time.Minute

	seenCapacity = 4096
	selfCapacity = 2048

	relayMinBackoff = time.Second
	relayMaxBackoff = 30 * time.Second
)

// RelayOptions configure a RelayChannel.
type RelayOptions struct {
	// Relays are websocket URLs (ws:// or wss://).
	Relays []string

	// Identity signs every published event. Receivers take the
	// sender's peer id from the signing key.
	Identity *identity.Identity

	// MeshID and Secret scope topics and content keys to one mesh.
	MeshID string
	Secret []byte

	Timeout time.Duration
	Expiry  time.Duration
	Clock   clock.Clock
	Logger  *slog.Logger
	Dialer  *websocket.Dialer
}

// RelayStats are cumulative counters for a RelayChannel.
type RelayStats struct {
	Published       uint64
	PublishFailures uint64
	RelayRejections uint64
	Received        uint64
	Duplicates      uint64
	SelfEchoes      uint64
	Expired         uint64
	Invalid         uint64
	Reconnects      uint64
}

// RelayChannel publishes signaling to a set of independent relays and
// subscribes to the topics of joined sessions. It needs at least one
// relay reachable; each relay connection is maintained in the
// background and resubscribed after reconnecting.
type RelayChannel struct {
	options      RelayOptions
	keys         meshKeys
	dispatcher   *dispatcher
	subscription string

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu      sync.Mutex
	relays  []*relayConn
	topics  map[string]string
	seen    *boundedSet
	self    *boundedSet
	started bool
	closed  bool

	stats relayCounters
}

var _ Channel = (*RelayChannel)(nil)

type relayCounters struct {
	published       atomic.Uint64
	publishFailures atomic.Uint64
	relayRejections atomic.Uint64
	received        atomic.Uint64
	duplicates      atomic.Uint64
	selfEchoes      atomic.Uint64
	expired         atomic.Uint64
	invalid         atomic.Uint64
	reconnects      atomic.Uint64
}

// relayConn is one relay's connection. The connection is replaced on
// reconnect; writes are serialized.
type relayConn struct {
	url string

	writeMu sync.Mutex

	mu      sync.Mutex
	conn    *websocket.Conn
	pending map[string]chan publishResult
}

type publishResult struct {
	accepted bool
	message  string
}

// NewRelayChannel returns a RelayChannel. Nothing is dialed until
// Start.
func NewRelayChannel(options RelayOptions) (*RelayChannel, error) {
	if options.Identity == nil {
		return nil, errors.New("relay channel: identity is required")
	}
	if options.Timeout <= 0 {
		options.Timeout = DefaultRelayTimeout
	}
	if options.Expiry <= 0 {
		options.Expiry = DefaultEventExpiry
	}
	if options.Clock == nil {
		options.Clock = clock.Real()
	}
	if options.Logger == nil {
		options.Logger = slog.Default()
	}
	if options.Dialer == nil {
		options.Dialer = websocket.DefaultDialer
	}
	keys, err := deriveMeshKeys(options.MeshID, options.Secret)
	if err != nil {
		return nil, err
	}

	ctx, cancel := context.WithCancel(context.Background())
	channel := &RelayChannel{
		options:      options,
		keys:         keys,
		dispatcher:   newDispatcher(),
		subscription: uuid.NewString(),
		ctx:          ctx,
		cancel:       cancel,
		topics:       make(map[string]string),
		seen:         newBoundedSet(seenCapacity),
		self:         newBoundedSet(selfCapacity),
	}
	for _, url := range options.Relays {
		channel.relays = append(channel.relays, &relayConn{url: url, pending: make(map[string]chan publishResult)})
	}
	return channel, nil
}

func (c *RelayChannel) Name() string { return "relay" }

// Stats returns the channel's counters.
func (c *RelayChannel) Stats() RelayStats {
	return RelayStats{
		Published:       c.stats.published.Load(),
		PublishFailures: c.stats.publishFailures.Load(),
		RelayRejections: c.stats.relayRejections.Load(),
		Received:        c.stats.received.Load(),
		Duplicates:      c.stats.duplicates.Load(),
		SelfEchoes:      c.stats.selfEchoes.Load(),
		Expired:         c.stats.expired.Load(),
		Invalid:         c.stats.invalid.Load(),
		Reconnects:      c.stats.reconnects.Load(),
	}
}

// Connected returns the URLs of relays with a live connection.
func (c *RelayChannel) Connected() []string {
	var urls []string
	for _, relay := range c.relays {
		if relay.current() != nil {
			urls = append(urls, relay.url)
		}
	}
	sort.Strings(urls)
	return urls
}

// Start dials every relay concurrently, each bounded by the relay
// timeout. It fails with ErrUnavailable when none answers; otherwise
// unreachable relays keep being retried in the background.
func (c *RelayChannel) Start(ctx context.Context) error {
	c.mu.Lock()
	switch {
	case c.closed:
		c.mu.Unlock()
		return ErrClosed
	case c.started:
		c.mu.Unlock()
		return nil
	}
	c.mu.Unlock()

	if len(c.relays) == 0 {
		return fmt.Errorf("relay channel: no relays configured: %w", ErrUnavailable)
	}

	var connected atomic.Int32
	var group errgroup.Group
	for _, relay := range c.relays {
		group.Go(func() error {
			conn, err := c.dial(ctx, relay.url)
			if err != nil {
				c.options.Logger.Warn("relay unreachable", "relay", relay.url, "error", err)
				return nil
			}
			relay.setConn(conn)
			connected.Add(1)
			return nil
		})
	}
	group.Wait()

	if connected.Load() == 0 {
		return fmt.Errorf("relay channel: none of %d relays reachable: %w", len(c.relays), ErrUnavailable)
	}

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		for _, relay := range c.relays {
			relay.closeConn()
		}
		return ErrClosed
	}
	c.started = true
	c.mu.Unlock()

	c.options.Logger.Info("relay channel started", "connected", connected.Load(), "relays", len(c.relays))
	for _, relay := range c.relays {
		c.wg.Add(1)
		go c.maintain(relay)
	}
	return nil
}

func (c *RelayChannel) dial(ctx context.Context, url string) (*websocket.Conn, error) {
	ctx, cancel := context.WithTimeout(ctx, c.options.Timeout)
	defer cancel()
	conn, _, err := c.options.Dialer.DialContext(ctx, url, nil)
	if err != nil {
		return nil, fmt.Errorf("dialing %s: %w", url, err)
	}
	return conn, nil
}

// maintain keeps one relay connected until the channel closes.
func (c *RelayChannel) maintain(relay *relayConn) {
	defer c.wg.Done()
	backoff := relayMinBackoff
	for {
		conn := relay.current()
		if conn == nil {
			var err error
			conn, err = c.dial(c.ctx, relay.url)
			if err != nil {
				if c.ctx.Err() != nil {
					return
				}
				c.options.Logger.Debug("relay reconnect failed", "relay", relay.url, "backoff", backoff, "error", err)
				select {
				case <-c.options.Clock.After(backoff):
				case <-c.ctx.Done():
					return
				}
				backoff = min(backoff*2, relayMaxBackoff)
				continue
			}
			relay.setConn(conn)
			c.stats.reconnects.Add(1)
			c.options.Logger.Info("relay reconnected", "relay", relay.url)
		}
		backoff = relayMinBackoff

		if err := c.subscribe(relay); err != nil {
			c.options.Logger.Debug("relay subscribe failed", "relay", relay.url, "error", err)
		}
		err := c.readLoop(relay, conn)
		relay.dropConn(conn)
		if c.ctx.Err() != nil {
			return
		}
		if netutil.IsExpectedCloseError(err) {
			c.options.Logger.Debug("relay connection closed", "relay", relay.url)
		} else {
			c.options.Logger.Warn("relay connection lost", "relay", relay.url, "error", err)
		}
	}
}

func (c *RelayChannel) readLoop(relay *relayConn, conn *websocket.Conn) error {
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			return err
		}
		kind, fields, err := parseFrame(data)
		if err != nil {
			c.options.Logger.Debug("malformed relay frame", "relay", relay.url, "error", err)
			continue
		}
		switch kind {
		case frameEvent:
			var event Event
			if len(fields) < 2 || json.Unmarshal(fields[1], &event) != nil {
				c.stats.invalid.Add(1)
				continue
			}
			c.receive(&event)
		case frameOK:
			var id, message string
			var accepted bool
			if len(fields) < 2 || json.Unmarshal(fields[0], &id) != nil || json.Unmarshal(fields[1], &accepted) != nil {
				continue
			}
			if len(fields) > 2 {
				json.Unmarshal(fields[2], &message)
			}
			relay.resolve(id, publishResult{accepted: accepted, message: message})
		case frameEOSE:
		case frameNotice:
			var notice string
			if len(fields) > 0 {
				json.Unmarshal(fields[0], &notice)
			}
			c.options.Logger.Debug("relay notice", "relay", relay.url, "notice", notice)
		}
	}
}

// receive filters one event and delivers it. Relays echo publishes
// back to their publisher and replay stored events on every
// subscription, so most duplicates are expected.
func (c *RelayChannel) receive(event *Event) {
	c.mu.Lock()
	if c.self.contains(event.ID) {
		c.mu.Unlock()
		c.stats.selfEchoes.Add(1)
		return
	}
	if !c.seen.add(event.ID) {
		c.mu.Unlock()
		c.stats.duplicates.Add(1)
		return
	}
	topic, _ := event.Tag(tagTopic)
	session, joined := c.topics[topic]
	c.mu.Unlock()
	if !joined {
		return
	}

	if event.Expired(c.options.Clock.Now().Unix()) {
		c.stats.expired.Add(1)
		return
	}
	if err := event.Verify(); err != nil {
		c.stats.invalid.Add(1)
		c.options.Logger.Debug("dropping unverifiable relay event", "error", err)
		return
	}
	plaintext, err := c.keys.open(event.Content, topic)
	if err != nil {
		// Another mesh using the same topic would need the same
		// secret; this is tampering or a corrupt relay.
		c.stats.invalid.Add(1)
		c.options.Logger.Debug("dropping relay event with unreadable content", "error", err)
		return
	}
	var message Message
	if err := codec.Unmarshal(plaintext, &message); err != nil {
		c.stats.invalid.Add(1)
		return
	}
	public, _ := hex.DecodeString(event.PubKey)
	if message.From != identity.PeerID(public) || message.Session != session {
		c.stats.invalid.Add(1)
		c.options.Logger.Debug("dropping relay event with mismatched sender or session", "from", message.From)
		return
	}
	c.stats.received.Add(1)
	c.dispatcher.deliver(message)
}

// subscribe sends the subscription for every joined topic, replacing
// the relay's previous one.
func (c *RelayChannel) subscribe(relay *relayConn) error {
	c.mu.Lock()
	topics := make([]string, 0, len(c.topics))
	for topic := range c.topics {
		topics = append(topics, topic)
	}
	c.mu.Unlock()
	sort.Strings(topics)

	var data []byte
	var err error
	if len(topics) == 0 {
		data, err = frame(frameClose, c.subscription)
	} else {
		since := c.options.Clock.Now().Add(-c.options.Expiry).Unix()
		data, err = frame(frameReq, c.subscription, Filter{Topics: topics, Kinds: []int{RelayEventKind}, Since: since})
	}
	if err != nil {
		return err
	}
	return relay.write(data, time.Now().Add(c.options.Timeout))
}

func (c *RelayChannel) Join(ctx context.Context, session string) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return ErrClosed
	}
	topic := c.keys.topicFor(session)
	if _, ok := c.topics[topic]; ok {
		c.mu.Unlock()
		return nil
	}
	c.topics[topic] = session
	c.mu.Unlock()

	c.resubscribe()
	return nil
}

func (c *RelayChannel) Leave(session string) {
	c.mu.Lock()
	delete(c.topics, c.keys.topicFor(session))
	c.mu.Unlock()
	c.resubscribe()
}

func (c *RelayChannel) resubscribe() {
	for _, relay := range c.relays {
		if relay.current() == nil {
			continue
		}
		if err := c.subscribe(relay); err != nil {
			c.options.Logger.Debug("relay subscribe failed", "relay", relay.url, "error", err)
		}
	}
}

func (c *RelayChannel) SendOffer(ctx context.Context, session, to, sdp string) error {
	return c.publish(ctx, Message{Kind: KindOffer, Session: session, To: to, SDP: sdp})
}

func (c *RelayChannel) SendAnswer(ctx context.Context, session, to, sdp string) error {
	return c.publish(ctx, Message{Kind: KindAnswer, Session: session, To: to, SDP: sdp})
}

func (c *RelayChannel) SendCandidate(ctx context.Context, session, to string, candidate Candidate) error {
	return c.publish(ctx, Message{Kind: KindCandidate, Session: session, To: to, Candidate: candidate})
}

// publish sends message to every connected relay concurrently. It
// succeeds if at least one relay accepted the event.
func (c *RelayChannel) publish(ctx context.Context, message Message) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return ErrClosed
	}
	c.mu.Unlock()

	message.From = c.options.Identity.ID()
	message.Nonce = newNonce()
	plaintext, err := codec.Marshal(message)
	if err != nil {
		return fmt.Errorf("encoding signaling message: %w", err)
	}
	topic := c.keys.topicFor(message.Session)
	content, err := c.keys.seal(plaintext, topic)
	if err != nil {
		return err
	}

	now := c.options.Clock.Now()
	event := Event{
		PubKey:    hex.EncodeToString(c.options.Identity.PublicKey()),
		CreatedAt: now.Unix(),
		Kind:      RelayEventKind,
		Tags: [][]string{
			{tagTopic, topic},
			{tagExpiration, strconv.FormatInt(now.Add(c.options.Expiry).Unix(), 10)},
		},
		Content: content,
	}
	if err := signEvent(&event, c.options.Identity.Sign); err != nil {
		return err
	}
	data, err := frame(frameEvent, event)
	if err != nil {
		return fmt.Errorf("encoding event frame: %w", err)
	}

	c.mu.Lock()
	c.self.add(event.ID)
	c.mu.Unlock()

	var accepted atomic.Int32
	var group errgroup.Group
	for _, relay := range c.relays {
		if relay.current() == nil {
			continue
		}
		group.Go(func() error {
			if c.publishTo(ctx, relay, event.ID, data) {
				accepted.Add(1)
			}
			return nil
		})
	}
	group.Wait()

	if accepted.Load() == 0 {
		c.stats.publishFailures.Add(1)
		return fmt.Errorf("publishing %s to %d relays: %w", message.Kind, len(c.relays), ErrUnavailable)
	}
	c.stats.published.Add(1)
	return nil
}

// publishTo writes the event to one relay and waits, bounded by the
// relay timeout, for its acknowledgement.
func (c *RelayChannel) publishTo(ctx context.Context, relay *relayConn, id string, data []byte) bool {
	ctx, cancel := context.WithTimeout(ctx, c.options.Timeout)
	defer cancel()

	result := relay.expect(id)
	defer relay.forget(id)
	if err := relay.write(data, time.Now().Add(c.options.Timeout)); err != nil {
		c.options.Logger.Debug("relay publish failed", "relay", relay.url, "error", err)
		return false
	}
	select {
	case outcome := <-result:
		if !outcome.accepted {
			c.stats.relayRejections.Add(1)
			c.options.Logger.Warn("relay rejected event", "relay", relay.url, "reason", outcome.message)
		}
		return outcome.accepted
	case <-ctx.Done():
		c.options.Logger.Debug("relay publish timed out", "relay", relay.url)
		return false
	}
}

func (c *RelayChannel) SetHandler(handler Handler) { c.dispatcher.setHandler(handler) }

func (c *RelayChannel) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	c.mu.Unlock()

	c.cancel()
	for _, relay := range c.relays {
		relay.closeConn()
	}
	c.wg.Wait()
	c.dispatcher.close()
	return nil
}

func (r *relayConn) current() *websocket.Conn {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.conn
}

func (r *relayConn) setConn(conn *websocket.Conn) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.conn = conn
}

// dropConn closes conn and clears it if it is still current.
func (r *relayConn) dropConn(conn *websocket.Conn) {
	r.mu.Lock()
	if r.conn == conn {
		r.conn = nil
	}
	r.mu.Unlock()
	conn.Close()
}

func (r *relayConn) closeConn() {
	r.mu.Lock()
	conn := r.conn
	r.conn = nil
	r.mu.Unlock()
	if conn != nil {
		conn.Close()
	}
}

func (r *relayConn) write(data []byte, deadline time.Time) error {
	conn := r.current()
	if conn == nil {
		return errors.New("not connected")
	}
	r.writeMu.Lock()
	defer r.writeMu.Unlock()
	conn.SetWriteDeadline(deadline)
	return conn.WriteMessage(websocket.TextMessage, data)
}

func (r *relayConn) expect(id string) <-chan publishResult {
	r.mu.Lock()
	defer r.mu.Unlock()
	result := make(chan publishResult, 1)
	r.pending[id] = result
	return result
}

func (r *relayConn) forget(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.pending, id)
}

func (r *relayConn) resolve(id string, result publishResult) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if pending, ok := r.pending[id]; ok {
		pending <- result
		delete(r.pending, id)
	}
}
