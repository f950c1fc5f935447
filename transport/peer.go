// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package transport

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/bureau-foundation/syncshell/lib/clock"
)

// State is a PeerConnection's negotiation state.
type State int32

const (
	StateCreated State = iota
	StateNegotiating
	StateCandidateExchange
	StateDataReady
	StateConnected
	StateFailed
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateCreated:
		return "created"
	case StateNegotiating:
		return "negotiating"
	case StateCandidateExchange:
		return "candidate-exchange"
	case StateDataReady:
		return "data-ready"
	case StateConnected:
		return "connected"
	case StateFailed:
		return "failed"
	case StateClosed:
		return "closed"
	default:
		return fmt.Sprintf("State(%d)", int32(s))
	}
}

// Terminal reports whether no further transitions are possible.
func (s State) Terminal() bool { return s == StateFailed || s == StateClosed }

// DefaultLabel is the data channel label.
const DefaultLabel = "syncshell"

// Limits are a connection's timing and buffering parameters.
type Limits struct {
	// CandidateQueue bounds remote candidates held before the remote
	// description is applied.
	CandidateQueue int

	// DrainDelay separates successive applications of queued candidates.
	DrainDelay time.Duration

	// NegotiationTimeout bounds creation to Connected.
	NegotiationTimeout time.Duration

	// SendWait bounds how long Send waits for backpressure to clear.
	SendWait time.Duration

	// HighWatermark is the buffered amount at which backpressure
	// starts; LowWatermark is where it ends.
	HighWatermark uint64
	LowWatermark  uint64
}

// DefaultLimits returns the recommended limits.
func DefaultLimits() Limits {
	return Limits{
		CandidateQueue:     DefaultCandidateQueueLimit,
		DrainDelay:         25 * time.Millisecond,
		NegotiationTimeout: 45 * time.Second,
		SendWait:           3 * time.Second,
		HighWatermark:      1 << 20,
		LowWatermark:       256 << 10,
	}
}

// PeerHooks are called on a dedicated goroutine per connection, one at
// a time, in event order. Nil hooks are skipped. After Close no
// further hooks run, including ones already queued.
type PeerHooks struct {
	// LocalCandidate forwards a gathered candidate to the remote peer.
	LocalCandidate func(candidate Candidate)

	// Connected runs once when the connection becomes usable.
	Connected func()

	// Disconnected runs once when the connection fails.
	Disconnected func(reason error)

	// MessageReceived delivers inbound data. Data that arrives before
	// Connected is held and delivered right after it.
	MessageReceived func(data []byte)
}

// PeerOptions configure a PeerConnection.
type PeerOptions struct {
	Peer    string
	Role    Role
	Label   string
	Backend BackendFactory
	Clock   clock.Clock
	Logger  *slog.Logger
	Hooks   PeerHooks
	Limits  Limits
}

// PeerStats are cumulative counters for one connection.
type PeerStats struct {
	CandidatesApplied    uint64
	CandidatesFailed     uint64
	CandidatesDropped    uint64
	CandidatesDuplicate  uint64
	MessagesSent         uint64
	MessagesReceived     uint64
	BackpressureWaits    uint64
	BackpressureTimeouts uint64
}

// PeerInfo is a point-in-time view of a connection.
type PeerInfo struct {
	Peer               string
	Role               Role
	State              State
	LocalDescription   string
	RemoteDescription  string
	QueuedCandidates   int
	ChannelOpen        bool
	TransportConnected bool
	Backpressured      bool
	LastActivity       time.Time
	Reason             error
}

// PeerConnection owns the negotiation lifecycle for one remote peer.
// See the package documentation for the state machine.
type PeerConnection struct {
	peer   string
	role   Role
	label  string
	clock  clock.Clock
	logger *slog.Logger
	hooks  PeerHooks
	limits Limits

	backend Backend

	events    *mailbox[any]
	callbacks *mailbox[func()]
	done      chan struct{}
	ready     chan struct{}

	state        atomic.Int32
	lastActivity atomic.Int64
	flow         flowControl
	stats        peerCounters

	infoMu sync.Mutex
	info   PeerInfo

	// Owned by the actor goroutine.
	queue          *CandidateQueue
	applied        map[string]struct{}
	remoteApplied  bool
	answerApplied  bool
	localSDP       string
	remoteSDP      string
	transportUp    bool
	channelUp      bool
	draining       bool
	drainTimer     *clock.Timer
	negotiateTimer *clock.Timer
	early          [][]byte
	reason         error
	stopped        bool
}

type peerCounters struct {
	candidatesApplied    atomic.Uint64
	candidatesFailed     atomic.Uint64
	candidatesDropped    atomic.Uint64
	candidatesDuplicate  atomic.Uint64
	messagesSent         atomic.Uint64
	messagesReceived     atomic.Uint64
	backpressureWaits    atomic.Uint64
	backpressureTimeouts atomic.Uint64
}

// Events handled by the actor.
type (
	createOfferRequest  struct{ reply chan sdpReply }
	createAnswerRequest struct {
		offer string
		reply chan sdpReply
	}
	setAnswerRequest struct {
		answer string
		reply  chan error
	}
	closeRequest         struct{}
	remoteCandidateEvent struct{ candidate Candidate }
	drainEvent           struct{}
	negotiationTimeout   struct{}
	localCandidateEvent  struct{ candidate Candidate }
	transportStateEvent  struct{ state TransportState }
	channelOpenedEvent   struct{}
	channelClosedEvent   struct{}
	messageEvent         struct{ data []byte }
	bufferedLowEvent     struct{}
)

type sdpReply struct {
	sdp string
	err error
}

// NewPeerConnection builds the backend and starts the connection's
// actor. The negotiation timeout starts now.
func NewPeerConnection(options PeerOptions) (*PeerConnection, error) {
	if options.Clock == nil {
		options.Clock = clock.Real()
	}
	if options.Logger == nil {
		options.Logger = slog.Default()
	}
	if options.Label == "" {
		options.Label = DefaultLabel
	}
	if options.Limits == (Limits{}) {
		options.Limits = DefaultLimits()
	}

	pc := &PeerConnection{
		peer:      options.Peer,
		role:      options.Role,
		label:     options.Label,
		clock:     options.Clock,
		logger:    options.Logger.With("peer", options.Peer, "role", options.Role.String()),
		hooks:     options.Hooks,
		limits:    options.Limits,
		events:    newMailbox[any](),
		callbacks: newMailbox[func()](),
		done:      make(chan struct{}),
		ready:     make(chan struct{}),
		queue:     NewCandidateQueue(options.Limits.CandidateQueue),
		applied:   make(map[string]struct{}),
	}
	pc.lastActivity.Store(pc.clock.Now().UnixNano())

	backend, err := options.Backend.NewBackend(options.Peer, options.Role, backendSink{pc})
	if err != nil {
		return nil, err
	}
	pc.backend = backend
	backend.SetBufferedAmountLowThreshold(pc.limits.LowWatermark)

	pc.publishInfo()
	go pc.run()
	go pc.notify()

	pc.negotiateTimer = pc.clock.AfterFunc(pc.limits.NegotiationTimeout, func() {
		pc.events.push(negotiationTimeout{})
	})
	return pc, nil
}

// Peer returns the remote peer id.
func (pc *PeerConnection) Peer() string {
	pc.infoMu.Lock()
	defer pc.infoMu.Unlock()
	return pc.peer
}

// rename replaces the peer id once an invite's answerer is known.
func (pc *PeerConnection) rename(peer string) {
	pc.infoMu.Lock()
	defer pc.infoMu.Unlock()
	pc.peer = peer
	pc.info.Peer = peer
}

// Role returns the local side's role.
func (pc *PeerConnection) Role() Role { return pc.role }

// State returns the current state.
func (pc *PeerConnection) State() State { return State(pc.state.Load()) }

// Ready is closed when the connection reaches Connected.
func (pc *PeerConnection) Ready() <-chan struct{} { return pc.ready }

// Done is closed when the connection has failed or been closed and
// its actor has stopped.
func (pc *PeerConnection) Done() <-chan struct{} { return pc.done }

// Backpressured reports whether sends are currently waiting for the
// outbound buffer to drain.
func (pc *PeerConnection) Backpressured() bool { return pc.flow.active() }

// LastActivity is the time of the last message sent or received.
func (pc *PeerConnection) LastActivity() time.Time {
	return time.Unix(0, pc.lastActivity.Load())
}

// Info returns a snapshot of the connection.
func (pc *PeerConnection) Info() PeerInfo {
	pc.infoMu.Lock()
	info := pc.info
	pc.infoMu.Unlock()
	info.State = pc.State()
	info.Backpressured = pc.Backpressured()
	info.LastActivity = pc.LastActivity()
	return info
}

// Stats returns the connection's counters.
func (pc *PeerConnection) Stats() PeerStats {
	return PeerStats{
		CandidatesApplied:    pc.stats.candidatesApplied.Load(),
		CandidatesFailed:     pc.stats.candidatesFailed.Load(),
		CandidatesDropped:    pc.stats.candidatesDropped.Load(),
		CandidatesDuplicate:  pc.stats.candidatesDuplicate.Load(),
		MessagesSent:         pc.stats.messagesSent.Load(),
		MessagesReceived:     pc.stats.messagesReceived.Load(),
		BackpressureWaits:    pc.stats.backpressureWaits.Load(),
		BackpressureTimeouts: pc.stats.backpressureTimeouts.Load(),
	}
}

// CreateOffer creates the data channel and the local offer. Calling it
// again after success returns the same offer.
func (pc *PeerConnection) CreateOffer(ctx context.Context) (string, error) {
	reply := make(chan sdpReply, 1)
	if !pc.events.push(createOfferRequest{reply: reply}) {
		return "", ErrClosed
	}
	return pc.awaitSDP(ctx, reply)
}

// CreateAnswer applies the remote offer and creates the local answer.
// Calling it again with the same offer returns the same answer.
func (pc *PeerConnection) CreateAnswer(ctx context.Context, offer string) (string, error) {
	reply := make(chan sdpReply, 1)
	if !pc.events.push(createAnswerRequest{offer: offer, reply: reply}) {
		return "", ErrClosed
	}
	return pc.awaitSDP(ctx, reply)
}

// SetRemoteAnswer applies the remote answer. Only the first answer is
// applied; later ones return ErrDuplicateAnswer.
func (pc *PeerConnection) SetRemoteAnswer(ctx context.Context, answer string) error {
	reply := make(chan error, 1)
	if !pc.events.push(setAnswerRequest{answer: answer, reply: reply}) {
		return ErrClosed
	}
	select {
	case err := <-reply:
		return err
	case <-ctx.Done():
		return ctx.Err()
	case <-pc.done:
		select {
		case err := <-reply:
			return err
		default:
			return ErrClosed
		}
	}
}

func (pc *PeerConnection) awaitSDP(ctx context.Context, reply <-chan sdpReply) (string, error) {
	select {
	case result := <-reply:
		return result.sdp, result.err
	case <-ctx.Done():
		return "", ctx.Err()
	case <-pc.done:
		select {
		case result := <-reply:
			return result.sdp, result.err
		default:
			return "", ErrClosed
		}
	}
}

// AddRemoteCandidate hands a remote candidate to the connection. It is
// queued until the remote description is applied.
func (pc *PeerConnection) AddRemoteCandidate(candidate Candidate) {
	pc.events.push(remoteCandidateEvent{candidate: candidate})
}

// Send writes data to the data channel, waiting out backpressure for
// at most Limits.SendWait.
func (pc *PeerConnection) Send(ctx context.Context, data []byte) error {
	for {
		switch pc.State() {
		case StateConnected:
		case StateFailed, StateClosed:
			return ErrClosed
		default:
			return ErrNotConnected
		}

		writable := pc.flow.wait()
		if writable == nil {
			break
		}
		pc.stats.backpressureWaits.Add(1)
		timeout := pc.clock.After(pc.limits.SendWait)
		select {
		case <-writable:
			continue
		case <-timeout:
			pc.stats.backpressureTimeouts.Add(1)
			return ErrBackpressure
		case <-ctx.Done():
			return ctx.Err()
		case <-pc.done:
			return ErrClosed
		}
	}

	if err := pc.backend.Send(data); err != nil {
		return fmt.Errorf("sending to %s: %w", pc.Peer(), err)
	}
	pc.stats.messagesSent.Add(1)
	pc.lastActivity.Store(pc.clock.Now().UnixNano())

	if pc.backend.BufferedAmount() >= pc.limits.HighWatermark {
		pc.flow.block()
		// The low event may have fired between Send and block.
		if pc.backend.BufferedAmount() < pc.limits.LowWatermark {
			pc.flow.release()
		}
	}
	return nil
}

// Close tears the connection down without running any further hooks
// and waits for the actor to stop.
func (pc *PeerConnection) Close() error {
	pc.events.push(closeRequest{})
	<-pc.done
	return nil
}

func (pc *PeerConnection) run() {
	defer close(pc.done)
	for {
		<-pc.events.wait()
		items, _ := pc.events.take()
		for _, item := range items {
			pc.handle(item)
			if pc.stopped {
				break
			}
		}
		pc.publishInfo()
		if pc.stopped {
			return
		}
	}
}

func (pc *PeerConnection) notify() {
	for {
		<-pc.callbacks.wait()
		items, closed := pc.callbacks.take()
		for _, callback := range items {
			callback()
		}
		if closed {
			return
		}
	}
}

// handle is the transition function. It runs only on the actor.
func (pc *PeerConnection) handle(item any) {
	switch event := item.(type) {
	case createOfferRequest:
		sdp, err := pc.createOffer()
		event.reply <- sdpReply{sdp: sdp, err: err}

	case createAnswerRequest:
		sdp, err := pc.createAnswer(event.offer)
		event.reply <- sdpReply{sdp: sdp, err: err}

	case setAnswerRequest:
		event.reply <- pc.setAnswer(event.answer)

	case closeRequest:
		if !pc.State().Terminal() {
			pc.logger.Debug("peer connection closed", "state", pc.State().String())
			pc.setState(StateClosed)
		}
		pc.shutdown(true)

	case remoteCandidateEvent:
		pc.remoteCandidate(event.candidate)

	case drainEvent:
		pc.draining = false
		if candidate, ok := pc.queue.Pop(); ok {
			pc.apply(candidate)
		}
		if pc.queue.Len() > 0 {
			pc.scheduleDrain()
		}

	case negotiationTimeout:
		if pc.State() != StateConnected && !pc.State().Terminal() {
			pc.fail(ErrNegotiationTimeout)
		}

	case localCandidateEvent:
		if pc.hooks.LocalCandidate != nil {
			candidate := event.candidate
			pc.callbacks.push(func() { pc.hooks.LocalCandidate(candidate) })
		}

	case transportStateEvent:
		pc.transportState(event.state)

	case channelOpenedEvent:
		pc.channelUp = true
		pc.evaluateReadiness()

	case channelClosedEvent:
		pc.channelUp = false
		if !pc.State().Terminal() {
			pc.fail(ErrChannelClosed)
		}

	case messageEvent:
		pc.stats.messagesReceived.Add(1)
		pc.lastActivity.Store(pc.clock.Now().UnixNano())
		if pc.State() != StateConnected {
			pc.early = append(pc.early, event.data)
			return
		}
		pc.deliver(event.data)

	case bufferedLowEvent:
		pc.flow.release()
	}
}

func (pc *PeerConnection) createOffer() (string, error) {
	if pc.role != RoleOfferer {
		return "", ErrWrongRole
	}
	switch state := pc.State(); {
	case state.Terminal():
		return "", ErrClosed
	case state != StateCreated:
		return pc.localSDP, nil
	}

	// The offerer opens the channel before describing the session so
	// the offer carries the data section.
	if err := pc.backend.CreateDataChannel(pc.label); err != nil {
		pc.fail(err)
		return "", err
	}
	sdp, err := pc.backend.CreateOffer()
	if err != nil {
		pc.fail(err)
		return "", err
	}
	if err := pc.backend.SetLocalDescription(Description{Type: SDPOffer, SDP: sdp}); err != nil {
		pc.fail(err)
		return "", err
	}
	pc.localSDP = sdp
	pc.setState(StateNegotiating)
	pc.logger.Debug("local offer created")
	return sdp, nil
}

func (pc *PeerConnection) createAnswer(offer string) (string, error) {
	if pc.role != RoleAnswerer {
		return "", ErrWrongRole
	}
	switch state := pc.State(); {
	case state.Terminal():
		return "", ErrClosed
	case state != StateCreated && offer == pc.remoteSDP:
		return pc.localSDP, nil
	case state != StateCreated:
		return "", fmt.Errorf("%w: already answered a different offer", ErrWrongState)
	}

	if err := pc.backend.SetRemoteDescription(Description{Type: SDPOffer, SDP: offer}); err != nil {
		pc.fail(err)
		return "", err
	}
	pc.remoteSDP = offer
	pc.remoteApplied = true
	pc.setState(StateNegotiating)

	sdp, err := pc.backend.CreateAnswer()
	if err != nil {
		pc.fail(err)
		return "", err
	}
	if err := pc.backend.SetLocalDescription(Description{Type: SDPAnswer, SDP: sdp}); err != nil {
		pc.fail(err)
		return "", err
	}
	pc.localSDP = sdp
	pc.setState(StateCandidateExchange)
	pc.logger.Debug("local answer created", "queued_candidates", pc.queue.Len())
	pc.startDrain()
	pc.evaluateReadiness()
	return sdp, nil
}

func (pc *PeerConnection) setAnswer(answer string) error {
	if pc.role != RoleOfferer {
		return ErrWrongRole
	}
	if pc.answerApplied {
		return ErrDuplicateAnswer
	}
	switch state := pc.State(); {
	case state.Terminal():
		return ErrClosed
	case state != StateNegotiating:
		return fmt.Errorf("%w: answer in state %s", ErrWrongState, state)
	}

	if err := pc.backend.SetRemoteDescription(Description{Type: SDPAnswer, SDP: answer}); err != nil {
		pc.fail(err)
		return err
	}
	pc.remoteSDP = answer
	pc.remoteApplied = true
	pc.answerApplied = true
	pc.setState(StateCandidateExchange)
	pc.logger.Debug("remote answer applied", "queued_candidates", pc.queue.Len())
	pc.startDrain()
	pc.evaluateReadiness()
	return nil
}

func (pc *PeerConnection) remoteCandidate(candidate Candidate) {
	if pc.State().Terminal() || candidate.EndOfCandidates() {
		return
	}
	// Candidates keep queueing behind a running drain so pacing and
	// order hold.
	if !pc.remoteApplied || pc.draining || pc.queue.Len() > 0 {
		if pc.queue.Push(candidate) {
			pc.stats.candidatesDropped.Add(1)
			pc.logger.Debug("candidate queue full, dropped oldest", "limit", pc.limits.CandidateQueue)
		}
		if pc.remoteApplied && !pc.draining {
			pc.scheduleDrain()
		}
		return
	}
	pc.apply(candidate)
}

func (pc *PeerConnection) startDrain() {
	if pc.queue.Len() > 0 && !pc.draining {
		pc.scheduleDrain()
	}
}

func (pc *PeerConnection) scheduleDrain() {
	pc.draining = true
	pc.drainTimer = pc.clock.AfterFunc(pc.limits.DrainDelay, func() {
		pc.events.push(drainEvent{})
	})
}

// apply hands candidate to the backend at most once. Failures are
// counted, never fatal.
func (pc *PeerConnection) apply(candidate Candidate) {
	key := candidateKey(candidate)
	if _, seen := pc.applied[key]; seen {
		pc.stats.candidatesDuplicate.Add(1)
		return
	}
	pc.applied[key] = struct{}{}

	if err := pc.backend.AddCandidate(candidate); err != nil {
		pc.stats.candidatesFailed.Add(1)
		pc.logger.Warn("applying remote candidate failed", "candidate", candidate.Candidate, "error", err)
		return
	}
	pc.stats.candidatesApplied.Add(1)
}

func (pc *PeerConnection) transportState(state TransportState) {
	switch state {
	case TransportConnected:
		pc.transportUp = true
		pc.evaluateReadiness()
	case TransportDisconnected, TransportFailed, TransportClosed:
		pc.transportUp = false
		if !pc.State().Terminal() {
			pc.fail(fmt.Errorf("%w: transport %s", ErrTransportFailed, state))
		}
	}
}

// evaluateReadiness moves to Connected once both the transport and the
// channel are up, or to DataReady while only the channel is.
func (pc *PeerConnection) evaluateReadiness() {
	state := pc.State()
	if state.Terminal() || state == StateConnected || !pc.remoteApplied {
		return
	}
	if pc.channelUp && pc.transportUp {
		pc.setState(StateConnected)
		if pc.negotiateTimer != nil {
			pc.negotiateTimer.Stop()
		}
		close(pc.ready)
		pc.logger.Info("peer connected")
		if pc.hooks.Connected != nil {
			pc.callbacks.push(pc.hooks.Connected)
		}
		for _, data := range pc.early {
			pc.deliver(data)
		}
		pc.early = nil
		return
	}
	if pc.channelUp && state != StateDataReady {
		pc.setState(StateDataReady)
		pc.logger.Debug("data channel open, waiting for transport confirmation")
	}
}

func (pc *PeerConnection) deliver(data []byte) {
	if pc.hooks.MessageReceived != nil {
		pc.callbacks.push(func() { pc.hooks.MessageReceived(data) })
	}
}

func (pc *PeerConnection) fail(reason error) {
	pc.reason = reason
	pc.logger.Warn("peer connection failed", "state", pc.State().String(), "error", reason)
	pc.setState(StateFailed)
	if pc.hooks.Disconnected != nil {
		pc.callbacks.push(func() { pc.hooks.Disconnected(reason) })
	}
	pc.shutdown(false)
}

// shutdown releases everything the connection owns. Queued events are
// dropped; queued hooks run only when discardHooks is false.
func (pc *PeerConnection) shutdown(discardHooks bool) {
	if pc.stopped {
		return
	}
	pc.stopped = true
	if pc.negotiateTimer != nil {
		pc.negotiateTimer.Stop()
	}
	if pc.drainTimer != nil {
		pc.drainTimer.Stop()
	}
	pc.events.close(true)
	pc.callbacks.close(discardHooks)
	if err := pc.backend.Close(); err != nil {
		pc.logger.Debug("closing backend", "error", err)
	}
	pc.flow.release()
}

func (pc *PeerConnection) setState(state State) {
	pc.state.Store(int32(state))
}

func (pc *PeerConnection) publishInfo() {
	pc.infoMu.Lock()
	defer pc.infoMu.Unlock()
	pc.info = PeerInfo{
		Peer:               pc.peer,
		Role:               pc.role,
		LocalDescription:   pc.localSDP,
		RemoteDescription:  pc.remoteSDP,
		QueuedCandidates:   pc.queue.Len(),
		ChannelOpen:        pc.channelUp,
		TransportConnected: pc.transportUp,
		Reason:             pc.reason,
	}
}

// backendSink turns backend callbacks into actor events.
type backendSink struct{ pc *PeerConnection }

func (s backendSink) LocalCandidate(candidate Candidate) {
	s.pc.events.push(localCandidateEvent{candidate: candidate})
}

func (s backendSink) TransportStateChanged(state TransportState) {
	s.pc.events.push(transportStateEvent{state: state})
}

func (s backendSink) ChannelOpened() { s.pc.events.push(channelOpenedEvent{}) }

func (s backendSink) ChannelClosed() { s.pc.events.push(channelClosedEvent{}) }

func (s backendSink) MessageReceived(data []byte) {
	s.pc.events.push(messageEvent{data: data})
}

func (s backendSink) BufferedAmountLow() { s.pc.events.push(bufferedLowEvent{}) }

// flowControl is the backpressure flag and its writable signal.
type flowControl struct {
	mu      sync.Mutex
	blocked chan struct{}
}

func (f *flowControl) block() {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.blocked == nil {
		f.blocked = make(chan struct{})
	}
}

func (f *flowControl) release() {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.blocked != nil {
		close(f.blocked)
		f.blocked = nil
	}
}

// wait returns the writable signal, or nil when not backpressured.
func (f *flowControl) wait() <-chan struct{} {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.blocked
}

func (f *flowControl) active() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.blocked != nil
}
