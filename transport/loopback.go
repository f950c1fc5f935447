// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package transport

import (
	"errors"
	"fmt"
	"strings"
	"sync"
)

const (
	loopbackSDPPrefix       = "loopback "
	loopbackCandidatePrefix = "candidate:loopback "
)

// LoopbackNetwork connects backends in-process. Each backend's session
// description names its endpoint; each gathers exactly one candidate.
// Two endpoints link once each has the other's description and
// candidate, after which data flows synchronously between them.
//
// The network can inject faults: Fail drops a link as a transport
// failure, Stall holds outbound data in the sender's buffer until
// Unstall, and ChannelOpensFirst makes channels report open before the
// transport confirms.
type LoopbackNetwork struct {
	mu        sync.Mutex
	endpoints map[string]*loopbackEndpoint

	// ChannelOpensFirst reports the data channel open before the
	// transport connects. Set before creating backends.
	ChannelOpensFirst bool

	// HoldConnect keeps linked endpoints in the checking state until
	// Confirm is called. Set before creating backends.
	HoldConnect bool
}

// NewLoopbackNetwork returns an empty network.
func NewLoopbackNetwork() *LoopbackNetwork {
	return &LoopbackNetwork{endpoints: make(map[string]*loopbackEndpoint)}
}

// Factory returns a BackendFactory whose backends belong to owner.
// Endpoints are named "owner>peer".
func (n *LoopbackNetwork) Factory(owner string) BackendFactory {
	return BackendFactoryFunc(func(peer string, role Role, events BackendEvents) (Backend, error) {
		return n.newEndpoint(owner+">"+peer, role, events)
	})
}

func (n *LoopbackNetwork) newEndpoint(name string, role Role, events BackendEvents) (*loopbackEndpoint, error) {
	n.mu.Lock()
	defer n.mu.Unlock()

	// A previous endpoint with the same name belongs to a connection
	// that was replaced; the new one takes over the name.
	if previous, ok := n.endpoints[name]; ok && !previous.closed {
		previous.closed = true
	}
	endpoint := &loopbackEndpoint{network: n, name: name, role: role, events: events}
	n.endpoints[name] = endpoint
	return endpoint, nil
}

// Applied returns the remote candidates the endpoint "owner>peer" has
// been asked to apply, in order.
func (n *LoopbackNetwork) Applied(owner, peer string) []Candidate {
	n.mu.Lock()
	defer n.mu.Unlock()
	endpoint, ok := n.endpoints[owner+">"+peer]
	if !ok {
		return nil
	}
	return append([]Candidate(nil), endpoint.applied...)
}

// Fail simulates a transport failure on owner's link to peer: the
// endpoint reports failed and its remote side reports disconnected.
func (n *LoopbackNetwork) Fail(owner, peer string) {
	n.mu.Lock()
	endpoint, ok := n.endpoints[owner+">"+peer]
	if !ok {
		n.mu.Unlock()
		return
	}
	remote := endpoint.remote
	endpoint.remote = nil
	endpoint.linked = false
	if remote != nil {
		remote.remote = nil
		remote.linked = false
	}
	n.mu.Unlock()

	endpoint.events.TransportStateChanged(TransportFailed)
	if remote != nil {
		remote.events.TransportStateChanged(TransportDisconnected)
	}
}

// Confirm delivers the held transport-connected notification to every
// linked endpoint. Only meaningful with HoldConnect.
func (n *LoopbackNetwork) Confirm() {
	n.mu.Lock()
	var confirm []*loopbackEndpoint
	for _, endpoint := range n.endpoints {
		if endpoint.linked && !endpoint.closed && endpoint.held {
			endpoint.held = false
			confirm = append(confirm, endpoint)
		}
	}
	n.mu.Unlock()
	for _, endpoint := range confirm {
		endpoint.events.TransportStateChanged(TransportConnected)
	}
}

// Stall makes owner's endpoint toward peer buffer outbound data.
func (n *LoopbackNetwork) Stall(owner, peer string) {
	n.mu.Lock()
	defer n.mu.Unlock()
	if endpoint, ok := n.endpoints[owner+">"+peer]; ok {
		endpoint.stalled = true
	}
}

// Unstall delivers buffered data and reports the buffer drained.
func (n *LoopbackNetwork) Unstall(owner, peer string) {
	n.mu.Lock()
	endpoint, ok := n.endpoints[owner+">"+peer]
	if !ok {
		n.mu.Unlock()
		return
	}
	endpoint.stalled = false
	pending := endpoint.pending
	endpoint.pending = nil
	endpoint.buffered = 0
	remote := endpoint.remote
	n.mu.Unlock()

	if remote != nil {
		for _, data := range pending {
			remote.events.MessageReceived(data)
		}
	}
	endpoint.events.BufferedAmountLow()
}

type loopbackEndpoint struct {
	network *LoopbackNetwork
	name    string
	role    Role
	events  BackendEvents

	// Guarded by network.mu.
	label           string
	localSet        bool
	remoteName      string
	remoteCandidate bool
	remote          *loopbackEndpoint
	linked          bool
	held            bool
	closed          bool
	applied         []Candidate
	stalled         bool
	pending         [][]byte
	buffered        uint64
	lowThreshold    uint64
}

func (e *loopbackEndpoint) CreateDataChannel(label string) error {
	e.network.mu.Lock()
	defer e.network.mu.Unlock()
	if e.role != RoleOfferer {
		return errors.New("loopback: answerer must not create the data channel")
	}
	e.label = label
	return nil
}

func (e *loopbackEndpoint) CreateOffer() (string, error) {
	e.network.mu.Lock()
	defer e.network.mu.Unlock()
	if e.label == "" {
		return "", errors.New("loopback: offer without a data channel")
	}
	return loopbackSDPPrefix + e.name + " " + e.label, nil
}

func (e *loopbackEndpoint) CreateAnswer() (string, error) {
	e.network.mu.Lock()
	defer e.network.mu.Unlock()
	if e.remoteName == "" {
		return "", errors.New("loopback: answer before remote offer")
	}
	return loopbackSDPPrefix + e.name, nil
}

func (e *loopbackEndpoint) SetLocalDescription(description Description) error {
	e.network.mu.Lock()
	if e.closed {
		e.network.mu.Unlock()
		return ErrClosed
	}
	e.localSet = true
	e.network.mu.Unlock()

	// Gathering completes immediately: one host candidate, then the
	// end marker.
	e.events.LocalCandidate(Candidate{Candidate: loopbackCandidatePrefix + e.name, SDPMid: "0"})
	e.events.LocalCandidate(Candidate{})
	e.tryLink()
	return nil
}

func (e *loopbackEndpoint) SetRemoteDescription(description Description) error {
	fields := strings.Fields(strings.TrimPrefix(description.SDP, loopbackSDPPrefix))
	if !strings.HasPrefix(description.SDP, loopbackSDPPrefix) || len(fields) == 0 {
		return fmt.Errorf("loopback: not a loopback description: %q", description.SDP)
	}

	e.network.mu.Lock()
	if e.closed {
		e.network.mu.Unlock()
		return ErrClosed
	}
	e.remoteName = fields[0]
	if len(fields) > 1 {
		e.label = fields[1]
	}
	e.network.mu.Unlock()

	e.tryLink()
	return nil
}

func (e *loopbackEndpoint) AddCandidate(candidate Candidate) error {
	e.network.mu.Lock()
	e.applied = append(e.applied, candidate)
	if !strings.HasPrefix(candidate.Candidate, loopbackCandidatePrefix) {
		e.network.mu.Unlock()
		return fmt.Errorf("loopback: unroutable candidate %q", candidate.Candidate)
	}
	if strings.TrimPrefix(candidate.Candidate, loopbackCandidatePrefix) != e.remoteName {
		e.network.mu.Unlock()
		return fmt.Errorf("loopback: candidate %q does not belong to %s", candidate.Candidate, e.remoteName)
	}
	e.remoteCandidate = true
	e.network.mu.Unlock()

	e.tryLink()
	return nil
}

// tryLink links e with its remote once both sides have each other's
// description and candidate, then reports the link to both.
func (e *loopbackEndpoint) tryLink() {
	network := e.network
	network.mu.Lock()
	if e.linked || e.closed || !e.ready() {
		network.mu.Unlock()
		return
	}
	remote, ok := network.endpoints[e.remoteName]
	if !ok || remote.closed || remote.linked || !remote.ready() || remote.remoteName != e.name {
		network.mu.Unlock()
		return
	}
	e.linked, remote.linked = true, true
	e.remote, remote.remote = remote, e
	e.held, remote.held = network.HoldConnect, network.HoldConnect
	channelFirst := network.ChannelOpensFirst
	hold := network.HoldConnect
	network.mu.Unlock()

	for _, endpoint := range []*loopbackEndpoint{e, remote} {
		if channelFirst || hold {
			endpoint.events.TransportStateChanged(TransportChecking)
			endpoint.events.ChannelOpened()
			if !hold {
				endpoint.events.TransportStateChanged(TransportConnected)
			}
			continue
		}
		endpoint.events.TransportStateChanged(TransportConnected)
		endpoint.events.ChannelOpened()
	}
}

func (e *loopbackEndpoint) ready() bool {
	return e.localSet && e.remoteName != "" && e.remoteCandidate
}

func (e *loopbackEndpoint) SetBufferedAmountLowThreshold(threshold uint64) {
	e.network.mu.Lock()
	defer e.network.mu.Unlock()
	e.lowThreshold = threshold
}

func (e *loopbackEndpoint) Send(data []byte) error {
	e.network.mu.Lock()
	if !e.linked || e.remote == nil {
		e.network.mu.Unlock()
		return ErrNotConnected
	}
	copied := append([]byte(nil), data...)
	if e.stalled {
		e.pending = append(e.pending, copied)
		e.buffered += uint64(len(copied))
		e.network.mu.Unlock()
		return nil
	}
	remote := e.remote
	e.network.mu.Unlock()

	remote.events.MessageReceived(copied)
	return nil
}

func (e *loopbackEndpoint) BufferedAmount() uint64 {
	e.network.mu.Lock()
	defer e.network.mu.Unlock()
	return e.buffered
}

func (e *loopbackEndpoint) Close() error {
	e.network.mu.Lock()
	if e.closed && !e.linked {
		e.network.mu.Unlock()
		return nil
	}
	e.closed = true
	remote := e.remote
	e.remote = nil
	e.linked = false
	if remote != nil {
		remote.remote = nil
		remote.linked = false
	}
	e.network.mu.Unlock()

	if remote != nil {
		remote.events.ChannelClosed()
		remote.events.TransportStateChanged(TransportDisconnected)
	}
	return nil
}
