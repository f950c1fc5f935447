// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package transport

// Role is a connection's side of the negotiation.
type Role int

const (
	// RoleOfferer creates the data channel and the offer.
	RoleOfferer Role = iota
	// RoleAnswerer receives the offer and the data channel.
	RoleAnswerer
)

func (r Role) String() string {
	switch r {
	case RoleOfferer:
		return "offerer"
	case RoleAnswerer:
		return "answerer"
	default:
		return "unknown"
	}
}

// SDPType distinguishes offer and answer descriptions.
type SDPType int

const (
	SDPOffer SDPType = iota
	SDPAnswer
)

// Description is a session description.
type Description struct {
	Type SDPType
	SDP  string
}

// TransportState is the backend's view of the underlying path.
type TransportState int

const (
	TransportChecking TransportState = iota
	TransportConnected
	TransportDisconnected
	TransportFailed
	TransportClosed
)

func (s TransportState) String() string {
	switch s {
	case TransportChecking:
		return "checking"
	case TransportConnected:
		return "connected"
	case TransportDisconnected:
		return "disconnected"
	case TransportFailed:
		return "failed"
	case TransportClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// Backend is the negotiation engine behind one PeerConnection.
// Negotiation calls come only from the connection's actor goroutine,
// one at a time; Send and BufferedAmount may be called from any
// goroutine. Backends report asynchronous happenings through the BackendEvents
// they were built with; those calls may arrive on any goroutine,
// including synchronously from inside a Backend method.
type Backend interface {
	// CreateDataChannel opens the labelled channel. Only offerers call it.
	CreateDataChannel(label string) error

	CreateOffer() (string, error)
	CreateAnswer() (string, error)
	SetLocalDescription(description Description) error
	SetRemoteDescription(description Description) error

	// AddCandidate applies a remote candidate. Never called with the
	// end-of-candidates marker.
	AddCandidate(candidate Candidate) error

	// SetBufferedAmountLowThreshold sets the level below which the
	// backend reports BufferedAmountLow.
	SetBufferedAmountLowThreshold(threshold uint64)

	// Send queues data on the data channel.
	Send(data []byte) error

	// BufferedAmount is the number of bytes queued but not yet sent.
	BufferedAmount() uint64

	Close() error
}

// BackendEvents receives a backend's asynchronous notifications.
// Implementations must not block.
type BackendEvents interface {
	// LocalCandidate reports a gathered local candidate; the empty
	// candidate marks the end of gathering.
	LocalCandidate(candidate Candidate)
	TransportStateChanged(state TransportState)
	ChannelOpened()
	ChannelClosed()
	MessageReceived(data []byte)
	BufferedAmountLow()
}

// BackendFactory builds a Backend for one peer.
type BackendFactory interface {
	NewBackend(peer string, role Role, events BackendEvents) (Backend, error)
}

// BackendFactoryFunc adapts a function to BackendFactory.
type BackendFactoryFunc func(peer string, role Role, events BackendEvents) (Backend, error)

func (f BackendFactoryFunc) NewBackend(peer string, role Role, events BackendEvents) (Backend, error) {
	return f(peer, role, events)
}
