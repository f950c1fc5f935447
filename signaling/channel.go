// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package signaling

import (
	"context"
	"errors"
)

// ErrUnavailable is returned when a channel cannot reach any of its
// backends. Callers treat it as a cue to fail over to another channel;
// a mesh whose every channel reports it cannot start.
var ErrUnavailable = errors.New("signaling channel unavailable")

// ErrClosed is returned by operations on a closed channel.
var ErrClosed = errors.New("signaling channel closed")

// Kind identifies a signaling message.
type Kind string

const (
	KindOffer     Kind = "offer"
	KindAnswer    Kind = "answer"
	KindCandidate Kind = "candidate"
)

// Candidate is an ICE routing hint. An empty Candidate string marks the
// end of the sender's gathering.
type Candidate struct {
	Candidate     string `cbor:"c" json:"candidate"`
	SDPMid        string `cbor:"m,omitempty" json:"sdp_mid,omitempty"`
	SDPMLineIndex uint16 `cbor:"i,omitempty" json:"sdp_mline_index,omitempty"`
}

// EndOfCandidates reports whether c is the end-of-gathering marker.
func (c Candidate) EndOfCandidates() bool { return c.Candidate == "" }

// Message is one signaling message as delivered to a Handler.
type Message struct {
	Kind    Kind   `cbor:"k" json:"kind"`
	Session string `cbor:"s" json:"session"`

	// From is the sender's peer id. To is the addressee, or empty when
	// the sender does not know who will answer (invite codes, group
	// rendezvous).
	From string `cbor:"f" json:"from"`
	To   string `cbor:"t,omitempty" json:"to,omitempty"`

	SDP       string    `cbor:"d,omitempty" json:"sdp,omitempty"`
	Candidate Candidate `cbor:"c,omitempty" json:"candidate,omitempty"`

	// Nonce is unique per message; channels that may redeliver use it
	// to drop duplicates.
	Nonce string `cbor:"n,omitempty" json:"nonce,omitempty"`
}

// Handler receives inbound messages. Nil fields drop that kind.
// Handlers run on the channel's delivery goroutine and must not block
// on further signaling from the same channel.
type Handler struct {
	OfferReceived     func(Message)
	AnswerReceived    func(Message)
	CandidateReceived func(Message)
}

func (h Handler) dispatch(message Message) {
	switch message.Kind {
	case KindOffer:
		if h.OfferReceived != nil {
			h.OfferReceived(message)
		}
	case KindAnswer:
		if h.AnswerReceived != nil {
			h.AnswerReceived(message)
		}
	case KindCandidate:
		if h.CandidateReceived != nil {
			h.CandidateReceived(message)
		}
	}
}

// Channel delivers offers, answers, and candidates between peers
// without a dedicated always-on server. Implementations: [InviteChannel],
// [RelayChannel], [MailboxChannel], [MemoryChannel], and the [Failover]
// composite.
//
// Messages are scoped to a session. A channel delivers only messages of
// sessions it has joined, and never delivers a message it sent itself.
type Channel interface {
	// Name identifies the variant in logs.
	Name() string

	// Start connects to the channel's backends. It returns an error
	// wrapping ErrUnavailable when none can be reached.
	Start(ctx context.Context) error

	// Join subscribes to session. Joining twice is a no-op.
	Join(ctx context.Context, session string) error

	// Leave unsubscribes from session.
	Leave(session string)

	SendOffer(ctx context.Context, session, to, sdp string) error
	SendAnswer(ctx context.Context, session, to, sdp string) error
	SendCandidate(ctx context.Context, session, to string, candidate Candidate) error

	// SetHandler replaces the inbound handler.
	SetHandler(handler Handler)

	Close() error
}
