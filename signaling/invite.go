// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package signaling

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"sync"
	"time"

	"filippo.io/age"
	"github.com/pierrec/lz4/v4"

	"github.com/bureau-foundation/syncshell/lib/clock"
	"github.com/bureau-foundation/syncshell/lib/codec"
)

// Code prefixes. The digit is the payload format version.
const (
	InvitePrefix = "ssi1."
	AnswerPrefix = "ssa1."
)

const (
	codeFormatVersion byte = 1

	codeFlagCompressed byte = 1 << 0
	codeFlagSealed     byte = 1 << 1

	// maxCodePayload bounds a decoded payload. Real ones are a few KiB.
	maxCodePayload = 1 << 20
)

// DefaultCandidateDelay separates raising an accepted code's offer or
// answer from raising its candidates, so the receiving side has built
// its connection by the time they arrive.
const DefaultCandidateDelay = 200 * time.Millisecond

// DefaultGatherTimeout bounds how long Code waits for candidate
// gathering to finish before encoding what it has.
const DefaultGatherTimeout = 5 * time.Second

// DefaultSealWorkFactor is the scrypt cost (log2 N) for sealed codes.
// Codes are opened once, by a person, so a fraction of a second is fine.
const DefaultSealWorkFactor = 15

var (
	// ErrInvalidCode is returned for input that is not an invite or
	// answer code.
	ErrInvalidCode = errors.New("invalid invite code")

	// ErrSealedCode is returned when a sealed code is accepted without
	// the passphrase it was sealed to.
	ErrSealedCode = errors.New("invite code is sealed; a mesh passphrase is required")

	// ErrNoDescription is returned by Code when nothing was sent in the
	// session before the gather timeout.
	ErrNoDescription = errors.New("no offer or answer to encode")
)

// InviteOptions configure an InviteChannel.
type InviteOptions struct {
	// LocalID is stamped as the sender of every code.
	LocalID string

	// Passphrase, when set, seals codes with age so that only holders
	// of the mesh passphrase can read the addresses they carry.
	Passphrase string

	// WorkFactor is the scrypt cost for sealing. Zero uses
	// DefaultSealWorkFactor.
	WorkFactor int

	CandidateDelay time.Duration
	GatherTimeout  time.Duration
	Clock          clock.Clock
	Logger         *slog.Logger
}

// InviteChannel carries signaling in copy-pasteable codes. Whatever
// is sent in a session (one offer or answer plus its candidates) is
// collected into a draft; Code encodes the draft, and the other side
// passes it to Accept, which raises the events a live channel would
// have delivered.
type InviteChannel struct {
	options    InviteOptions
	dispatcher *dispatcher

	mu       sync.Mutex
	drafts   map[string]*inviteDraft
	sessions map[string]struct{}
	timers   []*clock.Timer
	closed   bool
}

var _ Channel = (*InviteChannel)(nil)

type inviteDraft struct {
	kind       Kind
	to         string
	sdp        string
	candidates []Candidate
	complete   bool

	// changed is closed and replaced on every update.
	changed chan struct{}
}

// Payload is the content of an invite or answer code.
type Payload struct {
	Kind       Kind        `cbor:"k"`
	Session    string      `cbor:"s"`
	From       string      `cbor:"f"`
	To         string      `cbor:"t,omitempty"`
	SDP        string      `cbor:"d"`
	Candidates []Candidate `cbor:"c,omitempty"`
}

// Invite describes an accepted code.
type Invite struct {
	Kind       Kind
	Session    string
	From       string
	Candidates int
}

// NewInviteChannel returns an InviteChannel.
func NewInviteChannel(options InviteOptions) *InviteChannel {
	if options.Clock == nil {
		options.Clock = clock.Real()
	}
	if options.Logger == nil {
		options.Logger = slog.Default()
	}
	if options.CandidateDelay <= 0 {
		options.CandidateDelay = DefaultCandidateDelay
	}
	if options.GatherTimeout <= 0 {
		options.GatherTimeout = DefaultGatherTimeout
	}
	if options.WorkFactor <= 0 {
		options.WorkFactor = DefaultSealWorkFactor
	}
	return &InviteChannel{
		options:    options,
		dispatcher: newDispatcher(),
		drafts:     make(map[string]*inviteDraft),
		sessions:   make(map[string]struct{}),
	}
}

func (c *InviteChannel) Name() string { return "invite" }

// Start always succeeds: codes need no backend.
func (c *InviteChannel) Start(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return ErrClosed
	}
	return nil
}

func (c *InviteChannel) Join(ctx context.Context, session string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return ErrClosed
	}
	c.sessions[session] = struct{}{}
	return nil
}

func (c *InviteChannel) Leave(session string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.sessions, session)
	delete(c.drafts, session)
}

func (c *InviteChannel) SendOffer(ctx context.Context, session, to, sdp string) error {
	return c.describe(session, KindOffer, to, sdp)
}

func (c *InviteChannel) SendAnswer(ctx context.Context, session, to, sdp string) error {
	return c.describe(session, KindAnswer, to, sdp)
}

func (c *InviteChannel) describe(session string, kind Kind, to, sdp string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return ErrClosed
	}
	draft := c.draftLocked(session)
	if draft.sdp != "" && draft.sdp != sdp {
		// A new description starts a new draft; old candidates belong
		// to the replaced connection.
		draft.candidates = nil
		draft.complete = false
	}
	draft.kind, draft.to, draft.sdp = kind, to, sdp
	draft.touch()
	return nil
}

func (c *InviteChannel) SendCandidate(ctx context.Context, session, to string, candidate Candidate) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return ErrClosed
	}
	draft := c.draftLocked(session)
	if candidate.EndOfCandidates() {
		draft.complete = true
	} else {
		draft.candidates = append(draft.candidates, candidate)
	}
	draft.touch()
	return nil
}

func (c *InviteChannel) draftLocked(session string) *inviteDraft {
	draft, ok := c.drafts[session]
	if !ok {
		draft = &inviteDraft{changed: make(chan struct{})}
		c.drafts[session] = draft
	}
	return draft
}

func (d *inviteDraft) touch() {
	close(d.changed)
	d.changed = make(chan struct{})
}

// Code returns the code for what has been sent in session. It waits
// until candidate gathering has finished, or for the gather timeout,
// after which it encodes the candidates gathered so far.
func (c *InviteChannel) Code(ctx context.Context, session string) (string, error) {
	timeout := c.options.Clock.After(c.options.GatherTimeout)
	for {
		c.mu.Lock()
		if c.closed {
			c.mu.Unlock()
			return "", ErrClosed
		}
		draft := c.draftLocked(session)
		if draft.sdp != "" && draft.complete {
			payload := draft.payload(session, c.options.LocalID)
			c.mu.Unlock()
			return c.encode(payload)
		}
		changed := draft.changed
		c.mu.Unlock()

		select {
		case <-changed:
		case <-ctx.Done():
			return "", ctx.Err()
		case <-timeout:
			c.mu.Lock()
			draft := c.draftLocked(session)
			if draft.sdp == "" {
				c.mu.Unlock()
				return "", ErrNoDescription
			}
			payload := draft.payload(session, c.options.LocalID)
			c.mu.Unlock()
			c.options.Logger.Warn("candidate gathering did not finish, encoding partial code",
				"session", session, "candidates", len(payload.Candidates))
			return c.encode(payload)
		}
	}
}

func (d *inviteDraft) payload(session, from string) Payload {
	return Payload{
		Kind:       d.kind,
		Session:    session,
		From:       from,
		To:         d.to,
		SDP:        d.sdp,
		Candidates: append([]Candidate(nil), d.candidates...),
	}
}

// Accept decodes a code and raises its offer or answer, then after
// the candidate delay each of its candidates. The code's session is
// joined.
func (c *InviteChannel) Accept(ctx context.Context, code string) (Invite, error) {
	payload, err := DecodeCode(code, c.options.Passphrase)
	if err != nil {
		return Invite{}, err
	}

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return Invite{}, ErrClosed
	}
	c.sessions[payload.Session] = struct{}{}
	c.mu.Unlock()

	c.dispatcher.deliver(Message{
		Kind:    payload.Kind,
		Session: payload.Session,
		From:    payload.From,
		To:      payload.To,
		SDP:     payload.SDP,
		Nonce:   newNonce(),
	})

	candidates := payload.Candidates
	if len(candidates) > 0 {
		timer := c.options.Clock.AfterFunc(c.options.CandidateDelay, func() {
			for _, candidate := range candidates {
				c.dispatcher.deliver(Message{
					Kind:      KindCandidate,
					Session:   payload.Session,
					From:      payload.From,
					To:        payload.To,
					Candidate: candidate,
					Nonce:     newNonce(),
				})
			}
		})
		c.mu.Lock()
		c.timers = append(c.timers, timer)
		c.mu.Unlock()
	}

	c.options.Logger.Debug("code accepted", "kind", string(payload.Kind), "session", payload.Session,
		"from", payload.From, "candidates", len(candidates))
	return Invite{Kind: payload.Kind, Session: payload.Session, From: payload.From, Candidates: len(candidates)}, nil
}

func (c *InviteChannel) SetHandler(handler Handler) { c.dispatcher.setHandler(handler) }

func (c *InviteChannel) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	timers := c.timers
	c.timers = nil
	for _, draft := range c.drafts {
		draft.touch()
	}
	c.mu.Unlock()

	for _, timer := range timers {
		timer.Stop()
	}
	c.dispatcher.close()
	return nil
}

func (c *InviteChannel) encode(payload Payload) (string, error) {
	return EncodeCode(payload.Kind, payload.Session, payload.From, payload.To, payload.SDP, payload.Candidates,
		c.options.Passphrase, c.options.WorkFactor)
}

// EncodeCode renders one offer or answer and its candidates as a code.
// A non-empty passphrase seals the code with an age scrypt recipient
// of the given work factor.
func EncodeCode(kind Kind, session, from, to, sdp string, candidates []Candidate, passphrase string, workFactor int) (string, error) {
	var prefix string
	switch kind {
	case KindOffer:
		prefix = InvitePrefix
	case KindAnswer:
		prefix = AnswerPrefix
	default:
		return "", fmt.Errorf("encoding code: unsupported kind %q", kind)
	}

	body, err := codec.Marshal(Payload{
		Kind: kind, Session: session, From: from, To: to, SDP: sdp, Candidates: candidates,
	})
	if err != nil {
		return "", fmt.Errorf("encoding code payload: %w", err)
	}

	var flags byte
	if compressed, ok := compressBlock(body); ok {
		body = compressed
		flags |= codeFlagCompressed
	}
	if passphrase != "" {
		sealed, err := seal(body, passphrase, workFactor)
		if err != nil {
			return "", err
		}
		body = sealed
		flags |= codeFlagSealed
	}

	frame := make([]byte, 0, 2+len(body))
	frame = append(frame, codeFormatVersion, flags)
	frame = append(frame, body...)
	return prefix + base64.RawURLEncoding.EncodeToString(frame), nil
}

// DecodeCode parses a code produced by EncodeCode. Surrounding
// whitespace and line breaks from copy-paste are ignored.
func DecodeCode(code, passphrase string) (Payload, error) {
	code = strings.Join(strings.Fields(code), "")
	var kind Kind
	switch {
	case strings.HasPrefix(code, InvitePrefix):
		kind = KindOffer
	case strings.HasPrefix(code, AnswerPrefix):
		kind = KindAnswer
	default:
		return Payload{}, fmt.Errorf("%w: unknown prefix", ErrInvalidCode)
	}

	frame, err := base64.RawURLEncoding.DecodeString(code[len(InvitePrefix):])
	if err != nil {
		return Payload{}, fmt.Errorf("%w: %v", ErrInvalidCode, err)
	}
	if len(frame) < 2 || frame[0] != codeFormatVersion {
		return Payload{}, fmt.Errorf("%w: unsupported format", ErrInvalidCode)
	}
	flags, body := frame[1], frame[2:]

	if flags&codeFlagSealed != 0 {
		if passphrase == "" {
			return Payload{}, ErrSealedCode
		}
		body, err = unseal(body, passphrase)
		if err != nil {
			return Payload{}, err
		}
	}
	if flags&codeFlagCompressed != 0 {
		body, err = uncompressBlock(body)
		if err != nil {
			return Payload{}, fmt.Errorf("%w: %v", ErrInvalidCode, err)
		}
	}

	var payload Payload
	if err := codec.Unmarshal(body, &payload); err != nil {
		return Payload{}, fmt.Errorf("%w: %v", ErrInvalidCode, err)
	}
	if payload.Kind != kind || payload.Session == "" || payload.From == "" || payload.SDP == "" {
		return Payload{}, fmt.Errorf("%w: incomplete payload", ErrInvalidCode)
	}
	return payload, nil
}

// compressBlock lz4-compresses data behind a uvarint of its length. It
// reports false when compression does not shrink the data.
func compressBlock(data []byte) ([]byte, bool) {
	destination := make([]byte, binary.MaxVarintLen64+lz4.CompressBlockBound(len(data)))
	header := binary.PutUvarint(destination, uint64(len(data)))
	written, err := lz4.CompressBlock(data, destination[header:], nil)
	if err != nil || written == 0 || header+written >= len(data) {
		return nil, false
	}
	return destination[:header+written], true
}

func uncompressBlock(data []byte) ([]byte, error) {
	size, header := binary.Uvarint(data)
	if header <= 0 || size > maxCodePayload {
		return nil, errors.New("bad length header")
	}
	destination := make([]byte, size)
	read, err := lz4.UncompressBlock(data[header:], destination)
	if err != nil {
		return nil, fmt.Errorf("lz4: %w", err)
	}
	if uint64(read) != size {
		return nil, fmt.Errorf("lz4: got %d bytes, expected %d", read, size)
	}
	return destination, nil
}

func seal(plaintext []byte, passphrase string, workFactor int) ([]byte, error) {
	recipient, err := age.NewScryptRecipient(passphrase)
	if err != nil {
		return nil, fmt.Errorf("creating scrypt recipient: %w", err)
	}
	recipient.SetWorkFactor(workFactor)

	var ciphertext bytes.Buffer
	writer, err := age.Encrypt(&ciphertext, recipient)
	if err != nil {
		return nil, fmt.Errorf("creating age encryptor: %w", err)
	}
	if _, err := writer.Write(plaintext); err != nil {
		return nil, fmt.Errorf("sealing code: %w", err)
	}
	if err := writer.Close(); err != nil {
		return nil, fmt.Errorf("finalizing sealed code: %w", err)
	}
	return ciphertext.Bytes(), nil
}

func unseal(ciphertext []byte, passphrase string) ([]byte, error) {
	identity, err := age.NewScryptIdentity(passphrase)
	if err != nil {
		return nil, fmt.Errorf("creating scrypt identity: %w", err)
	}
	reader, err := age.Decrypt(bytes.NewReader(ciphertext), identity)
	if err != nil {
		return nil, fmt.Errorf("%w: opening sealed code: %v", ErrInvalidCode, err)
	}
	plaintext, err := io.ReadAll(io.LimitReader(reader, maxCodePayload))
	if err != nil {
		return nil, fmt.Errorf("%w: reading sealed code: %v", ErrInvalidCode, err)
	}
	return plaintext, nil
}
