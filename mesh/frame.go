// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package mesh

import (
	"errors"
	"fmt"

	"github.com/bureau-foundation/syncshell/ledger"
	"github.com/bureau-foundation/syncshell/lib/codec"
)

// FrameKind identifies what a data channel frame carries.
type FrameKind uint8

const (
	// KindPayload frames carry opaque application bytes.
	KindPayload FrameKind = 1

	// KindLedger frames carry an encoded ledger snapshot.
	KindLedger FrameKind = 2

	// KindHello frames carry the sender's own member record.
	KindHello FrameKind = 3
)

func (k FrameKind) String() string {
	switch k {
	case KindPayload:
		return "payload"
	case KindLedger:
		return "ledger"
	case KindHello:
		return "hello"
	default:
		return fmt.Sprintf("kind(%d)", uint8(k))
	}
}

// Frame is the unit written to a peer's data channel.
type Frame struct {
	Kind    FrameKind `cbor:"k"`
	Payload []byte    `cbor:"p"`
}

// Hello announces the sender to a newly connected peer.
type Hello struct {
	Record ledger.MemberRecord `cbor:"record"`
}

var errFrame = errors.New("malformed frame")

func encodeFrame(kind FrameKind, payload []byte) ([]byte, error) {
	data, err := codec.Marshal(Frame{Kind: kind, Payload: payload})
	if err != nil {
		return nil, fmt.Errorf("encoding %s frame: %w", kind, err)
	}
	return data, nil
}

func decodeFrame(data []byte) (Frame, error) {
	var frame Frame
	if err := codec.Unmarshal(data, &frame); err != nil {
		return frame, fmt.Errorf("%w: %w", errFrame, err)
	}
	if frame.Kind == 0 {
		return frame, fmt.Errorf("%w: missing kind", errFrame)
	}
	return frame, nil
}

func encodeHello(record ledger.MemberRecord) ([]byte, error) {
	body, err := codec.Marshal(Hello{Record: record})
	if err != nil {
		return nil, fmt.Errorf("encoding hello: %w", err)
	}
	return encodeFrame(KindHello, body)
}

func decodeHello(payload []byte) (Hello, error) {
	var hello Hello
	if err := codec.Unmarshal(payload, &hello); err != nil {
		return hello, fmt.Errorf("%w: hello: %w", errFrame, err)
	}
	return hello, nil
}
