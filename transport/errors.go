// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package transport

import "errors"

var (
	// ErrClosed is returned by operations on a connection or manager
	// that has been closed or has failed.
	ErrClosed = errors.New("connection closed")

	// ErrNotConnected is returned by Send when the peer has no
	// connection in the Connected state.
	ErrNotConnected = errors.New("peer not connected")

	// ErrBackpressure is returned by Send when the outbound buffer did
	// not drain below the low watermark within the send wait.
	ErrBackpressure = errors.New("send buffer did not drain in time")

	// ErrNegotiationTimeout is the disconnect reason for a connection
	// that did not reach Connected within the negotiation timeout.
	ErrNegotiationTimeout = errors.New("negotiation timed out")

	// ErrTransportFailed is the disconnect reason for a transport that
	// reported failure or disconnection.
	ErrTransportFailed = errors.New("transport failed")

	// ErrChannelClosed is the disconnect reason for a data channel the
	// remote side closed.
	ErrChannelClosed = errors.New("data channel closed")

	// ErrDuplicateAnswer is returned by SetRemoteAnswer when an answer
	// was already applied. The manager logs and ignores it.
	ErrDuplicateAnswer = errors.New("remote answer already applied")

	// ErrWrongRole is returned when an operation does not match the
	// connection's role (an answerer asked to create an offer).
	ErrWrongRole = errors.New("operation not valid for connection role")

	// ErrWrongState is returned when an operation does not match the
	// connection's state (an answer before any offer).
	ErrWrongState = errors.New("operation not valid in connection state")
)
