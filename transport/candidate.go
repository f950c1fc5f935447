// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package transport

import (
	"strconv"

	"github.com/bureau-foundation/syncshell/signaling"
)

// Candidate is an ICE routing hint as carried by signaling.
type Candidate = signaling.Candidate

// DefaultCandidateQueueLimit bounds candidates held for one peer before
// its remote description is applied.
const DefaultCandidateQueueLimit = 64

// candidateKey identifies a candidate for exactly-once application.
func candidateKey(candidate Candidate) string {
	return candidate.SDPMid + "|" + strconv.Itoa(int(candidate.SDPMLineIndex)) + "|" + candidate.Candidate
}

// CandidateQueue holds remote candidates that arrived before they can
// be applied. It is bounded; pushing onto a full queue drops the
// oldest entry. Not safe for concurrent use: the owning PeerConnection
// or Manager serializes access.
type CandidateQueue struct {
	limit   int
	items   []Candidate
	dropped int
}

// NewCandidateQueue returns an empty queue holding at most limit
// candidates. A non-positive limit uses DefaultCandidateQueueLimit.
func NewCandidateQueue(limit int) *CandidateQueue {
	if limit <= 0 {
		limit = DefaultCandidateQueueLimit
	}
	return &CandidateQueue{limit: limit}
}

// Push appends candidate, dropping the oldest entry if the queue is
// full. Returns true if an entry was dropped.
func (q *CandidateQueue) Push(candidate Candidate) bool {
	dropped := false
	if len(q.items) >= q.limit {
		q.items = q.items[1:]
		q.dropped++
		dropped = true
	}
	q.items = append(q.items, candidate)
	return dropped
}

// Pop removes and returns the oldest candidate.
func (q *CandidateQueue) Pop() (Candidate, bool) {
	if len(q.items) == 0 {
		return Candidate{}, false
	}
	candidate := q.items[0]
	q.items = q.items[1:]
	return candidate, true
}

// Drain removes and returns every queued candidate, oldest first.
func (q *CandidateQueue) Drain() []Candidate {
	items := q.items
	q.items = nil
	return items
}

// Len returns the number of queued candidates.
func (q *CandidateQueue) Len() int { return len(q.items) }

// Dropped returns how many candidates were dropped for overflow.
func (q *CandidateQueue) Dropped() int { return q.dropped }
