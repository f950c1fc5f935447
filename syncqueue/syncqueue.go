// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package syncqueue orders sync targets so the cheapest, closest work
// happens first.
//
// Targets fall into five tiers:
//
//	0  served from the local cache
//	1  same relay, within the near threshold
//	2  other relay, within the near threshold
//	3  same relay, beyond the near threshold
//	4  other relay, beyond the near threshold
//
// Within a tier, targets are ordered by ascending Euclidean distance
// from the local position; equal keys keep their input order.
package syncqueue

import (
	"math"
	"sort"
)

// DefaultNearThreshold is the distance separating near from far
// targets.
const DefaultNearThreshold = 50.0

// Position is a point in the shared coordinate space.
type Position struct {
	X, Y, Z float64
}

// Distance returns the Euclidean distance between p and other.
func (p Position) Distance(other Position) float64 {
	return math.Sqrt((p.X-other.X)*(p.X-other.X) +
		(p.Y-other.Y)*(p.Y-other.Y) +
		(p.Z-other.Z)*(p.Z-other.Z))
}

// Target is one unit of sync work.
type Target struct {
	ID       string
	RelayID  string
	Position Position

	// Cached targets can be served without contacting their relay.
	Cached bool
}

// Queue holds the lattice constants. The zero value uses
// DefaultNearThreshold.
type Queue struct {
	NearThreshold float64
}

func (q Queue) threshold() float64 {
	if q.NearThreshold <= 0 {
		return DefaultNearThreshold
	}
	return q.NearThreshold
}

// Tier returns the priority tier of target (0 is first).
func (q Queue) Tier(target Target, currentRelay string, local Position) int {
	if target.Cached {
		return 0
	}
	near := local.Distance(target.Position) <= q.threshold()
	sameRelay := target.RelayID == currentRelay
	switch {
	case near && sameRelay:
		return 1
	case near:
		return 2
	case sameRelay:
		return 3
	default:
		return 4
	}
}

// Prioritize returns a new slice of targets ordered by tier, then
// distance. The input is not modified.
func (q Queue) Prioritize(targets []Target, currentRelay string, local Position) []Target {
	type keyed struct {
		target   Target
		tier     int
		distance float64
	}
	entries := make([]keyed, len(targets))
	for i, target := range targets {
		entries[i] = keyed{
			target:   target,
			tier:     q.Tier(target, currentRelay, local),
			distance: local.Distance(target.Position),
		}
	}
	sort.SliceStable(entries, func(i, j int) bool {
		if entries[i].tier != entries[j].tier {
			return entries[i].tier < entries[j].tier
		}
		return entries[i].distance < entries[j].distance
	})
	ordered := make([]Target, len(entries))
	for i, entry := range entries {
		ordered[i] = entry.target
	}
	return ordered
}

// Prioritize orders targets with the default near threshold.
func Prioritize(targets []Target, currentRelay string, local Position) []Target {
	return Queue{}.Prioritize(targets, currentRelay, local)
}

// Tier returns target's tier with the default near threshold.
func Tier(target Target, currentRelay string, local Position) int {
	return Queue{}.Tier(target, currentRelay, local)
}
