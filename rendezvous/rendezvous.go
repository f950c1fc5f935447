// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package rendezvous derives the short, time-sliced codes two peers
// compute independently to meet again without a live signaling path.
//
// A code is a keyed BLAKE3 hash of (mesh id, tag, time slot), keyed by
// a hash of the mesh secret, rendered as a four-digit number followed
// by words from a fixed 256-word list:
//
//	0417-harbor-quill
//
// Both sides agree on the slot by flooring wall-clock time to a window
// (default ten minutes). [Candidates] yields the current slot first and
// then the two adjacent slots, so peers whose clocks disagree by less
// than one window still find a common code.
//
// Tags scope a code: [GroupTag] for the whole mesh, [PairTag] for one
// pair of peers. [BootstrapCode] uses a separate derivation and a
// longer rendering; it is handed to an operator for out-of-band
// sharing when automatic reconnection has given up.
//
// Everything here is pure: no I/O, no clock reads, no state.
package rendezvous

import (
	"encoding/binary"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/zeebo/blake3"
)

const (
	// DefaultWindow is the width of a rendezvous time slot.
	DefaultWindow = 10 * time.Minute

	// BootstrapWindow is the slot width for bootstrap codes, which
	// travel through a human and need to stay valid for a while.
	BootstrapWindow = 24 * time.Hour

	// GroupTag scopes a code to the whole mesh.
	GroupTag = "group"

	rendezvousDomain = "syncshell rendezvous v1"
	bootstrapDomain  = "syncshell bootstrap v1"
)

// ErrInvalidCode is returned by ParseCode for malformed codes.
var ErrInvalidCode = errors.New("invalid rendezvous code")

// Code is a rendered rendezvous or bootstrap code.
type Code string

func (c Code) String() string { return string(c) }

// Params are the inputs to a code derivation.
type Params struct {
	MeshID string
	Secret string
	Tag    string
	Slot   int64
}

// Slot floors t to a window index. Windows shorter than a second are
// treated as one second.
func Slot(t time.Time, window time.Duration) int64 {
	seconds := int64(window / time.Second)
	if seconds < 1 {
		seconds = 1
	}
	unix := t.Unix()
	slot := unix / seconds
	if unix < 0 && unix%seconds != 0 {
		slot--
	}
	return slot
}

// Identifier derives the rendezvous code for params.
func Identifier(params Params) Code {
	sum := derive(rendezvousDomain, params)
	return render(sum, 2)
}

// BootstrapCode derives the longer out-of-band code for params. It
// never equals the rendezvous identifier for the same params.
func BootstrapCode(params Params) Code {
	sum := derive(bootstrapDomain, params)
	return render(sum, 3)
}

// SlotCode is one rendezvous candidate.
type SlotCode struct {
	Slot int64
	Code Code
}

// Candidates returns the codes to try at now: current slot, then the
// previous and next slots. params.Slot is ignored.
func Candidates(params Params, now time.Time, window time.Duration) []SlotCode {
	current := Slot(now, window)
	slots := []int64{current, current - 1, current + 1}
	candidates := make([]SlotCode, 0, len(slots))
	for _, slot := range slots {
		params.Slot = slot
		candidates = append(candidates, SlotCode{Slot: slot, Code: Identifier(params)})
	}
	return candidates
}

// PairTag scopes a code to two peers. The result does not depend on
// argument order.
func PairTag(a, b string) string {
	pair := []string{a, b}
	sort.Strings(pair)
	return pair[0] + "+" + pair[1]
}

// ParseCode normalizes an operator-entered code (case, surrounding
// space, spaces instead of dashes) and checks its shape: four digits
// followed by two or three list words.
func ParseCode(input string) (Code, error) {
	normalized := strings.ToLower(strings.TrimSpace(input))
	normalized = strings.Join(strings.Fields(strings.ReplaceAll(normalized, "-", " ")), "-")

	parts := strings.Split(normalized, "-")
	if len(parts) != 3 && len(parts) != 4 {
		return "", fmt.Errorf("%w: %q has %d parts, want 3 or 4", ErrInvalidCode, input, len(parts))
	}
	if len(parts[0]) != 4 {
		return "", fmt.Errorf("%w: %q must start with four digits", ErrInvalidCode, input)
	}
	if _, err := strconv.ParseUint(parts[0], 10, 16); err != nil {
		return "", fmt.Errorf("%w: %q must start with four digits", ErrInvalidCode, input)
	}
	for _, word := range parts[1:] {
		if _, ok := wordIndex[word]; !ok {
			return "", fmt.Errorf("%w: unknown word %q", ErrInvalidCode, word)
		}
	}
	return Code(normalized), nil
}

func derive(domain string, params Params) [32]byte {
	key := blake3.Sum256(append([]byte(domain), params.Secret...))
	hasher, err := blake3.NewKeyed(key[:])
	if err != nil {
		// NewKeyed only fails on a key that is not 32 bytes.
		panic("rendezvous: " + err.Error())
	}
	writeField(hasher, []byte(params.MeshID))
	writeField(hasher, []byte(params.Tag))
	var slot [8]byte
	binary.BigEndian.PutUint64(slot[:], uint64(params.Slot))
	hasher.Write(slot[:])

	var sum [32]byte
	copy(sum[:], hasher.Sum(nil))
	return sum
}

// writeField length-prefixes each field so ("ab","c") and ("a","bc")
// hash differently.
func writeField(hasher *blake3.Hasher, field []byte) {
	var length [4]byte
	binary.BigEndian.PutUint32(length[:], uint32(len(field)))
	hasher.Write(length[:])
	hasher.Write(field)
}

func render(sum [32]byte, wordCount int) Code {
	number := binary.BigEndian.Uint16(sum[0:2]) % 10000
	var builder strings.Builder
	fmt.Fprintf(&builder, "%04d", number)
	for i := 0; i < wordCount; i++ {
		builder.WriteByte('-')
		builder.WriteString(words[sum[2+i]])
	}
	return Code(builder.String())
}
