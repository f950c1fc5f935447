// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package recovery

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/bureau-foundation/syncshell/lib/clock"
	"github.com/bureau-foundation/syncshell/rendezvous"
)

var (
	// ErrNoRoute is returned by a strategy that had nothing to try.
	ErrNoRoute = errors.New("no reconnection route")

	// ErrReachedOther is returned by Phonebook when it met a member
	// other than the dropped peer. The mesh is reachable again but the
	// peer is not connected yet.
	ErrReachedOther = errors.New("reached another member")
)

// Strategy is one way of reaching a dropped peer again. Reconnect
// returns nil once the peer is connected.
type Strategy interface {
	Name() string
	Reconnect(ctx context.Context, peer string) error
}

// Meeter joins a rendezvous point. Meet returns nil once peer, the
// member the code was derived for, is connected.
type Meeter interface {
	Meet(ctx context.Context, peer string, code rendezvous.Code) error
}

// MeeterFunc adapts a function to Meeter.
type MeeterFunc func(ctx context.Context, peer string, code rendezvous.Code) error

func (f MeeterFunc) Meet(ctx context.Context, peer string, code rendezvous.Code) error {
	return f(ctx, peer, code)
}

// MeshParams are the mesh-wide inputs of rendezvous derivation.
type MeshParams struct {
	MeshID string
	Secret string

	// Window is the rendezvous slot width. Zero means
	// rendezvous.DefaultWindow.
	Window time.Duration
}

func (p MeshParams) window() time.Duration {
	if p.Window <= 0 {
		return rendezvous.DefaultWindow
	}
	return p.Window
}

type strategyFunc struct {
	name string
	fn   func(ctx context.Context, peer string) error
}

func (s strategyFunc) Name() string { return s.name }

func (s strategyFunc) Reconnect(ctx context.Context, peer string) error {
	return s.fn(ctx, peer)
}

// Direct re-signals the peer over the live signaling channel.
func Direct(connect func(ctx context.Context, peer string) error) Strategy {
	return strategyFunc{name: "direct", fn: connect}
}

// GroupRendezvous meets at the mesh-wide code for the current slot,
// then the previous and next slots.
func GroupRendezvous(params MeshParams, clk clock.Clock, meeter Meeter) Strategy {
	return strategyFunc{name: "rendezvous", fn: func(ctx context.Context, peer string) error {
		return meetCandidates(ctx, meeter, peer, rendezvous.Params{
			MeshID: params.MeshID,
			Secret: params.Secret,
			Tag:    rendezvous.GroupTag,
		}, clk.Now(), params.window())
	}}
}

// Phonebook walks known members (the dropped peer first, then the rest
// in directory order, never localID) and tries the pairwise code of
// each until one meets. Meeting the dropped peer is success; meeting
// anyone else returns ErrReachedOther so the chain keeps going.
func Phonebook(params MeshParams, localID string, directory Directory, clk clock.Clock, meeter Meeter) Strategy {
	return strategyFunc{name: "phonebook", fn: func(ctx context.Context, peer string) error {
		order := []string{peer}
		for _, member := range directory.Peers() {
			if member != peer && member != localID {
				order = append(order, member)
			}
		}
		if peer == localID {
			order = order[1:]
		}
		if len(order) == 0 {
			return ErrNoRoute
		}

		now := clk.Now()
		var errs []error
		for _, member := range order {
			err := meetCandidates(ctx, meeter, member, rendezvous.Params{
				MeshID: params.MeshID,
				Secret: params.Secret,
				Tag:    rendezvous.PairTag(localID, member),
			}, now, params.window())
			if err == nil {
				if member == peer {
					return nil
				}
				return fmt.Errorf("met %s instead of %s: %w", member, peer, ErrReachedOther)
			}
			if ctx.Err() != nil {
				return ctx.Err()
			}
			errs = append(errs, fmt.Errorf("via %s: %w", member, err))
		}
		return errors.Join(errs...)
	}}
}

func meetCandidates(ctx context.Context, meeter Meeter, peer string, params rendezvous.Params, now time.Time, window time.Duration) error {
	var errs []error
	for _, candidate := range rendezvous.Candidates(params, now, window) {
		err := meeter.Meet(ctx, peer, candidate.Code)
		if err == nil {
			return nil
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		errs = append(errs, fmt.Errorf("slot %d: %w", candidate.Slot, err))
	}
	return errors.Join(errs...)
}

// Chain returns a ReconnectFunc trying each strategy in order until
// one succeeds.
func Chain(logger *slog.Logger, strategies ...Strategy) ReconnectFunc {
	if logger == nil {
		logger = slog.Default()
	}
	return func(ctx context.Context, peer string, attempt int) error {
		if len(strategies) == 0 {
			return ErrNoRoute
		}
		var errs []error
		for _, strategy := range strategies {
			err := strategy.Reconnect(ctx, peer)
			if err == nil {
				logger.Info("peer reconnected",
					"peer", peer,
					"strategy", strategy.Name(),
					"attempt", attempt,
				)
				return nil
			}
			if ctx.Err() != nil {
				return ctx.Err()
			}
			logger.Debug("reconnection strategy failed",
				"peer", peer,
				"strategy", strategy.Name(),
				"attempt", attempt,
				"error", err,
			)
			errs = append(errs, fmt.Errorf("%s: %w", strategy.Name(), err))
		}
		return errors.Join(errs...)
	}
}
