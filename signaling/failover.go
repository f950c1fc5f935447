// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package signaling

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
)

// Failover is a Channel over an ordered list of channels. It uses the
// first one that starts; when the active channel reports
// ErrUnavailable, the next is started, joined to the same sessions,
// and used instead. It reports ErrUnavailable only when every channel
// has.
type Failover struct {
	channels []Channel
	logger   *slog.Logger

	mu       sync.Mutex
	active   int
	started  []bool
	sessions map[string]struct{}
	handler  Handler
}

var _ Channel = (*Failover)(nil)

// NewFailover returns a Failover trying channels in order.
func NewFailover(logger *slog.Logger, channels ...Channel) *Failover {
	if logger == nil {
		logger = slog.Default()
	}
	return &Failover{
		channels: channels,
		logger:   logger,
		active:   -1,
		started:  make([]bool, len(channels)),
		sessions: make(map[string]struct{}),
	}
}

func (f *Failover) Name() string {
	names := make([]string, len(f.channels))
	for i, channel := range f.channels {
		names[i] = channel.Name()
	}
	return "failover(" + strings.Join(names, ",") + ")"
}

// Active returns the channel currently in use, or nil before Start.
func (f *Failover) Active() Channel {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.active < 0 {
		return nil
	}
	return f.channels[f.active]
}

func (f *Failover) Start(ctx context.Context) error {
	_, err := f.advance(ctx, 0)
	return err
}

// advance activates the first usable channel at or after index from
// and returns it.
func (f *Failover) advance(ctx context.Context, from int) (Channel, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	var errs []error
	for i := from; i < len(f.channels); i++ {
		channel := f.channels[i]
		if !f.started[i] {
			if err := channel.Start(ctx); err != nil {
				errs = append(errs, fmt.Errorf("%s: %w", channel.Name(), err))
				f.logger.Warn("signaling channel unavailable", "channel", channel.Name(), "error", err)
				continue
			}
			f.started[i] = true
			channel.SetHandler(f.handler)
		}
		for session := range f.sessions {
			if err := channel.Join(ctx, session); err != nil {
				f.logger.Warn("joining session on fallback channel", "channel", channel.Name(), "session", session, "error", err)
			}
		}
		if f.active != i {
			f.logger.Info("signaling channel active", "channel", channel.Name())
		}
		f.active = i
		return channel, nil
	}
	if len(errs) == 0 {
		return nil, fmt.Errorf("failover: no channels: %w", ErrUnavailable)
	}
	return nil, fmt.Errorf("failover: %w: %w", ErrUnavailable, errors.Join(errs...))
}

func (f *Failover) current() (Channel, int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.active < 0 {
		return nil, -1
	}
	return f.channels[f.active], f.active
}

// do runs operation on the active channel, moving down the list while
// channels report ErrUnavailable.
func (f *Failover) do(ctx context.Context, operation func(Channel) error) error {
	channel, index := f.current()
	if channel == nil {
		return fmt.Errorf("failover: not started: %w", ErrUnavailable)
	}
	for {
		err := operation(channel)
		if !errors.Is(err, ErrUnavailable) {
			return err
		}
		f.logger.Warn("signaling channel failed, trying next", "channel", channel.Name(), "error", err)
		channel, err = f.advance(ctx, index+1)
		if err != nil {
			return err
		}
		_, index = f.current()
	}
}

func (f *Failover) Join(ctx context.Context, session string) error {
	f.mu.Lock()
	f.sessions[session] = struct{}{}
	f.mu.Unlock()
	return f.do(ctx, func(channel Channel) error { return channel.Join(ctx, session) })
}

func (f *Failover) Leave(session string) {
	f.mu.Lock()
	delete(f.sessions, session)
	f.mu.Unlock()
	for i, channel := range f.channels {
		if f.isStarted(i) {
			channel.Leave(session)
		}
	}
}

func (f *Failover) SendOffer(ctx context.Context, session, to, sdp string) error {
	return f.do(ctx, func(channel Channel) error { return channel.SendOffer(ctx, session, to, sdp) })
}

func (f *Failover) SendAnswer(ctx context.Context, session, to, sdp string) error {
	return f.do(ctx, func(channel Channel) error { return channel.SendAnswer(ctx, session, to, sdp) })
}

func (f *Failover) SendCandidate(ctx context.Context, session, to string, candidate Candidate) error {
	return f.do(ctx, func(channel Channel) error { return channel.SendCandidate(ctx, session, to, candidate) })
}

// SetHandler installs handler on every started channel, so messages
// still arriving on a channel that was failed over from are handled.
func (f *Failover) SetHandler(handler Handler) {
	f.mu.Lock()
	f.handler = handler
	f.mu.Unlock()
	for i, channel := range f.channels {
		if f.isStarted(i) {
			channel.SetHandler(handler)
		}
	}
}

func (f *Failover) isStarted(i int) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.started[i]
}

func (f *Failover) Close() error {
	var errs []error
	for _, channel := range f.channels {
		if err := channel.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
