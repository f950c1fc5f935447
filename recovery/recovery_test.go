// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package recovery

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/bureau-foundation/syncshell/lib/clock"
	"github.com/bureau-foundation/syncshell/lib/testutil"
	"github.com/bureau-foundation/syncshell/rendezvous"
)

var testEpoch = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewJSONHandler(io.Discard, nil))
}

type event struct {
	kind    string
	peer    string
	attempt int
	delay   time.Duration
	session *Session
	err     error
	code    rendezvous.Code
}

type recordingObserver struct {
	events chan event
}

func newRecordingObserver() *recordingObserver {
	return &recordingObserver{events: make(chan event, 64)}
}

func (o *recordingObserver) AttemptStarted(peer string, attempt int, delay time.Duration) {
	o.events <- event{kind: "attempt", peer: peer, attempt: attempt, delay: delay}
}

func (o *recordingObserver) Recovered(peer string, session *Session) {
	o.events <- event{kind: "recovered", peer: peer, session: session}
}

func (o *recordingObserver) Failed(peer string, err error) {
	o.events <- event{kind: "failed", peer: peer, err: err}
}

func (o *recordingObserver) BootstrapRequired(peer string, code rendezvous.Code) {
	o.events <- event{kind: "bootstrap", peer: peer, code: code}
}

func (o *recordingObserver) next(t *testing.T, kind string) event {
	t.Helper()
	got := testutil.RequireReceive(t, o.events, 5*time.Second, "waiting for %s event", kind)
	if got.kind != kind {
		t.Fatalf("event = %+v, want kind %q", got, kind)
	}
	return got
}

func (o *recordingObserver) none(t *testing.T) {
	t.Helper()
	select {
	case got := <-o.events:
		t.Fatalf("unexpected event %+v", got)
	case <-time.After(50 * time.Millisecond):
	}
}

// scriptedReconnect returns its results in order, then fails forever.
type scriptedReconnect struct {
	mu      sync.Mutex
	results []error
	calls   chan int
}

func newScriptedReconnect(results ...error) *scriptedReconnect {
	return &scriptedReconnect{results: results, calls: make(chan int, 64)}
}

func (s *scriptedReconnect) reconnect(ctx context.Context, peer string, attempt int) error {
	s.calls <- attempt
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.results) == 0 {
		return errors.New("peer unreachable")
	}
	result := s.results[0]
	s.results = s.results[1:]
	return result
}

type fakeDirectory struct {
	peers     []string
	lastSeen  map[string]time.Time
	addresses map[string]string
}

func (d *fakeDirectory) Peers() []string { return d.peers }

func (d *fakeDirectory) LastSeen(peer string) (time.Time, bool) {
	seen, ok := d.lastSeen[peer]
	return seen, ok
}

func (d *fakeDirectory) Address(peer string) string { return d.addresses[peer] }

func newTestManager(t *testing.T, fake *clock.FakeClock, options Options) *Manager {
	t.Helper()
	options.MeshID = "mesh-test"
	options.Secret = "correct horse"
	options.LocalID = "alice"
	options.Clock = fake
	options.Logger = discardLogger()
	manager, err := NewManager(options)
	if err != nil {
		t.Fatalf("NewManager: %v", err)
	}
	t.Cleanup(manager.Close)
	return manager
}

// runAttempt waits for the attempt to be scheduled, advances the clock
// past its delay, and waits for the reconnect function to be called.
func runAttempt(t *testing.T, fake *clock.FakeClock, observer *recordingObserver, reconnect *scriptedReconnect, attempt int) time.Duration {
	t.Helper()
	started := observer.next(t, "attempt")
	if started.attempt != attempt {
		t.Fatalf("attempt = %d, want %d", started.attempt, attempt)
	}
	fake.WaitForTimers(1)
	fake.Advance(started.delay)
	if got := testutil.RequireReceive(t, reconnect.calls, 5*time.Second, "attempt %d", attempt); got != attempt {
		t.Fatalf("reconnect called with attempt %d, want %d", got, attempt)
	}
	return started.delay
}

func TestBackoff(t *testing.T) {
	policy := DefaultPolicy()
	tests := []struct {
		attempt int
		want    time.Duration
	}{
		{0, 2 * time.Second},
		{1, 2 * time.Second},
		{2, 4 * time.Second},
		{3, 8 * time.Second},
		{4, 16 * time.Second},
		{5, 32 * time.Second},
		{6, 60 * time.Second},
		{7, 60 * time.Second},
		{1000, 60 * time.Second},
	}
	for _, test := range tests {
		if got := policy.Backoff(test.attempt); got != test.want {
			t.Errorf("Backoff(%d) = %v, want %v", test.attempt, got, test.want)
		}
	}

	previous := time.Duration(0)
	for attempt := 1; attempt <= 100; attempt++ {
		delay := policy.Backoff(attempt)
		if delay < previous {
			t.Fatalf("Backoff(%d) = %v, less than Backoff(%d) = %v", attempt, delay, attempt-1, previous)
		}
		if delay > policy.MaxDelay {
			t.Fatalf("Backoff(%d) = %v exceeds cap %v", attempt, delay, policy.MaxDelay)
		}
		previous = delay
	}
}

func TestManagerRetriesUntilReconnected(t *testing.T) {
	fake := clock.Fake(testEpoch)
	observer := newRecordingObserver()
	reconnect := newScriptedReconnect(errors.New("timeout"), errors.New("timeout"), nil)
	manager := newTestManager(t, fake, Options{Reconnect: reconnect.reconnect, Observer: observer})

	if err := manager.PeerDisconnected("bob", nil); err != nil {
		t.Fatalf("PeerDisconnected: %v", err)
	}
	for attempt, want := range []time.Duration{2 * time.Second, 4 * time.Second, 8 * time.Second} {
		if delay := runAttempt(t, fake, observer, reconnect, attempt+1); delay != want {
			t.Errorf("attempt %d delay = %v, want %v", attempt+1, delay, want)
		}
	}

	recovered := observer.next(t, "recovered")
	if recovered.peer != "bob" || recovered.session != nil {
		t.Errorf("recovered = %+v, want bob without session", recovered)
	}
	observer.none(t)

	if peers := manager.Recovering(); len(peers) != 0 {
		t.Errorf("Recovering() = %v after success", peers)
	}
	stats := manager.Stats()
	if stats.Chains != 1 || stats.Attempts != 3 || stats.Recovered != 1 || stats.Failed != 0 {
		t.Errorf("stats = %+v", stats)
	}
}

func TestManagerGivesUpAfterMaxAttempts(t *testing.T) {
	fake := clock.Fake(testEpoch)
	observer := newRecordingObserver()
	reconnect := newScriptedReconnect()
	policy := DefaultPolicy()
	policy.MaxAttempts = 3
	manager := newTestManager(t, fake, Options{Policy: policy, Reconnect: reconnect.reconnect, Observer: observer})

	if err := manager.PeerDisconnected("bob", nil); err != nil {
		t.Fatalf("PeerDisconnected: %v", err)
	}
	for attempt := 1; attempt <= 3; attempt++ {
		runAttempt(t, fake, observer, reconnect, attempt)
	}

	failed := observer.next(t, "failed")
	if !errors.Is(failed.err, ErrExhausted) {
		t.Errorf("failure = %v, want ErrExhausted", failed.err)
	}
	observer.none(t)
	if count := fake.PendingCount(); count != 0 {
		t.Errorf("%d timers pending after exhaustion", count)
	}
	if stats := manager.Stats(); stats.Failed != 1 || stats.Attempts != 3 {
		t.Errorf("stats = %+v", stats)
	}
}

func TestManagerHandsBackSession(t *testing.T) {
	fake := clock.Fake(testEpoch)
	observer := newRecordingObserver()
	reconnect := newScriptedReconnect(nil)
	directory := &fakeDirectory{addresses: map[string]string{"bob": "192.0.2.7:4000"}}
	manager := newTestManager(t, fake, Options{
		Reconnect: reconnect.reconnect,
		Observer:  observer,
		Directory: directory,
	})

	progress := &Progress{BytesTotal: 300}
	progress.Complete("a.txt", "hash-a", 100)
	progress.Complete("b.txt", "hash-b", 100)
	if err := manager.PeerDisconnected("bob", progress); err != nil {
		t.Fatalf("PeerDisconnected: %v", err)
	}
	// The manager keeps its own copy.
	progress.Complete("c.txt", "hash-c", 100)

	stored, ok := manager.Store().Get("bob")
	if !ok {
		t.Fatal("no session stored for bob")
	}
	if len(stored.Hints) != 1 || stored.Hints[0] != "192.0.2.7:4000" {
		t.Errorf("hints = %v", stored.Hints)
	}

	runAttempt(t, fake, observer, reconnect, 1)
	recovered := observer.next(t, "recovered")
	if recovered.session == nil {
		t.Fatal("recovered without session")
	}
	resumed := recovered.session.Progress
	if resumed.BytesTransferred != 200 || resumed.BytesTotal != 300 {
		t.Errorf("progress = %+v", resumed)
	}
	remaining := resumed.Remaining([]string{"a.txt", "b.txt", "c.txt"})
	if len(remaining) != 1 || remaining[0] != "c.txt" {
		t.Errorf("Remaining = %v, want [c.txt]", remaining)
	}
	if recovered.session.Attempts != 1 {
		t.Errorf("session attempts = %d, want 1", recovered.session.Attempts)
	}
	if _, ok := manager.Store().Get("bob"); ok {
		t.Error("session still stored after recovery")
	}
}

func TestManagerPeerConnectedEndsChain(t *testing.T) {
	fake := clock.Fake(testEpoch)
	observer := newRecordingObserver()
	reconnect := newScriptedReconnect()
	manager := newTestManager(t, fake, Options{Reconnect: reconnect.reconnect, Observer: observer})

	if err := manager.PeerDisconnected("bob", &Progress{BytesTotal: 10}); err != nil {
		t.Fatalf("PeerDisconnected: %v", err)
	}
	observer.next(t, "attempt")

	session := manager.PeerConnected("bob")
	if session == nil || session.Progress.BytesTotal != 10 {
		t.Fatalf("PeerConnected session = %+v", session)
	}
	recovered := observer.next(t, "recovered")
	if recovered.session == nil {
		t.Error("Recovered carried no session")
	}
	if count := fake.PendingCount(); count != 0 {
		t.Errorf("%d timers pending after PeerConnected", count)
	}

	// A peer connecting with no chain and no session is not a recovery.
	if session := manager.PeerConnected("carol"); session != nil {
		t.Errorf("PeerConnected(carol) = %+v", session)
	}
	observer.none(t)
	select {
	case attempt := <-reconnect.calls:
		t.Errorf("reconnect called (attempt %d) after PeerConnected", attempt)
	default:
	}
}

func TestManagerRateLimitsChains(t *testing.T) {
	fake := clock.Fake(testEpoch)
	observer := newRecordingObserver()
	reconnect := newScriptedReconnect(nil, nil)
	manager := newTestManager(t, fake, Options{Reconnect: reconnect.reconnect, Observer: observer})

	if err := manager.PeerDisconnected("bob", nil); err != nil {
		t.Fatalf("PeerDisconnected: %v", err)
	}
	// A second drop while the chain runs joins it.
	if err := manager.PeerDisconnected("bob", nil); err != nil {
		t.Fatalf("second PeerDisconnected while running: %v", err)
	}
	runAttempt(t, fake, observer, reconnect, 1)
	observer.next(t, "recovered")

	err := manager.PeerDisconnected("bob", nil)
	if !errors.Is(err, ErrRateLimited) {
		t.Fatalf("PeerDisconnected within MinInterval = %v, want ErrRateLimited", err)
	}
	// Other peers have their own budget.
	if err := manager.PeerDisconnected("carol", nil); err != nil {
		t.Fatalf("PeerDisconnected(carol): %v", err)
	}
	observer.next(t, "attempt")
	manager.Cancel("carol")

	fake.Advance(DefaultPolicy().MinInterval)
	if err := manager.PeerDisconnected("bob", nil); err != nil {
		t.Fatalf("PeerDisconnected after MinInterval: %v", err)
	}
	if stats := manager.Stats(); stats.RateLimited != 1 || stats.Chains != 3 {
		t.Errorf("stats = %+v", stats)
	}
}

func TestManagerStalePeerNeedsBootstrap(t *testing.T) {
	fake := clock.Fake(testEpoch)
	observer := newRecordingObserver()
	reconnect := newScriptedReconnect()
	directory := &fakeDirectory{lastSeen: map[string]time.Time{
		"bob":   testEpoch.Add(-31 * 24 * time.Hour),
		"carol": testEpoch.Add(-29 * 24 * time.Hour),
	}}
	manager := newTestManager(t, fake, Options{
		Reconnect: reconnect.reconnect,
		Observer:  observer,
		Directory: directory,
	})

	err := manager.PeerDisconnected("bob", nil)
	if !errors.Is(err, ErrStale) {
		t.Fatalf("PeerDisconnected(stale) = %v, want ErrStale", err)
	}
	bootstrap := observer.next(t, "bootstrap")
	want := rendezvous.BootstrapCode(rendezvous.Params{
		MeshID: "mesh-test",
		Secret: "correct horse",
		Tag:    rendezvous.PairTag("alice", "bob"),
		Slot:   rendezvous.Slot(testEpoch, rendezvous.BootstrapWindow),
	})
	if bootstrap.code != want {
		t.Errorf("bootstrap code = %q, want %q", bootstrap.code, want)
	}
	failed := observer.next(t, "failed")
	if !errors.Is(failed.err, ErrStale) {
		t.Errorf("failure = %v, want ErrStale", failed.err)
	}
	if count := fake.PendingCount(); count != 0 {
		t.Errorf("stale peer scheduled %d attempts", count)
	}

	if err := manager.PeerDisconnected("carol", nil); err != nil {
		t.Fatalf("PeerDisconnected(carol) = %v, want retry", err)
	}
	observer.next(t, "attempt")
}

func TestManagerCloseCancelsPendingAttempts(t *testing.T) {
	fake := clock.Fake(testEpoch)
	observer := newRecordingObserver()
	reconnect := newScriptedReconnect()
	manager := newTestManager(t, fake, Options{Reconnect: reconnect.reconnect, Observer: observer})

	for _, peer := range []string{"bob", "carol"} {
		if err := manager.PeerDisconnected(peer, nil); err != nil {
			t.Fatalf("PeerDisconnected(%s): %v", peer, err)
		}
		observer.next(t, "attempt")
	}
	manager.Close()

	if count := fake.PendingCount(); count != 0 {
		t.Errorf("%d timers pending after Close", count)
	}
	fake.Advance(time.Hour)
	observer.none(t)
	select {
	case attempt := <-reconnect.calls:
		t.Errorf("reconnect called (attempt %d) after Close", attempt)
	default:
	}
	if err := manager.PeerDisconnected("bob", nil); !errors.Is(err, ErrClosed) {
		t.Errorf("PeerDisconnected after Close = %v, want ErrClosed", err)
	}
}

func TestManagerCancelsInFlightAttempt(t *testing.T) {
	fake := clock.Fake(testEpoch)
	observer := newRecordingObserver()
	entered := make(chan struct{})
	manager := newTestManager(t, fake, Options{
		Observer: observer,
		Reconnect: func(ctx context.Context, peer string, attempt int) error {
			close(entered)
			<-ctx.Done()
			return ctx.Err()
		},
	})

	if err := manager.PeerDisconnected("bob", nil); err != nil {
		t.Fatalf("PeerDisconnected: %v", err)
	}
	started := observer.next(t, "attempt")
	fake.WaitForTimers(1)
	fake.Advance(started.delay)
	testutil.RequireClosed(t, entered, 5*time.Second, "attempt never started")

	manager.Cancel("bob")
	observer.none(t)
	if peers := manager.Recovering(); len(peers) != 0 {
		t.Errorf("Recovering() = %v after Cancel", peers)
	}
}

func TestNewManagerRequiresReconnect(t *testing.T) {
	if _, err := NewManager(Options{}); err == nil {
		t.Fatal("NewManager without Reconnect succeeded")
	}
}

func TestManagerKeepsSessionWhenOtherMemberAnswers(t *testing.T) {
	fake := clock.Fake(testEpoch)
	observer := newRecordingObserver()
	directory := &fakeDirectory{peers: []string{"alice", "bob", "dave"}}
	daveCode := rendezvous.Identifier(rendezvous.Params{
		MeshID: "mesh-test",
		Secret: "correct horse",
		Tag:    rendezvous.PairTag("alice", "dave"),
		Slot:   rendezvous.Slot(testEpoch, rendezvous.DefaultWindow),
	})
	meeter := &recordingMeeter{accept: daveCode}
	phonebook := Chain(discardLogger(), Phonebook(testParams(), "alice", directory, fake, meeter))

	attempts := &scriptedReconnect{calls: make(chan int, 64)}
	reconnect := func(ctx context.Context, peer string, attempt int) error {
		attempts.calls <- attempt
		return phonebook(ctx, peer, attempt)
	}
	policy := DefaultPolicy()
	policy.MaxAttempts = 2
	manager := newTestManager(t, fake, Options{
		Policy:    policy,
		Reconnect: reconnect,
		Observer:  observer,
		Directory: directory,
	})

	progress := &Progress{BytesTotal: 200}
	progress.Complete("a.txt", "hash-a", 100)
	if err := manager.PeerDisconnected("bob", progress); err != nil {
		t.Fatalf("PeerDisconnected: %v", err)
	}
	runAttempt(t, fake, observer, attempts, 1)
	runAttempt(t, fake, observer, attempts, 2)

	failed := observer.next(t, "failed")
	if !errors.Is(failed.err, ErrReachedOther) {
		t.Errorf("failure = %v, want it to wrap ErrReachedOther", failed.err)
	}
	observer.none(t)
	if stats := manager.Stats(); stats.Recovered != 0 {
		t.Errorf("Recovered = %d while bob is still away", stats.Recovered)
	}

	stored, ok := manager.Store().Get("bob")
	if !ok {
		t.Fatal("bob's session was dropped after only dave answered")
	}
	if completed := stored.Progress.Completed; len(completed) != 1 || completed[0] != "a.txt" {
		t.Errorf("stored progress = %v, want [a.txt]", completed)
	}

	// Bob coming back later still resumes from the stored progress.
	session := manager.PeerConnected("bob")
	if session == nil || len(session.Progress.Completed) != 1 {
		t.Fatalf("PeerConnected session = %+v, want bob's progress", session)
	}
	recovered := observer.next(t, "recovered")
	if recovered.peer != "bob" || recovered.session == nil {
		t.Errorf("recovered = %+v, want bob with session", recovered)
	}
}
