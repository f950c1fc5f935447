// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package transport

import (
	"context"
	"errors"
	"reflect"
	"sync"
	"testing"
	"time"

	"github.com/bureau-foundation/syncshell/lib/testutil"
	"github.com/bureau-foundation/syncshell/signaling"
)

// testObserver reports manager events on channels.
type testObserver struct {
	connected    chan string
	disconnected chan string
	data         chan string
}

func newTestObserver() *testObserver {
	return &testObserver{
		connected:    make(chan string, 16),
		disconnected: make(chan string, 16),
		data:         make(chan string, 64),
	}
}

func (o *testObserver) PeerConnected(peer string, send SendFunc) { o.connected <- peer }
func (o *testObserver) PeerDisconnected(peer string, reason error) { o.disconnected <- peer }
func (o *testObserver) DataReceived(peer string, data []byte)      { o.data <- peer + ":" + string(data) }

func requireEvent(t *testing.T, events <-chan string, want, what string) {
	t.Helper()
	if got := testutil.RequireReceive(t, events, waitTimeout, "waiting for %s", what); got != want {
		t.Fatalf("%s = %q, want %q", what, got, want)
	}
}

func requireNoEvent(t *testing.T, events <-chan string, what string) {
	t.Helper()
	select {
	case got := <-events:
		t.Fatalf("unexpected %s %q", what, got)
	case <-time.After(100 * time.Millisecond):
	}
}

type meshNode struct {
	manager  *Manager
	observer *testObserver
	channel  *signaling.MemoryChannel
}

// newMeshNode creates a manager for id on network, signaling through
// hub in session "s1".
func newMeshNode(t *testing.T, network *LoopbackNetwork, hub *signaling.MemoryHub, id string) *meshNode {
	t.Helper()
	node := &meshNode{observer: newTestObserver(), channel: hub.Channel(id)}
	ctx := context.Background()
	if err := node.channel.Start(ctx); err != nil {
		t.Fatalf("Start(%s): %v", id, err)
	}
	if err := node.channel.Join(ctx, "s1"); err != nil {
		t.Fatalf("Join(%s): %v", id, err)
	}
	node.manager = NewManager(ManagerOptions{
		LocalID:  id,
		Backend:  network.Factory(id),
		Observer: node.observer,
		Logger:   discardLogger(),
	})
	node.manager.Attach(node.channel)
	t.Cleanup(func() {
		node.manager.Close()
		node.channel.Close()
	})
	return node
}

// connectPair connects alpha to beta through signaling and waits for
// both sides to report it.
func connectPair(t *testing.T, alpha, beta *meshNode) {
	t.Helper()
	if err := alpha.manager.Connect(context.Background(), "beta", "s1"); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	requireEvent(t, alpha.observer.connected, "beta", "alpha's connected peer")
	requireEvent(t, beta.observer.connected, "alpha", "beta's connected peer")
}

func TestManagerConnectsThroughSignaling(t *testing.T) {
	network, hub := NewLoopbackNetwork(), signaling.NewMemoryHub()
	alpha := newMeshNode(t, network, hub, "alpha")
	beta := newMeshNode(t, network, hub, "beta")
	connectPair(t, alpha, beta)

	ctx := context.Background()
	if err := alpha.manager.Send(ctx, "beta", []byte("ping")); err != nil {
		t.Fatalf("Send: %v", err)
	}
	requireEvent(t, beta.observer.data, "alpha:ping", "beta's received data")
	if err := beta.manager.Send(ctx, "alpha", []byte("pong")); err != nil {
		t.Fatalf("Send: %v", err)
	}
	requireEvent(t, alpha.observer.data, "beta:pong", "alpha's received data")

	if peers := alpha.manager.Connected(); !reflect.DeepEqual(peers, []string{"beta"}) {
		t.Errorf("alpha Connected() = %v", peers)
	}
	if err := alpha.manager.Send(ctx, "gamma", []byte("x")); !errors.Is(err, ErrNotConnected) {
		t.Errorf("Send to unknown peer = %v, want ErrNotConnected", err)
	}

	// Each side applied the other's single candidate exactly once.
	for _, link := range [][2]string{{"alpha", "beta"}, {"beta", "alpha"}} {
		if applied := network.Applied(link[0], link[1]); len(applied) != 1 {
			t.Errorf("%s applied %d candidates from %s, want 1: %v", link[0], len(applied), link[1], applied)
		}
	}
	if stats := alpha.manager.Stats(); stats.Created != 1 || stats.SignalFailures != 0 {
		t.Errorf("alpha stats = %+v", stats)
	}
}

func TestManagerInviteRenamesPendingConnection(t *testing.T) {
	network, hub := NewLoopbackNetwork(), signaling.NewMemoryHub()
	alpha := newMeshNode(t, network, hub, "alpha")
	beta := newMeshNode(t, network, hub, "beta")

	// Offer to whoever answers.
	if err := alpha.manager.Connect(context.Background(), "", "s1"); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	requireEvent(t, alpha.observer.connected, "beta", "alpha's connected peer")
	requireEvent(t, beta.observer.connected, "alpha", "beta's connected peer")

	if peers := alpha.manager.Peers(); !reflect.DeepEqual(peers, []string{"beta"}) {
		t.Errorf("alpha Peers() = %v, want [beta]", peers)
	}
	if _, ok := alpha.manager.Peer(pendingPrefix + "s1"); ok {
		t.Error("pending invite key still present after the answer")
	}
	pc, ok := alpha.manager.Peer("beta")
	if !ok || pc.Peer() != "beta" {
		t.Fatalf("Peer(beta) = %v, %v", pc, ok)
	}
	if err := alpha.manager.Send(context.Background(), "beta", []byte("hi")); err != nil {
		t.Fatalf("Send after rename: %v", err)
	}
	requireEvent(t, beta.observer.data, "alpha:hi", "beta's received data")
}

func TestManagerCreateIsIdempotentUnderRace(t *testing.T) {
	network := NewLoopbackNetwork()
	var arrived sync.WaitGroup
	arrived.Add(2)
	// Both creators are inside backend construction at once, so both
	// see no existing connection.
	factory := BackendFactoryFunc(func(peer string, role Role, events BackendEvents) (Backend, error) {
		arrived.Done()
		arrived.Wait()
		return network.Factory("alpha").NewBackend(peer, role, events)
	})
	manager := NewManager(ManagerOptions{LocalID: "alpha", Backend: factory, Logger: discardLogger()})
	defer manager.Close()

	type result struct {
		pc      *PeerConnection
		created bool
		err     error
	}
	results := make(chan result, 2)
	for range 2 {
		go func() {
			pc, created, err := manager.Create("beta", RoleOfferer)
			results <- result{pc, created, err}
		}()
	}
	first := testutil.RequireReceive(t, results, waitTimeout, "first Create")
	second := testutil.RequireReceive(t, results, waitTimeout, "second Create")
	if first.err != nil || second.err != nil {
		t.Fatalf("Create errors: %v, %v", first.err, second.err)
	}
	if first.pc != second.pc {
		t.Fatal("racing Create calls returned different connections")
	}
	if first.created == second.created {
		t.Errorf("created flags = %v, %v; want exactly one true", first.created, second.created)
	}
	if first.pc.State().Terminal() {
		t.Errorf("kept connection is %s", first.pc.State())
	}
	if stats := manager.Stats(); stats.Created != 1 || stats.Duplicates != 1 {
		t.Errorf("stats = %+v, want 1 created and 1 duplicate", stats)
	}

	again, created, err := manager.Create("beta", RoleAnswerer)
	if err != nil || created || again != first.pc {
		t.Errorf("third Create = %p, %v, %v; want the existing connection", again, created, err)
	}
}

func TestManagerQueuesOrphanCandidates(t *testing.T) {
	network := NewLoopbackNetwork()
	observer := newTestObserver()
	alpha := NewManager(ManagerOptions{
		LocalID: "alpha", Backend: network.Factory("alpha"), Observer: observer, Logger: discardLogger(),
	})
	defer alpha.Close()

	// beta signals by hand: its candidates reach alpha before alpha
	// has a connection to route them to.
	beta, err := NewPeerConnection(PeerOptions{
		Peer: "alpha", Role: RoleOfferer, Backend: network.Factory("beta"), Logger: discardLogger(),
		Hooks: PeerHooks{LocalCandidate: func(c Candidate) { alpha.AddCandidate("beta", c) }},
	})
	if err != nil {
		t.Fatalf("NewPeerConnection: %v", err)
	}
	defer beta.Close()

	ctx := context.Background()
	offer, err := beta.CreateOffer(ctx)
	if err != nil {
		t.Fatalf("CreateOffer: %v", err)
	}
	testutil.Eventually(t, waitTimeout, func() bool { return alpha.Stats().OrphanCandidates == 1 },
		"beta's candidate was not held")
	// A redelivered copy is held too, and must still apply only once.
	alpha.AddCandidate("beta", Candidate{Candidate: loopbackCandidatePrefix + "beta>alpha", SDPMid: "0"})
	if orphans := alpha.Stats().OrphanCandidates; orphans != 2 {
		t.Fatalf("OrphanCandidates = %d, want 2", orphans)
	}

	answer, err := alpha.CreateAnswer(ctx, "beta", offer)
	if err != nil {
		t.Fatalf("CreateAnswer: %v", err)
	}
	if err := beta.SetRemoteAnswer(ctx, answer); err != nil {
		t.Fatalf("SetRemoteAnswer: %v", err)
	}
	beta.AddRemoteCandidate(Candidate{Candidate: loopbackCandidatePrefix + "alpha>beta", SDPMid: "0"})

	requireEvent(t, observer.connected, "beta", "alpha's connected peer")
	pc, _ := alpha.Peer("beta")
	// The redelivered copy drains one pacing interval later.
	testutil.Eventually(t, waitTimeout, func() bool { return pc.Stats().CandidatesDuplicate == 1 },
		"redelivered candidate was not recognized")
	if applied := network.Applied("alpha", "beta"); len(applied) != 1 {
		t.Errorf("alpha applied %d candidates, want 1: %v", len(applied), applied)
	}
}

func TestManagerResolvesOfferGlare(t *testing.T) {
	network, hub := NewLoopbackNetwork(), signaling.NewMemoryHub()
	alpha := newMeshNode(t, network, hub, "alpha")
	beta := newMeshNode(t, network, hub, "beta")
	ctx := context.Background()

	// alpha has an offer of its own in progress when beta's arrives.
	if _, _, err := alpha.manager.Create("beta", RoleOfferer); err != nil {
		t.Fatalf("Create: %v", err)
	}
	if err := beta.manager.Connect(ctx, "alpha", "s1"); err != nil {
		t.Fatalf("beta Connect: %v", err)
	}
	testutil.Eventually(t, waitTimeout, func() bool { return alpha.manager.Stats().GlareIgnored == 1 },
		"alpha did not keep its own offer")

	// beta has the larger id, so it yields to alpha's offer.
	if err := alpha.manager.Connect(ctx, "beta", "s1"); err != nil {
		t.Fatalf("alpha Connect: %v", err)
	}
	requireEvent(t, alpha.observer.connected, "beta", "alpha's connected peer")
	requireEvent(t, beta.observer.connected, "alpha", "beta's connected peer")

	if yielded := beta.manager.Stats().GlareYielded; yielded != 1 {
		t.Errorf("beta GlareYielded = %d, want 1", yielded)
	}
	alphaSide, _ := alpha.manager.Peer("beta")
	betaSide, _ := beta.manager.Peer("alpha")
	if alphaSide.Role() != RoleOfferer || betaSide.Role() != RoleAnswerer {
		t.Errorf("roles = %s/%s, want offerer/answerer", alphaSide.Role(), betaSide.Role())
	}
	// The connection beta gave up is closed silently.
	requireNoEvent(t, beta.observer.disconnected, "disconnect at beta")
}

func TestManagerDiscardsSelfEchoes(t *testing.T) {
	network, hub := NewLoopbackNetwork(), signaling.NewMemoryHub()
	hub.SetEcho(true)
	alpha := newMeshNode(t, network, hub, "alpha")
	beta := newMeshNode(t, network, hub, "beta")
	connectPair(t, alpha, beta)

	testutil.Eventually(t, waitTimeout, func() bool { return alpha.manager.Stats().SelfEchoes >= 1 },
		"echoed offer not counted")
	if !alpha.manager.Hosting("s1") {
		t.Fatal("alpha is not hosting the session it offered in")
	}

	// A channel may hand our own offer back under another name, as a
	// pasted-back invite code would.
	pc, _ := alpha.manager.Peer("beta")
	before := alpha.manager.Stats().SelfEchoes
	alpha.manager.handleOffer(signaling.Message{
		Kind: signaling.KindOffer, Session: "s1", From: "mallory", SDP: pc.Info().LocalDescription,
	})
	if after := alpha.manager.Stats().SelfEchoes; after != before+1 {
		t.Errorf("SelfEchoes = %d, want %d", after, before+1)
	}
	if _, ok := alpha.manager.Peer("mallory"); ok {
		t.Error("answered our own offer")
	}

	alpha.manager.Unhost("s1")
	if alpha.manager.Hosting("s1") {
		t.Error("still hosting after Unhost")
	}
}

func TestManagerDropsStrayAnswers(t *testing.T) {
	network, hub := NewLoopbackNetwork(), signaling.NewMemoryHub()
	alpha := newMeshNode(t, network, hub, "alpha")
	beta := newMeshNode(t, network, hub, "beta")
	ctx := context.Background()

	if err := alpha.manager.SetRemoteAnswer(ctx, "nobody", "loopback nobody>alpha"); err != nil {
		t.Errorf("answer without an offer = %v, want nil", err)
	}
	if dropped := alpha.manager.Stats().DroppedAnswers; dropped != 1 {
		t.Errorf("DroppedAnswers = %d, want 1", dropped)
	}

	connectPair(t, alpha, beta)
	pc, _ := alpha.manager.Peer("beta")
	if err := alpha.manager.SetRemoteAnswer(ctx, "beta", pc.Info().RemoteDescription); err != nil {
		t.Errorf("duplicate answer = %v, want nil", err)
	}
	// A duplicate arriving over signaling is absorbed the same way.
	if err := beta.channel.SendAnswer(ctx, "s1", "alpha", "loopback beta>alpha"); err != nil {
		t.Fatalf("SendAnswer: %v", err)
	}
	testutil.Eventually(t, waitTimeout, func() bool { return alpha.manager.Stats().DuplicateAnswers == 2 },
		"duplicate answers not counted")
	if state := pc.State(); state != StateConnected {
		t.Errorf("connection state after duplicate answers = %s", state)
	}
}

func TestManagerDisconnectIsSilent(t *testing.T) {
	network, hub := NewLoopbackNetwork(), signaling.NewMemoryHub()
	alpha := newMeshNode(t, network, hub, "alpha")
	beta := newMeshNode(t, network, hub, "beta")
	connectPair(t, alpha, beta)

	if err := alpha.manager.Disconnect("beta"); err != nil {
		t.Fatalf("Disconnect: %v", err)
	}
	requireEvent(t, beta.observer.disconnected, "alpha", "beta's disconnected peer")
	requireNoEvent(t, alpha.observer.disconnected, "disconnect at alpha")
	if peers := alpha.manager.Peers(); len(peers) != 0 {
		t.Errorf("alpha Peers() after Disconnect = %v", peers)
	}
	if peers := beta.manager.Peers(); len(peers) != 0 {
		t.Errorf("beta Peers() after remote disconnect = %v", peers)
	}
}

func TestManagerReconnectsAfterTransportFailure(t *testing.T) {
	network, hub := NewLoopbackNetwork(), signaling.NewMemoryHub()
	alpha := newMeshNode(t, network, hub, "alpha")
	beta := newMeshNode(t, network, hub, "beta")
	connectPair(t, alpha, beta)

	network.Fail("alpha", "beta")
	requireEvent(t, alpha.observer.disconnected, "beta", "alpha's disconnected peer")
	requireEvent(t, beta.observer.disconnected, "alpha", "beta's disconnected peer")
	if _, ok := alpha.manager.Peer("beta"); ok {
		t.Fatal("failed connection still registered")
	}

	connectPair(t, alpha, beta)
	if stats := alpha.manager.Stats(); stats.Created != 2 {
		t.Errorf("alpha Created = %d, want 2", stats.Created)
	}
}

func TestManagerClose(t *testing.T) {
	network, hub := NewLoopbackNetwork(), signaling.NewMemoryHub()
	alpha := newMeshNode(t, network, hub, "alpha")
	beta := newMeshNode(t, network, hub, "beta")
	connectPair(t, alpha, beta)

	alpha.manager.Close()
	requireNoEvent(t, alpha.observer.disconnected, "disconnect at alpha")
	if _, _, err := alpha.manager.Create("gamma", RoleOfferer); !errors.Is(err, ErrClosed) {
		t.Errorf("Create after Close = %v, want ErrClosed", err)
	}
	if err := alpha.manager.Connect(context.Background(), "beta", "s1"); !errors.Is(err, ErrClosed) {
		t.Errorf("Connect after Close = %v, want ErrClosed", err)
	}
}

func TestManagerRecognizesHostedOffers(t *testing.T) {
	manager := NewManager(ManagerOptions{
		LocalID: "alpha",
		Backend: NewLoopbackNetwork().Factory("alpha"),
		Logger:  discardLogger(),
	})
	t.Cleanup(func() { manager.Close() })

	manager.Host("rv:1234-apple-river", "loopback alpha>? syncshell")

	tests := []struct {
		name    string
		session string
		sdp     string
		want    bool
	}{
		{"hosted offer", "rv:1234-apple-river", "loopback alpha>? syncshell", true},
		{"other offer in hosted session", "rv:1234-apple-river", "loopback beta>alpha syncshell", false},
		{"hosted offer in another session", "home", "loopback alpha>? syncshell", false},
	}
	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			message := signaling.Message{Kind: signaling.KindOffer, Session: test.session, From: "beta", SDP: test.sdp}
			if got := manager.isOwnOffer(message); got != test.want {
				t.Errorf("isOwnOffer = %v, want %v", got, test.want)
			}
		})
	}

	manager.Unhost("rv:1234-apple-river")
	message := signaling.Message{Kind: signaling.KindOffer, Session: "rv:1234-apple-river", SDP: "loopback alpha>? syncshell"}
	if manager.isOwnOffer(message) {
		t.Error("offer still recognized after Unhost")
	}
}
