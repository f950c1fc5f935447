// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package signaling

import (
	"context"
	"encoding/hex"
	"errors"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/bureau-foundation/syncshell/identity"
	"github.com/bureau-foundation/syncshell/lib/clock"
	"github.com/bureau-foundation/syncshell/lib/testutil"
)

// startRelayHub serves a RelayHub and returns its websocket URL.
func startRelayHub(t *testing.T, options RelayHubOptions) (*RelayHub, string) {
	t.Helper()
	if options.Logger == nil {
		options.Logger = discardLogger()
	}
	hub := NewRelayHub(options)
	server := httptest.NewServer(hub)
	t.Cleanup(func() {
		hub.Close()
		server.Close()
	})
	return hub, "ws" + strings.TrimPrefix(server.URL, "http")
}

// deadRelayURL returns the URL of a relay that has already shut down.
func deadRelayURL(t *testing.T) string {
	t.Helper()
	server := httptest.NewServer(NewRelayHub(RelayHubOptions{Logger: discardLogger()}))
	url := "ws" + strings.TrimPrefix(server.URL, "http")
	server.Close()
	return url
}

func newRelayChannel(t *testing.T, relays []string, secret string) (*RelayChannel, *identity.Identity) {
	t.Helper()
	id, err := identity.Generate()
	if err != nil {
		t.Fatalf("Generate: %v", err)
	}
	channel, err := NewRelayChannel(RelayOptions{
		Relays:   relays,
		Identity: id,
		MeshID:   "mesh-test",
		Secret:   []byte(secret),
		Timeout:  time.Second,
		Logger:   discardLogger(),
	})
	if err != nil {
		t.Fatalf("NewRelayChannel: %v", err)
	}
	t.Cleanup(func() { channel.Close() })
	return channel, id
}

func startRelay(t *testing.T, channel *RelayChannel, session string) {
	t.Helper()
	ctx := context.Background()
	if err := channel.Start(ctx); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if err := channel.Join(ctx, session); err != nil {
		t.Fatalf("Join: %v", err)
	}
}

func TestRelayChannelDelivers(t *testing.T) {
	_, url := startRelayHub(t, RelayHubOptions{})
	alpha, alphaID := newRelayChannel(t, []string{url}, "secret")
	beta, _ := newRelayChannel(t, []string{url}, "secret")
	atAlpha, atBeta := newCollector(alpha), newCollector(beta)
	session := testutil.UniqueID("session")
	startRelay(t, alpha, session)
	startRelay(t, beta, session)

	ctx := context.Background()
	if err := alpha.SendOffer(ctx, session, "", "offer-sdp"); err != nil {
		t.Fatalf("SendOffer: %v", err)
	}
	candidate := Candidate{Candidate: "candidate:1 1 udp 1 10.0.0.1 4000 typ host", SDPMid: "0"}
	if err := alpha.SendCandidate(ctx, session, "", candidate); err != nil {
		t.Fatalf("SendCandidate: %v", err)
	}

	offer := atBeta.next(t)
	if offer.Kind != KindOffer || offer.SDP != "offer-sdp" || offer.From != alphaID.ID() || offer.Session != session {
		t.Errorf("beta received %+v", offer)
	}
	if got := atBeta.next(t); got.Kind != KindCandidate || got.Candidate != candidate {
		t.Errorf("beta received %+v, want the candidate", got)
	}

	// The relay echoes publishes back; alpha must not see its own.
	testutil.Eventually(t, 5*time.Second, func() bool { return alpha.Stats().SelfEchoes == 2 },
		"alpha self echoes = %d, want 2", alpha.Stats().SelfEchoes)
	atAlpha.none(t)
	if stats := alpha.Stats(); stats.Published != 2 || stats.PublishFailures != 0 {
		t.Errorf("alpha stats = %+v", stats)
	}
}

func TestRelayChannelReplaysToLateJoiner(t *testing.T) {
	hub, url := startRelayHub(t, RelayHubOptions{})
	alpha, _ := newRelayChannel(t, []string{url}, "secret")
	startRelay(t, alpha, "s1")
	if err := alpha.SendOffer(context.Background(), "s1", "", "offer-sdp"); err != nil {
		t.Fatalf("SendOffer: %v", err)
	}
	if hub.Stored() != 1 {
		t.Fatalf("hub stored %d events, want 1", hub.Stored())
	}

	beta, _ := newRelayChannel(t, []string{url}, "secret")
	atBeta := newCollector(beta)
	startRelay(t, beta, "s1")
	if got := atBeta.next(t); got.SDP != "offer-sdp" {
		t.Errorf("late joiner received %+v", got)
	}
}

func TestRelayChannelDeduplicatesAcrossRelays(t *testing.T) {
	_, first := startRelayHub(t, RelayHubOptions{})
	_, second := startRelayHub(t, RelayHubOptions{})
	relays := []string{first, second}
	alpha, _ := newRelayChannel(t, relays, "secret")
	beta, _ := newRelayChannel(t, relays, "secret")
	atBeta := newCollector(beta)
	startRelay(t, alpha, "s1")
	startRelay(t, beta, "s1")

	if err := alpha.SendOffer(context.Background(), "s1", "", "offer-sdp"); err != nil {
		t.Fatalf("SendOffer: %v", err)
	}
	atBeta.next(t)
	testutil.Eventually(t, 5*time.Second, func() bool { return beta.Stats().Duplicates >= 1 },
		"second relay's copy never arrived")
	atBeta.none(t)
	if received := beta.Stats().Received; received != 1 {
		t.Errorf("beta received %d events, want 1", received)
	}
}

func TestRelayChannelSurvivesUnreachableRelays(t *testing.T) {
	_, live := startRelayHub(t, RelayHubOptions{})
	dead := deadRelayURL(t)

	alpha, _ := newRelayChannel(t, []string{dead, live}, "secret")
	beta, _ := newRelayChannel(t, []string{live, dead}, "secret")
	atBeta := newCollector(beta)
	startRelay(t, alpha, "s1")
	startRelay(t, beta, "s1")
	if connected := alpha.Connected(); len(connected) != 1 || connected[0] != live {
		t.Errorf("alpha connected to %v, want only %s", connected, live)
	}

	if err := alpha.SendAnswer(context.Background(), "s1", "beta", "answer-sdp"); err != nil {
		t.Fatalf("SendAnswer with one live relay: %v", err)
	}
	if got := atBeta.next(t); got.Kind != KindAnswer || got.To != "beta" {
		t.Errorf("beta received %+v", got)
	}
}

func TestRelayChannelUnavailable(t *testing.T) {
	channel, _ := newRelayChannel(t, []string{deadRelayURL(t), deadRelayURL(t)}, "secret")
	if err := channel.Start(context.Background()); !errors.Is(err, ErrUnavailable) {
		t.Fatalf("Start with no reachable relay = %v, want ErrUnavailable", err)
	}

	unconfigured, _ := newRelayChannel(t, nil, "secret")
	if err := unconfigured.Start(context.Background()); !errors.Is(err, ErrUnavailable) {
		t.Fatalf("Start with no relays = %v, want ErrUnavailable", err)
	}
}

func TestRelayChannelIsolatesMeshes(t *testing.T) {
	_, url := startRelayHub(t, RelayHubOptions{})
	alpha, _ := newRelayChannel(t, []string{url}, "secret")
	outsider, _ := newRelayChannel(t, []string{url}, "a different secret")
	atOutsider := newCollector(outsider)
	startRelay(t, alpha, "s1")
	startRelay(t, outsider, "s1")

	if err := alpha.SendOffer(context.Background(), "s1", "", "offer-sdp"); err != nil {
		t.Fatalf("SendOffer: %v", err)
	}
	// Different secrets derive different topics, so the outsider is
	// never even sent the event.
	atOutsider.none(t)
	if stats := outsider.Stats(); stats.Received != 0 || stats.Invalid != 0 {
		t.Errorf("outsider stats = %+v", stats)
	}
}

func TestRelayChannelReconnects(t *testing.T) {
	hub, url := startRelayHub(t, RelayHubOptions{})
	alpha, _ := newRelayChannel(t, []string{url}, "secret")
	beta, _ := newRelayChannel(t, []string{url}, "secret")
	atBeta := newCollector(beta)
	startRelay(t, alpha, "s1")
	startRelay(t, beta, "s1")

	hub.DropClients()
	testutil.Eventually(t, 5*time.Second, func() bool {
		return alpha.Stats().Reconnects >= 1 && beta.Stats().Reconnects >= 1
	}, "channels did not reconnect")

	// Resubscription after reconnecting must be in place before the
	// publish is fanned out; the replay covers the race either way.
	if err := alpha.SendOffer(context.Background(), "s1", "", "after-restart"); err != nil {
		t.Fatalf("SendOffer after reconnect: %v", err)
	}
	if got := atBeta.next(t); got.SDP != "after-restart" {
		t.Errorf("beta received %+v", got)
	}
}

func TestRelayHubRejectsExpiredEvents(t *testing.T) {
	// A relay whose clock runs an hour ahead sees every event as
	// expired.
	_, url := startRelayHub(t, RelayHubOptions{Clock: clock.Fake(time.Now().Add(time.Hour))})
	alpha, _ := newRelayChannel(t, []string{url}, "secret")
	startRelay(t, alpha, "s1")

	if err := alpha.SendOffer(context.Background(), "s1", "", "offer-sdp"); !errors.Is(err, ErrUnavailable) {
		t.Fatalf("SendOffer to a rejecting relay = %v, want ErrUnavailable", err)
	}
	if stats := alpha.Stats(); stats.RelayRejections != 1 || stats.PublishFailures != 1 {
		t.Errorf("stats = %+v", stats)
	}
}

func TestEventVerify(t *testing.T) {
	id, err := identity.Generate()
	if err != nil {
		t.Fatalf("Generate: %v", err)
	}
	sign := func() Event {
		event := Event{
			PubKey:    hex.EncodeToString(id.PublicKey()),
			CreatedAt: 1700000000,
			Kind:      RelayEventKind,
			Tags:      [][]string{{tagTopic, "abc"}, {tagExpiration, "1700000120"}},
			Content:   "payload",
		}
		if err := signEvent(&event, id.Sign); err != nil {
			t.Fatalf("signEvent: %v", err)
		}
		return event
	}

	good := sign()
	if err := good.Verify(); err != nil {
		t.Fatalf("Verify: %v", err)
	}
	if !good.Expired(1700000121) || good.Expired(1700000119) {
		t.Errorf("expiration handling wrong for %d", good.Expiration())
	}

	tests := []struct {
		name   string
		tamper func(*Event)
	}{
		{"content", func(e *Event) { e.Content = "other payload" }},
		{"tags", func(e *Event) { e.Tags[0][1] = "def" }},
		{"signature", func(e *Event) { e.Sig = strings.Repeat("0", len(e.Sig)) }},
		{"id", func(e *Event) { e.ID = strings.Repeat("f", len(e.ID)) }},
		{"pubkey", func(e *Event) { e.PubKey = "zz" }},
	}
	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			event := sign()
			test.tamper(&event)
			if err := event.Verify(); err == nil {
				t.Errorf("tampered %s verified", test.name)
			}
		})
	}
}

func TestMeshKeysSealOpen(t *testing.T) {
	keys, err := deriveMeshKeys("mesh-test", []byte("secret"))
	if err != nil {
		t.Fatalf("deriveMeshKeys: %v", err)
	}
	topic := keys.topicFor("s1")
	if topic == keys.topicFor("s2") || topic == keys.mailboxFor("s1") {
		t.Fatalf("derived names collide")
	}
	sealed, err := keys.seal([]byte("hello"), topic)
	if err != nil {
		t.Fatalf("seal: %v", err)
	}
	opened, err := keys.open(sealed, topic)
	if err != nil || string(opened) != "hello" {
		t.Fatalf("open = %q, %v", opened, err)
	}
	if _, err := keys.open(sealed, keys.topicFor("s2")); err == nil {
		t.Errorf("content opened under another topic")
	}

	other, _ := deriveMeshKeys("mesh-test", []byte("other secret"))
	if _, err := other.open(sealed, topic); err == nil {
		t.Errorf("content opened with another mesh's key")
	}
}
