// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package signaling

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/bureau-foundation/syncshell/lib/clock"
	"github.com/bureau-foundation/syncshell/lib/testutil"
)

func startMailboxServer(t *testing.T) (*MailboxServer, string) {
	t.Helper()
	server := NewMailboxServer(nil, discardLogger())
	httpServer := httptest.NewServer(server)
	t.Cleanup(httpServer.Close)
	return server, httpServer.URL
}

func startMailbox(t *testing.T, url, peer, session string) *MailboxChannel {
	t.Helper()
	channel, err := NewMailboxChannel(MailboxOptions{
		URL:          url,
		LocalID:      peer,
		MeshID:       "mesh-test",
		Secret:       []byte("secret"),
		PollInterval: 20 * time.Millisecond,
		Timeout:      time.Second,
		Logger:       discardLogger(),
	})
	if err != nil {
		t.Fatalf("NewMailboxChannel: %v", err)
	}
	t.Cleanup(func() { channel.Close() })
	ctx := context.Background()
	if err := channel.Start(ctx); err != nil {
		t.Fatalf("Start(%s): %v", peer, err)
	}
	if session != "" {
		if err := channel.Join(ctx, session); err != nil {
			t.Fatalf("Join(%s): %v", peer, err)
		}
	}
	return channel
}

func TestMailboxChannelDelivers(t *testing.T) {
	server, url := startMailboxServer(t)
	alpha := startMailbox(t, url, "alpha", "s1")
	beta := startMailbox(t, url, "beta", "s1")
	gamma := startMailbox(t, url, "gamma", "s1")
	atAlpha, atBeta, atGamma := newCollector(alpha), newCollector(beta), newCollector(gamma)

	if server.Mailboxes() != 1 {
		t.Errorf("server has %d mailboxes, want 1 shared by the session", server.Mailboxes())
	}

	ctx := context.Background()
	if err := alpha.SendOffer(ctx, "s1", "", "offer-sdp"); err != nil {
		t.Fatalf("SendOffer: %v", err)
	}
	if got := atBeta.next(t); got.Kind != KindOffer || got.From != "alpha" || got.SDP != "offer-sdp" {
		t.Errorf("beta received %+v", got)
	}
	if got := atGamma.next(t); got.Kind != KindOffer {
		t.Errorf("gamma received %+v", got)
	}

	// Addressed messages reach only their recipient.
	if err := beta.SendAnswer(ctx, "s1", "alpha", "answer-sdp"); err != nil {
		t.Fatalf("SendAnswer: %v", err)
	}
	if got := atAlpha.next(t); got.Kind != KindAnswer || got.From != "beta" {
		t.Errorf("alpha received %+v", got)
	}
	atGamma.none(t)
	atBeta.none(t)
	atAlpha.none(t)

	if stats := alpha.Stats(); stats.Sent != 1 || stats.Received != 1 {
		t.Errorf("alpha stats = %+v", stats)
	}
}

func TestMailboxChannelUnavailable(t *testing.T) {
	httpServer := httptest.NewServer(NewMailboxServer(nil, discardLogger()))
	url := httpServer.URL
	httpServer.Close()

	channel, err := NewMailboxChannel(MailboxOptions{URL: url, LocalID: "alpha", Timeout: time.Second, Logger: discardLogger()})
	if err != nil {
		t.Fatalf("NewMailboxChannel: %v", err)
	}
	defer channel.Close()
	if err := channel.Start(context.Background()); !errors.Is(err, ErrUnavailable) {
		t.Errorf("Start against a stopped server = %v, want ErrUnavailable", err)
	}
	if err := channel.SendOffer(context.Background(), "s1", "", "sdp"); !errors.Is(err, ErrUnavailable) {
		t.Errorf("SendOffer against a stopped server = %v, want ErrUnavailable", err)
	}
}

func TestMailboxChannelRequiresURL(t *testing.T) {
	if _, err := NewMailboxChannel(MailboxOptions{LocalID: "alpha"}); err == nil {
		t.Fatal("NewMailboxChannel without a URL succeeded")
	}
}

func TestMailboxChannelSendCreatesMailbox(t *testing.T) {
	server, url := startMailboxServer(t)
	// A sender that never joined still lands its message.
	sender := startMailbox(t, url, "alpha", "")
	if err := sender.SendOffer(context.Background(), "s1", "", "offer-sdp"); err != nil {
		t.Fatalf("SendOffer to a missing mailbox: %v", err)
	}
	if server.Mailboxes() != 1 {
		t.Fatalf("server has %d mailboxes, want 1", server.Mailboxes())
	}

	receiver := startMailbox(t, url, "beta", "s1")
	atReceiver := newCollector(receiver)
	if got := atReceiver.next(t); got.SDP != "offer-sdp" {
		t.Errorf("receiver got %+v", got)
	}
	testutil.Eventually(t, 5*time.Second, func() bool { return receiver.Stats().Polls >= 3 },
		"receiver is not polling")
	atReceiver.none(t)
}

func TestMailboxServer(t *testing.T) {
	fake := clock.Fake(testEpoch)
	server := NewMailboxServer(fake, discardLogger())
	do := func(method, target, body string) *httptest.ResponseRecorder {
		t.Helper()
		recorder := httptest.NewRecorder()
		server.ServeHTTP(recorder, httptest.NewRequest(method, target, strings.NewReader(body)))
		return recorder
	}
	poll := func(after string) mailboxPollResponse {
		t.Helper()
		recorder := do(http.MethodGet, "/v1/mailbox/box?after="+after, "")
		if recorder.Code != http.StatusOK {
			t.Fatalf("poll status = %d", recorder.Code)
		}
		var response mailboxPollResponse
		if err := json.Unmarshal(recorder.Body.Bytes(), &response); err != nil {
			t.Fatalf("decoding poll: %v", err)
		}
		return response
	}

	if code := do(http.MethodGet, "/v1/health", "").Code; code != http.StatusNoContent {
		t.Errorf("health = %d", code)
	}
	if code := do(http.MethodPost, "/v1/mailbox/box", `{"id":"a","body":"x"}`).Code; code != http.StatusNotFound {
		t.Errorf("append to missing mailbox = %d, want 404", code)
	}
	if code := do(http.MethodPut, "/v1/mailbox/box?ttl=60", "").Code; code != http.StatusCreated {
		t.Errorf("create = %d, want 201", code)
	}
	if code := do(http.MethodPut, "/v1/mailbox/box?ttl=60", "").Code; code != http.StatusOK {
		t.Errorf("refresh = %d, want 200", code)
	}
	if code := do(http.MethodPut, "/v1/mailbox/other?ttl=99999", "").Code; code != http.StatusBadRequest {
		t.Errorf("create with huge ttl = %d, want 400", code)
	}
	if code := do(http.MethodPost, "/v1/mailbox/box", `not json`).Code; code != http.StatusBadRequest {
		t.Errorf("malformed append = %d, want 400", code)
	}

	for _, id := range []string{"a", "b", "c"} {
		if code := do(http.MethodPost, "/v1/mailbox/box", `{"id":"`+id+`","body":"sealed"}`).Code; code != http.StatusOK {
			t.Fatalf("append %s = %d", id, code)
		}
	}
	if all := poll("0"); len(all.Entries) != 3 || all.Next != 3 || all.Entries[0].ID != "a" {
		t.Errorf("poll(0) = %+v", all)
	}
	if rest := poll("2"); len(rest.Entries) != 1 || rest.Entries[0].ID != "c" || rest.Next != 3 {
		t.Errorf("poll(2) = %+v", rest)
	}
	if none := poll("3"); len(none.Entries) != 0 || none.Next != 3 {
		t.Errorf("poll(3) = %+v", none)
	}

	// The TTL runs from the last write.
	fake.Advance(59 * time.Second)
	if server.Mailboxes() != 1 {
		t.Fatalf("mailbox expired early")
	}
	fake.Advance(time.Second)
	if server.Mailboxes() != 0 {
		t.Errorf("mailbox outlived its TTL")
	}
	if code := do(http.MethodGet, "/v1/mailbox/box?after=0", "").Code; code != http.StatusNotFound {
		t.Errorf("poll of expired mailbox = %d, want 404", code)
	}
}
