// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"bytes"
	"context"
	"io"
	"log/slog"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/bureau-foundation/syncshell/identity"
	"github.com/bureau-foundation/syncshell/lib/config"
	"github.com/bureau-foundation/syncshell/lib/testutil"
	"github.com/bureau-foundation/syncshell/mesh"
	"github.com/bureau-foundation/syncshell/signaling"
	"github.com/bureau-foundation/syncshell/transport"
)

// syncBuffer is a bytes.Buffer safe for the console's writes and the
// test's reads.
type syncBuffer struct {
	mu     sync.Mutex
	buffer bytes.Buffer
}

func (b *syncBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buffer.Write(p)
}

func (b *syncBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buffer.String()
}

func newConsoleMesh(t *testing.T, network *transport.LoopbackNetwork, hub *signaling.MemoryHub, seed byte, name string) (*mesh.Mesh, *console, *syncBuffer) {
	t.Helper()
	id, err := identity.FromSeed(bytes.Repeat([]byte{seed}, 32))
	if err != nil {
		t.Fatal(err)
	}
	cfg := config.Default()
	cfg.Mesh.Name = "book-club"
	cfg.Mesh.Secret = "correct horse battery staple"

	output := &syncBuffer{}
	console := newConsole(output)
	m, err := mesh.New(mesh.Options{
		Config:         cfg,
		Identity:       id,
		DisplayName:    name,
		Backend:        network.Factory(id.ID()),
		Channel:        hub.Channel(id.ID()),
		Application:    console,
		Logger:         slog.New(slog.NewJSONHandler(io.Discard, nil)),
		ConnectTimeout: time.Second,
	})
	if err != nil {
		t.Fatalf("mesh.New: %v", err)
	}
	t.Cleanup(func() { m.Close() })
	console.attach(m)
	if err := m.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	return m, console, output
}

func TestConsoleChat(t *testing.T) {
	network, hub := transport.NewLoopbackNetwork(), signaling.NewMemoryHub()
	alice, aliceConsole, _ := newConsoleMesh(t, network, hub, 1, "alice")
	bob, _, bobOutput := newConsoleMesh(t, network, hub, 2, "bob")

	ctx := context.Background()
	if err := alice.Connect(ctx, bob.LocalID()); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	if _, err := aliceConsole.waitConnected(ctx, bob.LocalID(), 5*time.Second); err != nil {
		t.Fatalf("waitConnected: %v", err)
	}
	testutil.Eventually(t, 5*time.Second, func() bool {
		_, ok := bob.Lookup("alice")
		return ok
	}, "bob never learned alice's name")

	input := strings.NewReader("\n/help\nhello from alice\n/quit\nnever sent\n")
	if err := aliceConsole.chat(ctx, alice, readLines(ctx, input)); err != nil {
		t.Fatalf("chat: %v", err)
	}

	testutil.Eventually(t, 5*time.Second, func() bool {
		return strings.Contains(bobOutput.String(), "<alice> hello from alice")
	}, "bob never printed the message")
	if strings.Contains(bobOutput.String(), "never sent") {
		t.Error("input after /quit was sent")
	}
}

func TestWaitConnectedTimesOut(t *testing.T) {
	console := newConsole(io.Discard)
	if _, err := console.waitConnected(context.Background(), "", 20*time.Millisecond); err == nil {
		t.Fatal("waitConnected returned without a connection")
	}

	console.PeerConnected("other", nil)
	console.PeerConnected("wanted", nil)
	peer, err := console.waitConnected(context.Background(), "wanted", time.Second)
	if err != nil || peer != "wanted" {
		t.Fatalf("waitConnected = %q, %v", peer, err)
	}
}

func TestNextLineSkipsBlankLines(t *testing.T) {
	ctx := context.Background()
	lines := readLines(ctx, strings.NewReader("\n   \nssa1.code  \n"))
	line, err := nextLine(ctx, lines)
	if err != nil || line != "ssa1.code" {
		t.Fatalf("nextLine = %q, %v", line, err)
	}
	if _, err := nextLine(ctx, lines); err != io.EOF {
		t.Fatalf("nextLine at end = %v, want io.EOF", err)
	}
}

func TestRootCommandTree(t *testing.T) {
	seen := make(map[string]bool)
	for _, command := range root().Subcommands {
		if command.Summary == "" {
			t.Errorf("%s has no summary", command.Name)
		}
		if seen[command.Name] {
			t.Errorf("duplicate command %s", command.Name)
		}
		seen[command.Name] = true
	}
	for _, name := range []string{"invite", "join", "up", "members", "remove", "code", "relay", "mailbox"} {
		if !seen[name] {
			t.Errorf("missing command %s", name)
		}
	}
}
