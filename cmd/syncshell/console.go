// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"strings"
	"sync"
	"time"

	"github.com/bureau-foundation/syncshell/ledger"
	"github.com/bureau-foundation/syncshell/mesh"
	"github.com/bureau-foundation/syncshell/recovery"
	"github.com/bureau-foundation/syncshell/rendezvous"
	"github.com/bureau-foundation/syncshell/transport"
)

// console is the interactive application: payloads are printed as
// lines of text and mesh events as status lines.
type console struct {
	out io.Writer

	mu   sync.Mutex
	mesh *mesh.Mesh

	// connected receives every admitted peer id.
	connected chan string
}

var (
	_ mesh.Application      = (*console)(nil)
	_ mesh.RecoveryObserver = (*console)(nil)
)

func newConsole(out io.Writer) *console {
	return &console{out: out, connected: make(chan string, 16)}
}

// attach gives the console the mesh it reports for, so peers can be
// shown by display name.
func (c *console) attach(m *mesh.Mesh) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.mesh = m
}

func (c *console) printf(format string, args ...any) {
	c.mu.Lock()
	defer c.mu.Unlock()
	fmt.Fprintf(c.out, format+"\n", args...)
}

func (c *console) name(peer string) string {
	c.mu.Lock()
	m := c.mesh
	c.mu.Unlock()
	if m != nil {
		if record, ok := m.Lookup(peer); ok && record.DisplayName() != "" {
			return record.DisplayName()
		}
	}
	return shortID(peer)
}

func (c *console) PeerConnected(peer string, _ transport.SendFunc) {
	c.printf("* %s connected", c.name(peer))
	select {
	case c.connected <- peer:
	default:
	}
}

func (c *console) PeerDisconnected(peer string) {
	c.printf("* %s disconnected", c.name(peer))
}

func (c *console) DataReceived(peer string, data []byte) {
	c.printf("<%s> %s", c.name(peer), strings.TrimRight(string(data), "\n"))
}

func (c *console) MembershipChanged(snapshot ledger.Snapshot) {
	c.printf("* roster: %d members, %d removed", len(snapshot.Members), len(snapshot.Tombstones))
}

func (c *console) ReconnectAttempt(peer string, attempt int, delay time.Duration) {
	c.printf("* reconnecting to %s (attempt %d in %s)", c.name(peer), attempt, delay)
}

func (c *console) PeerRecovered(peer string, session *recovery.Session) {
	if session != nil && session.Progress != nil {
		c.printf("* %s is back; resuming after %d completed items", c.name(peer), len(session.Progress.Completed))
		return
	}
	c.printf("* %s is back", c.name(peer))
}

func (c *console) RecoveryFailed(peer string, err error) {
	c.printf("* could not reach %s: %v", c.name(peer), err)
}

func (c *console) BootstrapRequired(peer string, code rendezvous.Code) {
	c.printf("* %s has not been seen for too long. Share this bootstrap code with them\n  and have them run `syncshell code --peer <your id>` to compare:\n  %s",
		c.name(peer), code)
}

// waitConnected waits for any peer to connect, or for want when set.
func (c *console) waitConnected(ctx context.Context, want string, timeout time.Duration) (string, error) {
	deadline := time.NewTimer(timeout)
	defer deadline.Stop()
	for {
		select {
		case peer := <-c.connected:
			if want == "" || peer == want {
				return peer, nil
			}
		case <-deadline.C:
			return "", fmt.Errorf("no connection after %s", timeout)
		case <-ctx.Done():
			return "", ctx.Err()
		}
	}
}

// readLines delivers stdin lines until EOF or ctx is done.
func readLines(ctx context.Context, in io.Reader) <-chan string {
	lines := make(chan string)
	go func() {
		defer close(lines)
		scanner := bufio.NewScanner(in)
		for scanner.Scan() {
			select {
			case lines <- scanner.Text():
			case <-ctx.Done():
				return
			}
		}
	}()
	return lines
}

func nextLine(ctx context.Context, lines <-chan string) (string, error) {
	for {
		select {
		case line, ok := <-lines:
			if !ok {
				return "", io.EOF
			}
			if line = strings.TrimSpace(line); line != "" {
				return line, nil
			}
		case <-ctx.Done():
			return "", ctx.Err()
		}
	}
}

// chat broadcasts each input line to the connected members until
// input ends or ctx is done. Lines starting with a slash are console
// commands.
func (c *console) chat(ctx context.Context, m *mesh.Mesh, lines <-chan string) error {
	c.printf("* type a message, or /help")
	for {
		line, err := nextLine(ctx, lines)
		if err != nil {
			return nil
		}
		if !strings.HasPrefix(line, "/") {
			if err := m.Broadcast(ctx, []byte(line)); err != nil {
				c.printf("* send failed: %v", err)
			}
			continue
		}
		command, argument, _ := strings.Cut(strings.TrimPrefix(line, "/"), " ")
		argument = strings.TrimSpace(argument)
		switch command {
		case "quit", "exit":
			return nil
		case "help":
			c.printf("* /members  /connected  /code [peer]  /remove <member>  /quit")
		case "members":
			for _, record := range m.Members() {
				c.printf("  %s  %s", record.ID(), record.DisplayName())
			}
		case "connected":
			for _, peer := range m.Connected() {
				c.printf("  %s  %s", peer, c.name(peer))
			}
		case "code":
			peer := argument
			if peer != "" {
				record, ok := m.Lookup(peer)
				if !ok {
					c.printf("* unknown member %q", peer)
					continue
				}
				peer = record.ID()
			}
			c.printf("* rendezvous %s", m.RendezvousCode(peer))
			if peer != "" {
				c.printf("* bootstrap  %s", m.BootstrapCode(peer))
			}
		case "remove":
			if argument == "" {
				c.printf("* usage: /remove <member>")
				continue
			}
			if _, err := m.RemoveMember(ctx, argument); err != nil {
				c.printf("* %v", err)
			}
		default:
			c.printf("* unknown command /%s", command)
		}
	}
}

func shortID(peer string) string {
	if len(peer) > 12 {
		return peer[:12]
	}
	return peer
}
