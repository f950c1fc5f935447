// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"text/tabwriter"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/pflag"

	"github.com/bureau-foundation/syncshell/cmd/syncshell/cli"
	"github.com/bureau-foundation/syncshell/identity"
	"github.com/bureau-foundation/syncshell/lib/version"
	"github.com/bureau-foundation/syncshell/mesh"
)

// inviteTimeout bounds how long an invite or join waits for the other
// side: codes are carried by people.
const inviteTimeout = 15 * time.Minute

// root builds the syncshell command tree.
func root() *cli.Command {
	return &cli.Command{
		Name: "syncshell",
		Description: `syncshell: a peer-to-peer mesh with a shared roster.

Peers connect directly over WebRTC, gossip a membership ledger, and
find each other again after address changes through relays, a
mailbox, or deterministic rendezvous codes.`,
		Subcommands: []*cli.Command{
			inviteCommand(),
			joinCommand(),
			upCommand(),
			membersCommand(),
			removeCommand(),
			codeCommand(),
			idCommand(),
			relayCommand(),
			mailboxCommand(),
			{
				Name:    "version",
				Summary: "Print version information",
				Run: func(context.Context, []string) error {
					fmt.Printf("syncshell %s\n", version.Full())
					return nil
				},
			},
		},
	}
}

func inviteCommand() *cli.Command {
	var flags commonFlags
	return &cli.Command{
		Name:    "invite",
		Summary: "Invite a peer with a copy-paste code",
		Description: `Create an offer, print it as an invite code, and wait for the
joining peer's answer code on standard input. Once connected, lines
typed on standard input are sent to every connected member.`,
		Usage: "syncshell invite [flags]",
		Examples: []cli.Example{
			{Description: "Invite a peer into the mesh in book-club.yaml", Command: "syncshell invite --config book-club.yaml --name alice"},
		},
		Flags: func() *pflag.FlagSet {
			flagSet := pflag.NewFlagSet("invite", pflag.ContinueOnError)
			flags.register(flagSet)
			return flagSet
		},
		Run: func(ctx context.Context, args []string) error {
			if len(args) != 0 {
				return fmt.Errorf("invite takes no arguments")
			}
			env, err := loadEnvironment(flags)
			if err != nil {
				return err
			}
			defer env.Close()

			channel := env.inviteChannel()
			console := newConsole(os.Stdout)
			m, err := env.openMesh(channel, console, inviteTimeout)
			if err != nil {
				return err
			}
			defer m.Close()
			console.attach(m)
			if err := m.Start(ctx); err != nil {
				return err
			}

			session := "invite:" + uuid.NewString()
			if err := m.Invite(ctx, session); err != nil {
				return err
			}
			code, err := channel.Code(ctx, session)
			if err != nil {
				return fmt.Errorf("building invite code: %w", err)
			}
			fmt.Fprintf(os.Stdout, "Invite code (send it to the joining peer):\n\n%s\n\nPaste their answer code:\n", code)

			lines := readLines(ctx, os.Stdin)
			answer, err := nextLine(ctx, lines)
			if err != nil {
				return fmt.Errorf("reading answer code: %w", err)
			}
			invite, err := channel.Accept(ctx, answer)
			if err != nil {
				return fmt.Errorf("accepting answer code: %w", err)
			}
			if _, err := console.waitConnected(ctx, invite.From, inviteTimeout); err != nil {
				return fmt.Errorf("waiting for %s: %w", invite.From, err)
			}
			return console.chat(ctx, m, lines)
		},
	}
}

func joinCommand() *cli.Command {
	var flags commonFlags
	return &cli.Command{
		Name:    "join",
		Summary: "Join a mesh from an invite code",
		Description: `Accept an invite code, print the answer code to send back to the
inviting peer, and wait for the connection.`,
		Usage: "syncshell join <invite-code> [flags]",
		Flags: func() *pflag.FlagSet {
			flagSet := pflag.NewFlagSet("join", pflag.ContinueOnError)
			flags.register(flagSet)
			return flagSet
		},
		Run: func(ctx context.Context, args []string) error {
			if len(args) != 1 {
				return fmt.Errorf("join takes exactly one invite code")
			}
			env, err := loadEnvironment(flags)
			if err != nil {
				return err
			}
			defer env.Close()

			channel := env.inviteChannel()
			console := newConsole(os.Stdout)
			m, err := env.openMesh(channel, console, inviteTimeout)
			if err != nil {
				return err
			}
			defer m.Close()
			console.attach(m)
			if err := m.Start(ctx); err != nil {
				return err
			}

			invite, err := channel.Accept(ctx, args[0])
			if err != nil {
				return fmt.Errorf("accepting invite code: %w", err)
			}
			answer, err := channel.Code(ctx, invite.Session)
			if err != nil {
				return fmt.Errorf("building answer code: %w", err)
			}
			fmt.Fprintf(os.Stdout, "Answer code (send it back to the inviting peer):\n\n%s\n\n", answer)

			if _, err := console.waitConnected(ctx, invite.From, inviteTimeout); err != nil {
				return fmt.Errorf("waiting for %s: %w", invite.From, err)
			}
			return console.chat(ctx, m, readLines(ctx, os.Stdin))
		},
	}
}

func upCommand() *cli.Command {
	var (
		flags commonFlags
		peers []string
	)
	return &cli.Command{
		Name:    "up",
		Summary: "Reconnect to known members through relays or the mailbox",
		Description: `Start the mesh on the configured relays and mailbox, dial every
member in the roster, and recover dropped connections until
interrupted.`,
		Usage: "syncshell up [flags]",
		Flags: func() *pflag.FlagSet {
			flagSet := pflag.NewFlagSet("up", pflag.ContinueOnError)
			flags.register(flagSet)
			flagSet.StringSliceVar(&peers, "peer", nil, "additional peer id to dial (repeatable)")
			return flagSet
		},
		Run: func(ctx context.Context, args []string) error {
			env, err := loadEnvironment(flags)
			if err != nil {
				return err
			}
			defer env.Close()

			channel, err := env.networkChannel()
			if err != nil {
				return err
			}
			console := newConsole(os.Stdout)
			m, err := env.openMesh(channel, console, 0)
			if err != nil {
				return err
			}
			defer m.Close()
			console.attach(m)
			if err := m.Start(ctx); err != nil {
				return err
			}
			console.printf("* %s up as %s on %s", m.Name(), m.LocalID(), channel.Name())

			for _, peer := range peers {
				go func() {
					if err := m.Connect(ctx, peer); err != nil {
						console.printf("* dialing %s: %v", shortID(peer), err)
					}
				}()
			}
			return console.chat(ctx, m, readLines(ctx, os.Stdin))
		},
	}
}

func membersCommand() *cli.Command {
	var flags commonFlags
	return &cli.Command{
		Name:    "members",
		Summary: "List the roster",
		Usage:   "syncshell members [flags]",
		Flags: func() *pflag.FlagSet {
			flagSet := pflag.NewFlagSet("members", pflag.ContinueOnError)
			flags.register(flagSet)
			return flagSet
		},
		Run: func(ctx context.Context, args []string) error {
			env, err := loadEnvironment(flags)
			if err != nil {
				return err
			}
			defer env.Close()
			m, err := env.openMesh(env.inviteChannel(), nil, 0)
			if err != nil {
				return err
			}
			defer m.Close()

			snapshot := m.Snapshot()
			writer := tabwriter.NewWriter(os.Stdout, 2, 0, 3, ' ', 0)
			fmt.Fprintf(writer, "ID\tNAME\tADDRESS\tLAST SEEN\tENTRY\n")
			for _, record := range snapshot.Members {
				id := record.ID()
				if id == m.LocalID() {
					id += " (you)"
				}
				fmt.Fprintf(writer, "%s\t%s\t%s\t%s\t%d\n",
					id, record.DisplayName(), record.Address, lastSeen(record.LastSeen), record.EntrySequence)
			}
			writer.Flush()
			if len(snapshot.Tombstones) > 0 {
				fmt.Fprintf(os.Stdout, "\nRemoved:\n")
				writer = tabwriter.NewWriter(os.Stdout, 2, 0, 3, ' ', 0)
				for _, tombstone := range snapshot.Tombstones {
					fmt.Fprintf(writer, "%s\t%s\t%d signers\n",
						identity.PeerID(tombstone.Key), lastSeen(tombstone.RemovedAt), len(tombstone.Authorizations))
				}
				writer.Flush()
			}
			return nil
		},
	}
}

func lastSeen(t time.Time) string {
	if t.IsZero() {
		return "never"
	}
	return t.Local().Format(time.DateTime)
}

func removeCommand() *cli.Command {
	var (
		flags commonFlags
		wait  time.Duration
	)
	return &cli.Command{
		Name:    "remove",
		Summary: "Remove a member from the mesh",
		Description: `Tombstone a member, signed by the local identity. The removal is
stored locally and gossiped to every member reachable within --wait;
the rest learn of it from the next member they sync with.`,
		Usage: "syncshell remove <member> [flags]",
		Flags: func() *pflag.FlagSet {
			flagSet := pflag.NewFlagSet("remove", pflag.ContinueOnError)
			flags.register(flagSet)
			flagSet.DurationVar(&wait, "wait", 10*time.Second, "how long to wait for members to connect before removing")
			return flagSet
		},
		Run: func(ctx context.Context, args []string) error {
			if len(args) != 1 {
				return fmt.Errorf("remove takes exactly one member (peer id or display name)")
			}
			env, err := loadEnvironment(flags)
			if err != nil {
				return err
			}
			defer env.Close()

			console := newConsole(os.Stderr)
			channel, err := env.networkChannel()
			if err != nil {
				env.logger.Warn("removing offline", "error", err)
				channel = env.inviteChannel()
			}
			m, err := env.openMesh(channel, console, 0)
			if err != nil {
				return err
			}
			defer m.Close()
			console.attach(m)

			if err := m.Start(ctx); err != nil {
				if !errors.Is(err, mesh.ErrNoSignaling) {
					return err
				}
				env.logger.Warn("removing offline; the removal spreads on the next sync", "error", err)
			} else if _, err := console.waitConnected(ctx, "", wait); err != nil {
				env.logger.Warn("no member connected; the removal spreads on the next sync", "error", err)
			}

			tombstone, err := m.RemoveMember(ctx, args[0])
			if err != nil {
				return err
			}
			fmt.Fprintf(os.Stdout, "removed %s at sequence %d\n", identity.PeerID(tombstone.Key), tombstone.RemovalSequence)
			return nil
		},
	}
}

func codeCommand() *cli.Command {
	var (
		flags commonFlags
		peer  string
	)
	return &cli.Command{
		Name:    "code",
		Summary: "Print rendezvous and bootstrap codes",
		Description: `Print the current group rendezvous identifier. With --peer, also
print the pairwise rendezvous identifier and the bootstrap code for
that member. Both sides of a pair compute the same codes.`,
		Usage: "syncshell code [--peer <member>] [flags]",
		Flags: func() *pflag.FlagSet {
			flagSet := pflag.NewFlagSet("code", pflag.ContinueOnError)
			flags.register(flagSet)
			flagSet.StringVar(&peer, "peer", "", "member (peer id or display name)")
			return flagSet
		},
		Run: func(ctx context.Context, args []string) error {
			env, err := loadEnvironment(flags)
			if err != nil {
				return err
			}
			defer env.Close()
			m, err := env.openMesh(env.inviteChannel(), nil, 0)
			if err != nil {
				return err
			}
			defer m.Close()

			fmt.Fprintf(os.Stdout, "mesh        %s\n", m.ID())
			fmt.Fprintf(os.Stdout, "you         %s\n", m.LocalID())
			fmt.Fprintf(os.Stdout, "group       %s\n", m.RendezvousCode(""))
			if peer == "" {
				return nil
			}
			target := peer
			if record, ok := m.Lookup(peer); ok {
				target = record.ID()
			} else if _, err := identity.ParsePeerID(peer); err != nil {
				return fmt.Errorf("unknown member %q", peer)
			}
			fmt.Fprintf(os.Stdout, "pair        %s\n", m.RendezvousCode(target))
			fmt.Fprintf(os.Stdout, "bootstrap   %s\n", m.BootstrapCode(target))
			return nil
		},
	}
}

func idCommand() *cli.Command {
	var configPath string
	return &cli.Command{
		Name:    "id",
		Summary: "Print the local peer id",
		Usage:   "syncshell id [flags]",
		Flags: func() *pflag.FlagSet {
			flagSet := pflag.NewFlagSet("id", pflag.ContinueOnError)
			flagSet.StringVarP(&configPath, "config", "c", "", "configuration file")
			return flagSet
		},
		Run: func(ctx context.Context, args []string) error {
			cfg, err := loadConfig(configPath)
			if err != nil {
				return err
			}
			if err := cfg.EnsurePaths(); err != nil {
				return err
			}
			id, _, err := identity.LoadOrGenerate(cfg.Identity.KeyFile)
			if err != nil {
				return err
			}
			fmt.Println(id.ID())
			return nil
		},
	}
}
