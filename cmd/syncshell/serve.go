// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/spf13/pflag"

	"github.com/bureau-foundation/syncshell/cmd/syncshell/cli"
	"github.com/bureau-foundation/syncshell/lib/clock"
	"github.com/bureau-foundation/syncshell/lib/config"
	"github.com/bureau-foundation/syncshell/signaling"
)

// serverFlags are shared by the relay and mailbox servers, which need
// no mesh configuration.
type serverFlags struct {
	listen   string
	logLevel string
}

func (f *serverFlags) register(flagSet *pflag.FlagSet, defaultListen string) {
	flagSet.StringVarP(&f.listen, "listen", "l", defaultListen, "address to listen on")
	flagSet.StringVar(&f.logLevel, "log-level", "info", "debug, info, warn, or error")
}

func relayCommand() *cli.Command {
	var (
		flags    serverFlags
		capacity int
	)
	return &cli.Command{
		Name:    "relay",
		Summary: "Run a signaling relay",
		Description: `Serve a websocket pub/sub relay. Members list it under
signaling.relays as ws://HOST:PORT/. The relay stores sealed, signed
events until they expire and never sees plaintext signaling.`,
		Usage: "syncshell relay [--listen ADDR] [flags]",
		Flags: func() *pflag.FlagSet {
			flagSet := pflag.NewFlagSet("relay", pflag.ContinueOnError)
			flags.register(flagSet, ":7447")
			flagSet.IntVar(&capacity, "capacity", signaling.DefaultHubCapacity, "maximum stored events")
			return flagSet
		},
		Run: func(ctx context.Context, args []string) error {
			logger, err := cli.NewLogger(config.LoggingConfig{Level: flags.logLevel})
			if err != nil {
				return err
			}
			hub := signaling.NewRelayHub(signaling.RelayHubOptions{
				Logger:   logger,
				Capacity: capacity,
			})
			defer hub.Close()
			return serve(ctx, flags.listen, hub, logger.With("server", "relay"))
		},
	}
}

func mailboxCommand() *cli.Command {
	var flags serverFlags
	return &cli.Command{
		Name:    "mailbox",
		Summary: "Run a rendezvous mailbox server",
		Description: `Serve short-lived store-and-forward mailboxes over HTTP. Members
set signaling.mailbox to http://HOST:PORT. Mailbox bodies are sealed
by the members.`,
		Usage: "syncshell mailbox [--listen ADDR] [flags]",
		Flags: func() *pflag.FlagSet {
			flagSet := pflag.NewFlagSet("mailbox", pflag.ContinueOnError)
			flags.register(flagSet, ":7448")
			return flagSet
		},
		Run: func(ctx context.Context, args []string) error {
			logger, err := cli.NewLogger(config.LoggingConfig{Level: flags.logLevel})
			if err != nil {
				return err
			}
			server := signaling.NewMailboxServer(clock.Real(), logger)
			return serve(ctx, flags.listen, server, logger.With("server", "mailbox"))
		},
	}
}

// serve runs handler on address until ctx is cancelled.
func serve(ctx context.Context, address string, handler http.Handler, logger *slog.Logger) error {
	listener, err := net.Listen("tcp", address)
	if err != nil {
		return fmt.Errorf("listening on %s: %w", address, err)
	}
	server := &http.Server{
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errs := make(chan error, 1)
	go func() {
		errs <- server.Serve(listener)
	}()
	logger.Info("listening", "address", listener.Addr().String())

	select {
	case err := <-errs:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutting down: %w", err)
	}
	logger.Info("stopped")
	return nil
}
