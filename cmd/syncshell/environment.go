// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/spf13/pflag"

	"github.com/bureau-foundation/syncshell/cmd/syncshell/cli"
	"github.com/bureau-foundation/syncshell/identity"
	"github.com/bureau-foundation/syncshell/lib/config"
	"github.com/bureau-foundation/syncshell/lib/persist"
	"github.com/bureau-foundation/syncshell/mesh"
	"github.com/bureau-foundation/syncshell/signaling"
)

// commonFlags are accepted by every command that opens a mesh.
type commonFlags struct {
	configPath string
	name       string
	address    string
}

func (f *commonFlags) register(flagSet *pflag.FlagSet) {
	flagSet.StringVarP(&f.configPath, "config", "c", "", "configuration file (default $"+config.EnvVar+")")
	flagSet.StringVar(&f.name, "name", "", "display name announced to other members (default hostname)")
	flagSet.StringVar(&f.address, "address", "", "address announced to other members")
}

func loadConfig(path string) (*config.Config, error) {
	if path != "" {
		return config.LoadFile(path)
	}
	return config.Load()
}

// environment holds what every mesh command needs: configuration,
// the mesh secret, the local identity, durable storage and a logger.
type environment struct {
	flags    commonFlags
	config   *config.Config
	secret   string
	identity *identity.Identity
	root     *persist.Root
	logger   *slog.Logger
}

func loadEnvironment(flags commonFlags) (*environment, error) {
	cfg, err := loadConfig(flags.configPath)
	if err != nil {
		return nil, err
	}
	logger, err := cli.NewLogger(cfg.Logging)
	if err != nil {
		return nil, err
	}

	secret, err := cfg.ResolveSecret()
	if err != nil {
		return nil, err
	}
	if secret == "" {
		secret, err = cli.ReadSecret(fmt.Sprintf("Secret for mesh %q: ", cfg.Mesh.Name))
		if err != nil {
			return nil, err
		}
	}

	if err := cfg.EnsurePaths(); err != nil {
		return nil, err
	}
	id, created, err := identity.LoadOrGenerate(cfg.Identity.KeyFile)
	if err != nil {
		return nil, err
	}
	if created {
		logger.Info("generated identity", "peer", id.ID(), "key_file", cfg.Identity.KeyFile)
	}
	root, err := persist.Open(cfg.Storage.Root)
	if err != nil {
		return nil, err
	}
	if flags.name == "" {
		flags.name, _ = os.Hostname()
	}
	return &environment{
		flags:    flags,
		config:   cfg,
		secret:   secret,
		identity: id,
		root:     root,
		logger:   logger,
	}, nil
}

func (e *environment) Close() error {
	return e.root.Close()
}

// networkChannel returns the live signaling channel: the configured
// relays, then the mailbox when no relay is reachable.
func (e *environment) networkChannel() (signaling.Channel, error) {
	meshID := mesh.ID(e.config.Mesh.Name)
	var channels []signaling.Channel
	if relays := e.config.Signaling.Relays; len(relays) > 0 {
		relay, err := signaling.NewRelayChannel(signaling.RelayOptions{
			Relays:   relays,
			Identity: e.identity,
			MeshID:   meshID,
			Secret:   []byte(e.secret),
			Timeout:  e.config.Signaling.RelayTimeout.Std(),
			Logger:   e.logger,
		})
		if err != nil {
			return nil, err
		}
		channels = append(channels, relay)
	}
	if url := e.config.Signaling.Mailbox; url != "" {
		mailbox, err := signaling.NewMailboxChannel(signaling.MailboxOptions{
			URL:     url,
			LocalID: e.identity.ID(),
			MeshID:  meshID,
			Secret:  []byte(e.secret),
			Logger:  e.logger,
		})
		if err != nil {
			return nil, err
		}
		channels = append(channels, mailbox)
	}
	if len(channels) == 0 {
		return nil, errors.New("no signaling configured: set signaling.relays or signaling.mailbox")
	}
	return signaling.NewFailover(e.logger, channels...), nil
}

// inviteChannel returns a channel carrying signaling in copy-paste
// codes, sealed to the mesh secret unless configured otherwise.
func (e *environment) inviteChannel() *signaling.InviteChannel {
	passphrase := ""
	if e.config.Signaling.SealInvites {
		passphrase = e.secret
	}
	return signaling.NewInviteChannel(signaling.InviteOptions{
		LocalID:    e.identity.ID(),
		Passphrase: passphrase,
		Logger:     e.logger,
	})
}

// openMesh builds the mesh over channel. A zero connectTimeout keeps
// the mesh default.
func (e *environment) openMesh(channel signaling.Channel, app mesh.Application, connectTimeout time.Duration) (*mesh.Mesh, error) {
	return mesh.New(mesh.Options{
		Config:         e.config,
		Secret:         e.secret,
		Identity:       e.identity,
		DisplayName:    e.flags.name,
		Address:        e.flags.address,
		Channel:        channel,
		Storage:        e.root,
		Application:    app,
		Logger:         e.logger,
		ConnectTimeout: connectTimeout,
	})
}
