// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"github.com/tidwall/jsonc"
	"gopkg.in/yaml.v3"
)

// EnvVar names the environment variable read by [Load].
const EnvVar = "SYNCSHELL_CONFIG"

// Config is the complete configuration for one mesh participant.
type Config struct {
	Mesh      MeshConfig      `yaml:"mesh" json:"mesh"`
	Identity  IdentityConfig  `yaml:"identity" json:"identity"`
	Storage   StorageConfig   `yaml:"storage" json:"storage"`
	Signaling SignalingConfig `yaml:"signaling" json:"signaling"`
	ICE       ICEConfig       `yaml:"ice" json:"ice"`
	Recovery  RecoveryConfig  `yaml:"recovery" json:"recovery"`
	Sync      SyncConfig      `yaml:"sync" json:"sync"`
	Logging   LoggingConfig   `yaml:"logging" json:"logging"`
}

// MeshConfig names the mesh and its shared secret.
type MeshConfig struct {
	Name string `yaml:"name" json:"name"`

	// Secret is the shared mesh password. Prefer SecretFile so the
	// secret does not live in a file that gets passed around.
	Secret string `yaml:"secret" json:"secret"`

	// SecretFile holds the secret on its first line.
	SecretFile string `yaml:"secret_file" json:"secret_file"`
}

// IdentityConfig locates the local Ed25519 key.
type IdentityConfig struct {
	// KeyFile is created on first use if it does not exist.
	KeyFile string `yaml:"key_file" json:"key_file"`
}

// StorageConfig locates durable state.
type StorageConfig struct {
	// Root holds one directory per mesh id with the ledger and
	// recovery sessions.
	Root string `yaml:"root" json:"root"`
}

// SignalingConfig selects signaling backends. Relays and the mailbox
// are tried in that order when both are configured.
type SignalingConfig struct {
	// Relays are websocket URLs (ws:// or wss://) of pub/sub relays.
	Relays []string `yaml:"relays" json:"relays"`

	// Mailbox is the base URL of a rendezvous mailbox server.
	Mailbox string `yaml:"mailbox" json:"mailbox"`

	// RelayTimeout bounds each relay connect and publish.
	// Default: 2s
	RelayTimeout Duration `yaml:"relay_timeout" json:"relay_timeout"`

	// SealInvites encrypts invite and answer codes to the mesh secret.
	// Default: true
	SealInvites bool `yaml:"seal_invites" json:"seal_invites"`
}

// ICEConfig lists STUN/TURN servers.
type ICEConfig struct {
	Servers []ICEServer `yaml:"servers" json:"servers"`
}

// ICEServer is one STUN or TURN server entry.
type ICEServer struct {
	URLs       []string `yaml:"urls" json:"urls"`
	Username   string   `yaml:"username,omitempty" json:"username,omitempty"`
	Credential string   `yaml:"credential,omitempty" json:"credential,omitempty"`
}

// RecoveryConfig tunes reconnection.
type RecoveryConfig struct {
	// MaxAttempts bounds the automatic retry chain per disconnect.
	// Default: 5
	MaxAttempts int `yaml:"max_attempts" json:"max_attempts"`

	// BaseDelay is the first retry delay; each later attempt doubles it.
	// Default: 2s
	BaseDelay Duration `yaml:"base_delay" json:"base_delay"`

	// MaxDelay caps the retry delay.
	// Default: 60s
	MaxDelay Duration `yaml:"max_delay" json:"max_delay"`

	// MinInterval throttles retry chains per peer.
	// Default: 3m
	MinInterval Duration `yaml:"min_interval" json:"min_interval"`

	// StaleAfter stops automatic retries for peers last seen longer
	// ago than this; a bootstrap code is produced instead.
	// Default: 720h (30 days)
	StaleAfter Duration `yaml:"stale_after" json:"stale_after"`

	// SessionTTL discards in-flight transfer progress this long after
	// the disconnect.
	// Default: 30m
	SessionTTL Duration `yaml:"session_ttl" json:"session_ttl"`

	// SlotWindow is the width of a rendezvous time slot.
	// Default: 10m
	SlotWindow Duration `yaml:"slot_window" json:"slot_window"`
}

// SyncConfig tunes the sync priority lattice.
type SyncConfig struct {
	// NearThreshold is the distance separating near from far targets.
	// Default: 50
	NearThreshold float64 `yaml:"near_threshold" json:"near_threshold"`
}

// LoggingConfig selects the slog handler.
type LoggingConfig struct {
	// Level is debug, info, warn, or error. Default: info
	Level string `yaml:"level" json:"level"`

	// Format is text or json. Default: text
	Format string `yaml:"format" json:"format"`
}

// Default returns a Config with every tunable at its recommended value.
// Mesh name and secret have no defaults.
func Default() *Config {
	homeDir, _ := os.UserHomeDir()
	root := filepath.Join(homeDir, ".local", "share", "syncshell")

	return &Config{
		Identity: IdentityConfig{
			KeyFile: filepath.Join(root, "identity.key"),
		},
		Storage: StorageConfig{
			Root: root,
		},
		Signaling: SignalingConfig{
			RelayTimeout: Duration(2 * time.Second),
			SealInvites:  true,
		},
		ICE: ICEConfig{
			Servers: []ICEServer{{URLs: []string{"stun:stun.l.google.com:19302"}}},
		},
		Recovery: RecoveryConfig{
			MaxAttempts: 5,
			BaseDelay:   Duration(2 * time.Second),
			MaxDelay:    Duration(60 * time.Second),
			MinInterval: Duration(3 * time.Minute),
			StaleAfter:  Duration(30 * 24 * time.Hour),
			SessionTTL:  Duration(30 * time.Minute),
			SlotWindow:  Duration(10 * time.Minute),
		},
		Sync: SyncConfig{
			NearThreshold: 50,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "text",
		},
	}
}

// Load loads configuration from the file named by SYNCSHELL_CONFIG.
// There is no fallback when the variable is unset.
func Load() (*Config, error) {
	configPath := os.Getenv(EnvVar)
	if configPath == "" {
		return nil, fmt.Errorf("%s environment variable not set; "+
			"set it to the path of your syncshell config file, or use --config flag", EnvVar)
	}
	return LoadFile(configPath)
}

// LoadFile loads configuration from path over [Default] values,
// expands path variables, and validates the result.
func LoadFile(path string) (*Config, error) {
	cfg := Default()

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	if err := cfg.decode(path, data); err != nil {
		return nil, fmt.Errorf("parsing %s: %w", path, err)
	}

	cfg.expandVariables()

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating %s: %w", path, err)
	}
	return cfg, nil
}

func (c *Config) decode(path string, data []byte) error {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		return yaml.Unmarshal(data, c)
	case ".json", ".jsonc":
		return json.Unmarshal(jsonc.ToJSON(data), c)
	default:
		return fmt.Errorf("unsupported config extension %q (want .yaml, .yml, .json, or .jsonc)", filepath.Ext(path))
	}
}

// ResolveSecret returns the mesh secret from Secret or SecretFile.
// An empty result with a nil error means neither is set and the caller
// should prompt for one.
func (c *Config) ResolveSecret() (string, error) {
	if c.Mesh.Secret != "" {
		return c.Mesh.Secret, nil
	}
	if c.Mesh.SecretFile == "" {
		return "", nil
	}
	data, err := os.ReadFile(c.Mesh.SecretFile)
	if err != nil {
		return "", fmt.Errorf("reading mesh.secret_file: %w", err)
	}
	line, _, _ := strings.Cut(string(data), "\n")
	secret := strings.TrimSpace(line)
	if secret == "" {
		return "", fmt.Errorf("mesh.secret_file %s is empty", c.Mesh.SecretFile)
	}
	return secret, nil
}

func (c *Config) expandVariables() {
	vars := map[string]string{
		"SYNCSHELL_ROOT": c.Storage.Root,
		"HOME":           os.Getenv("HOME"),
	}

	c.Storage.Root = expandVars(c.Storage.Root, vars)
	vars["SYNCSHELL_ROOT"] = c.Storage.Root

	c.Identity.KeyFile = expandVars(c.Identity.KeyFile, vars)
	c.Mesh.SecretFile = expandVars(c.Mesh.SecretFile, vars)
}

var varPattern = regexp.MustCompile(`\$\{([^}:]+)(?::-([^}]*))?\}`)

// expandVars expands ${VAR} and ${VAR:-default}, checking vars before
// the process environment.
func expandVars(s string, vars map[string]string) string {
	return varPattern.ReplaceAllStringFunc(s, func(match string) string {
		parts := varPattern.FindStringSubmatch(match)
		if len(parts) < 2 {
			return match
		}
		name := parts[1]
		defaultValue := ""
		if len(parts) >= 3 {
			defaultValue = parts[2]
		}
		if value, ok := vars[name]; ok && value != "" {
			return value
		}
		if value := os.Getenv(name); value != "" {
			return value
		}
		return defaultValue
	})
}

// Validate checks the configuration. Every problem is reported, each
// naming its field.
func (c *Config) Validate() error {
	var errs []error

	if c.Mesh.Name == "" {
		errs = append(errs, errors.New("mesh.name is required"))
	}
	if c.Mesh.Secret != "" && c.Mesh.SecretFile != "" {
		errs = append(errs, errors.New("mesh.secret and mesh.secret_file are mutually exclusive"))
	}
	if c.Storage.Root == "" {
		errs = append(errs, errors.New("storage.root is required"))
	}
	if c.Identity.KeyFile == "" {
		errs = append(errs, errors.New("identity.key_file is required"))
	}

	for i, relay := range c.Signaling.Relays {
		if !strings.HasPrefix(relay, "ws://") && !strings.HasPrefix(relay, "wss://") {
			errs = append(errs, fmt.Errorf("signaling.relays[%d]: %q must be a ws:// or wss:// URL", i, relay))
		}
	}
	if c.Signaling.Mailbox != "" &&
		!strings.HasPrefix(c.Signaling.Mailbox, "http://") && !strings.HasPrefix(c.Signaling.Mailbox, "https://") {
		errs = append(errs, fmt.Errorf("signaling.mailbox: %q must be an http:// or https:// URL", c.Signaling.Mailbox))
	}
	if c.Signaling.RelayTimeout <= 0 {
		errs = append(errs, errors.New("signaling.relay_timeout must be positive"))
	}

	for i, server := range c.ICE.Servers {
		if len(server.URLs) == 0 {
			errs = append(errs, fmt.Errorf("ice.servers[%d].urls is required", i))
		}
	}

	if c.Recovery.MaxAttempts < 1 {
		errs = append(errs, errors.New("recovery.max_attempts must be at least 1"))
	}
	if c.Recovery.BaseDelay <= 0 {
		errs = append(errs, errors.New("recovery.base_delay must be positive"))
	}
	if c.Recovery.MaxDelay < c.Recovery.BaseDelay {
		errs = append(errs, errors.New("recovery.max_delay must not be less than recovery.base_delay"))
	}
	for name, value := range map[string]Duration{
		"recovery.min_interval": c.Recovery.MinInterval,
		"recovery.stale_after":  c.Recovery.StaleAfter,
		"recovery.session_ttl":  c.Recovery.SessionTTL,
		"recovery.slot_window":  c.Recovery.SlotWindow,
	} {
		if value <= 0 {
			errs = append(errs, fmt.Errorf("%s must be positive", name))
		}
	}

	if c.Sync.NearThreshold <= 0 {
		errs = append(errs, errors.New("sync.near_threshold must be positive"))
	}

	switch c.Logging.Level {
	case "debug", "info", "warn", "error":
	default:
		errs = append(errs, fmt.Errorf("logging.level must be one of debug, info, warn, error; got %q", c.Logging.Level))
	}
	switch c.Logging.Format {
	case "text", "json":
	default:
		errs = append(errs, fmt.Errorf("logging.format must be text or json; got %q", c.Logging.Format))
	}

	if len(errs) > 0 {
		return errors.Join(errs...)
	}
	return nil
}

// EnsurePaths creates the storage root and the key file's directory.
func (c *Config) EnsurePaths() error {
	for _, path := range []string{c.Storage.Root, filepath.Dir(c.Identity.KeyFile)} {
		if path == "" || path == "." {
			continue
		}
		if err := os.MkdirAll(path, 0o700); err != nil {
			return fmt.Errorf("creating %s: %w", path, err)
		}
	}
	return nil
}
