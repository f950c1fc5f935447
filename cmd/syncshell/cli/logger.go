// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package cli

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"

	"golang.org/x/term"

	"github.com/bureau-foundation/syncshell/lib/config"
)

// NewLogger creates the structured logger for a command from the
// logging section of the configuration. An empty format picks text
// when stderr is a terminal and JSON when it is piped or redirected.
func NewLogger(logging config.LoggingConfig) (*slog.Logger, error) {
	return newLogger(logging, os.Stderr, term.IsTerminal(int(os.Stderr.Fd())))
}

func newLogger(logging config.LoggingConfig, w io.Writer, terminal bool) (*slog.Logger, error) {
	level, err := ParseLevel(logging.Level)
	if err != nil {
		return nil, err
	}
	options := &slog.HandlerOptions{Level: level}

	var handler slog.Handler
	switch strings.ToLower(logging.Format) {
	case "json":
		handler = slog.NewJSONHandler(w, options)
	case "text":
		handler = slog.NewTextHandler(w, options)
	case "":
		if terminal {
			handler = slog.NewTextHandler(w, options)
		} else {
			handler = slog.NewJSONHandler(w, options)
		}
	default:
		return nil, fmt.Errorf("logging.format %q: want text or json", logging.Format)
	}
	return slog.New(handler), nil
}

// ParseLevel maps a configured level name to a slog level. An empty
// name is info.
func ParseLevel(name string) (slog.Level, error) {
	switch strings.ToLower(name) {
	case "debug":
		return slog.LevelDebug, nil
	case "", "info":
		return slog.LevelInfo, nil
	case "warn", "warning":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	}
	return 0, fmt.Errorf("logging.level %q: want debug, info, warn, or error", name)
}
