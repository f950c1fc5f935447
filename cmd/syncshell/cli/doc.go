// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package cli provides the command-line framework for the syncshell
// CLI.
//
// The central type is [Command], a named subcommand with optional
// nested [Command.Subcommands], a [pflag.FlagSet] factory, and a Run
// function. Commands are assembled into a tree in cmd/syncshell and
// dispatched via [Command.Execute], which handles flag parsing,
// subcommand routing, and help output with examples. Unknown commands
// and flags get the closest known name suggested (Levenshtein distance
// of at most 3).
//
// [NewLogger] builds the slog handler from the logging configuration
// and [ReadSecret] prompts for the mesh secret without echo.
package cli
