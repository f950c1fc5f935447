// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package config loads syncshell mesh configuration.
//
// Configuration is loaded from a single file named by either the
// SYNCSHELL_CONFIG environment variable (via [Load]) or a --config flag
// (via [LoadFile]). There is no discovery and no fallback search: the
// mesh name and secret define which mesh a process belongs to, so the
// file that supplied them must be unambiguous.
//
// Files ending in .yaml or .yml are parsed as YAML. Files ending in
// .json or .jsonc are parsed as JSON after comments and trailing commas
// are stripped. Both formats share the same field names.
//
// Path fields (identity.key_file, mesh.secret_file, storage.root)
// expand ${HOME}, ${SYNCSHELL_ROOT}, and ${VAR:-default}.
//
// Key exports:
//
//   - [Config] -- mesh, identity, storage, signaling, ICE, recovery, sync, logging
//   - [Default] -- a Config with every tunable at its recommended value
//   - [Load] and [LoadFile] -- the two entry points for loading
//   - [Duration] -- a time.Duration that reads "30s"-style strings
//
// This package depends on no other syncshell packages.
package config
