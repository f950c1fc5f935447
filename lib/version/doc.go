// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package version reports build information for the syncshell binary.
//
// [GitCommit], [GitDirty], [BuildTime] and [Version] are injected at
// build time via -ldflags -X:
//
//	go build -ldflags "-X github.com/bureau-foundation/syncshell/lib/version.GitCommit=$(git rev-parse --short HEAD)" ./cmd/syncshell
//
// When they are not injected, the VCS stamp the Go toolchain embeds
// in module builds is used instead.
package version
