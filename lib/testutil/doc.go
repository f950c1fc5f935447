// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package testutil provides shared test helpers for the mesh packages.
// Every helper that waits carries its own timeout so a broken
// negotiation fails the test instead of hanging it.
package testutil
