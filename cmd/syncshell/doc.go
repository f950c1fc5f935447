// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Syncshell joins a small group of peers into a mesh of direct WebRTC
// connections with a shared membership roster.
//
// A mesh starts with an invite: the host runs "syncshell invite",
// passes the printed code to the joining peer out of band, and pastes
// back the answer code that "syncshell join" prints. From then on
// "syncshell up" reconnects to known members through the configured
// relays or mailbox, and the roster is gossiped on every connection.
//
// "syncshell relay" and "syncshell mailbox" run the signaling servers
// for development and self-hosting. "syncshell code" prints the
// rendezvous and bootstrap codes used to find a peer again after
// every stored address has gone stale.
//
// Every command that touches a mesh reads one configuration file,
// named by --config or SYNCSHELL_CONFIG.
package main
