// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package transport

import (
	"github.com/pion/webrtc/v4"

	"github.com/bureau-foundation/syncshell/lib/config"
)

// ICEConfig holds ICE server configuration for pion PeerConnections.
// [PionFactory.UpdateICEConfig] replaces it when TURN credentials
// rotate; connections already negotiating keep the servers they
// started with.
type ICEConfig struct {
	// Servers is the list of STUN and TURN servers used during
	// candidate gathering. Order matters: pion tries them in sequence.
	Servers []webrtc.ICEServer
}

// ICEConfigFromServers converts configured ICE servers. An empty list
// yields host candidates only, which is enough on one machine or LAN.
func ICEConfigFromServers(servers []config.ICEServer) ICEConfig {
	if len(servers) == 0 {
		return ICEConfig{}
	}
	converted := make([]webrtc.ICEServer, 0, len(servers))
	for _, server := range servers {
		entry := webrtc.ICEServer{URLs: append([]string(nil), server.URLs...)}
		if server.Username != "" {
			entry.Username = server.Username
			entry.Credential = server.Credential
		}
		converted = append(converted, entry)
	}
	return ICEConfig{Servers: converted}
}
