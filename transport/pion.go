// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package transport

import (
	"fmt"
	"sync"

	"github.com/pion/webrtc/v4"
)

// PionFactory builds pion/webrtc backends with trickle ICE.
type PionFactory struct {
	// configMu guards iceConfig, which is refreshed when TURN
	// credentials rotate.
	configMu  sync.RWMutex
	iceConfig ICEConfig
}

// NewPionFactory returns a factory using iceConfig.
func NewPionFactory(iceConfig ICEConfig) *PionFactory {
	return &PionFactory{iceConfig: iceConfig}
}

// UpdateICEConfig replaces the ICE configuration for backends created
// from now on.
func (f *PionFactory) UpdateICEConfig(iceConfig ICEConfig) {
	f.configMu.Lock()
	defer f.configMu.Unlock()
	f.iceConfig = iceConfig
}

// NewBackend creates a pion PeerConnection for peer.
func (f *PionFactory) NewBackend(peer string, role Role, events BackendEvents) (Backend, error) {
	f.configMu.RLock()
	configuration := webrtc.Configuration{ICEServers: f.iceConfig.Servers}
	f.configMu.RUnlock()

	// Loopback candidates are needed on machines (and in tests) where
	// loopback is the only interface the peers share.
	settingEngine := webrtc.SettingEngine{}
	settingEngine.SetIncludeLoopbackCandidate(true)

	api := webrtc.NewAPI(webrtc.WithSettingEngine(settingEngine))
	connection, err := api.NewPeerConnection(configuration)
	if err != nil {
		return nil, fmt.Errorf("creating PeerConnection for %s: %w", peer, err)
	}

	backend := &pionBackend{connection: connection, events: events}

	connection.OnICECandidate(func(candidate *webrtc.ICECandidate) {
		if candidate == nil {
			events.LocalCandidate(Candidate{})
			return
		}
		init := candidate.ToJSON()
		converted := Candidate{Candidate: init.Candidate}
		if init.SDPMid != nil {
			converted.SDPMid = *init.SDPMid
		}
		if init.SDPMLineIndex != nil {
			converted.SDPMLineIndex = *init.SDPMLineIndex
		}
		events.LocalCandidate(converted)
	})

	connection.OnICEConnectionStateChange(func(state webrtc.ICEConnectionState) {
		switch state {
		case webrtc.ICEConnectionStateChecking:
			events.TransportStateChanged(TransportChecking)
		case webrtc.ICEConnectionStateConnected, webrtc.ICEConnectionStateCompleted:
			events.TransportStateChanged(TransportConnected)
		case webrtc.ICEConnectionStateDisconnected:
			events.TransportStateChanged(TransportDisconnected)
		case webrtc.ICEConnectionStateFailed:
			events.TransportStateChanged(TransportFailed)
		case webrtc.ICEConnectionStateClosed:
			events.TransportStateChanged(TransportClosed)
		}
	})

	// The peer connection state includes DTLS; its "connected" is the
	// separate confirmation a channel that opened during ICE checking
	// waits for.
	connection.OnConnectionStateChange(func(state webrtc.PeerConnectionState) {
		switch state {
		case webrtc.PeerConnectionStateConnected:
			events.TransportStateChanged(TransportConnected)
		case webrtc.PeerConnectionStateFailed:
			events.TransportStateChanged(TransportFailed)
		}
	})

	if role == RoleAnswerer {
		connection.OnDataChannel(backend.attach)
	}

	return backend, nil
}

type pionBackend struct {
	connection *webrtc.PeerConnection
	events     BackendEvents

	mu           sync.Mutex
	channel      *webrtc.DataChannel
	lowThreshold uint64
}

func (b *pionBackend) attach(channel *webrtc.DataChannel) {
	b.mu.Lock()
	b.channel = channel
	threshold := b.lowThreshold
	b.mu.Unlock()

	channel.SetBufferedAmountLowThreshold(threshold)
	channel.OnBufferedAmountLow(b.events.BufferedAmountLow)
	channel.OnOpen(b.events.ChannelOpened)
	channel.OnClose(b.events.ChannelClosed)
	channel.OnMessage(func(message webrtc.DataChannelMessage) {
		b.events.MessageReceived(message.Data)
	})
}

func (b *pionBackend) CreateDataChannel(label string) error {
	ordered := true
	channel, err := b.connection.CreateDataChannel(label, &webrtc.DataChannelInit{Ordered: &ordered})
	if err != nil {
		return fmt.Errorf("creating data channel %s: %w", label, err)
	}
	b.attach(channel)
	return nil
}

func (b *pionBackend) CreateOffer() (string, error) {
	offer, err := b.connection.CreateOffer(nil)
	if err != nil {
		return "", fmt.Errorf("creating SDP offer: %w", err)
	}
	return offer.SDP, nil
}

func (b *pionBackend) CreateAnswer() (string, error) {
	answer, err := b.connection.CreateAnswer(nil)
	if err != nil {
		return "", fmt.Errorf("creating SDP answer: %w", err)
	}
	return answer.SDP, nil
}

func (b *pionBackend) SetLocalDescription(description Description) error {
	if err := b.connection.SetLocalDescription(pionDescription(description)); err != nil {
		return fmt.Errorf("setting local description: %w", err)
	}
	return nil
}

func (b *pionBackend) SetRemoteDescription(description Description) error {
	if err := b.connection.SetRemoteDescription(pionDescription(description)); err != nil {
		return fmt.Errorf("setting remote description: %w", err)
	}
	return nil
}

func (b *pionBackend) AddCandidate(candidate Candidate) error {
	mid := candidate.SDPMid
	index := candidate.SDPMLineIndex
	init := webrtc.ICECandidateInit{Candidate: candidate.Candidate, SDPMLineIndex: &index}
	if mid != "" {
		init.SDPMid = &mid
	}
	if err := b.connection.AddICECandidate(init); err != nil {
		return fmt.Errorf("adding ICE candidate: %w", err)
	}
	return nil
}

func (b *pionBackend) SetBufferedAmountLowThreshold(threshold uint64) {
	b.mu.Lock()
	b.lowThreshold = threshold
	channel := b.channel
	b.mu.Unlock()
	if channel != nil {
		channel.SetBufferedAmountLowThreshold(threshold)
	}
}

func (b *pionBackend) Send(data []byte) error {
	b.mu.Lock()
	channel := b.channel
	b.mu.Unlock()
	if channel == nil || channel.ReadyState() != webrtc.DataChannelStateOpen {
		return ErrNotConnected
	}
	return channel.Send(data)
}

func (b *pionBackend) BufferedAmount() uint64 {
	b.mu.Lock()
	channel := b.channel
	b.mu.Unlock()
	if channel == nil {
		return 0
	}
	return channel.BufferedAmount()
}

func (b *pionBackend) Close() error {
	return b.connection.Close()
}

func pionDescription(description Description) webrtc.SessionDescription {
	sdpType := webrtc.SDPTypeOffer
	if description.Type == SDPAnswer {
		sdpType = webrtc.SDPTypeAnswer
	}
	return webrtc.SessionDescription{Type: sdpType, SDP: description.SDP}
}
