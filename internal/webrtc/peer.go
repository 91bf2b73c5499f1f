// Package webrtc adapts pion PeerConnections to the negotiation engine
// interface and provides the signaling data channel and audio helpers.
package webrtc

import (
	"fmt"

	"github.com/pion/interceptor"
	"github.com/pion/webrtc/v4"
)

// SignalingLabel is the label of the in-band signaling data channel.
const SignalingLabel = "signaling"

// PeerConfig configures NewPeerConnection.
type PeerConfig struct {
	// ICEServers are STUN/TURN URLs. An empty list gathers host candidates
	// only.
	ICEServers []string

	// SessionID is stamped on outgoing audio packets. Empty disables it.
	SessionID string

	// OnRemoteSession receives the session id of each incoming audio stream.
	OnRemoteSession func(id string)
}

// NewPeerConnection creates a PeerConnection with the default codecs and
// interceptors plus the session-id header extension.
func NewPeerConnection(cfg PeerConfig) (*webrtc.PeerConnection, error) {
	m := &webrtc.MediaEngine{}
	if err := m.RegisterDefaultCodecs(); err != nil {
		return nil, fmt.Errorf("register codecs: %w", err)
	}
	if err := m.RegisterHeaderExtension(webrtc.RTPHeaderExtensionCapability{URI: SessionIDURI}, webrtc.RTPCodecTypeAudio); err != nil {
		return nil, fmt.Errorf("register session-id extension: %w", err)
	}

	registry := &interceptor.Registry{}
	if err := webrtc.RegisterDefaultInterceptors(m, registry); err != nil {
		return nil, fmt.Errorf("register interceptors: %w", err)
	}
	tagger, err := NewSessionTagger(cfg.SessionID, cfg.OnRemoteSession)
	if err != nil {
		return nil, err
	}
	registry.Add(tagger)

	config := webrtc.Configuration{}
	if len(cfg.ICEServers) > 0 {
		config.ICEServers = []webrtc.ICEServer{
			{URLs: cfg.ICEServers},
		}
	}

	api := webrtc.NewAPI(webrtc.WithMediaEngine(m), webrtc.WithInterceptorRegistry(registry))
	return api.NewPeerConnection(config)
}

// CreateSignalingChannel creates the ordered in-band signaling channel on the
// given PeerConnection. Signaling needs ordered delivery: an answer must not
// overtake the candidates sent before it.
func CreateSignalingChannel(pc *webrtc.PeerConnection) (*webrtc.DataChannel, error) {
	ordered := true
	return pc.CreateDataChannel(SignalingLabel, &webrtc.DataChannelInit{
		Ordered: &ordered,
	})
}

// OnSignalingChannel calls fn when the remote peer opens its signaling
// channel. Channels with other labels are ignored.
func OnSignalingChannel(pc *webrtc.PeerConnection, fn func(*webrtc.DataChannel)) {
	pc.OnDataChannel(func(dc *webrtc.DataChannel) {
		if dc.Label() == SignalingLabel {
			fn(dc)
		}
	})
}
