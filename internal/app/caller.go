package app

import (
	"context"
	"errors"
	"fmt"

	"github.com/1ureka/rtcvoice/internal/config"
	"github.com/1ureka/rtcvoice/internal/negotiation"
	"github.com/1ureka/rtcvoice/internal/protocol"
	"github.com/1ureka/rtcvoice/internal/signaling"
	"github.com/1ureka/rtcvoice/internal/util"
	webrtcpkg "github.com/1ureka/rtcvoice/internal/webrtc"
)

// route is the caller's primary signaling route: an outbox the session sends
// through plus the loop that feeds replies back into it.
type route interface {
	negotiation.Outbox
	Run(ctx context.Context, sink signaling.Sink) error
	Close() error
}

// RunCall orchestrates the calling side:
//  1. Open the signaling route (WebSocket or HTTP exchange)
//  2. Create the PeerConnection, signaling data channel and audio track
//  3. Send the first offer; renegotiation follows from the engine
//  4. Block until ctx ends, the session closes or the transport fails
func RunCall(ctx context.Context, cfg *config.Config) error {
	if cfg.URL == "" {
		return errors.New("missing signaling URL")
	}

	// ── 1. Signaling route ─────────────────────────────────────────────
	var r route
	switch cfg.Mode {
	case config.ModeWS:
		util.LogInfo("connecting to %s", cfg.URL)
		conn, err := signaling.DialWithRetry(ctx, cfg.URL, cfg.DialAttempts, cfg.DialBackoff)
		if err != nil {
			return err
		}
		r = signaling.NewDuplex(conn, protocol.RouteSignaling)
	case config.ModeHTTP:
		r = signaling.NewExchangeOutbox(signaling.NewHTTPExchanger(cfg.URL, cfg.ExchangeTimeout))
	default:
		return fmt.Errorf("invalid mode %q", cfg.Mode)
	}

	// ── 2. Peer ────────────────────────────────────────────────────────
	p, err := newPeer(ctx, peerOptions{
		role:        cfg.Role,
		iceServers:  cfg.ICEServers,
		vanilla:     cfg.Mode == config.ModeHTTP,
		offerInBand: cfg.OfferInBand,
		outbox:      r,
	})
	if err != nil {
		r.Close()
		return fmt.Errorf("failed to create PeerConnection: %w", err)
	}
	defer p.stop()

	util.LogInfo("%s calling as %s over %s", p.logPrefix(), cfg.Role, cfg.Mode)

	raw, err := webrtcpkg.CreateSignalingChannel(p.pc())
	if err != nil {
		return fmt.Errorf("failed to create signaling channel: %w", err)
	}
	p.attachInBand(webrtcpkg.NewDataChannelConn(raw))

	track, err := webrtcpkg.AddAudioTrack(p.pc())
	if err != nil {
		return err
	}
	p.handleRemoteAudio(cfg.RecordFile)
	p.playWhenStable(cfg.AudioFile, track)

	go func() {
		if err := r.Run(p.ctx, p.session); err != nil && p.ctx.Err() == nil {
			util.LogDebug("%s signaling route ended: %v", p.logPrefix(), err)
		}
	}()

	// ── 3. First offer ─────────────────────────────────────────────────
	p.session.TriggerLocalOffer()

	// ── 4. Block until shutdown ────────────────────────────────────────
	select {
	case <-ctx.Done():
		util.LogInfo("%s hanging up", p.logPrefix())
		return nil
	case err := <-p.failed:
		return err
	case <-p.session.Done():
		return negotiation.ErrClosed
	}
}
