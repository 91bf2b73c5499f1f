// Package app contains the top-level orchestration for the calling and the
// answering side.
package app

import (
	"context"
	"sync"

	"github.com/google/uuid"
	"github.com/pion/webrtc/v4"

	"github.com/1ureka/rtcvoice/internal/negotiation"
	"github.com/1ureka/rtcvoice/internal/protocol"
	"github.com/1ureka/rtcvoice/internal/signaling"
	"github.com/1ureka/rtcvoice/internal/util"
	webrtcpkg "github.com/1ureka/rtcvoice/internal/webrtc"
)

// peer is one local end of a call: engine, session and the channels its
// owner waits on.
type peer struct {
	engine  *webrtcpkg.Engine
	session *negotiation.Session

	// ctx is cancelled when the session closes or the parent context ends.
	ctx    context.Context
	cancel context.CancelFunc

	stable     chan struct{} // closed when the session first reaches Stable
	stableOnce sync.Once

	failed   chan error // receives the first fatal failure
	failOnce sync.Once

	inBand chan struct{} // closed once the in-band route is attached

	// echo, when set, receives every remote audio packet.
	echo *webrtc.TrackLocalStaticRTP

	remoteMu sync.Mutex
	remoteID string // session id carried by the remote audio
}

type peerOptions struct {
	role        negotiation.Role
	iceServers  []string
	vanilla     bool
	offerInBand bool
	echo        bool
	outbox      negotiation.Outbox
}

// newPeer creates the PeerConnection, engine and session and binds them.
func newPeer(ctx context.Context, opts peerOptions) (*peer, error) {
	p := &peer{
		stable: make(chan struct{}),
		failed: make(chan error, 1),
		inBand: make(chan struct{}),
	}

	if opts.echo {
		track, err := webrtcpkg.NewEchoTrack()
		if err != nil {
			return nil, err
		}
		p.echo = track
	}

	id := uuid.NewString()
	pc, err := webrtcpkg.NewPeerConnection(webrtcpkg.PeerConfig{
		ICEServers:      opts.iceServers,
		SessionID:       id,
		OnRemoteSession: p.setRemoteID,
	})
	if err != nil {
		return nil, err
	}

	var engineOpts []webrtcpkg.Option
	if opts.vanilla {
		engineOpts = append(engineOpts, webrtcpkg.VanillaICE())
	}

	p.engine = webrtcpkg.NewEngine(pc, engineOpts...)
	p.session = negotiation.NewSession(negotiation.Options{
		ID:          id,
		Role:        opts.role,
		Engine:      p.engine,
		Outbox:      opts.outbox,
		OfferInBand: opts.offerInBand,
		OnEvent:     p.onEvent,
	})
	p.engine.Bind(p.session)

	p.ctx, p.cancel = context.WithCancel(ctx)
	go func() {
		select {
		case <-p.session.Done():
			p.cancel()
		case <-p.ctx.Done():
		}
	}()
	return p, nil
}

// stop closes the session and releases everything tied to it.
func (p *peer) stop() {
	p.session.Stop()
	p.cancel()
}

func (p *peer) pc() *webrtc.PeerConnection { return p.engine.PeerConnection() }

// onEvent runs on the session's queue; it must not block.
func (p *peer) onEvent(ev negotiation.Event) {
	switch ev.Kind {
	case negotiation.EventStateChanged:
		if ev.State == negotiation.Stable {
			p.stableOnce.Do(func() {
				util.LogSuccess("%s call established", p.logPrefix())
				close(p.stable)
			})
		}
	case negotiation.EventTransportFailed:
		p.fail(ev.Err)
	case negotiation.EventNegotiationFailed:
		// A failed first negotiation leaves nothing to fall back to.
		if ev.State == negotiation.Idle {
			p.fail(ev.Err)
		}
	}
}

func (p *peer) fail(err error) {
	p.failOnce.Do(func() { p.failed <- err })
}

func (p *peer) setRemoteID(id string) {
	p.remoteMu.Lock()
	defer p.remoteMu.Unlock()
	if p.remoteID == id {
		return
	}
	p.remoteID = id
	util.LogInfo("%s remote audio from session %s", p.logPrefix(), util.ShortID(id))
}

// remoteSession returns the session id seen on the remote audio, if any.
func (p *peer) remoteSession() string {
	p.remoteMu.Lock()
	defer p.remoteMu.Unlock()
	return p.remoteID
}

func (p *peer) logPrefix() string {
	return "[" + util.ShortID(p.session.ID()) + "]"
}

// attachInBand makes conn the session's in-band route once the data channel
// opens, and pumps its inbound messages into the session.
func (p *peer) attachInBand(conn *webrtcpkg.DataChannelConn) {
	go func() {
		select {
		case <-conn.Opened():
		case <-p.ctx.Done():
			conn.Close(0, "")
			return
		}

		util.LogDebug("%s signaling data channel open", p.logPrefix())
		duplex := signaling.NewDuplex(conn, protocol.RouteDataChannel)
		p.session.SetInBand(duplex)
		close(p.inBand)

		if err := duplex.Run(p.ctx, p.session); err != nil && p.ctx.Err() == nil {
			util.LogDebug("%s in-band route ended: %v", p.logPrefix(), err)
		}
	}()
}

// handleRemoteAudio echoes the remote track when the peer echoes, records it
// to path, or drains it when path is empty.
func (p *peer) handleRemoteAudio(path string) {
	webrtcpkg.OnAudioTrack(p.pc(), func(track *webrtc.TrackRemote) {
		if p.echo != nil {
			go func() {
				util.LogInfo("%s echoing remote audio", p.logPrefix())
				if err := webrtcpkg.Echo(p.ctx, track, p.echo); err != nil && p.ctx.Err() == nil {
					util.LogWarning("%s echo stopped: %v", p.logPrefix(), err)
				}
			}()
			return
		}
		if path == "" {
			go webrtcpkg.DrainTrack(track)
			return
		}
		go func() {
			util.LogInfo("%s recording remote audio to %s", p.logPrefix(), path)
			if err := webrtcpkg.RecordOgg(p.ctx, track, path); err != nil && p.ctx.Err() == nil {
				util.LogWarning("%s recording stopped: %v", p.logPrefix(), err)
			}
		}()
	})
}

// playWhenStable streams path into track once the call is established.
func (p *peer) playWhenStable(path string, track *webrtc.TrackLocalStaticSample) {
	if path == "" {
		return
	}
	go func() {
		select {
		case <-p.stable:
		case <-p.ctx.Done():
			return
		}

		util.LogInfo("%s playing %s", p.logPrefix(), path)
		if err := webrtcpkg.PlayOgg(p.ctx, path, track); err != nil && p.ctx.Err() == nil {
			util.LogWarning("%s playback stopped: %v", p.logPrefix(), err)
		}
	}()
}
