package webrtc

import (
	"errors"
	"fmt"
	"time"

	"github.com/pion/webrtc/v4"

	"github.com/1ureka/rtcvoice/internal/negotiation"
	"github.com/1ureka/rtcvoice/internal/protocol"
)

const gatherTimeout = 10 * time.Second

// ErrGatherTimeout is returned by SetLocalDescription in vanilla ICE mode
// when candidate gathering does not finish in time.
var ErrGatherTimeout = errors.New("ICE gathering timed out")

// Notifier receives engine events, typically a *negotiation.Session.
type Notifier interface {
	Notify(ev negotiation.EngineEvent)
}

// Option configures an Engine.
type Option func(*Engine)

// VanillaICE makes SetLocalDescription wait for candidate gathering and
// return the complete description. Trickled candidates are not reported.
// Request/response signaling needs this.
func VanillaICE() Option {
	return func(e *Engine) { e.vanilla = true }
}

// Engine implements negotiation.Engine over a pion PeerConnection.
type Engine struct {
	pc      *webrtc.PeerConnection
	vanilla bool
}

var _ negotiation.Engine = (*Engine)(nil)

// NewEngine wraps pc. The Engine owns pc from here on.
func NewEngine(pc *webrtc.PeerConnection, opts ...Option) *Engine {
	e := &Engine{pc: pc}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// PeerConnection returns the wrapped connection for media and data-channel
// setup.
func (e *Engine) PeerConnection() *webrtc.PeerConnection { return e.pc }

// Bind forwards candidate, ICE state and negotiation-needed callbacks to n.
func (e *Engine) Bind(n Notifier) {
	e.pc.OnICECandidate(func(c *webrtc.ICECandidate) {
		if c == nil || e.vanilla {
			return
		}
		n.Notify(negotiation.LocalCandidate{Candidate: candidateFromInit(c.ToJSON())})
	})

	e.pc.OnICEConnectionStateChange(func(state webrtc.ICEConnectionState) {
		n.Notify(negotiation.ICEStateChanged{State: iceState(state)})
	})

	e.pc.OnNegotiationNeeded(func() {
		n.Notify(negotiation.NegotiationNeeded{})
	})
}

func (e *Engine) CreateOffer() (negotiation.Description, error) {
	sd, err := e.pc.CreateOffer(nil)
	if err != nil {
		return negotiation.Description{}, err
	}
	return fromPion(sd), nil
}

func (e *Engine) CreateAnswer() (negotiation.Description, error) {
	sd, err := e.pc.CreateAnswer(nil)
	if err != nil {
		return negotiation.Description{}, err
	}
	return fromPion(sd), nil
}

// SetLocalDescription applies desc. It returns the connection's resulting
// local description, which in vanilla mode carries every gathered candidate.
func (e *Engine) SetLocalDescription(desc negotiation.Description) (negotiation.Description, error) {
	sd, err := toPion(desc)
	if err != nil {
		return negotiation.Description{}, err
	}

	var gathered <-chan struct{}
	if e.vanilla && desc.Type != negotiation.SDPRollback {
		// Must be created before SetLocalDescription starts gathering.
		gathered = webrtc.GatheringCompletePromise(e.pc)
	}

	if err := e.pc.SetLocalDescription(sd); err != nil {
		return negotiation.Description{}, err
	}

	if gathered != nil {
		select {
		case <-gathered:
		case <-time.After(gatherTimeout):
			return negotiation.Description{}, ErrGatherTimeout
		}
	}

	if desc.Type == negotiation.SDPRollback {
		return desc, nil
	}
	local := e.pc.LocalDescription()
	if local == nil {
		return desc, nil
	}
	return fromPion(*local), nil
}

func (e *Engine) SetRemoteDescription(desc negotiation.Description) error {
	sd, err := toPion(desc)
	if err != nil {
		return err
	}
	return e.pc.SetRemoteDescription(sd)
}

func (e *Engine) AddICECandidate(c protocol.Candidate) error {
	return e.pc.AddICECandidate(candidateToInit(c))
}

func (e *Engine) Close() error {
	return e.pc.Close()
}

// ---------------------------------------------------------------------------
// Conversions
// ---------------------------------------------------------------------------

func toPion(desc negotiation.Description) (webrtc.SessionDescription, error) {
	switch desc.Type {
	case negotiation.SDPOffer:
		return webrtc.SessionDescription{Type: webrtc.SDPTypeOffer, SDP: desc.SDP}, nil
	case negotiation.SDPAnswer:
		return webrtc.SessionDescription{Type: webrtc.SDPTypeAnswer, SDP: desc.SDP}, nil
	case negotiation.SDPRollback:
		return webrtc.SessionDescription{Type: webrtc.SDPTypeRollback}, nil
	default:
		return webrtc.SessionDescription{}, fmt.Errorf("unsupported description type %q", desc.Type)
	}
}

func fromPion(sd webrtc.SessionDescription) negotiation.Description {
	var t negotiation.SDPType
	switch sd.Type {
	case webrtc.SDPTypeOffer:
		t = negotiation.SDPOffer
	case webrtc.SDPTypeAnswer, webrtc.SDPTypePranswer:
		t = negotiation.SDPAnswer
	case webrtc.SDPTypeRollback:
		t = negotiation.SDPRollback
	}
	return negotiation.Description{Type: t, SDP: sd.SDP}
}

func candidateToInit(c protocol.Candidate) webrtc.ICECandidateInit {
	idx := c.SDPMLineIndex
	init := webrtc.ICECandidateInit{
		Candidate:     c.Candidate,
		SDPMLineIndex: &idx,
	}
	if c.SDPMid != "" {
		mid := c.SDPMid
		init.SDPMid = &mid
	}
	return init
}

func candidateFromInit(init webrtc.ICECandidateInit) protocol.Candidate {
	c := protocol.Candidate{Candidate: init.Candidate}
	if init.SDPMid != nil {
		c.SDPMid = *init.SDPMid
	}
	if init.SDPMLineIndex != nil {
		c.SDPMLineIndex = *init.SDPMLineIndex
	}
	return c
}

func iceState(s webrtc.ICEConnectionState) negotiation.ICEState {
	switch s {
	case webrtc.ICEConnectionStateChecking:
		return negotiation.ICEChecking
	case webrtc.ICEConnectionStateConnected:
		return negotiation.ICEConnected
	case webrtc.ICEConnectionStateCompleted:
		return negotiation.ICECompleted
	case webrtc.ICEConnectionStateDisconnected:
		return negotiation.ICEDisconnected
	case webrtc.ICEConnectionStateFailed:
		return negotiation.ICEFailed
	case webrtc.ICEConnectionStateClosed:
		return negotiation.ICEClosed
	default:
		return negotiation.ICENew
	}
}
