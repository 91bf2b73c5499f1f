package negotiation

import "github.com/1ureka/rtcvoice/internal/protocol"

// SDPType tags a session description.
type SDPType string

const (
	SDPOffer    SDPType = "offer"
	SDPAnswer   SDPType = "answer"
	SDPRollback SDPType = "rollback"
)

// Description is an opaque session description. The session never looks
// inside SDP.
type Description struct {
	Type SDPType
	SDP  string
}

// Engine is the media-engine capability a Session drives. Implementations
// may block in any of these calls; the Session never invokes the
// create/set operations on its queue worker.
type Engine interface {
	CreateOffer() (Description, error)
	CreateAnswer() (Description, error)

	// SetLocalDescription applies desc and returns the description that
	// should be signaled. Engines that gather candidates before returning
	// embed them in the result.
	SetLocalDescription(desc Description) (Description, error)
	SetRemoteDescription(desc Description) error
	AddICECandidate(c protocol.Candidate) error
	Close() error
}

// Outbox accepts outbound signaling messages. Send must not wait for a
// network round trip.
type Outbox interface {
	Send(msg protocol.Message) error
}

// ICEState mirrors the engine's ICE connection state.
type ICEState int

const (
	ICENew ICEState = iota
	ICEChecking
	ICEConnected
	ICECompleted
	ICEDisconnected
	ICEFailed
	ICEClosed
)

var iceStateNames = [...]string{"new", "checking", "connected", "completed", "disconnected", "failed", "closed"}

func (s ICEState) String() string {
	if s >= 0 && int(s) < len(iceStateNames) {
		return iceStateNames[s]
	}
	return "unknown"
}

// EngineEvent is one of LocalCandidate, ICEStateChanged or NegotiationNeeded.
type EngineEvent interface {
	engineEvent()
}

// LocalCandidate carries a candidate gathered by the local engine.
type LocalCandidate struct {
	Candidate protocol.Candidate
}

// ICEStateChanged reports a new ICE connection state.
type ICEStateChanged struct {
	State ICEState
}

// NegotiationNeeded reports that local changes require a new offer.
type NegotiationNeeded struct{}

func (LocalCandidate) engineEvent()    {}
func (ICEStateChanged) engineEvent()   {}
func (NegotiationNeeded) engineEvent() {}
