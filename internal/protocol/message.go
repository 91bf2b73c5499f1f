// Package protocol defines the signaling message format exchanged between
// the two peers, and the request/response bodies of the HTTP exchange.
package protocol

import "errors"

// Kind identifies the variant of a signaling message.
type Kind string

const (
	KindOffer     Kind = "offer"
	KindAnswer    Kind = "answer"
	KindCandidate Kind = "candidate"
)

// Route tells where a message came from (inbound) or where it should go
// (outbound). It never goes on the wire.
type Route uint8

const (
	RouteSignaling   Route = iota // WebSocket or HTTP exchange
	RouteDataChannel              // in-band channel over the established media session
)

func (r Route) String() string {
	if r == RouteDataChannel {
		return "datachannel"
	}
	return "signaling"
}

var (
	// ErrMalformed is returned by Decode for payloads that carry no usable
	// message. Callers drop such payloads.
	ErrMalformed = errors.New("malformed signaling message")

	// ErrTrickleUnsupported is returned by outbound routes that cannot carry
	// ICE candidates after the offer (request/response signaling).
	ErrTrickleUnsupported = errors.New("route does not support trickle ICE")
)

// Candidate is a remote or local ICE candidate as carried by signaling.
type Candidate struct {
	SDPMid        string
	SDPMLineIndex uint16
	Candidate     string
}

// Message is one signaling unit. Exactly one variant is populated:
// SDP for offers and answers, Candidate for candidates.
type Message struct {
	Kind      Kind
	SDP       string
	Candidate *Candidate

	// Via is set by the transport that delivered the message.
	Via Route
}

// Offer builds an offer message.
func Offer(sdp string) Message {
	return Message{Kind: KindOffer, SDP: sdp}
}

// Answer builds an answer message.
func Answer(sdp string) Message {
	return Message{Kind: KindAnswer, SDP: sdp}
}

// NewCandidate builds a candidate message.
func NewCandidate(c Candidate) Message {
	return Message{Kind: KindCandidate, Candidate: &c}
}

// SessionOffer is the body of POST /session.
type SessionOffer struct {
	Offer string `json:"offer"`
}

// SessionAnswer is the response body of POST /session.
type SessionAnswer struct {
	Answer string `json:"answer"`
}
