package protocol

import (
	"encoding/json"
	"fmt"
)

// wireMessage is the flat JSON object on the wire. sdpMid and sdpMLineIndex
// are kept raw because some producers send them with the wrong type.
type wireMessage struct {
	Type          Kind            `json:"type,omitempty"`
	SDP           string          `json:"sdp,omitempty"`
	SDPMid        json.RawMessage `json:"sdpMid,omitempty"`
	SDPMLineIndex json.RawMessage `json:"sdpMLineIndex,omitempty"`
	Candidate     string          `json:"candidate,omitempty"`
}

// outboundCandidate always writes all three candidate fields.
type outboundCandidate struct {
	Type          Kind   `json:"type"`
	SDPMid        string `json:"sdpMid"`
	SDPMLineIndex uint16 `json:"sdpMLineIndex"`
	Candidate     string `json:"candidate"`
}

type outboundDescription struct {
	Type Kind   `json:"type"`
	SDP  string `json:"sdp"`
}

// Encode serializes a Message into its JSON wire form.
func Encode(msg Message) ([]byte, error) {
	switch msg.Kind {
	case KindOffer, KindAnswer:
		if msg.SDP == "" {
			return nil, fmt.Errorf("encode %s: empty sdp", msg.Kind)
		}
		return json.Marshal(outboundDescription{Type: msg.Kind, SDP: msg.SDP})

	case KindCandidate:
		if msg.Candidate == nil || msg.Candidate.Candidate == "" {
			return nil, fmt.Errorf("encode candidate: empty candidate")
		}
		return json.Marshal(outboundCandidate{
			Type:          KindCandidate,
			SDPMid:        msg.Candidate.SDPMid,
			SDPMLineIndex: msg.Candidate.SDPMLineIndex,
			Candidate:     msg.Candidate.Candidate,
		})

	default:
		return nil, fmt.Errorf("encode: unknown message kind %q", msg.Kind)
	}
}

// Decode parses a wire payload. It is tolerant the same way the peers that
// produce these messages are: a missing or unknown type is read as a
// candidate when a candidate string is present, and badly typed candidate
// location fields fall back to their zero values. Anything that still does
// not form a message returns ErrMalformed.
func Decode(data []byte) (Message, error) {
	var w wireMessage
	if err := json.Unmarshal(data, &w); err != nil {
		return Message{}, fmt.Errorf("%w: %v", ErrMalformed, err)
	}

	switch w.Type {
	case KindOffer, KindAnswer:
		if w.SDP == "" {
			return Message{}, fmt.Errorf("%w: %s without sdp", ErrMalformed, w.Type)
		}
		return Message{Kind: w.Type, SDP: w.SDP}, nil

	default:
		if w.Candidate == "" {
			return Message{}, fmt.Errorf("%w: type %q without candidate", ErrMalformed, w.Type)
		}
		return NewCandidate(Candidate{
			SDPMid:        decodeMid(w.SDPMid),
			SDPMLineIndex: decodeMLineIndex(w.SDPMLineIndex),
			Candidate:     w.Candidate,
		}), nil
	}
}

func decodeMid(raw json.RawMessage) string {
	var mid string
	if len(raw) == 0 || json.Unmarshal(raw, &mid) != nil {
		return ""
	}
	return mid
}

func decodeMLineIndex(raw json.RawMessage) uint16 {
	var idx uint16
	if len(raw) == 0 || json.Unmarshal(raw, &idx) != nil {
		return 0
	}
	return idx
}
