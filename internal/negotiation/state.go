// Package negotiation implements the perfect-negotiation state machine that
// sequences offer/answer/candidate handling for one two-party session.
package negotiation

import (
	"errors"
	"fmt"
	"strings"
)

// State is the lifecycle state of a Session.
type State int

const (
	Idle State = iota
	Negotiating
	Stable
	Closed
)

func (s State) String() string {
	switch s {
	case Idle:
		return "idle"
	case Negotiating:
		return "negotiating"
	case Stable:
		return "stable"
	case Closed:
		return "closed"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// transitions lists the allowed moves; Closed is reachable from anywhere
// and left from nowhere.
var transitions = map[State][]State{
	Idle:        {Negotiating},
	Negotiating: {Stable, Idle},
	Stable:      {Negotiating},
}

func canTransition(from, to State) bool {
	if from == Closed {
		return false
	}
	if to == Closed {
		return true
	}
	for _, s := range transitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// Role decides glare: the impolite side keeps its own offer, the polite side
// yields to the remote one.
type Role int

const (
	Polite Role = iota
	Impolite
)

func (r Role) String() string {
	if r == Impolite {
		return "impolite"
	}
	return "polite"
}

// ParseRole accepts polite/impolite, or callee/caller as aliases.
func ParseRole(s string) (Role, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "polite", "callee":
		return Polite, nil
	case "impolite", "caller":
		return Impolite, nil
	default:
		return Polite, fmt.Errorf("unknown role %q", s)
	}
}

var (
	// ErrNegotiation marks engine create/set failures.
	ErrNegotiation = errors.New("negotiation failed")

	// ErrTransport marks signaling transport and ICE failures.
	ErrTransport = errors.New("transport failed")

	// ErrClosed is reported for work that reaches a closed session.
	ErrClosed = errors.New("session closed")
)

// StepError describes which negotiation step failed. errors.Is reports its
// category (ErrNegotiation or ErrTransport) as well as the wrapped cause.
type StepError struct {
	Op  string
	Err error

	category error
}

func (e *StepError) Error() string {
	return fmt.Sprintf("%s: %s: %v", e.category, e.Op, e.Err)
}

func (e *StepError) Unwrap() error { return e.Err }

func (e *StepError) Is(target error) bool { return target == e.category }

func negotiationError(op string, err error) *StepError {
	return &StepError{Op: op, Err: err, category: ErrNegotiation}
}

func transportError(op string, err error) *StepError {
	return &StepError{Op: op, Err: err, category: ErrTransport}
}

// EventKind enumerates what a Session reports to its owner.
type EventKind int

const (
	EventStateChanged EventKind = iota
	EventGlare
	EventNegotiationFailed
	EventTransportFailed
	EventMessageDropped
	EventClosed
)

func (k EventKind) String() string {
	switch k {
	case EventStateChanged:
		return "state-changed"
	case EventGlare:
		return "glare"
	case EventNegotiationFailed:
		return "negotiation-failed"
	case EventTransportFailed:
		return "transport-failed"
	case EventMessageDropped:
		return "message-dropped"
	case EventClosed:
		return "closed"
	default:
		return fmt.Sprintf("event(%d)", int(k))
	}
}

// Event is delivered to Options.OnEvent on the session's queue goroutine.
type Event struct {
	Kind   EventKind
	State  State // state after the event
	Err    error
	Detail string
}
