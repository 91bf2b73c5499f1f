package negotiation

import (
	"errors"
	"io"
	"sync"

	"github.com/google/uuid"

	"github.com/1ureka/rtcvoice/internal/protocol"
	"github.com/1ureka/rtcvoice/internal/util"
)

// Options configures a Session.
type Options struct {
	// ID identifies the session. A random UUID is used when empty.
	ID string

	Role   Role
	Engine Engine

	// Outbox is the primary signaling route (WebSocket or HTTP exchange).
	Outbox Outbox

	// InBand is the optional data-channel route. It can also be attached
	// later with SetInBand.
	InBand Outbox

	// OfferInBand sends local offers over InBand once it exists.
	OfferInBand bool

	// OnEvent receives session events on the queue goroutine. It must not
	// block.
	OnEvent func(Event)
}

// Session is one negotiation session with a remote peer. All exported
// methods are safe for concurrent use; they only enqueue work. Every field
// below the queue is owned by the queue worker.
type Session struct {
	id      string
	log     string
	role    Role
	engine  Engine
	outbox  Outbox
	onEvent func(Event)
	queue   *Queue

	mu    sync.RWMutex
	state State

	inBand      Outbox
	offerInBand bool

	makingOffer  bool // between CreateOffer and a successful SetLocalDescription
	offerPending bool // local offer signaled, answer not yet applied
	remoteSet    bool // a remote description has been applied
	negotiated   bool // the current round has both descriptions applied
	iceConnected bool
	renegotiate  bool // a trigger arrived while an offer was outstanding

	pending  []protocol.Candidate
	busy     bool
	deferred []func()
	baseline State // state to restore when the current round fails
	closed   bool

	stopOnce sync.Once
	done     chan struct{}
}

// NewSession creates a session in state Idle and starts its queue.
func NewSession(opts Options) *Session {
	id := opts.ID
	if id == "" {
		id = uuid.NewString()
	}
	s := &Session{
		id:          id,
		log:         "[" + util.ShortID(id) + "]",
		role:        opts.Role,
		engine:      opts.Engine,
		outbox:      opts.Outbox,
		inBand:      opts.InBand,
		offerInBand: opts.OfferInBand,
		onEvent:     opts.OnEvent,
		queue:       NewQueue(),
		state:       Idle,
		done:        make(chan struct{}),
	}
	util.Stats.AddSession()
	util.LogDebug("%s session created (%s)", s.log, s.role)
	return s
}

// ID returns the session's unique identifier.
func (s *Session) ID() string { return s.id }

// Role returns the fixed glare role.
func (s *Session) Role() Role { return s.role }

// State returns the current state.
func (s *Session) State() State {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.state
}

// Done is closed once the session has been stopped.
func (s *Session) Done() <-chan struct{} { return s.done }

// ---------------------------------------------------------------------------
// Entry points
// ---------------------------------------------------------------------------

// TriggerLocalOffer starts a local offer, e.g. once local media is set up.
func (s *Session) TriggerLocalOffer() { s.submit(s.triggerLocalOffer) }

// HandleRemoteOffer applies a remote offer. via tells which route it came
// over; the answer goes back the same way.
func (s *Session) HandleRemoteOffer(sdp string, via protocol.Route) {
	s.submit(func() { s.handleRemoteOffer(sdp, via) })
}

// HandleRemoteAnswer applies the answer to an outstanding local offer.
func (s *Session) HandleRemoteAnswer(sdp string) {
	s.submit(func() { s.handleRemoteAnswer(sdp) })
}

// HandleRemoteCandidate applies a remote candidate, or buffers it until a
// remote description exists.
func (s *Session) HandleRemoteCandidate(c protocol.Candidate) {
	s.submit(func() { s.handleRemoteCandidate(c) })
}

// OnLocalCandidate signals a locally gathered candidate.
func (s *Session) OnLocalCandidate(c protocol.Candidate) {
	s.submit(func() { s.sendLocalCandidate(c) })
}

// HandleMessage routes a decoded signaling message to its handler.
func (s *Session) HandleMessage(msg protocol.Message) {
	switch msg.Kind {
	case protocol.KindOffer:
		s.HandleRemoteOffer(msg.SDP, msg.Via)
	case protocol.KindAnswer:
		s.HandleRemoteAnswer(msg.SDP)
	case protocol.KindCandidate:
		if msg.Candidate == nil {
			s.submit(func() { s.drop("candidate message without candidate") })
			return
		}
		s.HandleRemoteCandidate(*msg.Candidate)
	default:
		s.submit(func() { s.drop("unknown message kind " + string(msg.Kind)) })
	}
}

// Notify delivers an engine event.
func (s *Session) Notify(ev EngineEvent) {
	switch e := ev.(type) {
	case LocalCandidate:
		s.OnLocalCandidate(e.Candidate)
	case ICEStateChanged:
		s.submit(func() { s.iceStateChanged(e.State) })
	case NegotiationNeeded:
		s.submit(s.negotiationNeeded)
	}
}

// TransportFailed reports that a signaling route failed. The current
// negotiation attempt is aborted; the session itself stays open.
func (s *Session) TransportFailed(err error) {
	s.submit(func() { s.transportFailed(err) })
}

// SetInBand attaches the data-channel route.
func (s *Session) SetInBand(o Outbox) {
	s.submit(func() {
		if s.closed {
			closeRoute(o)
			return
		}
		s.inBand = o
		util.LogDebug("%s in-band route attached", s.log)
	})
}

// Stop closes the session, its engine and its routes. Further calls have no
// effect.
func (s *Session) Stop() {
	s.stopOnce.Do(func() {
		if err := s.queue.Submit(s.shutdown); err != nil {
			close(s.done)
		}
	})
}

func (s *Session) submit(task func()) {
	if err := s.queue.Submit(func() {
		if s.closed {
			return
		}
		task()
	}); err != nil {
		util.LogDebug("%s task dropped: %v", s.log, err)
	}
}

// ---------------------------------------------------------------------------
// Queue-side handlers
// ---------------------------------------------------------------------------

func (s *Session) triggerLocalOffer() {
	if s.busy {
		s.deferred = append(s.deferred, s.triggerLocalOffer)
		return
	}
	if s.offerPending {
		util.LogDebug("%s offer outstanding, renegotiating after the answer", s.log)
		s.renegotiate = true
		return
	}
	s.makeOffer()
}

func (s *Session) negotiationNeeded() {
	// The first offer is started explicitly by the owner once local media is
	// ready; the engine's signal only drives renegotiation.
	if s.State() == Idle {
		util.LogDebug("%s negotiation needed before first negotiation, ignored", s.log)
		return
	}
	s.triggerLocalOffer()
}

func (s *Session) handleRemoteOffer(sdp string, via protocol.Route) {
	if s.role == Impolite && (s.makingOffer || s.offerPending) {
		util.LogInfo("%s glare: ignoring remote offer %08x", s.log, util.Fingerprint(sdp))
		util.Stats.AddGlare()
		s.emit(Event{Kind: EventGlare, Detail: "remote offer ignored"})
		return
	}
	if s.busy {
		s.deferred = append(s.deferred, func() { s.handleRemoteOffer(sdp, via) })
		return
	}
	s.acceptOffer(sdp, via)
}

func (s *Session) handleRemoteAnswer(sdp string) {
	if s.busy && s.makingOffer {
		s.deferred = append(s.deferred, func() { s.handleRemoteAnswer(sdp) })
		return
	}
	if !s.offerPending {
		s.drop("answer without outstanding offer")
		return
	}
	if s.busy {
		s.deferred = append(s.deferred, func() { s.handleRemoteAnswer(sdp) })
		return
	}
	s.applyAnswer(sdp)
}

func (s *Session) handleRemoteCandidate(c protocol.Candidate) {
	if c.Candidate == "" {
		s.drop("empty candidate")
		return
	}
	if !s.remoteSet {
		s.pending = append(s.pending, c)
		util.Stats.AddBuffered()
		util.LogDebug("%s candidate buffered (%d pending)", s.log, len(s.pending))
		return
	}
	s.addCandidate(c)
}

func (s *Session) sendLocalCandidate(c protocol.Candidate) {
	err := s.outbox.Send(protocol.NewCandidate(c))
	switch {
	case err == nil:
		util.Stats.AddCandidateSent()
	case errors.Is(err, protocol.ErrTrickleUnsupported):
		util.LogDebug("%s local candidate not signaled: %v", s.log, err)
	default:
		util.LogWarning("%s failed to send candidate: %v", s.log, err)
	}
}

func (s *Session) iceStateChanged(state ICEState) {
	util.LogDebug("%s ICE %s", s.log, state)

	switch state {
	case ICEConnected, ICECompleted:
		s.iceConnected = true
		if s.negotiated && s.State() == Negotiating {
			s.enter(Stable)
		}
	case ICEDisconnected:
		s.iceConnected = false
	case ICEFailed:
		s.iceConnected = false
		s.abort(EventTransportFailed, transportError("ice", errors.New("ICE connection failed")))
	}
}

func (s *Session) transportFailed(err error) {
	s.abort(EventTransportFailed, transportError("signaling", err))
	if s.offerPending && !s.busy {
		s.offerPending = false
		s.beginStep()
		s.rollback()
	}
}

// ---------------------------------------------------------------------------
// Negotiation steps
// ---------------------------------------------------------------------------

// makeOffer runs CreateOffer → SetLocalDescription → send.
func (s *Session) makeOffer() {
	s.beginStep()
	s.makingOffer = true

	await(s, s.engine.CreateOffer, func(offer Description, err error) {
		if err != nil {
			s.makingOffer = false
			s.fail(negotiationError("create offer", err))
			return
		}

		await(s, func() (Description, error) { return s.engine.SetLocalDescription(offer) }, func(local Description, err error) {
			s.makingOffer = false
			if err != nil {
				s.fail(negotiationError("set local offer", err))
				return
			}

			route, via := s.offerRoute()
			if err := route.Send(protocol.Offer(local.SDP)); err != nil {
				s.abort(EventTransportFailed, transportError("send offer", err))
				s.rollback()
				return
			}

			util.Stats.AddOfferSent()
			util.LogInfo("%s offer %08x sent via %s", s.log, util.Fingerprint(local.SDP), via)
			s.offerPending = true
			s.negotiated = false
			s.enter(Negotiating)
			s.endStep()
		})
	})
}

// acceptOffer rolls back a colliding local offer if needed, then runs
// SetRemoteDescription → flush candidates → CreateAnswer →
// SetLocalDescription → send.
func (s *Session) acceptOffer(sdp string, via protocol.Route) {
	s.beginStep()
	util.LogInfo("%s remote offer %08x via %s", s.log, util.Fingerprint(sdp), via)

	apply := func() {
		awaitErr(s, func() error {
			return s.engine.SetRemoteDescription(Description{Type: SDPOffer, SDP: sdp})
		}, func(err error) {
			if err != nil {
				s.fail(negotiationError("set remote offer", err))
				return
			}
			s.remoteSet = true
			s.flushCandidates()
			s.answer(via)
		})
	}

	if !s.offerPending {
		apply()
		return
	}

	util.LogInfo("%s glare: rolling back local offer", s.log)
	util.Stats.AddGlare()
	s.emit(Event{Kind: EventGlare, Detail: "local offer rolled back"})

	awaitRollback(s, func(err error) {
		if err != nil {
			s.fail(negotiationError("rollback", err))
			return
		}
		s.offerPending = false
		s.renegotiate = false
		apply()
	})
}

func (s *Session) answer(via protocol.Route) {
	await(s, s.engine.CreateAnswer, func(answer Description, err error) {
		if err != nil {
			s.fail(negotiationError("create answer", err))
			return
		}

		await(s, func() (Description, error) { return s.engine.SetLocalDescription(answer) }, func(local Description, err error) {
			if err != nil {
				s.fail(negotiationError("set local answer", err))
				return
			}

			route := s.outbox
			if via == protocol.RouteDataChannel && s.inBand != nil {
				route = s.inBand
			}
			if err := route.Send(protocol.Answer(local.SDP)); err != nil {
				s.abort(EventTransportFailed, transportError("send answer", err))
				s.endStep()
				return
			}

			util.Stats.AddAnswerSent()
			util.LogInfo("%s answer %08x sent via %s", s.log, util.Fingerprint(local.SDP), via)
			s.negotiated = true
			s.enter(Negotiating)
			if s.iceConnected {
				s.enter(Stable)
			}
			s.endStep()
		})
	})
}

func (s *Session) applyAnswer(sdp string) {
	s.beginStep()
	util.LogInfo("%s remote answer %08x", s.log, util.Fingerprint(sdp))

	awaitErr(s, func() error {
		return s.engine.SetRemoteDescription(Description{Type: SDPAnswer, SDP: sdp})
	}, func(err error) {
		s.offerPending = false
		if err != nil {
			s.fail(negotiationError("set remote answer", err))
			return
		}

		util.Stats.AddAnswerApplied()
		s.remoteSet = true
		s.negotiated = true
		s.flushCandidates()
		if s.iceConnected {
			s.enter(Stable)
		}
		s.endStep()
	})
}

// rollback discards a local offer that will never be answered, then ends
// the current step.
func (s *Session) rollback() {
	awaitRollback(s, func(err error) {
		if err != nil {
			util.LogWarning("%s rollback failed: %v", s.log, err)
		}
		s.endStep()
	})
}

func (s *Session) flushCandidates() {
	pending := s.pending
	s.pending = nil
	for _, c := range pending {
		s.addCandidate(c)
	}
}

func (s *Session) addCandidate(c protocol.Candidate) {
	if err := s.engine.AddICECandidate(c); err != nil {
		util.LogWarning("%s failed to add candidate: %v", s.log, err)
		return
	}
	util.Stats.AddCandidateApplied()
}

// ---------------------------------------------------------------------------
// Step bookkeeping
// ---------------------------------------------------------------------------

func (s *Session) beginStep() {
	s.busy = true
	if st := s.State(); st != Negotiating {
		s.baseline = st
	}
}

// endStep clears busy and replays deferred work in arrival order until one
// of it starts a new step.
func (s *Session) endStep() {
	s.busy = false
	for !s.busy && !s.closed && len(s.deferred) > 0 {
		next := s.deferred[0]
		s.deferred = s.deferred[1:]
		next()
	}
	if !s.busy && !s.closed && s.renegotiate && !s.offerPending {
		s.renegotiate = false
		s.makeOffer()
	}
}

// fail aborts the current step with a negotiation error.
func (s *Session) fail(err *StepError) {
	s.abort(EventNegotiationFailed, err)
	s.endStep()
}

// abort reports err and restores the state the session had before the
// current negotiation round.
func (s *Session) abort(kind EventKind, err *StepError) {
	util.Stats.AddFailure()
	util.LogError("%s %v", s.log, err)
	// A trigger parked behind the failed offer is dropped, not replayed.
	s.renegotiate = false
	s.negotiated = false
	if s.State() == Negotiating {
		s.enter(s.baseline)
	}
	s.emit(Event{Kind: kind, Err: err})
}

func (s *Session) drop(reason string) {
	util.Stats.AddDropped()
	util.LogWarning("%s dropped: %s", s.log, reason)
	s.emit(Event{Kind: EventMessageDropped, Detail: reason})
}

func (s *Session) enter(next State) {
	s.mu.Lock()
	prev := s.state
	if prev == next || !canTransition(prev, next) {
		s.mu.Unlock()
		return
	}
	s.state = next
	s.mu.Unlock()

	util.LogDebug("%s %s → %s", s.log, prev, next)
	s.emit(Event{Kind: EventStateChanged, Detail: prev.String()})
}

func (s *Session) emit(ev Event) {
	ev.State = s.State()
	if s.onEvent != nil {
		s.onEvent(ev)
	}
}

func (s *Session) offerRoute() (Outbox, protocol.Route) {
	if s.offerInBand && s.inBand != nil {
		return s.inBand, protocol.RouteDataChannel
	}
	return s.outbox, protocol.RouteSignaling
}

func (s *Session) shutdown() {
	s.closed = true
	s.pending = nil
	s.deferred = nil
	s.enter(Closed)

	if err := errors.Join(s.engine.Close(), closeRoute(s.outbox), closeRoute(s.inBand)); err != nil {
		util.LogDebug("%s close: %v", s.log, err)
	}

	util.Stats.RemoveSession()
	util.LogInfo("%s session closed", s.log)
	s.emit(Event{Kind: EventClosed})
	s.queue.Close()
	close(s.done)
}

func closeRoute(o Outbox) error {
	if c, ok := o.(io.Closer); ok {
		return c.Close()
	}
	return nil
}

// ---------------------------------------------------------------------------
// Off-queue engine calls
// ---------------------------------------------------------------------------

// await runs call on its own goroutine and submits then back to the queue
// with the result. The continuation is discarded once the session is closed.
func await[T any](s *Session, call func() (T, error), then func(T, error)) {
	go func() {
		v, err := call()
		if qerr := s.queue.Submit(func() {
			if s.closed {
				return
			}
			then(v, err)
		}); qerr != nil {
			util.LogDebug("%s engine result discarded: %v", s.log, qerr)
		}
	}()
}

func awaitErr(s *Session, call func() error, then func(error)) {
	await(s, func() (struct{}, error) { return struct{}{}, call() }, func(_ struct{}, err error) { then(err) })
}

func awaitRollback(s *Session, then func(error)) {
	await(s, func() (Description, error) {
		return s.engine.SetLocalDescription(Description{Type: SDPRollback})
	}, func(_ Description, err error) { then(err) })
}
