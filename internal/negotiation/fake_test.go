package negotiation

import (
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/1ureka/rtcvoice/internal/protocol"
)

// fakeEngine records every call in order. CreateOffer can be held on a
// gate, and any operation can be made to fail.
type fakeEngine struct {
	name string

	mu        sync.Mutex
	calls     []string
	fail      map[string]error
	offers    int
	answers   int
	closed    int
	local     Description
	remote    Description
	offerGate chan struct{}
}

var _ Engine = (*fakeEngine)(nil)

func newFakeEngine(name string) *fakeEngine {
	return &fakeEngine{name: name, fail: map[string]error{}}
}

func (e *fakeEngine) record(call string) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.calls = append(e.calls, call)
	return e.fail[call]
}

func (e *fakeEngine) failOn(call string, err error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.fail[call] = err
}

func (e *fakeEngine) Calls() []string {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]string(nil), e.calls...)
}

func (e *fakeEngine) CreateOffer() (Description, error) {
	if e.offerGate != nil {
		<-e.offerGate
	}
	if err := e.record("create-offer"); err != nil {
		return Description{}, err
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	e.offers++
	return Description{Type: SDPOffer, SDP: fmt.Sprintf("%s-offer-%d", e.name, e.offers)}, nil
}

func (e *fakeEngine) CreateAnswer() (Description, error) {
	if err := e.record("create-answer"); err != nil {
		return Description{}, err
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	e.answers++
	return Description{Type: SDPAnswer, SDP: fmt.Sprintf("%s-answer-%d", e.name, e.answers)}, nil
}

func (e *fakeEngine) SetLocalDescription(desc Description) (Description, error) {
	if err := e.record("set-local-" + string(desc.Type)); err != nil {
		return Description{}, err
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if desc.Type == SDPRollback {
		e.local = Description{}
		return desc, nil
	}
	e.local = desc
	return desc, nil
}

func (e *fakeEngine) SetRemoteDescription(desc Description) error {
	if err := e.record("set-remote-" + string(desc.Type) + ":" + desc.SDP); err != nil {
		return err
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	e.remote = desc
	return nil
}

func (e *fakeEngine) AddICECandidate(c protocol.Candidate) error {
	return e.record("add-candidate:" + c.Candidate)
}

func (e *fakeEngine) Close() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.closed++
	return nil
}

func (e *fakeEngine) Remote() Description {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.remote
}

func (e *fakeEngine) Closed() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.closed
}

// memOutbox captures sent messages and optionally forwards them.
type memOutbox struct {
	mu      sync.Mutex
	sent    []protocol.Message
	err     error
	closed  int
	deliver func(protocol.Message)
}

var _ Outbox = (*memOutbox)(nil)

func (o *memOutbox) Send(msg protocol.Message) error {
	o.mu.Lock()
	if o.err != nil {
		o.mu.Unlock()
		return o.err
	}
	o.sent = append(o.sent, msg)
	deliver := o.deliver
	o.mu.Unlock()

	if deliver != nil {
		deliver(msg)
	}
	return nil
}

func (o *memOutbox) Close() error {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.closed++
	return nil
}

func (o *memOutbox) Sent() []protocol.Message {
	o.mu.Lock()
	defer o.mu.Unlock()
	return append([]protocol.Message(nil), o.sent...)
}

func (o *memOutbox) Kinds() []protocol.Kind {
	var kinds []protocol.Kind
	for _, m := range o.Sent() {
		kinds = append(kinds, m.Kind)
	}
	return kinds
}

// eventLog collects session events.
type eventLog struct {
	mu     sync.Mutex
	events []Event
}

func (l *eventLog) add(ev Event) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.events = append(l.events, ev)
}

func (l *eventLog) count(kind EventKind) int {
	l.mu.Lock()
	defer l.mu.Unlock()
	n := 0
	for _, ev := range l.events {
		if ev.Kind == kind {
			n++
		}
	}
	return n
}

func (l *eventLog) states() []State {
	l.mu.Lock()
	defer l.mu.Unlock()
	var states []State
	for _, ev := range l.events {
		if ev.Kind == EventStateChanged {
			states = append(states, ev.State)
		}
	}
	return states
}

func (l *eventLog) last(kind EventKind) (Event, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	for i := len(l.events) - 1; i >= 0; i-- {
		if l.events[i].Kind == kind {
			return l.events[i], true
		}
	}
	return Event{}, false
}

const (
	waitFor = 2 * time.Second
	tick    = 5 * time.Millisecond
)

func eventually(t *testing.T, cond func() bool, msgAndArgs ...interface{}) {
	t.Helper()
	require.Eventually(t, cond, waitFor, tick, msgAndArgs...)
}

// settle waits until every task submitted so far, including continuations
// spawned by them, has drained.
func settle(t *testing.T, s *Session) {
	t.Helper()
	for i := 0; i < 5; i++ {
		done := make(chan struct{})
		require.NoError(t, s.queue.Submit(func() { close(done) }))
		select {
		case <-done:
		case <-time.After(waitFor):
			t.Fatal("queue did not drain")
		}
		time.Sleep(tick)
	}
}
