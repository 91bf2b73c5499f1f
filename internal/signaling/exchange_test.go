package signaling

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/1ureka/rtcvoice/internal/negotiation"
	"github.com/1ureka/rtcvoice/internal/protocol"
)

func TestHTTPExchangerSuccess(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "/session", r.URL.Path)
		assert.Equal(t, "application/json", r.Header.Get("Content-Type"))

		var body protocol.SessionOffer
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		assert.Equal(t, "v=0 offer", body.Offer)

		json.NewEncoder(w).Encode(protocol.SessionAnswer{Answer: "v=0 answer"})
	}))
	defer srv.Close()

	answer, err := NewHTTPExchanger(srv.URL, time.Second).ExchangeOffer(context.Background(), "v=0 offer")
	require.NoError(t, err)
	assert.Equal(t, "v=0 answer", answer)
}

func TestHTTPExchangerFailures(t *testing.T) {
	testCases := []struct {
		name    string
		handler http.HandlerFunc
		check   func(t *testing.T, err error)
	}{
		{
			name:    "not found",
			handler: func(w http.ResponseWriter, r *http.Request) { http.NotFound(w, r) },
			check: func(t *testing.T, err error) {
				var statusErr *StatusError
				require.ErrorAs(t, err, &statusErr)
				assert.Equal(t, http.StatusNotFound, statusErr.Code)
			},
		},
		{
			name: "empty answer",
			handler: func(w http.ResponseWriter, r *http.Request) {
				w.Write([]byte(`{"answer":""}`))
			},
			check: func(t *testing.T, err error) { assert.ErrorIs(t, err, ErrEmptyAnswer) },
		},
		{
			name: "bad body",
			handler: func(w http.ResponseWriter, r *http.Request) {
				w.Write([]byte(`<html>`))
			},
			check: func(t *testing.T, err error) { assert.Error(t, err) },
		},
		{
			name: "timeout",
			handler: func(w http.ResponseWriter, r *http.Request) {
				select {
				case <-r.Context().Done():
				case <-time.After(time.Second):
				}
			},
			check: func(t *testing.T, err error) { assert.Error(t, err) },
		},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			srv := httptest.NewServer(tc.handler)
			defer srv.Close()

			_, err := NewHTTPExchanger(srv.URL, 50*time.Millisecond).ExchangeOffer(context.Background(), "v=0")
			tc.check(t, err)
		})
	}
}

type fixedExchanger struct {
	answer string
	err    error
}

func (e fixedExchanger) ExchangeOffer(context.Context, string) (string, error) {
	return e.answer, e.err
}

func TestExchangeOutbox(t *testing.T) {
	out := NewExchangeOutbox(fixedExchanger{answer: "v=0 answer"})
	sink := &recordingSink{}

	errCh := make(chan error, 1)
	go func() { errCh <- out.Run(context.Background(), sink) }()

	assert.ErrorIs(t, out.Send(protocol.NewCandidate(protocol.Candidate{Candidate: "c"})), protocol.ErrTrickleUnsupported)
	assert.ErrorIs(t, out.Send(protocol.Answer("v=0")), protocol.ErrTrickleUnsupported)
	require.NoError(t, out.Send(protocol.Offer("v=0 offer")))

	require.Eventually(t, func() bool { return len(sink.Messages()) == 1 }, 2*time.Second, 5*time.Millisecond)
	msg := sink.Messages()[0]
	assert.Equal(t, protocol.KindAnswer, msg.Kind)
	assert.Equal(t, "v=0 answer", msg.SDP)
	assert.Equal(t, protocol.RouteSignaling, msg.Via)

	require.NoError(t, out.Close())
	assert.NoError(t, waitErr(t, errCh))
	assert.ErrorIs(t, out.Send(protocol.Offer("v=0")), ErrChannelClosed)
}

func TestExchangeOutboxReportsFailure(t *testing.T) {
	cause := errors.New("connection refused")
	out := NewExchangeOutbox(fixedExchanger{err: cause})
	defer out.Close()
	sink := &recordingSink{}
	go out.Run(context.Background(), sink)

	require.NoError(t, out.Send(protocol.Offer("v=0")))
	require.Eventually(t, func() bool { return len(sink.Failures()) == 1 }, 2*time.Second, 5*time.Millisecond)
	assert.ErrorIs(t, sink.Failures()[0], cause)
	assert.Empty(t, sink.Messages())
}

func TestReplyOutbox(t *testing.T) {
	out := NewReplyOutbox()

	assert.ErrorIs(t, out.Send(protocol.NewCandidate(protocol.Candidate{Candidate: "c"})), protocol.ErrTrickleUnsupported)
	assert.ErrorIs(t, out.Send(protocol.Offer("v=0")), ErrNotAnswer)
	require.NoError(t, out.Send(protocol.Answer("v=0 answer")))
	assert.ErrorIs(t, out.Send(protocol.Answer("v=0 again")), ErrNotAnswer)

	answer, err := out.Wait(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "v=0 answer", answer)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	_, err = NewReplyOutbox().Wait(ctx)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

// stubEngine answers every call successfully.
type stubEngine struct{}

func (stubEngine) CreateOffer() (negotiation.Description, error) {
	return negotiation.Description{Type: negotiation.SDPOffer, SDP: "v=0..."}, nil
}

func (stubEngine) CreateAnswer() (negotiation.Description, error) {
	return negotiation.Description{Type: negotiation.SDPAnswer, SDP: "v=0..."}, nil
}

func (stubEngine) SetLocalDescription(d negotiation.Description) (negotiation.Description, error) {
	return d, nil
}

func (stubEngine) SetRemoteDescription(negotiation.Description) error { return nil }
func (stubEngine) AddICECandidate(protocol.Candidate) error          { return nil }
func (stubEngine) Close() error                                      { return nil }

// A request/response session whose POST /session returns 404 reports the
// negotiation as failed and goes Negotiating → Idle without posting again.
func TestSessionOverHTTPNotFound(t *testing.T) {
	var posts atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		posts.Add(1)
		http.NotFound(w, r)
	}))
	defer srv.Close()

	var (
		mu     sync.Mutex
		failed []error
		states []negotiation.State
	)
	out := NewExchangeOutbox(NewHTTPExchanger(srv.URL, time.Second))
	session := negotiation.NewSession(negotiation.Options{
		Role:   negotiation.Impolite,
		Engine: stubEngine{},
		Outbox: out,
		OnEvent: func(ev negotiation.Event) {
			mu.Lock()
			defer mu.Unlock()
			switch ev.Kind {
			case negotiation.EventTransportFailed:
				failed = append(failed, ev.Err)
			case negotiation.EventStateChanged:
				states = append(states, ev.State)
			}
		},
	})
	defer session.Stop()
	go out.Run(context.Background(), session)

	session.TriggerLocalOffer()

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(failed) == 1
	}, 2*time.Second, 5*time.Millisecond)
	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(states) == 2
	}, 2*time.Second, 5*time.Millisecond)
	assert.Equal(t, negotiation.Idle, session.State())

	mu.Lock()
	defer mu.Unlock()
	var statusErr *StatusError
	require.ErrorAs(t, failed[0], &statusErr)
	assert.Equal(t, http.StatusNotFound, statusErr.Code)
	assert.ErrorIs(t, failed[0], negotiation.ErrTransport)
	assert.Equal(t, []negotiation.State{negotiation.Negotiating, negotiation.Idle}, states)
	assert.Equal(t, int32(1), posts.Load())
}
