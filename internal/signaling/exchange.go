package signaling

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	"github.com/1ureka/rtcvoice/internal/protocol"
	"github.com/1ureka/rtcvoice/internal/util"
)

const (
	sessionPath     = "/session"
	maxResponseSize = 1 << 20
	offerBacklog    = 4
)

// ErrEmptyAnswer is returned when the server answers 2xx without an SDP.
var ErrEmptyAnswer = errors.New("empty answer")

// StatusError is a non-2xx response to the offer exchange.
type StatusError struct {
	Code   int
	Status string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("signaling server returned %s", e.Status)
}

// Exchanger trades one offer for one answer.
type Exchanger interface {
	ExchangeOffer(ctx context.Context, offer string) (string, error)
}

// HTTPExchanger posts offers to {base}/session.
type HTTPExchanger struct {
	url    string
	client *http.Client
}

var _ Exchanger = (*HTTPExchanger)(nil)

// NewHTTPExchanger creates an exchanger for the server at base. A zero
// timeout means no client-side limit.
func NewHTTPExchanger(base string, timeout time.Duration) *HTTPExchanger {
	return &HTTPExchanger{
		url:    base + sessionPath,
		client: &http.Client{Timeout: timeout},
	}
}

// ExchangeOffer sends {"offer": offer} and returns the "answer" field.
func (e *HTTPExchanger) ExchangeOffer(ctx context.Context, offer string) (string, error) {
	body, err := json.Marshal(protocol.SessionOffer{Offer: offer})
	if err != nil {
		return "", err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, e.url, bytes.NewReader(body))
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := e.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("POST %s: %w", e.url, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		io.Copy(io.Discard, io.LimitReader(resp.Body, maxResponseSize))
		return "", &StatusError{Code: resp.StatusCode, Status: resp.Status}
	}

	var answer protocol.SessionAnswer
	if err := json.NewDecoder(io.LimitReader(resp.Body, maxResponseSize)).Decode(&answer); err != nil {
		return "", fmt.Errorf("decode answer: %w", err)
	}
	if answer.Answer == "" {
		return "", ErrEmptyAnswer
	}
	return answer.Answer, nil
}

// ExchangeOutbox routes a session's offers through an Exchanger. Each offer
// is exchanged in order by Run, and the answer comes back to the sink as a
// signaling-route message. Candidates cannot travel this way.
type ExchangeOutbox struct {
	ex     Exchanger
	offers chan string

	done      chan struct{}
	closeOnce sync.Once
}

// NewExchangeOutbox wraps ex.
func NewExchangeOutbox(ex Exchanger) *ExchangeOutbox {
	return &ExchangeOutbox{
		ex:     ex,
		offers: make(chan string, offerBacklog),
		done:   make(chan struct{}),
	}
}

// Send queues an offer. Other kinds return protocol.ErrTrickleUnsupported.
func (o *ExchangeOutbox) Send(msg protocol.Message) error {
	if msg.Kind != protocol.KindOffer {
		return protocol.ErrTrickleUnsupported
	}

	select {
	case <-o.done:
		return ErrChannelClosed
	default:
	}

	select {
	case o.offers <- msg.SDP:
		return nil
	default:
		return errors.New("offer exchange backlog full")
	}
}

// Run exchanges queued offers until Close or ctx is cancelled. A failed
// exchange is reported to sink.TransportFailed.
func (o *ExchangeOutbox) Run(ctx context.Context, sink Sink) error {
	for {
		select {
		case offer := <-o.offers:
			util.LogDebug("exchanging offer %08x", util.Fingerprint(offer))

			answer, err := o.ex.ExchangeOffer(ctx, offer)
			if err != nil {
				sink.TransportFailed(fmt.Errorf("offer exchange: %w", err))
				continue
			}

			msg := protocol.Answer(answer)
			msg.Via = protocol.RouteSignaling
			sink.HandleMessage(msg)

		case <-o.done:
			return nil
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// Close stops Run. Offers not yet exchanged are discarded.
func (o *ExchangeOutbox) Close() error {
	o.closeOnce.Do(func() { close(o.done) })
	return nil
}
