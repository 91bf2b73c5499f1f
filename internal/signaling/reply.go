package signaling

import (
	"context"
	"errors"
	"sync"

	"github.com/1ureka/rtcvoice/internal/protocol"
)

// ErrNotAnswer is returned by ReplyOutbox for anything but the first answer.
var ErrNotAnswer = errors.New("reply route carries a single answer")

// ReplyOutbox is the server side of the HTTP exchange: it captures the
// first answer a session produces so the handler can write it back.
type ReplyOutbox struct {
	answer chan string

	mu   sync.Mutex
	sent bool
}

// NewReplyOutbox creates an empty ReplyOutbox.
func NewReplyOutbox() *ReplyOutbox {
	return &ReplyOutbox{answer: make(chan string, 1)}
}

func (o *ReplyOutbox) Send(msg protocol.Message) error {
	switch msg.Kind {
	case protocol.KindCandidate:
		return protocol.ErrTrickleUnsupported
	case protocol.KindAnswer:
		o.mu.Lock()
		defer o.mu.Unlock()
		if o.sent {
			return ErrNotAnswer
		}
		o.sent = true
		o.answer <- msg.SDP
		return nil
	default:
		return ErrNotAnswer
	}
}

// Wait returns the captured answer, or ctx's error if none arrives first.
func (o *ReplyOutbox) Wait(ctx context.Context) (string, error) {
	select {
	case sdp := <-o.answer:
		return sdp, nil
	case <-ctx.Done():
		return "", ctx.Err()
	}
}
