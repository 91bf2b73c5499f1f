// Package signaling carries encoded signaling messages between the two
// peers: a persistent duplex channel (WebSocket or data channel) pumped by
// Duplex, and the one-shot HTTP offer/answer exchange.
package signaling

import (
	"errors"

	"github.com/1ureka/rtcvoice/internal/protocol"
)

// ErrChannelClosed is returned when sending on a closed channel, and
// reported when a channel ends without a more specific error.
var ErrChannelClosed = errors.New("signaling channel closed")

// Conn is a framed, ordered, bidirectional channel of opaque payloads.
type Conn interface {
	// Send writes one frame.
	Send(data []byte) error

	// Inbound delivers received frames in order. It is closed when the
	// channel ends, after which Err reports why.
	Inbound() <-chan []byte
	Err() error

	// Close ends the channel. code and reason are passed to the remote end
	// where the transport supports it.
	Close(code int, reason string) error
}

// Sink consumes what a signaling route receives.
type Sink interface {
	HandleMessage(msg protocol.Message)
	TransportFailed(err error)
}
