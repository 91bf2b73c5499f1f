package signaling

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/gorilla/websocket"

	"github.com/1ureka/rtcvoice/internal/protocol"
	"github.com/1ureka/rtcvoice/internal/util"
)

const sendBufferSize = 64 // outgoing frame channel capacity

// Duplex pumps signaling messages over a Conn. Outbound messages are encoded
// and written by a single writer goroutine in Send order; inbound frames are
// decoded and handed to a Sink by Run.
type Duplex struct {
	conn Conn
	via  protocol.Route

	inbox chan []byte
	done  chan struct{}

	closing   atomic.Bool
	closeOnce sync.Once
}

// NewDuplex wraps conn and starts the writer. via is stamped on every
// inbound message.
func NewDuplex(conn Conn, via protocol.Route) *Duplex {
	d := &Duplex{
		conn:  conn,
		via:   via,
		inbox: make(chan []byte, sendBufferSize),
		done:  make(chan struct{}),
	}
	go d.loop()
	return d
}

// Send encodes msg and queues it for writing. It blocks only when the
// outgoing buffer is full.
func (d *Duplex) Send(msg protocol.Message) error {
	data, err := protocol.Encode(msg)
	if err != nil {
		return err
	}

	select {
	case <-d.done:
		return ErrChannelClosed
	default:
	}

	select {
	case d.inbox <- data:
		return nil
	case <-d.done:
		return ErrChannelClosed
	}
}

// loop is the single-writer goroutine.
func (d *Duplex) loop() {
	for {
		select {
		case data := <-d.inbox:
			if err := d.conn.Send(data); err != nil {
				util.LogError("failed to write %s message: %v", d.via, err)
				// The reader sees the broken channel and reports it.
				d.conn.Close(websocket.CloseInternalServerErr, "write failed")
				return
			}
		case <-d.done:
			return
		}
	}
}

// Run delivers inbound messages to sink until the channel ends or ctx is
// cancelled. Malformed frames are logged and dropped. If the channel ends
// without a local Close, sink.TransportFailed is called and the cause is
// returned.
func (d *Duplex) Run(ctx context.Context, sink Sink) error {
	for {
		select {
		case data, ok := <-d.conn.Inbound():
			if !ok {
				if d.closing.Load() {
					return nil
				}
				cause := d.conn.Err()
				if cause == nil {
					cause = ErrChannelClosed
				}
				err := fmt.Errorf("%s channel closed: %w", d.via, cause)
				sink.TransportFailed(err)
				return err
			}

			msg, err := protocol.Decode(data)
			if err != nil {
				util.Stats.AddDropped()
				util.LogWarning("dropping %s message: %v", d.via, err)
				continue
			}
			msg.Via = d.via
			sink.HandleMessage(msg)

		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// Close stops the writer and closes the channel normally. Run returns nil
// afterwards.
func (d *Duplex) Close() error {
	var err error
	d.closeOnce.Do(func() {
		d.closing.Store(true)
		close(d.done)
		err = d.conn.Close(websocket.CloseNormalClosure, "session closed")
	})
	return err
}
