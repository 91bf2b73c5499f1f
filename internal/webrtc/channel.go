package webrtc

import (
	"sync"

	"github.com/pion/webrtc/v4"

	"github.com/1ureka/rtcvoice/internal/signaling"
)

const (
	HighWaterMark = 256 * 1024 // pause sending when bufferedAmount exceeds this
	LowWaterMark  = 64 * 1024  // resume sending when bufferedAmount drops below this

	channelBuffer = 64
)

// DataChannelConn adapts a pion DataChannel to signaling.Conn. Frames sent
// before the channel opens are held and written in order once it does.
// Frames go out as UTF-8 text messages.
type DataChannelConn struct {
	raw *webrtc.DataChannel

	outbox    chan []byte
	recv      chan []byte
	inbound   chan []byte
	sendReady chan struct{}
	opened    chan struct{}
	ended     chan struct{}

	openOnce sync.Once
	endOnce  sync.Once

	mu  sync.Mutex
	err error
}

var _ signaling.Conn = (*DataChannelConn)(nil)

// NewDataChannelConn wraps raw and installs its callbacks.
func NewDataChannelConn(raw *webrtc.DataChannel) *DataChannelConn {
	c := &DataChannelConn{
		raw:       raw,
		outbox:    make(chan []byte, channelBuffer),
		recv:      make(chan []byte, channelBuffer),
		inbound:   make(chan []byte, channelBuffer),
		sendReady: make(chan struct{}, 1),
		opened:    make(chan struct{}),
		ended:     make(chan struct{}),
	}

	raw.SetBufferedAmountLowThreshold(uint64(LowWaterMark))
	raw.OnBufferedAmountLow(func() {
		select {
		case c.sendReady <- struct{}{}:
		default:
		}
	})

	raw.OnOpen(c.markOpen)
	raw.OnClose(func() { c.end(signaling.ErrChannelClosed) })
	raw.OnError(func(err error) { c.end(err) })
	raw.OnMessage(func(msg webrtc.DataChannelMessage) {
		data := append([]byte(nil), msg.Data...)
		select {
		case c.recv <- data:
		case <-c.ended:
		}
	})

	if raw.ReadyState() == webrtc.DataChannelStateOpen {
		c.markOpen()
	}

	go c.deliver()
	go c.sender()
	return c
}

func (c *DataChannelConn) markOpen() {
	c.openOnce.Do(func() { close(c.opened) })
}

// end records the first cause and stops both loops.
func (c *DataChannelConn) end(cause error) {
	c.endOnce.Do(func() {
		c.mu.Lock()
		c.err = cause
		c.mu.Unlock()
		close(c.ended)
	})
}

// deliver moves received frames to inbound and closes it when the channel
// ends.
func (c *DataChannelConn) deliver() {
	defer close(c.inbound)
	for {
		select {
		case data := <-c.recv:
			select {
			case c.inbound <- data:
			case <-c.ended:
				return
			}
		case <-c.ended:
			return
		}
	}
}

// sender waits for the channel to open, then writes queued frames with
// backpressure.
func (c *DataChannelConn) sender() {
	select {
	case <-c.opened:
	case <-c.ended:
		return
	}

	for {
		select {
		case data := <-c.outbox:
			if c.raw.BufferedAmount() > uint64(HighWaterMark) {
				select {
				case <-c.sendReady:
				case <-c.ended:
					return
				}
			}
			if err := c.raw.SendText(string(data)); err != nil {
				c.end(err)
				return
			}
		case <-c.ended:
			return
		}
	}
}

// Opened is closed once the channel is open.
func (c *DataChannelConn) Opened() <-chan struct{} { return c.opened }

// Send queues one frame.
func (c *DataChannelConn) Send(data []byte) error {
	select {
	case <-c.ended:
		return signaling.ErrChannelClosed
	default:
	}

	select {
	case c.outbox <- data:
		return nil
	case <-c.ended:
		return signaling.ErrChannelClosed
	}
}

func (c *DataChannelConn) Inbound() <-chan []byte { return c.inbound }

func (c *DataChannelConn) Err() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.err
}

// Close closes the data channel. Data channels carry no close code, so code
// and reason are ignored.
func (c *DataChannelConn) Close(int, string) error {
	c.end(signaling.ErrChannelClosed)
	return c.raw.Close()
}

// Raw returns the underlying pion channel.
func (c *DataChannelConn) Raw() *webrtc.DataChannel { return c.raw }
