package signaling

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/1ureka/rtcvoice/internal/util"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 64 * 1024
	inboundBuffer  = 16
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

// WSConn is a Conn over a gorilla WebSocket. Frames are sent as text.
type WSConn struct {
	conn *websocket.Conn

	writeMu sync.Mutex

	inbound chan []byte
	done    chan struct{}

	errMu sync.Mutex
	err   error

	closeOnce sync.Once
	closeErr  error
}

var _ Conn = (*WSConn)(nil)

// Dial connects to a WebSocket signaling endpoint.
func Dial(ctx context.Context, url string) (*WSConn, error) {
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, url, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to WS server: %w", err)
	}
	return newWSConn(conn), nil
}

// DialWithRetry calls Dial up to attempts times, doubling the wait between
// attempts starting at backoff.
func DialWithRetry(ctx context.Context, url string, attempts int, backoff time.Duration) (*WSConn, error) {
	var err error
	for i := 0; i < attempts; i++ {
		if i > 0 {
			wait := backoff << (i - 1)
			util.LogWarning("dial %s failed (attempt %d/%d), retrying in %s: %v", url, i, attempts, wait, err)

			select {
			case <-time.After(wait):
			case <-ctx.Done():
				return nil, ctx.Err()
			}
		}

		var c *WSConn
		if c, err = Dial(ctx, url); err == nil {
			return c, nil
		}
	}
	return nil, err
}

// Accept upgrades an HTTP request to a WebSocket. Any origin is accepted.
func Accept(w http.ResponseWriter, r *http.Request) (*WSConn, error) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		return nil, err
	}
	return newWSConn(conn), nil
}

func newWSConn(conn *websocket.Conn) *WSConn {
	c := &WSConn{
		conn:    conn,
		inbound: make(chan []byte, inboundBuffer),
		done:    make(chan struct{}),
	}

	conn.SetReadLimit(maxMessageSize)
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	go c.readPump()
	go c.pingLoop()

	return c
}

// Send writes one text frame.
func (c *WSConn) Send(data []byte) error {
	select {
	case <-c.done:
		return ErrChannelClosed
	default:
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	c.conn.SetWriteDeadline(time.Now().Add(writeWait))
	return c.conn.WriteMessage(websocket.TextMessage, data)
}

func (c *WSConn) Inbound() <-chan []byte { return c.inbound }

func (c *WSConn) Err() error {
	c.errMu.Lock()
	defer c.errMu.Unlock()
	return c.err
}

// Close sends a close frame once and closes the socket.
func (c *WSConn) Close(code int, reason string) error {
	c.closeOnce.Do(func() {
		close(c.done)

		c.writeMu.Lock()
		msg := websocket.FormatCloseMessage(code, reason)
		c.conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(writeWait))
		c.writeMu.Unlock()

		c.closeErr = c.conn.Close()
	})
	return c.closeErr
}

// readPump forwards frames to inbound until the socket fails or closes.
func (c *WSConn) readPump() {
	defer close(c.inbound)

	c.conn.SetReadDeadline(time.Now().Add(pongWait))

	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			c.errMu.Lock()
			c.err = err
			c.errMu.Unlock()
			return
		}

		select {
		case c.inbound <- data:
		case <-c.done:
			return
		}
	}
}

// pingLoop keeps the read deadline on the remote end alive.
func (c *WSConn) pingLoop() {
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			c.writeMu.Lock()
			err := c.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait))
			c.writeMu.Unlock()
			if err != nil {
				return
			}
		case <-c.done:
			return
		}
	}
}
