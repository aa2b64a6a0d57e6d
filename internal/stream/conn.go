package stream

import (
	"fmt"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/shellboard/termsvc/internal/proto"
)

const (
	// Time allowed to write a message to the peer.
	writeWait = 10 * time.Second

	// Maximum message size allowed from peer.
	maxMessageSize = 32 * 1024

	// Outbound queue depth. A client that falls this far behind is
	// dropped; the retention buffer covers the gap on reconnect.
	sendQueueSize = 256
)

// Conn adapts one websocket connection to the registry's Transport
// interface. All outbound frames funnel through a single write pump, which
// preserves frame order and keeps websocket writes single-threaded.
type Conn struct {
	sessionID string
	ws        *websocket.Conn
	log       *zap.Logger

	send chan []byte

	mu     sync.Mutex
	closed bool
}

func newConn(sessionID string, ws *websocket.Conn, log *zap.Logger) *Conn {
	return &Conn{
		sessionID: sessionID,
		ws:        ws,
		log:       log,
		send:      make(chan []byte, sendQueueSize),
	}
}

// enqueue queues an encoded frame for the write pump without blocking.
func (c *Conn) enqueue(f proto.Frame) error {
	raw, err := proto.Encode(f)
	if err != nil {
		return err
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return fmt.Errorf("transport closed")
	}
	select {
	case c.send <- raw:
		return nil
	default:
		return fmt.Errorf("transport send queue full")
	}
}

// SendWelcome implements registry.Transport.
func (c *Conn) SendWelcome(bufferedFrom int64) error {
	return c.enqueue(proto.Welcome(bufferedFrom))
}

// SendOutput implements registry.Transport.
func (c *Conn) SendOutput(p []byte) error {
	// The frame outlives the supervisor's read buffer; copy.
	data := make([]byte, len(p))
	copy(data, p)
	return c.enqueue(proto.Data(data))
}

// SendExit implements registry.Transport.
func (c *Conn) SendExit(code int) {
	if err := c.enqueue(proto.Exit(code)); err != nil {
		c.log.Debug("dropping exit frame", zap.String("session_id", c.sessionID), zap.Error(err))
	}
}

// SendError implements registry.Transport.
func (c *Conn) SendError(kind, message string) {
	if err := c.enqueue(proto.Error(kind, message)); err != nil {
		c.log.Debug("dropping error frame", zap.String("session_id", c.sessionID), zap.Error(err))
	}
}

// Close implements registry.Transport. Safe to call multiple times.
func (c *Conn) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	c.closed = true
	close(c.send)
}

// writePump drains the outbound queue onto the wire and emits heartbeat
// frames on a fixed interval. It owns all websocket writes.
func (c *Conn) writePump(heartbeat time.Duration) {
	ticker := time.NewTicker(heartbeat)
	defer func() {
		ticker.Stop()
		c.ws.Close()
	}()

	for {
		select {
		case raw, ok := <-c.send:
			c.ws.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				c.ws.WriteMessage(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
				return
			}
			if err := c.ws.WriteMessage(websocket.TextMessage, raw); err != nil {
				return
			}
		case <-ticker.C:
			c.ws.SetWriteDeadline(time.Now().Add(writeWait))
			raw, err := proto.Encode(proto.Heartbeat())
			if err != nil {
				return
			}
			if err := c.ws.WriteMessage(websocket.TextMessage, raw); err != nil {
				return
			}
			// Websocket-level ping rides along; the peer's pong refreshes
			// the read deadline.
			if err := c.ws.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
