package client

import (
	"sync"

	"github.com/gorilla/websocket"

	"github.com/shellboard/termsvc/internal/buffer"
	"github.com/shellboard/termsvc/internal/proto"
)

// Status is a tab's connection state.
type Status string

const (
	// StatusConnecting means a dial or reconnect attempt is in flight.
	StatusConnecting Status = "connecting"

	// StatusLive means the handshake completed and frames are flowing.
	StatusLive Status = "live"

	// StatusDisconnected means the transport was lost and a reconnect
	// will be attempted.
	StatusDisconnected Status = "disconnected"

	// StatusClosed is terminal: the user closed the tab, reconnect
	// attempts were exhausted, or the session ended.
	StatusClosed Status = "closed"
)

// Tab is one client-side terminal tab bound to a remote session. Its
// lifetime is independent of the session's: the session may outlive the tab
// (detached on the server) or die under it.
type Tab struct {
	// ID is the local tab identifier, unrelated to the session ID.
	ID int

	// SessionID is the bound remote session.
	SessionID string

	// Title is the display title.
	Title string

	mu         sync.Mutex
	status     Status
	offset     int64 // last-acknowledged byte offset
	scrollback *buffer.Ring
	conn       *websocket.Conn
	closing    chan struct{}
	closeOnce  sync.Once
}

// Status returns the tab's connection state.
func (t *Tab) Status() Status {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.status
}

// Offset returns the last-acknowledged byte offset, carried on reconnect
// so the server resumes the stream without duplication.
func (t *Tab) Offset() int64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.offset
}

// Scrollback returns a copy of the tab's retained output.
func (t *Tab) Scrollback() []byte {
	t.mu.Lock()
	defer t.mu.Unlock()
	data, _ := t.scrollback.ReadFrom(t.scrollback.Start())
	return data
}

func (t *Tab) setStatus(s Status) {
	t.mu.Lock()
	t.status = s
	t.mu.Unlock()
}

func (t *Tab) setConn(conn *websocket.Conn) {
	t.mu.Lock()
	t.conn = conn
	t.mu.Unlock()
}

// writeFrame sends a frame on the current connection. The tab lock
// serializes writers, which gorilla/websocket requires, and keeps resize
// ordered against the data around it.
func (t *Tab) writeFrame(f proto.Frame) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.conn == nil || t.status != StatusLive {
		return ErrTabNotLive
	}
	raw, err := proto.Encode(f)
	if err != nil {
		return err
	}
	return t.conn.WriteMessage(websocket.TextMessage, raw)
}

// markClosing signals the run loop to stop. Idempotent.
func (t *Tab) markClosing() {
	t.closeOnce.Do(func() { close(t.closing) })

	t.mu.Lock()
	conn := t.conn
	t.conn = nil
	t.mu.Unlock()
	if conn != nil {
		conn.Close()
	}
}
