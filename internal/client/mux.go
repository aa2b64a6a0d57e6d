// Package client implements the tab multiplexer: a local set of terminal
// tabs, each bound to one remote session, with input routing, per-tab
// scrollback, and automatic reconnection. Rendering is owned by the Sink;
// this package never interprets the byte stream.
package client

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"math/rand"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/shellboard/termsvc/internal/buffer"
	"github.com/shellboard/termsvc/internal/proto"
)

// ErrTabNotLive is returned when input is routed to a tab without a live
// transport. Keystrokes are not queued across reconnects.
var ErrTabNotLive = errors.New("tab transport is not live")

// ErrNoActiveTab is returned when input arrives with no tab selected.
var ErrNoActiveTab = errors.New("no active tab")

const (
	defaultMaxAttempts    = 5
	defaultBackoffBase    = 500 * time.Millisecond
	defaultBackoffCap     = 8 * time.Second
	defaultScrollbackSize = 256 * 1024
	defaultHeartbeat      = 15 * time.Second
)

// Sink receives tab events. Implementations must not block: they are
// called from each tab's read loop.
type Sink interface {
	// Output delivers session output bytes for a tab, in order.
	Output(tabID int, p []byte)

	// StatusChanged reports a tab connection-state transition.
	StatusChanged(tabID int, status Status)

	// Exited reports the remote process exit for a tab.
	Exited(tabID int, code int)
}

// Config configures a Mux.
type Config struct {
	// BaseURL is the service root, e.g. "http://localhost:8080".
	BaseURL string

	// Owner is the identity presented on session creation.
	Owner string

	// Sink receives tab events. Required.
	Sink Sink

	// HeartbeatInterval mirrors the server's heartbeat period. The
	// transport is treated as dead after three silent intervals.
	HeartbeatInterval time.Duration

	// MaxAttempts caps reconnect attempts per outage.
	MaxAttempts int

	// ScrollbackSize bounds each tab's scrollback buffer.
	ScrollbackSize int

	HTTPClient *http.Client
	Dialer     *websocket.Dialer
	Log        *zap.Logger
}

// Mux owns the set of open tabs and routes input and output between the
// active tab and its transport. Each tab's transport runs independently;
// no tab blocks another.
type Mux struct {
	cfg  Config
	http *http.Client
	dial *websocket.Dialer
	log  *zap.Logger

	mu     sync.Mutex
	tabs   map[int]*Tab
	order  []int
	active int
	nextID int
}

// NewMux creates a Mux.
func NewMux(cfg Config) (*Mux, error) {
	if cfg.BaseURL == "" {
		return nil, fmt.Errorf("base URL is required")
	}
	if cfg.Sink == nil {
		return nil, fmt.Errorf("sink is required")
	}
	if cfg.HeartbeatInterval <= 0 {
		cfg.HeartbeatInterval = defaultHeartbeat
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = defaultMaxAttempts
	}
	if cfg.ScrollbackSize <= 0 {
		cfg.ScrollbackSize = defaultScrollbackSize
	}
	if cfg.HTTPClient == nil {
		cfg.HTTPClient = &http.Client{Timeout: 15 * time.Second}
	}
	if cfg.Dialer == nil {
		cfg.Dialer = websocket.DefaultDialer
	}
	if cfg.Log == nil {
		cfg.Log = zap.NewNop()
	}

	return &Mux{
		cfg:    cfg,
		http:   cfg.HTTPClient,
		dial:   cfg.Dialer,
		log:    cfg.Log,
		tabs:   make(map[int]*Tab),
		active: -1,
	}, nil
}

// OpenTab creates a remote session and opens a tab bound to it. The tab
// starts in the connecting state; the Sink observes the transition to live.
func (m *Mux) OpenTab(shell, cwd string, rows, cols uint16) (*Tab, error) {
	sessionID, title, err := m.createSession(shell, cwd, rows, cols)
	if err != nil {
		return nil, err
	}

	m.mu.Lock()
	m.nextID++
	tab := &Tab{
		ID:         m.nextID,
		SessionID:  sessionID,
		Title:      title,
		status:     StatusConnecting,
		scrollback: buffer.NewRing(m.cfg.ScrollbackSize),
		closing:    make(chan struct{}),
	}
	m.tabs[tab.ID] = tab
	m.order = append(m.order, tab.ID)
	if m.active < 0 {
		m.active = tab.ID
	}
	m.mu.Unlock()

	m.cfg.Sink.StatusChanged(tab.ID, StatusConnecting)
	go m.run(tab)

	return tab, nil
}

// CloseTab closes a tab: best-effort delete of the remote session, then
// local teardown regardless of the API outcome. The session may already
// have terminated server-side; that is not an error.
func (m *Mux) CloseTab(tabID int) {
	m.mu.Lock()
	tab, ok := m.tabs[tabID]
	m.mu.Unlock()
	if !ok {
		return
	}

	if err := m.deleteSession(tab.SessionID); err != nil {
		m.log.Debug("session delete failed", zap.String("session_id", tab.SessionID), zap.Error(err))
	}

	tab.markClosing()
	m.finishTab(tab)
}

// SetActive switches the active tab. Purely local; no network effect.
func (m *Mux) SetActive(tabID int) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.tabs[tabID]; !ok {
		return false
	}
	m.active = tabID
	return true
}

// Active returns the active tab, if any.
func (m *Mux) Active() (*Tab, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	tab, ok := m.tabs[m.active]
	return tab, ok
}

// Next cycles the active tab in opening order and returns it.
func (m *Mux) Next() (*Tab, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.order) == 0 {
		return nil, false
	}
	idx := 0
	for i, id := range m.order {
		if id == m.active {
			idx = (i + 1) % len(m.order)
			break
		}
	}
	m.active = m.order[idx]
	return m.tabs[m.active], true
}

// Tabs returns the open tabs in opening order.
func (m *Mux) Tabs() []*Tab {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]*Tab, 0, len(m.order))
	for _, id := range m.order {
		out = append(out, m.tabs[id])
	}
	return out
}

// Input routes keystrokes to the active tab's transport.
func (m *Mux) Input(p []byte) error {
	tab, ok := m.Active()
	if !ok {
		return ErrNoActiveTab
	}
	return tab.writeFrame(proto.Data(p))
}

// Resize announces new terminal dimensions to the active tab's session.
func (m *Mux) Resize(rows, cols uint16) error {
	tab, ok := m.Active()
	if !ok {
		return ErrNoActiveTab
	}
	return tab.writeFrame(proto.Resize(rows, cols))
}

// Close tears down every tab without deleting the remote sessions, leaving
// them detached for a later reconnect.
func (m *Mux) Close() {
	for _, tab := range m.Tabs() {
		tab.markClosing()
	}
}

// run is the per-tab connection loop: dial, pump frames, reconnect with
// exponential backoff and jitter until the tab closes or attempts exhaust.
func (m *Mux) run(tab *Tab) {
	attempt := 0
	for {
		select {
		case <-tab.closing:
			return
		default:
		}

		conn, err := m.dialSession(tab.SessionID, tab.Offset())
		if err != nil {
			attempt++
			if attempt >= m.cfg.MaxAttempts {
				m.log.Warn("reconnect attempts exhausted",
					zap.String("session_id", tab.SessionID),
					zap.Int("attempts", attempt))
				m.finishTab(tab)
				return
			}
			m.log.Debug("dial failed, backing off",
				zap.String("session_id", tab.SessionID),
				zap.Int("attempt", attempt),
				zap.Error(err))
			select {
			case <-time.After(backoff(attempt)):
			case <-tab.closing:
				return
			}
			continue
		}

		tab.setConn(conn)
		sessionOver, welcomed := m.pump(tab, conn)
		tab.setConn(nil)
		conn.Close()
		if welcomed {
			// The outage is over once a handshake completes; the next
			// one gets a fresh attempt budget.
			attempt = 0
		}

		if sessionOver {
			m.finishTab(tab)
			return
		}

		select {
		case <-tab.closing:
			return
		default:
		}

		tab.setStatus(StatusDisconnected)
		m.cfg.Sink.StatusChanged(tab.ID, StatusDisconnected)
		attempt++
		if attempt >= m.cfg.MaxAttempts {
			m.finishTab(tab)
			return
		}
		select {
		case <-time.After(backoff(attempt)):
		case <-tab.closing:
			return
		}
		tab.setStatus(StatusConnecting)
		m.cfg.Sink.StatusChanged(tab.ID, StatusConnecting)
	}
}

// pump reads frames until the transport dies. sessionOver is true when the
// session itself ended (exit, not-found, terminated) and reconnecting would
// be pointless; welcomed reports whether the handshake completed.
func (m *Mux) pump(tab *Tab, conn *websocket.Conn) (sessionOver, welcomed bool) {
	// Dead transport detection: three silent heartbeat intervals.
	deadline := 3 * m.cfg.HeartbeatInterval
	conn.SetReadDeadline(time.Now().Add(deadline))

	for {
		_, raw, err := conn.ReadMessage()
		if err != nil {
			return false, welcomed
		}
		conn.SetReadDeadline(time.Now().Add(deadline))

		f, err := proto.Decode(raw)
		if err != nil {
			m.log.Warn("malformed frame from server", zap.Error(err))
			continue
		}

		switch f.Type {
		case proto.FrameWelcome:
			if f.BufferedFrom != nil {
				// The server replays from this offset; align our
				// acknowledgement point with it.
				tab.mu.Lock()
				tab.offset = *f.BufferedFrom
				tab.mu.Unlock()
			}
			if !welcomed {
				welcomed = true
				tab.setStatus(StatusLive)
				m.cfg.Sink.StatusChanged(tab.ID, StatusLive)
			}
		case proto.FrameData:
			tab.mu.Lock()
			tab.offset += int64(len(f.Data))
			tab.scrollback.Write(f.Data)
			tab.mu.Unlock()
			m.cfg.Sink.Output(tab.ID, f.Data)
		case proto.FrameHeartbeat:
			// Deadline already refreshed above.
		case proto.FrameExit:
			code := -1
			if f.Code != nil {
				code = *f.Code
			}
			m.cfg.Sink.Exited(tab.ID, code)
			return true, welcomed
		case proto.FrameError:
			m.log.Warn("server error frame",
				zap.String("session_id", tab.SessionID),
				zap.String("kind", f.Kind),
				zap.String("message", f.Message))
			switch f.Kind {
			case proto.ErrKindNotFound, proto.ErrKindTerminated:
				return true, welcomed
			case proto.ErrKindAlreadyBound:
				// Another transport holds the session; keep the tab
				// around so the user can force-detach and retry.
				return false, welcomed
			}
		}
	}
}

// finishTab marks the tab closed and removes it from the active set.
func (m *Mux) finishTab(tab *Tab) {
	if tab.Status() == StatusClosed {
		return
	}
	tab.markClosing()
	tab.setStatus(StatusClosed)

	m.mu.Lock()
	delete(m.tabs, tab.ID)
	for i, id := range m.order {
		if id == tab.ID {
			m.order = append(m.order[:i], m.order[i+1:]...)
			break
		}
	}
	if m.active == tab.ID {
		m.active = -1
		if len(m.order) > 0 {
			m.active = m.order[0]
		}
	}
	m.mu.Unlock()

	m.cfg.Sink.StatusChanged(tab.ID, StatusClosed)
}

// createSession calls the control plane to create a session.
func (m *Mux) createSession(shell, cwd string, rows, cols uint16) (sessionID, title string, err error) {
	body, err := json.Marshal(map[string]interface{}{
		"owner": m.cfg.Owner,
		"shell": shell,
		"cwd":   cwd,
		"rows":  rows,
		"cols":  cols,
	})
	if err != nil {
		return "", "", err
	}

	resp, err := m.http.Post(m.cfg.BaseURL+"/api/sessions", "application/json", bytes.NewReader(body))
	if err != nil {
		return "", "", fmt.Errorf("session create request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusCreated {
		return "", "", fmt.Errorf("session create returned %d", resp.StatusCode)
	}

	var created struct {
		SessionID string `json:"sessionId"`
		Title     string `json:"title"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&created); err != nil {
		return "", "", fmt.Errorf("failed to decode create response: %w", err)
	}
	return created.SessionID, created.Title, nil
}

// deleteSession calls the control plane to delete a session. A 404 means
// the session is already gone, which callers treat as success.
func (m *Mux) deleteSession(sessionID string) error {
	req, err := http.NewRequest(http.MethodDelete, m.cfg.BaseURL+"/api/sessions/"+sessionID, nil)
	if err != nil {
		return err
	}
	resp, err := m.http.Do(req)
	if err != nil {
		return err
	}
	resp.Body.Close()

	if resp.StatusCode != http.StatusNoContent && resp.StatusCode != http.StatusNotFound {
		return fmt.Errorf("session delete returned %d", resp.StatusCode)
	}
	return nil
}

// dialSession opens the data-plane websocket for a session, presenting the
// last-acknowledged offset.
func (m *Mux) dialSession(sessionID string, offset int64) (*websocket.Conn, error) {
	wsBase := m.cfg.BaseURL
	if strings.HasPrefix(wsBase, "https://") {
		wsBase = "wss://" + strings.TrimPrefix(wsBase, "https://")
	} else {
		wsBase = "ws://" + strings.TrimPrefix(wsBase, "http://")
	}

	u := fmt.Sprintf("%s/api/sessions/%s/stream?offset=%d", wsBase, url.PathEscape(sessionID), offset)
	conn, resp, err := m.dial.Dial(u, nil)
	if resp != nil && resp.Body != nil {
		resp.Body.Close()
	}
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", sessionID, err)
	}
	return conn, nil
}

// backoff computes the exponential reconnect delay with jitter. Doubling
// stops at the cap so large attempt counts cannot overflow the duration.
func backoff(attempt int) time.Duration {
	d := defaultBackoffBase
	for i := 1; i < attempt && d < defaultBackoffCap; i++ {
		d *= 2
	}
	if d > defaultBackoffCap {
		d = defaultBackoffCap
	}
	// Up to 50% jitter so reconnect storms spread out.
	jitter := time.Duration(rand.Int63n(int64(d) / 2))
	return d/2 + jitter
}
