package client

import (
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/shellboard/termsvc/internal/proto"
)

// recordingSink captures sink callbacks for assertions.
type recordingSink struct {
	mu       sync.Mutex
	output   []byte
	statuses []Status
	exitCode *int
}

func (s *recordingSink) Output(tabID int, p []byte) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.output = append(s.output, p...)
}

func (s *recordingSink) StatusChanged(tabID int, status Status) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.statuses = append(s.statuses, status)
}

func (s *recordingSink) Exited(tabID int, code int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.exitCode = &code
}

func (s *recordingSink) bytes() []byte {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]byte(nil), s.output...)
}

func (s *recordingSink) seen(status Status) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, st := range s.statuses {
		if st == status {
			return true
		}
	}
	return false
}

func (s *recordingSink) exited() (int, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.exitCode == nil {
		return 0, false
	}
	return *s.exitCode, true
}

func waitFor(t *testing.T, timeout time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("condition not met before timeout")
}

// fakeServer is a scripted session service: it answers the control-plane
// endpoints and hands each websocket upgrade to the configured script.
type fakeServer struct {
	srv      *httptest.Server
	upgrader websocket.Upgrader

	mu      sync.Mutex
	dials   int
	offsets []int64
	deletes int

	// script drives one accepted stream connection.
	script func(conn *websocket.Conn, offset int64, dial int)
}

func newFakeServer(t *testing.T, script func(conn *websocket.Conn, offset int64, dial int)) *fakeServer {
	t.Helper()
	gin.SetMode(gin.TestMode)

	f := &fakeServer{script: script}
	router := gin.New()
	router.POST("/api/sessions", func(c *gin.Context) {
		c.JSON(http.StatusCreated, gin.H{"sessionId": "sess-1", "title": "/bin/sh"})
	})
	router.DELETE("/api/sessions/:id", func(c *gin.Context) {
		f.mu.Lock()
		f.deletes++
		f.mu.Unlock()
		c.Status(http.StatusNoContent)
	})
	router.GET("/api/sessions/:id/stream", func(c *gin.Context) {
		offset, _ := strconv.ParseInt(c.Query("offset"), 10, 64)
		conn, err := f.upgrader.Upgrade(c.Writer, c.Request, nil)
		if err != nil {
			return
		}
		f.mu.Lock()
		f.dials++
		dial := f.dials
		f.offsets = append(f.offsets, offset)
		f.mu.Unlock()
		f.script(conn, offset, dial)
	})

	f.srv = httptest.NewServer(router)
	t.Cleanup(f.srv.Close)
	return f
}

func (f *fakeServer) dialCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.dials
}

func (f *fakeServer) dialOffsets() []int64 {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]int64(nil), f.offsets...)
}

func sendFrame(conn *websocket.Conn, f proto.Frame) error {
	raw, err := proto.Encode(f)
	if err != nil {
		return err
	}
	return conn.WriteMessage(websocket.TextMessage, raw)
}

func newTestMux(t *testing.T, baseURL string, sink Sink) *Mux {
	t.Helper()
	m, err := NewMux(Config{
		BaseURL:           baseURL,
		Owner:             "tester",
		Sink:              sink,
		HeartbeatInterval: 50 * time.Millisecond,
	})
	require.NoError(t, err)
	t.Cleanup(m.Close)
	return m
}

func TestOpenTabStreamsOutput(t *testing.T) {
	srv := newFakeServer(t, func(conn *websocket.Conn, offset int64, dial int) {
		sendFrame(conn, proto.Welcome(offset))
		sendFrame(conn, proto.Data([]byte("hello from the shell\r\n")))
		// Hold the connection open until the client goes away.
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	})

	sink := &recordingSink{}
	m := newTestMux(t, srv.srv.URL, sink)

	tab, err := m.OpenTab("", "", 24, 80)
	require.NoError(t, err)
	assert.Equal(t, "sess-1", tab.SessionID)

	waitFor(t, 2*time.Second, func() bool {
		return strings.Contains(string(sink.bytes()), "hello from the shell")
	})
	assert.True(t, sink.seen(StatusLive))
	assert.Equal(t, int64(22), tab.Offset())
	assert.Contains(t, string(tab.Scrollback()), "hello from the shell")
}

func TestInputReachesServer(t *testing.T) {
	received := make(chan []byte, 1)
	srv := newFakeServer(t, func(conn *websocket.Conn, offset int64, dial int) {
		sendFrame(conn, proto.Welcome(offset))
		for {
			_, raw, err := conn.ReadMessage()
			if err != nil {
				return
			}
			f, err := proto.Decode(raw)
			if err == nil && f.Type == proto.FrameData {
				received <- f.Data
			}
		}
	})

	sink := &recordingSink{}
	m := newTestMux(t, srv.srv.URL, sink)

	_, err := m.OpenTab("", "", 24, 80)
	require.NoError(t, err)
	waitFor(t, 2*time.Second, func() bool { return sink.seen(StatusLive) })

	require.NoError(t, m.Input([]byte("ls\r")))
	select {
	case got := <-received:
		assert.Equal(t, []byte("ls\r"), got)
	case <-time.After(2 * time.Second):
		t.Fatal("server never received the input frame")
	}
}

func TestInputWithoutLiveTabFails(t *testing.T) {
	sink := &recordingSink{}
	m := newTestMux(t, "http://127.0.0.1:1", sink)

	err := m.Input([]byte("x"))
	assert.ErrorIs(t, err, ErrNoActiveTab)
}

func TestReconnectPresentsAcknowledgedOffset(t *testing.T) {
	srv := newFakeServer(t, func(conn *websocket.Conn, offset int64, dial int) {
		sendFrame(conn, proto.Welcome(offset))
		if dial == 1 {
			// First connection delivers ten bytes then drops abruptly.
			sendFrame(conn, proto.Data([]byte("0123456789")))
			time.Sleep(50 * time.Millisecond)
			conn.Close()
			return
		}
		sendFrame(conn, proto.Data([]byte("resumed")))
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	})

	sink := &recordingSink{}
	m := newTestMux(t, srv.srv.URL, sink)

	_, err := m.OpenTab("", "", 24, 80)
	require.NoError(t, err)

	waitFor(t, 5*time.Second, func() bool {
		return strings.Contains(string(sink.bytes()), "resumed")
	})

	offsets := srv.dialOffsets()
	require.GreaterOrEqual(t, len(offsets), 2)
	assert.Equal(t, int64(0), offsets[0])
	assert.Equal(t, int64(10), offsets[1], "reconnect should resume at the acknowledged offset")
	assert.True(t, sink.seen(StatusDisconnected))
	assert.Equal(t, "0123456789resumed", string(sink.bytes()))
}

func TestReconnectGivesUpAfterMaxAttempts(t *testing.T) {
	// The server accepts the upgrade but never completes the handshake, so
	// every attempt counts against the budget.
	srv := newFakeServer(t, func(conn *websocket.Conn, offset int64, dial int) {
		conn.Close()
	})

	sink := &recordingSink{}
	m, err := NewMux(Config{
		BaseURL:           srv.srv.URL,
		Owner:             "tester",
		Sink:              sink,
		HeartbeatInterval: 50 * time.Millisecond,
		MaxAttempts:       2,
	})
	require.NoError(t, err)
	t.Cleanup(m.Close)

	tab, err := m.OpenTab("", "", 24, 80)
	require.NoError(t, err)

	waitFor(t, 10*time.Second, func() bool { return sink.seen(StatusClosed) })
	assert.Equal(t, StatusClosed, tab.Status())

	_, ok := m.Active()
	assert.False(t, ok, "closed tab should leave the active set")
}

func TestExitFrameClosesTab(t *testing.T) {
	srv := newFakeServer(t, func(conn *websocket.Conn, offset int64, dial int) {
		sendFrame(conn, proto.Welcome(offset))
		sendFrame(conn, proto.Data([]byte("bye\r\n")))
		sendFrame(conn, proto.Exit(3))
		conn.Close()
	})

	sink := &recordingSink{}
	m := newTestMux(t, srv.srv.URL, sink)

	tab, err := m.OpenTab("", "", 24, 80)
	require.NoError(t, err)

	waitFor(t, 2*time.Second, func() bool {
		_, ok := sink.exited()
		return ok
	})
	code, _ := sink.exited()
	assert.Equal(t, 3, code)

	waitFor(t, 2*time.Second, func() bool { return tab.Status() == StatusClosed })
	assert.Equal(t, 1, srv.dialCount(), "exit must not trigger a reconnect")
}

func TestNotFoundErrorClosesWithoutRetry(t *testing.T) {
	srv := newFakeServer(t, func(conn *websocket.Conn, offset int64, dial int) {
		sendFrame(conn, proto.Error(proto.ErrKindNotFound, "session gone"))
		conn.Close()
	})

	sink := &recordingSink{}
	m := newTestMux(t, srv.srv.URL, sink)

	tab, err := m.OpenTab("", "", 24, 80)
	require.NoError(t, err)

	waitFor(t, 2*time.Second, func() bool { return tab.Status() == StatusClosed })
	assert.Equal(t, 1, srv.dialCount())
}

func TestTabCycling(t *testing.T) {
	srv := newFakeServer(t, func(conn *websocket.Conn, offset int64, dial int) {
		sendFrame(conn, proto.Welcome(offset))
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	})

	sink := &recordingSink{}
	m := newTestMux(t, srv.srv.URL, sink)

	t1, err := m.OpenTab("", "", 24, 80)
	require.NoError(t, err)
	t2, err := m.OpenTab("", "", 24, 80)
	require.NoError(t, err)

	// First tab opened becomes active.
	active, ok := m.Active()
	require.True(t, ok)
	assert.Equal(t, t1.ID, active.ID)

	next, ok := m.Next()
	require.True(t, ok)
	assert.Equal(t, t2.ID, next.ID)

	next, ok = m.Next()
	require.True(t, ok)
	assert.Equal(t, t1.ID, next.ID, "cycling wraps around")

	require.True(t, m.SetActive(t2.ID))
	active, _ = m.Active()
	assert.Equal(t, t2.ID, active.ID)
}

func TestCloseTabDeletesSession(t *testing.T) {
	srv := newFakeServer(t, func(conn *websocket.Conn, offset int64, dial int) {
		sendFrame(conn, proto.Welcome(offset))
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	})

	sink := &recordingSink{}
	m := newTestMux(t, srv.srv.URL, sink)

	tab, err := m.OpenTab("", "", 24, 80)
	require.NoError(t, err)
	waitFor(t, 2*time.Second, func() bool { return sink.seen(StatusLive) })

	m.CloseTab(tab.ID)

	srv.mu.Lock()
	deletes := srv.deletes
	srv.mu.Unlock()
	assert.Equal(t, 1, deletes)
	assert.Equal(t, StatusClosed, tab.Status())
	assert.Empty(t, m.Tabs())
}

func TestBackoffGrowsAndStaysBounded(t *testing.T) {
	prev := time.Duration(0)
	for attempt := 1; attempt <= 5; attempt++ {
		d := backoff(attempt)
		assert.Greater(t, d, time.Duration(0))
		assert.LessOrEqual(t, d, defaultBackoffCap+defaultBackoffCap/2)
		if attempt > 1 {
			// The floor doubles each attempt until the cap.
			assert.GreaterOrEqual(t, d, prev/2)
		}
		prev = d
	}
}

func TestTerminatedErrorClosesWithoutRetry(t *testing.T) {
	srv := newFakeServer(t, func(conn *websocket.Conn, offset int64, dial int) {
		sendFrame(conn, proto.Welcome(offset))
		sendFrame(conn, proto.Error(proto.ErrKindTerminated, "session destroyed"))
		conn.Close()
	})

	sink := &recordingSink{}
	m := newTestMux(t, srv.srv.URL, sink)

	tab, err := m.OpenTab("", "", 24, 80)
	require.NoError(t, err)

	waitFor(t, 2*time.Second, func() bool { return tab.Status() == StatusClosed })
	assert.Equal(t, 1, srv.dialCount(), "a destroyed session must not trigger a reconnect")
}

func TestBackoffLargeAttemptDoesNotOverflow(t *testing.T) {
	for _, attempt := range []int{35, 64, 1000} {
		d := backoff(attempt)
		assert.Greater(t, d, time.Duration(0))
		assert.LessOrEqual(t, d, defaultBackoffCap)
	}
}
