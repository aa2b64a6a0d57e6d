package stream

import (
	"context"
	"net/http/httptest"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/shellboard/termsvc/internal/db"
	"github.com/shellboard/termsvc/internal/model"
	"github.com/shellboard/termsvc/internal/proto"
	"github.com/shellboard/termsvc/internal/registry"
	"github.com/shellboard/termsvc/internal/repository"
	"github.com/shellboard/termsvc/internal/supervisor"
)

// testServer is a full data-plane stack: real shell processes, real
// registry, real websocket handler behind an httptest server.
type testServer struct {
	srv *httptest.Server
	reg *registry.Registry
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()
	gin.SetMode(gin.TestMode)

	log := zap.NewNop()
	conn, err := db.OpenMemory()
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })

	sup := supervisor.New(log)
	reg := registry.New(log, sup, repository.NewSessionRepository(conn), registry.Config{
		DefaultShell:    "/bin/sh",
		RetentionWindow: time.Minute,
	})
	t.Cleanup(reg.Close)

	h := NewHandler(log, reg, 100*time.Millisecond)

	router := gin.New()
	router.GET("/api/sessions/:id/stream", func(c *gin.Context) {
		var offset int64
		if raw := c.Query("offset"); raw != "" {
			offset, _ = strconv.ParseInt(raw, 10, 64)
		}
		h.Serve(c.Writer, c.Request, c.Param("id"), offset)
	})

	srv := httptest.NewServer(router)
	t.Cleanup(srv.Close)

	return &testServer{srv: srv, reg: reg}
}

func (ts *testServer) createSession(t *testing.T) *model.Session {
	t.Helper()
	sess, err := ts.reg.Create(context.Background(), &model.CreateSessionRequest{
		OwnerID: "tester",
		Shell:   "/bin/sh",
	})
	require.NoError(t, err)
	return sess
}

func (ts *testServer) dial(t *testing.T, sessionID string, offset int64) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(ts.srv.URL, "http") +
		"/api/sessions/" + sessionID + "/stream?offset=" + strconv.FormatInt(offset, 10)
	conn, resp, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	if resp != nil {
		resp.Body.Close()
	}
	t.Cleanup(func() { conn.Close() })
	return conn
}

func readFrame(t *testing.T, conn *websocket.Conn, timeout time.Duration) (proto.Frame, error) {
	t.Helper()
	conn.SetReadDeadline(time.Now().Add(timeout))
	_, raw, err := conn.ReadMessage()
	if err != nil {
		return proto.Frame{}, err
	}
	return proto.Decode(raw)
}

// collectOutput reads frames until the predicate holds over the
// accumulated data bytes, skipping heartbeats.
func collectOutput(t *testing.T, conn *websocket.Conn, timeout time.Duration, done func([]byte) bool) []byte {
	t.Helper()
	var out []byte
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		f, err := readFrame(t, conn, time.Until(deadline))
		if err != nil {
			t.Fatalf("stream ended before expected output arrived: %v (got %q)", err, out)
		}
		if f.Type == proto.FrameData {
			out = append(out, f.Data...)
			if done(out) {
				return out
			}
		}
	}
	t.Fatalf("expected output never arrived, got %q", out)
	return nil
}

func sendTestFrame(t *testing.T, conn *websocket.Conn, f proto.Frame) {
	t.Helper()
	raw, err := proto.Encode(f)
	require.NoError(t, err)
	require.NoError(t, conn.WriteMessage(websocket.TextMessage, raw))
}

func TestAttachHandshakeAndEcho(t *testing.T) {
	ts := newTestServer(t)
	sess := ts.createSession(t)

	conn := ts.dial(t, sess.ID, 0)

	f, err := readFrame(t, conn, 2*time.Second)
	require.NoError(t, err)
	require.Equal(t, proto.FrameWelcome, f.Type)
	require.NotNil(t, f.BufferedFrom)
	assert.Equal(t, int64(0), *f.BufferedFrom)

	sendTestFrame(t, conn, proto.Data([]byte("echo frame-trip-ok\n")))

	out := collectOutput(t, conn, 5*time.Second, func(b []byte) bool {
		return strings.Contains(string(b), "frame-trip-ok")
	})
	assert.Contains(t, string(out), "frame-trip-ok")
}

func TestAttachUnknownSession(t *testing.T) {
	ts := newTestServer(t)

	conn := ts.dial(t, "no-such-session", 0)

	f, err := readFrame(t, conn, 2*time.Second)
	require.NoError(t, err)
	assert.Equal(t, proto.FrameError, f.Type)
	assert.Equal(t, proto.ErrKindNotFound, f.Kind)

	// The server closes after the error frame.
	_, err = readFrame(t, conn, 2*time.Second)
	assert.Error(t, err)
}

func TestSecondAttachRejected(t *testing.T) {
	ts := newTestServer(t)
	sess := ts.createSession(t)

	first := ts.dial(t, sess.ID, 0)
	f, err := readFrame(t, first, 2*time.Second)
	require.NoError(t, err)
	require.Equal(t, proto.FrameWelcome, f.Type)

	second := ts.dial(t, sess.ID, 0)
	f, err = readFrame(t, second, 2*time.Second)
	require.NoError(t, err)
	assert.Equal(t, proto.FrameError, f.Type)
	assert.Equal(t, proto.ErrKindAlreadyBound, f.Kind)

	// The first transport keeps working.
	sendTestFrame(t, first, proto.Data([]byte("echo still-mine\n")))
	out := collectOutput(t, first, 5*time.Second, func(b []byte) bool {
		return strings.Contains(string(b), "still-mine")
	})
	assert.Contains(t, string(out), "still-mine")
}

func TestReconnectResumesFromOffset(t *testing.T) {
	ts := newTestServer(t)
	sess := ts.createSession(t)

	conn := ts.dial(t, sess.ID, 0)
	f, err := readFrame(t, conn, 2*time.Second)
	require.NoError(t, err)
	require.Equal(t, proto.FrameWelcome, f.Type)

	// Quote part of the marker so the PTY's echo of the command line does
	// not contain the literal we wait for; only the output line does.
	sendTestFrame(t, conn, proto.Data([]byte("echo before-\"drop\"\n")))
	out := collectOutput(t, conn, 5*time.Second, func(b []byte) bool {
		return strings.Contains(string(b), "before-drop")
	})
	acked := int64(len(out))
	conn.Close()

	// Give the server a moment to observe the detach.
	time.Sleep(100 * time.Millisecond)

	conn2 := ts.dial(t, sess.ID, acked)
	f, err = readFrame(t, conn2, 2*time.Second)
	require.NoError(t, err)
	require.Equal(t, proto.FrameWelcome, f.Type)
	require.NotNil(t, f.BufferedFrom)
	assert.Equal(t, acked, *f.BufferedFrom, "replay must start at the acknowledged offset")

	// The session is still usable after the resume.
	sendTestFrame(t, conn2, proto.Data([]byte("echo after-\"resume\"\n")))
	out = collectOutput(t, conn2, 5*time.Second, func(b []byte) bool {
		return strings.Contains(string(b), "after-resume")
	})
	assert.NotContains(t, string(out), "before-drop", "acknowledged bytes must not be replayed")
}

func TestHeartbeatsFlow(t *testing.T) {
	ts := newTestServer(t)
	sess := ts.createSession(t)

	conn := ts.dial(t, sess.ID, 0)
	f, err := readFrame(t, conn, 2*time.Second)
	require.NoError(t, err)
	require.Equal(t, proto.FrameWelcome, f.Type)

	seen := 0
	deadline := time.Now().Add(3 * time.Second)
	for seen < 2 && time.Now().Before(deadline) {
		f, err := readFrame(t, conn, time.Until(deadline))
		require.NoError(t, err)
		if f.Type == proto.FrameHeartbeat {
			seen++
		}
	}
	assert.GreaterOrEqual(t, seen, 2, "heartbeats should arrive on the configured interval")
}

func TestExitFrameDelivered(t *testing.T) {
	ts := newTestServer(t)
	sess := ts.createSession(t)

	conn := ts.dial(t, sess.ID, 0)
	f, err := readFrame(t, conn, 2*time.Second)
	require.NoError(t, err)
	require.Equal(t, proto.FrameWelcome, f.Type)

	sendTestFrame(t, conn, proto.Data([]byte("exit 4\n")))

	deadline := time.Now().Add(5 * time.Second)
	for {
		f, err := readFrame(t, conn, time.Until(deadline))
		require.NoError(t, err)
		if f.Type == proto.FrameExit {
			require.NotNil(t, f.Code)
			assert.Equal(t, 4, *f.Code)
			return
		}
	}
}

func TestResizeApplied(t *testing.T) {
	ts := newTestServer(t)
	sess := ts.createSession(t)

	conn := ts.dial(t, sess.ID, 0)
	f, err := readFrame(t, conn, 2*time.Second)
	require.NoError(t, err)
	require.Equal(t, proto.FrameWelcome, f.Type)

	sendTestFrame(t, conn, proto.Resize(40, 120))

	// stty reflects the PTY size the kernel sees.
	sendTestFrame(t, conn, proto.Data([]byte("stty size\n")))
	out := collectOutput(t, conn, 5*time.Second, func(b []byte) bool {
		return strings.Contains(string(b), "40 120")
	})
	assert.Contains(t, string(out), "40 120")
}
