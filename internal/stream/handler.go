// Package stream binds websocket connections to sessions and pumps the
// frame protocol in both directions.
package stream

import (
	"errors"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/shellboard/termsvc/internal/model"
	"github.com/shellboard/termsvc/internal/proto"
	"github.com/shellboard/termsvc/internal/registry"
)

// Handler upgrades HTTP requests to the streaming transport.
type Handler struct {
	log       *zap.Logger
	reg       *registry.Registry
	heartbeat time.Duration
	upgrader  websocket.Upgrader
}

// NewHandler creates a stream Handler.
func NewHandler(log *zap.Logger, reg *registry.Registry, heartbeat time.Duration) *Handler {
	if heartbeat <= 0 {
		heartbeat = 15 * time.Second
	}
	return &Handler{
		log:       log,
		reg:       reg,
		heartbeat: heartbeat,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			// The dashboard fronts this service; origin policy is
			// enforced there.
			CheckOrigin: func(r *http.Request) bool { return true },
		},
	}
}

// Serve upgrades the request and runs the transport for one session until
// it disconnects or the session terminates. offset is the client's
// last-acknowledged byte offset, 0 for a fresh attach.
func (h *Handler) Serve(w http.ResponseWriter, r *http.Request, sessionID string, offset int64) {
	ws, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.log.Warn("websocket upgrade failed", zap.String("session_id", sessionID), zap.Error(err))
		return
	}

	c := newConn(sessionID, ws, h.log)
	go c.writePump(h.heartbeat)

	att, err := h.reg.Bind(sessionID, c, offset)
	if err != nil {
		switch {
		case errors.Is(err, model.ErrNotFound):
			c.SendError(proto.ErrKindNotFound, "unknown or terminated session")
		case errors.Is(err, model.ErrAlreadyBound):
			c.SendError(proto.ErrKindAlreadyBound, "another transport is bound to this session")
		default:
			c.SendError(proto.ErrKindInternal, "failed to bind session")
		}
		c.Close()
		return
	}

	h.readPump(c, att)
}

// readPump processes inbound frames until the connection drops. Resize
// frames are applied before any data frame that follows them, preserving
// the ordering contract.
func (h *Handler) readPump(c *Conn, att *registry.Attachment) {
	defer func() {
		att.Detach()
		c.Close()
	}()

	c.ws.SetReadLimit(maxMessageSize)
	pongWait := 3 * h.heartbeat
	c.ws.SetReadDeadline(time.Now().Add(pongWait))
	c.ws.SetPongHandler(func(string) error {
		c.ws.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		_, raw, err := c.ws.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				h.log.Debug("transport read error",
					zap.String("session_id", c.sessionID),
					zap.Error(err))
			}
			return
		}

		f, err := proto.Decode(raw)
		if err != nil {
			h.log.Warn("malformed frame",
				zap.String("session_id", c.sessionID),
				zap.Error(err))
			continue
		}

		switch f.Type {
		case proto.FrameData:
			if err := att.Write(f.Data); err != nil {
				h.log.Debug("input write failed",
					zap.String("session_id", c.sessionID),
					zap.Error(err))
			}
		case proto.FrameResize:
			if f.Rows > 0 && f.Cols > 0 {
				att.Resize(f.Rows, f.Cols)
			}
		default:
			// Clients only originate data and resize frames.
		}
	}
}
