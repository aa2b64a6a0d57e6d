package handlers

import (
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/shellboard/termsvc/internal/stream"
)

// StreamHandler exposes the data plane: a websocket per session carrying
// the frame protocol.
type StreamHandler struct {
	stream *stream.Handler
}

// NewStreamHandler creates a StreamHandler.
func NewStreamHandler(s *stream.Handler) *StreamHandler {
	return &StreamHandler{stream: s}
}

// Attach handles GET /api/sessions/:id/stream. A reconnecting client passes
// its last-acknowledged byte offset in the offset query parameter.
func (h *StreamHandler) Attach(c *gin.Context) {
	sessionID := c.Param("id")

	var offset int64
	if raw := c.Query("offset"); raw != "" {
		parsed, err := strconv.ParseInt(raw, 10, 64)
		if err != nil || parsed < 0 {
			sendError(c, http.StatusBadRequest, "VALIDATION_ERROR", "offset must be a non-negative integer")
			return
		}
		offset = parsed
	}

	h.stream.Serve(c.Writer, c.Request, sessionID, offset)
}

// RegisterRoutes registers the stream route on a router group.
func (h *StreamHandler) RegisterRoutes(rg *gin.RouterGroup) {
	rg.GET("/sessions/:id/stream", h.Attach)
}
