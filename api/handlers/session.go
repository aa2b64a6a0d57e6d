// Package handlers provides the HTTP control-plane handlers.
package handlers

import (
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/shellboard/termsvc/internal/model"
	"github.com/shellboard/termsvc/internal/registry"
)

// SessionHandler handles session management requests. Owner identity is
// supplied by an already-authenticated caller; no authorization policy is
// applied here.
type SessionHandler struct {
	log *zap.Logger
	reg *registry.Registry
}

// NewSessionHandler creates a SessionHandler.
func NewSessionHandler(log *zap.Logger, reg *registry.Registry) *SessionHandler {
	return &SessionHandler{log: log, reg: reg}
}

// CreateSessionRequest is the request body for creating a session.
type CreateSessionRequest struct {
	Owner string            `json:"owner" binding:"required"`
	Shell string            `json:"shell"`
	Cwd   string            `json:"cwd"`
	Rows  uint16            `json:"rows"`
	Cols  uint16            `json:"cols"`
	Title string            `json:"title"`
	Env   map[string]string `json:"env"`
}

// SessionResponse is a session in API responses.
type SessionResponse struct {
	SessionID string `json:"sessionId"`
	Title     string `json:"title"`
	CreatedAt string `json:"createdAt"`
	State     string `json:"state"`
}

// ErrorResponse is an error response body.
type ErrorResponse struct {
	Error ErrorDetail `json:"error"`
}

// ErrorDetail contains error details.
type ErrorDetail struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func sendError(c *gin.Context, statusCode int, code, message string) {
	c.JSON(statusCode, ErrorResponse{
		Error: ErrorDetail{Code: code, Message: message},
	})
}

// Create handles POST /api/sessions.
func (h *SessionHandler) Create(c *gin.Context) {
	var req CreateSessionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		sendError(c, http.StatusBadRequest, "VALIDATION_ERROR", "invalid request body: "+err.Error())
		return
	}

	sess, err := h.reg.Create(c.Request.Context(), &model.CreateSessionRequest{
		OwnerID: req.Owner,
		Shell:   req.Shell,
		Workdir: req.Cwd,
		Rows:    req.Rows,
		Cols:    req.Cols,
		Title:   req.Title,
		Env:     req.Env,
	})
	if err != nil {
		switch {
		case errors.Is(err, model.ErrOwnerRequired):
			sendError(c, http.StatusBadRequest, "VALIDATION_ERROR", err.Error())
		case errors.Is(err, model.ErrResourceLimit):
			sendError(c, http.StatusTooManyRequests, "LIMIT_EXCEEDED", err.Error())
		case errors.Is(err, model.ErrSpawn):
			sendError(c, http.StatusBadRequest, "SPAWN_FAILED", err.Error())
		default:
			h.log.Error("session create failed", zap.Error(err))
			sendError(c, http.StatusInternalServerError, "INTERNAL_ERROR", "failed to create session")
		}
		return
	}

	c.JSON(http.StatusCreated, SessionResponse{
		SessionID: sess.ID,
		Title:     sess.Title,
		CreatedAt: sess.CreatedAt.Format(time.RFC3339),
		State:     string(sess.State),
	})
}

// List handles GET /api/sessions?owner=...
func (h *SessionHandler) List(c *gin.Context) {
	owner := c.Query("owner")
	if owner == "" {
		sendError(c, http.StatusBadRequest, "VALIDATION_ERROR", "owner query parameter is required")
		return
	}

	summaries, err := h.reg.List(c.Request.Context(), owner)
	if err != nil {
		h.log.Error("session list failed", zap.Error(err))
		sendError(c, http.StatusInternalServerError, "INTERNAL_ERROR", "failed to list sessions")
		return
	}

	out := make([]SessionResponse, len(summaries))
	for i, s := range summaries {
		out[i] = SessionResponse{
			SessionID: s.ID,
			Title:     s.Title,
			CreatedAt: s.CreatedAt.Format(time.RFC3339),
			State:     string(s.State),
		}
	}
	c.JSON(http.StatusOK, out)
}

// Delete handles DELETE /api/sessions/:id. Idempotent: deleting an unknown
// session still yields 204.
func (h *SessionHandler) Delete(c *gin.Context) {
	sessionID := c.Param("id")

	if err := h.reg.Delete(c.Request.Context(), sessionID); err != nil {
		h.log.Error("session delete failed", zap.String("session_id", sessionID), zap.Error(err))
		sendError(c, http.StatusInternalServerError, "INTERNAL_ERROR", "failed to delete session")
		return
	}
	c.Status(http.StatusNoContent)
}

// Detach handles POST /api/sessions/:id/detach — force-detaches the bound
// transport so a new caller may bind.
func (h *SessionHandler) Detach(c *gin.Context) {
	sessionID := c.Param("id")

	if err := h.reg.ForceDetach(sessionID); err != nil {
		if errors.Is(err, model.ErrNotFound) {
			sendError(c, http.StatusNotFound, "SESSION_NOT_FOUND", "session "+sessionID+" not found")
			return
		}
		h.log.Error("force-detach failed", zap.String("session_id", sessionID), zap.Error(err))
		sendError(c, http.StatusInternalServerError, "INTERNAL_ERROR", "failed to detach session")
		return
	}
	c.Status(http.StatusNoContent)
}

// RegisterRoutes registers the session routes on a router group.
func (h *SessionHandler) RegisterRoutes(rg *gin.RouterGroup) {
	sessions := rg.Group("/sessions")
	{
		sessions.POST("", h.Create)
		sessions.GET("", h.List)
		sessions.DELETE("/:id", h.Delete)
		sessions.POST("/:id/detach", h.Detach)
	}
}
