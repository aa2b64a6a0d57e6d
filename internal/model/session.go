package model

import (
	"time"
)

// SessionState represents the lifecycle state of a terminal session.
type SessionState string

const (
	// SessionStateCreated means the process is spawned but no transport
	// has been bound yet.
	SessionStateCreated SessionState = "created"

	// SessionStateAttached means exactly one live transport is bound.
	SessionStateAttached SessionState = "attached"

	// SessionStateDetached means the process is alive, the transport is
	// closed, and the reconnection window is open.
	SessionStateDetached SessionState = "detached"

	// SessionStateTerminated means the process exited or the session was
	// explicitly destroyed.
	SessionStateTerminated SessionState = "terminated"
)

// Terminal reports whether the state is final.
func (s SessionState) Terminal() bool {
	return s == SessionStateTerminated
}

// Session represents a terminal session tracked by the registry.
type Session struct {
	ID        string       `json:"sessionId"`
	OwnerID   string       `json:"owner"`
	Title     string       `json:"title"`
	Shell     string       `json:"shell"`
	Workdir   string       `json:"cwd,omitempty"`
	Rows      uint16       `json:"rows"`
	Cols      uint16       `json:"cols"`
	State     SessionState `json:"state"`
	ExitCode  *int         `json:"exitCode,omitempty"`
	PID       *int         `json:"pid,omitempty"`
	CreatedAt time.Time    `json:"createdAt"`
	UpdatedAt time.Time    `json:"updatedAt"`
}

// Summary is the session view returned by list calls.
type Summary struct {
	ID        string       `json:"sessionId"`
	Title     string       `json:"title"`
	CreatedAt time.Time    `json:"createdAt"`
	State     SessionState `json:"state"`
}

// Summarize converts a session to its list representation.
func (s *Session) Summarize() Summary {
	return Summary{
		ID:        s.ID,
		Title:     s.Title,
		CreatedAt: s.CreatedAt,
		State:     s.State,
	}
}

// CreateSessionRequest carries the parameters for creating a session.
// OwnerID is supplied by an already-authenticated caller; no authorization
// policy is applied here.
type CreateSessionRequest struct {
	OwnerID string
	Shell   string
	Workdir string
	Rows    uint16
	Cols    uint16
	Title   string
	Env     map[string]string
}

// Validate validates the create session request.
func (r *CreateSessionRequest) Validate() error {
	if r.OwnerID == "" {
		return ErrOwnerRequired
	}
	return nil
}
