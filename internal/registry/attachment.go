package registry

import (
	"github.com/shellboard/termsvc/internal/supervisor"
)

// Attachment is the handle a bound transport uses to drive its session.
// It is valid until Detach is called or the session terminates.
type Attachment struct {
	reg       *Registry
	sessionID string
	transport Transport
	proc      *supervisor.Process
}

// SessionID returns the bound session identifier.
func (a *Attachment) SessionID() string {
	return a.sessionID
}

// Write forwards input bytes to the process.
func (a *Attachment) Write(p []byte) error {
	return a.proc.Write(p)
}

// Resize forwards a resize instruction. The caller applies resizes in
// arrival order relative to input data, so a resize is never reordered
// against the data it precedes.
func (a *Attachment) Resize(rows, cols uint16) {
	a.proc.Resize(rows, cols)

	e, ok := a.reg.get(a.sessionID)
	if !ok {
		return
	}
	e.mu.Lock()
	if !e.sess.State.Terminal() {
		e.sess.Rows = rows
		e.sess.Cols = cols
	}
	e.mu.Unlock()
}

// Detach releases the binding, opening the reconnection window. Safe to
// call after the session has terminated.
func (a *Attachment) Detach() {
	a.reg.unbind(a.sessionID, a.transport)
}
