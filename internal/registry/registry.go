// Package registry is the authoritative source of session existence and
// state. It brokers the relationship between a supervised process and the
// single transport that may be bound to it, owns the retention buffer, and
// drives the session lifecycle:
//
//	created -> attached -> detached -> terminated
//
// Each session has its own lock; operations on unrelated sessions never
// contend. The registry map lock covers map access only.
package registry

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/shellboard/termsvc/internal/buffer"
	"github.com/shellboard/termsvc/internal/model"
	"github.com/shellboard/termsvc/internal/proto"
	"github.com/shellboard/termsvc/internal/repository"
	"github.com/shellboard/termsvc/internal/supervisor"
)

// Transport is the registry's view of one live duplex channel. Sends must
// not block: a transport that cannot keep up is expected to fail fast and
// detach, after which the retention buffer covers the gap on reconnect.
type Transport interface {
	// SendWelcome delivers the handshake reply with the replay start offset.
	SendWelcome(bufferedFrom int64) error

	// SendOutput delivers process output bytes, in order.
	SendOutput(p []byte) error

	// SendExit delivers the exit control frame.
	SendExit(code int)

	// SendError delivers an error control frame.
	SendError(kind, message string)

	// Close tears the channel down.
	Close()
}

// Config holds registry configuration.
type Config struct {
	DefaultShell    string
	MaxPerOwner     int
	RetentionWindow time.Duration
	SpawnTimeout    time.Duration
	BufferSize      int
}

// Registry tracks live sessions and enforces the at-most-one-transport
// invariant.
type Registry struct {
	log  *zap.Logger
	sup  *supervisor.Supervisor
	repo *repository.SessionRepository
	cfg  Config

	mu      sync.RWMutex
	entries map[string]*entry
}

// entry is the per-session registry slot. Its mutex guards every lifecycle
// transition for this session and serializes output delivery, so that
// buffer writes and transport sends observe a single order.
type entry struct {
	mu        sync.Mutex
	sess      *model.Session
	proc      *supervisor.Process
	buf       *buffer.Ring
	transport Transport
	retention *time.Timer
}

// New creates a Registry.
func New(log *zap.Logger, sup *supervisor.Supervisor, repo *repository.SessionRepository, cfg Config) *Registry {
	if cfg.MaxPerOwner <= 0 {
		cfg.MaxPerOwner = 10
	}
	if cfg.RetentionWindow <= 0 {
		cfg.RetentionWindow = 5 * time.Minute
	}
	if cfg.SpawnTimeout <= 0 {
		cfg.SpawnTimeout = 10 * time.Second
	}
	if cfg.BufferSize <= 0 {
		cfg.BufferSize = 256 * 1024
	}
	return &Registry{
		log:     log,
		sup:     sup,
		repo:    repo,
		cfg:     cfg,
		entries: make(map[string]*entry),
	}
}

// Create spawns a shell process and registers a new session in the created
// state. Fails with model.ErrResourceLimit once the owner's cap is reached
// and with model.ErrSpawn if the process cannot start within the spawn
// timeout.
func (r *Registry) Create(ctx context.Context, req *model.CreateSessionRequest) (*model.Session, error) {
	if err := req.Validate(); err != nil {
		return nil, err
	}

	live, err := r.repo.CountLiveByOwner(ctx, req.OwnerID)
	if err != nil {
		return nil, err
	}
	if live >= r.cfg.MaxPerOwner {
		return nil, model.ErrResourceLimit
	}

	shell := req.Shell
	if shell == "" {
		shell = r.cfg.DefaultShell
	}
	rows, cols := req.Rows, req.Cols
	if rows == 0 {
		rows = 24
	}
	if cols == 0 {
		cols = 80
	}

	now := time.Now().UTC()
	sess := &model.Session{
		ID:        uuid.New().String(),
		OwnerID:   req.OwnerID,
		Title:     req.Title,
		Shell:     shell,
		Workdir:   req.Workdir,
		Rows:      rows,
		Cols:      cols,
		State:     model.SessionStateCreated,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if sess.Title == "" {
		sess.Title = "Session " + sess.ID[:8]
	}

	e := &entry{
		sess: sess,
		buf:  buffer.NewRing(r.cfg.BufferSize),
	}

	spawnCtx, cancel := context.WithTimeout(ctx, r.cfg.SpawnTimeout)
	defer cancel()

	// Register the entry before spawning so the very first output bytes
	// land in the retention buffer instead of being dropped.
	sessionID := sess.ID
	r.mu.Lock()
	r.entries[sessionID] = e
	r.mu.Unlock()

	proc, err := r.sup.Spawn(spawnCtx, sessionID, supervisor.Options{
		Shell: shell,
		Dir:   req.Workdir,
		Env:   req.Env,
		Rows:  rows,
		Cols:  cols,
		OnOutput: func(p []byte) {
			r.handleOutput(sessionID, p)
		},
		OnExit: func(code int) {
			r.handleExit(sessionID, code)
		},
	})
	if err != nil {
		r.remove(sessionID)
		return nil, err
	}

	pid := proc.PID()
	e.mu.Lock()
	e.proc = proc
	sess.PID = &pid
	// Snapshot under the entry lock: a fast-exiting shell mutates the
	// session concurrently via handleExit.
	snapshot := *sess
	e.mu.Unlock()

	if err := r.repo.Create(ctx, &snapshot); err != nil {
		proc.Kill()
		r.remove(sessionID)
		return nil, err
	}

	// An exit racing the insert persisted against a row that did not
	// exist yet; settle the stored state now that the row does.
	e.mu.Lock()
	out := *sess
	e.mu.Unlock()
	if out.State.Terminal() {
		r.persistState(sessionID, out.State, out.ExitCode)
	}

	r.log.Info("session created",
		zap.String("session_id", sessionID),
		zap.String("owner", req.OwnerID),
		zap.String("shell", shell))

	return &out, nil
}

// Bind attaches a transport to a session, enforcing at most one live
// transport per session. On success the server side has already queued the
// welcome frame and the retained-buffer replay from the requested offset,
// so live output follows the replay without reordering.
func (r *Registry) Bind(sessionID string, t Transport, offset int64) (*Attachment, error) {
	e, ok := r.get(sessionID)
	if !ok {
		return nil, model.ErrNotFound
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	// Compare-and-transition: a destroy racing this bind settles here.
	if e.sess.State.Terminal() {
		return nil, model.ErrNotFound
	}
	// Create has not finished spawning; the id is not published yet.
	if e.proc == nil {
		return nil, model.ErrNotFound
	}
	if e.transport != nil {
		return nil, model.ErrAlreadyBound
	}

	replay, from := e.buf.ReadFrom(offset)
	if err := t.SendWelcome(from); err != nil {
		return nil, err
	}
	if len(replay) > 0 {
		if err := t.SendOutput(replay); err != nil {
			return nil, err
		}
	}

	e.transport = t
	e.setStateLocked(model.SessionStateAttached, nil)
	e.stopRetentionLocked()
	r.persistState(sessionID, model.SessionStateAttached, nil)

	r.log.Info("transport bound",
		zap.String("session_id", sessionID),
		zap.Int64("replay_from", from))

	return &Attachment{reg: r, sessionID: sessionID, transport: t, proc: e.proc}, nil
}

// ForceDetach closes the currently bound transport, if any, moving the
// session to detached so another caller may bind.
func (r *Registry) ForceDetach(sessionID string) error {
	e, ok := r.get(sessionID)
	if !ok {
		return model.ErrNotFound
	}

	e.mu.Lock()
	if e.sess.State.Terminal() {
		e.mu.Unlock()
		return model.ErrNotFound
	}
	t := e.transport
	if t != nil {
		e.transport = nil
		e.setStateLocked(model.SessionStateDetached, nil)
		r.startRetentionLocked(e)
		r.persistState(sessionID, model.SessionStateDetached, nil)
	}
	e.mu.Unlock()

	if t != nil {
		t.Close()
		r.log.Info("transport force-detached", zap.String("session_id", sessionID))
	}
	return nil
}

// unbind transitions attached -> detached when the given transport closes.
// A stale transport (already replaced via force-detach) is ignored.
func (r *Registry) unbind(sessionID string, t Transport) {
	e, ok := r.get(sessionID)
	if !ok {
		return
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	if e.transport != t || e.sess.State.Terminal() {
		return
	}
	e.transport = nil
	e.setStateLocked(model.SessionStateDetached, nil)
	r.startRetentionLocked(e)
	r.persistState(sessionID, model.SessionStateDetached, nil)

	r.log.Info("transport detached",
		zap.String("session_id", sessionID),
		zap.Duration("retention", r.cfg.RetentionWindow))
}

// Destroy terminates a session from any state: kills the process, notifies
// and closes any bound transport, and records the terminal state.
// Idempotent; destroying an unknown or already-terminated session is a
// no-op.
func (r *Registry) Destroy(sessionID string) error {
	e, ok := r.get(sessionID)
	if !ok {
		return nil
	}

	e.mu.Lock()
	if e.sess.State.Terminal() {
		e.mu.Unlock()
		return nil
	}
	e.setStateLocked(model.SessionStateTerminated, nil)
	e.stopRetentionLocked()
	t := e.transport
	e.transport = nil
	proc := e.proc
	e.mu.Unlock()

	if t != nil {
		t.SendError(proto.ErrKindTerminated, "session destroyed")
		t.Close()
	}

	// Kill propagates promptly even with no transport watching. The exit
	// callback observes the terminal state and only records the code.
	if proc != nil {
		if err := proc.Kill(); err != nil {
			r.log.Warn("kill failed", zap.String("session_id", sessionID), zap.Error(err))
		}
	}

	r.remove(sessionID)
	r.persistState(sessionID, model.SessionStateTerminated, nil)

	r.log.Info("session destroyed", zap.String("session_id", sessionID))
	return nil
}

// Delete destroys the session and removes its stored record. Used by the
// control-plane DELETE; removing an already-absent record is success.
func (r *Registry) Delete(ctx context.Context, sessionID string) error {
	if err := r.Destroy(sessionID); err != nil {
		return err
	}
	if err := r.repo.Delete(ctx, sessionID); err != nil && err != model.ErrNotFound {
		return err
	}
	return nil
}

// Get returns the session metadata for a live (non-terminated) session.
func (r *Registry) Get(sessionID string) (*model.Session, bool) {
	e, ok := r.get(sessionID)
	if !ok {
		return nil, false
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	c := *e.sess
	return &c, true
}

// List returns the owner's session summaries ordered by creation time
// ascending. Backed by a fresh query per call, so enumeration is
// restartable and finite.
func (r *Registry) List(ctx context.Context, ownerID string) ([]model.Summary, error) {
	return r.repo.ListByOwner(ctx, ownerID)
}

// Close destroys every live session. Used on shutdown.
func (r *Registry) Close() {
	r.mu.RLock()
	ids := make([]string, 0, len(r.entries))
	for id := range r.entries {
		ids = append(ids, id)
	}
	r.mu.RUnlock()

	for _, id := range ids {
		r.Destroy(id)
	}
}

// handleOutput pumps process output into the retention buffer and, when a
// transport is bound, onto the wire. Runs under the entry lock so the
// buffer and the transport observe the same byte order.
func (r *Registry) handleOutput(sessionID string, p []byte) {
	e, ok := r.get(sessionID)
	if !ok {
		return
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	e.buf.Write(p)
	if e.transport != nil {
		if err := e.transport.SendOutput(p); err != nil {
			// The transport failed; drop it and open the retention
			// window. The buffer already holds these bytes for replay.
			t := e.transport
			e.transport = nil
			e.setStateLocked(model.SessionStateDetached, nil)
			r.startRetentionLocked(e)
			r.persistState(sessionID, model.SessionStateDetached, nil)
			go t.Close()
		}
	}
}

// handleExit records process exit: any state -> terminated.
func (r *Registry) handleExit(sessionID string, code int) {
	e, ok := r.get(sessionID)
	if !ok {
		// Destroy already settled this session; just record the code.
		r.persistState(sessionID, model.SessionStateTerminated, &code)
		return
	}

	e.mu.Lock()
	if e.sess.State.Terminal() {
		e.mu.Unlock()
		r.persistState(sessionID, model.SessionStateTerminated, &code)
		return
	}
	e.setStateLocked(model.SessionStateTerminated, &code)
	e.stopRetentionLocked()
	t := e.transport
	e.transport = nil
	e.mu.Unlock()

	if t != nil {
		t.SendExit(code)
		t.Close()
	}

	r.remove(sessionID)
	r.persistState(sessionID, model.SessionStateTerminated, &code)

	r.log.Info("process exited",
		zap.String("session_id", sessionID),
		zap.Int("exit_code", code))
}

func (r *Registry) get(sessionID string) (*entry, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.entries[sessionID]
	return e, ok
}

func (r *Registry) remove(sessionID string) {
	r.mu.Lock()
	delete(r.entries, sessionID)
	r.mu.Unlock()
}

// startRetentionLocked arms the retention timer; the caller holds e.mu.
func (r *Registry) startRetentionLocked(e *entry) {
	sessionID := e.sess.ID
	e.stopRetentionLocked()
	e.retention = time.AfterFunc(r.cfg.RetentionWindow, func() {
		r.log.Info("retention window expired", zap.String("session_id", sessionID))
		r.Destroy(sessionID)
	})
}

func (e *entry) stopRetentionLocked() {
	if e.retention != nil {
		e.retention.Stop()
		e.retention = nil
	}
}

func (e *entry) setStateLocked(state model.SessionState, exitCode *int) {
	e.sess.State = state
	if exitCode != nil {
		e.sess.ExitCode = exitCode
	}
	e.sess.UpdatedAt = time.Now().UTC()
}

// persistState writes the lifecycle transition to the record store.
// Persistence failures are logged, never propagated: the in-memory entry is
// authoritative for live sessions.
func (r *Registry) persistState(sessionID string, state model.SessionState, exitCode *int) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := r.repo.UpdateState(ctx, sessionID, state, exitCode); err != nil && err != model.ErrNotFound {
		r.log.Warn("failed to persist session state",
			zap.String("session_id", sessionID),
			zap.String("state", string(state)),
			zap.Error(err))
	}
}
