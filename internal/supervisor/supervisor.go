// Package supervisor spawns and supervises the shell processes behind
// terminal sessions. Each process runs on its own PTY; the supervisor
// exposes a duplex byte stream per process and reports exit exactly once.
package supervisor

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"sync"

	"github.com/creack/pty"
	"go.uber.org/zap"

	"github.com/shellboard/termsvc/internal/model"
)

// Supervisor tracks the live processes by session ID.
type Supervisor struct {
	log *zap.Logger

	mu        sync.RWMutex
	processes map[string]*Process
}

// New creates a Supervisor.
func New(log *zap.Logger) *Supervisor {
	return &Supervisor{
		log:       log,
		processes: make(map[string]*Process),
	}
}

// Options configures a spawn.
type Options struct {
	// Shell is the program to execute.
	Shell string

	// Dir is the initial working directory. Empty means inherit.
	Dir string

	// Env entries are appended to the inherited environment.
	Env map[string]string

	// Initial terminal dimensions.
	Rows uint16
	Cols uint16

	// OnOutput is invoked from the read loop as bytes are produced.
	OnOutput func(p []byte)

	// OnExit is invoked exactly once when the process exits.
	OnExit func(code int)
}

// Spawn starts a shell process on a fresh PTY for the given session.
// It honors the context deadline: if the spawn does not complete in time the
// call fails and any late-started child is killed rather than leaked.
func (s *Supervisor) Spawn(ctx context.Context, sessionID string, opts Options) (*Process, error) {
	if opts.Shell == "" {
		return nil, fmt.Errorf("%w: shell is required", model.ErrSpawn)
	}
	if opts.Rows == 0 {
		opts.Rows = 24
	}
	if opts.Cols == 0 {
		opts.Cols = 80
	}

	cmd := exec.Command(opts.Shell)
	cmd.Dir = opts.Dir
	cmd.Env = append(os.Environ(), "TERM=xterm-256color")
	for k, v := range opts.Env {
		cmd.Env = append(cmd.Env, fmt.Sprintf("%s=%s", k, v))
	}

	type started struct {
		ptmx *os.File
		err  error
	}
	ch := make(chan started, 1)
	go func() {
		ptmx, err := pty.StartWithSize(cmd, &pty.Winsize{Rows: opts.Rows, Cols: opts.Cols})
		ch <- started{ptmx: ptmx, err: err}
	}()

	var ptmx *os.File
	select {
	case res := <-ch:
		if res.err != nil {
			return nil, fmt.Errorf("%w: %v", model.ErrSpawn, res.err)
		}
		ptmx = res.ptmx
	case <-ctx.Done():
		// Reap the child if the start eventually succeeds.
		go func() {
			if res := <-ch; res.err == nil {
				res.ptmx.Close()
				cmd.Process.Kill()
				cmd.Wait()
			}
		}()
		return nil, fmt.Errorf("%w: %v", model.ErrSpawn, ctx.Err())
	}

	proc := &Process{
		id:       sessionID,
		cmd:      cmd,
		ptmx:     ptmx,
		log:      s.log,
		onOutput: opts.OnOutput,
		onExit:   opts.OnExit,
		done:     make(chan struct{}),
	}

	s.mu.Lock()
	s.processes[sessionID] = proc
	s.mu.Unlock()

	go proc.readLoop()
	go func() {
		proc.waitLoop()
		s.Remove(sessionID)
	}()

	s.log.Info("spawned shell process",
		zap.String("session_id", sessionID),
		zap.String("shell", opts.Shell),
		zap.Int("pid", proc.PID()))

	return proc, nil
}

// Get returns the live process for a session, if any.
func (s *Supervisor) Get(sessionID string) (*Process, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	p, ok := s.processes[sessionID]
	return p, ok
}

// Remove drops the process from the tracking map. Called after exit.
func (s *Supervisor) Remove(sessionID string) {
	s.mu.Lock()
	delete(s.processes, sessionID)
	s.mu.Unlock()
}

// Close kills every tracked process. Used on shutdown.
func (s *Supervisor) Close() error {
	s.mu.Lock()
	procs := make([]*Process, 0, len(s.processes))
	for _, p := range s.processes {
		procs = append(procs, p)
	}
	s.mu.Unlock()

	var firstErr error
	for _, p := range procs {
		if err := p.Kill(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}
