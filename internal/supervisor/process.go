package supervisor

import (
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"sync"

	"github.com/creack/pty"
	"go.uber.org/zap"
)

const readBufferSize = 4096

// Process is a handle to one supervised shell process and its PTY.
// Output is surfaced asynchronously through the OnOutput callback as the
// process produces it; exit is reported exactly once through OnExit,
// whether caused by natural termination or Kill.
type Process struct {
	id   string
	cmd  *exec.Cmd
	ptmx *os.File
	log  *zap.Logger

	onOutput func(p []byte)
	onExit   func(code int)

	exitOnce sync.Once

	mu     sync.Mutex
	exited bool
	done   chan struct{}
}

// PID returns the OS process ID.
func (p *Process) PID() int {
	return p.cmd.Process.Pid
}

// Done returns a channel closed once the process has exited.
func (p *Process) Done() <-chan struct{} {
	return p.done
}

// Exited reports whether the process has already exited.
func (p *Process) Exited() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.exited
}

// Write sends input bytes to the process. Fire-and-forget: the caller gets
// an error only if the process is already gone.
func (p *Process) Write(data []byte) error {
	if p.Exited() {
		return fmt.Errorf("process %s has exited", p.id)
	}
	if _, err := p.ptmx.Write(data); err != nil {
		return fmt.Errorf("failed to write to pty: %w", err)
	}
	return nil
}

// Resize changes the PTY window size. A resize racing a process exit is
// logged and dropped, never retried.
func (p *Process) Resize(rows, cols uint16) error {
	if p.Exited() {
		p.log.Debug("resize on exited process", zap.String("session_id", p.id))
		return nil
	}
	if err := pty.Setsize(p.ptmx, &pty.Winsize{Rows: rows, Cols: cols}); err != nil {
		p.log.Warn("pty resize failed",
			zap.String("session_id", p.id),
			zap.Uint16("rows", rows),
			zap.Uint16("cols", cols),
			zap.Error(err))
	}
	return nil
}

// Kill forcibly terminates the process. Killing an already-exited process
// is a no-op.
func (p *Process) Kill() error {
	if p.Exited() {
		return nil
	}
	err := p.cmd.Process.Kill()
	if err != nil && !errors.Is(err, os.ErrProcessDone) {
		return fmt.Errorf("failed to kill process %s: %w", p.id, err)
	}
	return nil
}

// readLoop pumps PTY output into the OnOutput callback until the PTY closes.
func (p *Process) readLoop() {
	buf := make([]byte, readBufferSize)
	for {
		n, err := p.ptmx.Read(buf)
		if n > 0 && p.onOutput != nil {
			p.onOutput(buf[:n])
		}
		if err != nil {
			if err != io.EOF {
				p.log.Debug("pty read ended", zap.String("session_id", p.id), zap.Error(err))
			}
			return
		}
	}
}

// waitLoop reaps the process and reports its exit exactly once.
func (p *Process) waitLoop() {
	code := 0
	if err := p.cmd.Wait(); err != nil {
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			// -1 for signal deaths.
			code = exitErr.ExitCode()
		} else {
			code = -1
		}
	}

	p.mu.Lock()
	p.exited = true
	p.mu.Unlock()

	p.ptmx.Close()
	close(p.done)

	p.exitOnce.Do(func() {
		if p.onExit != nil {
			p.onExit(code)
		}
	})
}
