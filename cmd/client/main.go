// Command client is a terminal front-end for the session service. It
// multiplexes several remote sessions into local tabs on one terminal,
// tmux-style: Ctrl-B is the prefix key, followed by c (new tab), n (next
// tab), x (close tab), or d (detach and quit, leaving sessions running).
package main

import (
	"flag"
	"fmt"
	"os"
	"os/signal"
	"sync"
	"syscall"

	"golang.org/x/term"

	"github.com/shellboard/termsvc/internal/client"
	"github.com/shellboard/termsvc/internal/logging"
)

const prefixKey = 0x02 // Ctrl-B

func main() {
	server := flag.String("server", "http://localhost:8080", "session service URL")
	owner := flag.String("owner", defaultOwner(), "owner identity presented to the service")
	shell := flag.String("shell", "", "shell to spawn (server default when empty)")
	flag.Parse()

	if err := run(*server, *owner, *shell); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

func defaultOwner() string {
	if u := os.Getenv("USER"); u != "" {
		return u
	}
	return "anonymous"
}

func run(server, owner, shell string) error {
	if !term.IsTerminal(int(os.Stdin.Fd())) {
		return fmt.Errorf("stdin is not a terminal")
	}

	log, err := logging.New(logging.Config{Level: "error"})
	if err != nil {
		return err
	}

	oldState, err := term.MakeRaw(int(os.Stdin.Fd()))
	if err != nil {
		return fmt.Errorf("failed to enter raw mode: %w", err)
	}
	defer term.Restore(int(os.Stdin.Fd()), oldState)

	ui := newUI()

	mux, err := client.NewMux(client.Config{
		BaseURL: server,
		Owner:   owner,
		Sink:    ui,
		Log:     log,
	})
	if err != nil {
		return err
	}
	defer mux.Close()
	ui.mux = mux

	cols, rows, err := term.GetSize(int(os.Stdin.Fd()))
	if err != nil {
		rows, cols = 24, 80
	}

	if _, err := ui.openTab(shell, uint16(rows), uint16(cols)); err != nil {
		return fmt.Errorf("failed to open first tab: %w", err)
	}

	// Propagate local terminal resizes to the active session.
	winch := make(chan os.Signal, 1)
	signal.Notify(winch, syscall.SIGWINCH)
	go func() {
		for range winch {
			if c, r, err := term.GetSize(int(os.Stdin.Fd())); err == nil {
				mux.Resize(uint16(r), uint16(c))
			}
		}
	}()

	return ui.inputLoop(shell)
}

// ui routes output for the active tab to stdout and owns the keyboard.
type ui struct {
	mux *client.Mux

	mu       sync.Mutex
	activeID int
	done     chan struct{}
	doneOnce sync.Once
}

func newUI() *ui {
	return &ui{done: make(chan struct{})}
}

// Output implements client.Sink. Only the active tab paints the screen;
// background tabs accumulate in their scrollback.
func (u *ui) Output(tabID int, p []byte) {
	u.mu.Lock()
	active := u.activeID
	u.mu.Unlock()
	if tabID == active {
		os.Stdout.Write(p)
	}
}

// StatusChanged implements client.Sink.
func (u *ui) StatusChanged(tabID int, status client.Status) {
	switch status {
	case client.StatusDisconnected:
		u.banner(tabID, "connection lost, reconnecting...")
	case client.StatusClosed:
		u.banner(tabID, "tab closed")
		if len(u.mux.Tabs()) == 0 {
			u.quit()
		}
	}
}

// Exited implements client.Sink.
func (u *ui) Exited(tabID int, code int) {
	u.banner(tabID, fmt.Sprintf("session exited with code %d", code))
}

func (u *ui) banner(tabID int, msg string) {
	u.mu.Lock()
	active := u.activeID
	u.mu.Unlock()
	if tabID == active {
		fmt.Fprintf(os.Stdout, "\r\n[%s]\r\n", msg)
	}
}

func (u *ui) quit() {
	u.doneOnce.Do(func() { close(u.done) })
}

func (u *ui) openTab(shell string, rows, cols uint16) (*client.Tab, error) {
	tab, err := u.mux.OpenTab(shell, "", rows, cols)
	if err != nil {
		return nil, err
	}
	u.switchTo(tab)
	return tab, nil
}

// switchTo makes a tab active and repaints the screen from its scrollback.
func (u *ui) switchTo(tab *client.Tab) {
	u.mu.Lock()
	u.activeID = tab.ID
	u.mu.Unlock()

	u.mux.SetActive(tab.ID)

	// Clear and replay what the tab has retained locally.
	os.Stdout.WriteString("\x1b[2J\x1b[H")
	os.Stdout.Write(tab.Scrollback())
}

// inputLoop forwards keystrokes to the active tab, intercepting the prefix
// key for tab commands.
func (u *ui) inputLoop(shell string) error {
	keys := make(chan byte, 64)
	go func() {
		buf := make([]byte, 1024)
		for {
			n, err := os.Stdin.Read(buf)
			if err != nil {
				u.quit()
				return
			}
			for _, b := range buf[:n] {
				keys <- b
			}
		}
	}()

	prefixed := false
	for {
		select {
		case <-u.done:
			return nil
		case b := <-keys:
			if prefixed {
				prefixed = false
				u.command(b, shell)
				continue
			}
			if b == prefixKey {
				prefixed = true
				continue
			}
			u.mux.Input([]byte{b})
		}
	}
}

func (u *ui) command(key byte, shell string) {
	switch key {
	case 'c':
		cols, rows, err := term.GetSize(int(os.Stdin.Fd()))
		if err != nil {
			rows, cols = 24, 80
		}
		if _, err := u.openTab(shell, uint16(rows), uint16(cols)); err != nil {
			fmt.Fprintf(os.Stdout, "\r\n[failed to open tab: %v]\r\n", err)
		}
	case 'n':
		if tab, ok := u.mux.Next(); ok {
			u.switchTo(tab)
		}
	case 'x':
		if tab, ok := u.mux.Active(); ok {
			u.mux.CloseTab(tab.ID)
			if next, ok := u.mux.Active(); ok {
				u.switchTo(next)
			}
		}
	case 'd':
		// Detach: leave sessions running server-side and quit.
		u.quit()
	case prefixKey:
		// Double prefix sends the literal byte through.
		u.mux.Input([]byte{prefixKey})
	}
}
