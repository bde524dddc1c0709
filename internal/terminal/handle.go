package terminal

import (
	"os"
	"os/exec"
	"sync"
)

// Handle is one live agent session. It is created by Spawn and owned by
// the Supervisor; callers treat it as opaque.
type Handle struct {
	cmd    *exec.Cmd
	ptmx   *os.File
	cancel func()

	lines chan string
	done  chan struct{}

	mu      sync.Mutex
	exited  bool
	waitErr error

	closeOnce sync.Once
	killOnce  sync.Once
}

// PID returns the OS process id, or 0 before the process started.
func (h *Handle) PID() int {
	if h.cmd == nil || h.cmd.Process == nil {
		return 0
	}
	return h.cmd.Process.Pid
}

// Exited reports whether the process has exited.
func (h *Handle) Exited() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.exited
}

func (h *Handle) markExited(err error) {
	h.mu.Lock()
	h.exited = true
	h.waitErr = err
	h.mu.Unlock()
}

// closePTY releases the PTY file descriptor exactly once.
func (h *Handle) closePTY() {
	h.closeOnce.Do(func() {
		if h.ptmx != nil {
			_ = h.ptmx.Close()
		}
	})
}
