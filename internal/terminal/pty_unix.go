//go:build unix

package terminal

import (
	"bufio"
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"syscall"
	"time"

	"github.com/creack/pty"
)

// ptySupervisor runs agent processes under a native Unix PTY.
type ptySupervisor struct {
	logger *slog.Logger
	rows   uint16
	cols   uint16
}

// New returns the Supervisor for this platform.
func New(logger *slog.Logger) Supervisor {
	return &ptySupervisor{logger: logger, rows: 40, cols: 120}
}

func (s *ptySupervisor) Spawn(ctx context.Context, spec Spawn) (*Handle, error) {
	if spec.Command == "" {
		return nil, &PlatformError{Op: "spawn", Err: fmt.Errorf("empty command")}
	}

	// The context owns the deadline; CommandContext kills on expiry.
	// The wait goroutine releases the timer when the process exits.
	cancel := func() {}
	if spec.Timeout > 0 {
		ctx, cancel = context.WithTimeout(ctx, spec.Timeout)
	}

	cmd := exec.CommandContext(ctx, spec.Command, spec.Args...)
	cmd.Dir = spec.Dir
	cmd.Env = os.Environ()
	for k, v := range spec.Env {
		cmd.Env = append(cmd.Env, fmt.Sprintf("%s=%s", k, v))
	}

	ptmx, err := pty.StartWithSize(cmd, &pty.Winsize{Rows: s.rows, Cols: s.cols})
	if err != nil {
		cancel()
		return nil, &PlatformError{Op: "spawn " + spec.Command, Err: err}
	}

	h := &Handle{
		cmd:    cmd,
		ptmx:   ptmx,
		cancel: cancel,
		lines:  make(chan string, 256),
		done:   make(chan struct{}),
	}

	s.logger.Info("agent process started",
		"command", spec.Command, "pid", cmd.Process.Pid, "dir", spec.Dir)

	go s.readLoop(h)
	go s.waitLoop(h)

	return h, nil
}

// readLoop drains the PTY into the line channel until the process side
// closes. Reads from a PTY whose child exited fail with EIO on Linux;
// that is the normal end-of-stream signal here.
func (s *ptySupervisor) readLoop(h *Handle) {
	defer close(h.lines)

	scanner := bufio.NewScanner(h.ptmx)
	scanner.Buffer(make([]byte, 4096), 1024*1024)

	for scanner.Scan() {
		line := stripControl(scanner.Text())
		select {
		case h.lines <- line:
		case <-h.done:
			return
		}
	}
}

func (s *ptySupervisor) waitLoop(h *Handle) {
	err := h.cmd.Wait()
	h.markExited(err)
	h.closePTY()
	h.cancel()
	close(h.done)

	if err != nil {
		s.logger.Warn("agent process exited", "pid", h.PID(), "error", err)
	} else {
		s.logger.Info("agent process exited cleanly", "pid", h.PID())
	}
}

func (s *ptySupervisor) Lines(h *Handle) <-chan string {
	return h.lines
}

func (s *ptySupervisor) Send(h *Handle, text string) error {
	if h.Exited() {
		return ErrProcessExited
	}
	if _, err := h.ptmx.WriteString(text + "\n"); err != nil {
		if h.Exited() {
			return ErrProcessExited
		}
		return fmt.Errorf("failed to write to agent pty: %w", err)
	}
	return nil
}

func (s *ptySupervisor) Pause(h *Handle) error {
	return s.signal(h, syscall.SIGSTOP, "pause")
}

func (s *ptySupervisor) Resume(h *Handle) error {
	return s.signal(h, syscall.SIGCONT, "resume")
}

func (s *ptySupervisor) signal(h *Handle, sig syscall.Signal, op string) error {
	if h.Exited() {
		return ErrProcessExited
	}
	if err := h.cmd.Process.Signal(sig); err != nil {
		return fmt.Errorf("failed to %s agent %d: %w", op, h.PID(), err)
	}
	return nil
}

func (s *ptySupervisor) Terminate(h *Handle, grace time.Duration) error {
	select {
	case <-h.done:
		h.closePTY()
		return nil
	default:
	}

	s.logger.Info("terminating agent", "pid", h.PID(), "grace", grace)

	// A stopped process cannot handle SIGTERM; continue it first.
	_ = h.cmd.Process.Signal(syscall.SIGCONT)
	_ = h.cmd.Process.Signal(syscall.SIGTERM)

	select {
	case <-h.done:
	case <-time.After(grace):
		s.logger.Warn("agent did not stop gracefully, killing", "pid", h.PID())
		h.killOnce.Do(func() { _ = h.cmd.Process.Kill() })
		<-h.done
	}

	h.closePTY()
	return nil
}

func (s *ptySupervisor) Wait(h *Handle) error {
	<-h.done
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.waitErr
}
