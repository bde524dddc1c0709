// Package terminal spawns supervised agent processes inside a
// pseudo-terminal and exposes their output as a non-blocking stream of
// normalized lines. Platform differences live behind the Supervisor
// interface; callers never branch on platform.
package terminal

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// ErrProcessExited is returned by Send when the agent process has
// already exited.
var ErrProcessExited = errors.New("terminal: process has exited")

// PlatformError reports that the process or its pseudo-terminal could
// not be set up on this platform. It is fatal to the affected worker.
type PlatformError struct {
	Op  string
	Err error
}

func (e *PlatformError) Error() string {
	return fmt.Sprintf("terminal: %s: %v", e.Op, e.Err)
}

func (e *PlatformError) Unwrap() error { return e.Err }

// Spawn describes the agent process to launch.
type Spawn struct {
	Command string
	Args    []string
	Dir     string
	Env     map[string]string
	// Timeout bounds the whole session; zero means no limit.
	Timeout time.Duration
}

// Supervisor manages agent processes inside pseudo-terminals.
type Supervisor interface {
	// Spawn launches the process. It fails with *PlatformError when the
	// executable or the PTY layer is unavailable.
	Spawn(ctx context.Context, spec Spawn) (*Handle, error)

	// Lines returns the normalized output stream. The channel is closed
	// when the process exits; the stream is not restartable.
	Lines(h *Handle) <-chan string

	// Send writes one input line to the process. It returns
	// ErrProcessExited if called after exit.
	Send(h *Handle, text string) error

	// Pause stops the process without killing it; Resume continues it.
	Pause(h *Handle) error
	Resume(h *Handle) error

	// Terminate requests a graceful stop, waits up to grace, then force
	// kills. The underlying OS handle is released on every exit route,
	// including when termination races the process's natural exit.
	Terminate(h *Handle, grace time.Duration) error

	// Wait blocks until the process exits and returns its exit error.
	Wait(h *Handle) error
}
