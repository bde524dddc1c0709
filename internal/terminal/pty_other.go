//go:build !unix

package terminal

import (
	"context"
	"fmt"
	"log/slog"
	"time"
)

// unsupportedSupervisor is the stand-in where no PTY layer exists. Every
// operation fails with *PlatformError; callers see the same interface on
// every platform.
type unsupportedSupervisor struct {
	logger *slog.Logger
}

// New returns the Supervisor for this platform.
func New(logger *slog.Logger) Supervisor {
	return &unsupportedSupervisor{logger: logger}
}

func (s *unsupportedSupervisor) err(op string) error {
	return &PlatformError{Op: op, Err: fmt.Errorf("pseudo-terminal support unavailable on this platform")}
}

func (s *unsupportedSupervisor) Spawn(context.Context, Spawn) (*Handle, error) {
	return nil, s.err("spawn")
}

func (s *unsupportedSupervisor) Lines(*Handle) <-chan string { return nil }

func (s *unsupportedSupervisor) Send(*Handle, string) error { return s.err("send") }

func (s *unsupportedSupervisor) Pause(*Handle) error  { return s.err("pause") }
func (s *unsupportedSupervisor) Resume(*Handle) error { return s.err("resume") }

func (s *unsupportedSupervisor) Terminate(*Handle, time.Duration) error {
	return s.err("terminate")
}

func (s *unsupportedSupervisor) Wait(*Handle) error { return s.err("wait") }
