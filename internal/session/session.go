// Package session runs the supervised lifetime of one worker: spawn the
// agent in a terminal, watch its output for confirmation prompts, resolve
// each prompt through the decision engine, and write the answer back.
package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/Xeon-774/parallel-coding-sub003/internal/audit"
	"github.com/Xeon-774/parallel-coding-sub003/internal/decision"
	"github.com/Xeon-774/parallel-coding-sub003/internal/lifecycle"
	"github.com/Xeon-774/parallel-coding-sub003/internal/prompt"
	"github.com/Xeon-774/parallel-coding-sub003/internal/store"
	"github.com/Xeon-774/parallel-coding-sub003/internal/terminal"
)

// Config carries the per-session launch parameters.
type Config struct {
	// AgentCommand is the executable plus fixed arguments; the task text
	// is appended as the final argument.
	AgentCommand []string
	// Workspace is the agent's working directory and the root used by
	// the rule evaluator.
	Workspace string
	// Timeout bounds the whole agent run; zero means no limit.
	Timeout time.Duration
	// Grace is how long Terminate waits between the stop signal and the
	// kill signal.
	Grace time.Duration
	// ExtraPatterns extends the built-in confirmation catalog for this
	// session's recognizer.
	ExtraPatterns []prompt.Pattern
}

// Outcome summarizes a finished session.
type Outcome struct {
	WorkerID    string
	Status      store.WorkerStatus
	ExitErr     error
	Lines       int
	Prompts     int
	Approvals   int
	Denials     int
	Fallbacks   int
	HardStopped bool
	Duration    time.Duration
}

// Session supervises a single worker process. Start launches it; Wait
// blocks until it reaches a terminal worker state. Pause, Resume, and
// Terminate may be called from any goroutine at any point after Start.
type Session struct {
	workerID string
	task     string
	cfg      Config

	sup     terminal.Supervisor
	engine  *decision.Engine
	machine *lifecycle.Machine
	trail   *audit.Trail
	logger  *slog.Logger

	mu        sync.Mutex
	handle    *terminal.Handle
	startedAt time.Time
	lines     int
	prompts   int
	approvals int
	denials   int
	fallbacks int
	hardStop  bool
	stopped   bool
	progress  float64
	outcome   *Outcome

	spawned chan struct{}
	done    chan struct{}
}

// New builds a session for an existing worker row. The worker must be in
// its initial state; Start performs the transition to running.
func New(workerID, task string, cfg Config, sup terminal.Supervisor,
	engine *decision.Engine, machine *lifecycle.Machine,
	trail *audit.Trail, logger *slog.Logger) *Session {
	return &Session{
		workerID: workerID,
		task:     task,
		cfg:      cfg,
		sup:      sup,
		engine:   engine,
		machine:  machine,
		trail:    trail,
		logger:   logger.With("worker_id", workerID),
		spawned:  make(chan struct{}),
		done:     make(chan struct{}),
	}
}

// Start spawns the agent process and begins supervising it. The worker
// transitions to running before the process launches; a spawn failure
// moves it straight to failed.
func (s *Session) Start(ctx context.Context) error {
	if err := s.machine.TransitionWorker(ctx, s.workerID, store.WorkerRunning, "session start"); err != nil {
		return err
	}

	args := append(append([]string(nil), s.cfg.AgentCommand[1:]...), s.task)
	handle, err := s.sup.Spawn(ctx, terminal.Spawn{
		Command: s.cfg.AgentCommand[0],
		Args:    args,
		Dir:     s.cfg.Workspace,
		Timeout: s.cfg.Timeout,
	})
	if err != nil {
		if terr := s.machine.TransitionWorker(ctx, s.workerID, store.WorkerFailed, "spawn failed"); terr != nil {
			s.logger.Error("could not record spawn failure", "error", terr)
		}
		close(s.spawned)
		close(s.done)
		return fmt.Errorf("spawning agent for worker %s: %w", s.workerID, err)
	}

	s.mu.Lock()
	s.handle = handle
	s.startedAt = time.Now()
	s.mu.Unlock()
	close(s.spawned)

	s.appendTrail("worker.spawned", audit.F("worker_id", s.workerID), audit.F("pid", handle.PID()))
	s.logger.Info("agent spawned", "pid", handle.PID(), "task", s.task)

	// Prompts are answered off the drain goroutine so a slow arbiter
	// never stalls output consumption.
	requests := make(chan *prompt.Request, 16)
	var answerer sync.WaitGroup
	answerer.Add(1)
	go func() {
		defer answerer.Done()
		s.answerLoop(ctx, handle, requests)
	}()

	go func() {
		defer close(s.done)
		s.drainLoop(handle, requests)
		close(requests)
		answerer.Wait()
		s.finish(handle)
	}()
	return nil
}

func (s *Session) drainLoop(handle *terminal.Handle, requests chan<- *prompt.Request) {
	rec := prompt.NewRecognizer(s.workerID, s.logger)
	for _, p := range s.cfg.ExtraPatterns {
		rec.RegisterPattern(p)
	}
	for line := range s.sup.Lines(handle) {
		s.mu.Lock()
		s.lines++
		s.mu.Unlock()
		req := rec.Recognize(line)
		if req == nil {
			continue
		}
		s.mu.Lock()
		s.prompts++
		s.mu.Unlock()
		requests <- req
	}
}

func (s *Session) answerLoop(ctx context.Context, handle *terminal.Handle, requests <-chan *prompt.Request) {
	// The loop must consume requests until the channel closes even after
	// answering stops making sense: the drain goroutine sends into a
	// bounded channel, and an early return here would wedge it on a
	// dying process with buffered output still ahead of EOF.
	answering := true
	for req := range requests {
		if !answering {
			continue
		}
		dec, err := s.engine.Decide(ctx, req)
		if err != nil {
			var hs *decision.HardStopError
			if errors.As(err, &hs) {
				s.onHardStop(handle, hs)
				answering = false
			} else {
				s.logger.Error("decision failed", "kind", req.Kind, "error", err)
			}
			continue
		}

		answer := "n"
		if dec.Action == decision.Approve {
			answer = "y"
		}
		s.mu.Lock()
		switch dec.Action {
		case decision.Approve:
			s.approvals++
		case decision.Deny:
			s.denials++
		}
		if dec.IsFallback {
			s.fallbacks++
		}
		s.mu.Unlock()

		s.appendTrail("decision.resolved",
			audit.F("worker_id", s.workerID),
			audit.F("kind", string(req.Kind)),
			audit.F("action", string(dec.Action)),
			audit.F("source", string(dec.Source)),
			audit.F("fallback", dec.IsFallback),
			audit.F("latency_ms", dec.Latency.Milliseconds()),
		)

		if err := s.sup.Send(handle, answer); err != nil {
			if errors.Is(err, terminal.ErrProcessExited) {
				answering = false
				continue
			}
			s.logger.Warn("failed to answer prompt", "kind", req.Kind, "error", err)
		}
	}
}

// onHardStop aborts the worker. The process is force-terminated and the
// worker lands in the terminated state; the failure is never converted
// into an implicit approval or denial.
func (s *Session) onHardStop(handle *terminal.Handle, hs *decision.HardStopError) {
	s.mu.Lock()
	s.hardStop = true
	s.mu.Unlock()

	s.logger.Error("hard stop: escalation path exhausted", "cause", hs.Cause)
	s.appendTrail("worker.hard_stop", audit.F("worker_id", s.workerID), audit.F("cause", hs.Cause.Error()))
	if err := s.sup.Terminate(handle, s.cfg.Grace); err != nil {
		s.logger.Error("terminating after hard stop", "error", err)
	}
}

// finish runs once the output stream is closed and all prompts are
// answered. It reaps the process and records the terminal worker state.
func (s *Session) finish(handle *terminal.Handle) {
	exitErr := s.sup.Wait(handle)

	s.mu.Lock()
	hardStopped := s.hardStop
	stopped := s.stopped
	duration := time.Since(s.startedAt)
	s.mu.Unlock()

	ctx := context.Background()
	var status store.WorkerStatus
	var reason string
	switch {
	case hardStopped:
		status, reason = store.WorkerTerminated, "hard stop"
	case stopped:
		status, reason = store.WorkerTerminated, "operator terminate"
	case exitErr == nil:
		status, reason = store.WorkerCompleted, "agent exited cleanly"
	default:
		status, reason = store.WorkerFailed, fmt.Sprintf("agent exited: %v", exitErr)
	}

	if err := s.machine.TransitionWorker(ctx, s.workerID, status, reason); err != nil {
		var se *lifecycle.StateError
		switch {
		case errors.As(err, &se) && se.From == string(store.WorkerPaused):
			// The process died while paused (a stopped process can still
			// be killed). PAUSED is not terminal; close the worker out.
			status, reason = store.WorkerTerminated, "agent exited while paused"
			if terr := s.machine.TransitionWorker(ctx, s.workerID, status, reason); terr != nil {
				s.logger.Error("recording final worker state", "error", terr)
			}
		case errors.As(err, &se):
			// Already terminal: an operator terminate or a cancel won the
			// race. The process is reaped either way.
		default:
			s.logger.Error("recording final worker state", "error", err)
		}
	}

	s.mu.Lock()
	s.outcome = &Outcome{
		WorkerID:    s.workerID,
		Status:      status,
		ExitErr:     exitErr,
		Lines:       s.lines,
		Prompts:     s.prompts,
		Approvals:   s.approvals,
		Denials:     s.denials,
		Fallbacks:   s.fallbacks,
		HardStopped: hardStopped,
		Duration:    duration,
	}
	s.mu.Unlock()

	s.appendTrail("worker.finished",
		audit.F("worker_id", s.workerID),
		audit.F("status", string(status)),
		audit.F("lines", s.lines),
		audit.F("prompts", s.prompts),
	)
	s.logger.Info("session finished", "status", status, "lines", s.lines, "prompts", s.prompts, "duration", duration)
}

// Wait blocks until the session reaches a terminal state or the context
// is cancelled.
func (s *Session) Wait(ctx context.Context) (*Outcome, error) {
	select {
	case <-s.done:
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.outcome == nil {
		return nil, fmt.Errorf("worker %s: session ended without outcome", s.workerID)
	}
	return s.outcome, nil
}

// Pause stops the agent process and records the paused state.
func (s *Session) Pause(ctx context.Context) error {
	handle, err := s.awaitHandle(ctx)
	if err != nil {
		return err
	}
	if err := s.machine.TransitionWorker(ctx, s.workerID, store.WorkerPaused, "operator pause"); err != nil {
		return err
	}
	if err := s.sup.Pause(handle); err != nil {
		return fmt.Errorf("pausing worker %s: %w", s.workerID, err)
	}
	s.appendTrail("worker.paused", audit.F("worker_id", s.workerID))
	return nil
}

// Resume continues a paused agent process.
func (s *Session) Resume(ctx context.Context) error {
	handle, err := s.awaitHandle(ctx)
	if err != nil {
		return err
	}
	if err := s.machine.TransitionWorker(ctx, s.workerID, store.WorkerRunning, "operator resume"); err != nil {
		return err
	}
	if err := s.sup.Resume(handle); err != nil {
		return fmt.Errorf("resuming worker %s: %w", s.workerID, err)
	}
	s.appendTrail("worker.resumed", audit.F("worker_id", s.workerID))
	return nil
}

// Terminate force-stops the agent. Safe to call at any time, including
// while the process is exiting on its own; the terminal supervisor
// guarantees the OS handle is released exactly once.
func (s *Session) Terminate(ctx context.Context, reason string) error {
	handle, err := s.awaitHandle(ctx)
	if err != nil {
		return err
	}
	if err := s.machine.TransitionWorker(ctx, s.workerID, store.WorkerTerminated, reason); err != nil {
		var se *lifecycle.StateError
		if errors.As(err, &se) {
			// Already terminal; termination is idempotent.
			return nil
		}
		return err
	}
	s.mu.Lock()
	s.stopped = true
	s.mu.Unlock()
	s.appendTrail("worker.terminated", audit.F("worker_id", s.workerID), audit.F("reason", reason))
	if err := s.sup.Terminate(handle, s.cfg.Grace); err != nil {
		return fmt.Errorf("terminating worker %s: %w", s.workerID, err)
	}
	return nil
}

// Progress estimates completion in [0,1] from elapsed time and output
// volume. Best effort and monotonic; it never reports 1 before the
// session actually finishes.
func (s *Session) Progress() float64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.outcome != nil {
		s.progress = 1
		return 1
	}
	if s.startedAt.IsZero() {
		return 0
	}
	elapsed := time.Since(s.startedAt)
	horizon := s.cfg.Timeout
	if horizon <= 0 {
		horizon = 10 * time.Minute
	}
	byTime := float64(elapsed) / float64(horizon)
	byLines := float64(s.lines) / 500.0
	est := 0.6*byTime + 0.4*byLines
	if est > 0.99 {
		est = 0.99
	}
	if est > s.progress {
		s.progress = est
	}
	return s.progress
}

// awaitHandle blocks until the spawn attempt settles, then returns the
// process handle. Control operations can race Start; they wait for the
// spawn instead of failing on a window a retry would not hit.
func (s *Session) awaitHandle(ctx context.Context) (*terminal.Handle, error) {
	select {
	case <-s.spawned:
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.handle == nil {
		return nil, fmt.Errorf("worker %s: agent never spawned", s.workerID)
	}
	return s.handle, nil
}

func (s *Session) appendTrail(event string, fields ...audit.Field) {
	if s.trail == nil {
		return
	}
	if err := s.trail.Append(event, fields...); err != nil {
		s.logger.Warn("audit append failed", "event", event, "error", err)
	}
}
