package session

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"path/filepath"
	"regexp"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Xeon-774/parallel-coding-sub003/internal/decision"
	"github.com/Xeon-774/parallel-coding-sub003/internal/lifecycle"
	"github.com/Xeon-774/parallel-coding-sub003/internal/prompt"
	"github.com/Xeon-774/parallel-coding-sub003/internal/store"
	"github.com/Xeon-774/parallel-coding-sub003/internal/terminal"
)

// fakeSupervisor scripts agent output and records everything sent back,
// so session logic is tested without real processes.
type fakeSupervisor struct {
	mu       sync.Mutex
	procs    map[*terminal.Handle]*fakeProc
	spawnErr error
}

type fakeProc struct {
	lines      chan string
	sent       []string
	sentSignal chan string
	waitErr    error
	paused     bool
	terminated bool
	closeOnce  sync.Once
}

func newFakeSupervisor() *fakeSupervisor {
	return &fakeSupervisor{procs: make(map[*terminal.Handle]*fakeProc)}
}

func (f *fakeSupervisor) Spawn(ctx context.Context, spec terminal.Spawn) (*terminal.Handle, error) {
	if f.spawnErr != nil {
		return nil, f.spawnErr
	}
	h := &terminal.Handle{}
	f.mu.Lock()
	f.procs[h] = &fakeProc{
		lines:      make(chan string, 64),
		sentSignal: make(chan string, 64),
	}
	f.mu.Unlock()
	return h, nil
}

func (f *fakeSupervisor) proc(h *terminal.Handle) *fakeProc {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.procs[h]
}

func (f *fakeSupervisor) Lines(h *terminal.Handle) <-chan string {
	return f.proc(h).lines
}

func (f *fakeSupervisor) Send(h *terminal.Handle, text string) error {
	p := f.proc(h)
	f.mu.Lock()
	if p.terminated {
		f.mu.Unlock()
		return terminal.ErrProcessExited
	}
	p.sent = append(p.sent, text)
	f.mu.Unlock()
	p.sentSignal <- text
	return nil
}

func (f *fakeSupervisor) Pause(h *terminal.Handle) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.procs[h].paused = true
	return nil
}

func (f *fakeSupervisor) Resume(h *terminal.Handle) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.procs[h].paused = false
	return nil
}

func (f *fakeSupervisor) Terminate(h *terminal.Handle, grace time.Duration) error {
	p := f.proc(h)
	f.mu.Lock()
	p.terminated = true
	f.mu.Unlock()
	p.closeOnce.Do(func() { close(p.lines) })
	return nil
}

func (f *fakeSupervisor) Wait(h *terminal.Handle) error {
	return f.proc(h).waitErr
}

func (f *fakeSupervisor) emit(h *terminal.Handle, line string) {
	f.proc(h).lines <- line
}

func (f *fakeSupervisor) exit(h *terminal.Handle, err error) {
	p := f.proc(h)
	f.mu.Lock()
	p.waitErr = err
	f.mu.Unlock()
	p.closeOnce.Do(func() { close(p.lines) })
}

type fixture struct {
	store   *store.Store
	machine *lifecycle.Machine
	sup     *fakeSupervisor
	logger  *slog.Logger
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	st, err := store.Open(filepath.Join(t.TempDir(), "core.db"), logger)
	require.NoError(t, err)
	return &fixture{
		store:   st,
		machine: lifecycle.NewMachine(st, nil, logger),
		sup:     newFakeSupervisor(),
		logger:  logger,
	}
}

func (fx *fixture) newWorker(t *testing.T) *store.Worker {
	t.Helper()
	w := &store.Worker{Workspace: "/work/project", Status: store.WorkerIdle}
	require.NoError(t, fx.store.CreateWorker(context.Background(), w))
	return w
}

func (fx *fixture) newSession(w *store.Worker, arb decision.Arbiter, cfg Config) *Session {
	if cfg.AgentCommand == nil {
		cfg.AgentCommand = []string{"agent"}
	}
	if cfg.Workspace == "" {
		cfg.Workspace = "/work/project"
	}
	policy := decision.NewPolicy(cfg.Workspace, nil, []string{".env"})
	engine := decision.NewEngine(policy, arb, 50*time.Millisecond, fx.logger)
	return New(w.ID, "do the task", cfg, fx.sup, engine, fx.machine, nil, fx.logger)
}

func neverCalled(t *testing.T) decision.Arbiter {
	return decision.ArbiterFunc(func(ctx context.Context, req *prompt.Request) (decision.Judgment, error) {
		t.Errorf("arbiter called for %s", req.Kind)
		return decision.Judgment{}, errors.New("unexpected")
	})
}

func TestSessionAnswersPromptsAndCompletes(t *testing.T) {
	fx := newFixture(t)
	w := fx.newWorker(t)
	s := fx.newSession(w, neverCalled(t), Config{})
	ctx := context.Background()

	require.NoError(t, s.Start(ctx))
	h := handleOf(t, fx.sup)

	fx.sup.emit(h, "thinking about the change...")
	fx.sup.emit(h, "Do you want to write to the file '/work/project/main.go'?")
	require.Equal(t, "y", <-fx.sup.proc(h).sentSignal)

	fx.sup.emit(h, "Do you want to run: `rm -rf /` ?")
	require.Equal(t, "n", <-fx.sup.proc(h).sentSignal)

	fx.sup.exit(h, nil)

	out, err := s.Wait(ctx)
	require.NoError(t, err)
	assert.Equal(t, store.WorkerCompleted, out.Status)
	assert.Equal(t, 3, out.Lines)
	assert.Equal(t, 2, out.Prompts)
	assert.Equal(t, 1, out.Approvals)
	assert.Equal(t, 1, out.Denials)
	assert.Zero(t, out.Fallbacks)
	assert.False(t, out.HardStopped)

	persisted, err := fx.store.GetWorker(ctx, w.ID)
	require.NoError(t, err)
	assert.Equal(t, store.WorkerCompleted, persisted.Status)
}

func TestSessionSpawnFailureMarksWorkerFailed(t *testing.T) {
	fx := newFixture(t)
	fx.sup.spawnErr = &terminal.PlatformError{Op: "spawn", Err: errors.New("no pty")}
	w := fx.newWorker(t)
	s := fx.newSession(w, neverCalled(t), Config{})
	ctx := context.Background()

	err := s.Start(ctx)
	var pe *terminal.PlatformError
	require.ErrorAs(t, err, &pe)

	persisted, err := fx.store.GetWorker(ctx, w.ID)
	require.NoError(t, err)
	assert.Equal(t, store.WorkerFailed, persisted.Status)
}

func TestSessionFailedExit(t *testing.T) {
	fx := newFixture(t)
	w := fx.newWorker(t)
	s := fx.newSession(w, neverCalled(t), Config{})
	ctx := context.Background()

	require.NoError(t, s.Start(ctx))
	h := handleOf(t, fx.sup)
	fx.sup.emit(h, "oops")
	fx.sup.exit(h, fmt.Errorf("exit status 1"))

	out, err := s.Wait(ctx)
	require.NoError(t, err)
	assert.Equal(t, store.WorkerFailed, out.Status)
	assert.Error(t, out.ExitErr)
}

func TestSessionFinishesWhenAnswersStopLanding(t *testing.T) {
	fx := newFixture(t)
	w := fx.newWorker(t)
	s := fx.newSession(w, neverCalled(t), Config{})
	ctx := context.Background()

	require.NoError(t, s.Start(ctx))
	h := handleOf(t, fx.sup)

	// The process dies while a backlog of buffered output is still
	// being drained: every answer now fails with ErrProcessExited, and
	// there are far more pending prompts than the request buffer holds.
	p := fx.sup.proc(h)
	fx.sup.mu.Lock()
	p.terminated = true
	fx.sup.mu.Unlock()

	for i := 0; i < 40; i++ {
		fx.sup.emit(h, fmt.Sprintf("Do you want to write to the file '/work/project/f%d.go'?", i))
	}
	fx.sup.exit(h, fmt.Errorf("signal: killed"))

	waitCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()
	out, err := s.Wait(waitCtx)
	require.NoError(t, err)
	assert.Equal(t, store.WorkerFailed, out.Status)
	assert.Equal(t, 40, out.Prompts)
}

func TestSessionAgentDiesWhilePaused(t *testing.T) {
	fx := newFixture(t)
	w := fx.newWorker(t)
	s := fx.newSession(w, neverCalled(t), Config{})
	ctx := context.Background()

	require.NoError(t, s.Start(ctx))
	h := handleOf(t, fx.sup)
	require.NoError(t, s.Pause(ctx))

	// SIGSTOP does not protect against SIGKILL; the worker must not be
	// left paused with no live process behind it.
	fx.sup.exit(h, fmt.Errorf("signal: killed"))

	out, err := s.Wait(ctx)
	require.NoError(t, err)
	assert.Equal(t, store.WorkerTerminated, out.Status)

	persisted, err := fx.store.GetWorker(ctx, w.ID)
	require.NoError(t, err)
	assert.Equal(t, store.WorkerTerminated, persisted.Status)
}

func TestSessionHardStopTerminatesWorker(t *testing.T) {
	fx := newFixture(t)
	w := fx.newWorker(t)
	// A prompt kind the escalation templates do not know, plus a dead
	// arbiter, exhausts the whole cascade.
	arb := decision.ArbiterFunc(func(ctx context.Context, req *prompt.Request) (decision.Judgment, error) {
		return decision.Judgment{}, &decision.ArbiterError{Op: "judge", Err: errors.New("down")}
	})
	s := fx.newSession(w, arb, Config{
		ExtraPatterns: []prompt.Pattern{
			{Kind: prompt.Kind("reactor_scram"), Re: regexp.MustCompile(`(?i)scram the reactor\?`)},
		},
	})
	ctx := context.Background()

	require.NoError(t, s.Start(ctx))
	h := handleOf(t, fx.sup)
	fx.sup.emit(h, "Scram the reactor?")

	out, err := s.Wait(ctx)
	require.NoError(t, err)
	assert.True(t, out.HardStopped)
	assert.Equal(t, store.WorkerTerminated, out.Status)

	persisted, err := fx.store.GetWorker(ctx, w.ID)
	require.NoError(t, err)
	assert.Equal(t, store.WorkerTerminated, persisted.Status)
}

func TestSessionPauseResume(t *testing.T) {
	fx := newFixture(t)
	w := fx.newWorker(t)
	s := fx.newSession(w, neverCalled(t), Config{})
	ctx := context.Background()

	require.NoError(t, s.Start(ctx))
	h := handleOf(t, fx.sup)

	require.NoError(t, s.Pause(ctx))
	assert.True(t, fx.sup.proc(h).paused)
	persisted, _ := fx.store.GetWorker(ctx, w.ID)
	assert.Equal(t, store.WorkerPaused, persisted.Status)

	require.NoError(t, s.Resume(ctx))
	assert.False(t, fx.sup.proc(h).paused)
	persisted, _ = fx.store.GetWorker(ctx, w.ID)
	assert.Equal(t, store.WorkerRunning, persisted.Status)

	fx.sup.exit(h, nil)
	out, err := s.Wait(ctx)
	require.NoError(t, err)
	assert.Equal(t, store.WorkerCompleted, out.Status)
}

func TestSessionTerminateIdempotent(t *testing.T) {
	fx := newFixture(t)
	w := fx.newWorker(t)
	s := fx.newSession(w, neverCalled(t), Config{})
	ctx := context.Background()

	require.NoError(t, s.Start(ctx))
	require.NoError(t, s.Terminate(ctx, "operator request"))
	require.NoError(t, s.Terminate(ctx, "operator request"))

	out, err := s.Wait(ctx)
	require.NoError(t, err)
	assert.Equal(t, store.WorkerTerminated, out.Status)
}

func TestSessionProgressMonotonicAndBounded(t *testing.T) {
	fx := newFixture(t)
	w := fx.newWorker(t)
	s := fx.newSession(w, neverCalled(t), Config{Timeout: time.Second})
	ctx := context.Background()

	assert.Zero(t, s.Progress())

	require.NoError(t, s.Start(ctx))
	h := handleOf(t, fx.sup)

	prev := 0.0
	for i := 0; i < 5; i++ {
		fx.sup.emit(h, "line of output")
		time.Sleep(5 * time.Millisecond)
		p := s.Progress()
		assert.GreaterOrEqual(t, p, prev)
		assert.Less(t, p, 1.0)
		prev = p
	}

	fx.sup.exit(h, nil)
	_, err := s.Wait(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1.0, s.Progress())
}

func handleOf(t *testing.T, sup *fakeSupervisor) *terminal.Handle {
	t.Helper()
	sup.mu.Lock()
	defer sup.mu.Unlock()
	require.Len(t, sup.procs, 1)
	for h := range sup.procs {
		return h
	}
	return nil
}
