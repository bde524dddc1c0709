// Package coordinator accepts jobs, enforces the recursion and quota
// limits, and drives each job to a terminal state: leaf jobs run
// supervised workers, interior jobs fan out child jobs one depth down
// and aggregate their results.
package coordinator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/Xeon-774/parallel-coding-sub003/internal/lifecycle"
	"github.com/Xeon-774/parallel-coding-sub003/internal/quota"
	"github.com/Xeon-774/parallel-coding-sub003/internal/session"
	"github.com/Xeon-774/parallel-coding-sub003/internal/store"
)

// RecursionLimitError rejects a job whose depth exceeds the configured
// maximum. Raised at submission, before any resource allocation.
type RecursionLimitError struct {
	Depth    int
	MaxDepth int
}

func (e *RecursionLimitError) Error() string {
	return fmt.Sprintf("job depth %d exceeds maximum %d", e.Depth, e.MaxDepth)
}

// Runner executes one worker against a task and blocks until it reaches
// a terminal worker state. The production runner wraps a session; tests
// substitute fakes.
type Runner interface {
	Run(ctx context.Context, workerID, task string) (*session.Outcome, error)
}

// RunnerFunc adapts a function to the Runner interface.
type RunnerFunc func(ctx context.Context, workerID, task string) (*session.Outcome, error)

func (f RunnerFunc) Run(ctx context.Context, workerID, task string) (*session.Outcome, error) {
	return f(ctx, workerID, task)
}

// Submit describes a job. A submission with subtasks is an interior
// node: each subtask becomes a child job one depth down. A submission
// without subtasks is a leaf and runs Workers supervised agents.
type Submit struct {
	Task     string
	Workers  int
	Subtasks []Submit
}

// Result is the aggregated outcome of one job and its descendants.
type Result struct {
	JobID    string
	Status   store.JobStatus
	Workers  []*session.Outcome
	Children []*Result
	Err      error
}

// Succeeded reports whether the job and every descendant completed.
func (r *Result) Succeeded() bool {
	return r.Status == store.JobCompleted
}

// Options tune coordinator behavior.
type Options struct {
	// MaxDepth is the deepest level a job may occupy; depth 0 is the
	// root. Submissions past this fail with *RecursionLimitError.
	MaxDepth int
	// BestEffort lets remaining siblings run to completion after a
	// child fails, instead of the default fail-fast cancellation.
	BestEffort bool
	// Workspace is the workspace identifier recorded on workers.
	Workspace string
	// Horizon feeds the progress estimator; zero defaults to 10m.
	Horizon time.Duration
}

// Coordinator submits jobs and recursively coordinates their children.
// All state changes flow through the lifecycle machine and the quota
// manager so the audit trail always agrees with current state.
type Coordinator struct {
	store   *store.Store
	quota   *quota.Manager
	machine *lifecycle.Machine
	runner  Runner
	logger  *slog.Logger
	opts    Options

	mu        sync.Mutex
	startedAt map[string]time.Time
	progress  map[string]float64
}

// New creates a coordinator.
func New(st *store.Store, qm *quota.Manager, machine *lifecycle.Machine,
	runner Runner, opts Options, logger *slog.Logger) *Coordinator {
	if opts.Horizon <= 0 {
		opts.Horizon = 10 * time.Minute
	}
	return &Coordinator{
		store:     st,
		quota:     qm,
		machine:   machine,
		runner:    runner,
		logger:    logger,
		opts:      opts,
		startedAt: make(map[string]time.Time),
		progress:  make(map[string]float64),
	}
}

// Submit runs a root job to completion and returns its aggregated
// result. An error return means the job could not be coordinated at
// all (recursion limit, quota, persistence); per-worker failures are
// reported through the result's status.
func (c *Coordinator) Submit(ctx context.Context, sub Submit) (*Result, error) {
	return c.submitAt(ctx, sub, 0, nil)
}

func (c *Coordinator) submitAt(ctx context.Context, sub Submit, depth int, parentID *string) (*Result, error) {
	if depth > c.opts.MaxDepth {
		return nil, &RecursionLimitError{Depth: depth, MaxDepth: c.opts.MaxDepth}
	}
	// Reject the whole tree up front so no allocation happens for a
	// submission that cannot finish.
	if err := c.validateTree(sub, depth); err != nil {
		return nil, err
	}

	workers := sub.Workers
	if workers <= 0 {
		workers = 1
	}

	job := &store.Job{
		Depth:       depth,
		ParentID:    parentID,
		Status:      store.JobSubmitted,
		WorkerCount: workers,
		Task:        sub.Task,
	}
	if err := c.store.CreateJob(ctx, job); err != nil {
		return nil, err
	}
	c.markStarted(job.ID)

	if err := c.machine.TransitionJob(ctx, job.ID, store.JobPending, "accepted"); err != nil {
		return nil, err
	}

	alloc, err := c.quota.Allocate(ctx, job.ID, depth, workers)
	if err != nil {
		var qe *quota.QuotaExceededError
		if errors.As(err, &qe) {
			if terr := c.machine.TransitionJob(ctx, job.ID, store.JobCancelled, "quota exhausted"); terr != nil {
				c.logger.Error("recording quota rejection", "job_id", job.ID, "error", terr)
			}
		}
		return nil, err
	}
	defer func() {
		if rerr := c.quota.Release(context.Background(), alloc.ID); rerr != nil {
			c.logger.Error("releasing allocation", "allocation_id", alloc.ID, "error", rerr)
		}
	}()

	if err := c.machine.TransitionJob(ctx, job.ID, store.JobRunning, "resources allocated"); err != nil {
		return nil, err
	}
	c.logger.Info("job running", "job_id", job.ID, "depth", depth, "workers", workers, "subtasks", len(sub.Subtasks))

	res := &Result{JobID: job.ID}
	if len(sub.Subtasks) == 0 {
		res.Workers, res.Err = c.runLeaf(ctx, job, workers, sub.Task)
	} else {
		res.Children, res.Err = c.runChildren(ctx, job, sub.Subtasks, depth)
	}

	res.Status = c.settle(ctx, job.ID, res.Err)
	c.markDone(job.ID)
	return res, nil
}

// validateTree checks every node's depth before any allocation.
func (c *Coordinator) validateTree(sub Submit, depth int) error {
	if depth > c.opts.MaxDepth {
		return &RecursionLimitError{Depth: depth, MaxDepth: c.opts.MaxDepth}
	}
	for _, child := range sub.Subtasks {
		if err := c.validateTree(child, depth+1); err != nil {
			return err
		}
	}
	return nil
}

// runLeaf runs the job's workers in parallel. A worker failure cancels
// the job's sibling workers unless best-effort is configured.
func (c *Coordinator) runLeaf(ctx context.Context, job *store.Job, workers int, task string) ([]*session.Outcome, error) {
	outcomes := make([]*session.Outcome, workers)
	g, gctx := errgroup.WithContext(ctx)
	runCtx := gctx
	if c.opts.BestEffort {
		runCtx = ctx
	}

	for i := 0; i < workers; i++ {
		i := i
		g.Go(func() error {
			w := &store.Worker{
				Workspace: c.opts.Workspace,
				Status:    store.WorkerIdle,
				JobID:     &job.ID,
			}
			if err := c.store.CreateWorker(runCtx, w); err != nil {
				return err
			}
			out, err := c.runner.Run(runCtx, w.ID, task)
			if err != nil {
				return fmt.Errorf("worker %s: %w", w.ID, err)
			}
			outcomes[i] = out
			if out.Status != store.WorkerCompleted {
				return fmt.Errorf("worker %s ended %s", w.ID, out.Status)
			}
			return nil
		})
	}
	err := g.Wait()

	kept := outcomes[:0]
	for _, o := range outcomes {
		if o != nil {
			kept = append(kept, o)
		}
	}
	return kept, err
}

// runChildren submits each subtask one depth down. The first failing
// child cancels its running siblings through the group context; with
// best-effort every child runs to its own terminal state.
func (c *Coordinator) runChildren(ctx context.Context, job *store.Job, subtasks []Submit, depth int) ([]*Result, error) {
	results := make([]*Result, len(subtasks))
	g, gctx := errgroup.WithContext(ctx)
	runCtx := gctx
	if c.opts.BestEffort {
		runCtx = ctx
	}

	for i, sub := range subtasks {
		i, sub := i, sub
		g.Go(func() error {
			res, err := c.submitAt(runCtx, sub, depth+1, &job.ID)
			if err != nil {
				return err
			}
			results[i] = res
			if !res.Succeeded() {
				return fmt.Errorf("child job %s ended %s", res.JobID, res.Status)
			}
			return nil
		})
	}
	err := g.Wait()

	kept := results[:0]
	for _, r := range results {
		if r != nil {
			kept = append(kept, r)
		}
	}
	return kept, err
}

// settle records the job's terminal state: completed on success,
// cancelled when the context was cut out from under it, failed
// otherwise. The lifecycle machine refuses to close a parent while any
// child is still live, so descendants always settle first.
func (c *Coordinator) settle(ctx context.Context, jobID string, runErr error) store.JobStatus {
	status := store.JobCompleted
	reason := "all workers and children succeeded"
	switch {
	case runErr == nil:
	case errors.Is(runErr, context.Canceled) || errors.Is(runErr, context.DeadlineExceeded):
		status, reason = store.JobCancelled, "coordination cancelled"
	default:
		status, reason = store.JobFailed, runErr.Error()
	}

	if err := c.machine.TransitionJob(context.WithoutCancel(ctx), jobID, status, reason); err != nil {
		var se *lifecycle.StateError
		if errors.As(err, &se) {
			// An external cancel already closed this job.
			if job, gerr := c.store.GetJob(context.Background(), jobID); gerr == nil {
				return job.Status
			}
		}
		c.logger.Error("recording job terminal state", "job_id", jobID, "error", err)
	}
	return status
}

// Progress estimates a job's completion in [0,1]: a blend of elapsed
// time against the horizon and the fraction of terminal descendant
// jobs. Best effort, monotonic, and only 1 once the job is terminal.
func (c *Coordinator) Progress(ctx context.Context, jobID string) (float64, error) {
	job, err := c.store.GetJob(ctx, jobID)
	if err != nil {
		return 0, err
	}
	if store.TerminalJobStatus(job.Status) {
		c.record(jobID, 1)
		return 1, nil
	}

	total, terminal := 1, 0
	if err := c.countTree(ctx, jobID, &total, &terminal); err != nil {
		return 0, err
	}
	byTree := float64(terminal) / float64(total)

	c.mu.Lock()
	started, ok := c.startedAt[jobID]
	c.mu.Unlock()
	byTime := 0.0
	if ok {
		byTime = float64(time.Since(started)) / float64(c.opts.Horizon)
	}

	est := 0.7*byTree + 0.3*byTime
	if est > 0.99 {
		est = 0.99
	}
	return c.record(jobID, est), nil
}

func (c *Coordinator) countTree(ctx context.Context, jobID string, total, terminal *int) error {
	children, err := c.store.ChildJobs(ctx, jobID)
	if err != nil {
		return err
	}
	for _, child := range children {
		*total++
		if store.TerminalJobStatus(child.Status) {
			*terminal++
		}
		if err := c.countTree(ctx, child.ID, total, terminal); err != nil {
			return err
		}
	}
	return nil
}

func (c *Coordinator) markStarted(jobID string) {
	c.mu.Lock()
	c.startedAt[jobID] = time.Now()
	c.mu.Unlock()
}

func (c *Coordinator) markDone(jobID string) {
	c.mu.Lock()
	delete(c.startedAt, jobID)
	c.progress[jobID] = 1
	c.mu.Unlock()
}

// record enforces monotonic progress per job.
func (c *Coordinator) record(jobID string, est float64) float64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	if est < c.progress[jobID] {
		est = c.progress[jobID]
	} else {
		c.progress[jobID] = est
	}
	return est
}
