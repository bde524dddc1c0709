// Package service is the operations surface consumed by external
// callers: worker and job control, hierarchy inspection, and aggregate
// statistics. It owns the wiring between the coordinator, the quota
// manager, the lifecycle machine, and live worker sessions.
package service

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"

	"github.com/Xeon-774/parallel-coding-sub003/internal/audit"
	"github.com/Xeon-774/parallel-coding-sub003/internal/config"
	"github.com/Xeon-774/parallel-coding-sub003/internal/coordinator"
	"github.com/Xeon-774/parallel-coding-sub003/internal/decision"
	"github.com/Xeon-774/parallel-coding-sub003/internal/idempotency"
	"github.com/Xeon-774/parallel-coding-sub003/internal/lifecycle"
	"github.com/Xeon-774/parallel-coding-sub003/internal/quota"
	"github.com/Xeon-774/parallel-coding-sub003/internal/session"
	"github.com/Xeon-774/parallel-coding-sub003/internal/store"
	"github.com/Xeon-774/parallel-coding-sub003/internal/terminal"
	"github.com/Xeon-774/parallel-coding-sub003/internal/workspace"
)

// Service exposes the supervised-agent core to external callers.
type Service struct {
	cfg        *config.Config
	store      *store.Store
	machine    *lifecycle.Machine
	quota      *quota.Manager
	coord      *coordinator.Coordinator
	engine     *decision.Engine
	registry   *idempotency.Registry
	supervisor terminal.Supervisor
	trail      *audit.Trail
	logger     *slog.Logger

	mu       sync.Mutex
	sessions map[string]*session.Session
}

// New assembles a service from configuration. The caller owns the store
// and audit trail lifetimes and supplies the terminal supervisor.
func New(cfg *config.Config, st *store.Store, trail *audit.Trail, sup terminal.Supervisor, logger *slog.Logger) *Service {
	policy := decision.NewPolicy(cfg.WorkspaceRoot, cfg.Policy.PinnedPackages, cfg.Policy.CriticalFiles)
	arbiter := &decision.CommandArbiter{
		Command:       cfg.Arbiter.Cmd,
		Logger:        logger,
		TranscriptDir: workspace.ArbiterDir(cfg.WorkspaceRoot),
	}
	engine := decision.NewEngine(policy, arbiter, cfg.ArbiterTimeout(), logger)
	qm := quota.NewManager(st, cfg.DepthQuotas(), logger)
	machine := lifecycle.NewMachine(st, trail, logger)

	s := &Service{
		cfg:        cfg,
		store:      st,
		machine:    machine,
		quota:      qm,
		engine:     engine,
		registry:   idempotency.NewRegistry(st, logger),
		supervisor: sup,
		trail:      trail,
		logger:     logger,
		sessions:   make(map[string]*session.Session),
	}
	s.coord = coordinator.New(st, qm, machine, coordinator.RunnerFunc(s.runWorker), coordinator.Options{
		MaxDepth:   cfg.Quotas.MaxDepth,
		BestEffort: cfg.Quotas.BestEffort,
		Workspace:  cfg.WorkspaceRoot,
		Horizon:    cfg.AgentTimeout(),
	}, logger)
	return s
}

// runWorker is the coordinator's production runner: one session per
// worker, tracked while live so operator pause/resume/terminate can
// reach it.
func (s *Service) runWorker(ctx context.Context, workerID, task string) (*session.Outcome, error) {
	sess := session.New(workerID, task, session.Config{
		AgentCommand: s.cfg.Agent.Cmd,
		Workspace:    s.cfg.WorkspaceRoot,
		Timeout:      s.cfg.AgentTimeout(),
		Grace:        s.cfg.GracePeriod(),
	}, s.supervisor, s.engine, s.machine, s.trail, s.logger)

	s.mu.Lock()
	s.sessions[workerID] = sess
	s.mu.Unlock()
	defer func() {
		s.mu.Lock()
		delete(s.sessions, workerID)
		s.mu.Unlock()
	}()

	if err := sess.Start(ctx); err != nil {
		return nil, err
	}

	// Coordination cancel reaps the process; the session then settles
	// on its own.
	watchDone := make(chan struct{})
	defer close(watchDone)
	go func() {
		select {
		case <-ctx.Done():
			if err := sess.Terminate(context.Background(), "coordination cancelled"); err != nil {
				s.logger.Error("terminating cancelled worker", "worker_id", workerID, "error", err)
			}
		case <-watchDone:
		}
	}()

	out, err := sess.Wait(context.Background())
	if err != nil {
		return nil, err
	}
	if ctx.Err() != nil {
		return nil, ctx.Err()
	}
	return out, nil
}

func (s *Service) liveSession(workerID string) (*session.Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sess, ok := s.sessions[workerID]
	if !ok {
		return nil, fmt.Errorf("worker %s has no live session", workerID)
	}
	return sess, nil
}

// ListWorkers returns all workers.
func (s *Service) ListWorkers(ctx context.Context) ([]*store.Worker, error) {
	return s.store.ListWorkers(ctx)
}

// GetWorker returns one worker.
func (s *Service) GetWorker(ctx context.Context, id string) (*store.Worker, error) {
	return s.store.GetWorker(ctx, id)
}

// PauseWorker suspends a running worker's process.
func (s *Service) PauseWorker(ctx context.Context, workerID, idemKey string) error {
	_, err := s.registry.Execute(ctx, idemKey, "worker.pause", func(ctx context.Context) ([]byte, error) {
		sess, err := s.liveSession(workerID)
		if err != nil {
			return nil, err
		}
		return nil, sess.Pause(ctx)
	})
	return err
}

// ResumeWorker continues a paused worker's process.
func (s *Service) ResumeWorker(ctx context.Context, workerID, idemKey string) error {
	_, err := s.registry.Execute(ctx, idemKey, "worker.resume", func(ctx context.Context) ([]byte, error) {
		sess, err := s.liveSession(workerID)
		if err != nil {
			return nil, err
		}
		return nil, sess.Resume(ctx)
	})
	return err
}

// TerminateWorker force-stops a worker.
func (s *Service) TerminateWorker(ctx context.Context, workerID, reason, idemKey string) error {
	_, err := s.registry.Execute(ctx, idemKey, "worker.terminate", func(ctx context.Context) ([]byte, error) {
		sess, err := s.liveSession(workerID)
		if err != nil {
			return nil, err
		}
		return nil, sess.Terminate(ctx, reason)
	})
	return err
}

// SubmitOutcome is the recorded result of a job submission.
type SubmitOutcome struct {
	JobID  string          `json:"job_id"`
	Status store.JobStatus `json:"status"`
}

// SubmitJob runs a job tree to completion and returns its outcome.
// With an idempotency key, a retried submission replays the recorded
// outcome instead of running the job again.
func (s *Service) SubmitJob(ctx context.Context, sub coordinator.Submit, idemKey string) (*SubmitOutcome, error) {
	raw, err := s.registry.Execute(ctx, idemKey, "job.submit", func(ctx context.Context) ([]byte, error) {
		res, err := s.coord.Submit(ctx, sub)
		if err != nil {
			return nil, err
		}
		return json.Marshal(SubmitOutcome{JobID: res.JobID, Status: res.Status})
	})
	if err != nil {
		return nil, err
	}
	var out SubmitOutcome
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, fmt.Errorf("decoding submit outcome: %w", err)
	}
	return &out, nil
}

// GetJob returns one job.
func (s *Service) GetJob(ctx context.Context, id string) (*store.Job, error) {
	return s.store.GetJob(ctx, id)
}

// CancelJob cancels a job and all its non-terminal descendants, and
// reaps any live worker processes attached to the tree.
func (s *Service) CancelJob(ctx context.Context, jobID, idemKey string) error {
	_, err := s.registry.Execute(ctx, idemKey, "job.cancel", func(ctx context.Context) ([]byte, error) {
		ids, err := s.treeIDs(ctx, jobID)
		if err != nil {
			return nil, err
		}
		if err := s.machine.CancelJob(ctx, jobID, "operator cancel"); err != nil {
			return nil, err
		}
		s.reapTreeWorkers(ctx, ids)
		return nil, nil
	})
	return err
}

func (s *Service) treeIDs(ctx context.Context, jobID string) (map[string]bool, error) {
	ids := map[string]bool{jobID: true}
	var walk func(id string) error
	walk = func(id string) error {
		children, err := s.store.ChildJobs(ctx, id)
		if err != nil {
			return err
		}
		for _, child := range children {
			ids[child.ID] = true
			if err := walk(child.ID); err != nil {
				return err
			}
		}
		return nil
	}
	if err := walk(jobID); err != nil {
		return nil, err
	}
	return ids, nil
}

func (s *Service) reapTreeWorkers(ctx context.Context, jobIDs map[string]bool) {
	workers, err := s.store.ListWorkers(ctx)
	if err != nil {
		s.logger.Error("listing workers for cancel", "error", err)
		return
	}
	for _, w := range workers {
		if w.JobID == nil || !jobIDs[*w.JobID] {
			continue
		}
		sess, err := s.liveSession(w.ID)
		if err != nil {
			continue
		}
		if err := sess.Terminate(ctx, "job cancelled"); err != nil {
			s.logger.Error("terminating worker of cancelled job", "worker_id", w.ID, "error", err)
		}
	}
}

// TreeNode is one job in the hierarchy returned by JobTree.
type TreeNode struct {
	Job      *store.Job  `json:"job"`
	Children []*TreeNode `json:"children,omitempty"`
}

// JobTree returns the job and its descendants as a tree.
func (s *Service) JobTree(ctx context.Context, jobID string) (*TreeNode, error) {
	job, err := s.store.GetJob(ctx, jobID)
	if err != nil {
		return nil, err
	}
	node := &TreeNode{Job: job}
	children, err := s.store.ChildJobs(ctx, jobID)
	if err != nil {
		return nil, err
	}
	for _, child := range children {
		childNode, err := s.JobTree(ctx, child.ID)
		if err != nil {
			return nil, err
		}
		node.Children = append(node.Children, childNode)
	}
	return node, nil
}

// JobProgress estimates a job's completion in [0,1].
func (s *Service) JobProgress(ctx context.Context, jobID string) (float64, error) {
	return s.coord.Progress(ctx, jobID)
}

// Stats aggregates counters across the core.
type Stats struct {
	Workers   map[store.WorkerStatus]int               `json:"workers"`
	Jobs      map[store.JobStatus]int                  `json:"jobs"`
	Decisions map[decision.Source]decision.SourceStats `json:"decisions"`
	Quota     map[int]quota.Usage                      `json:"quota"`
}

// Stats reports worker and job counts by status, decision counters by
// source, and quota usage per configured depth.
func (s *Service) Stats(ctx context.Context) (*Stats, error) {
	workers, err := s.store.ListWorkers(ctx)
	if err != nil {
		return nil, err
	}
	jobs, err := s.store.ListJobs(ctx)
	if err != nil {
		return nil, err
	}

	out := &Stats{
		Workers:   make(map[store.WorkerStatus]int),
		Jobs:      make(map[store.JobStatus]int),
		Decisions: s.engine.Stats(),
		Quota:     make(map[int]quota.Usage),
	}
	for _, w := range workers {
		out.Workers[w.Status]++
	}
	for _, j := range jobs {
		out.Jobs[j.Status]++
	}
	for depth := range s.cfg.DepthQuotas() {
		u, err := s.quota.Usage(ctx, depth)
		if err != nil {
			return nil, err
		}
		out.Quota[depth] = u
	}
	return out, nil
}
