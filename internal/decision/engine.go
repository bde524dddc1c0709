package decision

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/Xeon-774/parallel-coding-sub003/internal/prompt"
)

// SourceStats are the running counters for one cascade layer. They are
// read-only observability outputs, never inputs to decisions.
type SourceStats struct {
	Count      int64         `json:"count"`
	AvgLatency time.Duration `json:"avg_latency"`
}

// Engine orchestrates the rule → arbiter → fallback cascade for one
// request at a time and records latency and provenance per decision.
type Engine struct {
	policy  *Policy
	arbiter Arbiter
	timeout time.Duration
	logger  *slog.Logger
	now     func() time.Time

	mu      sync.Mutex
	count   map[Source]int64
	latency map[Source]time.Duration
}

// NewEngine creates an engine. timeout bounds each arbiter call.
func NewEngine(policy *Policy, arbiter Arbiter, timeout time.Duration, logger *slog.Logger) *Engine {
	return &Engine{
		policy:  policy,
		arbiter: arbiter,
		timeout: timeout,
		logger:  logger,
		now:     time.Now,
		count:   make(map[Source]int64),
		latency: make(map[Source]time.Duration),
	}
}

// Decide resolves one confirmation request. A definitive rule
// short-circuits the cascade; the arbiter is consulted otherwise; on
// arbiter timeout or failure the templated fallback answers. If even
// the fallback cannot answer, Decide returns *HardStopError and the
// caller must abort the worker.
func (e *Engine) Decide(ctx context.Context, req *prompt.Request) (*Decision, error) {
	start := e.now()

	if v := e.policy.EvaluateRules(req); v.Definitive {
		return e.resolved(req, &Decision{
			Action:    v.Action,
			Source:    SourceRule,
			Reasoning: v.Reason,
			Latency:   e.now().Sub(start),
		}), nil
	}

	judgeCtx, cancel := context.WithTimeout(ctx, e.timeout)
	defer cancel()

	j, err := e.arbiter.Judge(judgeCtx, req)
	if err == nil {
		return e.resolved(req, &Decision{
			Action:    j.Action,
			Source:    SourceArbiter,
			Reasoning: j.Reasoning,
			Latency:   e.now().Sub(start),
		}), nil
	}

	if errors.Is(err, context.Canceled) {
		// Cancellation of the request itself, not an arbiter failure; it
		// propagates instead of degrading into a fallback answer.
		return nil, err
	}

	var aerr *ArbiterError
	switch {
	case errors.Is(err, ErrArbiterTimeout), errors.Is(err, context.DeadlineExceeded):
		e.logger.Warn("arbiter timed out, falling back",
			"worker_id", req.WorkerID, "kind", req.Kind, "timeout", e.timeout)
	case errors.As(err, &aerr):
		e.logger.Warn("arbiter failed, falling back",
			"worker_id", req.WorkerID, "kind", req.Kind, "error", err)
	default:
		// Unknown failure class; still recoverable through the template.
		e.logger.Error("unexpected arbiter error, falling back",
			"worker_id", req.WorkerID, "kind", req.Kind, "error", err)
	}

	fb, fbErr := Fallback(req)
	if fbErr != nil {
		return nil, &HardStopError{WorkerID: req.WorkerID, Cause: fbErr}
	}
	return e.resolved(req, &Decision{
		Action:     fb.Action,
		Source:     SourceFallback,
		Reasoning:  fb.Reasoning,
		Latency:    e.now().Sub(start),
		IsFallback: true,
	}), nil
}

func (e *Engine) resolved(req *prompt.Request, d *Decision) *Decision {
	e.mu.Lock()
	e.count[d.Source]++
	e.latency[d.Source] += d.Latency
	e.mu.Unlock()

	e.logger.Info("confirmation resolved",
		"worker_id", req.WorkerID,
		"kind", req.Kind,
		"action", d.Action,
		"source", d.Source,
		"fallback", d.IsFallback,
		"latency", d.Latency)
	return d
}

// Stats returns a snapshot of the per-source counters.
func (e *Engine) Stats() map[Source]SourceStats {
	e.mu.Lock()
	defer e.mu.Unlock()

	out := make(map[Source]SourceStats, len(e.count))
	for src, n := range e.count {
		s := SourceStats{Count: n}
		if n > 0 {
			s.AvgLatency = e.latency[src] / time.Duration(n)
		}
		out[src] = s
	}
	return out
}
