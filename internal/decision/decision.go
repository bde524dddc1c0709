// Package decision resolves confirmation requests through a layered
// cascade: deterministic policy rules, then a secondary AI judgment
// call, then safe templated fallbacks. Every decision carries its
// provenance so degraded-mode operation is observable, never silent.
package decision

import (
	"fmt"
	"time"
)

// Action is the resolution of a confirmation request.
type Action string

const (
	Approve Action = "approve"
	Deny    Action = "deny"
)

// Source identifies which cascade layer produced a decision.
type Source string

const (
	SourceRule     Source = "rule"
	SourceArbiter  Source = "arbiter"
	SourceFallback Source = "fallback"
)

// Decision is the resolution of one confirmation request.
type Decision struct {
	Action     Action        `json:"action"`
	Source     Source        `json:"source"`
	Reasoning  string        `json:"reasoning"`
	Latency    time.Duration `json:"latency"`
	IsFallback bool          `json:"is_fallback"`
}

// HardStopError reports total unresponsiveness of the escalation path:
// neither rules, arbiter, nor fallback produced an answer. The caller
// must abort the affected worker; it is never an implicit approve or
// deny, and never a silent no-op.
type HardStopError struct {
	WorkerID string
	Cause    error
}

func (e *HardStopError) Error() string {
	return fmt.Sprintf("decision cascade unresponsive for worker %s, aborting: %v", e.WorkerID, e.Cause)
}

func (e *HardStopError) Unwrap() error { return e.Cause }
