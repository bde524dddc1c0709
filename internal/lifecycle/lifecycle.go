// Package lifecycle validates and persists worker and job state
// transitions. Each successful transition updates the entity row and
// appends an immutable StateTransition record in one transaction, so
// the audit history can never disagree with current state.
package lifecycle

import (
	"fmt"

	"github.com/Xeon-774/parallel-coding-sub003/internal/store"
)

// StateError reports a transition that is not in the allowed table. The
// entity is left unchanged; the caller is notified, never ignored.
type StateError struct {
	Entity   string
	EntityID string
	From     string
	To       string
}

func (e *StateError) Error() string {
	return fmt.Sprintf("invalid %s transition %s -> %s for %s", e.Entity, e.From, e.To, e.EntityID)
}

// workerTransitions is the allowed table for workers. COMPLETED, FAILED
// and TERMINATED are terminal and have no outgoing edges.
var workerTransitions = map[store.WorkerStatus][]store.WorkerStatus{
	store.WorkerIdle: {store.WorkerRunning},
	store.WorkerRunning: {
		store.WorkerPaused,
		store.WorkerCompleted,
		store.WorkerFailed,
		store.WorkerTerminated,
	},
	store.WorkerPaused: {store.WorkerRunning, store.WorkerTerminated},
}

// jobTransitions is the allowed table for jobs. Any non-terminal state
// may additionally move to CANCELLED.
var jobTransitions = map[store.JobStatus][]store.JobStatus{
	store.JobSubmitted: {store.JobPending, store.JobCancelled},
	store.JobPending:   {store.JobRunning, store.JobCancelled},
	store.JobRunning:   {store.JobCompleted, store.JobFailed, store.JobCancelled},
}

func workerTransitionAllowed(from, to store.WorkerStatus) bool {
	for _, next := range workerTransitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

func jobTransitionAllowed(from, to store.JobStatus) bool {
	for _, next := range jobTransitions[from] {
		if next == to {
			return true
		}
	}
	return false
}
