package lifecycle

import (
	"context"
	"fmt"
	"hash/fnv"
	"log/slog"
	"sync"

	"github.com/Xeon-774/parallel-coding-sub003/internal/audit"
	"github.com/Xeon-774/parallel-coding-sub003/internal/store"
)

// lockStripes is the number of per-entity serialization stripes.
const lockStripes = 64

// Machine applies lifecycle transitions. Transitions on one entity are
// serialized (single writer per entity) even when requested from
// different goroutines, so an entity's StateTransition records are
// strictly ordered.
type Machine struct {
	store  *store.Store
	trail  *audit.Trail
	logger *slog.Logger
	locks  [lockStripes]sync.Mutex
}

// NewMachine creates the shared lifecycle machine. trail may be nil in
// tests that do not inspect the file trail.
func NewMachine(st *store.Store, trail *audit.Trail, logger *slog.Logger) *Machine {
	return &Machine{store: st, trail: trail, logger: logger}
}

func (m *Machine) lockFor(id string) *sync.Mutex {
	h := fnv.New32a()
	_, _ = h.Write([]byte(id))
	return &m.locks[h.Sum32()%lockStripes]
}

// TransitionWorker moves a worker to a new status. It fails with
// *StateError when the edge is not in the allowed table, leaving the
// persisted status unchanged. Status update and audit record commit
// atomically.
func (m *Machine) TransitionWorker(ctx context.Context, id string, to store.WorkerStatus, reason string) error {
	lock := m.lockFor(id)
	lock.Lock()
	defer lock.Unlock()

	var from store.WorkerStatus
	err := m.store.WithTx(ctx, func(tx *store.Tx) error {
		w, err := tx.GetWorker(id)
		if err != nil {
			return err
		}
		from = w.Status
		if !workerTransitionAllowed(from, to) {
			return &StateError{Entity: store.EntityWorker, EntityID: id,
				From: string(from), To: string(to)}
		}
		if err := tx.UpdateWorkerStatus(id, to); err != nil {
			return err
		}
		return tx.AppendTransition(&store.StateTransition{
			Entity:   store.EntityWorker,
			EntityID: id,
			From:     string(from),
			To:       string(to),
			Reason:   reason,
		})
	})
	if err != nil {
		return err
	}

	m.logger.Info("worker transitioned",
		"worker_id", id, "from", from, "to", to, "reason", reason)
	m.appendTrail("worker.transition", id, string(from), string(to), reason)
	return nil
}

// TransitionJob moves a job to a new status with the same contract as
// TransitionWorker. A job cannot become COMPLETED or CANCELLED while
// any direct child is still in a non-terminal state.
func (m *Machine) TransitionJob(ctx context.Context, id string, to store.JobStatus, reason string) error {
	lock := m.lockFor(id)
	lock.Lock()
	defer lock.Unlock()

	var from store.JobStatus
	err := m.store.WithTx(ctx, func(tx *store.Tx) error {
		j, err := tx.GetJob(id)
		if err != nil {
			return err
		}
		from = j.Status
		if !jobTransitionAllowed(from, to) {
			return &StateError{Entity: store.EntityJob, EntityID: id,
				From: string(from), To: string(to)}
		}
		if to == store.JobCompleted || to == store.JobCancelled {
			children, err := tx.ChildJobs(id)
			if err != nil {
				return err
			}
			for _, child := range children {
				if !store.TerminalJobStatus(child.Status) {
					return fmt.Errorf("job %s cannot reach %s: child %s still %s",
						id, to, child.ID, child.Status)
				}
			}
		}
		if err := tx.UpdateJobStatus(id, to); err != nil {
			return err
		}
		return tx.AppendTransition(&store.StateTransition{
			Entity:   store.EntityJob,
			EntityID: id,
			From:     string(from),
			To:       string(to),
			Reason:   reason,
		})
	})
	if err != nil {
		return err
	}

	m.logger.Info("job transitioned",
		"job_id", id, "from", from, "to", to, "reason", reason)
	m.appendTrail("job.transition", id, string(from), string(to), reason)
	return nil
}

// CancelJob cancels a job and every non-terminal descendant,
// depth-first, so the parent only becomes CANCELLED after its whole
// subtree is terminal. Cancelling an already terminal job is a no-op.
func (m *Machine) CancelJob(ctx context.Context, id string, reason string) error {
	job, err := m.store.GetJob(ctx, id)
	if err != nil {
		return err
	}
	if store.TerminalJobStatus(job.Status) {
		return nil
	}

	children, err := m.store.ChildJobs(ctx, id)
	if err != nil {
		return err
	}
	for _, child := range children {
		if store.TerminalJobStatus(child.Status) {
			continue
		}
		if err := m.CancelJob(ctx, child.ID, "parent cancelled: "+reason); err != nil {
			return err
		}
	}

	return m.TransitionJob(ctx, id, store.JobCancelled, reason)
}

func (m *Machine) appendTrail(event, id, from, to, reason string) {
	if m.trail == nil {
		return
	}
	err := m.trail.Append(event,
		audit.F("id", id), audit.F("from", from), audit.F("to", to),
		audit.F("reason", reason))
	if err != nil {
		m.logger.Error("failed to append audit trail", "event", event, "error", err)
	}
}
