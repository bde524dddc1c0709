// Package quota tracks worker-slot consumption per recursion depth and
// performs atomic allocate/release against configured limits. The
// per-depth counters are the only cross-worker shared mutable state in
// the core.
package quota

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/Xeon-774/parallel-coding-sub003/internal/store"
)

// QuotaExceededError reports that an allocation would push a depth past
// its configured limit. Callers recover by retrying with backoff or by
// rejecting the job.
type QuotaExceededError struct {
	Depth     int
	Requested int
	Allocated int
	Quota     int
}

func (e *QuotaExceededError) Error() string {
	return fmt.Sprintf("quota exceeded at depth %d: %d requested, %d/%d allocated",
		e.Depth, e.Requested, e.Allocated, e.Quota)
}

// Usage is a snapshot of one depth's consumption.
type Usage struct {
	Allocated int `json:"allocated"`
	Quota     int `json:"quota"`
}

// Manager allocates and releases worker slots. Allocation at a given
// depth runs in a per-depth critical section — never a global lock — so
// no two concurrent allocations can both pass the quota check against
// stale data, and depths scale independently.
type Manager struct {
	store  *store.Store
	quotas map[int]int
	logger *slog.Logger

	mu         sync.Mutex
	depthLocks map[int]*sync.Mutex
}

// NewManager creates a manager from the depth -> max-workers map.
func NewManager(st *store.Store, quotas map[int]int, logger *slog.Logger) *Manager {
	return &Manager{
		store:      st,
		quotas:     quotas,
		logger:     logger,
		depthLocks: make(map[int]*sync.Mutex),
	}
}

func (m *Manager) depthLock(depth int) *sync.Mutex {
	m.mu.Lock()
	defer m.mu.Unlock()
	lock, ok := m.depthLocks[depth]
	if !ok {
		lock = &sync.Mutex{}
		m.depthLocks[depth] = lock
	}
	return lock
}

// Quota returns the configured limit for a depth; zero means no slots.
func (m *Manager) Quota(depth int) int {
	return m.quotas[depth]
}

// Allocate reserves count worker slots at depth for a job. It fails
// with *QuotaExceededError when the depth's live total would exceed its
// quota. The check and the insert commit atomically.
func (m *Manager) Allocate(ctx context.Context, jobID string, depth, count int) (*store.Allocation, error) {
	if count <= 0 {
		return nil, fmt.Errorf("allocation count must be positive, got %d", count)
	}

	lock := m.depthLock(depth)
	lock.Lock()
	defer lock.Unlock()

	quota := m.quotas[depth]
	alloc := &store.Allocation{JobID: jobID, Depth: depth, Workers: count}

	err := m.store.WithTx(ctx, func(tx *store.Tx) error {
		live, err := tx.LiveAllocated(depth)
		if err != nil {
			return err
		}
		if live+count > quota {
			return &QuotaExceededError{
				Depth: depth, Requested: count, Allocated: live, Quota: quota,
			}
		}
		return tx.CreateAllocation(alloc)
	})
	if err != nil {
		return nil, err
	}

	m.logger.Debug("quota allocated",
		"allocation_id", alloc.ID, "job_id", jobID, "depth", depth, "workers", count)
	return alloc, nil
}

// Release frees an allocation. Releasing an unknown id is an error;
// releasing an already released allocation is a no-op so retries are
// safe.
func (m *Manager) Release(ctx context.Context, allocID string) error {
	if _, err := m.store.GetAllocation(ctx, allocID); err != nil {
		return err
	}

	var released bool
	err := m.store.WithTx(ctx, func(tx *store.Tx) (err error) {
		released, err = tx.ReleaseAllocation(allocID)
		return err
	})
	if err != nil {
		return err
	}
	if released {
		m.logger.Debug("quota released", "allocation_id", allocID)
	}
	return nil
}

// Usage reports current consumption at a depth.
func (m *Manager) Usage(ctx context.Context, depth int) (Usage, error) {
	var live int
	err := m.store.WithTx(ctx, func(tx *store.Tx) (err error) {
		live, err = tx.LiveAllocated(depth)
		return err
	})
	if err != nil {
		return Usage{}, err
	}
	return Usage{Allocated: live, Quota: m.quotas[depth]}, nil
}
