// Package store is the persistence layer for workers, jobs, quota
// allocations, the append-only transition audit table, and idempotency
// keys. It is backed by SQLite through GORM so a supervisor restart can
// recover the full lifecycle picture.
package store

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"
)

// ErrNotFound is returned when a requested entity does not exist.
var ErrNotFound = errors.New("store: not found")

// Store wraps the GORM handle.
type Store struct {
	db     *gorm.DB
	logger *slog.Logger
}

// Open opens (creating if necessary) the SQLite database at path and
// runs migrations. Use "file::memory:?cache=shared" only in tests.
func Open(path string, logger *slog.Logger) (*Store, error) {
	db, err := gorm.Open(sqlite.Open(path), &gorm.Config{
		Logger: gormlogger.Default.LogMode(gormlogger.Silent),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to open database %s: %w", path, err)
	}

	s := &Store{db: db, logger: logger}
	if err := s.migrate(); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *Store) migrate() error {
	err := s.db.AutoMigrate(
		&Worker{},
		&Job{},
		&Allocation{},
		&StateTransition{},
		&IdempotencyKey{},
	)
	if err != nil {
		return fmt.Errorf("failed to migrate schema: %w", err)
	}
	return nil
}

// Close releases the underlying database handle.
func (s *Store) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return fmt.Errorf("failed to access sql handle: %w", err)
	}
	return sqlDB.Close()
}

// Tx is the view of the store available inside a transaction.
type Tx struct {
	db *gorm.DB
}

// WithTx runs fn inside one database transaction. Everything fn writes
// commits together or not at all; the lifecycle machines rely on this to
// keep entity status and the transition audit table consistent.
func (s *Store) WithTx(ctx context.Context, fn func(tx *Tx) error) error {
	return s.db.WithContext(ctx).Transaction(func(db *gorm.DB) error {
		return fn(&Tx{db: db})
	})
}

// --- workers ---

// CreateWorker persists a new worker. A zero ID is assigned a UUID.
func (s *Store) CreateWorker(ctx context.Context, w *Worker) error {
	if w.ID == "" {
		w.ID = uuid.New().String()
	}
	if w.Status == "" {
		w.Status = WorkerIdle
	}
	if err := s.db.WithContext(ctx).Create(w).Error; err != nil {
		return fmt.Errorf("failed to create worker: %w", err)
	}
	return nil
}

// GetWorker loads one worker by id.
func (s *Store) GetWorker(ctx context.Context, id string) (*Worker, error) {
	var w Worker
	err := s.db.WithContext(ctx).First(&w, "id = ?", id).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, fmt.Errorf("worker %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load worker %s: %w", id, err)
	}
	return &w, nil
}

// ListWorkers returns all workers ordered by creation time.
func (s *Store) ListWorkers(ctx context.Context) ([]*Worker, error) {
	var workers []*Worker
	if err := s.db.WithContext(ctx).Order("created_at ASC").Find(&workers).Error; err != nil {
		return nil, fmt.Errorf("failed to list workers: %w", err)
	}
	return workers, nil
}

// GetWorker loads one worker inside the transaction.
func (t *Tx) GetWorker(id string) (*Worker, error) {
	var w Worker
	err := t.db.First(&w, "id = ?", id).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, fmt.Errorf("worker %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load worker %s: %w", id, err)
	}
	return &w, nil
}

// UpdateWorkerStatus overwrites a worker's status row.
func (t *Tx) UpdateWorkerStatus(id string, status WorkerStatus) error {
	res := t.db.Model(&Worker{}).Where("id = ?", id).
		Updates(map[string]any{"status": status, "updated_at": time.Now().UTC()})
	if res.Error != nil {
		return fmt.Errorf("failed to update worker %s: %w", id, res.Error)
	}
	if res.RowsAffected == 0 {
		return fmt.Errorf("worker %s: %w", id, ErrNotFound)
	}
	return nil
}

// SetWorkerJob points a worker at its current job (nil clears it).
func (s *Store) SetWorkerJob(ctx context.Context, workerID string, jobID *string) error {
	res := s.db.WithContext(ctx).Model(&Worker{}).Where("id = ?", workerID).
		Update("job_id", jobID)
	if res.Error != nil {
		return fmt.Errorf("failed to set worker job: %w", res.Error)
	}
	if res.RowsAffected == 0 {
		return fmt.Errorf("worker %s: %w", workerID, ErrNotFound)
	}
	return nil
}

// SetWorkerPID records the OS process id of a live worker.
func (s *Store) SetWorkerPID(ctx context.Context, workerID string, pid int) error {
	res := s.db.WithContext(ctx).Model(&Worker{}).Where("id = ?", workerID).
		Update("pid", pid)
	if res.Error != nil {
		return fmt.Errorf("failed to set worker pid: %w", res.Error)
	}
	return nil
}

// --- jobs ---

// CreateJob persists a new job. A zero ID is assigned a UUID.
func (s *Store) CreateJob(ctx context.Context, j *Job) error {
	if j.ID == "" {
		j.ID = uuid.New().String()
	}
	if j.Status == "" {
		j.Status = JobSubmitted
	}
	if err := s.db.WithContext(ctx).Create(j).Error; err != nil {
		return fmt.Errorf("failed to create job: %w", err)
	}
	return nil
}

// GetJob loads one job by id.
func (s *Store) GetJob(ctx context.Context, id string) (*Job, error) {
	var j Job
	err := s.db.WithContext(ctx).First(&j, "id = ?", id).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, fmt.Errorf("job %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load job %s: %w", id, err)
	}
	return &j, nil
}

// ListJobs returns all jobs ordered by creation time.
func (s *Store) ListJobs(ctx context.Context) ([]*Job, error) {
	var jobs []*Job
	if err := s.db.WithContext(ctx).Order("created_at ASC").Find(&jobs).Error; err != nil {
		return nil, fmt.Errorf("failed to list jobs: %w", err)
	}
	return jobs, nil
}

// ChildJobs returns the direct children of a job.
func (s *Store) ChildJobs(ctx context.Context, parentID string) ([]*Job, error) {
	var jobs []*Job
	err := s.db.WithContext(ctx).Where("parent_id = ?", parentID).
		Order("created_at ASC").Find(&jobs).Error
	if err != nil {
		return nil, fmt.Errorf("failed to list children of job %s: %w", parentID, err)
	}
	return jobs, nil
}

// ChildJobs returns the direct children of a job inside the transaction.
func (t *Tx) ChildJobs(parentID string) ([]*Job, error) {
	var jobs []*Job
	err := t.db.Where("parent_id = ?", parentID).Order("created_at ASC").Find(&jobs).Error
	if err != nil {
		return nil, fmt.Errorf("failed to list children of job %s: %w", parentID, err)
	}
	return jobs, nil
}

// GetJob loads one job inside the transaction.
func (t *Tx) GetJob(id string) (*Job, error) {
	var j Job
	err := t.db.First(&j, "id = ?", id).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, fmt.Errorf("job %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load job %s: %w", id, err)
	}
	return &j, nil
}

// UpdateJobStatus overwrites a job's status row.
func (t *Tx) UpdateJobStatus(id string, status JobStatus) error {
	res := t.db.Model(&Job{}).Where("id = ?", id).
		Updates(map[string]any{"status": status, "updated_at": time.Now().UTC()})
	if res.Error != nil {
		return fmt.Errorf("failed to update job %s: %w", id, res.Error)
	}
	if res.RowsAffected == 0 {
		return fmt.Errorf("job %s: %w", id, ErrNotFound)
	}
	return nil
}

// --- allocations ---

// CreateAllocation persists a live allocation inside the transaction.
func (t *Tx) CreateAllocation(a *Allocation) error {
	if a.ID == "" {
		a.ID = uuid.New().String()
	}
	if a.AllocatedAt.IsZero() {
		a.AllocatedAt = time.Now().UTC()
	}
	if err := t.db.Create(a).Error; err != nil {
		return fmt.Errorf("failed to create allocation: %w", err)
	}
	return nil
}

// LiveAllocated sums worker counts of unreleased allocations at depth.
func (t *Tx) LiveAllocated(depth int) (int, error) {
	var total int64
	err := t.db.Model(&Allocation{}).
		Where("depth = ? AND released_at IS NULL", depth).
		Select("COALESCE(SUM(workers), 0)").Scan(&total).Error
	if err != nil {
		return 0, fmt.Errorf("failed to sum allocations at depth %d: %w", depth, err)
	}
	return int(total), nil
}

// ReleaseAllocation marks an allocation released. Releasing an already
// released allocation is a no-op so callers can retry safely.
func (t *Tx) ReleaseAllocation(id string) (released bool, err error) {
	now := time.Now().UTC()
	res := t.db.Model(&Allocation{}).
		Where("id = ? AND released_at IS NULL", id).
		Update("released_at", &now)
	if res.Error != nil {
		return false, fmt.Errorf("failed to release allocation %s: %w", id, res.Error)
	}
	return res.RowsAffected == 1, nil
}

// GetAllocation loads one allocation by id.
func (s *Store) GetAllocation(ctx context.Context, id string) (*Allocation, error) {
	var a Allocation
	err := s.db.WithContext(ctx).First(&a, "id = ?", id).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, fmt.Errorf("allocation %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load allocation %s: %w", id, err)
	}
	return &a, nil
}

// --- state transitions ---

// AppendTransition appends one audit record inside the transaction.
func (t *Tx) AppendTransition(tr *StateTransition) error {
	if tr.At.IsZero() {
		tr.At = time.Now().UTC()
	}
	if err := t.db.Create(tr).Error; err != nil {
		return fmt.Errorf("failed to append transition: %w", err)
	}
	return nil
}

// Transitions returns the ordered audit history for one entity.
func (s *Store) Transitions(ctx context.Context, entity, entityID string) ([]*StateTransition, error) {
	var trs []*StateTransition
	err := s.db.WithContext(ctx).
		Where("entity = ? AND entity_id = ?", entity, entityID).
		Order("seq ASC").Find(&trs).Error
	if err != nil {
		return nil, fmt.Errorf("failed to load transitions for %s %s: %w", entity, entityID, err)
	}
	return trs, nil
}

// --- idempotency keys ---

// ClaimIdempotencyKey inserts the key if unseen. It returns the existing
// record (and claimed=false) when the key was used before.
func (s *Store) ClaimIdempotencyKey(ctx context.Context, key, operation string) (existing *IdempotencyKey, claimed bool, err error) {
	rec := &IdempotencyKey{Key: key, Operation: operation, CreatedAt: time.Now().UTC()}
	err = s.db.WithContext(ctx).Create(rec).Error
	if err == nil {
		return rec, true, nil
	}
	// Conflict: somebody already holds the key.
	var prior IdempotencyKey
	if lookupErr := s.db.WithContext(ctx).First(&prior, "key = ?", key).Error; lookupErr == nil {
		return &prior, false, nil
	}
	return nil, false, fmt.Errorf("failed to claim idempotency key: %w", err)
}

// CompleteIdempotencyKey stores the outcome for a claimed key.
func (s *Store) CompleteIdempotencyKey(ctx context.Context, key string, outcome []byte) error {
	res := s.db.WithContext(ctx).Model(&IdempotencyKey{}).Where("key = ?", key).
		Updates(map[string]any{"outcome": outcome, "completed": true})
	if res.Error != nil {
		return fmt.Errorf("failed to complete idempotency key: %w", res.Error)
	}
	if res.RowsAffected == 0 {
		return fmt.Errorf("idempotency key %s: %w", key, ErrNotFound)
	}
	return nil
}
