package store

import (
	"time"
)

// WorkerStatus is the lifecycle state of a supervised agent process.
type WorkerStatus string

const (
	WorkerIdle       WorkerStatus = "IDLE"
	WorkerRunning    WorkerStatus = "RUNNING"
	WorkerPaused     WorkerStatus = "PAUSED"
	WorkerCompleted  WorkerStatus = "COMPLETED"
	WorkerFailed     WorkerStatus = "FAILED"
	WorkerTerminated WorkerStatus = "TERMINATED"
)

// JobStatus is the lifecycle state of a unit of work.
type JobStatus string

const (
	JobSubmitted JobStatus = "SUBMITTED"
	JobPending   JobStatus = "PENDING"
	JobRunning   JobStatus = "RUNNING"
	JobCompleted JobStatus = "COMPLETED"
	JobFailed    JobStatus = "FAILED"
	JobCancelled JobStatus = "CANCELLED"
)

// TerminalWorkerStatus reports whether a worker status is terminal.
// Terminated workers are archived, never reused.
func TerminalWorkerStatus(s WorkerStatus) bool {
	switch s {
	case WorkerCompleted, WorkerFailed, WorkerTerminated:
		return true
	default:
		return false
	}
}

// TerminalJobStatus reports whether a job status is terminal.
func TerminalJobStatus(s JobStatus) bool {
	switch s {
	case JobCompleted, JobFailed, JobCancelled:
		return true
	default:
		return false
	}
}

// Worker is one supervised agent instance. Exactly one live OS process
// exists per live worker.
type Worker struct {
	ID        string       `gorm:"primaryKey" json:"id"`
	Workspace string       `json:"workspace"`
	Status    WorkerStatus `gorm:"index" json:"status"`
	JobID     *string      `gorm:"index" json:"job_id,omitempty"`
	PID       int          `json:"pid,omitempty"`
	CreatedAt time.Time    `json:"created_at"`
	UpdatedAt time.Time    `json:"updated_at"`
}

// Job is a unit of work, possibly decomposed into child jobs at depth+1.
type Job struct {
	ID          string    `gorm:"primaryKey" json:"id"`
	Depth       int       `gorm:"index" json:"depth"`
	ParentID    *string   `gorm:"index" json:"parent_id,omitempty"`
	Status      JobStatus `gorm:"index" json:"status"`
	WorkerCount int       `json:"worker_count"`
	Task        string    `json:"task"`
	CreatedAt   time.Time `json:"created_at"`
	UpdatedAt   time.Time `json:"updated_at"`
}

// Allocation records quota consumption at one recursion depth.
// A nil ReleasedAt means the allocation is live and counts against quota.
type Allocation struct {
	ID          string     `gorm:"primaryKey" json:"id"`
	JobID       string     `gorm:"index" json:"job_id"`
	Depth       int        `gorm:"index" json:"depth"`
	Workers     int        `json:"workers"`
	AllocatedAt time.Time  `json:"allocated_at"`
	ReleasedAt  *time.Time `json:"released_at,omitempty"`
}

// Entity kinds recorded on state transitions.
const (
	EntityWorker = "worker"
	EntityJob    = "job"
)

// StateTransition is an append-only audit record. Rows are never updated
// or deleted; they are the source of truth for what happened when.
type StateTransition struct {
	Seq      uint      `gorm:"primaryKey;autoIncrement" json:"seq"`
	Entity   string    `gorm:"index:idx_transition_entity" json:"entity"`
	EntityID string    `gorm:"index:idx_transition_entity" json:"entity_id"`
	From     string    `json:"from"`
	To       string    `json:"to"`
	Reason   string    `json:"reason"`
	At       time.Time `json:"at"`
}

// IdempotencyKey records a mutating operation so retries with the same
// key replay the recorded outcome instead of re-executing.
type IdempotencyKey struct {
	Key       string    `gorm:"primaryKey" json:"key"`
	Operation string    `json:"operation"`
	Outcome   []byte    `json:"outcome,omitempty"`
	Completed bool      `json:"completed"`
	CreatedAt time.Time `json:"created_at"`
}
