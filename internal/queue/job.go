// Package queue implements the durable job queue: a persistent store fronted
// by an in-memory mirror, watermark-driven backpressure, and the worker pool
// that drains it.
package queue

import (
	"context"
	"time"
)

// JobStatus is the lifecycle state of a queue job.
type JobStatus string

const (
	JobWaiting   JobStatus = "waiting"
	JobExecuting JobStatus = "executing"
	JobDelayed   JobStatus = "delayed"
	JobPaused    JobStatus = "paused"
	JobSucceeded JobStatus = "succeeded"
	JobFailed    JobStatus = "failed"
)

// Job is a unit of work in the durable queue, separate from workflow task
// nodes. Terminal jobs migrate to the success or failure archive and leave
// the live table.
type Job struct {
	ID           string         `json:"id"`
	QueueName    string         `json:"queue_name"`
	GroupID      string         `json:"group_id,omitempty"`
	JobName      string         `json:"job_name"`
	ExecutorName string         `json:"executor_name"`
	Payload      map[string]any `json:"payload,omitempty"`
	Result       map[string]any `json:"result,omitempty"`
	Status       JobStatus      `json:"status"`
	Priority     int            `json:"priority"`
	Attempts     int            `json:"attempts"`
	MaxAttempts  int            `json:"max_attempts"`
	DelayUntil   time.Time      `json:"delay_until,omitempty"`
	LockedAt     time.Time      `json:"locked_at,omitempty"`
	LockedBy     string         `json:"locked_by,omitempty"`
	LockedUntil  time.Time      `json:"locked_until,omitempty"`
	Error        string         `json:"error,omitempty"`
	CreatedAt    time.Time      `json:"created_at"`
	UpdatedAt    time.Time      `json:"updated_at"`
	StartedAt    time.Time      `json:"started_at,omitempty"`
	FailedAt     time.Time      `json:"failed_at,omitempty"`
}

// GroupStatus gates whether a group's jobs may be claimed.
type GroupStatus string

const (
	GroupActive GroupStatus = "active"
	GroupPaused GroupStatus = "paused"
)

// Group is a logical bundle of jobs with aggregate accounting.
type Group struct {
	ID            string      `json:"id"`
	QueueName     string      `json:"queue_name"`
	GroupID       string      `json:"group_id"`
	Status        GroupStatus `json:"status"`
	TotalJobs     int         `json:"total_jobs"`
	CompletedJobs int         `json:"completed_jobs"`
	FailedJobs    int         `json:"failed_jobs"`
}

// Depth is a point-in-time count of the live shelves plus archives.
type Depth struct {
	Waiting   int `json:"waiting"`
	Executing int `json:"executing"`
	Delayed   int `json:"delayed"`
	Paused    int `json:"paused"`
	Archived  struct {
		Success int `json:"success"`
		Failed  int `json:"failed"`
	} `json:"archived"`
}

// Live returns the number of jobs still in the live table.
func (d Depth) Live() int {
	return d.Waiting + d.Executing + d.Delayed + d.Paused
}

// Repo is the durable store behind a queue. Enqueue, claim and ack/nack are
// each a single transaction in the implementation.
type Repo interface {
	// Enqueue persists a job in waiting, or delayed when DelayUntil is in
	// the future. Group accounting is updated in the same transaction.
	Enqueue(ctx context.Context, job *Job) error
	// ListReady returns up to limit claimable jobs: waiting, delay elapsed,
	// group not paused; ordered by (priority desc, created_at asc).
	ListReady(ctx context.Context, queueName string, limit int) ([]*Job, error)
	// Claim atomically moves the given jobs to executing for worker with a
	// lease of timeout, returning only the jobs whose CAS won. Jobs claimed
	// by someone else in the meantime are silently dropped from the result.
	Claim(ctx context.Context, queueName, worker string, ids []string, timeout time.Duration) ([]*Job, error)
	// ClaimNext combines ListReady and Claim for callers without a mirror.
	ClaimNext(ctx context.Context, queueName, worker string, n int, timeout time.Duration) ([]*Job, error)
	// Ack moves an executing job owned by worker to the success archive.
	Ack(ctx context.Context, id, worker string, result map[string]any) error
	// Nack records a failure. Retryable failures with attempts budget left
	// return to waiting with DelayUntil = now + backoff; otherwise the job
	// moves to the failure archive.
	Nack(ctx context.Context, id, worker, reason string, retryable bool, backoff time.Duration) error
	// Heartbeat extends the lease iff worker still holds the job.
	Heartbeat(ctx context.Context, id, worker string, extension time.Duration) error
	// Sweep reclaims executing jobs whose lease expired back to waiting,
	// returning how many were reclaimed. The interrupted attempt stays
	// counted; the next claim starts a fresh one.
	Sweep(ctx context.Context, queueName string) (int, error)
	// Depth counts the live shelves and archives.
	Depth(ctx context.Context, queueName string) (Depth, error)
	// Group administration.
	GetGroup(ctx context.Context, queueName, groupID string) (*Group, error)
	SetGroupStatus(ctx context.Context, queueName, groupID string, status GroupStatus) error
	// Archives, newest first.
	ListArchivedSuccesses(ctx context.Context, queueName string, limit int) ([]*Job, error)
	ListArchivedFailures(ctx context.Context, queueName string, limit int) ([]*Job, error)
}
