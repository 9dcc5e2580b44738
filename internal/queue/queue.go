package queue

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"loom/internal/async"
	"loom/internal/errs"
	"loom/internal/logging"
	"loom/internal/metrics"
)

// Options tunes one Queue facade.
type Options struct {
	Name          string
	SweepInterval time.Duration
	ClaimTimeout  time.Duration
	MaxAttempts   int
	MirrorLimit   int
}

// Queue fronts the durable Repo for one named queue. It owns the in-memory
// mirror the backpressure stream fills; the mirror is a cache only — claims
// always go through the store CAS, so a job mirrored on two nodes is still
// executed under at-least-once semantics.
type Queue struct {
	opts Options
	repo Repo
	mets *metrics.Set
	log  logging.Logger

	mu     sync.Mutex
	mirror []*Job
	// Soft producer signal set by the backpressure manager.
	limited bool
}

func New(opts Options, repo Repo, mets *metrics.Set, log logging.Logger) *Queue {
	if opts.Name == "" {
		opts.Name = "default"
	}
	if opts.MaxAttempts <= 0 {
		opts.MaxAttempts = 3
	}
	if opts.ClaimTimeout <= 0 {
		opts.ClaimTimeout = time.Minute
	}
	if opts.MirrorLimit <= 0 {
		opts.MirrorLimit = 1000
	}
	return &Queue{opts: opts, repo: repo, mets: mets, log: logging.OrNop(log)}
}

// Name returns the queue's name.
func (q *Queue) Name() string { return q.opts.Name }

// ClaimTimeout returns the lease length claims are taken with.
func (q *Queue) ClaimTimeout() time.Duration { return q.opts.ClaimTimeout }

// Enqueue persists a job. Enqueueing is never hard-refused under load; the
// soft limit is surfaced to the caller through Limited so producers can slow
// down voluntarily.
func (q *Queue) Enqueue(ctx context.Context, job *Job) error {
	if job.ID == "" {
		job.ID = uuid.NewString()
	}
	job.QueueName = q.opts.Name
	if job.MaxAttempts <= 0 {
		job.MaxAttempts = q.opts.MaxAttempts
	}
	if err := q.repo.Enqueue(ctx, job); err != nil {
		return err
	}
	q.mets.JobsEnqueued.Inc()
	return nil
}

// Limited reports whether backpressure has asked producers to slow down.
func (q *Queue) Limited() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.limited
}

// SetLimited flips the soft producer signal.
func (q *Queue) SetLimited(limited bool) {
	q.mu.Lock()
	q.limited = limited
	q.mu.Unlock()
}

// Fill streams up to batch ready jobs from the store into the mirror.
// Duplicate IDs already mirrored are dropped.
func (q *Queue) Fill(ctx context.Context, batch int) (int, error) {
	jobs, err := q.repo.ListReady(ctx, q.opts.Name, batch)
	if err != nil {
		return 0, err
	}

	q.mu.Lock()
	defer q.mu.Unlock()
	seen := make(map[string]bool, len(q.mirror))
	for _, job := range q.mirror {
		seen[job.ID] = true
	}
	added := 0
	for _, job := range jobs {
		if seen[job.ID] || len(q.mirror) >= q.opts.MirrorLimit {
			continue
		}
		q.mirror = append(q.mirror, job)
		added++
	}
	sort.Slice(q.mirror, func(i, j int) bool {
		if q.mirror[i].Priority != q.mirror[j].Priority {
			return q.mirror[i].Priority > q.mirror[j].Priority
		}
		return q.mirror[i].CreatedAt.Before(q.mirror[j].CreatedAt)
	})
	return added, nil
}

// MirrorLen reports how many jobs sit in the mirror.
func (q *Queue) MirrorLen() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.mirror)
}

// Claim hands worker up to n jobs. Mirrored candidates are tried first via
// the store CAS; mirror losers are discarded. When the mirror cannot satisfy
// the request the store is asked directly.
func (q *Queue) Claim(ctx context.Context, worker string, n int) ([]*Job, error) {
	candidates := q.takeMirrored(n)
	claimed := make([]*Job, 0, n)
	if len(candidates) > 0 {
		ids := make([]string, len(candidates))
		for i, job := range candidates {
			ids[i] = job.ID
		}
		won, err := q.repo.Claim(ctx, q.opts.Name, worker, ids, q.opts.ClaimTimeout)
		if err != nil {
			return nil, err
		}
		claimed = append(claimed, won...)
	}

	if len(claimed) < n {
		more, err := q.repo.ClaimNext(ctx, q.opts.Name, worker, n-len(claimed), q.opts.ClaimTimeout)
		if err != nil {
			return claimed, err
		}
		claimed = append(claimed, more...)
	}
	return claimed, nil
}

func (q *Queue) takeMirrored(n int) []*Job {
	q.mu.Lock()
	defer q.mu.Unlock()
	if n > len(q.mirror) {
		n = len(q.mirror)
	}
	taken := q.mirror[:n]
	q.mirror = q.mirror[n:]
	return taken
}

// Ack archives a successfully executed job.
func (q *Queue) Ack(ctx context.Context, id, worker string, result map[string]any) error {
	if err := q.repo.Ack(ctx, id, worker, result); err != nil {
		return err
	}
	q.mets.JobsAcked.Inc()
	return nil
}

// Nack records a failure; retryable errors with budget left go back on the
// delayed shelf.
func (q *Queue) Nack(ctx context.Context, job *Job, worker string, cause error, backoff time.Duration) error {
	retryable := errs.IsRetryable(cause)
	if err := q.repo.Nack(ctx, job.ID, worker, cause.Error(), retryable, backoff); err != nil {
		return err
	}
	disposition := "archived"
	if retryable && job.Attempts < job.MaxAttempts {
		disposition = "retried"
	}
	q.mets.JobsNacked.WithLabelValues(disposition).Inc()
	return nil
}

// Heartbeat extends worker's lease on a job.
func (q *Queue) Heartbeat(ctx context.Context, id, worker string, extension time.Duration) error {
	return q.repo.Heartbeat(ctx, id, worker, extension)
}

// Depth reports the durable depth; the mirror never counts.
func (q *Queue) Depth(ctx context.Context) (Depth, error) {
	depth, err := q.repo.Depth(ctx, q.opts.Name)
	if err != nil {
		return Depth{}, err
	}
	q.mets.QueueDepth.WithLabelValues("waiting").Set(float64(depth.Waiting))
	q.mets.QueueDepth.WithLabelValues("executing").Set(float64(depth.Executing))
	q.mets.QueueDepth.WithLabelValues("delayed").Set(float64(depth.Delayed))
	q.mets.QueueDepth.WithLabelValues("paused").Set(float64(depth.Paused))
	return depth, nil
}

// RunSweeper reclaims expired leases until ctx is cancelled.
func (q *Queue) RunSweeper(ctx context.Context) {
	ticker := time.NewTicker(q.opts.SweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			n, err := q.repo.Sweep(ctx, q.opts.Name)
			if err != nil {
				if ctx.Err() == nil {
					q.log.Error("queue %s: sweep: %v", q.opts.Name, err)
				}
				continue
			}
			if n > 0 {
				q.mets.JobsSwept.Add(float64(n))
				q.log.Warn("queue %s: reclaimed %d expired jobs", q.opts.Name, n)
			}
		}
	}
}

// StartSweeper launches RunSweeper on a guarded goroutine.
func (q *Queue) StartSweeper(ctx context.Context) {
	async.Go(q.log, "queue-sweeper "+q.opts.Name, func() { q.RunSweeper(ctx) })
}
