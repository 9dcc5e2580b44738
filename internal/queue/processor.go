package queue

import (
	"context"
	"sync"
	"time"

	"loom/internal/async"
	"loom/internal/errs"
	"loom/internal/executor"
	"loom/internal/logging"
	"loom/internal/metrics"
)

// ProcessorConfig tunes the worker pool that drains a queue.
type ProcessorConfig struct {
	Worker            string
	BaseConcurrency   int
	ClaimBatch        int
	PollInterval      time.Duration
	NackBackoff       time.Duration
	ShutdownGrace     time.Duration
	HeartbeatInterval time.Duration
}

// Processor is the claim→execute→ack/nack worker pool. Its effective
// concurrency follows the backpressure multiplier; slots freed by a lowered
// multiplier are simply not refilled. On shutdown it finishes in-flight jobs
// within the grace window and leaves the rest to the sweeper.
type Processor struct {
	cfg      ProcessorConfig
	queue    *Queue
	registry *executor.Registry
	bp       *BackpressureManager
	mets     *metrics.Set
	log      logging.Logger

	mu       sync.Mutex
	inFlight int
	done     chan struct{} // closed when the last in-flight job finishes
}

func NewProcessor(cfg ProcessorConfig, q *Queue, registry *executor.Registry, bp *BackpressureManager, mets *metrics.Set, log logging.Logger) *Processor {
	if cfg.BaseConcurrency <= 0 {
		cfg.BaseConcurrency = 8
	}
	if cfg.ClaimBatch <= 0 {
		cfg.ClaimBatch = cfg.BaseConcurrency
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 100 * time.Millisecond
	}
	if cfg.HeartbeatInterval <= 0 {
		cfg.HeartbeatInterval = 20 * time.Second
	}
	return &Processor{
		cfg:      cfg,
		queue:    q,
		registry: registry,
		bp:       bp,
		mets:     mets,
		log:      logging.OrNop(log),
	}
}

// Run drains the queue until ctx is cancelled, then waits out in-flight work
// up to the shutdown grace.
func (p *Processor) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return p.drain()
		default:
		}

		claimed, err := p.claimAndLaunch(ctx)
		if err != nil && ctx.Err() == nil {
			p.log.Error("processor %s: %v", p.cfg.Worker, err)
		}
		if claimed > 0 {
			continue
		}
		select {
		case <-ctx.Done():
			return p.drain()
		case <-time.After(p.cfg.PollInterval):
		}
	}
}

func (p *Processor) claimAndLaunch(ctx context.Context) (int, error) {
	effective := p.cfg.BaseConcurrency
	if p.bp != nil {
		effective = p.bp.Concurrency(p.cfg.BaseConcurrency)
	}
	p.mets.WorkerSlots.Set(float64(effective))

	p.mu.Lock()
	free := effective - p.inFlight
	p.mu.Unlock()
	if free <= 0 {
		return 0, nil
	}
	if free > p.cfg.ClaimBatch {
		free = p.cfg.ClaimBatch
	}

	jobs, err := p.queue.Claim(ctx, p.cfg.Worker, free)
	if err != nil || len(jobs) == 0 {
		return 0, err
	}

	for _, job := range jobs {
		p.track(1)
		async.Go(p.log, "job "+job.ID, func() {
			defer p.track(-1)
			p.execute(ctx, job)
		})
	}
	return len(jobs), nil
}

func (p *Processor) track(delta int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.inFlight += delta
	if p.inFlight == 0 && p.done != nil {
		close(p.done)
		p.done = nil
	}
}

// drain blocks until in-flight jobs finish or the grace window closes.
func (p *Processor) drain() error {
	p.mu.Lock()
	if p.inFlight == 0 {
		p.mu.Unlock()
		return nil
	}
	waiting := p.inFlight
	done := make(chan struct{})
	p.done = done
	p.mu.Unlock()

	p.log.Info("processor %s: draining %d in-flight jobs", p.cfg.Worker, waiting)
	select {
	case <-done:
		return nil
	case <-time.After(p.cfg.ShutdownGrace):
		p.log.Warn("processor %s: grace expired, leaving leases to the sweeper", p.cfg.Worker)
		return nil
	}
}

// execute runs one claimed job to ack or nack.
func (p *Processor) execute(ctx context.Context, job *Job) {
	exec, err := p.registry.Lookup(job.ExecutorName, "")
	if err != nil {
		// Nothing registered can ever run this job.
		cause := errs.Wrap(errs.KindFatal, err, "executor %q", job.ExecutorName)
		if nerr := p.queue.Nack(ctx, job, p.cfg.Worker, cause, 0); nerr != nil {
			p.log.Error("nack job %s: %v", job.ID, nerr)
		}
		return
	}

	ec := &executor.Context{
		Payload: job.Payload,
		Logger:  p.log,
		Progress: func(percent int, message string) {
			p.log.Debug("job %s: %d%% %s", job.ID, percent, message)
		},
	}

	started := time.Now()
	results := make(chan executor.Result, 1)
	async.Go(p.log, "executor "+job.ExecutorName, func() {
		results <- exec.Execute(ctx, ec)
	})

	// Jobs outrunning the claim lease renew it so the sweeper leaves them
	// alone.
	hb := time.NewTicker(p.cfg.HeartbeatInterval)
	defer hb.Stop()

	var result executor.Result
wait:
	for {
		select {
		case result = <-results:
			break wait
		case <-hb.C:
			if err := p.queue.Heartbeat(ctx, job.ID, p.cfg.Worker, p.queue.ClaimTimeout()); err != nil {
				p.log.Warn("heartbeat job %s: %v", job.ID, err)
			}
		}
	}
	p.mets.JobDuration.Observe(time.Since(started).Seconds())

	if result.Success {
		if err := p.queue.Ack(ctx, job.ID, p.cfg.Worker, result.Data); err != nil {
			p.log.Error("ack job %s: %v", job.ID, err)
		}
		return
	}

	cause := errs.New(errs.KindExecutor, "%s", result.Error)
	if err := p.queue.Nack(ctx, job, p.cfg.Worker, cause, p.cfg.NackBackoff); err != nil {
		p.log.Error("nack job %s: %v", job.ID, err)
	}
}
