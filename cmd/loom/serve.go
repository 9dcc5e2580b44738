package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"loom/internal/config"
	"loom/internal/engine"
	"loom/internal/executor"
	"loom/internal/logging"
	"loom/internal/metrics"
	"loom/internal/ops"
	"loom/internal/queue"
	"loom/internal/scheduler"
	"loom/internal/store"
	"loom/internal/store/memstore"
	"loom/internal/store/postgres"
	"loom/internal/workflow"
)

// storeDriver is the accessor set both store implementations provide.
type storeDriver interface {
	Stores() store.Stores
	Schedules() scheduler.Repo
	Executions() scheduler.ExecutionRepo
	Queue() queue.Repo
}

func newServeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the engine, scheduler, queue processor and ops server",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.Load(configPath)
			if err != nil {
				return err
			}
			return serve(cfg)
		},
	}
}

func serve(cfg config.Config) error {
	logging.SetLevel(cfg.LogLevel)
	log := logging.NewComponentLogger("loom")

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	var drv storeDriver
	switch cfg.Store.Driver {
	case "postgres":
		pg, err := postgres.Open(ctx, cfg.Store.DSN, logging.NewComponentLogger("store"))
		if err != nil {
			return err
		}
		defer pg.Close()
		if err := pg.Migrate(ctx); err != nil {
			return err
		}
		drv = pg
	default:
		drv = memstore.New()
		log.Warn("using the in-memory store; state is lost on restart")
	}

	mets := metrics.New(prometheus.DefaultRegisterer)
	registry := executor.NewRegistry(logging.NewComponentLogger("registry"))

	manager, err := engine.NewManager(drv.Stores(), engine.ManagerOptions{
		LeaseTTL:          cfg.Engine.LeaseTTL,
		HeartbeatInterval: cfg.Engine.HeartbeatInterval,
		DefinitionCache:   cfg.Engine.DefinitionCache,
		Registry:          registry,
	}, mets, logging.NewComponentLogger("engine"))
	if err != nil {
		return err
	}
	resolver := engine.NewResolver(drv.Stores().Nodes, logging.NewComponentLogger("resolver"))
	trans := engine.NewTransitions(drv.Stores(), manager.EngineID(), engine.RetryPolicy{
		Base:       cfg.Engine.RetryBase,
		Multiplier: cfg.Engine.RetryMultiplier,
		Max:        cfg.Engine.RetryMax,
	}, logging.NewComponentLogger("transitions"))
	dispatcher := engine.NewDispatcher(engine.DispatcherConfig{
		Concurrency:       cfg.Engine.Concurrency,
		IdleTick:          cfg.Engine.IdleTick,
		BusyTick:          cfg.Engine.BusyTick,
		ScanLimit:         cfg.Engine.ScanLimit,
		GracePeriod:       cfg.Engine.GracePeriod,
		HeartbeatInterval: cfg.Engine.HeartbeatInterval,
	}, manager, resolver, trans, registry, drv.Stores(), mets, logging.NewComponentLogger("dispatcher"))

	q := queue.New(queue.Options{
		Name:          cfg.Queue.Name,
		SweepInterval: cfg.Queue.SweepInterval,
		ClaimTimeout:  cfg.Queue.ClaimTimeout,
		MaxAttempts:   cfg.Queue.MaxAttempts,
	}, drv.Queue(), mets, logging.NewComponentLogger("queue"))

	marks := queue.Watermarks{
		Low:      cfg.Backpressure.LowWatermark,
		Normal:   cfg.Backpressure.NormalWatermark,
		High:     cfg.Backpressure.HighWatermark,
		Critical: cfg.Backpressure.CriticalWatermark,
	}
	// A band change must survive two scans before it commits.
	monitor := queue.NewMonitor(marks, 2*cfg.Backpressure.ScanInterval, mets, logging.NewComponentLogger("watermark"))
	bp := queue.NewBackpressureManager(queue.BackpressureConfig{
		ScanInterval:       cfg.Backpressure.ScanInterval,
		AdjustmentInterval: cfg.Backpressure.AdjustmentInterval,
		StreamCooldown:     cfg.Backpressure.StreamCooldown,
		MinStreamDuration:  cfg.Backpressure.MinStreamDuration,
		StopStreamDelay:    cfg.Backpressure.StopStreamDelay,
		StreamBatch:        cfg.Backpressure.StreamBatch,
		HighMultiplier:     cfg.Backpressure.HighMultiplier,
		CriticalMultiplier: cfg.Backpressure.CriticalMultiplier,
	}, q, monitor, mets, logging.NewComponentLogger("backpressure"))
	processor := queue.NewProcessor(queue.ProcessorConfig{
		Worker:            manager.EngineID(),
		BaseConcurrency:   cfg.Queue.BaseConcurrency,
		ClaimBatch:        cfg.Queue.ClaimBatch,
		NackBackoff:       cfg.Queue.NackBackoff,
		ShutdownGrace:     cfg.Queue.ShutdownGrace,
		HeartbeatInterval: cfg.Queue.ClaimTimeout / 3,
	}, q, registry, bp, mets, logging.NewComponentLogger("processor"))

	launch := &launcher{queue: q, manager: manager, mets: mets, log: logging.NewComponentLogger("launcher")}
	sched := scheduler.New(scheduler.Config{
		Enabled:          cfg.Scheduler.Enabled,
		MaxConcurrency:   cfg.Scheduler.MaxConcurrency,
		RecoveryInterval: cfg.Scheduler.RecoveryInterval,
		DeferDelay:       cfg.Scheduler.DeferDelay,
	}, drv.Schedules(), drv.Executions(), launch, logging.NewComponentLogger("scheduler"))

	opsServer := ops.NewServer(cfg.Ops.Addr, func(ctx context.Context) (queue.Health, error) {
		return queue.Healthcheck(ctx, q, monitor, bp, cfg.Queue.BaseConcurrency)
	}, logging.NewComponentLogger("ops"))

	log.Info("engine %s starting (store=%s, queue=%s)", manager.EngineID(), cfg.Store.Driver, cfg.Queue.Name)

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error { return dispatcher.Run(ctx) })
	g.Go(func() error { manager.RunHeartbeats(ctx); return nil })
	g.Go(func() error { return processor.Run(ctx) })
	g.Go(func() error { bp.Run(ctx); return nil })
	g.Go(func() error { q.RunSweeper(ctx); return nil })
	g.Go(func() error { return opsServer.Run(ctx) })

	if err := sched.Start(ctx); err != nil {
		stop()
		_ = g.Wait()
		return err
	}
	g.Go(func() error {
		<-sched.Done()
		return nil
	})

	err = g.Wait()
	log.Info("engine %s stopped", manager.EngineID())
	return err
}

// launcher routes schedule firings: executor-shaped schedules become queue
// jobs, definition-shaped ones become workflow instances.
type launcher struct {
	queue   *queue.Queue
	manager *engine.Manager
	mets    *metrics.Set
	log     logging.Logger
}

func (l *launcher) EnqueueJob(ctx context.Context, schedule scheduler.Schedule) error {
	if l.queue.Limited() {
		l.log.Warn("queue is limited; enqueueing scheduled job %q anyway", schedule.Name)
	}
	err := l.queue.Enqueue(ctx, &queue.Job{
		JobName:      schedule.Name,
		ExecutorName: schedule.ExecutorName,
		Payload:      schedule.InputData,
	})
	l.record(err)
	return err
}

func (l *launcher) StartWorkflow(ctx context.Context, schedule scheduler.Schedule) error {
	_, err := l.manager.CreateInstance(ctx, schedule.WorkflowDefinition, 0, workflow.InstanceOptions{
		Input:       schedule.InputData,
		Context:     schedule.ContextData,
		BusinessKey: schedule.BusinessKey,
		MutexKey:    schedule.MutexKey,
	})
	l.record(err)
	return err
}

func (l *launcher) record(err error) {
	status := "success"
	if err != nil {
		status = "failed"
	}
	l.mets.ScheduleFires.WithLabelValues(status).Inc()
}
