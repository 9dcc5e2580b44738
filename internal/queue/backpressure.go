package queue

import (
	"context"
	"math"
	"sync"
	"time"

	"loom/internal/logging"
	"loom/internal/metrics"
)

// BackpressureConfig tunes stream hysteresis and concurrency scaling.
type BackpressureConfig struct {
	ScanInterval       time.Duration
	AdjustmentInterval time.Duration
	StreamCooldown     time.Duration
	MinStreamDuration  time.Duration
	StopStreamDelay    time.Duration
	StreamBatch        int
	HighMultiplier     float64
	CriticalMultiplier float64
}

// BackpressureManager owns the store-to-memory stream and the dynamic
// concurrency multiplier. Start and stop use different thresholds and
// mandatory delays so the stream cannot oscillate:
//
//	start: band empty or low, no active stream, cooldown since last stop.
//	stop:  band high or critical held for StopStreamDelay, and the stream
//	       has been running at least MinStreamDuration.
type BackpressureManager struct {
	cfg     BackpressureConfig
	queue   *Queue
	monitor *Monitor
	mets    *metrics.Set
	log     logging.Logger
	now     func() time.Time

	mu            sync.Mutex
	streamActive  bool
	streamStarted time.Time
	streamStopped time.Time
	stopHeldSince time.Time
	multiplier    float64
	lastAdjust    time.Time
	limited       bool
	limitedMark   time.Time
}

func NewBackpressureManager(cfg BackpressureConfig, q *Queue, monitor *Monitor, mets *metrics.Set, log logging.Logger) *BackpressureManager {
	if cfg.StreamBatch <= 0 {
		cfg.StreamBatch = 100
	}
	return &BackpressureManager{
		cfg:        cfg,
		queue:      q,
		monitor:    monitor,
		mets:       mets,
		log:        logging.OrNop(log),
		now:        func() time.Time { return time.Now().UTC() },
		multiplier: 1.0,
	}
}

// Run scans at ScanInterval until ctx is cancelled.
func (b *BackpressureManager) Run(ctx context.Context) {
	ticker := time.NewTicker(b.cfg.ScanInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := b.Step(ctx); err != nil && ctx.Err() == nil {
				b.log.Error("backpressure step: %v", err)
			}
		}
	}
}

// Step performs one scan over the current mirror depth.
func (b *BackpressureManager) Step(ctx context.Context) error {
	return b.Evaluate(ctx, b.queue.MirrorLen())
}

// Evaluate observes one depth sample, applies the hysteresis rules, feeds the
// stream and adjusts concurrency.
func (b *BackpressureManager) Evaluate(ctx context.Context, length int) error {
	band := b.monitor.Observe(length)
	now := b.now()

	b.mu.Lock()
	b.applyStreamRules(band, now)
	b.applyMultiplier(band, now)
	b.accountLimited(band >= BandHigh, now)
	active := b.streamActive
	b.mu.Unlock()

	// Soft producer signal: asserted from high upward.
	b.queue.SetLimited(band >= BandHigh)

	if active {
		if _, err := b.queue.Fill(ctx, b.cfg.StreamBatch); err != nil {
			return err
		}
	}
	return nil
}

func (b *BackpressureManager) applyStreamRules(band Band, now time.Time) {
	if band >= BandHigh {
		if b.stopHeldSince.IsZero() {
			b.stopHeldSince = now
		}
	} else {
		b.stopHeldSince = time.Time{}
	}

	if b.streamActive {
		if band >= BandHigh &&
			now.Sub(b.streamStarted) >= b.cfg.MinStreamDuration &&
			now.Sub(b.stopHeldSince) >= b.cfg.StopStreamDelay {
			b.streamActive = false
			b.streamStopped = now
			b.mets.StreamActive.Set(0)
			b.log.Info("stream stopped at band %s", band)
		}
		return
	}

	if band <= BandLow && (b.streamStopped.IsZero() || now.Sub(b.streamStopped) >= b.cfg.StreamCooldown) {
		b.streamActive = true
		b.streamStarted = now
		b.mets.StreamActive.Set(1)
		b.log.Info("stream started at band %s", band)
	}
}

// accountLimited tracks entries into the limited state and the time spent
// there. Active time accrues sample by sample so a long episode is visible
// before it ends.
func (b *BackpressureManager) accountLimited(limited bool, now time.Time) {
	switch {
	case limited && !b.limited:
		b.limited = true
		b.mets.BackpressureActivations.Inc()
	case limited:
		b.mets.BackpressureSeconds.Add(now.Sub(b.limitedMark).Seconds())
	case b.limited:
		b.limited = false
		b.mets.BackpressureSeconds.Add(now.Sub(b.limitedMark).Seconds())
	default:
		return
	}
	b.limitedMark = now
}

func (b *BackpressureManager) applyMultiplier(band Band, now time.Time) {
	if !b.lastAdjust.IsZero() && now.Sub(b.lastAdjust) < b.cfg.AdjustmentInterval {
		return
	}

	target := 1.0
	switch band {
	case BandHigh:
		target = b.cfg.HighMultiplier
	case BandCritical:
		target = b.cfg.CriticalMultiplier
	}
	if target != b.multiplier {
		b.log.Info("concurrency multiplier %.2f -> %.2f (band %s)", b.multiplier, target, band)
	}
	b.multiplier = target
	b.lastAdjust = now
}

// SetClock injects a deterministic clock. Test use only.
func (b *BackpressureManager) SetClock(now func() time.Time) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.now = now
}

// StreamActive reports whether the hydration stream is running.
func (b *BackpressureManager) StreamActive() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.streamActive
}

// Multiplier returns the current concurrency multiplier.
func (b *BackpressureManager) Multiplier() float64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.multiplier
}

// Concurrency scales base by the current multiplier, never below one worker.
func (b *BackpressureManager) Concurrency(base int) int {
	scaled := int(math.Floor(float64(base) * b.Multiplier()))
	if scaled < 1 {
		return 1
	}
	return scaled
}
