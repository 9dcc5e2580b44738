package queue

import (
	"sync"
	"time"

	"loom/internal/logging"
	"loom/internal/metrics"
)

// Band is the discrete classification of queue depth.
type Band int

const (
	BandEmpty Band = iota
	BandLow
	BandNormal
	BandHigh
	BandCritical
)

func (b Band) String() string {
	switch b {
	case BandEmpty:
		return "empty"
	case BandLow:
		return "low"
	case BandNormal:
		return "normal"
	case BandHigh:
		return "high"
	case BandCritical:
		return "critical"
	default:
		return "unknown"
	}
}

// Watermarks are the band boundaries, low < normal < high < critical.
type Watermarks struct {
	Low      int
	Normal   int
	High     int
	Critical int
}

// Classify maps a queue length to its band. The high band spans
// (normal, critical]; the High threshold is where the soft producer signal
// asserts, not a band edge.
func (w Watermarks) Classify(length int) Band {
	switch {
	case length == 0:
		return BandEmpty
	case length <= w.Low:
		return BandLow
	case length <= w.Normal:
		return BandNormal
	case length <= w.Critical:
		return BandHigh
	default:
		return BandCritical
	}
}

// Monitor classifies observed queue lengths into bands and emits a change
// event only after the new band has held for the debounce window, so a depth
// oscillating around a boundary does not flap.
type Monitor struct {
	marks    Watermarks
	debounce time.Duration
	mets     *metrics.Set
	log      logging.Logger
	now      func() time.Time

	mu           sync.Mutex
	current      Band
	pending      Band
	pendingSince time.Time
	subscribers  []func(from, to Band)
}

func NewMonitor(marks Watermarks, debounce time.Duration, mets *metrics.Set, log logging.Logger) *Monitor {
	return &Monitor{
		marks:    marks,
		debounce: debounce,
		mets:     mets,
		log:      logging.OrNop(log),
		now:      func() time.Time { return time.Now().UTC() },
		current:  BandEmpty,
		pending:  BandEmpty,
	}
}

// SetClock injects a deterministic clock. Test use only.
func (m *Monitor) SetClock(now func() time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.now = now
}

// OnChange registers a transition callback. Callbacks run synchronously
// inside Observe, in registration order.
func (m *Monitor) OnChange(fn func(from, to Band)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.subscribers = append(m.subscribers, fn)
}

// Band returns the committed band.
func (m *Monitor) Band() Band {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.current
}

// Observe feeds one depth sample and returns the committed band after
// debouncing.
func (m *Monitor) Observe(length int) Band {
	m.mu.Lock()
	defer m.mu.Unlock()

	band := m.marks.Classify(length)
	now := m.now()

	if band == m.current {
		m.pending = band
		m.pendingSince = time.Time{}
		return m.current
	}
	if band != m.pending {
		m.pending = band
		m.pendingSince = now
	}
	if m.debounce > 0 && now.Sub(m.pendingSince) < m.debounce {
		return m.current
	}

	from := m.current
	m.current = band
	m.pending = band
	m.pendingSince = time.Time{}
	m.mets.Watermark.Set(float64(band))
	m.log.Info("queue depth band %s -> %s (length %d)", from, band, length)
	for _, fn := range m.subscribers {
		fn(from, band)
	}
	return m.current
}
