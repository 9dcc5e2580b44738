package queue

import (
	"context"
	"fmt"
)

// Health is the per-queue operational snapshot.
type Health struct {
	OverallStatus   string            `json:"overallStatus"`
	ComponentStatus map[string]string `json:"componentStatus"`
	HealthScore     int               `json:"healthScore"`
	Warnings        []string          `json:"warnings,omitempty"`
	Errors          []string          `json:"errors,omitempty"`
	Depth           Depth             `json:"depth"`
	Band            string            `json:"band"`
}

const (
	statusHealthy   = "healthy"
	statusDegraded  = "degraded"
	statusUnhealthy = "unhealthy"
)

// Healthcheck assembles the health snapshot for one queue from its depth,
// watermark band and backpressure state. The score starts at 100 and loses
// points per finding; overall status follows the score.
func Healthcheck(ctx context.Context, q *Queue, monitor *Monitor, bp *BackpressureManager, baseConcurrency int) (Health, error) {
	depth, err := q.Depth(ctx)
	if err != nil {
		return Health{
			OverallStatus:   statusUnhealthy,
			ComponentStatus: map[string]string{"memory": statusUnhealthy},
			Errors:          []string{fmt.Sprintf("depth query failed: %v", err)},
		}, err
	}

	band := monitor.Band()
	h := Health{
		ComponentStatus: map[string]string{
			"memory":       statusHealthy,
			"stream":       statusHealthy,
			"backpressure": statusHealthy,
			"processor":    statusHealthy,
		},
		HealthScore: 100,
		Depth:       depth,
		Band:        band.String(),
	}

	switch band {
	case BandHigh:
		h.HealthScore -= 20
		h.ComponentStatus["memory"] = statusDegraded
		h.Warnings = append(h.Warnings, fmt.Sprintf("queue depth in high band (%d live)", depth.Live()))
	case BandCritical:
		h.HealthScore -= 40
		h.ComponentStatus["memory"] = statusUnhealthy
		h.Errors = append(h.Errors, fmt.Sprintf("queue depth critical (%d live)", depth.Live()))
	}

	if q.Limited() {
		h.HealthScore -= 10
		h.ComponentStatus["backpressure"] = statusDegraded
		h.Warnings = append(h.Warnings, "producers soft-limited")
	}
	if !bp.StreamActive() && band >= BandHigh {
		h.ComponentStatus["stream"] = statusDegraded
	}
	if effective := bp.Concurrency(baseConcurrency); effective < baseConcurrency {
		h.HealthScore -= 10
		h.ComponentStatus["processor"] = statusDegraded
		h.Warnings = append(h.Warnings, fmt.Sprintf("processor scaled to %d/%d workers", effective, baseConcurrency))
	}

	switch {
	case h.HealthScore >= 80:
		h.OverallStatus = statusHealthy
	case h.HealthScore >= 50:
		h.OverallStatus = statusDegraded
	default:
		h.OverallStatus = statusUnhealthy
	}
	return h, nil
}
