// Package monitoring collects job queue metrics and raises alerts when the
// queue is unhealthy.
package monitoring

import (
	"context"
	"time"

	"github.com/rotisserie/eris"

	"github.com/orthogenesis/recon-cli/internal/jobs"
	"github.com/orthogenesis/recon-cli/internal/model"
	"github.com/orthogenesis/recon-cli/internal/resilience"
	"github.com/orthogenesis/recon-cli/internal/store"
)

// MetricsSnapshot holds a point-in-time view of queue health.
type MetricsSnapshot struct {
	// Queue depth by status across the whole table.
	Queued    int `json:"queued" yaml:"queued"`
	Running   int `json:"running" yaml:"running"`
	Succeeded int `json:"succeeded" yaml:"succeeded"`
	Failed    int `json:"failed" yaml:"failed"`
	Dead      int `json:"dead" yaml:"dead"`

	DeadLetter int `json:"dead_letter" yaml:"dead_letter"`
	// FailureRate is dead / (succeeded + dead).
	FailureRate float64 `json:"failure_rate" yaml:"failure_rate"`
	// OldestQueuedAge is how long the oldest queued job has waited.
	OldestQueuedAge time.Duration `json:"oldest_queued_age_ns" yaml:"oldest_queued_age"`

	// Counters from the local engine, when one is attached.
	Engine  *jobs.Stats `json:"engine,omitempty" yaml:"engine,omitempty"`
	Breaker string      `json:"breaker,omitempty" yaml:"breaker,omitempty"`

	CollectedAt time.Time `json:"collected_at" yaml:"collected_at"`
}

// EngineStats is the part of *jobs.Engine the collector reads.
type EngineStats interface {
	Stats() jobs.Stats
	BreakerState() resilience.CircuitState
}

// Collector gathers metrics from the job store and, optionally, a running
// engine.
type Collector struct {
	store  store.JobStore
	engine EngineStats
	now    func() time.Time
}

// NewCollector creates a new metrics collector. engine may be nil.
func NewCollector(st store.JobStore, engine EngineStats) *Collector {
	return &Collector{store: st, engine: engine, now: time.Now}
}

// Collect gathers a snapshot of queue metrics.
func (c *Collector) Collect(ctx context.Context) (*MetricsSnapshot, error) {
	now := c.now().UTC()
	snap := &MetricsSnapshot{CollectedAt: now}

	stats, err := c.store.JobStats(ctx)
	if err != nil {
		return nil, eris.Wrap(err, "monitoring: job stats")
	}

	snap.Queued = stats.ByStatus[model.JobStatusQueued]
	snap.Running = stats.ByStatus[model.JobStatusRunning]
	snap.Succeeded = stats.ByStatus[model.JobStatusSucceeded]
	snap.Failed = stats.ByStatus[model.JobStatusFailed]
	snap.Dead = stats.ByStatus[model.JobStatusDead]
	snap.DeadLetter = stats.DeadLetter

	if finished := snap.Succeeded + snap.Dead; finished > 0 {
		snap.FailureRate = float64(snap.Dead) / float64(finished)
	}
	if stats.OldestQueuedAt != nil && stats.OldestQueuedAt.Before(now) {
		snap.OldestQueuedAge = now.Sub(*stats.OldestQueuedAt)
	}

	if c.engine != nil {
		es := c.engine.Stats()
		snap.Engine = &es
		snap.Breaker = c.engine.BreakerState().String()
	}

	return snap, nil
}
