package monitoring

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/orthogenesis/recon-cli/internal/config"
)

const (
	defaultCheckInterval = 5 * time.Minute
	defaultRepeatAfter   = time.Hour
)

// Checker watches queue health on an interval. Each alert type is delivered
// when it starts firing and again every repeat window while it keeps firing;
// once a check no longer raises it, it is logged as resolved and forgotten.
type Checker struct {
	collector *Collector
	alerter   *Alerter
	interval  time.Duration
	repeat    time.Duration
	now       func() time.Time

	mu     sync.Mutex
	firing map[AlertType]time.Time // last delivery of each active alert
}

// NewChecker creates a queue health checker. Non-positive intervals take
// their defaults.
func NewChecker(collector *Collector, alerter *Alerter, cfg config.MonitoringConfig) *Checker {
	c := &Checker{
		collector: collector,
		alerter:   alerter,
		interval:  time.Duration(cfg.CheckIntervalSecs) * time.Second,
		repeat:    time.Duration(cfg.RepeatAfterSecs) * time.Second,
		now:       time.Now,
		firing:    make(map[AlertType]time.Time),
	}
	if c.interval <= 0 {
		c.interval = defaultCheckInterval
	}
	if c.repeat <= 0 {
		c.repeat = defaultRepeatAfter
	}
	return c
}

// Run checks once right away, then every interval until ctx is cancelled.
func (c *Checker) Run(ctx context.Context) {
	log := zap.L().With(zap.String("component", "monitoring.checker"))
	log.Info("queue health checker started",
		zap.Duration("interval", c.interval),
		zap.Duration("repeat_after", c.repeat),
	)

	ticker := time.NewTicker(c.interval)
	defer ticker.Stop()

	for {
		if ctx.Err() == nil {
			c.Check(ctx)
		}
		select {
		case <-ctx.Done():
			log.Info("queue health checker stopped")
			return
		case <-ticker.C:
		}
	}
}

// Check takes one snapshot and delivers the alerts that are new or due for
// a repeat. It returns those alerts; ones still inside their repeat window
// are suppressed.
func (c *Checker) Check(ctx context.Context) []Alert {
	log := zap.L().With(zap.String("component", "monitoring.checker"))
	snap, err := c.collector.Collect(ctx)
	if err != nil {
		log.Error("monitoring: collect queue snapshot", zap.Error(err))
		return nil
	}

	raised := c.alerter.Evaluate(snap)
	due := c.track(raised, log)
	if len(due) == 0 {
		log.Debug("monitoring: nothing to deliver",
			zap.Int("firing", len(raised)),
			zap.Int("queued", snap.Queued),
			zap.Int("dead_letter", snap.DeadLetter),
		)
		return nil
	}

	sent := c.alerter.SendAlerts(ctx, due)
	log.Info("monitoring: queue alerts delivered",
		zap.Int("firing", len(raised)),
		zap.Int("due", len(due)),
		zap.Int("sent", sent),
	)
	return due
}

func (c *Checker) track(raised []Alert, log *zap.Logger) []Alert {
	now := c.now()
	c.mu.Lock()
	defer c.mu.Unlock()

	active := make(map[AlertType]bool, len(raised))
	var due []Alert
	for _, a := range raised {
		active[a.Type] = true
		last, seen := c.firing[a.Type]
		if seen && now.Sub(last) < c.repeat {
			continue
		}
		c.firing[a.Type] = now
		log.Warn("monitoring: queue alert",
			zap.String("type", string(a.Type)),
			zap.String("severity", a.Severity),
			zap.String("message", a.Message),
			zap.Bool("repeat", seen),
		)
		due = append(due, a)
	}
	for t, since := range c.firing {
		if !active[t] {
			delete(c.firing, t)
			log.Info("monitoring: queue alert resolved",
				zap.String("type", string(t)),
				zap.Time("last_sent", since),
			)
		}
	}
	return due
}
