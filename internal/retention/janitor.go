// Package retention removes completed task records once they are older than
// the configured retention window.
package retention

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/robfig/cron/v3"
)

var purgedTotal = prometheus.NewCounter(
	prometheus.CounterOpts{
		Name: "offload_retention_purged_total",
		Help: "Total completed task records removed by the retention janitor.",
	},
)

func init() {
	prometheus.MustRegister(purgedTotal)
}

// Purger deletes completed records last updated before cutoff.
type Purger interface {
	PurgeCompleted(ctx context.Context, cutoff time.Time) (int, error)
}

// Janitor periodically purges completed records older than the retention window.
type Janitor struct {
	purger    Purger
	retention time.Duration
	schedule  cron.Schedule
	expr      string
	logger    *slog.Logger
	now       func() time.Time
}

// NewJanitor validates the schedule, a standard five-field cron expression or
// a descriptor such as "@every 1h", and returns a janitor ready to Run.
func NewJanitor(p Purger, retention time.Duration, schedule string, logger *slog.Logger) (*Janitor, error) {
	if retention <= 0 {
		return nil, errors.New("retention must be positive")
	}
	sched, err := cron.ParseStandard(schedule)
	if err != nil {
		return nil, fmt.Errorf("parse retention schedule %q: %w", schedule, err)
	}
	return &Janitor{
		purger:    p,
		retention: retention,
		schedule:  sched,
		expr:      schedule,
		logger:    logger.With("component", "retention"),
		now:       time.Now,
	}, nil
}

// Sweep purges once and returns the number of records removed.
func (j *Janitor) Sweep(ctx context.Context) (int, error) {
	cutoff := j.now().Add(-j.retention)
	n, err := j.purger.PurgeCompleted(ctx, cutoff)
	if err != nil {
		return 0, err
	}
	purgedTotal.Add(float64(n))
	if n > 0 {
		j.logger.Info("purged completed tasks", "count", n, "cutoff", cutoff.UTC().Format(time.RFC3339))
	}
	return n, nil
}

// Run sweeps on the schedule until ctx is cancelled, then waits for a running
// sweep to return.
func (j *Janitor) Run(ctx context.Context) error {
	c := cron.New()
	c.Schedule(j.schedule, cron.FuncJob(func() {
		if _, err := j.Sweep(ctx); err != nil && ctx.Err() == nil {
			j.logger.Error("retention sweep", "error", err)
		}
	}))

	j.logger.Info("retention janitor started",
		"retention", j.retention.String(),
		"schedule", j.expr,
	)
	c.Start()
	<-ctx.Done()
	<-c.Stop().Done()
	j.logger.Info("retention janitor stopped")
	return nil
}
