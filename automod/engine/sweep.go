package engine

import (
	"context"
	"time"
)

var DefaultSweepPeriod = 120 * time.Second

type SweepStats struct {
	Checked  int `json:"checked"`
	Assigned int `json:"assigned"`
	Removed  int `json:"removed"`
	Errors   int `json:"errors"`
}

// Reconciles every member of the roster. Errors for individual members are logged and counted, and do not stop the sweep; only a failure to list the roster is returned.
func (eng *Engine) Sweep(ctx context.Context) (SweepStats, error) {
	ctx, span := tracer.Start(ctx, "Sweep")
	defer span.End()

	start := time.Now()
	defer func() {
		sweepDuration.Observe(time.Since(start).Seconds())
	}()

	stats := SweepStats{}
	members, err := eng.Directory.ListMembers(ctx)
	if err != nil {
		span.RecordError(err)
		return stats, err
	}

	for i := range members {
		if err := ctx.Err(); err != nil {
			return stats, err
		}
		m := &members[i]
		stats.Checked++

		active, err := eng.Store.GetActive(ctx, m.ID)
		if err != nil {
			stats.Errors++
			eng.Logger.Error("sweep failed to read warnings", "subject", m.ID, "err", err)
			continue
		}
		action, err := eng.reconcileMember(ctx, m, len(active) > 0)
		if err != nil {
			stats.Errors++
			if isPermissionError(err) {
				eng.Logger.Info("sweep skipping member outside bot permissions", "subject", m.ID, "err", err)
			} else {
				eng.Logger.Warn("sweep failed to reconcile member", "subject", m.ID, "err", err)
			}
			continue
		}
		switch action {
		case ActionAssigned:
			stats.Assigned++
		case ActionRemoved:
			stats.Removed++
		}
	}
	return stats, nil
}

// Runs Sweep on a fixed period until the context is cancelled. Independent of any event-driven reconciliation.
func (eng *Engine) RunSweepLoop(ctx context.Context, period time.Duration) error {
	if period <= 0 {
		period = DefaultSweepPeriod
	}
	ticker := time.NewTicker(period)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			eng.Logger.Info("sweep loop shutting down")
			return nil
		case <-ticker.C:
			stats, err := eng.Sweep(ctx)
			if err != nil {
				if ctx.Err() != nil {
					return nil
				}
				eng.Logger.Error("warning marker sweep failed", "err", err)
				continue
			}
			eng.Logger.Info("warning marker sweep complete", "checked", stats.Checked, "assigned", stats.Assigned, "removed", stats.Removed, "errors", stats.Errors)
		}
	}
}
