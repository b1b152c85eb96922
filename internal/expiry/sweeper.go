package expiry

import (
	"context"
	"fmt"
	"time"
)

// Sweep expires PENDING orders older than window plus grace. It covers
// orders whose task was never scheduled or was dead-lettered. Returns how
// many orders were examined.
func (w *Worker) Sweep(ctx context.Context) (int, error) {
	cutoff := w.Clock.Now().Add(-(w.Config.Window + w.Config.SweepGrace))
	uuids, err := w.Orders.ListStalePending(ctx, cutoff, w.Config.SweepBatch)
	if err != nil {
		return 0, fmt.Errorf("list stale orders: %w", err)
	}

	var failed int
	for _, u := range uuids {
		if err := w.OnTask(ctx, u); err != nil {
			failed++
			w.Logger.Error("EXPIRY", fmt.Sprintf("Sweep could not expire %s: %v", u, err))
		}
	}
	if len(uuids) > 0 {
		w.Logger.LogProcess("SWEEP", fmt.Sprintf("examined %d stale orders, %d failed", len(uuids), failed))
	}
	return len(uuids), nil
}

// RunSweeper calls Sweep every interval until ctx is done. With a Lock
// configured only one process sweeps per interval.
func (w *Worker) RunSweeper(ctx context.Context, interval time.Duration) {
	w.Logger.Info("EXPIRY", fmt.Sprintf("Sweeper started (interval=%s)", interval))
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			w.Logger.Info("EXPIRY", "Sweeper stopped")
			return
		case <-ticker.C:
			w.sweepOnce(ctx, interval)
		}
	}
}

func (w *Worker) sweepOnce(ctx context.Context, ttl time.Duration) {
	if w.Lock != nil {
		ok, err := w.Lock.Acquire(ctx, w.Config.LockKey, w.owner, ttl)
		if err != nil {
			w.Logger.Error("EXPIRY", fmt.Sprintf("Sweep lock unavailable: %v", err))
			return
		}
		if !ok {
			w.Logger.Debug("EXPIRY", "Another process holds the sweep lock")
			return
		}
		defer func() {
			if err := w.Lock.Release(context.Background(), w.Config.LockKey, w.owner); err != nil {
				w.Logger.Warn("EXPIRY", fmt.Sprintf("Releasing sweep lock failed: %v", err))
			}
		}()
	}

	if _, err := w.Sweep(ctx); err != nil && ctx.Err() == nil {
		w.Logger.Error("EXPIRY", err.Error())
	}
}
