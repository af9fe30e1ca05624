package durable

import (
	"context"
	"log/slog"
	"sync/atomic"

	"github.com/sourcegraph/conc/pool"
)

// SweepStats counts what one sweep changed.
type SweepStats struct {
	Visited    int
	Idled      int
	Hibernated int
	Failed     int
}

// Sweep moves inactive cached objects along active -> idle -> hibernating
// using the configured thresholds. Objects are visited concurrently; an
// object busy with a request is skipped until the next sweep.
func (r *Registry) Sweep(ctx context.Context) SweepStats {
	objs := r.Live()
	var idled, hibernated, failed atomic.Int64

	p := pool.New().WithMaxGoroutines(r.opts.sweepConcurrency)
	for _, obj := range objs {
		p.Go(func() {
			changed, err := obj.sweep(ctx, r.opts)
			if err != nil {
				failed.Add(1)
				r.opts.logger.Warn("sweep failed",
					slog.String("object_id", obj.ID()),
					slog.String("error", err.Error()),
				)
				return
			}
			switch changed {
			case StatusIdle:
				idled.Add(1)
			case StatusHibernating:
				hibernated.Add(1)
			}
		})
	}
	p.Wait()

	stats := SweepStats{
		Visited:    len(objs),
		Idled:      int(idled.Load()),
		Hibernated: int(hibernated.Load()),
		Failed:     int(failed.Load()),
	}
	if stats.Idled+stats.Hibernated+stats.Failed > 0 {
		r.opts.logger.Debug("sweep complete",
			slog.Int("visited", stats.Visited),
			slog.Int("idled", stats.Idled),
			slog.Int("hibernated", stats.Hibernated),
			slog.Int("failed", stats.Failed),
		)
	}
	return stats
}

// sweep applies the inactivity thresholds to one object and returns the
// status it moved to, or "" if nothing changed.
func (o *Object) sweep(ctx context.Context, opts options) (Status, error) {
	if o.lock.queued() > 0 {
		return "", nil
	}
	if err := o.acquire(ctx, "sweep"); err != nil {
		if o.isDetached() {
			return "", nil
		}
		return "", err
	}
	defer o.lock.Unlock()

	inactive := o.deps.now().Sub(o.LastActivityAt())
	changed := Status("")

	if o.Status() == StatusActive && opts.idleAfter > 0 && inactive >= opts.idleAfter {
		if err := o.idleLocked(ctx); err != nil {
			return "", err
		}
		changed = StatusIdle
	}
	if o.Status() == StatusIdle && opts.hibernateAfter > 0 && inactive >= opts.hibernateAfter {
		if err := o.hibernateLocked(ctx, false); err != nil {
			return changed, err
		}
		changed = StatusHibernating
	}
	return changed, nil
}
