package core

import (
	"context"
	"database/sql"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"tascade/internal/eventlog"
	"tascade/internal/gate"
	"tascade/internal/logging"
	"tascade/internal/scheduler"
	"tascade/internal/types"
)

// RunSweeps starts the background loops and blocks until ctx is cancelled:
// lease and reservation expiry, the gate evaluation tick, and context
// cache maintenance. Each pass runs in its own short transaction and
// logs-and-continues on failure.
func (e *Engine) RunSweeps(ctx context.Context) error {
	interval := e.cfg.Sweeps.Interval
	if interval <= 0 {
		interval = 30 * time.Second
	}
	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error { return e.loop(ctx, interval, e.sweepExpiry) })
	g.Go(func() error { return e.loop(ctx, interval, e.sweepGates) })
	g.Go(func() error {
		// Cache TTL eviction is handled by the cache janitor; the periodic
		// flush bounds staleness after missed invalidations.
		return e.loop(ctx, 10*interval, func(context.Context) error {
			e.context.Flush()
			return nil
		})
	})
	err := g.Wait()
	if err == context.Canceled {
		return nil
	}
	return err
}

func (e *Engine) loop(ctx context.Context, interval time.Duration, pass func(context.Context) error) error {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	log := logging.Get(logging.CategorySweep)
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if err := pass(ctx); err != nil {
				log.Warn("sweep pass failed", zap.Error(err))
			}
		}
	}
}

// SweepOnce runs a single expiry and gate pass, for the CLI and tests.
func (e *Engine) SweepOnce(ctx context.Context) error {
	if err := e.sweepExpiry(ctx); err != nil {
		return err
	}
	return e.sweepGates(ctx)
}

func (e *Engine) sweepExpiry(ctx context.Context) error {
	batch := e.cfg.Sweeps.BatchSize
	var events []types.Event
	err := e.store.WithTx(ctx, func(tx *sql.Tx) error {
		rec := eventlog.NewRecorder(tx, "")
		if _, err := scheduler.ExpireLeases(tx, rec, batch); err != nil {
			return err
		}
		if _, err := scheduler.ExpireReservations(tx, rec, batch); err != nil {
			return err
		}
		events = rec.Events()
		return nil
	})
	if err != nil {
		return err
	}
	e.bus.Publish(events...)
	return nil
}

func (e *Engine) sweepGates(ctx context.Context) error {
	projectIDs, err := e.activeProjectIDs()
	if err != nil {
		return err
	}
	for _, id := range projectIDs {
		var events []types.Event
		err := e.store.WithTx(ctx, func(tx *sql.Tx) error {
			rec := eventlog.NewRecorder(tx, "")
			if _, err := gate.Evaluate(tx, rec, id); err != nil {
				return err
			}
			events = rec.Events()
			return nil
		})
		if err != nil {
			return err
		}
		e.bus.Publish(events...)
	}
	return nil
}

func (e *Engine) activeProjectIDs() ([]string, error) {
	rows, err := e.store.DB().Query(
		`SELECT id FROM projects WHERE status = ?`, types.ProjectActive)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		out = append(out, id)
	}
	return out, rows.Err()
}
