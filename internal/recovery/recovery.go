// Package recovery implements the Recovery Worker (C8): a periodic sweep
// that resumes sagas left non-terminal by a crash or restart.
package recovery

import (
	"context"
	"fmt"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/R3E-Network/polyglot-coordinator/infrastructure/logging"
	"github.com/R3E-Network/polyglot-coordinator/infrastructure/metrics"
)

// SagaLister returns the IDs of non-terminal sagas, oldest first.
type SagaLister func(ctx context.Context, limit int) ([]string, error)

// SagaResumer resumes one saga and reports whether it reached a terminal
// state.
type SagaResumer func(ctx context.Context, sagaID string) (terminal bool, err error)

// DefaultMaxRetries is spec.md §4.8's run_once retry ceiling per saga.
const DefaultMaxRetries = 3

// DefaultScanLimit bounds how many non-terminal sagas one run_once
// processes, so a large backlog cannot make a single sweep run forever.
const DefaultScanLimit = 500

// Worker runs recovery sweeps, either on demand (RunOnce) or on a cron
// schedule (StartScheduled).
type Worker struct {
	list       SagaLister
	resume     SagaResumer
	maxRetries int
	scanLimit  int
	logger     *logging.Logger
	metrics    *metrics.Metrics
	service    string

	cron *cron.Cron
}

// New constructs a Worker. maxRetries <= 0 uses DefaultMaxRetries;
// scanLimit <= 0 uses DefaultScanLimit.
func New(list SagaLister, resume SagaResumer, maxRetries, scanLimit int, logger *logging.Logger, m *metrics.Metrics, service string) *Worker {
	if maxRetries <= 0 {
		maxRetries = DefaultMaxRetries
	}
	if scanLimit <= 0 {
		scanLimit = DefaultScanLimit
	}
	return &Worker{list: list, resume: resume, maxRetries: maxRetries, scanLimit: scanLimit, logger: logger, metrics: m, service: service}
}

// Outcome summarizes one run_once sweep.
type Outcome struct {
	Scanned int
	Resumed int
	Failed  int
	Errors  []string
}

// RunOnce scans non-terminal sagas and attempts to resume each, retrying a
// saga up to maxRetries times before giving up on it for this sweep.
func (w *Worker) RunOnce(ctx context.Context) (Outcome, error) {
	start := time.Now()
	ids, err := w.list(ctx, w.scanLimit)
	if err != nil {
		return Outcome{}, fmt.Errorf("recovery scan: %w", err)
	}

	out := Outcome{Scanned: len(ids)}
	for _, id := range ids {
		ok, resumeErr := w.resumeWithRetry(ctx, id)
		if ok {
			out.Resumed++
			continue
		}
		out.Failed++
		if resumeErr != nil {
			out.Errors = append(out.Errors, fmt.Sprintf("%s: %s", id, resumeErr.Error()))
		}
	}

	if w.metrics != nil {
		w.metrics.RecordRecoveryRun(out.Resumed)
	}
	if w.logger != nil {
		w.logger.LogPerformance(ctx, "recovery_sweep", map[string]interface{}{
			"scanned": out.Scanned, "resumed": out.Resumed, "failed": out.Failed,
			"duration_ms": time.Since(start).Milliseconds(),
		})
	}
	return out, nil
}

func (w *Worker) resumeWithRetry(ctx context.Context, sagaID string) (bool, error) {
	var lastErr error
	delay := 200 * time.Millisecond
	for attempt := 1; attempt <= w.maxRetries; attempt++ {
		terminal, err := w.resume(ctx, sagaID)
		if err == nil && terminal {
			return true, nil
		}
		if err == nil && !terminal {
			// Resumed without error but still not terminal (e.g. it hit its
			// own deadline and re-entered compensation); one pass is enough
			// progress for this sweep, don't spin retrying it further.
			return true, nil
		}
		lastErr = err
		if attempt < w.maxRetries {
			select {
			case <-ctx.Done():
				return false, ctx.Err()
			case <-time.After(delay):
			}
			delay *= 2
		}
	}
	return false, lastErr
}

// StartScheduled runs RunOnce on the given cron schedule until ctx is
// canceled or Stop is called. cronExpr uses the standard 5-field syntax
// (e.g. "*/5 * * * *" for every 5 minutes).
func (w *Worker) StartScheduled(ctx context.Context, cronExpr string) error {
	c := cron.New()
	_, err := c.AddFunc(cronExpr, func() {
		if _, err := w.RunOnce(ctx); err != nil && w.logger != nil {
			w.logger.Error(ctx, "scheduled recovery sweep failed", err, nil)
		}
	})
	if err != nil {
		return fmt.Errorf("schedule recovery sweep %q: %w", cronExpr, err)
	}
	w.cron = c
	c.Start()

	go func() {
		<-ctx.Done()
		w.Stop()
	}()
	return nil
}

// Stop halts a scheduled worker. Safe to call even if StartScheduled was
// never called.
func (w *Worker) Stop() {
	if w.cron != nil {
		w.cron.Stop()
	}
}
