package ingest

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/danjacques/gofslock/fslock"

	"github.com/roach88/ocdslake/internal/config"
	"github.com/roach88/ocdslake/internal/metrics"
	"github.com/roach88/ocdslake/internal/period"
	"github.com/roach88/ocdslake/internal/pipeline"
	"github.com/roach88/ocdslake/internal/store"
)

// BatchResult summarizes one Batch Loader run.
type BatchResult struct {
	RunID    string
	From, To period.Month

	// Loaded holds every month that was loaded, in order.
	Loaded []MonthResult

	// Skipped holds months whose package file was not present.
	Skipped []period.Month

	// Failed is the month that stopped the run, if any.
	Failed *period.Month

	Duration    time.Duration
	StagingPath string
}

// Processed returns the number of months loaded.
func (r *BatchResult) Processed() int {
	return len(r.Loaded)
}

// BatchLoader loads ranges of months into the staging store.
//
// A run holds an exclusive OS lock on the staging store for its whole
// duration and records itself in the store's load_runs table. Only a run
// recorded as complete makes the staging store publishable.
type BatchLoader struct {
	cfg     *config.Config
	clock   pipeline.Clock
	ids     pipeline.RunIDGenerator
	logger  *slog.Logger
	metrics *metrics.Recorder
}

// NewBatchLoader creates a BatchLoader writing to cfg.StagingStore.
func NewBatchLoader(cfg *config.Config, clock pipeline.Clock, ids pipeline.RunIDGenerator, logger *slog.Logger, rec *metrics.Recorder) *BatchLoader {
	if clock == nil {
		clock = pipeline.SystemClock{}
	}
	if ids == nil {
		ids = pipeline.UUIDv7Generator{}
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &BatchLoader{cfg: cfg, clock: clock, ids: ids, logger: logger, metrics: rec}
}

// LoadRange loads every month from..to inclusive whose package file exists,
// skipping absent ones. The first month that fails stops the run; its error
// is returned along with the partial result.
func (b *BatchLoader) LoadRange(ctx context.Context, from, to period.Month) (*BatchResult, error) {
	months, err := period.Range(from, to)
	if err != nil {
		return nil, err
	}

	return b.run(ctx, from, to, func(ctx context.Context, ml *MonthLoader, res *BatchResult) error {
		b.logger.Info("range load started", "event", "INGEST_ALL_START",
			"from", from.String(), "to", to.String(), "months", len(months))

		for _, m := range months {
			if err := ctx.Err(); err != nil {
				res.Failed = &m
				return pipeline.Wrap(pipeline.ErrCodeLoadFailed, m.String(), "run cancelled", err)
			}

			path := b.cfg.PackagePath(m)
			if _, err := os.Stat(path); os.IsNotExist(err) {
				b.logger.Info("no package, skipping", "month", m.String(), "path", path)
				res.Skipped = append(res.Skipped, m)
				b.metrics.RecordMonth("skipped")
				continue
			}

			mr, err := ml.Load(ctx, m, path)
			if err != nil {
				res.Failed = &m
				b.metrics.RecordMonth("failed")
				return err
			}
			res.Loaded = append(res.Loaded, *mr)
			b.metrics.RecordMonth("processed")
		}
		return nil
	})
}

// LoadMonth loads one month from path, or from the month's configured
// package path when path is empty. A missing file is a failure here, unlike
// in LoadRange.
func (b *BatchLoader) LoadMonth(ctx context.Context, month period.Month, path string) (*BatchResult, error) {
	if path == "" {
		path = b.cfg.PackagePath(month)
	}

	return b.run(ctx, month, month, func(ctx context.Context, ml *MonthLoader, res *BatchResult) error {
		mr, err := ml.Load(ctx, month, path)
		if err != nil {
			res.Failed = &month
			b.metrics.RecordMonth("failed")
			return err
		}
		res.Loaded = append(res.Loaded, *mr)
		b.metrics.RecordMonth("processed")
		return nil
	})
}

type loadFunc func(ctx context.Context, ml *MonthLoader, res *BatchResult) error

// run wraps fn with the staging lock, the store and load_runs bookkeeping.
func (b *BatchLoader) run(ctx context.Context, from, to period.Month, fn loadFunc) (*BatchResult, error) {
	start := time.Now()
	res := &BatchResult{From: from, To: to, StagingPath: b.cfg.StagingStore}

	lockPath := b.cfg.StagingLockPath()
	if err := os.MkdirAll(filepath.Dir(lockPath), 0755); err != nil {
		return nil, fmt.Errorf("create staging dir: %w", err)
	}

	var runErr error
	err := fslock.With(lockPath, func() error {
		runErr = b.runLocked(ctx, from, to, res, fn)
		return nil
	})
	switch {
	case errors.Is(err, fslock.ErrLockHeld):
		return nil, pipeline.Wrap(pipeline.ErrCodeLockContention, "",
			fmt.Sprintf("another load or publish is using the staging store (lock %s)", lockPath), err)
	case err != nil:
		return nil, fmt.Errorf("lock staging store: %w", err)
	}

	res.Duration = time.Since(start)
	if runErr != nil {
		b.logger.Error("range load failed", "event", "INGEST_ALL_FAILED",
			"run_id", res.RunID, "failed_month", monthString(res.Failed), "error", runErr)
		return res, runErr
	}

	b.logger.Info("range load finished", "event", "INGEST_ALL_FINISH",
		"run_id", res.RunID, "processed", res.Processed(), "skipped", len(res.Skipped),
		"duration", res.Duration, "staging", res.StagingPath)
	return res, nil
}

func (b *BatchLoader) runLocked(ctx context.Context, from, to period.Month, res *BatchResult, fn loadFunc) error {
	st, err := store.Open(b.cfg.StagingStore)
	if err != nil {
		return pipeline.Wrap(pipeline.ErrCodeLoadFailed, "", "open staging store", err)
	}
	defer st.Close()

	// Bookkeeping must land even when ctx is cancelled mid-run.
	bookCtx := context.WithoutCancel(ctx)

	res.RunID = b.ids.Generate()
	if err := st.BeginRun(bookCtx, res.RunID, from.String(), to.String(), b.clock.Now()); err != nil {
		return pipeline.Wrap(pipeline.ErrCodeLoadFailed, "", "record load run", err)
	}

	ml := NewMonthLoader(b.cfg.Buyer, st, b.logger, b.metrics)
	loadErr := fn(ctx, ml, res)

	status, msg := store.RunComplete, ""
	if loadErr != nil {
		status, msg = store.RunFailed, loadErr.Error()
	}
	if err := st.FinishRun(bookCtx, res.RunID, status, res.Processed(), len(res.Skipped), msg, b.clock.Now()); err != nil {
		return errors.Join(loadErr, pipeline.Wrap(pipeline.ErrCodeLoadFailed, "", "record load run outcome", err))
	}
	return loadErr
}

func monthString(m *period.Month) string {
	if m == nil {
		return ""
	}
	return m.String()
}
