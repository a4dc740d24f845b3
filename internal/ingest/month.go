// Package ingest loads monthly packages into the staging store.
//
// MonthLoader handles one month: transform, write the line-delimited audit
// streams, and replace the month's rows in one transaction. BatchLoader
// drives MonthLoader over a range of months and stops at the first failure.
package ingest

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/roach88/ocdslake/internal/metrics"
	"github.com/roach88/ocdslake/internal/ocds"
	"github.com/roach88/ocdslake/internal/period"
	"github.com/roach88/ocdslake/internal/pipeline"
	"github.com/roach88/ocdslake/internal/store"
)

// MonthResult describes one loaded month.
type MonthResult struct {
	Month    period.Month
	Source   string
	Records  int
	Tenders  int
	Awards   int
	Duration time.Duration
}

// MonthLoader loads one month's package into a store.
type MonthLoader struct {
	buyer   string
	store   *store.Store
	logger  *slog.Logger
	metrics *metrics.Recorder
}

// NewMonthLoader creates a loader that keeps only buyer's processes.
func NewMonthLoader(buyer string, st *store.Store, logger *slog.Logger, rec *metrics.Recorder) *MonthLoader {
	if logger == nil {
		logger = slog.Default()
	}
	return &MonthLoader{buyer: buyer, store: st, logger: logger, metrics: rec}
}

// Load transforms the package at path and replaces month's rows with the
// result. Any failure leaves the month's previous rows untouched and is
// returned as a LOAD_FAILED error.
func (l *MonthLoader) Load(ctx context.Context, month period.Month, path string) (*MonthResult, error) {
	start := time.Now()
	key := month.String()
	l.logger.Info("month load started", "event", "INGEST_START", "month", key, "json_path", path)

	res, err := l.load(ctx, month, path)
	if err != nil {
		l.logger.Error("month load failed", "event", "INGEST_FINISH", "month", key, "success", false, "error", err)
		return nil, pipeline.Wrap(pipeline.ErrCodeLoadFailed, key, "month load rolled back", err)
	}

	res.Duration = time.Since(start)
	l.metrics.RecordLoad(res.Tenders, res.Awards, res.Duration)
	l.logger.Info("month load finished", "event", "INGEST_FINISH", "month", key, "success", true,
		"records", res.Records, "tenders", res.Tenders, "awards", res.Awards,
		"db_path", l.store.Path(), "duration", res.Duration)
	return res, nil
}

func (l *MonthLoader) load(ctx context.Context, month period.Month, path string) (*MonthResult, error) {
	if _, err := os.Stat(path); err != nil {
		return nil, fmt.Errorf("source package: %w", err)
	}

	tr := ocds.Transformer{Buyer: l.buyer, Month: month}
	batch, err := tr.Transform(ocds.FileRecords(path))
	if err != nil {
		return nil, fmt.Errorf("transform %s: %w", path, err)
	}
	l.logger.Debug("package transformed", "month", month.String(),
		"records", batch.Records, "tenders", len(batch.Tenders), "awards", len(batch.Awards))

	tendersPath, awardsPath := ocds.NDJSONPaths(path)
	if err := ocds.WriteNDJSON(tendersPath, batch.Tenders); err != nil {
		return nil, err
	}
	if err := ocds.WriteNDJSON(awardsPath, batch.Awards); err != nil {
		return nil, err
	}

	counts, err := l.store.ReplaceMonth(ctx, month.String(), batch.Tenders, batch.Awards)
	if err != nil {
		return nil, err
	}

	return &MonthResult{
		Month:   month,
		Source:  path,
		Records: batch.Records,
		Tenders: counts.Tenders,
		Awards:  counts.Awards,
	}, nil
}
