// Package publish swaps a completed staging store in as the served store.
//
// The swap is a single rename of the staging file over the served file.
// Readers holding the old file open keep reading the old snapshot; readers
// that open the served path afterwards get the new one. There is never a
// moment without a valid served store.
package publish

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
	"github.com/roach88/ocdslake/internal/pipeline"
	"github.com/roach88/ocdslake/internal/store"
)

// Result describes a completed swap.
type Result struct {
	Served  string
	Staging string

	// RunID is the load run whose output was published.
	RunID   string
	Tenders int
	Awards  int
	Months  []string

	PublishedAt time.Time
}

// Publisher moves the staging store into place.
type Publisher struct {
	cfg     *config.Config
	clock   pipeline.Clock
	logger  *slog.Logger
	metrics *metrics.Recorder
}

// New creates a Publisher for cfg.StagingStore and cfg.ServedStore.
func New(cfg *config.Config, clock pipeline.Clock, logger *slog.Logger, rec *metrics.Recorder) *Publisher {
	if clock == nil {
		clock = pipeline.SystemClock{}
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Publisher{cfg: cfg, clock: clock, logger: logger, metrics: rec}
}

// Publish verifies the staging store and renames it over the served store.
//
// It refuses with a PUBLISH_PRECONDITION error, leaving both files as they
// were, unless the staging store exists, has no rollback journal beside it,
// passes an integrity check and its latest load run is complete. A load in
// progress holds the staging lock, so Publish also refuses while one runs.
func (p *Publisher) Publish(ctx context.Context) (*Result, error) {
	lockPath := p.cfg.StagingLockPath()
	if err := os.MkdirAll(filepath.Dir(lockPath), 0755); err != nil {
		return nil, fmt.Errorf("create staging dir: %w", err)
	}

	var res *Result
	var pubErr error
	err := fslock.With(lockPath, func() error {
		res, pubErr = p.publishLocked(ctx)
		return nil
	})
	switch {
	case errors.Is(err, fslock.ErrLockHeld):
		return nil, pipeline.Wrap(pipeline.ErrCodeLockContention, "",
			fmt.Sprintf("a load is using the staging store (lock %s)", lockPath), err)
	case err != nil:
		return nil, fmt.Errorf("lock staging store: %w", err)
	}
	if pubErr != nil {
		p.logger.Error("publish refused", "staging", p.cfg.StagingStore, "error", pubErr)
		return nil, pubErr
	}

	p.metrics.RecordPublish(res.PublishedAt)
	p.logger.Info("snapshot published", "event", "SNAPSHOT_PUBLISHED",
		"served", res.Served, "run_id", res.RunID, "tenders", res.Tenders, "awards", res.Awards)
	return res, nil
}

func (p *Publisher) publishLocked(ctx context.Context) (*Result, error) {
	staging, served := p.cfg.StagingStore, p.cfg.ServedStore

	res, err := p.verify(ctx, staging)
	if err != nil {
		return nil, err
	}
	res.Served = served

	if err := os.MkdirAll(filepath.Dir(served), 0755); err != nil {
		return nil, fmt.Errorf("create served dir: %w", err)
	}
	if err := os.Rename(staging, served); err != nil {
		return nil, fmt.Errorf("swap %s into %s: %w", staging, served, err)
	}
	if err := syncDir(filepath.Dir(served)); err != nil {
		p.logger.Warn("could not sync served directory", "dir", filepath.Dir(served), "error", err)
	}

	res.PublishedAt = p.clock.Now().UTC()
	return res, nil
}

// verify checks every precondition and returns the staging store's summary.
func (p *Publisher) verify(ctx context.Context, staging string) (*Result, error) {
	refuse := func(msg string, err error) error {
		return pipeline.Wrap(pipeline.ErrCodePublishPrecondition, "", msg, err)
	}

	info, err := os.Stat(staging)
	if os.IsNotExist(err) {
		return nil, refuse(fmt.Sprintf("staging store %s does not exist; run load-range first", staging), nil)
	}
	if err != nil {
		return nil, refuse("stat staging store", err)
	}
	if info.IsDir() {
		return nil, refuse(fmt.Sprintf("staging store %s is a directory", staging), nil)
	}

	for _, suffix := range []string{"-journal", "-wal"} {
		if _, err := os.Stat(staging + suffix); err == nil {
			return nil, refuse(fmt.Sprintf("staging store has an open transaction (%s present)", filepath.Base(staging+suffix)), nil)
		}
	}

	st, err := store.OpenReadOnly(staging)
	if err != nil {
		return nil, refuse("open staging store", err)
	}
	defer st.Close()

	if err := st.QuickCheck(ctx); err != nil {
		return nil, refuse("staging store failed its integrity check", err)
	}

	run, err := st.LatestRun(ctx)
	if err != nil {
		return nil, refuse("read load runs", err)
	}
	if run == nil {
		return nil, refuse("staging store has no recorded load run", nil)
	}
	if run.Status != store.RunComplete {
		return nil, refuse(fmt.Sprintf("latest load run %s is %s, not %s", run.ID, run.Status, store.RunComplete), nil)
	}

	report, err := st.Inspect(ctx)
	if err != nil {
		return nil, refuse("summarize staging store", err)
	}

	return &Result{
		Staging: staging,
		RunID:   run.ID,
		Tenders: report.Tenders,
		Awards:  report.Awards,
		Months:  report.Months,
	}, nil
}

func syncDir(dir string) error {
	d, err := os.Open(dir)
	if err != nil {
		return err
	}
	defer d.Close()
	return d.Sync()
}
