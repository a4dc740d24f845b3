// Package download fetches monthly packages from the upstream portal.
//
// A Downloader run is single-instance across processes: it holds a PID lock
// file for its whole duration and refuses to start while a live process
// holds it. Months are fetched one at a time, paced by a Pacer, and a
// failed month never aborts the rest of the range.
package download

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"path/filepath"
	"time"

	"github.com/roach88/ocdslake/internal/backup"
	"github.com/roach88/ocdslake/internal/config"
	"github.com/roach88/ocdslake/internal/lock"
	"github.com/roach88/ocdslake/internal/metrics"
	"github.com/roach88/ocdslake/internal/period"
	"github.com/roach88/ocdslake/internal/pipeline"
	"github.com/roach88/ocdslake/internal/provenance"
)

// Summary reports a whole Downloader run.
type Summary struct {
	From, To period.Month
	DryRun   bool

	// Results holds one entry per attempted month, in order.
	Results []*MonthResult

	Duration time.Duration
}

// Downloaded returns the number of months now in place.
func (s *Summary) Downloaded() int {
	n := 0
	for _, r := range s.Results {
		if r.OK {
			n++
		}
	}
	return n
}

// Failed returns the months that did not end with a package in place.
// In a dry run nothing fails.
func (s *Summary) Failed() []*MonthResult {
	var failed []*MonthResult
	for _, r := range s.Results {
		if !r.OK && !s.DryRun {
			failed = append(failed, r)
		}
	}
	return failed
}

// Downloader fetches a range of monthly packages.
type Downloader struct {
	cfg      *config.Config
	client   *http.Client
	archiver *backup.Archiver
	tracker  *provenance.Tracker
	lock     *lock.PIDLock
	pacer    Pacer
	clock    pipeline.Clock
	logger   *slog.Logger
	metrics  *metrics.Recorder
	dryRun   bool
}

// Option configures a Downloader.
type Option func(*Downloader)

// WithHTTPClient replaces the default client, whose timeout is
// cfg.HTTPTimeout.
func WithHTTPClient(c *http.Client) Option {
	return func(d *Downloader) {
		d.client = c
	}
}

// WithPacer replaces the default JitterPacer built from cfg.Pause and
// cfg.Jitter.
func WithPacer(p Pacer) Option {
	return func(d *Downloader) {
		d.pacer = p
	}
}

// WithClock sets the clock used for backup names and manifest timestamps.
func WithClock(c pipeline.Clock) Option {
	return func(d *Downloader) {
		d.clock = c
	}
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(d *Downloader) {
		d.logger = l
	}
}

// WithMetrics records into rec.
func WithMetrics(rec *metrics.Recorder) Option {
	return func(d *Downloader) {
		d.metrics = rec
	}
}

// WithDryRun makes Run only report the URLs it would fetch. A dry run takes
// no lock, touches no file and does not pause.
func WithDryRun(dryRun bool) Option {
	return func(d *Downloader) {
		d.dryRun = dryRun
	}
}

// New creates a Downloader for cfg.
func New(cfg *config.Config, opts ...Option) *Downloader {
	d := &Downloader{
		cfg:    cfg,
		client: &http.Client{Timeout: cfg.HTTPTimeout},
		lock:   lock.New(cfg.LockPath),
		pacer:  NewJitterPacer(cfg.Pause, cfg.Jitter),
		clock:  pipeline.SystemClock{},
		logger: slog.Default(),
	}
	for _, opt := range opts {
		opt(d)
	}

	// Built after the options so they share the configured clock and logger.
	d.archiver = backup.New(cfg.BackupsDir, d.clock)
	d.tracker = provenance.NewTracker(
		cfg.ManifestPath,
		provenance.NewChangelog(cfg.ChangelogPath, cfg.BackupsDir),
		d.clock,
		d.logger,
	)
	return d
}

// Run fetches every month from..to inclusive.
//
// Run returns an error only when the run as a whole could not proceed: an
// invalid range, lock contention, or cancellation. Per-month failures are
// reported in the Summary. The lock is released on every return path.
func (d *Downloader) Run(ctx context.Context, from, to period.Month) (sum *Summary, err error) {
	months, err := period.Range(from, to)
	if err != nil {
		return nil, err
	}

	start := time.Now()
	sum = &Summary{From: from, To: to, DryRun: d.dryRun}
	defer func() {
		if sum != nil {
			sum.Duration = time.Since(start)
		}
	}()

	if d.dryRun {
		for _, m := range months {
			r := &MonthResult{Month: m, URL: d.cfg.PackageURL(m), Path: d.cfg.PackagePath(m)}
			r.Message = fmt.Sprintf("DRY-RUN would GET %s -> %s", r.URL, filepath.Base(r.Path))
			d.logger.Info(r.Message, "event", "DOWNLOAD_MONTH", "month", m.String(), "dry_run", true)
			sum.Results = append(sum.Results, r)
		}
		return sum, nil
	}

	if err := d.lock.Acquire(); err != nil {
		return nil, err
	}
	defer func() {
		if rerr := d.lock.Release(); rerr != nil {
			d.logger.Error("failed to release download lock", "path", d.lock.Path(), "error", rerr)
		}
	}()
	d.logger.Debug("download lock acquired", "path", d.lock.Path())

	for i, m := range months {
		if err := ctx.Err(); err != nil {
			return sum, fmt.Errorf("download interrupted before %s: %w", m, err)
		}

		r := d.FetchMonth(ctx, m)
		sum.Results = append(sum.Results, r)
		d.logMonth(r)

		if i == len(months)-1 {
			break
		}
		if err := d.pacer.Wait(ctx); err != nil {
			return sum, fmt.Errorf("download interrupted after %s: %w", m, err)
		}
	}
	return sum, nil
}

func (d *Downloader) logMonth(r *MonthResult) {
	attrs := []any{
		"event", "DOWNLOAD_MONTH",
		"month", r.Month.String(),
		"url", r.URL,
		"ok", r.OK,
		"message", r.Message,
		"duration", r.Duration,
	}
	if r.Backup != "" {
		attrs = append(attrs, "backup", r.Backup)
	}
	if r.Tracked != nil {
		attrs = append(attrs, "tracked", string(r.Tracked.Outcome))
	}

	switch {
	case r.OK:
		d.logger.Info("month downloaded", attrs...)
	case pipeline.IsNoContent(r.Err):
		d.logger.Warn("month has no content", attrs...)
	default:
		d.logger.Error("month failed", append(attrs, "code", string(pipeline.CodeOf(r.Err)), "error", r.Err)...)
	}
}
