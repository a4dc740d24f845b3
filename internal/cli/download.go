package cli

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/roach88/ocdslake/internal/download"
	"github.com/roach88/ocdslake/internal/period"
	"github.com/roach88/ocdslake/internal/pipeline"
)

// DownloadOptions holds flags for the download command.
type DownloadOptions struct {
	*RootOptions
	rangeFlags
	Pause  float64
	DryRun bool

	// Pacer allows overriding the pause between months (for testing).
	// If nil, pauses follow the configuration.
	Pacer download.Pacer
}

// downloadView is the JSON summary of a download run.
type downloadView struct {
	From            string              `json:"from"`
	To              string              `json:"to"`
	DryRun          bool                `json:"dry_run"`
	Downloaded      int                 `json:"downloaded"`
	Failed          int                 `json:"failed"`
	Months          []downloadMonthView `json:"months"`
	DurationSeconds float64             `json:"duration_seconds"`
}

type downloadMonthView struct {
	Month   string `json:"month"`
	URL     string `json:"url"`
	OK      bool   `json:"ok"`
	Code    string `json:"code,omitempty"`
	Message string `json:"message"`
	Bytes   int64  `json:"bytes,omitempty"`
	Backup  string `json:"backup,omitempty"`
	Tracked string `json:"tracked,omitempty"`
}

// NewDownloadCommand creates the download command.
func NewDownloadCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &DownloadOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "download",
		Short: "Download monthly packages for a range of months",
		Long: `Download the monthly OCDS packages for an inclusive range of months.

Only one download runs at a time; a second one exits immediately. Existing
files are backed up before they are replaced, a 204 response leaves the
existing file alone, and every downloaded file goes through change tracking.
Requests are spaced by the configured pause plus a random jitter.

Example:
  ocdslake download --from-year 2024 --to-year 2026 --to-month 2
  ocdslake download --from-year 2026 --dry-run`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runDownload(opts, cmd)
		},
	}

	opts.rangeFlags.register(cmd, 2024, 2028)
	cmd.Flags().Float64Var(&opts.Pause, "pause", 15, "seconds between requests, before jitter (overrides configuration)")
	cmd.Flags().BoolVar(&opts.DryRun, "dry-run", false, "only print the URLs that would be fetched")

	return cmd
}

func runDownload(opts *DownloadOptions, cmd *cobra.Command) error {
	s, err := newSession(opts.RootOptions, cmd)
	if err != nil {
		return err
	}
	defer s.close()

	from, to, err := opts.bounds()
	if err != nil {
		return failCommand(s.out, ErrCodeUsage, "invalid month range", err)
	}
	months, _ := period.Range(from, to)

	if cmd.Flags().Changed("pause") {
		if opts.Pause < 0 {
			return failCommand(s.out, ErrCodeUsage, "--pause must not be negative", nil)
		}
		s.cfg.Pause = time.Duration(opts.Pause * float64(time.Second))
	}

	ctx, stop := signalContext(cmd, s.logger)
	defer stop()

	dlOpts := []download.Option{
		download.WithLogger(s.logger),
		download.WithMetrics(s.metrics),
		download.WithDryRun(opts.DryRun),
	}
	if opts.Pacer != nil {
		dlOpts = append(dlOpts, download.WithPacer(opts.Pacer))
	}
	d := download.New(s.cfg, dlOpts...)

	s.out.Printf("Period: %s to %s (%d months)\n", from, to, len(months))
	if opts.DryRun {
		s.out.Printf("DRY-RUN: no files will be downloaded.\n\n")
	} else {
		s.out.Printf("Pause between requests: %s (+ random 0-%s)\n\n", s.cfg.Pause, s.cfg.Jitter)
	}

	sum, runErr := d.Run(ctx, from, to)
	if sum == nil {
		return failUnit(s.out, "download refused", runErr, nil)
	}

	view := downloadView{
		From:            from.String(),
		To:              to.String(),
		DryRun:          sum.DryRun,
		Downloaded:      sum.Downloaded(),
		Failed:          len(sum.Failed()),
		DurationSeconds: sum.Duration.Seconds(),
	}
	for i, r := range sum.Results {
		s.out.Printf("[%d/%d] %s  %s\n", i+1, len(months), r.Month, r.Message)
		mv := downloadMonthView{
			Month:   r.Month.String(),
			URL:     r.URL,
			OK:      r.OK,
			Code:    string(pipeline.CodeOf(r.Err)),
			Message: r.Message,
			Bytes:   r.Bytes,
			Backup:  r.Backup,
		}
		if r.Tracked != nil {
			mv.Tracked = string(r.Tracked.Outcome)
		}
		view.Months = append(view.Months, mv)
	}

	if runErr != nil {
		if interrupted(runErr) {
			return failUnit(s.out, "download interrupted", runErr, view)
		}
		return failUnit(s.out, "download failed", runErr, view)
	}

	if failed := sum.Failed(); len(failed) > 0 {
		s.out.Printf("\n--- Failed ---\n")
		for _, r := range failed {
			s.out.Printf("  %s: %s\n", r.Month, r.Message)
		}
		msg := fmt.Sprintf("%d of %d months failed", len(failed), len(sum.Results))
		_ = s.out.Error(ErrCodeIncomplete, msg, view)
		return NewExitError(ExitFailure, msg)
	}

	if s.out.Format == "json" {
		return s.out.Success(view)
	}
	s.out.Printf("\nAll done.\n")
	return nil
}
