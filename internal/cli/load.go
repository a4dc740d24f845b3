package cli

import (
	"time"

	"github.com/spf13/cobra"

	"github.com/roach88/ocdslake/internal/ingest"
	"github.com/roach88/ocdslake/internal/period"
	"github.com/roach88/ocdslake/internal/pipeline"
)

// LoadOptions holds flags for the load command.
type LoadOptions struct {
	*RootOptions
	File string

	// RunIDs allows overriding load run IDs (for testing).
	// If nil, UUIDv7 IDs are generated.
	RunIDs pipeline.RunIDGenerator
}

// LoadRangeOptions holds flags for the load-range command.
type LoadRangeOptions struct {
	*RootOptions
	rangeFlags

	// RunIDs allows overriding load run IDs (for testing).
	RunIDs pipeline.RunIDGenerator
}

// loadView is the JSON summary of a load run.
type loadView struct {
	RunID           string          `json:"run_id"`
	From            string          `json:"from"`
	To              string          `json:"to"`
	Loaded          []loadMonthView `json:"loaded"`
	Skipped         []string        `json:"skipped"`
	Failed          string          `json:"failed,omitempty"`
	Staging         string          `json:"staging"`
	DurationSeconds float64         `json:"duration_seconds"`
}

type loadMonthView struct {
	Month   string `json:"month"`
	Records int    `json:"records"`
	Tenders int    `json:"tenders"`
	Awards  int    `json:"awards"`
}

// NewLoadCommand creates the load command.
func NewLoadCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &LoadOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "load <YYYY-MM>",
		Short: "Load one month into the staging store",
		Long: `Load one month's package into the staging store, replacing any rows
already loaded for that month. The month is loaded in a single transaction;
on failure the staging store keeps its previous content.

Example:
  ocdslake load 2026-02
  ocdslake load 2026-02 --file /tmp/2026-02.json`,
		Args:          cobra.ExactArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runLoad(opts, args[0], cmd)
		},
	}

	cmd.Flags().StringVar(&opts.File, "file", "", "package file to load (default: the month's file in the data directory)")

	return cmd
}

func runLoad(opts *LoadOptions, arg string, cmd *cobra.Command) error {
	s, err := newSession(opts.RootOptions, cmd)
	if err != nil {
		return err
	}
	defer s.close()

	month, err := period.Parse(arg)
	if err != nil {
		return failCommand(s.out, ErrCodeUsage, "invalid month", err)
	}

	ctx, stop := signalContext(cmd, s.logger)
	defer stop()

	loader := ingest.NewBatchLoader(s.cfg, nil, opts.RunIDs, s.logger, s.metrics)
	res, err := loader.LoadMonth(ctx, month, opts.File)
	return reportLoad(s, res, err)
}

// NewLoadRangeCommand creates the load-range command.
func NewLoadRangeCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &LoadRangeOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "load-range",
		Short: "Load a range of months into the staging store",
		Long: `Load every month of an inclusive range into the staging store.
Months without a package file are skipped. The first month that fails stops
the run and is reported; months before it stay loaded, but the run is not
complete and the staging store cannot be published.

Example:
  ocdslake load-range --from-year 2024 --to-year 2026 --to-month 2`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runLoadRange(opts, cmd)
		},
	}

	opts.rangeFlags.register(cmd, 2024, 2026)

	return cmd
}

func runLoadRange(opts *LoadRangeOptions, cmd *cobra.Command) error {
	s, err := newSession(opts.RootOptions, cmd)
	if err != nil {
		return err
	}
	defer s.close()

	from, to, err := opts.bounds()
	if err != nil {
		return failCommand(s.out, ErrCodeUsage, "invalid month range", err)
	}

	ctx, stop := signalContext(cmd, s.logger)
	defer stop()

	loader := ingest.NewBatchLoader(s.cfg, nil, opts.RunIDs, s.logger, s.metrics)
	res, err := loader.LoadRange(ctx, from, to)
	return reportLoad(s, res, err)
}

// reportLoad prints a batch result and maps a failed run to ExitFailure.
func reportLoad(s *session, res *ingest.BatchResult, runErr error) error {
	if res == nil {
		return failUnit(s.out, "load refused", runErr, nil)
	}

	view := loadView{
		RunID:           res.RunID,
		From:            res.From.String(),
		To:              res.To.String(),
		Loaded:          []loadMonthView{},
		Skipped:         []string{},
		Staging:         res.StagingPath,
		DurationSeconds: res.Duration.Seconds(),
	}
	for _, m := range res.Loaded {
		view.Loaded = append(view.Loaded, loadMonthView{
			Month:   m.Month.String(),
			Records: m.Records,
			Tenders: m.Tenders,
			Awards:  m.Awards,
		})
		s.out.Printf("%s  %d records, %d tenders, %d awards\n", m.Month, m.Records, m.Tenders, m.Awards)
	}
	for _, m := range res.Skipped {
		view.Skipped = append(view.Skipped, m.String())
		s.out.Printf("%s  skipped (no file)\n", m)
	}
	if res.Failed != nil {
		view.Failed = res.Failed.String()
	}

	if runErr != nil {
		if res.Failed != nil {
			return failUnit(s.out, "load aborted at "+res.Failed.String(), runErr, view)
		}
		return failUnit(s.out, "load failed", runErr, view)
	}

	if s.out.Format == "json" {
		return s.out.Success(view)
	}
	s.out.Printf("\nProcessed %d months, skipped %d, in %s.\n",
		res.Processed(), len(res.Skipped), res.Duration.Round(10*time.Millisecond))
	s.out.Printf("Result is in the staging store %s; run `ocdslake publish` to make it live.\n", res.StagingPath)
	return nil
}
