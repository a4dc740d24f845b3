package cli

import (
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"github.com/roach88/ocdslake/internal/export"
	"github.com/roach88/ocdslake/internal/period"
	"github.com/roach88/ocdslake/internal/store"
)

// ExportOptions holds flags for the export command.
type ExportOptions struct {
	*RootOptions
	Table   string
	From    string
	To      string
	Out     string
	Staging bool
}

type exportView struct {
	Table string `json:"table"`
	From  string `json:"from"`
	To    string `json:"to"`
	Rows  int    `json:"rows"`
	Bytes int64  `json:"bytes"`
	Out   string `json:"out"`
}

// NewExportCommand creates the export command.
func NewExportCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &ExportOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "export",
		Short: "Write tenders or awards of the served snapshot as CSV",
		Long: `Write the rows of one table for a range of months as CSV. The range
defaults to every month in the store. With --out - (the default) the CSV
goes to standard output and nothing else is printed there.

Example:
  ocdslake export --table tenders --from 2026-01 --to 2026-02 --out tenders.csv
  ocdslake export --table awards > awards.csv`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runExport(opts, cmd)
		},
	}

	cmd.Flags().StringVar(&opts.Table, "table", string(export.Tenders), "table to export (tenders|awards)")
	cmd.Flags().StringVar(&opts.From, "from", "", "first month, YYYY-MM (default: first month in the store)")
	cmd.Flags().StringVar(&opts.To, "to", "", "last month, YYYY-MM (default: last month in the store)")
	cmd.Flags().StringVarP(&opts.Out, "out", "o", "-", "output file, or - for standard output")
	cmd.Flags().BoolVar(&opts.Staging, "staging", false, "export from the staging store")

	return cmd
}

func runExport(opts *ExportOptions, cmd *cobra.Command) error {
	s, err := newSession(opts.RootOptions, cmd)
	if err != nil {
		return err
	}
	defer s.close()

	table, err := export.ParseTable(opts.Table)
	if err != nil {
		return failCommand(s.out, ErrCodeUsage, "invalid --table", err)
	}

	path := s.cfg.ServedStore
	if opts.Staging {
		path = s.cfg.StagingStore
	}
	if _, err := os.Stat(path); err != nil {
		return failCommand(s.out, ErrCodeStore, "store not found", err)
	}
	st, err := store.OpenReadOnly(path)
	if err != nil {
		return failCommand(s.out, ErrCodeStore, "failed to open store", err)
	}
	defer st.Close()

	ctx := cmd.Context()
	from, to, err := exportRange(cmd, st, opts.From, opts.To)
	if err != nil {
		return failCommand(s.out, ErrCodeUsage, "invalid month range", err)
	}

	var w io.Writer = cmd.OutOrStdout()
	toStdout := opts.Out == "-" || opts.Out == ""
	var f *os.File
	if !toStdout {
		if err := os.MkdirAll(filepath.Dir(opts.Out), 0755); err != nil {
			return failCommand(s.out, ErrCodeGeneric, "failed to create output directory", err)
		}
		f, err = os.Create(opts.Out)
		if err != nil {
			return failCommand(s.out, ErrCodeGeneric, "failed to create output file", err)
		}
		w = f
	}

	stats, err := export.New(st).Write(ctx, w, table, from, to)
	if f != nil {
		if cerr := f.Close(); err == nil {
			err = cerr
		}
	}
	if err != nil {
		return failCommand(s.out, ErrCodeStore, "export failed", err)
	}

	s.logger.Info("export written", "table", table, "from", from.String(), "to", to.String(),
		"rows", stats.Rows, "bytes", stats.Bytes, "out", opts.Out)

	if toStdout {
		return nil
	}
	if s.out.Format == "json" {
		return s.out.Success(exportView{
			Table: string(table),
			From:  from.String(),
			To:    to.String(),
			Rows:  stats.Rows,
			Bytes: stats.Bytes,
			Out:   opts.Out,
		})
	}
	s.out.Printf("Wrote %s %s rows (%s) to %s\n",
		humanize.Comma(int64(stats.Rows)), table, humanize.Bytes(uint64(stats.Bytes)), opts.Out)
	return nil
}

// exportRange resolves --from and --to, defaulting to the first and last
// month the store holds. With one flag given on an empty store, the range is
// that single month.
func exportRange(cmd *cobra.Command, st *store.Store, fromArg, toArg string) (period.Month, period.Month, error) {
	var from, to period.Month
	var err error
	if fromArg != "" {
		if from, err = period.Parse(fromArg); err != nil {
			return from, to, fmt.Errorf("--from: %w", err)
		}
	}
	if toArg != "" {
		if to, err = period.Parse(toArg); err != nil {
			return from, to, fmt.Errorf("--to: %w", err)
		}
	}
	if fromArg != "" && toArg != "" {
		return from, to, nil
	}

	rep, err := st.Inspect(cmd.Context())
	if err != nil {
		return from, to, err
	}
	first, last := from, to
	if len(rep.Months) > 0 {
		if first, err = period.Parse(rep.Months[0]); err != nil {
			return from, to, err
		}
		if last, err = period.Parse(rep.Months[len(rep.Months)-1]); err != nil {
			return from, to, err
		}
	}
	if fromArg == "" {
		from = first
	}
	if toArg == "" {
		to = last
	}
	if from.IsZero() && to.IsZero() {
		return from, to, fmt.Errorf("store holds no months; pass --from and --to")
	}
	if from.IsZero() {
		from = to
	}
	if to.IsZero() {
		to = from
	}
	return from, to, nil
}
