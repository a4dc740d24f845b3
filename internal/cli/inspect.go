package cli

import (
	"os"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"github.com/roach88/ocdslake/internal/store"
)

// InspectOptions holds flags for the inspect command.
type InspectOptions struct {
	*RootOptions
	Staging bool
}

type inspectView struct {
	Path      string            `json:"path"`
	SizeBytes int64             `json:"size_bytes"`
	Tenders   int               `json:"tenders"`
	Awards    int               `json:"awards"`
	Buyers    []string          `json:"buyers"`
	Methods   []methodCountView `json:"methods"`
	Months    []string          `json:"months"`
	LatestRun *runView          `json:"latest_run,omitempty"`
}

type methodCountView struct {
	Method string `json:"method"`
	Count  int    `json:"count"`
}

type runView struct {
	ID         string `json:"id"`
	Status     string `json:"status"`
	From       string `json:"from"`
	To         string `json:"to"`
	Processed  int    `json:"processed"`
	Skipped    int    `json:"skipped"`
	StartedAt  string `json:"started_at"`
	FinishedAt string `json:"finished_at,omitempty"`
	Error      string `json:"error,omitempty"`
}

// NewInspectCommand creates the inspect command.
func NewInspectCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &InspectOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "inspect",
		Short: "Summarize the content of the served or staging store",
		Long: `Print row counts, buyers, the most used procurement methods, the
loaded months and the latest load run of a store. The store is opened
read-only.

Example:
  ocdslake inspect
  ocdslake inspect --staging --format json`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runInspect(opts, cmd)
		},
	}

	cmd.Flags().BoolVar(&opts.Staging, "staging", false, "inspect the staging store instead of the served snapshot")

	return cmd
}

func runInspect(opts *InspectOptions, cmd *cobra.Command) error {
	s, err := newSession(opts.RootOptions, cmd)
	if err != nil {
		return err
	}
	defer s.close()

	path := s.cfg.ServedStore
	if opts.Staging {
		path = s.cfg.StagingStore
	}
	fi, err := os.Stat(path)
	if err != nil {
		return failCommand(s.out, ErrCodeStore, "store not found", err)
	}

	st, err := store.OpenReadOnly(path)
	if err != nil {
		return failCommand(s.out, ErrCodeStore, "failed to open store", err)
	}
	defer st.Close()

	rep, err := st.Inspect(cmd.Context())
	if err != nil {
		return failCommand(s.out, ErrCodeStore, "failed to read store", err)
	}

	view := inspectView{
		Path:      rep.Path,
		SizeBytes: fi.Size(),
		Tenders:   rep.Tenders,
		Awards:    rep.Awards,
		Buyers:    rep.Buyers,
		Months:    rep.Months,
	}
	for _, m := range rep.Methods {
		view.Methods = append(view.Methods, methodCountView{Method: m.Method, Count: m.Count})
	}
	if r := rep.LatestRun; r != nil {
		view.LatestRun = &runView{
			ID:        r.ID,
			Status:    r.Status,
			From:      r.FromMonth,
			To:        r.ToMonth,
			Processed: r.Processed,
			Skipped:   r.Skipped,
			StartedAt: r.StartedAt.UTC().Format(time.RFC3339),
			Error:     r.Error,
		}
		if r.FinishedAt != nil {
			view.LatestRun.FinishedAt = r.FinishedAt.UTC().Format(time.RFC3339)
		}
	}

	if s.out.Format == "json" {
		return s.out.Success(view)
	}

	s.out.Printf("Store:   %s (%s)\n", view.Path, humanize.Bytes(uint64(view.SizeBytes)))
	s.out.Printf("Tenders: %s\n", humanize.Comma(int64(view.Tenders)))
	s.out.Printf("Awards:  %s\n", humanize.Comma(int64(view.Awards)))
	s.out.Printf("Months:  %s\n", monthSpan(view.Months))
	if len(view.Buyers) > 0 {
		s.out.Printf("\nBuyers:\n")
		for _, b := range view.Buyers {
			s.out.Printf("  %s\n", b)
		}
	}
	if len(view.Methods) > 0 {
		s.out.Printf("\nProcurement methods:\n")
		for _, m := range view.Methods {
			s.out.Printf("  %6s  %s\n", humanize.Comma(int64(m.Count)), orUnknown(m.Method))
		}
	}
	if r := view.LatestRun; r != nil {
		s.out.Printf("\nLatest run: %s %s (%s to %s), %d processed, %d skipped, started %s\n",
			r.ID, r.Status, r.From, r.To, r.Processed, r.Skipped, r.StartedAt)
		if r.Error != "" {
			s.out.Printf("  error: %s\n", r.Error)
		}
	} else {
		s.out.Printf("\nNo load runs recorded.\n")
	}
	return nil
}
