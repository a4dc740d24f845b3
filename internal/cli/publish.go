package cli

import (
	"time"

	"github.com/spf13/cobra"

	"github.com/roach88/ocdslake/internal/publish"
)

// publishView is the JSON summary of a publish.
type publishView struct {
	RunID       string   `json:"run_id"`
	Served      string   `json:"served"`
	Tenders     int      `json:"tenders"`
	Awards      int      `json:"awards"`
	Months      []string `json:"months"`
	PublishedAt string   `json:"published_at"`
}

// NewPublishCommand creates the publish command.
func NewPublishCommand(rootOpts *RootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "publish",
		Short: "Swap the staging store in as the served snapshot",
		Long: `Verify the staging store and atomically replace the served snapshot
with it. Publishing is refused unless the latest load run into the staging
store completed and the store passes an integrity check; the served snapshot
is then left untouched.

Example:
  ocdslake publish`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runPublish(rootOpts, cmd)
		},
	}
	return cmd
}

func runPublish(opts *RootOptions, cmd *cobra.Command) error {
	s, err := newSession(opts, cmd)
	if err != nil {
		return err
	}
	defer s.close()

	ctx, stop := signalContext(cmd, s.logger)
	defer stop()

	res, err := publish.New(s.cfg, nil, s.logger, s.metrics).Publish(ctx)
	if err != nil {
		return failUnit(s.out, "publish refused", err, nil)
	}

	if s.out.Format == "json" {
		return s.out.Success(publishView{
			RunID:       res.RunID,
			Served:      res.Served,
			Tenders:     res.Tenders,
			Awards:      res.Awards,
			Months:      res.Months,
			PublishedAt: res.PublishedAt.Format(time.RFC3339),
		})
	}
	s.out.Printf("Published run %s: %d tenders, %d awards, %s\n",
		res.RunID, res.Tenders, res.Awards, monthSpan(res.Months))
	s.out.Printf("Serving %s\n", res.Served)
	return nil
}

func monthSpan(months []string) string {
	switch len(months) {
	case 0:
		return "no months"
	case 1:
		return "month " + months[0]
	default:
		return "months " + months[0] + " to " + months[len(months)-1]
	}
}
