package cli

import (
	"github.com/spf13/cobra"

	"github.com/roach88/ocdslake/internal/period"
)

// rangeFlags are the month range flags shared by download and load-range.
// The last year stops at --to-month; every other year runs to December.
type rangeFlags struct {
	FromYear  int
	FromMonth int
	ToYear    int
	ToMonth   int
}

func (r *rangeFlags) register(cmd *cobra.Command, fromYear, toYear int) {
	cmd.Flags().IntVar(&r.FromYear, "from-year", fromYear, "first year")
	cmd.Flags().IntVar(&r.FromMonth, "from-month", 1, "first month of the first year (1-12)")
	cmd.Flags().IntVar(&r.ToYear, "to-year", toYear, "last year")
	cmd.Flags().IntVar(&r.ToMonth, "to-month", 12, "last month of the last year (1-12)")
}

func (r *rangeFlags) bounds() (period.Month, period.Month, error) {
	return period.Bounds(r.FromYear, r.FromMonth, r.ToYear, r.ToMonth)
}
