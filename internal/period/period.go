// Package period models the (year, month) key every monthly package is
// identified by.
package period

import (
	"fmt"
	"time"
)

// Month identifies one monthly package. The zero value is invalid.
type Month struct {
	Year  int
	Month time.Month
}

// New returns the month key for year/month. It panics if month is outside 1..12.
func New(year int, month int) Month {
	if month < 1 || month > 12 {
		panic(fmt.Sprintf("period: month %d out of range", month))
	}
	return Month{Year: year, Month: time.Month(month)}
}

// Parse reads a "YYYY-MM" key.
func Parse(s string) (Month, error) {
	t, err := time.Parse("2006-01", s)
	if err != nil {
		return Month{}, fmt.Errorf("invalid month %q: want YYYY-MM", s)
	}
	return Month{Year: t.Year(), Month: t.Month()}, nil
}

// String formats the key as "YYYY-MM", the value of the month column.
func (m Month) String() string {
	return fmt.Sprintf("%04d-%02d", m.Year, int(m.Month))
}

// IsZero reports whether m is the zero value.
func (m Month) IsZero() bool {
	return m.Year == 0 && m.Month == 0
}

// Next returns the following month.
func (m Month) Next() Month {
	if m.Month == time.December {
		return Month{Year: m.Year + 1, Month: time.January}
	}
	return Month{Year: m.Year, Month: m.Month + 1}
}

// Before reports whether m is strictly earlier than o.
func (m Month) Before(o Month) bool {
	if m.Year != o.Year {
		return m.Year < o.Year
	}
	return m.Month < o.Month
}

// Range returns every month from..to inclusive, in order.
// Returns an error if from is after to.
func Range(from, to Month) ([]Month, error) {
	if to.Before(from) {
		return nil, fmt.Errorf("invalid range %s..%s: start is after end", from, to)
	}
	var months []Month
	for m := from; !to.Before(m); m = m.Next() {
		months = append(months, m)
	}
	return months, nil
}

// Bounds builds the inclusive range the CLI flags describe: fromYear-fromMonth
// through toYear-toMonth. Both months must be in 1-12.
func Bounds(fromYear, fromMonth, toYear, toMonth int) (Month, Month, error) {
	if fromMonth < 1 || fromMonth > 12 {
		return Month{}, Month{}, fmt.Errorf("from-month %d out of range 1-12", fromMonth)
	}
	if toMonth < 1 || toMonth > 12 {
		return Month{}, Month{}, fmt.Errorf("to-month %d out of range 1-12", toMonth)
	}
	from, to := New(fromYear, fromMonth), New(toYear, toMonth)
	if to.Before(from) {
		return Month{}, Month{}, fmt.Errorf("from %s must not be after to %s", from, to)
	}
	return from, to, nil
}
