package pipeline

import "time"

// Clock supplies wall-clock time for every timestamp the pipeline records:
// manifest check/download times, changelog detection times, backup suffixes
// and load-run bookkeeping.
//
// Production code uses SystemClock. Tests inject testutil.FixedClock so that
// manifests, changelogs and backup names are reproducible.
type Clock interface {
	Now() time.Time
}

// SystemClock reads the real time, always in UTC.
//
// Thread-safety: SystemClock is stateless and safe for concurrent use.
type SystemClock struct{}

// Now returns the current UTC time.
func (SystemClock) Now() time.Time {
	return time.Now().UTC()
}
