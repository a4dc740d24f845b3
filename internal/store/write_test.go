package store

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/roach88/ocdslake/internal/ocds"
)

func TestReplaceMonth_InsertsRows(t *testing.T) {
	s := createTestStore(t)
	ctx := context.Background()

	counts, err := s.ReplaceMonth(ctx, "2026-02",
		[]ocds.TenderRow{createTestTender("ocds-1", "2026-02"), createTestTender("ocds-2", "2026-02")},
		[]ocds.AwardRow{createTestAward("ocds-1", "A-1", "2026-02", "15000")},
	)
	if err != nil {
		t.Fatalf("ReplaceMonth() failed: %v", err)
	}
	if counts.Tenders != 2 || counts.Awards != 1 {
		t.Errorf("counts = %+v, want 2 tenders 1 award", counts)
	}
}

func TestReplaceMonth_IsIdempotent(t *testing.T) {
	s := createTestStore(t)
	ctx := context.Background()

	tenders := []ocds.TenderRow{createTestTender("ocds-1", "2026-02"), createTestTender("ocds-2", "2026-02")}
	awards := []ocds.AwardRow{createTestAward("ocds-1", "A-1", "2026-02", "15000")}

	for i := 0; i < 2; i++ {
		if _, err := s.ReplaceMonth(ctx, "2026-02", tenders, awards); err != nil {
			t.Fatalf("ReplaceMonth() run %d failed: %v", i, err)
		}
	}

	counts, err := s.MonthCounts(ctx, "2026-02")
	if err != nil {
		t.Fatal(err)
	}
	if counts.Tenders != 2 || counts.Awards != 1 {
		t.Errorf("after reload counts = %+v, want 2 tenders 1 award", counts)
	}
}

func TestReplaceMonth_RemovesVanishedRows(t *testing.T) {
	s := createTestStore(t)
	ctx := context.Background()

	if _, err := s.ReplaceMonth(ctx, "2026-02",
		[]ocds.TenderRow{createTestTender("ocds-1", "2026-02"), createTestTender("ocds-2", "2026-02")}, nil); err != nil {
		t.Fatal(err)
	}
	counts, err := s.ReplaceMonth(ctx, "2026-02", []ocds.TenderRow{createTestTender("ocds-2", "2026-02")}, nil)
	if err != nil {
		t.Fatal(err)
	}
	if counts.Tenders != 1 {
		t.Errorf("tenders = %d, want 1", counts.Tenders)
	}
}

func TestReplaceMonth_LeavesOtherMonths(t *testing.T) {
	s := createTestStore(t)
	ctx := context.Background()

	if _, err := s.ReplaceMonth(ctx, "2026-01", []ocds.TenderRow{createTestTender("ocds-1", "2026-01")}, nil); err != nil {
		t.Fatal(err)
	}
	if _, err := s.ReplaceMonth(ctx, "2026-02", nil, nil); err != nil {
		t.Fatal(err)
	}

	counts, err := s.MonthCounts(ctx, "2026-01")
	if err != nil {
		t.Fatal(err)
	}
	if counts.Tenders != 1 {
		t.Errorf("2026-01 tenders = %d, want 1", counts.Tenders)
	}
}

func TestReplaceMonth_DuplicateKeyLastWins(t *testing.T) {
	s := createTestStore(t)
	ctx := context.Background()

	first := createTestTender("ocds-1", "2026-02")
	second := createTestTender("ocds-1", "2026-02")
	second.Title = strPtr("Revised")

	counts, err := s.ReplaceMonth(ctx, "2026-02", []ocds.TenderRow{first, second}, nil)
	if err != nil {
		t.Fatal(err)
	}
	if counts.Tenders != 1 {
		t.Fatalf("tenders = %d, want 1", counts.Tenders)
	}

	rows, err := s.Tenders(ctx, "2026-02", "2026-02")
	if err != nil {
		t.Fatal(err)
	}
	if got := *rows[0].Title; got != "Revised" {
		t.Errorf("title = %q, want Revised", got)
	}
}

func TestReplaceMonth_FailureAfterTendersRollsBack(t *testing.T) {
	s := createTestStore(t)
	ctx := context.Background()

	// A previous good load of the month must survive the failed reload.
	if _, err := s.ReplaceMonth(ctx, "2026-02",
		[]ocds.TenderRow{createTestTender("ocds-old", "2026-02")},
		[]ocds.AwardRow{createTestAward("ocds-old", "A-0", "2026-02", "1")},
	); err != nil {
		t.Fatal(err)
	}

	failAwardInserts(t, s)

	_, err := s.ReplaceMonth(ctx, "2026-02",
		[]ocds.TenderRow{createTestTender("ocds-1", "2026-02")},
		[]ocds.AwardRow{createTestAward("ocds-1", "A-1", "2026-02", "15000")},
	)
	if err == nil {
		t.Fatal("expected ReplaceMonth to fail")
	}
	if !strings.Contains(err.Error(), "simulated awards failure") {
		t.Errorf("error = %v, want simulated failure", err)
	}

	rows, err := s.Tenders(ctx, "2026-02", "2026-02")
	if err != nil {
		t.Fatal(err)
	}
	if len(rows) != 1 || rows[0].OCID != "ocds-old" {
		t.Errorf("tenders after rollback = %+v, want only ocds-old", rows)
	}
}

func TestReplaceMonth_FailureOnFreshMonthLeavesNothing(t *testing.T) {
	s := createTestStore(t)
	ctx := context.Background()
	failAwardInserts(t, s)

	_, err := s.ReplaceMonth(ctx, "2026-02",
		[]ocds.TenderRow{createTestTender("ocds-1", "2026-02")},
		[]ocds.AwardRow{createTestAward("ocds-1", "A-1", "2026-02", "15000")},
	)
	if err == nil {
		t.Fatal("expected ReplaceMonth to fail")
	}

	counts, err := s.MonthCounts(ctx, "2026-02")
	if err != nil {
		t.Fatal(err)
	}
	if counts.Tenders != 0 || counts.Awards != 0 {
		t.Errorf("counts = %+v, want zero rows", counts)
	}
}

func TestReplaceMonth_RejectsForeignMonthRows(t *testing.T) {
	s := createTestStore(t)
	_, err := s.ReplaceMonth(context.Background(), "2026-02",
		[]ocds.TenderRow{createTestTender("ocds-1", "2026-03")}, nil)
	if err == nil {
		t.Fatal("expected error for a row of another month")
	}
}

func TestRuns_BeginFinishLatest(t *testing.T) {
	s := createTestStore(t)
	ctx := context.Background()
	start := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)

	run, err := s.LatestRun(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if run != nil {
		t.Fatalf("LatestRun() on empty store = %+v, want nil", run)
	}

	if err := s.BeginRun(ctx, "run-1", "2026-01", "2026-02", start); err != nil {
		t.Fatal(err)
	}
	if err := s.FinishRun(ctx, "run-1", RunComplete, 2, 0, "", start.Add(time.Minute)); err != nil {
		t.Fatal(err)
	}
	if err := s.BeginRun(ctx, "run-2", "2026-01", "2026-03", start.Add(time.Hour)); err != nil {
		t.Fatal(err)
	}

	run, err = s.LatestRun(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if run.ID != "run-2" || run.Status != RunRunning || run.FinishedAt != nil {
		t.Errorf("LatestRun() = %+v, want run-2 still running", run)
	}

	if err := s.FinishRun(ctx, "run-2", RunFailed, 1, 0, "LOAD_FAILED: boom", start.Add(2*time.Hour)); err != nil {
		t.Fatal(err)
	}
	run, err = s.LatestRun(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if run.Status != RunFailed || run.Error != "LOAD_FAILED: boom" || run.Processed != 1 {
		t.Errorf("LatestRun() = %+v", run)
	}
	if !run.StartedAt.Equal(start.Add(time.Hour)) {
		t.Errorf("StartedAt = %v", run.StartedAt)
	}
}

func TestFinishRun_UnknownID(t *testing.T) {
	s := createTestStore(t)
	if err := s.FinishRun(context.Background(), "nope", RunComplete, 0, 0, "", time.Now()); err == nil {
		t.Error("expected error for unknown run id")
	}
}
