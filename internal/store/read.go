package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/roach88/ocdslake/internal/ocds"
)

// querier is satisfied by both *sql.DB and *sql.Tx.
type querier interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// Run is one row of load_runs.
type Run struct {
	ID         string
	StartedAt  time.Time
	FinishedAt *time.Time
	Status     string
	FromMonth  string
	ToMonth    string
	Processed  int
	Skipped    int
	Error      string
}

// MonthCounts returns how many rows month holds in each table.
func (s *Store) MonthCounts(ctx context.Context, month string) (MonthCounts, error) {
	return monthCounts(ctx, s.db, month)
}

func monthCounts(ctx context.Context, q querier, month string) (MonthCounts, error) {
	var c MonthCounts
	if err := q.QueryRowContext(ctx, `SELECT COUNT(*) FROM tenders WHERE month = ?`, month).Scan(&c.Tenders); err != nil {
		return MonthCounts{}, fmt.Errorf("count tenders: %w", err)
	}
	if err := q.QueryRowContext(ctx, `SELECT COUNT(*) FROM awards WHERE month = ?`, month).Scan(&c.Awards); err != nil {
		return MonthCounts{}, fmt.Errorf("count awards: %w", err)
	}
	return c, nil
}

// LatestRun returns the most recently started load run, or nil if the store
// has never been loaded by a Batch Loader.
func (s *Store) LatestRun(ctx context.Context) (*Run, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, started_at, finished_at, status, from_month, to_month, processed, skipped, error
		FROM load_runs
		ORDER BY started_at DESC, rowid DESC
		LIMIT 1
	`)

	var (
		r          Run
		startedAt  string
		finishedAt sql.NullString
		errMsg     sql.NullString
	)
	err := row.Scan(&r.ID, &startedAt, &finishedAt, &r.Status, &r.FromMonth, &r.ToMonth,
		&r.Processed, &r.Skipped, &errMsg)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("latest run: %w", err)
	}

	if r.StartedAt, err = time.Parse(time.RFC3339Nano, startedAt); err != nil {
		return nil, fmt.Errorf("latest run: started_at: %w", err)
	}
	if finishedAt.Valid {
		t, err := time.Parse(time.RFC3339Nano, finishedAt.String)
		if err != nil {
			return nil, fmt.Errorf("latest run: finished_at: %w", err)
		}
		r.FinishedAt = &t
	}
	r.Error = errMsg.String
	return &r, nil
}

// Tenders returns the tenders rows with month in [fromMonth, toMonth],
// ordered by month then ocid.
func (s *Store) Tenders(ctx context.Context, fromMonth, toMonth string) ([]ocds.TenderRow, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT ocid, tender_id, buyer_name, title, date_published, procurement_method_details,
		       number_of_tenderers, status, status_details, month
		FROM tenders
		WHERE month BETWEEN ? AND ?
		ORDER BY month ASC, ocid COLLATE BINARY ASC
	`, fromMonth, toMonth)
	if err != nil {
		return nil, fmt.Errorf("query tenders: %w", err)
	}
	defer rows.Close()

	out := []ocds.TenderRow{}
	for rows.Next() {
		var r ocds.TenderRow
		if err := rows.Scan(&r.OCID, &r.TenderID, &r.BuyerName, &r.Title, &r.DatePublished,
			&r.ProcurementMethodDetails, &r.NumberOfTenderers, &r.Status, &r.StatusDetails, &r.Month); err != nil {
			return nil, fmt.Errorf("scan tender: %w", err)
		}
		out = append(out, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate tenders: %w", err)
	}
	return out, nil
}

// Awards returns the awards rows with month in [fromMonth, toMonth],
// ordered by month, ocid then award id.
func (s *Store) Awards(ctx context.Context, fromMonth, toMonth string) ([]ocds.AwardRow, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT ocid, tender_id, buyer_name, title, award_id, award_date, amount, currency,
		       supplier_name, supplier_id, month
		FROM awards
		WHERE month BETWEEN ? AND ?
		ORDER BY month ASC, ocid COLLATE BINARY ASC, award_id COLLATE BINARY ASC
	`, fromMonth, toMonth)
	if err != nil {
		return nil, fmt.Errorf("query awards: %w", err)
	}
	defer rows.Close()

	out := []ocds.AwardRow{}
	for rows.Next() {
		var r ocds.AwardRow
		if err := rows.Scan(&r.OCID, &r.TenderID, &r.BuyerName, &r.Title, &r.AwardID, &r.AwardDate,
			&r.Amount, &r.Currency, &r.SupplierName, &r.SupplierID, &r.Month); err != nil {
			return nil, fmt.Errorf("scan award: %w", err)
		}
		out = append(out, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate awards: %w", err)
	}
	return out, nil
}
