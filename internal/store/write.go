package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/roach88/ocdslake/internal/ocds"
)

// Load run statuses.
const (
	RunRunning  = "running"
	RunComplete = "complete"
	RunFailed   = "failed"
)

// MonthCounts is the number of rows a month holds in each table.
type MonthCounts struct {
	Tenders int
	Awards  int
}

// ReplaceMonth replaces every tenders and awards row of month with the given
// rows, inside one transaction. Either both tables end up holding exactly the
// new rows for month, or nothing changes.
//
// Rows repeating a primary key within the batch overwrite the earlier row,
// so the last occurrence wins. The returned counts are the rows stored for
// month after the replacement.
func (s *Store) ReplaceMonth(ctx context.Context, month string, tenders []ocds.TenderRow, awards []ocds.AwardRow) (MonthCounts, error) {
	if err := s.writable(); err != nil {
		return MonthCounts{}, fmt.Errorf("replace month: %w", err)
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return MonthCounts{}, fmt.Errorf("replace month: begin tx: %w", err)
	}
	defer tx.Rollback() // No-op if committed

	if _, err := tx.ExecContext(ctx, `DELETE FROM tenders WHERE month = ?`, month); err != nil {
		return MonthCounts{}, fmt.Errorf("replace month: delete tenders: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM awards WHERE month = ?`, month); err != nil {
		return MonthCounts{}, fmt.Errorf("replace month: delete awards: %w", err)
	}

	if err := insertTenders(ctx, tx, month, tenders); err != nil {
		return MonthCounts{}, err
	}
	if err := insertAwards(ctx, tx, month, awards); err != nil {
		return MonthCounts{}, err
	}

	counts, err := monthCounts(ctx, tx, month)
	if err != nil {
		return MonthCounts{}, fmt.Errorf("replace month: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return MonthCounts{}, fmt.Errorf("replace month: commit: %w", err)
	}
	return counts, nil
}

func insertTenders(ctx context.Context, tx *sql.Tx, month string, rows []ocds.TenderRow) error {
	stmt, err := tx.PrepareContext(ctx, `
		INSERT OR REPLACE INTO tenders
		(ocid, tender_id, buyer_name, title, date_published, procurement_method_details,
		 number_of_tenderers, status, status_details, month)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`)
	if err != nil {
		return fmt.Errorf("insert tenders: prepare: %w", err)
	}
	defer stmt.Close()

	for _, r := range rows {
		if r.Month != month {
			return fmt.Errorf("insert tenders: %s belongs to month %s, not %s", r.OCID, r.Month, month)
		}
		if _, err := stmt.ExecContext(ctx,
			r.OCID,
			r.TenderID,
			r.BuyerName,
			r.Title,
			r.DatePublished,
			r.ProcurementMethodDetails,
			r.NumberOfTenderers,
			r.Status,
			r.StatusDetails,
			r.Month,
		); err != nil {
			return fmt.Errorf("insert tenders: %s: %w", r.OCID, err)
		}
	}
	return nil
}

func insertAwards(ctx context.Context, tx *sql.Tx, month string, rows []ocds.AwardRow) error {
	stmt, err := tx.PrepareContext(ctx, `
		INSERT OR REPLACE INTO awards
		(ocid, tender_id, buyer_name, title, award_id, award_date, amount, currency,
		 supplier_name, supplier_id, month)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`)
	if err != nil {
		return fmt.Errorf("insert awards: prepare: %w", err)
	}
	defer stmt.Close()

	for _, r := range rows {
		if r.Month != month {
			return fmt.Errorf("insert awards: %s/%s belongs to month %s, not %s", r.OCID, r.AwardID, r.Month, month)
		}
		if _, err := stmt.ExecContext(ctx,
			r.OCID,
			r.TenderID,
			r.BuyerName,
			r.Title,
			r.AwardID,
			r.AwardDate,
			r.Amount,
			r.Currency,
			r.SupplierName,
			r.SupplierID,
			r.Month,
		); err != nil {
			return fmt.Errorf("insert awards: %s/%s: %w", r.OCID, r.AwardID, err)
		}
	}
	return nil
}

// BeginRun records the start of a Batch Loader run.
func (s *Store) BeginRun(ctx context.Context, id, fromMonth, toMonth string, startedAt time.Time) error {
	if err := s.writable(); err != nil {
		return fmt.Errorf("begin run: %w", err)
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO load_runs (id, started_at, status, from_month, to_month)
		VALUES (?, ?, ?, ?, ?)
	`, id, formatTime(startedAt), RunRunning, fromMonth, toMonth)
	if err != nil {
		return fmt.Errorf("begin run: %w", err)
	}
	return nil
}

// FinishRun records the outcome of a Batch Loader run. errMsg is stored only
// for failed runs.
func (s *Store) FinishRun(ctx context.Context, id, status string, processed, skipped int, errMsg string, finishedAt time.Time) error {
	if err := s.writable(); err != nil {
		return fmt.Errorf("finish run: %w", err)
	}
	var errVal any
	if errMsg != "" {
		errVal = errMsg
	}
	res, err := s.db.ExecContext(ctx, `
		UPDATE load_runs
		SET finished_at = ?, status = ?, processed = ?, skipped = ?, error = ?
		WHERE id = ?
	`, formatTime(finishedAt), status, processed, skipped, errVal, id)
	if err != nil {
		return fmt.Errorf("finish run: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("finish run: %w", err)
	}
	if n == 0 {
		return fmt.Errorf("finish run: no run with id %s", id)
	}
	return nil
}

func (s *Store) writable() error {
	if s.ReadOnly() {
		return fmt.Errorf("%s: %w", s.path, ErrReadOnly)
	}
	return nil
}

func formatTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}
