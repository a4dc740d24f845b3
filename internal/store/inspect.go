package store

import (
	"context"
	"database/sql"
	"fmt"
)

// Report summarizes a store's content for operators.
type Report struct {
	Path      string
	Tenders   int
	Awards    int
	Buyers    []string
	Methods   []MethodCount
	Months    []string
	LatestRun *Run
}

// MethodCount is the number of tenders using one procurement method.
type MethodCount struct {
	Method string
	Count  int
}

// topMethods bounds Report.Methods.
const topMethods = 10

// Inspect gathers row counts, distinct buyers, the most used procurement
// methods, loaded months and the latest load run.
func (s *Store) Inspect(ctx context.Context) (*Report, error) {
	r := &Report{Path: s.path}

	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM tenders`).Scan(&r.Tenders); err != nil {
		return nil, fmt.Errorf("inspect: count tenders: %w", err)
	}
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM awards`).Scan(&r.Awards); err != nil {
		return nil, fmt.Errorf("inspect: count awards: %w", err)
	}

	buyers, err := s.strings(ctx, `
		SELECT DISTINCT buyer_name FROM tenders
		WHERE buyer_name IS NOT NULL
		ORDER BY buyer_name COLLATE BINARY
	`)
	if err != nil {
		return nil, fmt.Errorf("inspect: buyers: %w", err)
	}
	r.Buyers = buyers

	months, err := s.strings(ctx, `
		SELECT month FROM tenders
		UNION
		SELECT month FROM awards
		ORDER BY 1
	`)
	if err != nil {
		return nil, fmt.Errorf("inspect: months: %w", err)
	}
	r.Months = months

	rows, err := s.db.QueryContext(ctx, `
		SELECT COALESCE(procurement_method_details, ''), COUNT(*) AS n
		FROM tenders
		GROUP BY 1
		ORDER BY n DESC, 1 ASC
		LIMIT ?
	`, topMethods)
	if err != nil {
		return nil, fmt.Errorf("inspect: methods: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var m MethodCount
		if err := rows.Scan(&m.Method, &m.Count); err != nil {
			return nil, fmt.Errorf("inspect: scan method: %w", err)
		}
		r.Methods = append(r.Methods, m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("inspect: methods: %w", err)
	}

	run, err := s.LatestRun(ctx)
	if err != nil {
		return nil, fmt.Errorf("inspect: %w", err)
	}
	r.LatestRun = run

	return r, nil
}

func (s *Store) strings(ctx context.Context, query string, args ...any) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []string
	for rows.Next() {
		var v sql.NullString
		if err := rows.Scan(&v); err != nil {
			return nil, err
		}
		out = append(out, v.String)
	}
	return out, rows.Err()
}
