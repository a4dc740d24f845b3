// Package export writes the served tables as CSV for public download.
package export

import (
	"context"
	"encoding/csv"
	"fmt"
	"io"

	"github.com/jszwec/csvutil"

	"github.com/roach88/ocdslake/internal/ocds"
	"github.com/roach88/ocdslake/internal/period"
	"github.com/roach88/ocdslake/internal/store"
)

// Table names an exportable table.
type Table string

const (
	Tenders Table = "tenders"
	Awards  Table = "awards"
)

// ParseTable validates a table name.
func ParseTable(s string) (Table, error) {
	switch t := Table(s); t {
	case Tenders, Awards:
		return t, nil
	default:
		return "", fmt.Errorf("unknown table %q (want %q or %q)", s, Tenders, Awards)
	}
}

// TenderCSV is one tenders row as published. Absent values are empty cells.
type TenderCSV struct {
	OCID                     string  `csv:"ocid"`
	TenderID                 *string `csv:"tender_id"`
	BuyerName                *string `csv:"buyer_name"`
	Title                    *string `csv:"title"`
	DatePublished            *string `csv:"date_published"`
	ProcurementMethodDetails *string `csv:"procurement_method_details"`
	NumberOfTenderers        *int64  `csv:"number_of_tenderers"`
	Status                   *string `csv:"status"`
	StatusDetails            *string `csv:"status_details"`
	Month                    string  `csv:"month"`
}

// AwardCSV is one awards row as published. Amount is the stored NUMERIC value
// in its shortest decimal form, so 15000.50 is written as 15000.5.
type AwardCSV struct {
	OCID         string  `csv:"ocid"`
	TenderID     *string `csv:"tender_id"`
	BuyerName    *string `csv:"buyer_name"`
	Title        *string `csv:"title"`
	AwardID      string  `csv:"award_id"`
	AwardDate    *string `csv:"award_date"`
	Amount       *string `csv:"amount"`
	Currency     *string `csv:"currency"`
	SupplierName *string `csv:"supplier_name"`
	SupplierID   *string `csv:"supplier_id"`
	Month        string  `csv:"month"`
}

// Exporter reads rows from a store.
type Exporter struct {
	store *store.Store
}

// New creates an Exporter over st, normally the served store opened
// read-only.
func New(st *store.Store) *Exporter {
	return &Exporter{store: st}
}

// Stats reports one export.
type Stats struct {
	Table Table
	Rows  int
	Bytes int64
}

// Write encodes table's rows for months from..to inclusive as CSV with a
// header line. An empty range still writes the header.
func (e *Exporter) Write(ctx context.Context, w io.Writer, table Table, from, to period.Month) (*Stats, error) {
	if to.Before(from) {
		return nil, fmt.Errorf("export: range %s..%s is inverted", from, to)
	}

	cw := &countingWriter{w: w}
	out := csv.NewWriter(cw)
	enc := csvutil.NewEncoder(out)

	var (
		n   int
		err error
	)
	switch table {
	case Tenders:
		n, err = e.writeTenders(ctx, enc, from, to)
	case Awards:
		n, err = e.writeAwards(ctx, enc, from, to)
	default:
		_, err = ParseTable(string(table))
	}
	if err != nil {
		return nil, err
	}

	out.Flush()
	if err := out.Error(); err != nil {
		return nil, fmt.Errorf("export: write csv: %w", err)
	}
	return &Stats{Table: table, Rows: n, Bytes: cw.n}, nil
}

func (e *Exporter) writeTenders(ctx context.Context, enc *csvutil.Encoder, from, to period.Month) (int, error) {
	rows, err := e.store.Tenders(ctx, from.String(), to.String())
	if err != nil {
		return 0, err
	}
	if err := enc.EncodeHeader(TenderCSV{}); err != nil {
		return 0, fmt.Errorf("export: header: %w", err)
	}
	for _, r := range rows {
		if err := enc.Encode(tenderCSV(r)); err != nil {
			return 0, fmt.Errorf("export: tender %s: %w", r.OCID, err)
		}
	}
	return len(rows), nil
}

func (e *Exporter) writeAwards(ctx context.Context, enc *csvutil.Encoder, from, to period.Month) (int, error) {
	rows, err := e.store.Awards(ctx, from.String(), to.String())
	if err != nil {
		return 0, err
	}
	if err := enc.EncodeHeader(AwardCSV{}); err != nil {
		return 0, fmt.Errorf("export: header: %w", err)
	}
	for _, r := range rows {
		if err := enc.Encode(awardCSV(r)); err != nil {
			return 0, fmt.Errorf("export: award %s/%s: %w", r.OCID, r.AwardID, err)
		}
	}
	return len(rows), nil
}

func tenderCSV(r ocds.TenderRow) TenderCSV {
	return TenderCSV{
		OCID:                     r.OCID,
		TenderID:                 r.TenderID,
		BuyerName:                r.BuyerName,
		Title:                    r.Title,
		DatePublished:            r.DatePublished,
		ProcurementMethodDetails: r.ProcurementMethodDetails,
		NumberOfTenderers:        r.NumberOfTenderers,
		Status:                   r.Status,
		StatusDetails:            r.StatusDetails,
		Month:                    r.Month,
	}
}

func awardCSV(r ocds.AwardRow) AwardCSV {
	out := AwardCSV{
		OCID:         r.OCID,
		TenderID:     r.TenderID,
		BuyerName:    r.BuyerName,
		Title:        r.Title,
		AwardID:      r.AwardID,
		AwardDate:    r.AwardDate,
		Currency:     r.Currency,
		SupplierName: r.SupplierName,
		SupplierID:   r.SupplierID,
		Month:        r.Month,
	}
	if r.Amount.Valid {
		s := r.Amount.Decimal.String()
		out.Amount = &s
	}
	return out
}

type countingWriter struct {
	w io.Writer
	n int64
}

func (c *countingWriter) Write(p []byte) (int, error) {
	n, err := c.w.Write(p)
	c.n += int64(n)
	return n, err
}
