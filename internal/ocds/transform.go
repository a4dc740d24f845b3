package ocds

import (
	"fmt"
	"iter"

	"github.com/shopspring/decimal"

	"github.com/roach88/ocdslake/internal/period"
)

// TenderRow is one row of the tenders table.
type TenderRow struct {
	OCID                     string  `json:"ocid"`
	TenderID                 *string `json:"tender_id"`
	BuyerName                *string `json:"buyer_name"`
	Title                    *string `json:"title"`
	DatePublished            *string `json:"date_published"`
	ProcurementMethodDetails *string `json:"procurement_method_details"`
	NumberOfTenderers        *int64  `json:"number_of_tenderers"`
	Status                   *string `json:"status"`
	StatusDetails            *string `json:"status_details"`
	Month                    string  `json:"month"`
}

// AwardRow is one row of the awards table.
type AwardRow struct {
	OCID         string              `json:"ocid"`
	TenderID     *string             `json:"tender_id"`
	BuyerName    *string             `json:"buyer_name"`
	Title        *string             `json:"title"`
	AwardID      string              `json:"award_id"`
	AwardDate    *string             `json:"award_date"`
	Amount       decimal.NullDecimal `json:"amount"`
	Currency     *string             `json:"currency"`
	SupplierName *string             `json:"supplier_name"`
	SupplierID   *string             `json:"supplier_id"`
	Month        string              `json:"month"`
}

// Batch is the transformed content of one month's package.
type Batch struct {
	Month   period.Month
	Tenders []TenderRow
	Awards  []AwardRow

	// Records counts every record read, matched or not.
	Records int
}

// Transformer flattens records of one buyer into store rows.
type Transformer struct {
	// Buyer is matched byte-for-byte against compiledRelease.buyer.name.
	Buyer string
	Month period.Month
}

// Match reports whether rec belongs to the configured buyer.
func (t Transformer) Match(rec Record) bool {
	name := rec.CompiledRelease.BuyerName()
	return name != nil && *name == t.Buyer
}

// Rows flattens one matching record into a tender row and one award row per
// award. The record must satisfy Match.
func (t Transformer) Rows(rec Record) (TenderRow, []AwardRow, error) {
	rel := rec.CompiledRelease
	ocid := rec.OCID
	if ocid == "" {
		ocid = rel.OCID
	}
	if ocid == "" {
		return TenderRow{}, nil, fmt.Errorf("record without ocid")
	}

	month := t.Month.String()
	tender := rel.Tender
	if tender == nil {
		tender = &Tender{}
	}

	tr := TenderRow{
		OCID:                     ocid,
		TenderID:                 idString(tender.ID),
		BuyerName:                rel.BuyerName(),
		Title:                    tender.Title,
		DatePublished:            tender.DatePublished,
		ProcurementMethodDetails: firstNonNil(tender.ProcurementMethodDetails, tender.ProcurementMethod),
		NumberOfTenderers:        tender.NumberOfTenderers,
		Status:                   tender.Status,
		StatusDetails:            tender.StatusDetails,
		Month:                    month,
	}

	awards := make([]AwardRow, 0, len(rel.Awards))
	for i, a := range rel.Awards {
		if a.ID == nil {
			return TenderRow{}, nil, fmt.Errorf("%s: award %d without id", ocid, i)
		}
		ar := AwardRow{
			OCID:      ocid,
			TenderID:  tr.TenderID,
			BuyerName: tr.BuyerName,
			Title:     tr.Title,
			AwardID:   string(*a.ID),
			AwardDate: a.Date,
			Month:     month,
		}
		if a.Value != nil {
			ar.Amount = a.Value.Amount
			ar.Currency = a.Value.Currency
		}
		if len(a.Suppliers) > 0 {
			ar.SupplierName = a.Suppliers[0].Name
			ar.SupplierID = idString(a.Suppliers[0].ID)
		}
		awards = append(awards, ar)
	}
	return tr, awards, nil
}

// Transform reads every record from records and collects the rows of the
// configured buyer. The first read or shape error aborts the transform.
func (t Transformer) Transform(records iter.Seq2[Record, error]) (*Batch, error) {
	b := &Batch{Month: t.Month}
	for rec, err := range records {
		if err != nil {
			return nil, err
		}
		b.Records++
		if rec.CompiledRelease == nil || !t.Match(rec) {
			continue
		}
		tr, awards, err := t.Rows(rec)
		if err != nil {
			return nil, err
		}
		b.Tenders = append(b.Tenders, tr)
		b.Awards = append(b.Awards, awards...)
	}
	return b, nil
}

func idString(id *ID) *string {
	if id == nil {
		return nil
	}
	s := string(*id)
	return &s
}

func firstNonNil(vals ...*string) *string {
	for _, v := range vals {
		if v != nil {
			return v
		}
	}
	return nil
}
