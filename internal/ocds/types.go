// Package ocds reads OCDS record packages and flattens them into the rows
// the analytical store holds.
//
// Only the fields the store needs are decoded. Every optional field is a
// pointer (or a decimal.NullDecimal) so that an absent value stays absent all
// the way into the store instead of becoming zero or "".
package ocds

import (
	"bytes"
	"encoding/json"
	"fmt"

	"github.com/shopspring/decimal"
)

// Record is one element of a package's records array.
type Record struct {
	OCID            string   `json:"ocid"`
	CompiledRelease *Release `json:"compiledRelease"`
}

// Release is the compiled state of one contracting process.
type Release struct {
	OCID   string  `json:"ocid"`
	Buyer  *Party  `json:"buyer"`
	Tender *Tender `json:"tender"`
	Awards []Award `json:"awards"`
}

// Party is a buyer or supplier reference.
type Party struct {
	ID   *ID     `json:"id"`
	Name *string `json:"name"`
}

// Tender holds the tender fields carried into the tenders table.
type Tender struct {
	ID                       *ID     `json:"id"`
	Title                    *string `json:"title"`
	DatePublished            *string `json:"datePublished"`
	ProcurementMethod        *string `json:"procurementMethod"`
	ProcurementMethodDetails *string `json:"procurementMethodDetails"`
	NumberOfTenderers        *int64  `json:"numberOfTenderers"`
	Status                   *string `json:"status"`
	StatusDetails            *string `json:"statusDetails"`
}

// Award is one award of a process. Only the first supplier is kept
// downstream, but the whole list is decoded so the order is preserved.
type Award struct {
	ID        *ID     `json:"id"`
	Date      *string `json:"date"`
	Value     *Value  `json:"value"`
	Suppliers []Party `json:"suppliers"`
}

// Value is a monetary amount. The amount is decoded exactly as published; the
// store keeps it as an SQLite NUMERIC, so a fractional amount is read back as
// a REAL with its trailing zeros dropped.
type Value struct {
	Amount   decimal.NullDecimal `json:"amount"`
	Currency *string             `json:"currency"`
}

// ID is an OCDS identifier. Publishers emit identifiers as strings or as
// bare numbers; both decode to the same textual form.
type ID string

// UnmarshalJSON accepts a JSON string or number.
func (id *ID) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if len(data) > 0 && data[0] == '"' {
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return err
		}
		*id = ID(s)
		return nil
	}
	var n json.Number
	if err := json.Unmarshal(data, &n); err != nil {
		return fmt.Errorf("identifier must be a string or number, got %s", data)
	}
	*id = ID(n.String())
	return nil
}

// BuyerName returns the release's buyer name, or nil.
func (r *Release) BuyerName() *string {
	if r == nil || r.Buyer == nil {
		return nil
	}
	return r.Buyer.Name
}
