package testutil

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
)

// Process describes one contracting process for a fixture package.
// Empty strings and nil pointers are omitted from the generated JSON, so a
// fixture can express "field absent" as distinct from "field zero".
type Process struct {
	OCID          string
	Buyer         string
	TenderID      string
	Title         string
	DatePublished string
	Method        string
	MethodDetails string
	Tenderers     *int
	Status        string
	StatusDetails string
	Awards        []Award
}

// Award describes one award of a fixture process.
// Amount is emitted verbatim (use an int, a float or a json.Number).
type Award struct {
	ID        string
	Date      string
	Amount    any
	Currency  string
	Suppliers []Supplier
}

// Supplier is one entry of an award's supplier list.
type Supplier struct {
	ID   string
	Name string
}

// PackageBuilder assembles an OCDS record package like the monthly exports.
type PackageBuilder struct {
	published string
	processes []Process
}

// NewPackage starts a package whose package-level publishedDate is published.
// An empty published omits the field entirely.
func NewPackage(published string) *PackageBuilder {
	return &PackageBuilder{published: published}
}

// Add appends processes to the package.
func (b *PackageBuilder) Add(procs ...Process) *PackageBuilder {
	b.processes = append(b.processes, procs...)
	return b
}

// Bytes renders the package. encoding/json sorts map keys, which places
// publishedDate ahead of the records array.
func (b *PackageBuilder) Bytes() []byte {
	records := make([]any, 0, len(b.processes))
	for _, p := range b.processes {
		records = append(records, p.record())
	}

	pkg := map[string]any{
		"uri":       "https://ocds.guatecompras.gt/file/json",
		"version":   "1.1",
		"publisher": map[string]any{"name": "Guatecompras"},
		"records":   records,
	}
	if b.published != "" {
		pkg["publishedDate"] = b.published
	}

	data, err := json.MarshalIndent(pkg, "", "  ")
	if err != nil {
		panic(err)
	}
	return data
}

// WriteFile renders the package to path, creating parent directories.
func (b *PackageBuilder) WriteFile(t *testing.T, path string) {
	t.Helper()
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	if err := os.WriteFile(path, b.Bytes(), 0644); err != nil {
		t.Fatalf("write package: %v", err)
	}
}

// Ptr returns a pointer to v, for optional fixture fields.
func Ptr[T any](v T) *T {
	return &v
}

func (p Process) record() map[string]any {
	tender := map[string]any{}
	putString(tender, "id", p.TenderID)
	putString(tender, "title", p.Title)
	putString(tender, "datePublished", p.DatePublished)
	putString(tender, "procurementMethod", p.Method)
	putString(tender, "procurementMethodDetails", p.MethodDetails)
	putString(tender, "status", p.Status)
	putString(tender, "statusDetails", p.StatusDetails)
	if p.Tenderers != nil {
		tender["numberOfTenderers"] = *p.Tenderers
	}

	release := map[string]any{
		"tender": tender,
	}
	putString(release, "ocid", p.OCID)
	if p.Buyer != "" {
		release["buyer"] = map[string]any{"name": p.Buyer}
	}
	if len(p.Awards) > 0 {
		awards := make([]any, 0, len(p.Awards))
		for _, a := range p.Awards {
			awards = append(awards, a.object())
		}
		release["awards"] = awards
	}

	rec := map[string]any{"compiledRelease": release}
	putString(rec, "ocid", p.OCID)
	return rec
}

func (a Award) object() map[string]any {
	obj := map[string]any{}
	putString(obj, "id", a.ID)
	putString(obj, "date", a.Date)
	if a.Amount != nil || a.Currency != "" {
		value := map[string]any{}
		if a.Amount != nil {
			value["amount"] = a.Amount
		}
		putString(value, "currency", a.Currency)
		obj["value"] = value
	}
	suppliers := make([]any, 0, len(a.Suppliers))
	for _, s := range a.Suppliers {
		sup := map[string]any{}
		putString(sup, "id", s.ID)
		putString(sup, "name", s.Name)
		suppliers = append(suppliers, sup)
	}
	obj["suppliers"] = suppliers
	return obj
}

func putString(m map[string]any, key, value string) {
	if value != "" {
		m[key] = value
	}
}
