package store

import (
	"path/filepath"
	"testing"

	"github.com/shopspring/decimal"

	"github.com/roach88/ocdslake/internal/ocds"
)

// createTestStore creates a new file-backed store for testing.
func createTestStore(t *testing.T) *Store {
	t.Helper()
	path := filepath.Join(t.TempDir(), "test.db")
	s, err := Open(path)
	if err != nil {
		t.Fatalf("Open() failed: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func strPtr(s string) *string { return &s }

// createTestTender creates a tender row with the buyer and title set.
func createTestTender(ocid, month string) ocds.TenderRow {
	return ocds.TenderRow{
		OCID:      ocid,
		TenderID:  strPtr("NOG-" + ocid),
		BuyerName: strPtr("MUNICIPALIDAD"),
		Title:     strPtr("Title " + ocid),
		Month:     month,
	}
}

// createTestAward creates an award row with an amount in GTQ.
func createTestAward(ocid, awardID, month, amount string) ocds.AwardRow {
	return ocds.AwardRow{
		OCID:         ocid,
		BuyerName:    strPtr("MUNICIPALIDAD"),
		AwardID:      awardID,
		Amount:       decimal.NewNullDecimal(decimal.RequireFromString(amount)),
		Currency:     strPtr("GTQ"),
		SupplierName: strPtr("Proveedor " + awardID),
		Month:        month,
	}
}

// failAwardInserts makes every later insert into awards abort, simulating a
// failure between the tenders and awards inserts of a month load.
func failAwardInserts(t *testing.T, s *Store) {
	t.Helper()
	_, err := s.db.Exec(`
		CREATE TRIGGER fail_awards BEFORE INSERT ON awards
		BEGIN SELECT RAISE(ABORT, 'simulated awards failure'); END
	`)
	if err != nil {
		t.Fatalf("create trigger: %v", err)
	}
}
