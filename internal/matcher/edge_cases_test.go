package matcher

import (
	"testing"

	"github.com/shopspring/decimal"

	"github.com/Enucatl/send-bills/internal/models"
)

func TestDetectDuplicates(t *testing.T) {
	at := func(row int, remittance, amount string) *models.Transaction {
		tx := newTransaction(remittance, "", "CHF")
		tx.Row = row
		tx.Amount = decimal.RequireFromString(amount)
		return tx
	}

	txs := []*models.Transaction{
		at(2, refOne, "100.00"),
		at(3, "RF74 0000 0000 01", "100.00"),
		at(4, refOne, "50.00"),
		at(5, refTwo, "100.00"),
		at(6, "no reference", "100.00"),
		at(7, "no reference", "100.00"),
		at(8, "Rent "+refOne, "100.00"),
	}

	groups := DetectDuplicates(txs)
	if len(groups) != 1 {
		t.Fatalf("Expected 1 group, got %d: %+v", len(groups), groups)
	}
	g := groups[0]
	if g.Reference != refOne {
		t.Errorf("Expected reference %s, got %s", refOne, g.Reference)
	}
	want := []int{2, 3, 8}
	if len(g.Rows) != len(want) {
		t.Fatalf("Expected rows %v, got %v", want, g.Rows)
	}
	for i := range want {
		if g.Rows[i] != want[i] {
			t.Errorf("Expected rows %v, got %v", want, g.Rows)
			break
		}
	}
	if g.Reason() == "" {
		t.Error("Expected a reason")
	}
}

func TestDetectDuplicatesNone(t *testing.T) {
	if groups := DetectDuplicates(nil); len(groups) != 0 {
		t.Errorf("Expected no groups, got %+v", groups)
	}
}
