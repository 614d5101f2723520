package matcher

import (
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"github.com/Enucatl/send-bills/internal/models"
)

const (
	refOne = "RF740000000001"
	refTwo = "RF470000000002"

	accountAcme  = "CH93 0076 2011 6238 5295 7"
	accountOther = "DE89370400440532013000"
)

var (
	acme  = &models.Creditor{ID: "cr-acme", Name: "Acme Rentals", IBAN: "CH9300762011623852957"}
	other = &models.Creditor{ID: "cr-other", Name: "Other GmbH", IBAN: accountOther}
)

func newBill(id, creditorID, ref string, status models.BillStatus) *models.Bill {
	return &models.Bill{
		ID:         id,
		CreditorID: creditorID,
		ContactID:  "ct-1",
		Amount:     decimal.RequireFromString("100.00"),
		Currency:   "CHF",
		Reference:  ref,
		Status:     status,
		Version:    1,
	}
}

func newTransaction(remittance, account, currency string) *models.Transaction {
	return &models.Transaction{
		Row:             2,
		ValueDate:       time.Date(2024, 2, 10, 0, 0, 0, 0, time.UTC),
		Amount:          decimal.RequireFromString("100.00"),
		Currency:        currency,
		CreditorAccount: account,
		RemittanceText:  remittance,
	}
}

func TestMatch(t *testing.T) {
	tests := []struct {
		name       string
		bills      []*models.Bill
		tx         *models.Transaction
		wantKind   OutcomeKind
		wantReason UnmatchedReason
		wantBill   string
	}{
		{
			name:       "no reference",
			bills:      []*models.Bill{newBill("b1", acme.ID, refOne, models.StatusSent)},
			tx:         newTransaction("thanks for the flat", accountAcme, "CHF"),
			wantKind:   KindUnmatched,
			wantReason: ReasonNoReference,
		},
		{
			name:       "checksum failed",
			bills:      []*models.Bill{newBill("b1", acme.ID, refOne, models.StatusSent)},
			tx:         newTransaction("Payment RF75 0000 0000 01", accountAcme, "CHF"),
			wantKind:   KindUnmatched,
			wantReason: ReasonChecksumFailed,
		},
		{
			name:     "orphan reference",
			bills:    []*models.Bill{newBill("b1", acme.ID, refOne, models.StatusSent)},
			tx:       newTransaction("Payment RF47 0000 0000 02", accountAcme, "CHF"),
			wantKind: KindOrphanReference,
		},
		{
			name:     "sent bill",
			bills:    []*models.Bill{newBill("b1", acme.ID, refOne, models.StatusSent)},
			tx:       newTransaction("Payment RF74 0000 0000 01", accountAcme, "CHF"),
			wantKind: KindMatched,
			wantBill: "b1",
		},
		{
			name:     "pending bill is open",
			bills:    []*models.Bill{newBill("b1", acme.ID, refOne, models.StatusPending)},
			tx:       newTransaction(refOne, accountAcme, "CHF"),
			wantKind: KindMatched,
			wantBill: "b1",
		},
		{
			name:     "overdue bill without account",
			bills:    []*models.Bill{newBill("b1", acme.ID, refOne, models.StatusOverdue)},
			tx:       newTransaction(refOne, "", ""),
			wantKind: KindMatched,
			wantBill: "b1",
		},
		{
			name:     "paid bill",
			bills:    []*models.Bill{newBill("b1", acme.ID, refOne, models.StatusPaid)},
			tx:       newTransaction(refOne, accountAcme, "CHF"),
			wantKind: KindAlreadySettled,
			wantBill: "b1",
		},
		{
			name:       "cancelled bill",
			bills:      []*models.Bill{newBill("b1", acme.ID, refOne, models.StatusCancelled)},
			tx:         newTransaction(refOne, accountAcme, "CHF"),
			wantKind:   KindUnmatched,
			wantReason: ReasonBillCancelled,
			wantBill:   "b1",
		},
		{
			name:       "currency mismatch",
			bills:      []*models.Bill{newBill("b1", acme.ID, refOne, models.StatusSent)},
			tx:         newTransaction(refOne, accountAcme, "EUR"),
			wantKind:   KindUnmatched,
			wantReason: ReasonCurrencyMismatch,
			wantBill:   "b1",
		},
		{
			name:       "account of another creditor",
			bills:      []*models.Bill{newBill("b1", acme.ID, refOne, models.StatusSent)},
			tx:         newTransaction(refOne, accountOther, "CHF"),
			wantKind:   KindUnmatched,
			wantReason: ReasonAccountMismatch,
			wantBill:   "b1",
		},
		{
			name: "same reference at two creditors",
			bills: []*models.Bill{
				newBill("b1", acme.ID, refOne, models.StatusSent),
				newBill("b2", other.ID, refOne, models.StatusSent),
			},
			tx:         newTransaction(refOne, "", "CHF"),
			wantKind:   KindUnmatched,
			wantReason: ReasonAmbiguous,
		},
		{
			name: "account disambiguates creditors",
			bills: []*models.Bill{
				newBill("b1", acme.ID, refOne, models.StatusSent),
				newBill("b2", other.ID, refOne, models.StatusSent),
			},
			tx:       newTransaction(refOne, accountOther, "CHF"),
			wantKind: KindMatched,
			wantBill: "b2",
		},
		{
			name: "open bill wins over paid one",
			bills: []*models.Bill{
				newBill("b1", acme.ID, refOne, models.StatusPaid),
				newBill("b2", other.ID, refOne, models.StatusSent),
			},
			tx:       newTransaction(refOne, "", "CHF"),
			wantKind: KindMatched,
			wantBill: "b2",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			index := NewBillIndex(tt.bills, []*models.Creditor{acme, other})
			outcome := Match(tt.tx, index)

			if outcome.Kind() != tt.wantKind {
				t.Fatalf("Expected %s, got %s (%+v)", tt.wantKind, outcome.Kind(), outcome)
			}

			var gotBill *models.Bill
			switch o := outcome.(type) {
			case Unmatched:
				if o.Reason != tt.wantReason {
					t.Errorf("Expected reason %s, got %s", tt.wantReason, o.Reason)
				}
				gotBill = o.Bill
			case MatchedBill:
				gotBill = o.Bill
				if o.Creditor == nil || o.Creditor.ID != o.Bill.CreditorID {
					t.Errorf("Expected creditor of the bill, got %+v", o.Creditor)
				}
				if o.Reference.Value != refOne {
					t.Errorf("Expected reference %s, got %s", refOne, o.Reference.Value)
				}
			case AlreadySettled:
				gotBill = o.Bill
			case OrphanReference:
				if o.Reference.Value != refTwo {
					t.Errorf("Expected orphan %s, got %s", refTwo, o.Reference.Value)
				}
			}

			switch {
			case tt.wantBill == "" && gotBill != nil && tt.wantKind != KindUnmatched:
				t.Errorf("Expected no bill, got %s", gotBill.ID)
			case tt.wantBill != "" && (gotBill == nil || gotBill.ID != tt.wantBill):
				t.Errorf("Expected bill %s, got %v", tt.wantBill, gotBill)
			}
		})
	}
}

func TestMatchChecksumFailedKeepsCandidate(t *testing.T) {
	outcome := Match(newTransaction("RF75 0000 0000 01", "", ""), NewBillIndex(nil, nil))

	u, ok := outcome.(Unmatched)
	if !ok {
		t.Fatalf("Expected Unmatched, got %T", outcome)
	}
	if u.Candidate != "RF750000000001" {
		t.Errorf("Expected candidate RF750000000001, got %q", u.Candidate)
	}
}

func TestMatchingEngineChecksCanBeDisabled(t *testing.T) {
	index := NewBillIndex([]*models.Bill{newBill("b1", acme.ID, refOne, models.StatusSent)}, []*models.Creditor{acme, other})
	tx := newTransaction(refOne, accountOther, "EUR")

	if got := Match(tx, index).Kind(); got != KindUnmatched {
		t.Fatalf("Expected default checks to reject, got %s", got)
	}

	engine := NewMatchingEngine(&MatchingConfig{}, index)
	if got := engine.Match(tx).Kind(); got != KindMatched {
		t.Errorf("Expected match with checks disabled, got %s", got)
	}
}

func TestNewMatchingEngineDefaults(t *testing.T) {
	engine := NewMatchingEngine(nil, nil)
	if engine.Config == nil || !engine.Config.CheckAccount || !engine.Config.CheckCurrency {
		t.Errorf("Expected default config, got %+v", engine.Config)
	}
	if engine.Index == nil || engine.Index.Len() != 0 {
		t.Errorf("Expected empty index, got %+v", engine.Index)
	}
}
