package matcher

import (
	"strings"

	"github.com/Enucatl/send-bills/internal/models"
	"github.com/Enucatl/send-bills/internal/reference"
)

// OutcomeKind names an Outcome case.
type OutcomeKind string

const (
	KindUnmatched       OutcomeKind = "unmatched"
	KindOrphanReference OutcomeKind = "orphan_reference"
	KindAlreadySettled  OutcomeKind = "already_settled"
	KindMatched         OutcomeKind = "matched"
)

// Outcome is the result of matching one transaction. The implementations
// are Unmatched, OrphanReference, AlreadySettled and MatchedBill.
type Outcome interface {
	Kind() OutcomeKind
	sealed()
}

// UnmatchedReason explains an Unmatched outcome.
type UnmatchedReason string

const (
	ReasonNoReference      UnmatchedReason = "no_reference"
	ReasonChecksumFailed   UnmatchedReason = "checksum_failed"
	ReasonCurrencyMismatch UnmatchedReason = "currency_mismatch"
	ReasonAccountMismatch  UnmatchedReason = "account_mismatch"
	ReasonAmbiguous        UnmatchedReason = "ambiguous"
	ReasonBillCancelled    UnmatchedReason = "bill_cancelled"
)

// Unmatched means the transaction cannot be applied and needs review.
type Unmatched struct {
	Reason UnmatchedReason
	// Reference is the extracted reference, when there was one.
	Reference string
	// Candidate is the reference-shaped text that failed its checksum.
	Candidate string
	// Bill is the single bill the reference pointed to, for mismatches.
	Bill *models.Bill
}

// OrphanReference means the reference is valid but no bill carries it.
type OrphanReference struct {
	Reference reference.Reference
}

// AlreadySettled means the reference belongs to a paid bill.
type AlreadySettled struct {
	Reference reference.Reference
	Bill      *models.Bill
}

// MatchedBill means exactly one open bill carries the reference.
type MatchedBill struct {
	Reference reference.Reference
	Bill      *models.Bill
	Creditor  *models.Creditor
}

func (Unmatched) Kind() OutcomeKind       { return KindUnmatched }
func (OrphanReference) Kind() OutcomeKind { return KindOrphanReference }
func (AlreadySettled) Kind() OutcomeKind  { return KindAlreadySettled }
func (MatchedBill) Kind() OutcomeKind     { return KindMatched }

func (Unmatched) sealed()       {}
func (OrphanReference) sealed() {}
func (AlreadySettled) sealed()  {}
func (MatchedBill) sealed()     {}

// MatchingEngine matches transactions against an index.
type MatchingEngine struct {
	Config *MatchingConfig
	Index  *BillIndex
}

// NewMatchingEngine creates an engine. A nil config selects the defaults.
func NewMatchingEngine(config *MatchingConfig, index *BillIndex) *MatchingEngine {
	if config == nil {
		config = DefaultMatchingConfig()
	}
	if index == nil {
		index = NewBillIndex(nil, nil)
	}
	return &MatchingEngine{Config: config, Index: index}
}

// Match matches tx against index with every check enabled.
func Match(tx *models.Transaction, index *BillIndex) Outcome {
	return NewMatchingEngine(nil, index).Match(tx)
}

// Match decides the outcome of one transaction.
func (me *MatchingEngine) Match(tx *models.Transaction) Outcome {
	ex := reference.Extract(tx.RemittanceText)
	switch ex.Status {
	case reference.NotFound:
		return Unmatched{Reason: ReasonNoReference}
	case reference.ChecksumFailed:
		return Unmatched{Reason: ReasonChecksumFailed, Candidate: ex.Candidate}
	}
	ref := ex.Reference

	bills := me.Index.Lookup(ref.Value)
	if len(bills) == 0 {
		return OrphanReference{Reference: ref}
	}

	if me.Config.CheckAccount && strings.TrimSpace(tx.CreditorAccount) != "" {
		owned := bills[:0:0]
		for _, b := range bills {
			if c := me.Index.Creditor(b.CreditorID); c != nil && c.OwnsAccount(tx.CreditorAccount) {
				owned = append(owned, b)
			}
		}
		if len(owned) == 0 {
			return Unmatched{Reason: ReasonAccountMismatch, Reference: ref.Value, Bill: single(bills)}
		}
		bills = owned
	}

	var open, paid, cancelled []*models.Bill
	for _, b := range bills {
		switch {
		case b.IsOpen():
			open = append(open, b)
		case b.Status == models.StatusPaid:
			paid = append(paid, b)
		default:
			cancelled = append(cancelled, b)
		}
	}

	switch {
	case len(open) > 1:
		return Unmatched{Reason: ReasonAmbiguous, Reference: ref.Value}
	case len(open) == 1:
		bill := open[0]
		if me.Config.CheckCurrency && tx.Currency != "" && !strings.EqualFold(tx.Currency, bill.Currency) {
			return Unmatched{Reason: ReasonCurrencyMismatch, Reference: ref.Value, Bill: bill}
		}
		return MatchedBill{Reference: ref, Bill: bill, Creditor: me.Index.Creditor(bill.CreditorID)}
	case len(paid) > 0:
		return AlreadySettled{Reference: ref, Bill: paid[0]}
	default:
		return Unmatched{Reason: ReasonBillCancelled, Reference: ref.Value, Bill: single(cancelled)}
	}
}

func single(bills []*models.Bill) *models.Bill {
	if len(bills) == 1 {
		return bills[0]
	}
	return nil
}
