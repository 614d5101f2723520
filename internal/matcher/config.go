// Package matcher decides which bill, if any, a bank credit pays.
//
// Matching is by structured reference only. The reference is extracted
// from the remittance text, looked up in a BillIndex and the candidate
// bills are narrowed by the credited account and the currency. The result
// is an Outcome, a closed set of cases callers switch over:
//
//	switch o := matcher.Match(tx, index).(type) {
//	case matcher.MatchedBill:
//	case matcher.AlreadySettled:
//	case matcher.OrphanReference:
//	case matcher.Unmatched:
//	}
//
// Matching never mutates anything; applying a MatchedBill is the
// reconciler's job.
package matcher

// MatchingConfig selects which consistency checks a match must pass.
type MatchingConfig struct {
	// CheckAccount rejects a credit whose account is known but is not an
	// account of the bill's creditor.
	CheckAccount bool `json:"check_account" mapstructure:"check_account"`
	// CheckCurrency rejects a credit in a different currency than the bill.
	CheckCurrency bool `json:"check_currency" mapstructure:"check_currency"`
}

// DefaultMatchingConfig enables every check.
func DefaultMatchingConfig() *MatchingConfig {
	return &MatchingConfig{
		CheckAccount:  true,
		CheckCurrency: true,
	}
}
