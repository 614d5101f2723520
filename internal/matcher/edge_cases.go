package matcher

import (
	"fmt"
	"sort"

	"github.com/Enucatl/send-bills/internal/models"
	"github.com/Enucatl/send-bills/internal/reference"
)

// DuplicateGroup is a set of rows in one feed that share value date,
// amount and reference. Only the first of them can be applied; the others
// are reported as already settled, which is wrong when a payer really
// paid twice on the same day.
type DuplicateGroup struct {
	Reference   string `json:"reference"`
	Fingerprint string `json:"fingerprint"`
	Rows        []int  `json:"rows"`
}

// Reason describes the group for reports.
func (g DuplicateGroup) Reason() string {
	return fmt.Sprintf("rows %v carry the same date, amount and reference %s", g.Rows, g.Reference)
}

// DetectDuplicates groups transactions with identical fingerprints.
// Transactions without a valid reference are ignored.
func DetectDuplicates(transactions []*models.Transaction) []DuplicateGroup {
	groups := make(map[string]*DuplicateGroup)
	var order []string

	for _, tx := range transactions {
		ex := reference.Extract(tx.RemittanceText)
		if ex.Status != reference.Found {
			continue
		}
		fp := tx.Fingerprint(ex.Reference.Value)
		g, ok := groups[fp]
		if !ok {
			g = &DuplicateGroup{Reference: ex.Reference.Value, Fingerprint: fp}
			groups[fp] = g
			order = append(order, fp)
		}
		g.Rows = append(g.Rows, tx.Row)
	}

	var result []DuplicateGroup
	for _, fp := range order {
		if g := groups[fp]; len(g.Rows) > 1 {
			sort.Ints(g.Rows)
			result = append(result, *g)
		}
	}
	return result
}
