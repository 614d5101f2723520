package matcher

import (
	"context"
	"sort"

	"github.com/Enucatl/send-bills/internal/models"
	"github.com/Enucatl/send-bills/internal/reference"
	"github.com/Enucatl/send-bills/internal/store"
)

// BillIndex provides reference lookups over a set of bills
type BillIndex struct {
	// byReference maps normalized references to every bill carrying them,
	// across creditors and statuses
	byReference map[string][]*models.Bill

	creditors map[string]*models.Creditor
	size      int
}

// NewBillIndex creates an index from bills and the creditors that issued them
func NewBillIndex(bills []*models.Bill, creditors []*models.Creditor) *BillIndex {
	index := &BillIndex{
		byReference: make(map[string][]*models.Bill),
		creditors:   make(map[string]*models.Creditor, len(creditors)),
	}
	for _, c := range creditors {
		index.creditors[c.ID] = c
	}
	for _, b := range bills {
		index.Put(b)
	}
	return index
}

// LoadBillIndex builds an index holding exactly the bills referenced by txs.
func LoadBillIndex(ctx context.Context, r store.Reader, txs []*models.Transaction) (*BillIndex, error) {
	seen := make(map[string]bool)
	var refs []string
	for _, tx := range txs {
		ex := reference.Extract(tx.RemittanceText)
		if ex.Status != reference.Found || seen[ex.Reference.Value] {
			continue
		}
		seen[ex.Reference.Value] = true
		refs = append(refs, ex.Reference.Value)
	}
	sort.Strings(refs)

	var bills []*models.Bill
	if len(refs) > 0 {
		var err error
		if bills, err = r.BillsByReferences(ctx, refs); err != nil {
			return nil, err
		}
	}
	creditors, err := r.ListCreditors(ctx)
	if err != nil {
		return nil, err
	}
	return NewBillIndex(bills, creditors), nil
}

// Put adds b, replacing an entry with the same ID.
func (idx *BillIndex) Put(b *models.Bill) {
	key := reference.Normalize(b.Reference)
	entries := idx.byReference[key]
	for i, existing := range entries {
		if existing.ID == b.ID {
			entries[i] = b
			return
		}
	}
	idx.byReference[key] = append(entries, b)
	idx.size++
}

// Lookup returns the bills carrying ref, in insertion order.
func (idx *BillIndex) Lookup(ref string) []*models.Bill {
	return idx.byReference[reference.Normalize(ref)]
}

// Creditor returns the indexed creditor, or nil.
func (idx *BillIndex) Creditor(id string) *models.Creditor {
	return idx.creditors[id]
}

// Len returns the number of indexed bills
func (idx *BillIndex) Len() int {
	return idx.size
}
