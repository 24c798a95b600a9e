package settlement

import (
	"context"

	"github.com/BaseRock-Technologies/bill-management/internal/domain"
	"github.com/BaseRock-Technologies/bill-management/internal/store"
)

// Ledger reads settled bills. Bills are never changed after settlement.
type Ledger struct {
	store store.Store
}

func NewLedger(s store.Store) *Ledger {
	return &Ledger{store: s}
}

// List returns bills matching the inclusive bounds of filter in settlement
// order.
func (l *Ledger) List(ctx context.Context, filter domain.BillFilter, skip int, limit int) ([]domain.Bill, error) {
	var conds store.Filter
	if filter.MinTotal != nil {
		conds = append(conds, store.Gte("grandTotal", *filter.MinTotal))
	}
	if filter.MaxTotal != nil {
		conds = append(conds, store.Lte("grandTotal", *filter.MaxTotal))
	}
	if !filter.Start.IsZero() {
		conds = append(conds, store.Gte("timestamp", filter.Start.UTC()))
	}
	if !filter.End.IsZero() {
		conds = append(conds, store.Lte("timestamp", filter.End.UTC()))
	}

	docs, err := l.store.Query(ctx, BillsCollection, conds, skip, limit)
	if err != nil {
		return nil, err
	}

	bills := make([]domain.Bill, 0, len(docs))
	for _, doc := range docs {
		var bill domain.Bill
		if err := doc.Decode(&bill); err != nil {
			return nil, err
		}
		bills = append(bills, bill)
	}
	return bills, nil
}

func (l *Ledger) Get(ctx context.Context, id string) (domain.Bill, error) {
	doc, err := l.store.Get(ctx, BillsCollection, id)
	if err != nil {
		return domain.Bill{}, err
	}
	var bill domain.Bill
	if err := doc.Decode(&bill); err != nil {
		return domain.Bill{}, err
	}
	return bill, nil
}
