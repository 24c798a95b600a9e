package settlement

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/BaseRock-Technologies/bill-management/internal/domain"
	"github.com/BaseRock-Technologies/bill-management/internal/store"
	"github.com/BaseRock-Technologies/bill-management/internal/xid"
)

const (
	restoreAttempts = 3
	restoreBackoff  = 50 * time.Millisecond
)

// settleSaga applies the stock decrements one product at a time and undoes
// them if a later step fails. It is used when the store cannot run
// multi-document transactions.
func (e *Engine) settleSaga(ctx context.Context, bill domain.Bill, demand []lineDemand) (domain.Bill, error) {
	resolved := make(map[string]domain.Product, len(demand))
	for _, d := range demand {
		product, err := e.catalog.FindByCode(ctx, d.code)
		if err != nil {
			return domain.Bill{}, notFoundAsProduct(d.code, err)
		}
		resolved[d.code] = product
	}
	bill = withSnapshots(bill, resolved)

	if bill.ID == "" {
		seq, err := e.store.Increment(ctx, xid.BillIDCounter)
		if err != nil {
			return domain.Bill{}, err
		}
		bill.ID = xid.BillID(seq)
	} else if _, err := e.store.Get(ctx, BillsCollection, bill.ID); err == nil {
		return domain.Bill{}, ErrDuplicateBill
	} else if !errors.Is(err, store.ErrNotFound) {
		return domain.Bill{}, err
	}

	doc, err := store.NewDocument(bill.ID, bill)
	if err != nil {
		return domain.Bill{}, err
	}

	applied := make([]domain.StockMovement, 0, len(demand))
	for _, d := range demand {
		quantity, err := e.catalog.DecrementStock(ctx, d.code, d.amount, e.stockGuard(d.code))
		if err != nil {
			return domain.Bill{}, e.compensate(ctx, bill, applied, notFoundAsProduct(d.code, err))
		}
		applied = append(applied, domain.StockMovement{Code: d.code, Delta: -d.amount, Quantity: quantity})
	}

	writeErr := e.store.Insert(ctx, BillsCollection, doc)
	if writeErr == nil {
		return bill, nil
	}
	if errors.Is(writeErr, store.ErrConflict) {
		return domain.Bill{}, e.compensate(ctx, bill, applied, ErrDuplicateBill)
	}

	// A failed write may still have landed; look before undoing anything.
	cleanup, cancel := e.detached(ctx)
	defer cancel()
	_, readErr := e.store.Get(cleanup, BillsCollection, bill.ID)
	switch {
	case readErr == nil:
		e.logger.Warn("bill write reported an error but the bill is stored",
			zap.String("bill_id", bill.ID), zap.Error(writeErr))
		return bill, nil
	case errors.Is(readErr, store.ErrNotFound):
		return domain.Bill{}, e.compensate(ctx, bill, applied, writeErr)
	default:
		return domain.Bill{}, e.partial(cleanup, bill, applied, errors.Join(writeErr, readErr))
	}
}

// compensate restores applied movements in reverse order and returns cause.
// Movements that cannot be restored turn the failure into a
// PartiallyAppliedError.
func (e *Engine) compensate(ctx context.Context, bill domain.Bill, applied []domain.StockMovement, cause error) error {
	if len(applied) == 0 {
		return cause
	}

	cleanup, cancel := e.detached(ctx)
	defer cancel()

	var (
		outstanding []domain.StockMovement
		failures    = []error{cause}
	)
	for i := len(applied) - 1; i >= 0; i-- {
		if err := e.restore(cleanup, applied[i]); err != nil {
			outstanding = append(outstanding, applied[i])
			failures = append(failures, err)
		}
	}
	if len(outstanding) > 0 {
		return e.partial(cleanup, bill, outstanding, errors.Join(failures...))
	}

	e.logger.Warn("settlement rolled back",
		zap.String("bill_id", bill.ID),
		zap.Int("restored", len(applied)),
		zap.Error(cause),
	)
	return cause
}

func (e *Engine) restore(ctx context.Context, movement domain.StockMovement) error {
	var err error
	for attempt := 0; attempt < restoreAttempts; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return errors.Join(err, ctx.Err())
			case <-time.After(time.Duration(attempt) * restoreBackoff):
			}
		}
		if _, err = e.catalog.IncrementStock(ctx, movement.Code, -movement.Delta); err == nil {
			return nil
		}
		if errors.Is(err, store.ErrNotFound) {
			return err
		}
	}
	return err
}

func (e *Engine) partial(ctx context.Context, bill domain.Bill, applied []domain.StockMovement, cause error) error {
	partialErr := &PartiallyAppliedError{BillID: bill.ID, Applied: applied, Cause: cause}
	e.logger.Error("settlement partially applied",
		zap.String("bill_id", bill.ID),
		zap.Any("applied", applied),
		zap.Error(cause),
	)

	record := domain.Reconciliation{
		ID:        "recon-" + uuid.NewString(),
		BillID:    bill.ID,
		Applied:   applied,
		Cause:     cause.Error(),
		Bill:      bill,
		CreatedAt: e.now().UTC(),
	}
	doc, err := store.NewDocument(record.ID, record)
	if err == nil {
		err = e.store.Put(ctx, ReconciliationsCollection, doc)
	}
	if err != nil {
		e.logger.Error("reconciliation record not written",
			zap.String("bill_id", bill.ID), zap.Error(err))
	}
	return partialErr
}

func (e *Engine) detached(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.WithoutCancel(ctx), e.opts.CompensationTimeout)
}
