// Package settlement turns a proposed bill into a persisted bill record and
// the matching stock decrements, all or nothing.
package settlement

import (
	"cmp"
	"context"
	"errors"
	"slices"
	"time"

	"go.uber.org/zap"

	"github.com/BaseRock-Technologies/bill-management/internal/catalog"
	"github.com/BaseRock-Technologies/bill-management/internal/domain"
	"github.com/BaseRock-Technologies/bill-management/internal/store"
	"github.com/BaseRock-Technologies/bill-management/internal/xid"
)

const (
	BillsCollection           = "bills"
	ReconciliationsCollection = "reconciliations"
)

const savedMessage = "Bill saved"

// Outcomes reported to the Recorder.
const (
	OutcomeSettled  = "settled"
	OutcomeRejected = "rejected"
	OutcomeFailed   = "failed"
	OutcomePartial  = "partial"
)

// Recorder receives one observation per settlement attempt.
type Recorder interface {
	ObserveSettlement(outcome string, elapsed time.Duration)
}

type noopRecorder struct{}

func (noopRecorder) ObserveSettlement(string, time.Duration) {}

type Options struct {
	AllowNegativeStock bool
	Epsilon            float64
	// Saga forces compensating per-product writes even when the store
	// supports transactions.
	Saga bool
	// CompensationTimeout bounds the cleanup after a failed saga. It is
	// detached from the request context, which may already be done.
	CompensationTimeout time.Duration
}

type Engine struct {
	store      store.Store
	transactor store.Transactor
	catalog    *catalog.Repository
	opts       Options
	recorder   Recorder
	logger     *zap.Logger
	now        func() time.Time
}

func NewEngine(s store.Store, products *catalog.Repository, opts Options, recorder Recorder, logger *zap.Logger) *Engine {
	if opts.Epsilon <= 0 {
		opts.Epsilon = DefaultEpsilon
	}
	if opts.CompensationTimeout <= 0 {
		opts.CompensationTimeout = 10 * time.Second
	}
	if recorder == nil {
		recorder = noopRecorder{}
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	e := &Engine{
		store:    s,
		catalog:  products,
		opts:     opts,
		recorder: recorder,
		logger:   logger,
		now:      time.Now,
	}
	if tx, ok := s.(store.Transactor); ok && !opts.Saga {
		e.transactor = tx
	}
	return e
}

// Transactional reports whether settlements run inside one store transaction.
func (e *Engine) Transactional() bool {
	return e.transactor != nil
}

func (e *Engine) Settle(ctx context.Context, bill domain.Bill) (domain.SettlementReceipt, error) {
	started := time.Now()
	receipt, err := e.settle(ctx, bill)
	e.recorder.ObserveSettlement(outcomeOf(err), time.Since(started))
	return receipt, err
}

func (e *Engine) settle(ctx context.Context, bill domain.Bill) (domain.SettlementReceipt, error) {
	bill = e.prepare(bill)
	if err := Validate(bill, e.opts.Epsilon); err != nil {
		return domain.SettlementReceipt{}, err
	}

	demand := demandOf(bill.Items)

	var (
		settled domain.Bill
		err     error
	)
	if e.transactor != nil {
		settled, err = e.settleInTx(ctx, bill, demand)
	} else {
		settled, err = e.settleSaga(ctx, bill, demand)
	}
	if err != nil {
		return domain.SettlementReceipt{}, err
	}

	e.logger.Info("bill settled",
		zap.String("bill_id", settled.ID),
		zap.Int("items", len(settled.Items)),
		zap.Float64("grand_total", settled.GrandTotal),
	)
	return domain.SettlementReceipt{Message: savedMessage, ID: settled.ID}, nil
}

func (e *Engine) prepare(bill domain.Bill) domain.Bill {
	bill.Items = slices.Clone(bill.Items)
	if bill.Timestamp.IsZero() {
		bill.Timestamp = e.now()
	}
	bill.Timestamp = bill.Timestamp.UTC()
	if bill.TotalCGST == 0 && bill.TotalSGST == 0 && bill.TotalGST != 0 {
		bill.TotalCGST = bill.TotalGST / 2
		bill.TotalSGST = bill.TotalGST / 2
	}
	return bill
}

func (e *Engine) settleInTx(ctx context.Context, bill domain.Bill, demand []lineDemand) (domain.Bill, error) {
	var settled domain.Bill
	err := e.transactor.RunInTx(ctx, func(ctx context.Context, tx store.Tx) error {
		products := e.catalog.InTx(tx)

		resolved := make(map[string]domain.Product, len(demand))
		for _, d := range demand {
			product, err := products.FindByCode(ctx, d.code)
			if err != nil {
				return notFoundAsProduct(d.code, err)
			}
			resolved[d.code] = product
		}

		for _, d := range demand {
			if _, err := products.DecrementStock(ctx, d.code, d.amount, e.stockGuard(d.code)); err != nil {
				return notFoundAsProduct(d.code, err)
			}
		}

		attempt := withSnapshots(bill, resolved)
		if attempt.ID == "" {
			seq, err := tx.Increment(ctx, xid.BillIDCounter)
			if err != nil {
				return err
			}
			attempt.ID = xid.BillID(seq)
		}

		doc, err := store.NewDocument(attempt.ID, attempt)
		if err != nil {
			return err
		}
		if err := tx.Insert(ctx, BillsCollection, doc); err != nil {
			if errors.Is(err, store.ErrConflict) {
				return ErrDuplicateBill
			}
			return err
		}
		settled = attempt
		return nil
	})
	if err != nil {
		return domain.Bill{}, err
	}

	e.catalog.Forget(ctx, demandCodes(demand)...)
	return settled, nil
}

func (e *Engine) stockGuard(code string) catalog.StockGuard {
	return func(current domain.Product, amount int) error {
		if e.opts.AllowNegativeStock || current.Quantity >= amount {
			return nil
		}
		return &InsufficientStockError{Code: code, Available: current.Quantity, Requested: amount}
	}
}

func notFoundAsProduct(code string, err error) error {
	if errors.Is(err, store.ErrNotFound) {
		return &ProductNotFoundError{Code: code}
	}
	return err
}

type lineDemand struct {
	code   string
	amount int
}

// demandOf sums quantities per product code and sorts by code, so every
// settlement touches products in the same order.
func demandOf(items []domain.BillItem) []lineDemand {
	totals := make(map[string]int, len(items))
	for _, item := range items {
		totals[item.Code] += item.BillQuantity
	}

	demand := make([]lineDemand, 0, len(totals))
	for code, amount := range totals {
		demand = append(demand, lineDemand{code: code, amount: amount})
	}
	slices.SortFunc(demand, func(a, b lineDemand) int {
		return cmp.Compare(a.code, b.code)
	})
	return demand
}

func demandCodes(demand []lineDemand) []string {
	codes := make([]string, 0, len(demand))
	for _, d := range demand {
		codes = append(codes, d.code)
	}
	return codes
}

// withSnapshots fills missing item names and units from the catalog.
func withSnapshots(bill domain.Bill, products map[string]domain.Product) domain.Bill {
	bill.Items = slices.Clone(bill.Items)
	for i := range bill.Items {
		product, ok := products[bill.Items[i].Code]
		if !ok {
			continue
		}
		if bill.Items[i].Name == "" {
			bill.Items[i].Name = product.Name
		}
		if bill.Items[i].Unit == "" {
			bill.Items[i].Unit = product.Unit
		}
	}
	return bill
}

func outcomeOf(err error) string {
	switch {
	case err == nil:
		return OutcomeSettled
	case errors.Is(err, ErrPartiallyApplied):
		return OutcomePartial
	case errors.Is(err, ErrEmptyBill),
		errors.Is(err, ErrInvalidLineTotal),
		errors.Is(err, ErrInvalidBillTotals),
		errors.Is(err, ErrProductNotFound),
		errors.Is(err, ErrInsufficientStock),
		errors.Is(err, ErrDuplicateBill):
		return OutcomeRejected
	}
	return OutcomeFailed
}
