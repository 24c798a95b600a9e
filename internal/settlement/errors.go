package settlement

import (
	"errors"
	"fmt"

	"github.com/BaseRock-Technologies/bill-management/internal/domain"
)

var (
	ErrProductNotFound   = errors.New("product not found")
	ErrInvalidLineTotal  = errors.New("invalid line item")
	ErrInvalidBillTotals = errors.New("bill totals do not match items")
	ErrEmptyBill         = errors.New("bill has no items")
	ErrInsufficientStock = errors.New("insufficient stock")
	ErrDuplicateBill     = errors.New("bill id already exists")
	ErrPartiallyApplied  = errors.New("settlement partially applied")
)

type ProductNotFoundError struct {
	Code string
}

func (e *ProductNotFoundError) Error() string {
	return fmt.Sprintf("product %s not found", e.Code)
}

func (e *ProductNotFoundError) Unwrap() error {
	return ErrProductNotFound
}

// LineError reports the first inconsistent field of the item at Index.
type LineError struct {
	Index  int
	Field  string
	Reason string
}

func (e *LineError) Error() string {
	return fmt.Sprintf("item %d: %s %s", e.Index, e.Field, e.Reason)
}

func (e *LineError) Unwrap() error {
	return ErrInvalidLineTotal
}

type InsufficientStockError struct {
	Code      string
	Available int
	Requested int
}

func (e *InsufficientStockError) Error() string {
	return fmt.Sprintf("insufficient stock for %s: available %d, requested %d", e.Code, e.Available, e.Requested)
}

func (e *InsufficientStockError) Unwrap() error {
	return ErrInsufficientStock
}

// PartiallyAppliedError means stock movements were committed but the bill
// could not be confirmed. Applied lists the movements still in effect.
type PartiallyAppliedError struct {
	BillID  string
	Applied []domain.StockMovement
	Cause   error
}

func (e *PartiallyAppliedError) Error() string {
	return fmt.Sprintf("settlement of bill %s partially applied (%d stock movements outstanding): %v", e.BillID, len(e.Applied), e.Cause)
}

func (e *PartiallyAppliedError) Unwrap() []error {
	return []error{ErrPartiallyApplied, e.Cause}
}
