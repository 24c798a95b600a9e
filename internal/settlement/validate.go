package settlement

import (
	"fmt"
	"math"

	"github.com/BaseRock-Technologies/bill-management/internal/domain"
)

// DefaultEpsilon is the tolerance used when comparing declared amounts.
const DefaultEpsilon = 0.01

// MaxBillQuantity bounds one line's quantity and the summed quantity of
// every line sharing a product code.
const MaxBillQuantity = 1_000_000

// Validate checks the bill's arithmetic without touching any store. Line
// totals are gross: total = price * billQuantity, gstAmount = total * gst%.
// The discount is taken off once, in the grand total.
func Validate(bill domain.Bill, epsilon float64) error {
	if epsilon <= 0 {
		epsilon = DefaultEpsilon
	}
	if len(bill.Items) == 0 {
		return ErrEmptyBill
	}

	var subtotal, gst, discount float64
	perCode := make(map[string]int, len(bill.Items))
	for i, item := range bill.Items {
		if err := validateLine(i, item, epsilon); err != nil {
			return err
		}
		perCode[item.Code] += item.BillQuantity
		if perCode[item.Code] > MaxBillQuantity {
			return &LineError{Index: i, Field: "billQuantity", Reason: fmt.Sprintf("brings %s to more than %d units", item.Code, MaxBillQuantity)}
		}
		subtotal += item.Total
		gst += item.GSTAmount
		discount += item.Discount
	}

	checks := []struct {
		field    string
		declared float64
		expected float64
	}{
		{"subtotal", bill.Subtotal, subtotal},
		{"totalGst", bill.TotalGST, gst},
		{"totalDiscount", bill.TotalDiscount, discount},
		{"totalCGst+totalSGst", bill.TotalCGST + bill.TotalSGST, bill.TotalGST},
		{"grandTotal", bill.GrandTotal, bill.Subtotal + bill.TotalGST - bill.TotalDiscount},
	}
	for _, c := range checks {
		if !near(c.declared, c.expected, epsilon) {
			return fmt.Errorf("%w: %s is %.2f, expected %.2f", ErrInvalidBillTotals, c.field, c.declared, c.expected)
		}
	}
	if bill.TotalCGST < 0 || bill.TotalSGST < 0 {
		return fmt.Errorf("%w: negative cgst/sgst", ErrInvalidBillTotals)
	}
	return nil
}

func validateLine(index int, item domain.BillItem, epsilon float64) error {
	switch {
	case item.Code == "":
		return &LineError{Index: index, Field: "code", Reason: "is required"}
	case item.BillQuantity < 1:
		return &LineError{Index: index, Field: "billQuantity", Reason: "must be at least 1"}
	case item.BillQuantity > MaxBillQuantity:
		return &LineError{Index: index, Field: "billQuantity", Reason: fmt.Sprintf("must be at most %d", MaxBillQuantity)}
	case item.Price < 0:
		return &LineError{Index: index, Field: "price", Reason: "must not be negative"}
	case item.GSTPercentage < 0 || item.GSTPercentage > 100:
		return &LineError{Index: index, Field: "gstPercentage", Reason: "must be between 0 and 100"}
	case item.Discount < 0:
		return &LineError{Index: index, Field: "discount", Reason: "must not be negative"}
	}

	if want := item.Price * float64(item.BillQuantity); !near(item.Total, want, epsilon) {
		return &LineError{Index: index, Field: "total", Reason: fmt.Sprintf("is %.2f, expected %.2f", item.Total, want)}
	}
	if item.Discount > item.Total+epsilon {
		return &LineError{Index: index, Field: "discount", Reason: "exceeds line total"}
	}
	if want := item.Total * item.GSTPercentage / 100; !near(item.GSTAmount, want, epsilon) {
		return &LineError{Index: index, Field: "gstAmount", Reason: fmt.Sprintf("is %.2f, expected %.2f", item.GSTAmount, want)}
	}
	return nil
}

func near(a, b, epsilon float64) bool {
	return math.Abs(a-b) <= epsilon
}
