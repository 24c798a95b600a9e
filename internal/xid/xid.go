// Package xid formats the sequential identifiers minted from store counters.
package xid

import "fmt"

// Counter names used to mint identifiers.
const (
	ProductCodeCounter = "product_code"
	BillIDCounter      = "bill_id"
)

// ProductCode formats a product code sequence, e.g. 12 -> P0012.
func ProductCode(seq int64) string {
	return fmt.Sprintf("P%04d", seq)
}

// BillID formats a bill sequence, e.g. 7 -> BILL-000007.
func BillID(seq int64) string {
	return fmt.Sprintf("BILL-%06d", seq)
}
