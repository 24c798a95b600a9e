package domain

import "time"

type Product struct {
	ID            string  `json:"id,omitempty"`
	Code          string  `json:"code"`
	Name          string  `json:"name"`
	GSTPercentage float64 `json:"gstPercentage"`
	Price         float64 `json:"price"`
	Quantity      int     `json:"quantity"`
	Unit          string  `json:"unit"`
}

type ProductFilter struct {
	NamePattern string
	MinPrice    *float64
	MaxPrice    *float64
}

// BillItem is a line of a bill. Name, unit and price are snapshots taken at
// sale time and never change afterwards.
type BillItem struct {
	ID            string  `json:"id,omitempty"`
	Code          string  `json:"code"`
	Name          string  `json:"name"`
	Unit          string  `json:"unit"`
	Price         float64 `json:"price"`
	GSTPercentage float64 `json:"gstPercentage"`
	Quantity      int     `json:"quantity"`
	BillQuantity  int     `json:"billQuantity"`
	Discount      float64 `json:"discount"`
	Total         float64 `json:"total"`
	GSTAmount     float64 `json:"gstAmount"`
}

type Bill struct {
	ID            string     `json:"id"`
	Items         []BillItem `json:"items"`
	Timestamp     time.Time  `json:"timestamp"`
	Subtotal      float64    `json:"subtotal"`
	TotalGST      float64    `json:"totalGst"`
	TotalCGST     float64    `json:"totalCGst"`
	TotalSGST     float64    `json:"totalSGst"`
	TotalDiscount float64    `json:"totalDiscount"`
	GrandTotal    float64    `json:"grandTotal"`
}

// BillFilter bounds are inclusive; nil or zero values are ignored.
type BillFilter struct {
	MinTotal *float64
	MaxTotal *float64
	Start    time.Time
	End      time.Time
}

type SettlementReceipt struct {
	Message string `json:"message"`
	ID      string `json:"id"`
}

// StockMovement records a stock change applied on behalf of a bill.
type StockMovement struct {
	Code     string `json:"code"`
	Delta    int    `json:"delta"`
	Quantity int    `json:"quantity"`
}

type Reconciliation struct {
	ID        string          `json:"id"`
	BillID    string          `json:"billId"`
	Applied   []StockMovement `json:"applied"`
	Cause     string          `json:"cause"`
	Bill      Bill            `json:"bill"`
	CreatedAt time.Time       `json:"createdAt"`
}

// User is the stored account. Password only exists on records written before
// hashing was introduced and is cleared once the record is upgraded.
type User struct {
	Username     string    `json:"username"`
	PasswordHash string    `json:"passwordHash,omitempty"`
	Password     string    `json:"password,omitempty"`
	CreatedAt    time.Time `json:"createdAt"`
	UpdatedAt    time.Time `json:"updatedAt"`
}

type Actor struct {
	Username string
}

type LoginResponse struct {
	Message     string `json:"message"`
	Username    string `json:"username"`
	AccessToken string `json:"access_token"`
	ExpiresAt   string `json:"expires_at"`
}
