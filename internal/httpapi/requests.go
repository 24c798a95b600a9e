package httpapi

import (
	"github.com/BaseRock-Technologies/bill-management/internal/domain"
)

type productRequest struct {
	ID            string  `json:"id" validate:"max=64"`
	Code          string  `json:"code" validate:"max=64"`
	Name          string  `json:"name" validate:"required,max=200"`
	GSTPercentage float64 `json:"gstPercentage" validate:"gte=0,lte=100"`
	Price         float64 `json:"price" validate:"gte=0"`
	Quantity      int     `json:"quantity" validate:"gte=0"`
	Unit          string  `json:"unit" validate:"max=32"`
}

func (p productRequest) toDomain() domain.Product {
	return domain.Product{
		ID:            p.ID,
		Code:          p.Code,
		Name:          p.Name,
		GSTPercentage: p.GSTPercentage,
		Price:         p.Price,
		Quantity:      p.Quantity,
		Unit:          p.Unit,
	}
}

type billItemRequest struct {
	ID            string  `json:"id"`
	Code          string  `json:"code" validate:"required,max=64"`
	Name          string  `json:"name"`
	Unit          string  `json:"unit"`
	Price         float64 `json:"price" validate:"gte=0"`
	GSTPercentage float64 `json:"gstPercentage" validate:"gte=0,lte=100"`
	Quantity      int     `json:"quantity"`
	BillQuantity  int     `json:"billQuantity" validate:"gte=1,lte=1000000"`
	Discount      float64 `json:"discount" validate:"gte=0"`
	Total         float64 `json:"total" validate:"gte=0"`
	GSTAmount     float64 `json:"gstAmount" validate:"gte=0"`
}

type billRequest struct {
	ID            string            `json:"id" validate:"max=64"`
	Items         []billItemRequest `json:"items" validate:"required,min=1,dive"`
	Timestamp     string            `json:"timestamp"`
	Subtotal      float64           `json:"subtotal"`
	TotalGST      float64           `json:"totalGst"`
	TotalCGST     float64           `json:"totalCGst"`
	TotalSGST     float64           `json:"totalSGst"`
	TotalDiscount float64           `json:"totalDiscount"`
	GrandTotal    float64           `json:"grandTotal"`
}

func (b billRequest) toDomain() domain.Bill {
	items := make([]domain.BillItem, 0, len(b.Items))
	for _, it := range b.Items {
		items = append(items, domain.BillItem{
			ID:            it.ID,
			Code:          it.Code,
			Name:          it.Name,
			Unit:          it.Unit,
			Price:         it.Price,
			GSTPercentage: it.GSTPercentage,
			Quantity:      it.Quantity,
			BillQuantity:  it.BillQuantity,
			Discount:      it.Discount,
			Total:         it.Total,
			GSTAmount:     it.GSTAmount,
		})
	}
	return domain.Bill{
		ID:            b.ID,
		Items:         items,
		Subtotal:      b.Subtotal,
		TotalGST:      b.TotalGST,
		TotalCGST:     b.TotalCGST,
		TotalSGST:     b.TotalSGST,
		TotalDiscount: b.TotalDiscount,
		GrandTotal:    b.GrandTotal,
	}
}

type credentialsRequest struct {
	Username string `json:"username" validate:"required,max=64"`
	Password string `json:"password" validate:"required,max=72"`
}

type registerRequest struct {
	Username string `json:"username" validate:"required,min=3,max=64"`
	Password string `json:"password" validate:"required,min=6,max=72"`
}

type messageResponse struct {
	Message  string `json:"message"`
	ID       string `json:"id,omitempty"`
	Code     string `json:"code,omitempty"`
	Username string `json:"username,omitempty"`
}
