package main

import (
	"context"

	"github.com/BaseRock-Technologies/bill-management/internal/catalog"
	"github.com/BaseRock-Technologies/bill-management/internal/domain"
)

var demoProducts = []domain.Product{
	{Name: "Basmati Rice 5kg", GSTPercentage: 5, Price: 620, Quantity: 40, Unit: "bag"},
	{Name: "Toor Dal 1kg", GSTPercentage: 5, Price: 165, Quantity: 60, Unit: "pack"},
	{Name: "Sunflower Oil 1L", GSTPercentage: 5, Price: 149, Quantity: 50, Unit: "bottle"},
	{Name: "Green Tea 100g", GSTPercentage: 12, Price: 240, Quantity: 25, Unit: "box"},
	{Name: "Bath Soap", GSTPercentage: 18, Price: 45, Quantity: 120, Unit: "pcs"},
	{Name: "Wireless Mouse", GSTPercentage: 18, Price: 499.99, Quantity: 15, Unit: "pcs"},
}

// seedProducts fills a fresh in-memory store. Codes come from the
// product_code counter so later creates continue the sequence.
func seedProducts(ctx context.Context, products *catalog.Repository) error {
	for _, p := range demoProducts {
		if _, err := products.Create(ctx, p); err != nil {
			return err
		}
	}
	return nil
}
