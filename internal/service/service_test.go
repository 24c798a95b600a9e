package service

import (
	"context"
	"errors"
	"testing"
	"time"

	"go.uber.org/zap/zaptest"
	"golang.org/x/crypto/bcrypt"

	"github.com/BaseRock-Technologies/bill-management/internal/auth"
	"github.com/BaseRock-Technologies/bill-management/internal/cache"
	"github.com/BaseRock-Technologies/bill-management/internal/catalog"
	"github.com/BaseRock-Technologies/bill-management/internal/domain"
	"github.com/BaseRock-Technologies/bill-management/internal/settlement"
	"github.com/BaseRock-Technologies/bill-management/internal/store/memory"
)

func newTestService(t *testing.T) *Service {
	t.Helper()
	logger := zaptest.NewLogger(t)
	s := memory.New()
	products := catalog.New(s, cache.NoopProductCache{}, time.Minute, logger)
	engine := settlement.NewEngine(s, products, settlement.Options{}, nil, logger)
	users := auth.NewService(s, auth.BcryptVerifier{Cost: bcrypt.MinCost}, logger)
	return New(s, products, engine, settlement.NewLedger(s), users, logger)
}

func TestCreateProductTrimsAndValidates(t *testing.T) {
	svc := newTestService(t)
	ctx := context.Background()

	created, err := svc.CreateProduct(ctx, domain.Product{Code: " P9 ", Name: "  Stapler ", Price: 120, GSTPercentage: 12, Quantity: 4, Unit: "pcs"})
	if err != nil {
		t.Fatalf("create product: %v", err)
	}
	if created.Code != "P9" || created.Name != "Stapler" {
		t.Fatalf("expected trimmed product, got %+v", created)
	}

	for _, bad := range []domain.Product{
		{Name: ""},
		{Name: "x", Price: -1},
		{Name: "x", GSTPercentage: 120},
		{Name: "x", Quantity: -3},
	} {
		if _, err := svc.CreateProduct(ctx, bad); !errors.Is(err, ErrInvalidProduct) {
			t.Fatalf("expected ErrInvalidProduct for %+v, got %v", bad, err)
		}
	}

	minted, err := svc.CreateProduct(ctx, domain.Product{Name: "Glue"})
	if err != nil {
		t.Fatalf("create with minted code: %v", err)
	}
	if minted.Code != "P0001" {
		t.Fatalf("expected minted code P0001, got %s", minted.Code)
	}
}

func TestSearchProductsWithInvertedRangeIsEmpty(t *testing.T) {
	svc := newTestService(t)
	ctx := context.Background()
	if _, err := svc.CreateProduct(ctx, domain.Product{Code: "P1", Name: "Mouse", Price: 100}); err != nil {
		t.Fatalf("create product: %v", err)
	}

	minPrice, maxPrice := 200.0, 100.0
	got, err := svc.SearchProducts(ctx, domain.ProductFilter{MinPrice: &minPrice, MaxPrice: &maxPrice}, 0, 10)
	if err != nil {
		t.Fatalf("search: %v", err)
	}
	if len(got) != 0 {
		t.Fatalf("expected no products, got %+v", got)
	}

	got, err = svc.SearchProducts(ctx, domain.ProductFilter{NamePattern: " mou "}, 0, 10)
	if err != nil {
		t.Fatalf("search: %v", err)
	}
	if len(got) != 1 {
		t.Fatalf("expected one match, got %+v", got)
	}
}

func TestSettleBillThroughFacade(t *testing.T) {
	svc := newTestService(t)
	ctx := WithActor(context.Background(), domain.Actor{Username: "cashier"})
	if _, err := svc.CreateProduct(ctx, domain.Product{Code: "P1", Name: "Notebook", Price: 100, GSTPercentage: 18, Quantity: 10}); err != nil {
		t.Fatalf("create product: %v", err)
	}

	receipt, err := svc.SettleBill(ctx, domain.Bill{
		Items: []domain.BillItem{{
			Code: " P1 ", Price: 100, GSTPercentage: 18, BillQuantity: 3, Total: 300, GSTAmount: 54,
		}},
		Subtotal:   300,
		TotalGST:   54,
		GrandTotal: 354,
	})
	if err != nil {
		t.Fatalf("settle: %v", err)
	}

	bill, err := svc.GetBill(ctx, receipt.ID)
	if err != nil {
		t.Fatalf("get bill: %v", err)
	}
	if bill.Items[0].Code != "P1" || bill.Items[0].Name != "Notebook" {
		t.Fatalf("unexpected stored item: %+v", bill.Items[0])
	}

	product, err := svc.GetProduct(ctx, "P1")
	if err != nil {
		t.Fatalf("get product: %v", err)
	}
	if product.Quantity != 7 {
		t.Fatalf("expected stock 7, got %d", product.Quantity)
	}
}

func TestChangePasswordOnlyForSelf(t *testing.T) {
	svc := newTestService(t)
	ctx := context.Background()
	for _, name := range []string{"alice", "bob"} {
		if _, err := svc.Register(ctx, name, "initial-pass"); err != nil {
			t.Fatalf("register %s: %v", name, err)
		}
	}

	asAlice := WithActor(ctx, domain.Actor{Username: "alice"})
	if err := svc.ChangePassword(asAlice, "bob", "hijacked"); !errors.Is(err, ErrForbidden) {
		t.Fatalf("expected ErrForbidden, got %v", err)
	}
	if err := svc.ChangePassword(asAlice, "Alice", "rotated-pass"); err != nil {
		t.Fatalf("change own password: %v", err)
	}
	if _, err := svc.Login(ctx, "alice", "rotated-pass"); err != nil {
		t.Fatalf("login with new password: %v", err)
	}
	if _, err := svc.Login(ctx, "bob", "initial-pass"); err != nil {
		t.Fatalf("bob's password must be unchanged: %v", err)
	}
	if _, err := svc.Login(ctx, "bob", "hijacked"); !errors.Is(err, auth.ErrInvalidCredentials) {
		t.Fatalf("expected invalid credentials, got %v", err)
	}
}
