// Package service is the application façade the HTTP layer talks to. It
// normalizes input and delegates to the catalog, the settlement engine, the
// bill ledger and the auth service.
package service

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"github.com/BaseRock-Technologies/bill-management/internal/auth"
	"github.com/BaseRock-Technologies/bill-management/internal/catalog"
	"github.com/BaseRock-Technologies/bill-management/internal/domain"
	"github.com/BaseRock-Technologies/bill-management/internal/settlement"
	"github.com/BaseRock-Technologies/bill-management/internal/store"
)

var (
	ErrInvalidProduct = errors.New("invalid product")
	ErrForbidden      = errors.New("forbidden")
)

type actorContextKey struct{}

func WithActor(ctx context.Context, actor domain.Actor) context.Context {
	return context.WithValue(ctx, actorContextKey{}, actor)
}

func ActorFromContext(ctx context.Context) (domain.Actor, bool) {
	actor, ok := ctx.Value(actorContextKey{}).(domain.Actor)
	return actor, ok
}

type Service struct {
	store    store.Store
	products *catalog.Repository
	engine   *settlement.Engine
	ledger   *settlement.Ledger
	users    *auth.Service
	logger   *zap.Logger
}

func New(s store.Store, products *catalog.Repository, engine *settlement.Engine, ledger *settlement.Ledger, users *auth.Service, logger *zap.Logger) *Service {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Service{
		store:    s,
		products: products,
		engine:   engine,
		ledger:   ledger,
		users:    users,
		logger:   logger,
	}
}

func (s *Service) Health(ctx context.Context) error {
	return s.store.Ping(ctx)
}

func (s *Service) CreateProduct(ctx context.Context, product domain.Product) (domain.Product, error) {
	product = normalizeProduct(product)
	if err := validateProduct(product); err != nil {
		return domain.Product{}, err
	}

	created, err := s.products.Create(ctx, product)
	if err != nil {
		return domain.Product{}, err
	}

	s.logger.Info("product created",
		zap.String("code", created.Code),
		zap.String("actor", actorName(ctx)),
	)
	return created, nil
}

func (s *Service) GetProduct(ctx context.Context, code string) (domain.Product, error) {
	return s.products.FindByCode(ctx, strings.TrimSpace(code))
}

func (s *Service) ListProducts(ctx context.Context) ([]domain.Product, error) {
	return s.products.ListAll(ctx)
}

func (s *Service) SearchProducts(ctx context.Context, filter domain.ProductFilter, skip int, limit int) ([]domain.Product, error) {
	filter.NamePattern = strings.TrimSpace(filter.NamePattern)
	if filter.MinPrice != nil && filter.MaxPrice != nil && *filter.MinPrice > *filter.MaxPrice {
		return []domain.Product{}, nil
	}
	return s.products.FindAll(ctx, filter, skip, limit)
}

func (s *Service) UpdateProduct(ctx context.Context, code string, product domain.Product) (domain.Product, error) {
	code = strings.TrimSpace(code)
	product = normalizeProduct(product)
	if err := validateProduct(product); err != nil {
		return domain.Product{}, err
	}

	updated, err := s.products.Update(ctx, code, product)
	if err != nil {
		return domain.Product{}, err
	}

	s.logger.Info("product updated",
		zap.String("code", code),
		zap.String("actor", actorName(ctx)),
	)
	return updated, nil
}

func (s *Service) DeleteProduct(ctx context.Context, code string) error {
	code = strings.TrimSpace(code)
	if err := s.products.Delete(ctx, code); err != nil {
		return err
	}

	s.logger.Info("product deleted",
		zap.String("code", code),
		zap.String("actor", actorName(ctx)),
	)
	return nil
}

func (s *Service) SettleBill(ctx context.Context, bill domain.Bill) (domain.SettlementReceipt, error) {
	bill.ID = strings.TrimSpace(bill.ID)
	for i := range bill.Items {
		bill.Items[i].Code = strings.TrimSpace(bill.Items[i].Code)
	}
	return s.engine.Settle(ctx, bill)
}

func (s *Service) ListBills(ctx context.Context, filter domain.BillFilter, skip int, limit int) ([]domain.Bill, error) {
	return s.ledger.List(ctx, filter, skip, limit)
}

func (s *Service) GetBill(ctx context.Context, id string) (domain.Bill, error) {
	return s.ledger.Get(ctx, strings.TrimSpace(id))
}

func (s *Service) Login(ctx context.Context, username string, password string) (domain.User, error) {
	user, err := s.users.Authenticate(ctx, username, password)
	if err != nil {
		if errors.Is(err, auth.ErrInvalidCredentials) {
			s.logger.Warn("login rejected", zap.String("username", auth.NormalizeUsername(username)))
		}
		return domain.User{}, err
	}
	return user, nil
}

func (s *Service) Register(ctx context.Context, username string, password string) (domain.User, error) {
	return s.users.Register(ctx, username, password)
}

// ChangePassword changes username's password. When the request carries an
// authenticated actor, only that user may change their own password.
func (s *Service) ChangePassword(ctx context.Context, username string, newPassword string) error {
	if actor, ok := ActorFromContext(ctx); ok && actor.Username != auth.NormalizeUsername(username) {
		return fmt.Errorf("%w: %s cannot change the password of %s", ErrForbidden, actor.Username, auth.NormalizeUsername(username))
	}
	return s.users.ChangePassword(ctx, username, newPassword)
}

func normalizeProduct(product domain.Product) domain.Product {
	product.Code = strings.TrimSpace(product.Code)
	product.Name = strings.TrimSpace(product.Name)
	product.Unit = strings.TrimSpace(product.Unit)
	return product
}

func validateProduct(product domain.Product) error {
	switch {
	case product.Name == "":
		return fmt.Errorf("%w: name is required", ErrInvalidProduct)
	case product.Price < 0:
		return fmt.Errorf("%w: price must not be negative", ErrInvalidProduct)
	case product.GSTPercentage < 0 || product.GSTPercentage > 100:
		return fmt.Errorf("%w: gstPercentage must be between 0 and 100", ErrInvalidProduct)
	case product.Quantity < 0:
		return fmt.Errorf("%w: quantity must not be negative", ErrInvalidProduct)
	}
	return nil
}

func actorName(ctx context.Context) string {
	if actor, ok := ActorFromContext(ctx); ok {
		return actor.Username
	}
	return "anonymous"
}
