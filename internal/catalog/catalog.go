// Package catalog owns product documents: lookups, listings, CRUD and the
// atomic stock adjustments used by bill settlement.
package catalog

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"github.com/BaseRock-Technologies/bill-management/internal/cache"
	"github.com/BaseRock-Technologies/bill-management/internal/domain"
	"github.com/BaseRock-Technologies/bill-management/internal/store"
	"github.com/BaseRock-Technologies/bill-management/internal/xid"
)

const Collection = "products"

const (
	maxCodeAttempts = 5
	fillTimeout     = 5 * time.Second
)

var (
	ErrDuplicateCode = errors.New("product code already exists")
	ErrCodeMismatch  = errors.New("product code in body does not match path")
	ErrInvalidAmount = errors.New("stock adjustment must be positive")
)

// StockGuard runs inside the atomic section of a stock decrement with the
// current product and the requested amount. A non-nil error aborts the write.
type StockGuard func(current domain.Product, amount int) error

type Repository struct {
	store  store.Store
	cache  cache.ProductCache
	ttl    time.Duration
	logger *zap.Logger
	group  singleflight.Group

	// generations counts invalidations per code. A cache fill that saw a
	// different generation before and after its write drops the entry.
	mu          sync.Mutex
	generations map[string]uint64
}

func New(s store.Store, c cache.ProductCache, ttl time.Duration, logger *zap.Logger) *Repository {
	if c == nil {
		c = cache.NoopProductCache{}
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Repository{store: s, cache: c, ttl: ttl, logger: logger, generations: make(map[string]uint64)}
}

func (r *Repository) FindByCode(ctx context.Context, code string) (domain.Product, error) {
	cached, ok, err := r.cache.Get(ctx, code)
	if err != nil {
		r.logger.Warn("product cache read failed", zap.String("code", code), zap.Error(err))
	} else if ok {
		return *cached, nil
	}

	// The fill is shared by every waiter and outlives a cancelled caller.
	results := r.group.DoChan(code, func() (any, error) {
		fillCtx, cancel := store.WithTimeout(context.WithoutCancel(ctx), fillTimeout)
		defer cancel()
		return r.fill(fillCtx, code)
	})
	select {
	case <-ctx.Done():
		return domain.Product{}, store.Unavailable(ctx.Err())
	case res := <-results:
		if res.Err != nil {
			return domain.Product{}, res.Err
		}
		return res.Val.(domain.Product), nil
	}
}

func (r *Repository) fill(ctx context.Context, code string) (domain.Product, error) {
	generation := r.generation(code)
	product, err := r.load(ctx, code)
	if err != nil {
		return domain.Product{}, err
	}
	if r.generation(code) != generation {
		return product, nil
	}
	if err := r.cache.Set(ctx, code, &product, r.ttl); err != nil {
		r.logger.Warn("product cache write failed", zap.String("code", code), zap.Error(err))
		return product, nil
	}
	// An invalidation that ran between the check above and Set has already
	// deleted its key; drop the entry we just wrote over it.
	if r.generation(code) != generation {
		if err := r.cache.Delete(ctx, code); err != nil {
			r.logger.Warn("stale product cache entry not dropped", zap.String("code", code), zap.Error(err))
		}
	}
	return product, nil
}

func (r *Repository) generation(code string) uint64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.generations[code]
}

func (r *Repository) FindAll(ctx context.Context, filter domain.ProductFilter, skip int, limit int) ([]domain.Product, error) {
	var conds store.Filter
	if filter.NamePattern != "" {
		conds = append(conds, store.Contains("name", filter.NamePattern))
	}
	if filter.MinPrice != nil {
		conds = append(conds, store.Gte("price", *filter.MinPrice))
	}
	if filter.MaxPrice != nil {
		conds = append(conds, store.Lte("price", *filter.MaxPrice))
	}

	docs, err := r.store.Query(ctx, Collection, conds, skip, limit)
	if err != nil {
		return nil, err
	}
	return decodeAll(docs)
}

func (r *Repository) ListAll(ctx context.Context) ([]domain.Product, error) {
	return r.FindAll(ctx, domain.ProductFilter{}, 0, 0)
}

// Create stores a new product. An empty code is replaced by the next value
// of the product_code counter.
func (r *Repository) Create(ctx context.Context, product domain.Product) (domain.Product, error) {
	if product.Code != "" {
		if err := r.insert(ctx, product); err != nil {
			return domain.Product{}, err
		}
		return product, nil
	}

	for attempt := 0; attempt < maxCodeAttempts; attempt++ {
		code, err := r.NextCode(ctx)
		if err != nil {
			return domain.Product{}, err
		}
		product.Code = code

		err = r.insert(ctx, product)
		if errors.Is(err, ErrDuplicateCode) {
			r.logger.Warn("minted product code already taken", zap.String("code", code))
			continue
		}
		if err != nil {
			return domain.Product{}, err
		}
		return product, nil
	}
	return domain.Product{}, fmt.Errorf("%w: no free code after %d attempts", ErrDuplicateCode, maxCodeAttempts)
}

func (r *Repository) NextCode(ctx context.Context) (string, error) {
	seq, err := r.store.Increment(ctx, xid.ProductCodeCounter)
	if err != nil {
		return "", err
	}
	return xid.ProductCode(seq), nil
}

// Update replaces the stored product. A legacy id already on the record is
// kept when the replacement does not carry one.
func (r *Repository) Update(ctx context.Context, code string, product domain.Product) (domain.Product, error) {
	if product.Code != "" && product.Code != code {
		return domain.Product{}, fmt.Errorf("%w: %s != %s", ErrCodeMismatch, product.Code, code)
	}
	product.Code = code

	_, err := r.store.Modify(ctx, Collection, code, func(current store.Document) (store.Document, error) {
		if product.ID == "" {
			var existing domain.Product
			if err := current.Decode(&existing); err != nil {
				return store.Document{}, err
			}
			product.ID = existing.ID
		}
		return store.NewDocument(code, product)
	})
	if err != nil {
		return domain.Product{}, err
	}

	r.Forget(ctx, code)
	return product, nil
}

func (r *Repository) Delete(ctx context.Context, code string) error {
	deleted, err := r.store.Delete(ctx, Collection, code)
	if err != nil {
		return err
	}
	if !deleted {
		return fmt.Errorf("product %s: %w", code, store.ErrNotFound)
	}

	r.Forget(ctx, code)
	return nil
}

// DecrementStock subtracts amount from the product's quantity in one atomic
// read-modify-write and returns the new quantity. It enforces no floor of its
// own; callers pass guards for that.
func (r *Repository) DecrementStock(ctx context.Context, code string, amount int, guards ...StockGuard) (int, error) {
	if amount <= 0 {
		return 0, fmt.Errorf("%w: decrement %s by %d", ErrInvalidAmount, code, amount)
	}
	return r.adjust(ctx, code, -amount, amount, guards)
}

// IncrementStock adds amount back, e.g. to compensate an earlier decrement.
func (r *Repository) IncrementStock(ctx context.Context, code string, amount int) (int, error) {
	if amount <= 0 {
		return 0, fmt.Errorf("%w: increment %s by %d", ErrInvalidAmount, code, amount)
	}
	return r.adjust(ctx, code, amount, 0, nil)
}

func (r *Repository) adjust(ctx context.Context, code string, delta int, requested int, guards []StockGuard) (int, error) {
	var quantity int
	_, err := r.store.Modify(ctx, Collection, code, func(current store.Document) (store.Document, error) {
		var product domain.Product
		if err := current.Decode(&product); err != nil {
			return store.Document{}, err
		}
		for _, guard := range guards {
			if err := guard(product, requested); err != nil {
				return store.Document{}, err
			}
		}
		product.Quantity += delta
		quantity = product.Quantity
		return store.NewDocument(code, product)
	})
	if err != nil {
		return 0, err
	}

	r.Forget(ctx, code)
	return quantity, nil
}

// Forget drops cached copies of the given products. Failures are logged; the
// cache TTL bounds any staleness left behind.
func (r *Repository) Forget(ctx context.Context, codes ...string) {
	if len(codes) == 0 {
		return
	}
	r.mu.Lock()
	for _, code := range codes {
		r.generations[code]++
	}
	r.mu.Unlock()

	if err := r.cache.Delete(ctx, codes...); err != nil {
		r.logger.Warn("product cache invalidation failed", zap.Strings("codes", codes), zap.Error(err))
	}
}

// InTx returns a view of the catalog bound to a store transaction. Reads
// through it bypass the cache and lock the product until the transaction ends.
func (r *Repository) InTx(tx store.Tx) *TxRepository {
	return &TxRepository{tx: tx}
}

func (r *Repository) load(ctx context.Context, code string) (domain.Product, error) {
	doc, err := r.store.Get(ctx, Collection, code)
	if err != nil {
		return domain.Product{}, err
	}
	var product domain.Product
	if err := doc.Decode(&product); err != nil {
		return domain.Product{}, err
	}
	return product, nil
}

func (r *Repository) insert(ctx context.Context, product domain.Product) error {
	doc, err := store.NewDocument(product.Code, product)
	if err != nil {
		return err
	}
	if err := r.store.Insert(ctx, Collection, doc); err != nil {
		if errors.Is(err, store.ErrConflict) {
			return fmt.Errorf("%w: %s", ErrDuplicateCode, product.Code)
		}
		return err
	}
	return nil
}

type TxRepository struct {
	tx store.Tx
}

func (t *TxRepository) FindByCode(ctx context.Context, code string) (domain.Product, error) {
	doc, err := t.tx.Get(ctx, Collection, code)
	if err != nil {
		return domain.Product{}, err
	}
	var product domain.Product
	if err := doc.Decode(&product); err != nil {
		return domain.Product{}, err
	}
	return product, nil
}

func (t *TxRepository) DecrementStock(ctx context.Context, code string, amount int, guards ...StockGuard) (int, error) {
	if amount <= 0 {
		return 0, fmt.Errorf("%w: decrement %s by %d", ErrInvalidAmount, code, amount)
	}
	product, err := t.FindByCode(ctx, code)
	if err != nil {
		return 0, err
	}
	for _, guard := range guards {
		if err := guard(product, amount); err != nil {
			return 0, err
		}
	}

	product.Quantity -= amount
	doc, err := store.NewDocument(code, product)
	if err != nil {
		return 0, err
	}
	if err := t.tx.Put(ctx, Collection, doc); err != nil {
		return 0, err
	}
	return product.Quantity, nil
}

func decodeAll(docs []store.Document) ([]domain.Product, error) {
	products := make([]domain.Product, 0, len(docs))
	for _, doc := range docs {
		var product domain.Product
		if err := doc.Decode(&product); err != nil {
			return nil, err
		}
		products = append(products, product)
	}
	return products, nil
}
