package catalog

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/BaseRock-Technologies/bill-management/internal/cache"
	"github.com/BaseRock-Technologies/bill-management/internal/domain"
	"github.com/BaseRock-Technologies/bill-management/internal/store"
	"github.com/BaseRock-Technologies/bill-management/internal/store/memory"
)

func newRepo(t *testing.T) (*Repository, *memory.Store) {
	t.Helper()
	s := memory.New()
	return New(s, cache.NoopProductCache{}, time.Minute, zaptest.NewLogger(t)), s
}

func mouse() domain.Product {
	return domain.Product{Code: "P1", Name: "Wireless Mouse", Price: 499.99, GSTPercentage: 18, Quantity: 10, Unit: "pcs"}
}

func TestCreateMintsSequentialCodes(t *testing.T) {
	repo, _ := newRepo(t)
	ctx := context.Background()

	first, err := repo.Create(ctx, domain.Product{Name: "Pen", Price: 10, Unit: "pcs"})
	require.NoError(t, err)
	second, err := repo.Create(ctx, domain.Product{Name: "Pencil", Price: 5, Unit: "pcs"})
	require.NoError(t, err)

	assert.Equal(t, "P0001", first.Code)
	assert.Equal(t, "P0002", second.Code)

	got, err := repo.FindByCode(ctx, "P0002")
	require.NoError(t, err)
	assert.Equal(t, "Pencil", got.Name)
}

func TestCreateSkipsMintedCodeThatIsTaken(t *testing.T) {
	repo, _ := newRepo(t)
	ctx := context.Background()

	_, err := repo.Create(ctx, domain.Product{Code: "P0001", Name: "Manual"})
	require.NoError(t, err)

	minted, err := repo.Create(ctx, domain.Product{Name: "Auto"})
	require.NoError(t, err)
	assert.Equal(t, "P0002", minted.Code)
}

func TestCreateRejectsDuplicateCode(t *testing.T) {
	repo, _ := newRepo(t)
	ctx := context.Background()

	_, err := repo.Create(ctx, mouse())
	require.NoError(t, err)

	_, err = repo.Create(ctx, mouse())
	require.ErrorIs(t, err, ErrDuplicateCode)
}

func TestFindByCodeMissing(t *testing.T) {
	repo, _ := newRepo(t)

	_, err := repo.FindByCode(context.Background(), "NOPE")
	require.ErrorIs(t, err, store.ErrNotFound)
}

func TestFindAllAppliesNameAndPriceBounds(t *testing.T) {
	repo, _ := newRepo(t)
	ctx := context.Background()
	for _, p := range []domain.Product{
		{Code: "P1", Name: "Wireless Mouse", Price: 499.99},
		{Code: "P2", Name: "Mouse Pad", Price: 150},
		{Code: "P3", Name: "Keyboard", Price: 0},
		{Code: "P4", Name: "Gaming mouse", Price: 2499},
	} {
		_, err := repo.Create(ctx, p)
		require.NoError(t, err)
	}

	minPrice, maxPrice := 150.0, 500.0
	got, err := repo.FindAll(ctx, domain.ProductFilter{NamePattern: "MOUSE", MinPrice: &minPrice, MaxPrice: &maxPrice}, 0, 10)
	require.NoError(t, err)
	assert.Equal(t, []string{"P1", "P2"}, codes(got))

	zero := 0.0
	got, err = repo.FindAll(ctx, domain.ProductFilter{MaxPrice: &zero}, 0, 10)
	require.NoError(t, err)
	assert.Equal(t, []string{"P3"}, codes(got))

	got, err = repo.FindAll(ctx, domain.ProductFilter{}, 1, 2)
	require.NoError(t, err)
	assert.Equal(t, []string{"P2", "P3"}, codes(got))

	all, err := repo.ListAll(ctx)
	require.NoError(t, err)
	assert.Len(t, all, 4)
}

func TestUpdateReplacesProduct(t *testing.T) {
	repo, _ := newRepo(t)
	ctx := context.Background()
	created := mouse()
	created.ID = "legacy-1"
	_, err := repo.Create(ctx, created)
	require.NoError(t, err)

	updated, err := repo.Update(ctx, "P1", domain.Product{Name: "Silent Mouse", Price: 549, Quantity: 4, Unit: "pcs"})
	require.NoError(t, err)
	assert.Equal(t, "P1", updated.Code)
	assert.Equal(t, "legacy-1", updated.ID)

	got, err := repo.FindByCode(ctx, "P1")
	require.NoError(t, err)
	assert.Equal(t, updated, got)

	_, err = repo.Update(ctx, "P1", domain.Product{Code: "P2", Name: "x"})
	require.ErrorIs(t, err, ErrCodeMismatch)

	_, err = repo.Update(ctx, "P9", domain.Product{Name: "x"})
	require.ErrorIs(t, err, store.ErrNotFound)
}

func TestDeleteMissingProduct(t *testing.T) {
	repo, _ := newRepo(t)
	ctx := context.Background()
	_, err := repo.Create(ctx, mouse())
	require.NoError(t, err)

	require.NoError(t, repo.Delete(ctx, "P1"))
	require.ErrorIs(t, repo.Delete(ctx, "P1"), store.ErrNotFound)
}

func TestDecrementStockAppliesGuardsAtomically(t *testing.T) {
	repo, _ := newRepo(t)
	ctx := context.Background()
	_, err := repo.Create(ctx, mouse())
	require.NoError(t, err)

	quantity, err := repo.DecrementStock(ctx, "P1", 3)
	require.NoError(t, err)
	assert.Equal(t, 7, quantity)

	short := errors.New("short")
	guard := func(current domain.Product, amount int) error {
		if current.Quantity < amount {
			return short
		}
		return nil
	}
	_, err = repo.DecrementStock(ctx, "P1", 8, guard)
	require.ErrorIs(t, err, short)

	got, err := repo.FindByCode(ctx, "P1")
	require.NoError(t, err)
	assert.Equal(t, 7, got.Quantity)

	quantity, err = repo.DecrementStock(ctx, "P1", 9)
	require.NoError(t, err)
	assert.Equal(t, -2, quantity, "no floor without a guard")

	quantity, err = repo.IncrementStock(ctx, "P1", 9)
	require.NoError(t, err)
	assert.Equal(t, 7, quantity)

	_, err = repo.DecrementStock(ctx, "NOPE", 1)
	require.ErrorIs(t, err, store.ErrNotFound)
}

func TestStockAdjustmentsRejectNonPositiveAmounts(t *testing.T) {
	repo, s := newRepo(t)
	ctx := context.Background()
	_, err := repo.Create(ctx, mouse())
	require.NoError(t, err)

	for _, amount := range []int{0, -1, -(1 << 62)} {
		_, err = repo.DecrementStock(ctx, "P1", amount)
		require.ErrorIs(t, err, ErrInvalidAmount)
		_, err = repo.IncrementStock(ctx, "P1", amount)
		require.ErrorIs(t, err, ErrInvalidAmount)

		err = s.RunInTx(ctx, func(ctx context.Context, tx store.Tx) error {
			_, err := repo.InTx(tx).DecrementStock(ctx, "P1", amount)
			return err
		})
		require.ErrorIs(t, err, ErrInvalidAmount)
	}

	got, err := repo.FindByCode(ctx, "P1")
	require.NoError(t, err)
	assert.Equal(t, 10, got.Quantity)
}

func TestTxRepositoryCommitsWithTransaction(t *testing.T) {
	repo, s := newRepo(t)
	ctx := context.Background()
	_, err := repo.Create(ctx, mouse())
	require.NoError(t, err)

	abort := errors.New("abort")
	err = s.RunInTx(ctx, func(ctx context.Context, tx store.Tx) error {
		quantity, err := repo.InTx(tx).DecrementStock(ctx, "P1", 4)
		require.NoError(t, err)
		assert.Equal(t, 6, quantity)
		return abort
	})
	require.ErrorIs(t, err, abort)

	got, err := repo.FindByCode(ctx, "P1")
	require.NoError(t, err)
	assert.Equal(t, 10, got.Quantity)

	err = s.RunInTx(ctx, func(ctx context.Context, tx store.Tx) error {
		_, err := repo.InTx(tx).DecrementStock(ctx, "P1", 4)
		return err
	})
	require.NoError(t, err)

	got, err = repo.FindByCode(ctx, "P1")
	require.NoError(t, err)
	assert.Equal(t, 6, got.Quantity)
}

func TestRedisCacheServesReadsAndIsInvalidated(t *testing.T) {
	mr := miniredis.RunT(t)
	redisCache := cache.NewRedisProductCache(mr.Addr(), "", 0)
	t.Cleanup(func() { _ = redisCache.Close() })

	s := memory.New()
	repo := New(s, redisCache, time.Minute, zaptest.NewLogger(t))
	ctx := context.Background()
	_, err := repo.Create(ctx, mouse())
	require.NoError(t, err)

	_, err = repo.FindByCode(ctx, "P1")
	require.NoError(t, err)
	require.True(t, mr.Exists("billing:product:P1"))

	// A write behind the repository's back is invisible until the entry is dropped.
	stale := mouse()
	stale.Name = "Changed Elsewhere"
	doc, err := store.NewDocument("P1", stale)
	require.NoError(t, err)
	require.NoError(t, s.Put(ctx, Collection, doc))

	got, err := repo.FindByCode(ctx, "P1")
	require.NoError(t, err)
	assert.Equal(t, "Wireless Mouse", got.Name)

	repo.Forget(ctx, "P1")
	got, err = repo.FindByCode(ctx, "P1")
	require.NoError(t, err)
	assert.Equal(t, "Changed Elsewhere", got.Name)

	_, err = repo.DecrementStock(ctx, "P1", 1)
	require.NoError(t, err)
	assert.False(t, mr.Exists("billing:product:P1"))
}

func TestCacheOutageFallsBackToStore(t *testing.T) {
	mr := miniredis.RunT(t)
	redisCache := cache.NewRedisProductCache(mr.Addr(), "", 0)
	t.Cleanup(func() { _ = redisCache.Close() })

	repo := New(memory.New(), redisCache, time.Minute, zaptest.NewLogger(t))
	ctx := context.Background()
	_, err := repo.Create(ctx, mouse())
	require.NoError(t, err)

	mr.SetError("LOADING")
	got, err := repo.FindByCode(ctx, "P1")
	require.NoError(t, err)
	assert.Equal(t, "Wireless Mouse", got.Name)
}

func codes(products []domain.Product) []string {
	out := make([]string, 0, len(products))
	for _, p := range products {
		out = append(out, p.Code)
	}
	return out
}

// gatedStore holds product reads until release is closed. With readFirst the
// document is read before waiting, so the caller sees the value as it was
// when the read began.
type gatedStore struct {
	*memory.Store
	readFirst bool
	entered   chan struct{}
	release   chan struct{}
	once      sync.Once
}

func newGatedStore(s *memory.Store, readFirst bool) *gatedStore {
	return &gatedStore{Store: s, readFirst: readFirst, entered: make(chan struct{}), release: make(chan struct{})}
}

func (g *gatedStore) Get(ctx context.Context, collection string, key string) (store.Document, error) {
	if collection != Collection {
		return g.Store.Get(ctx, collection, key)
	}
	var (
		doc store.Document
		err error
	)
	if g.readFirst {
		doc, err = g.Store.Get(ctx, collection, key)
	}
	g.once.Do(func() { close(g.entered) })
	<-g.release
	if !g.readFirst {
		doc, err = g.Store.Get(ctx, collection, key)
	}
	return doc, err
}

func TestCacheFillSkipsProductInvalidatedDuringLoad(t *testing.T) {
	mr := miniredis.RunT(t)
	redisCache := cache.NewRedisProductCache(mr.Addr(), "", 0)
	t.Cleanup(func() { _ = redisCache.Close() })

	mem := memory.New()
	doc, err := store.NewDocument("P1", mouse())
	require.NoError(t, err)
	require.NoError(t, mem.Put(context.Background(), Collection, doc))

	gated := newGatedStore(mem, true)
	repo := New(gated, redisCache, time.Minute, zaptest.NewLogger(t))
	ctx := context.Background()

	done := make(chan domain.Product, 1)
	go func() {
		p, err := repo.FindByCode(ctx, "P1")
		assert.NoError(t, err)
		done <- p
	}()
	<-gated.entered

	quantity, err := repo.DecrementStock(ctx, "P1", 4)
	require.NoError(t, err)
	require.Equal(t, 6, quantity)

	close(gated.release)
	assert.Equal(t, 10, (<-done).Quantity, "the in-flight read returns what it loaded")
	assert.False(t, mr.Exists("billing:product:P1"), "a load older than the last write must not be cached")

	got, err := repo.FindByCode(ctx, "P1")
	require.NoError(t, err)
	assert.Equal(t, 6, got.Quantity)
}

func TestCacheFillSurvivesCancelledCaller(t *testing.T) {
	mr := miniredis.RunT(t)
	redisCache := cache.NewRedisProductCache(mr.Addr(), "", 0)
	t.Cleanup(func() { _ = redisCache.Close() })

	mem := memory.New()
	doc, err := store.NewDocument("P1", mouse())
	require.NoError(t, err)
	require.NoError(t, mem.Put(context.Background(), Collection, doc))

	gated := newGatedStore(mem, false)
	repo := New(gated, redisCache, time.Minute, zaptest.NewLogger(t))

	ctx, cancel := context.WithCancel(context.Background())
	failed := make(chan error, 1)
	go func() {
		_, err := repo.FindByCode(ctx, "P1")
		failed <- err
	}()
	<-gated.entered
	cancel()
	require.ErrorIs(t, <-failed, store.ErrUnavailable)

	close(gated.release)
	require.Eventually(t, func() bool { return mr.Exists("billing:product:P1") }, time.Second, 5*time.Millisecond,
		"the shared fill finishes and caches the product after its first caller gave up")

	got, err := repo.FindByCode(context.Background(), "P1")
	require.NoError(t, err)
	assert.Equal(t, "Wireless Mouse", got.Name)
}
