package memory

import (
	"cmp"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"slices"
	"strings"
	"sync"
	"time"

	"golang.org/x/text/cases"

	"github.com/BaseRock-Technologies/bill-management/internal/store"
)

type collection struct {
	docs  map[string]json.RawMessage
	order []string
}

// Store keeps every collection in process memory. All writers serialize on
// one mutex, which also makes transactions trivially isolated.
type Store struct {
	mu          sync.RWMutex
	collections map[string]*collection
	closed      bool
}

var errClosed = errors.New("memory store closed")

func New() *Store {
	return &Store{collections: make(map[string]*collection)}
}

func (s *Store) Ping(ctx context.Context) error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.usable(ctx)
}

func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}

func (s *Store) Get(ctx context.Context, coll string, key string) (store.Document, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if err := s.usable(ctx); err != nil {
		return store.Document{}, err
	}
	return s.get(coll, key)
}

func (s *Store) Put(ctx context.Context, coll string, doc store.Document) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.usable(ctx); err != nil {
		return err
	}
	return s.put(coll, doc)
}

func (s *Store) Insert(ctx context.Context, coll string, doc store.Document) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.usable(ctx); err != nil {
		return err
	}
	if _, err := s.get(coll, doc.Key); err == nil {
		return fmt.Errorf("%s/%s: %w", coll, doc.Key, store.ErrConflict)
	}
	return s.put(coll, doc)
}

func (s *Store) Delete(ctx context.Context, coll string, key string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.usable(ctx); err != nil {
		return false, err
	}

	c, ok := s.collections[coll]
	if !ok {
		return false, nil
	}
	if _, ok := c.docs[key]; !ok {
		return false, nil
	}
	delete(c.docs, key)
	c.order = slices.DeleteFunc(c.order, func(k string) bool { return k == key })
	return true, nil
}

func (s *Store) Query(ctx context.Context, coll string, filter store.Filter, skip int, limit int) ([]store.Document, error) {
	if err := filter.Validate(); err != nil {
		return nil, err
	}

	s.mu.RLock()
	defer s.mu.RUnlock()
	if err := s.usable(ctx); err != nil {
		return nil, err
	}

	c, ok := s.collections[coll]
	if !ok {
		return []store.Document{}, nil
	}
	if skip < 0 {
		skip = 0
	}

	result := make([]store.Document, 0, 16)
	for _, key := range c.order {
		body := c.docs[key]
		matched, err := matches(body, filter)
		if err != nil {
			return nil, fmt.Errorf("%s/%s: %w", coll, key, err)
		}
		if !matched {
			continue
		}
		if skip > 0 {
			skip--
			continue
		}
		result = append(result, store.Document{Key: key, Body: slices.Clone(body)})
		if limit > 0 && len(result) >= limit {
			break
		}
	}
	return result, nil
}

func (s *Store) Increment(ctx context.Context, counter string) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.usable(ctx); err != nil {
		return 0, err
	}
	return increment(s.get, s.put, counter)
}

func (s *Store) Modify(ctx context.Context, coll string, key string, fn store.ModifyFunc) (store.Document, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.usable(ctx); err != nil {
		return store.Document{}, err
	}

	current, err := s.get(coll, key)
	if err != nil {
		return store.Document{}, err
	}
	next, err := fn(current)
	if err != nil {
		return store.Document{}, err
	}
	next.Key = key
	if err := s.put(coll, next); err != nil {
		return store.Document{}, err
	}
	return next, nil
}

// RunInTx holds the write lock for the whole of fn, so fn must only touch
// the store through tx.
func (s *Store) RunInTx(ctx context.Context, fn func(ctx context.Context, tx store.Tx) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.usable(ctx); err != nil {
		return err
	}

	tx := &memTx{store: s, staged: make(map[string]map[string]json.RawMessage)}
	if err := fn(ctx, tx); err != nil {
		return err
	}
	if err := s.usable(ctx); err != nil {
		return err
	}

	for _, w := range tx.writes {
		if err := s.put(w.coll, store.Document{Key: w.key, Body: tx.staged[w.coll][w.key]}); err != nil {
			return err
		}
	}
	return nil
}

func (s *Store) usable(ctx context.Context) error {
	if s.closed {
		return store.Unavailable(errClosed)
	}
	if err := ctx.Err(); err != nil {
		return store.Unavailable(err)
	}
	return nil
}

func (s *Store) get(coll string, key string) (store.Document, error) {
	c, ok := s.collections[coll]
	if !ok {
		return store.Document{}, fmt.Errorf("%s/%s: %w", coll, key, store.ErrNotFound)
	}
	body, ok := c.docs[key]
	if !ok {
		return store.Document{}, fmt.Errorf("%s/%s: %w", coll, key, store.ErrNotFound)
	}
	return store.Document{Key: key, Body: slices.Clone(body)}, nil
}

func (s *Store) put(coll string, doc store.Document) error {
	if doc.Key == "" {
		return fmt.Errorf("%s: document key required", coll)
	}
	if !json.Valid(doc.Body) {
		return fmt.Errorf("%s/%s: invalid json body", coll, doc.Key)
	}

	c, ok := s.collections[coll]
	if !ok {
		c = &collection{docs: make(map[string]json.RawMessage)}
		s.collections[coll] = c
	}
	if _, exists := c.docs[doc.Key]; !exists {
		c.order = append(c.order, doc.Key)
	}
	c.docs[doc.Key] = slices.Clone(doc.Body)
	return nil
}

type stagedWrite struct {
	coll string
	key  string
}

type memTx struct {
	store  *Store
	staged map[string]map[string]json.RawMessage
	writes []stagedWrite
}

func (t *memTx) Get(ctx context.Context, coll string, key string) (store.Document, error) {
	if err := ctx.Err(); err != nil {
		return store.Document{}, store.Unavailable(err)
	}
	if body, ok := t.staged[coll][key]; ok {
		return store.Document{Key: key, Body: slices.Clone(body)}, nil
	}
	return t.store.get(coll, key)
}

func (t *memTx) Put(ctx context.Context, coll string, doc store.Document) error {
	if err := ctx.Err(); err != nil {
		return store.Unavailable(err)
	}
	return t.stage(coll, doc)
}

func (t *memTx) Insert(ctx context.Context, coll string, doc store.Document) error {
	if _, err := t.Get(ctx, coll, doc.Key); err == nil {
		return fmt.Errorf("%s/%s: %w", coll, doc.Key, store.ErrConflict)
	} else if !errors.Is(err, store.ErrNotFound) {
		return err
	}
	return t.stage(coll, doc)
}

func (t *memTx) Increment(ctx context.Context, counter string) (int64, error) {
	if err := ctx.Err(); err != nil {
		return 0, store.Unavailable(err)
	}
	get := func(coll string, key string) (store.Document, error) { return t.Get(ctx, coll, key) }
	return increment(get, t.stage, counter)
}

func (t *memTx) stage(coll string, doc store.Document) error {
	if doc.Key == "" {
		return fmt.Errorf("%s: document key required", coll)
	}
	if !json.Valid(doc.Body) {
		return fmt.Errorf("%s/%s: invalid json body", coll, doc.Key)
	}
	if _, ok := t.staged[coll]; !ok {
		t.staged[coll] = make(map[string]json.RawMessage)
	}
	if _, ok := t.staged[coll][doc.Key]; !ok {
		t.writes = append(t.writes, stagedWrite{coll: coll, key: doc.Key})
	}
	t.staged[coll][doc.Key] = slices.Clone(doc.Body)
	return nil
}

type counterDoc struct {
	Name          string `json:"name"`
	SequenceValue int64  `json:"sequence_value"`
}

func increment(
	get func(coll string, key string) (store.Document, error),
	put func(coll string, doc store.Document) error,
	counter string,
) (int64, error) {
	var current counterDoc
	doc, err := get(store.CountersCollection, counter)
	switch {
	case err == nil:
		if err := doc.Decode(&current); err != nil {
			return 0, err
		}
	case errors.Is(err, store.ErrNotFound):
	default:
		return 0, err
	}

	current.Name = counter
	current.SequenceValue++
	next, err := store.NewDocument(counter, current)
	if err != nil {
		return 0, err
	}
	if err := put(store.CountersCollection, next); err != nil {
		return 0, err
	}
	return current.SequenceValue, nil
}

func matches(body json.RawMessage, filter store.Filter) (bool, error) {
	if len(filter) == 0 {
		return true, nil
	}

	var fields map[string]any
	if err := json.Unmarshal(body, &fields); err != nil {
		return false, err
	}
	for _, cond := range filter {
		raw, ok := fields[cond.Field]
		if !ok || raw == nil {
			return false, nil
		}
		if !compare(raw, cond) {
			return false, nil
		}
	}
	return true, nil
}

func compare(raw any, cond store.Condition) bool {
	switch want := cond.Value.(type) {
	case float64:
		got, ok := raw.(float64)
		return ok && holds(cmp.Compare(got, want), cond.Op)
	case time.Time:
		text, ok := raw.(string)
		if !ok {
			return false
		}
		got, err := time.Parse(time.RFC3339Nano, text)
		return err == nil && holds(got.Compare(want), cond.Op)
	case string:
		got, ok := raw.(string)
		if !ok {
			return false
		}
		if cond.Op == store.OpContains {
			return strings.Contains(cases.Fold().String(got), cases.Fold().String(want))
		}
		return holds(cmp.Compare(got, want), cond.Op)
	}
	return false
}

func holds(c int, op store.Op) bool {
	switch op {
	case store.OpEq:
		return c == 0
	case store.OpGte:
		return c >= 0
	case store.OpLte:
		return c <= 0
	}
	return false
}
