// Package store defines the document store adapter used by every repository:
// keyed JSON documents grouped in collections, filtered queries, atomic
// counters and, where the backend supports it, multi-document transactions.
package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

var (
	ErrNotFound    = errors.New("not found")
	ErrConflict    = errors.New("document already exists")
	ErrUnavailable = errors.New("store unavailable")
)

// CountersCollection holds the documents behind Increment.
const CountersCollection = "counters"

// Document is one stored JSON body addressed by its key.
type Document struct {
	Key  string
	Body json.RawMessage
}

// NewDocument marshals value into a document stored under key.
func NewDocument(key string, value any) (Document, error) {
	body, err := json.Marshal(value)
	if err != nil {
		return Document{}, fmt.Errorf("encode document %s: %w", key, err)
	}
	return Document{Key: key, Body: body}, nil
}

// Decode unmarshals the document body into dest.
func (d Document) Decode(dest any) error {
	if err := json.Unmarshal(d.Body, dest); err != nil {
		return fmt.Errorf("decode document %s: %w", d.Key, err)
	}
	return nil
}

// ModifyFunc receives the current document and returns its replacement.
// Returning an error aborts the modification.
type ModifyFunc func(current Document) (Document, error)

type Store interface {
	Get(ctx context.Context, collection string, key string) (Document, error)
	Put(ctx context.Context, collection string, doc Document) error
	Insert(ctx context.Context, collection string, doc Document) error
	Delete(ctx context.Context, collection string, key string) (bool, error)
	Query(ctx context.Context, collection string, filter Filter, skip int, limit int) ([]Document, error)
	Increment(ctx context.Context, counter string) (int64, error)
	Modify(ctx context.Context, collection string, key string, fn ModifyFunc) (Document, error)
	Ping(ctx context.Context) error
	Close() error
}

// Tx is the view of the store inside a transaction. Get locks the document
// for the rest of the transaction.
type Tx interface {
	Get(ctx context.Context, collection string, key string) (Document, error)
	Put(ctx context.Context, collection string, doc Document) error
	Insert(ctx context.Context, collection string, doc Document) error
	Increment(ctx context.Context, counter string) (int64, error)
}

// Transactor is implemented by stores that can commit several writes
// atomically. When fn returns an error nothing it wrote is kept.
type Transactor interface {
	RunInTx(ctx context.Context, fn func(ctx context.Context, tx Tx) error) error
}

// Unavailable marks err as an infrastructure failure.
func Unavailable(err error) error {
	if err == nil || errors.Is(err, ErrUnavailable) {
		return err
	}
	return fmt.Errorf("%w: %w", ErrUnavailable, err)
}

// WithTimeout bounds a single store call.
func WithTimeout(ctx context.Context, timeout time.Duration) (context.Context, context.CancelFunc) {
	if timeout <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, timeout)
}
