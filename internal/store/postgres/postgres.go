package postgres

import (
	"context"
	"database/sql"
	"database/sql/driver"
	"errors"
	"fmt"
	"net"
	"strings"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	_ "github.com/jackc/pgx/v5/stdlib"

	"github.com/BaseRock-Technologies/bill-management/internal/store"
)

var schema = []string{
	`CREATE TABLE IF NOT EXISTS documents (
		collection TEXT NOT NULL,
		key        TEXT NOT NULL,
		seq        BIGSERIAL,
		body       JSONB NOT NULL,
		created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
		updated_at TIMESTAMPTZ NOT NULL DEFAULT now(),
		PRIMARY KEY (collection, key)
	)`,
	`CREATE INDEX IF NOT EXISTS documents_collection_seq_idx ON documents (collection, seq)`,
}

const (
	upsertSQL = `
		INSERT INTO documents (collection, key, body)
		VALUES ($1, $2, $3::jsonb)
		ON CONFLICT (collection, key)
		DO UPDATE SET body = EXCLUDED.body, updated_at = now()
	`
	insertSQL = `
		INSERT INTO documents (collection, key, body)
		VALUES ($1, $2, $3::jsonb)
	`
	incrementSQL = `
		INSERT INTO documents (collection, key, body)
		VALUES ($1, $2, jsonb_build_object('name', $2::text, 'sequence_value', 1))
		ON CONFLICT (collection, key)
		DO UPDATE SET
			body = jsonb_set(
				documents.body,
				'{sequence_value}',
				to_jsonb(COALESCE((documents.body->>'sequence_value')::bigint, 0) + 1)
			),
			updated_at = now()
		RETURNING (body->>'sequence_value')::bigint
	`
)

type Store struct {
	db         *sql.DB
	timeout    time.Duration
	maxRetries int
}

func New(ctx context.Context, databaseURL string, timeout time.Duration) (*Store, error) {
	db, err := sql.Open("pgx", databaseURL)
	if err != nil {
		return nil, err
	}

	db.SetMaxIdleConns(8)
	db.SetMaxOpenConns(30)
	db.SetConnMaxLifetime(30 * time.Minute)

	s := &Store{db: db, timeout: timeout, maxRetries: 3}

	if err := s.Ping(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}

	schemaCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	for _, stmt := range schema {
		if _, err := db.ExecContext(schemaCtx, stmt); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("ensure schema: %w", err)
		}
	}

	return s, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) Ping(ctx context.Context) error {
	ctx, cancel := store.WithTimeout(ctx, s.timeout)
	defer cancel()
	return classify(s.db.PingContext(ctx))
}

func (s *Store) Get(ctx context.Context, collection string, key string) (store.Document, error) {
	ctx, cancel := store.WithTimeout(ctx, s.timeout)
	defer cancel()
	return get(ctx, s.db, collection, key, false)
}

func (s *Store) Put(ctx context.Context, collection string, doc store.Document) error {
	ctx, cancel := store.WithTimeout(ctx, s.timeout)
	defer cancel()
	return put(ctx, s.db, collection, doc)
}

func (s *Store) Insert(ctx context.Context, collection string, doc store.Document) error {
	ctx, cancel := store.WithTimeout(ctx, s.timeout)
	defer cancel()
	return insert(ctx, s.db, collection, doc)
}

func (s *Store) Delete(ctx context.Context, collection string, key string) (bool, error) {
	ctx, cancel := store.WithTimeout(ctx, s.timeout)
	defer cancel()

	res, err := s.db.ExecContext(ctx, `DELETE FROM documents WHERE collection = $1 AND key = $2`, collection, key)
	if err != nil {
		return false, classify(err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return false, classify(err)
	}
	return affected > 0, nil
}

func (s *Store) Query(ctx context.Context, collection string, filter store.Filter, skip int, limit int) ([]store.Document, error) {
	query, args, err := buildQuery(collection, filter, skip, limit)
	if err != nil {
		return nil, err
	}

	ctx, cancel := store.WithTimeout(ctx, s.timeout)
	defer cancel()

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, classify(err)
	}
	defer rows.Close()

	docs := make([]store.Document, 0, 16)
	for rows.Next() {
		var key string
		var body []byte
		if err := rows.Scan(&key, &body); err != nil {
			return nil, classify(err)
		}
		docs = append(docs, store.Document{Key: key, Body: body})
	}
	if err := rows.Err(); err != nil {
		return nil, classify(err)
	}
	return docs, nil
}

func (s *Store) Increment(ctx context.Context, counter string) (int64, error) {
	ctx, cancel := store.WithTimeout(ctx, s.timeout)
	defer cancel()
	return increment(ctx, s.db, counter)
}

// Modify locks the row for the read-modify-write; concurrent modifiers of the
// same document queue behind the lock.
func (s *Store) Modify(ctx context.Context, collection string, key string, fn store.ModifyFunc) (store.Document, error) {
	var result store.Document
	err := s.withTx(ctx, sql.LevelReadCommitted, func(ctx context.Context, tx *sql.Tx) error {
		current, err := get(ctx, tx, collection, key, true)
		if err != nil {
			return err
		}
		next, err := fn(current)
		if err != nil {
			return err
		}
		next.Key = key
		if err := put(ctx, tx, collection, next); err != nil {
			return err
		}
		result = next
		return nil
	})
	if err != nil {
		return store.Document{}, err
	}
	return result, nil
}

// RunInTx runs fn in a serializable transaction and retries it from the start
// on serialization failures, so fn must not keep state between attempts.
func (s *Store) RunInTx(ctx context.Context, fn func(ctx context.Context, tx store.Tx) error) error {
	return s.withTx(ctx, sql.LevelSerializable, func(ctx context.Context, tx *sql.Tx) error {
		return fn(ctx, &pgTx{tx: tx})
	})
}

func (s *Store) withTx(ctx context.Context, isolation sql.IsolationLevel, fn func(ctx context.Context, tx *sql.Tx) error) error {
	ctx, cancel := store.WithTimeout(ctx, s.timeout)
	defer cancel()

	for attempt := 0; ; attempt++ {
		err := s.attempt(ctx, isolation, fn)
		if err == nil {
			return nil
		}
		if !isSerializationFailure(err) {
			return classify(err)
		}
		if attempt >= s.maxRetries {
			return store.Unavailable(fmt.Errorf("transaction retries exhausted: %w", err))
		}

		backoff := time.Duration(attempt+1) * 20 * time.Millisecond
		select {
		case <-ctx.Done():
			return store.Unavailable(ctx.Err())
		case <-time.After(backoff):
		}
	}
}

func (s *Store) attempt(ctx context.Context, isolation sql.IsolationLevel, fn func(ctx context.Context, tx *sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{Isolation: isolation})
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	if err := fn(ctx, tx); err != nil {
		return err
	}
	return tx.Commit()
}

type pgTx struct {
	tx *sql.Tx
}

func (t *pgTx) Get(ctx context.Context, collection string, key string) (store.Document, error) {
	return get(ctx, t.tx, collection, key, true)
}

func (t *pgTx) Put(ctx context.Context, collection string, doc store.Document) error {
	return put(ctx, t.tx, collection, doc)
}

func (t *pgTx) Insert(ctx context.Context, collection string, doc store.Document) error {
	return insert(ctx, t.tx, collection, doc)
}

func (t *pgTx) Increment(ctx context.Context, counter string) (int64, error) {
	return increment(ctx, t.tx, counter)
}

type querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func get(ctx context.Context, q querier, collection string, key string, forUpdate bool) (store.Document, error) {
	query := `SELECT body FROM documents WHERE collection = $1 AND key = $2`
	if forUpdate {
		query += ` FOR UPDATE`
	}

	var body []byte
	if err := q.QueryRowContext(ctx, query, collection, key).Scan(&body); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return store.Document{}, fmt.Errorf("%s/%s: %w", collection, key, store.ErrNotFound)
		}
		return store.Document{}, classify(err)
	}
	return store.Document{Key: key, Body: body}, nil
}

func put(ctx context.Context, q querier, collection string, doc store.Document) error {
	if doc.Key == "" {
		return fmt.Errorf("%s: document key required", collection)
	}
	_, err := q.ExecContext(ctx, upsertSQL, collection, doc.Key, string(doc.Body))
	return classify(err)
}

func insert(ctx context.Context, q querier, collection string, doc store.Document) error {
	if doc.Key == "" {
		return fmt.Errorf("%s: document key required", collection)
	}
	if _, err := q.ExecContext(ctx, insertSQL, collection, doc.Key, string(doc.Body)); err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("%s/%s: %w", collection, doc.Key, store.ErrConflict)
		}
		return classify(err)
	}
	return nil
}

func increment(ctx context.Context, q querier, counter string) (int64, error) {
	var value int64
	if err := q.QueryRowContext(ctx, incrementSQL, store.CountersCollection, counter).Scan(&value); err != nil {
		return 0, classify(err)
	}
	return value, nil
}

// buildQuery translates a filter into SQL over the JSONB body. Field names
// and values are always bound as parameters.
func buildQuery(collection string, filter store.Filter, skip int, limit int) (string, []any, error) {
	if err := filter.Validate(); err != nil {
		return "", nil, err
	}

	args := []any{collection}
	where := []string{"collection = $1"}
	for _, cond := range filter {
		args = append(args, cond.Field)
		field := fmt.Sprintf("$%d::text", len(args))
		args = append(args, cond.Value)
		value := len(args)

		op := map[store.Op]string{store.OpEq: "=", store.OpGte: ">=", store.OpLte: "<="}[cond.Op]
		var expr string
		switch cond.Value.(type) {
		case float64:
			expr = fmt.Sprintf(
				"CASE WHEN jsonb_typeof(body->%[1]s) = 'number' THEN (body->>%[1]s)::double precision %[2]s $%[3]d::double precision ELSE false END",
				field, op, value)
		case time.Time:
			expr = fmt.Sprintf(
				"CASE WHEN jsonb_typeof(body->%[1]s) = 'string' THEN (body->>%[1]s)::timestamptz %[2]s $%[3]d::timestamptz ELSE false END",
				field, op, value)
		case string:
			if cond.Op == store.OpContains {
				expr = fmt.Sprintf("strpos(lower(body->>%s), lower($%d::text)) > 0", field, value)
			} else {
				expr = fmt.Sprintf(`(body->>%s) COLLATE "C" %s $%d::text`, field, op, value)
			}
		}
		where = append(where, expr)
	}

	query := "SELECT key, body FROM documents WHERE " + strings.Join(where, " AND ") + " ORDER BY seq"
	if skip > 0 {
		args = append(args, skip)
		query += fmt.Sprintf(" OFFSET $%d", len(args))
	}
	if limit > 0 {
		args = append(args, limit)
		query += fmt.Sprintf(" LIMIT $%d", len(args))
	}
	return query, args, nil
}

// classify marks connection-level failures and expired deadlines as
// store.ErrUnavailable and leaves every other error untouched.
func classify(err error) error {
	if err == nil {
		return nil
	}
	if isUnavailable(err) {
		return store.Unavailable(err)
	}
	return err
}

func isUnavailable(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return true
	}
	if errors.Is(err, driver.ErrBadConn) || errors.Is(err, sql.ErrConnDone) {
		return true
	}
	if pgconn.Timeout(err) {
		return true
	}
	var connectErr *pgconn.ConnectError
	if errors.As(err, &connectErr) {
		return true
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return true
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return strings.HasPrefix(pgErr.Code, "08") || pgErr.Code == "57P01" || pgErr.Code == "53300"
	}
	return false
}

func isSerializationFailure(err error) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == "40001" || pgErr.Code == "40P01"
	}
	return false
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == "23505"
	}
	return false
}
