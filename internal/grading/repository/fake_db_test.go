package repository_test

import (
	"context"
	"database/sql"
	"fmt"
	"reflect"
	"strings"
	"sync"

	"leetlabs/internal/common/db"
)

// fakeDB answers queries by substring match and records writes per transaction.
type fakeDB struct {
	mu        sync.Mutex
	rows      map[string][][]interface{}
	queries   []string
	committed []execCall
	failExec  string
	execErr   error
	commits   int
	rollbacks int

	// Queries matching hold wait for release, or for their context to end.
	hold     string
	held     chan struct{}
	heldOnce sync.Once
	release  chan struct{}
}

type execCall struct {
	query string
	args  []interface{}
}

func newFakeDB() *fakeDB {
	return &fakeDB{rows: make(map[string][][]interface{})}
}

func (f *fakeDB) on(fragment string, rows ...[]interface{}) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.rows[fragment] = rows
}

func (f *fakeDB) queryCount(fragment string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, q := range f.queries {
		if strings.Contains(q, fragment) {
			n++
		}
	}
	return n
}

func (f *fakeDB) match(query string) [][]interface{} {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.queries = append(f.queries, query)
	for fragment, rows := range f.rows {
		if strings.Contains(query, fragment) {
			return rows
		}
	}
	return nil
}

func (f *fakeDB) Query(ctx context.Context, query string, args ...interface{}) (db.Rows, error) {
	return &fakeRows{rows: f.match(query), pos: -1}, nil
}

// holdQueries makes queries containing fragment block until the returned release func is called.
// The returned channel closes once the first such query is waiting.
func (f *fakeDB) holdQueries(fragment string) (<-chan struct{}, func()) {
	f.hold = fragment
	f.held = make(chan struct{})
	f.release = make(chan struct{})
	return f.held, func() { close(f.release) }
}

func (f *fakeDB) wait(ctx context.Context, query string) error {
	if f.hold == "" || !strings.Contains(query, f.hold) {
		return nil
	}
	f.heldOnce.Do(func() { close(f.held) })
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-f.release:
		return nil
	}
}

func (f *fakeDB) QueryRow(ctx context.Context, query string, args ...interface{}) db.Row {
	if err := f.wait(ctx, query); err != nil {
		return fakeRow{err: err}
	}
	rows := f.match(query)
	if len(rows) == 0 {
		return fakeRow{err: sql.ErrNoRows}
	}
	return fakeRow{values: rows[0]}
}

func (f *fakeDB) Exec(ctx context.Context, query string, args ...interface{}) (db.Result, error) {
	tx := &fakeTx{db: f}
	if _, err := tx.Exec(ctx, query, args...); err != nil {
		return nil, err
	}
	return fakeResult{}, tx.Commit()
}

func (f *fakeDB) Transaction(ctx context.Context, fn func(tx db.Transaction) error) error {
	tx := &fakeTx{db: f}
	if err := fn(tx); err != nil {
		_ = tx.Rollback()
		return err
	}
	return tx.Commit()
}

func (f *fakeDB) BeginTx(ctx context.Context, opts *db.TxOptions) (db.Transaction, error) {
	return &fakeTx{db: f}, nil
}

func (f *fakeDB) Ping(ctx context.Context) error { return nil }
func (f *fakeDB) Close() error                   { return nil }

type fakeTx struct {
	db      *fakeDB
	pending []execCall
}

func (t *fakeTx) Query(ctx context.Context, query string, args ...interface{}) (db.Rows, error) {
	return t.db.Query(ctx, query, args...)
}

func (t *fakeTx) QueryRow(ctx context.Context, query string, args ...interface{}) db.Row {
	return t.db.QueryRow(ctx, query, args...)
}

func (t *fakeTx) Exec(ctx context.Context, query string, args ...interface{}) (db.Result, error) {
	if t.db.failExec != "" && strings.Contains(query, t.db.failExec) {
		if t.db.execErr != nil {
			return nil, t.db.execErr
		}
		return nil, fmt.Errorf("exec failed: injected")
	}
	t.pending = append(t.pending, execCall{query: query, args: args})
	return fakeResult{}, nil
}

func (t *fakeTx) Commit() error {
	t.db.mu.Lock()
	defer t.db.mu.Unlock()
	t.db.committed = append(t.db.committed, t.pending...)
	t.db.commits++
	return nil
}

func (t *fakeTx) Rollback() error {
	t.db.mu.Lock()
	defer t.db.mu.Unlock()
	t.pending = nil
	t.db.rollbacks++
	return nil
}

type fakeResult struct{}

func (fakeResult) LastInsertId() (int64, error) { return 0, nil }
func (fakeResult) RowsAffected() (int64, error) { return 1, nil }

type fakeRow struct {
	values []interface{}
	err    error
}

func (r fakeRow) Scan(dest ...interface{}) error {
	if r.err != nil {
		return r.err
	}
	return assign(dest, r.values)
}

type fakeRows struct {
	rows [][]interface{}
	pos  int
}

func (r *fakeRows) Next() bool {
	r.pos++
	return r.pos < len(r.rows)
}

func (r *fakeRows) Scan(dest ...interface{}) error { return assign(dest, r.rows[r.pos]) }
func (r *fakeRows) Close() error                   { return nil }
func (r *fakeRows) Err() error                     { return nil }

func assign(dest []interface{}, values []interface{}) error {
	if len(dest) != len(values) {
		return fmt.Errorf("scan: expected %d destinations, got %d", len(values), len(dest))
	}
	for i, v := range values {
		target := reflect.ValueOf(dest[i]).Elem()
		if v == nil {
			target.Set(reflect.Zero(target.Type()))
			continue
		}
		if scannerDest, ok := dest[i].(sql.Scanner); ok {
			if err := scannerDest.Scan(v); err != nil {
				return err
			}
			continue
		}
		value := reflect.ValueOf(v)
		if !value.Type().AssignableTo(target.Type()) {
			return fmt.Errorf("scan column %d: cannot assign %T to %s", i, v, target.Type())
		}
		target.Set(value)
	}
	return nil
}

var _ db.Database = (*fakeDB)(nil)
