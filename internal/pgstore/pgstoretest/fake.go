// Package pgstoretest provides scripted in-memory stand-ins for pgx pools,
// transactions and rows.
package pgstoretest

import (
	"context"
	"errors"
	"fmt"
	"reflect"
	"sync"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

// Result is what a scripted statement returns.
type Result struct {
	Columns []string
	Rows    [][]any
	Tag     string
}

// Handler answers one statement.
type Handler func(sql string, args []any) (Result, error)

type Call struct {
	SQL  string
	Args []any
}

// DB records statements and transaction lifecycle calls.
type DB struct {
	Handler  Handler
	PingErr  error
	BeginErr error

	mu        sync.Mutex
	calls     []Call
	begins    []pgx.TxOptions
	commits   int
	rollbacks int
}

func New(h Handler) *DB { return &DB{Handler: h} }

func (db *DB) exec(sql string, args []any) (Result, error) {
	db.mu.Lock()
	db.calls = append(db.calls, Call{SQL: sql, Args: append([]any(nil), args...)})
	db.mu.Unlock()
	if db.Handler == nil {
		return Result{}, nil
	}
	return db.Handler(sql, args)
}

func (db *DB) Calls() []Call {
	db.mu.Lock()
	defer db.mu.Unlock()
	return append([]Call(nil), db.calls...)
}

// TxStats returns begun, committed and rolled back transaction counts.
func (db *DB) TxStats() (begun, committed, rolledBack int) {
	db.mu.Lock()
	defer db.mu.Unlock()
	return len(db.begins), db.commits, db.rollbacks
}

func (db *DB) TxOptions() []pgx.TxOptions {
	db.mu.Lock()
	defer db.mu.Unlock()
	return append([]pgx.TxOptions(nil), db.begins...)
}

func (db *DB) Query(_ context.Context, sql string, args ...any) (pgx.Rows, error) {
	res, err := db.exec(sql, args)
	if err != nil {
		return nil, err
	}
	return NewRows(res), nil
}

func (db *DB) QueryRow(_ context.Context, sql string, args ...any) pgx.Row {
	res, err := db.exec(sql, args)
	return &row{res: res, err: err}
}

func (db *DB) Ping(context.Context) error { return db.PingErr }

func (db *DB) BeginTx(_ context.Context, opts pgx.TxOptions) (pgx.Tx, error) {
	if db.BeginErr != nil {
		return nil, db.BeginErr
	}
	db.mu.Lock()
	db.begins = append(db.begins, opts)
	db.mu.Unlock()
	return &Tx{db: db}, nil
}

// Tx routes statements to its DB. Methods not overridden panic via the nil
// embedded interface.
type Tx struct {
	pgx.Tx
	db   *DB
	done bool
}

func (tx *Tx) Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error) {
	return tx.db.Query(ctx, sql, args...)
}

func (tx *Tx) QueryRow(ctx context.Context, sql string, args ...any) pgx.Row {
	return tx.db.QueryRow(ctx, sql, args...)
}

func (tx *Tx) Exec(_ context.Context, sql string, args ...any) (pgconn.CommandTag, error) {
	res, err := tx.db.exec(sql, args)
	if err != nil {
		return pgconn.CommandTag{}, err
	}
	return pgconn.NewCommandTag(res.Tag), nil
}

func (tx *Tx) Commit(context.Context) error {
	if tx.done {
		return pgx.ErrTxClosed
	}
	tx.done = true
	tx.db.mu.Lock()
	tx.db.commits++
	tx.db.mu.Unlock()
	return nil
}

func (tx *Tx) Rollback(context.Context) error {
	if tx.done {
		return pgx.ErrTxClosed
	}
	tx.done = true
	tx.db.mu.Lock()
	tx.db.rollbacks++
	tx.db.mu.Unlock()
	return nil
}

type row struct {
	res Result
	err error
}

func (r *row) Scan(dest ...any) error {
	if r.err != nil {
		return r.err
	}
	if len(r.res.Rows) == 0 {
		return pgx.ErrNoRows
	}
	return scanInto(r.res.Rows[0], dest)
}

// Rows iterates a Result.
type Rows struct {
	res    Result
	pos    int
	closed bool
}

func NewRows(res Result) *Rows { return &Rows{res: res, pos: -1} }

func (r *Rows) Close()                        { r.closed = true }
func (r *Rows) Err() error                    { return nil }
func (r *Rows) CommandTag() pgconn.CommandTag { return pgconn.NewCommandTag(r.res.Tag) }
func (r *Rows) Conn() *pgx.Conn               { return nil }
func (r *Rows) RawValues() [][]byte           { return nil }

func (r *Rows) FieldDescriptions() []pgconn.FieldDescription {
	out := make([]pgconn.FieldDescription, len(r.res.Columns))
	for i, c := range r.res.Columns {
		out[i] = pgconn.FieldDescription{Name: c}
	}
	return out
}

func (r *Rows) Next() bool {
	if r.closed {
		return false
	}
	r.pos++
	if r.pos >= len(r.res.Rows) {
		r.closed = true
		return false
	}
	return true
}

func (r *Rows) current() ([]any, error) {
	if r.pos < 0 || r.pos >= len(r.res.Rows) {
		return nil, errors.New("no current row")
	}
	return r.res.Rows[r.pos], nil
}

func (r *Rows) Scan(dest ...any) error {
	vals, err := r.current()
	if err != nil {
		return err
	}
	return scanInto(vals, dest)
}

func (r *Rows) Values() ([]any, error) {
	vals, err := r.current()
	if err != nil {
		return nil, err
	}
	return append([]any(nil), vals...), nil
}

func scanInto(vals []any, dest []any) error {
	if len(vals) != len(dest) {
		return fmt.Errorf("scan: %d values into %d targets", len(vals), len(dest))
	}
	for i, d := range dest {
		dv := reflect.ValueOf(d)
		if dv.Kind() != reflect.Pointer || dv.IsNil() {
			return fmt.Errorf("scan target %d is not a pointer", i)
		}
		target := dv.Elem()
		if vals[i] == nil {
			target.Set(reflect.Zero(target.Type()))
			continue
		}
		src := reflect.ValueOf(vals[i])
		switch {
		case src.Type().AssignableTo(target.Type()):
			target.Set(src)
		case target.Kind() == reflect.Pointer && src.Type().ConvertibleTo(target.Type().Elem()):
			p := reflect.New(target.Type().Elem())
			p.Elem().Set(src.Convert(target.Type().Elem()))
			target.Set(p)
		case src.Type().ConvertibleTo(target.Type()):
			target.Set(src.Convert(target.Type()))
		default:
			return fmt.Errorf("scan: cannot assign %T to %s", vals[i], target.Type())
		}
	}
	return nil
}
