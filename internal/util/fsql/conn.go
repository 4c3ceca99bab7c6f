// Copyright 2021 FerretDB Inc.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package fsql provides [database/sql] utilities for SQLite connections.
package fsql

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
	_ "modernc.org/sqlite" // register database/sql driver

	"github.com/clamui/quarantinedb/internal/util/lazyerrors"
	"github.com/clamui/quarantinedb/internal/util/observability"
	"github.com/clamui/quarantinedb/internal/util/resource"
)

// ErrConfigure is returned by Open when the connection could not be established or configured.
var ErrConfigure = errors.New("failed to configure SQLite connection")

// lastID is the last assigned connection ID, used for logging only.
var lastID atomic.Int64

// querier is implemented by both [*sql.Conn] and [*Tx].
type querier interface {
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

// Conn is a single SQLite connection with query logging, transaction tracking,
// and resource tracking.
//
// Conn is not safe for concurrent use, except for Close.
// It has at most one active transaction;
// while there is one, all queries are executed inside it.
//
//nolint:vet // for readability
type Conn struct {
	db    *sql.DB
	conn  *sql.Conn
	id    int64
	l     *zap.Logger
	token *resource.Token

	m      sync.Mutex
	tx     *Tx
	closed bool
}

// OpenOpts represents Open options.
type OpenOpts struct {
	URI string      // see DatabaseURI
	L   *zap.Logger // no logging if nil
}

// Open opens a new connection and configures it.
//
// The connection uses write-ahead logging and enforces foreign keys;
// the busy timeout is expected to be set by the URI.
// On any error, everything that was opened is closed
// and the returned error wraps ErrConfigure.
func Open(ctx context.Context, opts *OpenOpts) (*Conn, error) {
	db, err := sql.Open("sqlite", opts.URI)
	if err != nil {
		return nil, lazyerrors.Errorf("%w: %w", ErrConfigure, err)
	}

	// pin a single physical connection so that pragmas set below stay in effect
	db.SetConnMaxIdleTime(0)
	db.SetConnMaxLifetime(0)
	db.SetMaxIdleConns(1)
	db.SetMaxOpenConns(1)

	conn, err := db.Conn(ctx)
	if err != nil {
		_ = db.Close()
		return nil, lazyerrors.Errorf("%w: %w", ErrConfigure, err)
	}

	l := opts.L
	if l == nil {
		l = zap.NewNop()
	}

	id := lastID.Add(1)

	c := &Conn{
		db:    db,
		conn:  conn,
		id:    id,
		l:     l.With(zap.Int64("conn", id)),
		token: resource.NewToken(),
	}

	resource.Track(c, c.token)

	if err = c.configure(ctx, memory(opts.URI)); err != nil {
		_ = c.Close()
		return nil, lazyerrors.Errorf("%w: %w", ErrConfigure, err)
	}

	c.l.Debug("Connection opened.")

	return c, nil
}

// configure applies per-connection pragmas.
func (c *Conn) configure(ctx context.Context, memory bool) error {
	var mode string
	if err := c.QueryRowContext(ctx, "PRAGMA journal_mode=WAL").Scan(&mode); err != nil {
		return lazyerrors.Error(err)
	}

	// journal_mode is silently ignored for in-memory databases
	if mode != "wal" && !(memory && mode == "memory") {
		return lazyerrors.Errorf("unexpected journal_mode %q", mode)
	}

	if _, err := c.ExecContext(ctx, "PRAGMA foreign_keys=ON"); err != nil {
		return lazyerrors.Error(err)
	}

	return nil
}

// querier returns the active transaction or the connection itself.
func (c *Conn) querier() querier {
	c.m.Lock()
	defer c.m.Unlock()

	if c.tx != nil {
		return c.tx
	}

	return c.conn
}

// QueryContext calls [*sql.Conn.QueryContext] or [*sql.Tx.QueryContext].
func (c *Conn) QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error) {
	defer observability.FuncCall(ctx)()

	start := time.Now()

	fields := []any{zap.Any("args", args)}
	c.l.Sugar().With(fields...).Debugf(">>> %s", query)

	rows, err := c.querier().QueryContext(ctx, query, args...)

	fields = append(fields, zap.Duration("time", time.Since(start)), zap.Error(err))
	c.l.Sugar().With(fields...).Debugf("<<< %s", query)

	return rows, err
}

// QueryRowContext calls [*sql.Conn.QueryRowContext] or [*sql.Tx.QueryRowContext].
func (c *Conn) QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row {
	defer observability.FuncCall(ctx)()

	start := time.Now()

	fields := []any{zap.Any("args", args)}
	c.l.Sugar().With(fields...).Debugf(">>> %s", query)

	row := c.querier().QueryRowContext(ctx, query, args...)

	fields = append(fields, zap.Duration("time", time.Since(start)), zap.Error(row.Err()))
	c.l.Sugar().With(fields...).Debugf("<<< %s", query)

	return row
}

// ExecContext calls [*sql.Conn.ExecContext] or [*sql.Tx.ExecContext].
func (c *Conn) ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error) {
	defer observability.FuncCall(ctx)()

	start := time.Now()

	fields := []any{zap.Any("args", args)}
	c.l.Sugar().With(fields...).Debugf(">>> %s", query)

	res, err := c.querier().ExecContext(ctx, query, args...)

	// to differentiate between 0 and nil
	var ra *int64

	if res != nil {
		rav, _ := res.RowsAffected()
		ra = &rav
	}

	fields = append(fields, zap.Int64p("rows", ra), zap.Duration("time", time.Since(start)), zap.Error(err))
	c.l.Sugar().With(fields...).Debugf("<<< %s", query)

	return res, err
}

// Begin starts a transaction.
//
// It returns an error if there is already an active transaction.
// If the context is canceled before the transaction ends, it is rolled back.
func (c *Conn) Begin(ctx context.Context) error {
	c.m.Lock()
	defer c.m.Unlock()

	if c.tx != nil {
		return lazyerrors.New("transaction already started")
	}

	sqlTx, err := c.conn.BeginTx(ctx, nil)
	if err != nil {
		return lazyerrors.Error(err)
	}

	c.tx = wrapTx(sqlTx)

	return nil
}

// InTransaction returns true if there is an active transaction.
func (c *Conn) InTransaction() bool {
	c.m.Lock()
	defer c.m.Unlock()

	return c.tx != nil
}

// Commit commits the active transaction.
//
// It does nothing if there is no active transaction.
// It returns an error if the connection is closed.
func (c *Conn) Commit() error {
	c.m.Lock()
	defer c.m.Unlock()

	if c.closed {
		return lazyerrors.Error(sql.ErrConnDone)
	}

	if c.tx == nil {
		return nil
	}

	tx := c.tx
	c.tx = nil

	return tx.Commit()
}

// Rollback rolls back the active transaction.
//
// It does nothing if there is no active transaction.
// It returns an error if the connection is closed.
func (c *Conn) Rollback() error {
	c.m.Lock()
	defer c.m.Unlock()

	if c.closed {
		return lazyerrors.Error(sql.ErrConnDone)
	}

	if c.tx == nil {
		return nil
	}

	tx := c.tx
	c.tx = nil

	return tx.Rollback()
}

// Ping checks that the connection is usable by running a trivial query.
func (c *Conn) Ping(ctx context.Context) error {
	var res int
	if err := c.QueryRowContext(ctx, "SELECT 1").Scan(&res); err != nil {
		return lazyerrors.Error(err)
	}

	if res != 1 {
		return lazyerrors.Errorf("unexpected ping result %d", res)
	}

	return nil
}

// Closed returns true if Close was called.
func (c *Conn) Closed() bool {
	c.m.Lock()
	defer c.m.Unlock()

	return c.closed
}

// Close rolls back the active transaction, if any, and closes the connection.
//
// It is safe to call Close multiple times concurrently; only the first call does the work.
func (c *Conn) Close() error {
	c.m.Lock()
	defer c.m.Unlock()

	if c.closed {
		return nil
	}

	c.closed = true

	var errs []error

	if c.tx != nil {
		if err := c.tx.Rollback(); err != nil && !errors.Is(err, sql.ErrTxDone) {
			errs = append(errs, err)
		}

		c.tx = nil
	}

	if err := c.conn.Close(); err != nil && !errors.Is(err, sql.ErrConnDone) {
		errs = append(errs, err)
	}

	if err := c.db.Close(); err != nil {
		errs = append(errs, err)
	}

	resource.Untrack(c, c.token)

	c.l.Debug("Connection closed.")

	if len(errs) > 0 {
		return lazyerrors.Error(errors.Join(errs...))
	}

	return nil
}

// String implements fmt.Stringer.
func (c *Conn) String() string {
	return fmt.Sprintf("conn-%d", c.id)
}

// check interfaces
var (
	_ querier      = (*sql.Conn)(nil)
	_ querier      = (*Tx)(nil)
	_ fmt.Stringer = (*Conn)(nil)
)
