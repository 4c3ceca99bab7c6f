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

// Package pool provides a bounded pool of connections to a single SQLite database file.
//
// Connections are created lazily, up to the pool capacity, and reused.
// Every released connection is health-checked before it becomes idle again;
// unhealthy connections are closed and their slots are freed.
package pool

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"github.com/clamui/quarantinedb/internal/util/fsql"
	"github.com/clamui/quarantinedb/internal/util/lazyerrors"
	"github.com/clamui/quarantinedb/internal/util/observability"
	"github.com/clamui/quarantinedb/internal/util/resource"
)

// DefaultCapacity is the capacity used when NewOpts.Capacity is zero.
const DefaultCapacity = 5

// healthCheckTimeout limits the health check performed on release.
const healthCheckTimeout = 5 * time.Second

var (
	// ErrInvalidCapacity is returned by New for capacity less than 1.
	ErrInvalidCapacity = errors.New("pool capacity must be at least 1")

	// ErrClosed is returned by Acquire after CloseAll.
	ErrClosed = errors.New("connection pool has been closed")

	// ErrTimeout is returned by Acquire when the context is done
	// before a connection becomes available.
	// The returned error also wraps the context's error.
	ErrTimeout = errors.New("timed out waiting for a connection")
)

// Pool is a bounded pool of connections to a single SQLite database file.
//
// All methods are safe for concurrent use.
//
//nolint:vet // for readability
type Pool struct {
	path     string
	uri      string
	capacity int
	id       string
	l        *zap.Logger

	// idle connections; buffered to capacity
	available chan *fsql.Conn

	// receives a value when a slot is freed without a connection becoming idle
	freed chan struct{}

	// closed by CloseAll
	done chan struct{}

	// m protects totalCreated and closed,
	// and serializes sends to available with CloseAll
	m            sync.Mutex
	totalCreated int
	closed       bool

	metrics *metrics
	token   *resource.Token
}

// NewOpts represents New options.
type NewOpts struct {
	Path     string // database file path or "file:" URI
	Capacity int    // DefaultCapacity if zero
	L        *zap.Logger
}

// New creates a new pool.
//
// It does not open any connections.
func New(opts *NewOpts) (*Pool, error) {
	capacity := opts.Capacity
	if capacity == 0 {
		capacity = DefaultCapacity
	}

	if capacity < 1 {
		return nil, lazyerrors.Errorf("%w, got %d", ErrInvalidCapacity, capacity)
	}

	uri, err := fsql.DatabaseURI(opts.Path)
	if err != nil {
		return nil, lazyerrors.Errorf("failed to parse database path %q: %w", opts.Path, err)
	}

	id := uuid.NewString()

	l := opts.L
	if l == nil {
		l = zap.NewNop()
	}

	p := &Pool{
		path:      opts.Path,
		uri:       uri,
		capacity:  capacity,
		id:        id,
		l:         l.With(zap.String("pool", id)),
		available: make(chan *fsql.Conn, capacity),
		freed:     make(chan struct{}, capacity),
		done:      make(chan struct{}),
		metrics:   newMetrics(opts.Path, id),
		token:     resource.NewToken(),
	}

	resource.Track(p, p.token)

	p.l.Debug("Pool created.", zap.String("path", opts.Path), zap.Int("capacity", capacity))

	return p, nil
}

// Path returns the database path the pool was created with.
func (p *Pool) Path() string {
	return p.path
}

// Acquire returns an idle connection, opens a new one if the pool is below capacity,
// or waits for another caller to release one.
//
// If ctx has no deadline, Acquire waits indefinitely.
// When ctx is done first, Acquire returns an error wrapping both ErrTimeout and ctx.Err(),
// and the pool state is left unchanged.
// After CloseAll, Acquire returns ErrClosed without blocking.
//
// The caller owns the returned connection and must pass it to Release exactly once.
func (p *Pool) Acquire(ctx context.Context) (*fsql.Conn, error) {
	defer observability.FuncCall(ctx)()

	if p.isClosed() {
		return nil, lazyerrors.Error(ErrClosed)
	}

	for {
		select {
		case conn := <-p.available:
			p.metrics.acquired.Inc()
			return conn, nil
		default:
		}

		conn, err := p.grow(ctx)
		if err != nil {
			return nil, err
		}

		if conn != nil {
			p.metrics.acquired.Inc()
			return conn, nil
		}

		select {
		case conn := <-p.available:
			p.metrics.acquired.Inc()
			return conn, nil

		case <-p.freed:
			// retry the growth path

		case <-p.done:
			return nil, lazyerrors.Error(ErrClosed)

		case <-ctx.Done():
			p.metrics.timeouts.Inc()
			return nil, lazyerrors.Errorf("%w: %w", ErrTimeout, ctx.Err())
		}
	}
}

// grow opens a new connection if the pool is below capacity.
//
// It returns (nil, nil) if the pool is at capacity.
func (p *Pool) grow(ctx context.Context) (*fsql.Conn, error) {
	p.m.Lock()

	if p.closed {
		p.m.Unlock()
		return nil, lazyerrors.Error(ErrClosed)
	}

	if p.totalCreated >= p.capacity {
		p.m.Unlock()
		return nil, nil
	}

	// reserve the slot; the connection is opened without holding the lock
	p.totalCreated++
	p.m.Unlock()

	conn, err := p.connect(ctx)

	p.m.Lock()
	defer p.m.Unlock()

	if err != nil {
		// CloseAll already reset the counter
		if !p.closed {
			p.totalCreated--
			p.signalFreed()
		}

		return nil, err
	}

	if p.closed {
		p.closeConn(conn)
		return nil, lazyerrors.Error(ErrClosed)
	}

	p.metrics.created.Inc()

	return conn, nil
}

// connect opens and configures a new connection.
//
// Opening is not interrupted by the caller's deadline.
func (p *Pool) connect(ctx context.Context) (*fsql.Conn, error) {
	conn, err := fsql.Open(context.WithoutCancel(ctx), &fsql.OpenOpts{
		URI: p.uri,
		L:   p.l,
	})
	if err != nil {
		p.l.Warn("Failed to open connection.", zap.Error(err))
		return nil, lazyerrors.Error(err)
	}

	return conn, nil
}

// Release returns a connection acquired with Acquire to the pool.
//
// It never fails: a connection that does not pass the health check is closed
// and its slot is freed. If the pool is closed, the connection is closed.
// A transaction left open by the caller is rolled back.
func (p *Pool) Release(conn *fsql.Conn) {
	if conn == nil {
		return
	}

	if p.isClosed() {
		p.closeConn(conn)
		return
	}

	if !p.healthy(conn) {
		p.discard(conn)
		return
	}

	p.m.Lock()
	defer p.m.Unlock()

	if p.closed {
		p.closeConn(conn)
		return
	}

	select {
	case p.available <- conn:
	default:
		// not expected with correct accounting
		p.l.Warn("Idle connections set is full, closing released connection.", zap.Stringer("conn", conn))
		p.closeConn(conn)
		p.totalCreated--
		p.signalFreed()
	}
}

// healthy rolls back an abandoned transaction and checks that conn is usable.
func (p *Pool) healthy(conn *fsql.Conn) bool {
	ctx, cancel := context.WithTimeout(context.Background(), healthCheckTimeout)
	defer cancel()

	if conn.InTransaction() {
		p.l.Warn("Connection released with an active transaction, rolling back.", zap.Stringer("conn", conn))

		if err := conn.Rollback(); err != nil {
			p.l.Warn("Failed to roll back abandoned transaction.", zap.Stringer("conn", conn), zap.Error(err))
			return false
		}
	}

	if err := conn.Ping(ctx); err != nil {
		p.l.Warn("Connection failed health check.", zap.Stringer("conn", conn), zap.Error(err))
		return false
	}

	return true
}

// discard closes an unhealthy connection and frees its slot.
func (p *Pool) discard(conn *fsql.Conn) {
	p.closeConn(conn)
	p.metrics.discarded.Inc()

	p.m.Lock()
	defer p.m.Unlock()

	// CloseAll already reset the counter
	if p.closed {
		return
	}

	p.totalCreated--
	p.signalFreed()
}

// signalFreed wakes up one Acquire call waiting for a connection, if any.
//
// p.m must be held.
func (p *Pool) signalFreed() {
	select {
	case p.freed <- struct{}{}:
	default:
	}
}

// closeConn closes a connection, logging errors.
func (p *Pool) closeConn(conn *fsql.Conn) {
	if err := conn.Close(); err != nil {
		p.l.Debug("Failed to close connection.", zap.Stringer("conn", conn), zap.Error(err))
	}
}

// isClosed returns true if CloseAll was called.
func (p *Pool) isClosed() bool {
	p.m.Lock()
	defer p.m.Unlock()

	return p.closed
}

// WithConnection acquires a connection, starts a transaction, and calls f.
//
// If f returns nil, the transaction is committed.
// If f returns an error or panics, the transaction is rolled back;
// a rollback failure is logged, and f's error is returned unchanged.
// The connection is released on all paths.
// Acquire errors are returned as is.
//
// ctx limits only the wait for a connection; f should use its own context for queries.
func (p *Pool) WithConnection(ctx context.Context, f func(*fsql.Conn) error) (err error) {
	defer observability.FuncCall(ctx)()

	ctx, span := observability.StartSpan(ctx, "pool.WithConnection")
	defer span.End()

	conn, err := p.Acquire(ctx)
	if err != nil {
		span.RecordError(err)
		return err
	}

	defer p.Release(conn)

	// ctx bounds acquisition only; the transaction must not be rolled back by its deadline
	if err = conn.Begin(context.WithoutCancel(ctx)); err != nil {
		err = lazyerrors.Error(err)
		return
	}

	var done bool

	defer func() {
		// f may panic or call runtime.Goexit (require.XXX in tests), leaving err unset
		if done {
			return
		}

		if err == nil {
			err = lazyerrors.New("transaction was not committed")
		}

		span.RecordError(err)

		if rerr := conn.Rollback(); rerr != nil {
			p.l.Warn("Failed to roll back transaction.", zap.Stringer("conn", conn), zap.Error(rerr))
		}
	}()

	if err = f(conn); err != nil {
		// do not wrap f's error because the caller depends on it
		return
	}

	if err = conn.Commit(); err != nil {
		err = lazyerrors.Error(err)
		return
	}

	done = true

	return
}

// CloseAll closes the pool and all idle connections.
//
// Connections checked out at that time are closed when they are released.
// Waiting Acquire calls return ErrClosed.
// It is safe to call CloseAll multiple times concurrently.
func (p *Pool) CloseAll() {
	p.m.Lock()
	defer p.m.Unlock()

	if !p.closed {
		p.closed = true
		close(p.done)

		resource.Untrack(p, p.token)

		p.l.Debug("Pool closed.")
	}

	for drained := false; !drained; {
		select {
		case conn := <-p.available:
			p.closeConn(conn)
		default:
			drained = true
		}
	}

	p.totalCreated = 0
}

// Describe implements prometheus.Collector.
func (p *Pool) Describe(ch chan<- *prometheus.Desc) {
	prometheus.DescribeByCollect(p, ch)
}

// Collect implements prometheus.Collector.
func (p *Pool) Collect(ch chan<- prometheus.Metric) {
	p.metrics.collect(ch, p.Stats())
}

// check interfaces
var (
	_ prometheus.Collector = (*Pool)(nil)
)
