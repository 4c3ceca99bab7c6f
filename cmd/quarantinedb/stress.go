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

package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/clamui/quarantinedb/internal/pool"
	"github.com/clamui/quarantinedb/internal/util/ctxutil"
	"github.com/clamui/quarantinedb/internal/util/lazyerrors"
)

// stressParams represents stress command flags.
//
//nolint:lll // for readability
type stressParams struct {
	Workers    int           `default:"50"  help:"Number of concurrent workers."`
	Iterations int           `default:"10"  help:"Acquire/release cycles per worker."`
	Retries    int           `default:"3"   help:"Retries of a timed out acquisition."`
	Hold       time.Duration `default:"1ms" help:"How long each worker holds a connection."`
}

// stressResult represents the outcome of a stress run.
type stressResult struct {
	Cycles   int64
	Retries  int64
	Errors   int64
	Duration time.Duration
}

// stress runs concurrent acquire/release cycles against p and writes results to w.
//
// It returns an error if any cycle failed.
func stress(ctx context.Context, p *pool.Pool, params *stressParams, timeout time.Duration, w io.Writer, l *zap.Logger) error {
	if params.Workers < 1 || params.Iterations < 1 {
		return lazyerrors.Errorf("workers and iterations must be positive, got %d and %d", params.Workers, params.Iterations)
	}

	var res stressResult
	var cycles, retries, errs atomic.Int64

	start := time.Now()

	var wg sync.WaitGroup

	for i := range params.Workers {
		wg.Add(1)

		go func() {
			defer wg.Done()

			wl := l.With(zap.Int("worker", i))

			for range params.Iterations {
				r, err := stressCycle(ctx, p, params, timeout)
				retries.Add(int64(r))

				if err != nil {
					errs.Add(1)
					wl.Warn("Cycle failed.", zap.Error(err))

					continue
				}

				cycles.Add(1)
			}
		}()
	}

	wg.Wait()

	res.Duration = time.Since(start)
	res.Cycles = cycles.Load()
	res.Retries = retries.Load()
	res.Errors = errs.Load()

	fmt.Fprintln(w, "cycles:", res.Cycles)
	fmt.Fprintln(w, "retries:", res.Retries)
	fmt.Fprintln(w, "errors:", res.Errors)
	fmt.Fprintln(w, "duration:", res.Duration)

	printStats(w, p.Stats())

	if res.Errors > 0 {
		return lazyerrors.Errorf("%d of %d cycles failed", res.Errors, params.Workers*params.Iterations)
	}

	return nil
}

// stressCycle acquires a connection, pings it, holds it for a while, and releases it.
//
// Timed out acquisitions are retried with jittered backoff.
// It returns the number of retries performed.
func stressCycle(ctx context.Context, p *pool.Pool, params *stressParams, timeout time.Duration) (int, error) {
	var retries int

	for {
		acquireCtx, cancel := context.WithTimeout(ctx, timeout)
		conn, err := p.Acquire(acquireCtx)
		cancel()

		if err == nil {
			defer p.Release(conn)

			if err = conn.Ping(ctx); err != nil {
				return retries, lazyerrors.Error(err)
			}

			ctxutil.Sleep(ctx, params.Hold)

			return retries, nil
		}

		if !errors.Is(err, pool.ErrTimeout) || retries >= params.Retries || ctx.Err() != nil {
			return retries, err
		}

		retries++

		ctxutil.Sleep(ctx, ctxutil.DurationWithJitter(time.Second, int64(retries)))
	}
}
