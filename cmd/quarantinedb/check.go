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
	"fmt"
	"io"
	"time"

	"github.com/clamui/quarantinedb/internal/pool"
	"github.com/clamui/quarantinedb/internal/util/fsql"
	"github.com/clamui/quarantinedb/internal/util/lazyerrors"
)

// checkResult represents the outcome of database checks.
type checkResult struct {
	Integrity   []string
	JournalMode string
}

// check runs integrity and journal mode checks on a pooled connection and writes results to w.
//
// The timeout limits only the wait for a connection.
// Integrity problems are reported as an error after the results are written.
func check(ctx context.Context, p *pool.Pool, timeout time.Duration, w io.Writer) error {
	acquireCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	var res checkResult

	err := p.WithConnection(acquireCtx, func(conn *fsql.Conn) error {
		rows, err := conn.QueryContext(ctx, "PRAGMA integrity_check")
		if err != nil {
			return lazyerrors.Error(err)
		}

		defer rows.Close()

		for rows.Next() {
			var line string
			if err = rows.Scan(&line); err != nil {
				return lazyerrors.Error(err)
			}

			res.Integrity = append(res.Integrity, line)
		}

		if err = rows.Err(); err != nil {
			return lazyerrors.Error(err)
		}

		if err = conn.QueryRowContext(ctx, "PRAGMA journal_mode").Scan(&res.JournalMode); err != nil {
			return lazyerrors.Error(err)
		}

		return nil
	})
	if err != nil {
		return err
	}

	for _, line := range res.Integrity {
		fmt.Fprintln(w, "integrity:", line)
	}

	fmt.Fprintln(w, "journal mode:", res.JournalMode)

	printStats(w, p.Stats())

	if len(res.Integrity) != 1 || res.Integrity[0] != "ok" {
		return lazyerrors.Errorf("integrity check failed with %d problem(s)", len(res.Integrity))
	}

	return nil
}

// printStats writes pool statistics to w.
func printStats(w io.Writer, s pool.Stats) {
	fmt.Fprintln(w, "capacity:", s.Capacity)
	fmt.Fprintln(w, "available:", s.Available)
	fmt.Fprintln(w, "total created:", s.TotalCreated)
	fmt.Fprintln(w, "active:", s.Active)
	fmt.Fprintln(w, "closed:", s.Closed)
}
