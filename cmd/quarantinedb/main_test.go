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
	"bytes"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/alecthomas/kong"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/clamui/quarantinedb/internal/pool"
	"github.com/clamui/quarantinedb/internal/util/testutil"
)

// setup returns a new pool for a temporary database.
func setup(t *testing.T, capacity int) *pool.Pool {
	t.Helper()

	p, err := pool.New(&pool.NewOpts{
		Path:     testutil.DatabasePath(t),
		Capacity: capacity,
		L:        testutil.Logger(t),
	})
	require.NoError(t, err)

	t.Cleanup(p.CloseAll)

	return p
}

func TestYAMLLoader(t *testing.T) {
	t.Parallel()

	var cfg struct {
		DBPath         string        `name:"db-path" default:"quarantine.db"`
		PoolSize       int           `default:"5"`
		AcquireTimeout time.Duration `default:"30s"`
		DebugAddr      string        `default:"127.0.0.1:8089"`

		Log struct {
			Level  string `default:"info"`
			Format string `default:"console"`
		} `embed:"" prefix:"log-"`
	}

	f := filepath.Join(t.TempDir(), "quarantinedb.yml")
	config := "" +
		"db-path: /var/lib/clamui/quarantine.db\n" +
		"pool_size: 3\n" +
		"acquire-timeout: 250ms\n" +
		"log:\n" +
		"  level: debug\n"
	require.NoError(t, os.WriteFile(f, []byte(config), 0o666))

	parser, err := kong.New(&cfg, kong.Configuration(yamlLoader, f))
	require.NoError(t, err)

	_, err = parser.Parse(nil)
	require.NoError(t, err)

	assert.Equal(t, "/var/lib/clamui/quarantine.db", cfg.DBPath)
	assert.Equal(t, 3, cfg.PoolSize)
	assert.Equal(t, 250*time.Millisecond, cfg.AcquireTimeout)
	assert.Equal(t, "127.0.0.1:8089", cfg.DebugAddr)
	assert.Equal(t, "debug", cfg.Log.Level)
	assert.Equal(t, "console", cfg.Log.Format)
}

func TestYAMLLoaderErrors(t *testing.T) {
	t.Parallel()

	t.Run("Invalid", func(t *testing.T) {
		t.Parallel()

		_, err := yamlLoader(bytes.NewReader([]byte("db-path: [")))
		require.Error(t, err)
	})

	t.Run("Empty", func(t *testing.T) {
		t.Parallel()

		r, err := yamlLoader(bytes.NewReader(nil))
		require.NoError(t, err)
		require.NotNil(t, r)
	})

	t.Run("Section", func(t *testing.T) {
		t.Parallel()

		var cfg struct {
			Log string
		}

		f := filepath.Join(t.TempDir(), "quarantinedb.yml")
		require.NoError(t, os.WriteFile(f, []byte("log:\n  level: debug\n"), 0o666))

		parser, err := kong.New(&cfg, kong.Configuration(yamlLoader, f))
		require.NoError(t, err)

		_, err = parser.Parse(nil)
		require.Error(t, err)
	})
}

func TestLookup(t *testing.T) {
	t.Parallel()

	values := map[string]any{
		"pool-size": 3,
		"db_path":   "q.db",
		"otel": map[string]any{
			"traces": map[string]any{
				"url": "http://127.0.0.1:4318/v1/traces",
			},
		},
	}

	for name, expected := range map[string]any{
		"pool-size":       3,
		"db-path":         "q.db",
		"otel-traces-url": "http://127.0.0.1:4318/v1/traces",
	} {
		v, ok := lookup(values, name)
		assert.True(t, ok, name)
		assert.Equal(t, expected, v, name)
	}

	_, ok := lookup(values, "otel-metrics-url")
	assert.False(t, ok)

	_, ok = lookup(values, "debug-addr")
	assert.False(t, ok)
}

func TestCheck(t *testing.T) {
	t.Parallel()

	ctx := testutil.Ctx(t)
	p := setup(t, 2)

	var buf bytes.Buffer
	require.NoError(t, check(ctx, p, 5*time.Second, &buf))

	out := buf.String()
	assert.Contains(t, out, "integrity: ok\n")
	assert.Contains(t, out, "journal mode: wal\n")
	assert.Contains(t, out, "capacity: 2\n")
	assert.Contains(t, out, "active: 0\n")
	assert.Contains(t, out, "closed: false\n")
}

func TestCheckAcquireTimeout(t *testing.T) {
	t.Parallel()

	ctx := testutil.Ctx(t)
	p := setup(t, 1)

	// the pool has a free slot, so acquisition succeeds even with an expired timeout;
	// the checks themselves are not limited by it
	var buf bytes.Buffer
	require.NoError(t, check(ctx, p, time.Nanosecond, &buf))

	assert.Contains(t, buf.String(), "integrity: ok\n")
	assert.Equal(t, 1, p.Stats().TotalCreated)
}

func TestCheckClosed(t *testing.T) {
	t.Parallel()

	ctx := testutil.Ctx(t)
	p := setup(t, 2)
	p.CloseAll()

	var buf bytes.Buffer
	err := check(ctx, p, 5*time.Second, &buf)
	require.ErrorIs(t, err, pool.ErrClosed)
	assert.Empty(t, buf.String())
}

func TestStress(t *testing.T) {
	t.Parallel()

	ctx := testutil.Ctx(t)
	p := setup(t, 3)

	params := &stressParams{
		Workers:    20,
		Iterations: 5,
		Retries:    3,
		Hold:       time.Millisecond,
	}

	var buf bytes.Buffer
	require.NoError(t, stress(ctx, p, params, 10*time.Second, &buf, testutil.Logger(t)))

	out := buf.String()
	assert.Contains(t, out, "cycles: 100\n")
	assert.Contains(t, out, "errors: 0\n")

	stats := p.Stats()
	assert.Equal(t, 0, stats.Active)
	assert.LessOrEqual(t, stats.TotalCreated, 3)
	assert.Equal(t, stats.TotalCreated, stats.Available)
}

func TestStressErrors(t *testing.T) {
	t.Parallel()

	ctx := testutil.Ctx(t)

	t.Run("InvalidParams", func(t *testing.T) {
		t.Parallel()

		p := setup(t, 1)

		var buf bytes.Buffer
		err := stress(ctx, p, &stressParams{Workers: 0, Iterations: 1}, time.Second, &buf, testutil.Logger(t))
		require.Error(t, err)
	})

	t.Run("Closed", func(t *testing.T) {
		t.Parallel()

		p := setup(t, 1)
		p.CloseAll()

		var buf bytes.Buffer
		err := stress(ctx, p, &stressParams{Workers: 2, Iterations: 2}, time.Second, &buf, testutil.Logger(t))
		require.Error(t, err)
		assert.Contains(t, buf.String(), "errors: 4\n")
		assert.Contains(t, buf.String(), "closed: true\n")
	})
}

func TestPrintVersion(t *testing.T) {
	t.Parallel()

	var buf bytes.Buffer
	printVersion(&buf)

	assert.Regexp(t, `version: v([0-9]+)\.([0-9]+)\.([0-9]+)`, buf.String())
	assert.Contains(t, buf.String(), "debugBuild: ")
}
