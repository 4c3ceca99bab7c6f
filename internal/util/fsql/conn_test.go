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

package fsql

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/clamui/quarantinedb/internal/util/testutil"
)

// setup opens a new connection to a file in a temporary directory.
func setup(t *testing.T) (*Conn, string) {
	t.Helper()

	uri, err := DatabaseURI(testutil.DatabasePath(t))
	require.NoError(t, err)

	c, err := Open(testutil.Ctx(t), &OpenOpts{URI: uri, L: testutil.Logger(t)})
	require.NoError(t, err)

	t.Cleanup(func() {
		require.NoError(t, c.Close())
	})

	return c, uri
}

func TestPragmas(t *testing.T) {
	t.Parallel()

	ctx := testutil.Ctx(t)
	c, _ := setup(t)

	for pragma, expected := range map[string]string{
		"busy_timeout": "30000",
		"foreign_keys": "1",
		"journal_mode": "wal",
	} {
		t.Run(pragma, func(t *testing.T) {
			var actual string
			err := c.QueryRowContext(ctx, "PRAGMA "+pragma).Scan(&actual)
			require.NoError(t, err)
			assert.Equal(t, expected, actual)
		})
	}
}

func TestMemoryDatabase(t *testing.T) {
	t.Parallel()

	ctx := testutil.Ctx(t)

	uri, err := DatabaseURI("file:" + t.Name() + "?mode=memory")
	require.NoError(t, err)

	c, err := Open(ctx, &OpenOpts{URI: uri, L: testutil.Logger(t)})
	require.NoError(t, err)

	t.Cleanup(func() {
		require.NoError(t, c.Close())
	})

	var mode string
	require.NoError(t, c.QueryRowContext(ctx, "PRAGMA journal_mode").Scan(&mode))
	assert.Equal(t, "memory", mode)
}

func TestOpenFailure(t *testing.T) {
	t.Parallel()

	ctx := testutil.Ctx(t)

	uri, err := DatabaseURI(filepath.Join(t.TempDir(), "missing", "dir", "quarantine.db"))
	require.NoError(t, err)

	c, err := Open(ctx, &OpenOpts{URI: uri, L: testutil.Logger(t)})
	require.ErrorIs(t, err, ErrConfigure)
	assert.Nil(t, c)
}

func TestOpenWithoutLogger(t *testing.T) {
	t.Parallel()

	ctx := testutil.Ctx(t)

	uri, err := DatabaseURI(filepath.Join(t.TempDir(), "quarantine.db"))
	require.NoError(t, err)

	c, err := Open(ctx, &OpenOpts{URI: uri})
	require.NoError(t, err)

	require.NoError(t, c.Ping(ctx))
	require.NoError(t, c.Close())
}

func TestPingClose(t *testing.T) {
	t.Parallel()

	ctx := testutil.Ctx(t)
	c, _ := setup(t)

	require.NoError(t, c.Ping(ctx))
	assert.False(t, c.Closed())

	require.NoError(t, c.Close())
	assert.True(t, c.Closed())

	// closing an already-closed connection is fine
	require.NoError(t, c.Close())

	assert.Error(t, c.Ping(ctx))
	assert.Error(t, c.Begin(ctx))
}

func TestTransactions(t *testing.T) {
	t.Parallel()

	ctx := testutil.Ctx(t)
	c, uri := setup(t)

	_, err := c.ExecContext(ctx, "CREATE TABLE detections (path TEXT NOT NULL)")
	require.NoError(t, err)

	count := func(t *testing.T) int {
		t.Helper()

		var n int
		require.NoError(t, c.QueryRowContext(ctx, "SELECT count(*) FROM detections").Scan(&n))

		return n
	}

	t.Run("Commit", func(t *testing.T) {
		require.NoError(t, c.Begin(ctx))
		assert.True(t, c.InTransaction())

		require.Error(t, c.Begin(ctx), "nested transactions are not supported")

		_, err := c.ExecContext(ctx, "INSERT INTO detections (path) VALUES (?)", "/tmp/eicar.com")
		require.NoError(t, err)

		require.NoError(t, c.Commit())
		assert.False(t, c.InTransaction())
		assert.Equal(t, 1, count(t))

		// no active transaction
		require.NoError(t, c.Commit())
		require.NoError(t, c.Rollback())
	})

	t.Run("Rollback", func(t *testing.T) {
		require.NoError(t, c.Begin(ctx))

		_, err := c.ExecContext(ctx, "INSERT INTO detections (path) VALUES (?)", "/tmp/eicar2.com")
		require.NoError(t, err)
		assert.Equal(t, 2, count(t))

		require.NoError(t, c.Rollback())
		assert.Equal(t, 1, count(t))
	})

	t.Run("CloseRollsBack", func(t *testing.T) {
		other, err := Open(ctx, &OpenOpts{URI: uri, L: testutil.Logger(t)})
		require.NoError(t, err)

		require.NoError(t, other.Begin(ctx))

		_, err = other.ExecContext(ctx, "INSERT INTO detections (path) VALUES (?)", "/tmp/eicar3.com")
		require.NoError(t, err)

		require.NoError(t, other.Close())
		assert.False(t, other.InTransaction())
		assert.Equal(t, 1, count(t))
	})
}

func TestForeignKeys(t *testing.T) {
	t.Parallel()

	ctx := testutil.Ctx(t)
	c, _ := setup(t)

	_, err := c.ExecContext(ctx, "CREATE TABLE scans (id INTEGER PRIMARY KEY)")
	require.NoError(t, err)

	_, err = c.ExecContext(ctx, "CREATE TABLE entries (scan_id INTEGER NOT NULL REFERENCES scans (id))")
	require.NoError(t, err)

	_, err = c.ExecContext(ctx, "INSERT INTO entries (scan_id) VALUES (42)")
	require.Error(t, err)
}
