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

package debug

import (
	"context"
	"io"
	"net/http"
	"sync"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/clamui/quarantinedb/internal/util/testutil"
)

func TestHandler(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithCancel(testutil.Ctx(t))

	reg := prometheus.NewRegistry()
	gauge := prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "quarantinedb_pool_open",
		Help: "Test gauge.",
	})
	gauge.Set(3)
	reg.MustRegister(gauge)

	h, err := Listen(&ListenOpts{
		Addr: "127.0.0.1:0",
		L:    testutil.Logger(t),
		R:    reg,
		G:    reg,
	})
	require.NoError(t, err)

	var wg sync.WaitGroup

	wg.Add(1)

	go func() {
		defer wg.Done()
		h.Serve(ctx)
	}()

	t.Cleanup(func() {
		cancel()
		wg.Wait()
	})

	root := "http://" + h.Addr().String()

	get := func(t *testing.T, path string) (int, string) {
		t.Helper()

		req, err := http.NewRequestWithContext(ctx, http.MethodGet, root+path, nil)
		require.NoError(t, err)

		res, err := http.DefaultClient.Do(req)
		require.NoError(t, err)

		defer res.Body.Close()

		b, err := io.ReadAll(res.Body)
		require.NoError(t, err)

		return res.StatusCode, string(b)
	}

	t.Run("Index", func(t *testing.T) {
		code, body := get(t, "/")
		assert.Equal(t, http.StatusOK, code)
		assert.Contains(t, body, "/debug/metrics")
		assert.Contains(t, body, "/debug/log")
	})

	t.Run("Metrics", func(t *testing.T) {
		code, body := get(t, "/debug/metrics")
		assert.Equal(t, http.StatusOK, code)
		assert.Contains(t, body, "quarantinedb_pool_open 3")
	})

	t.Run("Log", func(t *testing.T) {
		code, _ := get(t, "/debug/log")
		assert.Equal(t, http.StatusOK, code)
	})

	t.Run("Pprof", func(t *testing.T) {
		code, _ := get(t, "/debug/pprof/")
		assert.Equal(t, http.StatusOK, code)
	})
}

func TestListenError(t *testing.T) {
	t.Parallel()

	reg := prometheus.NewRegistry()

	_, err := Listen(&ListenOpts{
		Addr: "127.0.0.1:-1",
		L:    testutil.Logger(t),
		R:    reg,
		G:    reg,
	})
	require.Error(t, err)
}
