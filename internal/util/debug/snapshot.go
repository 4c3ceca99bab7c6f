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
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
	"go.uber.org/zap"
)

// poolMetricsPrefix selects metric families shown on pool plots.
const poolMetricsPrefix = "quarantinedb_pool_"

// plotInterval is how often statsviz samples plot values.
const plotInterval = time.Second

// poolSnapshot holds values of pool metrics summed over all pools.
//
// All plot series read from the same snapshot,
// so metrics are gathered at most once per ttl regardless of the number of series.
type poolSnapshot struct {
	g   prometheus.Gatherer
	l   *zap.Logger
	ttl time.Duration
	now func() time.Time

	m       sync.Mutex
	updated time.Time
	values  map[string]float64
}

// newPoolSnapshot returns a new empty snapshot.
func newPoolSnapshot(g prometheus.Gatherer, l *zap.Logger, ttl time.Duration) *poolSnapshot {
	return &poolSnapshot{
		g:   g,
		l:   l,
		ttl: ttl,
		now: time.Now,
	}
}

// value returns the value of the named metric, refreshing a stale snapshot first.
//
// Unknown metrics yield zero.
func (s *poolSnapshot) value(name string) float64 {
	s.m.Lock()
	defer s.m.Unlock()

	if s.values == nil || s.now().Sub(s.updated) >= s.ttl {
		s.refresh()
	}

	return s.values[name]
}

// refresh gathers pool metrics.
//
// s.m must be held.
func (s *poolSnapshot) refresh() {
	s.updated = s.now()

	// on error, Gather still returns what it could collect
	mfs, err := s.g.Gather()
	if err != nil {
		s.l.Warn("Failed to gather pool metrics.", zap.Error(err), zap.Int("families", len(mfs)))
	}

	values := make(map[string]float64)

	for _, mf := range mfs {
		if name := mf.GetName(); strings.HasPrefix(name, poolMetricsPrefix) {
			values[name] = sum(mf)
		}
	}

	s.values = values
}

// sum returns the total of gauge and counter values in the family.
func sum(mf *dto.MetricFamily) float64 {
	var res float64

	for _, m := range mf.GetMetric() {
		switch {
		case m.GetGauge() != nil:
			res += m.GetGauge().GetValue()
		case m.GetCounter() != nil:
			res += m.GetCounter().GetValue()
		}
	}

	return res
}
