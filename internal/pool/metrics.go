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

package pool

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Parts of Prometheus metric names.
const (
	namespace = "quarantinedb"
	subsystem = "pool"
)

// metrics holds pool counters.
//
// Gauges are computed from Stats on collection.
type metrics struct {
	labels prometheus.Labels

	acquired  prometheus.Counter
	created   prometheus.Counter
	discarded prometheus.Counter
	timeouts  prometheus.Counter
}

// newMetrics creates counters with constant labels for the given pool.
func newMetrics(path, id string) *metrics {
	labels := prometheus.Labels{
		"path": path,
		"pool": id,
	}

	newCounter := func(name, help string) prometheus.Counter {
		return prometheus.NewCounter(prometheus.CounterOpts{
			Namespace:   namespace,
			Subsystem:   subsystem,
			Name:        name,
			Help:        help,
			ConstLabels: labels,
		})
	}

	return &metrics{
		labels:    labels,
		acquired:  newCounter("acquired_total", "The total number of acquired connections."),
		created:   newCounter("created_total", "The total number of opened connections."),
		discarded: newCounter("discarded_total", "The total number of connections closed after failed health check."),
		timeouts:  newCounter("acquire_timeouts_total", "The total number of Acquire calls that timed out."),
	}
}

// collect sends gauges for the given stats and all counters to ch.
func (m *metrics) collect(ch chan<- prometheus.Metric, stats Stats) {
	gauge := func(name, help string, v int) {
		ch <- prometheus.MustNewConstMetric(
			prometheus.NewDesc(prometheus.BuildFQName(namespace, subsystem, name), help, nil, m.labels),
			prometheus.GaugeValue,
			float64(v),
		)
	}

	var closed int
	if stats.Closed {
		closed = 1
	}

	gauge("capacity", "The maximum number of connections.", stats.Capacity)
	gauge("idle", "The current number of idle connections.", stats.Available)
	gauge("open", "The current number of connections owned by the pool.", stats.TotalCreated)
	gauge("in_use", "The current number of checked-out connections.", stats.Active)
	gauge("closed", "1 if the pool is closed, 0 otherwise.", closed)

	m.acquired.Collect(ch)
	m.created.Collect(ch)
	m.discarded.Collect(ch)
	m.timeouts.Collect(ch)
}
