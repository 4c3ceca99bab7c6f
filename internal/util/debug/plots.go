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
	"github.com/arl/statsviz"

	"github.com/clamui/quarantinedb/internal/util/must"
)

// poolPlots returns statsviz plots for connection pool metrics.
func poolPlots(s *poolSnapshot) []statsviz.TimeSeriesPlot {
	series := func(name, metric string) statsviz.TimeSeries {
		return statsviz.TimeSeries{
			Name:    name,
			Unitfmt: "%{y:.4s}",
			GetValue: func() float64 {
				return s.value(metric)
			},
		}
	}

	connections := must.NotFail(statsviz.TimeSeriesPlotConfig{
		Name:       "pool-connections",
		Title:      "Pool connections",
		Type:       statsviz.Scatter,
		InfoText:   "Connections owned by pools, split into idle and checked-out.",
		YAxisTitle: "connections",
		Series: []statsviz.TimeSeries{
			series("open", "quarantinedb_pool_open"),
			series("idle", "quarantinedb_pool_idle"),
			series("in use", "quarantinedb_pool_in_use"),
		},
	}.Build())

	events := must.NotFail(statsviz.TimeSeriesPlotConfig{
		Name:       "pool-events",
		Title:      "Pool events",
		Type:       statsviz.Bar,
		BarMode:    statsviz.Group,
		InfoText:   "Cumulative number of discarded connections and timed out acquisitions.",
		YAxisTitle: "events",
		Series: []statsviz.TimeSeries{
			series("discarded", "quarantinedb_pool_discarded_total"),
			series("timeouts", "quarantinedb_pool_acquire_timeouts_total"),
		},
	}.Build())

	return []statsviz.TimeSeriesPlot{connections, events}
}
