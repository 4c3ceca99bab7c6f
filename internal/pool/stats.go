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

// Stats represents a snapshot of the pool state.
//
// Active + Available == TotalCreated and TotalCreated <= Capacity always hold.
type Stats struct {
	Capacity     int  // maximum number of connections
	Available    int  // idle connections
	TotalCreated int  // connections owned by the pool, idle or checked out
	Active       int  // checked-out connections
	Closed       bool // true after CloseAll
}

// Stats returns a snapshot of the pool state.
func (p *Pool) Stats() Stats {
	p.m.Lock()
	defer p.m.Unlock()

	available := len(p.available)

	return Stats{
		Capacity:     p.capacity,
		Available:    available,
		TotalCreated: p.totalCreated,
		Active:       p.totalCreated - available,
		Closed:       p.closed,
	}
}
