// Copyright 2026 The midstack Authors.
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

package metrics

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"gvisor.dev/gvisor/pkg/tcpip/faketime"

	"midstack.dev/midstack/pkg/mb"
	"midstack.dev/midstack/pkg/mb/flow"
)

func TestCollectorGathers(t *testing.T) {
	stats := &mb.Stats{}
	stats.PacketsForwarded.IncrementBy(5)
	table := flow.NewTable(faketime.NewManualClock(), 0, stats)

	reg := prometheus.NewPedanticRegistry()
	if err := reg.Register(NewCollector(stats, table)); err != nil {
		t.Fatal(err)
	}
	families, err := reg.Gather()
	if err != nil {
		t.Fatal(err)
	}

	byName := map[string]float64{}
	for _, mf := range families {
		for _, m := range mf.GetMetric() {
			if c := m.GetCounter(); c != nil {
				byName[mf.GetName()] = c.GetValue()
			}
			if g := m.GetGauge(); g != nil {
				byName[mf.GetName()] = g.GetValue()
			}
		}
	}
	if got := byName["midstack_packets_forwarded_total"]; got != 5 {
		t.Errorf("forwarded = %v, want 5", got)
	}
	if got := byName["midstack_flows_active"]; got != 0 {
		t.Errorf("active flows = %v, want 0", got)
	}
}
