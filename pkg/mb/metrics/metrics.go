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

// Package metrics exports the core counters as Prometheus metrics.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"

	"midstack.dev/midstack/pkg/mb"
	"midstack.dev/midstack/pkg/mb/flow"
)

// Collector adapts the middlebox counters and flow table to the
// Prometheus collection model.
type Collector struct {
	stats *mb.Stats
	table *flow.Table

	forwarded   *prometheus.Desc
	malformed   *prometheus.Desc
	noResources *prometheus.Desc
	retrans     *prometheus.Desc
	violations  *prometheus.Desc
	evicted     *prometheus.Desc
	flows       *prometheus.Desc
}

// NewCollector builds a collector over the shared counters.
func NewCollector(stats *mb.Stats, table *flow.Table) *Collector {
	return &Collector{
		stats: stats,
		table: table,
		forwarded: prometheus.NewDesc("midstack_packets_forwarded_total",
			"Packets emitted downstream", nil, nil),
		malformed: prometheus.NewDesc("midstack_packets_malformed_total",
			"Packets dropped for bad headers", nil, nil),
		noResources: prometheus.NewDesc("midstack_packets_dropped_no_resources_total",
			"Packets dropped for full pools or tables", nil, nil),
		retrans: prometheus.NewDesc("midstack_retransmissions_dropped_total",
			"Already-delivered segments discarded by the reorderer", nil, nil),
		violations: prometheus.NewDesc("midstack_state_violations_total",
			"Segments illegal for their flow state", nil, nil),
		evicted: prometheus.NewDesc("midstack_flows_evicted_total",
			"Flows reaped or evicted from the table", nil, nil),
		flows: prometheus.NewDesc("midstack_flows_active",
			"Connections currently tracked", nil, nil),
	}
}

// Describe implements prometheus.Collector.
func (c *Collector) Describe(ch chan<- *prometheus.Desc) {
	ch <- c.forwarded
	ch <- c.malformed
	ch <- c.noResources
	ch <- c.retrans
	ch <- c.violations
	ch <- c.evicted
	ch <- c.flows
}

// Collect implements prometheus.Collector.
func (c *Collector) Collect(ch chan<- prometheus.Metric) {
	counter := func(d *prometheus.Desc, v uint64) {
		ch <- prometheus.MustNewConstMetric(d, prometheus.CounterValue, float64(v))
	}
	counter(c.forwarded, c.stats.PacketsForwarded.Value())
	counter(c.malformed, c.stats.PacketsMalformed.Value())
	counter(c.noResources, c.stats.PacketsDroppedNoResources.Value())
	counter(c.retrans, c.stats.RetransmissionsDropped.Value())
	counter(c.violations, c.stats.StateViolations.Value())
	counter(c.evicted, c.stats.FlowsEvicted.Value())
	ch <- prometheus.MustNewConstMetric(c.flows, prometheus.GaugeValue, float64(c.table.Len()))
}
