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

package element

import (
	"log/slog"

	"gvisor.dev/gvisor/pkg/tcpip"

	"midstack.dev/midstack/pkg/mb"
	"midstack.dev/midstack/pkg/mb/flow"
	"midstack.dev/midstack/pkg/mb/modlist"
	"midstack.dev/midstack/pkg/mb/pool"
)

// FlowRef is the per-packet flow state TCPIn establishes before pushing a
// packet into the user chain: the control block, which direction the
// packet travels, and the packet's modification list.
type FlowRef struct {
	FCB  *flow.FCB
	Dir  mb.Direction
	Mods *modlist.List
}

// Context is the explicit per-worker state threaded along the hot path.
// Each worker owns one; its pools and Flow are confined to that worker.
// Flows, Stats and Handlers point at objects every worker shares; Flows
// locks internally.
type Context struct {
	// Worker is the owning worker's index.
	Worker int

	Clock  tcpip.Clock
	Logger *slog.Logger
	Stats  *mb.Stats

	// Flows is the flow table this worker classifies into; the pipeline
	// gives every worker the same table.
	Flows *flow.Table

	// Handlers is the process-wide handler registry elements register
	// into at Initialize. May be nil in tests.
	Handlers *Handlers

	// ModNodes backs the modification lists of packets in flight on this
	// worker.
	ModNodes *pool.Pool[modlist.Node]

	// ReorderNodes backs the reorder hold lists of flows owned by this
	// worker.
	ReorderNodes *pool.Pool[*mb.Packet]

	// Flow is the state of the packet currently between TCPIn and TCPOut,
	// nil outside that window. Worker-confined, so no locking.
	Flow *FlowRef
}

// NewContext builds a worker context with freshly sized pools.
func NewContext(worker int, clock tcpip.Clock, logger *slog.Logger, flows *flow.Table, stats *mb.Stats) *Context {
	if logger == nil {
		logger = slog.Default()
	}
	return &Context{
		Worker:       worker,
		Clock:        clock,
		Logger:       logger,
		Stats:        stats,
		Flows:        flows,
		ModNodes:     pool.New[modlist.Node](256, 0),
		ReorderNodes: pool.New[*mb.Packet](256, 0),
	}
}
