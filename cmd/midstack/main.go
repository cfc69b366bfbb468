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

// Binary midstack runs the middlebox packet processing framework: a
// configured element graph over per-worker contexts, with the handler and
// metrics surfaces on the side.
package main

import (
	"context"
	"flag"
	"log/slog"
	"os"

	"github.com/google/subcommands"

	// Register the element classes reachable from configuration files.
	_ "midstack.dev/midstack/pkg/mb/elements/ip"
	_ "midstack.dev/midstack/pkg/mb/elements/payload"
	_ "midstack.dev/midstack/pkg/mb/elements/tcp"
	_ "midstack.dev/midstack/pkg/mb/elements/udp"
	_ "midstack.dev/midstack/pkg/mb/link/pcapreplay"
)

var debug = flag.Bool("debug", false, "enable debug logging")

func main() {
	subcommands.Register(subcommands.HelpCommand(), "")
	subcommands.Register(subcommands.FlagsCommand(), "")
	subcommands.Register(new(Run), "")
	subcommands.Register(new(Replay), "")
	subcommands.Register(new(Version), "")

	flag.Parse()

	level := slog.LevelInfo
	if *debug {
		level = slog.LevelDebug
	}
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
	slog.SetDefault(logger)

	os.Exit(int(subcommands.Execute(context.Background(), logger)))
}
