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

package main

import (
	"context"
	"flag"
	"log/slog"
	"os"

	"github.com/google/subcommands"
	"github.com/schollz/progressbar/v3"

	"midstack.dev/midstack/pkg/mb/link/pcapreplay"
)

// Replay implements subcommands.Command for the "replay" command.
type Replay struct {
	configPath string
	inputPath  string
	quiet      bool
}

// Name implements subcommands.Command.Name.
func (*Replay) Name() string { return "replay" }

// Synopsis implements subcommands.Command.Synopsis.
func (*Replay) Synopsis() string { return "replay a pcap file through a pipeline" }

// Usage implements subcommands.Command.Usage.
func (*Replay) Usage() string {
	return `replay -config <graph.yaml> -in <capture.pcap>

Feeds every IPv4 packet of the capture through the element graph, then
drains and exits. Wire a PcapWriter element into the graph to record the
output.

OPTIONS:
`
}

// SetFlags implements subcommands.Command.SetFlags.
func (r *Replay) SetFlags(f *flag.FlagSet) {
	f.StringVar(&r.configPath, "config", "", "graph configuration file")
	f.StringVar(&r.inputPath, "in", "", "input pcap file")
	f.BoolVar(&r.quiet, "quiet", false, "suppress the progress bar")
}

// Execute implements subcommands.Command.Execute.
func (r *Replay) Execute(ctx context.Context, f *flag.FlagSet, args ...any) subcommands.ExitStatus {
	logger := slog.Default()
	if r.configPath == "" || r.inputPath == "" {
		logger.Error("replay: -config and -in are required")
		return subcommands.ExitUsageError
	}

	pipe, err := buildPipeline(r.configPath, 0, logger)
	if err != nil {
		logger.Error("building pipeline", "err", err)
		return subcommands.ExitFailure
	}

	in, err := os.Open(r.inputPath)
	if err != nil {
		logger.Error("opening capture", "err", err)
		return subcommands.ExitFailure
	}
	defer in.Close()

	var progress func(int)
	if !r.quiet {
		if st, err := in.Stat(); err == nil {
			bar := progressbar.DefaultBytes(st.Size(), "replaying")
			progress = func(n int) { bar.Add(n) }
		}
	}

	done := make(chan error, 1)
	go func() { done <- pipe.Run(context.Background()) }()

	injected, skipped, err := pcapreplay.Replay(in, pipe.Inject, progress)
	pipe.Close()
	runErr := <-done
	closeWriters(pipe, logger)

	if err != nil {
		logger.Error("replay", "err", err)
		return subcommands.ExitFailure
	}
	if runErr != nil {
		logger.Error("pipeline", "err", runErr)
		return subcommands.ExitFailure
	}
	logger.Info("replay finished",
		"injected", injected,
		"skipped", skipped,
		"forwarded", pipe.Stats().PacketsForwarded.Value(),
		"flows", pipe.Table().Len())
	return subcommands.ExitSuccess
}
