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
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/google/subcommands"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"midstack.dev/midstack/pkg/mb/handlers"
	"midstack.dev/midstack/pkg/mb/metrics"
	"midstack.dev/midstack/pkg/mb/pipeline"
)

// Run implements subcommands.Command for the "run" command.
type Run struct {
	configPath string
	listenAddr string
	seed       uint
}

// Name implements subcommands.Command.Name.
func (*Run) Name() string { return "run" }

// Synopsis implements subcommands.Command.Synopsis.
func (*Run) Synopsis() string { return "run a pipeline until interrupted" }

// Usage implements subcommands.Command.Usage.
func (*Run) Usage() string {
	return `run -config <graph.yaml> [-listen addr]

Builds the element graph and processes packets until SIGINT or SIGTERM.
The listen address serves the element handlers under /elements/ and
Prometheus metrics under /metrics.

OPTIONS:
`
}

// SetFlags implements subcommands.Command.SetFlags.
func (r *Run) SetFlags(f *flag.FlagSet) {
	f.StringVar(&r.configPath, "config", "", "graph configuration file")
	f.StringVar(&r.listenAddr, "listen", ":8700", "handler/metrics listen address, empty to disable")
	f.UintVar(&r.seed, "seed", 0, "flow steering seed")
}

// Execute implements subcommands.Command.Execute.
func (r *Run) Execute(ctx context.Context, f *flag.FlagSet, args ...any) subcommands.ExitStatus {
	logger := slog.Default()
	if r.configPath == "" {
		logger.Error("run: -config is required")
		return subcommands.ExitUsageError
	}

	pipe, err := buildPipeline(r.configPath, uint32(r.seed), logger)
	if err != nil {
		logger.Error("building pipeline", "err", err)
		return subcommands.ExitFailure
	}

	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	var server *http.Server
	if r.listenAddr != "" {
		reg := prometheus.NewRegistry()
		reg.MustRegister(metrics.NewCollector(pipe.Stats(), pipe.Table()))
		mux := http.NewServeMux()
		mux.Handle("/elements/", handlers.New(pipe.Handlers()))
		mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
		server = &http.Server{Addr: r.listenAddr, Handler: mux}
		go func() {
			if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				logger.Error("handler server", "err", err)
			}
		}()
		logger.Info("serving handlers", "addr", r.listenAddr)
	}

	done := make(chan error, 1)
	go func() { done <- pipe.Run(context.Background()) }()

	logger.Info("pipeline running", "workers", pipe.Workers())
	<-ctx.Done()
	logger.Info("shutting down")

	pipe.Close()
	err = <-done
	if server != nil {
		server.Shutdown(context.Background())
	}
	closeWriters(pipe, logger)
	if err != nil {
		logger.Error("pipeline", "err", err)
		return subcommands.ExitFailure
	}
	return subcommands.ExitSuccess
}

func buildPipeline(path string, seed uint32, logger *slog.Logger) (*pipeline.Pipeline, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	cfg, err := pipeline.ParseGraph(data)
	if err != nil {
		return nil, err
	}
	return pipeline.Build(cfg, pipeline.Options{Logger: logger, Seed: seed})
}

// closeWriters flushes elements that own files.
func closeWriters(pipe *pipeline.Pipeline, logger *slog.Logger) {
	for _, name := range pipe.ElementNames() {
		e, _ := pipe.Element(name)
		if closer, ok := e.(interface{ Close() error }); ok {
			if err := closer.Close(); err != nil {
				logger.Warn("closing element", "element", name, "err", err)
			}
		}
	}
}
