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

// Package pipeline assembles configured elements into a running packet
// processing graph: parsing the graph file, wiring ports, steering packets
// to per-worker contexts, and running the workers.
package pipeline

import (
	"fmt"

	"gopkg.in/yaml.v3"

	"midstack.dev/midstack/pkg/mb"
)

// ElementConfig declares one element instance.
type ElementConfig struct {
	Name   string `yaml:"name"`
	Class  string `yaml:"class"`
	Config string `yaml:"config"`
}

// LinkConfig wires an output port to an input port. Ports default to 0.
type LinkConfig struct {
	From     string `yaml:"from"`
	FromPort int    `yaml:"fromport"`
	To       string `yaml:"to"`
	ToPort   int    `yaml:"toport"`
}

// GraphConfig is the YAML graph file.
type GraphConfig struct {
	// Workers is the number of parallel workers; default 1.
	Workers int `yaml:"workers"`

	// MaxFlows bounds the flow table.
	MaxFlows int `yaml:"maxflows"`

	// Input names the element packets enter through.
	Input string `yaml:"input"`

	Elements []ElementConfig `yaml:"elements"`
	Links    []LinkConfig    `yaml:"links"`
}

// ParseGraph parses and sanity-checks a graph file.
func ParseGraph(data []byte) (*GraphConfig, error) {
	var cfg GraphConfig
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("%w: %v", mb.ErrConfigInvalid, err)
	}
	if len(cfg.Elements) == 0 {
		return nil, fmt.Errorf("%w: graph declares no elements", mb.ErrConfigInvalid)
	}
	if cfg.Workers < 0 {
		return nil, fmt.Errorf("%w: workers %d", mb.ErrConfigInvalid, cfg.Workers)
	}
	if cfg.Workers == 0 {
		cfg.Workers = 1
	}

	names := map[string]bool{}
	for _, ec := range cfg.Elements {
		if ec.Name == "" || ec.Class == "" {
			return nil, fmt.Errorf("%w: element needs name and class", mb.ErrConfigInvalid)
		}
		if names[ec.Name] {
			return nil, fmt.Errorf("%w: duplicate element name %q", mb.ErrConfigInvalid, ec.Name)
		}
		names[ec.Name] = true
	}
	for _, l := range cfg.Links {
		if !names[l.From] {
			return nil, fmt.Errorf("%w: link from unknown element %q", mb.ErrConfigInvalid, l.From)
		}
		if !names[l.To] {
			return nil, fmt.Errorf("%w: link to unknown element %q", mb.ErrConfigInvalid, l.To)
		}
	}
	if cfg.Input == "" {
		cfg.Input = cfg.Elements[0].Name
	} else if !names[cfg.Input] {
		return nil, fmt.Errorf("%w: input element %q not declared", mb.ErrConfigInvalid, cfg.Input)
	}
	return &cfg, nil
}
