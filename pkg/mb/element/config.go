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
	"fmt"
	"strconv"
	"strings"

	"midstack.dev/midstack/pkg/mb"
)

// Config is an element's keyword configuration, e.g.
//
//	FLOWDIRECTION 0, MERGESORT false
//
// Comma-separated items; each item is an upper-case keyword followed by
// its value. A keyword may repeat (PATTERN lists). Values read through the
// typed getters are marked used; Finish rejects leftovers so that a typo
// fails at configure time instead of silently defaulting.
type Config struct {
	items []configItem
}

type configItem struct {
	key   string
	value string
	used  bool
}

// ParseConfig parses the keyword syntax. An empty string is a valid empty
// configuration.
func ParseConfig(s string) (*Config, error) {
	c := &Config{}
	for _, part := range strings.Split(s, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		key, value, _ := strings.Cut(part, " ")
		if key != strings.ToUpper(key) {
			return nil, fmt.Errorf("%w: keyword %q is not upper-case", mb.ErrConfigInvalid, key)
		}
		c.items = append(c.items, configItem{key: key, value: strings.TrimSpace(value)})
	}
	return c, nil
}

func (c *Config) take(key string) (string, bool) {
	for i := range c.items {
		if c.items[i].key == key && !c.items[i].used {
			c.items[i].used = true
			return c.items[i].value, true
		}
	}
	return "", false
}

// String reads a string keyword, or def when absent.
func (c *Config) String(key, def string) string {
	if v, ok := c.take(key); ok {
		return v
	}
	return def
}

// Strings reads every occurrence of a repeated keyword.
func (c *Config) Strings(key string) []string {
	var out []string
	for {
		v, ok := c.take(key)
		if !ok {
			return out
		}
		out = append(out, v)
	}
}

// Int reads an integer keyword, or def when absent.
func (c *Config) Int(key string, def int) (int, error) {
	v, ok := c.take(key)
	if !ok {
		return def, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("%w: %s %q is not an integer", mb.ErrConfigInvalid, key, v)
	}
	return n, nil
}

// RequiredInt reads an integer keyword that must be present.
func (c *Config) RequiredInt(key string) (int, error) {
	v, ok := c.take(key)
	if !ok {
		return 0, fmt.Errorf("%w: missing required keyword %s", mb.ErrConfigInvalid, key)
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("%w: %s %q is not an integer", mb.ErrConfigInvalid, key, v)
	}
	return n, nil
}

// Bool reads a boolean keyword ("true"/"false"), or def when absent.
func (c *Config) Bool(key string, def bool) (bool, error) {
	v, ok := c.take(key)
	if !ok {
		return def, nil
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return false, fmt.Errorf("%w: %s %q is not a boolean", mb.ErrConfigInvalid, key, v)
	}
	return b, nil
}

// Finish fails if any keyword was not consumed by a getter.
func (c *Config) Finish() error {
	for _, it := range c.items {
		if !it.used {
			return fmt.Errorf("%w: unknown keyword %s", mb.ErrConfigInvalid, it.key)
		}
	}
	return nil
}
