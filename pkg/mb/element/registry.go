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
	"sort"
	"sync"

	"midstack.dev/midstack/pkg/mb"
)

var (
	classesMu sync.RWMutex
	classes   = map[string]func() Element{}
)

// RegisterClass makes an element class instantiable from configuration.
// Element packages call it from init.
func RegisterClass(name string, factory func() Element) {
	classesMu.Lock()
	defer classesMu.Unlock()
	if _, dup := classes[name]; dup {
		panic(fmt.Sprintf("element class %q registered twice", name))
	}
	classes[name] = factory
}

// NewByClass instantiates a registered class. Unknown names fail at
// configuration parse time.
func NewByClass(name string) (Element, error) {
	classesMu.RLock()
	factory, ok := classes[name]
	classesMu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: unknown element class %q", mb.ErrConfigInvalid, name)
	}
	return factory(), nil
}

// Classes returns the registered class names, sorted.
func Classes() []string {
	classesMu.RLock()
	defer classesMu.RUnlock()
	out := make([]string, 0, len(classes))
	for name := range classes {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}
