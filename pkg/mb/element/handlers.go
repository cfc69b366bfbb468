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
	"sync"

	"midstack.dev/midstack/pkg/mb"
)

// ReadHandler returns a handler value.
type ReadHandler func() string

// WriteHandler applies a posted value.
type WriteHandler func(body string) error

// Handlers is the registry mapping element instance + handler name to the
// functions the HTTP surface invokes. Elements register their handlers
// during Initialize.
type Handlers struct {
	mu    sync.RWMutex
	read  map[string]ReadHandler
	write map[string]WriteHandler
}

// NewHandlers returns an empty registry.
func NewHandlers() *Handlers {
	return &Handlers{
		read:  map[string]ReadHandler{},
		write: map[string]WriteHandler{},
	}
}

func handlerKey(elem, name string) string {
	return elem + "." + name
}

// AddRead registers a read handler on an element instance.
func (h *Handlers) AddRead(elem, name string, fn ReadHandler) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.read[handlerKey(elem, name)] = fn
}

// AddWrite registers a write handler on an element instance.
func (h *Handlers) AddWrite(elem, name string, fn WriteHandler) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.write[handlerKey(elem, name)] = fn
}

// Read invokes a read handler.
func (h *Handlers) Read(elem, name string) (string, error) {
	h.mu.RLock()
	fn, ok := h.read[handlerKey(elem, name)]
	h.mu.RUnlock()
	if !ok {
		return "", fmt.Errorf("%w: no read handler %s on %s", mb.ErrConfigInvalid, name, elem)
	}
	return fn(), nil
}

// Write invokes a write handler with the request body.
func (h *Handlers) Write(elem, name, body string) error {
	h.mu.RLock()
	fn, ok := h.write[handlerKey(elem, name)]
	h.mu.RUnlock()
	if !ok {
		return fmt.Errorf("%w: no write handler %s on %s", mb.ErrConfigInvalid, name, elem)
	}
	return fn(body)
}

// Has reports whether any handler with the name exists on the element.
func (h *Handlers) Has(elem, name string) bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	key := handlerKey(elem, name)
	_, r := h.read[key]
	_, w := h.write[key]
	return r || w
}
