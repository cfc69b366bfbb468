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

// Package handlers exposes the element handler registry over HTTP:
//
//	GET    /elements/{element}/{handler}   read a handler value
//	POST   /elements/{element}/{handler}   invoke a write handler with the body
//	DELETE /elements/{element}/{handler}   invoke the delete_{handler} handler
//
// Unknown element or handler names answer 404. The core elements do not
// own this surface; the host wires it in.
package handlers

import (
	"io"
	"net/http"
	"strings"

	"midstack.dev/midstack/pkg/mb/element"
)

// maxBody bounds write handler request bodies.
const maxBody = 1 << 20

// New returns the handler surface over reg.
func New(reg *element.Handlers) http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/elements/", func(w http.ResponseWriter, r *http.Request) {
		serve(reg, w, r)
	})
	return mux
}

func serve(reg *element.Handlers, w http.ResponseWriter, r *http.Request) {
	rest := strings.TrimPrefix(r.URL.Path, "/elements/")
	elem, name, ok := strings.Cut(rest, "/")
	if !ok || elem == "" || name == "" || strings.Contains(name, "/") {
		http.NotFound(w, r)
		return
	}

	switch r.Method {
	case http.MethodGet:
		if !reg.Has(elem, name) {
			http.NotFound(w, r)
			return
		}
		value, err := reg.Read(elem, name)
		if err != nil {
			http.NotFound(w, r)
			return
		}
		io.WriteString(w, value+"\n")

	case http.MethodPost:
		body, err := io.ReadAll(io.LimitReader(r.Body, maxBody))
		if err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		if !reg.Has(elem, name) {
			http.NotFound(w, r)
			return
		}
		if err := reg.Write(elem, name, string(body)); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		w.WriteHeader(http.StatusNoContent)

	case http.MethodDelete:
		deleteName := "delete_" + name
		if !reg.Has(elem, deleteName) {
			http.NotFound(w, r)
			return
		}
		if err := reg.Write(elem, deleteName, ""); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		w.WriteHeader(http.StatusNoContent)

	default:
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
	}
}
