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

package handlers

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"midstack.dev/midstack/pkg/mb/element"
)

func newServer(t *testing.T) (*httptest.Server, *element.Handlers) {
	t.Helper()
	reg := element.NewHandlers()
	srv := httptest.NewServer(New(reg))
	t.Cleanup(srv.Close)
	return srv, reg
}

func TestGetReadsHandler(t *testing.T) {
	srv, reg := newServer(t)
	reg.AddRead("in0", "count", func() string { return "7" })

	resp, err := http.Get(srv.URL + "/elements/in0/count")
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("GET status = %d", resp.StatusCode)
	}
	var body [16]byte
	n, _ := resp.Body.Read(body[:])
	if got := strings.TrimSpace(string(body[:n])); got != "7" {
		t.Errorf("GET body = %q, want 7", got)
	}
}

func TestPostInvokesWriteHandler(t *testing.T) {
	srv, reg := newServer(t)
	var got string
	reg.AddWrite("in0", "reset", func(body string) error {
		got = body
		return nil
	})

	resp, err := http.Post(srv.URL+"/elements/in0/reset", "text/plain", strings.NewReader("all"))
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusNoContent {
		t.Fatalf("POST status = %d", resp.StatusCode)
	}
	if got != "all" {
		t.Errorf("write handler body = %q, want all", got)
	}
}

func TestDeleteUsesPrefixedHandler(t *testing.T) {
	srv, reg := newServer(t)
	called := false
	reg.AddWrite("table", "delete_flows", func(string) error {
		called = true
		return nil
	})

	req, _ := http.NewRequest(http.MethodDelete, srv.URL+"/elements/table/flows", nil)
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusNoContent {
		t.Fatalf("DELETE status = %d", resp.StatusCode)
	}
	if !called {
		t.Error("delete handler not invoked")
	}
}

func TestUnknownNames404(t *testing.T) {
	srv, _ := newServer(t)
	for _, path := range []string{
		"/elements/nope/count",
		"/elements/onlyelement",
		"/elements/a/b/c",
	} {
		resp, err := http.Get(srv.URL + path)
		if err != nil {
			t.Fatal(err)
		}
		resp.Body.Close()
		if resp.StatusCode != http.StatusNotFound {
			t.Errorf("GET %s status = %d, want 404", path, resp.StatusCode)
		}
	}
}
