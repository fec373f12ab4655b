// Copyright 2023 Kami
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

package httpd

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestHandlerRouteHitsChiRouteBeforeFileServer(t *testing.T) {
	root := t.TempDir()
	h := NewHandler(root, NewDefaultRouter())

	req := newRequest()
	req.parseRequestLine("GET /healthz HTTP/1.1")
	resp := h.route(req)
	if resp.Status != StatusOK {
		t.Fatalf("Status = %v, want 200", resp.Status)
	}
	if string(resp.Body) != "ok" {
		t.Fatalf("Body = %q, want %q", resp.Body, "ok")
	}
}

func TestHandlerRouteFallsBackToFileServerOn404(t *testing.T) {
	root := t.TempDir()
	if err := os.WriteFile(filepath.Join(root, "page.html"), []byte("<h1>hi</h1>"), 0o644); err != nil {
		t.Fatal(err)
	}
	h := NewHandler(root, NewDefaultRouter())

	req := newRequest()
	req.parseRequestLine("GET /page.html HTTP/1.1")
	resp := h.route(req)
	if resp.Status != StatusOK {
		t.Fatalf("Status = %v, want 200", resp.Status)
	}
	if string(resp.Body) != "<h1>hi</h1>" {
		t.Fatalf("Body = %q", resp.Body)
	}
}

func TestHandlerRouteWithNilRouterGoesStraightToFileServer(t *testing.T) {
	root := t.TempDir()
	if err := os.WriteFile(filepath.Join(root, "only.txt"), []byte("only"), 0o644); err != nil {
		t.Fatal(err)
	}
	h := NewHandler(root, nil)

	req := newRequest()
	req.parseRequestLine("GET /only.txt HTTP/1.1")
	resp := h.route(req)
	if resp.Status != StatusOK || string(resp.Body) != "only" {
		t.Fatalf("resp = %+v", resp)
	}
}

func TestHandlerRouteCopiesSingleValueHeaders(t *testing.T) {
	// route() copies rec.Header() key-by-key via Get, which keeps only the
	// first value of a repeated header; verify single-value headers survive
	// the round trip through Response.
	root := t.TempDir()
	h := NewHandler(root, NewDefaultRouter())

	req := newRequest()
	req.parseRequestLine("GET /healthz HTTP/1.1")
	resp := h.route(req)
	if !strings.Contains(resp.Headers["Content-Type"], "text/plain") {
		t.Fatalf("Content-Type = %q", resp.Headers["Content-Type"])
	}
}
