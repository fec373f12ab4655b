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

func newTestRoot(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, "hello.txt"), []byte("hi there"), 0o644); err != nil {
		t.Fatal(err)
	}
	if err := os.Mkdir(filepath.Join(dir, "sub"), 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(dir, "sub", "index.html"), []byte("<p>index</p>"), 0o644); err != nil {
		t.Fatal(err)
	}
	if err := os.Mkdir(filepath.Join(dir, "empty"), 0o755); err != nil {
		t.Fatal(err)
	}
	return dir
}

func TestFileServerServesFileWithContentType(t *testing.T) {
	fs := NewFileServer(newTestRoot(t))
	resp := fs.Serve("/hello.txt")
	if resp.Status != StatusOK {
		t.Fatalf("Status = %v, want 200", resp.Status)
	}
	if string(resp.Body) != "hi there" {
		t.Fatalf("Body = %q", resp.Body)
	}
	if !strings.HasPrefix(resp.Headers["Content-Type"], "text/plain") {
		t.Fatalf("Content-Type = %q", resp.Headers["Content-Type"])
	}
}

func TestFileServerServesIndexHtmlForDirectory(t *testing.T) {
	fs := NewFileServer(newTestRoot(t))
	resp := fs.Serve("/sub/")
	if resp.Status != StatusOK {
		t.Fatalf("Status = %v, want 200", resp.Status)
	}
	if string(resp.Body) != "<p>index</p>" {
		t.Fatalf("Body = %q", resp.Body)
	}
}

func TestFileServerListsDirectoryWithoutIndex(t *testing.T) {
	fs := NewFileServer(newTestRoot(t))
	resp := fs.Serve("/empty/")
	if resp.Status != StatusOK {
		t.Fatalf("Status = %v, want 200", resp.Status)
	}
	if !strings.Contains(string(resp.Body), "Index of") {
		t.Fatalf("expected directory listing, got %q", resp.Body)
	}
}

func TestFileServerReturns404ForMissingFile(t *testing.T) {
	fs := NewFileServer(newTestRoot(t))
	resp := fs.Serve("/nope.txt")
	if resp.Status != StatusNotFound {
		t.Fatalf("Status = %v, want 404", resp.Status)
	}
}

func TestFileServerRejectsPathEscape(t *testing.T) {
	fs := NewFileServer(newTestRoot(t))
	resp := fs.Serve("/../../../../etc/passwd")
	if resp.Status == StatusOK {
		t.Fatal("expected escape attempt to be rejected, got 200")
	}
}
