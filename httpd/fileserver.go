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
	"fmt"
	"html"
	"mime"
	"os"
	"path"
	"path/filepath"
	"sort"
	"strings"
)

// FileServer serves static files rooted at Root. Every request path is
// resolved with path.Clean and verified to stay within Root before
// touching the filesystem, so "../../etc/passwd"-style escapes 404
// instead of reading outside the tree.
type FileServer struct {
	Root string
}

// NewFileServer returns a FileServer rooted at root.
func NewFileServer(root string) *FileServer {
	return &FileServer{Root: root}
}

// Serve resolves reqPath against Root and returns the response to send:
// the file's contents with a detected Content-Type, a generated directory
// listing, or a 403/404 error page.
func (f *FileServer) Serve(reqPath string) *Response {
	cleaned := path.Clean("/" + reqPath)
	full := filepath.Join(f.Root, filepath.FromSlash(cleaned))

	rootAbs, err := filepath.Abs(f.Root)
	if err != nil {
		return ErrorResponse(StatusInternalServerError, "")
	}
	fullAbs, err := filepath.Abs(full)
	if err != nil || (fullAbs != rootAbs && !strings.HasPrefix(fullAbs, rootAbs+string(filepath.Separator))) {
		return ErrorResponse(StatusForbidden, "")
	}

	info, err := os.Stat(fullAbs)
	if err != nil {
		return ErrorResponse(StatusNotFound, "")
	}

	if info.IsDir() {
		return f.serveDir(fullAbs, cleaned)
	}
	return f.serveFile(fullAbs)
}

func (f *FileServer) serveDir(dirAbs, reqPath string) *Response {
	indexPath := filepath.Join(dirAbs, "index.html")
	if info, err := os.Stat(indexPath); err == nil && !info.IsDir() {
		return f.serveFile(indexPath)
	}
	return f.listDir(dirAbs, reqPath)
}

func (f *FileServer) serveFile(fileAbs string) *Response {
	data, err := os.ReadFile(fileAbs)
	if err != nil {
		return ErrorResponse(StatusForbidden, "")
	}
	r := NewResponse()
	r.SetHeader("Content-Type", contentType(fileAbs))
	r.SetBody(data)
	return r
}

func (f *FileServer) listDir(dirAbs, reqPath string) *Response {
	entries, err := os.ReadDir(dirAbs)
	if err != nil {
		return ErrorResponse(StatusForbidden, "")
	}
	names := make([]string, 0, len(entries))
	for _, e := range entries {
		name := e.Name()
		if e.IsDir() {
			name += "/"
		}
		names = append(names, name)
	}
	sort.Strings(names)

	var b strings.Builder
	fmt.Fprintf(&b, "<!DOCTYPE html><html><head><title>Index of %s</title></head><body>", html.EscapeString(reqPath))
	fmt.Fprintf(&b, "<h1>Index of %s</h1><ul>", html.EscapeString(reqPath))
	if reqPath != "/" {
		b.WriteString(`<li><a href="../">../</a></li>`)
	}
	for _, name := range names {
		href := html.EscapeString(name)
		fmt.Fprintf(&b, `<li><a href="%s">%s</a></li>`, href, href)
	}
	b.WriteString("</ul></body></html>")

	r := NewResponse()
	r.SetHeader("Content-Type", "text/html; charset=utf-8")
	r.SetBody([]byte(b.String()))
	return r
}

func contentType(filePath string) string {
	ext := filepath.Ext(filePath)
	if t := mime.TypeByExtension(ext); t != "" {
		return t
	}
	return "application/octet-stream"
}
