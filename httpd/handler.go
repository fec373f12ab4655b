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
	"net/http"
	"net/http/httptest"
	"strings"

	"github.com/go-chi/chi"

	"github.com/loopcore/reactor"
	"github.com/loopcore/reactor/buffer"
)

// Handler plugs a Router (falling back to a FileServer rooted at Root)
// into a reactor.TcpServer's connection/message callback surface. It
// never touches reactor internals beyond TcpConnection's exported
// methods, and reactor never imports httpd.
type Handler struct {
	Root   string
	Router chi.Router

	files *FileServer
}

// NewHandler returns a Handler serving static files from root. If router
// is nil, every request falls straight through to the file server.
func NewHandler(root string, router chi.Router) *Handler {
	return &Handler{Root: root, Router: router, files: NewFileServer(root)}
}

// OnConnection attaches a fresh request parser to conn. Bind this as the
// TcpServer's ConnectionCallback.
func (h *Handler) OnConnection(conn *reactor.TcpConnection) {
	if conn.Connected() {
		conn.SetContext(NewConn())
	}
}

// OnMessage feeds in into conn's attached parser and, once a full request
// has been parsed, routes and responds to it. Bind this as the
// TcpServer's MessageCallback.
func (h *Handler) OnMessage(conn *reactor.TcpConnection, in *buffer.Buffer) {
	parser, _ := conn.Context().(*Conn)
	if parser == nil {
		parser = NewConn()
		conn.SetContext(parser)
	}

	for {
		req, ok := parser.Feed(in)
		if !ok {
			return
		}

		resp := h.route(req)
		conn.Send(resp.Bytes())

		if strings.EqualFold(req.Headers["Connection"], "close") {
			conn.Shutdown()
			return
		}
	}
}

func (h *Handler) route(req *Request) *Response {
	if h.Router == nil {
		return h.files.Serve(req.Path)
	}

	rec := httptest.NewRecorder()
	httpReq, err := http.NewRequest(req.Method.String(), req.Path, nil)
	if err != nil {
		return ErrorResponse(StatusBadRequest, "")
	}
	for k, v := range req.Headers {
		httpReq.Header.Set(k, v)
	}

	h.Router.ServeHTTP(rec, httpReq)

	if rec.Code == http.StatusNotFound {
		return h.files.Serve(req.Path)
	}

	resp := NewResponse()
	resp.SetStatus(StatusCode(rec.Code))
	for k := range rec.Header() {
		resp.SetHeader(k, rec.Header().Get(k))
	}
	resp.SetBody(rec.Body.Bytes())
	return resp
}
