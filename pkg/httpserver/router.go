// Copyright 2026 The custompip Authors.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// See the License for the specific language governing permissions and
// limitations under the License.

// Package httpserver classifies incoming requests by method and path and
// dispatches them to sender registration, receiver registration, reserved
// static paths, or CORS preflight. It is the only place in the repository
// that talks gin.
package httpserver

import (
	"context"
	"fmt"
	"net/http"
	"strconv"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/pingcap/errors"
	log "github.com/pingcap/log"
	"go.uber.org/zap"

	"github.com/atachimiko/custompip/pkg/perrors"
	"github.com/atachimiko/custompip/pkg/rendezvous"
)

// reservedPaths cannot host a rendezvous; they serve static content instead.
var reservedPaths = map[string]bool{
	"/":            true,
	"/version":     true,
	"/help":        true,
	"/favicon.ico": true,
	"/robots.txt":  true,
}

// ServerVersion is the string served at GET /version. Overridable by the CLI
// entry point at build time; a plain var rather than a const so it can be
// set from a linker flag.
var ServerVersion = "dev"

// Server holds everything the Request Router needs to classify and dispatch
// a request: the registry to register participants against, and whether the
// listener this handler serves is HTTPS (for help-text scheme derivation).
type Server struct {
	registry *rendezvous.Registry
	isHTTPS  bool
}

// New creates a Server. isHTTPS reflects the listener this handler's
// requests will arrive on and makes the help-text scheme https; behind a
// plain HTTP listener fronted by a TLS proxy, the scheme comes from the
// x-forwarded-proto header instead.
func New(registry *rendezvous.Registry, isHTTPS bool) *Server {
	return &Server{registry: registry, isHTTPS: isHTTPS}
}

// Handler builds the gin engine implementing the Request Router. No gin
// middleware is attached: gin neither recovers panics nor logs requests.
func (s *Server) Handler() http.Handler {
	gin.SetMode(gin.ReleaseMode)
	engine := gin.New()
	engine.NoRoute(s.dispatch)
	return engine
}

// dispatch normalises the path, branches on method, and either serves
// reserved static content or forwards to the registry. gin's router never
// reaches here for a registered route, because no routes besides NoRoute
// are registered — every path in this system is, by definition, dynamic.
func (s *Server) dispatch(c *gin.Context) {
	path := normalizePath(c.Request.URL.Path)

	switch c.Request.Method {
	case http.MethodOptions:
		writeCORSPreflight(c.Writer)
		return
	case http.MethodPost, http.MethodPut:
		if reservedPaths[path] {
			err := perrors.ErrReservedPath.GenWithStackByArgs(path)
			writeError(c.Writer, int(perrors.StatusOf(err)), errorMessage(err))
			return
		}
		s.registerSender(c, path)
		return
	case http.MethodGet:
		if reservedPaths[path] {
			s.serveReserved(c, path)
			return
		}
		s.registerReceiver(c, path)
		return
	default:
		// The status is the plain 200 of an unadorned response; it is set
		// explicitly because gin presets 404 for NoRoute handlers.
		c.Writer.WriteHeader(http.StatusOK)
		_, err := fmt.Fprintf(c.Writer, "[ERROR] Unsupported method: %s.\n", c.Request.Method)
		if err != nil {
			log.Debug("failed writing unsupported-method response", zap.Error(err))
		}
		return
	}
}

// normalizePath resolves a path against "/" and strips a trailing slash
// (except for root itself).
func normalizePath(p string) string {
	if p == "" {
		p = "/"
	}
	if !strings.HasPrefix(p, "/") {
		p = "/" + p
	}
	if len(p) > 1 && strings.HasSuffix(p, "/") {
		p = strings.TrimRight(p, "/")
		if p == "" {
			p = "/"
		}
	}
	return p
}

// receiverCount parses the "n" query parameter: absent or non-integer
// defaults to 1; present-and-parseable values (including non-positive ones)
// are passed through so the registry can reject n<=0 with its own message.
func receiverCount(c *gin.Context) int {
	raw := c.Query("n")
	if raw == "" {
		return 1
	}
	n, err := strconv.Atoi(raw)
	if err != nil {
		return 1
	}
	return n
}

func (s *Server) registerSender(c *gin.Context, path string) {
	n := receiverCount(c)
	p := rendezvous.NewParticipant(c.Writer, c.Request)

	c.Writer.Header().Set("Access-Control-Allow-Origin", "*")

	ctx, cancel := context.WithCancel(c.Request.Context())
	defer cancel()

	if err := s.registry.RegisterSender(ctx, path, n, p); err != nil {
		writeError(c.Writer, int(perrors.StatusOf(err)), errorMessage(err))
		return
	}

	rendezvous.WatchAbort(path, p, s.registry)

	c.Writer.WriteHeader(http.StatusOK)
	if f, ok := c.Writer.(http.Flusher); ok {
		f.Flush()
	}

	// Block for the lifetime of the rendezvous (pending, then streaming):
	// the sender's response body is the status channel the Pipe Engine
	// writes terminal/informational lines to, and the handler goroutine
	// must stay alive for the connection to remain open. p.Done() fires
	// once the Pipe Engine has written its terminal line; ctx.Done()
	// covers the client disconnecting first.
	select {
	case <-p.Done():
	case <-c.Request.Context().Done():
	}
}

func (s *Server) registerReceiver(c *gin.Context, path string) {
	n := receiverCount(c)
	p := rendezvous.NewParticipant(c.Writer, c.Request)

	ctx, cancel := context.WithCancel(c.Request.Context())
	defer cancel()

	if err := s.registry.RegisterReceiver(ctx, path, n, p); err != nil {
		writeError(c.Writer, int(perrors.StatusOf(err)), errorMessage(err))
		return
	}

	rendezvous.WatchAbort(path, p, s.registry)

	// Response headers/status for a receiver are written by the Pipe
	// Engine once the source is known, not here.
	select {
	case <-p.Done():
	case <-c.Request.Context().Done():
	}
}

// errorMessage returns the formatted message of a coded perrors error,
// without the "[CODE]" prefix its Error() carries; any other error renders
// as its Error().
func errorMessage(err error) string {
	if e, ok := errors.Cause(err).(*errors.Error); ok {
		return e.GetMsg()
	}
	return err.Error()
}

// writeError writes the standard "[ERROR] <msg>\n" response body used for
// every rejected request.
func writeError(w http.ResponseWriter, status int, msg string) {
	w.Header().Set("Access-Control-Allow-Origin", "*")
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(status)
	_, err := fmt.Fprintf(w, "[ERROR] %s\n", msg)
	if err != nil {
		log.Debug("failed writing error response", zap.Error(err))
	}
}

func writeCORSPreflight(w http.ResponseWriter) {
	h := w.Header()
	h.Set("Access-Control-Allow-Origin", "*")
	h.Set("Access-Control-Allow-Methods", "GET, HEAD, POST, PUT, OPTIONS")
	h.Set("Access-Control-Allow-Headers", "Content-Type, Content-Disposition")
	h.Set("Access-Control-Max-Age", "86400")
	h.Set("Content-Length", "0")
	w.WriteHeader(http.StatusOK)
}
