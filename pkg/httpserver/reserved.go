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

package httpserver

import (
	"bytes"
	"net/http"
	"strings"
	"text/template"

	"github.com/gin-gonic/gin"
)

// indexTemplate and helpTemplate are rendered inline rather than served from
// asset files, keeping the repository's static content dependency-free.
var (
	indexTemplate = template.Must(template.New("index").Parse(indexHTML))
	helpTemplate  = template.Must(template.New("help").Parse(helpText))
)

const indexHTML = `<!DOCTYPE html>
<html>
<head><title>custompip</title></head>
<body>
<h1>custompip</h1>
<p>PUT or POST a body to any path to send it; GET the same path from one or
more receivers to pipe it through.</p>
<p>See <a href="/help">/help</a> for usage.</p>
</body>
</html>
`

const helpText = `custompip - stream a request body to N receivers on the same path.

Usage:
  Send:    curl -T myfile {{.Scheme}}://{{.Host}}/mypath123
  Receive: curl {{.Scheme}}://{{.Host}}/mypath123

Pass ?n=<count> to either side to declare how many receivers the transfer
waits for (default 1).
`

type helpData struct {
	Scheme string
	Host   string
}

// serveReserved answers a GET against one of the reserved static paths.
func (s *Server) serveReserved(c *gin.Context, path string) {
	switch path {
	case "/":
		s.serveIndex(c)
	case "/version":
		s.serveVersion(c)
	case "/help":
		s.serveHelp(c)
	case "/favicon.ico":
		c.Writer.WriteHeader(http.StatusNoContent)
	case "/robots.txt":
		c.Writer.WriteHeader(http.StatusNotFound)
	}
}

func (s *Server) serveIndex(c *gin.Context) {
	var buf bytes.Buffer
	if err := indexTemplate.Execute(&buf, nil); err != nil {
		c.Writer.WriteHeader(http.StatusInternalServerError)
		return
	}
	writeStatic(c.Writer, http.StatusOK, "text/html; charset=utf-8", buf.Bytes())
}

func (s *Server) serveVersion(c *gin.Context) {
	body := ServerVersion + "\n"
	writeStatic(c.Writer, http.StatusOK, "text/plain; charset=utf-8", []byte(body))
}

// serveHelp generates help text from the request's scheme and host: scheme
// is https if the listener is HTTPS or the x-forwarded-proto header
// contains https; host falls back to the literal "hostname" when the
// request carries none.
func (s *Server) serveHelp(c *gin.Context) {
	scheme := "http"
	if s.isHTTPS || strings.Contains(c.GetHeader("x-forwarded-proto"), "https") {
		scheme = "https"
	}
	host := c.Request.Host
	if host == "" {
		host = "hostname"
	}

	var buf bytes.Buffer
	data := helpData{Scheme: scheme, Host: host}
	if err := helpTemplate.Execute(&buf, data); err != nil {
		c.Writer.WriteHeader(http.StatusInternalServerError)
		return
	}
	writeStatic(c.Writer, http.StatusOK, "text/plain; charset=utf-8", buf.Bytes())
}

func writeStatic(w http.ResponseWriter, status int, contentType string, body []byte) {
	h := w.Header()
	h.Set("Access-Control-Allow-Origin", "*")
	h.Set("Content-Type", contentType)
	w.WriteHeader(status)
	_, _ = w.Write(body)
}
