// Package router is C2: it parses inbound requests into
// {method, serviceName, apiVersion, resource.components}, matches them
// against the M1/M5/management resource tree, and posts each match as an
// event onto the single-threaded work queue (C9). The HTTP callback that
// invoked the router returns as soon as the event is posted; the actual
// handler body runs later, on the event loop goroutine. Registered handlers
// write directly to the stream's http.ResponseWriter, so Post itself
// completes the stream (httpserver.Server.Complete) once the handler
// returns, releasing serveHTTP's wait. Handlers with a suspension point of
// their own (a blocking external call that must not stall the dispatch
// worker) register with PostAsync instead and complete the stream
// themselves once their deferred result lands back on the loop.
package router

import (
	"context"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/5g-mag/rt-5gms-application-function-core/internal/eventloop"
	"github.com/5g-mag/rt-5gms-application-function-core/internal/httpserver"
	"github.com/5g-mag/rt-5gms-application-function-core/internal/logger"
)

// ParsedRequest is the {method, serviceName, apiVersion, components} tuple
// of spec.md §4.2.
type ParsedRequest struct {
	Method      string
	ServiceName string
	APIVersion  string
	Components  []string
}

// Instance concatenates the matched resource components, used as the RFC
// 7807 "instance" field.
func (p ParsedRequest) Instance() string {
	return "/" + strings.Join(append([]string{p.ServiceName, p.APIVersion}, p.Components...), "/")
}

// Parse splits an incoming request path of the form
// /<serviceName>/<apiVersion>/<components...> into a ParsedRequest.
func Parse(r *http.Request) ParsedRequest {
	trimmed := strings.Trim(r.URL.Path, "/")
	parts := strings.Split(trimmed, "/")

	parsed := ParsedRequest{Method: r.Method}
	if len(parts) > 0 {
		parsed.ServiceName = parts[0]
	}
	if len(parts) > 1 {
		parsed.APIVersion = parts[1]
	}
	if len(parts) > 2 {
		parsed.Components = parts[2:]
	}
	return parsed
}

type streamContextKey struct{}

// StreamFromContext recovers the httpserver.Stream a chi handler is serving.
func StreamFromContext(ctx context.Context) *httpserver.Stream {
	stream, _ := ctx.Value(streamContextKey{}).(*httpserver.Stream)
	return stream
}

// Router owns a single chi.Mux shared by every resource family and posts
// matched requests onto the event loop.
type Router struct {
	loop *eventloop.Loop
	mux  *chi.Mux
}

// New builds a Router posting matched work onto loop.
func New(loop *eventloop.Loop) *Router {
	return &Router{loop: loop, mux: chi.NewRouter()}
}

// Mux exposes the underlying chi router so packages building the resource
// tree (m1, m5, mgmt) can register routes with chi's URL-param syntax.
func (rt *Router) Mux() chi.Router {
	return rt.mux
}

// Handler adapts the Router to httpserver.Handler: it binds the stream into
// the request context and delegates matching to chi.
func (rt *Router) Handler() httpserver.Handler {
	return func(stream *httpserver.Stream) {
		ctx := context.WithValue(stream.Request.Context(), streamContextKey{}, stream)
		rt.mux.ServeHTTP(stream.Response, stream.Request.WithContext(ctx))
	}
}

// Post wraps an http.HandlerFunc so its body runs on the event loop instead
// of the HTTP accept goroutine. kind labels the event for logging/metrics.
// Once fn returns, the stream bound to r's context (if any) is completed so
// the waiting httpserver.Server.serveHTTP call can return.
func (rt *Router) Post(kind string, fn http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		stream := StreamFromContext(r.Context())
		rt.loop.Post(kind, func() {
			fn(w, r)
			if stream != nil {
				httpserver.ServerFromStream(stream).Complete(stream)
			}
		})
		logger.RouterLog.Debugf("%s %s queued as %q", r.Method, r.URL.Path, kind)
	}
}

// PostAsync wraps a handler that itself suspends past the initial event-loop
// dispatch (the certmgr subprocess call is the one that does today): unlike
// Post, it does not complete the stream when fn returns. fn is expected to
// hand its blocking work to its own goroutine, Post the result back onto the
// event loop, and complete the stream itself from there, so the dispatch
// worker is never blocked waiting on it.
func (rt *Router) PostAsync(kind string, fn http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		rt.loop.Post(kind, func() { fn(w, r) })
		logger.RouterLog.Debugf("%s %s queued as %q (async)", r.Method, r.URL.Path, kind)
	}
}
