// Package httpserver is the dual HTTP/1.1 and HTTP/2 server abstraction
// (C1). Both backends expose the same five operations (init, finalize,
// start, stop, sendResponse) over a common Stream handle whose only shared
// field is a back-reference to the owning Server, so serverFromStream is a
// field access rather than a virtual dispatch. A stream completes either by
// SendResponse (a caller hands the server the status/body to write) or by
// Complete (a caller already wrote to stream.Response itself).
package httpserver

import (
	"context"
	"crypto/tls"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"golang.org/x/net/http2"
	"golang.org/x/net/http2/h2c"

	"github.com/5g-mag/rt-5gms-application-function-core/internal/logger"
)

// Protocol selects which backend an endpoint binds with.
type Protocol string

const (
	ProtocolHTTP1 Protocol = "http1"
	ProtocolHTTP2 Protocol = "http2"
)

// Stream is the per-request handle the router and FSMs hold. Its only
// common field is the owning Server, so serverFromStream never needs a
// dispatch table entry.
type Stream struct {
	Server *Server

	Request  *http.Request
	Response http.ResponseWriter

	done    chan struct{}
	once    sync.Once
	written bool

	watchdog *time.Timer
}

// ServerFromStream returns the Server that issued a Stream.
func ServerFromStream(s *Stream) *Server {
	return s.Server
}

// Handler processes one inbound stream. Implementations post an event onto
// the router/event-loop queue and return immediately; the HTTP callback
// that invoked Handler blocks until SendResponse, Complete, or the watchdog
// completes the stream.
type Handler func(stream *Stream)

// Server is one bound endpoint, backed by either HTTP/1.1 or HTTP/2.
type Server struct {
	Name       string
	Protocol   Protocol
	ListenAddr string
	TLSConfig  *tls.Config
	APIFamily  string // chosen Server: header family, e.g. "m1", "m5"
	ServerName string // configured serverName, for the Server: header
	APIRelease string

	WatchdogTimeout time.Duration

	handler Handler

	httpServer *http.Server
	listener   net.Listener

	mu        sync.Mutex
	started   bool
	boundAddr string
}

// Addr returns the address the listener actually bound to (useful when
// ListenAddr requests an OS-assigned port via ":0"). Empty until Start
// succeeds.
func (s *Server) Addr() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.boundAddr
}

// Init constructs the underlying net/http server with the chosen backend
// wired in but does not start listening.
func (s *Server) Init(handler Handler) {
	s.handler = handler

	mux := http.NewServeMux()
	mux.HandleFunc("/", s.serveHTTP)

	var rootHandler http.Handler = mux
	if s.Protocol == ProtocolHTTP2 && s.TLSConfig == nil {
		h2s := &http2.Server{}
		rootHandler = h2c.NewHandler(mux, h2s)
	}

	s.httpServer = &http.Server{
		Addr:    s.ListenAddr,
		Handler: rootHandler,
	}

	if s.Protocol == ProtocolHTTP2 && s.TLSConfig != nil {
		s.httpServer.TLSConfig = s.TLSConfig
		_ = http2.ConfigureServer(s.httpServer, &http2.Server{})
	}
}

// Finalize releases resources allocated by Init. It is idempotent.
func (s *Server) Finalize() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.httpServer = nil
	s.listener = nil
}

// Start begins listening. It returns once the listener is bound; serving
// happens on a background goroutine.
func (s *Server) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.started {
		return nil
	}

	listener, err := net.Listen("tcp", s.ListenAddr)
	if err != nil {
		return fmt.Errorf("bind %s endpoint %s: %w", s.Name, s.ListenAddr, err)
	}
	s.listener = listener
	s.started = true
	s.boundAddr = listener.Addr().String()

	go func() {
		var serveErr error
		if s.TLSConfig != nil {
			serveErr = s.httpServer.ServeTLS(listener, "", "")
		} else {
			serveErr = s.httpServer.Serve(listener)
		}
		if serveErr != nil && serveErr != http.ErrServerClosed {
			logger.HTTPLog.Errorf("endpoint %s serve error: %v", s.Name, serveErr)
		}
	}()

	logger.HTTPLog.Infof("endpoint %s listening on %s (%s)", s.Name, s.ListenAddr, s.Protocol)
	return nil
}

// Stop gracefully shuts the endpoint down, waiting until ctx is done.
func (s *Server) Stop(ctx context.Context) error {
	s.mu.Lock()
	httpServer := s.httpServer
	s.started = false
	s.mu.Unlock()

	if httpServer == nil {
		return nil
	}
	return httpServer.Shutdown(ctx)
}

// serveHTTP is the net/http entrypoint shared by both backends; it builds a
// Stream, starts the session watchdog, and dispatches to the configured
// Handler.
func (s *Server) serveHTTP(w http.ResponseWriter, r *http.Request) {
	stream := &Stream{
		Server:   s,
		Request:  r,
		Response: w,
		done:     make(chan struct{}),
	}

	watchdogTimeout := s.WatchdogTimeout
	if watchdogTimeout <= 0 {
		watchdogTimeout = 30 * time.Second
	}
	stream.watchdog = time.AfterFunc(watchdogTimeout, func() {
		stream.once.Do(func() {
			w.Header().Set("Connection", "close")
			http.Error(w, "request watchdog expired", http.StatusServiceUnavailable)
			close(stream.done)
		})
	})

	s.withServerHeader(w)
	s.handler(stream)
	<-stream.done
}

// SendResponse writes status and body to the stream exactly once; any call
// after the watchdog has already fired a 503 or after a prior SendResponse
// is a silent no-op, matching spec.md §4.1's discard-late-writes rule.
func (s *Server) SendResponse(stream *Stream, status int, contentType string, body []byte) {
	stream.once.Do(func() {
		stream.watchdog.Stop()
		if contentType != "" {
			stream.Response.Header().Set("Content-Type", contentType)
		}
		stream.Response.WriteHeader(status)
		if len(body) > 0 {
			_, _ = stream.Response.Write(body)
		}
		stream.written = true
		close(stream.done)
	})
}

// Complete releases a stream whose handler already wrote its response
// directly to stream.Response (the common case: chi handlers write to the
// raw http.ResponseWriter rather than going through SendResponse). It is a
// no-op if the watchdog already fired or the stream was already completed.
func (s *Server) Complete(stream *Stream) {
	stream.once.Do(func() {
		stream.watchdog.Stop()
		close(stream.done)
	})
}

// withServerHeader sets the Server: header using the endpoint's configured
// API family. The same family is used for every request on the endpoint;
// there is no per-request override.
func (s *Server) withServerHeader(w http.ResponseWriter) {
	w.Header().Set("Server", s.ServerHeader(s.APIFamily))
}

// ServerHeader composes the Server: header for a resource family, per
// original_source's nf_server_new_response: the API info block selected by
// an interface tag, then this binary's own name/version.
func (s *Server) ServerHeader(family string) string {
	info := apiInfoBlock(family)
	host := s.ServerName
	return fmt.Sprintf("5GMSdAF-%s/%s (%s) dccfaf/1.0", host, s.APIRelease, info)
}

// apiInfoBlock returns the "info.title=...; info.version=..." fragment for
// a resource family tag, mirroring the source's per-interface info blocks.
func apiInfoBlock(family string) string {
	switch family {
	case "m1 provisioningSession":
		return "info.title=TS26512_M1_ProvisioningSessions; info.version=2.3.0"
	case "m1 contentHostingConfiguration":
		return "info.title=TS26512_M1_ContentHostingConfiguration; info.version=2.3.0"
	case "m1 certificates":
		return "info.title=TS26512_M1_ServerCertificatesProvisioning; info.version=2.2.0"
	case "m1 policyTemplates":
		return "info.title=TS26512_M1_PolicyTemplates; info.version=1.1.0"
	case "m5":
		return "info.title=TS26512_M5_ServiceAccessInformation; info.version=2.2.0"
	case "management":
		return "info.title=5GMAG_RT_Management; info.version=1.0.0"
	default:
		return "info.title=TS26512_Common; info.version=2.3.0"
	}
}
