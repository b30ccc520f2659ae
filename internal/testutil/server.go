// Package testutil provides HTTP fixtures for stream and REST tests.
package testutil

import (
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"github.com/go-chi/chi/v5"
)

// Event is one server-sent event written by a fake server.
type Event struct {
	Name string
	ID   string
	Data string
}

// String renders the event in wire form, terminated by a blank line.
func (e Event) String() string {
	var b strings.Builder
	if e.Name != "" {
		fmt.Fprintf(&b, "event: %s\n", e.Name)
	}
	if e.ID != "" {
		fmt.Fprintf(&b, "id: %s\n", e.ID)
	}
	fmt.Fprintf(&b, "data: %s\n\n", e.Data)
	return b.String()
}

// Data returns an unnamed data-only event, the shape of the answer channel.
func Data(payload string) Event {
	return Event{Data: payload}
}

// Server is a chi-routed httptest server that records request counts.
type Server struct {
	*httptest.Server
	Router chi.Router

	release chan struct{}
	mu      sync.Mutex
	hits    map[string]int
}

// NewServer starts a fake RARIS server. routes registers handlers on the
// router. The server is closed when the test ends; held streams are released
// first so Close does not wait on them.
func NewServer(t testing.TB, routes func(s *Server)) *Server {
	t.Helper()

	s := &Server{
		Router:  chi.NewRouter(),
		release: make(chan struct{}),
		hits:    make(map[string]int),
	}
	s.Router.Use(s.count)
	routes(s)

	s.Server = httptest.NewServer(s.Router)
	t.Cleanup(s.Server.Close)
	t.Cleanup(func() { close(s.release) })
	return s
}

func (s *Server) count(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		s.mu.Lock()
		s.hits[r.Method+" "+r.URL.Path]++
		s.mu.Unlock()
		next.ServeHTTP(w, r)
	})
}

// Hits returns how many times method path was requested.
func (s *Server) Hits(method, path string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.hits[method+" "+path]
}

// Released is closed when the test ends.
func (s *Server) Released() <-chan struct{} {
	return s.release
}

// Stream returns a handler writing events one flush at a time. With hold set
// the connection stays open after the last event until the client goes away
// or the test ends.
func (s *Server) Stream(events []Event, hold bool) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		startStream(w)
		for _, e := range events {
			_, _ = io.WriteString(w, e.String())
			flush(w)
		}
		if hold {
			s.wait(r)
		}
	}
}

// Chunked returns a handler writing body in pieces of n bytes, flushing after
// each piece, so frames arrive split across reads.
func (s *Server) Chunked(body string, n int) http.HandlerFunc {
	if n <= 0 {
		n = 1
	}
	return func(w http.ResponseWriter, r *http.Request) {
		startStream(w)
		for len(body) > 0 {
			k := n
			if k > len(body) {
				k = len(body)
			}
			_, _ = io.WriteString(w, body[:k])
			flush(w)
			body = body[k:]
		}
	}
}

// Gate returns a handler that writes before, then blocks until gate is closed
// (or the client goes away) before writing after.
func (s *Server) Gate(before []Event, gate <-chan struct{}, after []Event) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		startStream(w)
		for _, e := range before {
			_, _ = io.WriteString(w, e.String())
			flush(w)
		}
		select {
		case <-gate:
		case <-r.Context().Done():
			return
		case <-s.release:
			return
		}
		for _, e := range after {
			_, _ = io.WriteString(w, e.String())
			flush(w)
		}
	}
}

// JSON returns a handler writing body with status.
func JSON(status int, body string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(status)
		_, _ = io.WriteString(w, body)
	}
}

func (s *Server) wait(r *http.Request) {
	select {
	case <-r.Context().Done():
	case <-s.release:
	}
}

func startStream(w http.ResponseWriter) {
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.WriteHeader(http.StatusOK)
	flush(w)
}

func flush(w http.ResponseWriter) {
	if f, ok := w.(http.Flusher); ok {
		f.Flush()
	}
}
