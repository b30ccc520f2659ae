package transport

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/tjfontaine/raris-stream/internal/domain"
)

// recordingSleep captures requested delays without waiting.
type recordingSleep struct {
	mu     sync.Mutex
	delays []time.Duration
}

func (r *recordingSleep) sleep(ctx context.Context, d time.Duration) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.delays = append(r.delays, d)
	return ctx.Err()
}

func TestClient_ThrottleThenSuccessRetriesOnce(t *testing.T) {
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if hits.Add(1) == 1 {
			w.Header().Set("Retry-After", "5")
			w.WriteHeader(http.StatusTooManyRequests)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = io.WriteString(w, `{"total_documents":12}`)
	}))
	defer srv.Close()

	rec := &recordingSleep{}
	c := NewClient(srv.URL, WithSleep(rec.sleep))

	var out struct {
		TotalDocuments int `json:"total_documents"`
	}
	if err := c.Get(context.Background(), "/corpus/stats", &out); err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	if out.TotalDocuments != 12 {
		t.Fatalf("total_documents = %d, want 12", out.TotalDocuments)
	}
	if got := hits.Load(); got != 2 {
		t.Fatalf("server hits = %d, want 2", got)
	}
	if len(rec.delays) != 1 || rec.delays[0] != 5*time.Second {
		t.Fatalf("delays = %v, want [5s]", rec.delays)
	}
}

func TestClient_ThrottleTwiceSurfacesExhausted(t *testing.T) {
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		w.WriteHeader(http.StatusTooManyRequests)
		_, _ = io.WriteString(w, `{"detail":"Rate limit exceeded"}`)
	}))
	defer srv.Close()

	rec := &recordingSleep{}
	c := NewClient(srv.URL, WithSleep(rec.sleep))

	err := c.Post(context.Background(), "/query", map[string]any{"query": "x"}, nil)
	if !errors.Is(err, domain.ErrThrottledExhausted) {
		t.Fatalf("error = %v, want ThrottledExhausted", err)
	}
	if got := domain.DetailOf(err); got != "Rate limit exceeded" {
		t.Fatalf("detail = %q", got)
	}
	if got := hits.Load(); got != 2 {
		t.Fatalf("server hits = %d, want exactly 2 (no third attempt)", got)
	}
	if len(rec.delays) != 1 || rec.delays[0] != DefaultRetryDelay {
		t.Fatalf("delays = %v, want [%v]", rec.delays, DefaultRetryDelay)
	}
}

func TestClient_RetryAfterParsing(t *testing.T) {
	tests := []struct {
		name   string
		header string
		max    time.Duration
		want   time.Duration
	}{
		{"absent", "", 0, 2 * time.Second},
		{"seconds", "7", 0, 7 * time.Second},
		{"zero", "0", 0, 0},
		{"http date ignored", "Wed, 21 Oct 2015 07:28:00 GMT", 0, 2 * time.Second},
		{"negative ignored", "-4", 0, 2 * time.Second},
		{"capped", "600", time.Minute, time.Minute},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := NewClient("http://raris.test", WithRetryDelay(0, tt.max))
			resp := &http.Response{Header: http.Header{}}
			if tt.header != "" {
				resp.Header.Set("Retry-After", tt.header)
			}
			if got := c.retryAfter(resp); got != tt.want {
				t.Fatalf("retryAfter = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestClient_InjectsCredentialHeader(t *testing.T) {
	var gotKey, gotType string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotKey = r.Header.Get("X-API-Key")
		gotType = r.Header.Get("Content-Type")
		_, _ = io.WriteString(w, `{}`)
	}))
	defer srv.Close()

	c := NewClient(srv.URL, WithAPIKey("raris_secret"))
	if err := c.Get(context.Background(), "/health", nil); err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	if gotKey != "raris_secret" {
		t.Fatalf("X-API-Key = %q", gotKey)
	}
	if gotType != "application/json" {
		t.Fatalf("Content-Type = %q", gotType)
	}

	// No credential configured: header absent.
	gotKey = "unset"
	c = NewClient(srv.URL)
	if err := c.Get(context.Background(), "/health", nil); err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	if gotKey != "" {
		t.Fatalf("X-API-Key = %q, want empty", gotKey)
	}
}

func TestClient_ErrorDetail(t *testing.T) {
	tests := []struct {
		name   string
		status int
		body   string
		want   string
	}{
		{"string detail", http.StatusNotFound, `{"detail":"Manifest not found"}`, "Manifest not found"},
		{"structured detail", http.StatusUnprocessableEntity, `{"detail":[{"loc":["body","query"],"msg":"field required"}]}`, `[{"loc":["body","query"],"msg":"field required"}]`},
		{"message field", http.StatusBadRequest, `{"message":"bad depth"}`, "bad depth"},
		{"unparseable body", http.StatusBadGateway, `<html>upstream</html>`, "Bad Gateway"},
		{"empty body", http.StatusInternalServerError, ``, "Internal Server Error"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tt.status)
				_, _ = io.WriteString(w, tt.body)
			}))
			defer srv.Close()

			err := NewClient(srv.URL).Get(context.Background(), "/x", nil)
			var apiErr *domain.Error
			if !errors.As(err, &apiErr) {
				t.Fatalf("error = %v, want *domain.Error", err)
			}
			if apiErr.Kind != domain.ErrorKindAPI || apiErr.StatusCode != tt.status {
				t.Fatalf("kind/status = %s/%d", apiErr.Kind, apiErr.StatusCode)
			}
			if apiErr.Detail != tt.want {
				t.Fatalf("detail = %q, want %q", apiErr.Detail, tt.want)
			}
		})
	}
}

func TestClient_TransportFailure(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	url := srv.URL
	srv.Close()

	err := NewClient(url).Get(context.Background(), "/x", nil)
	if !errors.Is(err, domain.ErrTransportFailure) {
		t.Fatalf("error = %v, want TransportFailure", err)
	}
}

func TestClient_InvalidRequestIsTyped(t *testing.T) {
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
	}))
	defer srv.Close()
	c := NewClient(srv.URL)

	tests := []struct {
		name string
		call func() error
	}{
		{
			name: "unencodable body",
			call: func() error {
				return c.Post(context.Background(), "/query", map[string]any{"f": func() {}}, nil)
			},
		},
		{
			name: "invalid method",
			call: func() error {
				return c.Do(context.Background(), &Request{Method: "BAD METHOD", Path: "/query"}, nil)
			},
		},
		{
			name: "invalid reference",
			call: func() error {
				_, err := c.ResolveReference("http://[::1")
				return err
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.call()
			if !errors.Is(err, domain.ErrInvalidRequest) {
				t.Fatalf("error = %v, want InvalidRequest", err)
			}
			var derr *domain.Error
			if !errors.As(err, &derr) || derr.Err == nil {
				t.Fatalf("error %v does not carry its cause", err)
			}
		})
	}

	if n := hits.Load(); n != 0 {
		t.Fatalf("server hit %d times, want 0", n)
	}
}

func TestClient_URLResolution(t *testing.T) {
	c := NewClient("http://raris.test/api/")

	if got := c.URL("/query/stream"); got != "http://raris.test/api/query/stream" {
		t.Errorf("URL = %q", got)
	}
	if got := c.URL("corpus/stats"); got != "http://raris.test/api/corpus/stats" {
		t.Errorf("URL = %q", got)
	}
	if got := c.URL("https://other.test/x"); got != "https://other.test/x" {
		t.Errorf("URL = %q", got)
	}

	got, err := c.ResolveReference("/api/manifests/m-1/stream")
	if err != nil {
		t.Fatalf("ResolveReference() error = %v", err)
	}
	if got != "http://raris.test/api/manifests/m-1/stream" {
		t.Errorf("ResolveReference = %q", got)
	}
}

func TestOpenStream_CancelIsIdempotent(t *testing.T) {
	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Accept") != "text/event-stream" {
			t.Errorf("Accept = %q", r.Header.Get("Accept"))
		}
		w.Header().Set("Content-Type", "text/event-stream")
		w.WriteHeader(http.StatusOK)
		w.(http.Flusher).Flush()
		select {
		case <-r.Context().Done():
		case <-release:
		}
	}))
	defer srv.Close()
	defer close(release)

	s, err := NewClient(srv.URL).OpenStream(context.Background(), &Request{Method: http.MethodGet, Path: "/stream"})
	if err != nil {
		t.Fatalf("OpenStream() error = %v", err)
	}

	done := make(chan error, 1)
	go func() {
		_, err := io.ReadAll(s)
		done <- err
	}()

	s.Cancel()
	s.Cancel()

	select {
	case err := <-done:
		if err == nil {
			t.Fatalf("read after cancel returned nil error")
		}
	case <-time.After(5 * time.Second):
		t.Fatalf("read did not unblock after Cancel")
	}
	if !s.Canceled() {
		t.Fatalf("Canceled() = false")
	}
	if err := s.Close(); err != nil {
		t.Fatalf("Close() after Cancel = %v", err)
	}
}

func TestOpenStream_ErrorStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
		_, _ = io.WriteString(w, `{"detail":"Stream not found"}`)
	}))
	defer srv.Close()

	_, err := NewClient(srv.URL).OpenStream(context.Background(), &Request{Path: "/manifests/x/stream"})
	if !errors.Is(err, domain.ErrAPI) || domain.DetailOf(err) != "Stream not found" {
		t.Fatalf("error = %v", err)
	}
}

func TestCanceler(t *testing.T) {
	c := NewCanceler()
	ctx, cancel := c.Bind(context.Background())
	defer cancel()

	if c.Canceled() {
		t.Fatalf("fresh Canceler reports canceled")
	}
	c.Cancel()
	c.Cancel()

	select {
	case <-ctx.Done():
	case <-time.After(5 * time.Second):
		t.Fatalf("bound context not canceled")
	}
	if !c.Canceled() {
		t.Fatalf("Canceled() = false after Cancel")
	}
}
