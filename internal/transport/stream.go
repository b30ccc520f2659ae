package transport

import (
	"context"
	"io"
	"net/http"
	"sync"
	"sync/atomic"
)

// Stream is a live response body plus its cancellation handle.
// The consumption loop that opened it owns it exclusively; Cancel may be called
// from any goroutine.
type Stream struct {
	Body       io.ReadCloser
	StatusCode int
	Header     http.Header

	cancel   context.CancelFunc
	once     sync.Once
	canceled atomic.Bool
}

// Read reads from the response body.
func (s *Stream) Read(p []byte) (int, error) {
	return s.Body.Read(p)
}

// Cancel aborts the underlying read at its next suspension point. Repeated
// calls are no-ops.
func (s *Stream) Cancel() {
	s.canceled.Store(true)
	s.release()
}

// Canceled reports whether Cancel was called.
func (s *Stream) Canceled() bool {
	return s.canceled.Load()
}

// Close releases the connection without marking the stream as canceled.
func (s *Stream) Close() error {
	s.release()
	return nil
}

func (s *Stream) release() {
	s.once.Do(func() {
		s.cancel()
		s.Body.Close()
	})
}

// OpenStream issues req and returns the streaming body of a successful response.
// The request is bound to a context of its own so the returned Stream can be
// canceled independently of ctx.
func (c *Client) OpenStream(ctx context.Context, req *Request) (*Stream, error) {
	streamCtx, cancel := context.WithCancel(ctx)

	r := *req
	r.Header = req.Header.Clone()
	if r.Header == nil {
		r.Header = http.Header{}
	}
	r.Header.Set("Accept", "text/event-stream")
	r.Header.Set("Cache-Control", "no-cache")

	resp, err := c.Send(streamCtx, &r)
	if err != nil {
		cancel()
		return nil, err
	}

	return &Stream{
		Body:       resp.Body,
		StatusCode: resp.StatusCode,
		Header:     resp.Header,
		cancel:     cancel,
	}, nil
}

// Canceler is an idempotent cancel signal that can be armed before the
// operation it guards has started.
type Canceler struct {
	once sync.Once
	done chan struct{}
}

// NewCanceler creates an unarmed Canceler.
func NewCanceler() *Canceler {
	return &Canceler{done: make(chan struct{})}
}

// Cancel fires the signal. Repeated calls are no-ops.
func (c *Canceler) Cancel() {
	c.once.Do(func() { close(c.done) })
}

// Canceled reports whether Cancel was called.
func (c *Canceler) Canceled() bool {
	select {
	case <-c.done:
		return true
	default:
		return false
	}
}

// Bind derives a context that is canceled when either ctx ends or Cancel is
// called. The returned CancelFunc must be called to release the watcher.
func (c *Canceler) Bind(ctx context.Context) (context.Context, context.CancelFunc) {
	bound, cancel := context.WithCancel(ctx)
	go func() {
		select {
		case <-c.done:
			cancel()
		case <-bound.Done():
		}
	}()
	return bound, cancel
}
