package progress

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/tjfontaine/raris-stream/internal/domain"
	"github.com/tjfontaine/raris-stream/internal/sse"
	"github.com/tjfontaine/raris-stream/internal/telemetry"
	"github.com/tjfontaine/raris-stream/internal/transport"
)

// State is the lifecycle state of a Session.
type State int32

const (
	StateConnecting State = iota
	StateOpen
	StateClosed
	StateErrored
)

func (s State) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateOpen:
		return "open"
	case StateClosed:
		return "closed"
	case StateErrored:
		return "errored"
	}
	return "unknown"
}

// Terminal reports whether no further events can be applied in state s.
func (s State) Terminal() bool {
	return s == StateClosed || s == StateErrored
}

// Opener opens a streaming request. *transport.Client satisfies it.
type Opener interface {
	OpenStream(ctx context.Context, req *transport.Request) (*transport.Stream, error)
}

// ErrAlreadyRun is returned when Run is called a second time.
var ErrAlreadyRun = errors.New("progress: session already run")

// Option configures a Session.
type Option func(*Session)

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(s *Session) {
		if logger != nil {
			s.logger = logger
		}
	}
}

// WithOnEvent registers a callback invoked after each event is appended.
func WithOnEvent(fn func(Event)) Option {
	return func(s *Session) {
		s.onEvent = fn
	}
}

// WithOnSnapshot registers a callback invoked with the re-derived snapshot
// after each applied event.
func WithOnSnapshot(fn func(Snapshot)) Option {
	return func(s *Session) {
		s.onSnapshot = fn
	}
}

// WithMaxLineBytes sets the decoder line limit.
func WithMaxLineBytes(n int) Option {
	return func(s *Session) {
		s.maxLine = n
	}
}

// WithReadBuffer sets the read chunk size.
func WithReadBuffer(n int) Option {
	return func(s *Session) {
		s.readBuf = n
	}
}

// WithID overrides the generated session id.
func WithID(id string) Option {
	return func(s *Session) {
		if id != "" {
			s.ID = id
		}
	}
}

// Session is one push-channel connection and the event log folded from it.
//
// The event log is owned by the goroutine running Run: Apply, Snapshot and
// Events must be called from that goroutine (including from the OnEvent and
// OnSnapshot callbacks) or after Run has returned. State, Err and Disconnect
// are safe from any goroutine.
type Session struct {
	ID  string
	URL string

	opener     Opener
	logger     *slog.Logger
	onEvent    func(Event)
	onSnapshot func(Snapshot)
	maxLine    int
	readBuf    int
	canceler   *transport.Canceler
	started    atomic.Bool

	state atomic.Int32
	mu    sync.Mutex
	err   error

	log     []Event
	lastSeq uint64
	seen    map[string]struct{}
}

// NewSession creates a session for the push channel at url. Nothing is
// opened until Run.
func NewSession(opener Opener, url string, opts ...Option) *Session {
	s := &Session{
		ID:       uuid.NewString(),
		URL:      url,
		opener:   opener,
		logger:   slog.Default(),
		canceler: transport.NewCanceler(),
		seen:     make(map[string]struct{}),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.logger = s.logger.With(slog.String("session_id", s.ID))
	return s
}

// State returns the current lifecycle state.
func (s *Session) State() State {
	return State(s.state.Load())
}

// Err returns the failure that moved the session to Errored, if any.
func (s *Session) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

// Disconnect asks Run to stop at its next read. It may be called before Run,
// and more than once. A disconnected session ends Closed, not Errored.
func (s *Session) Disconnect() {
	s.canceler.Cancel()
}

// Snapshot derives the current pipeline snapshot from the event log.
func (s *Session) Snapshot() Snapshot {
	return Derive(s.log)
}

// Events returns a copy of the event log.
func (s *Session) Events() []Event {
	out := make([]Event, len(s.log))
	copy(out, s.log)
	return out
}

// Apply appends ev to the log. It returns false when the session is already
// terminal or ev carries an id that was applied before. Applying the
// complete sentinel closes the session.
func (s *Session) Apply(ev Event) bool {
	if s.State().Terminal() {
		return false
	}
	if ev.ID != "" {
		if _, dup := s.seen[ev.ID]; dup {
			s.logger.Debug("dropping duplicate event", slog.String("event_id", ev.ID))
			return false
		}
		s.seen[ev.ID] = struct{}{}
	}

	s.lastSeq++
	ev.Seq = s.lastSeq
	if ev.ReceivedAt.IsZero() {
		ev.ReceivedAt = time.Now()
	}
	s.log = append(s.log, ev)

	if ev.Stage == StageComplete {
		s.state.Store(int32(StateClosed))
	}

	if s.onEvent != nil {
		s.onEvent(ev)
	}
	if s.onSnapshot != nil {
		s.onSnapshot(Derive(s.log))
	}
	return true
}

// Run opens the push channel and applies its events until a terminal event,
// an explicit error event, a transport failure, end of stream or Disconnect.
//
// It returns nil when the session closed normally (complete event or
// Disconnect), ctx's error when ctx ended, a stream_error for an explicit
// error event, incomplete_stream when the channel closed without a complete
// event, and transport_failure for a failed read. Events applied before a
// failure remain in the log.
func (s *Session) Run(ctx context.Context) error {
	if !s.started.CompareAndSwap(false, true) {
		return ErrAlreadyRun
	}

	ctx, span := telemetry.Tracer().Start(ctx, "progress.Session.Run",
		trace.WithAttributes(
			attribute.String("raris.session_id", s.ID),
			attribute.String("raris.stream_url", s.URL),
		))
	defer span.End()

	err := s.run(ctx)

	span.SetAttributes(
		attribute.String("raris.session_state", s.State().String()),
		attribute.Int("raris.events", len(s.log)),
	)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	return err
}

func (s *Session) run(parent context.Context) error {
	if s.canceler.Canceled() {
		return s.close("disconnected before open")
	}

	ctx, release := s.canceler.Bind(parent)
	defer release()

	stream, err := s.opener.OpenStream(ctx, &transport.Request{Method: http.MethodGet, Path: s.URL})
	if err != nil {
		if s.canceler.Canceled() {
			return s.close("disconnected while connecting")
		}
		if parent.Err() != nil {
			s.close("context ended while connecting")
			return parent.Err()
		}
		return s.fail(err)
	}
	defer stream.Close()

	s.state.Store(int32(StateOpen))
	s.logger.Info("progress stream open", slog.String("url", s.URL))

	var (
		streamErr error
		terminal  bool
	)
	dec := sse.NewDecoder(sse.WithMaxLineBytes(s.maxLine), sse.WithLogger(s.logger))
	readErr := sse.Pump(ctx, stream, dec, s.readBuf, func(f sse.Frame) bool {
		if s.canceler.Canceled() {
			return false
		}
		d, err := Decode(f)
		if err != nil {
			s.logger.Debug("dropping malformed event",
				slog.String("event", f.Event),
				slog.String("reason", err.Error()),
				slog.Int("bytes", len(f.Data)))
			return true
		}
		if d.Kind == KindError {
			streamErr = domain.NewError(domain.ErrorKindStream, d.Message)
			return false
		}
		d.Event.ID = f.ID
		if s.Apply(d.Event) && d.Kind == KindComplete {
			terminal = true
			return false
		}
		return true
	})

	switch {
	case streamErr != nil:
		return s.fail(streamErr)
	case terminal:
		s.logger.Info("progress stream complete",
			slog.Uint64("events", s.lastSeq),
			slog.String("manifest_id", s.Snapshot().Summary.ManifestID()))
		return nil
	case s.canceler.Canceled():
		return s.close("disconnected")
	case parent.Err() != nil:
		s.close("context ended")
		return parent.Err()
	case readErr != nil:
		return s.fail(domain.ErrTransport("stream read failed", readErr))
	default:
		return s.fail(domain.ErrIncomplete("stream closed before completion"))
	}
}

func (s *Session) close(reason string) error {
	s.state.Store(int32(StateClosed))
	s.logger.Info("progress stream closed", slog.String("reason", reason))
	return nil
}

func (s *Session) fail(err error) error {
	s.mu.Lock()
	s.err = err
	s.mu.Unlock()
	s.state.Store(int32(StateErrored))
	s.logger.Error("progress stream failed",
		slog.String("kind", string(domain.KindOf(err))),
		slog.String("error", err.Error()))
	return err
}
