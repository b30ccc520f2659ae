package answer

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync/atomic"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/tjfontaine/raris-stream/internal/domain"
	"github.com/tjfontaine/raris-stream/internal/sse"
	"github.com/tjfontaine/raris-stream/internal/telemetry"
	"github.com/tjfontaine/raris-stream/internal/tokens"
	"github.com/tjfontaine/raris-stream/internal/transport"
)

// DefaultPath is the answer stream endpoint, relative to the API base URL.
const DefaultPath = "/query/stream"

// ErrAlreadyRun is returned when Run is called a second time.
var ErrAlreadyRun = errors.New("answer: reconciler already run")

// Opener opens a streaming request. *transport.Client satisfies it.
type Opener interface {
	OpenStream(ctx context.Context, req *transport.Request) (*transport.Stream, error)
}

// Callbacks receive the reconciler's side effects, synchronously on the
// goroutine running Run. Any field may be nil.
type Callbacks struct {
	// OnToken is called once per token fragment, in arrival order.
	OnToken func(token string)
	// OnComplete is called once with the terminal result.
	OnComplete func(result *domain.AnswerResult)
	// OnError is called at most once, for failures the caller did not initiate.
	OnError func(err error)
	// OnStatus is called for status frames.
	OnStatus func(status Status)
}

// State is the answer reconciled so far.
type State struct {
	// Text is the concatenated tokens while streaming, and the terminal
	// response once Result is set.
	Text      string
	Result    *domain.AnswerResult
	Streaming bool
	Statuses  []Status
}

// Option configures a Reconciler.
type Option func(*Reconciler)

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(r *Reconciler) {
		if logger != nil {
			r.logger = logger
		}
	}
}

// WithTokenCounter sets the counter used when the terminal payload has no token count.
func WithTokenCounter(c *tokens.Counter) Option {
	return func(r *Reconciler) {
		r.counter = c
	}
}

// WithPath overrides DefaultPath.
func WithPath(path string) Option {
	return func(r *Reconciler) {
		if path != "" {
			r.path = path
		}
	}
}

// WithMaxLineBytes sets the decoder line limit.
func WithMaxLineBytes(n int) Option {
	return func(r *Reconciler) {
		r.maxLine = n
	}
}

// WithReadBuffer sets the read chunk size.
func WithReadBuffer(n int) Option {
	return func(r *Reconciler) {
		r.readBuf = n
	}
}

// Reconciler serves exactly one answer exchange.
type Reconciler struct {
	ID string

	opener   Opener
	cb       Callbacks
	logger   *slog.Logger
	counter  *tokens.Counter
	path     string
	maxLine  int
	readBuf  int
	canceler *transport.Canceler
	started  atomic.Bool

	state State
}

// New creates a reconciler. Nothing is sent until Run.
func New(opener Opener, cb Callbacks, opts ...Option) *Reconciler {
	r := &Reconciler{
		ID:       uuid.NewString(),
		opener:   opener,
		cb:       cb,
		logger:   slog.Default(),
		path:     DefaultPath,
		canceler: transport.NewCanceler(),
	}
	for _, opt := range opts {
		opt(r)
	}
	if r.counter == nil {
		r.counter = tokens.NewCounter(r.logger)
	}
	r.logger = r.logger.With(slog.String("exchange_id", r.ID))
	return r
}

// Cancel aborts the exchange before its next frame. Neither OnComplete nor
// OnError is invoked afterwards. It may be called before Run, and more than once.
func (r *Reconciler) Cancel() {
	r.canceler.Cancel()
}

// State returns the reconciled state. Call it from a callback or after Run returns.
func (r *Reconciler) State() State {
	s := r.state
	s.Statuses = append([]Status(nil), r.state.Statuses...)
	return s
}

// Run posts req to the answer endpoint and consumes the stream until the
// terminal frame, end of stream, a failure or Cancel.
//
// On a terminal frame it returns the final state and nil. A caller-initiated
// cancellation returns an error wrapping context.Canceled and invokes no
// callback. Any other failure is reported once through OnError and returned;
// text accumulated before a mid-stream failure stays in the returned state.
func (r *Reconciler) Run(ctx context.Context, req domain.QueryRequest) (State, error) {
	if !r.started.CompareAndSwap(false, true) {
		return State{}, ErrAlreadyRun
	}
	req = req.Normalize()

	ctx, span := telemetry.Tracer().Start(ctx, "answer.Reconciler.Run",
		trace.WithAttributes(
			attribute.String("raris.exchange_id", r.ID),
			attribute.Int("raris.query_depth", req.Depth),
		))
	defer span.End()

	err := r.run(ctx, req)

	span.SetAttributes(
		attribute.Int("raris.answer_chars", len(r.state.Text)),
		attribute.Bool("raris.answer_complete", r.state.Result != nil),
	)
	if err != nil && !transport.IsCanceled(err) {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	return r.State(), err
}

func (r *Reconciler) run(parent context.Context, req domain.QueryRequest) error {
	if r.canceler.Canceled() {
		return fmt.Errorf("answer stream canceled: %w", context.Canceled)
	}

	ctx, release := r.canceler.Bind(parent)
	defer release()

	stream, err := r.opener.OpenStream(ctx, &transport.Request{
		Method: http.MethodPost,
		Path:   r.path,
		Body:   req,
	})
	if err != nil {
		if cerr := r.canceled(parent); cerr != nil {
			return cerr
		}
		return r.fail(err)
	}
	defer stream.Close()

	r.state.Streaming = true

	var lastErrorStatus string
	dec := sse.NewDecoder(sse.WithMaxLineBytes(r.maxLine), sse.WithLogger(r.logger))
	readErr := sse.Pump(ctx, stream, dec, r.readBuf, func(f sse.Frame) bool {
		// Frames decoded from the chunk that was in flight when Cancel fired are not applied.
		if r.canceler.Canceled() {
			return false
		}
		fr, err := ParseFrame(f)
		if err != nil {
			r.logger.Debug("dropping malformed answer frame",
				slog.String("reason", err.Error()),
				slog.Int("bytes", len(f.Data)))
			return true
		}

		switch fr.Kind {
		case FrameToken:
			r.state.Text += fr.Token
			if r.cb.OnToken != nil {
				r.cb.OnToken(fr.Token)
			}
			return true

		case FrameTerminal:
			r.complete(fr.Result)
			return false

		default:
			if fr.Status.Event == "error" && fr.Status.Message != "" {
				lastErrorStatus = fr.Status.Message
			}
			r.state.Statuses = append(r.state.Statuses, *fr.Status)
			if r.cb.OnStatus != nil {
				r.cb.OnStatus(*fr.Status)
			}
			return true
		}
	})

	if r.state.Result != nil {
		return nil
	}
	r.state.Streaming = false

	if cerr := r.canceled(parent); cerr != nil {
		return cerr
	}
	if readErr != nil {
		return r.fail(domain.ErrTransport("stream read failed", readErr))
	}

	detail := "stream closed before the final answer"
	if lastErrorStatus != "" {
		detail = lastErrorStatus
	}
	return r.fail(domain.ErrIncomplete(detail))
}

// complete applies the terminal payload: the response replaces the streamed
// text and the exchange stops consuming.
func (r *Reconciler) complete(result *domain.AnswerResult) {
	if result.TokenCount == 0 && r.counter != nil {
		result.TokenCount = r.counter.Count(result.Response)
		result.TokenCountEstimated = true
	}

	r.state.Text = result.Response
	r.state.Result = result
	r.state.Streaming = false

	r.logger.Info("answer stream complete",
		slog.String("query_id", result.QueryID),
		slog.Int("citations", len(result.Citations)),
		slog.Int("token_count", result.TokenCount))

	if r.cb.OnComplete != nil {
		r.cb.OnComplete(result)
	}
}

// canceled returns a context.Canceled-wrapping error when the exchange was
// aborted by the caller, through Cancel or by canceling ctx.
func (r *Reconciler) canceled(parent context.Context) error {
	switch {
	case r.canceler.Canceled():
		r.logger.Info("answer stream canceled", slog.Int("chars", len(r.state.Text)))
		return fmt.Errorf("answer stream canceled: %w", context.Canceled)
	case errors.Is(parent.Err(), context.Canceled):
		r.logger.Info("answer stream canceled by context", slog.Int("chars", len(r.state.Text)))
		return fmt.Errorf("answer stream canceled: %w", parent.Err())
	}
	return nil
}

func (r *Reconciler) fail(err error) error {
	r.state.Streaming = false
	r.logger.Error("answer stream failed",
		slog.String("kind", string(domain.KindOf(err))),
		slog.String("error", err.Error()))
	if r.cb.OnError != nil {
		r.cb.OnError(err)
	}
	return err
}
