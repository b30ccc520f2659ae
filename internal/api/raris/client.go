// Package raris is the RARIS API surface used by the CLI: discovery runs with
// their progress channel, streamed and synchronous queries, citation lookup
// and corpus statistics.
package raris

import (
	"context"
	"fmt"
	"log/slog"
	"net/url"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/tjfontaine/raris-stream/internal/answer"
	"github.com/tjfontaine/raris-stream/internal/domain"
	"github.com/tjfontaine/raris-stream/internal/progress"
	"github.com/tjfontaine/raris-stream/internal/transport"
)

const defaultTimeout = 30 * time.Second

// ClientOption configures the client.
type ClientOption func(*Client)

// WithLogger sets the logger passed to sessions and reconcilers.
func WithLogger(logger *slog.Logger) ClientOption {
	return func(c *Client) {
		if logger != nil {
			c.logger = logger
		}
	}
}

// WithTimeout bounds non-streaming calls. Zero disables the bound.
func WithTimeout(d time.Duration) ClientOption {
	return func(c *Client) {
		c.timeout = d
	}
}

// WithSessionOptions adds options applied to every discovery session.
func WithSessionOptions(opts ...progress.Option) ClientOption {
	return func(c *Client) {
		c.sessionOpts = append(c.sessionOpts, opts...)
	}
}

// WithAnswerOptions adds options applied to every answer reconciler.
func WithAnswerOptions(opts ...answer.Option) ClientOption {
	return func(c *Client) {
		c.answerOpts = append(c.answerOpts, opts...)
	}
}

// Client is the RARIS API client.
type Client struct {
	transport   *transport.Client
	logger      *slog.Logger
	timeout     time.Duration
	sessionOpts []progress.Option
	answerOpts  []answer.Option
}

// NewClient creates a client over t.
func NewClient(t *transport.Client, opts ...ClientOption) *Client {
	c := &Client{
		transport: t,
		logger:    slog.Default(),
		timeout:   defaultTimeout,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

func (c *Client) bounded(ctx context.Context) (context.Context, context.CancelFunc) {
	if c.timeout <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, c.timeout)
}

// StartDiscovery starts a manifest generation run.
func (c *Client) StartDiscovery(ctx context.Context, req *GenerateRequest) (*GenerateResponse, error) {
	ctx, cancel := c.bounded(ctx)
	defer cancel()

	var resp GenerateResponse
	if err := c.transport.Post(ctx, "/manifests/generate", req, &resp); err != nil {
		return nil, err
	}
	if resp.StreamURL == "" {
		resp.StreamURL = StreamPath(resp.ManifestID)
	}
	return &resp, nil
}

// StreamPath returns the push channel of a run as a reference relative to
// the API base URL.
func StreamPath(manifestID string) string {
	return "manifests/" + url.PathEscape(manifestID) + "/stream"
}

// NewDiscoverySession creates a session for a run's stream URL, as returned
// by StartDiscovery. The caller runs it.
func (c *Client) NewDiscoverySession(streamURL string, opts ...progress.Option) (*progress.Session, error) {
	u, err := c.transport.ResolveReference(streamURL)
	if err != nil {
		return nil, err
	}
	all := append([]progress.Option{progress.WithLogger(c.logger)}, c.sessionOpts...)
	return progress.NewSession(c.transport, u, append(all, opts...)...), nil
}

// WatchDiscovery follows a run's push channel to its end and returns the
// final snapshot. On failure the snapshot holds everything applied before it.
func (c *Client) WatchDiscovery(ctx context.Context, streamURL string, opts ...progress.Option) (progress.Snapshot, error) {
	s, err := c.NewDiscoverySession(streamURL, opts...)
	if err != nil {
		return progress.Snapshot{}, err
	}
	err = s.Run(ctx)
	return s.Snapshot(), err
}

// Discover starts a run and watches it.
func (c *Client) Discover(ctx context.Context, req *GenerateRequest, opts ...progress.Option) (*GenerateResponse, progress.Snapshot, error) {
	resp, err := c.StartDiscovery(ctx, req)
	if err != nil {
		return nil, progress.Snapshot{}, err
	}
	c.logger.Info("discovery started",
		slog.String("manifest_id", resp.ManifestID),
		slog.String("stream_url", resp.StreamURL))
	snap, err := c.WatchDiscovery(ctx, resp.StreamURL, opts...)
	return resp, snap, err
}

// NewAnswer creates a reconciler for one streamed query. The caller runs it.
func (c *Client) NewAnswer(cb answer.Callbacks, opts ...answer.Option) *answer.Reconciler {
	all := append([]answer.Option{answer.WithLogger(c.logger)}, c.answerOpts...)
	return answer.New(c.transport, cb, append(all, opts...)...)
}

// Ask streams an answer to req and correlates its citations.
func (c *Client) Ask(ctx context.Context, req domain.QueryRequest, cb answer.Callbacks, opts ...answer.Option) (*Answer, error) {
	st, err := c.NewAnswer(cb, opts...).Run(ctx, req)
	return Correlate(st), err
}

// Query runs a synchronous query.
func (c *Client) Query(ctx context.Context, req domain.QueryRequest) (*domain.QueryResponse, error) {
	ctx, cancel := c.bounded(ctx)
	defer cancel()

	var resp domain.QueryResponse
	if err := c.transport.Post(ctx, "/query", req.Normalize(), &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// GetQuery fetches a stored query by id.
func (c *Client) GetQuery(ctx context.Context, queryID string) (*domain.QueryResponse, error) {
	ctx, cancel := c.bounded(ctx)
	defer cancel()

	var resp domain.QueryResponse
	if err := c.transport.Get(ctx, "/query/"+url.PathEscape(queryID), &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// Citation looks up a citation by chunk id.
func (c *Client) Citation(ctx context.Context, chunkID string) (*domain.Citation, error) {
	ctx, cancel := c.bounded(ctx)
	defer cancel()

	var resp domain.Citation
	if err := c.transport.Get(ctx, "/citations/"+url.PathEscape(chunkID), &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// CorpusStats returns corpus statistics.
func (c *Client) CorpusStats(ctx context.Context) (*CorpusStats, error) {
	ctx, cancel := c.bounded(ctx)
	defer cancel()

	var resp CorpusStats
	if err := c.transport.Get(ctx, "/corpus/stats", &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// Workflow watches a discovery run and streams an answer side by side, each
// on its own connection. The first failure cancels the other exchange; the
// result still carries whatever both had reconciled.
func (c *Client) Workflow(ctx context.Context, req WorkflowRequest, cb answer.Callbacks) (*WorkflowResult, error) {
	var res WorkflowResult

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		snap, err := c.WatchDiscovery(gctx, req.StreamURL)
		res.Discovery = snap
		if err != nil {
			return fmt.Errorf("discovery: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		a, err := c.Ask(gctx, req.Query, cb)
		res.Answer = a
		if err != nil {
			return fmt.Errorf("answer: %w", err)
		}
		return nil
	})

	err := g.Wait()
	return &res, err
}
