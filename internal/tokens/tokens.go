// Package tokens provides token counting for answer text when the server
// does not report a count.
package tokens

import (
	"fmt"
	"log/slog"
	"sync"

	"github.com/tiktoken-go/tokenizer"
)

// DefaultEncoding is the encoding used for answer text.
const DefaultEncoding = tokenizer.Cl100kBase

// TextCounter counts the tokens in a string.
type TextCounter interface {
	CountText(text string) (int, error)
}

// TiktokenCounter counts tokens with a tiktoken encoding.
type TiktokenCounter struct {
	encoding tokenizer.Encoding

	// codec is loaded on first use.
	codec   tokenizer.Codec
	codecMu sync.Mutex
}

// NewTiktokenCounter creates a counter for encoding. An empty encoding selects DefaultEncoding.
func NewTiktokenCounter(encoding tokenizer.Encoding) *TiktokenCounter {
	if encoding == "" {
		encoding = DefaultEncoding
	}
	return &TiktokenCounter{encoding: encoding}
}

func (c *TiktokenCounter) getCodec() (tokenizer.Codec, error) {
	c.codecMu.Lock()
	defer c.codecMu.Unlock()

	if c.codec != nil {
		return c.codec, nil
	}
	codec, err := tokenizer.Get(c.encoding)
	if err != nil {
		return nil, fmt.Errorf("failed to get tokenizer encoding: %w", err)
	}
	c.codec = codec
	return codec, nil
}

// CountText counts tokens for a plain text string.
func (c *TiktokenCounter) CountText(text string) (int, error) {
	codec, err := c.getCodec()
	if err != nil {
		return 0, err
	}
	ids, _, err := codec.Encode(text)
	if err != nil {
		return 0, err
	}
	return len(ids), nil
}

// Estimator provides token count estimation based on character count.
// This is a fallback when no tokenizer is available.
type Estimator struct {
	// CharsPerToken is the average characters per token (default: 4)
	CharsPerToken float64
}

// NewEstimator creates a new token estimator.
func NewEstimator() *Estimator {
	return &Estimator{
		CharsPerToken: 4.0,
	}
}

// CountText estimates the token count of text. It never fails.
func (e *Estimator) CountText(text string) (int, error) {
	if text == "" {
		return 0, nil
	}
	n := int(float64(len(text)) / e.CharsPerToken)
	if n == 0 {
		n = 1
	}
	return n, nil
}

// Counter tries its primary counter and falls back to the estimator.
type Counter struct {
	primary  TextCounter
	fallback TextCounter
	logger   *slog.Logger
}

// NewCounter creates a counter backed by tiktoken with the estimator as fallback.
func NewCounter(logger *slog.Logger) *Counter {
	if logger == nil {
		logger = slog.Default()
	}
	return &Counter{
		primary:  NewTiktokenCounter(DefaultEncoding),
		fallback: NewEstimator(),
		logger:   logger,
	}
}

// NewCounterWith creates a counter from explicit primary and fallback counters.
func NewCounterWith(primary, fallback TextCounter, logger *slog.Logger) *Counter {
	if logger == nil {
		logger = slog.Default()
	}
	return &Counter{primary: primary, fallback: fallback, logger: logger}
}

// Count returns the token count of text.
func (c *Counter) Count(text string) int {
	if c.primary != nil {
		n, err := c.primary.CountText(text)
		if err == nil {
			return n
		}
		c.logger.Debug("tokenizer unavailable, estimating", slog.String("error", err.Error()))
	}
	if c.fallback != nil {
		n, _ := c.fallback.CountText(text)
		return n
	}
	return 0
}
