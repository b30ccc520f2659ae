// Package sse decodes server-sent event frames from a chunked byte stream.
//
// The Decoder keeps a single pending buffer across Feed calls, so a frame
// boundary never depends on where the transport split the bytes: feeding a
// stream in one chunk or in arbitrary pieces yields the same frames in the
// same order.
//
// Only "data:" lines produce frames. An "event:" line names the frames that
// follow it until the next blank line; "id:" does the same for the event id.
// Payloads that are not valid JSON are dropped, as are lines longer than the
// configured limit. A trailing line without a terminator is never emitted.
package sse

import (
	"bytes"
	"encoding/json"
	"log/slog"
)

const (
	// DefaultMaxLineBytes bounds a single line, terminator excluded.
	DefaultMaxLineBytes = 1024 * 1024

	fieldData  = "data:"
	fieldEvent = "event:"
	fieldID    = "id:"
)

// Frame is one decoded data line.
type Frame struct {
	// Event is the most recent event name in the current block, "" if none.
	Event string
	// ID is the most recent event id in the current block, "" if none.
	ID string
	// Data is the JSON payload with the field prefix stripped.
	Data json.RawMessage
}

// Option configures a Decoder.
type Option func(*Decoder)

// WithMaxLineBytes sets the line length limit.
func WithMaxLineBytes(n int) Option {
	return func(d *Decoder) {
		if n > 0 {
			d.maxLine = n
		}
	}
}

// WithLogger sets the logger used for dropped-frame diagnostics.
func WithLogger(logger *slog.Logger) Option {
	return func(d *Decoder) {
		if logger != nil {
			d.logger = logger
		}
	}
}

// Decoder is a stateful frame extractor. It is not safe for concurrent use;
// the consumption loop of one stream owns it for the stream's lifetime.
type Decoder struct {
	pending    []byte
	discarding bool
	event      string
	id         string
	maxLine    int
	dropped    int
	logger     *slog.Logger
}

// NewDecoder creates a Decoder.
func NewDecoder(opts ...Option) *Decoder {
	d := &Decoder{
		maxLine: DefaultMaxLineBytes,
		logger:  slog.Default(),
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// Feed appends chunk to the pending buffer and returns the frames completed by it.
func (d *Decoder) Feed(chunk []byte) []Frame {
	var frames []Frame

	for len(chunk) > 0 {
		i := bytes.IndexByte(chunk, '\n')
		if i < 0 {
			d.buffer(chunk)
			break
		}

		part := chunk[:i]
		chunk = chunk[i+1:]

		if d.discarding {
			d.discarding = false
			d.pending = d.pending[:0]
			continue
		}

		var line []byte
		if len(d.pending) > 0 {
			if len(d.pending)+len(part) > d.maxLine+1 {
				d.drop("line too long", len(d.pending)+len(part))
				d.pending = d.pending[:0]
				continue
			}
			d.pending = append(d.pending, part...)
			line = d.pending
		} else {
			line = part
		}

		if f, ok := d.line(line); ok {
			frames = append(frames, f)
		}
		d.pending = d.pending[:0]
	}

	return frames
}

// Finish is called once the transport ends. Unterminated content is discarded,
// so it never yields frames; the decoder is reset for reuse.
func (d *Decoder) Finish() []Frame {
	if len(d.pending) > 0 || d.discarding {
		d.logger.Debug("discarding unterminated frame", slog.Int("bytes", len(d.pending)))
	}
	d.pending = nil
	d.discarding = false
	d.event = ""
	d.id = ""
	return nil
}

// Dropped returns the number of candidate frames dropped so far.
func (d *Decoder) Dropped() int {
	return d.dropped
}

// buffer retains a partial line, switching to discard mode once it can no
// longer fit within the line limit.
func (d *Decoder) buffer(part []byte) {
	if d.discarding {
		return
	}
	// +1 leaves room for a trailing '\r' that is stripped later.
	if len(d.pending)+len(part) > d.maxLine+1 {
		d.drop("line too long", len(d.pending)+len(part))
		d.pending = d.pending[:0]
		d.discarding = true
		return
	}
	d.pending = append(d.pending, part...)
}

// line interprets one complete line.
func (d *Decoder) line(line []byte) (Frame, bool) {
	line = bytes.TrimSuffix(line, []byte{'\r'})
	if len(line) > d.maxLine {
		d.drop("line too long", len(line))
		return Frame{}, false
	}

	switch {
	case len(line) == 0:
		// Blank line closes the block.
		d.event = ""
		d.id = ""
	case line[0] == ':':
		// Comment / keep-alive.
	case bytes.HasPrefix(line, []byte(fieldEvent)):
		d.event = string(bytes.TrimSpace(line[len(fieldEvent):]))
	case bytes.HasPrefix(line, []byte(fieldID)):
		d.id = string(bytes.TrimSpace(line[len(fieldID):]))
	case bytes.HasPrefix(line, []byte(fieldData)):
		payload := bytes.TrimSpace(line[len(fieldData):])
		if len(payload) == 0 {
			return Frame{}, false
		}
		if !json.Valid(payload) {
			d.drop("invalid json", len(payload))
			return Frame{}, false
		}
		data := make(json.RawMessage, len(payload))
		copy(data, payload)
		return Frame{Event: d.event, ID: d.id, Data: data}, true
	}
	return Frame{}, false
}

func (d *Decoder) drop(reason string, n int) {
	d.dropped++
	d.logger.Debug("dropping malformed frame",
		slog.String("reason", reason),
		slog.Int("bytes", n))
}
