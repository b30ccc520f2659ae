// Package answer folds a token-chunked answer stream into accumulated text
// and a terminal structured result.
package answer

import (
	"encoding/json"
	"fmt"

	"github.com/tjfontaine/raris-stream/internal/domain"
	"github.com/tjfontaine/raris-stream/internal/sse"
)

// FrameKind classifies an answer frame.
type FrameKind int

const (
	// FrameStatus carries neither a token nor a terminal payload.
	FrameStatus FrameKind = iota
	// FrameToken carries a text fragment to append.
	FrameToken
	// FrameTerminal carries the authoritative answer.
	FrameTerminal
)

func (k FrameKind) String() string {
	switch k {
	case FrameToken:
		return "token"
	case FrameTerminal:
		return "terminal"
	default:
		return "status"
	}
}

// Retrieval steps reported by status frames.
const (
	StepPlanning     = "planning"
	StepRetrieving   = "retrieving"
	StepReranking    = "reranking"
	StepSynthesizing = "synthesizing"
)

// Status is a diagnostic frame. It never changes the answer state.
type Status struct {
	// Event is the SSE event name, "" when unnamed.
	Event   string
	Step    string
	Message string
	Raw     json.RawMessage
}

// Frame is one decoded answer frame.
type Frame struct {
	Kind   FrameKind
	Token  string
	Result *domain.AnswerResult
	Status *Status
}

// ParseFrame classifies an SSE frame. A payload with a response field is
// terminal even when it also carries a token; a non-empty token makes a
// token frame; anything else is a status frame. Payloads that are not JSON
// objects, or whose fields have the wrong types, are malformed.
func ParseFrame(f sse.Frame) (Frame, error) {
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(f.Data, &fields); err != nil {
		return Frame{}, fmt.Errorf("payload is not an object: %w", err)
	}

	if raw, ok := fields["response"]; ok && string(raw) != "null" {
		var result domain.AnswerResult
		if err := json.Unmarshal(f.Data, &result); err != nil {
			return Frame{}, fmt.Errorf("invalid terminal payload: %w", err)
		}
		return Frame{Kind: FrameTerminal, Result: &result}, nil
	}

	if raw, ok := fields["token"]; ok && string(raw) != "null" {
		var token string
		if err := json.Unmarshal(raw, &token); err != nil {
			return Frame{}, fmt.Errorf("invalid token: %w", err)
		}
		if token != "" {
			return Frame{Kind: FrameToken, Token: token}, nil
		}
	}

	st := &Status{Event: f.Event, Raw: f.Data}
	if raw, ok := fields["step"]; ok {
		_ = json.Unmarshal(raw, &st.Step)
	}
	if raw, ok := fields["message"]; ok {
		_ = json.Unmarshal(raw, &st.Message)
	}
	return Frame{Kind: FrameStatus, Status: st}, nil
}
