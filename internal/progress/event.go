// Package progress folds the discovery pipeline's push channel into an
// ordered, deduplicated pipeline snapshot.
package progress

import (
	"encoding/json"
	"fmt"
	"sort"
	"time"

	"github.com/tjfontaine/raris-stream/internal/sse"
)

// StageKey identifies one step of the discovery pipeline.
type StageKey string

// Pipeline stages, in execution order.
const (
	StageLandscapeMapper    StageKey = "landscape_mapper"
	StageSourceHunter       StageKey = "source_hunter"
	StageRelationshipMapper StageKey = "relationship_mapper"
	StageCoverageAssessor   StageKey = "coverage_assessor"
	StageManifestGenerator  StageKey = "manifest_generator"
)

// Sentinel stages carried by non-step events.
const (
	StageProgress StageKey = "progress"
	StageComplete StageKey = "complete"
)

var stageOrder = [...]StageKey{
	StageLandscapeMapper,
	StageSourceHunter,
	StageRelationshipMapper,
	StageCoverageAssessor,
	StageManifestGenerator,
}

// Stages returns the pipeline stages in execution order.
func Stages() []StageKey {
	out := make([]StageKey, len(stageOrder))
	copy(out, stageOrder[:])
	return out
}

// Label returns the short display label of a stage.
func (k StageKey) Label() string {
	switch k {
	case StageLandscapeMapper:
		return "Landscape"
	case StageSourceHunter:
		return "Sources"
	case StageRelationshipMapper:
		return "Relationships"
	case StageCoverageAssessor:
		return "Coverage"
	case StageManifestGenerator:
		return "Manifest"
	}
	return string(k)
}

// index returns the position of k in the pipeline, or -1 for sentinels and unknown keys.
func (k StageKey) index() int {
	for i, s := range stageOrder {
		if s == k {
			return i
		}
	}
	return -1
}

// Known reports whether k is a pipeline stage or a sentinel.
func (k StageKey) Known() bool {
	return k.index() >= 0 || k == StageProgress || k == StageComplete
}

// Status is the lifecycle status carried by an event.
type Status string

const (
	StatusRunning  Status = "running"
	StatusComplete Status = "complete"
	StatusUpdate   Status = "update"
)

func (s Status) valid() bool {
	return s == StatusRunning || s == StatusComplete || s == StatusUpdate
}

// Counters is a bag of numeric progress counters (sources_found, total_bodies, ...).
type Counters map[string]float64

// Int returns the counter as an int, 0 if absent.
func (c Counters) Int(key string) int {
	return int(c[key])
}

// Keys returns the counter names in sorted order.
func (c Counters) Keys() []string {
	keys := make([]string, 0, len(c))
	for k := range c {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

func (c Counters) clone() Counters {
	if c == nil {
		return nil
	}
	out := make(Counters, len(c))
	for k, v := range c {
		out[k] = v
	}
	return out
}

// Event is one fully decoded pipeline event. Events are immutable once
// appended to a session's log.
type Event struct {
	Seq        uint64
	ID         string
	Stage      StageKey
	Status     Status
	Message    string
	Counters   Counters
	Attributes map[string]string
	ReceivedAt time.Time
}

// Kind names the push-channel events.
type Kind string

const (
	KindStep     Kind = "step"
	KindProgress Kind = "progress"
	KindComplete Kind = "complete"
	KindError    Kind = "error"
)

// reserved payload fields that are not counters or attributes.
var reserved = map[string]bool{"step": true, "status": true, "message": true}

// Decoded is the result of decoding one frame.
type Decoded struct {
	Kind  Kind
	Event Event
	// Message carries the detail of an error event.
	Message string
}

// Decode turns a push-channel frame into an event. Unknown event names and
// malformed payloads return an error; the caller drops the frame.
func Decode(f sse.Frame) (Decoded, error) {
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(f.Data, &fields); err != nil {
		return Decoded{}, fmt.Errorf("payload is not an object: %w", err)
	}

	kind := Kind(f.Event)
	switch kind {
	case KindError:
		var msg string
		if raw, ok := fields["message"]; ok {
			_ = json.Unmarshal(raw, &msg)
		}
		if msg == "" {
			msg = "Connection error"
		}
		return Decoded{Kind: KindError, Message: msg}, nil

	case KindStep:
		var head struct {
			Step   string `json:"step"`
			Status string `json:"status"`
		}
		if err := json.Unmarshal(f.Data, &head); err != nil {
			return Decoded{}, fmt.Errorf("invalid step payload: %w", err)
		}
		stage, status := StageKey(head.Step), Status(head.Status)
		if stage.index() < 0 {
			return Decoded{}, fmt.Errorf("unknown stage %q", head.Step)
		}
		if !status.valid() {
			return Decoded{}, fmt.Errorf("unknown status %q for stage %s", head.Status, stage)
		}
		ev, err := eventFromFields(fields)
		if err != nil {
			return Decoded{}, err
		}
		ev.Stage, ev.Status = stage, status
		return Decoded{Kind: KindStep, Event: ev}, nil

	case KindProgress:
		ev, err := eventFromFields(fields)
		if err != nil {
			return Decoded{}, err
		}
		ev.Stage, ev.Status = StageProgress, StatusUpdate
		return Decoded{Kind: KindProgress, Event: ev}, nil

	case KindComplete:
		ev, err := eventFromFields(fields)
		if err != nil {
			return Decoded{}, err
		}
		ev.Stage, ev.Status = StageComplete, StatusComplete
		return Decoded{Kind: KindComplete, Event: ev}, nil
	}

	return Decoded{}, fmt.Errorf("unknown event %q", f.Event)
}

// eventFromFields splits a payload into message, numeric counters and string attributes.
func eventFromFields(fields map[string]json.RawMessage) (Event, error) {
	var ev Event
	if raw, ok := fields["message"]; ok && string(raw) != "null" {
		if err := json.Unmarshal(raw, &ev.Message); err != nil {
			return Event{}, fmt.Errorf("invalid message: %w", err)
		}
	}

	for k, raw := range fields {
		if reserved[k] {
			continue
		}
		var n float64
		if err := json.Unmarshal(raw, &n); err == nil {
			if ev.Counters == nil {
				ev.Counters = Counters{}
			}
			ev.Counters[k] = n
			continue
		}
		var s string
		if err := json.Unmarshal(raw, &s); err == nil {
			if ev.Attributes == nil {
				ev.Attributes = map[string]string{}
			}
			ev.Attributes[k] = s
		}
	}
	return ev, nil
}
