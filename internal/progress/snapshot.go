package progress

// StageState is the display state of one stage.
type StageState string

const (
	StagePending  StageState = "pending"
	StageRunning  StageState = "running"
	StageFinished StageState = "complete"
)

// Message is one non-empty event message, kept for an event log view.
type Message struct {
	Seq   uint64
	Stage StageKey
	Text  string
}

// Summary is the payload of the terminal complete event.
type Summary struct {
	Message    string
	Counters   Counters
	Attributes map[string]string
}

// ManifestID returns the generated manifest id, if reported.
func (s *Summary) ManifestID() string {
	if s == nil {
		return ""
	}
	return s.Attributes["manifest_id"]
}

// Snapshot is the pipeline state derived from an event log. It is never
// stored or mutated on its own; Derive recomputes it.
type Snapshot struct {
	// CompletedStages lists completed pipeline stages in pipeline order.
	CompletedStages []StageKey
	// Active is the stage of the most recent running event, "" if none.
	Active StageKey
	// LatestCounters is the counter bag of the most recent update event.
	LatestCounters Counters
	// Terminal is set once the complete event has been applied.
	Terminal bool
	Summary  *Summary
	Messages []Message
	// LastSeq is the sequence number of the last folded event.
	LastSeq uint64
}

// Derive folds an event log into a snapshot. It is pure: the same log always
// yields the same snapshot, and the log is not modified.
func Derive(events []Event) Snapshot {
	var (
		snap Snapshot
		done [len(stageOrder)]bool
	)

	for _, ev := range events {
		snap.LastSeq = ev.Seq

		switch ev.Status {
		case StatusComplete:
			if i := ev.Stage.index(); i >= 0 {
				done[i] = true
			}
		case StatusRunning:
			snap.Active = ev.Stage
		case StatusUpdate:
			snap.LatestCounters = ev.Counters.clone()
		}

		if ev.Stage == StageComplete {
			snap.Terminal = true
			snap.Summary = &Summary{
				Message:    ev.Message,
				Counters:   ev.Counters.clone(),
				Attributes: cloneAttributes(ev.Attributes),
			}
		}

		if ev.Message != "" {
			snap.Messages = append(snap.Messages, Message{Seq: ev.Seq, Stage: ev.Stage, Text: ev.Message})
		}
	}

	for i, ok := range done {
		if ok {
			snap.CompletedStages = append(snap.CompletedStages, stageOrder[i])
		}
	}
	return snap
}

// IsComplete reports whether stage has completed.
func (s Snapshot) IsComplete(stage StageKey) bool {
	for _, c := range s.CompletedStages {
		if c == stage {
			return true
		}
	}
	return false
}

// StageStatus returns the display state of stage. A completed stage reports
// complete even while it is still the active stage.
func (s Snapshot) StageStatus(stage StageKey) StageState {
	switch {
	case s.IsComplete(stage):
		return StageFinished
	case s.Active == stage:
		return StageRunning
	default:
		return StagePending
	}
}

// Fraction returns the share of pipeline stages completed, in [0,1].
func (s Snapshot) Fraction() float64 {
	if s.Terminal {
		return 1
	}
	return float64(len(s.CompletedStages)) / float64(len(stageOrder))
}

func cloneAttributes(m map[string]string) map[string]string {
	if m == nil {
		return nil
	}
	out := make(map[string]string, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}
