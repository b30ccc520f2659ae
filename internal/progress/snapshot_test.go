package progress

import (
	"math/rand"
	"reflect"
	"slices"
	"testing"
)

func step(stage StageKey, status Status, msg string) Event {
	return Event{Stage: stage, Status: status, Message: msg}
}

func update(c Counters) Event {
	return Event{Stage: StageProgress, Status: StatusUpdate, Counters: c}
}

func TestDerive_CountersAreReplacedNotSummed(t *testing.T) {
	snap := Derive([]Event{
		update(Counters{"found": 3, "total": 4}),
		update(Counters{"found": 7}),
	})

	if !reflect.DeepEqual(snap.LatestCounters, Counters{"found": 7}) {
		t.Fatalf("LatestCounters = %v, want only the latest bag", snap.LatestCounters)
	}
}

func TestDerive_ActiveStageIsMostRecentRunning(t *testing.T) {
	snap := Derive([]Event{
		step(StageLandscapeMapper, StatusRunning, ""),
		step(StageSourceHunter, StatusRunning, ""),
		step(StageLandscapeMapper, StatusComplete, ""),
	})

	if snap.Active != StageSourceHunter {
		t.Fatalf("Active = %q", snap.Active)
	}
	if !reflect.DeepEqual(snap.CompletedStages, []StageKey{StageLandscapeMapper}) {
		t.Fatalf("CompletedStages = %v", snap.CompletedStages)
	}

	tests := []struct {
		stage StageKey
		want  StageState
	}{
		{StageLandscapeMapper, StageFinished},
		{StageSourceHunter, StageRunning},
		{StageManifestGenerator, StagePending},
	}
	for _, tt := range tests {
		if got := snap.StageStatus(tt.stage); got != tt.want {
			t.Errorf("StageStatus(%s) = %v, want %v", tt.stage, got, tt.want)
		}
	}
}

func TestDerive_CompleteTakesPrecedenceOverRunning(t *testing.T) {
	snap := Derive([]Event{
		step(StageCoverageAssessor, StatusComplete, ""),
		step(StageCoverageAssessor, StatusRunning, ""),
	})

	if snap.Active != StageCoverageAssessor {
		t.Fatalf("Active = %q", snap.Active)
	}
	if got := snap.StageStatus(StageCoverageAssessor); got != StageFinished {
		t.Fatalf("StageStatus = %v, want complete", got)
	}
}

func TestDerive_CompletedStagesInPipelineOrder(t *testing.T) {
	snap := Derive([]Event{
		step(StageManifestGenerator, StatusComplete, ""),
		step(StageLandscapeMapper, StatusComplete, ""),
		step(StageLandscapeMapper, StatusComplete, ""),
		step(StageRelationshipMapper, StatusComplete, ""),
	})

	want := []StageKey{StageLandscapeMapper, StageRelationshipMapper, StageManifestGenerator}
	if !reflect.DeepEqual(snap.CompletedStages, want) {
		t.Fatalf("CompletedStages = %v, want %v", snap.CompletedStages, want)
	}
	if snap.Terminal {
		t.Fatalf("Terminal without a complete event")
	}
	if f := snap.Fraction(); f < 0.6-1e-9 || f > 0.6+1e-9 {
		t.Fatalf("Fraction = %v, want 0.6", f)
	}
}

func TestDerive_TerminalSummary(t *testing.T) {
	snap := Derive([]Event{
		step(StageManifestGenerator, StatusComplete, "Manifest generated"),
		{
			Stage:      StageComplete,
			Status:     StatusComplete,
			Counters:   Counters{"total_sources": 12, "coverage_score": 0.82},
			Attributes: map[string]string{"manifest_id": "m-42"},
		},
	})

	if !snap.Terminal || snap.Summary == nil {
		t.Fatalf("snapshot not terminal: %+v", snap)
	}
	if id := snap.Summary.ManifestID(); id != "m-42" {
		t.Fatalf("ManifestID = %q", id)
	}
	if n := snap.Summary.Counters.Int("total_sources"); n != 12 {
		t.Fatalf("total_sources = %d", n)
	}
	if slices.Contains(snap.CompletedStages, StageComplete) {
		t.Fatalf("sentinel listed as a completed stage: %v", snap.CompletedStages)
	}
	if snap.Fraction() != 1 {
		t.Fatalf("Fraction = %v, want 1", snap.Fraction())
	}
	if len(snap.Messages) != 1 || snap.Messages[0].Text != "Manifest generated" {
		t.Fatalf("Messages = %+v", snap.Messages)
	}
}

func TestDerive_DoesNotAliasLog(t *testing.T) {
	log := []Event{update(Counters{"found": 1})}
	snap := Derive(log)
	snap.LatestCounters["found"] = 99

	if got := log[0].Counters["found"]; got != 1 {
		t.Fatalf("log counter = %v after mutating the snapshot", got)
	}
}

func TestDerive_MonotonicCompletion(t *testing.T) {
	stages := append(Stages(), StageProgress, StageComplete)
	statuses := []Status{StatusRunning, StatusComplete, StatusUpdate}
	rng := rand.New(rand.NewSource(7))

	for run := 0; run < 100; run++ {
		var log []Event
		var prev []StageKey
		for n := 0; n < 40; n++ {
			log = append(log, Event{
				Seq:    uint64(n + 1),
				Stage:  stages[rng.Intn(len(stages))],
				Status: statuses[rng.Intn(len(statuses))],
			})
			cur := Derive(log).CompletedStages
			for _, s := range prev {
				if !slices.Contains(cur, s) {
					t.Fatalf("run %d event %d un-completed %s", run, n, s)
				}
			}
			prev = cur
		}
	}
}

func TestStages(t *testing.T) {
	got := Stages()
	if len(got) != 5 || got[0] != StageLandscapeMapper || got[4] != StageManifestGenerator {
		t.Fatalf("Stages() = %v", got)
	}

	got[0] = "mutated"
	if Stages()[0] != StageLandscapeMapper {
		t.Fatalf("Stages() exposes its backing array")
	}
	if l := StageRelationshipMapper.Label(); l != "Relationships" {
		t.Fatalf("Label = %q", l)
	}
}
