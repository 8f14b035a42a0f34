package trace

import (
	"bytes"
	"strings"
	"testing"
	"time"
)

func record(owner, hook string, d time.Duration) HookRecord {
	return HookRecord{Owner: owner, Hook: hook, Stage: "train", Duration: d}
}

func TestHookTrace_NoneLevel_RecordsNothing(t *testing.T) {
	// GIVEN a trace at level none
	ht := NewHookTrace(TraceConfig{Level: TraceLevelNone})

	// WHEN a record is added
	ht.RecordHook(record("module", "training_step", time.Second))

	// THEN nothing is kept
	if ht.Enabled() {
		t.Error("expected trace to be disabled")
	}
	if n := len(ht.Records()); n != 0 {
		t.Errorf("expected 0 records, got %d", n)
	}
	if s := Summarize(ht); s.TotalInvocations != 0 {
		t.Errorf("expected 0 invocations, got %d", s.TotalInvocations)
	}
}

func TestHookTrace_NilTrace_IsSafe(t *testing.T) {
	var ht *HookTrace
	ht.RecordHook(record("module", "training_step", time.Second))
	ht.Reset()
	if ht.Records() != nil {
		t.Error("expected nil records from nil trace")
	}
	if s := Summarize(ht); len(s.Actions) != 0 {
		t.Errorf("expected no actions, got %d", len(s.Actions))
	}
}

func TestHookTrace_MaxRecords_BoundsRecordsNotSummary(t *testing.T) {
	// GIVEN a trace that keeps at most two records
	ht := NewHookTrace(TraceConfig{Level: TraceLevelHooks, MaxRecords: 2})

	// WHEN four records are added
	for range 4 {
		ht.RecordHook(record("module", "training_step", time.Second))
	}

	// THEN two records are retained but the summary counts all four
	if n := len(ht.Records()); n != 2 {
		t.Errorf("expected 2 retained records, got %d", n)
	}
	s := Summarize(ht)
	if s.TotalInvocations != 4 {
		t.Errorf("expected 4 invocations, got %d", s.TotalInvocations)
	}
	if s.TotalSeconds != 4 {
		t.Errorf("expected 4 total seconds, got %f", s.TotalSeconds)
	}
}

func TestSummarize_ActionsSortedByTotalTime(t *testing.T) {
	// GIVEN a cheap hook called often and an expensive hook called once
	ht := NewHookTrace(TraceConfig{Level: TraceLevelHooks})
	for range 3 {
		ht.RecordHook(record("progress", "on_train_batch_end", time.Second))
	}
	ht.RecordHook(record("module", "training_step", 5*time.Second))

	// WHEN summarized
	s := Summarize(ht)

	// THEN the expensive action comes first with its own distribution
	if len(s.Actions) != 2 {
		t.Fatalf("expected 2 actions, got %d", len(s.Actions))
	}
	if s.Actions[0].Action != "module.training_step" {
		t.Errorf("expected module.training_step first, got %s", s.Actions[0].Action)
	}
	batch := s.Actions[1]
	if batch.Action != "progress.on_train_batch_end" || batch.Count != 3 || batch.Total != 3 {
		t.Errorf("unexpected batch-end summary: %+v", batch)
	}
	if s.TotalInvocations != 4 || s.TotalSeconds != 8 {
		t.Errorf("expected 4 invocations over 8s, got %d over %f", s.TotalInvocations, s.TotalSeconds)
	}
}

func TestNewDistribution_Bounds(t *testing.T) {
	d := NewDistribution([]float64{3, 1, 2})
	if d.Min != 1 || d.Max != 3 || d.Mean != 2 || d.Total != 6 || d.Count != 3 {
		t.Errorf("unexpected distribution: %+v", d)
	}
	if d.P95 < d.P50 || d.P95 > d.Max || d.P50 < d.Min {
		t.Errorf("percentiles out of range: %+v", d)
	}
	if (NewDistribution(nil) != Distribution{}) {
		t.Error("expected zero distribution for empty input")
	}
}

func TestHookTrace_Reset_DropsEverything(t *testing.T) {
	ht := NewHookTrace(TraceConfig{Level: TraceLevelHooks})
	ht.RecordHook(record("module", "training_step", time.Second))
	ht.Reset()
	if len(ht.Records()) != 0 || Summarize(ht).TotalInvocations != 0 {
		t.Error("expected empty trace after reset")
	}
}

func TestTraceSummary_Write_RendersTable(t *testing.T) {
	// GIVEN a summary with one action
	ht := NewHookTrace(TraceConfig{Level: TraceLevelHooks})
	ht.RecordHook(record("module", "validation_step", 2*time.Millisecond))

	// WHEN written
	var buf bytes.Buffer
	if err := Summarize(ht).Write(&buf); err != nil {
		t.Fatal(err)
	}

	// THEN the table has a header, the action row and a total row
	lines := strings.Split(strings.TrimRight(buf.String(), "\n"), "\n")
	if len(lines) != 3 {
		t.Fatalf("expected 3 lines, got %d:\n%s", len(lines), buf.String())
	}
	if !strings.HasPrefix(lines[0], "Action") || !strings.HasPrefix(lines[1], "module.validation_step") || !strings.HasPrefix(lines[2], "Total") {
		t.Errorf("unexpected table:\n%s", buf.String())
	}
}
