package trace

import "sync"

// TraceLevel controls the verbosity of hook tracing.
type TraceLevel string

const (
	// TraceLevelNone disables tracing (zero overhead).
	TraceLevelNone TraceLevel = "none"
	// TraceLevelHooks captures every hook and step-function invocation.
	TraceLevelHooks TraceLevel = "hooks"
)

// TraceConfig controls trace collection behavior.
type TraceConfig struct {
	Level TraceLevel
	// MaxRecords bounds memory for long runs; 0 keeps everything.
	// Summaries stay exact because they are accumulated on record.
	MaxRecords int
}

// HookTrace collects hook records during a run.
// Safe for concurrent use; the loop records from one goroutine but callbacks
// may read summaries from others.
type HookTrace struct {
	Config  TraceConfig
	mu      sync.Mutex
	records []HookRecord
	byKey   map[string][]float64 // action -> durations in seconds
	order   []string
}

// NewHookTrace creates a HookTrace ready for recording.
func NewHookTrace(config TraceConfig) *HookTrace {
	return &HookTrace{
		Config:  config,
		records: make([]HookRecord, 0),
		byKey:   make(map[string][]float64),
	}
}

// Enabled reports whether records are kept. Safe on a nil trace.
func (ht *HookTrace) Enabled() bool {
	return ht != nil && ht.Config.Level == TraceLevelHooks
}

// RecordHook appends a hook record. No-op when tracing is disabled.
func (ht *HookTrace) RecordHook(record HookRecord) {
	if !ht.Enabled() {
		return
	}
	ht.mu.Lock()
	defer ht.mu.Unlock()
	if ht.Config.MaxRecords <= 0 || len(ht.records) < ht.Config.MaxRecords {
		ht.records = append(ht.records, record)
	}
	key := record.Action()
	if _, ok := ht.byKey[key]; !ok {
		ht.order = append(ht.order, key)
	}
	ht.byKey[key] = append(ht.byKey[key], record.Duration.Seconds())
}

// Records returns a copy of the retained records in invocation order.
func (ht *HookTrace) Records() []HookRecord {
	if ht == nil {
		return nil
	}
	ht.mu.Lock()
	defer ht.mu.Unlock()
	out := make([]HookRecord, len(ht.records))
	copy(out, ht.records)
	return out
}

// Reset drops all records.
func (ht *HookTrace) Reset() {
	if ht == nil {
		return
	}
	ht.mu.Lock()
	defer ht.mu.Unlock()
	ht.records = ht.records[:0]
	ht.byKey = make(map[string][]float64)
	ht.order = nil
}
