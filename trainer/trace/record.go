// Package trace provides hook-invocation recording for loop profiling.
// It does not import trainer; it stores pure data types.
package trace

import "time"

// HookRecord captures a single hook or step-function invocation.
type HookRecord struct {
	Owner      string // callback name, or "module" for module hooks and step functions
	Hook       string
	Stage      string
	Epoch      int
	GlobalStep int
	BatchIdx   int
	Duration   time.Duration
	Failed     bool
}

// Action is the profiler key for a record: "<owner>.<hook>".
func (r HookRecord) Action() string {
	return r.Owner + "." + r.Hook
}
