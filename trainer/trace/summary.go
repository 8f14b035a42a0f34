package trace

import (
	"fmt"
	"io"
	"sort"

	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/stat"
)

// Distribution captures statistical summary of invocation durations (seconds).
type Distribution struct {
	Mean  float64
	P50   float64
	P95   float64
	Min   float64
	Max   float64
	Total float64
	Count int
}

// NewDistribution computes a Distribution from raw values.
// Returns zero-value Distribution for empty input.
func NewDistribution(values []float64) Distribution {
	if len(values) == 0 {
		return Distribution{}
	}
	sorted := make([]float64, len(values))
	copy(sorted, values)
	sort.Float64s(sorted)

	return Distribution{
		Mean:  stat.Mean(sorted, nil),
		P50:   stat.Quantile(0.50, stat.LinInterp, sorted, nil),
		P95:   stat.Quantile(0.95, stat.LinInterp, sorted, nil),
		Min:   sorted[0],
		Max:   sorted[len(sorted)-1],
		Total: floats.Sum(sorted),
		Count: len(sorted),
	}
}

// ActionSummary is the profile of one "<owner>.<hook>" action.
type ActionSummary struct {
	Action string
	Distribution
}

// TraceSummary aggregates statistics from a HookTrace.
type TraceSummary struct {
	TotalInvocations int
	TotalSeconds     float64
	Actions          []ActionSummary // sorted by total time, descending
}

// Summarize computes aggregate statistics from a HookTrace.
// Safe for nil or empty traces (returns zero-value fields).
func Summarize(ht *HookTrace) *TraceSummary {
	summary := &TraceSummary{}
	if ht == nil {
		return summary
	}
	ht.mu.Lock()
	defer ht.mu.Unlock()

	for _, key := range ht.order {
		d := NewDistribution(ht.byKey[key])
		summary.Actions = append(summary.Actions, ActionSummary{Action: key, Distribution: d})
		summary.TotalInvocations += d.Count
		summary.TotalSeconds += d.Total
	}
	sort.SliceStable(summary.Actions, func(i, j int) bool {
		return summary.Actions[i].Total > summary.Actions[j].Total
	})
	return summary
}

// Write renders the summary as a fixed-width table.
func (s *TraceSummary) Write(w io.Writer) error {
	if _, err := fmt.Fprintf(w, "%-50s %8s %12s %12s %12s %12s\n",
		"Action", "Calls", "Mean (s)", "P50 (s)", "P95 (s)", "Total (s)"); err != nil {
		return err
	}
	for _, a := range s.Actions {
		if _, err := fmt.Fprintf(w, "%-50s %8d %12.6f %12.6f %12.6f %12.6f\n",
			a.Action, a.Count, a.Mean, a.P50, a.P95, a.Total); err != nil {
			return err
		}
	}
	_, err := fmt.Fprintf(w, "%-50s %8d %12s %12s %12s %12.6f\n", "Total", s.TotalInvocations, "", "", "", s.TotalSeconds)
	return err
}
