package trainer

import (
	"fmt"
	"maps"
	"slices"

	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/stat"
)

// ReduceFx is the epoch-level reduction of a logged value.
type ReduceFx string

const (
	ReduceMean ReduceFx = "mean"
	ReduceSum  ReduceFx = "sum"
	ReduceMax  ReduceFx = "max"
	ReduceMin  ReduceFx = "min"
)

var validReductions = map[ReduceFx]bool{ReduceMean: true, ReduceSum: true, ReduceMax: true, ReduceMin: true}

type logOptions struct {
	onStep    *bool
	onEpoch   *bool
	progBar   bool
	logger    bool
	reduce    ReduceFx
	batchSize int
}

// LogOption is an aggregation directive for a logged value.
type LogOption func(*logOptions)

// OnStep sends the value at every step it is logged.
func OnStep(v bool) LogOption { return func(o *logOptions) { o.onStep = &v } }

// OnEpoch accumulates the value and reduces it at the end of the epoch.
func OnEpoch(v bool) LogOption { return func(o *logOptions) { o.onEpoch = &v } }

// ProgBar adds the value to the progress-bar metrics.
func ProgBar(v bool) LogOption { return func(o *logOptions) { o.progBar = v } }

// SendToLogger controls whether loggers receive the value (default true).
func SendToLogger(v bool) LogOption { return func(o *logOptions) { o.logger = v } }

// Reduce selects the epoch reduction (default mean).
func Reduce(fx ReduceFx) LogOption { return func(o *logOptions) { o.reduce = fx } }

// WithBatchSize sets the weight of the value in an epoch mean.
func WithBatchSize(n int) LogOption { return func(o *logOptions) { o.batchSize = n } }

// logPolicy says whether a hook accepts step and epoch logging and what it
// does by default.
type logPolicy struct {
	allowStep, allowEpoch     bool
	defaultStep, defaultEpoch bool
}

var (
	stepDefault = logPolicy{allowStep: true, allowEpoch: true, defaultStep: true}
	evalDefault = logPolicy{allowStep: true, allowEpoch: true, defaultEpoch: true}
	epochOnly   = logPolicy{allowEpoch: true, defaultEpoch: true}
	logPolicies = map[Hook]logPolicy{
		HookTrainingStep:          stepDefault,
		HookOnTrainBatchStart:     stepDefault,
		HookOnTrainBatchEnd:       stepDefault,
		HookOnBeforeBackward:      stepDefault,
		HookOnAfterBackward:       stepDefault,
		HookOnBeforeOptimizerStep: stepDefault,
		HookOnBeforeZeroGrad:      stepDefault,
		HookOnTrainEpochStart:     epochOnly,
		HookOnTrainEpochEnd:       epochOnly,

		HookValidationStep:         evalDefault,
		HookOnValidationBatchStart: evalDefault,
		HookOnValidationBatchEnd:   evalDefault,
		HookOnValidationStart:      epochOnly,
		HookOnValidationEpochStart: epochOnly,
		HookOnValidationEpochEnd:   epochOnly,

		HookTestStep:         evalDefault,
		HookOnTestBatchStart: evalDefault,
		HookOnTestBatchEnd:   evalDefault,
		HookOnTestStart:      epochOnly,
		HookOnTestEpochStart: epochOnly,
		HookOnTestEpochEnd:   epochOnly,
	}
)

type metricMeta struct {
	onStep, onEpoch bool
	progBar, logger bool
	reduce          ReduceFx
}

type resultMetric struct {
	meta    metricMeta
	values  []float64
	weights []float64
}

func (m *resultMetric) reduce() float64 {
	switch m.meta.reduce {
	case ReduceSum:
		return floats.Sum(m.values)
	case ReduceMax:
		return floats.Max(m.values)
	case ReduceMin:
		return floats.Min(m.values)
	default:
		return stat.Mean(m.values, m.weights)
	}
}

// metricViews are the three maps a run exposes.
type metricViews struct {
	callback map[string]float64
	logged   map[string]float64
	progress map[string]float64
}

func newMetricViews() metricViews {
	return metricViews{
		callback: make(map[string]float64),
		logged:   make(map[string]float64),
		progress: make(map[string]float64),
	}
}

func (v metricViews) empty() bool {
	return len(v.callback) == 0
}

func (v metricViews) put(name, key string, meta metricMeta, value float64) {
	v.callback[key] = value
	v.callback[name] = value
	if meta.logger {
		v.logged[key] = value
	}
	if meta.progBar {
		v.progress[key] = value
	}
}

func (v metricViews) merge(other metricViews) {
	maps.Copy(v.callback, other.callback)
	maps.Copy(v.logged, other.logged)
	maps.Copy(v.progress, other.progress)
}

// resultCollection accumulates the values logged during one loop epoch.
type resultCollection struct {
	stage   Stage
	metrics map[string]*resultMetric
	order   []string
	step    map[string]float64
}

func newResultCollection(stage Stage) *resultCollection {
	c := &resultCollection{stage: stage}
	c.reset()
	return c
}

func (c *resultCollection) reset() {
	c.metrics = make(map[string]*resultMetric)
	c.order = nil
	c.step = make(map[string]float64)
}

// log records one value from hook. It returns the resolved metadata so the
// caller can refresh callback metrics immediately for step values.
func (c *resultCollection) log(hook Hook, name string, value float64, batchSize int, opts []LogOption) (metricMeta, error) {
	policy, ok := logPolicies[hook]
	if !ok {
		return metricMeta{}, fmt.Errorf("%w: %s does not accept logged values (logging %q)", ErrLoggingNotAllowed, hook, name)
	}
	o := logOptions{logger: true, reduce: ReduceMean}
	for _, opt := range opts {
		opt(&o)
	}
	meta := metricMeta{
		onStep:  policy.defaultStep,
		onEpoch: policy.defaultEpoch,
		progBar: o.progBar,
		logger:  o.logger,
		reduce:  o.reduce,
	}
	if o.onStep != nil {
		meta.onStep = *o.onStep
	}
	if o.onEpoch != nil {
		meta.onEpoch = *o.onEpoch
	}
	if meta.onStep && !policy.allowStep {
		return metricMeta{}, fmt.Errorf("%w: %s does not accept OnStep(true) (logging %q)", ErrLoggingNotAllowed, hook, name)
	}
	if meta.onEpoch && !policy.allowEpoch {
		return metricMeta{}, fmt.Errorf("%w: %s does not accept OnEpoch(true) (logging %q)", ErrLoggingNotAllowed, hook, name)
	}
	if !meta.onStep && !meta.onEpoch {
		return metricMeta{}, fmt.Errorf("%w: %q logged with neither OnStep nor OnEpoch", ErrMisconfigured, name)
	}
	if !validReductions[meta.reduce] {
		return metricMeta{}, fmt.Errorf("%w: unknown reduction %q for %q", ErrMisconfigured, meta.reduce, name)
	}
	if name == "" {
		return metricMeta{}, fmt.Errorf("%w: empty metric name", ErrMisconfigured)
	}

	m, exists := c.metrics[name]
	if exists && m.meta != meta {
		return metricMeta{}, fmt.Errorf("%w: %q was already logged this epoch with different options", ErrMisconfigured, name)
	}
	if !exists {
		m = &resultMetric{meta: meta}
		c.metrics[name] = m
		c.order = append(c.order, name)
	}
	if meta.onStep {
		c.step[name] = value
	}
	if meta.onEpoch {
		m.values = append(m.values, value)
		m.weights = append(m.weights, float64(max(batchSize, 1)))
	}
	return meta, nil
}

// stepKey is the name a step value is published under.
func stepKey(name string, meta metricMeta) string {
	if meta.onEpoch {
		return name + "_step"
	}
	return name
}

// epochKey is the name a reduced value is published under.
func epochKey(name string, meta metricMeta) string {
	if meta.onStep {
		return name + "_epoch"
	}
	return name
}

// takeStep returns the step values logged since the previous call.
func (c *resultCollection) takeStep() metricViews {
	views := newMetricViews()
	for _, name := range c.order {
		v, ok := c.step[name]
		if !ok {
			continue
		}
		meta := c.metrics[name].meta
		views.put(name, stepKey(name, meta), meta, v)
	}
	c.step = make(map[string]float64)
	return views
}

// reduceEpoch reduces every epoch value and resets the collection.
func (c *resultCollection) reduceEpoch() metricViews {
	views := newMetricViews()
	for _, name := range c.order {
		m := c.metrics[name]
		if !m.meta.onEpoch || len(m.values) == 0 {
			continue
		}
		views.put(name, epochKey(name, m.meta), m.meta, m.reduce())
	}
	c.reset()
	return views
}

func sortedKeys(m map[string]float64) []string {
	return slices.Sorted(maps.Keys(m))
}
