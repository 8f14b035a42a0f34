package trainer

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"sync"
	"testing"
)

// listLoader yields fixed batches of float64 values.
type listLoader struct {
	batches [][]float64
	iters   int
}

func newListLoader(n, size int) *listLoader {
	l := &listLoader{}
	for i := range n {
		b := make([]float64, size)
		for j := range b {
			b[j] = float64(i*size + j)
		}
		l.batches = append(l.batches, b)
	}
	return l
}

func (l *listLoader) Len() int { return len(l.batches) }

func (l *listLoader) Iter(context.Context, int) (BatchIterator, error) {
	l.iters++
	return &listIter{batches: l.batches}, nil
}

type listIter struct {
	batches [][]float64
	pos     int
}

func (it *listIter) Next() (Batch, error) {
	if it.pos >= len(it.batches) {
		return nil, io.EOF
	}
	b := it.batches[it.pos]
	it.pos++
	return b, nil
}

func (it *listIter) Close() error { return nil }

// unsizedLoader hides the length of its batches.
type unsizedLoader struct{ *listLoader }

func (unsizedLoader) Len() int { return -1 }

// countingOptimizer counts calls and stores its state as JSON.
type countingOptimizer struct {
	lr      float64
	steps   int
	zeroed  int
	clipped int
	failOn  int
}

func (o *countingOptimizer) Step() error {
	o.steps++
	if o.failOn > 0 && o.steps == o.failOn {
		return fmt.Errorf("step %d failed", o.steps)
	}
	return nil
}
func (o *countingOptimizer) ZeroGrad()                  { o.zeroed++ }
func (o *countingOptimizer) LearningRate() float64      { return o.lr }
func (o *countingOptimizer) SetLearningRate(lr float64) { o.lr = lr }

func (o *countingOptimizer) MarshalBinary() ([]byte, error) {
	return json.Marshal(map[string]any{"lr": o.lr, "steps": o.steps})
}

func (o *countingOptimizer) UnmarshalBinary(data []byte) error {
	var st struct {
		LR    float64 `json:"lr"`
		Steps int     `json:"steps"`
	}
	if err := json.Unmarshal(data, &st); err != nil {
		return err
	}
	o.lr, o.steps = st.LR, st.Steps
	return nil
}

// clippingOptimizer also clips.
type clippingOptimizer struct{ countingOptimizer }

func (o *clippingOptimizer) ClipGradients(float64, ClipAlgorithm) (float64, error) {
	o.clipped++
	return 1, nil
}

// countingScheduler counts Step calls.
type countingScheduler struct{ steps int }

func (s *countingScheduler) Step() error { s.steps++; return nil }

type metricScheduler struct {
	countingScheduler
	seen []float64
}

func (s *metricScheduler) StepMetric(v float64) error {
	s.seen = append(s.seen, v)
	return nil
}

// toyModule logs the batch mean as its loss and records hooks it receives.
type toyModule struct {
	opt        Optimizer
	schedulers []SchedulerConfig
	manual     bool
	weight     float64
	training   bool
	hooks      []string
	backwards  int
	stepErr    error
	onHook     func(ev *Event) error
	onStep     func(sc *StepContext, batchIdx int) error
}

func newToyModule() *toyModule {
	return &toyModule{opt: &countingOptimizer{lr: 0.1}, training: true}
}

func mean(b Batch) float64 {
	v := b.([]float64)
	s := 0.0
	for _, x := range v {
		s += x
	}
	return s / float64(len(v))
}

func (m *toyModule) TrainingStep(sc *StepContext, batch Batch, idx int) (StepOutput, error) {
	if m.stepErr != nil {
		return StepOutput{}, m.stepErr
	}
	loss := mean(batch)
	if err := sc.Log("loss", loss, ProgBar(true)); err != nil {
		return StepOutput{}, err
	}
	if m.onStep != nil {
		if err := m.onStep(sc, idx); err != nil {
			return StepOutput{}, err
		}
	}
	out := StepOutput{Loss: loss}
	if m.manual {
		opt := sc.Optimizers()[0]
		if err := sc.ManualBackward(out); err != nil {
			return out, err
		}
		if err := opt.Step(); err != nil {
			return out, err
		}
		return out, opt.ZeroGrad()
	}
	return out, nil
}

func (m *toyModule) Backward(*StepContext, StepOutput) error {
	m.backwards++
	m.weight += 1
	return nil
}

func (m *toyModule) ConfigureOptimizers() (OptimizerConfig, error) {
	if m.opt == nil {
		return OptimizerConfig{}, nil
	}
	return OptimizerConfig{Optimizers: []Optimizer{m.opt}, Schedulers: m.schedulers}, nil
}

func (m *toyModule) AutomaticOptimization() bool { return !m.manual }

func (m *toyModule) ValidationStep(sc *StepContext, batch Batch, _ int) (StepOutput, error) {
	v := mean(batch)
	return StepOutput{Loss: v}, sc.Log("val_loss", v)
}

func (m *toyModule) TestStep(sc *StepContext, batch Batch, _ int) (StepOutput, error) {
	v := mean(batch)
	return StepOutput{Loss: v}, sc.Log("test_loss", v, Reduce(ReduceMax))
}

func (m *toyModule) PredictStep(_ *StepContext, batch Batch, _ int) (any, error) {
	return mean(batch) * 2, nil
}

func (m *toyModule) SetTraining(training bool) { m.training = training }

func (m *toyModule) Hyperparameters() map[string]any { return map[string]any{"weight": m.weight} }

func (m *toyModule) Handle(_ context.Context, ev *Event) error {
	m.hooks = append(m.hooks, ev.Hook.String())
	if m.onHook != nil {
		return m.onHook(ev)
	}
	return nil
}

func (m *toyModule) MarshalBinary() ([]byte, error) {
	return json.Marshal(map[string]float64{"weight": m.weight})
}

func (m *toyModule) UnmarshalBinary(data []byte) error {
	var st map[string]float64
	if err := json.Unmarshal(data, &st); err != nil {
		return err
	}
	m.weight = st["weight"]
	return nil
}

// trainOnly has no validation, test or predict steps.
type trainOnly struct{ m *toyModule }

func (o trainOnly) TrainingStep(sc *StepContext, batch Batch, idx int) (StepOutput, error) {
	return o.m.TrainingStep(sc, batch, idx)
}

func (o trainOnly) Backward(sc *StepContext, out StepOutput) error { return o.m.Backward(sc, out) }

func (o trainOnly) ConfigureOptimizers() (OptimizerConfig, error) { return o.m.ConfigureOptimizers() }

// memLogger keeps everything it receives.
type memLogger struct {
	mu      sync.Mutex
	hparams map[string]any
	writes  []loggedWrite
	saves   int
	status  Status
}

type loggedWrite struct {
	step    int
	metrics map[string]float64
}

func (l *memLogger) Name() string    { return "mem" }
func (l *memLogger) Version() string { return "0" }

func (l *memLogger) LogHyperparams(p map[string]any) error {
	l.hparams = p
	return nil
}

func (l *memLogger) LogMetrics(m map[string]float64, step int) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.writes = append(l.writes, loggedWrite{step: step, metrics: m})
	return nil
}

func (l *memLogger) Save() error { l.saves++; return nil }

func (l *memLogger) Finalize(s Status) error {
	l.status = s
	return nil
}

// series returns (step, value) pairs of key in write order.
func (l *memLogger) series(key string) (steps []int, values []float64) {
	for _, w := range l.writes {
		if v, ok := w.metrics[key]; ok {
			steps = append(steps, w.step)
			values = append(values, v)
		}
	}
	return steps, values
}

// hookRecorder records every hook it sees.
type hookRecorder struct {
	name  string
	hooks []string
}

func (r *hookRecorder) Name() string { return r.name }

func (r *hookRecorder) Handle(_ context.Context, ev *Event) error {
	r.hooks = append(r.hooks, ev.Hook.String())
	return nil
}

// testConfig runs quietly: no sanity check, no default logger or checkpoint.
func testConfig() Config {
	cfg := DefaultConfig()
	cfg.MaxEpochs = 1
	cfg.NumSanityValSteps = 0
	cfg.EnableCheckpointing = false
	cfg.LogEveryNSteps = 1
	return cfg
}

func newTestTrainer(t *testing.T, cfg Config, opts ...Option) *Trainer {
	t.Helper()
	if cfg.DefaultRootDir == "." {
		cfg.DefaultRootDir = t.TempDir()
	}
	tr, err := New(cfg, opts...)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return tr
}
