// Package linreg is a linear regression module trained with SGD. It is the
// reference workload of the trainloop command and of the loop's end-to-end
// tests.
package linreg

import (
	"context"
	"encoding/json"
	"fmt"
	"math"
	"math/rand"

	"gonum.org/v1/gonum/floats"

	"github.com/inference-sim/trainloop/trainer"
)

// Sample is one observation.
type Sample struct {
	X []float64 `json:"x"`
	Y float64   `json:"y"`
}

// Config holds the model and optimizer hyperparameters.
type Config struct {
	Features    int     `yaml:"features"`
	LR          float64 `yaml:"lr"`
	Momentum    float64 `yaml:"momentum"`
	WeightDecay float64 `yaml:"weight_decay"`
	// StepSize > 0 adds a StepLR scheduler stepped every StepSize epochs.
	StepSize int     `yaml:"step_size"`
	Gamma    float64 `yaml:"gamma"`
	// PlateauPatience > 0 adds a reduce-on-plateau scheduler on val_loss.
	PlateauPatience int `yaml:"plateau_patience"`
	// Manual drives the optimizer from TrainingStep instead of the loop.
	Manual bool `yaml:"manual"`
}

// DefaultConfig returns a small, quickly converging setup.
func DefaultConfig() Config {
	return Config{Features: 3, LR: 0.05, Momentum: 0.9, StepSize: 0, Gamma: 0.5}
}

// Validate checks hyperparameter ranges.
func (c Config) Validate() error {
	if c.Features < 1 {
		return fmt.Errorf("features must be at least 1, got %d", c.Features)
	}
	if c.LR <= 0 {
		return fmt.Errorf("lr must be positive, got %g", c.LR)
	}
	if c.Momentum < 0 || c.Momentum >= 1 {
		return fmt.Errorf("momentum must be in [0, 1), got %g", c.Momentum)
	}
	if c.StepSize > 0 && c.Gamma <= 0 {
		return fmt.Errorf("gamma must be positive with step_size, got %g", c.Gamma)
	}
	return nil
}

// Model predicts y = w·x + b. Parameters live in one vector, w first.
type Model struct {
	cfg      Config
	params   []float64
	grads    []float64
	training bool
	last     []Sample
	opt      *SGD
}

// New initializes weights from rng with a small uniform spread.
func New(cfg Config, rng *rand.Rand) (*Model, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	m := &Model{
		cfg:      cfg,
		params:   make([]float64, cfg.Features+1),
		grads:    make([]float64, cfg.Features+1),
		training: true,
	}
	for i := range cfg.Features {
		m.params[i] = (rng.Float64()*2 - 1) * 0.1
	}
	return m, nil
}

// Weights returns a copy of w.
func (m *Model) Weights() []float64 {
	return append([]float64(nil), m.params[:m.cfg.Features]...)
}

// Bias returns b.
func (m *Model) Bias() float64 { return m.params[m.cfg.Features] }

// Training reports the current mode.
func (m *Model) Training() bool { return m.training }

func (m *Model) SetTraining(training bool) { m.training = training }

// Predict returns w·x + b.
func (m *Model) Predict(x []float64) float64 {
	return floats.Dot(m.params[:m.cfg.Features], x) + m.Bias()
}

func samples(batch trainer.Batch) ([]Sample, error) {
	s, ok := batch.([]Sample)
	if !ok {
		return nil, fmt.Errorf("linreg: batch is %T, want []Sample", batch)
	}
	return s, nil
}

// score returns mean squared and mean absolute error over batch.
func (m *Model) score(batch []Sample) (mse, mae float64, err error) {
	if len(batch) == 0 {
		return 0, 0, fmt.Errorf("linreg: empty batch")
	}
	for _, s := range batch {
		if len(s.X) != m.cfg.Features {
			return 0, 0, fmt.Errorf("linreg: sample has %d features, want %d", len(s.X), m.cfg.Features)
		}
		d := m.Predict(s.X) - s.Y
		mse += d * d
		mae += math.Abs(d)
	}
	n := float64(len(batch))
	return mse / n, mae / n, nil
}

func (m *Model) TrainingStep(sc *trainer.StepContext, batch trainer.Batch, _ int) (trainer.StepOutput, error) {
	b, err := samples(batch)
	if err != nil {
		return trainer.StepOutput{}, err
	}
	loss, _, err := m.score(b)
	if err != nil {
		return trainer.StepOutput{}, err
	}
	m.last = b
	if err := sc.Log("train_loss", loss, trainer.OnStep(true), trainer.OnEpoch(true), trainer.ProgBar(true)); err != nil {
		return trainer.StepOutput{}, err
	}
	out := trainer.StepOutput{Loss: loss}
	if !m.cfg.Manual {
		return out, nil
	}
	opt := sc.Optimizers()[0]
	if err := opt.ZeroGrad(); err != nil {
		return out, err
	}
	if err := sc.ManualBackward(out); err != nil {
		return out, err
	}
	return out, opt.Step()
}

// Backward adds the MSE gradient of the last training batch to the
// gradient buffer. Under automatic optimization it is divided by the
// accumulation factor.
func (m *Model) Backward(sc *trainer.StepContext, _ trainer.StepOutput) error {
	if len(m.last) == 0 {
		return fmt.Errorf("linreg: backward without a training step")
	}
	scale := 2 / float64(len(m.last))
	if !m.cfg.Manual {
		scale /= float64(sc.Trainer().Config().AccumulateGradBatches)
	}
	f := m.cfg.Features
	for _, s := range m.last {
		d := (m.Predict(s.X) - s.Y) * scale
		floats.AddScaled(m.grads[:f], d, s.X)
		m.grads[f] += d
	}
	return nil
}

func (m *Model) AutomaticOptimization() bool { return !m.cfg.Manual }

func (m *Model) ConfigureOptimizers() (trainer.OptimizerConfig, error) {
	opt, err := NewSGD(m.params, m.grads, m.cfg.LR, m.cfg.Momentum, m.cfg.WeightDecay)
	if err != nil {
		return trainer.OptimizerConfig{}, err
	}
	m.opt = opt
	oc := trainer.Single(opt)
	if m.cfg.StepSize > 0 {
		s, err := NewStepLR(opt, m.cfg.StepSize, m.cfg.Gamma)
		if err != nil {
			return trainer.OptimizerConfig{}, err
		}
		oc.Schedulers = append(oc.Schedulers, trainer.SchedulerConfig{Scheduler: s, Name: "step-lr", Interval: trainer.IntervalEpoch})
	}
	if m.cfg.PlateauPatience > 0 {
		s, err := NewReduceOnPlateau(opt, 0.5, m.cfg.PlateauPatience, 1e-6)
		if err != nil {
			return trainer.OptimizerConfig{}, err
		}
		oc.Schedulers = append(oc.Schedulers, trainer.SchedulerConfig{Scheduler: s, Name: "plateau", Monitor: "val_loss"})
	}
	return oc, nil
}

// Optimizer returns the optimizer built by the last ConfigureOptimizers.
func (m *Model) Optimizer() *SGD { return m.opt }

func (m *Model) ValidationStep(sc *trainer.StepContext, batch trainer.Batch, _ int) (trainer.StepOutput, error) {
	return m.evalStep(sc, batch, "val")
}

func (m *Model) TestStep(sc *trainer.StepContext, batch trainer.Batch, _ int) (trainer.StepOutput, error) {
	return m.evalStep(sc, batch, "test")
}

func (m *Model) evalStep(sc *trainer.StepContext, batch trainer.Batch, prefix string) (trainer.StepOutput, error) {
	b, err := samples(batch)
	if err != nil {
		return trainer.StepOutput{}, err
	}
	mse, mae, err := m.score(b)
	if err != nil {
		return trainer.StepOutput{}, err
	}
	if err := sc.Log(prefix+"_loss", mse, trainer.ProgBar(true)); err != nil {
		return trainer.StepOutput{}, err
	}
	if err := sc.Log(prefix+"_mae", mae); err != nil {
		return trainer.StepOutput{}, err
	}
	return trainer.StepOutput{Loss: mse}, nil
}

// PredictStep returns one prediction per sample as []float64.
func (m *Model) PredictStep(_ *trainer.StepContext, batch trainer.Batch, _ int) (any, error) {
	b, err := samples(batch)
	if err != nil {
		return nil, err
	}
	out := make([]float64, len(b))
	for i, s := range b {
		out[i] = m.Predict(s.X)
	}
	return out, nil
}

// Handle logs the weight norm at the end of every training epoch.
func (m *Model) Handle(_ context.Context, ev *trainer.Event) error {
	if ev.Hook != trainer.HookOnTrainEpochEnd {
		return nil
	}
	return ev.Log("weight_norm", floats.Norm(m.params[:m.cfg.Features], 2))
}

func (m *Model) Hyperparameters() map[string]any {
	return map[string]any{
		"features":     m.cfg.Features,
		"lr":           m.cfg.LR,
		"momentum":     m.cfg.Momentum,
		"weight_decay": m.cfg.WeightDecay,
		"step_size":    m.cfg.StepSize,
		"gamma":        m.cfg.Gamma,
		"manual":       m.cfg.Manual,
	}
}

type modelState struct {
	Params []float64 `json:"params"`
}

func (m *Model) MarshalBinary() ([]byte, error) {
	return json.Marshal(modelState{Params: m.params})
}

// UnmarshalBinary copies into the existing parameter vector so optimizers
// bound to it stay valid.
func (m *Model) UnmarshalBinary(data []byte) error {
	var st modelState
	if err := json.Unmarshal(data, &st); err != nil {
		return fmt.Errorf("linreg state: %w", err)
	}
	if len(st.Params) != len(m.params) {
		return fmt.Errorf("linreg state: %d parameters, want %d", len(st.Params), len(m.params))
	}
	copy(m.params, st.Params)
	return nil
}
