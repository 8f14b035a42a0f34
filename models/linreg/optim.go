package linreg

import (
	"encoding/json"
	"fmt"
	"math"

	"gonum.org/v1/gonum/floats"

	"github.com/inference-sim/trainloop/trainer"
)

// SGD is stochastic gradient descent with momentum and weight decay over a
// flat parameter vector. The gradient slice is shared with the model.
type SGD struct {
	params      []float64
	grads       []float64
	velocity    []float64
	lr          float64
	momentum    float64
	weightDecay float64
	steps       int
}

// NewSGD binds params and grads, which must have the same length.
func NewSGD(params, grads []float64, lr, momentum, weightDecay float64) (*SGD, error) {
	if len(params) != len(grads) {
		return nil, fmt.Errorf("sgd: %d params but %d grads", len(params), len(grads))
	}
	if lr <= 0 || math.IsNaN(lr) {
		return nil, fmt.Errorf("sgd: learning rate must be positive, got %g", lr)
	}
	if momentum < 0 || momentum >= 1 {
		return nil, fmt.Errorf("sgd: momentum must be in [0, 1), got %g", momentum)
	}
	return &SGD{
		params:      params,
		grads:       grads,
		velocity:    make([]float64, len(params)),
		lr:          lr,
		momentum:    momentum,
		weightDecay: weightDecay,
	}, nil
}

func (o *SGD) Name() string { return "SGD" }

// Step applies v = momentum*v + g + wd*p; p -= lr*v.
func (o *SGD) Step() error {
	for i, g := range o.grads {
		if math.IsNaN(g) || math.IsInf(g, 0) {
			return fmt.Errorf("sgd: non-finite gradient at parameter %d", i)
		}
		o.velocity[i] = o.momentum*o.velocity[i] + g + o.weightDecay*o.params[i]
	}
	floats.AddScaled(o.params, -o.lr, o.velocity)
	o.steps++
	return nil
}

func (o *SGD) ZeroGrad() {
	for i := range o.grads {
		o.grads[i] = 0
	}
}

func (o *SGD) LearningRate() float64      { return o.lr }
func (o *SGD) SetLearningRate(lr float64) { o.lr = lr }
func (o *SGD) Momentum() float64          { return o.momentum }

// Steps returns the number of updates applied.
func (o *SGD) Steps() int { return o.steps }

// ClipGradients clips in place and returns the L2 norm before clipping.
func (o *SGD) ClipGradients(value float64, algorithm trainer.ClipAlgorithm) (float64, error) {
	norm := floats.Norm(o.grads, 2)
	switch algorithm {
	case trainer.ClipNorm, "":
		if norm > value && norm > 0 {
			floats.Scale(value/norm, o.grads)
		}
	case trainer.ClipValue:
		for i, g := range o.grads {
			o.grads[i] = math.Max(-value, math.Min(value, g))
		}
	default:
		return norm, fmt.Errorf("sgd: unknown clip algorithm %q", algorithm)
	}
	return norm, nil
}

type sgdState struct {
	LR       float64   `json:"lr"`
	Velocity []float64 `json:"velocity"`
	Steps    int       `json:"steps"`
}

func (o *SGD) MarshalBinary() ([]byte, error) {
	return json.Marshal(sgdState{LR: o.lr, Velocity: o.velocity, Steps: o.steps})
}

func (o *SGD) UnmarshalBinary(data []byte) error {
	var st sgdState
	if err := json.Unmarshal(data, &st); err != nil {
		return fmt.Errorf("sgd state: %w", err)
	}
	if len(st.Velocity) != len(o.velocity) {
		return fmt.Errorf("sgd state: %d velocity entries, want %d", len(st.Velocity), len(o.velocity))
	}
	o.lr = st.LR
	copy(o.velocity, st.Velocity)
	o.steps = st.Steps
	return nil
}

// StepLR multiplies the learning rate by Gamma every StepSize scheduler steps.
type StepLR struct {
	opt      trainer.Optimizer
	stepSize int
	gamma    float64
	count    int
}

// NewStepLR validates stepSize and gamma.
func NewStepLR(opt trainer.Optimizer, stepSize int, gamma float64) (*StepLR, error) {
	if stepSize < 1 {
		return nil, fmt.Errorf("step lr: step size must be at least 1, got %d", stepSize)
	}
	if gamma <= 0 {
		return nil, fmt.Errorf("step lr: gamma must be positive, got %g", gamma)
	}
	return &StepLR{opt: opt, stepSize: stepSize, gamma: gamma}, nil
}

func (s *StepLR) Step() error {
	s.count++
	if s.count%s.stepSize == 0 {
		s.opt.SetLearningRate(s.opt.LearningRate() * s.gamma)
	}
	return nil
}

func (s *StepLR) MarshalBinary() ([]byte, error) {
	return json.Marshal(map[string]int{"count": s.count})
}

func (s *StepLR) UnmarshalBinary(data []byte) error {
	var st map[string]int
	if err := json.Unmarshal(data, &st); err != nil {
		return fmt.Errorf("step lr state: %w", err)
	}
	s.count = st["count"]
	return nil
}

// ReduceOnPlateau multiplies the learning rate by Factor after Patience
// metric steps without improvement.
type ReduceOnPlateau struct {
	opt      trainer.Optimizer
	factor   float64
	patience int
	minLR    float64
	best     float64
	bad      int
}

// NewReduceOnPlateau tracks a metric where lower is better.
func NewReduceOnPlateau(opt trainer.Optimizer, factor float64, patience int, minLR float64) (*ReduceOnPlateau, error) {
	if factor <= 0 || factor >= 1 {
		return nil, fmt.Errorf("reduce on plateau: factor must be in (0, 1), got %g", factor)
	}
	return &ReduceOnPlateau{opt: opt, factor: factor, patience: patience, minLR: minLR, best: math.Inf(1)}, nil
}

// Step without a metric is a no-op; the loop calls StepMetric.
func (r *ReduceOnPlateau) Step() error { return nil }

func (r *ReduceOnPlateau) StepMetric(v float64) error {
	if v < r.best {
		r.best = v
		r.bad = 0
		return nil
	}
	r.bad++
	if r.bad > r.patience {
		r.opt.SetLearningRate(math.Max(r.opt.LearningRate()*r.factor, r.minLR))
		r.bad = 0
	}
	return nil
}
