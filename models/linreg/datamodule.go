package linreg

import (
	"context"
	"fmt"
	"math/rand"

	"github.com/sirupsen/logrus"

	"github.com/inference-sim/trainloop/trainer"
	"github.com/inference-sim/trainloop/trainer/data"
)

// DataConfig sizes the synthetic dataset.
type DataConfig struct {
	Train     int     `yaml:"train"`
	Val       int     `yaml:"val"`
	Test      int     `yaml:"test"`
	Predict   int     `yaml:"predict"`
	BatchSize int     `yaml:"batch_size"`
	Noise     float64 `yaml:"noise"`
	Shuffle   bool    `yaml:"shuffle"`
	DropLast  bool    `yaml:"drop_last"`
}

// DefaultDataConfig returns 256 training samples in batches of 16.
func DefaultDataConfig() DataConfig {
	return DataConfig{Train: 256, Val: 64, Test: 64, Predict: 32, BatchSize: 16, Noise: 0.05, Shuffle: true}
}

// Validate checks sizes.
func (c DataConfig) Validate() error {
	if c.Train < 0 || c.Val < 0 || c.Test < 0 || c.Predict < 0 {
		return fmt.Errorf("dataset sizes must be non-negative")
	}
	if c.BatchSize < 1 {
		return fmt.Errorf("batch_size must be at least 1, got %d", c.BatchSize)
	}
	if c.Noise < 0 {
		return fmt.Errorf("noise must be non-negative, got %g", c.Noise)
	}
	return nil
}

// Synthetic draws samples of y = w·x + b + noise with fixed true
// coefficients. Every stage draws from its own seeded stream.
type Synthetic struct {
	cfg      DataConfig
	seed     trainer.RunSeed
	features int

	trueW []float64
	trueB float64

	train, val, test, predict trainer.DataLoader
}

// NewSynthetic builds the data module. Samples are generated in Setup.
func NewSynthetic(cfg DataConfig, features int, seed trainer.RunSeed) (*Synthetic, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if features < 1 {
		return nil, fmt.Errorf("features must be at least 1, got %d", features)
	}
	return &Synthetic{cfg: cfg, seed: seed, features: features}, nil
}

// TrueCoefficients returns the generating w and b. Valid after Setup.
func (s *Synthetic) TrueCoefficients() ([]float64, float64) {
	return append([]float64(nil), s.trueW...), s.trueB
}

func (s *Synthetic) PrepareData(context.Context) error { return nil }

// Setup generates every split once. Later calls are no-ops.
func (s *Synthetic) Setup(_ context.Context, fn trainer.Fn) error {
	if s.trueW != nil {
		return nil
	}
	rngs := trainer.NewPartitionedRNG(s.seed)
	coef := rngs.ForSubsystem(trainer.SubsystemData)
	s.trueW = make([]float64, s.features)
	for i := range s.trueW {
		s.trueW[i] = coef.Float64()*4 - 2
	}
	s.trueB = coef.Float64()*2 - 1

	var err error
	var opts []data.Option
	if s.cfg.Shuffle {
		opts = append(opts, data.WithShuffle(s.seed))
	}
	if s.cfg.DropLast {
		opts = append(opts, data.WithDropLast())
	}
	if s.train, err = s.split(rngs, "train", s.cfg.Train, opts...); err != nil {
		return err
	}
	if s.val, err = s.split(rngs, "val", s.cfg.Val); err != nil {
		return err
	}
	if s.test, err = s.split(rngs, "test", s.cfg.Test); err != nil {
		return err
	}
	if s.predict, err = s.split(rngs, "predict", s.cfg.Predict); err != nil {
		return err
	}
	logrus.Debugf("synthetic data for %s: %d/%d/%d/%d samples, %d features",
		fn, s.cfg.Train, s.cfg.Val, s.cfg.Test, s.cfg.Predict, s.features)
	return nil
}

// split returns nil for an empty split so the stage is skipped.
func (s *Synthetic) split(rngs *trainer.PartitionedRNG, name string, n int, opts ...data.Option) (trainer.DataLoader, error) {
	if n == 0 {
		return nil, nil
	}
	rng := rngs.ForSubsystem(trainer.SubsystemData + "_" + name)
	items := make([]Sample, n)
	for i := range items {
		items[i] = s.sample(rng)
	}
	l, err := data.NewSliceLoader(items, s.cfg.BatchSize, opts...)
	if err != nil {
		return nil, fmt.Errorf("%s split: %w", name, err)
	}
	return l, nil
}

func (s *Synthetic) sample(rng *rand.Rand) Sample {
	x := make([]float64, s.features)
	y := s.trueB
	for i := range x {
		x[i] = rng.NormFloat64()
		y += s.trueW[i] * x[i]
	}
	return Sample{X: x, Y: y + rng.NormFloat64()*s.cfg.Noise}
}

func (s *Synthetic) Teardown(context.Context, trainer.Fn) error { return nil }

func (s *Synthetic) TrainDataLoader() trainer.DataLoader   { return s.train }
func (s *Synthetic) ValDataLoader() trainer.DataLoader     { return s.val }
func (s *Synthetic) TestDataLoader() trainer.DataLoader    { return s.test }
func (s *Synthetic) PredictDataLoader() trainer.DataLoader { return s.predict }
