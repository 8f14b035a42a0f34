package linreg

import (
	"context"
	"math"
	"math/rand"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/inference-sim/trainloop/trainer"
)

func TestSGD_StepAppliesMomentum(t *testing.T) {
	// GIVEN one parameter with a constant gradient of 1
	params := []float64{1}
	grads := []float64{1}
	opt, err := NewSGD(params, grads, 0.1, 0.5, 0)
	require.NoError(t, err)

	// WHEN two steps are taken
	require.NoError(t, opt.Step())
	require.NoError(t, opt.Step())

	// THEN the second step moves by lr * (0.5*1 + 1)
	assert.InDelta(t, 1-0.1-0.15, params[0], 1e-12)
	assert.Equal(t, 2, opt.Steps())
}

func TestSGD_ZeroGradClearsSharedBuffer(t *testing.T) {
	grads := []float64{3, -4}
	opt, err := NewSGD([]float64{0, 0}, grads, 0.1, 0, 0)
	require.NoError(t, err)

	opt.ZeroGrad()

	assert.Equal(t, []float64{0, 0}, grads)
}

func TestSGD_RejectsNonFiniteGradient(t *testing.T) {
	opt, err := NewSGD([]float64{0}, []float64{math.NaN()}, 0.1, 0, 0)
	require.NoError(t, err)
	assert.Error(t, opt.Step())
}

func TestSGD_Validation(t *testing.T) {
	tests := []struct {
		name    string
		params  []float64
		lr, mom float64
		grads   []float64
	}{
		{"length mismatch", []float64{0}, 0.1, 0, []float64{0, 0}},
		{"zero lr", []float64{0}, 0, 0, []float64{0}},
		{"momentum one", []float64{0}, 0.1, 1, []float64{0}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := NewSGD(tt.params, tt.grads, tt.lr, tt.mom, 0)
			assert.Error(t, err)
		})
	}
}

func TestSGD_ClipGradients(t *testing.T) {
	// GIVEN gradient (3, 4) with norm 5
	newOpt := func() (*SGD, []float64) {
		g := []float64{3, 4}
		opt, err := NewSGD([]float64{0, 0}, g, 0.1, 0, 0)
		require.NoError(t, err)
		return opt, g
	}

	t.Run("norm", func(t *testing.T) {
		opt, g := newOpt()
		norm, err := opt.ClipGradients(1, trainer.ClipNorm)
		require.NoError(t, err)
		assert.InDelta(t, 5, norm, 1e-12)
		assert.InDelta(t, 0.6, g[0], 1e-12)
		assert.InDelta(t, 0.8, g[1], 1e-12)
	})
	t.Run("value", func(t *testing.T) {
		opt, g := newOpt()
		_, err := opt.ClipGradients(3.5, trainer.ClipValue)
		require.NoError(t, err)
		assert.Equal(t, []float64{3, 3.5}, g)
	})
	t.Run("below threshold untouched", func(t *testing.T) {
		opt, g := newOpt()
		_, err := opt.ClipGradients(10, trainer.ClipNorm)
		require.NoError(t, err)
		assert.Equal(t, []float64{3, 4}, g)
	})
}

func TestSGD_StateRoundTripKeepsVelocity(t *testing.T) {
	params := []float64{0}
	opt, err := NewSGD(params, []float64{2}, 0.1, 0.9, 0)
	require.NoError(t, err)
	require.NoError(t, opt.Step())
	state, err := opt.MarshalBinary()
	require.NoError(t, err)

	restored, err := NewSGD([]float64{0}, []float64{0}, 0.5, 0.9, 0)
	require.NoError(t, err)
	require.NoError(t, restored.UnmarshalBinary(state))

	assert.Equal(t, 0.1, restored.LearningRate())
	assert.Equal(t, 1, restored.Steps())
	assert.Equal(t, opt.velocity, restored.velocity)
}

func TestStepLR_DecaysEveryStepSize(t *testing.T) {
	opt, err := NewSGD([]float64{0}, []float64{0}, 1, 0, 0)
	require.NoError(t, err)
	s, err := NewStepLR(opt, 2, 0.5)
	require.NoError(t, err)

	var lrs []float64
	for range 4 {
		require.NoError(t, s.Step())
		lrs = append(lrs, opt.LearningRate())
	}

	assert.Equal(t, []float64{1, 0.5, 0.5, 0.25}, lrs)
}

func TestReduceOnPlateau_ReducesAfterPatience(t *testing.T) {
	opt, err := NewSGD([]float64{0}, []float64{0}, 1, 0, 0)
	require.NoError(t, err)
	s, err := NewReduceOnPlateau(opt, 0.5, 1, 0.3)
	require.NoError(t, err)

	// GIVEN an improvement followed by two flat values
	for _, v := range []float64{1, 1, 1} {
		require.NoError(t, s.StepMetric(v))
	}
	// THEN the second non-improving value exceeds patience 1
	assert.Equal(t, 0.5, opt.LearningRate())

	// AND the floor is respected
	for _, v := range []float64{1, 1} {
		require.NoError(t, s.StepMetric(v))
	}
	assert.Equal(t, 0.3, opt.LearningRate())
}

func TestModel_InitIsDeterministic(t *testing.T) {
	cfg := DefaultConfig()
	a, err := New(cfg, rand.New(rand.NewSource(7)))
	require.NoError(t, err)
	b, err := New(cfg, rand.New(rand.NewSource(7)))
	require.NoError(t, err)

	assert.Equal(t, a.Weights(), b.Weights())
	assert.Zero(t, a.Bias())
}

func TestModel_StateRoundTripPreservesOptimizerBinding(t *testing.T) {
	// GIVEN a model whose optimizer is bound to its parameter vector
	m, err := New(DefaultConfig(), rand.New(rand.NewSource(1)))
	require.NoError(t, err)
	_, err = m.ConfigureOptimizers()
	require.NoError(t, err)
	state, err := m.MarshalBinary()
	require.NoError(t, err)

	// WHEN state from another model is restored
	other, err := New(DefaultConfig(), rand.New(rand.NewSource(2)))
	require.NoError(t, err)
	_, err = other.ConfigureOptimizers()
	require.NoError(t, err)
	require.NoError(t, other.UnmarshalBinary(state))

	// THEN weights match and the optimizer still updates them
	assert.Equal(t, m.Weights(), other.Weights())
	other.grads[0] = 1
	require.NoError(t, other.Optimizer().Step())
	assert.NotEqual(t, m.Weights()[0], other.Weights()[0])
}

func TestModel_UnmarshalRejectsWrongShape(t *testing.T) {
	m, err := New(Config{Features: 2, LR: 0.1}, rand.New(rand.NewSource(1)))
	require.NoError(t, err)
	assert.Error(t, m.UnmarshalBinary([]byte(`{"params":[1,2,3,4]}`)))
}

func TestConfig_Validate(t *testing.T) {
	tests := []struct {
		name string
		cfg  Config
	}{
		{"no features", Config{LR: 0.1}},
		{"negative lr", Config{Features: 1, LR: -1}},
		{"step without gamma", Config{Features: 1, LR: 0.1, StepSize: 1}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Error(t, tt.cfg.Validate())
		})
	}
	assert.NoError(t, DefaultConfig().Validate())
}

func TestSynthetic_SplitsAreReproducible(t *testing.T) {
	// GIVEN two data modules with the same seed
	newData := func() *Synthetic {
		d, err := NewSynthetic(DefaultDataConfig(), 3, 11)
		require.NoError(t, err)
		require.NoError(t, d.Setup(context.Background(), trainer.FnFit))
		return d
	}
	a, b := newData(), newData()

	// THEN coefficients and the first validation batch match
	wa, ba := a.TrueCoefficients()
	wb, bb := b.TrueCoefficients()
	assert.Equal(t, wa, wb)
	assert.Equal(t, ba, bb)

	first := func(d *Synthetic) []Sample {
		it, err := d.ValDataLoader().Iter(context.Background(), 0)
		require.NoError(t, err)
		defer it.Close()
		batch, err := it.Next()
		require.NoError(t, err)
		return batch.([]Sample)
	}
	assert.Equal(t, first(a), first(b))
	assert.Equal(t, 4, a.ValDataLoader().Len())
}

func TestSynthetic_EmptySplitHasNoLoader(t *testing.T) {
	cfg := DefaultDataConfig()
	cfg.Val = 0
	d, err := NewSynthetic(cfg, 2, 1)
	require.NoError(t, err)
	require.NoError(t, d.Setup(context.Background(), trainer.FnFit))

	assert.Nil(t, d.ValDataLoader())
	assert.NotNil(t, d.TrainDataLoader())
}

func TestModel_FitRecoversCoefficients(t *testing.T) {
	// GIVEN low-noise synthetic data and no loggers or checkpoints
	ctx := context.Background()
	dm, err := NewSynthetic(DataConfig{Train: 512, Val: 64, BatchSize: 32, Noise: 0.01, Shuffle: true}, 3, 5)
	require.NoError(t, err)
	m, err := New(DefaultConfig(), trainer.NewPartitionedRNG(5).ForSubsystem(trainer.SubsystemModel))
	require.NoError(t, err)

	cfg := trainer.DefaultConfig()
	cfg.MaxEpochs = 20
	cfg.EnableCheckpointing = false
	cfg.EnableLogger = false
	cfg.DefaultRootDir = t.TempDir()
	tr, err := trainer.New(cfg)
	require.NoError(t, err)

	// WHEN fit runs
	require.NoError(t, tr.Fit(ctx, m, dm))

	// THEN the learned weights approach the generating ones
	w, b := dm.TrueCoefficients()
	for i := range w {
		assert.InDelta(t, w[i], m.Weights()[i], 0.05, "weight %d", i)
	}
	assert.InDelta(t, b, m.Bias(), 0.05)
	assert.Less(t, tr.CallbackMetrics()["val_loss"], 0.01)
	assert.Contains(t, tr.CallbackMetrics(), "weight_norm")
}

func TestModel_ManualOptimizationCountsSteps(t *testing.T) {
	// GIVEN a module that steps its own optimizer
	ctx := context.Background()
	dm, err := NewSynthetic(DataConfig{Train: 64, BatchSize: 16, Noise: 0.01}, 2, 3)
	require.NoError(t, err)
	mcfg := DefaultConfig()
	mcfg.Features = 2
	mcfg.Manual = true
	m, err := New(mcfg, rand.New(rand.NewSource(3)))
	require.NoError(t, err)

	cfg := trainer.DefaultConfig()
	cfg.MaxEpochs = 2
	cfg.EnableCheckpointing = false
	cfg.EnableLogger = false
	tr, err := trainer.New(cfg)
	require.NoError(t, err)

	// WHEN fit runs
	require.NoError(t, tr.Fit(ctx, m, dm))

	// THEN every batch produced one global step
	assert.Equal(t, 8, tr.GlobalStep())
	assert.Equal(t, 8, m.Optimizer().Steps())
}
