package trainer

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestResultCollection_DefaultsFollowTheHook(t *testing.T) {
	c := newResultCollection(StageTrain)

	// training_step logs per step by default
	meta, err := c.log(HookTrainingStep, "loss", 1, 1, nil)
	require.NoError(t, err)
	assert.True(t, meta.onStep)
	assert.False(t, meta.onEpoch)

	// validation_step logs per epoch by default
	meta, err = c.log(HookValidationStep, "val", 1, 1, nil)
	require.NoError(t, err)
	assert.False(t, meta.onStep)
	assert.True(t, meta.onEpoch)
}

func TestResultCollection_RejectsDisallowedLogging(t *testing.T) {
	tests := []struct {
		name string
		hook Hook
		opts []LogOption
	}{
		{"hook without logging", HookOnFitStart, nil},
		{"step value in epoch hook", HookOnTrainEpochEnd, []LogOption{OnStep(true)}},
		{"step function outside loops", HookBackward, nil},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := newResultCollection(StageTrain).log(tt.hook, "x", 1, 1, tt.opts)
			assert.ErrorIs(t, err, ErrLoggingNotAllowed)
		})
	}
}

func TestResultCollection_RejectsInvalidOptions(t *testing.T) {
	c := newResultCollection(StageTrain)

	_, err := c.log(HookTrainingStep, "x", 1, 1, []LogOption{OnStep(false), OnEpoch(false)})
	assert.ErrorIs(t, err, ErrMisconfigured)

	_, err = c.log(HookTrainingStep, "x", 1, 1, []LogOption{Reduce("median")})
	assert.ErrorIs(t, err, ErrMisconfigured)

	_, err = c.log(HookTrainingStep, "", 1, 1, nil)
	assert.ErrorIs(t, err, ErrMisconfigured)

	// the same name with different options in one epoch
	_, err = c.log(HookTrainingStep, "y", 1, 1, nil)
	require.NoError(t, err)
	_, err = c.log(HookTrainingStep, "y", 1, 1, []LogOption{OnEpoch(true)})
	assert.ErrorIs(t, err, ErrMisconfigured)
}

func TestResultCollection_EpochReductions(t *testing.T) {
	tests := []struct {
		reduce ReduceFx
		want   float64
	}{
		// values 1, 2, 4 with batch sizes 1, 1, 2
		{ReduceMean, (1 + 2 + 4*2) / 4.0},
		{ReduceSum, 7},
		{ReduceMax, 4},
		{ReduceMin, 1},
	}
	for _, tt := range tests {
		t.Run(string(tt.reduce), func(t *testing.T) {
			c := newResultCollection(StageValidate)
			for i, v := range []float64{1, 2, 4} {
				size := 1
				if i == 2 {
					size = 2
				}
				_, err := c.log(HookValidationStep, "m", v, size, []LogOption{Reduce(tt.reduce)})
				require.NoError(t, err)
			}

			views := c.reduceEpoch()

			assert.InDelta(t, tt.want, views.callback["m"], 1e-12)
			assert.InDelta(t, tt.want, views.logged["m"], 1e-12)
		})
	}
}

func TestResultCollection_StepAndEpochKeys(t *testing.T) {
	// GIVEN a value logged both per step and per epoch
	c := newResultCollection(StageTrain)
	opts := []LogOption{OnStep(true), OnEpoch(true), ProgBar(true)}
	_, err := c.log(HookTrainingStep, "acc", 0.5, 1, opts)
	require.NoError(t, err)

	// WHEN the step is taken
	step := c.takeStep()

	// THEN the step value is suffixed _step and also visible unsuffixed to callbacks
	assert.Equal(t, 0.5, step.logged["acc_step"])
	assert.Equal(t, 0.5, step.callback["acc"])
	assert.Equal(t, 0.5, step.progress["acc_step"])
	assert.NotContains(t, step.logged, "acc")

	// AND the epoch value is suffixed _epoch
	_, err = c.log(HookTrainingStep, "acc", 1.5, 1, opts)
	require.NoError(t, err)
	epoch := c.reduceEpoch()
	assert.Equal(t, 1.0, epoch.logged["acc_epoch"])
	assert.Equal(t, 1.0, epoch.callback["acc"])

	// AND the collection is empty afterwards
	assert.True(t, c.reduceEpoch().empty())
}

func TestResultCollection_SendToLoggerFalse(t *testing.T) {
	c := newResultCollection(StageValidate)
	_, err := c.log(HookValidationStep, "private", 1, 1, []LogOption{SendToLogger(false)})
	require.NoError(t, err)

	views := c.reduceEpoch()

	assert.Contains(t, views.callback, "private")
	assert.NotContains(t, views.logged, "private")
}

func TestInferBatchSize(t *testing.T) {
	tests := []struct {
		name  string
		batch Batch
		want  int
	}{
		{"nil", nil, 1},
		{"slice", []float64{1, 2, 3}, 3},
		{"map", map[string]int{"a": 1, "b": 2}, 2},
		{"sizer", sizedBatch(7), 7},
		{"scalar", 3.0, 1},
		{"empty slice", []int{}, 1},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, inferBatchSize(tt.batch))
		})
	}
}

type sizedBatch int

func (b sizedBatch) BatchSize() int { return int(b) }

func TestFit_LoggerReceivesStepsAndEpochs(t *testing.T) {
	// GIVEN a module logging loss per step and acc per step and epoch
	cfg := testConfig()
	cfg.MaxEpochs = 2
	lg := &memLogger{}
	tr := newTestTrainer(t, cfg, WithLoggers(lg))
	m := newToyModule()
	m.onStep = func(sc *StepContext, idx int) error {
		return sc.Log("acc", float64(idx), OnStep(true), OnEpoch(true))
	}

	// WHEN fit runs 2 epochs of 3 batches
	require.NoError(t, tr.Fit(context.Background(), m, Loaders{Train: newListLoader(3, 1)}))

	// THEN each step is written with its logger step and the epoch number
	steps, values := lg.series("loss")
	assert.Equal(t, []int{0, 1, 2, 3, 4, 5}, steps)
	assert.Equal(t, []float64{0, 1, 2, 0, 1, 2}, values)
	steps, values = lg.series("acc_epoch")
	assert.Equal(t, []int{2, 5}, steps)
	assert.Equal(t, []float64{1, 1}, values)
	_, epochs := lg.series("epoch")
	assert.Equal(t, 0.0, epochs[0])
	assert.Equal(t, 1.0, epochs[len(epochs)-1])

	// AND hyperparameters were logged once, loggers saved per epoch and finalized
	assert.Contains(t, lg.hparams, "weight")
	assert.GreaterOrEqual(t, lg.saves, 2)
	assert.Equal(t, StatusFinished, lg.status)

	// AND the trainer views carry the latest values
	assert.Equal(t, 1.0, tr.CallbackMetrics()["acc"])
	assert.Equal(t, 2.0, tr.ProgressBarMetrics()["loss"])
	assert.Equal(t, 1.0, tr.LoggedMetrics()["acc_epoch"])
}

func TestFit_LogEveryNSteps(t *testing.T) {
	cfg := testConfig()
	cfg.LogEveryNSteps = 2
	lg := &memLogger{}
	tr := newTestTrainer(t, cfg, WithLoggers(lg))

	require.NoError(t, tr.Fit(context.Background(), newToyModule(), Loaders{Train: newListLoader(5, 1)}))

	steps, _ := lg.series("loss")
	assert.Equal(t, []int{1, 3}, steps)
}

func TestFit_SanityCheckMetricsAreDiscarded(t *testing.T) {
	// GIVEN a full sanity check and no regular validation in the only epoch
	cfg := testConfig()
	cfg.NumSanityValSteps = -1
	cfg.CheckValEveryNEpoch = 2
	lg := &memLogger{}
	tr := newTestTrainer(t, cfg, WithLoggers(lg))
	m := newToyModule()

	// WHEN fit runs
	require.NoError(t, tr.Fit(context.Background(), m, Loaders{Train: newListLoader(1, 1), Val: newListLoader(2, 1)}))

	// THEN the sanity check ran but its values reached neither callbacks nor loggers
	assert.Contains(t, m.hooks, HookOnSanityCheckStart.String())
	assert.NotContains(t, tr.CallbackMetrics(), "val_loss")
	steps, _ := lg.series("val_loss")
	assert.Empty(t, steps)
}

func TestLog_OutsideRunIsError(t *testing.T) {
	tr := newTestTrainer(t, testConfig())
	ev := tr.newEvent(HookTrainingStep)
	assert.ErrorIs(t, ev.Log("x", 1), ErrLoggingNotAllowed)
}

func TestLog_FromEpochEndHookIsReduced(t *testing.T) {
	// GIVEN a callback that logs at every train epoch end
	cfg := testConfig()
	cfg.MaxEpochs = 2
	cb := NewCallbackFunc("epoch-logger", func(_ context.Context, ev *Event) error {
		return ev.Log("epoch_marker", float64(ev.Epoch))
	}, HookOnTrainEpochEnd)
	tr := newTestTrainer(t, cfg, WithCallbacks(cb))

	require.NoError(t, tr.Fit(context.Background(), newToyModule(), Loaders{Train: newListLoader(1, 1)}))

	assert.Equal(t, 1.0, tr.CallbackMetrics()["epoch_marker"])
}

func TestLog_PredictRejectsLogging(t *testing.T) {
	tr := newTestTrainer(t, testConfig())
	m := &loggingPredictor{toyModule: newToyModule()}

	_, err := tr.Predict(context.Background(), m, Loaders{Predict: newListLoader(1, 1)})

	assert.ErrorIs(t, err, ErrLoggingNotAllowed)
}

type loggingPredictor struct{ *toyModule }

func (m *loggingPredictor) PredictStep(sc *StepContext, batch Batch, idx int) (any, error) {
	return nil, sc.Log("p", 1)
}
