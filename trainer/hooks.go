package trainer

import "context"

// Hook is a named point in the loop lifecycle where extension code runs.
type Hook int

const (
	HookSetup Hook = iota
	HookTeardown
	HookOnFitStart
	HookOnFitEnd
	HookOnSanityCheckStart
	HookOnSanityCheckEnd
	HookOnTrainStart
	HookOnTrainEnd
	HookOnTrainEpochStart
	HookOnTrainEpochEnd
	HookOnTrainBatchStart
	HookOnTrainBatchEnd
	HookOnBeforeBackward
	HookOnAfterBackward
	HookOnBeforeOptimizerStep
	HookOnBeforeZeroGrad
	HookOnValidationStart
	HookOnValidationEnd
	HookOnValidationEpochStart
	HookOnValidationEpochEnd
	HookOnValidationBatchStart
	HookOnValidationBatchEnd
	HookOnValidationModelEval
	HookOnValidationModelTrain
	HookOnTestStart
	HookOnTestEnd
	HookOnTestEpochStart
	HookOnTestEpochEnd
	HookOnTestBatchStart
	HookOnTestBatchEnd
	HookOnPredictStart
	HookOnPredictEnd
	HookOnPredictEpochStart
	HookOnPredictEpochEnd
	HookOnPredictBatchStart
	HookOnPredictBatchEnd
	HookOnSaveCheckpoint
	HookOnLoadCheckpoint
	HookOnException

	// Step functions. They are never dispatched to callbacks; they exist so
	// the trace and the logging rules can name them.
	HookTrainingStep
	HookValidationStep
	HookTestStep
	HookPredictStep
	HookBackward
	HookOptimizerStep

	numHooks
)

var hookNames = [numHooks]string{
	HookSetup:                  "setup",
	HookTeardown:               "teardown",
	HookOnFitStart:             "on_fit_start",
	HookOnFitEnd:               "on_fit_end",
	HookOnSanityCheckStart:     "on_sanity_check_start",
	HookOnSanityCheckEnd:       "on_sanity_check_end",
	HookOnTrainStart:           "on_train_start",
	HookOnTrainEnd:             "on_train_end",
	HookOnTrainEpochStart:      "on_train_epoch_start",
	HookOnTrainEpochEnd:        "on_train_epoch_end",
	HookOnTrainBatchStart:      "on_train_batch_start",
	HookOnTrainBatchEnd:        "on_train_batch_end",
	HookOnBeforeBackward:       "on_before_backward",
	HookOnAfterBackward:        "on_after_backward",
	HookOnBeforeOptimizerStep:  "on_before_optimizer_step",
	HookOnBeforeZeroGrad:       "on_before_zero_grad",
	HookOnValidationStart:      "on_validation_start",
	HookOnValidationEnd:        "on_validation_end",
	HookOnValidationEpochStart: "on_validation_epoch_start",
	HookOnValidationEpochEnd:   "on_validation_epoch_end",
	HookOnValidationBatchStart: "on_validation_batch_start",
	HookOnValidationBatchEnd:   "on_validation_batch_end",
	HookOnValidationModelEval:  "on_validation_model_eval",
	HookOnValidationModelTrain: "on_validation_model_train",
	HookOnTestStart:            "on_test_start",
	HookOnTestEnd:              "on_test_end",
	HookOnTestEpochStart:       "on_test_epoch_start",
	HookOnTestEpochEnd:         "on_test_epoch_end",
	HookOnTestBatchStart:       "on_test_batch_start",
	HookOnTestBatchEnd:         "on_test_batch_end",
	HookOnPredictStart:         "on_predict_start",
	HookOnPredictEnd:           "on_predict_end",
	HookOnPredictEpochStart:    "on_predict_epoch_start",
	HookOnPredictEpochEnd:      "on_predict_epoch_end",
	HookOnPredictBatchStart:    "on_predict_batch_start",
	HookOnPredictBatchEnd:      "on_predict_batch_end",
	HookOnSaveCheckpoint:       "on_save_checkpoint",
	HookOnLoadCheckpoint:       "on_load_checkpoint",
	HookOnException:            "on_exception",
	HookTrainingStep:           "training_step",
	HookValidationStep:         "validation_step",
	HookTestStep:               "test_step",
	HookPredictStep:            "predict_step",
	HookBackward:               "backward",
	HookOptimizerStep:          "optimizer_step",
}

// String returns the snake_case hook name.
func (h Hook) String() string {
	if h < 0 || h >= numHooks {
		return "unknown_hook"
	}
	return hookNames[h]
}

// IsStepFunction reports whether h names a user step function rather than a
// dispatchable hook.
func (h Hook) IsStepFunction() bool {
	return h >= HookTrainingStep && h < numHooks
}

// ParseHook resolves a snake_case hook name.
func ParseHook(name string) (Hook, bool) {
	for h, n := range hookNames {
		if n == name {
			return Hook(h), true
		}
	}
	return 0, false
}

// AllHooks returns every dispatchable hook in declaration order.
func AllHooks() []Hook {
	hooks := make([]Hook, 0, int(HookTrainingStep))
	for h := HookSetup; h < HookTrainingStep; h++ {
		hooks = append(hooks, h)
	}
	return hooks
}

// Event is passed to every callback and module hook handler.
// Fields that do not apply to a hook are left at their zero value.
type Event struct {
	Hook    Hook
	Trainer *Trainer
	Fn      Fn
	Stage   Stage

	Epoch      int
	GlobalStep int
	BatchIdx   int
	Batch      Batch

	// Output is set for batch-end hooks of train, validation and test,
	// and for the backward hooks.
	Output *StepOutput
	// Prediction is set for on_predict_batch_end.
	Prediction any

	Optimizer    Optimizer
	OptimizerIdx int

	// Checkpoint is set for on_save_checkpoint and on_load_checkpoint.
	// Handlers may add entries to Checkpoint.Extra when saving.
	Checkpoint *Checkpoint

	// Err is the failure that triggered on_exception.
	Err error

	// SkipRestOfEpoch may be set by on_train_batch_start handlers to end the
	// current training epoch before the batch is run.
	SkipRestOfEpoch bool

	ctx context.Context
}

// Context returns the run context the hook was dispatched with.
func (ev *Event) Context() context.Context {
	if ev.ctx == nil {
		return context.Background()
	}
	return ev.ctx
}

// Log records a value from a hook handler, following the same aggregation
// rules as StepContext.Log.
func (ev *Event) Log(name string, value float64, opts ...LogOption) error {
	return ev.Trainer.logValue(ev.Hook, ev.Batch, name, value, opts)
}
