package trainer

// Batch is one element produced by a DataLoader. The trainer never inspects
// it beyond inferring a batch size for logging.
type Batch = any

// StepOutput is what a step function returns for one batch.
type StepOutput struct {
	// Loss is the scalar the module will backpropagate.
	Loss float64
	// Skip, under automatic optimization, skips backward and the optimizer
	// step for this batch.
	Skip bool
	// Extra carries anything the module wants visible in batch-end hooks.
	Extra map[string]any
}

// Module is the user model driven by the Trainer.
//
// TrainingStep computes the loss for one batch. Backward propagates it into
// whatever gradient storage the module's optimizers read. ConfigureOptimizers
// is called once per fit, after setup.
type Module interface {
	TrainingStep(sc *StepContext, batch Batch, batchIdx int) (StepOutput, error)
	Backward(sc *StepContext, out StepOutput) error
	ConfigureOptimizers() (OptimizerConfig, error)
}

// ValidationStepper is implemented by modules that support a validation loop.
// Without it, validation and the sanity check are skipped.
type ValidationStepper interface {
	ValidationStep(sc *StepContext, batch Batch, batchIdx int) (StepOutput, error)
}

// TestStepper is implemented by modules that support Trainer.Test.
type TestStepper interface {
	TestStep(sc *StepContext, batch Batch, batchIdx int) (StepOutput, error)
}

// PredictStepper is implemented by modules that support Trainer.Predict.
type PredictStepper interface {
	PredictStep(sc *StepContext, batch Batch, batchIdx int) (any, error)
}

// ManualOptimization lets a module take over backward and optimizer calls.
// When AutomaticOptimization returns false, the trainer only calls
// TrainingStep; the module drives sc.Optimizers() and sc.ManualBackward.
type ManualOptimization interface {
	AutomaticOptimization() bool
}

// ModeSetter receives train/eval mode switches around evaluation loops.
type ModeSetter interface {
	SetTraining(training bool)
}

// HyperparameterProvider exposes the values logged to loggers at fit start
// and stored in checkpoints.
type HyperparameterProvider interface {
	Hyperparameters() map[string]any
}

// Optimizer updates parameters from accumulated gradients.
type Optimizer interface {
	Step() error
	ZeroGrad()
	LearningRate() float64
	SetLearningRate(lr float64)
}

// ClipAlgorithm selects how gradients are clipped.
type ClipAlgorithm string

const (
	ClipNorm  ClipAlgorithm = "norm"
	ClipValue ClipAlgorithm = "value"
)

// GradientClipper is implemented by optimizers that can clip the gradients
// they are about to apply. It returns the gradient norm before clipping.
type GradientClipper interface {
	ClipGradients(value float64, algorithm ClipAlgorithm) (float64, error)
}

// Scheduler adjusts an optimizer's learning rate.
type Scheduler interface {
	Step() error
}

// MetricScheduler is a Scheduler stepped with a monitored metric value
// (for example reduce-on-plateau).
type MetricScheduler interface {
	StepMetric(value float64) error
}

// Interval says when a scheduler is stepped.
type Interval string

const (
	IntervalEpoch Interval = "epoch"
	IntervalStep  Interval = "step"
)

// SchedulerConfig binds a Scheduler to the loop.
type SchedulerConfig struct {
	Scheduler Scheduler
	Name      string
	Interval  Interval // default epoch
	Frequency int      // default 1
	// Monitor names the callback metric passed to a MetricScheduler.
	Monitor string
	// Strict makes a missing Monitor metric an error instead of a skipped step.
	Strict bool
}

// OptimizerConfig is returned by Module.ConfigureOptimizers.
type OptimizerConfig struct {
	Optimizers []Optimizer
	Schedulers []SchedulerConfig
}

// Single is a convenience for modules with one optimizer and no scheduler.
func Single(opt Optimizer) OptimizerConfig {
	return OptimizerConfig{Optimizers: []Optimizer{opt}}
}

func (c *SchedulerConfig) normalize() {
	if c.Interval == "" {
		c.Interval = IntervalEpoch
	}
	if c.Frequency <= 0 {
		c.Frequency = 1
	}
}

func usesAutomaticOptimization(m Module) bool {
	if mo, ok := m.(ManualOptimization); ok {
		return mo.AutomaticOptimization()
	}
	return true
}
