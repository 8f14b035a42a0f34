package trainer

import (
	"context"
	"errors"
	"fmt"
	"io"
	"maps"
	"os"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/inference-sim/trainloop/trainer/accelerator"
	"github.com/inference-sim/trainloop/trainer/trace"
)

// Trainer runs a Module over a DataModule and dispatches hooks to callbacks.
//
// A Trainer is not safe for concurrent use. Entry points may be called
// repeatedly; each call resets loop state but keeps the callbacks, loggers
// and the accumulated metric views.
type Trainer struct {
	cfg        Config
	loggers    []Logger
	dispatcher *Dispatcher
	trace      *trace.HookTrace
	profileOut io.Writer
	rng        *PartitionedRNG

	state          State
	currentEpoch   int
	globalStep     int
	shouldStop     bool
	sanityChecking bool
	startTime      time.Time

	// Train epoch progress.
	batchIdx           int
	batchesCompleted   int
	batchesThatStepped int
	totalTrainBatches  int // across epochs, for epoch-free val cadence
	epochExhausted     bool
	epochEnding        bool
	resumeSkip         int

	module     Module
	data       DataModule
	automatic  bool
	optimizers []Optimizer
	schedulers []SchedulerConfig

	numTrainBatches int // -1 unknown
	numValBatches   int // -1 unknown, 0 disabled
	valCheckBatch   int // -1 end of epoch only

	// Logger step of per-batch evaluation values, per stage, across the run.
	evalLoggerSteps map[Stage]int

	results map[Stage]*resultCollection
	metrics metricViews
}

// Option configures a Trainer.
type Option func(*trainerOptions)

type trainerOptions struct {
	callbacks  []Callback
	loggers    []Logger
	profileOut io.Writer
}

// WithCallbacks registers callbacks in dispatch order.
func WithCallbacks(cbs ...Callback) Option {
	return func(o *trainerOptions) { o.callbacks = append(o.callbacks, cbs...) }
}

// WithProfileOutput sets where the simple profiler writes its summary.
// The default is os.Stderr; nil keeps it.
func WithProfileOutput(w io.Writer) Option {
	return func(o *trainerOptions) {
		if w != nil {
			o.profileOut = w
		}
	}
}

// WithLoggers registers metric loggers.
func WithLoggers(ls ...Logger) Option {
	return func(o *trainerOptions) { o.loggers = append(o.loggers, ls...) }
}

// New validates cfg and builds a Trainer.
func New(cfg Config, opts ...Option) (*Trainer, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	o := trainerOptions{profileOut: os.Stderr}
	for _, opt := range opts {
		opt(&o)
	}

	rc := cfg.resolved()
	device, err := accelerator.Resolve(rc.Accelerator)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMisconfigured, err)
	}
	logrus.Debugf("trainer: running on %s with %d device(s)", device, max(rc.Devices, 1))
	if cfg.MaxEpochs == 0 && rc.MaxEpochs == defaultMaxEpochs {
		logrus.Warnf("max_epochs not set and no max_steps or max_time given; defaulting to max_epochs=%d", defaultMaxEpochs)
	}

	callbacks, err := configureCallbacks(cfg, rc, o.callbacks)
	if err != nil {
		return nil, err
	}
	loggers, err := configureLoggers(rc, o.loggers)
	if err != nil {
		return nil, err
	}

	tr := trace.NewHookTrace(rc.traceConfig())
	d, err := NewDispatcher(callbacks, tr)
	if err != nil {
		return nil, err
	}
	return &Trainer{
		cfg:        rc,
		loggers:    loggers,
		dispatcher: d,
		trace:      tr,
		profileOut: o.profileOut,
		rng:        NewPartitionedRNG(RunSeed(rc.Seed)),
		state:      State{Status: StatusInitializing},
		metrics:    newMetricViews(),
	}, nil
}

func configureCallbacks(cfg, rc Config, user []Callback) ([]Callback, error) {
	hasCheckpointer := false
	for _, cb := range user {
		if cb != nil && isCheckpointer(cb) {
			hasCheckpointer = true
		}
	}
	if hasCheckpointer && !cfg.EnableCheckpointing {
		return nil, fmt.Errorf("%w: a checkpoint callback was passed but enable_checkpointing is false", ErrMisconfigured)
	}
	if !rc.EnableCheckpointing {
		if hasCheckpointer {
			logrus.Infof("fast_dev_run=%d: checkpoint callbacks disabled", rc.FastDevRun)
		}
		kept := make([]Callback, 0, len(user))
		for _, cb := range user {
			if cb == nil || !isCheckpointer(cb) {
				kept = append(kept, cb)
			}
		}
		return kept, nil
	}
	if !hasCheckpointer && NewDefaultCheckpointFunc != nil {
		return append(append([]Callback(nil), user...), NewDefaultCheckpointFunc()), nil
	}
	return user, nil
}

func configureLoggers(rc Config, user []Logger) ([]Logger, error) {
	if !rc.EnableLogger {
		if len(user) > 0 {
			logrus.Infof("loggers disabled; %d logger(s) will not receive metrics", len(user))
		}
		return nil, nil
	}
	if len(user) > 0 {
		return user, nil
	}
	if NewDefaultLoggerFunc == nil {
		return nil, nil
	}
	l, err := NewDefaultLoggerFunc(rc.DefaultRootDir)
	if err != nil {
		return nil, fmt.Errorf("creating default logger: %w", err)
	}
	return []Logger{l}, nil
}

// === Accessors ===

// Config returns the resolved configuration.
func (t *Trainer) Config() Config { return t.cfg }

// State returns what the trainer is doing.
func (t *Trainer) State() State { return t.state }

// CurrentEpoch returns the zero-based epoch being run.
func (t *Trainer) CurrentEpoch() int { return t.currentEpoch }

// GlobalStep returns the number of optimizer steps taken.
func (t *Trainer) GlobalStep() int { return t.globalStep }

// ShouldStop reports whether a stop was requested.
func (t *Trainer) ShouldStop() bool { return t.shouldStop }

// SetShouldStop requests that fit ends once min_epochs and min_steps are met.
func (t *Trainer) SetShouldStop(v bool) { t.shouldStop = v }

// SanityChecking reports whether the sanity validation loop is running.
func (t *Trainer) SanityChecking() bool { return t.sanityChecking }

// Elapsed returns the time since the current entry point started.
func (t *Trainer) Elapsed() time.Duration {
	if t.startTime.IsZero() {
		return 0
	}
	return time.Since(t.startTime)
}

// NumTrainBatches returns the batches per train epoch (-1 when unknown).
func (t *Trainer) NumTrainBatches() int { return t.numTrainBatches }

// NumValBatches returns the validation batches run per check during fit
// (-1 when unknown, 0 when validation is disabled).
func (t *Trainer) NumValBatches() int { return t.numValBatches }

// BatchIdx returns the index of the train batch being run in this epoch.
func (t *Trainer) BatchIdx() int { return t.batchIdx }

// BatchesThatStepped returns the count that loggers use as their step.
func (t *Trainer) BatchesThatStepped() int { return t.batchesThatStepped }

// Optimizers returns the optimizers of the current fit.
func (t *Trainer) Optimizers() []Optimizer { return t.optimizers }

// Schedulers returns the scheduler bindings of the current fit.
func (t *Trainer) Schedulers() []SchedulerConfig { return t.schedulers }

// Loggers returns the active loggers.
func (t *Trainer) Loggers() []Logger { return t.loggers }

// Callbacks returns the callbacks in dispatch order.
func (t *Trainer) Callbacks() []Callback { return t.dispatcher.Callbacks() }

// Module returns the module of the current entry point.
func (t *Trainer) Module() Module { return t.module }

// RNG returns the partitioned random source seeded from Config.Seed. Callers
// draw model and data streams from it with ForSubsystem.
func (t *Trainer) RNG() *PartitionedRNG { return t.rng }

// Trace returns the hook trace; it records nothing unless profiling is on.
func (t *Trainer) Trace() *trace.HookTrace { return t.trace }

// CallbackMetrics returns a copy of every metric visible to callbacks.
func (t *Trainer) CallbackMetrics() map[string]float64 { return maps.Clone(t.metrics.callback) }

// LoggedMetrics returns a copy of the metrics last sent to loggers.
func (t *Trainer) LoggedMetrics() map[string]float64 { return maps.Clone(t.metrics.logged) }

// ProgressBarMetrics returns a copy of the metrics marked ProgBar.
func (t *Trainer) ProgressBarMetrics() map[string]float64 { return maps.Clone(t.metrics.progress) }

// LogDir is the run directory: the first logger's directory, else the root dir.
func (t *Trainer) LogDir() string {
	for _, l := range t.loggers {
		if p, ok := l.(LogDirProvider); ok {
			return p.LogDir()
		}
	}
	return t.cfg.DefaultRootDir
}

// === Logging ===

func (t *Trainer) collection() *resultCollection {
	stage := t.state.Stage
	if stage == StageSanityCheck {
		stage = StageValidate
	}
	c, ok := t.results[stage]
	if !ok {
		c = newResultCollection(stage)
		t.results[stage] = c
	}
	return c
}

// logValue routes a value logged from hook into the active collection.
func (t *Trainer) logValue(hook Hook, batch Batch, name string, value float64, opts []LogOption) error {
	if t.state.Status != StatusRunning || t.results == nil {
		return fmt.Errorf("%w: %q logged outside a run", ErrLoggingNotAllowed, name)
	}
	if t.state.Stage == StagePredict {
		return fmt.Errorf("%w: predict does not aggregate logged values (logging %q)", ErrLoggingNotAllowed, name)
	}
	var o logOptions
	for _, opt := range opts {
		opt(&o)
	}
	batchSize := o.batchSize
	if batchSize <= 0 {
		batchSize = inferBatchSize(batch)
	}
	meta, err := t.collection().log(hook, name, value, batchSize, opts)
	if err != nil {
		return err
	}
	if meta.onStep && !t.sanityChecking {
		key := stepKey(name, meta)
		t.metrics.callback[name] = value
		t.metrics.callback[key] = value
		if meta.progBar {
			t.metrics.progress[key] = value
		}
	}
	return nil
}

// loggerStep is the step reported with every logger write.
func (t *Trainer) loggerStep() int {
	return max(t.batchesThatStepped-1, 0)
}

// publish sends views to the loggers and merges them into the run views.
func (t *Trainer) publish(views metricViews, toLoggers bool) error {
	return t.publishAt(views, toLoggers, t.loggerStep())
}

// publishAt is publish with an explicit logger step.
func (t *Trainer) publishAt(views metricViews, toLoggers bool, step int) error {
	t.metrics.callback = mergeInto(t.metrics.callback, views.callback)
	t.metrics.progress = mergeInto(t.metrics.progress, views.progress)
	if !toLoggers || len(views.logged) == 0 {
		return nil
	}
	out := maps.Clone(views.logged)
	out["epoch"] = float64(t.currentEpoch)
	t.metrics.logged = mergeInto(t.metrics.logged, out)
	for _, l := range t.loggers {
		if err := l.LogMetrics(maps.Clone(out), step); err != nil {
			return fmt.Errorf("logger %s: %w", l.Name(), err)
		}
	}
	return nil
}

func mergeInto(dst, src map[string]float64) map[string]float64 {
	if dst == nil {
		dst = make(map[string]float64, len(src))
	}
	maps.Copy(dst, src)
	return dst
}

// === Events ===

func (t *Trainer) newEvent(hook Hook) *Event {
	return &Event{
		Hook:       hook,
		Trainer:    t,
		Fn:         t.state.Fn,
		Stage:      t.state.Stage,
		Epoch:      t.currentEpoch,
		GlobalStep: t.globalStep,
		BatchIdx:   t.batchIdx,
	}
}

func (t *Trainer) dispatch(ctx context.Context, hook Hook) error {
	return t.dispatcher.Dispatch(ctx, t.newEvent(hook))
}

// callStep runs a module step function under the hook trace.
func (t *Trainer) callStep(ctx context.Context, ev *Event, fn func() error) error {
	return t.dispatcher.invoke(ctx, ev, moduleOwner, func(context.Context, *Event) error {
		return fn()
	})
}

func (t *Trainer) setTraining(training bool) {
	if ms, ok := t.module.(ModeSetter); ok {
		ms.SetTraining(training)
	}
}

// === Entry points ===

// RunOption configures one entry-point call.
type RunOption func(*runOptions)

type runOptions struct {
	ckptPath string
}

// WithCheckpoint restores from path before running. path may be a file,
// "last" or "best"; the aliases are resolved through a CheckpointProvider
// callback.
func WithCheckpoint(path string) RunOption {
	return func(o *runOptions) { o.ckptPath = path }
}

// Fit runs the training loop with periodic validation.
func (t *Trainer) Fit(ctx context.Context, module Module, data DataModule, opts ...RunOption) error {
	return t.run(ctx, FnFit, module, data, opts, t.runFit)
}

// Validate runs one validation epoch and returns the reduced metrics.
func (t *Trainer) Validate(ctx context.Context, module Module, data DataModule, opts ...RunOption) (map[string]float64, error) {
	var out map[string]float64
	err := t.run(ctx, FnValidate, module, data, opts, func(ctx context.Context, ro runOptions) error {
		var err error
		out, err = t.runEvaluate(ctx, ro, StageValidate)
		return err
	})
	return out, err
}

// Test runs one test epoch and returns the reduced metrics.
func (t *Trainer) Test(ctx context.Context, module Module, data DataModule, opts ...RunOption) (map[string]float64, error) {
	var out map[string]float64
	err := t.run(ctx, FnTest, module, data, opts, func(ctx context.Context, ro runOptions) error {
		var err error
		out, err = t.runEvaluate(ctx, ro, StageTest)
		return err
	})
	return out, err
}

// Predict runs the predict loop and returns one output per batch.
func (t *Trainer) Predict(ctx context.Context, module Module, data DataModule, opts ...RunOption) ([]any, error) {
	var out []any
	err := t.run(ctx, FnPredict, module, data, opts, func(ctx context.Context, ro runOptions) error {
		var err error
		out, err = t.runPredict(ctx, ro)
		return err
	})
	return out, err
}

// run wraps an entry point with setup, failure handling and teardown.
func (t *Trainer) run(ctx context.Context, fn Fn, module Module, data DataModule, opts []RunOption, body func(context.Context, runOptions) error) error {
	if module == nil {
		return fmt.Errorf("%w: nil module", ErrMisconfigured)
	}
	if data == nil {
		data = Loaders{}
	}
	if t.state.Status == StatusRunning {
		return fmt.Errorf("%w: %s called while %s is running", ErrMisconfigured, fn, t.state.Fn)
	}
	var ro runOptions
	for _, opt := range opts {
		opt(&ro)
	}

	t.reset(fn, module, data)
	if h, ok := module.(HookHandler); ok {
		t.dispatcher.SetModule(h)
	} else {
		t.dispatcher.SetModule(nil)
	}
	logrus.Debugf("%s: starting", fn)

	err := t.setup(ctx)
	if err == nil {
		err = body(ctx, ro)
	}
	if err == nil && ctx.Err() != nil {
		err = ctx.Err()
	}
	if err != nil {
		t.handleFailure(ctx, err)
	}

	if tdErr := t.teardown(context.WithoutCancel(ctx)); tdErr != nil {
		logrus.Errorf("%s: teardown: %v", fn, tdErr)
		if err == nil {
			err = tdErr
			t.state.Status = StatusFailed
		}
	}
	if err == nil {
		t.state.Status = StatusFinished
	}
	t.finalizeLoggers()
	t.writeProfile()

	if err != nil {
		return fmt.Errorf("%s: %w", fn, err)
	}
	logrus.Debugf("%s: finished in %s", fn, t.Elapsed().Round(time.Millisecond))
	return nil
}

func (t *Trainer) reset(fn Fn, module Module, data DataModule) {
	t.state = State{Fn: fn, Status: StatusRunning}
	t.module = module
	t.data = data
	t.startTime = time.Now()
	t.currentEpoch = 0
	t.globalStep = 0
	t.shouldStop = false
	t.sanityChecking = false
	t.batchIdx = 0
	t.batchesCompleted = 0
	t.batchesThatStepped = 0
	t.totalTrainBatches = 0
	t.epochExhausted = false
	t.epochEnding = false
	t.resumeSkip = 0
	t.optimizers = nil
	t.schedulers = nil
	t.automatic = usesAutomaticOptimization(module)
	t.numTrainBatches = 0
	t.numValBatches = 0
	t.valCheckBatch = -1
	t.evalLoggerSteps = make(map[Stage]int)
	t.results = make(map[Stage]*resultCollection)
	t.trace.Reset()
}

func (t *Trainer) setup(ctx context.Context) error {
	if ds, ok := t.data.(DataSetup); ok {
		if err := ds.PrepareData(ctx); err != nil {
			return fmt.Errorf("prepare data: %w", err)
		}
		if err := ds.Setup(ctx, t.state.Fn); err != nil {
			return fmt.Errorf("data setup: %w", err)
		}
	}
	return t.dispatch(ctx, HookSetup)
}

func (t *Trainer) teardown(ctx context.Context) error {
	t.state.Stage = ""
	err := t.dispatch(ctx, HookTeardown)
	if ds, ok := t.data.(DataSetup); ok {
		if dErr := ds.Teardown(ctx, t.state.Fn); dErr != nil && err == nil {
			err = fmt.Errorf("data teardown: %w", dErr)
		}
	}
	return err
}

func (t *Trainer) handleFailure(ctx context.Context, err error) {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		t.state.Status = StatusInterrupted
		logrus.Warnf("%s interrupted at epoch %d step %d: %v", t.state.Fn, t.currentEpoch, t.globalStep, err)
	} else {
		t.state.Status = StatusFailed
		logrus.Errorf("%s failed at epoch %d step %d: %v", t.state.Fn, t.currentEpoch, t.globalStep, err)
	}
	ev := t.newEvent(HookOnException)
	ev.Err = err
	if exErr := t.dispatcher.Dispatch(context.WithoutCancel(ctx), ev); exErr != nil {
		logrus.Errorf("on_exception handler: %v", exErr)
	}
}

func (t *Trainer) finalizeLoggers() {
	for _, l := range t.loggers {
		if err := l.Save(); err != nil {
			logrus.Errorf("logger %s: save: %v", l.Name(), err)
		}
		if err := l.Finalize(t.state.Status); err != nil {
			logrus.Errorf("logger %s: finalize: %v", l.Name(), err)
		}
	}
}

func (t *Trainer) writeProfile() {
	if !t.trace.Enabled() {
		return
	}
	summary := trace.Summarize(t.trace)
	logrus.Infof("profiler: %d hook invocations, %.3fs total", summary.TotalInvocations, summary.TotalSeconds)
	if err := summary.Write(t.profileOut); err != nil {
		logrus.Warnf("profiler: writing summary: %v", err)
	}
}
