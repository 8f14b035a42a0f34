package cmd

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"math"
	"os"
	"os/signal"
	"slices"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/inference-sim/trainloop/models/linreg"
	"github.com/inference-sim/trainloop/trainer"
	"github.com/inference-sim/trainloop/trainer/accelerator"
	"github.com/inference-sim/trainloop/trainer/callbacks"
	"github.com/inference-sim/trainloop/trainer/loggers"
)

var (
	// Global flags
	logLevel   string // Log verbosity level
	configPath string // YAML run file

	// Trainer flags, applied over the run file only when set
	maxEpochs             int           // Maximum epochs (-1 unbounded)
	minEpochs             int           // Minimum epochs before a stop is honoured
	maxSteps              int           // Maximum optimizer steps (-1 unbounded)
	minSteps              int           // Minimum optimizer steps before a stop is honoured
	maxTime               time.Duration // Wall-clock budget for fit
	checkValEveryNEpoch   int           // Validate every N epochs
	numSanityValSteps     int           // Validation batches before training (-1 all)
	accumulateGradBatches int           // Batches per optimizer step
	gradientClipVal       float64       // Clip threshold (0 disables)
	gradientClipAlgorithm string        // norm or value
	logEveryNSteps        int           // Logger push cadence in optimizer steps
	fastDevRun            int           // Debug run over N batches of every loop
	seed                  int64         // Seed for initialization, data and shuffling
	defaultRootDir        string        // Root of logs and checkpoints
	profiler              string        // Hook timing report (simple, none)
	enableCheckpointing   bool          // Register the default checkpoint callback
	enableLogger          bool          // Register the default CSV logger

	// Model and data flags
	learningRate float64 // SGD learning rate
	batchSize    int     // Samples per batch
	manualOpt    bool    // Step the optimizer from the training step

	// Run flags
	ckptPath      string // Checkpoint to restore: path, "best" or "last"
	sqlitePath    string // SQLite metrics database
	consoleLogger bool   // Log metrics through logrus
	earlyStopping string // Metric monitored by early stopping
	outputPath    string // Write results to this file instead of stdout
)

// Limit flags accept a batch count (int) or a fraction (float)
var (
	limitTrainBatches   = trainer.Fraction(1.0)
	limitValBatches     = trainer.Fraction(1.0)
	limitTestBatches    = trainer.Fraction(1.0)
	limitPredictBatches = trainer.Fraction(1.0)
	valCheckInterval    = trainer.Fraction(1.0)
)

// rootCmd is the base command for the CLI
var rootCmd = &cobra.Command{
	Use:   "trainloop",
	Short: "Training loop orchestrator with hooks, callbacks and metric logging",
	PersistentPreRun: func(cmd *cobra.Command, args []string) {
		level, err := logrus.ParseLevel(logLevel)
		if err != nil {
			logrus.Fatalf("Invalid log level: %s", logLevel)
		}
		logrus.SetLevel(level)
	},
}

// session holds everything one command needs.
type session struct {
	rf      RunFile
	trainer *trainer.Trainer
	model   *linreg.Model
	data    *linreg.Synthetic
	sqlite  *loggers.SQLiteLogger
}

func (s *session) close() {
	if s.sqlite != nil {
		if err := s.sqlite.Close(); err != nil {
			logrus.Warnf("closing sqlite logger: %v", err)
		}
	}
}

// applyFlags copies explicitly set flags into rf. Unset flags leave the
// run file (or its defaults) untouched.
func applyFlags(cmd *cobra.Command, rf *RunFile) {
	f := cmd.Flags()
	tc := &rf.Trainer
	if f.Changed("max-epochs") {
		tc.MaxEpochs = maxEpochs
	}
	if f.Changed("min-epochs") {
		tc.MinEpochs = minEpochs
	}
	if f.Changed("max-steps") {
		tc.MaxSteps = maxSteps
	}
	if f.Changed("min-steps") {
		tc.MinSteps = minSteps
	}
	if f.Changed("max-time") {
		tc.MaxTime = maxTime
	}
	if f.Changed("limit-train-batches") {
		tc.LimitTrainBatches = limitTrainBatches
	}
	if f.Changed("limit-val-batches") {
		tc.LimitValBatches = limitValBatches
	}
	if f.Changed("limit-test-batches") {
		tc.LimitTestBatches = limitTestBatches
	}
	if f.Changed("limit-predict-batches") {
		tc.LimitPredictBatches = limitPredictBatches
	}
	if f.Changed("val-check-interval") {
		tc.ValCheckInterval = valCheckInterval
	}
	if f.Changed("check-val-every-n-epoch") {
		tc.CheckValEveryNEpoch = checkValEveryNEpoch
	}
	if f.Changed("num-sanity-val-steps") {
		tc.NumSanityValSteps = numSanityValSteps
	}
	if f.Changed("accumulate-grad-batches") {
		tc.AccumulateGradBatches = accumulateGradBatches
	}
	if f.Changed("gradient-clip-val") {
		tc.GradientClipVal = gradientClipVal
	}
	if f.Changed("gradient-clip-algorithm") {
		tc.GradientClipAlgorithm = trainer.ClipAlgorithm(gradientClipAlgorithm)
	}
	if f.Changed("log-every-n-steps") {
		tc.LogEveryNSteps = logEveryNSteps
	}
	if f.Changed("fast-dev-run") {
		tc.FastDevRun = fastDevRun
	}
	if f.Changed("seed") {
		tc.Seed = seed
	}
	if f.Changed("default-root-dir") {
		tc.DefaultRootDir = defaultRootDir
	}
	if f.Changed("profiler") {
		tc.Profiler = profiler
	}
	if f.Changed("enable-checkpointing") {
		tc.EnableCheckpointing = enableCheckpointing
	}
	if f.Changed("enable-logger") {
		tc.EnableLogger = enableLogger
	}
	if f.Changed("lr") {
		rf.Model.LR = learningRate
	}
	if f.Changed("manual") {
		rf.Model.Manual = manualOpt
	}
	if f.Changed("batch-size") {
		rf.Data.BatchSize = batchSize
	}
	if f.Changed("sqlite") {
		rf.Loggers.SQLite = sqlitePath
	}
	if f.Changed("console-logger") {
		rf.Loggers.Console = consoleLogger
	}
	if f.Changed("early-stopping") {
		es := callbacks.DefaultEarlyStoppingConfig(earlyStopping)
		rf.Callbacks.EarlyStopping = &es
	}
}

// newSession loads the run file, applies flags and builds the trainer, the
// model and the data module.
func newSession(cmd *cobra.Command) (*session, error) {
	rf, err := LoadRunFile(configPath)
	if err != nil {
		return nil, err
	}
	applyFlags(cmd, &rf)
	if err := rf.Validate(); err != nil {
		return nil, err
	}

	cbs, err := rf.buildCallbacks()
	if err != nil {
		return nil, err
	}

	s := &session{rf: rf}
	var lgs []trainer.Logger
	if rf.Trainer.EnableLogger {
		if rf.Loggers.CSV {
			csv, err := loggers.NewCSVLogger(rf.Trainer.DefaultRootDir, rf.Loggers.Name, -1)
			if err != nil {
				return nil, err
			}
			lgs = append(lgs, csv)
		}
		if rf.Loggers.SQLite != "" {
			s.sqlite, err = loggers.NewSQLiteLogger(rf.Loggers.SQLite, rf.Loggers.Name)
			if err != nil {
				return nil, err
			}
			lgs = append(lgs, s.sqlite)
		}
		if rf.Loggers.Console {
			lgs = append(lgs, loggers.NewConsoleLogger(rf.Loggers.Name))
		}
	}
	s.trainer, err = trainer.New(rf.Trainer, trainer.WithCallbacks(cbs...), trainer.WithLoggers(lgs...))
	if err != nil {
		s.close()
		return nil, err
	}

	// Model and data draw from the trainer's seeded streams.
	rngs := s.trainer.RNG()
	if s.model, err = linreg.New(rf.Model, rngs.ForSubsystem(trainer.SubsystemModel)); err != nil {
		s.close()
		return nil, fmt.Errorf("model: %w", err)
	}
	if s.data, err = linreg.NewSynthetic(rf.Data, rf.Model.Features, rngs.Seed()); err != nil {
		s.close()
		return nil, fmt.Errorf("data: %w", err)
	}
	return s, nil
}

// signalContext cancels on interrupt so the trainer can run on_exception
// and teardown.
func signalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), os.Interrupt)
}

func runOptions() []trainer.RunOption {
	if ckptPath == "" {
		return nil
	}
	return []trainer.RunOption{trainer.WithCheckpoint(ckptPath)}
}

// output returns the results writer and a function closing it.
func output() (io.Writer, func()) {
	if outputPath == "" {
		return os.Stdout, func() {}
	}
	f, err := os.Create(outputPath)
	if err != nil {
		logrus.Fatalf("Failed to create output file: %v", err)
	}
	return f, func() {
		if err := f.Close(); err != nil {
			logrus.Errorf("closing %s: %v", outputPath, err)
		}
	}
}

// printMetrics writes metrics as indented JSON under a header.
func printMetrics(w io.Writer, title string, metrics map[string]float64) error {
	data, err := json.MarshalIndent(finite(metrics), "", "  ")
	if err != nil {
		return err
	}
	_, err = fmt.Fprintf(w, "=== %s ===\n%s\n", title, data)
	return err
}

// finite drops values JSON cannot encode.
func finite(m map[string]float64) map[string]any {
	out := make(map[string]any, len(m))
	for k, v := range m {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			out[k] = fmt.Sprint(v)
			continue
		}
		out[k] = v
	}
	return out
}

// fitCmd trains the linear regression module
var fitCmd = &cobra.Command{
	Use:   "fit",
	Short: "Train the linear regression module",
	Run: func(cmd *cobra.Command, args []string) {
		s, err := newSession(cmd)
		if err != nil {
			logrus.Fatalf("%v", err)
		}
		defer s.close()
		accelerator.Detect().Log()

		ctx, cancel := signalContext()
		defer cancel()
		logrus.Infof("Starting fit: max_epochs=%d max_steps=%d seed=%d", s.rf.Trainer.MaxEpochs, s.rf.Trainer.MaxSteps, s.rf.Trainer.Seed)
		if err := s.trainer.Fit(ctx, s.model, s.data, runOptions()...); err != nil {
			logrus.Fatalf("fit failed: %v", err)
		}
		w, done := output()
		defer done()
		if err := printMetrics(w, "Callback Metrics", s.trainer.CallbackMetrics()); err != nil {
			logrus.Fatalf("writing metrics: %v", err)
		}
		logrus.Infof("Fit complete: %d epochs, %d steps in %s", s.trainer.CurrentEpoch(), s.trainer.GlobalStep(), s.trainer.Elapsed().Round(time.Millisecond))
	},
}

func evalCommand(use, short string, run func(*trainer.Trainer, context.Context, trainer.Module, trainer.DataModule, ...trainer.RunOption) (map[string]float64, error)) *cobra.Command {
	return &cobra.Command{
		Use:   use,
		Short: short,
		Run: func(cmd *cobra.Command, args []string) {
			s, err := newSession(cmd)
			if err != nil {
				logrus.Fatalf("%v", err)
			}
			defer s.close()
			ctx, cancel := signalContext()
			defer cancel()
			metrics, err := run(s.trainer, ctx, s.model, s.data, runOptions()...)
			if err != nil {
				logrus.Fatalf("%s failed: %v", use, err)
			}
			w, done := output()
			defer done()
			if err := printMetrics(w, "Metrics", metrics); err != nil {
				logrus.Fatalf("writing metrics: %v", err)
			}
		},
	}
}

var (
	validateCmd = evalCommand("validate", "Run the validation loop once", (*trainer.Trainer).Validate)
	testCmd     = evalCommand("test", "Run the test loop once", (*trainer.Trainer).Test)
)

// predictCmd writes one prediction per sample
var predictCmd = &cobra.Command{
	Use:   "predict",
	Short: "Predict over the predict split",
	Run: func(cmd *cobra.Command, args []string) {
		s, err := newSession(cmd)
		if err != nil {
			logrus.Fatalf("%v", err)
		}
		defer s.close()
		ctx, cancel := signalContext()
		defer cancel()
		batches, err := s.trainer.Predict(ctx, s.model, s.data, runOptions()...)
		if err != nil {
			logrus.Fatalf("predict failed: %v", err)
		}
		var preds []float64
		for _, b := range batches {
			preds = append(preds, b.([]float64)...)
		}
		w, done := output()
		defer done()
		if err := json.NewEncoder(w).Encode(preds); err != nil {
			logrus.Fatalf("writing predictions: %v", err)
		}
	},
}

// CheckpointSummary is what inspect prints.
type CheckpointSummary struct {
	Path            string         `json:"path"`
	Version         int            `json:"version"`
	Epoch           int            `json:"epoch"`
	GlobalStep      int            `json:"global_step"`
	EpochCompleted  bool           `json:"epoch_completed"`
	Batches         int            `json:"batches_completed"`
	Optimizers      int            `json:"optimizers"`
	Schedulers      int            `json:"schedulers"`
	Callbacks       []string       `json:"callbacks"`
	Hyperparameters map[string]any `json:"hyperparameters,omitempty"`
	Digest          string         `json:"digest"`
}

// Summarize loads and verifies path.
func Summarize(path string) (CheckpointSummary, error) {
	ckpt, err := trainer.LoadCheckpoint(path)
	if err != nil {
		return CheckpointSummary{}, err
	}
	var keys []string
	for k := range ckpt.CallbackStates {
		keys = append(keys, k)
	}
	slices.Sort(keys)
	return CheckpointSummary{
		Path:            path,
		Version:         ckpt.Version,
		Epoch:           ckpt.Epoch,
		GlobalStep:      ckpt.GlobalStep,
		EpochCompleted:  ckpt.EpochCompleted,
		Batches:         ckpt.BatchesCompleted,
		Optimizers:      len(ckpt.OptimizerStates),
		Schedulers:      len(ckpt.SchedulerStates),
		Callbacks:       keys,
		Hyperparameters: ckpt.Hyperparameters,
		Digest:          ckpt.Digest,
	}, nil
}

// inspectCmd verifies a checkpoint and prints its metadata
var inspectCmd = &cobra.Command{
	Use:   "inspect <checkpoint>",
	Short: "Verify a checkpoint and print its metadata",
	Args:  cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		sum, err := Summarize(args[0])
		if err != nil {
			logrus.Fatalf("%v", err)
		}
		w, done := output()
		defer done()
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		if err := enc.Encode(sum); err != nil {
			logrus.Fatalf("writing summary: %v", err)
		}
	},
}

// Execute runs the CLI root command
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

// registerRunFlags adds the flags shared by fit, validate, test and predict.
func registerRunFlags(c *cobra.Command) {
	defaults := trainer.DefaultConfig()
	c.Flags().StringVar(&configPath, "config", "", "YAML run file; flags override its values")

	c.Flags().IntVar(&maxEpochs, "max-epochs", defaults.MaxEpochs, "Maximum epochs (0 unset, -1 unbounded)")
	c.Flags().IntVar(&minEpochs, "min-epochs", defaults.MinEpochs, "Minimum epochs before stopping is honoured")
	c.Flags().IntVar(&maxSteps, "max-steps", defaults.MaxSteps, "Maximum optimizer steps (-1 unbounded)")
	c.Flags().IntVar(&minSteps, "min-steps", defaults.MinSteps, "Minimum optimizer steps before stopping is honoured")
	c.Flags().DurationVar(&maxTime, "max-time", defaults.MaxTime, "Wall-clock budget for fit (0 unbounded)")
	c.Flags().Var(&limitTrainBatches, "limit-train-batches", "Train batches per epoch: count (int) or fraction (float)")
	c.Flags().Var(&limitValBatches, "limit-val-batches", "Validation batches: count (int) or fraction (float)")
	c.Flags().Var(&limitTestBatches, "limit-test-batches", "Test batches: count (int) or fraction (float)")
	c.Flags().Var(&limitPredictBatches, "limit-predict-batches", "Predict batches: count (int) or fraction (float)")
	c.Flags().Var(&valCheckInterval, "val-check-interval", "Validate every N train batches (int) or epoch fraction (float)")
	c.Flags().IntVar(&checkValEveryNEpoch, "check-val-every-n-epoch", defaults.CheckValEveryNEpoch, "Validate every N epochs")
	c.Flags().IntVar(&numSanityValSteps, "num-sanity-val-steps", defaults.NumSanityValSteps, "Validation batches run before training (-1 all)")
	c.Flags().IntVar(&accumulateGradBatches, "accumulate-grad-batches", defaults.AccumulateGradBatches, "Batches accumulated per optimizer step")
	c.Flags().Float64Var(&gradientClipVal, "gradient-clip-val", defaults.GradientClipVal, "Gradient clipping threshold (0 disables)")
	c.Flags().StringVar(&gradientClipAlgorithm, "gradient-clip-algorithm", string(defaults.GradientClipAlgorithm), "Gradient clipping algorithm (norm, value)")
	c.Flags().IntVar(&logEveryNSteps, "log-every-n-steps", defaults.LogEveryNSteps, "Push step metrics to loggers every N optimizer steps")
	c.Flags().IntVar(&fastDevRun, "fast-dev-run", defaults.FastDevRun, "Run N batches of every loop once, without loggers or checkpoints")
	c.Flags().Int64Var(&seed, "seed", defaults.Seed, "Seed for initialization, data generation and shuffling")
	c.Flags().StringVar(&defaultRootDir, "default-root-dir", defaults.DefaultRootDir, "Root directory of logs and checkpoints")
	c.Flags().StringVar(&profiler, "profiler", defaults.Profiler, "Hook timing report (simple, none)")
	c.Flags().BoolVar(&enableCheckpointing, "enable-checkpointing", defaults.EnableCheckpointing, "Checkpoint at every epoch end")
	c.Flags().BoolVar(&enableLogger, "enable-logger", defaults.EnableLogger, "Write metrics to the default CSV logger")

	c.Flags().Float64Var(&learningRate, "lr", linreg.DefaultConfig().LR, "SGD learning rate")
	c.Flags().IntVar(&batchSize, "batch-size", linreg.DefaultDataConfig().BatchSize, "Samples per batch")
	c.Flags().BoolVar(&manualOpt, "manual", false, "Step the optimizer from the training step")

	c.Flags().StringVar(&ckptPath, "ckpt-path", "", "Checkpoint to restore: a path, \"best\" or \"last\"")
	c.Flags().StringVar(&sqlitePath, "sqlite", "", "Also log metrics to this SQLite database")
	c.Flags().BoolVar(&consoleLogger, "console-logger", false, "Also log metrics through the console logger")
	c.Flags().StringVar(&earlyStopping, "early-stopping", "", "Stop when this metric stops improving (patience 3)")
	c.Flags().StringVar(&outputPath, "output", "", "Write results to this file instead of stdout")
}

// init sets up CLI flags and subcommands
func init() {
	rootCmd.PersistentFlags().StringVar(&logLevel, "log", "warn", "Log level (trace, debug, info, warn, error, fatal, panic)")

	for _, c := range []*cobra.Command{fitCmd, validateCmd, testCmd, predictCmd} {
		registerRunFlags(c)
		rootCmd.AddCommand(c)
	}
	inspectCmd.Flags().StringVar(&outputPath, "output", "", "Write the summary to this file instead of stdout")
	rootCmd.AddCommand(inspectCmd)
}
