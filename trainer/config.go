package trainer

import (
	"fmt"
	"time"

	"github.com/inference-sim/trainloop/trainer/trace"
)

// defaultMaxEpochs applies when no epoch, step or time bound is given.
const defaultMaxEpochs = 1000

// defaultProfilerMaxRecords is about ten thousand batches of hook records.
const defaultProfilerMaxRecords = 100_000

// Config groups every knob of the loop. Start from DefaultConfig; the zero
// value of a field does not always mean its default.
type Config struct {
	// Stopping. MaxEpochs and MaxSteps use 0 for "unset" and -1 for "unbounded".
	MaxEpochs int           `yaml:"max_epochs"`
	MinEpochs int           `yaml:"min_epochs"`
	MaxSteps  int           `yaml:"max_steps"`
	MinSteps  int           `yaml:"min_steps"`
	MaxTime   time.Duration `yaml:"max_time"`

	LimitTrainBatches   Limit `yaml:"limit_train_batches"`
	LimitValBatches     Limit `yaml:"limit_val_batches"`
	LimitTestBatches    Limit `yaml:"limit_test_batches"`
	LimitPredictBatches Limit `yaml:"limit_predict_batches"`

	// Validation cadence. ValCheckInterval is a batch count or an epoch
	// fraction. CheckValEveryNEpoch of 0 stops gating by epoch, which only
	// makes sense with a batch-count ValCheckInterval.
	ValCheckInterval    Limit `yaml:"val_check_interval"`
	CheckValEveryNEpoch int   `yaml:"check_val_every_n_epoch"`
	NumSanityValSteps   int   `yaml:"num_sanity_val_steps"`

	AccumulateGradBatches int           `yaml:"accumulate_grad_batches"`
	GradientClipVal       float64       `yaml:"gradient_clip_val"`
	GradientClipAlgorithm ClipAlgorithm `yaml:"gradient_clip_algorithm"`

	LogEveryNSteps int `yaml:"log_every_n_steps"`
	// FastDevRun > 0 runs that many batches of every loop for one epoch with
	// no sanity check, checkpointing or loggers.
	FastDevRun int `yaml:"fast_dev_run"`

	EnableCheckpointing bool   `yaml:"enable_checkpointing"`
	EnableLogger        bool   `yaml:"enable_logger"`
	DefaultRootDir      string `yaml:"default_root_dir"`

	// Seed seeds Trainer.RNG. Modules and data modules take their streams
	// from it; the loop itself draws nothing.
	Seed int64 `yaml:"seed"`

	Profiler string `yaml:"profiler"`
	// ProfilerMaxRecords bounds the hook records kept in memory by the
	// simple profiler; 0 keeps every record. The summary counts all calls.
	ProfilerMaxRecords int `yaml:"profiler_max_records"`

	Accelerator string `yaml:"accelerator"`
	Devices     int    `yaml:"devices"`
}

// DefaultConfig returns the defaults of every field.
func DefaultConfig() Config {
	return Config{
		MaxEpochs:             0,
		MaxSteps:              -1,
		LimitTrainBatches:     Fraction(1.0),
		LimitValBatches:       Fraction(1.0),
		LimitTestBatches:      Fraction(1.0),
		LimitPredictBatches:   Fraction(1.0),
		ValCheckInterval:      Fraction(1.0),
		CheckValEveryNEpoch:   1,
		NumSanityValSteps:     2,
		AccumulateGradBatches: 1,
		GradientClipAlgorithm: ClipNorm,
		LogEveryNSteps:        50,
		EnableCheckpointing:   true,
		EnableLogger:          true,
		DefaultRootDir:        ".",
		Seed:                  42,
		ProfilerMaxRecords:    defaultProfilerMaxRecords,
		Accelerator:           "auto",
		Devices:               1,
	}
}

// ValidProfilers is the set of recognized profiler names.
var ValidProfilers = map[string]bool{"": true, "none": true, "simple": true}

// ValidAccelerators is the set of recognized accelerator names. Device
// dispatch is not part of the loop, so only the host CPU is accepted.
var ValidAccelerators = map[string]bool{"": true, "auto": true, "cpu": true}

// ValidClipAlgorithms is the set of recognized gradient clipping algorithms.
var ValidClipAlgorithms = map[ClipAlgorithm]bool{"": true, ClipNorm: true, ClipValue: true}

// Validate checks ranges and names. It does not apply defaults.
func (c *Config) Validate() error {
	if c.MaxEpochs < -1 {
		return fmt.Errorf("%w: max_epochs must be -1, 0 (unset) or positive, got %d", ErrMisconfigured, c.MaxEpochs)
	}
	if c.MaxSteps < -1 {
		return fmt.Errorf("%w: max_steps must be -1, 0 (unset) or positive, got %d", ErrMisconfigured, c.MaxSteps)
	}
	if c.MinEpochs < 0 || c.MinSteps < 0 {
		return fmt.Errorf("%w: min_epochs and min_steps must be non-negative", ErrMisconfigured)
	}
	if c.MaxEpochs > 0 && c.MinEpochs > c.MaxEpochs {
		return fmt.Errorf("%w: min_epochs (%d) exceeds max_epochs (%d)", ErrMisconfigured, c.MinEpochs, c.MaxEpochs)
	}
	if c.MaxTime < 0 {
		return fmt.Errorf("%w: max_time must be non-negative, got %s", ErrMisconfigured, c.MaxTime)
	}
	limits := []struct {
		name string
		l    Limit
	}{
		{"limit_train_batches", c.LimitTrainBatches},
		{"limit_val_batches", c.LimitValBatches},
		{"limit_test_batches", c.LimitTestBatches},
		{"limit_predict_batches", c.LimitPredictBatches},
		{"val_check_interval", c.ValCheckInterval},
	}
	for _, lim := range limits {
		if err := lim.l.validate(lim.name); err != nil {
			return err
		}
	}
	if c.ValCheckInterval.IsSet() && !c.ValCheckInterval.IsFraction() && c.ValCheckInterval.Count() == 0 {
		return fmt.Errorf("%w: val_check_interval must be positive when given as a batch count", ErrMisconfigured)
	}
	if c.CheckValEveryNEpoch < 0 {
		return fmt.Errorf("%w: check_val_every_n_epoch must be non-negative, got %d", ErrMisconfigured, c.CheckValEveryNEpoch)
	}
	if c.CheckValEveryNEpoch == 0 && c.ValCheckInterval.IsFraction() {
		return fmt.Errorf("%w: check_val_every_n_epoch=0 requires val_check_interval as a batch count", ErrMisconfigured)
	}
	if c.NumSanityValSteps < -1 {
		return fmt.Errorf("%w: num_sanity_val_steps must be -1 or non-negative, got %d", ErrMisconfigured, c.NumSanityValSteps)
	}
	if c.AccumulateGradBatches < 1 {
		return fmt.Errorf("%w: accumulate_grad_batches must be at least 1, got %d", ErrMisconfigured, c.AccumulateGradBatches)
	}
	if c.GradientClipVal < 0 {
		return fmt.Errorf("%w: gradient_clip_val must be non-negative, got %f", ErrMisconfigured, c.GradientClipVal)
	}
	if !ValidClipAlgorithms[c.GradientClipAlgorithm] {
		return fmt.Errorf("%w: unknown gradient_clip_algorithm %q; valid: norm, value", ErrMisconfigured, c.GradientClipAlgorithm)
	}
	if c.LogEveryNSteps < 1 {
		return fmt.Errorf("%w: log_every_n_steps must be at least 1, got %d", ErrMisconfigured, c.LogEveryNSteps)
	}
	if c.FastDevRun < 0 {
		return fmt.Errorf("%w: fast_dev_run must be non-negative, got %d", ErrMisconfigured, c.FastDevRun)
	}
	if !ValidProfilers[c.Profiler] {
		return fmt.Errorf("%w: unknown profiler %q; valid: simple, none", ErrMisconfigured, c.Profiler)
	}
	if c.ProfilerMaxRecords < 0 {
		return fmt.Errorf("%w: profiler_max_records must be non-negative, got %d", ErrMisconfigured, c.ProfilerMaxRecords)
	}
	if !ValidAccelerators[c.Accelerator] {
		return fmt.Errorf("%w: unsupported accelerator %q; valid: auto, cpu", ErrMisconfigured, c.Accelerator)
	}
	if c.Devices != 0 && c.Devices != 1 {
		return fmt.Errorf("%w: devices must be 1, got %d", ErrMisconfigured, c.Devices)
	}
	return nil
}

// resolved applies the derived defaults: epoch bound, fast_dev_run overrides.
func (c Config) resolved() Config {
	if c.FastDevRun > 0 {
		n := c.FastDevRun
		c.MaxEpochs = 1
		c.MaxSteps = n
		c.MinEpochs, c.MinSteps = 0, 0
		c.MaxTime = 0
		c.LimitTrainBatches = Batches(n)
		c.LimitValBatches = Batches(n)
		c.LimitTestBatches = Batches(n)
		c.LimitPredictBatches = Batches(n)
		c.ValCheckInterval = Fraction(1.0)
		c.CheckValEveryNEpoch = 1
		c.NumSanityValSteps = 0
		c.EnableCheckpointing = false
		c.EnableLogger = false
		c.LogEveryNSteps = 1
	}
	if c.MaxSteps == 0 {
		c.MaxSteps = -1
	}
	if c.MaxEpochs == 0 {
		if c.MaxSteps == -1 && c.MaxTime == 0 {
			c.MaxEpochs = defaultMaxEpochs
		} else {
			c.MaxEpochs = -1
		}
	}
	if c.GradientClipAlgorithm == "" {
		c.GradientClipAlgorithm = ClipNorm
	}
	return c
}

func (c Config) traceConfig() trace.TraceConfig {
	if c.Profiler == "simple" {
		return trace.TraceConfig{Level: trace.TraceLevelHooks, MaxRecords: c.ProfilerMaxRecords}
	}
	return trace.TraceConfig{Level: trace.TraceLevelNone}
}
