package cmd

import (
	"bytes"
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/inference-sim/trainloop/models/linreg"
	"github.com/inference-sim/trainloop/trainer"
	"github.com/inference-sim/trainloop/trainer/callbacks"
)

// RunFile is the YAML run configuration accepted by --config.
// All top-level sections must be listed to satisfy KnownFields(true) strict parsing.
type RunFile struct {
	Trainer   trainer.Config    `yaml:"trainer"`
	Model     linreg.Config     `yaml:"model"`
	Data      linreg.DataConfig `yaml:"data"`
	Callbacks CallbackSection   `yaml:"callbacks"`
	Loggers   LoggerSection     `yaml:"loggers"`
}

// CallbackSection enables the built-in callbacks. A nil section leaves the
// callback out.
type CallbackSection struct {
	Checkpoint    *callbacks.CheckpointConfig    `yaml:"checkpoint"`
	EarlyStopping *callbacks.EarlyStoppingConfig `yaml:"early_stopping"`
	LRMonitor     *LRMonitorSection              `yaml:"lr_monitor"`
	// Progress is the refresh rate of the progress reporter; 0 disables it.
	Progress int `yaml:"progress"`
}

type LRMonitorSection struct {
	Interval    callbacks.LoggingInterval `yaml:"interval"`
	LogMomentum bool                      `yaml:"log_momentum"`
}

// LoggerSection selects loggers. With every field unset the trainer uses its
// default CSV logger.
type LoggerSection struct {
	CSV     bool   `yaml:"csv"`
	Name    string `yaml:"name"`
	SQLite  string `yaml:"sqlite"`
	Console bool   `yaml:"console"`
}

// DefaultRunFile returns the defaults of every section.
func DefaultRunFile() RunFile {
	return RunFile{
		Trainer: trainer.DefaultConfig(),
		Model:   linreg.DefaultConfig(),
		Data:    linreg.DefaultDataConfig(),
	}
}

// LoadRunFile overlays the YAML at path onto DefaultRunFile.
// Uses strict field checking: typos must cause errors.
func LoadRunFile(path string) (RunFile, error) {
	rf := DefaultRunFile()
	if path == "" {
		return rf, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return rf, fmt.Errorf("reading run file: %w", err)
	}
	decoder := yaml.NewDecoder(bytes.NewReader(data))
	decoder.KnownFields(true)
	if err := decoder.Decode(&rf); err != nil {
		return rf, fmt.Errorf("parsing run file %s: %w", path, err)
	}
	return rf, nil
}

// Validate checks every section.
func (rf *RunFile) Validate() error {
	if err := rf.Trainer.Validate(); err != nil {
		return err
	}
	if err := rf.Model.Validate(); err != nil {
		return fmt.Errorf("model: %w", err)
	}
	if err := rf.Data.Validate(); err != nil {
		return fmt.Errorf("data: %w", err)
	}
	if rf.Callbacks.Checkpoint != nil {
		if err := rf.Callbacks.Checkpoint.Validate(); err != nil {
			return err
		}
	}
	return nil
}

// buildCallbacks constructs the callbacks enabled in the run file.
func (rf *RunFile) buildCallbacks() ([]trainer.Callback, error) {
	var out []trainer.Callback
	cs := rf.Callbacks
	if cs.EarlyStopping != nil {
		es, err := callbacks.NewEarlyStopping(*cs.EarlyStopping)
		if err != nil {
			return nil, err
		}
		out = append(out, es)
	}
	if cs.LRMonitor != nil {
		interval := cs.LRMonitor.Interval
		if interval == "" {
			interval = callbacks.LogPerEpoch
		}
		m, err := callbacks.NewLearningRateMonitor(interval, cs.LRMonitor.LogMomentum)
		if err != nil {
			return nil, err
		}
		out = append(out, m)
	}
	if cs.Progress > 0 {
		out = append(out, callbacks.NewProgressReporter(cs.Progress))
	}
	if cs.Checkpoint != nil && rf.Trainer.EnableCheckpointing {
		mc, err := callbacks.NewModelCheckpoint(*cs.Checkpoint)
		if err != nil {
			return nil, err
		}
		out = append(out, mc)
	}
	return out, nil
}
