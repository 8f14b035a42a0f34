package callbacks

import (
	"context"
	"encoding/json"
	"fmt"
	"math"
	"strings"

	"github.com/sirupsen/logrus"

	"github.com/inference-sim/trainloop/trainer"
)

// EarlyStoppingConfig configures EarlyStopping.
type EarlyStoppingConfig struct {
	Monitor  string  `yaml:"monitor"`
	MinDelta float64 `yaml:"min_delta"`
	Patience int     `yaml:"patience"`
	Mode     Mode    `yaml:"mode"`
	// Strict makes a missing monitored metric an error.
	Strict bool `yaml:"strict"`
	// CheckFinite stops when the metric becomes NaN or infinite.
	CheckFinite bool `yaml:"check_finite"`
	// StoppingThreshold stops as soon as the metric is better than it.
	StoppingThreshold *float64 `yaml:"stopping_threshold"`
	// DivergenceThreshold stops as soon as the metric is worse than it.
	DivergenceThreshold *float64 `yaml:"divergence_threshold"`
	// CheckOnTrainEpochEnd checks at on_train_epoch_end instead of on_validation_end.
	CheckOnTrainEpochEnd bool `yaml:"check_on_train_epoch_end"`
}

// DefaultEarlyStoppingConfig monitors metric with patience 3.
func DefaultEarlyStoppingConfig(monitor string) EarlyStoppingConfig {
	return EarlyStoppingConfig{
		Monitor:     monitor,
		Patience:    3,
		Mode:        ModeMin,
		Strict:      true,
		CheckFinite: true,
	}
}

// EarlyStopping requests a stop when a monitored metric stops improving.
type EarlyStopping struct {
	cfg          EarlyStoppingConfig
	wait         int
	best         float64
	stoppedEpoch int
	reason       string
}

// NewEarlyStopping validates cfg.
func NewEarlyStopping(cfg EarlyStoppingConfig) (*EarlyStopping, error) {
	if cfg.Monitor == "" {
		return nil, fmt.Errorf("early stopping: monitor is required")
	}
	if err := cfg.Mode.validate(); err != nil {
		return nil, fmt.Errorf("early stopping: %w", err)
	}
	if cfg.Patience < 0 {
		return nil, fmt.Errorf("early stopping: patience must be non-negative, got %d", cfg.Patience)
	}
	cfg.Mode = cfg.Mode.orDefault()
	cfg.MinDelta = math.Abs(cfg.MinDelta)
	return &EarlyStopping{cfg: cfg, best: cfg.Mode.worst(), stoppedEpoch: -1}, nil
}

func (es *EarlyStopping) Name() string { return "EarlyStopping" }

// MonitorKey implements trainer.Monitoring.
func (es *EarlyStopping) MonitorKey() string { return es.cfg.Monitor }

// StateKey distinguishes early-stopping callbacks by what they watch.
func (es *EarlyStopping) StateKey() string {
	return fmt.Sprintf("EarlyStopping{monitor=%s,mode=%s}", es.cfg.Monitor, es.cfg.Mode)
}

// StoppedEpoch returns the epoch a stop was requested at, or -1.
func (es *EarlyStopping) StoppedEpoch() int { return es.stoppedEpoch }

// WaitCount returns the number of checks without improvement.
func (es *EarlyStopping) WaitCount() int { return es.wait }

// BestScore returns the best value seen.
func (es *EarlyStopping) BestScore() float64 { return es.best }

// Reason returns why the stop was requested.
func (es *EarlyStopping) Reason() string { return es.reason }

func (es *EarlyStopping) Handle(_ context.Context, ev *trainer.Event) error {
	if ev.Fn != trainer.FnFit || ev.Trainer.SanityChecking() {
		return nil
	}
	switch {
	case ev.Hook == trainer.HookOnValidationEnd && !es.cfg.CheckOnTrainEpochEnd:
		return es.check(ev.Trainer)
	case ev.Hook == trainer.HookOnTrainEpochEnd && es.cfg.CheckOnTrainEpochEnd:
		return es.check(ev.Trainer)
	}
	return nil
}

func (es *EarlyStopping) check(t *trainer.Trainer) error {
	metrics := t.CallbackMetrics()
	current, ok := metrics[es.cfg.Monitor]
	if !ok {
		msg := fmt.Sprintf("early stopping conditioned on %q, which is not available; available: %s",
			es.cfg.Monitor, strings.Join(sortedKeys(metrics), ", "))
		if es.cfg.Strict {
			return fmt.Errorf("%w: %s", trainer.ErrMisconfigured, msg)
		}
		logrus.Warn(msg)
		return nil
	}
	stop, reason := es.evaluate(current)
	if stop {
		es.stoppedEpoch = t.CurrentEpoch()
		es.reason = reason
		t.SetShouldStop(true)
		logrus.Infof("early stopping at epoch %d: %s", t.CurrentEpoch(), reason)
	}
	return nil
}

// evaluate updates wait/best with current and decides whether to stop.
func (es *EarlyStopping) evaluate(current float64) (bool, string) {
	mode := es.cfg.Mode
	switch {
	case es.cfg.CheckFinite && (math.IsNaN(current) || math.IsInf(current, 0)):
		return true, fmt.Sprintf("%s = %g is not finite; previous best %g", es.cfg.Monitor, current, es.best)
	case es.cfg.StoppingThreshold != nil && mode.better(current, *es.cfg.StoppingThreshold):
		return true, fmt.Sprintf("%s = %g reached the stopping threshold %g", es.cfg.Monitor, current, *es.cfg.StoppingThreshold)
	case es.cfg.DivergenceThreshold != nil && mode.better(*es.cfg.DivergenceThreshold, current):
		return true, fmt.Sprintf("%s = %g diverged past %g", es.cfg.Monitor, current, *es.cfg.DivergenceThreshold)
	}
	if es.improved(current) {
		es.best = current
		es.wait = 0
		return false, ""
	}
	es.wait++
	if es.wait >= es.cfg.Patience {
		return true, fmt.Sprintf("%s did not improve by %g in the last %d checks; best %g", es.cfg.Monitor, es.cfg.MinDelta, es.wait, es.best)
	}
	return false, ""
}

func (es *EarlyStopping) improved(current float64) bool {
	if es.cfg.Mode == ModeMax {
		return current-es.cfg.MinDelta > es.best
	}
	return current+es.cfg.MinDelta < es.best
}

type earlyStoppingState struct {
	Wait         int      `json:"wait_count"`
	StoppedEpoch int      `json:"stopped_epoch"`
	Best         *float64 `json:"best_score,omitempty"`
	Patience     int      `json:"patience"`
}

// MarshalBinary implements trainer.StatefulCallback.
func (es *EarlyStopping) MarshalBinary() ([]byte, error) {
	st := earlyStoppingState{Wait: es.wait, StoppedEpoch: es.stoppedEpoch, Patience: es.cfg.Patience}
	if !math.IsInf(es.best, 0) && !math.IsNaN(es.best) {
		b := es.best
		st.Best = &b
	}
	return json.Marshal(st)
}

// UnmarshalBinary restores the counters. Patience comes from the config.
func (es *EarlyStopping) UnmarshalBinary(data []byte) error {
	var st earlyStoppingState
	if err := json.Unmarshal(data, &st); err != nil {
		return fmt.Errorf("early stopping state: %w", err)
	}
	es.wait = st.Wait
	es.stoppedEpoch = st.StoppedEpoch
	es.best = es.cfg.Mode.worst()
	if st.Best != nil {
		es.best = *st.Best
	}
	return nil
}
