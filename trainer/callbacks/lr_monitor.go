package callbacks

import (
	"context"
	"fmt"
	"strings"

	"github.com/inference-sim/trainloop/trainer"
)

// LoggingInterval selects when LearningRateMonitor logs.
type LoggingInterval string

const (
	LogPerStep  LoggingInterval = "step"
	LogPerEpoch LoggingInterval = "epoch"
)

// Named is implemented by optimizers that report a display name.
type Named interface {
	Name() string
}

// MomentumReporter is implemented by optimizers with a momentum term.
type MomentumReporter interface {
	Momentum() float64
}

// LearningRateMonitor logs the learning rate of every optimizer as
// lr-<optimizer> and, when LogMomentum is set, lr-<optimizer>-momentum.
type LearningRateMonitor struct {
	Interval    LoggingInterval
	LogMomentum bool
}

// NewLearningRateMonitor validates interval ("step" or "epoch").
func NewLearningRateMonitor(interval LoggingInterval, logMomentum bool) (*LearningRateMonitor, error) {
	if interval != LogPerStep && interval != LogPerEpoch {
		return nil, fmt.Errorf("learning rate monitor: unknown interval %q; valid: step, epoch", interval)
	}
	return &LearningRateMonitor{Interval: interval, LogMomentum: logMomentum}, nil
}

func (m *LearningRateMonitor) Name() string { return "LearningRateMonitor" }

func (m *LearningRateMonitor) Handle(_ context.Context, ev *trainer.Event) error {
	switch {
	case ev.Hook == trainer.HookOnTrainBatchStart && m.Interval == LogPerStep:
		return m.log(ev, trainer.OnStep(true), trainer.OnEpoch(false))
	case ev.Hook == trainer.HookOnTrainEpochStart && m.Interval == LogPerEpoch:
		return m.log(ev)
	}
	return nil
}

func (m *LearningRateMonitor) log(ev *trainer.Event, opts ...trainer.LogOption) error {
	for _, o := range m.names(ev.Trainer.Optimizers()) {
		if err := ev.Log(o.name, o.opt.LearningRate(), opts...); err != nil {
			return err
		}
		if mr, ok := o.opt.(MomentumReporter); ok && m.LogMomentum {
			if err := ev.Log(o.name+"-momentum", mr.Momentum(), opts...); err != nil {
				return err
			}
		}
	}
	return nil
}

type namedOptimizer struct {
	name string
	opt  trainer.Optimizer
}

// names builds lr-<Type> keys, suffixing duplicates with their index.
func (m *LearningRateMonitor) names(opts []trainer.Optimizer) []namedOptimizer {
	out := make([]namedOptimizer, len(opts))
	seen := make(map[string]int)
	for i, opt := range opts {
		base := optimizerName(opt)
		name := "lr-" + base
		if n := seen[base]; n > 0 {
			name = fmt.Sprintf("%s-%d", name, n)
		}
		seen[base]++
		out[i] = namedOptimizer{name: name, opt: opt}
	}
	return out
}

func optimizerName(opt trainer.Optimizer) string {
	if n, ok := opt.(Named); ok {
		return n.Name()
	}
	name := fmt.Sprintf("%T", opt)
	name = strings.TrimPrefix(name, "*")
	if i := strings.LastIndex(name, "."); i >= 0 {
		name = name[i+1:]
	}
	return name
}
