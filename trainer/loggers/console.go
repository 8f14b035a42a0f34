package loggers

import (
	"fmt"
	"maps"
	"slices"

	"github.com/sirupsen/logrus"

	"github.com/inference-sim/trainloop/trainer"
)

// ConsoleLogger writes every metric update as one structured logrus entry.
type ConsoleLogger struct {
	name  string
	level logrus.Level
}

// NewConsoleLogger logs at Info level.
func NewConsoleLogger(name string) *ConsoleLogger {
	return &ConsoleLogger{name: name, level: logrus.InfoLevel}
}

// WithLevel changes the level entries are written at.
func (l *ConsoleLogger) WithLevel(level logrus.Level) *ConsoleLogger {
	l.level = level
	return l
}

func (l *ConsoleLogger) Name() string    { return l.name }
func (l *ConsoleLogger) Version() string { return "" }

func (l *ConsoleLogger) LogHyperparams(params map[string]any) error {
	fields := logrus.Fields{"logger": l.name}
	for k, v := range params {
		fields["hp."+k] = v
	}
	logrus.WithFields(fields).Log(l.level, "hyperparameters")
	return nil
}

func (l *ConsoleLogger) LogMetrics(metrics map[string]float64, step int) error {
	fields := logrus.Fields{"logger": l.name, "step": step}
	for _, k := range slices.Sorted(maps.Keys(metrics)) {
		fields[k] = fmt.Sprintf("%.6g", metrics[k])
	}
	logrus.WithFields(fields).Log(l.level, "metrics")
	return nil
}

func (l *ConsoleLogger) Save() error { return nil }

func (l *ConsoleLogger) Finalize(status trainer.Status) error {
	logrus.WithField("logger", l.name).Log(l.level, "run "+string(status))
	return nil
}
