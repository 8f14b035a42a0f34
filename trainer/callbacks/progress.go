package callbacks

import (
	"context"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/inference-sim/trainloop/trainer"
)

// ProgressReporter writes logrus progress lines with the progress-bar
// metrics every RefreshRate train batches and at the end of each loop.
type ProgressReporter struct {
	RefreshRate int

	epochStart time.Time
}

// NewProgressReporter reports every refreshRate batches (minimum 1).
func NewProgressReporter(refreshRate int) *ProgressReporter {
	return &ProgressReporter{RefreshRate: max(refreshRate, 1)}
}

func (p *ProgressReporter) Name() string { return "ProgressReporter" }

func (p *ProgressReporter) Handle(_ context.Context, ev *trainer.Event) error {
	t := ev.Trainer
	switch ev.Hook {
	case trainer.HookOnTrainEpochStart:
		p.epochStart = time.Now()
	case trainer.HookOnTrainBatchEnd:
		if (ev.BatchIdx+1)%p.RefreshRate != 0 {
			return nil
		}
		fields := p.fields(t)
		fields["batch"] = batchOf(ev.BatchIdx+1, t.NumTrainBatches())
		if elapsed := time.Since(p.epochStart).Seconds(); elapsed > 0 {
			fields["it/s"] = fmt.Sprintf("%.2f", float64(ev.BatchIdx+1)/elapsed)
		}
		logrus.WithFields(fields).Infof("epoch %d", ev.Epoch)
	case trainer.HookOnTrainEpochEnd:
		fields := p.fields(t)
		fields["elapsed"] = time.Since(p.epochStart).Round(time.Millisecond).String()
		logrus.WithFields(fields).Infof("epoch %d done", ev.Epoch)
	case trainer.HookOnValidationEnd:
		if t.SanityChecking() {
			logrus.Infof("sanity check passed")
			return nil
		}
		logrus.WithFields(p.fields(t)).Infof("%s epoch %d", ev.Stage, ev.Epoch)
	case trainer.HookOnTestEnd:
		logrus.WithFields(p.fields(t)).Infof("test")
	}
	return nil
}

func (p *ProgressReporter) fields(t *trainer.Trainer) logrus.Fields {
	fields := logrus.Fields{"step": t.GlobalStep()}
	for k, v := range t.ProgressBarMetrics() {
		fields[k] = fmt.Sprintf("%.4g", v)
	}
	return fields
}

func batchOf(done, total int) string {
	if total < 0 {
		return fmt.Sprintf("%d/?", done)
	}
	return fmt.Sprintf("%d/%d", done, total)
}
