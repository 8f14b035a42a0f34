package trainer

import (
	"context"
	"fmt"

	"github.com/sirupsen/logrus"
)

// configureOptimizers calls Module.ConfigureOptimizers and checks the result
// against the optimization mode.
func (t *Trainer) configureOptimizers() error {
	oc, err := t.module.ConfigureOptimizers()
	if err != nil {
		return fmt.Errorf("configure_optimizers: %w", err)
	}
	for i, opt := range oc.Optimizers {
		if opt == nil {
			return fmt.Errorf("%w: optimizer %d is nil", ErrMisconfigured, i)
		}
	}
	if t.automatic {
		switch len(oc.Optimizers) {
		case 0:
			logrus.Warnf("configure_optimizers returned no optimizer; training steps will run without parameter updates")
		case 1:
		default:
			return fmt.Errorf("%w: automatic optimization supports one optimizer, got %d; implement ManualOptimization to drive several", ErrMisconfigured, len(oc.Optimizers))
		}
	}
	if t.cfg.GradientClipVal > 0 {
		if !t.automatic {
			return fmt.Errorf("%w: gradient_clip_val is applied by the loop only under automatic optimization; clip inside training_step instead", ErrMisconfigured)
		}
		for i, opt := range oc.Optimizers {
			if _, ok := opt.(GradientClipper); !ok {
				return fmt.Errorf("%w: gradient_clip_val=%g but optimizer %d (%T) cannot clip gradients", ErrMisconfigured, t.cfg.GradientClipVal, i, opt)
			}
		}
	}
	schedulers := make([]SchedulerConfig, 0, len(oc.Schedulers))
	for i, sc := range oc.Schedulers {
		if sc.Scheduler == nil {
			return fmt.Errorf("%w: scheduler %d is nil", ErrMisconfigured, i)
		}
		sc.normalize()
		if sc.Interval != IntervalEpoch && sc.Interval != IntervalStep {
			return fmt.Errorf("%w: scheduler %d: unknown interval %q", ErrMisconfigured, i, sc.Interval)
		}
		if _, ok := sc.Scheduler.(MetricScheduler); ok && sc.Monitor == "" {
			return fmt.Errorf("%w: scheduler %d steps on a metric but has no Monitor", ErrMisconfigured, i)
		}
		if sc.Name == "" {
			sc.Name = fmt.Sprintf("lr-scheduler-%d", i)
		}
		schedulers = append(schedulers, sc)
	}
	t.optimizers = oc.Optimizers
	t.schedulers = schedulers
	return nil
}

// backward runs on_before_backward, Module.Backward and on_after_backward.
func (t *Trainer) backward(ctx context.Context, sc *StepContext, out StepOutput) error {
	ev := t.newEvent(HookOnBeforeBackward)
	ev.Batch = sc.batch
	ev.Output = &out
	if err := t.dispatcher.Dispatch(ctx, ev); err != nil {
		return err
	}
	bsc := t.stepContext(ctx, HookBackward, sc.batch, sc.batchIdx)
	bev := t.newEvent(HookBackward)
	if err := t.callStep(ctx, bev, func() error { return t.module.Backward(bsc, out) }); err != nil {
		return err
	}
	ev = t.newEvent(HookOnAfterBackward)
	ev.Batch = sc.batch
	ev.Output = &out
	return t.dispatcher.Dispatch(ctx, ev)
}

// optimizerStep fires on_before_optimizer_step, clips, steps and counts
// the global step.
func (t *Trainer) optimizerStep(ctx context.Context, idx int, opt Optimizer) error {
	ev := t.newEvent(HookOnBeforeOptimizerStep)
	ev.Optimizer = opt
	ev.OptimizerIdx = idx
	if err := t.dispatcher.Dispatch(ctx, ev); err != nil {
		return err
	}
	if t.automatic && t.cfg.GradientClipVal > 0 {
		gc, ok := opt.(GradientClipper)
		if !ok {
			return fmt.Errorf("%w: optimizer %d (%T) cannot clip gradients", ErrMisconfigured, idx, opt)
		}
		norm, err := gc.ClipGradients(t.cfg.GradientClipVal, t.cfg.GradientClipAlgorithm)
		if err != nil {
			return fmt.Errorf("clipping gradients of optimizer %d: %w", idx, err)
		}
		logrus.Debugf("step %d: gradient norm %.6f before clipping (%s at %g)", t.globalStep, norm, t.cfg.GradientClipAlgorithm, t.cfg.GradientClipVal)
	}
	sev := t.newEvent(HookOptimizerStep)
	sev.Optimizer = opt
	sev.OptimizerIdx = idx
	if err := t.callStep(ctx, sev, opt.Step); err != nil {
		return err
	}
	t.globalStep++
	return nil
}

// zeroGrad fires on_before_zero_grad and clears the optimizer's gradients.
func (t *Trainer) zeroGrad(ctx context.Context, idx int, opt Optimizer) error {
	ev := t.newEvent(HookOnBeforeZeroGrad)
	ev.Optimizer = opt
	ev.OptimizerIdx = idx
	if err := t.dispatcher.Dispatch(ctx, ev); err != nil {
		return err
	}
	opt.ZeroGrad()
	return nil
}

// automaticStep runs the optimizer lifecycle for one accumulation boundary.
// With no optimizer the boundary still counts as a global step so that
// max_steps and step-interval callbacks behave the same.
func (t *Trainer) automaticStep(ctx context.Context) error {
	if len(t.optimizers) == 0 {
		t.globalStep++
		return nil
	}
	opt := t.optimizers[0]
	if err := t.optimizerStep(ctx, 0, opt); err != nil {
		return err
	}
	return t.zeroGrad(ctx, 0, opt)
}

// shouldAccumulate reports whether the optimizer step is deferred for the
// batch at batchIdx.
func (t *Trainer) shouldAccumulate(batchIdx int, isLast bool) bool {
	boundary := (batchIdx+1)%t.cfg.AccumulateGradBatches == 0
	return !boundary && !isLast
}

// stepSchedulers steps every scheduler bound to interval whose frequency
// divides counter.
func (t *Trainer) stepSchedulers(interval Interval, counter int) error {
	for _, sc := range t.schedulers {
		if sc.Interval != interval || counter%sc.Frequency != 0 {
			continue
		}
		if ms, ok := sc.Scheduler.(MetricScheduler); ok {
			v, found := t.metrics.callback[sc.Monitor]
			if !found {
				if sc.Strict {
					return fmt.Errorf("%w: scheduler %s monitors %q, which was not logged; available: %v", ErrMisconfigured, sc.Name, sc.Monitor, sortedKeys(t.metrics.callback))
				}
				logrus.Warnf("scheduler %s: monitored metric %q not available; skipping step", sc.Name, sc.Monitor)
				continue
			}
			if err := ms.StepMetric(v); err != nil {
				return fmt.Errorf("scheduler %s: %w", sc.Name, err)
			}
			continue
		}
		if err := sc.Scheduler.Step(); err != nil {
			return fmt.Errorf("scheduler %s: %w", sc.Name, err)
		}
	}
	return nil
}
