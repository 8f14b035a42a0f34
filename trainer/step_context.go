package trainer

import (
	"context"
	"fmt"
	"maps"
	"slices"
)

// StepContext is passed to step functions. It scopes logging to the hook
// being run and gives manual-optimization modules access to the loop.
type StepContext struct {
	ctx      context.Context
	t        *Trainer
	hook     Hook
	batch    Batch
	batchIdx int
}

func (t *Trainer) stepContext(ctx context.Context, hook Hook, batch Batch, batchIdx int) *StepContext {
	return &StepContext{ctx: ctx, t: t, hook: hook, batch: batch, batchIdx: batchIdx}
}

// Context returns the run context.
func (sc *StepContext) Context() context.Context { return sc.ctx }

// Trainer returns the trainer running the step.
func (sc *StepContext) Trainer() *Trainer { return sc.t }

// BatchIdx returns the index of the batch within the current loop epoch.
func (sc *StepContext) BatchIdx() int { return sc.batchIdx }

// Log records a value. Without OnStep/OnEpoch options the hook's defaults
// apply: training steps log per step, evaluation steps per epoch.
func (sc *StepContext) Log(name string, value float64, opts ...LogOption) error {
	return sc.t.logValue(sc.hook, sc.batch, name, value, opts)
}

// LogDict logs every entry of values with the same options, in key order.
func (sc *StepContext) LogDict(values map[string]float64, opts ...LogOption) error {
	for _, name := range slices.Sorted(maps.Keys(values)) {
		if err := sc.Log(name, values[name], opts...); err != nil {
			return err
		}
	}
	return nil
}

// Optimizers returns loop-managed wrappers of the configured optimizers.
func (sc *StepContext) Optimizers() []*ManagedOptimizer {
	out := make([]*ManagedOptimizer, len(sc.t.optimizers))
	for i, opt := range sc.t.optimizers {
		out[i] = &ManagedOptimizer{opt: opt, idx: i, sc: sc}
	}
	return out
}

// ManualBackward runs the module's Backward between the backward hooks.
// It is only valid under manual optimization.
func (sc *StepContext) ManualBackward(out StepOutput) error {
	if sc.t.automatic {
		return fmt.Errorf("%w: ManualBackward requires AutomaticOptimization() == false", ErrMisconfigured)
	}
	return sc.t.backward(sc.ctx, sc, out)
}

// ManagedOptimizer wraps an Optimizer so that manual optimization still
// fires the optimizer hooks, clips gradients and counts global steps.
type ManagedOptimizer struct {
	opt Optimizer
	idx int
	sc  *StepContext
}

// Step fires on_before_optimizer_step, clips gradients and steps.
func (o *ManagedOptimizer) Step() error {
	return o.sc.t.optimizerStep(o.sc.ctx, o.idx, o.opt)
}

// ZeroGrad fires on_before_zero_grad and clears gradients.
func (o *ManagedOptimizer) ZeroGrad() error {
	return o.sc.t.zeroGrad(o.sc.ctx, o.idx, o.opt)
}

// LearningRate returns the wrapped optimizer's learning rate.
func (o *ManagedOptimizer) LearningRate() float64 { return o.opt.LearningRate() }

// Unwrap returns the wrapped optimizer.
func (o *ManagedOptimizer) Unwrap() Optimizer { return o.opt }
