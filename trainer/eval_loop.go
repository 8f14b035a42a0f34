package trainer

import (
	"context"
	"fmt"
	"maps"

	"github.com/sirupsen/logrus"
)

// evalHooks names the hooks of one evaluation loop.
type evalHooks struct {
	start, end           Hook
	epochStart, epochEnd Hook
	batchStart, batchEnd Hook
	step                 Hook
	modelEval            bool
}

var (
	validationHooks = evalHooks{
		start: HookOnValidationStart, end: HookOnValidationEnd,
		epochStart: HookOnValidationEpochStart, epochEnd: HookOnValidationEpochEnd,
		batchStart: HookOnValidationBatchStart, batchEnd: HookOnValidationBatchEnd,
		step: HookValidationStep, modelEval: true,
	}
	testHooks = evalHooks{
		start: HookOnTestStart, end: HookOnTestEnd,
		epochStart: HookOnTestEpochStart, epochEnd: HookOnTestEpochEnd,
		batchStart: HookOnTestBatchStart, batchEnd: HookOnTestBatchEnd,
		step: HookTestStep,
	}
)

type evalStepFunc func(sc *StepContext, batch Batch, batchIdx int) (StepOutput, error)

// runSanityCheck runs a few validation batches before training. Metrics
// logged here are discarded.
func (t *Trainer) runSanityCheck(ctx context.Context) error {
	if t.numValBatches == 0 || t.cfg.NumSanityValSteps == 0 {
		return nil
	}
	limit := t.cfg.NumSanityValSteps
	if limit < 0 || (t.numValBatches >= 0 && limit > t.numValBatches) {
		limit = t.numValBatches
	}
	vs := t.module.(ValidationStepper)

	t.state.Stage = StageSanityCheck
	t.sanityChecking = true
	defer func() { t.sanityChecking = false }()
	if err := t.dispatch(ctx, HookOnSanityCheckStart); err != nil {
		return err
	}
	if _, err := t.runEvalLoop(ctx, validationHooks, t.data.ValDataLoader(), limit, vs.ValidationStep); err != nil {
		return err
	}
	if err := t.dispatch(ctx, HookOnSanityCheckEnd); err != nil {
		return err
	}
	t.sanityChecking = false
	t.state.Stage = ""
	return nil
}

// runValidation runs the validation loop from inside a train epoch.
func (t *Trainer) runValidation(ctx context.Context) error {
	vs := t.module.(ValidationStepper)
	t.state.Stage = StageValidate
	_, err := t.runEvalLoop(ctx, validationHooks, t.data.ValDataLoader(), t.numValBatches, vs.ValidationStep)
	t.state.Stage = StageTrain
	return err
}

// runEvaluate is the body of Validate and Test.
func (t *Trainer) runEvaluate(ctx context.Context, ro runOptions, stage Stage) (map[string]float64, error) {
	if _, err := t.restoreModuleFrom(ctx, ro.ckptPath); err != nil {
		return nil, err
	}
	var (
		hooks  evalHooks
		loader DataLoader
		limit  Limit
		step   evalStepFunc
	)
	switch stage {
	case StageValidate:
		vs, ok := t.module.(ValidationStepper)
		if !ok {
			return nil, fmt.Errorf("%w: module %T has no ValidationStep", ErrMisconfigured, t.module)
		}
		hooks, loader, limit, step = validationHooks, t.data.ValDataLoader(), t.cfg.LimitValBatches, vs.ValidationStep
	case StageTest:
		ts, ok := t.module.(TestStepper)
		if !ok {
			return nil, fmt.Errorf("%w: module %T has no TestStep", ErrMisconfigured, t.module)
		}
		hooks, loader, limit, step = testHooks, t.data.TestDataLoader(), t.cfg.LimitTestBatches, ts.TestStep
	default:
		return nil, fmt.Errorf("%w: %s is not an evaluation stage", ErrMisconfigured, stage)
	}
	if loader == nil {
		return nil, fmt.Errorf("%w: no %s data loader", ErrMisconfigured, stage)
	}
	n, err := limit.Resolve("limit_"+string(stage)+"_batches", loader.Len())
	if err != nil {
		return nil, err
	}
	t.state.Stage = stage
	views, err := t.runEvalLoop(ctx, hooks, loader, n, step)
	if err != nil {
		return nil, err
	}
	return maps.Clone(views.callback), nil
}

// runEvalLoop iterates up to limit batches (-1 for all) of loader.
func (t *Trainer) runEvalLoop(ctx context.Context, hooks evalHooks, loader DataLoader, limit int, step evalStepFunc) (metricViews, error) {
	views := newMetricViews()
	if limit == 0 {
		return views, nil
	}
	it, err := loader.Iter(ctx, t.currentEpoch)
	if err != nil {
		return views, fmt.Errorf("%s loader: %w", t.state.Stage, err)
	}
	defer func() {
		if cerr := it.Close(); cerr != nil {
			logrus.Warnf("%s loader close: %v", t.state.Stage, cerr)
		}
	}()
	f := newFetcher(it, limit)

	t.setTraining(false)
	if hooks.modelEval {
		if err := t.dispatch(ctx, HookOnValidationModelEval); err != nil {
			return views, err
		}
	}
	if err := t.dispatch(ctx, hooks.start); err != nil {
		return views, err
	}
	if err := t.dispatch(ctx, hooks.epochStart); err != nil {
		return views, err
	}

	for idx := 0; ; idx++ {
		if err := ctx.Err(); err != nil {
			return views, err
		}
		batch, _, ok, err := f.next()
		if err != nil {
			return views, fmt.Errorf("%s batch %d: %w", t.state.Stage, idx, err)
		}
		if !ok {
			break
		}
		ev := t.newEvent(hooks.batchStart)
		ev.Batch, ev.BatchIdx = batch, idx
		if err := t.dispatcher.Dispatch(ctx, ev); err != nil {
			return views, err
		}

		sc := t.stepContext(ctx, hooks.step, batch, idx)
		var out StepOutput
		sev := t.newEvent(hooks.step)
		sev.Batch, sev.BatchIdx = batch, idx
		err = t.callStep(ctx, sev, func() error {
			var stepErr error
			out, stepErr = step(sc, batch, idx)
			return stepErr
		})
		if err != nil {
			return views, err
		}

		ev = t.newEvent(hooks.batchEnd)
		ev.Batch, ev.BatchIdx, ev.Output = batch, idx, &out
		if err := t.dispatcher.Dispatch(ctx, ev); err != nil {
			return views, err
		}

		stepViews := t.collection().takeStep()
		if t.sanityChecking {
			continue
		}
		if err := t.publishAt(stepViews, true, t.evalLoggerSteps[t.state.Stage]); err != nil {
			return views, err
		}
		t.evalLoggerSteps[t.state.Stage]++
	}

	if err := t.dispatch(ctx, hooks.epochEnd); err != nil {
		return views, err
	}
	views = t.collection().reduceEpoch()
	if !t.sanityChecking {
		if err := t.publish(views, true); err != nil {
			return views, err
		}
	}
	if err := t.dispatch(ctx, hooks.end); err != nil {
		return views, err
	}
	if hooks.modelEval {
		if err := t.dispatch(ctx, HookOnValidationModelTrain); err != nil {
			return views, err
		}
	}
	if t.state.Fn == FnFit {
		t.setTraining(true)
	}
	return views, nil
}

// runPredict is the body of Predict.
func (t *Trainer) runPredict(ctx context.Context, ro runOptions) ([]any, error) {
	if _, err := t.restoreModuleFrom(ctx, ro.ckptPath); err != nil {
		return nil, err
	}
	ps, ok := t.module.(PredictStepper)
	if !ok {
		return nil, fmt.Errorf("%w: module %T has no PredictStep", ErrMisconfigured, t.module)
	}
	loader := t.data.PredictDataLoader()
	if loader == nil {
		return nil, fmt.Errorf("%w: no predict data loader", ErrMisconfigured)
	}
	limit, err := t.cfg.LimitPredictBatches.Resolve("limit_predict_batches", loader.Len())
	if err != nil {
		return nil, err
	}
	t.state.Stage = StagePredict
	var outputs []any
	if limit == 0 {
		return outputs, nil
	}

	it, err := loader.Iter(ctx, 0)
	if err != nil {
		return nil, fmt.Errorf("predict loader: %w", err)
	}
	defer func() {
		if cerr := it.Close(); cerr != nil {
			logrus.Warnf("predict loader close: %v", cerr)
		}
	}()
	f := newFetcher(it, limit)

	t.setTraining(false)
	if err := t.dispatch(ctx, HookOnPredictStart); err != nil {
		return nil, err
	}
	if err := t.dispatch(ctx, HookOnPredictEpochStart); err != nil {
		return nil, err
	}
	for idx := 0; ; idx++ {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		batch, _, ok, err := f.next()
		if err != nil {
			return nil, fmt.Errorf("predict batch %d: %w", idx, err)
		}
		if !ok {
			break
		}
		ev := t.newEvent(HookOnPredictBatchStart)
		ev.Batch, ev.BatchIdx = batch, idx
		if err := t.dispatcher.Dispatch(ctx, ev); err != nil {
			return nil, err
		}
		sc := t.stepContext(ctx, HookPredictStep, batch, idx)
		var pred any
		sev := t.newEvent(HookPredictStep)
		sev.Batch, sev.BatchIdx = batch, idx
		err = t.callStep(ctx, sev, func() error {
			var stepErr error
			pred, stepErr = ps.PredictStep(sc, batch, idx)
			return stepErr
		})
		if err != nil {
			return nil, err
		}
		outputs = append(outputs, pred)
		ev = t.newEvent(HookOnPredictBatchEnd)
		ev.Batch, ev.BatchIdx, ev.Prediction = batch, idx, pred
		if err := t.dispatcher.Dispatch(ctx, ev); err != nil {
			return nil, err
		}
	}
	if err := t.dispatch(ctx, HookOnPredictEpochEnd); err != nil {
		return nil, err
	}
	if err := t.dispatch(ctx, HookOnPredictEnd); err != nil {
		return nil, err
	}
	return outputs, nil
}
