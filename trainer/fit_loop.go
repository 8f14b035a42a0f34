package trainer

import (
	"context"
	"fmt"

	"github.com/sirupsen/logrus"
)

// runFit is the body of Fit.
func (t *Trainer) runFit(ctx context.Context, ro runOptions) error {
	ckpt, err := t.restoreModuleFrom(ctx, ro.ckptPath)
	if err != nil {
		return err
	}
	if err := t.configureOptimizers(); err != nil {
		return err
	}
	if ckpt != nil {
		if err := t.restoreTrainingState(ckpt); err != nil {
			return err
		}
	}
	if err := t.resolveFitCounts(); err != nil {
		return err
	}
	if err := t.logHyperparams(); err != nil {
		return err
	}
	if err := t.dispatch(ctx, HookOnFitStart); err != nil {
		return err
	}
	if err := t.runSanityCheck(ctx); err != nil {
		return err
	}

	if t.numTrainBatches == 0 {
		logrus.Infof("fit: no training batches (limit_train_batches=%s); skipping the train loop", t.cfg.LimitTrainBatches)
	} else if !t.fitDone() {
		t.state.Stage = StageTrain
		if err := t.dispatch(ctx, HookOnTrainStart); err != nil {
			return err
		}
		for !t.fitDone() {
			if err := ctx.Err(); err != nil {
				return err
			}
			if err := t.runTrainEpoch(ctx); err != nil {
				return err
			}
		}
		t.state.Stage = StageTrain
		if err := t.dispatch(ctx, HookOnTrainEnd); err != nil {
			return err
		}
	}
	t.state.Stage = ""
	return t.dispatch(ctx, HookOnFitEnd)
}

// resolveFitCounts turns limits and val_check_interval into batch counts.
func (t *Trainer) resolveFitCounts() error {
	var err error
	t.numTrainBatches, err = resolveLoader(t.data.TrainDataLoader(), t.cfg.LimitTrainBatches, "limit_train_batches")
	if err != nil {
		return err
	}
	t.numValBatches = 0
	if _, ok := t.module.(ValidationStepper); ok {
		t.numValBatches, err = resolveLoader(t.data.ValDataLoader(), t.cfg.LimitValBatches, "limit_val_batches")
		if err != nil {
			return err
		}
	}

	vci := t.cfg.ValCheckInterval
	switch {
	case !vci.IsFraction():
		n := vci.Count()
		if t.numTrainBatches >= 0 && n > t.numTrainBatches && t.cfg.CheckValEveryNEpoch != 0 {
			return fmt.Errorf("%w: val_check_interval (%d) exceeds the number of training batches (%d); pass a fraction or set check_val_every_n_epoch=0 to count across epochs",
				ErrMisconfigured, n, t.numTrainBatches)
		}
		t.valCheckBatch = n
	case vci.Value() == 1.0:
		t.valCheckBatch = -1
	case t.numTrainBatches < 0:
		return fmt.Errorf("%w: val_check_interval=%s needs a train loader of known length; pass a batch count", ErrMisconfigured, vci)
	default:
		t.valCheckBatch = max(1, int(float64(t.numTrainBatches)*vci.Value()))
	}
	logrus.Debugf("fit: %d train batches, %d val batches, val every %d batches", t.numTrainBatches, t.numValBatches, t.valCheckBatch)
	return nil
}

func resolveLoader(l DataLoader, limit Limit, name string) (int, error) {
	if l == nil {
		return 0, nil
	}
	return limit.Resolve(name, l.Len())
}

func (t *Trainer) logHyperparams() error {
	hp, ok := t.module.(HyperparameterProvider)
	if !ok || len(t.loggers) == 0 {
		return nil
	}
	params := hp.Hyperparameters()
	for _, l := range t.loggers {
		if err := l.LogHyperparams(params); err != nil {
			return fmt.Errorf("logger %s: hyperparameters: %w", l.Name(), err)
		}
	}
	return nil
}

// canStopEarly reports whether min_epochs and min_steps are met.
func (t *Trainer) canStopEarly() bool {
	return t.currentEpoch >= t.cfg.MinEpochs && t.globalStep >= t.cfg.MinSteps
}

func (t *Trainer) maxStepsReached() bool {
	return t.cfg.MaxSteps >= 0 && t.globalStep >= t.cfg.MaxSteps
}

// honourShouldStop consumes a stop request. A request made before the
// minimums are met is dropped.
func (t *Trainer) honourShouldStop() bool {
	if !t.shouldStop {
		return false
	}
	if t.canStopEarly() {
		return true
	}
	logrus.Infof("stop requested at epoch %d step %d but min_epochs=%d min_steps=%d not met; training continues",
		t.currentEpoch, t.globalStep, t.cfg.MinEpochs, t.cfg.MinSteps)
	t.shouldStop = false
	return false
}

// fitDone is checked before every epoch.
func (t *Trainer) fitDone() bool {
	switch {
	case t.numTrainBatches == 0:
		return true
	case t.maxStepsReached():
		logrus.Debugf("fit: max_steps=%d reached", t.cfg.MaxSteps)
		return true
	case t.cfg.MaxEpochs >= 0 && t.currentEpoch >= t.cfg.MaxEpochs:
		logrus.Debugf("fit: max_epochs=%d reached", t.cfg.MaxEpochs)
		return true
	}
	return t.honourShouldStop()
}

// epochDone is checked after every train batch.
func (t *Trainer) epochDone() bool {
	if t.maxStepsReached() {
		return true
	}
	return t.honourShouldStop()
}

func (t *Trainer) runTrainEpoch(ctx context.Context) error {
	t.state.Stage = StageTrain
	t.batchIdx = 0
	t.batchesCompleted = 0
	t.epochExhausted = false
	t.epochEnding = false

	it, err := t.data.TrainDataLoader().Iter(ctx, t.currentEpoch)
	if err != nil {
		return fmt.Errorf("train loader epoch %d: %w", t.currentEpoch, err)
	}
	defer func() {
		if cerr := it.Close(); cerr != nil {
			logrus.Warnf("train loader close: %v", cerr)
		}
	}()
	f := newFetcher(it, t.numTrainBatches)
	if t.resumeSkip > 0 {
		if err := t.skipResumedBatches(f); err != nil {
			return err
		}
	}

	t.setTraining(true)
	if err := t.dispatch(ctx, HookOnTrainEpochStart); err != nil {
		return err
	}

	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		batch, isLast, ok, err := f.next()
		if err != nil {
			return fmt.Errorf("train batch %d: %w", t.batchIdx, err)
		}
		if !ok {
			t.epochExhausted = true
			break
		}
		skipRest, err := t.runTrainBatch(ctx, batch, isLast)
		if err != nil {
			return err
		}
		if skipRest {
			logrus.Debugf("epoch %d: on_train_batch_start skipped the rest of the epoch at batch %d", t.currentEpoch, t.batchIdx)
			break
		}
		if t.cfg.MaxTime > 0 && !t.shouldStop && t.Elapsed() >= t.cfg.MaxTime {
			logrus.Infof("max_time=%s reached at epoch %d step %d; stopping", t.cfg.MaxTime, t.currentEpoch, t.globalStep)
			t.shouldStop = true
		}
		if t.shouldCheckVal(isLast) {
			if err := t.runValidation(ctx); err != nil {
				return err
			}
		}
		t.batchIdx++
		if t.epochDone() {
			break
		}
	}
	return t.trainEpochEnd(ctx)
}

// skipResumedBatches drops the batches a mid-epoch checkpoint already ran.
func (t *Trainer) skipResumedBatches(f *fetcher) error {
	skip := t.resumeSkip
	t.resumeSkip = 0
	for t.batchIdx < skip {
		_, _, ok, err := f.next()
		if err != nil {
			return fmt.Errorf("skipping resumed batch %d: %w", t.batchIdx, err)
		}
		if !ok {
			break
		}
		t.batchIdx++
		t.batchesCompleted++
		t.totalTrainBatches++
	}
	logrus.Infof("resumed epoch %d after %d completed batches", t.currentEpoch, t.batchIdx)
	return nil
}

// runTrainBatch runs one batch. skipRest is true when on_train_batch_start
// asked to end the epoch; the batch is not run in that case.
func (t *Trainer) runTrainBatch(ctx context.Context, batch Batch, isLast bool) (skipRest bool, err error) {
	idx := t.batchIdx
	ev := t.newEvent(HookOnTrainBatchStart)
	ev.Batch = batch
	if err := t.dispatcher.Dispatch(ctx, ev); err != nil {
		return false, err
	}
	if ev.SkipRestOfEpoch {
		return true, nil
	}

	sc := t.stepContext(ctx, HookTrainingStep, batch, idx)
	var out StepOutput
	sev := t.newEvent(HookTrainingStep)
	sev.Batch = batch
	err = t.callStep(ctx, sev, func() error {
		var stepErr error
		out, stepErr = t.module.TrainingStep(sc, batch, idx)
		return stepErr
	})
	if err != nil {
		return false, err
	}

	stepped := !t.automatic
	if t.automatic && !out.Skip {
		if err := t.backward(ctx, sc, out); err != nil {
			return false, err
		}
		if !t.shouldAccumulate(idx, isLast) {
			if err := t.automaticStep(ctx); err != nil {
				return false, err
			}
			if err := t.stepSchedulers(IntervalStep, t.globalStep); err != nil {
				return false, err
			}
			stepped = true
		}
	}

	t.batchesCompleted++
	t.totalTrainBatches++
	if isLast {
		t.epochExhausted = true
	}
	ev = t.newEvent(HookOnTrainBatchEnd)
	ev.Batch = batch
	ev.Output = &out
	if err := t.dispatcher.Dispatch(ctx, ev); err != nil {
		return false, err
	}

	if stepped {
		t.batchesThatStepped++
	}
	if (stepped && t.batchesThatStepped%t.cfg.LogEveryNSteps == 0) || t.shouldStop {
		if err := t.publish(t.collection().takeStep(), true); err != nil {
			return false, err
		}
	}
	return false, nil
}

// shouldCheckVal decides whether validation runs after the current batch.
func (t *Trainer) shouldCheckVal(isLast bool) bool {
	if t.numValBatches == 0 {
		return false
	}
	everyN := t.cfg.CheckValEveryNEpoch
	if everyN > 0 && (t.currentEpoch+1)%everyN != 0 {
		return false
	}
	if isLast && t.numTrainBatches < 0 {
		return true
	}
	if t.shouldStop && t.canStopEarly() {
		return true
	}
	if t.valCheckBatch < 0 {
		return isLast
	}
	if everyN == 0 {
		return t.totalTrainBatches%t.valCheckBatch == 0
	}
	return (t.batchIdx+1)%t.valCheckBatch == 0
}

// trainEpochEnd dispatches on_train_epoch_end around the metric reduction
// and steps epoch schedulers.
func (t *Trainer) trainEpochEnd(ctx context.Context) error {
	t.state.Stage = StageTrain
	t.epochEnding = true
	ev := t.newEvent(HookOnTrainEpochEnd)
	if err := t.dispatcher.DispatchCallbacks(ctx, ev, func(cb Callback) bool { return !isMonitoring(cb) }); err != nil {
		return err
	}
	if err := t.dispatcher.DispatchModule(ctx, ev); err != nil {
		return err
	}
	if err := t.publish(t.collection().reduceEpoch(), true); err != nil {
		return err
	}
	ev = t.newEvent(HookOnTrainEpochEnd)
	if err := t.dispatcher.DispatchCallbacks(ctx, ev, isMonitoring); err != nil {
		return err
	}
	if t.automatic {
		if err := t.stepSchedulers(IntervalEpoch, t.currentEpoch+1); err != nil {
			return err
		}
	}
	for _, l := range t.loggers {
		if err := l.Save(); err != nil {
			return fmt.Errorf("logger %s: save: %w", l.Name(), err)
		}
	}
	t.currentEpoch++
	return nil
}
