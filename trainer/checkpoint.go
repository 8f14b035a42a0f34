package trainer

import (
	"bytes"
	"context"
	"encoding"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"

	"github.com/cespare/xxhash/v2"
	"github.com/natefinch/atomic"
	"github.com/sirupsen/logrus"
)

// CheckpointVersion is the envelope format written by SaveCheckpoint.
const CheckpointVersion = 1

// Checkpoint is the persisted state of a fit.
//
// Model, optimizer and scheduler state are opaque bytes produced by the
// component's MarshalBinary. Components that do not implement
// encoding.BinaryMarshaler contribute nothing.
type Checkpoint struct {
	Version int `json:"version"`

	Epoch              int  `json:"epoch"`
	GlobalStep         int  `json:"global_step"`
	EpochCompleted     bool `json:"epoch_completed"`
	BatchesCompleted   int  `json:"batches_completed"`
	BatchesThatStepped int  `json:"batches_that_stepped"`
	TotalTrainBatches  int  `json:"total_train_batches"`

	ModelState      []byte            `json:"model_state,omitempty"`
	OptimizerStates [][]byte          `json:"optimizer_states,omitempty"`
	SchedulerStates [][]byte          `json:"scheduler_states,omitempty"`
	CallbackStates  map[string][]byte `json:"callback_states,omitempty"`

	Hyperparameters map[string]any `json:"hyperparameters,omitempty"`
	// Extra holds entries added by on_save_checkpoint handlers.
	Extra map[string]any `json:"extra,omitempty"`

	// Digest is the hex xxhash64 of model and optimizer state.
	Digest string `json:"digest"`
}

// ComputeDigest hashes model and optimizer state with length prefixes so
// that moving bytes between fields changes the digest.
func (c *Checkpoint) ComputeDigest() string {
	h := xxhash.New()
	var n [8]byte
	write := func(b []byte) {
		binary.LittleEndian.PutUint64(n[:], uint64(len(b)))
		_, _ = h.Write(n[:])
		_, _ = h.Write(b)
	}
	write(c.ModelState)
	for _, s := range c.OptimizerStates {
		write(s)
	}
	return strconv.FormatUint(h.Sum64(), 16)
}

// Verify checks the version and digest.
func (c *Checkpoint) Verify() error {
	if c.Version != CheckpointVersion {
		return fmt.Errorf("%w: checkpoint version %d, want %d", ErrMisconfigured, c.Version, CheckpointVersion)
	}
	if got := c.ComputeDigest(); got != c.Digest {
		return fmt.Errorf("%w: recorded %s, computed %s", ErrDigestMismatch, c.Digest, got)
	}
	return nil
}

// LoadCheckpoint reads and verifies a checkpoint file.
func LoadCheckpoint(path string) (*Checkpoint, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading checkpoint: %w", err)
	}
	var ckpt Checkpoint
	if err := json.Unmarshal(data, &ckpt); err != nil {
		return nil, fmt.Errorf("decoding checkpoint %s: %w", path, err)
	}
	if err := ckpt.Verify(); err != nil {
		return nil, fmt.Errorf("checkpoint %s: %w", path, err)
	}
	return &ckpt, nil
}

// WriteCheckpoint writes ckpt to path atomically, creating the directory.
func WriteCheckpoint(path string, ckpt *Checkpoint) error {
	data, err := json.MarshalIndent(ckpt, "", "  ")
	if err != nil {
		return fmt.Errorf("encoding checkpoint: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("creating checkpoint directory: %w", err)
	}
	if err := atomic.WriteFile(path, bytes.NewReader(data)); err != nil {
		return fmt.Errorf("writing checkpoint %s: %w", path, err)
	}
	return nil
}

// DumpCheckpoint captures the current state and runs on_save_checkpoint.
func (t *Trainer) DumpCheckpoint(ctx context.Context) (*Checkpoint, error) {
	if t.module == nil {
		return nil, fmt.Errorf("%w: no module to checkpoint", ErrMisconfigured)
	}
	ckpt := &Checkpoint{
		Version:            CheckpointVersion,
		Epoch:              t.currentEpoch,
		GlobalStep:         t.globalStep,
		EpochCompleted:     t.epochExhausted || t.epochEnding,
		BatchesCompleted:   t.batchesCompleted,
		BatchesThatStepped: t.batchesThatStepped,
		TotalTrainBatches:  t.totalTrainBatches,
		CallbackStates:     make(map[string][]byte),
		Extra:              make(map[string]any),
	}
	var err error
	if ckpt.ModelState, err = marshalState(t.module); err != nil {
		return nil, fmt.Errorf("model state: %w", err)
	}
	for i, opt := range t.optimizers {
		s, err := marshalState(opt)
		if err != nil {
			return nil, fmt.Errorf("optimizer %d state: %w", i, err)
		}
		ckpt.OptimizerStates = append(ckpt.OptimizerStates, s)
	}
	for _, sc := range t.schedulers {
		s, err := marshalState(sc.Scheduler)
		if err != nil {
			return nil, fmt.Errorf("scheduler %s state: %w", sc.Name, err)
		}
		ckpt.SchedulerStates = append(ckpt.SchedulerStates, s)
	}
	for _, cb := range t.dispatcher.Callbacks() {
		sc, ok := cb.(StatefulCallback)
		if !ok {
			continue
		}
		s, err := sc.MarshalBinary()
		if err != nil {
			return nil, fmt.Errorf("callback %s state: %w", cb.Name(), err)
		}
		ckpt.CallbackStates[sc.StateKey()] = s
	}
	if hp, ok := t.module.(HyperparameterProvider); ok {
		ckpt.Hyperparameters = hp.Hyperparameters()
	}

	ev := t.newEvent(HookOnSaveCheckpoint)
	ev.Checkpoint = ckpt
	if err := t.dispatcher.Dispatch(ctx, ev); err != nil {
		return nil, err
	}
	ckpt.Digest = ckpt.ComputeDigest()
	return ckpt, nil
}

// SaveCheckpoint writes the current state to path.
func (t *Trainer) SaveCheckpoint(ctx context.Context, path string) error {
	ckpt, err := t.DumpCheckpoint(ctx)
	if err != nil {
		return err
	}
	if err := WriteCheckpoint(path, ckpt); err != nil {
		return err
	}
	logrus.Debugf("saved checkpoint %s (epoch %d, step %d)", path, ckpt.Epoch, ckpt.GlobalStep)
	return nil
}

func marshalState(v any) ([]byte, error) {
	m, ok := v.(encoding.BinaryMarshaler)
	if !ok {
		return nil, nil
	}
	return m.MarshalBinary()
}

func unmarshalState(v any, data []byte) error {
	if len(data) == 0 {
		return nil
	}
	u, ok := v.(encoding.BinaryUnmarshaler)
	if !ok {
		return fmt.Errorf("%w: checkpoint has state for %T, which cannot restore it", ErrMisconfigured, v)
	}
	return u.UnmarshalBinary(data)
}

// resolveCheckpointPath maps "best" and "last" to files through the
// registered CheckpointProvider callbacks.
func (t *Trainer) resolveCheckpointPath(path string) (string, error) {
	if path != "best" && path != "last" {
		return path, nil
	}
	for _, cb := range t.dispatcher.Callbacks() {
		p, ok := cb.(CheckpointProvider)
		if !ok {
			continue
		}
		resolved := p.BestModelPath()
		if path == "last" {
			resolved = p.LastModelPath()
		}
		if resolved != "" {
			return resolved, nil
		}
	}
	return "", fmt.Errorf("%w: no %q checkpoint recorded by any checkpoint callback", ErrUnknownCheckpoint, path)
}

// restoreModuleFrom loads path (if any), restores module state (and, for fit,
// callback state) and dispatches on_load_checkpoint.
func (t *Trainer) restoreModuleFrom(ctx context.Context, path string) (*Checkpoint, error) {
	if path == "" {
		return nil, nil
	}
	resolved, err := t.resolveCheckpointPath(path)
	if err != nil {
		return nil, err
	}
	ckpt, err := LoadCheckpoint(resolved)
	if err != nil {
		return nil, err
	}
	if err := unmarshalState(t.module, ckpt.ModelState); err != nil {
		return nil, fmt.Errorf("restoring model: %w", err)
	}
	for _, cb := range t.dispatcher.Callbacks() {
		sc, ok := cb.(StatefulCallback)
		if !ok || t.state.Fn != FnFit {
			continue
		}
		s, found := ckpt.CallbackStates[sc.StateKey()]
		if !found {
			continue
		}
		if err := sc.UnmarshalBinary(s); err != nil {
			return nil, fmt.Errorf("restoring callback %s: %w", cb.Name(), err)
		}
	}
	ev := t.newEvent(HookOnLoadCheckpoint)
	ev.Checkpoint = ckpt
	if err := t.dispatcher.Dispatch(ctx, ev); err != nil {
		return nil, err
	}
	logrus.Infof("restored %s (epoch %d, step %d)", resolved, ckpt.Epoch, ckpt.GlobalStep)
	return ckpt, nil
}

// restoreTrainingState restores optimizers, schedulers and loop counters.
// It runs after ConfigureOptimizers.
func (t *Trainer) restoreTrainingState(ckpt *Checkpoint) error {
	if len(ckpt.OptimizerStates) > 0 && len(ckpt.OptimizerStates) != len(t.optimizers) {
		return fmt.Errorf("%w: checkpoint has %d optimizer states, module configured %d optimizers",
			ErrMisconfigured, len(ckpt.OptimizerStates), len(t.optimizers))
	}
	for i, s := range ckpt.OptimizerStates {
		if err := unmarshalState(t.optimizers[i], s); err != nil {
			return fmt.Errorf("restoring optimizer %d: %w", i, err)
		}
	}
	if len(ckpt.SchedulerStates) > 0 && len(ckpt.SchedulerStates) != len(t.schedulers) {
		return fmt.Errorf("%w: checkpoint has %d scheduler states, module configured %d schedulers",
			ErrMisconfigured, len(ckpt.SchedulerStates), len(t.schedulers))
	}
	for i, s := range ckpt.SchedulerStates {
		if err := unmarshalState(t.schedulers[i].Scheduler, s); err != nil {
			return fmt.Errorf("restoring scheduler %s: %w", t.schedulers[i].Name, err)
		}
	}
	t.globalStep = ckpt.GlobalStep
	t.batchesThatStepped = ckpt.BatchesThatStepped
	if ckpt.EpochCompleted {
		t.currentEpoch = ckpt.Epoch + 1
		t.resumeSkip = 0
		t.totalTrainBatches = ckpt.TotalTrainBatches
	} else {
		t.currentEpoch = ckpt.Epoch
		t.resumeSkip = ckpt.BatchesCompleted
		// skipResumedBatches counts the skipped batches again.
		t.totalTrainBatches = max(ckpt.TotalTrainBatches-ckpt.BatchesCompleted, 0)
	}
	return nil
}
