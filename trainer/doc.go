// Package trainer provides the training-loop orchestrator and hook dispatcher.
//
// # Reading Guide
//
// Start with these files to understand the loop kernel:
//   - module.go: the step-function contracts a user model implements
//   - hooks.go: the named lifecycle hooks and the Event passed to them
//   - dispatch.go: ordered callback dispatch for a hook
//   - fit_loop.go: epoch and batch iteration, validation gating, stopping rules
//   - optimization.go: backward, optimizer step, zero-grad and scheduler stepping
//   - results.go: per-step and per-epoch aggregation of logged values
//
// # Architecture
//
// The trainer package owns the interfaces; implementations of collaborators
// live in sub-packages:
//   - trainer/data/: reference data loaders (slice-backed, ordered parallel map)
//   - trainer/callbacks/: ModelCheckpoint, EarlyStopping, LearningRateMonitor, ProgressReporter
//   - trainer/loggers/: CSV, SQLite and console metric sinks
//   - trainer/trace/: hook invocation records and the profiler summary
//   - trainer/accelerator/: host capability report
//
// Sub-packages register their defaults via init() functions that set
// package-level factory variables (NewDefaultCheckpointFunc, NewDefaultLoggerFunc).
//
// # Key Interfaces
//
// The extension points are small interfaces:
//   - Module: training step, backward, optimizer configuration
//   - ValidationStepper, TestStepper, PredictStepper: optional evaluation steps
//   - Callback: named hook handler, called in registration order
//   - Optimizer, Scheduler: parameter update contracts driven by the loop
//   - DataLoader, DataModule: batch sources per stage
//   - Logger: receives reduced metrics and hyperparameters
package trainer
