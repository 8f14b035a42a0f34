package trainer

// Logger receives hyperparameters and reduced metrics from a run.
//
// LogMetrics is called from the loop goroutine with a fresh map the logger
// may keep. step is the number of optimizer-stepping batches seen so far,
// minus one; it is the x-axis of every write.
type Logger interface {
	Name() string
	Version() string
	LogHyperparams(params map[string]any) error
	LogMetrics(metrics map[string]float64, step int) error
	// Save flushes buffered writes.
	Save() error
	// Finalize is called once at the end of every entry point.
	Finalize(status Status) error
}

// LogDirProvider is implemented by loggers that own a run directory.
// The first such logger decides Trainer.LogDir.
type LogDirProvider interface {
	LogDir() string
}

// NewDefaultLoggerFunc builds the logger used when EnableLogger is set and
// no logger is passed. It is set by the loggers package's init(); when nil,
// runs without explicit loggers log nothing.
var NewDefaultLoggerFunc func(rootDir string) (Logger, error)

// NewDefaultCheckpointFunc builds the checkpoint callback added when
// EnableCheckpointing is set and no Checkpointer is registered. It is set by
// the callbacks package's init().
var NewDefaultCheckpointFunc func() Callback
