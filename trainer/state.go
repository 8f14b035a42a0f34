package trainer

// Fn identifies the entry point a Trainer is running.
type Fn string

const (
	FnFit      Fn = "fit"
	FnValidate Fn = "validate"
	FnTest     Fn = "test"
	FnPredict  Fn = "predict"
)

// Stage identifies the loop currently executing inside an entry point.
type Stage string

const (
	StageTrain       Stage = "train"
	StageSanityCheck Stage = "sanity_check"
	StageValidate    Stage = "validate"
	StageTest        Stage = "test"
	StagePredict     Stage = "predict"
)

// IsEval reports whether the stage runs without optimization.
func (s Stage) IsEval() bool {
	return s != StageTrain && s != ""
}

// Status is the lifecycle state of a Trainer run.
type Status string

const (
	StatusInitializing Status = "initializing"
	StatusRunning      Status = "running"
	StatusFinished     Status = "finished"
	StatusInterrupted  Status = "interrupted"
	StatusFailed       Status = "failed"
)

// State is a snapshot of what the Trainer is doing.
type State struct {
	Fn     Fn
	Stage  Stage
	Status Status
}

// Finished reports whether the run has ended, successfully or not.
func (s State) Finished() bool {
	return s.Status == StatusFinished || s.Status == StatusInterrupted || s.Status == StatusFailed
}
