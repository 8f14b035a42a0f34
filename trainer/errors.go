package trainer

import "errors"

var (
	// ErrMisconfigured is wrapped by every configuration and contract error
	// detected before or during a run.
	ErrMisconfigured = errors.New("trainer misconfigured")
	// ErrLoggingNotAllowed is returned when a value is logged from a hook
	// that does not accept logging, or with options the hook rejects.
	ErrLoggingNotAllowed = errors.New("logging not allowed")
	// ErrDigestMismatch is returned when a checkpoint's content does not
	// match its recorded digest.
	ErrDigestMismatch = errors.New("checkpoint digest mismatch")
	// ErrUnknownCheckpoint is returned when "best" or "last" cannot be resolved.
	ErrUnknownCheckpoint = errors.New("unknown checkpoint")
)
