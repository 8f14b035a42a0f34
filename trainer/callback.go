package trainer

import (
	"context"
	"encoding"
)

// Callback is a named handler invoked for every dispatched hook.
//
// Handle is called synchronously from the loop goroutine; a returned error
// aborts the run. Implementations ignore hooks they do not care about.
type Callback interface {
	Name() string
	Handle(ctx context.Context, ev *Event) error
}

// HookHandler is implemented by modules that want hook events. The module
// handler runs after all callbacks for the same hook.
type HookHandler interface {
	Handle(ctx context.Context, ev *Event) error
}

// Monitoring marks callbacks that act on reduced epoch metrics. At
// on_train_epoch_end they run after the module hook and after train epoch
// metrics are reduced.
type Monitoring interface {
	Callback
	MonitorKey() string
}

// Checkpointer marks callbacks that write checkpoints. They are ordered after
// every other callback so that they see the final state of each hook.
type Checkpointer interface {
	Callback
	SavesCheckpoints() bool
}

// StatefulCallback persists its state in checkpoints under StateKey.
type StatefulCallback interface {
	Callback
	StateKey() string
	encoding.BinaryMarshaler
	encoding.BinaryUnmarshaler
}

// CheckpointProvider resolves the "best" and "last" checkpoint aliases.
type CheckpointProvider interface {
	BestModelPath() string
	LastModelPath() string
}

type callbackFunc struct {
	name  string
	hooks map[Hook]bool
	fn    func(ctx context.Context, ev *Event) error
}

// NewCallbackFunc adapts fn to a Callback. When hooks are given, fn is only
// called for those hooks.
func NewCallbackFunc(name string, fn func(ctx context.Context, ev *Event) error, hooks ...Hook) Callback {
	cb := &callbackFunc{name: name, fn: fn}
	if len(hooks) > 0 {
		cb.hooks = make(map[Hook]bool, len(hooks))
		for _, h := range hooks {
			cb.hooks[h] = true
		}
	}
	return cb
}

func (c *callbackFunc) Name() string { return c.name }

func (c *callbackFunc) Handle(ctx context.Context, ev *Event) error {
	if c.hooks != nil && !c.hooks[ev.Hook] {
		return nil
	}
	return c.fn(ctx, ev)
}
