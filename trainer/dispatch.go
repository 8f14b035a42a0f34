package trainer

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/inference-sim/trainloop/trainer/trace"
)

// moduleOwner is the trace owner name for module hooks and step functions.
const moduleOwner = "module"

// HookError reports which handler failed for which hook.
type HookError struct {
	Hook  Hook
	Owner string
	Err   error
}

func (e *HookError) Error() string {
	return fmt.Sprintf("%s in %s: %v", e.Hook, e.Owner, e.Err)
}

func (e *HookError) Unwrap() error { return e.Err }

// Dispatcher invokes callbacks and the module hook handler in a fixed order.
//
// Ordering: callbacks in registration order with Checkpointer callbacks moved
// (stably) to the end, then the module. Dispatch stops at the first error.
type Dispatcher struct {
	callbacks []Callback
	module    HookHandler
	trace     *trace.HookTrace
}

// NewDispatcher orders callbacks and checks that stateful callbacks have
// distinct state keys.
func NewDispatcher(callbacks []Callback, tr *trace.HookTrace) (*Dispatcher, error) {
	ordered := make([]Callback, 0, len(callbacks))
	keys := make(map[string]string)
	for _, cb := range callbacks {
		if cb == nil {
			return nil, fmt.Errorf("%w: nil callback", ErrMisconfigured)
		}
		if sc, ok := cb.(StatefulCallback); ok {
			key := sc.StateKey()
			if prev, dup := keys[key]; dup {
				return nil, fmt.Errorf("%w: callbacks %q and %q share state key %q", ErrMisconfigured, prev, cb.Name(), key)
			}
			keys[key] = cb.Name()
		}
		ordered = append(ordered, cb)
	}
	sort.SliceStable(ordered, func(i, j int) bool {
		return !isCheckpointer(ordered[i]) && isCheckpointer(ordered[j])
	})
	return &Dispatcher{callbacks: ordered, trace: tr}, nil
}

func isCheckpointer(cb Callback) bool {
	c, ok := cb.(Checkpointer)
	return ok && c.SavesCheckpoints()
}

func isMonitoring(cb Callback) bool {
	_, ok := cb.(Monitoring)
	return ok
}

// SetModule sets the module hook handler; nil clears it.
func (d *Dispatcher) SetModule(h HookHandler) {
	d.module = h
}

// Callbacks returns the callbacks in dispatch order.
func (d *Dispatcher) Callbacks() []Callback {
	out := make([]Callback, len(d.callbacks))
	copy(out, d.callbacks)
	return out
}

// Dispatch runs all callbacks, then the module.
func (d *Dispatcher) Dispatch(ctx context.Context, ev *Event) error {
	if err := d.DispatchCallbacks(ctx, ev, nil); err != nil {
		return err
	}
	return d.DispatchModule(ctx, ev)
}

// DispatchCallbacks runs the callbacks accepted by filter (all when nil).
func (d *Dispatcher) DispatchCallbacks(ctx context.Context, ev *Event, filter func(Callback) bool) error {
	ev.ctx = ctx
	for _, cb := range d.callbacks {
		if filter != nil && !filter(cb) {
			continue
		}
		if err := d.invoke(ctx, ev, cb.Name(), cb.Handle); err != nil {
			return err
		}
	}
	return nil
}

// DispatchModule runs the module hook handler, if any.
func (d *Dispatcher) DispatchModule(ctx context.Context, ev *Event) error {
	if d.module == nil {
		return nil
	}
	ev.ctx = ctx
	return d.invoke(ctx, ev, moduleOwner, d.module.Handle)
}

func (d *Dispatcher) invoke(ctx context.Context, ev *Event, owner string, fn func(context.Context, *Event) error) error {
	start := time.Now()
	err := fn(ctx, ev)
	d.record(owner, ev.Hook, ev, time.Since(start), err != nil)
	if err != nil {
		logrus.Debugf("hook %s failed in %s: %v", ev.Hook, owner, err)
		return &HookError{Hook: ev.Hook, Owner: owner, Err: err}
	}
	return nil
}

func (d *Dispatcher) record(owner string, hook Hook, ev *Event, elapsed time.Duration, failed bool) {
	if !d.trace.Enabled() {
		return
	}
	d.trace.RecordHook(trace.HookRecord{
		Owner:      owner,
		Hook:       hook.String(),
		Stage:      string(ev.Stage),
		Epoch:      ev.Epoch,
		GlobalStep: ev.GlobalStep,
		BatchIdx:   ev.BatchIdx,
		Duration:   elapsed,
		Failed:     failed,
	})
}
