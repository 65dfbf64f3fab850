package optimizer

import (
	"github.com/pkg/errors"

	"github.com/cicicici/horovod/collective"
)

// bindState tracks whether a hook has built its batched operation
// for the current communication context.
type bindState int

const (
	unbound bindState = iota
	bound
)

// A BroadcastVariablesHook makes every rank's copy of the
// trainable variables bit-identical to the root rank's, exactly
// once per session, before the first step. This is what keeps
// randomly initialized or checkpoint-restored workers consistent.
//
// The hook is a two-state machine. Binding to a Comms builds the
// batched broadcast and moves it to bound; running the batch is
// then a one-shot per binding. Binding to a different Comms drops
// back to unbound and rebuilds, so a hook reused across execution
// contexts never runs a stale batch.
type BroadcastVariablesHook struct {
	root   int
	device collective.Device
	vars   []*Variable

	state bindState
	comms collective.Comms
	batch []func(c collective.Comms) error
	ran   bool
}

// NewBroadcastVariablesHook creates a hook that will broadcast
// every variable in vars from root to all other ranks.
//
// An empty vars set is valid; the hook is then a no-op.
func NewBroadcastVariablesHook(root int, vars []*Variable, device collective.Device) *BroadcastVariablesHook {
	return &BroadcastVariablesHook{
		root:   root,
		device: device,
		vars:   vars,
	}
}

// Bind builds the batched broadcast against c. Re-binding to the
// same Comms is a no-op; a different Comms forces a rebuild.
func (b *BroadcastVariablesHook) Bind(c collective.Comms) {
	if b.state == bound && b.comms == c {
		return
	}
	b.state = unbound
	b.ran = false
	b.batch = b.batch[:0]
	for _, v := range b.vars {
		v := v
		b.batch = append(b.batch, func(c collective.Comms) error {
			data, err := c.Broadcast(v.Value.Data, b.root)
			if err != nil {
				return errors.Wrapf(err, "broadcast variable %q", v.Name)
			}
			copy(v.Value.Data, data)
			return nil
		})
	}
	b.comms = c
	b.state = bound
}

// OnSessionStart binds to c if needed and runs the batched
// broadcast. A second call in the same binding is a no-op, so the
// broadcast is issued once per variable per session.
func (b *BroadcastVariablesHook) OnSessionStart(c collective.Comms) error {
	b.Bind(c)
	if b.ran {
		return nil
	}
	for _, op := range b.batch {
		if err := op(c); err != nil {
			return err
		}
	}
	b.ran = true
	return nil
}

// A PostStepHook advances the deferred gradient pipeline: once
// per training step, after the parameter update has been applied,
// it flips every staged gradient into its pending buffer.
type PostStepHook struct {
	opt *Distributed
}

// NewPostStepHook creates the hook for one Distributed optimizer.
func NewPostStepHook(opt *Distributed) *PostStepHook {
	return &PostStepHook{opt: opt}
}

// AfterStep executes all registered flips as one batch. With no
// deferred variables it does nothing at all: no collective call,
// no synchronization.
func (p *PostStepHook) AfterStep() {
	if p.opt.numFlips() == 0 {
		return
	}
	p.opt.flipAll()
}
