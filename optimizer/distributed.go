package optimizer

import (
	"reflect"

	"github.com/pkg/errors"

	"github.com/cicicici/horovod/collective"
	"github.com/cicicici/horovod/tensor"
)

// Config configures a Distributed optimizer.
type Config struct {
	// Sum disables the default averaging, so reduced gradients
	// are cross-rank sums instead of means.
	Sum bool

	// DeviceDense and DeviceSparse are placement hints passed
	// through to the reduction.
	DeviceDense  collective.Device
	DeviceSparse collective.Device

	// Deferred trades one step of gradient staleness for
	// overlapping communication with computation: the gradient
	// applied at step t is the reduction of the gradient
	// computed at step t-1.
	Deferred bool
}

// Distributed wraps a base optimizer, synchronizing gradients
// across all ranks between gradient computation and the update.
//
// In deferred mode each dense gradient is double-buffered: the
// pending buffer (last step's gradient) is reduced and applied
// while the freshly computed gradient waits in the staged buffer.
// A PostStepHook must flip staged into pending once per step,
// after the update. The first step therefore applies a zero
// gradient, and sparse gradients, whose shape varies per step,
// are always reduced immediately.
//
// One Distributed instance owns its buffers and flip list;
// multiple instances in a process are independent.
type Distributed struct {
	base  Optimizer
	comms collective.Comms

	opts     collective.ReduceOptions
	deferred bool

	buffers map[*Variable]*shadowBuffer
	flips   []*shadowBuffer
}

var _ Optimizer = (*Distributed)(nil)

// A shadowBuffer is the per-variable double buffer used in
// deferred mode.
//
// Invariant: at every step boundary, pending holds exactly the
// value staged held at the previous step boundary.
type shadowBuffer struct {
	pending *tensor.Dense
	staged  *tensor.Dense
}

// NewDistributed wraps base with gradient synchronization over c.
func NewDistributed(base Optimizer, c collective.Comms, cfg Config) *Distributed {
	return &Distributed{
		base:  base,
		comms: c,
		opts: collective.ReduceOptions{
			Average:      !cfg.Sum,
			DeviceDense:  cfg.DeviceDense,
			DeviceSparse: cfg.DeviceSparse,
		},
		deferred: cfg.Deferred,
		buffers:  map[*Variable]*shadowBuffer{},
	}
}

// ComputeGradients computes the base optimizer's local gradients
// and replaces each one with its cross-rank reduction, preserving
// order and pairing. Absent gradients pass through unchanged.
//
// With a group of size 1 the base optimizer's output is returned
// as is, with no collective calls.
func (d *Distributed) ComputeGradients(loss float64) ([]GradVar, error) {
	pairs, err := d.base.ComputeGradients(loss)
	if err != nil {
		return nil, err
	}
	if d.comms.Size() == 1 {
		return pairs, nil
	}

	out := make([]GradVar, 0, len(pairs))
	for _, pair := range pairs {
		if pair.Grad == nil {
			out = append(out, pair)
			continue
		}
		var reduced tensor.Gradient
		if dense, ok := pair.Grad.(*tensor.Dense); ok && d.deferred {
			reduced, err = d.reduceDeferred(pair.Var, dense)
		} else {
			reduced, err = collective.Reduce(d.comms, pair.Grad, d.opts)
		}
		if err != nil {
			return nil, errors.Wrapf(err, "synchronize gradient for %q", pair.Var.Name)
		}
		out = append(out, GradVar{Grad: reduced, Var: pair.Var})
	}
	return out, nil
}

// reduceDeferred runs the double-buffer protocol for one dense
// gradient: reduce last step's gradient, stage this step's.
func (d *Distributed) reduceDeferred(v *Variable, grad *tensor.Dense) (tensor.Gradient, error) {
	buf := d.shadow(v, grad.Shape)
	reduced, err := collective.Reduce(d.comms, buf.pending, d.opts)
	if err != nil {
		return nil, err
	}
	buf.staged.Set(grad)
	return reduced, nil
}

// shadow returns the variable's shadow buffer, creating it (and
// registering its flip) on first use. The buffers start zeroed.
func (d *Distributed) shadow(v *Variable, shape []int) *shadowBuffer {
	if buf, ok := d.buffers[v]; ok {
		if !tensor.ShapeEq(buf.pending.Shape, shape) {
			panic("optimizer: gradient shape changed for deferred variable " + v.Name)
		}
		return buf
	}
	buf := &shadowBuffer{
		pending: tensor.NewDense(shape...),
		staged:  tensor.NewDense(shape...),
	}
	d.registerFlip(v, buf)
	d.buffers[v] = buf
	return buf
}

// registerFlip adds the buffer to the flip list. Registering a
// variable twice would alias its buffers, so it is a fatal
// configuration error. The buffers map doubles as the registry of
// flipped variables, so it may only be updated after registering.
func (d *Distributed) registerFlip(v *Variable, buf *shadowBuffer) {
	if _, ok := d.buffers[v]; ok {
		panic("optimizer: flip already registered for variable " + v.Name)
	}
	d.flips = append(d.flips, buf)
}

// flipAll advances the deferred pipeline by one step, copying
// every staged gradient into its pending buffer in registration
// order.
func (d *Distributed) flipAll() {
	for _, buf := range d.flips {
		buf.pending.Set(buf.staged)
	}
}

// numFlips reports how many deferred variables have registered
// flips.
func (d *Distributed) numFlips() int {
	return len(d.flips)
}

// ApplyGradients calls the same method on the base optimizer.
func (d *Distributed) ApplyGradients(pairs []GradVar) error {
	return d.base.ApplyGradients(pairs)
}

// ApplyDense calls the same method on the base optimizer.
func (d *Distributed) ApplyDense(grad *tensor.Dense, v *Variable) error {
	return d.base.ApplyDense(grad, v)
}

// ApplySparse calls the same method on the base optimizer.
func (d *Distributed) ApplySparse(grad *tensor.Slices, v *Variable) error {
	return d.base.ApplySparse(grad, v)
}

// Prepare calls the same method on the base optimizer.
func (d *Distributed) Prepare() {
	d.base.Prepare()
}

// CreateSlots calls the same method on the base optimizer.
func (d *Distributed) CreateSlots(vars []*Variable) {
	d.base.CreateSlots(vars)
}

// ValidDtypes calls the same method on the base optimizer.
func (d *Distributed) ValidDtypes() []reflect.Kind {
	return d.base.ValidDtypes()
}

// Finish calls the same method on the base optimizer.
func (d *Distributed) Finish() error {
	return d.base.Finish()
}
