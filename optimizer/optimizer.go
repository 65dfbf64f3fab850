// Package optimizer implements data-parallel training
// synchronization: an optimizer wrapper that reduces gradients
// across ranks before they are applied, and the session hooks
// that keep the group consistent across steps and restarts.
package optimizer

import (
	"reflect"

	"github.com/cicicici/horovod/tensor"
)

// A Variable is a named, mutable trainable parameter. Its storage
// is owned by the training loop; this package reads and assigns
// it but never re-allocates it.
//
// Variable identity is the pointer, not the name.
type Variable struct {
	Name  string
	Value *tensor.Dense
}

// NewVariable creates a zero-filled variable.
func NewVariable(name string, shape ...int) *Variable {
	return &Variable{Name: name, Value: tensor.NewDense(shape...)}
}

// A GradVar pairs a gradient with the variable it updates.
//
// Grad may be nil for a variable that took no part in the loss;
// such pairs pass through every layer unchanged.
type GradVar struct {
	Grad tensor.Gradient
	Var  *Variable
}

// Optimizer is the capability surface of a gradient-descent
// optimizer. Distributed wraps any implementation of it and
// remains a drop-in substitute.
type Optimizer interface {
	// ComputeGradients returns one (gradient, variable) pair per
	// trainable variable for the step whose loss is given.
	//
	// The pairs must come back in a fixed, deterministic order
	// that is identical on every rank for a given model, since
	// the synchronization layer issues collectives in list order.
	ComputeGradients(loss float64) ([]GradVar, error)

	// ApplyGradients applies a parameter update for every pair
	// with a non-nil gradient.
	ApplyGradients(pairs []GradVar) error

	// ApplyDense applies a single dense update.
	ApplyDense(grad *tensor.Dense, v *Variable) error

	// ApplySparse applies a single row-sparse update, summing
	// duplicate indices.
	ApplySparse(grad *tensor.Slices, v *Variable) error

	// Prepare runs once before the updates of a step.
	Prepare()

	// CreateSlots creates per-variable optimizer state.
	CreateSlots(vars []*Variable)

	// ValidDtypes returns the element kinds the optimizer can
	// update.
	ValidDtypes() []reflect.Kind

	// Finish runs once after the updates of a step.
	Finish() error
}
