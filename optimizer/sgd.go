package optimizer

import (
	"reflect"

	"github.com/pkg/errors"

	"github.com/cicicici/horovod/tensor"
)

// A GradFn computes the local gradient of the loss with respect
// to a variable. A nil result marks the variable as unused for
// this step.
type GradFn func(v *Variable, loss float64) tensor.Gradient

// SGD is a plain stochastic gradient descent optimizer:
//
//	param -= lr * grad
//
// Gradient computation is delegated to a GradFn so that training
// loops (and tests) control where gradients come from.
type SGD struct {
	LR float64

	vars   []*Variable
	gradFn GradFn
}

var _ Optimizer = (*SGD)(nil)

// NewSGD creates an SGD optimizer over vars.
func NewSGD(vars []*Variable, lr float64, gradFn GradFn) *SGD {
	return &SGD{LR: lr, vars: vars, gradFn: gradFn}
}

// ComputeGradients evaluates the GradFn for every variable, in
// the order the variables were given at construction.
func (s *SGD) ComputeGradients(loss float64) ([]GradVar, error) {
	pairs := make([]GradVar, 0, len(s.vars))
	for _, v := range s.vars {
		pairs = append(pairs, GradVar{Grad: s.gradFn(v, loss), Var: v})
	}
	return pairs, nil
}

// ApplyGradients applies every non-nil gradient to its variable.
func (s *SGD) ApplyGradients(pairs []GradVar) error {
	s.Prepare()
	for _, pair := range pairs {
		var err error
		switch g := pair.Grad.(type) {
		case nil:
		case *tensor.Dense:
			err = s.ApplyDense(g, pair.Var)
		case *tensor.Slices:
			err = s.ApplySparse(g, pair.Var)
		}
		if err != nil {
			return err
		}
	}
	return s.Finish()
}

// ApplyDense subtracts lr*grad from the variable.
func (s *SGD) ApplyDense(grad *tensor.Dense, v *Variable) error {
	if !tensor.ShapeEq(grad.Shape, v.Value.Shape) {
		return errors.Errorf("apply dense: gradient shape %v does not match variable %q shape %v",
			grad.Shape, v.Name, v.Value.Shape)
	}
	v.Value.AddScaled(-s.LR, grad)
	return nil
}

// ApplySparse subtracts lr*row from each indexed row of the
// variable. Duplicate indices accumulate.
func (s *SGD) ApplySparse(grad *tensor.Slices, v *Variable) error {
	if !tensor.ShapeEq(grad.DenseShape, v.Value.Shape) {
		return errors.Errorf("apply sparse: dense shape %v does not match variable %q shape %v",
			grad.DenseShape, v.Name, v.Value.Shape)
	}
	rowSize := v.Value.RowSize()
	for i, idx := range grad.Indices {
		if idx < 0 || int(idx) >= v.Value.Shape[0] {
			return errors.Errorf("apply sparse: row index %d out of range for variable %q", idx, v.Name)
		}
		row := v.Value.Row(int(idx))
		gradRow := grad.Values.Row(i)
		for j := 0; j < rowSize; j++ {
			row[j] -= s.LR * gradRow[j]
		}
	}
	return nil
}

// Prepare is a no-op for SGD, which keeps no per-step state.
func (s *SGD) Prepare() {}

// CreateSlots is a no-op for SGD, which keeps no slot variables.
func (s *SGD) CreateSlots(vars []*Variable) {}

// ValidDtypes returns float64, the only element kind this model
// stores.
func (s *SGD) ValidDtypes() []reflect.Kind {
	return []reflect.Kind{reflect.Float64}
}

// Finish is a no-op for SGD.
func (s *SGD) Finish() error { return nil }
