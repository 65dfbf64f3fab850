package collcomm

import (
	"github.com/pkg/errors"
	"gonum.org/v1/gonum/floats"

	"github.com/cicicici/horovod/simulator"
)

// FlopTime is the amount of virtual time it takes to perform a
// single floating-point operation.
const FlopTime = 1e-9

// A ReduceFn reduces many vectors into a single vector.
//
// Reduction order is left to right, so every rank applying the
// same fn to the same rank-ordered vectors produces bit-identical
// results.
type ReduceFn func(h *simulator.Handle, vecs ...[]float64) ([]float64, error)

// Sum is a ReduceFn that computes a vector sum.
func Sum(h *simulator.Handle, vecs ...[]float64) ([]float64, error) {
	for _, v := range vecs[1:] {
		if len(v) != len(vecs[0]) {
			return nil, errors.Errorf("sum: length mismatch: %d vs %d", len(v), len(vecs[0]))
		}
	}
	res := make([]float64, len(vecs[0]))
	for _, v := range vecs {
		floats.Add(res, v)
	}

	// Simulate computation time.
	h.Sleep(FlopTime * float64(len(vecs)*len(vecs[0])))

	return res, nil
}
