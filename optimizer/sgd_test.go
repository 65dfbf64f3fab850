package optimizer

import (
	"reflect"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cicicici/horovod/tensor"
)

func TestSGDDenseStep(t *testing.T) {
	v := NewVariable("w", 2)
	s := NewSGD([]*Variable{v}, 0.1, constGrads(map[*Variable]tensor.Gradient{
		v: tensor.FromSlice([]float64{10, -10}),
	}))

	pairs, err := s.ComputeGradients(0)
	require.NoError(t, err)
	require.NoError(t, s.ApplyGradients(pairs))
	assert.InDeltaSlice(t, []float64{-1, 1}, v.Value.Data, 1e-12)
}

func TestSGDSparseStep(t *testing.T) {
	v := NewVariable("emb", 3, 2)
	grad := &tensor.Slices{
		Values:     &tensor.Dense{Shape: []int{3, 2}, Data: []float64{1, 1, 2, 2, 1, 1}},
		Indices:    []int64{0, 2, 0},
		DenseShape: []int{3, 2},
	}
	s := NewSGD([]*Variable{v}, 1.0, nil)

	// Duplicate index 0 accumulates both rows.
	require.NoError(t, s.ApplySparse(grad, v))
	assert.Equal(t, []float64{-2, -2, 0, 0, -2, -2}, v.Value.Data)
}

func TestSGDShapeMismatch(t *testing.T) {
	v := NewVariable("w", 2)
	s := NewSGD([]*Variable{v}, 0.1, nil)
	assert.Error(t, s.ApplyDense(tensor.FromSlice([]float64{1, 2, 3}), v))
	assert.Error(t, s.ApplySparse(&tensor.Slices{
		Values:     tensor.NewDense(1, 1),
		Indices:    []int64{0},
		DenseShape: []int{9, 9},
	}, v))
}

func TestSGDSparseIndexOutOfRange(t *testing.T) {
	v := NewVariable("emb", 2, 1)
	s := NewSGD([]*Variable{v}, 0.1, nil)
	assert.Error(t, s.ApplySparse(&tensor.Slices{
		Values:     tensor.NewDense(1, 1),
		Indices:    []int64{5},
		DenseShape: []int{2, 1},
	}, v))
}

func TestSGDValidDtypes(t *testing.T) {
	s := NewSGD(nil, 0.1, nil)
	assert.Equal(t, []reflect.Kind{reflect.Float64}, s.ValidDtypes())
}

func TestSGDAbsentGradient(t *testing.T) {
	v := NewVariable("w", 1)
	s := NewSGD([]*Variable{v}, 0.1, constGrads(map[*Variable]tensor.Gradient{}))

	pairs, err := s.ComputeGradients(0)
	require.NoError(t, err)
	require.Len(t, pairs, 1)
	assert.Nil(t, pairs[0].Grad)
	require.NoError(t, s.ApplyGradients(pairs))
	assert.Equal(t, []float64{0}, v.Value.Data)
}
