package tensor

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestDenseShapeHelpers(t *testing.T) {
	d := NewDense(3, 2)
	assert.Equal(t, 6, NumElems(d.Shape))
	assert.Equal(t, 2, d.RowSize())
	assert.True(t, ShapeEq([]int{3, 2}, d.Shape))
	assert.False(t, ShapeEq([]int{3}, d.Shape))
	assert.False(t, ShapeEq([]int{3, 1}, d.Shape))
}

func TestDenseRowAliasing(t *testing.T) {
	d := NewDense(2, 2)
	row := d.Row(1)
	row[0] = 5
	assert.Equal(t, []float64{0, 0, 5, 0}, d.Data)
}

func TestDenseCloneIsDeep(t *testing.T) {
	d := FromSlice([]float64{1, 2, 3})
	c := d.Clone()
	c.Data[0] = 9
	c.Shape[0] = 7
	assert.Equal(t, []float64{1, 2, 3}, d.Data)
	assert.Equal(t, []int{3}, d.Shape)
}

func TestDenseArithmetic(t *testing.T) {
	d := FromSlice([]float64{2, 4})
	d.Scale(0.5)
	assert.Equal(t, []float64{1, 2}, d.Data)

	d.AddScaled(-2, FromSlice([]float64{1, 1}))
	assert.Equal(t, []float64{-1, 0}, d.Data)

	d.Set(FromSlice([]float64{7, 8}))
	assert.Equal(t, []float64{7, 8}, d.Data)

	assert.Panics(t, func() {
		d.Set(FromSlice([]float64{1}))
	})
}

func TestGradientUnion(t *testing.T) {
	var g Gradient = FromSlice([]float64{1})
	_, isDense := g.(*Dense)
	assert.True(t, isDense)

	g = &Slices{
		Values:     NewDense(1, 2),
		Indices:    []int64{4},
		DenseShape: []int{8, 2},
	}
	s, isSlices := g.(*Slices)
	assert.True(t, isSlices)
	assert.Equal(t, 1, s.NumRows())
}
