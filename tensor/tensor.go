// Package tensor provides the dense and row-sparse numeric arrays
// that are exchanged between training ranks.
//
// All payloads are float64 vectors with shape metadata on top, so
// that the collective layer can treat every gradient as a flat
// vector on the wire.
package tensor

import (
	"gonum.org/v1/gonum/floats"
)

// A Dense is a dense numeric array.
//
// The leading dimension is the concatenation axis for gather
// operations.
type Dense struct {
	Shape []int
	Data  []float64
}

// NewDense creates a zero-filled Dense with the given shape.
func NewDense(shape ...int) *Dense {
	return &Dense{
		Shape: append([]int{}, shape...),
		Data:  make([]float64, NumElems(shape)),
	}
}

// FromSlice creates a 1-D Dense backed by a copy of data.
func FromSlice(data []float64) *Dense {
	return &Dense{
		Shape: []int{len(data)},
		Data:  append([]float64{}, data...),
	}
}

// NumElems computes the number of elements implied by a shape.
func NumElems(shape []int) int {
	n := 1
	for _, s := range shape {
		n *= s
	}
	return n
}

// ShapeEq checks if two shapes are identical.
func ShapeEq(s1, s2 []int) bool {
	if len(s1) != len(s2) {
		return false
	}
	for i, x := range s1 {
		if x != s2[i] {
			return false
		}
	}
	return true
}

// Clone creates a deep copy of the array.
func (d *Dense) Clone() *Dense {
	return &Dense{
		Shape: append([]int{}, d.Shape...),
		Data:  append([]float64{}, d.Data...),
	}
}

// Set overwrites the array's contents with those of src.
//
// The shapes must match.
func (d *Dense) Set(src *Dense) {
	if !ShapeEq(d.Shape, src.Shape) {
		panic("tensor: shape mismatch in Set")
	}
	copy(d.Data, src.Data)
}

// Scale multiplies every element by s in place.
func (d *Dense) Scale(s float64) {
	floats.Scale(s, d.Data)
}

// AddScaled adds s*other to the array in place.
//
// The shapes must match.
func (d *Dense) AddScaled(s float64, other *Dense) {
	if !ShapeEq(d.Shape, other.Shape) {
		panic("tensor: shape mismatch in AddScaled")
	}
	floats.AddScaled(d.Data, s, other.Data)
}

// RowSize returns the number of elements in one row, i.e. one
// entry along the leading dimension.
func (d *Dense) RowSize() int {
	if len(d.Shape) == 0 {
		panic("tensor: scalar has no rows")
	}
	return NumElems(d.Shape[1:])
}

// Row returns the i-th row as a slice aliasing the array's data.
func (d *Dense) Row(i int) []float64 {
	size := d.RowSize()
	return d.Data[i*size : (i+1)*size]
}

// Slices is a row-sparse gradient for a variable with shape
// DenseShape.
//
// Row Indices[i] of the dense equivalent holds Values.Row(i).
// Indices may repeat, both within one rank's gradient and across
// ranks after a gather; consumers accumulate duplicates.
type Slices struct {
	Values     *Dense
	Indices    []int64
	DenseShape []int
}

// NumRows returns the number of sparse rows.
func (s *Slices) NumRows() int {
	return len(s.Indices)
}

// A Gradient is either a *Dense or a *Slices.
//
// An absent gradient is represented by a nil Gradient and always
// passes through the synchronization layer untouched.
type Gradient interface {
	isGradient()
}

func (d *Dense) isGradient()  {}
func (s *Slices) isGradient() {}
