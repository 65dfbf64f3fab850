package collective

import (
	"github.com/pkg/errors"

	"github.com/cicicici/horovod/tensor"
)

// ReduceOptions configures a cross-rank gradient reduction.
type ReduceOptions struct {
	// Average divides the reduced result by the group size,
	// turning the sum into a mean.
	Average bool

	// DeviceDense and DeviceSparse are placement hints for the
	// dense and sparse paths respectively.
	DeviceDense  Device
	DeviceSparse Device
}

// Reduce synchronizes a single gradient across all ranks and
// returns a gradient of the same logical shape.
//
// A dense gradient is summed element-wise with one allreduce. A
// row-sparse gradient is instead gathered: values and indices are
// each concatenated across ranks in rank order, with no reduction
// of duplicate indices, which matches how sparse updates are
// accumulated when applied.
//
// Reduce is a pure reduction primitive: it does not special-case
// a group of size 1, so callers should short-circuit and skip it
// entirely when Size() == 1.
func Reduce(c Comms, grad tensor.Gradient, opts ReduceOptions) (tensor.Gradient, error) {
	switch g := grad.(type) {
	case *tensor.Dense:
		summed, err := c.Allreduce(g.Data)
		if err != nil {
			return nil, errors.Wrap(err, "reduce dense gradient")
		}
		out := &tensor.Dense{
			Shape: append([]int{}, g.Shape...),
			Data:  summed,
		}
		if opts.Average {
			out.Scale(1 / float64(c.Size()))
		}
		return out, nil
	case *tensor.Slices:
		values, err := c.Allgather(g.Values.Data)
		if err != nil {
			return nil, errors.Wrap(err, "gather sparse values")
		}
		indices, err := c.AllgatherIndices(g.Indices)
		if err != nil {
			return nil, errors.Wrap(err, "gather sparse indices")
		}
		shape := append([]int{len(indices)}, g.Values.Shape[1:]...)
		out := &tensor.Slices{
			Values:     &tensor.Dense{Shape: shape, Data: values},
			Indices:    indices,
			DenseShape: append([]int{}, g.DenseShape...),
		}
		if opts.Average {
			out.Values.Scale(1 / float64(c.Size()))
		}
		return out, nil
	default:
		panic("collective: cannot reduce an absent gradient")
	}
}
