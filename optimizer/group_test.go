package optimizer

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cicicici/horovod/collcomm"
	"github.com/cicicici/horovod/simulator"
	"github.com/cicicici/horovod/tensor"
)

// Multi-rank tests over the simulated collective service. Each
// rank runs its own training loop in a Goroutine; the loop's
// deadlock detector turns a mismatched barrier into a test
// failure instead of a hang.

func testNetwork() simulator.Network {
	return &simulator.LinkNetwork{Latency: 0.001, Rate: 1e6}
}

func TestSimulatedDenseTraining(t *testing.T) {
	const ranks = 3
	loop := simulator.NewEventLoop()

	finals := make([][]float64, ranks)
	errs := make([]error, ranks)
	collcomm.Spawn(loop, testNetwork(), ranks, nil, func(c *collcomm.Comms) {
		v := NewVariable("w", 2)
		local := float64(c.Rank() + 1)
		base := NewSGD([]*Variable{v}, 0.5, func(v *Variable, loss float64) tensor.Gradient {
			return tensor.FromSlice([]float64{local, 2 * local})
		})
		dist := NewDistributed(base, c, Config{})

		pairs, err := dist.ComputeGradients(0)
		if err == nil {
			err = dist.ApplyGradients(pairs)
		}
		errs[c.Rank()] = err
		finals[c.Rank()] = append([]float64{}, v.Value.Data...)
	})
	require.NoError(t, loop.Run())

	// Mean gradient is ((1+2+3)/3, 2*(1+2+3)/3) = (2, 4); with
	// lr=0.5 every rank ends at (-1, -2).
	for rank := 0; rank < ranks; rank++ {
		require.NoError(t, errs[rank])
		assert.InDeltaSlice(t, []float64{-1, -2}, finals[rank], 1e-9, "rank %d", rank)
		assert.Equal(t, finals[0], finals[rank], "ranks diverged")
	}
}

func TestSimulatedSparseTraining(t *testing.T) {
	const ranks = 3
	loop := simulator.NewEventLoop()

	finals := make([][]float64, ranks)
	errs := make([]error, ranks)
	collcomm.Spawn(loop, testNetwork(), ranks, nil, func(c *collcomm.Comms) {
		v := NewVariable("emb", 4, 1)
		rank := c.Rank()
		base := NewSGD([]*Variable{v}, 1.0, func(v *Variable, loss float64) tensor.Gradient {
			// Every rank touches its own row and shared row 3.
			return &tensor.Slices{
				Values:     &tensor.Dense{Shape: []int{2, 1}, Data: []float64{3, 3}},
				Indices:    []int64{int64(rank), 3},
				DenseShape: []int{4, 1},
			}
		})
		dist := NewDistributed(base, c, Config{})

		pairs, err := dist.ComputeGradients(0)
		if err == nil {
			err = dist.ApplyGradients(pairs)
		}
		errs[c.Rank()] = err
		finals[c.Rank()] = append([]float64{}, v.Value.Data...)
	})
	require.NoError(t, loop.Run())

	// Each rank's row gets -3/3 = -1; row 3 accumulates the
	// duplicate index from all three ranks: -3.
	for rank := 0; rank < ranks; rank++ {
		require.NoError(t, errs[rank])
		assert.InDeltaSlice(t, []float64{-1, -1, -1, -3}, finals[rank], 1e-9, "rank %d", rank)
	}
}

func TestSimulatedDeferredTraining(t *testing.T) {
	const ranks = 2
	const steps = 3
	loop := simulator.NewEventLoop()

	// applied[rank][step] is the gradient the base optimizer saw.
	applied := make([][][]float64, ranks)
	errs := make([]error, ranks)
	collcomm.Spawn(loop, testNetwork(), ranks, nil, func(c *collcomm.Comms) {
		v := NewVariable("w", 1)
		rank := c.Rank()
		step := 0
		base := NewSGD([]*Variable{v}, 1.0, func(v *Variable, loss float64) tensor.Gradient {
			return tensor.FromSlice([]float64{float64(10*(step+1) + rank)})
		})
		dist := NewDistributed(base, c, Config{Deferred: true})
		hook := NewPostStepHook(dist)

		for ; step < steps; step++ {
			pairs, err := dist.ComputeGradients(0)
			if err == nil {
				err = dist.ApplyGradients(pairs)
			}
			if err != nil {
				errs[rank] = err
				return
			}
			applied[rank] = append(applied[rank], append([]float64{}, pairs[0].Grad.(*tensor.Dense).Data...))
			hook.AfterStep()
		}
	})
	require.NoError(t, loop.Run())

	// Local gradients are 10(t+1)+rank, so the cross-rank mean at
	// step t is 10(t+1)+0.5. The deferred pipeline applies zero
	// at step 0 and the previous step's mean afterwards.
	want := [][]float64{{0}, {10.5}, {20.5}}
	for rank := 0; rank < ranks; rank++ {
		require.NoError(t, errs[rank])
		assert.Equal(t, want, applied[rank], "rank %d", rank)
	}
}

func TestSimulatedBroadcastHook(t *testing.T) {
	const ranks = 4
	const root = 1
	loop := simulator.NewEventLoop()

	finals := make([][]float64, ranks)
	errs := make([]error, ranks)
	collcomm.Spawn(loop, testNetwork(), ranks, nil, func(c *collcomm.Comms) {
		// Divergent initial parameter values per rank.
		v := &Variable{
			Name:  "w",
			Value: tensor.FromSlice([]float64{float64(c.Rank()), float64(10 * c.Rank())}),
		}
		hook := NewBroadcastVariablesHook(root, []*Variable{v}, "")
		errs[c.Rank()] = hook.OnSessionStart(c)
		finals[c.Rank()] = append([]float64{}, v.Value.Data...)
	})
	require.NoError(t, loop.Run())

	for rank := 0; rank < ranks; rank++ {
		require.NoError(t, errs[rank])
		assert.Equal(t, []float64{1, 10}, finals[rank], "rank %d", rank)
	}
}

func TestSimulatedFullSession(t *testing.T) {
	const ranks = 2
	const steps = 2
	loop := simulator.NewEventLoop()

	finals := make([][]float64, ranks)
	errs := make([]error, ranks)
	collcomm.Spawn(loop, testNetwork(), ranks, collcomm.TreeReducer{}, func(c *collcomm.Comms) {
		rank := c.Rank()
		v := &Variable{Name: "w", Value: tensor.FromSlice([]float64{float64(rank + 5)})}
		base := NewSGD([]*Variable{v}, 1.0, func(v *Variable, loss float64) tensor.Gradient {
			return tensor.FromSlice([]float64{float64(rank + 1)})
		})
		dist := NewDistributed(base, c, Config{})
		bcast := NewBroadcastVariablesHook(0, []*Variable{v}, "")
		post := NewPostStepHook(dist)

		if err := bcast.OnSessionStart(c); err != nil {
			errs[rank] = err
			return
		}
		for step := 0; step < steps; step++ {
			pairs, err := dist.ComputeGradients(0)
			if err == nil {
				err = dist.ApplyGradients(pairs)
			}
			if err != nil {
				errs[rank] = err
				return
			}
			post.AfterStep()
		}
		finals[rank] = append([]float64{}, v.Value.Data...)
	})
	require.NoError(t, loop.Run())

	// All ranks start from root's value 5, then subtract the mean
	// gradient 1.5 twice.
	for rank := 0; rank < ranks; rank++ {
		require.NoError(t, errs[rank])
		assert.InDeltaSlice(t, []float64{2}, finals[rank], 1e-9, "rank %d", rank)
	}
}
