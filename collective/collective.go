// Package collective defines the interface to the collective
// communication service and the gradient reduction built on top
// of it.
//
// Every collective call is a blocking barrier: it does not return
// until every rank in the group has issued the matching call with
// a matching payload shape. Correctness therefore depends on call
// order matching across ranks, not on any naming; callers must
// issue collectives for the same operations in the same order on
// every rank.
package collective

// A Device is a placement hint for where a reduction should run,
// e.g. "" (implementation default) or "cpu:0". It never affects
// the value of a result.
type Device string

// Comms provides the collective primitives across a fixed-size
// group of ranks.
//
// Group membership is immutable for the life of the process;
// Rank and Size never block.
type Comms interface {
	// Rank returns this process's index in [0, Size).
	Rank() int

	// Size returns the number of ranks in the group.
	Size() int

	// Allreduce returns the element-wise sum of vec across all
	// ranks. Every rank must supply the same length.
	Allreduce(vec []float64) ([]float64, error)

	// Allgather returns the concatenation of every rank's vec in
	// rank order. Per-rank lengths may differ.
	Allgather(vec []float64) ([]float64, error)

	// AllgatherIndices is Allgather for index payloads.
	AllgatherIndices(idx []int64) ([]int64, error)

	// Broadcast returns root's vec on every rank. Every rank must
	// supply the same length.
	Broadcast(vec []float64, root int) ([]float64, error)
}
