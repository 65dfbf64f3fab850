package collcomm

// A Reducer is a strategy for applying a ReduceFn to vectors that
// are distributed across ranks.
//
// Every strategy produces the same value on every rank; they
// differ only in communication pattern and therefore cost.
type Reducer interface {
	Allreduce(c *Comms, data []float64, fn ReduceFn) ([]float64, error)
}

// A NaiveReducer sends every rank's vector to every other rank
// and reduces the full set locally.
type NaiveReducer struct{}

// Allreduce runs fn on all of the ranks' vectors on every rank.
func (NaiveReducer) Allreduce(c *Comms, data []float64, fn ReduceFn) ([]float64, error) {
	vecs, err := gather(c, data, floatBytes)
	if err != nil {
		return nil, err
	}
	return fn(c.handle, vecs...)
}
