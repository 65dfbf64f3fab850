package collcomm

import (
	"fmt"
	"math"
	"math/rand"
	"testing"

	"github.com/cicicici/horovod/simulator"
)

// RunReducerTests runs a battery of tests on a Reducer across a
// range of group sizes and vector sizes.
func RunReducerTests(t *testing.T, reducer Reducer) {
	for _, ranks := range []int{1, 2, 3, 5, 15, 16, 17} {
		for _, size := range []int{0, 1337} {
			testName := fmt.Sprintf("Ranks=%d,Size=%d", ranks, size)
			t.Run(testName, func(t *testing.T) {
				loop := simulator.NewEventLoop()
				network := &simulator.LinkNetwork{Latency: 0.1, Rate: 1e6}

				vectors := make([][]float64, ranks)
				sum := make([]float64, size)
				for i := range vectors {
					vectors[i] = make([]float64, size)
					for j := range vectors[i] {
						vectors[i][j] = rand.NormFloat64()
						sum[j] += vectors[i][j]
					}
				}

				results := make([][]float64, ranks)
				errs := make([]error, ranks)
				Spawn(loop, network, ranks, reducer, func(c *Comms) {
					res, err := c.Allreduce(vectors[c.Rank()])
					if err == nil {
						// Scale in place the way averaging callers do.
						// Result storage shared across ranks would
						// compound the scales and diverge.
						for j := range res {
							res[j] /= float64(ranks)
						}
					}
					results[c.Rank()], errs[c.Rank()] = res, err
				})
				if err := loop.Run(); err != nil {
					t.Fatal(err)
				}
				for i, err := range errs {
					if err != nil {
						t.Fatalf("rank %d: %s", i, err)
					}
				}

				for i, res := range results[1:] {
					if len(res) != size {
						t.Errorf("result %d has length %d but expected %d", i+1, len(res), size)
						continue
					}
					for j, actual := range res {
						if actual != results[0][j] {
							t.Errorf("result %d is not identical to result 0", i+1)
							break
						}
					}
				}

				for i, x := range sum {
					mean := x / float64(ranks)
					if math.Abs(mean-results[0][i]) > 1e-5 {
						t.Errorf("mean is incorrect (expected %f but got %f at component %d)",
							mean, results[0][i], i)
						break
					}
				}
			})
		}
	}
}
