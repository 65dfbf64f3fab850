// Command bench_training simulates synchronous data-parallel SGD
// over a range of network configurations and reports the virtual
// time per training step for each reduction strategy, both with
// immediate synchronization and with deferred synchronization that
// overlaps the previous step's reduction with the current step's
// gradient computation.
package main

import (
	"flag"
	"fmt"
	"os"
	"strconv"

	"github.com/dustin/go-humanize"
	"github.com/schollz/progressbar/v3"
	"k8s.io/klog/v2"

	"github.com/cicicici/horovod/collcomm"
	"github.com/cicicici/horovod/optimizer"
	"github.com/cicicici/horovod/simulator"
	"github.com/cicicici/horovod/tensor"
)

// runInfo describes a specific network configuration.
type runInfo struct {
	Ranks   int
	Latency float64
	Rate    float64
}

func main() {
	steps := flag.Int("steps", 5, "training steps per simulation")
	dim := flag.Int("dim", 1000000, "model parameters per rank")
	compute := flag.Float64("compute", 0.05, "virtual seconds of gradient computation per step")
	klog.InitFlags(nil)
	flag.Parse()

	reducers := []collcomm.Reducer{
		collcomm.NaiveReducer{},
		collcomm.TreeReducer{},
		collcomm.StreamReducer{},
	}
	reducerNames := []string{"Naive", "Tree", "Stream"}
	runs := []runInfo{
		{Ranks: 2, Latency: 0.1, Rate: 1e6},
		{Ranks: 16, Latency: 1e-3, Rate: 1e6},
		{Ranks: 32, Latency: 0.1, Rate: 1e6},
		{Ranks: 32, Latency: 0.1, Rate: 1e9},
		{Ranks: 32, Latency: 1e-4, Rate: 1e9},
	}

	bar := progressbar.NewOptions(len(runs)*len(reducers)*2,
		progressbar.OptionSetWriter(os.Stderr),
		progressbar.OptionSetDescription("simulating"))

	// Markdown table header.
	fmt.Print("| Ranks | Latency | Link rate | Params ")
	for _, name := range reducerNames {
		fmt.Printf("| %s | %s defer ", name, name)
	}
	fmt.Println("|")
	for i := 0; i < 4+2*len(reducers); i++ {
		fmt.Print("|:--")
	}
	fmt.Println("|")

	for _, run := range runs {
		fmt.Printf(
			"| %d | %s | %s/s | %s ",
			run.Ranks,
			strconv.FormatFloat(run.Latency, 'f', -1, 64),
			humanize.Bytes(uint64(run.Rate)),
			humanize.Comma(int64(*dim)),
		)
		for _, reducer := range reducers {
			for _, deferred := range []bool{false, true} {
				elapsed := simulateTraining(run, reducer, *steps, *dim, *compute, deferred)
				fmt.Printf("| %.4f ", elapsed/float64(*steps))
				bar.Add(1)
			}
		}
		fmt.Println("|")
	}
}

// simulateTraining runs a short synchronized training session on a
// simulated group and returns the total virtual time.
//
// Each rank splits into a compute Goroutine, which sleeps for the
// per-step computation time and emits a gradient, and a sync
// Goroutine, which runs the optimizer and the collectives. With
// immediate synchronization the compute Goroutine waits for every
// update before the next step. With deferred synchronization it
// keeps one step in flight, so reducing step k's buffered gradient
// overlaps computing step k+1's.
func simulateTraining(run runInfo, reducer collcomm.Reducer, steps, dim int,
	compute float64, deferred bool) float64 {
	loop := simulator.NewEventLoop()
	network := &simulator.LinkNetwork{Latency: run.Latency, Rate: run.Rate}

	collcomm.Spawn(loop, network, run.Ranks, reducer, func(c *collcomm.Comms) {
		h := c.Handle()
		grads := h.Stream()
		updates := h.Stream()
		rank := float64(c.Rank())

		h.Go(func(ch *simulator.Handle) {
			window := 0
			if deferred {
				window = 1
			}
			inFlight := 0
			for step := 0; step < steps; step++ {
				ch.Sleep(compute)
				grad := tensor.NewDense(dim)
				for i := range grad.Data {
					grad.Data[i] = rank + 1
				}
				ch.Schedule(grads, grad, 0)
				inFlight++
				for inFlight > window {
					ch.Poll(updates)
					inFlight--
				}
			}
			for ; inFlight > 0; inFlight-- {
				ch.Poll(updates)
			}
		})

		v := optimizer.NewVariable("w", dim)
		var lastGrad *tensor.Dense
		base := optimizer.NewSGD([]*optimizer.Variable{v}, 0.01,
			func(v *optimizer.Variable, loss float64) tensor.Gradient {
				return lastGrad
			})
		dist := optimizer.NewDistributed(base, c, optimizer.Config{Deferred: deferred})
		bcast := optimizer.NewBroadcastVariablesHook(0, []*optimizer.Variable{v}, "")
		post := optimizer.NewPostStepHook(dist)

		if err := bcast.OnSessionStart(c); err != nil {
			klog.Fatalf("rank %d: broadcast: %s", c.Rank(), err)
		}
		for step := 0; step < steps; step++ {
			lastGrad = h.Poll(grads).Message.(*tensor.Dense)
			pairs, err := dist.ComputeGradients(0)
			if err == nil {
				err = dist.ApplyGradients(pairs)
			}
			if err != nil {
				klog.Fatalf("rank %d: step %d: %s", c.Rank(), step, err)
			}
			post.AfterStep()
			h.Schedule(updates, nil, 0)
		}
	})
	loop.MustRun()
	return loop.Time()
}
