// Package collcomm implements the collective communication
// service over a simulated network.
//
// Each rank runs in its own Goroutine on a simulator.EventLoop
// and owns a Comms value representing its view of the group.
// Every collective call blocks until the matching call has been
// issued on every rank, so ranks must issue collectives in the
// same order.
//
// Messages carry the issuing rank's collective sequence number.
// A rank that finishes one collective early may start sending for
// the next while a peer is still gathering the previous one;
// receivers buffer such ahead-of-sequence messages instead of
// misfiling them, so back-to-back collectives never interleave.
package collcomm

import (
	"github.com/pkg/errors"
	"github.com/unixpickle/essentials"
	"k8s.io/klog/v2"

	"github.com/cicicici/horovod/collective"
	"github.com/cicicici/horovod/simulator"
)

// An envelope wraps a payload with the sender's collective
// sequence number.
type envelope struct {
	seq     int
	payload interface{}
}

// Comms is one rank's handle on the group. It implements
// collective.Comms.
type Comms struct {
	handle  *simulator.Handle
	network simulator.Network
	ports   []*simulator.Port
	rank    int
	reducer Reducer

	// seq counts completed collectives on this rank.
	seq int

	// ahead buffers envelopes received but not yet consumed
	// (future seq, or wrong source during a rooted receive),
	// keyed by source port, in arrival order.
	ahead map[*simulator.Port][]*envelope
}

var _ collective.Comms = (*Comms)(nil)

// Spawn creates a Comms for every rank in a simulated group and
// calls f for each rank in its own Goroutine on the loop.
//
// A nil reducer defaults to NaiveReducer.
func Spawn(loop *simulator.EventLoop, network simulator.Network, ranks int, reducer Reducer,
	f func(c *Comms)) {
	if reducer == nil {
		reducer = NaiveReducer{}
	}
	ports := make([]*simulator.Port, ranks)
	for i := range ports {
		ports[i] = simulator.NewPort(loop)
	}
	for i := range ports {
		rank := i
		loop.Go(func(h *simulator.Handle) {
			f(&Comms{
				handle:  h,
				network: network,
				ports:   ports,
				rank:    rank,
				reducer: reducer,
				ahead:   map[*simulator.Port][]*envelope{},
			})
		})
	}
}

// Handle returns the simulator Handle of the Goroutine this rank
// runs on.
func (c *Comms) Handle() *simulator.Handle {
	return c.handle
}

// Rank returns this rank's index in [0, Size).
func (c *Comms) Rank() int {
	return c.rank
}

// Size returns the number of ranks in the group.
func (c *Comms) Size() int {
	return len(c.ports)
}

// Allreduce returns the element-wise sum of vec across all ranks.
//
// The returned slice is owned by the caller and never shares
// storage with another rank's result.
func (c *Comms) Allreduce(vec []float64) ([]float64, error) {
	klog.V(2).Infof("rank %d: allreduce seq=%d len=%d", c.rank, c.seq, len(vec))
	out, err := c.reducer.Allreduce(c, vec, Sum)
	if err != nil {
		return nil, err
	}
	c.seq++

	// The simulated network passes slices by reference, so a
	// reducer's result may alias storage held by other ranks.
	return append([]float64{}, out...), nil
}

// Allgather returns the concatenation of every rank's vec in rank
// order.
func (c *Comms) Allgather(vec []float64) ([]float64, error) {
	klog.V(2).Infof("rank %d: allgather seq=%d len=%d", c.rank, c.seq, len(vec))
	vecs, err := gather(c, vec, floatBytes)
	if err != nil {
		return nil, err
	}
	var out []float64
	for _, v := range vecs {
		out = append(out, v...)
	}
	c.seq++
	return out, nil
}

// AllgatherIndices is Allgather for index payloads.
func (c *Comms) AllgatherIndices(idx []int64) ([]int64, error) {
	klog.V(2).Infof("rank %d: allgather indices seq=%d len=%d", c.rank, c.seq, len(idx))
	idxs, err := gather(c, idx, indexBytes)
	if err != nil {
		return nil, err
	}
	var out []int64
	for _, v := range idxs {
		out = append(out, v...)
	}
	c.seq++
	return out, nil
}

// Broadcast returns root's vec on every rank.
func (c *Comms) Broadcast(vec []float64, root int) ([]float64, error) {
	if root < 0 || root >= c.Size() {
		return nil, errors.Errorf("broadcast: root %d out of range [0, %d)", root, c.Size())
	}
	klog.V(2).Infof("rank %d: broadcast seq=%d root=%d len=%d", c.rank, c.seq, root, len(vec))
	if c.rank == root {
		// Detached from the caller's storage, like gather payloads.
		sent := append([]float64{}, vec...)
		msgs := make([]*simulator.Message, 0, c.Size()-1)
		for i, port := range c.ports {
			if i == root {
				continue
			}
			msgs = append(msgs, c.message(port, sent, floatBytes(sent)))
		}
		c.network.Send(c.handle, msgs...)
		c.seq++
		return append([]float64{}, vec...), nil
	}
	payload := c.recvFrom(c.ports[root])
	out, ok := payload.([]float64)
	if !ok {
		return nil, errors.New("broadcast: mismatched collective call on root")
	}
	if len(out) != len(vec) {
		return nil, errors.Errorf("broadcast: root sent %d elements but local shape has %d",
			len(out), len(vec))
	}
	c.seq++

	// Every non-root rank receives the root's slice itself.
	return append([]float64{}, out...), nil
}

// message builds a sequence-tagged message to dst.
func (c *Comms) message(dst *simulator.Port, payload interface{}, size float64) *simulator.Message {
	return &simulator.Message{
		Source:  c.ports[c.rank],
		Dest:    dst,
		Payload: &envelope{seq: c.seq, payload: payload},
		Size:    size,
	}
}

// send delivers a single payload to the rank at index dst.
func (c *Comms) send(dst int, payload interface{}, size float64) {
	c.network.Send(c.handle, c.message(c.ports[dst], payload, size))
}

// recvAny returns the next payload for the current collective
// from any rank, along with the sender's index.
func (c *Comms) recvAny() (interface{}, int) {
	for src, list := range c.ahead {
		for i, env := range list {
			if env.seq == c.seq {
				c.dropAhead(src, i)
				return env.payload, c.indexOf(src)
			}
		}
	}
	for {
		msg := c.ports[c.rank].Recv(c.handle)
		env := msg.Payload.(*envelope)
		if env.seq == c.seq {
			return env.payload, c.indexOf(msg.Source)
		}
		if env.seq < c.seq {
			panic("collcomm: received envelope for a finished collective")
		}
		c.ahead[msg.Source] = append(c.ahead[msg.Source], env)
	}
}

// recvFrom returns the next payload for the current collective
// sent by src.
func (c *Comms) recvFrom(src *simulator.Port) interface{} {
	for i, env := range c.ahead[src] {
		if env.seq == c.seq {
			c.dropAhead(src, i)
			return env.payload
		}
	}
	for {
		msg := c.ports[c.rank].Recv(c.handle)
		env := msg.Payload.(*envelope)
		if env.seq == c.seq && msg.Source == src {
			return env.payload
		}
		if env.seq < c.seq {
			panic("collcomm: received envelope for a finished collective")
		}
		c.ahead[msg.Source] = append(c.ahead[msg.Source], env)
	}
}

func (c *Comms) dropAhead(src *simulator.Port, i int) {
	list := c.ahead[src]
	essentials.OrderedDelete(&list, i)
	c.ahead[src] = list
}

func (c *Comms) indexOf(p *simulator.Port) int {
	for i, port := range c.ports {
		if port == p {
			return i
		}
	}
	panic("unreachable")
}

func errMismatched(op string) error {
	return errors.Errorf("%s: mismatched collective call in group", op)
}

func floatBytes(vec []float64) float64 {
	return float64(len(vec) * 8)
}

func indexBytes(idx []int64) float64 {
	return float64(len(idx) * 8)
}

// gather collects every rank's payload, slotted in rank order.
func gather[T any](c *Comms, vec []T, size func([]T) float64) ([][]T, error) {
	vecs := make([][]T, c.Size())
	vecs[c.rank] = vec

	// Peers read the payload after this rank's collective has
	// returned, so it must be detached from the caller's storage.
	out := append([]T{}, vec...)
	msgs := make([]*simulator.Message, 0, c.Size()-1)
	for i, port := range c.ports {
		if i == c.rank {
			continue
		}
		msgs = append(msgs, c.message(port, out, size(out)))
	}
	c.network.Send(c.handle, msgs...)

	for i := 0; i < c.Size()-1; i++ {
		payload, src := c.recvAny()
		v, ok := payload.([]T)
		if !ok {
			return nil, errors.Errorf("gather: mismatched collective call on rank %d", src)
		}
		vecs[src] = v
	}
	return vecs, nil
}
