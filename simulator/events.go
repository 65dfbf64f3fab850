// Package simulator provides a deterministic virtual-time event
// loop and a simulated network for running many training ranks
// inside a single test process.
//
// Each simulated rank is a Goroutine attached to the loop. The
// loop only advances virtual time when every attached Goroutine
// is blocked polling for an event, so computation takes no
// virtual time unless a rank explicitly sleeps.
package simulator

import (
	"errors"
	"math"
	"math/rand"
	"sync"

	"github.com/unixpickle/essentials"
)

// An EventStream is a uni-directional channel of messages routed
// through an EventLoop.
//
// A stream may only be used on the loop that created it.
type EventStream struct {
	loop    *EventLoop
	pending []interface{}
}

// An Event is a message received on some EventStream.
type Event struct {
	Message interface{}
	Stream  *EventStream
}

type timer struct {
	time  float64
	event *Event
}

// A Handle is a Goroutine's mechanism for accessing an EventLoop.
// Goroutines must not share Handles.
type Handle struct {
	*EventLoop

	// Set while the Goroutine is polling on streams.
	pollStreams []*EventStream
	pollChan    chan<- *Event
}

// Poll waits for the next event from a set of streams.
func (h *Handle) Poll(streams ...*EventStream) *Event {
	ch := make(chan *Event, 1)
	h.withSchedLock(func() {
		if h.pollStreams != nil {
			panic("simulator: Handle is shared between Goroutines")
		}
		for _, stream := range streams {
			if len(stream.pending) > 0 {
				msg := stream.pending[0]
				essentials.OrderedDelete(&stream.pending, 0)
				ch <- &Event{Message: msg, Stream: stream}
				return
			}
		}
		h.pollStreams = streams
		h.pollChan = ch
	})
	return <-ch
}

// Schedule arranges for msg to arrive on stream after delay units
// of virtual time.
func (h *Handle) Schedule(stream *EventStream, msg interface{}, delay float64) {
	if stream.loop != h.EventLoop {
		panic("simulator: EventStream belongs to a different EventLoop")
	}
	if math.IsInf(delay, 0) || math.IsNaN(delay) || delay < 0 {
		panic("simulator: invalid delay")
	}
	h.withLock(func() {
		h.timers = append(h.timers, &timer{
			time:  h.time + delay,
			event: &Event{Message: msg, Stream: stream},
		})
	})
}

// Sleep waits for a certain amount of virtual time to elapse.
func (h *Handle) Sleep(delay float64) {
	stream := h.Stream()
	h.Schedule(stream, nil, delay)
	h.Poll(stream)
}

// An EventLoop is a global scheduler for events in a simulated
// group of ranks.
//
// All Goroutines which access an EventLoop should be started via
// the EventLoop.Go() method.
type EventLoop struct {
	lock    sync.Mutex
	timers  []*timer
	handles []*Handle

	time float64

	running  bool
	notifyCh chan struct{}
}

// NewEventLoop creates an event loop with its clock at 0.
func NewEventLoop() *EventLoop {
	return &EventLoop{notifyCh: make(chan struct{}, 1)}
}

// Stream creates a new EventStream.
func (e *EventLoop) Stream() *EventStream {
	return &EventStream{loop: e}
}

// Go runs f in a Goroutine with a fresh Handle on the loop.
func (e *EventLoop) Go(f func(h *Handle)) {
	h := &Handle{EventLoop: e}
	e.lock.Lock()
	e.handles = append(e.handles, h)
	e.lock.Unlock()
	go func() {
		f(h)
		e.withSchedLock(func() {
			for i, handle := range e.handles {
				if handle == h {
					essentials.UnorderedDelete(&e.handles, i)
					return
				}
			}
			panic("simulator: cannot free unknown handle")
		})
	}()
}

// Run drives the loop until every Goroutine started with Go has
// returned.
//
// Returns an error if the loop deadlocks, i.e. every Goroutine is
// polling and no timer can wake any of them up.
func (e *EventLoop) Run() error {
	e.lock.Lock()
	if e.running {
		e.lock.Unlock()
		panic("simulator: EventLoop is already running")
	}
	e.running = true
	e.lock.Unlock()

	defer func() {
		e.lock.Lock()
		e.running = false
		e.lock.Unlock()
	}()

	for range e.notifyCh {
		if done, err := e.step(); done {
			return err
		}
	}

	panic("unreachable")
}

// MustRun is like Run, but panics on deadlock.
func (e *EventLoop) MustRun() {
	if err := e.Run(); err != nil {
		panic(err)
	}
}

// Time gets the current virtual time.
func (e *EventLoop) Time() float64 {
	e.lock.Lock()
	defer e.lock.Unlock()
	return e.time
}

// withLock runs f with the loop state locked, for changes that
// cannot block or unblock any Goroutine.
func (e *EventLoop) withLock(f func()) {
	e.lock.Lock()
	defer e.lock.Unlock()
	f()
}

// withSchedLock is like withLock, but additionally kicks the loop
// because f may change which Goroutines are runnable.
func (e *EventLoop) withSchedLock(f func()) {
	e.lock.Lock()
	defer func() {
		e.lock.Unlock()
		select {
		case e.notifyCh <- struct{}{}:
		default:
		}
	}()
	f()
}

// step fires timers until one of them unblocks a Goroutine.
//
// The first return value is true once the loop should stop, in
// which case the error indicates a deadlock.
func (e *EventLoop) step() (bool, error) {
	e.lock.Lock()
	defer e.lock.Unlock()

	if len(e.handles) == 0 {
		return true, nil
	}

	for _, h := range e.handles {
		if len(h.pollStreams) == 0 {
			// A Goroutine is doing real-time work; it will kick
			// the loop again when it blocks.
			return false, nil
		}
	}

	for len(e.timers) > 0 {
		// Break ties randomly so that simultaneous timers do not
		// fire in a deterministic order.
		indices := rand.Perm(len(e.timers))
		minIdx := indices[0]
		for _, i := range indices[1:] {
			if e.timers[i].time < e.timers[minIdx].time {
				minIdx = i
			}
		}
		t := e.timers[minIdx]

		essentials.UnorderedDelete(&e.timers, minIdx)
		e.time = math.Max(e.time, t.time)
		if e.deliver(t.event) {
			return false, nil
		}
	}

	return true, errors.New("deadlock: all Goroutines are polling")
}

// deliver hands an event to a polling Goroutine, or queues it on
// its stream if nobody is listening yet.
//
// Returns true if a Goroutine was unblocked.
func (e *EventLoop) deliver(event *Event) bool {
	indices := rand.Perm(len(e.handles))
	for _, i := range indices {
		h := e.handles[i]
		for _, stream := range h.pollStreams {
			if stream == event.Stream {
				h.pollChan <- event
				h.pollChan = nil
				h.pollStreams = nil
				return true
			}
		}
	}
	event.Stream.pending = append(event.Stream.pending, event.Message)
	return false
}
