package simulator

import "math/rand"

// A Port is one rank's endpoint for communication.
type Port struct {
	// Incoming is a stream of *Message objects.
	Incoming *EventStream
}

// NewPort creates a Port whose incoming stream lives on loop.
func NewPort(loop *EventLoop) *Port {
	return &Port{Incoming: loop.Stream()}
}

// Recv receives the next message sent to the port.
func (p *Port) Recv(h *Handle) *Message {
	return h.Poll(p.Incoming).Message.(*Message)
}

// A Message is a chunk of data sent between ranks over a network.
type Message struct {
	Source  *Port
	Dest    *Port
	Payload interface{}

	// Size is the number of bytes on the wire.
	Size float64
}

// A Network delivers messages between ports, after whatever
// virtual delay its model implies.
type Network interface {
	// Send schedules the messages for delivery on each
	// destination port's incoming stream.
	//
	// This is a non-blocking operation.
	Send(h *Handle, msgs ...*Message)
}

// A LinkNetwork models every pair of ranks as an independent link
// with a fixed latency and transfer rate.
//
// Concurrent messages do not contend with each other, so this is
// an optimistic model. Equal-size messages between a pair of
// ranks arrive in send order when sent at distinct times;
// simultaneous deliveries fire in random order.
type LinkNetwork struct {
	// Latency is a constant delay added to every delivery.
	Latency float64

	// Rate is the link transfer rate in bytes per unit of
	// virtual time.
	Rate float64
}

// Send schedules each message after its transfer delay.
func (l *LinkNetwork) Send(h *Handle, msgs ...*Message) {
	for _, msg := range msgs {
		h.Schedule(msg.Dest.Incoming, msg, l.Latency+msg.Size/l.Rate)
	}
}

// A RandomNetwork assigns an independent random delay to every
// message, so deliveries between the same pair of ranks may be
// reordered arbitrarily.
type RandomNetwork struct{}

// Send sends the messages with random delays.
func (r RandomNetwork) Send(h *Handle, msgs ...*Message) {
	for _, msg := range msgs {
		h.Schedule(msg.Dest.Incoming, msg, rand.Float64())
	}
}
