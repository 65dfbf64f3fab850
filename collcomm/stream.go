package collcomm

// A StreamReducer splits a vector into chunks and streams the
// chunks through a ring of ranks.
//
// The reduction has two phases. During Reduce, chunks flow around
// the ring and arrive fully reduced at rank 0. During Broadcast,
// the reduced chunks are streamed from rank 0 back through the
// ring. A one-packet window per link keeps a fast rank from
// flooding a slow one.
type StreamReducer struct {
	// Granularity determines how many chunks the data is split
	// into. The actual number of chunks is multiplied by the
	// number of ranks.
	//
	// If Granularity is 0, it is treated as 1.
	Granularity int
}

// Allreduce streams chunks of data around the ring and returns
// the fully reduced vector.
func (s StreamReducer) Allreduce(c *Comms, data []float64, fn ReduceFn) ([]float64, error) {
	if len(data) == 0 || c.Size() == 1 {
		return append([]float64{}, data...), nil
	}
	if c.rank == 0 {
		return s.allreduceRoot(c, data)
	}
	return s.allreduceOther(c, data, fn)
}

func (s StreamReducer) allreduceRoot(c *Comms, data []float64) ([]float64, error) {
	chunksOut := s.chunkify(c, data)
	reduced := make([]float64, 0, len(data))

	// Kick off the reduction cycle.
	sendRing(c, &ringPacket{kind: ringReduce, payload: chunksOut[0]})
	chunksOut = chunksOut[1:]

	// Push the reduction through the ring.
	waitingReduceAck := true
	for len(reduced) < len(data) {
		packet, err := recvRing(c)
		if err != nil {
			return nil, err
		}
		switch packet.kind {
		case ringReduce:
			reduced = append(reduced, packet.payload...)
			sendRing(c, &ringPacket{kind: ringReduceAck})
		case ringReduceAck:
			if !waitingReduceAck {
				panic("collcomm: unexpected ACK")
			}
			if len(chunksOut) > 0 {
				sendRing(c, &ringPacket{kind: ringReduce, payload: chunksOut[0]})
				chunksOut = chunksOut[1:]
			} else {
				waitingReduceAck = false
			}
		default:
			panic("collcomm: unexpected packet kind")
		}
	}

	if len(chunksOut) > 0 {
		panic("collcomm: unexpected reduction completion")
	} else if len(reduced) != len(data) {
		panic("collcomm: excess data")
	}

	// Push the reduced data through the broadcast cycle.
	for _, chunk := range s.chunkify(c, reduced) {
		sendRing(c, &ringPacket{kind: ringBcast, payload: chunk})
		for {
			packet, err := recvRing(c)
			if err != nil {
				return nil, err
			}
			if packet.kind == ringReduceAck {
				if !waitingReduceAck {
					panic("collcomm: unexpected ACK")
				}
				waitingReduceAck = false
			} else if packet.kind == ringBcastAck {
				break
			} else {
				panic("collcomm: unexpected packet kind")
			}
		}
	}

	return reduced, nil
}

func (s StreamReducer) allreduceOther(c *Comms, data []float64, fn ReduceFn) ([]float64, error) {
	var reduced []float64

	isLastRank := c.rank+1 == c.Size()

	// Reduce our data into the stream.
	var reduceBlocked bool
	var reduceBuf []*ringPacket
	remainingData := data
	for len(reduced) == 0 {
		packet, err := recvRing(c)
		if err != nil {
			return nil, err
		}
		switch packet.kind {
		case ringReduce:
			sendRing(c, &ringPacket{kind: ringReduceAck})
			chunk, err := fn(c.handle, packet.payload, remainingData[:len(packet.payload)])
			if err != nil {
				return nil, err
			}
			remainingData = remainingData[len(packet.payload):]
			reduceBuf = append(reduceBuf, &ringPacket{kind: ringReduce, payload: chunk})
		case ringReduceAck:
			if !reduceBlocked {
				panic("collcomm: unexpected ACK")
			}
			reduceBlocked = false
		case ringBcast:
			if len(reduceBuf) > 0 {
				panic("collcomm: got bcast before reduce finished")
			}
			reduced = append(reduced, packet.payload...)
			sendRing(c, &ringPacket{kind: ringBcastAck})
			if !isLastRank {
				// Otherwise, the packet would never reach the
				// next rank in the ring.
				sendRing(c, packet)
			}
		default:
			panic("collcomm: unexpected packet kind")
		}
		if !reduceBlocked && len(reduceBuf) > 0 {
			sendRing(c, reduceBuf[0])
			reduceBuf = reduceBuf[1:]
			reduceBlocked = true
		}
	}

	// Read the broadcasted reduction.
	bcastBlocked := true
	var bcastBuf []*ringPacket
	for len(reduced) < len(data) || len(bcastBuf) > 0 {
		packet, err := recvRing(c)
		if err != nil {
			return nil, err
		}
		switch packet.kind {
		case ringReduceAck:
			if !reduceBlocked {
				panic("collcomm: unexpected ACK")
			}
			reduceBlocked = false
		case ringBcast:
			reduced = append(reduced, packet.payload...)
			sendRing(c, &ringPacket{kind: ringBcastAck})
			if !isLastRank {
				bcastBuf = append(bcastBuf, &ringPacket{kind: ringBcast, payload: packet.payload})
			}
		case ringBcastAck:
			if !bcastBlocked {
				panic("collcomm: unexpected ACK")
			}
			bcastBlocked = false
		default:
			panic("collcomm: unexpected packet kind")
		}
		if !bcastBlocked && len(bcastBuf) > 0 {
			sendRing(c, bcastBuf[0])
			bcastBuf = bcastBuf[1:]
			bcastBlocked = true
		}
	}

	if reduceBlocked {
		panic("collcomm: missed expected ACK")
	}

	return reduced, nil
}

func (s StreamReducer) chunkify(c *Comms, data []float64) [][]float64 {
	granularity := s.Granularity
	if granularity == 0 {
		granularity = 1
	}
	chunkSize := len(data) / (c.Size() * granularity)
	if chunkSize < 1 {
		chunkSize = 1
	}
	var res [][]float64
	for i := 0; i < len(data); i += chunkSize {
		if i+chunkSize > len(data) {
			res = append(res, data[i:])
		} else {
			res = append(res, data[i:i+chunkSize])
		}
	}
	return res
}

type ringPacketKind int

const (
	ringReduce ringPacketKind = iota
	ringReduceAck
	ringBcast
	ringBcastAck
)

type ringPacket struct {
	kind    ringPacketKind
	payload []float64
}

func (r *ringPacket) size() float64 {
	return float64(len(r.payload)*8) + 1.0
}

// sendRing sends the packet to the appropriate neighbor: ACKs go
// to the previous rank, data packets to the next.
func sendRing(c *Comms, p *ringPacket) {
	var dst int
	if p.kind == ringReduceAck || p.kind == ringBcastAck {
		dst = c.rank - 1
		if dst < 0 {
			dst = c.Size() - 1
		}
	} else {
		dst = (c.rank + 1) % c.Size()
	}
	c.send(dst, p, p.size())
}

func recvRing(c *Comms) (*ringPacket, error) {
	payload, _ := c.recvAny()
	packet, ok := payload.(*ringPacket)
	if !ok {
		return nil, errMismatched("stream allreduce")
	}
	return packet, nil
}
