package collcomm

// A TreeReducer arranges the ranks in a binary tree and performs
// a reduction by going up the tree to a root rank, then sending
// the result back down the tree.
type TreeReducer struct{}

// Allreduce reduces vectors along a tree and returns the fully
// reduced vector.
func (TreeReducer) Allreduce(c *Comms, data []float64, fn ReduceFn) ([]float64, error) {
	parent, children := treePosition(c.rank, c.Size())

	vecs := [][]float64{data}
	for range children {
		payload, _ := c.recvAny()
		vec, ok := payload.([]float64)
		if !ok {
			return nil, errMismatched("tree allreduce")
		}
		vecs = append(vecs, vec)
	}

	reduced, err := fn(c.handle, vecs...)
	if err != nil {
		return nil, err
	}

	if parent >= 0 {
		c.send(parent, reduced, floatBytes(reduced))
		payload, _ := c.recvAny()
		final, ok := payload.([]float64)
		if !ok {
			return nil, errMismatched("tree allreduce")
		}
		reduced = final
	}

	for _, child := range children {
		c.send(child, reduced, floatBytes(reduced))
	}

	return reduced, nil
}

// treePosition returns the parent (or -1 for the root) and the
// children of a rank in the reduction tree.
//
// The tree is laid out in rows: rank 0 is the root, ranks 1-2 the
// next row, ranks 3-6 the one below, and so on.
func treePosition(rank, size int) (parent int, children []int) {
	parent = -1
	for depth := uint(0); true; depth++ {
		rowSize := 1 << depth
		rowStart := rowSize - 1
		if rank >= rowStart+rowSize {
			continue
		}
		rowIdx := rank - rowStart
		if depth > 0 {
			parent = rowIdx/2 + (rowSize/2 - 1)
		}
		firstChild := rowIdx*2 + (rowSize*2 - 1)
		for i := 0; i < 2; i++ {
			if firstChild+i < size {
				children = append(children, firstChild+i)
			}
		}
		return
	}
	panic("unreachable")
}
