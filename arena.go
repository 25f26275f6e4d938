package dht

import "sync"

// arena is a free list of byte slices for the UDP read loop. Pop hands out
// a block; the consumer must Push it back once the packet has been fully
// processed. Blocks are not zeroed between uses, so only the prefix
// shortened to the read length may be trusted.
type arena struct {
	sync.Mutex
	blocks [][]byte
	bsize  int
}

func newArena(blockSize, numBlocks int) *arena {
	b := make([][]byte, numBlocks)
	for i := range b {
		b[i] = make([]byte, blockSize)
	}
	return &arena{blocks: b, bsize: blockSize}
}

func (a *arena) Pop() (x []byte) {
	a.Lock()
	defer a.Unlock()
	if len(a.blocks) == 0 {
		// The reader and the packet handler normally hand blocks back and
		// forth, so running dry means a block leaked; allocate rather than
		// stall the socket.
		return make([]byte, a.bsize)
	}
	x, a.blocks = a.blocks[len(a.blocks)-1], a.blocks[:len(a.blocks)-1]
	return x
}

func (a *arena) Push(x []byte) {
	a.Lock()
	a.blocks = append(a.blocks, x[:cap(x)])
	a.Unlock()
}
