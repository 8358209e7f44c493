package rdma

import (
	"fmt"
	"math/rand/v2"

	"github.com/rocketbitz/fabric-transport/transport"
)

const (
	endpointIDBlocks    = 4
	endpointIDBlockBits = 64
	// MaxEndpointID bounds the endpoint ids a device hands out. Id 0 is reserved.
	MaxEndpointID = endpointIDBlocks * endpointIDBlockBits
)

// idAllocator hands out endpoint ids by random probing of a bitmap. Callers
// serialize access with the owning device's mutex.
type idAllocator struct {
	blocks [endpointIDBlocks]uint64
	used   int
	rng    *rand.Rand
}

func newIDAllocator(seed uint64) *idAllocator {
	a := &idAllocator{rng: rand.New(rand.NewPCG(seed, seed^0x9e3779b97f4a7c15))}
	a.blocks[0] = 1
	a.used = 1
	return a
}

func (a *idAllocator) allocate() (uint32, error) {
	if a.used >= MaxEndpointID {
		return 0, transport.ErrNoMemory.WithOp("allocate endpoint id")
	}
	for {
		id := a.rng.IntN(MaxEndpointID)
		block, bit := id/endpointIDBlockBits, uint(id%endpointIDBlockBits)
		if a.blocks[block]&(1<<bit) != 0 {
			continue
		}
		a.blocks[block] |= 1 << bit
		a.used++
		return uint32(id), nil
	}
}

// release clears id. Releasing an id that is not allocated is a programming
// error and panics.
func (a *idAllocator) release(id uint32) {
	if id == 0 || id >= MaxEndpointID {
		panic(fmt.Sprintf("rdma: release of invalid endpoint id %d", id))
	}
	block, bit := id/endpointIDBlockBits, id%endpointIDBlockBits
	if a.blocks[block]&(1<<bit) == 0 {
		panic(fmt.Sprintf("rdma: release of unallocated endpoint id %d", id))
	}
	a.blocks[block] &^= 1 << bit
	a.used--
}

func (a *idAllocator) inUse(id uint32) bool {
	if id >= MaxEndpointID {
		return false
	}
	return a.blocks[id/endpointIDBlockBits]&(1<<(id%endpointIDBlockBits)) != 0
}
