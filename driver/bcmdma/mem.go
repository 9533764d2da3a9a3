//go:build linux

package bcmdma

import (
	"fmt"
	"unsafe"

	"github.com/DerLukas15/rpihardware"
	"github.com/DerLukas15/rpimemmap"

	"spixels.dev/multispi"
)

// Allocator hands out uncached memory through the VideoCore mailbox.
// The DMA engine reads control blocks and images straight from these
// blocks, so they must bypass the ARM caches.
type Allocator struct {
	flags uint32
}

func NewAllocator() (*Allocator, error) {
	hw, err := rpihardware.Check()
	if err != nil {
		return nil, fmt.Errorf("bcmdma: detecting Pi model: %w", err)
	}
	flags := uint32(rpimemmap.UncachedMemFlagDirect)
	if hw.RPiType == rpihardware.RPiType1 {
		// The Pi 1 wants the L2-coherent alias instead.
		flags = 0xc
	}
	return &Allocator{flags: flags}, nil
}

func (a *Allocator) Alloc(size int) (multispi.Block, error) {
	mem := rpimemmap.NewUncached(uint32(size))
	if err := mem.Map(0, "", a.flags); err != nil {
		return nil, fmt.Errorf("bcmdma: allocating %d uncached bytes: %w", size, err)
	}
	return &block{mem: mem, size: size}, nil
}

type block struct {
	mem  rpimemmap.MemMap
	size int
}

func (b *block) Bytes() []byte {
	return unsafe.Slice((*byte)(unsafe.Pointer(rpimemmap.Reg32(b.mem, 0))), b.size)
}

func (b *block) BusAddr(off int) uint32 {
	return b.mem.BusAddr() + uint32(off)
}

func (b *block) Close() error {
	return b.mem.Unmap()
}
