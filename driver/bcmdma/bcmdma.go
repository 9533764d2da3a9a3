//go:build linux

// package bcmdma implements the multispi hardware collaborators on the
// Raspberry Pi: the memory-mapped register file of a BCM2835 DMA
// channel, a mailbox-backed uncached memory allocator, and GPIO output
// reservation through periph.io.
package bcmdma

import (
	"fmt"
	"os"

	"github.com/DerLukas15/rpimemmap"

	"spixels.dev/multispi"
)

const (
	dmaBusOffset  = 0x00007000
	dmaChanStride = 0x100
	dmaEnableReg  = 0xff0

	csReg     = 0x00 // control and status
	conblkReg = 0x04 // control block address
)

// Channel is the register file of one DMA channel. A channel is claimed
// for exclusive use; running two engines against the same channel
// number is undefined behavior, so the number should come from
// deployment configuration.
type Channel struct {
	mem  rpimemmap.MemMap
	base uint32
}

// OpenChannel maps the DMA controller's register page and enables the
// given channel. Channel 15 lives on a separate page and channels 0-6
// are often claimed by the firmware; 5 is usually free.
func OpenChannel(channel int) (*Channel, error) {
	if channel < 0 || channel > 14 {
		return nil, fmt.Errorf("bcmdma: channel %d out of range", channel)
	}
	mem := rpimemmap.NewPeripheral(uint32(os.Getpagesize()))
	if err := mem.Map(dmaBusOffset, rpimemmap.MemDevDefault, 0); err != nil {
		return nil, fmt.Errorf("bcmdma: mapping DMA registers: %w", err)
	}
	c := &Channel{mem: mem, base: uint32(channel) * dmaChanStride}
	*rpimemmap.Reg32(mem, dmaEnableReg) |= 1 << uint(channel)
	return c, nil
}

func (c *Channel) ControlStatus() uint32 {
	return *rpimemmap.Reg32(c.mem, c.base+csReg)
}

func (c *Channel) SetControlStatus(v uint32) {
	*rpimemmap.Reg32(c.mem, c.base+csReg) = v
}

func (c *Channel) SetControlBlock(addr uint32) {
	*rpimemmap.Reg32(c.mem, c.base+conblkReg) = addr
}

// Close unmaps the register page. The channel is left enabled; the
// engine has already reset it after its last run.
func (c *Channel) Close() error {
	return c.mem.Unmap()
}

// Open wires a complete engine on the given clock line and DMA
// channel. Callers who need to share collaborators between engines can
// assemble a multispi.Config themselves instead.
func Open(clockLine, channel int) (*multispi.Engine, *Channel, error) {
	pins, err := OpenPins()
	if err != nil {
		return nil, nil, err
	}
	alloc, err := NewAllocator()
	if err != nil {
		return nil, nil, err
	}
	ch, err := OpenChannel(channel)
	if err != nil {
		return nil, nil, err
	}
	eng, err := multispi.New(multispi.Config{
		ClockLine: clockLine,
		Pins:      pins,
		Memory:    alloc,
		Channel:   ch,
	})
	if err != nil {
		ch.Close()
		return nil, nil, err
	}
	return eng, ch, nil
}
