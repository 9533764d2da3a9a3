package multispi

import (
	"errors"
	"fmt"
	"unsafe"
)

// controlBlock is a BCM2835 DMA transfer descriptor. The engine loads
// the first one's bus address into CONBLK_AD and follows nextCB links
// on its own; the layout is dictated by the hardware.
type controlBlock struct {
	ti     uint32 // transfer information
	srcAd  uint32 // source bus address
	destAd uint32 // destination bus address
	txLen  uint32 // transfer length, 2D: ylength<<16 | xlength
	stride uint32 // 2D mode stride, d<<16 | s, signed 16 bit each
	nextCB uint32 // bus address of the next block, 0 terminates
	_      uint32
	_      uint32
}

const controlBlockSize = 32

const (
	_ = uint(controlBlockSize - unsafe.Sizeof(controlBlock{}))
	_ = uint(unsafe.Sizeof(controlBlock{}) - controlBlockSize)
)

// Transfer information bits.
const (
	dmaTiTDMode       = 1 << 1
	dmaTiDestInc      = 1 << 4
	dmaTiSrcInc       = 1 << 8
	dmaTiNoWideBursts = 1 << 26
)

// Control/status register bits.
const (
	dmaCsActive   = 1 << 0
	dmaCsEnd      = 1 << 1
	dmaCsError    = 1 << 8
	dmaCsDisdebug = 1 << 29
	dmaCsAbort    = 1 << 30
	dmaCsReset    = 1 << 31
)

func dmaCsPriority(p uint32) uint32      { return (p & 0xf) << 16 }
func dmaCsPanicPriority(p uint32) uint32 { return (p & 0xf) << 20 }

func dmaTxLen(x, y uint32) uint32 { return (y&0xffff)<<16 | x&0xffff }

func dmaStride(s, d int32) uint32 {
	return uint32(d&0xffff)<<16 | uint32(s&0xffff)
}

// One control block can only span a limited range.
const (
	maxSpanPerCB   = 2 << 15
	maxImagesPerCB = maxSpanPerCB / regImageSize
)

// compile freezes the shadow buffer's length and builds the control
// block chain in a freshly allocated DMA-coherent region: first the
// blocks, then room for the image sequence they source from. It runs
// exactly once, triggered by the first Send.
func (e *Engine) compile() error {
	if e.compiled {
		return errors.New("multispi: descriptor chain already compiled")
	}
	e.shadow.grow(e.shadow.nbytes)
	n := len(e.shadow.images)
	ncb := (n + maxImagesPerCB - 1) / maxImagesPerCB
	block, err := e.mem.Alloc(ncb*controlBlockSize + n*regImageSize)
	if err != nil {
		return fmt.Errorf("multispi: allocating DMA-coherent chain: %w", err)
	}
	buf := block.Bytes()
	cbs := unsafe.Slice((*controlBlock)(unsafe.Pointer(&buf[0])), ncb)
	imgOff := ncb * controlBlockSize

	remaining := n
	for i := range cbs {
		count := remaining
		if count > maxImagesPerCB {
			count = maxImagesPerCB
		}
		cbs[i] = controlBlock{
			ti:     dmaTiSrcInc | dmaTiDestInc | dmaTiNoWideBursts | dmaTiTDMode,
			srcAd:  block.BusAddr(imgOff + (n-remaining)*regImageSize),
			destAd: gpioBusBase + gpioSetOffset,
			txLen:  dmaTxLen(regImageSize, uint32(count)),
			// The negative destination stride steps back to the start
			// of the register block after every image, so a linear
			// source replays onto one fixed destination.
			stride: dmaStride(0, -regImageSize),
		}
		if i > 0 {
			cbs[i-1].nextCB = block.BusAddr(i * controlBlockSize)
		}
		remaining -= count
	}

	e.block = block
	e.imgOff = imgOff
	e.compiled = true
	return nil
}
