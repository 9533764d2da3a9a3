package multispi

import (
	"fmt"
	"unsafe"
)

// GPIO controller addresses as seen by the DMA engine on the bus.
const (
	gpioBusBase   = 0x7E200000
	gpioSetOffset = 0x1C // GPSET0
	gpioClrOffset = 0x28 // GPCLR0
)

// regImage mirrors the GPSET0..GPCLR0 register block. The DMA engine
// replays one image per transfer repeat against that block, so the
// field offsets and total size are a binary contract with the hardware:
// any drift writes into unrelated registers.
type regImage struct {
	set      uint32 // GPSET0, lines 0-31
	setHi    uint32 // GPSET1, lines 32 and up, unused
	reserved uint32 // gap between GPSET1 and GPCLR0
	clr      uint32 // GPCLR0, lines 0-31
}

const regImageSize = gpioClrOffset - gpioSetOffset + 4

// Both registers are write-to-pulse: a 1 bit acts, a 0 bit leaves the
// line alone. That is what lets odd images raise the clock without
// disturbing the data lines latched by the preceding even image.

const (
	_ = uint(regImageSize - unsafe.Sizeof(regImage{}))
	_ = uint(unsafe.Sizeof(regImage{}) - regImageSize)
	_ = uint(unsafe.Offsetof(regImage{}.clr) - (gpioClrOffset - gpioSetOffset))
	_ = uint((gpioClrOffset - gpioSetOffset) - unsafe.Offsetof(regImage{}.clr))
)

// shadowBuffer is the process-local staging copy of a transmission:
// one register image per GPIO write. Even indexes present data with the
// clock low, odd indexes raise the clock, and a final extra image
// forces the clock low after the last bit. Mutating it never touches
// uncached memory; word-sized read-modify-write cycles there are far
// too slow for per-bit composition.
type shadowBuffer struct {
	clock  int
	images []regImage
	nbytes int
}

// imagesFor returns the image count needed to clock out n bytes:
// 8 bits times 2 half-steps per bit, plus the trailing clock-low image.
func imagesFor(n int) int { return n*16 + 1 }

// grow extends the buffer to cover nbytes payload bytes per channel.
// The buffer never shrinks and previously written data bits survive.
func (b *shadowBuffer) grow(nbytes int) {
	if b.images != nil && nbytes <= b.nbytes {
		return
	}
	oldEnd := 0
	if b.images != nil {
		oldEnd = imagesFor(b.nbytes)
	}
	newEnd := imagesFor(nbytes)
	images := make([]regImage, newEnd)
	copy(images, b.images)
	// Initialize the fresh tail, including the old final entry: it was
	// the forced clock-low image and is no longer the last one.
	start := oldEnd - 1
	if start < 0 {
		start = 0
	}
	for i := start; i < newEnd; i++ {
		if i%2 == 0 {
			images[i] = regImage{clr: 1 << b.clock}
		} else {
			images[i] = regImage{set: 1 << b.clock}
		}
	}
	b.images = images
	b.nbytes = nbytes
}

// setByte writes the 8 bits of v, most significant first, into the even
// images covering payload byte pos. Each bit fully determines the
// line's set and clr bits on its image, so rewriting a byte is
// idempotent and independent of other lines.
func (b *shadowBuffer) setByte(line, pos int, v byte) {
	if pos < 0 || pos >= b.nbytes {
		panic(fmt.Sprintf("multispi: byte index %d out of range for %d byte channel", pos, b.nbytes))
	}
	mask := uint32(1) << line
	images := b.images[16*pos:]
	i := 0
	for bit := byte(0x80); bit != 0; bit >>= 1 {
		if v&bit != 0 {
			images[i].set |= mask
			images[i].clr &^= mask
		} else {
			images[i].set &^= mask
			images[i].clr |= mask
		}
		i += 2
	}
}

// bytes exposes the image sequence for the bulk copy into the coherent
// region on Send.
func (b *shadowBuffer) bytes() []byte {
	return unsafe.Slice((*byte)(unsafe.Pointer(&b.images[0])), len(b.images)*regImageSize)
}
