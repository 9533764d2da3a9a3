// package ledstrip encodes pixel colors into the per-channel byte
// streams of clocked LED strip chips driven through a multispi engine.
// The engine moves bytes; which bytes mean what is decided here.
package ledstrip

import "math"

// Bus is the subset of the multispi engine the strips need.
type Bus interface {
	RegisterData(line, nbytes int) error
	SetByte(line, pos int, v byte)
}

// Strip is the common surface of the supported chip types.
type Strip interface {
	// SetPixel stages pixel pos; out-of-range positions are ignored.
	SetPixel(pos int, r, g, b byte)
	// Len returns the number of attached pixels.
	Len() int
}

// Perceived brightness is corrected per CIE 1931 at 16 bit planes and
// scaled down to each chip's output depth.
const bitPlanes = 16

var cie1931 = makeCIETable()

func makeCIETable() [256]uint16 {
	var t [256]uint16
	const out = 1<<bitPlanes - 1
	for i := range t {
		v := 100 * float64(i) / 255
		if v <= 8 {
			t[i] = uint16(out * v / 902.3)
		} else {
			t[i] = uint16(out * math.Pow((v+16)/116, 3))
		}
	}
	return t
}

func luminance(outBits uint, c byte) uint16 {
	return cie1931[c] >> (bitPlanes - outBits)
}

// WS2801 pixels take 8 bits per color, three wire bytes per pixel, no
// framing.
type WS2801 struct {
	bus  Bus
	line int
	n    int
}

func NewWS2801(bus Bus, line, count int) (*WS2801, error) {
	if err := bus.RegisterData(line, 3*count); err != nil {
		return nil, err
	}
	return &WS2801{bus: bus, line: line, n: count}, nil
}

func (s *WS2801) Len() int { return s.n }

func (s *WS2801) SetPixel(pos int, r, g, b byte) {
	if pos < 0 || pos >= s.n {
		return
	}
	s.bus.SetByte(s.line, 3*pos+0, byte(luminance(8, r)))
	s.bus.SetByte(s.line, 3*pos+1, byte(luminance(8, g)))
	s.bus.SetByte(s.line, 3*pos+2, byte(luminance(8, b)))
}

// LPD6803 pixels carry 5 bits per color behind a start bit, two wire
// bytes per pixel after a four byte zero start frame.
type LPD6803 struct {
	bus  Bus
	line int
	n    int
}

func NewLPD6803(bus Bus, line, count int) (*LPD6803, error) {
	if err := bus.RegisterData(line, 4+2*count+4); err != nil {
		return nil, err
	}
	s := &LPD6803{bus: bus, line: line, n: count}
	for i := 0; i < 4; i++ {
		bus.SetByte(line, i, 0x00)
	}
	// Every pixel word needs its start bit, lit or not.
	for pos := 0; pos < count; pos++ {
		s.SetPixel(pos, 0, 0, 0)
	}
	return s, nil
}

func (s *LPD6803) Len() int { return s.n }

func (s *LPD6803) SetPixel(pos int, r, g, b byte) {
	if pos < 0 || pos >= s.n {
		return
	}
	data := uint16(1) << 15
	data |= luminance(5, r) << 10
	data |= luminance(5, g) << 5
	data |= luminance(5, b)
	s.bus.SetByte(s.line, 4+2*pos, byte(data>>8))
	s.bus.SetByte(s.line, 4+2*pos+1, byte(data))
}

// APA102 pixels are four wire bytes behind a four byte zero start
// frame. The chip pipelines half a clock per pixel, so an all-ones end
// frame keeps the clock running long enough to flush the last pixels.
type APA102 struct {
	bus  Bus
	line int
	n    int
}

const apa102MaxBrightness = 0x1f

func NewAPA102(bus Bus, line, count int) (*APA102, error) {
	total := 4 + 4*count + apa102EndFrame(count)
	if err := bus.RegisterData(line, total); err != nil {
		return nil, err
	}
	s := &APA102{bus: bus, line: line, n: count}
	for i := 0; i < 4; i++ {
		bus.SetByte(line, i, 0x00)
	}
	for pos := 0; pos < count; pos++ {
		s.SetPixel(pos, 0, 0, 0)
	}
	for i := 4 + 4*count; i < total; i++ {
		bus.SetByte(line, i, 0xff)
	}
	return s, nil
}

func apa102EndFrame(count int) int { return 8 + 8*(count/16) }

func (s *APA102) Len() int { return s.n }

func (s *APA102) SetPixel(pos int, r, g, b byte) {
	if pos < 0 || pos >= s.n {
		return
	}
	base := 4 + 4*pos
	s.bus.SetByte(s.line, base+0, 0xe0|apa102MaxBrightness)
	s.bus.SetByte(s.line, base+1, byte(luminance(8, b)))
	s.bus.SetByte(s.line, base+2, byte(luminance(8, g)))
	s.bus.SetByte(s.line, base+3, byte(luminance(8, r)))
}
