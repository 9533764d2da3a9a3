package multispi

import (
	"encoding/binary"
	"fmt"
)

// Simulator implements Pins, Memory and Channel in software, for tests
// and for developing off the hardware. Allocations are plain slices
// behind synthetic bus addresses, and setting the channel's active bit
// walks the control block chain immediately, recording every register
// write the real DMA engine would have performed.
type Simulator struct {
	Reserved    []int         // lines reserved as outputs, in order
	ReserveErrs map[int]error // forced per-line reservation failures
	AllocErr    error         // forced allocation failure
	Fail        bool          // flag the next run as a hardware error
	Writes      []BusWrite    // replayed register writes, in order

	blocks  []*simBlock
	nextBus uint32
	cs      uint32
	cb      uint32
}

// BusWrite is one 32-bit write observed during a simulated run.
type BusWrite struct {
	Addr  uint32
	Value uint32
}

func NewSimulator() *Simulator {
	return &Simulator{nextBus: 0x40000000}
}

func (s *Simulator) ReserveOutput(line int) error {
	if err := s.ReserveErrs[line]; err != nil {
		return err
	}
	s.Reserved = append(s.Reserved, line)
	return nil
}

func (s *Simulator) Alloc(size int) (Block, error) {
	if s.AllocErr != nil {
		return nil, s.AllocErr
	}
	b := &simBlock{buf: make([]byte, size), bus: s.nextBus}
	// Keep allocations apart so stray addresses fault loudly.
	s.nextBus += uint32(size+0xfff) &^ 0xfff
	s.blocks = append(s.blocks, b)
	return b, nil
}

func (s *Simulator) ControlStatus() uint32 { return s.cs }

func (s *Simulator) SetControlBlock(addr uint32) { s.cb = addr }

func (s *Simulator) SetControlStatus(v uint32) {
	if v&dmaCsReset != 0 {
		s.cs = 0
		return
	}
	s.cs = v
	if v&dmaCsActive == 0 {
		return
	}
	s.run()
	s.cs &^= dmaCsActive
	s.cs |= dmaCsEnd
	if s.Fail {
		s.cs |= dmaCsError
	}
}

func (s *Simulator) run() {
	for addr := s.cb; addr != 0; {
		cb := s.readCB(addr)
		x := cb.txLen & 0xffff
		y := cb.txLen >> 16 & 0xffff
		// Strides apply after each x-length row, on top of the
		// natural increment.
		sStride := int32(int16(cb.stride & 0xffff))
		dStride := int32(int16(cb.stride >> 16))
		src, dst := cb.srcAd, cb.destAd
		for row := uint32(0); row < y; row++ {
			for off := uint32(0); off+4 <= x; off += 4 {
				s.Writes = append(s.Writes, BusWrite{Addr: dst + off, Value: s.read32(src + off)})
			}
			src += x + uint32(sStride)
			dst += x + uint32(dStride)
		}
		addr = cb.nextCB
	}
}

func (s *Simulator) locate(addr uint32) (*simBlock, int) {
	for _, b := range s.blocks {
		if addr >= b.bus && addr < b.bus+uint32(len(b.buf)) {
			return b, int(addr - b.bus)
		}
	}
	panic(fmt.Sprintf("multispi: simulator: bus address %#x outside any allocation", addr))
}

func (s *Simulator) read32(addr uint32) uint32 {
	b, off := s.locate(addr)
	return binary.LittleEndian.Uint32(b.buf[off:])
}

func (s *Simulator) readCB(addr uint32) controlBlock {
	return controlBlock{
		ti:     s.read32(addr),
		srcAd:  s.read32(addr + 4),
		destAd: s.read32(addr + 8),
		txLen:  s.read32(addr + 12),
		stride: s.read32(addr + 16),
		nextCB: s.read32(addr + 20),
	}
}

// Waveform replays the recorded writes against a virtual GPIO bank,
// honoring the set/clear pulse semantics, and returns per requested
// line the bytes a receiver sampling on rising clock edges would see.
func (s *Simulator) Waveform(clockLine int, lines ...int) map[int][]byte {
	var level uint32
	clock := uint32(1) << clockLine
	bits := make(map[int][]byte)
	for _, w := range s.Writes {
		prev := level
		switch w.Addr {
		case gpioBusBase + gpioSetOffset:
			level |= w.Value
		case gpioBusBase + gpioClrOffset:
			level &^= w.Value
		}
		if prev&clock == 0 && level&clock != 0 {
			for _, l := range lines {
				bit := byte(0)
				if level&(1<<l) != 0 {
					bit = 1
				}
				bits[l] = append(bits[l], bit)
			}
		}
	}
	out := make(map[int][]byte, len(lines))
	for _, l := range lines {
		var bs []byte
		for i := 0; i+8 <= len(bits[l]); i += 8 {
			var v byte
			for j := 0; j < 8; j++ {
				v = v<<1 | bits[l][i+j]
			}
			bs = append(bs, v)
		}
		out[l] = bs
	}
	return out
}

type simBlock struct {
	buf   []byte
	bus   uint32
	freed bool
}

func (b *simBlock) Bytes() []byte { return b.buf }

func (b *simBlock) BusAddr(off int) uint32 { return b.bus + uint32(off) }

func (b *simBlock) Close() error {
	b.freed = true
	return nil
}
