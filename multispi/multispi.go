// package multispi emits a shared-clock serial protocol on many GPIO
// data lines at once by replaying a precomputed sequence of GPIO
// register writes through the BCM2835 DMA engine. Payload bytes are
// composed bit by bit in an ordinary in-process shadow buffer; the
// first Send compiles the sequence into a chain of DMA control blocks
// in uncached memory, and every Send copies the shadow buffer over and
// lets the hardware clock it out without any CPU involvement.
//
// An Engine is single-owner and not safe for concurrent use:
// configuration, composition and Send must happen in strict sequence
// from one goroutine, and exactly one Engine may drive a given DMA
// channel.
package multispi

import (
	"errors"
	"fmt"
	"time"
)

// Pins reserves GPIO lines as outputs. Implemented by driver/bcmdma on
// the Raspberry Pi and by Simulator in tests.
type Pins interface {
	ReserveOutput(line int) error
}

// Memory allocates DMA-coherent blocks that the DMA engine can read.
type Memory interface {
	Alloc(size int) (Block, error)
}

// Block is one DMA-coherent allocation.
type Block interface {
	// Bytes is the process view of the block.
	Bytes() []byte
	// BusAddr translates an offset within the block to the device view.
	BusAddr(off int) uint32
	Close() error
}

// Channel is the register file of the DMA channel that replays the
// chain.
type Channel interface {
	ControlStatus() uint32
	SetControlStatus(uint32)
	SetControlBlock(addr uint32)
}

// Config wires an Engine to its hardware. ClockLine and the channel
// behind Channel are deployment constants; nothing here is negotiated
// at runtime.
type Config struct {
	// ClockLine is the GPIO line toggled as the shared serial clock.
	ClockLine int
	Pins      Pins
	Memory    Memory
	Channel   Channel
}

var (
	// ErrConfigClosed is reported when a data channel is registered
	// after the first Send has compiled the transmission.
	ErrConfigClosed = errors.New("multispi: configuration closed after first send")
	// ErrTransfer is reported when the DMA engine flags an error
	// during the run; the transfer was aborted.
	ErrTransfer = errors.New("multispi: DMA transfer aborted by hardware")
)

// Engine drives one DMA channel worth of output lines.
type Engine struct {
	pins  Pins
	mem   Memory
	ch    Channel
	clock int
	lines map[int]bool

	shadow   shadowBuffer
	compiled bool
	block    Block
	imgOff   int
}

// New reserves the clock line and returns an idle engine. Data
// channels are added with RegisterData before the first Send.
func New(cfg Config) (*Engine, error) {
	if cfg.ClockLine < 0 || cfg.ClockLine > 31 {
		return nil, fmt.Errorf("multispi: clock line %d outside GPSET0/GPCLR0 range", cfg.ClockLine)
	}
	if err := cfg.Pins.ReserveOutput(cfg.ClockLine); err != nil {
		return nil, fmt.Errorf("multispi: reserving clock line %d: %w", cfg.ClockLine, err)
	}
	e := &Engine{
		pins:  cfg.Pins,
		mem:   cfg.Memory,
		ch:    cfg.Channel,
		clock: cfg.ClockLine,
		lines: make(map[int]bool),
	}
	e.shadow.clock = cfg.ClockLine
	return e, nil
}

// RegisterData adds a data line carrying nbytes payload bytes and
// grows the shadow buffer to the largest registered size. It may be
// called repeatedly, also for a line that is already registered, but
// not once the first Send has happened.
func (e *Engine) RegisterData(line, nbytes int) error {
	if e.compiled {
		return ErrConfigClosed
	}
	if line < 0 || line > 31 {
		return fmt.Errorf("multispi: line %d outside GPSET0/GPCLR0 range", line)
	}
	if line == e.clock {
		return fmt.Errorf("multispi: line %d is the clock line", line)
	}
	e.shadow.grow(nbytes)
	if err := e.pins.ReserveOutput(line); err != nil {
		return fmt.Errorf("multispi: reserving data line %d: %w", line, err)
	}
	e.lines[line] = true
	return nil
}

// SetByte stages payload byte pos of the given line in the shadow
// buffer, most significant bit first. It is cheap and may be called
// freely between sends. The line must be registered and pos must be
// within the registered payload length; violations are programming
// errors and panic.
func (e *Engine) SetByte(line, pos int, v byte) {
	if !e.lines[line] {
		panic(fmt.Sprintf("multispi: line %d is not a registered data channel", line))
	}
	e.shadow.setByte(line, pos, v)
}

// Send replays the staged transmission and blocks until the DMA engine
// is done with it. The first call compiles the control block chain and
// closes configuration. The channel is aborted and reset on the way
// out whether the run succeeded or not; ErrTransfer reports a run the
// hardware flagged as failed.
func (e *Engine) Send() error {
	if !e.compiled {
		if err := e.compile(); err != nil {
			return err
		}
	}
	copy(e.block.Bytes()[e.imgOff:], e.shadow.bytes())

	ch := e.ch
	ch.SetControlStatus(ch.ControlStatus() | dmaCsEnd)
	ch.SetControlBlock(e.block.BusAddr(0))
	ch.SetControlStatus(dmaCsPriority(7) | dmaCsPanicPriority(7) | dmaCsDisdebug)
	ch.SetControlStatus(ch.ControlStatus() | dmaCsActive)

	var status uint32
	for {
		status = ch.ControlStatus()
		if status&dmaCsActive == 0 || status&dmaCsError != 0 {
			break
		}
		time.Sleep(10 * time.Microsecond)
	}

	ch.SetControlStatus(ch.ControlStatus() | dmaCsAbort)
	time.Sleep(100 * time.Microsecond)
	ch.SetControlStatus(ch.ControlStatus() &^ dmaCsActive)
	ch.SetControlStatus(ch.ControlStatus() | dmaCsReset)

	if status&dmaCsError != 0 {
		return ErrTransfer
	}
	return nil
}

// Close releases the DMA-coherent region. The engine must not be used
// afterwards.
func (e *Engine) Close() error {
	if e.block == nil {
		return nil
	}
	err := e.block.Close()
	e.block = nil
	return err
}
