//go:build linux

package bcmdma

import (
	"fmt"

	"periph.io/x/conn/v3/gpio"
	"periph.io/x/conn/v3/gpio/gpioreg"
	"periph.io/x/host/v3"

	"spixels.dev/multispi"
)

// Pins reserves GPIO lines as outputs through periph.io.
type Pins struct{}

var _ multispi.Pins = (*Pins)(nil)

func OpenPins() (*Pins, error) {
	if _, err := host.Init(); err != nil {
		return nil, fmt.Errorf("bcmdma: initializing periph host: %w", err)
	}
	return &Pins{}, nil
}

// ReserveOutput switches the line to output mode, driven low. The DMA
// replay only ever touches the set/clear registers, so the function
// select must be committed here, once, up front.
func (*Pins) ReserveOutput(line int) error {
	pin := gpioreg.ByName(fmt.Sprintf("GPIO%d", line))
	if pin == nil {
		return fmt.Errorf("bcmdma: no GPIO%d on this host", line)
	}
	if err := pin.Out(gpio.Low); err != nil {
		return fmt.Errorf("bcmdma: GPIO%d as output: %w", line, err)
	}
	return nil
}
