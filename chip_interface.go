// chip_interface.go - The narrow surface the core needs from a sound chip.

package main

// Chip ports the driver dispatches to.
const (
	CHIP_PORT_YM2612_0 = 0
	CHIP_PORT_YM2612_1 = 1
	CHIP_PORT_PSG      = 2
)

// ChipWriter is implemented by hardware and software chip collaborators.
// Register semantics are opaque to the core; it only routes traffic.
type ChipWriter interface {
	// WriteRegister writes a value to a register on the given chip port.
	WriteRegister(port uint8, reg uint8, value uint8)
	// WritePCMSample feeds one 8-bit sample to the chip's direct digital
	// audio channel.
	WritePCMSample(value uint8)
}

// nullChip swallows all writes. Used while no chip collaborator is attached.
type nullChip struct{}

func (nullChip) WriteRegister(port uint8, reg uint8, value uint8) {}
func (nullChip) WritePCMSample(value uint8)                       {}
