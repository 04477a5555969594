// Package pcie implements the generic PCIe slot: capability getters and
// setters, hot reset, fundamental reset and link-up polling.
package pcie

import (
	"math/bits"

	"github.com/pkg/errors"

	"github.com/sarchlab/slotreset/hw"
)

// Device locates the downstream port that owns a slot in configuration
// space.
type Device struct {
	// Chip is the host bridge the port lives under.
	Chip uint32
	BDFN uint16
	// ECap is the offset of the PCI Express capability.
	ECap uint16
}

// ConfigOffset maps a configuration space register to a register offset.
// Each function owns a 4 KiB window.
func (d Device) ConfigOffset(reg uint16) uint64 {
	return uint64(d.BDFN)<<12 | uint64(reg)
}

// configSpace reads and writes a device's configuration registers through a
// register accessor.
type configSpace struct {
	regs hw.RegisterAccessor
	dev  Device
}

func (c configSpace) read(reg uint16, mask uint64) (uint64, error) {
	v, err := c.regs.Read(c.dev.Chip, c.dev.ConfigOffset(reg))
	if err != nil {
		return 0, errors.Wrapf(err, "config read %04x@%#x", c.dev.BDFN, reg)
	}

	return v & mask, nil
}

func (c configSpace) read16(reg uint16) (uint16, error) {
	v, err := c.read(reg, 0xffff)
	return uint16(v), err
}

func (c configSpace) read32(reg uint16) (uint32, error) {
	v, err := c.read(reg, 0xffffffff)
	return uint32(v), err
}

func (c configSpace) modify16(reg uint16, fn func(uint16) uint16) error {
	err := hw.Modify(c.regs, c.dev.Chip, c.dev.ConfigOffset(reg),
		func(v uint64) uint64 { return uint64(fn(uint16(v))) })
	if err != nil {
		return errors.Wrapf(err, "config update %04x@%#x", c.dev.BDFN, reg)
	}

	return nil
}

func (c configSpace) capRead16(reg uint16) (uint16, error) {
	return c.read16(c.dev.ECap + reg)
}

func (c configSpace) capRead32(reg uint16) (uint32, error) {
	return c.read32(c.dev.ECap + reg)
}

func (c configSpace) capModify16(reg uint16, fn func(uint16) uint16) error {
	return c.modify16(c.dev.ECap+reg, fn)
}

func field16(mask, v uint16) uint16 {
	return (v & mask) >> bits.TrailingZeros16(mask)
}

func setField16(mask, v, f uint16) uint16 {
	return (v &^ mask) | ((f << bits.TrailingZeros16(mask)) & mask)
}
