// Package hw defines how the reset engine reaches hardware registers.
package hw

import (
	"math/bits"

	"github.com/pkg/errors"
)

// ErrNoRegister is returned by accessors that do not back the requested
// register.
var ErrNoRegister = errors.New("no such register")

// A RegisterAccessor reads and writes hardware registers identified by a
// chip ID and an offset. Accesses may fail. Failures are not retried by the
// accessor.
type RegisterAccessor interface {
	Read(chip uint32, offset uint64) (uint64, error)
	Write(chip uint32, offset uint64, value uint64) error
}

// PPCBit returns the mask of a single bit using big-endian bit numbering,
// where bit 0 is the most significant bit of a 64-bit register.
func PPCBit(n uint) uint64 {
	return 1 << (63 - n)
}

// PPCBitMask returns the mask covering bits from to through to, inclusive,
// using big-endian bit numbering.
func PPCBitMask(from, to uint) uint64 {
	return (PPCBit(from) - PPCBit(to)) | PPCBit(from)
}

// GetField extracts the field selected by mask from v.
func GetField(mask, v uint64) uint64 {
	return (v & mask) >> bits.TrailingZeros64(mask)
}

// SetField replaces the field selected by mask in v with f.
func SetField(mask, v, f uint64) uint64 {
	return (v &^ mask) | ((f << bits.TrailingZeros64(mask)) & mask)
}

// Modify performs a read-modify-write of a full register. The update
// function receives the current value and returns the value to write back.
func Modify(
	acc RegisterAccessor,
	chip uint32,
	offset uint64,
	update func(v uint64) uint64,
) error {
	v, err := acc.Read(chip, offset)
	if err != nil {
		return errors.Wrapf(err, "read chip %d offset %#x", chip, offset)
	}

	err = acc.Write(chip, offset, update(v))
	if err != nil {
		return errors.Wrapf(err, "write chip %d offset %#x", chip, offset)
	}

	return nil
}

// ModifyField performs a read-modify-write that sets a single field.
func ModifyField(
	acc RegisterAccessor,
	chip uint32,
	offset uint64,
	mask, f uint64,
) error {
	return Modify(acc, chip, offset, func(v uint64) uint64 {
		return SetField(mask, v, f)
	})
}

// SetBits sets the bits in mask with a read-modify-write.
func SetBits(acc RegisterAccessor, chip uint32, offset uint64, mask uint64) error {
	return Modify(acc, chip, offset, func(v uint64) uint64 { return v | mask })
}

// ClearBits clears the bits in mask with a read-modify-write.
func ClearBits(acc RegisterAccessor, chip uint32, offset uint64, mask uint64) error {
	return Modify(acc, chip, offset, func(v uint64) uint64 { return v &^ mask })
}

// ReadField reads a register and extracts one field.
func ReadField(
	acc RegisterAccessor,
	chip uint32,
	offset uint64,
	mask uint64,
) (uint64, error) {
	v, err := acc.Read(chip, offset)
	if err != nil {
		return 0, errors.Wrapf(err, "read chip %d offset %#x", chip, offset)
	}

	return GetField(mask, v), nil
}
