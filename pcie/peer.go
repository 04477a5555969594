package pcie

import (
	"github.com/pkg/errors"

	"github.com/sarchlab/slotreset/hw"
	"github.com/sarchlab/slotreset/slot"
)

// SharedLanes is a hardware resource two slots split between them, such as
// a wide connector wired as two logical slots. It is switched on with a GPIO
// enable and data bit.
type SharedLanes struct {
	Regs      hw.RegisterAccessor
	Chip      uint32
	EnableReg uint64
	DataReg   uint64
	Mask      uint64
}

// Activate turns the shared lanes on when both slots have a device, and
// links the slots as peers. Whichever slot gets here first does the work.
// The data register is checked first, so activating again, from either
// slot, writes nothing and returns false.
func (l *SharedLanes) Activate(a, b *slot.Slot) (bool, error) {
	for _, s := range []*slot.Slot{a, b} {
		present, err := s.Presence()
		if err != nil {
			return false, errors.Wrapf(err, "slot %s presence", s.ID)
		}

		if !present {
			return false, nil
		}
	}

	data, err := l.Regs.Read(l.Chip, l.DataReg)
	if err != nil {
		return false, errors.Wrap(err, "read shared lane gpio")
	}

	a.Peer = b
	b.Peer = a

	if data&l.Mask == l.Mask {
		a.Logger().V(1).Info("shared lanes already active", "peer", b.ID)
		return false, nil
	}

	err = hw.SetBits(l.Regs, l.Chip, l.EnableReg, l.Mask)
	if err != nil {
		return false, err
	}

	err = hw.SetBits(l.Regs, l.Chip, l.DataReg, l.Mask)
	if err != nil {
		return false, err
	}

	a.Logger().Info("shared lanes activated", "peer", b.ID)

	return true, nil
}
