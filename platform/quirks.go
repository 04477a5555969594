package platform

import (
	"github.com/sarchlab/slotreset/i2c"
	"github.com/sarchlab/slotreset/opencapi"
)

// A QuirkLookup resolves the platform specific wiring of a slot. It is
// consulted once, when the slot is built.
type QuirkLookup interface {
	Sideband(slotID string, chip uint32) opencapi.SidebandConfig
}

// QuirkTable is a QuirkLookup backed by the quirks of a description. Slots
// without an entry use the default wiring on engine 1, port 4 of their
// chip.
type QuirkTable struct {
	sideband map[string]opencapi.SidebandConfig
}

// NewQuirkTable indexes quirks by slot ID.
func NewQuirkTable(quirks []Quirk) *QuirkTable {
	t := &QuirkTable{sideband: make(map[string]opencapi.SidebandConfig)}

	for _, q := range quirks {
		if q.Sideband != nil {
			t.sideband[q.Slot] = q.Sideband.config()
		}
	}

	return t
}

// DefaultSidebandBus is the I2C port adapter resets are wired to.
func DefaultSidebandBus(chip uint32) i2c.BusID {
	return i2c.BusID{Chip: chip, Engine: 1, Port: 4}
}

// Sideband returns the adapter reset wiring of a brick.
func (t *QuirkTable) Sideband(slotID string, chip uint32) opencapi.SidebandConfig {
	if c, ok := t.sideband[slotID]; ok {
		return c
	}

	return opencapi.DefaultSideband(DefaultSidebandBus(chip))
}
