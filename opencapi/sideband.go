package opencapi

import (
	"github.com/pkg/errors"

	"github.com/sarchlab/slotreset/i2c"
	"github.com/sarchlab/slotreset/sim"
)

// ErrSidebandPending is reported when the adapter reset writes have not
// completed by the time the sequence needs them.
var ErrSidebandPending = errors.New("sideband request still pending")

// Expander registers of the adapter reset and presence GPIOs.
const (
	ExpanderInput  = 0x0
	ExpanderOutput = 0x1
	ExpanderConfig = 0x3
)

// SidebandConfig describes how a brick's adapter reset line and presence
// pin are wired to an I2C GPIO expander.
type SidebandConfig struct {
	Bus  i2c.BusID
	Addr uint8

	// Registers written by the assert, assert and deassert steps.
	Offsets [3]uint8
	// Values written when the brick uses the first or second link layer.
	ODL0Data [3]uint8
	ODL1Data [3]uint8

	// Active-low presence bit in the expander input register.
	PresenceMask uint8

	Timeout    sim.VTimeInNs
	ODLPhySwap bool
}

// DefaultSideband is the wiring of boards that drive the reset line of both
// bricks from one expander at address 0x20.
func DefaultSideband(bus i2c.BusID) SidebandConfig {
	return SidebandConfig{
		Bus:          bus,
		Addr:         0x20,
		Offsets:      [3]uint8{ExpanderConfig, ExpanderOutput, ExpanderOutput},
		ODL0Data:     [3]uint8{0xfd, 0xfd, 0xff},
		ODL1Data:     [3]uint8{0xbf, 0xbf, 0xff},
		PresenceMask: 0x01,
		Timeout:      120 * sim.Millisecond,
	}
}

func (b *Brick) sidebandData() [3]uint8 {
	if b.odl == 0 {
		return b.sideband.ODL0Data
	}

	return b.sideband.ODL1Data
}

func (b *Brick) sidebandWrite(step int) *i2c.Request {
	return i2c.NewWrite(
		b.sideband.Bus,
		b.sideband.Addr,
		b.sideband.Offsets[step],
		b.sidebandData()[step],
		b.sideband.Timeout,
	)
}

// startSideband issues a sequence of writes and tracks its completion. A
// completion from an earlier attempt is ignored.
func (b *Brick) startSideband(reqs ...*i2c.Request) {
	b.sb.gen++
	gen := b.sb.gen
	b.sb.pending = true
	b.sb.err = nil

	i2c.NewSequence(b.bus, func(err error) {
		if gen != b.sb.gen {
			return
		}

		b.sb.pending = false
		b.sb.err = err
	}, reqs...).Start()
}

func (b *Brick) assertAdapterReset() {
	b.startSideband(b.sidebandWrite(0), b.sidebandWrite(1))
}

func (b *Brick) deassertAdapterReset() {
	b.startSideband(b.sidebandWrite(2))
}

// sidebandResult returns the outcome of the last sideband sequence.
func (b *Brick) sidebandResult() error {
	if b.sb.pending {
		return ErrSidebandPending
	}

	if b.sb.err != nil {
		b.log.Error(b.sb.err, "sideband reset write failed")
		return b.sb.err
	}

	return nil
}

// ProbePresence reads the presence pin of the adapter and caches it. It
// waits in place and must only run before the engine does.
func (b *Brick) ProbePresence(poller i2c.Poller, clock sim.Clock) (bool, error) {
	cfg := i2c.NewWrite(b.sideband.Bus, b.sideband.Addr, ExpanderConfig,
		0xff, b.sideband.Timeout)

	err := i2c.SendSync(b.bus, poller, clock, cfg)
	if err != nil {
		return false, errors.Wrapf(err, "brick %d presence pin config", b.Index)
	}

	in := i2c.NewRead(b.sideband.Bus, b.sideband.Addr, ExpanderInput,
		b.sideband.Timeout)

	err = i2c.SendSync(b.bus, poller, clock, in)
	if err != nil {
		return false, errors.Wrapf(err, "brick %d presence read", b.Index)
	}

	b.present = in.Data[0]&b.sideband.PresenceMask == 0
	b.log.Info("presence probed", "present", b.present)

	return b.present, nil
}
