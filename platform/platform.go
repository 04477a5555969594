package platform

import (
	"github.com/go-logr/logr"
	"github.com/pkg/errors"

	"github.com/sarchlab/slotreset/hwsim"
	"github.com/sarchlab/slotreset/i2c"
	"github.com/sarchlab/slotreset/opencapi"
	"github.com/sarchlab/slotreset/pcie"
	"github.com/sarchlab/slotreset/sim"
	"github.com/sarchlab/slotreset/slot"
)

// Platform is a built machine: simulated hardware, the slots on it and the
// driver that runs their operations.
type Platform struct {
	Name   string
	Engine *sim.SerialEngine
	Regs   *hwsim.RegisterFile
	Bus    *hwsim.I2CBus
	Driver *Driver

	// Clock paces waits that happen outside the engine, at bootstrap and in
	// host calls.
	Clock *sim.ManualClock

	NPUs         map[uint32]*opencapi.NPU
	Links        map[string]*hwsim.PCIeLink
	ODLs         map[string]*hwsim.ODL
	Expanders    map[i2c.BusID]map[uint8]*hwsim.GPIOExpander
	Invalidators map[hwsim.RegKey]*hwsim.InvalidateEngine
}

// Run processes events until no slot has work left.
func (p *Platform) Run() error {
	return p.Engine.Run()
}

// Builder creates platforms.
type Builder struct {
	log    logr.Logger
	quirks QuirkLookup
	hooks  []sim.Hook
}

// MakeBuilder creates a builder with a discarding logger.
func MakeBuilder() Builder {
	return Builder{log: logr.Discard()}
}

// WithLogger sets the logger.
func (b Builder) WithLogger(l logr.Logger) Builder {
	b.log = l
	return b
}

// WithQuirks overrides the quirk table of the description.
func (b Builder) WithQuirks(q QuirkLookup) Builder {
	b.quirks = q
	return b
}

// WithHook registers a hook on every slot.
func (b Builder) WithHook(h sim.Hook) Builder {
	b.hooks = append(append([]sim.Hook(nil), b.hooks...), h)
	return b
}

// Build creates the hardware models and slots of a description, probes
// presence and activates shared lanes. The bus completes requests on the
// engine once Build returns.
func (b Builder) Build(cfg *Config) (*Platform, error) {
	err := cfg.Validate()
	if err != nil {
		return nil, err
	}

	clock := sim.NewManualClock(0)
	p := &Platform{
		Name:         cfg.Name,
		Engine:       sim.NewSerialEngine(),
		Regs:         hwsim.NewRegisterFile(),
		Bus:          hwsim.NewI2CBus(cfg.I2CLatency.VTime()).WithClock(clock),
		Clock:        clock,
		NPUs:         make(map[uint32]*opencapi.NPU),
		Links:        make(map[string]*hwsim.PCIeLink),
		ODLs:         make(map[string]*hwsim.ODL),
		Expanders:    make(map[i2c.BusID]map[uint8]*hwsim.GPIOExpander),
		Invalidators: make(map[hwsim.RegKey]*hwsim.InvalidateEngine),
	}
	p.Driver = NewDriver(p.Engine, b.log.WithName("driver"))
	p.Engine.AcceptHook(sim.NewEventLogger(b.log.WithName("engine").V(2)))

	quirks := b.quirks
	if quirks == nil {
		quirks = NewQuirkTable(cfg.Quirks)
	}

	slotBuilder := slot.MakeBuilder().
		WithTimeTeller(p.Engine).
		WithWaker(p.Driver).
		WithLogger(b.log)
	for _, h := range b.hooks {
		slotBuilder = slotBuilder.WithHook(h)
	}

	for _, sc := range cfg.Slots {
		err = b.buildPCIe(p, slotBuilder, sc)
		if err != nil {
			return nil, err
		}
	}

	for _, bc := range cfg.Bricks {
		err = b.buildBrick(p, slotBuilder, quirks, bc)
		if err != nil {
			return nil, err
		}
	}

	p.Bus.Attach(p.Engine)

	for _, sh := range cfg.Shared {
		err = b.activateShared(p, sh)
		if err != nil {
			return nil, err
		}
	}

	return p, nil
}

func slotCap(sc PCIeSlot) uint32 {
	var v uint32

	flags := []struct {
		on  bool
		bit uint32
	}{
		{sc.Pluggable, pcie.SlotCapHPSurprise | pcie.SlotCapHPCapable},
		{sc.PowerControl, pcie.SlotCapPowerCtl},
		{sc.AttentionIndicator, pcie.SlotCapAttnIndicator},
		{sc.PowerIndicator, pcie.SlotCapPowerIndicator},
		{sc.LatchSensor, pcie.SlotCapMRLSensor},
	}

	for _, f := range flags {
		if f.on {
			v |= f.bit
		}
	}

	return v
}

func (b Builder) buildPCIe(p *Platform, sb slot.Builder, sc PCIeSlot) error {
	dev := pcie.Device{Chip: sc.Chip, BDFN: sc.BDFN, ECap: sc.ECap}
	capReg := func(off uint16) uint64 { return dev.ConfigOffset(dev.ECap + off) }

	linkCap := sc.MaxWidth << 4 & pcie.LinkCapMaxWidthMask
	if sc.DLActiveReporting {
		linkCap |= pcie.LinkCapDLActRep
	}

	flags := uint64(portTypes[sc.PortType])<<4 | pcie.ExpCapSlotImplMask
	p.Regs.Set(sc.Chip, capReg(pcie.ExpCapabilityReg), flags)
	p.Regs.Set(sc.Chip, capReg(pcie.SlotCapReg), uint64(slotCap(sc)))
	p.Regs.Set(sc.Chip, capReg(pcie.LinkCapReg), uint64(linkCap))

	p.Links[sc.ID] = hwsim.NewPCIeLink(p.Engine, p.Regs, dev, hwsim.PCIeLinkConfig{
		Present:     sc.Card.Present,
		TrainTime:   sc.Card.TrainTime.VTime(),
		Width:       sc.Card.Width,
		NeverTrains: sc.Card.NeverTrains,
	})

	ops := pcie.NewOps(p.Regs, dev).WithLogger(b.log.WithValues("slot", sc.ID))

	s, err := sb.WithOps(ops).Build(sc.ID)
	if err != nil {
		return err
	}

	p.Driver.Register(s)

	return nil
}

func (p *Platform) npu(chip uint32) *opencapi.NPU {
	n, ok := p.NPUs[chip]
	if !ok {
		n = opencapi.NewNPU(chip, p.Regs, p.Clock)
		p.NPUs[chip] = n
	}

	return n
}

func (p *Platform) expander(bus i2c.BusID, addr uint8) *hwsim.GPIOExpander {
	byAddr, ok := p.Expanders[bus]
	if !ok {
		byAddr = make(map[uint8]*hwsim.GPIOExpander)
		p.Expanders[bus] = byAddr
	}

	e, ok := byAddr[addr]
	if !ok {
		e = hwsim.NewGPIOExpander()
		byAddr[addr] = e
		p.Bus.AddDevice(bus, addr, e)
	}

	return e
}

func (b Builder) buildBrick(
	p *Platform,
	sb slot.Builder,
	quirks QuirkLookup,
	bc BrickConfig,
) error {
	npu := p.npu(bc.Chip).WithLogger(b.log)
	sideband := quirks.Sideband(bc.ID, bc.Chip)

	exp := p.expander(sideband.Bus, sideband.Addr)
	if bc.Adapter.Present {
		exp.SetPins(exp.Pins &^ sideband.PresenceMask)
	}

	brick, err := opencapi.NewBrick(npu, bc.Brick, bc.LaneMask, p.Bus, sideband)
	if err != nil {
		return errors.Wrapf(err, "brick %s", bc.ID)
	}

	brick.WithLogger(b.log.WithValues("slot", bc.ID))

	mode := uint64(opencapi.TrainedModeX8)
	if bc.Adapter.X4 {
		mode = opencapi.TrainedModeX4
	}

	p.ODLs[bc.ID] = hwsim.NewODL(p.Engine, p.Regs, bc.Chip, brick.Regs(),
		hwsim.ODLConfig{
			TrainTime:    bc.Adapter.TrainTime.VTime(),
			Mode:         mode,
			RxLanes:      bc.Adapter.RxLanes,
			TxLanes:      bc.Adapter.TxLanes,
			FailAttempts: bc.Adapter.FailAttempts,
		})

	llcmd := hwsim.RegKey{Chip: bc.Chip, Offset: brick.Regs().LLCMD}
	if _, ok := p.Invalidators[llcmd]; !ok {
		p.Invalidators[llcmd] = hwsim.NewInvalidateEngine(p.Regs, bc.Chip, brick.Regs())
	}

	_, err = brick.ProbePresence(p.Bus, p.Clock)
	if err != nil {
		return errors.Wrapf(err, "brick %s", bc.ID)
	}

	s, err := sb.WithOps(brick).Build(bc.ID)
	if err != nil {
		return err
	}

	p.Driver.Register(s)

	return nil
}

func (b Builder) activateShared(p *Platform, sh SharedLanes) error {
	lanes := &pcie.SharedLanes{
		Regs:      p.Regs,
		Chip:      sh.Chip,
		EnableReg: sh.EnableReg,
		DataReg:   sh.DataReg,
		Mask:      sh.Mask,
	}

	x, err := p.Driver.Slot(sh.Slots[0])
	if err != nil {
		return err
	}

	y, err := p.Driver.Slot(sh.Slots[1])
	if err != nil {
		return err
	}

	// Both slots run their fixup; only the first one activates.
	for _, pair := range [][2]*slot.Slot{{x, y}, {y, x}} {
		_, err = lanes.Activate(pair[0], pair[1])
		if err != nil {
			return err
		}
	}

	return nil
}
