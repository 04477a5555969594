package hwsim

import (
	"github.com/sarchlab/slotreset/pcie"
	"github.com/sarchlab/slotreset/sim"
)

// A Scheduler tells time and accepts events. The engine is one.
type Scheduler interface {
	sim.TimeTeller
	sim.EventScheduler
}

// PCIeLinkConfig describes the device behind a simulated PCIe port.
type PCIeLinkConfig struct {
	Present   bool
	TrainTime sim.VTimeInNs
	Width     uint16
	// NeverTrains keeps the data link layer inactive forever.
	NeverTrains bool
}

// PCIeLink models the link of one downstream port. The data link layer goes
// inactive as soon as the secondary bus is reset, the link is disabled or
// the slot is powered off, and becomes active TrainTime after all of them
// are released while a device is present.
type PCIeLink struct {
	regs  *RegisterFile
	sched Scheduler
	dev   pcie.Device
	cfg   PCIeLinkConfig

	gen      uint64
	training bool
	Trained  int
}

// NewPCIeLink attaches a link model to the port's registers and sets the
// presence bit from cfg.
func NewPCIeLink(
	sched Scheduler,
	regs *RegisterFile,
	dev pcie.Device,
	cfg PCIeLinkConfig,
) *PCIeLink {
	l := &PCIeLink{regs: regs, sched: sched, dev: dev, cfg: cfg}

	l.SetPresent(cfg.Present)

	for _, off := range []uint64{
		dev.ConfigOffset(pcie.BridgeCtlReg),
		dev.ConfigOffset(dev.ECap + pcie.LinkCtlReg),
		dev.ConfigOffset(dev.ECap + pcie.SlotCtlReg),
	} {
		regs.Watch(dev.Chip, off, func(RegKey, uint64, uint64) {
			l.evaluate()
		})
	}

	return l
}

// SetPresent plugs or unplugs the device.
func (l *PCIeLink) SetPresent(present bool) {
	l.cfg.Present = present

	l.regs.Update(l.dev.Chip, l.capReg(pcie.SlotStatusReg), func(v uint64) uint64 {
		if present {
			return v | pcie.SlotStatusPresence
		}

		return v &^ pcie.SlotStatusPresence
	})

	l.evaluate()
}

// Active tells if the data link layer is up.
func (l *PCIeLink) Active() bool {
	return l.regs.Peek(l.dev.Chip, l.capReg(pcie.LinkStatusReg))&
		pcie.LinkStatusDLLLActive != 0
}

func (l *PCIeLink) capReg(off uint16) uint64 {
	return l.dev.ConfigOffset(l.dev.ECap + off)
}

func (l *PCIeLink) held() bool {
	chip := l.dev.Chip
	brctl := l.regs.Peek(chip, l.dev.ConfigOffset(pcie.BridgeCtlReg))
	lnkctl := l.regs.Peek(chip, l.capReg(pcie.LinkCtlReg))
	sltctl := l.regs.Peek(chip, l.capReg(pcie.SlotCtlReg))

	return !l.cfg.Present ||
		brctl&pcie.BridgeCtlSecondaryReset != 0 ||
		lnkctl&pcie.LinkCtlLinkDisable != 0 ||
		sltctl&pcie.SlotCtlPowerCtlOff != 0
}

func (l *PCIeLink) evaluate() {
	if l.held() {
		l.gen++
		l.training = false
		l.regs.Set(l.dev.Chip, l.capReg(pcie.LinkStatusReg), 0)

		return
	}

	if l.Active() || l.training || l.cfg.NeverTrains {
		return
	}

	l.training = true
	gen := l.gen
	l.sched.Schedule(sim.NewCallbackEvent(
		l.sched.CurrentTime()+l.cfg.TrainTime,
		func() {
			if gen != l.gen {
				return
			}

			l.training = false
			l.Trained++
			l.regs.Set(l.dev.Chip, l.capReg(pcie.LinkStatusReg),
				pcie.LinkStatusDLLLActive|uint64(l.cfg.Width)<<4)
		}))
}
