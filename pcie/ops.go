package pcie

import (
	"github.com/go-logr/logr"
	"github.com/pkg/errors"

	"github.com/sarchlab/slotreset/hw"
	"github.com/sarchlab/slotreset/slot"
)

// ErrInvalidValue is returned by setters given a value they cannot encode.
var ErrInvalidValue = errors.New("invalid value")

// Ops is the generic PCIe slot variant. One Ops serves one slot.
type Ops struct {
	cfg      configSpace
	preparer slot.LinkChangePreparer
	log      logr.Logger

	// Width the slot is wired for, from the link capability.
	WiredLanes uint32

	powerIndicator bool
	mrlSensor      bool
}

// NewOps creates the PCIe variant for the port described by dev.
func NewOps(regs hw.RegisterAccessor, dev Device) *Ops {
	return &Ops{
		cfg: configSpace{regs: regs, dev: dev},
		log: logr.Discard(),
	}
}

// WithLinkChangePreparer lets the owning bridge react to the link going down
// and coming back up.
func (o *Ops) WithLinkChangePreparer(p slot.LinkChangePreparer) *Ops {
	o.preparer = p
	return o
}

// WithLogger sets the logger used outside of slot context.
func (o *Ops) WithLogger(l logr.Logger) *Ops {
	o.log = l
	return o
}

// Device returns the port the slot is attached to.
func (o *Ops) Device() Device {
	return o.cfg.dev
}

// States returns the PCIe state enumeration.
func (o *Ops) States() *slot.StateSet {
	return States
}

// InitSlot reads the link and slot capabilities.
func (o *Ops) InitSlot(s *slot.Slot) error {
	lcap, err := o.cfg.capRead32(LinkCapReg)
	if err != nil {
		return err
	}

	scap, err := o.cfg.capRead32(SlotCapReg)
	if err != nil {
		return err
	}

	s.LinkCap = lcap
	s.SlotCap = scap
	s.Pluggable = scap&SlotCapHPSurprise != 0 && scap&SlotCapHPCapable != 0
	s.PowerCtl = scap&SlotCapPowerCtl != 0
	s.AttentionCtl = scap&SlotCapAttnIndicator != 0

	o.powerIndicator = scap&SlotCapPowerIndicator != 0
	o.mrlSensor = scap&SlotCapMRLSensor != 0
	o.WiredLanes = (lcap & LinkCapMaxWidthMask) >> 4

	power, err := o.GetPower(s)
	if err != nil {
		return err
	}

	s.PowerState = power

	return nil
}

// PrepareLinkChange forwards to the bridge, if one was attached.
func (o *Ops) PrepareLinkChange(s *slot.Slot, up bool) {
	s.Logger().V(1).Info("prepare link change", "up", up)

	if o.preparer != nil {
		o.preparer.PrepareLinkChange(s, up)
	}
}

// GetPresence reports whether a card is in the slot. Upstream switch ports
// and downstream ports without a slot always have something behind them.
func (o *Ops) GetPresence(s *slot.Slot) (bool, error) {
	flags, err := o.cfg.capRead16(ExpCapabilityReg)
	if err != nil {
		return false, err
	}

	portType := PortType(field16(ExpCapTypeMask, flags))
	if portType == PortSwitchUpstream {
		return true, nil
	}

	isDownstream := portType == PortRoot || portType == PortSwitchDownstr
	if isDownstream && flags&ExpCapSlotImplMask == 0 {
		return true, nil
	}

	status, err := o.cfg.capRead16(SlotStatusReg)
	if err != nil {
		return false, err
	}

	return status&SlotStatusPresence != 0, nil
}

// GetLinkWidth reports the negotiated width, 0 while the data link layer is
// inactive.
func (o *Ops) GetLinkWidth(s *slot.Slot) (uint32, error) {
	status, err := o.cfg.capRead16(LinkStatusReg)
	if err != nil {
		return 0, err
	}

	if status&LinkStatusDLLLActive == 0 {
		return 0, nil
	}

	return uint32(field16(LinkStatusWidthMask, status)), nil
}

// GetPower reports the slot power. Slots without a power controller are
// always on.
func (o *Ops) GetPower(s *slot.Slot) (slot.PowerState, error) {
	if !s.PowerCtl {
		return slot.PowerOn, nil
	}

	ctl, err := o.cfg.capRead16(SlotCtlReg)
	if err != nil {
		return slot.PowerOff, err
	}

	if ctl&SlotCtlPowerCtlOff != 0 {
		return slot.PowerOff, nil
	}

	return slot.PowerOn, nil
}

// SetPower switches the power controller and the power indicator. Slots
// without a power controller ignore the request.
func (o *Ops) SetPower(s *slot.Slot, p slot.PowerState) error {
	if !s.PowerCtl {
		return nil
	}

	var indicator uint16

	switch p {
	case slot.PowerOff:
		indicator = IndicatorOff
	case slot.PowerOn:
		indicator = IndicatorOn
	default:
		return errors.Wrapf(ErrInvalidValue, "power state %d", p)
	}

	err := o.cfg.capModify16(SlotCtlReg, func(v uint16) uint16 {
		if p == slot.PowerOff {
			v |= SlotCtlPowerCtlOff
		} else {
			v &^= SlotCtlPowerCtlOff
		}

		if o.powerIndicator {
			v = setField16(SlotCtlPowerIndMask, v, indicator)
		}

		return v
	})
	if err != nil {
		return err
	}

	s.PowerState = p

	return nil
}

// GetAttention reports the attention indicator, off when there is none.
func (o *Ops) GetAttention(s *slot.Slot) (slot.AttentionState, error) {
	if !s.AttentionCtl {
		return slot.AttentionOff, nil
	}

	ctl, err := o.cfg.capRead16(SlotCtlReg)
	if err != nil {
		return slot.AttentionOff, err
	}

	switch field16(SlotCtlAttnIndMask, ctl) {
	case IndicatorOn:
		return slot.AttentionOn, nil
	case IndicatorBlink:
		return slot.AttentionBlink, nil
	default:
		return slot.AttentionOff, nil
	}
}

// SetAttention drives the attention indicator. Slots without one drop the
// request silently.
func (o *Ops) SetAttention(s *slot.Slot, a slot.AttentionState) error {
	if !s.AttentionCtl {
		return nil
	}

	var code uint16

	switch a {
	case slot.AttentionOff:
		code = IndicatorOff
	case slot.AttentionOn:
		code = IndicatorOn
	case slot.AttentionBlink:
		code = IndicatorBlink
	default:
		s.Logger().Error(ErrInvalidValue, "attention state", "value", int(a))
		return errors.Wrapf(ErrInvalidValue, "attention state %d", a)
	}

	return o.cfg.capModify16(SlotCtlReg, func(v uint16) uint16 {
		return setField16(SlotCtlAttnIndMask, v, code)
	})
}

// GetLatch reports the retention latch, closed when there is no sensor.
func (o *Ops) GetLatch(s *slot.Slot) (slot.LatchState, error) {
	if !o.mrlSensor {
		return slot.LatchClosed, nil
	}

	status, err := o.cfg.capRead16(SlotStatusReg)
	if err != nil {
		return slot.LatchClosed, err
	}

	if status&SlotStatusMRLOpen != 0 {
		return slot.LatchOpen, nil
	}

	return slot.LatchClosed, nil
}
