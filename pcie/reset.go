package pcie

import (
	"github.com/sarchlab/slotreset/sim"
	"github.com/sarchlab/slotreset/slot"
)

// PCIe slot states.
const (
	StateLinkStartPoll slot.State = 0x10 + iota
	StateLinkDelayFinalized
	StateLinkPolling
)

// Hot reset states.
const (
	StateHResetStart slot.State = 0x20 + iota
	StateHResetHold
)

// Fundamental reset states.
const (
	StateFResetPowerOff slot.State = 0x30 + iota
)

// States is the enumeration of the PCIe slot variant.
var States = slot.NewStateSet("pcie", map[slot.State]string{
	StateLinkStartPoll:      "LINK_START_POLL",
	StateLinkDelayFinalized: "LINK_DELAY_FINALIZED",
	StateLinkPolling:        "LINK_POLLING",
	StateHResetStart:        "HRESET_START",
	StateHResetHold:         "HRESET_HOLD",
	StateFResetPowerOff:     "FRESET_POWER_OFF",
})

// Timing of the PCIe sequences.
const (
	HResetHoldTime      = 250 * sim.Millisecond
	HResetSettleTime    = 1800 * sim.Millisecond
	PowerSwitchTime     = 50 * sim.Millisecond
	LinkFinalizeDelay   = 1 * sim.Second
	LinkPollInterval    = 20 * sim.Millisecond
	LinkPollMaxAttempts = 250
)

func isLinkState(st slot.State) bool {
	return st == StateLinkStartPoll ||
		st == StateLinkDelayFinalized ||
		st == StateLinkPolling
}

// fail ends the operation with a hardware failure after an error.
func fail(s *slot.Slot, err error, msg string) slot.Result {
	s.Logger().Error(err, msg, "state", s.StateName())
	s.SetState(slot.StateNormal)

	return slot.Failed()
}

func unexpectedState(s *slot.Slot, op string) slot.Result {
	s.Logger().Error(nil, "unexpected state", "operation", op,
		"state", s.StateName())
	s.SetState(slot.StateNormal)

	return slot.Failed()
}

// PollLink waits for the link to come up. A slot without a device is done
// right away. Without data-link-layer-active reporting the link is assumed
// up after a fixed settle time. Otherwise the active bit is polled.
func (o *Ops) PollLink(s *slot.Slot) slot.Result {
	switch s.State() {
	case slot.StateNormal, StateLinkStartPoll:
		return o.startLinkPoll(s)
	case StateLinkDelayFinalized:
		s.PrepareLinkChange(true)
		s.SetState(slot.StateNormal)

		return slot.Succeeded()
	case StateLinkPolling:
		return o.checkLinkActive(s)
	}

	return unexpectedState(s, "poll_link")
}

func (o *Ops) startLinkPoll(s *slot.Slot) slot.Result {
	present, err := s.Presence()
	if err != nil {
		return fail(s, err, "cannot read presence")
	}

	if !present {
		s.Logger().Info("no device, link stays down")
		s.SetState(slot.StateNormal)

		return slot.Succeeded()
	}

	err = o.cfg.capModify16(LinkCtlReg, func(v uint16) uint16 {
		return v &^ LinkCtlLinkDisable
	})
	if err != nil {
		return fail(s, err, "cannot enable link")
	}

	if s.LinkCap&LinkCapDLActRep == 0 {
		s.SetState(StateLinkDelayFinalized)
		return s.ResumeAfter(LinkFinalizeDelay)
	}

	s.Retries = LinkPollMaxAttempts
	s.SetState(StateLinkPolling)

	return s.ResumeAfter(LinkPollInterval)
}

func (o *Ops) checkLinkActive(s *slot.Slot) slot.Result {
	status, err := o.cfg.capRead16(LinkStatusReg)
	if err != nil {
		return fail(s, err, "cannot read link status")
	}

	if status&LinkStatusDLLLActive != 0 {
		s.Logger().Info("link up",
			"width", field16(LinkStatusWidthMask, status),
			"elapsed", s.Elapsed().String())
		s.PrepareLinkChange(true)
		s.SetState(slot.StateNormal)

		return slot.Succeeded()
	}

	s.Retries--
	if s.Retries <= 0 {
		s.Logger().Error(nil, "timeout waiting for link up",
			"status", status, "attempts", LinkPollMaxAttempts)
		s.Report("link-timeout", uint64(status),
			"data link layer never became active")
		s.SetState(slot.StateNormal)

		return slot.Failed()
	}

	return s.ResumeAfter(LinkPollInterval)
}

// HotReset toggles the secondary bus reset and then polls for the link.
func (o *Ops) HotReset(s *slot.Slot) slot.Result {
	switch st := s.State(); {
	case st == slot.StateNormal:
		s.PrepareLinkChange(false)
		s.SetState(StateHResetStart)

		return o.assertSecondaryReset(s)
	case st == StateHResetStart:
		return o.assertSecondaryReset(s)
	case st == StateHResetHold:
		err := o.cfg.modify16(BridgeCtlReg, func(v uint16) uint16 {
			return v &^ BridgeCtlSecondaryReset
		})
		if err != nil {
			return fail(s, err, "cannot deassert secondary reset")
		}

		s.SetState(StateLinkStartPoll)

		return s.ResumeAfter(HResetSettleTime)
	case isLinkState(st):
		return o.PollLink(s)
	}

	return unexpectedState(s, "hreset")
}

func (o *Ops) assertSecondaryReset(s *slot.Slot) slot.Result {
	err := o.cfg.modify16(BridgeCtlReg, func(v uint16) uint16 {
		return v | BridgeCtlSecondaryReset
	})
	if err != nil {
		return fail(s, err, "cannot assert secondary reset")
	}

	s.SetState(StateHResetHold)

	return s.ResumeAfter(HResetHoldTime)
}

// FundamentalReset power cycles the slot when it has a power controller and
// then chains into a hot reset.
func (o *Ops) FundamentalReset(s *slot.Slot) slot.Result {
	switch st := s.State(); {
	case st == slot.StateNormal:
		return o.startFundamentalReset(s)
	case st == StateFResetPowerOff:
		return o.powerOn(s)
	case st == StateHResetStart, st == StateHResetHold, isLinkState(st):
		return o.HotReset(s)
	}

	return unexpectedState(s, "freset")
}

func (o *Ops) startFundamentalReset(s *slot.Slot) slot.Result {
	s.PrepareLinkChange(false)

	if !s.PowerCtl {
		s.SetState(StateHResetStart)
		return o.assertSecondaryReset(s)
	}

	power, err := s.Power()
	if err != nil {
		return fail(s, err, "cannot read power state")
	}

	if power == slot.PowerOff {
		return o.powerOn(s)
	}

	err = s.SetPower(slot.PowerOff)
	if err != nil {
		return fail(s, err, "cannot power off")
	}

	s.SetState(StateFResetPowerOff)

	return s.ResumeAfter(PowerSwitchTime)
}

func (o *Ops) powerOn(s *slot.Slot) slot.Result {
	err := s.SetPower(slot.PowerOn)
	if err != nil {
		return fail(s, err, "cannot power on")
	}

	s.SetState(StateHResetStart)

	return s.ResumeAfter(PowerSwitchTime)
}
