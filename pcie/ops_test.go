package pcie_test

import (
	"errors"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/sarchlab/slotreset/hw"
	"github.com/sarchlab/slotreset/hwsim"
	"github.com/sarchlab/slotreset/pcie"
	"github.com/sarchlab/slotreset/sim"
	"github.com/sarchlab/slotreset/slot"
)

var _ = Describe("Capabilities", func() {
	var (
		regs  *hwsim.RegisterFile
		clock *sim.ManualClock
	)

	BeforeEach(func() {
		regs = hwsim.NewRegisterFile()
		clock = sim.NewManualClock(0)
	})

	It("should read capability flags at creation", func() {
		setupPort(regs,
			pcie.SlotCapHPSurprise|pcie.SlotCapHPCapable|
				pcie.SlotCapPowerCtl|pcie.SlotCapAttnIndicator,
			16<<4|pcie.LinkCapDLActRep)
		ops := pcie.NewOps(regs, dev)

		s := buildSlot(regs, clock, ops)

		Expect(s.Pluggable).To(BeTrue())
		Expect(s.PowerCtl).To(BeTrue())
		Expect(s.AttentionCtl).To(BeTrue())
		Expect(s.LinkCap & pcie.LinkCapDLActRep).NotTo(BeZero())
		Expect(ops.WiredLanes).To(Equal(uint32(16)))
		Expect(s.PowerState).To(Equal(slot.PowerOn))
		Expect(regs.TotalWrites()).To(BeZero())
	})

	It("should not be pluggable without surprise support", func() {
		setupPort(regs, pcie.SlotCapHPCapable, 0)
		s := buildSlot(regs, clock, pcie.NewOps(regs, dev))

		Expect(s.Pluggable).To(BeFalse())
	})

	It("should fail creation when capabilities cannot be read", func() {
		setupPort(regs, 0, 0)
		regs.FailAccess(dev.Chip, capReg(pcie.SlotCapReg), errors.New("ue"))

		_, err := slot.MakeBuilder().
			WithTimeTeller(clock).
			WithOps(pcie.NewOps(regs, dev)).
			Build("C5")

		Expect(err).To(HaveOccurred())
	})

	Context("without power control or attention indicator", func() {
		var s *slot.Slot

		BeforeEach(func() {
			setupPort(regs, 0, 0)
			s = buildSlot(regs, clock, pcie.NewOps(regs, dev))
			regs.ResetLog()
		})

		It("should drop attention requests without touching hardware", func() {
			Expect(s.SetAttention(slot.AttentionOn)).To(Succeed())
			Expect(regs.TotalWrites()).To(BeZero())

			a, err := s.Attention()
			Expect(err).NotTo(HaveOccurred())
			Expect(a).To(Equal(slot.AttentionOff))
		})

		It("should report power on and ignore power requests", func() {
			Expect(s.SetPower(slot.PowerOff)).To(Succeed())
			Expect(regs.TotalWrites()).To(BeZero())

			p, _ := s.Power()
			Expect(p).To(Equal(slot.PowerOn))
		})

		It("should report a closed latch", func() {
			l, _ := s.Latch()
			Expect(l).To(Equal(slot.LatchClosed))
		})
	})

	Context("with every indicator", func() {
		var s *slot.Slot

		BeforeEach(func() {
			setupPort(regs,
				pcie.SlotCapPowerCtl|pcie.SlotCapPowerIndicator|
					pcie.SlotCapAttnIndicator|pcie.SlotCapMRLSensor, 0)
			s = buildSlot(regs, clock, pcie.NewOps(regs, dev))
		})

		It("should drive the attention indicator", func() {
			Expect(s.SetAttention(slot.AttentionBlink)).To(Succeed())

			ctl := regs.Peek(dev.Chip, capReg(pcie.SlotCtlReg))
			Expect(hw.GetField(pcie.SlotCtlAttnIndMask, ctl)).
				To(Equal(uint64(pcie.IndicatorBlink)))

			a, _ := s.Attention()
			Expect(a).To(Equal(slot.AttentionBlink))
		})

		It("should reject unknown attention values", func() {
			err := s.SetAttention(slot.AttentionState(7))
			Expect(errors.Is(err, pcie.ErrInvalidValue)).To(BeTrue())
		})

		It("should switch power and the power indicator together", func() {
			Expect(s.SetPower(slot.PowerOff)).To(Succeed())

			ctl := regs.Peek(dev.Chip, capReg(pcie.SlotCtlReg))
			Expect(ctl & pcie.SlotCtlPowerCtlOff).NotTo(BeZero())
			Expect(hw.GetField(pcie.SlotCtlPowerIndMask, ctl)).
				To(Equal(uint64(pcie.IndicatorOff)))
			Expect(s.PowerState).To(Equal(slot.PowerOff))

			p, _ := s.Power()
			Expect(p).To(Equal(slot.PowerOff))

			Expect(s.SetPower(slot.PowerOn)).To(Succeed())
			ctl = regs.Peek(dev.Chip, capReg(pcie.SlotCtlReg))
			Expect(ctl & pcie.SlotCtlPowerCtlOff).To(BeZero())
			Expect(hw.GetField(pcie.SlotCtlPowerIndMask, ctl)).
				To(Equal(uint64(pcie.IndicatorOn)))
		})

		It("should report an open latch", func() {
			regs.Update(dev.Chip, capReg(pcie.SlotStatusReg),
				func(v uint64) uint64 { return v | pcie.SlotStatusMRLOpen })

			l, _ := s.Latch()
			Expect(l).To(Equal(slot.LatchOpen))
		})
	})

	Context("presence", func() {
		It("should follow the presence detect bit", func() {
			setupPort(regs, 0, 0)
			s := buildSlot(regs, clock, pcie.NewOps(regs, dev))

			Expect(s.Presence()).To(BeTrue())

			regs.Set(dev.Chip, capReg(pcie.SlotStatusReg), 0)
			Expect(s.Presence()).To(BeFalse())
		})

		It("should treat upstream switch ports as present", func() {
			setupPort(regs, 0, 0)
			regs.Set(dev.Chip, capReg(pcie.ExpCapabilityReg),
				uint64(pcie.PortSwitchUpstream)<<4)
			regs.Set(dev.Chip, capReg(pcie.SlotStatusReg), 0)
			s := buildSlot(regs, clock, pcie.NewOps(regs, dev))

			Expect(s.Presence()).To(BeTrue())
		})

		It("should treat downstream ports without a slot as present", func() {
			setupPort(regs, 0, 0)
			regs.Set(dev.Chip, capReg(pcie.ExpCapabilityReg),
				uint64(pcie.PortSwitchDownstr)<<4)
			regs.Set(dev.Chip, capReg(pcie.SlotStatusReg), 0)
			s := buildSlot(regs, clock, pcie.NewOps(regs, dev))

			Expect(s.Presence()).To(BeTrue())
		})
	})

	It("should report link width only while the link is active", func() {
		setupPort(regs, 0, 0)
		s := buildSlot(regs, clock, pcie.NewOps(regs, dev))

		regs.Set(dev.Chip, capReg(pcie.LinkStatusReg), 8<<4)
		Expect(s.LinkWidth()).To(Equal(uint32(0)))

		regs.Set(dev.Chip, capReg(pcie.LinkStatusReg),
			pcie.LinkStatusDLLLActive|8<<4)
		Expect(s.LinkWidth()).To(Equal(uint32(8)))
	})
})
