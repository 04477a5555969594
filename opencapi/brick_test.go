package opencapi_test

import (
	"errors"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	"go.uber.org/mock/gomock"

	"github.com/sarchlab/slotreset/hw"
	"github.com/sarchlab/slotreset/hwsim"
	"github.com/sarchlab/slotreset/i2c"
	"github.com/sarchlab/slotreset/opencapi"
	"github.com/sarchlab/slotreset/sim"
	"github.com/sarchlab/slotreset/slot"
)

const ms = sim.Millisecond

var _ = Describe("Brick", func() {
	var p *platform

	Context("with a link that trains in 50 ms", func() {
		BeforeEach(func() {
			p = newPlatform(2, hwsim.ODLConfig{TrainTime: 50 * ms})
		})

		It("should walk the whole reset and training sequence", func() {
			r := p.run(slot.OpFundamentalReset)

			Expect(r.Status).To(Equal(slot.Success))
			Expect(p.rec.transitions).To(Equal([]transition{
				{"FRESET_START", 0},
				{"FRESET_INIT", 0},
				{"FRESET_ASSERT_DELAY", 0},
				{"FRESET_DEASSERT_DELAY", 5 * ms},
				{"FRESET_DEASSERT_DELAY2", 6 * ms},
				{"FRESET_INIT_DELAY", 256 * ms},
				{"LINK_START", 261 * ms},
				{"LINK_WAIT", 261 * ms},
				{"LINK_TRAINED", 311 * ms},
				{"NORMAL", 312 * ms},
			}))
			Expect(p.slot.LinkRetries).To(Equal(opencapi.LinkTrainingRetries))
			Expect(p.rec.diagnostics).To(BeEmpty())
		})

		It("should enable transmit exactly once and allow scanning", func() {
			regs := p.brick.Regs()

			p.run(slot.OpFundamentalReset)

			Expect(p.regs.WriteCount(0, regs.OTLConfig2)).To(Equal(1))
			Expect(p.regs.Peek(0, regs.OTLConfig2) &
				opencapi.OTLConfig2TxSendEn).NotTo(BeZero())
			Expect(p.brick.Scannable).To(BeTrue())
		})

		It("should pulse the adapter reset line over the sideband", func() {
			var levels []uint8
			p.expander.WatchOutputs(func(_, v uint8) {
				levels = append(levels, v)
			})

			p.run(slot.OpFundamentalReset)

			Expect(levels).To(Equal([]uint8{0xfd, 0xff}))
			Expect(p.bus.Completed()).To(HaveLen(3))
		})

		It("should bump every lane of the mask once", func() {
			p.run(slot.OpFundamentalReset)

			for lane := uint(0); lane < 8; lane++ {
				reg := opencapi.RxLaneReg(2, lane)
				Expect(p.regs.WriteCount(0, reg)).To(Equal(2))
				Expect(p.regs.Peek(0, reg)).To(BeZero())
			}

			Expect(p.regs.WriteCount(0, opencapi.RxLaneReg(2, 8))).To(BeZero())
		})

		It("should not advance when continued early", func() {
			_, err := p.slot.Start(slot.OpFundamentalReset)
			Expect(err).NotTo(HaveOccurred())

			writes := p.regs.TotalWrites()

			for i := 0; i < 4; i++ {
				Expect(p.engine.RunUntil(p.engine.CurrentTime() + ms)).To(Succeed())
				r := p.slot.Continue()
				Expect(r.Status).To(Equal(slot.InProgress))
				Expect(p.slot.State()).To(Equal(opencapi.StateFResetAssertDelay))
			}

			Expect(p.regs.TotalWrites()).To(Equal(writes))
		})

		It("should fence on a retrain and unfence before training", func() {
			regs := p.brick.Regs()
			p.run(slot.OpFundamentalReset)
			Expect(p.regs.WriteCount(0, regs.FenceControl)).To(BeZero())
			Expect(p.slot.TrainNeedFence).To(BeTrue())

			_, err := p.slot.Start(slot.OpFundamentalReset)
			Expect(err).NotTo(HaveOccurred())
			Expect(p.slot.TrainFenced).To(BeTrue())
			Expect(hw.GetField(opencapi.CtlFenceRequest,
				p.regs.Peek(0, regs.FenceControl))).
				To(BeEquivalentTo(opencapi.FenceRequestFenced))
			Expect(p.regs.Peek(0, opencapi.MiscFenceStateReg) &
				opencapi.FenceStateBit(2)).NotTo(BeZero())
			Expect(p.brick.Scannable).To(BeFalse())

			r := p.drive(slot.Result{Status: slot.InProgress, ResumeAfter: 5 * ms})

			Expect(r.Status).To(Equal(slot.Success))
			Expect(p.slot.TrainFenced).To(BeFalse())
			Expect(p.regs.WriteCount(0, regs.FenceControl)).To(Equal(2))
			Expect(p.regs.Peek(0, opencapi.MiscFenceStateReg)).To(BeZero())
		})

		It("should report the trained width", func() {
			w, err := p.slot.LinkWidth()
			Expect(err).NotTo(HaveOccurred())
			Expect(w).To(BeZero())

			p.run(slot.OpFundamentalReset)

			w, err = p.slot.LinkWidth()
			Expect(err).NotTo(HaveOccurred())
			Expect(w).To(Equal(uint32(8)))
		})

		It("should check the link when polled while idle", func() {
			Expect(p.run(slot.OpPollLink).Status).To(Equal(slot.HardwareFailure))

			p.run(slot.OpFundamentalReset)

			Expect(p.run(slot.OpPollLink).Status).To(Equal(slot.Success))
		})

		It("should not support hot or complete reset", func() {
			r, err := p.slot.Start(slot.OpHotReset)
			Expect(err).NotTo(HaveOccurred())
			Expect(r.Status).To(Equal(slot.Unsupported))

			r, err = p.slot.Start(slot.OpCompleteReset)
			Expect(err).NotTo(HaveOccurred())
			Expect(r.Status).To(Equal(slot.Unsupported))
			Expect(p.slot.Busy()).To(BeFalse())
		})
	})

	It("should succeed without touching hardware when nothing is plugged", func() {
		p = newPlatform(2, hwsim.ODLConfig{TrainTime: 50 * ms})
		p.brick.SetPresent(false)

		r := p.run(slot.OpFundamentalReset)

		Expect(r.Status).To(Equal(slot.Success))
		Expect(p.regs.TotalWrites()).To(BeZero())
		Expect(p.bus.Completed()).To(BeEmpty())
	})

	It("should retrain the whole sequence before giving up", func() {
		p = newPlatform(2, hwsim.ODLConfig{TrainTime: 50 * ms, FailAttempts: -1})

		r := p.run(slot.OpFundamentalReset)

		Expect(r.Status).To(Equal(slot.HardwareFailure))
		Expect(p.rec.count("FRESET_START")).To(Equal(1))
		Expect(p.rec.count("FRESET_INIT")).To(Equal(1 + opencapi.LinkTrainingRetries))
		Expect(p.odl.Attempts).To(Equal(1 + opencapi.LinkTrainingRetries))
		Expect(p.engine.CurrentTime()).To(Equal(9785 * ms))
		Expect(p.slot.State()).To(Equal(slot.StateNormal))
		Expect(p.rec.diagnostics).To(HaveLen(1))
		Expect(p.rec.diagnostics[0].Kind).To(Equal("training-failed"))
		Expect(p.brick.Scannable).To(BeFalse())
	})

	It("should re-enter at FRESET_INIT after a failed attempt", func() {
		p = newPlatform(2, hwsim.ODLConfig{TrainTime: 50 * ms, FailAttempts: 1})

		r := p.run(slot.OpFundamentalReset)

		Expect(r.Status).To(Equal(slot.Success))
		Expect(p.slot.LinkRetries).To(Equal(opencapi.LinkTrainingRetries - 1))
		Expect(p.rec.transitions).To(ContainElement(
			transition{"FRESET_INIT", 3261 * ms}))
		Expect(p.rec.transitions[len(p.rec.transitions)-1]).To(
			Equal(transition{"NORMAL", 3574 * ms}))
	})

	It("should report a degraded link without failing", func() {
		p = newPlatform(2, hwsim.ODLConfig{TrainTime: 50 * ms, RxLanes: 0x0f})

		r := p.run(slot.OpFundamentalReset)

		Expect(r.Status).To(Equal(slot.Success))
		Expect(p.rec.diagnostics).To(HaveLen(1))
		Expect(p.rec.diagnostics[0].Kind).To(Equal("degraded"))
		Expect(p.rec.diagnostics[0].SlotID).To(Equal("OCAPI0"))
		Expect(hw.GetField(opencapi.ODLStatusRxTrainedLane,
			p.rec.diagnostics[0].RawStatus)).To(BeEquivalentTo(0x0f))
	})

	It("should retry when the sideband rejects the reset", func() {
		p = newPlatform(2, hwsim.ODLConfig{TrainTime: 50 * ms})
		p.bus.Fail(sidebandBus, 0x20, i2c.ErrNack)

		r := p.run(slot.OpFundamentalReset)

		Expect(r.Status).To(Equal(slot.HardwareFailure))
		Expect(p.rec.count("FRESET_INIT")).To(Equal(3))
		Expect(p.rec.count("FRESET_DEASSERT_DELAY")).To(BeZero())
		Expect(p.engine.CurrentTime()).To(Equal(17 * ms))
	})

	It("should retry when the sideband never completes", func() {
		p = newPlatform(2, hwsim.ODLConfig{TrainTime: 50 * ms})
		p.bus.Hang(sidebandBus, 0x20, true)

		r := p.run(slot.OpFundamentalReset)

		Expect(r.Status).To(Equal(slot.HardwareFailure))
		Expect(p.rec.diagnostics[0].Message).To(ContainSubstring("adapter reset"))
	})

	It("should recover once the sideband comes back", func() {
		p = newPlatform(2, hwsim.ODLConfig{TrainTime: 50 * ms})
		p.bus.Fail(sidebandBus, 0x20, i2c.ErrNack)

		r, err := p.slot.Start(slot.OpFundamentalReset)
		Expect(err).NotTo(HaveOccurred())

		Expect(p.engine.RunUntil(5 * ms)).To(Succeed())
		r = p.slot.Continue()
		Expect(p.slot.State()).To(Equal(opencapi.StateFResetInit))

		p.bus.Fail(sidebandBus, 0x20, nil)
		r = p.drive(r)

		Expect(r.Status).To(Equal(slot.Success))
		Expect(p.slot.LinkRetries).To(Equal(1))
	})

	It("should fail when the link registers cannot be accessed", func() {
		p = newPlatform(2, hwsim.ODLConfig{TrainTime: 50 * ms})
		p.regs.FailAccess(0, p.brick.Regs().ODLStatus, errors.New("xscom"))

		r := p.run(slot.OpFundamentalReset)

		Expect(r.Status).To(Equal(slot.HardwareFailure))
		Expect(p.slot.State()).To(Equal(slot.StateNormal))
	})

	It("should name unreadable registers in the failure record", func() {
		p = newPlatform(2, hwsim.ODLConfig{TrainTime: 50 * ms})
		p.bus.Fail(sidebandBus, 0x20, i2c.ErrNack)
		p.regs.FailAccess(0, p.brick.Regs().ODLStatus, errors.New("xscom"))

		r := p.run(slot.OpFundamentalReset)

		Expect(r.Status).To(Equal(slot.HardwareFailure))
		Expect(p.rec.diagnostics).To(HaveLen(1))

		d := p.rec.diagnostics[0]
		Expect(d.Message).To(ContainSubstring("link status unreadable"))
		Expect(d.Message).To(ContainSubstring("status read error"))
		Expect(d.Message).To(MatchRegexp(`odl config 0x[0-9a-f]+ status`))
	})

	It("should leave a failed fenced attempt fenced until the next freset", func() {
		p = newPlatform(2, hwsim.ODLConfig{TrainTime: 50 * ms})
		Expect(p.run(slot.OpFundamentalReset).Status).To(Equal(slot.Success))

		p.bus.Fail(sidebandBus, 0x20, i2c.ErrNack)
		Expect(p.run(slot.OpFundamentalReset).Status).
			To(Equal(slot.HardwareFailure))
		Expect(p.slot.TrainFenced).To(BeTrue())
		Expect(p.regs.Peek(0, opencapi.MiscFenceStateReg) &
			opencapi.FenceStateBit(2)).NotTo(BeZero())

		p.bus.Fail(sidebandBus, 0x20, nil)
		Expect(p.run(slot.OpFundamentalReset).Status).To(Equal(slot.Success))
		Expect(p.slot.TrainFenced).To(BeFalse())
		Expect(p.regs.Peek(0, opencapi.MiscFenceStateReg)).To(BeZero())
	})

	It("should reject a brick that cannot carry OpenCAPI", func() {
		npu := opencapi.NewNPU(0, hwsim.NewRegisterFile(), sim.NewManualClock(0))

		_, err := opencapi.NewBrick(npu, 1, 0xff, hwsim.NewI2CBus(0),
			opencapi.DefaultSideband(sidebandBus))

		Expect(errors.Is(err, opencapi.ErrParameter)).To(BeTrue())
	})

	Describe("link width", func() {
		It("should decode x4 and reject unknown modes", func() {
			p = newPlatform(3, hwsim.ODLConfig{})
			status := p.brick.Regs().ODLStatus
			trained := hw.SetField(opencapi.ODLStatusTrainingSM, 0,
				opencapi.TrainingSMTrained)

			p.regs.Set(0, status, hw.SetField(opencapi.ODLStatusTrainedMode,
				trained, opencapi.TrainedModeX4))
			Expect(p.slot.LinkWidth()).To(Equal(uint32(4)))

			p.regs.Set(0, status, hw.SetField(opencapi.ODLStatusTrainedMode,
				trained, 0b0100))
			_, err := p.slot.LinkWidth()
			Expect(errors.Is(err, opencapi.ErrUnknownTrainedMode)).To(BeTrue())
		})
	})
})

var _ = Describe("Sideband", func() {
	var (
		mockCtrl *gomock.Controller
		bus      *MockBus
		npu      *opencapi.NPU
	)

	BeforeEach(func() {
		mockCtrl = gomock.NewController(GinkgoT())
		bus = NewMockBus(mockCtrl)
		npu = opencapi.NewNPU(0, hwsim.NewRegisterFile(), sim.NewManualClock(0))
	})

	AfterEach(func() {
		mockCtrl.Finish()
	})

	It("should drive the second link layer's pin on odd bricks", func() {
		brick, err := opencapi.NewBrick(npu, 3, 0xff, bus,
			opencapi.DefaultSideband(sidebandBus))
		Expect(err).NotTo(HaveOccurred())
		Expect(brick.ODL()).To(Equal(1))

		s, err := slot.MakeBuilder().
			WithTimeTeller(sim.NewManualClock(0)).
			WithOps(brick).
			Build("OCAPI1")
		Expect(err).NotTo(HaveOccurred())

		var writes [][2]uint8
		bus.EXPECT().Queue(gomock.Any()).
			DoAndReturn(func(req *i2c.Request) error {
				Expect(req.Op).To(Equal(i2c.OpWrite))
				Expect(req.Addr).To(Equal(uint8(0x20)))
				writes = append(writes, [2]uint8{req.Register, req.Data[0]})
				req.Done(req, nil)

				return nil
			}).Times(2)

		_, err = s.Start(slot.OpFundamentalReset)

		Expect(err).NotTo(HaveOccurred())
		Expect(writes).To(Equal([][2]uint8{
			{opencapi.ExpanderConfig, 0xbf},
			{opencapi.ExpanderOutput, 0xbf},
		}))
	})

	It("should use the other link layer when the phys are swapped", func() {
		cfg := opencapi.DefaultSideband(sidebandBus)
		cfg.ODLPhySwap = true

		brick, err := opencapi.NewBrick(npu, 3, 0xff, bus, cfg)

		Expect(err).NotTo(HaveOccurred())
		Expect(brick.ODL()).To(Equal(0))
		Expect(brick.Regs()).To(Equal(opencapi.RegsOf(3, 0)))
	})

	It("should stop the sequence when the bus refuses a request", func() {
		brick, _ := opencapi.NewBrick(npu, 2, 0xff, bus,
			opencapi.DefaultSideband(sidebandBus))
		clock := sim.NewManualClock(0)
		s, _ := slot.MakeBuilder().WithTimeTeller(clock).WithOps(brick).
			Build("OCAPI0")

		bus.EXPECT().Queue(gomock.Any()).Return(errors.New("bus down")).Times(1)

		r, err := s.Start(slot.OpFundamentalReset)
		Expect(err).NotTo(HaveOccurred())

		clock.Sleep(r.ResumeAfter)
		s.Continue()

		Expect(s.State()).To(Equal(opencapi.StateFResetInit))
		Expect(s.LinkRetries).To(Equal(1))
	})

	Describe("presence", func() {
		var (
			simBus   *hwsim.I2CBus
			expander *hwsim.GPIOExpander
			brick    *opencapi.Brick
			clock    *sim.ManualClock
		)

		BeforeEach(func() {
			simBus = hwsim.NewI2CBus(0)
			expander = hwsim.NewGPIOExpander()
			simBus.AddDevice(sidebandBus, 0x20, expander)
			clock = sim.NewManualClock(0)
			brick, _ = opencapi.NewBrick(npu, 2, 0xff, simBus,
				opencapi.DefaultSideband(sidebandBus))
		})

		It("should find an adapter pulling the pin low", func() {
			expander.SetPins(0xfe)

			present, err := brick.ProbePresence(simBus, clock)

			Expect(err).NotTo(HaveOccurred())
			Expect(present).To(BeTrue())
			Expect(brick.GetPresence(nil)).To(BeTrue())
		})

		It("should find nothing when the pin floats high", func() {
			present, err := brick.ProbePresence(simBus, clock)

			Expect(err).NotTo(HaveOccurred())
			Expect(present).To(BeFalse())
		})

		It("should give up after the request timeout", func() {
			simBus.Hang(sidebandBus, 0x20, true)

			_, err := brick.ProbePresence(simBus, clock)

			Expect(errors.Is(err, i2c.ErrTimeout)).To(BeTrue())
			Expect(clock.CurrentTime()).To(BeNumerically(">=", 120*ms))
		})
	})
})
