package slot

import (
	"errors"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	"go.uber.org/mock/gomock"

	"github.com/sarchlab/slotreset/sim"
)

const (
	stateFirst  State = 1
	stateSecond State = 2
)

var twoStepStates = NewStateSet("two-step", map[State]string{
	stateFirst:  "FIRST",
	stateSecond: "SECOND",
})

// twoStepOps hot-resets through two timed phases and counts the
// destructive actions it performs.
type twoStepOps struct {
	actions    int
	presence   bool
	powerCalls []PowerState
}

func (o *twoStepOps) States() *StateSet { return twoStepStates }

func (o *twoStepOps) HotReset(s *Slot) Result {
	switch s.State() {
	case StateNormal:
		o.actions++
		s.SetState(stateFirst)

		return s.ResumeAfter(10 * sim.Millisecond)
	case stateFirst:
		o.actions++
		s.SetState(stateSecond)

		return s.ResumeAfter(5 * sim.Millisecond)
	case stateSecond:
		s.SetState(StateNormal)
		return Succeeded()
	}

	return Failed()
}

// FundamentalReset forgets to go back to NORMAL.
func (o *twoStepOps) FundamentalReset(s *Slot) Result {
	s.SetState(stateFirst)
	return Succeeded()
}

// PollLink returns InProgress without asking to be resumed.
func (o *twoStepOps) PollLink(s *Slot) Result {
	if s.State() == StateNormal {
		s.SetState(stateFirst)
		return Result{Status: InProgress, ResumeAfter: sim.Millisecond}
	}

	s.SetState(StateNormal)

	return Succeeded()
}

func (o *twoStepOps) GetPresence(*Slot) (bool, error) { return o.presence, nil }

func (o *twoStepOps) SetPower(_ *Slot, p PowerState) error {
	o.powerCalls = append(o.powerCalls, p)
	return nil
}

type hookRecorder struct {
	changes []StateChange
	ends    []OperationEnd
	diags   []Diagnostic
	starts  []Operation
}

func (r *hookRecorder) Func(ctx sim.HookCtx) {
	switch ctx.Pos {
	case HookPosStateChange:
		r.changes = append(r.changes, ctx.Detail.(StateChange))
	case HookPosOperationEnd:
		r.ends = append(r.ends, ctx.Detail.(OperationEnd))
	case HookPosOperationStart:
		r.starts = append(r.starts, ctx.Detail.(Operation))
	case HookPosDiagnostic:
		r.diags = append(r.diags, ctx.Detail.(Diagnostic))
	}
}

var _ = Describe("Slot", func() {
	var (
		mockCtrl *gomock.Controller
		clock    *sim.ManualClock
		waker    *MockWaker
		ops      *twoStepOps
		hooks    *hookRecorder
		s        *Slot
	)

	BeforeEach(func() {
		mockCtrl = gomock.NewController(GinkgoT())
		clock = sim.NewManualClock(0)
		waker = NewMockWaker(mockCtrl)
		ops = &twoStepOps{presence: true}
		hooks = &hookRecorder{}

		var err error
		s, err = MakeBuilder().
			WithTimeTeller(clock).
			WithWaker(waker).
			WithOps(ops).
			WithHook(hooks).
			Build("slot0")
		Expect(err).NotTo(HaveOccurred())
	})

	AfterEach(func() {
		mockCtrl.Finish()
	})

	It("should start in NORMAL", func() {
		Expect(s.State()).To(Equal(StateNormal))
		Expect(s.StateName()).To(Equal("NORMAL"))
		Expect(s.Variant()).To(Equal("two-step"))
		Expect(s.Busy()).To(BeFalse())
	})

	It("should run the first phase on start and ask to be woken", func() {
		waker.EXPECT().WakeAt(s, 10*sim.Millisecond)

		r, err := s.Start(OpHotReset)

		Expect(err).NotTo(HaveOccurred())
		Expect(r).To(Equal(Result{Status: InProgress, ResumeAfter: 10 * sim.Millisecond}))
		Expect(s.State()).To(Equal(stateFirst))
		Expect(s.Operation()).To(Equal(OpHotReset))
		Expect(hooks.starts).To(Equal([]Operation{OpHotReset}))
	})

	It("should not advance when continued early", func() {
		waker.EXPECT().WakeAt(s, 10*sim.Millisecond)
		_, _ = s.Start(OpHotReset)

		clock.Sleep(4 * sim.Millisecond)
		r := s.Continue()
		r2 := s.Continue()

		Expect(r).To(Equal(Result{Status: InProgress, ResumeAfter: 6 * sim.Millisecond}))
		Expect(r2).To(Equal(r))
		Expect(s.State()).To(Equal(stateFirst))
		Expect(ops.actions).To(Equal(1))
	})

	It("should finish after every deadline passed", func() {
		waker.EXPECT().WakeAt(s, 10*sim.Millisecond)
		waker.EXPECT().WakeAt(s, 15*sim.Millisecond)
		_, _ = s.Start(OpHotReset)

		clock.Sleep(10 * sim.Millisecond)
		Expect(s.Continue().Status).To(Equal(InProgress))

		clock.Sleep(5 * sim.Millisecond)
		Expect(s.Continue()).To(Equal(Succeeded()))

		Expect(s.Busy()).To(BeFalse())
		Expect(ops.actions).To(Equal(2))
		Expect(hooks.ends).To(HaveLen(1))
		Expect(hooks.ends[0].Duration).To(Equal(15 * sim.Millisecond))
		Expect(hooks.changes).To(HaveLen(3))
		Expect(hooks.changes[2].ToName).To(Equal("NORMAL"))
	})

	It("should reject a second operation while busy", func() {
		waker.EXPECT().WakeAt(s, gomock.Any())
		_, _ = s.Start(OpHotReset)

		_, err := s.Start(OpPollLink)

		Expect(errors.Is(err, ErrBusy)).To(BeTrue())
		Expect(s.Operation()).To(Equal(OpHotReset))
	})

	It("should report unsupported operations without becoming busy", func() {
		r, err := s.Start(OpCompleteReset)

		Expect(err).NotTo(HaveOccurred())
		Expect(r.Status).To(Equal(Unsupported))
		Expect(s.Busy()).To(BeFalse())
		Expect(s.Supports(OpCompleteReset)).To(BeFalse())
		Expect(s.Supports(OpHotReset)).To(BeTrue())
	})

	It("should force NORMAL and fail when an operation ends elsewhere", func() {
		r, err := s.Start(OpFundamentalReset)

		Expect(err).NotTo(HaveOccurred())
		Expect(r.Status).To(Equal(HardwareFailure))
		Expect(s.State()).To(Equal(StateNormal))
		Expect(s.Busy()).To(BeFalse())
	})

	It("should schedule a wakeup when a phase forgets to", func() {
		waker.EXPECT().WakeAt(s, sim.Millisecond)

		r, _ := s.Start(OpPollLink)

		Expect(r.Status).To(Equal(InProgress))

		clock.Sleep(sim.Millisecond)
		Expect(s.Continue().Status).To(Equal(Success))
	})

	It("should panic on a state outside the enumeration", func() {
		Expect(func() { s.SetState(State(0x99)) }).To(Panic())
		Expect(s.State()).To(Equal(StateNormal))
	})

	It("should return success when continued while idle", func() {
		Expect(s.Continue()).To(Equal(Succeeded()))
	})

	It("should emit diagnostics through hooks", func() {
		waker.EXPECT().WakeAt(s, gomock.Any())
		_, _ = s.Start(OpHotReset)
		clock.Sleep(3 * sim.Millisecond)

		s.Report("degraded", 0xabc, "x4 instead of x8")

		Expect(hooks.diags).To(ConsistOf(Diagnostic{
			SlotID:    "slot0",
			Kind:      "degraded",
			RawStatus: 0xabc,
			Elapsed:   3 * sim.Millisecond,
			Message:   "x4 instead of x8",
		}))
	})

	Context("capabilities", func() {
		It("should use the variant when it implements one", func() {
			ops.presence = false
			present, err := s.Presence()

			Expect(err).NotTo(HaveOccurred())
			Expect(present).To(BeFalse())
			Expect(s.SetPower(PowerOff)).To(Succeed())
			Expect(ops.powerCalls).To(Equal([]PowerState{PowerOff}))
		})

		It("should fall back to defaults", func() {
			width, _ := s.LinkWidth()
			power, _ := s.Power()
			attention, _ := s.Attention()
			latch, _ := s.Latch()

			Expect(width).To(Equal(uint32(0)))
			Expect(power).To(Equal(PowerOn))
			Expect(attention).To(Equal(AttentionOff))
			Expect(latch).To(Equal(LatchClosed))
			Expect(s.SetAttention(AttentionBlink)).To(Succeed())
		})
	})
})

var _ = Describe("Null slot", func() {
	It("should support nothing and report defaults", func() {
		s, err := MakeBuilder().
			WithTimeTeller(sim.NewManualClock(0)).
			Build("null0")
		Expect(err).NotTo(HaveOccurred())

		for _, op := range []Operation{
			OpPollLink, OpHotReset, OpFundamentalReset,
			OpPostFundamentalReset, OpCompleteReset,
		} {
			r, err := s.Start(op)
			Expect(err).NotTo(HaveOccurred())
			Expect(r.Status).To(Equal(Unsupported))
		}

		present, _ := s.Presence()
		Expect(present).To(BeTrue())
		Expect(s.States().States()).To(Equal([]State{StateNormal}))
	})

	It("should need a time source", func() {
		_, err := MakeBuilder().Build("x")
		Expect(err).To(HaveOccurred())
	})
})

var _ = Describe("RunToCompletion", func() {
	var (
		clock *sim.ManualClock
		s     *Slot
		ops   *twoStepOps
	)

	BeforeEach(func() {
		clock = sim.NewManualClock(0)
		ops = &twoStepOps{}
		s, _ = MakeBuilder().WithTimeTeller(clock).WithOps(ops).Build("boot")
	})

	It("should sleep through every phase", func() {
		r, err := RunToCompletion(s, OpHotReset, clock, sim.Second)

		Expect(err).NotTo(HaveOccurred())
		Expect(r.Status).To(Equal(Success))
		Expect(clock.CurrentTime()).To(Equal(15 * sim.Millisecond))
	})

	It("should stop at the limit", func() {
		r, err := RunToCompletion(s, OpHotReset, clock, 12*sim.Millisecond)

		Expect(errors.Is(err, ErrBootstrapTimeout)).To(BeTrue())
		Expect(r.Status).To(Equal(InProgress))
		Expect(clock.CurrentTime()).To(Equal(10 * sim.Millisecond))
	})
})

var _ = Describe("ParseOperation", func() {
	It("should round trip names", func() {
		op, err := ParseOperation("freset")
		Expect(err).NotTo(HaveOccurred())
		Expect(op).To(Equal(OpFundamentalReset))
		Expect(op.String()).To(Equal("freset"))
	})

	It("should reject unknown names", func() {
		_, err := ParseOperation("warm")
		Expect(errors.Is(err, ErrNoSuchOperation)).To(BeTrue())

		_, err = ParseOperation("none")
		Expect(err).To(HaveOccurred())
	})
})
