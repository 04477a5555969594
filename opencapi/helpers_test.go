package opencapi_test

import (
	. "github.com/onsi/gomega"

	"github.com/sarchlab/slotreset/hwsim"
	"github.com/sarchlab/slotreset/i2c"
	"github.com/sarchlab/slotreset/opencapi"
	"github.com/sarchlab/slotreset/sim"
	"github.com/sarchlab/slotreset/slot"
)

var sidebandBus = i2c.BusID{Chip: 0, Engine: 1, Port: 4}

type transition struct {
	To   string
	Time sim.VTimeInNs
}

// recorder collects the transitions and diagnostics of a slot.
type recorder struct {
	transitions []transition
	diagnostics []slot.Diagnostic
}

func (r *recorder) Func(ctx sim.HookCtx) {
	switch ctx.Pos {
	case slot.HookPosStateChange:
		c := ctx.Detail.(slot.StateChange)
		r.transitions = append(r.transitions, transition{c.ToName, c.Time})
	case slot.HookPosDiagnostic:
		r.diagnostics = append(r.diagnostics, ctx.Detail.(slot.Diagnostic))
	}
}

func (r *recorder) count(state string) int {
	n := 0

	for _, t := range r.transitions {
		if t.To == state {
			n++
		}
	}

	return n
}

// platform is one chip with a single simulated brick.
type platform struct {
	engine   *sim.SerialEngine
	regs     *hwsim.RegisterFile
	bus      *hwsim.I2CBus
	expander *hwsim.GPIOExpander
	npu      *opencapi.NPU
	brick    *opencapi.Brick
	odl      *hwsim.ODL
	slot     *slot.Slot
	rec      *recorder
}

func newPlatform(index int, odl hwsim.ODLConfig) *platform {
	p := &platform{
		engine:   sim.NewSerialEngine(),
		regs:     hwsim.NewRegisterFile(),
		bus:      hwsim.NewI2CBus(100 * sim.Microsecond),
		expander: hwsim.NewGPIOExpander(),
		rec:      &recorder{},
	}

	p.bus.Attach(p.engine)
	p.bus.AddDevice(sidebandBus, 0x20, p.expander)

	p.npu = opencapi.NewNPU(0, p.regs, sim.NewManualClock(0))

	var err error
	p.brick, err = opencapi.NewBrick(p.npu, index, 0xff, p.bus,
		opencapi.DefaultSideband(sidebandBus))
	Expect(err).NotTo(HaveOccurred())

	p.odl = hwsim.NewODL(p.engine, p.regs, 0, p.brick.Regs(), odl)

	p.slot, err = slot.MakeBuilder().
		WithTimeTeller(p.engine).
		WithOps(p.brick).
		WithHook(p.rec).
		Build("OCAPI0")
	Expect(err).NotTo(HaveOccurred())

	return p
}

// drive runs the engine up to every requested resume time and continues the
// slot until the operation ends.
func (p *platform) drive(r slot.Result) slot.Result {
	for r.Status == slot.InProgress {
		Expect(p.engine.RunUntil(p.engine.CurrentTime() + r.ResumeAfter)).
			To(Succeed())
		r = p.slot.Continue()
	}

	return r
}

func (p *platform) run(op slot.Operation) slot.Result {
	r, err := p.slot.Start(op)
	Expect(err).NotTo(HaveOccurred())

	return p.drive(r)
}
