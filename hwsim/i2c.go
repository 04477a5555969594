package hwsim

import (
	"sync"

	"github.com/pkg/errors"

	"github.com/sarchlab/slotreset/i2c"
	"github.com/sarchlab/slotreset/sim"
)

// An I2CDevice is a register-addressed device on a simulated bus.
type I2CDevice interface {
	ReadReg(reg uint8) (uint8, error)
	WriteReg(reg uint8, v uint8) error
}

type i2cKey struct {
	bus  i2c.BusID
	addr uint8
}

type pendingRequest struct {
	req *i2c.Request
	due sim.VTimeInNs
}

// I2CBus is a set of simulated I2C masters. Until a scheduler is attached,
// requests wait for Poll, which completes those whose latency has passed on
// the polling clock. Once attached, each request completes Latency after it
// is queued, as an engine event.
type I2CBus struct {
	lock     sync.Mutex
	sched    Scheduler
	clock    sim.TimeTeller
	latency  sim.VTimeInNs
	devices  map[i2cKey]I2CDevice
	failures map[i2cKey]error
	hung     map[i2cKey]bool
	pending  []pendingRequest
	done     []*i2c.Request
}

// NewI2CBus creates a bus in polled mode.
func NewI2CBus(latency sim.VTimeInNs) *I2CBus {
	return &I2CBus{
		latency:  latency,
		devices:  make(map[i2cKey]I2CDevice),
		failures: make(map[i2cKey]error),
		hung:     make(map[i2cKey]bool),
	}
}

// WithClock sets the clock polled mode measures latency against. Without
// one, every queued request is due on the next Poll.
func (b *I2CBus) WithClock(clock sim.TimeTeller) *I2CBus {
	b.lock.Lock()
	b.clock = clock
	b.lock.Unlock()

	return b
}

// Attach switches the bus to event-driven completion.
func (b *I2CBus) Attach(sched Scheduler) {
	b.lock.Lock()
	b.sched = sched
	b.lock.Unlock()
}

// AddDevice places a device at an address.
func (b *I2CBus) AddDevice(bus i2c.BusID, addr uint8, d I2CDevice) {
	b.lock.Lock()
	b.devices[i2cKey{bus, addr}] = d
	b.lock.Unlock()
}

// Fail makes every request to an address complete with err. A nil err
// removes the failure.
func (b *I2CBus) Fail(bus i2c.BusID, addr uint8, err error) {
	b.lock.Lock()
	defer b.lock.Unlock()

	if err == nil {
		delete(b.failures, i2cKey{bus, addr})
		return
	}

	b.failures[i2cKey{bus, addr}] = err
}

// Hang makes requests to an address never complete.
func (b *I2CBus) Hang(bus i2c.BusID, addr uint8, hung bool) {
	b.lock.Lock()
	b.hung[i2cKey{bus, addr}] = hung
	b.lock.Unlock()
}

// Completed returns the requests completed so far.
func (b *I2CBus) Completed() []*i2c.Request {
	b.lock.Lock()
	defer b.lock.Unlock()

	return append([]*i2c.Request(nil), b.done...)
}

// Queue implements i2c.Bus.
func (b *I2CBus) Queue(req *i2c.Request) error {
	if req.Done == nil {
		return errors.Errorf("%s has no completion", req)
	}

	b.lock.Lock()
	key := i2cKey{req.Bus, req.Addr}
	hung := b.hung[key]
	sched := b.sched

	if !hung && sched == nil {
		p := pendingRequest{req: req}
		if b.clock != nil {
			p.due = b.clock.CurrentTime() + b.latency
		}

		b.pending = append(b.pending, p)
	}
	b.lock.Unlock()

	if hung || sched == nil {
		return nil
	}

	sched.Schedule(sim.NewCallbackEvent(
		sched.CurrentTime()+b.latency,
		func() { b.complete(req) },
	))

	return nil
}

// Poll completes the requests queued in polled mode that are due.
func (b *I2CBus) Poll() {
	b.lock.Lock()

	var now sim.VTimeInNs
	if b.clock != nil {
		now = b.clock.CurrentTime()
	}

	var reqs []*i2c.Request

	waiting := b.pending[:0]
	for _, p := range b.pending {
		if p.due > now {
			waiting = append(waiting, p)
			continue
		}

		reqs = append(reqs, p.req)
	}

	b.pending = waiting
	b.lock.Unlock()

	for _, req := range reqs {
		b.complete(req)
	}
}

func (b *I2CBus) complete(req *i2c.Request) {
	err := b.execute(req)

	b.lock.Lock()
	b.done = append(b.done, req)
	b.lock.Unlock()

	req.Done(req, err)
}

func (b *I2CBus) execute(req *i2c.Request) error {
	b.lock.Lock()
	key := i2cKey{req.Bus, req.Addr}
	dev, ok := b.devices[key]
	failure := b.failures[key]
	b.lock.Unlock()

	if failure != nil {
		return failure
	}

	if !ok {
		return errors.Wrapf(i2c.ErrNack, "%s", req)
	}

	switch req.Op {
	case i2c.OpWrite:
		for i, v := range req.Data {
			err := dev.WriteReg(req.Register+uint8(i), v)
			if err != nil {
				return err
			}
		}
	case i2c.OpRead:
		for i := range req.Data {
			v, err := dev.ReadReg(req.Register + uint8(i))
			if err != nil {
				return err
			}

			req.Data[i] = v
		}
	}

	return nil
}

// GPIOExpander models an 8-bit I/O expander with input, output, polarity
// and configuration registers. A set configuration bit makes the pin an
// input.
type GPIOExpander struct {
	lock sync.Mutex
	regs [4]uint8

	// Pins holds the levels driven onto input pins from outside.
	Pins uint8

	watchers []func(old, new uint8)
}

// NewGPIOExpander creates an expander with all pins as inputs.
func NewGPIOExpander() *GPIOExpander {
	return &GPIOExpander{regs: [4]uint8{0, 0xff, 0, 0xff}, Pins: 0xff}
}

// SetPins changes the levels driven onto input pins.
func (g *GPIOExpander) SetPins(v uint8) {
	g.lock.Lock()
	g.Pins = v
	g.lock.Unlock()
}

// WatchOutputs is called when the level driven on output pins changes.
func (g *GPIOExpander) WatchOutputs(w func(old, new uint8)) {
	g.lock.Lock()
	g.watchers = append(g.watchers, w)
	g.lock.Unlock()
}

// Outputs returns the levels of the output pins. Input pins read as 1.
func (g *GPIOExpander) Outputs() uint8 {
	g.lock.Lock()
	defer g.lock.Unlock()

	return g.outputs()
}

func (g *GPIOExpander) outputs() uint8 {
	return g.regs[1] | g.regs[3]
}

// ReadReg implements I2CDevice.
func (g *GPIOExpander) ReadReg(reg uint8) (uint8, error) {
	g.lock.Lock()
	defer g.lock.Unlock()

	switch reg {
	case 0:
		in := g.Pins&g.regs[3] | g.regs[1]&^g.regs[3]
		return in ^ g.regs[2], nil
	case 1, 2, 3:
		return g.regs[reg], nil
	}

	return 0, errors.Wrapf(i2c.ErrNack, "expander register %#x", reg)
}

// WriteReg implements I2CDevice.
func (g *GPIOExpander) WriteReg(reg uint8, v uint8) error {
	if reg == 0 || reg > 3 {
		return errors.Wrapf(i2c.ErrNack, "expander register %#x", reg)
	}

	g.lock.Lock()
	old := g.outputs()
	g.regs[reg] = v
	now := g.outputs()
	watchers := g.watchers
	g.lock.Unlock()

	if old != now {
		for _, w := range watchers {
			w(old, now)
		}
	}

	return nil
}
