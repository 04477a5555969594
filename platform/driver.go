package platform

import (
	"sync"

	"github.com/go-logr/logr"
	"github.com/pkg/errors"

	"github.com/sarchlab/slotreset/sim"
	"github.com/sarchlab/slotreset/slot"
)

// ErrNoSuchSlot is returned when an operation names an unknown slot.
var ErrNoSuchSlot = errors.New("no such slot")

// wakeEvent continues a slot.
type wakeEvent struct {
	sim.EventBase
	slot *slot.Slot
}

// triggerEvent starts an operation on a slot.
type triggerEvent struct {
	sim.EventBase
	slot *slot.Slot
	op   slot.Operation
}

// Outcome is the end of one operation.
type Outcome struct {
	SlotID    string        `json:"slot"`
	Operation string        `json:"operation"`
	Status    string        `json:"status"`
	Start     sim.VTimeInNs `json:"start_ns"`
	End       sim.VTimeInNs `json:"end_ns"`
}

// Driver runs slot operations on the engine. It is the waker of every slot
// it drives: each requested resume time becomes a wakeup event, and at most
// one wakeup per slot and time is scheduled.
type Driver struct {
	engine sim.Engine
	log    logr.Logger

	lock     sync.Mutex
	slots    map[string]*slot.Slot
	order    []string
	nextWake map[*slot.Slot]sim.VTimeInNs
	outcomes []Outcome
	waiters  []func(Outcome)
}

// NewDriver creates a driver on an engine.
func NewDriver(engine sim.Engine, log logr.Logger) *Driver {
	return &Driver{
		engine:   engine,
		log:      log,
		slots:    make(map[string]*slot.Slot),
		nextWake: make(map[*slot.Slot]sim.VTimeInNs),
	}
}

// Register lets the driver drive a slot and record its outcomes.
func (d *Driver) Register(s *slot.Slot) {
	d.lock.Lock()
	defer d.lock.Unlock()

	d.slots[s.ID] = s
	d.order = append(d.order, s.ID)

	s.AcceptHook(d)
}

// Slot finds a slot by ID.
func (d *Driver) Slot(id string) (*slot.Slot, error) {
	d.lock.Lock()
	defer d.lock.Unlock()

	s, ok := d.slots[id]
	if !ok {
		return nil, errors.Wrap(ErrNoSuchSlot, id)
	}

	return s, nil
}

// Slots lists the slots in registration order.
func (d *Driver) Slots() []*slot.Slot {
	d.lock.Lock()
	defer d.lock.Unlock()

	slots := make([]*slot.Slot, 0, len(d.order))
	for _, id := range d.order {
		slots = append(slots, d.slots[id])
	}

	return slots
}

// WakeAt schedules a wakeup for a slot.
func (d *Driver) WakeAt(s *slot.Slot, t sim.VTimeInNs) {
	d.lock.Lock()
	if next, ok := d.nextWake[s]; ok && next == t {
		d.lock.Unlock()
		return
	}

	d.nextWake[s] = t
	d.lock.Unlock()

	d.engine.Schedule(&wakeEvent{
		EventBase: sim.MakeEventBase(t, d),
		slot:      s,
	})
}

// Trigger starts an operation on a slot at the current time. It must be
// called from the engine's goroutine or while the engine is not running.
func (d *Driver) Trigger(id string, op slot.Operation) (slot.Result, error) {
	s, err := d.Slot(id)
	if err != nil {
		return slot.Result{}, err
	}

	return s.Start(op)
}

// TriggerAt schedules an operation to start at time t. It must not be
// earlier than the engine's current time.
func (d *Driver) TriggerAt(t sim.VTimeInNs, id string, op slot.Operation) error {
	build, err := d.triggerBuilder(id, op)
	if err != nil {
		return err
	}

	d.engine.Schedule(build(t))

	return nil
}

// TriggerNow schedules an operation to start at the engine's current time.
// It is safe to call while the engine runs.
func (d *Driver) TriggerNow(id string, op slot.Operation) error {
	build, err := d.triggerBuilder(id, op)
	if err != nil {
		return err
	}

	if ns, ok := d.engine.(sim.NowScheduler); ok {
		ns.ScheduleNow(build)
		return nil
	}

	d.engine.Schedule(build(d.engine.CurrentTime()))

	return nil
}

func (d *Driver) triggerBuilder(
	id string,
	op slot.Operation,
) (func(sim.VTimeInNs) sim.Event, error) {
	s, err := d.Slot(id)
	if err != nil {
		return nil, err
	}

	if !s.Supports(op) {
		return nil, errors.Errorf("slot %s does not support %s", id, op)
	}

	return func(t sim.VTimeInNs) sim.Event {
		return &triggerEvent{
			EventBase: sim.MakeEventBase(t, d),
			slot:      s,
			op:        op,
		}
	}, nil
}

// Handle processes wakeups and triggers.
func (d *Driver) Handle(e sim.Event) error {
	switch e := e.(type) {
	case *wakeEvent:
		d.wake(e)
	case *triggerEvent:
		_, err := e.slot.Start(e.op)
		if err != nil {
			d.log.Error(err, "cannot start operation",
				"slot", e.slot.ID, "operation", e.op.String())
		}
	default:
		return errors.Errorf("driver cannot handle %T", e)
	}

	return nil
}

func (d *Driver) wake(e *wakeEvent) {
	d.lock.Lock()
	if d.nextWake[e.slot] != e.Time() {
		d.lock.Unlock()
		return
	}

	delete(d.nextWake, e.slot)
	d.lock.Unlock()

	r := e.slot.Continue()
	if r.Status != slot.InProgress {
		return
	}

	d.lock.Lock()
	_, scheduled := d.nextWake[e.slot]
	d.lock.Unlock()

	if !scheduled {
		d.WakeAt(e.slot, e.Time()+r.ResumeAfter)
	}
}

// Func records operation ends.
func (d *Driver) Func(ctx sim.HookCtx) {
	if ctx.Pos != slot.HookPosOperationEnd {
		return
	}

	s := ctx.Item.(*slot.Slot)
	end := ctx.Detail.(slot.OperationEnd)
	o := Outcome{
		SlotID:    s.ID,
		Operation: end.Operation.String(),
		Status:    end.Result.Status.String(),
		Start:     s.Now() - end.Duration,
		End:       s.Now(),
	}

	d.lock.Lock()
	d.outcomes = append(d.outcomes, o)
	waiters := d.waiters
	d.lock.Unlock()

	for _, w := range waiters {
		w(o)
	}
}

// OnOutcome registers a callback for every finished operation.
func (d *Driver) OnOutcome(f func(Outcome)) {
	d.lock.Lock()
	d.waiters = append(d.waiters, f)
	d.lock.Unlock()
}

// Outcomes returns the finished operations in order.
func (d *Driver) Outcomes() []Outcome {
	d.lock.Lock()
	defer d.lock.Unlock()

	return append([]Outcome(nil), d.outcomes...)
}
