// Package slot provides the reset engine shared by every kind of hot-plug
// slot: state storage and transitions, resume-after scheduling, optional
// capabilities and the driver entry point.
package slot

import (
	"log"

	"github.com/go-logr/logr"
	"github.com/pkg/errors"

	"github.com/sarchlab/slotreset/sim"
)

// ErrBusy is returned when an operation is started while another one is
// still active on the slot.
var ErrBusy = errors.New("slot is busy")

// A Waker arranges for Continue to be called on a slot no earlier than the
// given time.
type Waker interface {
	WakeAt(s *Slot, t sim.VTimeInNs)
}

// Slot is one physical link endpoint, a PCIe slot or an OpenCAPI brick.
type Slot struct {
	sim.HookableBase

	ID   string
	Ops  Ops
	Peer *Slot

	// Countdown used by polling loops.
	Retries int
	// Countdown of whole-sequence retraining attempts.
	LinkRetries int

	PowerState   PowerState
	Pluggable    bool
	PowerCtl     bool
	AttentionCtl bool
	LinkCap      uint32
	SlotCap      uint32

	TrainNeedFence bool
	TrainFenced    bool

	states     *StateSet
	state      State
	timeTeller sim.TimeTeller
	waker      Waker
	log        logr.Logger

	op       Operation
	opStart  sim.VTimeInNs
	deadline sim.VTimeInNs
	resumed  bool
}

// State returns the current state.
func (s *Slot) State() State {
	return s.state
}

// StateName returns the printable name of the current state.
func (s *Slot) StateName() string {
	return s.states.Name(s.state)
}

// States returns the enumeration the slot's state belongs to.
func (s *Slot) States() *StateSet {
	return s.states
}

// Variant names the kind of slot.
func (s *Slot) Variant() string {
	return s.states.Variant()
}

// Operation returns the active operation, OpNone when idle.
func (s *Slot) Operation() Operation {
	return s.op
}

// Busy tells if an operation is active.
func (s *Slot) Busy() bool {
	return s.op != OpNone
}

// Now returns the current time of the slot's time source.
func (s *Slot) Now() sim.VTimeInNs {
	return s.timeTeller.CurrentTime()
}

// Elapsed returns the time since the active operation started.
func (s *Slot) Elapsed() sim.VTimeInNs {
	return s.Now() - s.opStart
}

// Logger returns the slot's logger.
func (s *Slot) Logger() logr.Logger {
	return s.log
}

// SetState moves the slot to a new state. Setting a state that is not part
// of the slot's enumeration is a programming error.
func (s *Slot) SetState(st State) {
	if !s.states.Has(st) {
		log.Panicf("slot %s: state %#x is not a %s state",
			s.ID, uint32(st), s.states.Variant())
	}

	from := s.state
	s.state = st

	s.log.V(1).Info("state transition",
		"from", s.states.Name(from), "to", s.states.Name(st))

	s.InvokeHook(sim.HookCtx{
		Domain: s,
		Pos:    HookPosStateChange,
		Item:   s,
		Detail: StateChange{
			From:     from,
			To:       st,
			FromName: s.states.Name(from),
			ToName:   s.states.Name(st),
			Time:     s.Now(),
		},
	})
}

// ResumeAfter asks to be invoked again no sooner than delay from now and
// returns the in-progress result the current phase should return.
func (s *Slot) ResumeAfter(delay sim.VTimeInNs) Result {
	now := s.Now()
	s.deadline = now + delay
	s.resumed = true

	if s.waker != nil {
		s.waker.WakeAt(s, s.deadline)
	}

	return Result{Status: InProgress, ResumeAfter: delay}
}

// Report emits a diagnostic record for operators.
func (s *Slot) Report(kind string, rawStatus uint64, msg string) {
	d := Diagnostic{
		SlotID:    s.ID,
		Kind:      kind,
		RawStatus: rawStatus,
		Elapsed:   s.Elapsed(),
		Message:   msg,
	}

	s.log.Info("diagnostic",
		"kind", kind,
		"status", rawStatus,
		"elapsed", d.Elapsed.String(),
		"message", msg)

	s.InvokeHook(sim.HookCtx{
		Domain: s,
		Pos:    HookPosDiagnostic,
		Item:   s,
		Detail: d,
	})
}

// Start begins an operation and runs its first phase. Operations the slot
// cannot perform return Unsupported without becoming active.
func (s *Slot) Start(op Operation) (Result, error) {
	if s.Busy() {
		return Result{}, errors.Wrapf(ErrBusy,
			"slot %s running %s, cannot start %s", s.ID, s.op, op)
	}

	seq := s.sequence(op)
	if seq == nil {
		s.log.V(1).Info("operation not supported", "operation", op.String())
		return NotSupported(), nil
	}

	s.op = op
	s.opStart = s.Now()
	s.deadline = s.opStart

	s.log.Info("operation start", "operation", op.String())
	s.InvokeHook(sim.HookCtx{
		Domain: s,
		Pos:    HookPosOperationStart,
		Item:   s,
		Detail: op,
	})

	return s.step(seq), nil
}

// Continue is the driver entry point. It performs the next phase of the
// active operation, or returns InProgress without touching hardware when
// called before the requested resume time.
func (s *Slot) Continue() Result {
	if !s.Busy() {
		return Succeeded()
	}

	now := s.Now()
	if now < s.deadline {
		return Result{Status: InProgress, ResumeAfter: s.deadline - now}
	}

	return s.step(s.sequence(s.op))
}

func (s *Slot) step(seq func(*Slot) Result) Result {
	s.resumed = false

	r := seq(s)
	if r.Status == InProgress {
		if !s.resumed {
			r = s.ResumeAfter(r.ResumeAfter)
		}

		return r
	}

	return s.finish(r)
}

func (s *Slot) finish(r Result) Result {
	if s.state != StateNormal {
		s.log.Error(nil, "operation ended outside NORMAL",
			"operation", s.op.String(),
			"state", s.StateName(),
			"result", r.String())
		s.SetState(StateNormal)

		if r.Status == Success {
			r = Failed()
		}
	}

	op := s.op
	duration := s.Elapsed()

	s.op = OpNone
	s.deadline = 0

	if r.Status == Success {
		s.log.Info("operation done",
			"operation", op.String(), "duration", duration.String())
	} else {
		s.log.Info("operation failed",
			"operation", op.String(),
			"result", r.String(),
			"duration", duration.String())
	}

	s.InvokeHook(sim.HookCtx{
		Domain: s,
		Pos:    HookPosOperationEnd,
		Item:   s,
		Detail: OperationEnd{
			Operation: op,
			Result:    r,
			Duration:  duration,
		},
	})

	return r
}

func (s *Slot) sequence(op Operation) func(*Slot) Result {
	switch op {
	case OpPollLink:
		if p, ok := s.Ops.(LinkPoller); ok {
			return p.PollLink
		}
	case OpHotReset:
		if p, ok := s.Ops.(HotResetter); ok {
			return p.HotReset
		}
	case OpFundamentalReset:
		if p, ok := s.Ops.(FundamentalResetter); ok {
			return p.FundamentalReset
		}
	case OpPostFundamentalReset:
		if p, ok := s.Ops.(PostFundamentalResetter); ok {
			return p.PostFundamentalReset
		}
	case OpCompleteReset:
		if p, ok := s.Ops.(CompleteResetter); ok {
			return p.CompleteReset
		}
	}

	return nil
}
