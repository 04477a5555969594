package sim

import (
	"errors"
	"log"
	"reflect"
	"sync"
)

// A SerialEngine is an Engine that always run events one after another.
type SerialEngine struct {
	HookableBase

	timeLock       sync.RWMutex
	time           VTimeInNs
	queue          EventQueue
	secondaryQueue EventQueue

	isPaused     bool
	isPausedLock sync.Mutex
	pauseLock    sync.Mutex

	singleRunLock sync.Mutex
}

// NewSerialEngine creates a SerialEngine
func NewSerialEngine() *SerialEngine {
	e := new(SerialEngine)

	e.queue = NewEventQueue()
	e.secondaryQueue = NewEventQueue()

	return e
}

// Schedule register an event to be happen in the future
func (e *SerialEngine) Schedule(evt Event) {
	e.timeLock.RLock()
	defer e.timeLock.RUnlock()

	if evt.Time() < e.time {
		log.Panicf("scheduling an event at %s, earlier than current time %s",
			evt.Time(), e.time)
	}

	e.push(evt)
}

// ScheduleNow schedules the event built for the current time. The time
// cannot move between reading it and queueing the event, so it is safe to
// call from outside the goroutine running the engine. build must not call
// back into the engine.
func (e *SerialEngine) ScheduleNow(build func(now VTimeInNs) Event) {
	e.timeLock.RLock()
	defer e.timeLock.RUnlock()

	evt := build(e.time)
	if evt.Time() < e.time {
		log.Panicf("scheduling an event at %s, earlier than current time %s",
			evt.Time(), e.time)
	}

	e.push(evt)
}

func (e *SerialEngine) push(evt Event) {
	if evt.IsSecondary() {
		e.secondaryQueue.Push(evt)
		return
	}

	e.queue.Push(evt)
}

func (e *SerialEngine) readNow() VTimeInNs {
	e.timeLock.RLock()
	t := e.time
	e.timeLock.RUnlock()

	return t
}

// Run processes all the events scheduled in the SerialEngine.
func (e *SerialEngine) Run() error {
	e.singleRunLock.Lock()
	defer e.singleRunLock.Unlock()

	for !e.noMoreEvent() {
		err := e.dispatch(nil)
		if err != nil {
			return err
		}
	}

	return nil
}

// RunUntil processes events whose time is not later than the given time.
// The current time is moved to the deadline when the queue runs dry earlier.
func (e *SerialEngine) RunUntil(deadline VTimeInNs) error {
	e.singleRunLock.Lock()
	defer e.singleRunLock.Unlock()

	for !e.noMoreEvent() {
		err := e.dispatch(&deadline)
		if err == errPastDeadline {
			break
		}

		if err != nil {
			return err
		}
	}

	e.timeLock.Lock()
	if e.time < deadline && (e.noMoreEvent() || e.peekTime() > deadline) {
		e.time = deadline
	}
	e.timeLock.Unlock()

	return nil
}

var errPastDeadline = errors.New("next event is past the deadline")

// dispatch handles the next event while holding the pause lock, so that a
// paused engine stops between events.
func (e *SerialEngine) dispatch(deadline *VTimeInNs) error {
	e.pauseLock.Lock()
	defer e.pauseLock.Unlock()

	evt, err := e.advance(deadline)
	if err != nil {
		return err
	}

	hookCtx := HookCtx{
		Domain: e,
		Pos:    HookPosBeforeEvent,
		Item:   evt,
	}
	e.InvokeHook(hookCtx)

	err = evt.Handler().Handle(evt)

	hookCtx.Pos = HookPosAfterEvent
	hookCtx.Detail = err
	e.InvokeHook(hookCtx)

	return err
}

// advance pops the next event and moves the time to it under the time lock.
// A concurrent Schedule never sees a time later than a queued event.
func (e *SerialEngine) advance(deadline *VTimeInNs) (Event, error) {
	e.timeLock.Lock()
	defer e.timeLock.Unlock()

	if deadline != nil && e.peekTime() > *deadline {
		return nil, errPastDeadline
	}

	evt := e.nextEvent()
	if evt.Time() < e.time {
		log.Panicf(
			"cannot run event in the past, evt %s @ %s, now %s",
			reflect.TypeOf(evt), evt.Time(), e.time,
		)
	}

	e.time = evt.Time()

	return evt, nil
}

func (e *SerialEngine) peekTime() VTimeInNs {
	switch {
	case e.queue.Len() == 0:
		return e.secondaryQueue.Peek().Time()
	case e.secondaryQueue.Len() == 0:
		return e.queue.Peek().Time()
	}

	p, s := e.queue.Peek().Time(), e.secondaryQueue.Peek().Time()
	if p <= s {
		return p
	}

	return s
}

func (e *SerialEngine) noMoreEvent() bool {
	return e.queue.Len() == 0 && e.secondaryQueue.Len() == 0
}

func (e *SerialEngine) nextEvent() Event {
	if e.queue.Len() == 0 {
		return e.secondaryQueue.Pop()
	}

	if e.secondaryQueue.Len() == 0 {
		return e.queue.Pop()
	}

	primaryEvt := e.queue.Peek()
	secondaryEvt := e.secondaryQueue.Peek()

	if primaryEvt.Time() <= secondaryEvt.Time() {
		e.queue.Pop()
		return primaryEvt
	}

	e.secondaryQueue.Pop()

	return secondaryEvt
}

// Pause prevents the SerialEngine to trigger more events.
func (e *SerialEngine) Pause() {
	e.isPausedLock.Lock()
	defer e.isPausedLock.Unlock()

	if e.isPaused {
		return
	}

	e.pauseLock.Lock()
	e.isPaused = true
}

// Continue allows the SerialEngine to trigger more events.
func (e *SerialEngine) Continue() {
	e.isPausedLock.Lock()
	defer e.isPausedLock.Unlock()

	if !e.isPaused {
		return
	}

	e.pauseLock.Unlock()
	e.isPaused = false
}

// CurrentTime returns the current time at which the engine is at.
// Specifically, the run time of the current event.
func (e *SerialEngine) CurrentTime() VTimeInNs {
	return e.readNow()
}
