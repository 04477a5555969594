package sim

// An Event is something going to happen in the future.
type Event interface {
	// Return the time that the event should happen
	Time() VTimeInNs

	// Returns the handler that can should handle the event
	Handler() Handler

	// IsSecondary tells if the event is a secondary event. Secondary event are
	// handled after all same-time primary events are handled.
	IsSecondary() bool
}

// EventBase provides the basic fields and getters for other events
type EventBase struct {
	ID        string
	time      VTimeInNs
	handler   Handler
	secondary bool
}

// NewEventBase creates a new EventBase
func NewEventBase(t VTimeInNs, handler Handler) *EventBase {
	e := new(EventBase)
	e.ID = GetIDGenerator().Generate()
	e.time = t
	e.handler = handler
	e.secondary = false

	return e
}

// MakeEventBase creates an EventBase by value, so that it can be embedded
// in events that are passed around without allocation.
func MakeEventBase(t VTimeInNs, handler Handler) EventBase {
	return EventBase{
		ID:      GetIDGenerator().Generate(),
		time:    t,
		handler: handler,
	}
}

// Time return the time that the event is going to happen
func (e EventBase) Time() VTimeInNs {
	return e.time
}

// Handler returns the handler to handle the event.
func (e EventBase) Handler() Handler {
	return e.handler
}

// IsSecondary returns true if the event is a secondary event.
func (e EventBase) IsSecondary() bool {
	return e.secondary
}

// A Handler defines a domain for the events.
//
// One event is always constraint to one Handler, which means the event can
// only be scheduled by one handler and can only directly modify that handler.
type Handler interface {
	Handle(e Event) error
}

// HandlerFunc adapts a plain function into a Handler.
type HandlerFunc func(e Event) error

// Handle calls f(e).
func (f HandlerFunc) Handle(e Event) error {
	return f(e)
}

// CallbackEvent is an event that runs a function when handled. It is used by
// hardware models that need to change state at a future time.
type CallbackEvent struct {
	EventBase
	fn func()
}

// NewCallbackEvent creates an event that invokes fn at time t.
func NewCallbackEvent(t VTimeInNs, fn func()) *CallbackEvent {
	evt := &CallbackEvent{fn: fn}
	evt.EventBase = MakeEventBase(t, callbackHandler{})

	return evt
}

type callbackHandler struct{}

func (callbackHandler) Handle(e Event) error {
	e.(*CallbackEvent).fn()
	return nil
}
