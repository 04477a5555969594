package sim

import (
	"reflect"

	"github.com/go-logr/logr"
)

// EventLogger is an engine hook that logs every event before it is handled
// and every handler error after.
type EventLogger struct {
	log logr.Logger
}

// NewEventLogger creates an EventLogger. Events are logged at the verbosity
// of the logger passed in, so callers usually pass log.V(2).
func NewEventLogger(log logr.Logger) *EventLogger {
	return &EventLogger{log: log}
}

// Func writes the event information into the logger.
func (h *EventLogger) Func(ctx HookCtx) {
	evt, ok := ctx.Item.(Event)
	if !ok {
		return
	}

	switch ctx.Pos {
	case HookPosBeforeEvent:
		if !h.log.Enabled() {
			return
		}

		h.log.Info("event",
			"time", evt.Time().String(),
			"event", reflect.TypeOf(evt).String(),
			"handler", reflect.TypeOf(evt.Handler()).String())
	case HookPosAfterEvent:
		if err, ok := ctx.Detail.(error); ok && err != nil {
			h.log.Error(err, "event failed",
				"time", evt.Time().String(),
				"event", reflect.TypeOf(evt).String())
		}
	}
}
