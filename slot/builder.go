package slot

import (
	"github.com/go-logr/logr"
	"github.com/pkg/errors"

	"github.com/sarchlab/slotreset/sim"
)

// Builder creates slots.
type Builder struct {
	timeTeller sim.TimeTeller
	waker      Waker
	log        logr.Logger
	ops        Ops
	hooks      []sim.Hook
}

// MakeBuilder creates a builder with the null variant and a discarding
// logger.
func MakeBuilder() Builder {
	return Builder{
		ops: NullOps{},
		log: logr.Discard(),
	}
}

// WithTimeTeller sets the time source.
func (b Builder) WithTimeTeller(t sim.TimeTeller) Builder {
	b.timeTeller = t
	return b
}

// WithWaker sets who is told when the slot wants to be continued.
func (b Builder) WithWaker(w Waker) Builder {
	b.waker = w
	return b
}

// WithLogger sets the logger.
func (b Builder) WithLogger(l logr.Logger) Builder {
	b.log = l
	return b
}

// WithOps sets the variant.
func (b Builder) WithOps(ops Ops) Builder {
	b.ops = ops
	return b
}

// WithHook registers a hook on every slot built.
func (b Builder) WithHook(h sim.Hook) Builder {
	b.hooks = append(append([]sim.Hook(nil), b.hooks...), h)
	return b
}

// Build creates a slot in the NORMAL state and lets the variant read its
// capabilities from hardware.
func (b Builder) Build(id string) (*Slot, error) {
	if b.timeTeller == nil {
		return nil, errors.Errorf("slot %s: no time source", id)
	}

	s := &Slot{
		ID:         id,
		Ops:        b.ops,
		PowerState: PowerOn,
		states:     b.ops.States(),
		state:      StateNormal,
		timeTeller: b.timeTeller,
		waker:      b.waker,
		log:        b.log.WithValues("slot", id),
	}

	for _, h := range b.hooks {
		s.AcceptHook(h)
	}

	if i, ok := b.ops.(Initializer); ok {
		err := i.InitSlot(s)
		if err != nil {
			return nil, errors.Wrapf(err, "slot %s", id)
		}
	}

	return s, nil
}
