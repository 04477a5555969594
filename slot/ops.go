package slot

import (
	"fmt"

	"github.com/pkg/errors"
)

// Operation names an externally triggered sequence.
type Operation int

// The operations a slot may run.
const (
	OpNone Operation = iota
	OpPollLink
	OpHotReset
	OpFundamentalReset
	OpPostFundamentalReset
	OpCompleteReset
)

var operationNames = map[Operation]string{
	OpNone:                 "none",
	OpPollLink:             "poll_link",
	OpHotReset:             "hreset",
	OpFundamentalReset:     "freset",
	OpPostFundamentalReset: "pfreset",
	OpCompleteReset:        "creset",
}

func (o Operation) String() string {
	n, ok := operationNames[o]
	if !ok {
		return fmt.Sprintf("operation(%d)", int(o))
	}

	return n
}

// ErrNoSuchOperation is returned when parsing an unknown operation name.
var ErrNoSuchOperation = errors.New("no such operation")

// ParseOperation converts an operation name back to an Operation.
func ParseOperation(name string) (Operation, error) {
	for op, n := range operationNames {
		if n == name && op != OpNone {
			return op, nil
		}
	}

	return OpNone, errors.Wrap(ErrNoSuchOperation, name)
}

// PowerState is the power status of a slot.
type PowerState int

// Power states.
const (
	PowerOff PowerState = iota
	PowerOn
)

func (p PowerState) String() string {
	if p == PowerOn {
		return "on"
	}

	return "off"
}

// AttentionState is the status of the attention indicator.
type AttentionState int

// Attention indicator states.
const (
	AttentionOff AttentionState = iota
	AttentionOn
	AttentionBlink
)

func (a AttentionState) String() string {
	switch a {
	case AttentionOff:
		return "off"
	case AttentionOn:
		return "on"
	case AttentionBlink:
		return "blink"
	default:
		return fmt.Sprintf("attention(%d)", int(a))
	}
}

// LatchState is the status of the retention latch.
type LatchState int

// Latch states.
const (
	LatchClosed LatchState = iota
	LatchOpen
)

// Ops is the capability set of a slot variant. Beyond naming its states, a
// variant implements any subset of the capability interfaces below. A
// missing capability falls back to the default documented on the matching
// Slot method.
type Ops interface {
	States() *StateSet
}

// PresenceGetter reports whether a device is plugged in.
type PresenceGetter interface {
	GetPresence(s *Slot) (bool, error)
}

// LinkGetter reports the trained link width, 0 when the link is down.
type LinkGetter interface {
	GetLinkWidth(s *Slot) (uint32, error)
}

// PowerGetter reports the slot power.
type PowerGetter interface {
	GetPower(s *Slot) (PowerState, error)
}

// PowerSetter switches the slot power.
type PowerSetter interface {
	SetPower(s *Slot, p PowerState) error
}

// AttentionGetter reports the attention indicator.
type AttentionGetter interface {
	GetAttention(s *Slot) (AttentionState, error)
}

// AttentionSetter drives the attention indicator.
type AttentionSetter interface {
	SetAttention(s *Slot, a AttentionState) error
}

// LatchGetter reports the retention latch.
type LatchGetter interface {
	GetLatch(s *Slot) (LatchState, error)
}

// LinkChangePreparer is told before the link goes down and after it comes
// back up.
type LinkChangePreparer interface {
	PrepareLinkChange(s *Slot, up bool)
}

// LinkPoller runs the link-up polling sequence.
type LinkPoller interface {
	PollLink(s *Slot) Result
}

// HotResetter runs the hot reset sequence.
type HotResetter interface {
	HotReset(s *Slot) Result
}

// FundamentalResetter runs the fundamental reset sequence.
type FundamentalResetter interface {
	FundamentalReset(s *Slot) Result
}

// PostFundamentalResetter runs the platform specific sequence after a
// fundamental reset.
type PostFundamentalResetter interface {
	PostFundamentalReset(s *Slot) Result
}

// CompleteResetter runs the complete reset sequence.
type CompleteResetter interface {
	CompleteReset(s *Slot) Result
}

// Initializer populates the capability fields of a slot from hardware when
// the slot is created.
type Initializer interface {
	InitSlot(s *Slot) error
}

var nullStates = NewStateSet("null", nil)

// NullOps is the variant without any capability.
type NullOps struct{}

// States returns the single-state enumeration of the null variant.
func (NullOps) States() *StateSet {
	return nullStates
}
