package slot

import (
	"fmt"
	"sort"
)

// State is one value of a variant's state enumeration.
type State uint32

// StateNormal is the idle state every variant starts and ends in.
const StateNormal State = 0

// A StateSet is the closed enumeration of states one slot variant may
// occupy.
type StateSet struct {
	variant string
	names   map[State]string
}

// NewStateSet creates the state enumeration of a variant. StateNormal is
// always a member.
func NewStateSet(variant string, names map[State]string) *StateSet {
	s := &StateSet{
		variant: variant,
		names:   map[State]string{StateNormal: "NORMAL"},
	}

	for st, n := range names {
		s.names[st] = n
	}

	return s
}

// Variant returns the name of the slot variant the set belongs to.
func (s *StateSet) Variant() string {
	return s.variant
}

// Has tells if st is a member of the set.
func (s *StateSet) Has(st State) bool {
	_, ok := s.names[st]
	return ok
}

// Name returns the printable name of a state.
func (s *StateSet) Name(st State) string {
	n, ok := s.names[st]
	if !ok {
		return fmt.Sprintf("%s(%#x)", s.variant, uint32(st))
	}

	return n
}

// States lists all members in ascending order.
func (s *StateSet) States() []State {
	states := make([]State, 0, len(s.names))
	for st := range s.names {
		states = append(states, st)
	}

	sort.Slice(states, func(i, j int) bool { return states[i] < states[j] })

	return states
}
