package slot

// Presence reports whether a device is plugged in. Without the capability a
// slot is always present.
func (s *Slot) Presence() (bool, error) {
	if g, ok := s.Ops.(PresenceGetter); ok {
		return g.GetPresence(s)
	}

	return true, nil
}

// LinkWidth reports the trained link width. Without the capability it
// reports 0.
func (s *Slot) LinkWidth() (uint32, error) {
	if g, ok := s.Ops.(LinkGetter); ok {
		return g.GetLinkWidth(s)
	}

	return 0, nil
}

// Power reports the power state. Without the capability power is on.
func (s *Slot) Power() (PowerState, error) {
	if g, ok := s.Ops.(PowerGetter); ok {
		return g.GetPower(s)
	}

	return PowerOn, nil
}

// SetPower switches power. Without the capability it does nothing.
func (s *Slot) SetPower(p PowerState) error {
	if g, ok := s.Ops.(PowerSetter); ok {
		return g.SetPower(s, p)
	}

	return nil
}

// Attention reports the attention indicator. Without the capability it is
// off.
func (s *Slot) Attention() (AttentionState, error) {
	if g, ok := s.Ops.(AttentionGetter); ok {
		return g.GetAttention(s)
	}

	return AttentionOff, nil
}

// SetAttention drives the attention indicator. Without the capability it
// does nothing.
func (s *Slot) SetAttention(a AttentionState) error {
	if g, ok := s.Ops.(AttentionSetter); ok {
		return g.SetAttention(s, a)
	}

	return nil
}

// Latch reports the retention latch. Without the capability it is closed.
func (s *Slot) Latch() (LatchState, error) {
	if g, ok := s.Ops.(LatchGetter); ok {
		return g.GetLatch(s)
	}

	return LatchClosed, nil
}

// PrepareLinkChange tells the variant the link is about to go down, or has
// come up. Without the capability it does nothing.
func (s *Slot) PrepareLinkChange(up bool) {
	if p, ok := s.Ops.(LinkChangePreparer); ok {
		p.PrepareLinkChange(s, up)
	}
}

// Supports tells if the slot can run an operation.
func (s *Slot) Supports(op Operation) bool {
	return s.sequence(op) != nil
}
