package slot

import (
	"github.com/pkg/errors"

	"github.com/sarchlab/slotreset/sim"
)

// ErrBootstrapTimeout is returned when a blocking run exceeds its limit.
var ErrBootstrapTimeout = errors.New("operation did not finish in time")

// RunToCompletion runs an operation by sleeping the clock between phases.
// It is meant for bootstrap, before an engine can drive slots, and the slot
// must use the same clock as its time source. The wait stops with
// ErrBootstrapTimeout once limit has elapsed. The operation is then still
// active.
func RunToCompletion(
	s *Slot,
	op Operation,
	clock sim.Clock,
	limit sim.VTimeInNs,
) (Result, error) {
	r, err := s.Start(op)
	if err != nil {
		return r, err
	}

	start := clock.CurrentTime()
	for r.Status == InProgress {
		if clock.CurrentTime()-start+r.ResumeAfter > limit {
			return r, errors.Wrapf(ErrBootstrapTimeout,
				"slot %s %s after %s", s.ID, op, clock.CurrentTime()-start)
		}

		clock.Sleep(r.ResumeAfter)
		r = s.Continue()
	}

	return r, nil
}
