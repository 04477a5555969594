package slot

import (
	"fmt"

	"github.com/sarchlab/slotreset/sim"
)

// Status is the outcome class of one invocation of an operation.
type Status int

// The four outcomes an invocation can produce.
const (
	Success Status = iota
	InProgress
	HardwareFailure
	Unsupported
)

func (s Status) String() string {
	switch s {
	case Success:
		return "success"
	case InProgress:
		return "in-progress"
	case HardwareFailure:
		return "hardware-failure"
	case Unsupported:
		return "unsupported"
	default:
		return fmt.Sprintf("status(%d)", int(s))
	}
}

// Terminal tells if the status ends an operation.
func (s Status) Terminal() bool {
	return s != InProgress
}

// Result is what an operation phase returns. ResumeAfter is only meaningful
// for InProgress.
type Result struct {
	Status      Status
	ResumeAfter sim.VTimeInNs
}

func (r Result) String() string {
	if r.Status == InProgress {
		return fmt.Sprintf("%s(%s)", r.Status, r.ResumeAfter)
	}

	return r.Status.String()
}

// Succeeded ends an operation successfully.
func Succeeded() Result {
	return Result{Status: Success}
}

// Failed ends an operation with a hardware failure.
func Failed() Result {
	return Result{Status: HardwareFailure}
}

// NotSupported reports that the slot lacks the capability.
func NotSupported() Result {
	return Result{Status: Unsupported}
}
