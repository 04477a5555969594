package slot

import "github.com/sarchlab/slotreset/sim"

// Hook positions slots invoke.
var (
	HookPosStateChange    = &sim.HookPos{Name: "SlotStateChange"}
	HookPosOperationStart = &sim.HookPos{Name: "SlotOperationStart"}
	HookPosOperationEnd   = &sim.HookPos{Name: "SlotOperationEnd"}
	HookPosDiagnostic     = &sim.HookPos{Name: "SlotDiagnostic"}
)

// StateChange is the hook detail of a state transition.
type StateChange struct {
	From, To         State
	FromName, ToName string
	Time             sim.VTimeInNs
}

// OperationEnd is the hook detail of a finished operation.
type OperationEnd struct {
	Operation Operation
	Result    Result
	Duration  sim.VTimeInNs
}

// Diagnostic is an operator-visible record emitted on degraded links and
// training failures.
type Diagnostic struct {
	SlotID    string
	Kind      string
	RawStatus uint64
	Elapsed   sim.VTimeInNs
	Message   string
}
