package datarecording

import (
	"context"
	"fmt"

	"github.com/go-logr/logr"
	"github.com/rs/xid"

	"github.com/sarchlab/slotreset/sim"
	"github.com/sarchlab/slotreset/slot"
)

// Table names used by SlotRecorder.
const (
	DiagnosticsTable = "diagnostics"
	TransitionsTable = "transitions"
)

// DiagnosticEntry is one row of the diagnostics table. The raw status is
// kept as hex text since SQLite integers are signed.
type DiagnosticEntry struct {
	ID        string `structs:"id"`
	Time      uint64 `structs:"time_ns"`
	Slot      string `structs:"slot"`
	Variant   string `structs:"variant"`
	Kind      string `structs:"kind"`
	RawStatus string `structs:"raw_status"`
	Elapsed   uint64 `structs:"elapsed_ns"`
	Message   string `structs:"message"`
}

// TransitionEntry is one row of the transitions table.
type TransitionEntry struct {
	Time      uint64 `structs:"time_ns"`
	Slot      string `structs:"slot"`
	Variant   string `structs:"variant"`
	Operation string `structs:"operation"`
	From      string `structs:"from_state"`
	To        string `structs:"to_state"`
}

// SlotRecorder is a slot hook that records diagnostics and, optionally,
// every state transition.
type SlotRecorder struct {
	recorder    DataRecorder
	log         logr.Logger
	transitions bool
}

// NewSlotRecorder creates the tables on a recorder. Transitions are only
// stored when withTransitions is set.
func NewSlotRecorder(r DataRecorder, withTransitions bool) (*SlotRecorder, error) {
	err := r.CreateTable(DiagnosticsTable, DiagnosticEntry{})
	if err != nil {
		return nil, err
	}

	if withTransitions {
		err = r.CreateTable(TransitionsTable, TransitionEntry{})
		if err != nil {
			return nil, err
		}
	}

	return &SlotRecorder{
		recorder:    r,
		log:         logr.Discard(),
		transitions: withTransitions,
	}, nil
}

// WithLogger sets the logger insert failures are reported to.
func (h *SlotRecorder) WithLogger(l logr.Logger) *SlotRecorder {
	h.log = l
	return h
}

// Func records the hook event.
func (h *SlotRecorder) Func(ctx sim.HookCtx) {
	s, ok := ctx.Item.(*slot.Slot)
	if !ok {
		return
	}

	var err error

	switch ctx.Pos {
	case slot.HookPosDiagnostic:
		d := ctx.Detail.(slot.Diagnostic)
		err = h.recorder.InsertData(DiagnosticsTable, DiagnosticEntry{
			ID:        xid.New().String(),
			Time:      uint64(s.Now()),
			Slot:      d.SlotID,
			Variant:   s.Variant(),
			Kind:      d.Kind,
			RawStatus: fmt.Sprintf("%#x", d.RawStatus),
			Elapsed:   uint64(d.Elapsed),
			Message:   d.Message,
		})
	case slot.HookPosStateChange:
		if !h.transitions {
			return
		}

		c := ctx.Detail.(slot.StateChange)
		err = h.recorder.InsertData(TransitionsTable, TransitionEntry{
			Time:      uint64(c.Time),
			Slot:      s.ID,
			Variant:   s.Variant(),
			Operation: s.Operation().String(),
			From:      c.FromName,
			To:        c.ToName,
		})
	}

	if err != nil {
		h.log.Error(err, "cannot record", "slot", s.ID)
	}
}

// Flush writes buffered records.
func (h *SlotRecorder) Flush() error {
	return h.recorder.Flush()
}

// Diagnostics reads the diagnostics of a slot back, oldest first. An empty
// slot ID returns all of them.
func Diagnostics(
	ctx context.Context,
	r DataReader,
	slotID string,
) ([]DiagnosticEntry, error) {
	r.MapTable(DiagnosticsTable, DiagnosticEntry{})

	params := QueryParams{OrderBy: "time_ns, rowid"}
	if slotID != "" {
		params.Where = "slot = ?"
		params.Args = []any{slotID}
	}

	rows, _, err := r.Query(ctx, DiagnosticsTable, params)
	if err != nil {
		return nil, err
	}

	entries := make([]DiagnosticEntry, 0, len(rows))
	for _, row := range rows {
		entries = append(entries, *row.(*DiagnosticEntry))
	}

	return entries, nil
}
