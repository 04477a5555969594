// Package metrics exports slot activity as prometheus metrics. A Collector
// is a slot hook: attach it to every slot and register it once.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"

	"github.com/sarchlab/slotreset/sim"
	"github.com/sarchlab/slotreset/slot"
)

// Collector counts operations, transitions and diagnostics of the slots it
// hooks into. Durations are measured in virtual time.
type Collector struct {
	OperationsStarted  *prometheus.CounterVec
	OperationsFinished *prometheus.CounterVec
	Transitions        *prometheus.CounterVec
	Diagnostics        *prometheus.CounterVec
	OperationDuration  *prometheus.HistogramVec
}

// NewCollector creates the metric vectors. Nothing is registered yet.
func NewCollector() *Collector {
	return &Collector{
		OperationsStarted: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "slotreset_operations_started_total",
				Help: "Number of slot operations started",
			},
			[]string{"variant", "operation"},
		),
		OperationsFinished: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "slotreset_operations_finished_total",
				Help: "Number of slot operations finished, by status",
			},
			[]string{"variant", "operation", "status"},
		),
		Transitions: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "slotreset_state_transitions_total",
				Help: "Number of slot state transitions",
			},
			[]string{"variant"},
		),
		Diagnostics: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "slotreset_diagnostics_total",
				Help: "Number of diagnostic records emitted",
			},
			[]string{"variant", "kind"},
		),
		OperationDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "slotreset_operation_duration_seconds",
				Help:    "Virtual time taken by slot operations",
				Buckets: prometheus.ExponentialBuckets(0.001, 4, 8),
			},
			[]string{"variant", "operation"},
		),
	}
}

// Register adds every metric to a registry.
func (c *Collector) Register(reg prometheus.Registerer) error {
	for _, m := range []prometheus.Collector{
		c.OperationsStarted,
		c.OperationsFinished,
		c.Transitions,
		c.Diagnostics,
		c.OperationDuration,
	} {
		err := reg.Register(m)
		if err != nil {
			return err
		}
	}

	return nil
}

// MustRegister is Register that panics on failure.
func (c *Collector) MustRegister(reg prometheus.Registerer) {
	err := c.Register(reg)
	if err != nil {
		panic(err)
	}
}

// Func updates the metrics from a slot hook.
func (c *Collector) Func(ctx sim.HookCtx) {
	s, ok := ctx.Item.(*slot.Slot)
	if !ok {
		return
	}

	variant := s.Variant()

	switch ctx.Pos {
	case slot.HookPosOperationStart:
		op := ctx.Detail.(slot.Operation)
		c.OperationsStarted.WithLabelValues(variant, op.String()).Inc()
	case slot.HookPosOperationEnd:
		end := ctx.Detail.(slot.OperationEnd)
		op := end.Operation.String()
		c.OperationsFinished.
			WithLabelValues(variant, op, end.Result.Status.String()).Inc()
		c.OperationDuration.
			WithLabelValues(variant, op).Observe(end.Duration.Seconds())
	case slot.HookPosStateChange:
		c.Transitions.WithLabelValues(variant).Inc()
	case slot.HookPosDiagnostic:
		d := ctx.Detail.(slot.Diagnostic)
		c.Diagnostics.WithLabelValues(variant, d.Kind).Inc()
	}
}
