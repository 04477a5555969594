package cmd

import (
	"fmt"
	"io"
	"text/tabwriter"

	"github.com/pkg/browser"
	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"

	"github.com/sarchlab/slotreset/datarecording"
	"github.com/sarchlab/slotreset/metrics"
	"github.com/sarchlab/slotreset/monitoring"
	"github.com/sarchlab/slotreset/platform"
	"github.com/sarchlab/slotreset/slot"
)

// ErrOperationsFailed is returned when an operation did not succeed.
var ErrOperationsFailed = errors.New("operations failed")

type runOptions struct {
	*options

	ops         []string
	slots       []string
	db          string
	transitions bool
	monitor     bool
	port        int
	openBrowser bool
	hold        bool
}

func newRunCmd(opts *options) *cobra.Command {
	ro := &runOptions{options: opts}

	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run operations on the slots of a platform.",
		Long: "`run --op freset --slot OCAPI0` starts each operation on each " +
			"selected slot at time 0 and runs the platform until every " +
			"operation has ended. Without --slot, every slot is selected.",
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return ro.run(cmd.OutOrStdout())
		},
	}

	flags := cmd.Flags()
	flags.StringArrayVar(&ro.ops, "op", []string{"freset"},
		"operation to run: poll_link, hreset, freset, pfreset or creset")
	flags.StringArrayVar(&ro.slots, "slot", nil, "slot to run on")
	flags.StringVar(&ro.db, "db", "",
		"record diagnostics into this SQLite database (without extension)")
	flags.BoolVar(&ro.transitions, "transitions", false,
		"also record every state transition")
	flags.BoolVar(&ro.monitor, "monitor", false, "serve the monitor API")
	flags.IntVar(&ro.port, "port", 0, "monitor port, random when 0")
	flags.BoolVar(&ro.openBrowser, "open-browser", false,
		"open the monitor in a browser")
	flags.BoolVar(&ro.hold, "hold", false,
		"keep the monitor serving after the run, until interrupted")

	return cmd
}

func (o *options) loadConfig() (*platform.Config, error) {
	if o.platform == "" {
		return platform.Default(), nil
	}

	return platform.Load(o.platform)
}

func (ro *runOptions) parseOps() ([]slot.Operation, error) {
	ops := make([]slot.Operation, 0, len(ro.ops))

	for _, name := range ro.ops {
		op, err := slot.ParseOperation(name)
		if err != nil {
			return nil, err
		}

		ops = append(ops, op)
	}

	return ops, nil
}

func (ro *runOptions) run(out io.Writer) error {
	ops, err := ro.parseOps()
	if err != nil {
		return err
	}

	cfg, err := ro.loadConfig()
	if err != nil {
		return err
	}

	collector := metrics.NewCollector()
	registry := prometheus.NewRegistry()
	collector.MustRegister(registry)

	builder := platform.MakeBuilder().
		WithLogger(ro.log).
		WithHook(collector)

	var recorder *datarecording.SlotRecorder

	if ro.db != "" {
		r, err := datarecording.New(ro.db)
		if err != nil {
			return err
		}
		defer r.Close()

		recorder, err = datarecording.NewSlotRecorder(r, ro.transitions)
		if err != nil {
			return err
		}

		recorder.WithLogger(ro.log.WithName("recorder"))
		builder = builder.WithHook(recorder)
	}

	p, err := builder.Build(cfg)
	if err != nil {
		return err
	}

	if ro.monitor {
		err = ro.startMonitor(p, registry)
		if err != nil {
			return err
		}
	}

	err = ro.trigger(out, p, ops)
	if err != nil {
		return err
	}

	err = p.Run()
	if err != nil {
		return err
	}

	failed := printOutcomes(out, p.Driver.Outcomes())

	if ro.monitor && ro.hold {
		fmt.Fprintln(out, "Run finished, monitor still serving. Interrupt to quit.")
		select {}
	}

	if failed > 0 {
		return errors.Wrapf(ErrOperationsFailed, "%d of %d",
			failed, len(p.Driver.Outcomes()))
	}

	return nil
}

func (ro *runOptions) startMonitor(
	p *platform.Platform,
	registry *prometheus.Registry,
) error {
	url, err := monitoring.NewMonitor(p).
		WithPortNumber(ro.port).
		WithGatherer(registry).
		WithLogger(ro.log.WithName("monitor")).
		StartServer()
	if err != nil {
		return err
	}

	if ro.openBrowser {
		err = browser.OpenURL(url + "/api/slots")
		if err != nil {
			ro.log.Error(err, "cannot open browser", "url", url)
		}
	}

	return nil
}

// trigger schedules the operations at time 0. Slots that lack an operation
// are skipped with a note.
func (ro *runOptions) trigger(
	out io.Writer,
	p *platform.Platform,
	ops []slot.Operation,
) error {
	ids := ro.slots
	if len(ids) == 0 {
		for _, s := range p.Driver.Slots() {
			ids = append(ids, s.ID)
		}
	}

	for _, id := range ids {
		s, err := p.Driver.Slot(id)
		if err != nil {
			return err
		}

		for _, op := range ops {
			if !s.Supports(op) {
				fmt.Fprintf(out, "%s does not support %s, skipped\n", id, op)
				continue
			}

			err = p.Driver.TriggerAt(0, id, op)
			if err != nil {
				return err
			}
		}
	}

	return nil
}

func printOutcomes(out io.Writer, outcomes []platform.Outcome) int {
	failed := 0

	w := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "SLOT\tOPERATION\tSTATUS\tSTART\tEND")

	for _, o := range outcomes {
		if o.Status != slot.Success.String() {
			failed++
		}

		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\n",
			o.SlotID, o.Operation, o.Status, o.Start, o.End)
	}

	_ = w.Flush()

	return failed
}
