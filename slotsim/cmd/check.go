package cmd

import (
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"github.com/sarchlab/slotreset/platform"
)

func newCheckCmd(opts *options) *cobra.Command {
	var probe bool

	cmd := &cobra.Command{
		Use:   "check",
		Short: "Validate a platform description.",
		Long: "`check` parses and validates the platform description. " +
			"With --probe it also builds the platform and reports the " +
			"presence detected on every slot.",
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return opts.check(cmd.OutOrStdout(), probe)
		},
	}

	cmd.Flags().BoolVar(&probe, "probe", false, "build and probe presence")

	return cmd
}

func (o *options) check(out io.Writer, probe bool) error {
	cfg, err := o.loadConfig()
	if err != nil {
		return err
	}

	err = cfg.Validate()
	if err != nil {
		return err
	}

	fmt.Fprintf(out, "%s: %d PCIe slots, %d OpenCAPI bricks, %d shared lane pairs\n",
		cfg.Name, len(cfg.Slots), len(cfg.Bricks), len(cfg.Shared))

	if !probe {
		return nil
	}

	p, err := platform.MakeBuilder().WithLogger(o.log).Build(cfg)
	if err != nil {
		return err
	}

	for _, s := range p.Driver.Slots() {
		present, err := s.Presence()
		if err != nil {
			fmt.Fprintf(out, "%s\t%s\terror: %v\n", s.ID, s.Variant(), err)
			continue
		}

		fmt.Fprintf(out, "%s\t%s\tpresent=%t\n", s.ID, s.Variant(), present)
	}

	return nil
}
