// Package cmd provides the command-line interface of slotsim.
package cmd

import (
	"os"

	"github.com/go-logr/logr"
	"github.com/joho/godotenv"
	"github.com/pkg/errors"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/tebeka/atexit"
)

// Environment variables that seed flags the command line leaves unset.
var envFlags = map[string]string{
	"platform":  "SLOTSIM_PLATFORM",
	"db":        "SLOTSIM_DB",
	"port":      "SLOTSIM_MONITOR_PORT",
	"log-level": "SLOTSIM_LOG_LEVEL",
}

type options struct {
	envFile  string
	platform string
	logLevel string

	log   logr.Logger
	flush func()
}

// NewRootCmd creates the slotsim command tree.
func NewRootCmd() *cobra.Command {
	opts := &options{log: logr.Discard(), flush: func() {}}

	root := &cobra.Command{
		Use:   "slotsim",
		Short: "Run slot resets and link training on a simulated platform.",
		Long: `slotsim builds a simulated platform from a description, ` +
			`runs PCIe and OpenCAPI reset sequences on its slots and ` +
			`reports the outcome of each.`,
		SilenceUsage: true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			return opts.prepare(cmd)
		},
		PersistentPostRun: func(*cobra.Command, []string) {
			opts.flush()
		},
	}

	flags := root.PersistentFlags()
	flags.StringVar(&opts.envFile, "env-file", ".env",
		"file to load environment variables from, if it exists")
	flags.StringVar(&opts.platform, "platform", "",
		"platform description; the built-in platform when empty")
	flags.StringVar(&opts.logLevel, "log-level", "info",
		"one of info, debug and trace")

	root.AddCommand(newRunCmd(opts), newCheckCmd(opts))

	return root
}

func (o *options) prepare(cmd *cobra.Command) error {
	err := loadEnvFile(o.envFile)
	if err != nil {
		return err
	}

	err = applyEnv(cmd.Flags())
	if err != nil {
		return err
	}

	o.log, o.flush, err = newLogger(o.logLevel)

	return err
}

func loadEnvFile(path string) error {
	if path == "" {
		return nil
	}

	_, err := os.Stat(path)
	if os.IsNotExist(err) {
		return nil
	}

	return errors.Wrapf(godotenv.Load(path), "load %s", path)
}

// applyEnv sets every flag that was not given on the command line from its
// environment variable.
func applyEnv(flags *pflag.FlagSet) error {
	for name, env := range envFlags {
		f := flags.Lookup(name)
		if f == nil || f.Changed {
			continue
		}

		v, ok := os.LookupEnv(env)
		if !ok {
			continue
		}

		err := flags.Set(name, v)
		if err != nil {
			return errors.Wrapf(err, "%s=%q", env, v)
		}
	}

	return nil
}

// Execute runs the command line and exits with a non-zero code on failure.
// Exit handlers, such as recorder flushes, run before the process ends.
func Execute() {
	err := NewRootCmd().Execute()
	if err != nil {
		atexit.Exit(1)
	}

	atexit.Exit(0)
}
