package main

import (
	"fmt"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/ardnew/mschost/pkg"
)

// globalOptions holds the persistent flags.
type globalOptions struct {
	sim       int
	logLevel  string
	logFormat string
	settle    time.Duration
	timeout   time.Duration
}

func newRootCmd() *cobra.Command {
	opts := &globalOptions{}

	cmd := &cobra.Command{
		Use:   "mscctl",
		Short: "Inspect USB mass storage devices",
		Long: `Enumerate USB mass storage devices, show their descriptors and SCSI
identification, and read sectors through the Bulk-Only Transport driver.`,
		SilenceUsage: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return opts.configureLogging()
		},
	}

	flags := cmd.PersistentFlags()
	flags.IntVar(&opts.sim, "sim", 0, "use N simulated disks instead of real hardware")
	flags.StringVar(&opts.logLevel, "log-level", "warn", "log level (debug, info, warn, error)")
	flags.StringVar(&opts.logFormat, "log-format", "text", "log format (text, json)")
	flags.DurationVar(&opts.settle, "settle", time.Second, "how long to wait for devices to appear")
	flags.DurationVar(&opts.timeout, "timeout", 30*time.Second, "overall command timeout")

	cmd.AddCommand(
		newListCmd(opts),
		newInfoCmd(opts),
		newReadCmd(opts),
		newWatchCmd(opts),
	)
	return cmd
}

func (o *globalOptions) configureLogging() error {
	level, err := logrus.ParseLevel(o.logLevel)
	if err != nil {
		return err
	}
	pkg.SetLogLevel(level)

	switch o.logFormat {
	case "text":
		pkg.SetLogFormat(pkg.LogFormatText)
	case "json":
		pkg.SetLogFormat(pkg.LogFormatJSON)
	default:
		return fmt.Errorf("unknown log format %q", o.logFormat)
	}
	return nil
}
