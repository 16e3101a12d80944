package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/ardnew/mschost/host/class/msc"
	"github.com/ardnew/mschost/pkg"
)

func newWatchCmd(opts *globalOptions) *cobra.Command {
	var duration time.Duration

	cmd := &cobra.Command{
		Use:   "watch",
		Short: "Print mass storage connect and disconnect events",
		Long: `Install every mass storage device as it connects and print a line for
each connection and removal. Runs until interrupted, or for --for.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			if duration > 0 {
				var cancel context.CancelFunc
				ctx, cancel = context.WithTimeout(ctx, duration)
				defer cancel()
			}

			s, err := openSession(ctx, opts)
			if err != nil {
				return err
			}
			defer s.Close()

			w := cmd.OutOrStdout()
			for _, addr := range s.present() {
				s.event(&msc.Event{Type: msc.DeviceConnected, Address: addr}, nil)
			}
			for {
				select {
				case <-ctx.Done():
					return nil
				case ev := <-s.events:
					switch ev.Type {
					case msc.DeviceConnected:
						if s.installed(ev.Address) {
							continue
						}
						dev, err := s.driver.InstallDevice(ev.Address)
						if err != nil {
							pkg.LogWarn(pkg.ComponentCLI, "install failed", "address", ev.Address, "error", err)
							fmt.Fprintf(w, "connected    address=%d install failed: %v\n", ev.Address, err)
							continue
						}
						inq := dev.InquiryData()
						fmt.Fprintf(w, "connected    address=%d %s %s capacity=%s\n",
							dev.Address(), inq.Vendor, inq.Product, formatBytes(dev.Capacity()))
					case msc.DeviceDisconnected:
						fmt.Fprintf(w, "disconnected address=%d\n", ev.Device.Address())
						if err := s.driver.UninstallDevice(ev.Device); err != nil {
							pkg.LogWarn(pkg.ComponentCLI, "uninstall failed", "error", err)
						}
					}
				}
			}
		},
	}
	cmd.Flags().DurationVar(&duration, "for", 0, "stop after this long (0 runs until interrupted)")
	return cmd
}
