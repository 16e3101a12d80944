package main

import (
	"cmp"
	"context"
	"fmt"
	"io"
	"slices"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"

	"github.com/ardnew/mschost/host/class/msc"
)

func newListCmd(opts *globalOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List attached mass storage devices",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withSession(cmd, opts, func(ctx context.Context, s *session) error {
				devices, err := s.installAll(ctx)
				if err != nil {
					return err
				}
				return writeDeviceTable(cmd.OutOrStdout(), devices)
			})
		},
	}
}

// withSession runs fn with a session bounded by the --timeout flag.
func withSession(cmd *cobra.Command, opts *globalOptions, fn func(context.Context, *session) error) error {
	ctx, cancel := context.WithTimeout(cmd.Context(), opts.timeout)
	defer cancel()

	s, err := openSession(ctx, opts)
	if err != nil {
		return err
	}
	err = fn(ctx, s)
	if cerr := s.Close(); err == nil {
		err = cerr
	}
	return err
}

func writeDeviceTable(w io.Writer, devices []*msc.Device) error {
	slices.SortFunc(devices, func(a, b *msc.Device) int {
		return cmp.Compare(a.Address(), b.Address())
	})

	tw := table.NewWriter()
	tw.SetOutputMirror(w)
	tw.SetStyle(table.StyleLight)
	tw.AppendHeader(table.Row{"Address", "VID:PID", "Vendor", "Product", "Revision", "Block Size", "Capacity"})
	for _, dev := range devices {
		inq := dev.InquiryData()
		handle := dev.Handle()
		tw.AppendRow(table.Row{
			dev.Address(),
			fmt.Sprintf("%04x:%04x", handle.VendorID(), handle.ProductID()),
			inq.Vendor,
			inq.Product,
			inq.Revision,
			dev.BlockSize(),
			formatBytes(dev.Capacity()),
		})
	}
	tw.AppendFooter(table.Row{"", "", "", "", "", "Devices", len(devices)})
	tw.Render()
	return nil
}

// formatBytes renders n with a binary unit suffix.
func formatBytes(n int64) string {
	const unit = 1024
	if n < unit {
		return fmt.Sprintf("%d B", n)
	}
	div, exp := int64(unit), 0
	for m := n / unit; m >= unit; m /= unit {
		div *= unit
		exp++
	}
	return fmt.Sprintf("%.1f %ciB", float64(n)/float64(div), "KMGTPE"[exp])
}
