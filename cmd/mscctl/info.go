package main

import (
	"context"
	"fmt"
	"strconv"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"

	"github.com/ardnew/mschost/host/hal"
)

func newInfoCmd(opts *globalOptions) *cobra.Command {
	return &cobra.Command{
		Use:     "info <address>",
		Short:   "Show identification and descriptors of a device",
		Example: "mscctl --sim 1 info 1",
		Args:    cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			addr, err := parseAddress(args[0])
			if err != nil {
				return err
			}
			return withSession(cmd, opts, func(ctx context.Context, s *session) error {
				dev, err := s.find(ctx, addr)
				if err != nil {
					return err
				}
				info, err := dev.Info()
				if err != nil {
					return err
				}
				inq := dev.InquiryData()

				w := cmd.OutOrStdout()
				tw := table.NewWriter()
				tw.SetOutputMirror(w)
				tw.SetTitle("Device %d", addr)
				tw.AppendRows([]table.Row{
					{"Vendor ID", fmt.Sprintf("0x%04x", info.VendorID)},
					{"Product ID", fmt.Sprintf("0x%04x", info.ProductID)},
					{"Manufacturer", info.ManufacturerString()},
					{"Product", info.ProductString()},
					{"Serial Number", info.SerialNumberString()},
					{"SCSI Vendor", inq.Vendor},
					{"SCSI Product", inq.Product},
					{"SCSI Revision", inq.Revision},
					{"Removable", inq.Removable},
					{"Sector Size", info.SectorSize},
					{"Sector Count", info.SectorCount},
					{"Capacity", formatBytes(dev.Capacity())},
				})
				tw.Render()
				fmt.Fprintln(w)
				return dev.PrintDescriptors(w)
			})
		},
	}
}

// parseAddress parses a device address in decimal or 0x hex.
func parseAddress(s string) (hal.DeviceAddress, error) {
	v, err := strconv.ParseUint(s, 0, 8)
	if err != nil || v == 0 || v > 127 {
		return 0, fmt.Errorf("invalid device address %q", s)
	}
	return hal.DeviceAddress(v), nil
}
