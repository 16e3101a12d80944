package main

import (
	"context"
	"encoding/hex"
	"fmt"
	"strconv"

	"github.com/spf13/cobra"

	"github.com/ardnew/mschost/pkg"
)

// maxReadSectors bounds a single read command.
const maxReadSectors = 1024

func newReadCmd(opts *globalOptions) *cobra.Command {
	return &cobra.Command{
		Use:     "read <address> <lba> <count>",
		Short:   "Hex dump sectors of a device",
		Example: "mscctl --sim 1 read 1 0 1",
		Args:    cobra.ExactArgs(3),
		RunE: func(cmd *cobra.Command, args []string) error {
			addr, err := parseAddress(args[0])
			if err != nil {
				return err
			}
			lba, err := strconv.ParseUint(args[1], 0, 32)
			if err != nil {
				return fmt.Errorf("invalid lba %q: %w", args[1], pkg.ErrInvalidArgument)
			}
			count, err := strconv.ParseUint(args[2], 0, 32)
			if err != nil || count == 0 || count > maxReadSectors {
				return fmt.Errorf("invalid sector count %q: %w", args[2], pkg.ErrInvalidArgument)
			}

			return withSession(cmd, opts, func(ctx context.Context, s *session) error {
				dev, err := s.find(ctx, addr)
				if err != nil {
					return err
				}
				buf := make([]byte, int(count)*int(dev.BlockSize()))
				if err := dev.ReadSectors(uint32(lba), uint32(count), buf); err != nil {
					return err
				}

				dumper := hex.Dumper(cmd.OutOrStdout())
				defer dumper.Close()
				_, err = dumper.Write(buf)
				return err
			})
		},
	}
}
