package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"zwave-go-home/internal/security"
)

func newDSKCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "dsk <dsk>",
		Short: "Show the PIN and SmartStart home IDs derived from a DSK",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			d, err := security.ParseDSK(args[0])
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			nwi, auth := d.NWIHomeID(), d.AuthHomeID()
			fmt.Fprintf(out, "DSK:           %s\n", d)
			fmt.Fprintf(out, "PIN:           %s\n", d.PIN())
			fmt.Fprintf(out, "NWI home ID:   %X\n", nwi[:])
			fmt.Fprintf(out, "Auth home ID:  %X\n", auth[:])
			return nil
		},
	}
}
