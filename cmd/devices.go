// File: cmd/devices.go
package cmd

import (
	"fmt"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/xkilldash9x/rerollctl/internal/device"
)

func newDevicesCmd(a *app) *cobra.Command {
	var connect bool
	devicesCmd := &cobra.Command{
		Use:   "devices",
		Short: "List the emulators the adb server knows about",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			client := device.NewClient(a.cfg.Devices().ADBPath, a.logger)
			if connect {
				if _, err := client.Discover(ctx, a.cfg.Devices().Ports); err != nil {
					return err
				}
			}
			infos, err := client.List(ctx)
			if err != nil {
				return err
			}

			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 2, ' ', 0)
			fmt.Fprintln(w, "SERIAL\tPORT\tSTATE")
			for _, info := range infos {
				fmt.Fprintf(w, "%s\t%s\t%s\n", info.Serial, device.Port(info.Serial), info.State)
			}
			return w.Flush()
		},
	}
	devicesCmd.Flags().BoolVar(&connect, "connect", false, "connect every configured port before listing")
	return devicesCmd
}
