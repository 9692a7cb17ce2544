package commands

import (
	"fmt"
	"text/tabwriter"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/piwi3910/ibmcast/internal/config"
	"github.com/piwi3910/ibmcast/internal/fabric"
)

func newDevicesCmd(flags *globalFlags) *cobra.Command {
	var (
		opts   config.Options
		asYAML bool
	)

	cmd := &cobra.Command{
		Use:   "devices",
		Short: "List RDMA adapters and port states seen by the fabric backend",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := flags.load(opts)
			if err != nil {
				return err
			}

			backend, err := fabric.NewBackend(cfg.Fabric.Backend, cfg.Fabric.SysfsRoot)
			if err != nil {
				return err
			}

			devices, err := backend.Devices(cmd.Context())
			if err != nil {
				return fmt.Errorf("failed to list devices: %w", err)
			}

			out := cmd.OutOrStdout()

			if asYAML {
				enc := yaml.NewEncoder(out)
				defer enc.Close()

				return enc.Encode(devices)
			}

			w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
			fmt.Fprintln(w, "DEVICE\tPORT\tSTATE\tLINK\tLID\tRATE")

			for _, d := range devices {
				for _, p := range d.Ports {
					fmt.Fprintf(w, "%s\t%d\t%s\t%s\t0x%04x\t%s\n", d.Name, p.Num, p.State, p.LinkLayer, p.LID, p.Rate)
				}
			}

			return w.Flush()
		},
	}

	cmd.Flags().StringVar(&opts.FabricBackend, "fabric-backend", "", "Fabric backend (simulated, sysfs)")
	cmd.Flags().BoolVar(&asYAML, "yaml", false, "Print full device details as YAML")

	return cmd
}
