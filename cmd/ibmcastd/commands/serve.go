package commands

import (
	"os/signal"
	"syscall"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/piwi3910/ibmcast/internal/config"
	"github.com/piwi3910/ibmcast/internal/server"
)

func newServeCmd(flags *globalFlags, info BuildInfo) *cobra.Command {
	var opts config.Options

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the multicast coordinator daemon",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := flags.load(opts)
			if err != nil {
				return err
			}

			setupLogging(cfg.LogLevel, flags.debug)

			log.Info().
				Str("version", info.Version).
				Str("commit", info.Commit).
				Str("node_name", cfg.NodeName).
				Msg("Starting ibmcastd")

			srv, err := server.New(cfg)
			if err != nil {
				return err
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			if err := srv.Start(ctx); err != nil {
				return err
			}

			log.Info().Msg("ibmcastd shutdown complete")

			return nil
		},
	}

	cmd.Flags().IntVar(&opts.AdminPort, "admin-port", 0, "Admin API, health and metrics port")
	cmd.Flags().StringVar(&opts.FabricBackend, "fabric-backend", "", "Fabric backend (simulated, sysfs)")

	return cmd
}
