// Package commands implements the ibmcastd command line.
package commands

import (
	"fmt"
	"os"
	"strings"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/piwi3910/ibmcast/internal/config"
)

// BuildInfo is stamped into the binary at build time.
type BuildInfo struct {
	Version   string
	Commit    string
	BuildDate string
}

type globalFlags struct {
	configPath string
	logLevel   string
	debug      bool
}

// NewRootCmd creates the ibmcastd root command
func NewRootCmd(info BuildInfo) *cobra.Command {
	flags := &globalFlags{}

	cmd := &cobra.Command{
		Use:   "ibmcastd",
		Short: "ibmcastd - InfiniBand multicast membership daemon",
		Long: `ibmcastd coordinates multicast group membership for the RDMA ports of
this node. Joins for the same group on a port share one directory
registration; the last leave removes it.

Configuration is read from ibmcast.yaml (., /etc/ibmcast, $HOME/.ibmcast)
and IBMCAST_* environment variables, e.g.:
  IBMCAST_ADMIN_PORT=9470
  IBMCAST_FABRIC_BACKEND=sysfs`,
		Version:       fmt.Sprintf("%s (commit: %s)", info.Version, info.Commit),
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	cmd.PersistentFlags().StringVar(&flags.configPath, "config", "", "Path to configuration file")
	cmd.PersistentFlags().StringVar(&flags.logLevel, "log-level", "", "Log level (debug, info, warn, error)")
	cmd.PersistentFlags().BoolVar(&flags.debug, "debug", false, "Enable debug logging with console output")

	cmd.AddCommand(newServeCmd(flags, info))
	cmd.AddCommand(newDevicesCmd(flags))
	cmd.AddCommand(newPortsCmd())
	cmd.AddCommand(newConfigCmd(flags))
	cmd.AddCommand(newVersionCmd(info))

	return cmd
}

func (f *globalFlags) load(opts config.Options) (*config.Config, error) {
	if opts.LogLevel == "" {
		opts.LogLevel = f.logLevel
	}

	if f.debug {
		opts.LogLevel = "debug"
	}

	return config.Load(f.configPath, opts)
}

func setupLogging(level string, debug bool) {
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix

	if debug {
		zerolog.SetGlobalLevel(zerolog.DebugLevel)
		log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})

		return
	}

	lvl, err := zerolog.ParseLevel(strings.ToLower(level))
	if err != nil || lvl == zerolog.NoLevel {
		lvl = zerolog.InfoLevel
	}

	zerolog.SetGlobalLevel(lvl)
}
