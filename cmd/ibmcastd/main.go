package main

import (
	"fmt"
	"os"

	"github.com/piwi3910/ibmcast/cmd/ibmcastd/commands"
)

var (
	version   = "dev"
	commit    = "none"
	buildDate = "unknown"
)

func main() {
	rootCmd := commands.NewRootCmd(commands.BuildInfo{
		Version:   version,
		Commit:    commit,
		BuildDate: buildDate,
	})

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
