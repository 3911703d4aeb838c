// Package cli implements the backhaul command-line interface.
//
// The package is organized around Cobra commands, with each command
// delegating to workflow functions for the actual work:
//
//	backhaul backup     - Run the backup workflow for a station
//	backhaul version    - Print version information
//
// Global flags (--config, --verbose) are defined on the root command and
// available to all subcommands.
package cli

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/otops/backhaul/internal/logger"
)

// Global flags
var (
	configFlag  string
	verboseFlag bool
)

var rootCmd = &cobra.Command{
	Use:   "backhaul",
	Short: "Retrieve appliance backups through a station's CMC gateway",
	Long: `backhaul automates backup retrieval from security appliances that are
only reachable through their station's central management console (CMC).

It drives interactive SSH shells: connect to the CMC, hop from there into
each guardian, run the backup script as root, and download the produced
backup file from the gateway.`,
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRun: func(cmd *cobra.Command, args []string) {
		if verboseFlag {
			logger.SetDefault(logger.NewVerbose(""))
		}
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configFlag, "config", "", "config file (default: .backhaul.yaml)")
	rootCmd.PersistentFlags().BoolVarP(&verboseFlag, "verbose", "v", false, "stream the live shell transcript")
}

// Config returns the --config flag value.
func Config() string {
	return configFlag
}

// Verbose returns the --verbose flag value.
func Verbose() bool {
	return verboseFlag
}

// Execute runs the root command and exits non-zero on error.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
