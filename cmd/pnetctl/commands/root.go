// Package commands implements the pnetctl CLI: a thin SPMP client for
// introspecting a running switchd or wand daemon. vnicd does not answer
// SPMP requests.
package commands

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

// targetAddr is the daemon address (host:port) every subcommand talks
// SPMP to, set via the persistent --addr flag.
var targetAddr string

var rootCmd = &cobra.Command{
	Use:   "pnetctl",
	Short: "CLI client for the overlay network daemons",
	Long:  "pnetctl sends SPMP requests to a running switchd daemon over its switch listen socket, or to a wand daemon over its control listen socket. vnicd does not answer SPMP requests.",

	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&targetAddr, "addr", "localhost:7000",
		"daemon address (host:port) to query over SPMP")

	rootCmd.AddCommand(queryCmd())
	rootCmd.AddCommand(routeCmd())
	rootCmd.AddCommand(linksCmd())
	rootCmd.AddCommand(versionCmd())
	rootCmd.AddCommand(shellCmd())
}

// Execute runs the root command and exits with code 1 on error.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}
