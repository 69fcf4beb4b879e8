package commands

import (
	"fmt"

	"github.com/spf13/cobra"
)

// queryCmd sends an arbitrary SPMP verb with its arguments, for verbs
// pnetctl has no dedicated subcommand for.
func queryCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "query <verb> [args...]",
		Short: "Send a raw SPMP request",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(_ *cobra.Command, args []string) error {
			result, err := callSPMP(targetAddr, args[0], args[1:])
			if err != nil {
				return err
			}

			fmt.Println(result)

			return nil
		},
	}
}

// routeCmd queries a wand instance's prefixes verb.
func routeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "route",
		Short: "List the prefixes a wand instance currently routes",
		Args:  cobra.NoArgs,
		RunE: func(_ *cobra.Command, _ []string) error {
			result, err := callSPMP(targetAddr, "prefixes", nil)
			if err != nil {
				return err
			}

			fmt.Println(result)

			return nil
		},
	}
}

// linksCmd pings a switchd/wand instance's SPMP listener.
func linksCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "links",
		Short: "Check whether a daemon's SPMP listener is responsive",
		Args:  cobra.NoArgs,
		RunE: func(_ *cobra.Command, _ []string) error {
			result, err := callSPMP(targetAddr, "ping", nil)
			if err != nil {
				return err
			}

			fmt.Println(result)

			return nil
		},
	}
}
