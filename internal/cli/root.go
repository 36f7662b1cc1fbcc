// Package cli implements the strata command line interface.
package cli

import (
	"github.com/spf13/cobra"
)

var rootCmd = &cobra.Command{
	Use:   "strata",
	Short: "Geological memory engine",
	Long: "Strata is a spatially-indexed associative memory: concepts become\n" +
		"coordinates on a terrain whose elevation encodes emotional weight,\n" +
		"eroding when neglected and fossilizing when space runs out.",
}

func Execute() error {
	return rootCmd.Execute()
}

func init() {
	rootCmd.AddCommand(versionCmd)
	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(snapshotCmd)
	rootCmd.AddCommand(restoreCmd)
	rootCmd.AddCommand(statsCmd)
	rootCmd.AddCommand(inspectCmd)
}
