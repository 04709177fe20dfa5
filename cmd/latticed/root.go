package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var rootCmd = &cobra.Command{
	Use:   "latticed",
	Short: "latticed runs a host of a distributed WebAssembly actor lattice",
	Long: `latticed joins a lattice over a shared message bus, runs actors and capability
providers, binds link definitions between them and routes their invocations.`,
	SilenceUsage: true,
}

// Execute adds all child commands to the root command and sets flags appropriately.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().StringP("config", "c", "", "Host configuration file (yaml, toml or json)")
}
