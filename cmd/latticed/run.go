package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/aretw0/lattice"
	"github.com/aretw0/lattice/internal/config"
	"github.com/spf13/cobra"
)

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run a lattice host until interrupted",
	Long: `Starts a host with the given configuration. Every setting can be overridden
with a LATTICE_* environment variable, e.g. LATTICE_TRANSPORT_URL.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		path, _ := cmd.Flags().GetString("config")
		cfg, err := config.Load(path)
		if err != nil {
			return err
		}
		if addr, _ := cmd.Flags().GetString("admin"); addr != "" {
			cfg.AdminAddr = addr
		}

		node, err := lattice.NewNode(cfg)
		if err != nil {
			return err
		}

		ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer stop()
		return node.Run(ctx)
	},
}

func init() {
	rootCmd.AddCommand(runCmd)
	runCmd.Flags().String("admin", "", "Admin API listen address (overrides admin_addr)")
}
