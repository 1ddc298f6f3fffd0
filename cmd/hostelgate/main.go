package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/BrandonDHaskell/hostelgate/internal/config"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err.Error())
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	envFile := ".env"

	root := &cobra.Command{
		Use:           "hostelgate",
		Short:         "Hostel gate pass service: QR credentials, scans and movement reports",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if err := config.LoadDotEnv(envFile); err != nil {
				return fmt.Errorf("load %s: %w", envFile, err)
			}
			return nil
		},
	}
	root.PersistentFlags().StringVar(&envFile, "env-file", envFile, "dotenv file read before the environment (missing is fine)")

	root.AddCommand(newServeCmd())
	root.AddCommand(newMigrateCmd())
	root.AddCommand(newReconcileCmd())
	root.AddCommand(newSweepCmd())
	return root
}
