package main

import (
	"os"

	"github.com/spf13/cobra"

	"oneui/internal/interfaces/cli/migrate"
	"oneui/internal/interfaces/cli/serve"
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "oneui",
		Short: "One-UI - data-plane control panel",
		Long:  `One-UI manages an xray-core data plane: config generation and apply, traffic accounting, session limits, and coordinated updates.`,
	}

	rootCmd.AddCommand(
		serve.NewCommand(),
		migrate.NewCommand(),
	)

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
