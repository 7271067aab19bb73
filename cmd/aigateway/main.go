package main

import (
	"fmt"
	"os"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
)

// Exit codes: 0 success, 1 config or IO failure, 2 catalog failure.
const (
	exitConfig  = 1
	exitCatalog = 2
)

var cfgFile string

func main() {
	_ = godotenv.Load()

	if err := newRootCommand().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(exitConfig)
	}
}

func newRootCommand() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:          "aigateway",
		Short:        "OpenAI-compatible AI inference gateway",
		SilenceUsage: true,
	}

	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default config.yaml in the working directory)")

	rootCmd.AddCommand(newServeCommand())
	rootCmd.AddCommand(newUpdateCommand())
	rootCmd.AddCommand(newListCommand())

	// serve is the default.
	rootCmd.RunE = func(cmd *cobra.Command, args []string) error {
		return runServe(false)
	}

	return rootCmd
}
