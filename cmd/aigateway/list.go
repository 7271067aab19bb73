package main

import (
	"fmt"
	"os"

	"github.com/olekukonko/tablewriter"
	"github.com/spf13/cobra"

	"github.com/langdb/aigateway/internal/pricing"
)

func newListCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List the models in the effective catalog",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runList()
		},
	}
}

func runList() error {
	catalog, err := pricing.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load models catalog: %v\n", err)
		os.Exit(exitCatalog)
	}

	table := tablewriter.NewWriter(os.Stdout)
	table.SetHeader([]string{"Model", "Provider", "Type", "Input $/1M", "Output $/1M"})
	table.SetAutoWrapText(false)

	for _, model := range catalog.Models() {
		table.Append([]string{
			model.Model,
			model.InferenceProvider.Provider,
			model.Price.Type,
			perMillion(model.Price.PerInputToken),
			perMillion(model.Price.PerOutputToken),
		})
	}

	table.Render()
	return nil
}

func perMillion(perToken float64) string {
	if perToken == 0 {
		return "-"
	}
	return fmt.Sprintf("%.2f", perToken*1e6)
}
