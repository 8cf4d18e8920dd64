package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/alfredjeanlab/plangraph/internal/client"
	"github.com/alfredjeanlab/plangraph/internal/ui"
)

var (
	httpURL    string
	authToken  string
	jsonOutput bool
	noColor    bool

	planClient client.PlanClient
)

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

// noClient skips client setup for commands that work on the store directly.
func noClient(*cobra.Command, []string) error { return nil }

var rootCmd = &cobra.Command{
	Use:   "plangraph <command>",
	Short: "Planning graph engine and client",
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		if noColor {
			ui.ForceNoColor()
		}
		ui.Configure()
		if httpURL == "" {
			return fmt.Errorf("--http-url must not be empty")
		}
		planClient = client.NewHTTPClient(httpURL, authToken)
		return nil
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		if planClient != nil {
			planClient.Close()
		}
	},
	SilenceUsage: true,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&httpURL, "http-url", envOr("PLANGRAPH_HTTP_URL", "http://localhost:8080"), "server URL")
	rootCmd.PersistentFlags().StringVar(&authToken, "token", os.Getenv("PLANGRAPH_AUTH_TOKEN"), "bearer token")
	rootCmd.PersistentFlags().BoolVar(&jsonOutput, "json", false, "output as JSON")
	rootCmd.PersistentFlags().BoolVar(&noColor, "no-color", false, "disable colored output")

	rootCmd.AddGroup(
		&cobra.Group{ID: "nodes", Title: "Nodes:"},
		&cobra.Group{ID: "hierarchy", Title: "Hierarchy:"},
		&cobra.Group{ID: "allocation", Title: "Allocation:"},
		&cobra.Group{ID: "system", Title: "System:"},
	)

	cobra.EnableCommandSorting = false
	rootCmd.SetHelpFunc(colorizedHelpFunc())

	// Nodes
	rootCmd.AddCommand(createCmd)
	rootCmd.AddCommand(showCmd)
	rootCmd.AddCommand(listCmd)
	rootCmd.AddCommand(editCmd)

	// Hierarchy
	rootCmd.AddCommand(treeCmd)
	rootCmd.AddCommand(reparentCmd)
	rootCmd.AddCommand(unparentCmd)
	rootCmd.AddCommand(recalcCmd)

	// Allocation
	rootCmd.AddCommand(costCmd)
	rootCmd.AddCommand(capacityCmd)
	rootCmd.AddCommand(allocCmd)

	// System
	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(healthCmd)
	rootCmd.AddCommand(watchCmd)
	rootCmd.AddCommand(exportCmd)
	rootCmd.AddCommand(importCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
