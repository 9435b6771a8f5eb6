package main

import (
	"os"

	"github.com/spf13/cobra"
)

var version = "dev"

var noColor bool

var rootCmd = &cobra.Command{
	Use:           "ripewise",
	Short:         "Fruit ripeness analysis server, device agent and CLI",
	Version:       version,
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	rootCmd.PersistentFlags().BoolVar(&noColor, "no-color", os.Getenv("NO_COLOR") != "", "disable colored output")

	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(agentCmd)
	rootCmd.AddCommand(stopCmd)
	rootCmd.AddCommand(statusCmd)
	rootCmd.AddCommand(captureCmd)
	rootCmd.AddCommand(analyzeCmd)
	rootCmd.AddCommand(queueCmd)
	rootCmd.AddCommand(syncCmd)
	rootCmd.AddCommand(networkCmd)
	rootCmd.AddCommand(providersCmd)
	rootCmd.AddCommand(performanceCmd)
	rootCmd.AddCommand(analysesCmd)
	rootCmd.AddCommand(configCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		printError("%v", err)
		os.Exit(1)
	}
}
