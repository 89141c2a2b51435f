package main

import (
	"os"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
)

var (
	version     = "0.1.0"
	configPath  string
	verbose     bool
	metricsAddr string
)

func main() {
	_ = godotenv.Load()

	root := &cobra.Command{
		Use:   "policyqa",
		Short: "Answer questions about a policy document",
		Long: "policyqa splits a document into clauses, embeds them and answers questions\n" +
			"with the best matching clause, its score and a coverage decision.",
		SilenceUsage: true,
	}
	root.PersistentFlags().StringVarP(&configPath, "config", "c", "", "path to config.yaml (default: ./config.yaml, then ~/.config/policyqa/config.yaml)")
	root.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "debug logging")
	root.PersistentFlags().StringVar(&metricsAddr, "metrics-addr", "", "serve Prometheus metrics on this address, e.g. :9090")

	root.AddCommand(askCmd())
	root.AddCommand(tuiCmd())
	root.AddCommand(exportCmd())
	root.AddCommand(versionCmd())

	if err := root.Execute(); err != nil {
		os.Exit(1)
	}
}
