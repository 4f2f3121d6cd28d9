package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

// version is set at build time via -ldflags.
var version = "dev"

var rootFlags struct {
	serverURL string
}

var rootCmd = &cobra.Command{
	Use:   "sukimactl",
	Short: "Submit and inspect research-gap discovery runs",
	Long: "Sukimactl talks to a running sukima server: submit a corpus of papers\n" +
		"with a research question, poll the run, and fetch the ranked gaps.",
	CompletionOptions: cobra.CompletionOptions{
		HiddenDefaultCmd: true,
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(&rootFlags.serverURL,
		"server", envOr("SUKIMA_SERVER_URL", "http://localhost:8080"), "Base URL of the sukima server")

	rootCmd.AddCommand(submitCmd)
	rootCmd.AddCommand(statusCmd)
	rootCmd.AddCommand(resultsCmd)
	rootCmd.AddCommand(logsCmd)
	rootCmd.AddCommand(cancelCmd)
	rootCmd.Version = version
}

func envOr(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
