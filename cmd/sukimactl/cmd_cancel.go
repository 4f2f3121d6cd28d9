package main

import (
	"fmt"
	"net/http"

	"github.com/spf13/cobra"
)

var cancelCmd = &cobra.Command{
	Use:   "cancel <run-id>",
	Short: "Request cooperative cancellation of a run",
	Long: "Request cancellation of a pending or running run. The current iteration\n" +
		"finishes first; results from completed iterations are kept.",
	Args: cobra.ExactArgs(1),
	RunE: runCancel,
}

func runCancel(cmd *cobra.Command, args []string) error {
	if err := call(cmd.Context(), http.MethodPost, "/v1/runs/"+args[0]+"/cancel", nil, nil); err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "Cancellation requested for %s\n", args[0])
	return nil
}
