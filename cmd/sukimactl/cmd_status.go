package main

import (
	"fmt"
	"net/http"

	"github.com/spf13/cobra"

	"github.com/ashita-ai/sukima/internal/model"
)

var statusCmd = &cobra.Command{
	Use:   "status <run-id>",
	Short: "Show a run's current progress",
	Args:  cobra.ExactArgs(1),
	RunE:  runStatus,
}

func runStatus(cmd *cobra.Command, args []string) error {
	var snapshot model.StatusSnapshot
	if err := call(cmd.Context(), http.MethodGet, "/v1/runs/"+args[0]+"/status", nil, &snapshot); err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "Status:    %s\n", snapshot.Status)
	fmt.Fprintf(out, "Iteration: %d\n", snapshot.CurrentIteration)
	fmt.Fprintf(out, "Progress:  %.0f%%\n", snapshot.ProgressPercentage)
	if snapshot.LastLogMessage != "" {
		fmt.Fprintf(out, "Last log:  %s\n", snapshot.LastLogMessage)
	}
	return nil
}
