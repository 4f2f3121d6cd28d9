package main

import (
	"fmt"
	"net/http"
	"strconv"

	"github.com/spf13/cobra"

	"github.com/ashita-ai/sukima/internal/model"
)

var logsFlags struct {
	limit int
}

var logsCmd = &cobra.Command{
	Use:   "logs <run-id>",
	Short: "Show a run's log trail",
	Args:  cobra.ExactArgs(1),
	RunE:  runLogs,
}

func init() {
	logsCmd.Flags().IntVar(&logsFlags.limit, "limit", 100, "Maximum number of log lines")
}

func runLogs(cmd *cobra.Command, args []string) error {
	path := "/v1/runs/" + args[0] + "/logs?limit=" + strconv.Itoa(logsFlags.limit)
	var entries []model.LogEntry
	if err := call(cmd.Context(), http.MethodGet, path, nil, &entries); err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	for _, e := range entries {
		fmt.Fprintf(out, "%s  %-7s %s\n", e.CreatedAt.Format("15:04:05"), e.Level, e.Message)
	}
	return nil
}
