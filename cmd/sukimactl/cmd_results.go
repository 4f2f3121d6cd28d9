package main

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strings"

	"github.com/spf13/cobra"

	"github.com/ashita-ai/sukima/internal/model"
)

var resultsFlags struct {
	asJSON bool
}

var resultsCmd = &cobra.Command{
	Use:   "results <run-id>",
	Short: "Fetch the ranked gaps and synthesis of a finished run",
	Args:  cobra.ExactArgs(1),
	RunE:  runResults,
}

func init() {
	resultsCmd.Flags().BoolVar(&resultsFlags.asJSON, "json", false, "Print the raw results payload as JSON")
}

func runResults(cmd *cobra.Command, args []string) error {
	var run model.Run
	if err := call(cmd.Context(), http.MethodGet, "/v1/runs/"+args[0]+"/results", nil, &run); err != nil {
		return err
	}

	out := cmd.OutOrStdout()

	if resultsFlags.asJSON {
		payload, err := json.MarshalIndent(run.Results, "", "  ")
		if err != nil {
			return fmt.Errorf("encode results: %w", err)
		}
		fmt.Fprintln(out, string(payload))
		return nil
	}

	fmt.Fprintf(out, "Run:    %s\n", run.ID)
	fmt.Fprintf(out, "Status: %s\n", run.Status)
	if run.ErrorMessage != nil {
		fmt.Fprintf(out, "Note:   %s\n", *run.ErrorMessage)
	}
	if run.Results == nil {
		fmt.Fprintln(out, "\nNo results were produced.")
		return nil
	}

	fmt.Fprintf(out, "\nRanked gaps (%d):\n", len(run.Results.RankedGaps))
	for i, gap := range run.Results.RankedGaps {
		fmt.Fprintf(out, "\n%2d. %s  (confidence %.2f)\n", i+1, gap.Title, gap.Confidence)
		fmt.Fprintf(out, "    %s\n", gap.Rationale)
		if len(gap.SupportingPapers) > 0 {
			fmt.Fprintf(out, "    papers: %s\n", strings.Join(gap.SupportingPapers, ", "))
		}
		if gap.RecommendedAction != "" {
			fmt.Fprintf(out, "    next: %s\n", gap.RecommendedAction)
		}
	}

	if run.Results.Synthesis != "" {
		fmt.Fprintf(out, "\nSynthesis:\n%s\n", run.Results.Synthesis)
	}

	if len(run.Results.IterationHistory) > 0 {
		fmt.Fprintln(out, "\nIterations:")
		for _, it := range run.Results.IterationHistory {
			line := fmt.Sprintf("  %d: %s, %d gaps", it.IterationNumber, it.Status, it.GapsFound)
			if it.ConvergenceScore != nil {
				line += fmt.Sprintf(", convergence %.2f", *it.ConvergenceScore)
			}
			fmt.Fprintln(out, line)
		}
	}
	return nil
}
