package main

import (
	"fmt"
	"net/http"
	"os"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/ashita-ai/sukima/internal/model"
)

var submitFlags struct {
	file string
}

var submitCmd = &cobra.Command{
	Use:   "submit",
	Short: "Submit a new gap-discovery run from a YAML file",
	Long: `Submit a new gap-discovery run described by a YAML file:

    owner: alice
    query: "What remains unexplored in long-context retrieval?"
    config:
      max_iterations: 3
      convergence_threshold: 0.7
      domains: [information-retrieval]
    papers:
      - id: arxiv-2401-00001
        title: "Lost in the Middle"
        content_ref: papers/arxiv-2401-00001.txt

The server responds immediately; poll with 'sukimactl status <run-id>'.`,
	RunE: runSubmit,
}

func init() {
	submitCmd.Flags().StringVarP(&submitFlags.file, "file", "f", "", "Path to the run YAML file (required)")
	_ = submitCmd.MarkFlagRequired("file")
}

func runSubmit(cmd *cobra.Command, _ []string) error {
	raw, err := os.ReadFile(submitFlags.file)
	if err != nil {
		return fmt.Errorf("read %s: %w", submitFlags.file, err)
	}

	var def struct {
		Owner  string `yaml:"owner"`
		Query  string `yaml:"query"`
		Config struct {
			MaxIterations        int      `yaml:"max_iterations"`
			ConvergenceThreshold float64  `yaml:"convergence_threshold"`
			Domains              []string `yaml:"domains"`
		} `yaml:"config"`
		Papers []struct {
			ID         string         `yaml:"id"`
			Title      string         `yaml:"title"`
			ContentRef string         `yaml:"content_ref"`
			Metadata   map[string]any `yaml:"metadata"`
		} `yaml:"papers"`
	}
	if err := yaml.Unmarshal(raw, &def); err != nil {
		return fmt.Errorf("parse %s: %w", submitFlags.file, err)
	}

	req := model.CreateRunRequest{
		Owner: def.Owner,
		Query: def.Query,
		Config: model.RunConfig{
			MaxIterations:        def.Config.MaxIterations,
			ConvergenceThreshold: def.Config.ConvergenceThreshold,
			Domains:              def.Config.Domains,
		},
	}
	for _, p := range def.Papers {
		req.Papers = append(req.Papers, model.PaperInput{
			ID:         p.ID,
			Title:      p.Title,
			ContentRef: p.ContentRef,
			Metadata:   p.Metadata,
		})
	}

	var run model.Run
	if err := call(cmd.Context(), http.MethodPost, "/v1/runs", req, &run); err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "Run:        %s\n", run.ID)
	fmt.Fprintf(out, "Status:     %s\n", run.Status)
	fmt.Fprintf(out, "Papers:     %d\n", len(req.Papers))
	fmt.Fprintf(out, "Iterations: up to %d (threshold %.2f)\n", run.MaxIterations, run.ConvergenceThreshold)
	fmt.Fprintf(out, "\nPoll with: sukimactl status %s\n", run.ID)
	return nil
}
