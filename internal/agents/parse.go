package agents

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/ashita-ai/sukima/internal/model"
)

// extractJSON pulls the JSON object out of a model response, tolerating
// markdown fences and surrounding prose. Providers are told to answer with
// bare JSON but do not always comply.
func extractJSON(s string) (string, error) {
	s = strings.TrimSpace(s)
	if i := strings.Index(s, "```"); i >= 0 {
		s = s[i+3:]
		s = strings.TrimPrefix(s, "json")
		if j := strings.Index(s, "```"); j >= 0 {
			s = s[:j]
		}
		s = strings.TrimSpace(s)
	}
	start := strings.IndexAny(s, "{[")
	if start < 0 {
		return "", fmt.Errorf("no JSON found in response")
	}
	end := strings.LastIndexAny(s, "}]")
	if end < start {
		return "", fmt.Errorf("unterminated JSON in response")
	}
	return s[start : end+1], nil
}

func parseMicroResponse(raw string, paper model.Paper) (model.MicroFindings, error) {
	body, err := extractJSON(raw)
	if err != nil {
		return model.MicroFindings{}, fmt.Errorf("micro response: %w", err)
	}
	var f model.MicroFindings
	if err := json.Unmarshal([]byte(body), &f); err != nil {
		return model.MicroFindings{}, fmt.Errorf("micro response: %w", err)
	}
	f.PaperID = paper.PaperID
	f.Title = paper.Title
	f.Year = paper.Year()
	if f.Summary == "" {
		return model.MicroFindings{}, fmt.Errorf("micro response: missing summary")
	}
	for i, ev := range f.GapEvidence {
		switch ev.Stance {
		case "supports", "contradicts", "neutral":
		default:
			f.GapEvidence[i].Stance = "neutral"
		}
	}
	return f, nil
}

func parseMesoResponse(raw string, validPapers map[string]bool) (model.ClusterSet, error) {
	body, err := extractJSON(raw)
	if err != nil {
		return model.ClusterSet{}, fmt.Errorf("meso response: %w", err)
	}
	var cs model.ClusterSet
	if err := json.Unmarshal([]byte(body), &cs); err != nil {
		return model.ClusterSet{}, fmt.Errorf("meso response: %w", err)
	}
	if len(cs.Clusters) == 0 {
		return model.ClusterSet{}, fmt.Errorf("meso response: no clusters")
	}
	for i := range cs.Clusters {
		c := &cs.Clusters[i]
		c.Confidence = clamp01(c.Confidence)
		c.PaperIDs = filterKnown(c.PaperIDs, validPapers)
	}
	return cs, nil
}

func parseMetaResponse(raw string, validPapers map[string]bool) (model.GapSet, error) {
	body, err := extractJSON(raw)
	if err != nil {
		return model.GapSet{}, fmt.Errorf("meta response: %w", err)
	}
	var gs model.GapSet
	if err := json.Unmarshal([]byte(body), &gs); err != nil {
		return model.GapSet{}, fmt.Errorf("meta response: %w", err)
	}
	if len(gs.Gaps) == 0 {
		return model.GapSet{}, fmt.Errorf("meta response: no gaps")
	}
	for i := range gs.Gaps {
		g := &gs.Gaps[i]
		if g.Title == "" {
			return model.GapSet{}, fmt.Errorf("meta response: gap %d missing title", i)
		}
		g.SupportingPapers = filterKnown(g.SupportingPapers, validPapers)
	}
	return gs, nil
}

// filterKnown drops hallucinated paper references while preserving order.
func filterKnown(ids []string, valid map[string]bool) []string {
	out := ids[:0]
	seen := make(map[string]bool, len(ids))
	for _, id := range ids {
		if valid[id] && !seen[id] {
			out = append(out, id)
			seen[id] = true
		}
	}
	return out
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}
