package agents

import (
	"fmt"
	"strings"

	"github.com/ashita-ai/sukima/internal/model"
)

// Paper content handed to the micro prompt is capped so a single oversized
// document cannot blow up the provider's context window.
const maxPaperPromptChars = 24000

func microPrompt(question string, paper model.Paper, content, priorSynthesis string, priorGaps []model.Gap) string {
	var b strings.Builder
	b.WriteString("You are analyzing one research paper to support a literature gap analysis.\n\n")
	fmt.Fprintf(&b, "Research question: %s\n\n", question)
	fmt.Fprintf(&b, "Paper: %s\n", paper.Title)
	if y := paper.Year(); y > 0 {
		fmt.Fprintf(&b, "Year: %d\n", y)
	}
	b.WriteString("\n--- PAPER CONTENT ---\n")
	b.WriteString(clip(content, maxPaperPromptChars))
	b.WriteString("\n--- END PAPER CONTENT ---\n\n")

	if priorSynthesis != "" {
		b.WriteString("Synthesis from the previous analysis round:\n")
		b.WriteString(clip(priorSynthesis, 4000))
		b.WriteString("\n\n")
	}
	if len(priorGaps) > 0 {
		b.WriteString("Candidate gaps from the previous round. For each, judge whether THIS paper supports, contradicts, or is neutral about it:\n")
		for _, g := range priorGaps {
			fmt.Fprintf(&b, "- %s\n", g.Title)
		}
		b.WriteString("\n")
	}

	b.WriteString(`Respond with ONLY a JSON object, no prose, in this shape:
{
  "contributions": ["..."],
  "limitations": ["..."],
  "methodology": "...",
  "summary": "one- or two-sentence compact summary",
  "gap_evidence": [{"gap_title": "...", "stance": "supports|contradicts|neutral", "note": "..."}]
}
Omit "gap_evidence" when no candidate gaps were listed above.`)
	return b.String()
}

func mesoPrompt(question string, summaries []model.MicroFindings) string {
	var b strings.Builder
	b.WriteString("You are clustering per-paper findings into research themes.\n\n")
	fmt.Fprintf(&b, "Research question: %s\n\n", question)
	b.WriteString("Per-paper findings (compact):\n")
	for _, f := range summaries {
		fmt.Fprintf(&b, "\n[%s] %s\n", f.PaperID, f.Title)
		fmt.Fprintf(&b, "  summary: %s\n", f.Summary)
		if len(f.Limitations) > 0 {
			fmt.Fprintf(&b, "  limitations: %s\n", strings.Join(f.Limitations, "; "))
		}
		if f.Methodology != "" {
			fmt.Fprintf(&b, "  methodology: %s\n", f.Methodology)
		}
	}

	b.WriteString(`
Group these papers into ordered thematic clusters relevant to the research
question. Respond with ONLY a JSON object:
{
  "clusters": [
    {"label": "...", "description": "...", "paper_ids": ["..."], "confidence": 0.0}
  ],
  "rationale": "..."
}
Order clusters from most to least relevant. Confidence is in [0,1] and
reflects how coherent the cluster is. Every paper_id must come from the
findings above.`)
	return b.String()
}

func metaPrompt(question string, clusters model.ClusterSet, priorGaps []model.Gap) string {
	var b strings.Builder
	b.WriteString("You are ranking candidate research gaps from clustered literature findings.\n\n")
	fmt.Fprintf(&b, "Research question: %s\n\n", question)
	b.WriteString("Thematic clusters:\n")
	for i, c := range clusters.Clusters {
		fmt.Fprintf(&b, "%d. %s (papers: %s, coherence %.2f)\n   %s\n",
			i+1, c.Label, strings.Join(c.PaperIDs, ", "), c.Confidence, c.Description)
	}

	if len(priorGaps) > 0 {
		b.WriteString("\nGaps ranked in the previous round (penalize unchanged repeats unless this round meaningfully narrows or refines them):\n")
		for _, g := range priorGaps {
			fmt.Fprintf(&b, "- %s (confidence %.2f)\n", g.Title, g.Confidence)
		}
	}

	b.WriteString(`
Identify under-studied questions and limitations ("research gaps") suggested
by these clusters. Respond with ONLY a JSON object:
{
  "gaps": [
    {
      "title": "...",
      "rationale": "...",
      "supporting_papers": ["paper ids"],
      "explicit": true,
      "recommended_action": "..."
    }
  ],
  "synthesis": "a narrative paragraph summarizing this round's findings"
}
"explicit" is true when a paper states the gap directly, false when it is
inferred. Every supporting paper id must come from the clusters above.`)
	return b.String()
}

func clip(s string, max int) string {
	if len(s) <= max {
		return s
	}
	return s[:max] + "\n[truncated]"
}
