package model

// MicroFindings is the structured output of one micro-agent over one paper.
type MicroFindings struct {
	PaperID       string   `json:"paper_id"`
	Title         string   `json:"title"`
	Year          int      `json:"year,omitempty"`
	Contributions []string `json:"contributions"`
	Limitations   []string `json:"limitations"`
	Methodology   string   `json:"methodology"`
	Summary       string   `json:"summary"`

	// GapEvidence is populated from iteration 2 onward: for each gap carried
	// over from the previous iteration, whether this paper supports or
	// contradicts it.
	GapEvidence []GapEvidenceAssessment `json:"gap_evidence,omitempty"`
}

// GapEvidenceAssessment records one paper's stance on a previously ranked gap.
type GapEvidenceAssessment struct {
	GapTitle string `json:"gap_title"`
	Stance   string `json:"stance"` // "supports", "contradicts", "neutral"
	Note     string `json:"note,omitempty"`
}

// Cluster is one thematic group produced by the meso-agent.
type Cluster struct {
	Label       string   `json:"label"`
	Description string   `json:"description"`
	PaperIDs    []string `json:"paper_ids"`
	Confidence  float64  `json:"confidence"`
}

// ClusterSet is the full meso output for an iteration, ordered by the
// meso-agent's own ranking.
type ClusterSet struct {
	Clusters  []Cluster `json:"clusters"`
	Rationale string    `json:"rationale,omitempty"`
}

// Gap is one candidate research gap with its ranking signals.
type Gap struct {
	Title             string   `json:"title"`
	Rationale         string   `json:"rationale"`
	SupportingPapers  []string `json:"supporting_papers"`
	Confidence        float64  `json:"confidence"`
	EvidenceBreadth   float64  `json:"evidence_breadth"`
	Explicit          bool     `json:"explicit"`
	NewestPaperYear   int      `json:"newest_paper_year,omitempty"`
	RecommendedAction string   `json:"recommended_action"`
}

// GapSet is the meta-agent's ranked output for an iteration.
type GapSet struct {
	Gaps      []Gap  `json:"gaps"`
	Synthesis string `json:"synthesis"`
}
