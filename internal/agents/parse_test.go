package agents

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ashita-ai/sukima/internal/model"
)

func TestExtractJSON(t *testing.T) {
	tests := []struct {
		name string
		in   string
		want string
		ok   bool
	}{
		{"bare object", `{"a":1}`, `{"a":1}`, true},
		{"fenced", "```json\n{\"a\":1}\n```", `{"a":1}`, true},
		{"fenced no lang", "```\n[1,2]\n```", `[1,2]`, true},
		{"prose around", `Sure! Here it is: {"a":1} Hope that helps.`, `{"a":1}`, true},
		{"no json", `I cannot answer that.`, "", false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := extractJSON(tt.in)
			if !tt.ok {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestParseMicroResponse(t *testing.T) {
	paper := model.Paper{PaperID: "p1", Title: "T", Metadata: map[string]any{"year": float64(2022)}}

	raw := `{"contributions":["c1"],"limitations":["l1","l2"],"methodology":"survey",
		"summary":"short summary","gap_evidence":[{"gap_title":"g","stance":"bogus"}]}`
	f, err := parseMicroResponse(raw, paper)
	require.NoError(t, err)
	assert.Equal(t, "p1", f.PaperID)
	assert.Equal(t, 2022, f.Year)
	assert.Len(t, f.Limitations, 2)
	assert.Equal(t, "neutral", f.GapEvidence[0].Stance, "unknown stances normalize to neutral")

	_, err = parseMicroResponse(`{"contributions":[]}`, paper)
	assert.Error(t, err, "missing summary rejected")
}

func TestParseMesoResponse(t *testing.T) {
	valid := map[string]bool{"p1": true, "p2": true}

	raw := `{"clusters":[{"label":"L","description":"D","paper_ids":["p1","ghost","p2","p1"],"confidence":1.4}],"rationale":"r"}`
	cs, err := parseMesoResponse(raw, valid)
	require.NoError(t, err)
	require.Len(t, cs.Clusters, 1)
	assert.Equal(t, []string{"p1", "p2"}, cs.Clusters[0].PaperIDs, "hallucinated and duplicate ids dropped")
	assert.Equal(t, 1.0, cs.Clusters[0].Confidence, "confidence clamped to [0,1]")

	_, err = parseMesoResponse(`{"clusters":[]}`, valid)
	assert.Error(t, err)
}

func TestParseMetaResponse(t *testing.T) {
	valid := map[string]bool{"p1": true}

	raw := `{"gaps":[{"title":"G","rationale":"R","supporting_papers":["p1","fake"],"explicit":true,"recommended_action":"A"}],"synthesis":"S"}`
	gs, err := parseMetaResponse(raw, valid)
	require.NoError(t, err)
	require.Len(t, gs.Gaps, 1)
	assert.Equal(t, []string{"p1"}, gs.Gaps[0].SupportingPapers)
	assert.Equal(t, "S", gs.Synthesis)

	_, err = parseMetaResponse(`{"gaps":[{"rationale":"no title"}],"synthesis":"s"}`, valid)
	assert.Error(t, err, "untitled gaps rejected")

	_, err = parseMetaResponse(`{"gaps":[],"synthesis":"s"}`, valid)
	assert.Error(t, err)
}
