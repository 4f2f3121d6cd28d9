package converge_test

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/ashita-ai/sukima/internal/converge"
	"github.com/ashita-ai/sukima/internal/model"
)

func gap(title string, conf float64) model.Gap {
	return model.Gap{Title: title, Confidence: conf}
}

func TestTitleSimilarity(t *testing.T) {
	assert.Equal(t, 1.0, converge.TitleSimilarity("Cross-domain transfer", "cross domain TRANSFER"),
		"case and punctuation must not matter")
	assert.Equal(t, 0.0, converge.TitleSimilarity("sample efficiency", "hardware cost"))
	assert.Equal(t, 0.0, converge.TitleSimilarity("", "anything"))

	partial := converge.TitleSimilarity("evaluation of long context reasoning", "long context benchmarks")
	assert.Greater(t, partial, 0.0)
	assert.Less(t, partial, 1.0)
}

func TestScore_IdenticalSets(t *testing.T) {
	gaps := []model.Gap{
		gap("sample efficiency in low-data regimes", 0.9),
		gap("reproducibility of ablation studies", 0.8),
	}
	score := converge.Score(gaps, gaps)
	assert.InDelta(t, 1.0, score, 0.01, "identical rankings converge fully")
}

func TestScore_DisjointSets(t *testing.T) {
	cur := []model.Gap{gap("energy cost of inference", 0.9)}
	prev := []model.Gap{gap("multilingual benchmark coverage", 0.9)}
	assert.Equal(t, 0.0, converge.Score(cur, prev))
}

func TestScore_EmptySides(t *testing.T) {
	gaps := []model.Gap{gap("anything", 0.5)}
	assert.Equal(t, 0.0, converge.Score(nil, gaps))
	assert.Equal(t, 0.0, converge.Score(gaps, nil))
	assert.Equal(t, 0.0, converge.Score(nil, nil))
}

func TestScore_ConfidenceWeighting(t *testing.T) {
	// A matching pair with high confidence should score higher than the
	// same pair with the previous side barely confident.
	cur := []model.Gap{gap("context window limits", 0.9)}
	strong := []model.Gap{gap("context window limits", 0.9)}
	weak := []model.Gap{gap("context window limits", 0.1)}

	assert.Greater(t, converge.Score(cur, strong), converge.Score(cur, weak))
}

func TestScore_TopNCap(t *testing.T) {
	var cur, prev []model.Gap
	for i := range 25 {
		title := "shared theme variant"
		if i >= converge.TopN {
			// Tail entries beyond TopN diverge entirely; they must not
			// affect the score.
			title = "unrelated tail entry"
		}
		cur = append(cur, gap(title, 0.8))
		prev = append(prev, gap(title, 0.8))
	}
	score := converge.Score(cur, prev)
	assert.InDelta(t, 1.0, score, 0.01)
}

func TestConverged(t *testing.T) {
	assert.True(t, converge.Converged(0.7, 0.7), "threshold is inclusive")
	assert.True(t, converge.Converged(0.95, 0.7))
	assert.False(t, converge.Converged(0.69, 0.7))
}
