package agents

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ashita-ai/sukima/internal/model"
)

func paperWithYear(id string, year int) model.Paper {
	return model.Paper{PaperID: id, Metadata: map[string]any{"year": float64(year)}}
}

func TestRankGaps_BreadthDominates(t *testing.T) {
	papers := map[string]model.Paper{
		"p1": paperWithYear("p1", 2020),
		"p2": paperWithYear("p2", 2021),
		"p3": paperWithYear("p3", 2022),
	}
	gaps := []model.Gap{
		{Title: "thin gap", SupportingPapers: []string{"p1"}, Explicit: true},
		{Title: "broad gap", SupportingPapers: []string{"p1", "p2", "p3"}, Explicit: true},
	}

	ranked := rankGaps(gaps, 3, nil, papers)
	require.Len(t, ranked, 2)
	assert.Equal(t, "broad gap", ranked[0].Title)
	assert.InDelta(t, 1.0, ranked[0].EvidenceBreadth, 1e-9)
	assert.Greater(t, ranked[0].Confidence, ranked[1].Confidence)
}

func TestRankGaps_ExplicitBeatsInferred(t *testing.T) {
	papers := map[string]model.Paper{"p1": paperWithYear("p1", 2020)}
	gaps := []model.Gap{
		{Title: "inferred gap", SupportingPapers: []string{"p1"}, Explicit: false},
		{Title: "explicit gap", SupportingPapers: []string{"p1"}, Explicit: true},
	}
	ranked := rankGaps(gaps, 1, nil, papers)
	assert.Equal(t, "explicit gap", ranked[0].Title)
}

func TestRankGaps_RepeatPenalty(t *testing.T) {
	papers := map[string]model.Paper{"p1": paperWithYear("p1", 2020), "p2": paperWithYear("p2", 2021)}
	prior := []model.Gap{
		{Title: "unexplored transfer to robotics", SupportingPapers: []string{"p1"}},
	}
	gaps := []model.Gap{
		{Title: "unexplored transfer to robotics", SupportingPapers: []string{"p1"}, Explicit: true},
		{Title: "a fresh theme entirely", SupportingPapers: []string{"p1"}, Explicit: true},
	}
	ranked := rankGaps(gaps, 2, prior, papers)
	assert.Equal(t, "a fresh theme entirely", ranked[0].Title,
		"unchanged repeats are penalized below novel gaps")

	// The same repeat with broadened evidence keeps its novelty credit...
	refined := []model.Gap{
		{Title: "unexplored transfer to robotics", SupportingPapers: []string{"p1", "p2"}, Explicit: true},
	}
	rankedRefined := rankGaps(refined, 2, prior, papers)
	assert.Greater(t, rankedRefined[0].Confidence, ranked[1].Confidence,
		"a refined repeat must outrank the unchanged one")
}

func TestRankGaps_DeterministicTieBreak(t *testing.T) {
	papers := map[string]model.Paper{
		"old": paperWithYear("old", 2015),
		"new": paperWithYear("new", 2024),
	}

	// Same breadth and explicitness; the gap with newer evidence wins.
	gaps := []model.Gap{
		{Title: "stale evidence theme", SupportingPapers: []string{"old"}, Explicit: true},
		{Title: "recent evidence theme", SupportingPapers: []string{"new"}, Explicit: true},
	}
	ranked := rankGaps(gaps, 2, nil, papers)
	assert.Equal(t, "recent evidence theme", ranked[0].Title)

	// Fully tied signals fall back to lexicographic title order.
	tied := []model.Gap{
		{Title: "zebra theme", SupportingPapers: []string{"new"}, Explicit: true},
		{Title: "alpha theme", SupportingPapers: []string{"new"}, Explicit: true},
	}
	ranked = rankGaps(tied, 2, nil, papers)
	assert.Equal(t, "alpha theme", ranked[0].Title)
	assert.Equal(t, "zebra theme", ranked[1].Title)
}

func TestRankGaps_ZeroPapersGuard(t *testing.T) {
	gaps := []model.Gap{{Title: "g", Explicit: true}}
	ranked := rankGaps(gaps, 0, nil, nil)
	require.Len(t, ranked, 1)
	assert.GreaterOrEqual(t, ranked[0].Confidence, 0.0)
	assert.LessOrEqual(t, ranked[0].Confidence, 1.0)
}
