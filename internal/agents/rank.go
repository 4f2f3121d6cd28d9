package agents

import (
	"sort"
	"strings"

	"github.com/ashita-ai/sukima/internal/converge"
	"github.com/ashita-ai/sukima/internal/model"
)

// Confidence component weights. Evidence breadth dominates: a gap most of the
// corpus points at outranks a sharper but thinly supported one.
const (
	weightBreadth      = 0.5
	weightExplicitness = 0.3
	weightNovelty      = 0.2

	inferredExplicitness = 0.5
	repeatSimilarity     = 0.9 // titles at least this similar count as repeats
)

// rankGaps derives each gap's confidence from its signals and sorts the set
// deterministically.
//
// Confidence components:
//   - evidence breadth: fraction of this iteration's source papers supporting
//     the gap;
//   - explicitness: directly stated (1.0) versus inferred (0.5);
//   - novelty: 1 minus the best title similarity against the previous
//     iteration's gaps, with near-identical repeats floored to zero unless
//     the gap gained supporting evidence (i.e. was meaningfully refined).
//
// Ties on confidence break by higher evidence breadth, then newer supporting
// evidence (max paper year), then lexicographic title, so the ordering is
// fully deterministic and testable.
func rankGaps(gaps []model.Gap, totalPapers int, prior []model.Gap, papersByID map[string]model.Paper) []model.Gap {
	if totalPapers <= 0 {
		totalPapers = 1
	}
	priorSupport := make(map[string]int, len(prior))
	for _, p := range prior {
		priorSupport[p.Title] = len(p.SupportingPapers)
	}

	for i := range gaps {
		g := &gaps[i]
		g.EvidenceBreadth = float64(len(g.SupportingPapers)) / float64(totalPapers)

		g.NewestPaperYear = 0
		for _, pid := range g.SupportingPapers {
			if p, ok := papersByID[pid]; ok {
				if y := p.Year(); y > g.NewestPaperYear {
					g.NewestPaperYear = y
				}
			}
		}

		explicitness := inferredExplicitness
		if g.Explicit {
			explicitness = 1.0
		}

		novelty := 1.0
		bestSim := 0.0
		var bestTitle string
		for _, p := range prior {
			if sim := converge.TitleSimilarity(g.Title, p.Title); sim > bestSim {
				bestSim = sim
				bestTitle = p.Title
			}
		}
		if bestSim > 0 {
			novelty = 1 - bestSim
			if bestSim >= repeatSimilarity && len(g.SupportingPapers) <= priorSupport[bestTitle] {
				// Unchanged repeat with no new evidence.
				novelty = 0
			}
		}

		g.Confidence = clamp01(weightBreadth*g.EvidenceBreadth +
			weightExplicitness*explicitness +
			weightNovelty*novelty)
	}

	sort.SliceStable(gaps, func(i, j int) bool {
		a, b := gaps[i], gaps[j]
		if a.Confidence != b.Confidence {
			return a.Confidence > b.Confidence
		}
		if a.EvidenceBreadth != b.EvidenceBreadth {
			return a.EvidenceBreadth > b.EvidenceBreadth
		}
		if a.NewestPaperYear != b.NewestPaperYear {
			return a.NewestPaperYear > b.NewestPaperYear
		}
		return strings.Compare(a.Title, b.Title) < 0
	})
	return gaps
}
