// Package converge decides whether consecutive iterations' gap rankings have
// stabilized enough to stop refining.
package converge

import (
	"strings"
	"unicode"

	"github.com/ashita-ai/sukima/internal/model"
)

// TopN bounds how many gaps from each side participate in the comparison.
const TopN = 10

// Score computes the confidence-weighted overlap of two ranked gap sets,
// in [0,1]. 0 means no thematic overlap, 1 means the rankings agree.
//
// Each current gap is matched against its most similar previous gap by
// title-token similarity; the match contributes that similarity weighted by
// the mean of both sides' confidence. The total is normalized by the
// comparison size, so low-confidence noise cannot manufacture convergence.
func Score(current, previous []model.Gap) float64 {
	cur := topN(current)
	prev := topN(previous)
	if len(cur) == 0 || len(prev) == 0 {
		return 0
	}

	var total, norm float64
	for _, c := range cur {
		best := 0.0
		bestConf := 0.0
		for _, p := range prev {
			sim := TitleSimilarity(c.Title, p.Title)
			if sim > best {
				best = sim
				bestConf = p.Confidence
			}
		}
		weight := (c.Confidence + bestConf) / 2
		total += best * weight
		norm += c.Confidence
	}
	if norm == 0 {
		return 0
	}
	score := total / norm
	if score > 1 {
		score = 1
	}
	return score
}

// Converged applies the run's threshold to a score.
func Converged(score, threshold float64) bool {
	return score >= threshold
}

// TitleSimilarity is the token-set Jaccard similarity of two gap titles over
// lower-cased alphanumeric tokens. Deterministic so convergence decisions
// (and tests) are reproducible.
func TitleSimilarity(a, b string) float64 {
	ta := tokens(a)
	tb := tokens(b)
	if len(ta) == 0 || len(tb) == 0 {
		return 0
	}
	inter := 0
	for tok := range ta {
		if tb[tok] {
			inter++
		}
	}
	union := len(ta) + len(tb) - inter
	return float64(inter) / float64(union)
}

func tokens(s string) map[string]bool {
	set := make(map[string]bool)
	for _, tok := range strings.FieldsFunc(strings.ToLower(s), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	}) {
		set[tok] = true
	}
	return set
}

func topN(gaps []model.Gap) []model.Gap {
	if len(gaps) > TopN {
		return gaps[:TopN]
	}
	return gaps
}
