package specpipeline

import (
	"sort"
	"strings"

	"github.com/nek1987/auto-agent-harness-sub001/internal/domain"
)

// jaccardTokens returns the case-folded, whitespace-collapsed token set for a
// string (spec §4.5 dedup scheme).
func jaccardTokens(s string) map[string]struct{} {
	fields := strings.Fields(strings.ToLower(s))
	set := make(map[string]struct{}, len(fields))
	for _, f := range fields {
		set[f] = struct{}{}
	}
	return set
}

// jaccardSimilarity computes |A ∩ B| / |A ∪ B| over token sets. Returns 0 for
// two empty sets rather than NaN.
func jaccardSimilarity(a, b map[string]struct{}) float64 {
	if len(a) == 0 && len(b) == 0 {
		return 0
	}
	inter := 0
	for t := range a {
		if _, ok := b[t]; ok {
			inter++
		}
	}
	union := len(a) + len(b) - inter
	if union == 0 {
		return 0
	}
	return float64(inter) / float64(union)
}

// nameTokens is the normalized-name similarity input for a feature candidate:
// name plus category, per spec §4.5's "normalized-name similarity".
func nameTokens(name, category string) map[string]struct{} {
	return jaccardTokens(name + " " + category)
}

// stepTokens additionally folds in the step set, used for spec-update match
// ranking ("similarity... plus step-set overlap", spec §4.5).
func stepTokens(name, category string, steps []string) map[string]struct{} {
	return jaccardTokens(name + " " + category + " " + strings.Join(steps, " "))
}

// DeduplicateCandidates collapses near-duplicate feature candidates by
// normalized-name Jaccard similarity at threshold, keeping the
// first-encountered (emission-order) candidate of each cluster.
func DeduplicateCandidates(candidates []domain.FeatureCandidate, threshold float64) []domain.FeatureCandidate {
	var kept []domain.FeatureCandidate
	var keptTokens []map[string]struct{}

	for _, c := range candidates {
		tokens := nameTokens(c.Name, c.Category)
		dup := false
		for _, kt := range keptTokens {
			if jaccardSimilarity(tokens, kt) >= threshold {
				dup = true
				break
			}
		}
		if !dup {
			kept = append(kept, c)
			keptTokens = append(keptTokens, tokens)
		}
	}
	return kept
}

// RankMatches ranks existing features against one candidate by the combined
// name+step-set Jaccard scheme, returning the top-K matches (spec §4.5
// "rank top-K (default 5)").
func RankMatches(candidate domain.FeatureCandidate, existing []domain.Feature, topK int) []domain.MatchCandidate {
	candTokens := stepTokens(candidate.Name, candidate.Category, candidate.Steps)

	matches := make([]domain.MatchCandidate, 0, len(existing))
	for _, f := range existing {
		score := jaccardSimilarity(candTokens, stepTokens(f.Name, f.Category, f.Steps))
		if score <= 0 {
			continue
		}
		_, _, changeType := ClassifySectionDiff(f.Description, candidate.Description)
		matches = append(matches, domain.MatchCandidate{FeatureID: f.ID, Score: score, ChangeType: changeType})
	}
	sort.Slice(matches, func(i, j int) bool { return matches[i].Score > matches[j].Score })
	if topK > 0 && len(matches) > topK {
		matches = matches[:topK]
	}
	return matches
}
