package specpipeline

import (
	"context"
	"fmt"

	"golang.org/x/sync/errgroup"

	"github.com/nek1987/auto-agent-harness-sub001/internal/domain"
)

// Analyzer is the spec_analysis AgentSession boundary: SpecPipeline never
// talks to a process directly, it asks an Analyzer to interpret one chunk or
// propose a merge. The concrete implementation (in internal/controller)
// spawns a role=spec_analysis AgentSession and parses its structured output.
type Analyzer interface {
	AnalyzeChunk(ctx context.Context, projectSlug string, chunk Chunk) ([]domain.FeatureCandidate, error)
	ProposeMergedSpec(ctx context.Context, projectSlug, oldSpec, newDoc string) (string, error)
}

// Options bounds a generation pass (spec §4.5: target range, sanity cap).
type Options struct {
	DedupThreshold float64
	CandidateCap   int
	TargetCount    *domain.FeatureCountTarget
}

// GenerateResult is the outcome of initial generation.
type GenerateResult struct {
	Candidates []domain.FeatureCandidate
	Warning    string // set if the natural count exceeds CandidateCap with no target given
}

// GenerateFeatures implements spec §4.5 initial generation: chunk, analyze
// each chunk in parallel (one chunk's agent failure aborts the whole
// generation via errgroup, SPEC_FULL.md §4.5), dedup, and fit to a target
// count if one is supplied.
func GenerateFeatures(ctx context.Context, analyzer Analyzer, projectSlug, rawDoc string, opts Options) (GenerateResult, error) {
	chunks := ChunkDocument(rawDoc)
	if len(chunks) == 0 {
		return GenerateResult{}, nil
	}

	perChunk := make([][]domain.FeatureCandidate, len(chunks))
	g, gctx := errgroup.WithContext(ctx)
	for i, chunk := range chunks {
		i, chunk := i, chunk
		g.Go(func() error {
			cands, err := analyzer.AnalyzeChunk(gctx, projectSlug, chunk)
			if err != nil {
				return fmt.Errorf("analyze chunk %q: %w", chunk.Section, err)
			}
			perChunk[i] = cands
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return GenerateResult{}, err
	}

	var all []domain.FeatureCandidate
	for _, cs := range perChunk {
		all = append(all, cs...)
	}

	threshold := opts.DedupThreshold
	if threshold <= 0 {
		threshold = 0.85
	}
	deduped := DeduplicateCandidates(all, threshold)
	deduped = fitToTarget(deduped, opts.TargetCount)

	result := GenerateResult{Candidates: deduped}
	cap := opts.CandidateCap
	if cap <= 0 {
		cap = 200
	}
	if opts.TargetCount == nil && len(deduped) > cap {
		result.Warning = fmt.Sprintf("generated %d features, exceeding sanity cap %d", len(deduped), cap)
	}
	return result, nil
}

// fitToTarget post-processes the deduplicated candidate list to fit a
// caller-supplied {min, max} range: merging near-duplicates to shrink (a
// stricter re-application of dedup), splitting overloaded steps to grow.
func fitToTarget(candidates []domain.FeatureCandidate, target *domain.FeatureCountTarget) []domain.FeatureCandidate {
	if target == nil {
		return candidates
	}
	out := candidates
	// Shrink: tighten the similarity threshold progressively until within range.
	threshold := 0.95
	for len(out) > target.Max && threshold > 0.55 {
		out = DeduplicateCandidates(out, threshold)
		threshold -= 0.05
	}
	// Grow: split any candidate with more than 2 steps into two candidates
	// until within range, preserving the original candidate when it can't be
	// split further.
	for len(out) < target.Min {
		splitAny := false
		var grown []domain.FeatureCandidate
		for _, c := range out {
			if !splitAny && len(c.Steps) > 2 {
				mid := len(c.Steps) / 2
				grown = append(grown,
					domain.FeatureCandidate{
						FeatureKey: c.FeatureKey + "-a", Name: c.Name + " (part 1)",
						Category: c.Category, Description: c.Description, Steps: c.Steps[:mid],
					},
					domain.FeatureCandidate{
						FeatureKey: c.FeatureKey + "-b", Name: c.Name + " (part 2)",
						Category: c.Category, Description: c.Description, Steps: c.Steps[mid:],
					},
				)
				splitAny = true
				continue
			}
			grown = append(grown, c)
		}
		if !splitAny {
			break // nothing left to split; accept under-target rather than fabricate
		}
		out = grown
	}
	return out
}

// AnalyzeUpdate implements spec §4.5 step 1 (Analyze): extract requirement
// chunks from newDoc, compute section coverage, propose a merged app-spec,
// diff the merge against the old spec, generate feature candidates from the
// merged spec, and rank match candidates against existing features.
func AnalyzeUpdate(ctx context.Context, analyzer Analyzer, id, projectSlug, oldSpec, newDoc string, existing []domain.Feature, opts Options) (domain.SpecUpdateAnalysis, error) {
	chunks := ChunkDocument(newDoc)
	coverage := make(map[string]int, len(chunks))
	for _, c := range chunks {
		coverage[sectionKey(c.Section)]++
	}

	merged, err := analyzer.ProposeMergedSpec(ctx, projectSlug, oldSpec, newDoc)
	if err != nil {
		return domain.SpecUpdateAnalysis{}, fmt.Errorf("propose merged spec: %w", err)
	}

	oldChunks := ChunkDocument(oldSpec)
	oldBySection := make(map[string]string, len(oldChunks))
	for _, c := range oldChunks {
		oldBySection[sectionKey(c.Section)] = c.Body
	}
	var diff []domain.DiffEntry
	for _, c := range ChunkDocument(merged) {
		key := sectionKey(c.Section)
		changed, _, cls := ClassifySectionDiff(oldBySection[key], c.Body)
		if changed {
			diff = append(diff, domain.DiffEntry{Section: c.Section, ChangeType: cls})
		}
	}

	genResult, err := GenerateFeatures(ctx, analyzer, projectSlug, merged, opts)
	if err != nil {
		return domain.SpecUpdateAnalysis{}, fmt.Errorf("generate candidates from merged spec: %w", err)
	}

	threshold := opts.DedupThreshold
	if threshold <= 0 {
		threshold = 0.85
	}
	topK := 5
	matches := make(map[string][]domain.MatchCandidate, len(genResult.Candidates))
	for _, cand := range genResult.Candidates {
		matches[cand.FeatureKey] = RankMatches(cand, existing, topK)
	}
	_ = threshold // dedup threshold already applied inside GenerateFeatures

	return domain.SpecUpdateAnalysis{
		ID:                id,
		ProjectSlug:       projectSlug,
		InputText:         newDoc,
		CoverageMap:       coverage,
		ProposedAppSpec:   merged,
		Diff:              diff,
		FeatureCandidates: genResult.Candidates,
		MatchCandidates:   matches,
		TargetCount:       opts.TargetCount,
	}, nil
}

func sectionKey(section string) string {
	if section == "" {
		return "(preamble)"
	}
	return section
}

// CoverageComplete reports whether every section yielded at least one
// requirement chunk, per spec §4.5 step 1.
func CoverageComplete(coverage map[string]int) bool {
	for _, n := range coverage {
		if n == 0 {
			return false
		}
	}
	return len(coverage) > 0
}
