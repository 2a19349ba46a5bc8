package specpipeline

import (
	"strings"

	"github.com/sergi/go-diff/diffmatchpatch"

	"github.com/nek1987/auto-agent-harness-sub001/internal/domain"
)

// cosmeticChurnRatio is the fraction of words in inserted or deleted diff
// segments, relative to the words in all segments (unchanged, deleted and
// inserted), at or below which a section diff is classified cosmetic rather
// than logic (spec §4.5: "wording only" vs "semantic/behavioral").
const cosmeticChurnRatio = 0.35

// ClassifySectionDiff diffs oldText and newText for one section and reports
// the change_type. A section present in only one of old/new is always logic
// (a section appearing or disappearing is a behavioral change, not wording).
func ClassifySectionDiff(oldText, newText string) (changed bool, churnRatio float64, classification domain.ChangeType) {
	oldText, newText = strings.TrimSpace(oldText), strings.TrimSpace(newText)
	if oldText == newText {
		return false, 0, domain.ChangeCosmetic
	}
	if oldText == "" || newText == "" {
		return true, 1, domain.ChangeLogic
	}

	dmp := diffmatchpatch.New()
	diffs := dmp.DiffMain(oldText, newText, true)
	diffs = dmp.DiffCleanupSemantic(diffs)

	var churned, total int
	for _, d := range diffs {
		words := len(strings.Fields(d.Text))
		total += words
		if d.Type != diffmatchpatch.DiffEqual {
			churned += words
		}
	}
	ratio := 0.0
	if total > 0 {
		ratio = float64(churned) / float64(total)
	}

	cls := domain.ChangeLogic
	if ratio <= cosmeticChurnRatio {
		cls = domain.ChangeCosmetic
	}
	return true, ratio, cls
}

// ReconcileClassification applies spec §4.5's precedence: when the
// spec_analysis agent supplies its own classification for a section, that
// semantic judgment wins over the diff's word-churn heuristic, since the
// agent has context the op-ratio cannot (SPEC_FULL.md §4.5).
func ReconcileClassification(heuristic domain.ChangeType, agentClassification *domain.ChangeType) domain.ChangeType {
	if agentClassification != nil {
		return *agentClassification
	}
	return heuristic
}
