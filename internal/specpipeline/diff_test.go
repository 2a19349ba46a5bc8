package specpipeline

import (
	"testing"

	"github.com/nek1987/auto-agent-harness-sub001/internal/domain"
)

func TestClassifySectionDiffUnchanged(t *testing.T) {
	changed, _, cls := ClassifySectionDiff("Users can log in.", "Users can log in.")
	if changed {
		t.Error("identical text reported as changed")
	}
	if cls != domain.ChangeCosmetic {
		t.Errorf("cls = %v, want cosmetic for no change", cls)
	}
}

func TestClassifySectionDiffCosmeticTypoFix(t *testing.T) {
	old := "Users can log in with their email and pasword."
	new := "Users can log in with their email and password."
	changed, ratio, cls := ClassifySectionDiff(old, new)
	if !changed {
		t.Fatal("expected a changed diff")
	}
	if cls != domain.ChangeCosmetic {
		t.Errorf("single-word typo fix classified %v (ratio %.2f), want cosmetic", cls, ratio)
	}
}

func TestClassifySectionDiffLogicChange(t *testing.T) {
	old := "Users can log in with email and password."
	new := "Users authenticate via a third-party OAuth provider and receive a signed session token valid for 24 hours."
	changed, ratio, cls := ClassifySectionDiff(old, new)
	if !changed {
		t.Fatal("expected a changed diff")
	}
	if cls != domain.ChangeLogic {
		t.Errorf("substantial rewrite classified %v (ratio %.2f), want logic", cls, ratio)
	}
}

func TestClassifySectionDiffSectionAppearsOrDisappears(t *testing.T) {
	changed, ratio, cls := ClassifySectionDiff("", "Brand new requirement text.")
	if !changed || cls != domain.ChangeLogic || ratio != 1 {
		t.Errorf("new section: changed=%v ratio=%v cls=%v, want changed=true ratio=1 cls=logic", changed, ratio, cls)
	}

	changed, _, cls = ClassifySectionDiff("Old requirement text.", "")
	if !changed || cls != domain.ChangeLogic {
		t.Errorf("removed section: changed=%v cls=%v, want changed=true cls=logic", changed, cls)
	}
}

func TestReconcileClassificationAgentOverridesHeuristic(t *testing.T) {
	agent := domain.ChangeLogic
	got := ReconcileClassification(domain.ChangeCosmetic, &agent)
	if got != domain.ChangeLogic {
		t.Errorf("got %v, want agent's logic classification to win", got)
	}
}

func TestReconcileClassificationFallsBackToHeuristic(t *testing.T) {
	got := ReconcileClassification(domain.ChangeCosmetic, nil)
	if got != domain.ChangeCosmetic {
		t.Errorf("got %v, want heuristic classification when agent is silent", got)
	}
}
