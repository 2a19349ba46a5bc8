package store

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/nek1987/auto-agent-harness-sub001/internal/apperr"
	"github.com/nek1987/auto-agent-harness-sub001/internal/domain"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	dir := t.TempDir()
	db, err := Open(filepath.Join(dir, "harness.db"))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return New(db)
}

func TestCreateAndGetProject(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	p, err := s.CreateProject(ctx, "demo", "/tmp/demo", domain.SpecMethodNatural)
	if err != nil {
		t.Fatalf("create project: %v", err)
	}
	if p.State != domain.ProjectDraft {
		t.Errorf("new project state = %v, want draft", p.State)
	}

	got, err := s.GetProject(ctx, "demo")
	if err != nil || got == nil {
		t.Fatalf("get project: %v, %v", got, err)
	}
	if got.WorkspacePath != "/tmp/demo" {
		t.Errorf("workspace path = %q", got.WorkspacePath)
	}

	if _, err := s.CreateProject(ctx, "demo", "/tmp/demo2", domain.SpecMethodNatural); !apperr.Is(err, apperr.KindValidation) {
		t.Errorf("duplicate slug err = %v, want validation kind", err)
	}
}

func TestGetProjectMissingReturnsNilNil(t *testing.T) {
	s := newTestStore(t)
	got, err := s.GetProject(context.Background(), "nope")
	if err != nil || got != nil {
		t.Errorf("got (%v, %v), want (nil, nil) for missing project", got, err)
	}
}

func TestUpdateProjectStateValidatesTransitions(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	if _, err := s.CreateProject(ctx, "demo", "/tmp/demo", domain.SpecMethodNatural); err != nil {
		t.Fatal(err)
	}

	if _, err := s.UpdateProjectState(ctx, "demo", domain.ProjectSpecReady); err != nil {
		t.Fatalf("draft -> spec_ready: %v", err)
	}
	if _, err := s.UpdateProjectState(ctx, "demo", domain.ProjectComplete); !apperr.Is(err, apperr.KindInvalidTransition) {
		t.Errorf("spec_ready -> complete err = %v, want invalid_transition", err)
	}
}

func TestTransitionFeatureEnforcesSingleInProgress(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	if _, err := s.CreateProject(ctx, "demo", "/tmp/demo", domain.SpecMethodNatural); err != nil {
		t.Fatal(err)
	}

	f1, err := s.CreateFeature(ctx, "demo", domain.Feature{Name: "feature one"})
	if err != nil {
		t.Fatal(err)
	}
	f2, err := s.CreateFeature(ctx, "demo", domain.Feature{Name: "feature two"})
	if err != nil {
		t.Fatal(err)
	}

	if _, err := s.TransitionFeature(ctx, f1.ID, domain.FeatureInProgress, TransitionOptions{}); err != nil {
		t.Fatalf("first transition to in_progress: %v", err)
	}
	if _, err := s.TransitionFeature(ctx, f2.ID, domain.FeatureInProgress, TransitionOptions{}); !apperr.Is(err, apperr.KindConcurrency) {
		t.Errorf("second concurrent in_progress err = %v, want concurrency", err)
	}
}

func TestTransitionFeatureRejectsDoneWithoutPasses(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	if _, err := s.CreateProject(ctx, "demo", "/tmp/demo", domain.SpecMethodNatural); err != nil {
		t.Fatal(err)
	}
	f, err := s.CreateFeature(ctx, "demo", domain.Feature{Name: "feature one"})
	if err != nil {
		t.Fatal(err)
	}
	if _, err := s.TransitionFeature(ctx, f.ID, domain.FeatureInProgress, TransitionOptions{}); err != nil {
		t.Fatal(err)
	}

	failing := false
	if _, err := s.TransitionFeature(ctx, f.ID, domain.FeatureDone, TransitionOptions{Passes: &failing}); !apperr.Is(err, apperr.KindInvalidTransition) {
		t.Errorf("done with passes=false err = %v, want invalid_transition", err)
	}

	passing := true
	if _, err := s.TransitionFeature(ctx, f.ID, domain.FeatureDone, TransitionOptions{Passes: &passing}); err != nil {
		t.Errorf("done with passes=true: %v", err)
	}
}

func TestTransitionFeatureRetryAndNeedsReview(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	if _, err := s.CreateProject(ctx, "demo", "/tmp/demo", domain.SpecMethodNatural); err != nil {
		t.Fatal(err)
	}
	f, err := s.CreateFeature(ctx, "demo", domain.Feature{Name: "flaky feature"})
	if err != nil {
		t.Fatal(err)
	}
	if _, err := s.TransitionFeature(ctx, f.ID, domain.FeatureInProgress, TransitionOptions{}); err != nil {
		t.Fatal(err)
	}

	flag := true
	failing := false
	updated, err := s.TransitionFeature(ctx, f.ID, domain.FeaturePending, TransitionOptions{Passes: &failing, RetryDelta: 1, SetNeedsReview: &flag})
	if err != nil {
		t.Fatalf("retry transition: %v", err)
	}
	if updated.RetryCount != 1 || !updated.NeedsReview {
		t.Errorf("updated = %+v, want retry_count=1 needs_review=true", updated)
	}
}

func TestListFeaturesGroupsByState(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	if _, err := s.CreateProject(ctx, "demo", "/tmp/demo", domain.SpecMethodNatural); err != nil {
		t.Fatal(err)
	}
	if _, err := s.CreateFeature(ctx, "demo", domain.Feature{Name: "a"}); err != nil {
		t.Fatal(err)
	}
	f2, err := s.CreateFeature(ctx, "demo", domain.Feature{Name: "b"})
	if err != nil {
		t.Fatal(err)
	}
	if _, err := s.TransitionFeature(ctx, f2.ID, domain.FeatureInProgress, TransitionOptions{}); err != nil {
		t.Fatal(err)
	}

	grouped, err := s.ListFeatures(ctx, "demo")
	if err != nil {
		t.Fatal(err)
	}
	if len(grouped.Pending) != 1 || len(grouped.InProgress) != 1 || len(grouped.Done) != 0 {
		t.Errorf("grouped = %+v", grouped)
	}
}

func TestAppendEventAssignsIncreasingSeq(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	if _, err := s.CreateProject(ctx, "demo", "/tmp/demo", domain.SpecMethodNatural); err != nil {
		t.Fatal(err)
	}

	e1, err := s.AppendEvent(ctx, "demo", domain.EventFeatureCreated, map[string]any{"n": 1})
	if err != nil {
		t.Fatal(err)
	}
	e2, err := s.AppendEvent(ctx, "demo", domain.EventFeatureCreated, map[string]any{"n": 2})
	if err != nil {
		t.Fatal(err)
	}
	if e1.Seq != 1 || e2.Seq != 2 {
		t.Errorf("seqs = %d, %d, want 1, 2", e1.Seq, e2.Seq)
	}
}

func TestReplayEventsReturnsOnlyNewer(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	if _, err := s.CreateProject(ctx, "demo", "/tmp/demo", domain.SpecMethodNatural); err != nil {
		t.Fatal(err)
	}
	for i := 0; i < 3; i++ {
		if _, err := s.AppendEvent(ctx, "demo", domain.EventFeatureCreated, nil); err != nil {
			t.Fatal(err)
		}
	}

	events, err := s.ReplayEvents(ctx, "demo", 1)
	if err != nil {
		t.Fatal(err)
	}
	if len(events) != 2 || events[0].Seq != 2 || events[1].Seq != 3 {
		t.Errorf("replay from seq 1 = %+v, want seq 2 and 3", events)
	}
}

func TestTrimEventRetentionKeepsMostRecent(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	if _, err := s.CreateProject(ctx, "demo", "/tmp/demo", domain.SpecMethodNatural); err != nil {
		t.Fatal(err)
	}
	for i := 0; i < 5; i++ {
		if _, err := s.AppendEvent(ctx, "demo", domain.EventFeatureCreated, nil); err != nil {
			t.Fatal(err)
		}
	}
	if err := s.TrimEventRetention(ctx, 2); err != nil {
		t.Fatal(err)
	}
	events, err := s.ReplayEvents(ctx, "demo", 0)
	if err != nil {
		t.Fatal(err)
	}
	if len(events) != 2 || events[0].Seq != 4 || events[1].Seq != 5 {
		t.Errorf("after trim to 2, events = %+v, want seq 4 and 5", events)
	}
}

func TestReferenceSessionRoundTrip(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	if _, err := s.CreateProject(ctx, "demo", "/tmp/demo", domain.SpecMethodNatural); err != nil {
		t.Fatal(err)
	}
	if _, err := s.CreateReferenceSession(ctx, "sess-1", "demo"); err != nil {
		t.Fatal(err)
	}
	if err := s.AddReferenceDescriptor(ctx, "sess-1", domain.ReferenceDescriptor{ID: "d1", Name: "Button", Path: "components/Button.tsx"}); err != nil {
		t.Fatal(err)
	}

	sess, err := s.GetReferenceSession(ctx, "sess-1")
	if err != nil {
		t.Fatal(err)
	}
	if len(sess.Descriptors) != 1 || sess.Descriptors[0].Name != "Button" {
		t.Errorf("descriptors = %+v", sess.Descriptors)
	}
}
