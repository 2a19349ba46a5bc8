package controller

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"path/filepath"
	"testing"
	"time"

	"github.com/nek1987/auto-agent-harness-sub001/internal/agent"
	"github.com/nek1987/auto-agent-harness-sub001/internal/apperr"
	"github.com/nek1987/auto-agent-harness-sub001/internal/config"
	"github.com/nek1987/auto-agent-harness-sub001/internal/domain"
	"github.com/nek1987/auto-agent-harness-sub001/internal/eventbus"
	"github.com/nek1987/auto-agent-harness-sub001/internal/scheduler"
	"github.com/nek1987/auto-agent-harness-sub001/internal/store"
)

// blockingLauncher is a hand-rolled fake scheduler.SessionLauncher that never
// returns until released, used to pin a scheduler in StateDispatching for
// concurrency-invariant tests.
type blockingLauncher struct {
	release chan struct{}
}

func (b *blockingLauncher) StartCoding(ctx context.Context, project domain.Project, feature domain.Feature, recent []domain.Feature) (*agent.Session, error) {
	<-b.release
	return nil, errors.New("blockingLauncher never actually starts a session")
}

type alwaysPass struct{}

func (alwaysPass) Verify(ctx context.Context, workspacePath string, feature domain.Feature) (bool, string, error) {
	return true, "", nil
}

func newTestManager(t *testing.T) (*Manager, *store.Store) {
	t.Helper()
	dir := t.TempDir()
	db, err := store.Open(filepath.Join(dir, "harness.db"))
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { db.Close() })
	st := store.New(db)
	bus := eventbus.New(st, 64)
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	mgr := NewManager(config.Default(), st, bus, &AgentRunner{}, alwaysPass{}, logger)
	return mgr, st
}

func TestRegisterValidatesWorkspacePath(t *testing.T) {
	mgr, _ := newTestManager(t)
	ctx := context.Background()

	if _, err := mgr.Register(ctx, "demo", filepath.Join(t.TempDir(), "does-not-exist"), domain.SpecMethodNatural); !apperr.Is(err, apperr.KindValidation) {
		t.Errorf("nonexistent workspace err = %v, want validation", err)
	}

	writable := t.TempDir()
	if _, err := mgr.Register(ctx, "demo", writable, domain.SpecMethodNatural); err != nil {
		t.Errorf("register with writable workspace: %v", err)
	}
}

func TestStartBuildRequiresSpecReadyState(t *testing.T) {
	mgr, st := newTestManager(t)
	ctx := context.Background()
	if _, err := st.CreateProject(ctx, "demo", t.TempDir(), domain.SpecMethodNatural); err != nil {
		t.Fatal(err)
	}

	if err := mgr.StartBuild(ctx, "demo"); !apperr.Is(err, apperr.KindInvalidTransition) {
		t.Errorf("start_build on draft project err = %v, want invalid_transition", err)
	}
}

func TestStartBuildRequiresAtLeastOnePendingFeature(t *testing.T) {
	mgr, st := newTestManager(t)
	ctx := context.Background()
	if _, err := st.CreateProject(ctx, "demo", t.TempDir(), domain.SpecMethodNatural); err != nil {
		t.Fatal(err)
	}
	if _, err := st.UpdateProjectState(ctx, "demo", domain.ProjectSpecReady); err != nil {
		t.Fatal(err)
	}

	if err := mgr.StartBuild(ctx, "demo"); !apperr.Is(err, apperr.KindInvalidTransition) {
		t.Errorf("start_build with zero pending features err = %v, want invalid_transition", err)
	}
}

func TestStartBuildRejectsUnknownProject(t *testing.T) {
	mgr, _ := newTestManager(t)
	if err := mgr.StartBuild(context.Background(), "ghost"); !apperr.Is(err, apperr.KindNotFound) {
		t.Errorf("err = %v, want not_found", err)
	}
}

func TestApplySpecUpdateRejectedWhileSchedulerMidFlight(t *testing.T) {
	mgr, st := newTestManager(t)
	ctx := context.Background()
	workspace := t.TempDir()
	if _, err := st.CreateProject(ctx, "demo", workspace, domain.SpecMethodNatural); err != nil {
		t.Fatal(err)
	}
	if _, err := st.CreateFeature(ctx, "demo", domain.Feature{Name: "only feature"}); err != nil {
		t.Fatal(err)
	}

	launcher := &blockingLauncher{release: make(chan struct{})}
	defer close(launcher.release)

	c := mgr.controllerFor("demo")
	c.sched = scheduler.New("demo", st, mgr.bus, launcher, alwaysPass{}, scheduler.Options{}, mgr.logger)
	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	go c.sched.Run(runCtx)
	c.sched.Start()

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) && c.sched.State() != scheduler.StateDispatching {
		time.Sleep(5 * time.Millisecond)
	}
	if c.sched.State() != scheduler.StateDispatching {
		t.Fatal("scheduler never reached dispatching")
	}

	err := mgr.ApplySpecUpdate(ctx, "demo", "some-analysis-id", nil)
	if !apperr.Is(err, apperr.KindConcurrency) {
		t.Errorf("apply_spec_update while dispatching err = %v, want concurrency", err)
	}
}

func TestStartRedesignRejectsWhileAnotherRoleActive(t *testing.T) {
	mgr, st := newTestManager(t)
	ctx := context.Background()
	if _, err := st.CreateProject(ctx, "demo", t.TempDir(), domain.SpecMethodNatural); err != nil {
		t.Fatal(err)
	}

	c := mgr.controllerFor("demo")
	c.activeRole = domain.RoleSpecAnalysis

	if err := mgr.StartRedesign(ctx, "demo"); !apperr.Is(err, apperr.KindConcurrency) {
		t.Errorf("start_redesign while spec_analysis active err = %v, want concurrency", err)
	}
}

func TestStartRedesignIsIdempotentForRedesignItself(t *testing.T) {
	mgr, st := newTestManager(t)
	ctx := context.Background()
	if _, err := st.CreateProject(ctx, "demo", t.TempDir(), domain.SpecMethodNatural); err != nil {
		t.Fatal(err)
	}

	if err := mgr.StartRedesign(ctx, "demo"); err != nil {
		t.Fatalf("first start_redesign: %v", err)
	}
	if err := mgr.StartRedesign(ctx, "demo"); err != nil {
		t.Errorf("second start_redesign (already redesign) err = %v, want nil", err)
	}

	mgr.FinishRedesign("demo")
	c := mgr.controllerFor("demo")
	if c.activeRole != "" {
		t.Errorf("activeRole after FinishRedesign = %q, want empty", c.activeRole)
	}
}

func TestPauseResumeStopRequireRunningScheduler(t *testing.T) {
	mgr, st := newTestManager(t)
	ctx := context.Background()
	if _, err := st.CreateProject(ctx, "demo", t.TempDir(), domain.SpecMethodNatural); err != nil {
		t.Fatal(err)
	}

	if err := mgr.Pause(ctx, "demo"); !apperr.Is(err, apperr.KindNotFound) {
		t.Errorf("pause with no scheduler err = %v, want not_found", err)
	}
	if err := mgr.Resume(ctx, "demo"); !apperr.Is(err, apperr.KindNotFound) {
		t.Errorf("resume with no scheduler err = %v, want not_found", err)
	}
	if err := mgr.Stop(ctx, "demo"); !apperr.Is(err, apperr.KindNotFound) {
		t.Errorf("stop with no scheduler err = %v, want not_found", err)
	}
}

func TestStopAllowsFreshStartBuildAfterward(t *testing.T) {
	mgr, st := newTestManager(t)
	ctx := context.Background()
	workspace := t.TempDir()
	if _, err := st.CreateProject(ctx, "demo", workspace, domain.SpecMethodNatural); err != nil {
		t.Fatal(err)
	}
	if _, err := st.CreateFeature(ctx, "demo", domain.Feature{Name: "only feature"}); err != nil {
		t.Fatal(err)
	}
	if _, err := st.UpdateProjectState(ctx, "demo", domain.ProjectSpecReady); err != nil {
		t.Fatal(err)
	}

	if err := mgr.StartBuild(ctx, "demo"); err != nil {
		t.Fatalf("first start_build: %v", err)
	}

	c := mgr.controllerFor("demo")
	waitUntilSchedulerSet := func() bool {
		c.mu.Lock()
		defer c.mu.Unlock()
		return c.sched != nil
	}
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) && !waitUntilSchedulerSet() {
		time.Sleep(5 * time.Millisecond)
	}

	if err := mgr.Stop(ctx, "demo"); err != nil {
		t.Fatalf("stop: %v", err)
	}

	c.mu.Lock()
	stillSet := c.sched != nil
	c.mu.Unlock()
	if stillSet {
		t.Error("controller still holds a scheduler reference after Stop")
	}

	project, err := st.GetProject(ctx, "demo")
	if err != nil {
		t.Fatal(err)
	}
	if project.State != domain.ProjectSpecReady && project.State != domain.ProjectComplete {
		t.Errorf("project state after stop = %v, want spec_ready (or complete if it raced to done)", project.State)
	}

	if project.State == domain.ProjectSpecReady {
		if err := mgr.StartBuild(ctx, "demo"); err != nil {
			t.Errorf("start_build after stop: %v", err)
		}
		mgr.Stop(ctx, "demo")
	}
}

func TestImportExistingMarksFeaturesImported(t *testing.T) {
	mgr, st := newTestManager(t)
	ctx := context.Background()
	if _, err := st.CreateProject(ctx, "demo", t.TempDir(), domain.SpecMethodNatural); err != nil {
		t.Fatal(err)
	}

	n, err := mgr.ImportExisting(ctx, "demo", []domain.Feature{
		{Name: "existing feature one"},
		{Name: "existing feature two"},
	})
	if err != nil {
		t.Fatalf("import_existing: %v", err)
	}
	if n != 2 {
		t.Errorf("imported %d features, want 2", n)
	}

	grouped, err := st.ListFeatures(ctx, "demo")
	if err != nil {
		t.Fatal(err)
	}
	if len(grouped.Pending) != 2 {
		t.Errorf("pending features = %d, want 2", len(grouped.Pending))
	}
	for _, f := range grouped.Pending {
		if f.SourceSpec != domain.SourceImported {
			t.Errorf("feature %d source = %v, want imported", f.ID, f.SourceSpec)
		}
	}
}
