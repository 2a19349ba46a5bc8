package scheduler

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/nek1987/auto-agent-harness-sub001/internal/agent"
	"github.com/nek1987/auto-agent-harness-sub001/internal/domain"
	"github.com/nek1987/auto-agent-harness-sub001/internal/eventbus"
	"github.com/nek1987/auto-agent-harness-sub001/internal/store"
)

// fakeSession builds an already-terminated agent.Session, standing in for a
// real spawned process: grounded on the teacher's hand-rolled-fake test
// style rather than a mocking library.
func fakeSession(outcome domain.RunOutcome, exitCode int) *agent.Session {
	lines := make(chan agent.Line)
	close(lines)
	done := make(chan agent.Terminal, 1)
	done <- agent.Terminal{Outcome: outcome, ExitCode: exitCode}
	close(done)
	return &agent.Session{ID: "fake-session", Lines: lines, Done: done}
}

type scriptedResult struct {
	outcome  domain.RunOutcome
	exitCode int
	err      error
}

type fakeLauncher struct {
	mu    sync.Mutex
	queue []scriptedResult
	calls int
}

func (f *fakeLauncher) StartCoding(ctx context.Context, project domain.Project, feature domain.Feature, recent []domain.Feature) (*agent.Session, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.calls >= len(f.queue) {
		return fakeSession(domain.RunSuccess, 0), nil
	}
	r := f.queue[f.calls]
	f.calls++
	if r.err != nil {
		return nil, r.err
	}
	return fakeSession(r.outcome, r.exitCode), nil
}

type fakeVerify struct {
	passes bool
}

func (f fakeVerify) Verify(ctx context.Context, workspacePath string, feature domain.Feature) (bool, string, error) {
	return f.passes, "", nil
}

func newTestScheduler(t *testing.T, launcher SessionLauncher, verify VerificationHook, opts Options) (*Scheduler, *store.Store, string) {
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

	ctx := context.Background()
	if _, err := st.CreateProject(ctx, "demo", t.TempDir(), domain.SpecMethodNatural); err != nil {
		t.Fatal(err)
	}

	return New("demo", st, bus, launcher, verify, opts, logger), st, "demo"
}

func waitFor(t *testing.T, timeout time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition not met before timeout")
}

func TestSchedulerHappyPathMarksFeatureDone(t *testing.T) {
	launcher := &fakeLauncher{queue: []scriptedResult{{outcome: domain.RunSuccess}}}
	sched, st, slug := newTestScheduler(t, launcher, fakeVerify{passes: true}, Options{})
	ctx := context.Background()
	if _, err := st.CreateFeature(ctx, slug, domain.Feature{Name: "only feature"}); err != nil {
		t.Fatal(err)
	}

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	go sched.Run(runCtx)
	sched.Start()

	waitFor(t, 2*time.Second, func() bool {
		grouped, err := st.ListFeatures(ctx, slug)
		return err == nil && len(grouped.Done) == 1 && grouped.Done[0].Passes
	})
}

func TestSchedulerFailureRetriesThenFlagsNeedsReview(t *testing.T) {
	launcher := &fakeLauncher{queue: []scriptedResult{
		{outcome: domain.RunFailed, exitCode: 1},
		{outcome: domain.RunFailed, exitCode: 1},
		{outcome: domain.RunFailed, exitCode: 1},
	}}
	sched, st, slug := newTestScheduler(t, launcher, fakeVerify{passes: false}, Options{RetryCap: 3})
	ctx := context.Background()
	if _, err := st.CreateFeature(ctx, slug, domain.Feature{Name: "flaky feature"}); err != nil {
		t.Fatal(err)
	}

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	go sched.Run(runCtx)
	sched.Start()

	waitFor(t, 2*time.Second, func() bool {
		grouped, err := st.ListFeatures(ctx, slug)
		return err == nil && len(grouped.Pending) == 1 && grouped.Pending[0].NeedsReview && grouped.Pending[0].RetryCount == 3
	})
}

func TestSchedulerLaunchFailureReturnsFeatureToPendingAndErrorsState(t *testing.T) {
	launcher := &fakeLauncher{queue: []scriptedResult{{err: errors.New("binary not found")}}}
	sched, st, slug := newTestScheduler(t, launcher, fakeVerify{passes: true}, Options{})
	ctx := context.Background()
	if _, err := st.CreateFeature(ctx, slug, domain.Feature{Name: "unlaunchable feature"}); err != nil {
		t.Fatal(err)
	}

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	go sched.Run(runCtx)
	sched.Start()

	waitFor(t, 2*time.Second, func() bool {
		grouped, err := st.ListFeatures(ctx, slug)
		return err == nil && len(grouped.Pending) == 1 && grouped.Pending[0].State == domain.FeaturePending
	})
	waitFor(t, 2*time.Second, func() bool { return sched.State() == StateError })
}

func TestSchedulerSelectsNeedsReviewBeforeLowerID(t *testing.T) {
	launcher := &fakeLauncher{queue: []scriptedResult{{outcome: domain.RunSuccess}}}
	sched, st, slug := newTestScheduler(t, launcher, fakeVerify{passes: true}, Options{})
	ctx := context.Background()

	first, err := st.CreateFeature(ctx, slug, domain.Feature{Name: "first, normal"})
	if err != nil {
		t.Fatal(err)
	}
	second, err := st.CreateFeature(ctx, slug, domain.Feature{Name: "second, needs review"})
	if err != nil {
		t.Fatal(err)
	}
	flag := true
	if _, err := st.TransitionFeature(ctx, second.ID, domain.FeatureInProgress, store.TransitionOptions{}); err != nil {
		t.Fatal(err)
	}
	if _, err := st.TransitionFeature(ctx, second.ID, domain.FeaturePending, store.TransitionOptions{SetNeedsReview: &flag}); err != nil {
		t.Fatal(err)
	}
	_ = first

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	go sched.Run(runCtx)
	sched.Start()

	waitFor(t, 2*time.Second, func() bool {
		grouped, err := st.ListFeatures(ctx, slug)
		if err != nil {
			return false
		}
		for _, f := range grouped.Done {
			if f.ID == second.ID {
				return true
			}
		}
		return false
	})
}

// realSessionLauncher spawns an actual child process via agent.Start, used
// to exercise Stop against a genuinely in-flight StateAwaitingAgent session
// rather than an already-terminated fake one.
type realSessionLauncher struct{}

func (realSessionLauncher) StartCoding(ctx context.Context, project domain.Project, feature domain.Feature, recent []domain.Feature) (*agent.Session, error) {
	return agent.Start(ctx, agent.Options{
		Role:        domain.RoleCoding,
		WorkDir:     project.WorkspacePath,
		Invocation:  agent.Invocation{Binary: "/bin/sh", Args: []string{"-c", "sleep 5"}},
		GracePeriod: 50 * time.Millisecond,
	})
}

func TestSchedulerStopDuringAwaitingAgentDrainsSessionAndRevertsFeature(t *testing.T) {
	sched, st, slug := newTestScheduler(t, realSessionLauncher{}, fakeVerify{passes: true}, Options{})
	ctx := context.Background()
	feature, err := st.CreateFeature(ctx, slug, domain.Feature{Name: "long running feature"})
	if err != nil {
		t.Fatal(err)
	}

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	runDone := make(chan struct{})
	go func() {
		sched.Run(runCtx)
		close(runDone)
	}()
	sched.Start()

	waitFor(t, 2*time.Second, func() bool { return sched.State() == StateAwaitingAgent })

	sched.Stop()

	select {
	case <-runDone:
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return after Stop during awaiting_agent")
	}

	if got := sched.State(); got != StateStopped {
		t.Errorf("state after stop = %v, want stopped", got)
	}

	grouped, err := st.ListFeatures(ctx, slug)
	if err != nil {
		t.Fatal(err)
	}
	if len(grouped.Pending) != 1 || grouped.Pending[0].ID != feature.ID {
		t.Errorf("feature not reverted to pending after stop: %+v", grouped)
	}
}

func TestSchedulerPauseStopsDispatchingNewFeatures(t *testing.T) {
	launcher := &fakeLauncher{queue: []scriptedResult{{outcome: domain.RunSuccess}}}
	sched, st, slug := newTestScheduler(t, launcher, fakeVerify{passes: true}, Options{})
	ctx := context.Background()
	if _, err := st.CreateFeature(ctx, slug, domain.Feature{Name: "feature one"}); err != nil {
		t.Fatal(err)
	}
	if _, err := st.CreateFeature(ctx, slug, domain.Feature{Name: "feature two"}); err != nil {
		t.Fatal(err)
	}

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	go sched.Run(runCtx)

	sched.Pause()
	sched.Start()
	// Pause was queued before start ever ran; immediately pause again so a
	// stray selecting tick can't race a feature into flight.
	sched.Pause()

	waitFor(t, 2*time.Second, func() bool { return sched.State() == StatePaused })

	grouped, err := st.ListFeatures(ctx, slug)
	if err != nil {
		t.Fatal(err)
	}
	if len(grouped.Done) != 0 {
		t.Errorf("paused scheduler completed %d features, want 0", len(grouped.Done))
	}
}
