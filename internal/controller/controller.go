// Package controller is the single entry point for every external verb on a
// project (spec §4.6): it owns that project's FeatureScheduler and its
// AgentSession workspace claim, publishes through the shared EventBus, and enforces
// the cross-component invariants no individual component can enforce alone.
package controller

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/nek1987/auto-agent-harness-sub001/internal/apperr"
	"github.com/nek1987/auto-agent-harness-sub001/internal/config"
	"github.com/nek1987/auto-agent-harness-sub001/internal/domain"
	"github.com/nek1987/auto-agent-harness-sub001/internal/eventbus"
	"github.com/nek1987/auto-agent-harness-sub001/internal/scheduler"
	"github.com/nek1987/auto-agent-harness-sub001/internal/specpipeline"
	"github.com/nek1987/auto-agent-harness-sub001/internal/store"
	"github.com/nek1987/auto-agent-harness-sub001/internal/workspace"
)

// Controller owns one project's scheduler and, while that scheduler runs,
// its workspace claim. Events go through the shared bus; the Controller
// holds no subscription of its own.
type Controller struct {
	slug   string
	cfg    config.Config
	store  *store.Store
	bus    *eventbus.Bus
	guard  *workspace.Guard
	runner *AgentRunner
	verify scheduler.VerificationHook
	logger *slog.Logger

	mu          sync.Mutex
	sched       *scheduler.Scheduler
	schedCancel context.CancelFunc
	schedDone   chan struct{} // closed once the scheduler's Run goroutine returns
	activeRole  domain.Role   // "" if no non-coding session is live
}

// Manager holds every Controller currently running in this process,
// replacing the teacher's process-wide singleton event bus/registry with an
// explicitly constructed, explicitly torn-down set of injected dependencies
// (spec §9 "Global state").
type Manager struct {
	cfg    config.Config
	store  *store.Store
	bus    *eventbus.Bus
	guard  *workspace.Guard
	runner *AgentRunner
	verify scheduler.VerificationHook
	logger *slog.Logger

	mu          sync.Mutex
	controllers map[string]*Controller
}

// NewManager constructs the process-wide set of shared, injected
// dependencies once at startup.
func NewManager(cfg config.Config, st *store.Store, bus *eventbus.Bus, runner *AgentRunner, verify scheduler.VerificationHook, logger *slog.Logger) *Manager {
	return &Manager{
		cfg: cfg, store: st, bus: bus,
		guard: workspace.NewGuard(), runner: runner, verify: verify, logger: logger,
		controllers: make(map[string]*Controller),
	}
}

func (m *Manager) controllerFor(slug string) *Controller {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.controllers[slug]
	if !ok {
		c = &Controller{
			slug: slug, cfg: m.cfg, store: m.store, bus: m.bus,
			guard: m.guard, runner: m.runner, verify: m.verify, logger: m.logger,
		}
		m.controllers[slug] = c
	}
	return c
}

// Register implements the `register` verb: create a project, validating its
// workspace path exists and is writable (spec §3).
func (m *Manager) Register(ctx context.Context, slug, workspacePath string, method domain.SpecMethod) (*domain.Project, error) {
	info, err := os.Stat(workspacePath)
	if err != nil || !info.IsDir() {
		return nil, apperr.New(apperr.KindValidation, "workspace path does not exist or is not a directory: "+workspacePath)
	}
	probe := workspacePath + "/.harness-write-probe"
	f, err := os.Create(probe)
	if err != nil {
		return nil, apperr.New(apperr.KindValidation, "workspace path not writable: "+workspacePath)
	}
	f.Close()
	os.Remove(probe)

	return m.store.CreateProject(ctx, slug, workspacePath, method)
}

// SetSpecInputs implements `set_spec_inputs`: record the raw requirements
// document a project will generate features from.
func (m *Manager) SetSpecInputs(ctx context.Context, slug, rawDoc string) error {
	return m.store.UpdateProjectSpec(ctx, slug, rawDoc)
}

// GenerateFeatures implements `generate_features`: spec §4.5 initial
// generation, persisting the resulting candidates as pending features and
// transitioning the project to spec_ready.
func (m *Manager) GenerateFeatures(ctx context.Context, slug string, target *domain.FeatureCountTarget) (int, error) {
	project, err := m.store.GetProject(ctx, slug)
	if err != nil {
		return 0, err
	}
	if project == nil {
		return 0, apperr.NotFound("project not found: " + slug)
	}

	opts := specpipeline.Options{
		DedupThreshold: m.cfg.DedupSimilarityThreshold,
		CandidateCap:   m.cfg.FeatureCandidateCap,
		TargetCount:    target,
	}
	result, err := specpipeline.GenerateFeatures(ctx, m.runner, slug, project.AppSpec, opts)
	if err != nil {
		return 0, err
	}
	if result.Warning != "" {
		m.logger.Warn(result.Warning, "project", slug)
	}

	for i, cand := range result.Candidates {
		_, err := m.store.CreateFeature(ctx, slug, domain.Feature{
			Category: cand.Category, Name: featureNameOrFallback(cand, i),
			Description: cand.Description, Steps: cand.Steps, SourceSpec: domain.SourceGenerated,
		})
		if err != nil {
			return i, err
		}
	}
	if _, err := m.store.UpdateProjectState(ctx, slug, domain.ProjectSpecReady); err != nil {
		return len(result.Candidates), err
	}
	if _, err := m.bus.Publish(ctx, slug, domain.EventSpecGenerated, map[string]any{"feature_count": len(result.Candidates)}); err != nil {
		m.logger.Error("publish spec_generated failed", "error", err)
	}
	return len(result.Candidates), nil
}

func featureNameOrFallback(c domain.FeatureCandidate, i int) string {
	if c.Name != "" {
		return c.Name
	}
	return fmt.Sprintf("feature-%d", i+1)
}

// StartBuild implements `start_build`, rejected unless the project is
// spec_ready with at least one pending feature (spec §4.6).
func (m *Manager) StartBuild(ctx context.Context, slug string) error {
	project, err := m.store.GetProject(ctx, slug)
	if err != nil {
		return err
	}
	if project == nil {
		return apperr.NotFound("project not found: " + slug)
	}
	if project.State != domain.ProjectSpecReady {
		return apperr.InvalidTransition("start_build requires project state spec_ready, got " + string(project.State))
	}
	grouped, err := m.store.ListFeatures(ctx, slug)
	if err != nil {
		return err
	}
	if len(grouped.Pending) == 0 {
		return apperr.InvalidTransition("start_build requires at least one pending feature")
	}

	c := m.controllerFor(slug)
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.sched == nil {
		c.sched = scheduler.New(slug, m.store, m.bus, m.runner, m.verify, scheduler.Options{
			RetryCap:          m.cfg.RetryCap,
			HeartbeatInterval: secondsToDuration(m.cfg.HeartbeatS),
			RecentFeatureN:    m.cfg.RecentFeatureSummaryN,
		}, m.logger)
		release, err := m.guard.Acquire(project.WorkspacePath, slug)
		if err != nil {
			c.sched = nil
			return apperr.Concurrency(err.Error())
		}
		runCtx, cancel := context.WithCancel(context.Background())
		c.schedCancel = cancel
		done := make(chan struct{})
		c.schedDone = done
		go func() {
			defer close(done)
			defer release()
			_ = c.sched.Run(runCtx)
		}()
	}
	if _, err := m.store.UpdateProjectState(ctx, slug, domain.ProjectBuilding); err != nil {
		return err
	}
	c.sched.Start()
	return nil
}

// Pause, Resume, Stop implement the matching verbs.
func (m *Manager) Pause(ctx context.Context, slug string) error  { return m.verbOnScheduler(ctx, slug, func(c *Controller) { c.sched.Pause() }) }
func (m *Manager) Resume(ctx context.Context, slug string) error { return m.verbOnScheduler(ctx, slug, func(c *Controller) { c.sched.Resume() }) }

// Stop implements `stop`: it blocks until the scheduler's Run goroutine has
// actually exited -- meaning stopCurrent has drained the in-flight session's
// terminal record and released the workspace guard -- before reverting the
// project back to spec_ready so a later start_build can spin up a fresh
// scheduler (spec §8 scenario S4).
func (m *Manager) Stop(ctx context.Context, slug string) error {
	c := m.controllerFor(slug)
	c.mu.Lock()
	if c.sched == nil {
		c.mu.Unlock()
		return apperr.NotFound("no running scheduler for project: " + slug)
	}
	sched := c.sched
	cancel := c.schedCancel
	done := c.schedDone
	sched.Stop()
	c.mu.Unlock()

	<-done
	if cancel != nil {
		cancel()
	}

	c.mu.Lock()
	if c.sched == sched {
		c.sched = nil
		c.schedCancel = nil
		c.schedDone = nil
	}
	c.mu.Unlock()

	if _, err := m.store.UpdateProjectState(ctx, slug, domain.ProjectSpecReady); err != nil && !apperr.Is(err, apperr.KindInvalidTransition) {
		return err
	}
	return nil
}

// WaitForCompletion returns a channel that closes once slug's scheduler run
// loop has exited -- naturally (all features done) or via Stop -- so a
// long-running caller (the CLI's start-build verb) can block for the
// duration of the build instead of returning the instant the goroutine is
// spawned (spec.md's "long-running controller", §1). A project with no
// running scheduler reports immediate completion.
func (m *Manager) WaitForCompletion(slug string) <-chan struct{} {
	c := m.controllerFor(slug)
	c.mu.Lock()
	done := c.schedDone
	c.mu.Unlock()
	if done == nil {
		closed := make(chan struct{})
		close(closed)
		return closed
	}
	return done
}

func (m *Manager) verbOnScheduler(ctx context.Context, slug string, fn func(*Controller)) error {
	c := m.controllerFor(slug)
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.sched == nil {
		return apperr.NotFound("no running scheduler for project: " + slug)
	}
	fn(c)
	return nil
}

// RestartFeature implements `restart_feature`.
func (m *Manager) RestartFeature(ctx context.Context, slug string, featureID int64) error {
	return m.verbOnScheduler(ctx, slug, func(c *Controller) { c.sched.RestartFeature(featureID) })
}

// ImportExisting implements `import_existing`: register features that
// already exist in an imported codebase with source=imported. A feature
// given without a state is created pending.
func (m *Manager) ImportExisting(ctx context.Context, slug string, features []domain.Feature) (int, error) {
	for i := range features {
		features[i].SourceSpec = domain.SourceImported
		if features[i].State == "" {
			features[i].State = domain.FeaturePending
		}
		if _, err := m.store.CreateFeature(ctx, slug, features[i]); err != nil {
			return i, err
		}
	}
	return len(features), nil
}

// AnalyzeSpecUpdate implements `analyze_spec_update` (spec §4.5 step 1).
func (m *Manager) AnalyzeSpecUpdate(ctx context.Context, slug, newDoc string, target *domain.FeatureCountTarget) (*domain.SpecUpdateAnalysis, error) {
	project, err := m.store.GetProject(ctx, slug)
	if err != nil {
		return nil, err
	}
	if project == nil {
		return nil, apperr.NotFound("project not found: " + slug)
	}
	grouped, err := m.store.ListFeatures(ctx, slug)
	if err != nil {
		return nil, err
	}
	existing := append(append(append([]domain.Feature{}, grouped.Pending...), grouped.InProgress...), grouped.Done...)

	opts := specpipeline.Options{DedupThreshold: m.cfg.DedupSimilarityThreshold, TargetCount: target, CandidateCap: m.cfg.FeatureCandidateCap}
	analysis, err := specpipeline.AnalyzeUpdate(ctx, m.runner, uuid.NewString(), slug, project.AppSpec, newDoc, existing, opts)
	if err != nil {
		return nil, err
	}
	analysis.CreatedAt = time.Now().UTC()
	if err := m.store.SaveSpecAnalysis(ctx, analysis); err != nil {
		return nil, err
	}
	return &analysis, nil
}

// ApplySpecUpdate implements `apply_spec_update` (spec §4.5 step 3),
// rejected while the scheduler is mid-flight (spec §4.6's critical
// consistency rule).
func (m *Manager) ApplySpecUpdate(ctx context.Context, slug, analysisID string, mappings []domain.FeatureMapping) error {
	c := m.controllerFor(slug)
	c.mu.Lock()
	if c.sched != nil {
		switch c.sched.State() {
		case scheduler.StateDispatching, scheduler.StateAwaitingAgent, scheduler.StateVerifying:
			c.mu.Unlock()
			return apperr.Concurrency("apply_spec_update rejected: scheduler has an in-flight attempt, pause first")
		}
	}
	c.mu.Unlock()

	ttl := secondsToDuration(m.cfg.SpecAnalysisTTLS)
	analysis, err := m.store.LoadSpecAnalysis(ctx, analysisID, ttl)
	if err != nil {
		return err
	}

	if err := m.store.UpdateProjectSpec(ctx, slug, analysis.ProposedAppSpec); err != nil {
		return err
	}

	for _, mapping := range mappings {
		cand := findCandidate(analysis.FeatureCandidates, mapping.FeatureKey)
		switch mapping.Action {
		case domain.MapSkip:
			continue
		case domain.MapCreateNew:
			if cand == nil {
				continue
			}
			if _, err := m.store.CreateFeature(ctx, slug, domain.Feature{
				Category: cand.Category, Name: cand.Name, Description: cand.Description,
				Steps: cand.Steps, SourceSpec: domain.SourceSpecUpdate,
			}); err != nil {
				return err
			}
		case domain.MapUpdateExisting:
			if cand == nil {
				continue
			}
			if err := m.store.UpdateFeatureDefinition(ctx, mapping.FeatureID, cand.Category, cand.Description, cand.Steps); err != nil {
				return err
			}
			if mapping.ChangeType == domain.ChangeLogic {
				// Only a done feature is invalidated; a pending or
				// in_progress one keeps its state, passes and flag.
				grouped, err := m.store.ListFeatures(ctx, slug)
				if err != nil {
					return err
				}
				isDone := false
				for _, f := range grouped.Done {
					if f.ID == mapping.FeatureID {
						isDone = true
						break
					}
				}
				if !isDone {
					continue
				}
				passesFalse := false
				reviewFlag := true
				if _, err := m.store.TransitionFeature(ctx, mapping.FeatureID, domain.FeaturePending, store.TransitionOptions{
					Passes: &passesFalse, SetNeedsReview: &reviewFlag,
				}); err != nil {
					return err
				}
			}
		}
	}

	_, err = m.bus.Publish(ctx, slug, domain.EventSpecUpdated, map[string]any{"analysis_id": analysisID, "mapping_count": len(mappings)})
	return err
}

func findCandidate(candidates []domain.FeatureCandidate, key string) *domain.FeatureCandidate {
	for i := range candidates {
		if candidates[i].FeatureKey == key {
			return &candidates[i]
		}
	}
	return nil
}

// StartReferenceSession implements `start_reference_session`.
func (m *Manager) StartReferenceSession(ctx context.Context, slug string) (*domain.ComponentReferenceSession, error) {
	return m.store.CreateReferenceSession(ctx, uuid.NewString(), slug)
}

// GenerateFeaturesFromReferences implements `generate_features_from_references`:
// bias feature generation with the uploaded component descriptors.
func (m *Manager) GenerateFeaturesFromReferences(ctx context.Context, slug, sessionID string, target *domain.FeatureCountTarget) (int, error) {
	sess, err := m.store.GetReferenceSession(ctx, sessionID)
	if err != nil {
		return 0, err
	}
	project, err := m.store.GetProject(ctx, slug)
	if err != nil || project == nil {
		return 0, apperr.NotFound("project not found: " + slug)
	}

	var refContext string
	for _, d := range sess.Descriptors {
		refContext += fmt.Sprintf("- %s (%s)\n", d.Name, d.Path)
	}

	opts := specpipeline.Options{DedupThreshold: m.cfg.DedupSimilarityThreshold, CandidateCap: m.cfg.FeatureCandidateCap, TargetCount: target}
	result, err := specpipeline.GenerateFeatures(ctx, m.runner, slug, project.AppSpec+"\n\n"+refContext, opts)
	if err != nil {
		return 0, err
	}
	for i, cand := range result.Candidates {
		if _, err := m.store.CreateFeature(ctx, slug, domain.Feature{
			Category: cand.Category, Name: featureNameOrFallback(cand, i),
			Description: cand.Description, Steps: cand.Steps, SourceSpec: domain.SourceReference,
		}); err != nil {
			return i, err
		}
	}
	if _, err := m.bus.Publish(ctx, slug, domain.EventReferenceAdded, map[string]any{"session_id": sessionID, "feature_count": len(result.Candidates)}); err != nil {
		m.logger.Error("publish reference_added failed", "error", err)
	}
	return len(result.Candidates), nil
}

// StartRedesign implements `start_redesign`, rejected with
// ConcurrentSessionConflict if any non-redesign role session is currently
// live for this project (spec §4.6).
func (m *Manager) StartRedesign(ctx context.Context, slug string) error {
	c := m.controllerFor(slug)
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.activeRole != "" && c.activeRole != domain.RoleRedesign {
		return apperr.Concurrency(fmt.Sprintf("ConcurrentSessionConflict: role %s is already active for project %s", c.activeRole, slug))
	}
	if c.sched != nil {
		switch c.sched.State() {
		case scheduler.StateDispatching, scheduler.StateAwaitingAgent, scheduler.StateVerifying:
			return apperr.Concurrency("ConcurrentSessionConflict: coding session is active")
		}
	}
	c.activeRole = domain.RoleRedesign
	return nil
}

// FinishRedesign releases the redesign-role claim taken by StartRedesign.
func (m *Manager) FinishRedesign(slug string) {
	c := m.controllerFor(slug)
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.activeRole == domain.RoleRedesign {
		c.activeRole = ""
	}
}

func secondsToDuration(s int) time.Duration { return time.Duration(s) * time.Second }
