// Package scheduler is the control loop of spec §4.4: it repeatedly selects
// the next pending feature, dispatches a coding AgentSession, verifies the
// result, and updates feature state. One instance per project, expressed as
// a single cooperative select loop over operator verbs and session records
// — never a callback chain (spec §9 design note).
package scheduler

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"github.com/nek1987/auto-agent-harness-sub001/internal/agent"
	"github.com/nek1987/auto-agent-harness-sub001/internal/apperr"
	"github.com/nek1987/auto-agent-harness-sub001/internal/domain"
	"github.com/nek1987/auto-agent-harness-sub001/internal/eventbus"
	"github.com/nek1987/auto-agent-harness-sub001/internal/store"
)

// State is one of the scheduler's internal state-machine states (spec §4.4).
type State string

const (
	StateIdle          State = "idle"
	StateSelecting     State = "selecting"
	StateDispatching   State = "dispatching"
	StateAwaitingAgent State = "awaiting_agent"
	StateVerifying     State = "verifying"
	StateUpdating      State = "updating"
	StatePaused        State = "paused"
	StateStopped       State = "stopped"
	StateError         State = "error"
)

// Verb is one of the external, non-blocking, idempotent verbs (spec §4.4).
type Verb string

const (
	VerbStart          Verb = "start"
	VerbPause          Verb = "pause"
	VerbResume         Verb = "resume"
	VerbStop           Verb = "stop"
	VerbRestartFeature Verb = "restart_feature"
	VerbSkipFeature    Verb = "skip_feature"
)

// VerificationHook is the pluggable hook of spec §6: given the workspace and
// a feature, decide whether it passes.
type VerificationHook interface {
	Verify(ctx context.Context, workspacePath string, feature domain.Feature) (passes bool, details string, err error)
}

// SessionLauncher starts the coding AgentSession for one dispatch (spec §4.4
// "Dispatch"). The concrete implementation composes the prompt (app-spec,
// feature, recent completions) and calls agent.Start with role=coding.
type SessionLauncher interface {
	StartCoding(ctx context.Context, project domain.Project, feature domain.Feature, recentCompleted []domain.Feature) (*agent.Session, error)
}

// Options configures one Scheduler instance.
type Options struct {
	RetryCap          int
	HeartbeatInterval time.Duration
	RecentFeatureN    int
	Yolo              bool
}

type verbRequest struct {
	verb      Verb
	featureID int64 // for restart_feature / skip_feature
}

// Scheduler drives one project toward "all features done and passing".
type Scheduler struct {
	projectSlug string
	store       *store.Store
	bus         *eventbus.Bus
	launcher    SessionLauncher
	verify      VerificationHook
	opts        Options
	logger      *slog.Logger

	verbCh chan verbRequest
	state  State

	// currentSession/currentFeatureID are only touched from the Run goroutine.
	currentSession   *agent.Session
	currentFeatureID int64
	currentRunID     int64
}

// New builds a Scheduler for one project. Store, EventBus, and the session
// launcher are injected dependencies, never singletons (spec §9).
func New(projectSlug string, st *store.Store, bus *eventbus.Bus, launcher SessionLauncher, verify VerificationHook, opts Options, logger *slog.Logger) *Scheduler {
	if opts.RetryCap <= 0 {
		opts.RetryCap = 3
	}
	if opts.HeartbeatInterval <= 0 {
		opts.HeartbeatInterval = 5 * time.Second
	}
	if opts.RecentFeatureN <= 0 {
		opts.RecentFeatureN = 5
	}
	return &Scheduler{
		projectSlug: projectSlug,
		store:       st,
		bus:         bus,
		launcher:    launcher,
		verify:      verify,
		opts:        opts,
		logger:      logger,
		verbCh:      make(chan verbRequest, 8),
		state:       StateIdle,
	}
}

// Start, Pause, Resume, Stop, RestartFeature, SkipFeature are the external
// verbs of spec §4.4: non-blocking, idempotent, they place the scheduler in
// a target state and return.
func (s *Scheduler) Start()  { s.send(verbRequest{verb: VerbStart}) }
func (s *Scheduler) Pause()  { s.send(verbRequest{verb: VerbPause}) }
func (s *Scheduler) Resume() { s.send(verbRequest{verb: VerbResume}) }
func (s *Scheduler) Stop()   { s.send(verbRequest{verb: VerbStop}) }
func (s *Scheduler) RestartFeature(featureID int64) {
	s.send(verbRequest{verb: VerbRestartFeature, featureID: featureID})
}
func (s *Scheduler) SkipFeature(featureID int64) {
	s.send(verbRequest{verb: VerbSkipFeature, featureID: featureID})
}

func (s *Scheduler) send(v verbRequest) {
	select {
	case s.verbCh <- v:
	default:
		s.logger.Warn("scheduler verb channel full, dropping", "verb", v.verb)
	}
}

// State returns the scheduler's current state. Safe to call concurrently
// only because State is only ever written from the Run goroutine and this
// is a best-effort read for status reporting, not a synchronization point.
func (s *Scheduler) State() State { return s.state }

// Run is the single cooperative loop. It returns when the context is
// cancelled or once a stop verb has been processed; in the error state it
// keeps waiting for verbs.
func (s *Scheduler) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case v := <-s.verbCh:
			if done, err := s.handleVerb(ctx, v); done {
				return err
			}
		default:
		}

		switch s.state {
		case StateIdle, StatePaused, StateStopped, StateError:
			// Quiescent: block for the next verb or context cancellation.
			select {
			case <-ctx.Done():
				return ctx.Err()
			case v := <-s.verbCh:
				if done, err := s.handleVerb(ctx, v); done {
					return err
				}
			}

		case StateSelecting:
			s.runSelecting(ctx)

		case StateDispatching:
			s.runDispatching(ctx)

		case StateAwaitingAgent:
			if s.runAwaitingAgent(ctx) {
				return nil
			}

		case StateVerifying:
			s.runVerifying(ctx)

		case StateUpdating:
			// updating is a synchronous step performed inline by the
			// transition that produced it; reaching this case means a bug.
			s.setState(ctx, StateSelecting)
		}
	}
}

func (s *Scheduler) handleVerb(ctx context.Context, v verbRequest) (done bool, err error) {
	switch v.verb {
	case VerbStart:
		if s.state == StateIdle || s.state == StateStopped || s.state == StateError {
			s.setState(ctx, StateSelecting)
		}
	case VerbPause:
		s.pauseCurrent(ctx)
	case VerbResume:
		if s.state == StatePaused {
			s.setState(ctx, StateSelecting)
		}
	case VerbStop:
		s.stopCurrent(ctx)
		return true, nil
	case VerbRestartFeature:
		_, _ = s.store.TransitionFeature(ctx, v.featureID, domain.FeaturePending, store.TransitionOptions{ResetRetry: true})
		if s.state == StateIdle {
			s.setState(ctx, StateSelecting)
		}
	case VerbSkipFeature:
		noReview := false
		_, _ = s.store.TransitionFeature(ctx, v.featureID, domain.FeaturePending, store.TransitionOptions{SetNeedsReview: &noReview})
	}
	return false, nil
}

func (s *Scheduler) pauseCurrent(ctx context.Context) {
	if s.currentSession != nil {
		s.currentSession.Cancel("paused")
	}
	if s.currentFeatureID != 0 {
		_, _ = s.store.TransitionFeature(ctx, s.currentFeatureID, domain.FeaturePending, store.TransitionOptions{})
	}
	s.setState(ctx, StatePaused)
}

// stopCurrent cancels any in-flight session and blocks until its terminal
// record is actually consumed, so callers (controller.Stop's workspace-guard
// release in particular) can rely on Run returning only once the agent
// process is genuinely gone -- never a false-early return that leaves the
// feature stuck in_progress and the workspace still claimed.
func (s *Scheduler) stopCurrent(ctx context.Context) {
	featureID := s.currentFeatureID
	if sess := s.currentSession; sess != nil {
		sess.Cancel("stopped")
		for range sess.Lines {
		}
		if term, ok := <-sess.Done; ok {
			s.finishRun(ctx, domain.RunCancelled, term.ExitCode)
		}
	}
	s.currentSession = nil
	s.currentFeatureID = 0
	s.currentRunID = 0

	if featureID != 0 {
		if _, err := s.store.TransitionFeature(ctx, featureID, domain.FeaturePending, store.TransitionOptions{}); err != nil {
			s.logger.Error("revert feature to pending on stop failed", "feature", featureID, "error", err)
		} else {
			s.emitFeatureTransition(ctx, featureID, "in_progress", "pending")
		}
	}
	s.setState(ctx, StateStopped)
}

// runSelecting implements spec §4.4 feature selection: needs_review features
// first, then lowest id, ties by id ascending. A feature flagged because its
// retry count reached the cap stays pending but is not selected again.
func (s *Scheduler) runSelecting(ctx context.Context) {
	grouped, err := s.store.ListFeatures(ctx, s.projectSlug)
	if err != nil {
		s.logger.Error("list features failed", "error", err)
		s.setState(ctx, StateError)
		return
	}
	if len(grouped.Pending) == 0 {
		if len(grouped.InProgress) == 0 {
			_, _ = s.store.UpdateProjectState(ctx, s.projectSlug, domain.ProjectComplete)
		}
		s.setState(ctx, StateIdle)
		return
	}

	var pending []domain.Feature
	for _, f := range grouped.Pending {
		if f.NeedsReview && f.RetryCount >= s.opts.RetryCap {
			continue
		}
		pending = append(pending, f)
	}
	if len(pending) == 0 {
		s.setState(ctx, StateIdle)
		return
	}
	sort.SliceStable(pending, func(i, j int) bool {
		if pending[i].NeedsReview != pending[j].NeedsReview {
			return pending[i].NeedsReview
		}
		return pending[i].ID < pending[j].ID
	})
	chosen := pending[0]

	updated, err := s.store.TransitionFeature(ctx, chosen.ID, domain.FeatureInProgress, store.TransitionOptions{})
	if apperr.Is(err, apperr.KindConcurrency) {
		// Another actor claimed in-progress between list and transition; retry next tick.
		return
	}
	if err != nil {
		s.logger.Error("transition to in_progress failed", "feature", chosen.ID, "error", err)
		s.setState(ctx, StateError)
		return
	}
	s.emit(ctx, domain.EventFeatureTransitioned, map[string]any{"feature_id": chosen.ID, "from": "pending", "to": "in_progress"})
	s.currentFeatureID = updated.ID
	s.setState(ctx, StateDispatching)
}

// runDispatching composes and starts the coding AgentSession (spec §4.4 Dispatch).
func (s *Scheduler) runDispatching(ctx context.Context) {
	project, err := s.store.GetProject(ctx, s.projectSlug)
	if err != nil || project == nil {
		s.logger.Error("get project failed", "error", err)
		s.setState(ctx, StateError)
		return
	}
	grouped, err := s.store.ListFeatures(ctx, s.projectSlug)
	if err != nil {
		s.setState(ctx, StateError)
		return
	}
	feature := findFeature(grouped.InProgress, s.currentFeatureID)
	if feature == nil {
		s.setState(ctx, StateError)
		return
	}

	recent := grouped.Done
	if len(recent) > s.opts.RecentFeatureN {
		recent = recent[len(recent)-s.opts.RecentFeatureN:]
	}

	sess, err := s.launcher.StartCoding(ctx, *project, *feature, recent)
	if err != nil {
		s.logger.Error("start coding session failed", "feature", feature.ID, "error", err)
		s.updateFeatureForOutcome(ctx, domain.RunError, false, "")
		return
	}
	run, err := s.store.BeginRun(ctx, feature.ID, sess.ID)
	if err != nil {
		s.logger.Error("begin run failed", "error", err)
		s.setState(ctx, StateError)
		return
	}
	s.currentRunID = run.ID
	s.currentSession = sess
	s.emit(ctx, domain.EventRunStarted, map[string]any{"run_id": run.ID, "feature_id": feature.ID, "session_id": sess.ID})
	s.setState(ctx, StateAwaitingAgent)
}

// runAwaitingAgent streams the session's lines (emitting heartbeats) until
// the terminal record arrives, or a verb interrupts it. Returns true when a
// stop verb was processed, telling Run to exit the whole loop rather than
// fall back into the state machine -- stopCurrent has already blocked until
// the session actually terminated by the time this returns.
func (s *Scheduler) runAwaitingAgent(ctx context.Context) (stopped bool) {
	sess := s.currentSession
	if sess == nil {
		s.setState(ctx, StateError)
		return false
	}
	heartbeat := time.NewTicker(s.opts.HeartbeatInterval)
	defer heartbeat.Stop()

	var recentLines []string
	for {
		select {
		case <-ctx.Done():
			return false
		case v := <-s.verbCh:
			if done, _ := s.handleVerb(ctx, v); done {
				return true
			}
			if s.state != StateAwaitingAgent {
				return false
			}
		case line, ok := <-sess.Lines:
			if !ok {
				continue
			}
			recentLines = append(recentLines, line.Text)
			if len(recentLines) > 20 {
				recentLines = recentLines[len(recentLines)-20:]
			}
			s.emit(ctx, domain.EventAgentLine, map[string]any{"session_id": sess.ID, "text": line.Text, "stream": string(line.Stream)})
		case <-heartbeat.C:
			s.emit(ctx, domain.EventAgentHeartbeat, map[string]any{"session_id": sess.ID, "recent_lines": recentLines})
		case term, ok := <-sess.Done:
			if !ok {
				continue
			}
			s.onSessionTerminal(ctx, term)
			return false
		}
	}
}

func (s *Scheduler) onSessionTerminal(ctx context.Context, term agent.Terminal) {
	switch term.Outcome {
	case domain.RunSuccess, domain.RunFailed:
		s.setState(ctx, StateVerifying)
		s.verifyAndUpdate(ctx, term)
	default:
		s.finishRun(ctx, term.Outcome, term.ExitCode)
		s.updateFeatureForOutcome(ctx, term.Outcome, false, "")
	}
}

// runVerifying / verifyAndUpdate implement spec §4.4 Verification.
func (s *Scheduler) runVerifying(ctx context.Context) {
	// Entered only transiently inside verifyAndUpdate; nothing to do here.
}

func (s *Scheduler) verifyAndUpdate(ctx context.Context, term agent.Terminal) {
	grouped, err := s.store.ListFeatures(ctx, s.projectSlug)
	feature := findFeature(grouped.InProgress, s.currentFeatureID)
	if err != nil || feature == nil {
		s.setState(ctx, StateError)
		return
	}
	project, err := s.store.GetProject(ctx, s.projectSlug)
	if err != nil || project == nil {
		s.setState(ctx, StateError)
		return
	}

	var passes bool
	var details string
	if s.opts.Yolo && term.Outcome == domain.RunSuccess {
		passes = true
	} else {
		var verr error
		passes, details, verr = s.verify.Verify(ctx, project.WorkspacePath, *feature)
		if verr != nil {
			passes = false
			details = fmt.Sprintf("verification error: %v", verr)
		}
	}

	runOutcome := domain.RunSuccess
	if term.Outcome == domain.RunFailed || !passes {
		runOutcome = domain.RunFailed
	}
	s.finishRun(ctx, runOutcome, term.ExitCode)
	s.updateFeatureForOutcome(ctx, term.Outcome, passes, details)
}

// updateFeatureForOutcome implements the update-rule table of spec §4.4.
func (s *Scheduler) updateFeatureForOutcome(ctx context.Context, sessionOutcome domain.RunOutcome, passes bool, details string) {
	featureID := s.currentFeatureID
	s.currentSession = nil
	s.currentFeatureID = 0
	s.currentRunID = 0

	switch sessionOutcome {
	case domain.RunSuccess:
		if passes || s.opts.Yolo {
			t := true
			s.transitionDone(ctx, featureID, t)
			return
		}
		s.retryOrFlag(ctx, featureID)

	case domain.RunFailed:
		s.retryOrFlag(ctx, featureID)

	case domain.RunCancelled:
		f := false
		_, err := s.store.TransitionFeature(ctx, featureID, domain.FeaturePending, store.TransitionOptions{})
		if err == nil {
			s.emitFeatureTransition(ctx, featureID, "in_progress", "pending")
		}
		_ = f
		if s.state == StatePaused || s.state == StateStopped {
			return
		}
		s.setState(ctx, StateSelecting)

	case domain.RunTimeout:
		s.retryOrFlag(ctx, featureID)

	case domain.RunError:
		passesFalse := false
		_, _ = s.store.TransitionFeature(ctx, featureID, domain.FeaturePending, store.TransitionOptions{Passes: &passesFalse})
		s.emitFeatureTransition(ctx, featureID, "in_progress", "pending")
		s.setState(ctx, StateError)
	}
}

func (s *Scheduler) transitionDone(ctx context.Context, featureID int64, passes bool) {
	reset := true
	_, err := s.store.TransitionFeature(ctx, featureID, domain.FeatureDone, store.TransitionOptions{Passes: &passes, ResetRetry: reset})
	if err != nil {
		s.logger.Error("transition to done failed", "feature", featureID, "error", err)
		s.setState(ctx, StateError)
		return
	}
	s.emitFeatureTransition(ctx, featureID, "in_progress", "done")
	s.setState(ctx, StateSelecting)
}

func (s *Scheduler) retryOrFlag(ctx context.Context, featureID int64) {
	grouped, err := s.store.ListFeatures(ctx, s.projectSlug)
	if err != nil {
		s.setState(ctx, StateError)
		return
	}
	var current *domain.Feature
	for _, list := range [][]domain.Feature{grouped.Pending, grouped.InProgress, grouped.Done} {
		if f := findFeature(list, featureID); f != nil {
			current = f
			break
		}
	}
	newRetry := 0
	if current != nil {
		newRetry = current.RetryCount + 1
	}

	passesFalse := false
	opts := store.TransitionOptions{Passes: &passesFalse, RetryDelta: 1}
	if !s.opts.Yolo && newRetry >= s.opts.RetryCap {
		flag := true
		opts.SetNeedsReview = &flag
	}
	_, err = s.store.TransitionFeature(ctx, featureID, domain.FeaturePending, opts)
	if err != nil {
		s.logger.Error("transition to pending (retry) failed", "feature", featureID, "error", err)
		s.setState(ctx, StateError)
		return
	}
	s.emitFeatureTransition(ctx, featureID, "in_progress", "pending")
	s.setState(ctx, StateSelecting)
}

func (s *Scheduler) finishRun(ctx context.Context, outcome domain.RunOutcome, exitCode int) {
	if s.currentRunID == 0 {
		return
	}
	run, err := s.store.FinishRun(ctx, s.currentRunID, outcome, exitCode, "")
	if err != nil {
		s.logger.Error("finish run failed", "run", s.currentRunID, "error", err)
		return
	}
	s.emit(ctx, domain.EventRunFinished, map[string]any{"run_id": run.ID, "feature_id": run.FeatureID, "outcome": string(outcome), "exit_code": exitCode})
}

func (s *Scheduler) emitFeatureTransition(ctx context.Context, featureID int64, from, to string) {
	s.emit(ctx, domain.EventFeatureTransitioned, map[string]any{"feature_id": featureID, "from": from, "to": to})
}

func (s *Scheduler) emit(ctx context.Context, kind domain.EventKind, payload map[string]any) {
	if _, err := s.bus.Publish(ctx, s.projectSlug, kind, payload); err != nil {
		s.logger.Error("publish event failed", "kind", kind, "error", err)
	}
}

func (s *Scheduler) setState(ctx context.Context, st State) {
	if s.state == st {
		return
	}
	prev := s.state
	s.state = st
	s.emit(ctx, domain.EventSchedulerStateChanged, map[string]any{"from": string(prev), "to": string(st)})
}

func findFeature(list []domain.Feature, id int64) *domain.Feature {
	for i := range list {
		if list[i].ID == id {
			return &list[i]
		}
	}
	return nil
}
