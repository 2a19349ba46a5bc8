package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/nek1987/auto-agent-harness-sub001/internal/apperr"
	"github.com/nek1987/auto-agent-harness-sub001/internal/domain"
)

// Store is the typed public contract in front of the database (spec §4.1).
// No caller-side invariant check is trusted: transition_feature enforces the
// single-in-progress rule itself, under the project's write lock.
type Store struct {
	db *DB
}

func New(db *DB) *Store { return &Store{db: db} }

var slugPattern = regexp.MustCompile(`^[a-z0-9_-]{1,64}$`)

// CreateProject registers a new project. workspacePath must already exist and
// be writable; that is the caller's (registration-time) responsibility to
// have checked, per spec §3.
func (s *Store) CreateProject(ctx context.Context, slug, workspacePath string, method domain.SpecMethod) (*domain.Project, error) {
	if !slugPattern.MatchString(slug) {
		return nil, apperr.Validation("invalid project slug: " + slug)
	}
	lock := s.db.lockFor(slug)
	lock.Lock()
	defer lock.Unlock()

	now := time.Now().UTC()
	_, err := s.db.sql.ExecContext(ctx,
		`INSERT INTO projects (slug, workspace_path, spec_method, app_spec, state, created_at, updated_at)
		 VALUES (?, ?, ?, '', ?, ?, ?)`,
		slug, workspacePath, method, domain.ProjectDraft, now, now)
	if err != nil {
		if isUniqueConstraint(err) {
			return nil, apperr.New(apperr.KindValidation, "project already exists: "+slug)
		}
		return nil, apperr.Store("create project", err)
	}
	return &domain.Project{
		Slug: slug, WorkspacePath: workspacePath, SpecMethod: method,
		State: domain.ProjectDraft, CreatedAt: now, UpdatedAt: now,
	}, nil
}

// GetProject returns the project or (nil, nil) if it does not exist.
func (s *Store) GetProject(ctx context.Context, slug string) (*domain.Project, error) {
	row := s.db.sql.QueryRowContext(ctx,
		`SELECT slug, workspace_path, spec_method, app_spec, state, created_at, updated_at
		 FROM projects WHERE slug = ?`, slug)
	p, err := scanProject(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, apperr.Store("get project", err)
	}
	return p, nil
}

var validProjectTransitions = map[domain.ProjectState]map[domain.ProjectState]bool{
	domain.ProjectDraft:     {domain.ProjectSpecReady: true, domain.ProjectError: true},
	domain.ProjectSpecReady: {domain.ProjectBuilding: true, domain.ProjectError: true},
	domain.ProjectBuilding:  {domain.ProjectPaused: true, domain.ProjectComplete: true, domain.ProjectError: true, domain.ProjectSpecReady: true}, // controller.Stop reverts to spec_ready once the scheduler has actually drained
	domain.ProjectPaused:    {domain.ProjectBuilding: true, domain.ProjectError: true},
	domain.ProjectComplete:  {domain.ProjectBuilding: true}, // restart_feature/spec update can reopen
	domain.ProjectError:     {domain.ProjectBuilding: true, domain.ProjectPaused: true},
}

// UpdateProjectState performs a validated project lifecycle transition.
func (s *Store) UpdateProjectState(ctx context.Context, slug string, target domain.ProjectState) (*domain.Project, error) {
	lock := s.db.lockFor(slug)
	lock.Lock()
	defer lock.Unlock()

	p, err := s.getProjectLocked(ctx, slug)
	if err != nil {
		return nil, err
	}
	if p == nil {
		return nil, apperr.NotFound("project not found: " + slug)
	}
	if p.State != target && !validProjectTransitions[p.State][target] {
		return nil, apperr.InvalidTransition(fmt.Sprintf("project %s: %s -> %s", slug, p.State, target))
	}

	now := time.Now().UTC()
	if _, err := s.db.sql.ExecContext(ctx,
		`UPDATE projects SET state = ?, updated_at = ? WHERE slug = ?`, target, now, slug); err != nil {
		return nil, apperr.Store("update project state", err)
	}
	p.State = target
	p.UpdatedAt = now
	return p, nil
}

// UpdateProjectSpec replaces a project's app-spec text, used by SpecPipeline
// generation and spec-update apply.
func (s *Store) UpdateProjectSpec(ctx context.Context, slug, appSpec string) error {
	lock := s.db.lockFor(slug)
	lock.Lock()
	defer lock.Unlock()

	res, err := s.db.sql.ExecContext(ctx,
		`UPDATE projects SET app_spec = ?, updated_at = ? WHERE slug = ?`, appSpec, time.Now().UTC(), slug)
	if err != nil {
		return apperr.Store("update project spec", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return apperr.NotFound("project not found: " + slug)
	}
	return nil
}

func (s *Store) getProjectLocked(ctx context.Context, slug string) (*domain.Project, error) {
	row := s.db.sql.QueryRowContext(ctx,
		`SELECT slug, workspace_path, spec_method, app_spec, state, created_at, updated_at
		 FROM projects WHERE slug = ?`, slug)
	p, err := scanProject(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, apperr.Store("get project", err)
	}
	return p, nil
}

func scanProject(row *sql.Row) (*domain.Project, error) {
	var p domain.Project
	if err := row.Scan(&p.Slug, &p.WorkspacePath, &p.SpecMethod, &p.AppSpec, &p.State, &p.CreatedAt, &p.UpdatedAt); err != nil {
		return nil, err
	}
	return &p, nil
}

// GroupedFeatures is the result shape of ListFeatures: each group preserves
// ascending-id order, per spec §4.1.
type GroupedFeatures struct {
	Pending    []domain.Feature
	InProgress []domain.Feature
	Done       []domain.Feature
}

// ListFeatures returns every feature of a project grouped by state.
func (s *Store) ListFeatures(ctx context.Context, slug string) (GroupedFeatures, error) {
	rows, err := s.db.sql.QueryContext(ctx,
		`SELECT id, project_slug, category, name, description, steps, state, passes,
		        source_spec, last_run_id, needs_review, retry_count, created_at, updated_at
		 FROM features WHERE project_slug = ? ORDER BY id ASC`, slug)
	if err != nil {
		return GroupedFeatures{}, apperr.Store("list features", err)
	}
	defer rows.Close()

	var g GroupedFeatures
	for rows.Next() {
		f, err := scanFeature(rows)
		if err != nil {
			return GroupedFeatures{}, apperr.Store("scan feature", err)
		}
		switch f.State {
		case domain.FeaturePending:
			g.Pending = append(g.Pending, *f)
		case domain.FeatureInProgress:
			g.InProgress = append(g.InProgress, *f)
		case domain.FeatureDone:
			g.Done = append(g.Done, *f)
		}
	}
	return g, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanFeature(r rowScanner) (*domain.Feature, error) {
	var f domain.Feature
	var stepsJSON string
	var passes, needsReview int
	var lastRunID sql.NullInt64
	if err := r.Scan(&f.ID, &f.ProjectSlug, &f.Category, &f.Name, &f.Description, &stepsJSON,
		&f.State, &passes, &f.SourceSpec, &lastRunID, &needsReview, &f.RetryCount,
		&f.CreatedAt, &f.UpdatedAt); err != nil {
		return nil, err
	}
	f.Passes = passes != 0
	f.NeedsReview = needsReview != 0
	f.LastRunID = lastRunID.Int64
	_ = json.Unmarshal([]byte(stepsJSON), &f.Steps)
	return &f, nil
}

// CreateFeature persists a new feature in f.State, pending when f.State is
// empty.
func (s *Store) CreateFeature(ctx context.Context, slug string, f domain.Feature) (*domain.Feature, error) {
	lock := s.db.lockFor(slug)
	lock.Lock()
	defer lock.Unlock()

	if f.Name == "" || len(f.Name) > 200 {
		return nil, apperr.Validation("feature name must be 1-200 chars")
	}
	if f.State == "" {
		f.State = domain.FeaturePending
	}
	if f.SourceSpec == "" {
		f.SourceSpec = domain.SourceGenerated
	}
	stepsJSON, _ := json.Marshal(f.Steps)
	now := time.Now().UTC()

	res, err := s.db.sql.ExecContext(ctx,
		`INSERT INTO features (project_slug, category, name, description, steps, state, passes,
		                        source_spec, last_run_id, needs_review, retry_count, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, 0, ?, 0, 0, 0, ?, ?)`,
		slug, f.Category, f.Name, f.Description, string(stepsJSON), f.State, f.SourceSpec, now, now)
	if err != nil {
		if isUniqueConstraint(err) {
			return nil, apperr.New(apperr.KindValidation, "duplicate feature name: "+f.Name)
		}
		return nil, apperr.Store("create feature", err)
	}
	id, _ := res.LastInsertId()
	f.ID = id
	f.ProjectSlug = slug
	f.CreatedAt, f.UpdatedAt = now, now
	return &f, nil
}

var validFeatureTransitions = map[domain.FeatureState]map[domain.FeatureState]bool{
	domain.FeaturePending:    {domain.FeatureInProgress: true},
	domain.FeatureInProgress: {domain.FeatureDone: true, domain.FeaturePending: true},
	domain.FeatureDone:       {domain.FeaturePending: true},
}

// TransitionOptions carries the side effects of a feature transition that the
// caller (FeatureScheduler) computes but Store applies atomically alongside
// the state change, under the same project lock that enforces the
// single-in-progress invariant.
type TransitionOptions struct {
	Passes         *bool
	RetryDelta     int
	ResetRetry     bool
	SetNeedsReview *bool
}

// TransitionFeature moves a feature to target state, enforcing that at most
// one feature per project is in_progress at a time. The check and the write
// happen inside the same project lock, so no caller-side check is trusted
// (spec §4.1, §8 property 1).
func (s *Store) TransitionFeature(ctx context.Context, featureID int64, target domain.FeatureState, opts TransitionOptions) (*domain.Feature, error) {
	slug, err := s.featureProjectSlug(ctx, featureID)
	if err != nil {
		return nil, err
	}
	lock := s.db.lockFor(slug)
	lock.Lock()
	defer lock.Unlock()

	row := s.db.sql.QueryRowContext(ctx,
		`SELECT id, project_slug, category, name, description, steps, state, passes,
		        source_spec, last_run_id, needs_review, retry_count, created_at, updated_at
		 FROM features WHERE id = ?`, featureID)
	f, err := scanFeature(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, apperr.NotFound("feature not found")
	}
	if err != nil {
		return nil, apperr.Store("get feature", err)
	}

	if f.State != target && !validFeatureTransitions[f.State][target] {
		return nil, apperr.InvalidTransition(fmt.Sprintf("feature %d: %s -> %s", featureID, f.State, target))
	}
	if target == domain.FeatureInProgress {
		var count int
		if err := s.db.sql.QueryRowContext(ctx,
			`SELECT COUNT(*) FROM features WHERE project_slug = ? AND state = ?`,
			slug, domain.FeatureInProgress).Scan(&count); err != nil {
			return nil, apperr.Store("count in-progress features", err)
		}
		if count > 0 {
			return nil, apperr.Concurrency("project already has an in-progress feature")
		}
	}
	if target == domain.FeatureDone {
		passes := f.Passes
		if opts.Passes != nil {
			passes = *opts.Passes
		}
		if !passes {
			return nil, apperr.InvalidTransition("cannot mark feature done with passes=false")
		}
	}

	passes := f.Passes
	if opts.Passes != nil {
		passes = *opts.Passes
	}
	retry := f.RetryCount + opts.RetryDelta
	if opts.ResetRetry {
		retry = 0
	}
	needsReview := f.NeedsReview
	if opts.SetNeedsReview != nil {
		needsReview = *opts.SetNeedsReview
	}

	now := time.Now().UTC()
	if _, err := s.db.sql.ExecContext(ctx,
		`UPDATE features SET state = ?, passes = ?, retry_count = ?, needs_review = ?, updated_at = ?
		 WHERE id = ?`,
		target, boolToInt(passes), retry, boolToInt(needsReview), now, featureID); err != nil {
		return nil, apperr.Store("update feature", err)
	}

	f.State = target
	f.Passes = passes
	f.RetryCount = retry
	f.NeedsReview = needsReview
	f.UpdatedAt = now
	return f, nil
}

// UpdateFeatureDefinition rewrites a feature's category/description/steps,
// used by spec-update apply (update action). It never changes lifecycle
// state; callers combine it with TransitionFeature for logic-change invalidation.
func (s *Store) UpdateFeatureDefinition(ctx context.Context, featureID int64, category, description string, steps []string) error {
	slug, err := s.featureProjectSlug(ctx, featureID)
	if err != nil {
		return err
	}
	lock := s.db.lockFor(slug)
	lock.Lock()
	defer lock.Unlock()

	stepsJSON, _ := json.Marshal(steps)
	res, err := s.db.sql.ExecContext(ctx,
		`UPDATE features SET category = ?, description = ?, steps = ?, updated_at = ? WHERE id = ?`,
		category, description, string(stepsJSON), time.Now().UTC(), featureID)
	if err != nil {
		return apperr.Store("update feature definition", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return apperr.NotFound("feature not found")
	}
	return nil
}

func (s *Store) featureProjectSlug(ctx context.Context, featureID int64) (string, error) {
	var slug string
	err := s.db.sql.QueryRowContext(ctx, `SELECT project_slug FROM features WHERE id = ?`, featureID).Scan(&slug)
	if errors.Is(err, sql.ErrNoRows) {
		return "", apperr.NotFound("feature not found")
	}
	if err != nil {
		return "", apperr.Store("get feature project", err)
	}
	return slug, nil
}

// BeginRun records the start of a new implementation attempt.
func (s *Store) BeginRun(ctx context.Context, featureID int64, sessionID string) (*domain.Run, error) {
	now := time.Now().UTC()
	res, err := s.db.sql.ExecContext(ctx,
		`INSERT INTO runs (feature_id, session_id, started_at, outcome, exit_code, output_path)
		 VALUES (?, ?, ?, '', 0, '')`, featureID, sessionID, now)
	if err != nil {
		return nil, apperr.Store("begin run", err)
	}
	id, _ := res.LastInsertId()
	run := &domain.Run{ID: id, FeatureID: featureID, SessionID: sessionID, StartedAt: now}

	if _, err := s.db.sql.ExecContext(ctx, `UPDATE features SET last_run_id = ? WHERE id = ?`, id, featureID); err != nil {
		return nil, apperr.Store("link last run", err)
	}
	return run, nil
}

// FinishRun records a run's terminal outcome. Runs are append-only; finishing
// twice is rejected.
func (s *Store) FinishRun(ctx context.Context, runID int64, outcome domain.RunOutcome, exitCode int, outputPath string) (*domain.Run, error) {
	var existingOutcome string
	if err := s.db.sql.QueryRowContext(ctx, `SELECT outcome FROM runs WHERE id = ?`, runID).Scan(&existingOutcome); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, apperr.NotFound("run not found")
		}
		return nil, apperr.Store("get run", err)
	}
	if existingOutcome != "" {
		return nil, apperr.New(apperr.KindValidation, "run already finished")
	}

	now := time.Now().UTC()
	if _, err := s.db.sql.ExecContext(ctx,
		`UPDATE runs SET ended_at = ?, outcome = ?, exit_code = ?, output_path = ? WHERE id = ?`,
		now, outcome, exitCode, outputPath, runID); err != nil {
		return nil, apperr.Store("finish run", err)
	}

	row := s.db.sql.QueryRowContext(ctx,
		`SELECT id, feature_id, session_id, started_at, ended_at, outcome, exit_code, output_path FROM runs WHERE id = ?`, runID)
	return scanRun(row)
}

func scanRun(row *sql.Row) (*domain.Run, error) {
	var r domain.Run
	var ended sql.NullTime
	if err := row.Scan(&r.ID, &r.FeatureID, &r.SessionID, &r.StartedAt, &ended, &r.Outcome, &r.ExitCode, &r.OutputPath); err != nil {
		return nil, apperr.Store("scan run", err)
	}
	if ended.Valid {
		t := ended.Time
		r.EndedAt = &t
	}
	return &r, nil
}

// AppendEvent persists an event with the next sequence number for its
// project, under the project lock so sequence numbers never gap or race.
func (s *Store) AppendEvent(ctx context.Context, projectSlug string, kind domain.EventKind, payload any) (*domain.Event, error) {
	lock := s.db.lockFor(projectSlug)
	lock.Lock()
	defer lock.Unlock()

	var maxSeq sql.NullInt64
	if err := s.db.sql.QueryRowContext(ctx,
		`SELECT MAX(seq) FROM events WHERE project_slug = ?`, projectSlug).Scan(&maxSeq); err != nil {
		return nil, apperr.Store("get max seq", err)
	}
	seq := maxSeq.Int64 + 1

	payloadJSON, err := json.Marshal(payload)
	if err != nil {
		return nil, apperr.Wrap(apperr.KindValidation, "marshal event payload", err)
	}
	now := time.Now().UTC()
	if _, err := s.db.sql.ExecContext(ctx,
		`INSERT INTO events (project_slug, seq, kind, payload, timestamp) VALUES (?, ?, ?, ?, ?)`,
		projectSlug, seq, kind, string(payloadJSON), now); err != nil {
		return nil, apperr.Store("append event", err)
	}
	return &domain.Event{Project: projectSlug, Seq: seq, Kind: kind, Payload: payload, Timestamp: now}, nil
}

// ReplayEvents returns every event for a project with seq > fromSeq, in
// order, satisfying the replay half of the gapless-stream contract (spec §4.2).
func (s *Store) ReplayEvents(ctx context.Context, projectSlug string, fromSeq int64) ([]domain.Event, error) {
	rows, err := s.db.sql.QueryContext(ctx,
		`SELECT project_slug, seq, kind, payload, timestamp FROM events
		 WHERE project_slug = ? AND seq > ? ORDER BY seq ASC`, projectSlug, fromSeq)
	if err != nil {
		return nil, apperr.Store("replay events", err)
	}
	defer rows.Close()

	var out []domain.Event
	for rows.Next() {
		var e domain.Event
		var payloadJSON string
		if err := rows.Scan(&e.Project, &e.Seq, &e.Kind, &payloadJSON, &e.Timestamp); err != nil {
			return nil, apperr.Store("scan event", err)
		}
		var payload map[string]any
		_ = json.Unmarshal([]byte(payloadJSON), &payload)
		e.Payload = payload
		out = append(out, e)
	}
	return out, rows.Err()
}

// TrimEventRetention deletes events beyond the most recent keep count for
// every project, implementing the bounded-ring policy of spec §3.
func (s *Store) TrimEventRetention(ctx context.Context, keep int) error {
	_, err := s.db.sql.ExecContext(ctx, `
		DELETE FROM events WHERE rowid IN (
			SELECT e.rowid FROM events e
			WHERE (
				SELECT COUNT(*) FROM events e2
				WHERE e2.project_slug = e.project_slug AND e2.seq >= e.seq
			) > ?
		)`, keep)
	if err != nil {
		return apperr.Store("trim event retention", err)
	}
	return nil
}

// SaveSpecAnalysis persists a transient SpecUpdateAnalysis.
func (s *Store) SaveSpecAnalysis(ctx context.Context, a domain.SpecUpdateAnalysis) error {
	coverageJSON, _ := json.Marshal(a.CoverageMap)
	diffJSON, _ := json.Marshal(a.Diff)
	candidatesJSON, _ := json.Marshal(a.FeatureCandidates)
	matchesJSON, _ := json.Marshal(a.MatchCandidates)
	var targetJSON sql.NullString
	if a.TargetCount != nil {
		b, _ := json.Marshal(a.TargetCount)
		targetJSON = sql.NullString{String: string(b), Valid: true}
	}

	_, err := s.db.sql.ExecContext(ctx,
		`INSERT INTO spec_update_analyses
		 (id, project_slug, created_at, input_text, coverage_map, proposed_app_spec, diff, feature_candidates, match_candidates, target_count)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(id) DO UPDATE SET
		   coverage_map=excluded.coverage_map, proposed_app_spec=excluded.proposed_app_spec,
		   diff=excluded.diff, feature_candidates=excluded.feature_candidates,
		   match_candidates=excluded.match_candidates, target_count=excluded.target_count`,
		a.ID, a.ProjectSlug, a.CreatedAt, a.InputText, string(coverageJSON), a.ProposedAppSpec,
		string(diffJSON), string(candidatesJSON), string(matchesJSON), targetJSON)
	if err != nil {
		return apperr.Store("save spec analysis", err)
	}
	return nil
}

// LoadSpecAnalysis returns a spec analysis by id, or NotFound/Expired.
func (s *Store) LoadSpecAnalysis(ctx context.Context, id string, ttl time.Duration) (*domain.SpecUpdateAnalysis, error) {
	row := s.db.sql.QueryRowContext(ctx,
		`SELECT id, project_slug, created_at, input_text, coverage_map, proposed_app_spec, diff, feature_candidates, match_candidates, target_count
		 FROM spec_update_analyses WHERE id = ?`, id)

	var a domain.SpecUpdateAnalysis
	var coverageJSON, diffJSON, candidatesJSON, matchesJSON string
	var targetJSON sql.NullString
	if err := row.Scan(&a.ID, &a.ProjectSlug, &a.CreatedAt, &a.InputText, &coverageJSON,
		&a.ProposedAppSpec, &diffJSON, &candidatesJSON, &matchesJSON, &targetJSON); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, apperr.NotFound("spec analysis not found")
		}
		return nil, apperr.Store("load spec analysis", err)
	}
	if ttl > 0 && time.Since(a.CreatedAt) > ttl {
		return nil, apperr.New(apperr.KindNotFound, "spec analysis expired")
	}
	_ = json.Unmarshal([]byte(coverageJSON), &a.CoverageMap)
	_ = json.Unmarshal([]byte(diffJSON), &a.Diff)
	_ = json.Unmarshal([]byte(candidatesJSON), &a.FeatureCandidates)
	_ = json.Unmarshal([]byte(matchesJSON), &a.MatchCandidates)
	if targetJSON.Valid {
		var t domain.FeatureCountTarget
		_ = json.Unmarshal([]byte(targetJSON.String), &t)
		a.TargetCount = &t
	}
	return &a, nil
}

// ExpireSpecAnalyses deletes every analysis older than ttl, run by the cron
// housekeeping sweep (SPEC_FULL.md §2.2).
func (s *Store) ExpireSpecAnalyses(ctx context.Context, ttl time.Duration) (int64, error) {
	res, err := s.db.sql.ExecContext(ctx,
		`DELETE FROM spec_update_analyses WHERE created_at < ?`, time.Now().UTC().Add(-ttl))
	if err != nil {
		return 0, apperr.Store("expire spec analyses", err)
	}
	n, _ := res.RowsAffected()
	return n, nil
}

// CreateReferenceSession persists a new ComponentReferenceSession.
func (s *Store) CreateReferenceSession(ctx context.Context, id, projectSlug string) (*domain.ComponentReferenceSession, error) {
	now := time.Now().UTC()
	if _, err := s.db.sql.ExecContext(ctx,
		`INSERT INTO reference_sessions (id, project_slug, created_at) VALUES (?, ?, ?)`,
		id, projectSlug, now); err != nil {
		return nil, apperr.Store("create reference session", err)
	}
	return &domain.ComponentReferenceSession{ID: id, ProjectSlug: projectSlug, CreatedAt: now}, nil
}

// AddReferenceDescriptor attaches one uploaded component descriptor to a
// reference session.
func (s *Store) AddReferenceDescriptor(ctx context.Context, sessionID string, d domain.ReferenceDescriptor) error {
	metaJSON, _ := json.Marshal(d.Metadata)
	_, err := s.db.sql.ExecContext(ctx,
		`INSERT INTO reference_descriptors (id, session_id, name, path, metadata) VALUES (?, ?, ?, ?, ?)`,
		d.ID, sessionID, d.Name, d.Path, string(metaJSON))
	if err != nil {
		return apperr.Store("add reference descriptor", err)
	}
	return nil
}

// GetReferenceSession loads a reference session with its descriptors.
func (s *Store) GetReferenceSession(ctx context.Context, id string) (*domain.ComponentReferenceSession, error) {
	var sess domain.ComponentReferenceSession
	err := s.db.sql.QueryRowContext(ctx,
		`SELECT id, project_slug, created_at FROM reference_sessions WHERE id = ?`, id).
		Scan(&sess.ID, &sess.ProjectSlug, &sess.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, apperr.NotFound("reference session not found")
	}
	if err != nil {
		return nil, apperr.Store("get reference session", err)
	}

	rows, err := s.db.sql.QueryContext(ctx,
		`SELECT id, name, path, metadata FROM reference_descriptors WHERE session_id = ?`, id)
	if err != nil {
		return nil, apperr.Store("list reference descriptors", err)
	}
	defer rows.Close()
	for rows.Next() {
		var d domain.ReferenceDescriptor
		var metaJSON string
		if err := rows.Scan(&d.ID, &d.Name, &d.Path, &metaJSON); err != nil {
			return nil, apperr.Store("scan reference descriptor", err)
		}
		_ = json.Unmarshal([]byte(metaJSON), &d.Metadata)
		sess.Descriptors = append(sess.Descriptors, d)
	}
	return &sess, rows.Err()
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func isUniqueConstraint(err error) bool {
	if err == nil {
		return false
	}
	msg := err.Error()
	return strings.Contains(msg, "UNIQUE constraint") || strings.Contains(msg, "constraint failed")
}
