// Package domain holds the entities the harness persists and schedules:
// projects, features, runs, events, spec-update analyses, and reference
// sessions. Store owns every record; everything else holds ids.
package domain

import "time"

// SpecMethod describes how a project's app-spec was produced.
type SpecMethod string

const (
	SpecMethodNatural    SpecMethod = "natural"
	SpecMethodStructured SpecMethod = "structured"
	SpecMethodManual     SpecMethod = "manual"
)

// ProjectState is a project's lifecycle state.
type ProjectState string

const (
	ProjectDraft     ProjectState = "draft"
	ProjectSpecReady ProjectState = "spec_ready"
	ProjectBuilding  ProjectState = "building"
	ProjectPaused    ProjectState = "paused"
	ProjectComplete  ProjectState = "complete"
	ProjectError     ProjectState = "error"
)

// Project is a registered build target: a slug, a workspace, and an app-spec.
type Project struct {
	Slug          string
	WorkspacePath string
	SpecMethod    SpecMethod
	AppSpec       string
	State         ProjectState
	CreatedAt     time.Time
	UpdatedAt     time.Time
}

// FeatureState is a feature's lifecycle state.
type FeatureState string

const (
	FeaturePending    FeatureState = "pending"
	FeatureInProgress FeatureState = "in_progress"
	FeatureDone       FeatureState = "done"
)

// FeatureSource tags where a feature's definition came from.
type FeatureSource string

const (
	SourceGenerated  FeatureSource = "generated"
	SourceImported   FeatureSource = "imported"
	SourceManual     FeatureSource = "manual"
	SourceReference  FeatureSource = "reference"
	SourceSpecUpdate FeatureSource = "spec_update"
)

// Feature is one atomic, independently verifiable unit of work.
type Feature struct {
	ID            int64
	ProjectSlug   string
	Category      string
	Name          string
	Description   string
	Steps         []string
	State         FeatureState
	Passes        bool
	SourceSpec    FeatureSource
	LastRunID     int64 // 0 if none
	NeedsReview   bool
	RetryCount    int
	CreatedAt     time.Time
	UpdatedAt     time.Time
}

// RunOutcome is the terminal result of one implementation attempt.
type RunOutcome string

const (
	RunSuccess   RunOutcome = "success"
	RunFailed    RunOutcome = "failed"
	RunCancelled RunOutcome = "cancelled"
	RunTimeout   RunOutcome = "timeout"
	RunError     RunOutcome = "error"
)

// Run is one attempt by a coding AgentSession to implement a feature.
// Runs are append-only: they are the audit log of the scheduler.
type Run struct {
	ID         int64
	FeatureID  int64
	SessionID  string
	StartedAt  time.Time
	EndedAt    *time.Time
	Outcome    RunOutcome
	ExitCode   int
	OutputPath string
}

// EventKind enumerates the wire event kinds (spec.md §6).
type EventKind string

const (
	EventProjectStateChanged   EventKind = "project_state_changed"
	EventFeatureCreated        EventKind = "feature_created"
	EventFeatureTransitioned   EventKind = "feature_transitioned"
	EventRunStarted            EventKind = "run_started"
	EventRunFinished           EventKind = "run_finished"
	EventAgentLine             EventKind = "agent_line"
	EventAgentHeartbeat        EventKind = "agent_heartbeat"
	EventSpecGenerated         EventKind = "spec_generated"
	EventSpecUpdated           EventKind = "spec_updated"
	EventReferenceAdded        EventKind = "reference_added"
	EventSchedulerStateChanged EventKind = "scheduler_state_changed"
	EventError                 EventKind = "error"
)

// Event is an immutable, strictly ordered (per project) broadcast record.
type Event struct {
	Project   string
	Seq       int64
	Kind      EventKind
	Payload   any
	Timestamp time.Time
}

// ChangeType classifies a spec-update diff entry.
type ChangeType string

const (
	ChangeCosmetic ChangeType = "cosmetic"
	ChangeLogic    ChangeType = "logic"
)

// DiffEntry is one section-level change in a spec update.
type DiffEntry struct {
	Section    string
	ChangeType ChangeType
}

// FeatureCandidate is a proposed feature emitted by spec analysis, not yet
// persisted as a Feature.
type FeatureCandidate struct {
	FeatureKey  string
	Name        string
	Category    string
	Description string
	Steps       []string
}

// MatchCandidate ranks an existing feature as a possible target for a
// FeatureCandidate produced during a spec update.
type MatchCandidate struct {
	FeatureID  int64
	Score      float64
	ChangeType ChangeType
}

// FeatureCountTarget bounds how many features a generation pass should settle on.
type FeatureCountTarget struct {
	Min int
	Max int
}

// SpecUpdateAnalysis is a transient record tied to one spec-update attempt.
// It expires (spec.md §3, default window 1h) if never applied.
type SpecUpdateAnalysis struct {
	ID                string
	ProjectSlug       string
	CreatedAt         time.Time
	InputText         string
	CoverageMap       map[string]int
	ProposedAppSpec   string
	Diff              []DiffEntry
	FeatureCandidates []FeatureCandidate
	MatchCandidates   map[string][]MatchCandidate // keyed by FeatureCandidate.FeatureKey
	TargetCount       *FeatureCountTarget
}

// ReferenceDescriptor names one uploaded component consumed for reference-driven
// feature generation.
type ReferenceDescriptor struct {
	ID       string
	Name     string
	Path     string
	Metadata map[string]string
}

// ComponentReferenceSession is the optional sidecar described in spec.md §3.
type ComponentReferenceSession struct {
	ID          string
	ProjectSlug string
	Descriptors []ReferenceDescriptor
	CreatedAt   time.Time
}

// FeatureMappingAction is the operator's disposition for one FeatureCandidate
// during the spec-update map step (spec.md §4.5 step 2).
type FeatureMappingAction string

const (
	MapUpdateExisting FeatureMappingAction = "update"
	MapCreateNew      FeatureMappingAction = "create"
	MapSkip           FeatureMappingAction = "skip"
)

// FeatureMapping is one operator decision produced by the map step.
type FeatureMapping struct {
	FeatureKey string
	Action     FeatureMappingAction
	FeatureID  int64 // target of MapUpdateExisting; ignored otherwise
	ChangeType ChangeType
}

// Role is the purpose of an AgentSession.
type Role string

const (
	RoleCoding        Role = "coding"
	RoleSpecAnalysis  Role = "spec_analysis"
	RoleRedesign      Role = "redesign"
	RoleAnalysis      Role = "analysis"
)
