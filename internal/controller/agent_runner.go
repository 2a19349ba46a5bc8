package controller

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/nek1987/auto-agent-harness-sub001/internal/agent"
	"github.com/nek1987/auto-agent-harness-sub001/internal/config"
	"github.com/nek1987/auto-agent-harness-sub001/internal/domain"
	"github.com/nek1987/auto-agent-harness-sub001/internal/specpipeline"
)

// featuresMarker and mergedSpecMarkers are the wire convention this harness
// asks its agent prompts to follow when emitting structured output on an
// otherwise free-form stdout stream — the harness-side half of the contract
// whose prompt-authoring half (spec §1) is explicitly out of scope.
const featuresMarker = "FEATURES_JSON: "

var mergedSpecMarkers = [2]string{"---MERGED-SPEC---", "---END-MERGED-SPEC---"}

// AgentRunner is the concrete scheduler.SessionLauncher and
// specpipeline.Analyzer: it renders prompts, starts AgentSessions through
// internal/agent, and parses their structured output back into domain types.
type AgentRunner struct {
	promptsDir     string
	binaries       map[domain.Role]config.AgentBinary
	outputRoot     string
	wallClock      map[domain.Role]time.Duration
	silenceTimeout time.Duration
	gracePeriod    time.Duration
	outputMaxBytes int64
}

// NewAgentRunner builds an AgentRunner from harness configuration.
func NewAgentRunner(cfg config.Config, promptsDir string) *AgentRunner {
	binaries := make(map[domain.Role]config.AgentBinary, len(cfg.AgentBinaries))
	for role, b := range cfg.AgentBinaries {
		binaries[domain.Role(role)] = b
	}
	return &AgentRunner{
		promptsDir: promptsDir,
		binaries:   binaries,
		outputRoot: filepath.Join(cfg.ProjectsRoot, ".harness-output"),
		wallClock: map[domain.Role]time.Duration{
			domain.RoleCoding:       time.Duration(cfg.DefaultCodingTimeoutS) * time.Second,
			domain.RoleSpecAnalysis: time.Duration(cfg.DefaultAnalysisTimeoutS) * time.Second,
			domain.RoleRedesign:     time.Duration(cfg.DefaultAnalysisTimeoutS) * time.Second,
			domain.RoleAnalysis:     time.Duration(cfg.DefaultAnalysisTimeoutS) * time.Second,
		},
		silenceTimeout: time.Duration(cfg.SilenceTimeoutS) * time.Second,
		gracePeriod:    time.Duration(cfg.SessionGracePeriodS) * time.Second,
		outputMaxBytes: cfg.OutputFileMaxBytes,
	}
}

func (r *AgentRunner) promptBody(role domain.Role) (string, error) {
	path := filepath.Join(r.promptsDir, string(role)+".md")
	body, err := os.ReadFile(path)
	if err != nil {
		return "", fmt.Errorf("read prompt template for role %s: %w", role, err)
	}
	return string(body), nil
}

func (r *AgentRunner) start(ctx context.Context, role domain.Role, workDir string, data agent.PromptData) (*agent.Session, error) {
	body, err := r.promptBody(role)
	if err != nil {
		return nil, err
	}
	prompt, err := agent.RenderPromptTemplate(string(role), body, data)
	if err != nil {
		return nil, err
	}
	binary, ok := r.binaries[role]
	if !ok {
		return nil, fmt.Errorf("no agent binary configured for role %s", role)
	}
	args, env, err := agent.RenderInvocation(binary.Args, binary.Env, data)
	if err != nil {
		return nil, err
	}
	return agent.Start(ctx, agent.Options{
		Role:    role,
		WorkDir: workDir,
		Prompt:  prompt,
		Invocation: agent.Invocation{
			Binary: binary.Binary,
			Args:   args,
			Env:    env,
		},
		WallClock:      r.wallClock[role],
		SilenceTimeout: r.silenceTimeout,
		GracePeriod:    r.gracePeriod,
		OutputDir:      r.outputRoot,
		OutputMaxBytes: r.outputMaxBytes,
	})
}

// collectOutput drains a session's lines until termination, returning the
// full joined stdout text and the terminal record.
func collectOutput(sess *agent.Session) (string, agent.Terminal) {
	var sb strings.Builder
	for line := range sess.Lines {
		if line.Stream == agent.StreamStdout {
			sb.WriteString(line.Text)
			sb.WriteString("\n")
		}
	}
	term := <-sess.Done
	return sb.String(), term
}

// StartCoding implements scheduler.SessionLauncher.
func (r *AgentRunner) StartCoding(ctx context.Context, project domain.Project, feature domain.Feature, recentCompleted []domain.Feature) (*agent.Session, error) {
	data := agent.PromptData{
		Role:            domain.RoleCoding,
		AppSpec:         project.AppSpec,
		Feature:         &feature,
		RecentCompleted: recentCompleted,
	}
	return r.start(ctx, domain.RoleCoding, project.WorkspacePath, data)
}

// AnalyzeChunk implements specpipeline.Analyzer: spawn a spec_analysis
// session over one chunk and parse the FEATURES_JSON line from its output.
func (r *AgentRunner) AnalyzeChunk(ctx context.Context, projectSlug string, chunk specpipeline.Chunk) ([]domain.FeatureCandidate, error) {
	data := agent.PromptData{Role: domain.RoleSpecAnalysis, Chunk: chunk.Section + "\n\n" + chunk.Body}
	sess, err := r.start(ctx, domain.RoleSpecAnalysis, "", data)
	if err != nil {
		return nil, err
	}
	output, term := collectOutput(sess)
	if term.Outcome != domain.RunSuccess {
		return nil, fmt.Errorf("spec_analysis session ended %s: %v", term.Outcome, term.Err)
	}
	return parseFeaturesJSON(output)
}

// ProposeMergedSpec implements specpipeline.Analyzer.
func (r *AgentRunner) ProposeMergedSpec(ctx context.Context, projectSlug, oldSpec, newDoc string) (string, error) {
	data := agent.PromptData{Role: domain.RoleSpecAnalysis, PreviousSpec: oldSpec, NewRequirements: newDoc}
	sess, err := r.start(ctx, domain.RoleSpecAnalysis, "", data)
	if err != nil {
		return "", err
	}
	output, term := collectOutput(sess)
	if term.Outcome != domain.RunSuccess {
		return "", fmt.Errorf("spec_analysis session ended %s: %v", term.Outcome, term.Err)
	}
	return parseMergedSpec(output)
}

func parseFeaturesJSON(output string) ([]domain.FeatureCandidate, error) {
	scanner := bufio.NewScanner(strings.NewReader(output))
	scanner.Buffer(make([]byte, 64*1024), 4*1024*1024)
	for scanner.Scan() {
		line := scanner.Text()
		if strings.HasPrefix(line, featuresMarker) {
			var candidates []domain.FeatureCandidate
			if err := json.Unmarshal([]byte(strings.TrimPrefix(line, featuresMarker)), &candidates); err != nil {
				return nil, fmt.Errorf("parse %s: %w", featuresMarker, err)
			}
			return candidates, nil
		}
	}
	return nil, fmt.Errorf("agent output missing %s line", featuresMarker)
}

func parseMergedSpec(output string) (string, error) {
	start := strings.Index(output, mergedSpecMarkers[0])
	end := strings.Index(output, mergedSpecMarkers[1])
	if start == -1 || end == -1 || end < start {
		return "", fmt.Errorf("agent output missing merged-spec markers")
	}
	return strings.TrimSpace(output[start+len(mergedSpecMarkers[0]) : end]), nil
}
