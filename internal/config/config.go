// Package config loads the harness's configuration surface (spec §6):
// a TOML file with CLI-flag overrides, following the teacher's pattern of
// layering flags over a stored baseline.
package config

import (
	"fmt"
	"os"

	"github.com/BurntSushi/toml"
)

// AgentBinary is the executable invocation template for one role
// (spec §6 "agent process interface"): {binary, args, env}.
type AgentBinary struct {
	Binary string   `toml:"binary"`
	Args   []string `toml:"args"` // text/template strings, rendered per session
	Env    []string `toml:"env"`  // KEY=template strings
}

// Config is the harness's full configuration surface.
type Config struct {
	DatabasePath             string                 `toml:"database_path"`
	ProjectsRoot             string                 `toml:"projects_root"`
	DefaultCodingTimeoutS    int                    `toml:"default_coding_timeout_s"`
	DefaultAnalysisTimeoutS  int                    `toml:"default_analysis_timeout_s"`
	SilenceTimeoutS          int                    `toml:"silence_timeout_s"`
	SessionGracePeriodS      int                    `toml:"session_grace_period_s"`
	EventBufferSize          int                    `toml:"event_buffer_size"`
	EventRetentionPerProject int                    `toml:"event_retention_per_project"`
	RetryCap                 int                    `toml:"retry_cap"`
	DedupSimilarityThreshold float64                `toml:"dedup_similarity_threshold"`
	SpecAnalysisTTLS         int                    `toml:"spec_analysis_ttl_s"`
	OutputFileMaxBytes       int64                  `toml:"output_file_max_bytes"`
	HeartbeatS               int                    `toml:"heartbeat_s"`
	VerificationTimeoutS     int                    `toml:"verification_timeout_s"`
	FeatureCandidateCap      int                    `toml:"feature_candidate_cap"`
	RecentFeatureSummaryN    int                    `toml:"recent_feature_summary_n"`
	MatchCandidateTopK       int                    `toml:"match_candidate_top_k"`
	AgentBinaries            map[string]AgentBinary `toml:"agent_binaries"`
}

// Default returns the configuration with every named default from spec §6.
func Default() Config {
	return Config{
		DatabasePath:             "harness.db",
		ProjectsRoot:             "projects",
		DefaultCodingTimeoutS:    1800,
		DefaultAnalysisTimeoutS:  300,
		SilenceTimeoutS:          300,
		SessionGracePeriodS:      10,
		EventBufferSize:          256,
		EventRetentionPerProject: 10000,
		RetryCap:                 3,
		DedupSimilarityThreshold: 0.85,
		SpecAnalysisTTLS:         3600,
		OutputFileMaxBytes:       10 * 1024 * 1024,
		HeartbeatS:               5,
		VerificationTimeoutS:     120,
		FeatureCandidateCap:      200,
		RecentFeatureSummaryN:    5,
		MatchCandidateTopK:       5,
		AgentBinaries:            map[string]AgentBinary{},
	}
}

// Load reads a TOML file at path over the defaults. A missing file is not an
// error: the harness runs on defaults alone until one is supplied.
func Load(path string) (Config, error) {
	cfg := Default()
	if path == "" {
		return cfg, nil
	}
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return cfg, nil
	}
	if _, err := toml.DecodeFile(path, &cfg); err != nil {
		return Config{}, fmt.Errorf("decode config %s: %w", path, err)
	}
	return cfg, nil
}
