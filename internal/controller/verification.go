package controller

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os/exec"
	"time"

	"github.com/nek1987/auto-agent-harness-sub001/internal/domain"
)

// ProcessVerificationHook implements scheduler.VerificationHook by shelling
// out to an external verification command (spec §6): it is handed the
// workspace path and the feature's id/name as arguments, and must print a
// single JSON object {"passes": bool, "details": string} on stdout within
// Timeout.
type ProcessVerificationHook struct {
	Command []string
	Timeout time.Duration
}

func (h ProcessVerificationHook) Verify(ctx context.Context, workspacePath string, feature domain.Feature) (bool, string, error) {
	if len(h.Command) == 0 {
		return false, "", fmt.Errorf("no verification command configured")
	}
	timeout := h.Timeout
	if timeout <= 0 {
		timeout = 2 * time.Minute
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	args := append([]string{}, h.Command[1:]...)
	args = append(args, workspacePath, fmt.Sprintf("%d", feature.ID), feature.Name)
	cmd := exec.CommandContext(ctx, h.Command[0], args...)

	var stdout bytes.Buffer
	cmd.Stdout = &stdout
	if err := cmd.Run(); err != nil {
		return false, "", fmt.Errorf("verification command failed: %w", err)
	}

	var result struct {
		Passes  bool   `json:"passes"`
		Details string `json:"details"`
	}
	if err := json.Unmarshal(stdout.Bytes(), &result); err != nil {
		return false, "", fmt.Errorf("parse verification output: %w", err)
	}
	return result.Passes, result.Details, nil
}
