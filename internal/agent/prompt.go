package agent

import (
	"bytes"
	"fmt"
	"strings"
	"text/template"

	"golang.org/x/text/cases"
	"golang.org/x/text/language"

	"github.com/nek1987/auto-agent-harness-sub001/internal/domain"
)

// PromptData is interpolated into a role's prompt template (spec §4.4
// dispatch: app-spec, feature, recent-feature summaries) and into the agent
// process invocation template (binary/args/env, spec §6).
type PromptData struct {
	Role              domain.Role
	AppSpec           string
	Feature           *domain.Feature
	RecentCompleted   []domain.Feature
	Chunk             string // for spec_analysis role
	PreviousSpec      string // for spec-update analysis
	NewRequirements   string // for spec-update analysis
	ReferenceContext  string
}

var titleCaser = cases.Title(language.English)

var templateFuncs = template.FuncMap{
	"title": titleCaser.String,
	"upper": strings.ToUpper,
	"lower": strings.ToLower,
	"join":  strings.Join,
}

// RenderPromptTemplate renders one of the per-role prompt bodies (stored
// externally as *.md files, per spec §1's exclusion of "hand-written skill
// prompts" from the core) against data, following the teacher's
// text/template rendering convention in agents/spawner.go.
func RenderPromptTemplate(name, body string, data PromptData) (string, error) {
	tmpl, err := template.New(name).Funcs(templateFuncs).Parse(body)
	if err != nil {
		return "", fmt.Errorf("parse prompt template %s: %w", name, err)
	}
	var buf bytes.Buffer
	if err := tmpl.Execute(&buf, data); err != nil {
		return "", fmt.Errorf("render prompt template %s: %w", name, err)
	}
	return buf.String(), nil
}

// RenderInvocation expands a role's {binary, args, env} invocation template
// (spec §6 "agent process interface") against data.
func RenderInvocation(argsTemplates, envTemplates []string, data PromptData) (args, env []string, err error) {
	for i, a := range argsTemplates {
		rendered, rerr := RenderPromptTemplate(fmt.Sprintf("arg-%d", i), a, data)
		if rerr != nil {
			return nil, nil, rerr
		}
		args = append(args, rendered)
	}
	for i, e := range envTemplates {
		rendered, rerr := RenderPromptTemplate(fmt.Sprintf("env-%d", i), e, data)
		if rerr != nil {
			return nil, nil, rerr
		}
		env = append(env, rendered)
	}
	return args, env, nil
}
