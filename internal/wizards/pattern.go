package wizards

import (
	"fmt"
	"strings"

	"github.com/fyrsmithlabs/opspilot/internal/patterns"
	"github.com/fyrsmithlabs/opspilot/internal/workflow"
)

// Stage tokens for the pattern capture wizard. Attribution is split into
// optional substages using the stage:substage encoding.
const (
	PatternTool     = "pattern_create"
	PatternIDPrefix = "pattern"

	stageDescribe          = "describe"
	stageTriggers          = "triggers"
	stageExpansion         = "expansion"
	stageResources         = "resources"
	stageRationale         = "rationale"
	stageAttributionAuthor = "attribution:author"
	stageAttributionSource = "attribution:source"
	stageReview            = "review"
)

// NewPatternGraph builds the stage graph for the pattern capture wizard:
// describe → triggers → expansion → resources → rationale → attribution →
// review. Resources and the attribution substages are optional; an empty
// payload there advances. The review stage requires an explicit confirm.
func NewPatternGraph() *workflow.Graph {
	g := workflow.NewGraph(PatternTool, PatternIDPrefix, stageDescribe)

	g.MustRegister(&workflow.FuncStage{
		StageToken: stageDescribe,
		Fields:     []string{"name", "description"},
		NextFunc:   nextStage(stageTriggers),
	}, "Name the pattern and describe when it applies.")

	g.MustRegister(&workflow.FuncStage{
		StageToken:   stageTriggers,
		Fields:       []string{"triggers"},
		ValidateFunc: validateStringList("triggers"),
		TransformFunc: func(_ workflow.Data, payload workflow.Payload) (map[string]any, error) {
			return map[string]any{"triggers": toStringList(payload["triggers"])}, nil
		},
		NextFunc: nextStage(stageExpansion),
	}, "List the symptom phrases that should match this pattern.")

	g.MustRegister(&workflow.FuncStage{
		StageToken: stageExpansion,
		Fields:     []string{"expansion"},
		NextFunc:   nextStage(stageResources),
	}, "Write the runbook body: the steps to take when the pattern matches.")

	// Optional: an empty payload advances without recording resources.
	g.MustRegister(&workflow.FuncStage{
		StageToken:   stageResources,
		ValidateFunc: validateOptionalStringList("resources"),
		TransformFunc: func(_ workflow.Data, payload workflow.Payload) (map[string]any, error) {
			if payload["resources"] == nil {
				return map[string]any{}, nil
			}
			return map[string]any{"resources": toStringList(payload["resources"])}, nil
		},
		NextFunc: nextStage(stageRationale),
	}, "Optionally add supporting links (docs, dashboards, past incidents).")

	g.MustRegister(&workflow.FuncStage{
		StageToken: stageRationale,
		Fields:     []string{"rationale"},
		NextFunc:   nextStage(stageAttributionAuthor),
	}, "Explain why this expansion is the right response.")

	g.MustRegister(&workflow.FuncStage{
		StageToken: stageAttributionAuthor,
		NextFunc:   nextStage(stageAttributionSource),
	}, "Optionally credit an author.")

	g.MustRegister(&workflow.FuncStage{
		StageToken: stageAttributionSource,
		NextFunc:   nextStage(stageReview),
	}, "Optionally link the source (incident, postmortem, doc).")

	g.MustRegister(&workflow.FuncStage{
		StageToken: stageReview,
		Fields:     []string{"confirm"},
		ValidateFunc: func(payload workflow.Payload) error {
			if !isTrue(payload["confirm"]) {
				return workflow.NewInvalidField("confirm", "review requires confirm=true")
			}
			return nil
		},
		NextFunc: nextStage(workflow.Terminal),
	}, "Review the collected pattern and confirm to save it.")

	return g
}

// BuildPattern assembles a patterns.Pattern from a finished pattern wizard
// session's collected data.
func BuildPattern(sessionID string, data map[string]map[string]any) (patterns.Pattern, error) {
	describe := data[stageDescribe]
	if describe == nil {
		return patterns.Pattern{}, fmt.Errorf("session %s has no describe data", sessionID)
	}

	p := patterns.Pattern{
		ID:          sessionID,
		Name:        stringField(describe, "name"),
		Description: stringField(describe, "description"),
		Triggers:    toStringList(data[stageTriggers]["triggers"]),
		Expansion:   stringField(data[stageExpansion], "expansion"),
		Resources:   toStringList(data[stageResources]["resources"]),
		Rationale:   stringField(data[stageRationale], "rationale"),
		Attribution: patterns.Attribution{
			Author: stringField(data[stageAttributionAuthor], "author"),
			Source: stringField(data[stageAttributionSource], "source"),
		},
	}
	if p.Name == "" || p.Expansion == "" {
		return patterns.Pattern{}, fmt.Errorf("session %s is missing pattern fields", sessionID)
	}
	return p, nil
}

func nextStage(token string) func(workflow.Data) (string, error) {
	return func(workflow.Data) (string, error) { return token, nil }
}

func stringField(m map[string]any, key string) string {
	if m == nil {
		return ""
	}
	s, _ := m[key].(string)
	return s
}

// toStringList accepts JSON-decoded lists ([]any), native []string, or a
// comma-separated string.
func toStringList(v any) []string {
	switch list := v.(type) {
	case nil:
		return nil
	case []string:
		return list
	case []any:
		out := make([]string, 0, len(list))
		for _, item := range list {
			if s, ok := item.(string); ok && strings.TrimSpace(s) != "" {
				out = append(out, strings.TrimSpace(s))
			}
		}
		return out
	case string:
		var out []string
		for _, part := range strings.Split(list, ",") {
			if p := strings.TrimSpace(part); p != "" {
				out = append(out, p)
			}
		}
		return out
	default:
		return nil
	}
}

func validateStringList(field string) func(workflow.Payload) error {
	return func(payload workflow.Payload) error {
		if len(toStringList(payload[field])) == 0 {
			return workflow.NewInvalidField(field, "at least one entry is required")
		}
		return nil
	}
}

func validateOptionalStringList(field string) func(workflow.Payload) error {
	return func(payload workflow.Payload) error {
		if payload[field] == nil {
			return nil
		}
		if len(toStringList(payload[field])) == 0 {
			return workflow.NewInvalidField(field, "entries must be non-empty strings")
		}
		return nil
	}
}

func isTrue(v any) bool {
	switch t := v.(type) {
	case bool:
		return t
	case string:
		return strings.EqualFold(strings.TrimSpace(t), "true")
	default:
		return false
	}
}
