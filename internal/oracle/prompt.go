package oracle

import (
	"fmt"
	"strings"

	"github.com/fyrsmithlabs/opspilot/internal/session"
)

const decisionSystemPrompt = `You are a Kubernetes operations investigator.
Given a symptom and the evidence gathered so far, decide the single next step.

Reply with exactly one JSON object and nothing else. Two forms are allowed:

{"type":"tool_call","tool":"<diagnostic name>","args":{"key":"value"},"rationale":"why this call"}

{"type":"final","analysis":{"root_cause":"...","confidence":0.0,"factors":["..."]},"proposed_actions":[{"description":"...","command":"kubectl ...","risk":"low|medium|high","rationale":"..."}]}

Rules:
- Request one diagnostic at a time; do not repeat a call whose evidence you already have.
- confidence is your honest probability (0 to 1) that the root cause is correct.
- Every proposed action must be a single kubectl command with an accurate risk level.
- When you cannot make progress, emit a final analysis with low confidence instead of more calls.`

const validationSystemPrompt = `You are validating a Kubernetes remediation.
Given the original symptom, the diagnosis, and the executed actions, judge whether the symptom is resolved.

Reply with exactly one JSON object and nothing else:

{"success":true|false,"inconclusive":true|false,"summary":"what you observed"}

Set inconclusive when the evidence does not determine the outcome either way.`

func decisionUserPrompt(symptom string, inv *session.Investigation) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Symptom: %s\n", symptom)
	if inv != nil && inv.Cycles > 0 {
		fmt.Fprintf(&b, "This is re-investigation cycle %d; an earlier remediation did not resolve the symptom.\n", inv.Cycles)
	}
	writeTranscript(&b, inv)
	b.WriteString("\nDecide the next step.")
	return b.String()
}

func validationUserPrompt(symptom string, inv *session.Investigation, records []session.ExecutionRecord) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Symptom: %s\n", symptom)
	if inv != nil && inv.Analysis != nil {
		fmt.Fprintf(&b, "Diagnosis: %s (confidence %.2f)\n", inv.Analysis.RootCause, inv.Analysis.Confidence)
	}
	if len(records) > 0 {
		b.WriteString("\nExecuted actions:\n")
		for i, r := range records {
			outcome := "succeeded"
			if !r.Success {
				outcome = "FAILED"
			}
			fmt.Fprintf(&b, "%d. %s: %s\n", i+1, outcome, r.Output)
		}
	}
	b.WriteString("\nJudge whether the symptom is resolved.")
	return b.String()
}

func writeTranscript(b *strings.Builder, inv *session.Investigation) {
	if inv == nil || len(inv.Iterations) == 0 {
		b.WriteString("\nNo evidence gathered yet.\n")
		return
	}
	b.WriteString("\nEvidence so far:\n")
	for i, it := range inv.Iterations {
		fmt.Fprintf(b, "%d. %s:\n%s\n", i+1, it.ToolCall, it.Evidence)
	}
}
