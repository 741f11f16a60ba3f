// Package gate decides whether proposed remediation actions may run without
// human approval.
//
// The decision is a pure function of the analysis confidence, the riskiest
// proposed action, and the caller's execution mode. Anything the policy does
// not explicitly allow is denied; denial routes the session into
// awaiting_user_approval with explicit execution choices.
package gate

import (
	"github.com/fyrsmithlabs/opspilot/internal/session"
)

// Mode selects between automatic and approval-gated execution.
type Mode string

const (
	// ModeAutomatic allows auto-execution when confidence and risk permit.
	ModeAutomatic Mode = "automatic"
	// ModeManual always requires explicit approval.
	ModeManual Mode = "manual"
)

// Choice identifies one of the execution options offered to the user when
// auto-execution is denied.
type Choice string

const (
	// ChoiceExecuteViaEngine runs the proposed actions through the opspilot
	// executor once the user confirms.
	ChoiceExecuteViaEngine Choice = "execute_via_engine"
	// ChoiceHandOffToAgent returns the actions to the calling agent for it
	// to apply outside the engine.
	ChoiceHandOffToAgent Choice = "hand_off_to_agent"
)

// ExecutionChoices are the options presented whenever the gate denies
// automatic execution. Order is stable: choice 1 executes via the engine.
func ExecutionChoices() []Choice {
	return []Choice{ChoiceExecuteViaEngine, ChoiceHandOffToAgent}
}

// Policy holds the thresholds the gate applies.
type Policy struct {
	// ConfidenceThreshold is the minimum analysis confidence for
	// auto-execution (default: 0.8).
	ConfidenceThreshold float64

	// MaxRiskLevel is the highest action risk the gate will auto-execute
	// (default: low).
	MaxRiskLevel session.RiskLevel
}

// DefaultPolicy returns a conservative default policy.
func DefaultPolicy() Policy {
	return Policy{
		ConfidenceThreshold: 0.8,
		MaxRiskLevel:        session.RiskLow,
	}
}

// Decision is the gate's verdict for one analysis/action set.
type Decision struct {
	// AutoExecute is true only when every condition of the policy holds.
	AutoExecute bool `json:"auto_execute"`

	// Reason names the condition that denied auto-execution, empty when
	// AutoExecute is true.
	Reason string `json:"reason,omitempty"`

	// Choices are the execution options to present on denial.
	Choices []Choice `json:"choices,omitempty"`
}

// Decide evaluates the gating policy.
//
// Auto-execution requires ALL of: automatic mode, analysis confidence at or
// above the threshold, and no action riskier than MaxRiskLevel. An empty
// action set is never auto-executed (there is nothing safe to run, and a
// missing analysis means the investigation did not complete).
func Decide(analysis *session.Analysis, actions []session.ProposedAction, mode Mode, policy Policy) Decision {
	deny := func(reason string) Decision {
		return Decision{AutoExecute: false, Reason: reason, Choices: ExecutionChoices()}
	}

	if mode != ModeAutomatic {
		return deny("execution mode is manual")
	}
	if analysis == nil {
		return deny("no final analysis available")
	}
	if len(actions) == 0 {
		return deny("no actions proposed")
	}
	if analysis.Confidence < policy.ConfidenceThreshold {
		return deny("analysis confidence below threshold")
	}
	if maxRisk(actions).Rank() > policy.MaxRiskLevel.Rank() {
		return deny("action risk exceeds policy maximum")
	}
	return Decision{AutoExecute: true}
}

// maxRisk returns the highest risk among the proposed actions.
func maxRisk(actions []session.ProposedAction) session.RiskLevel {
	highest := session.RiskLow
	for _, action := range actions {
		if action.Risk.Rank() > highest.Rank() {
			highest = action.Risk
		}
	}
	return highest
}
