package session

import (
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Status represents the lifecycle state of a session.
type Status string

const (
	// StatusActive indicates the session accepts stage transitions.
	StatusActive Status = "active"
	// StatusAwaitingApproval indicates the session is blocked on an explicit
	// user decision (e.g., approving proposed remediation actions).
	StatusAwaitingApproval Status = "awaiting_user_approval"
	// StatusFinished indicates the session reached its terminal stage.
	StatusFinished Status = "finished"
	// StatusError indicates the session failed unrecoverably.
	StatusError Status = "error"
)

// Terminal reports whether the status rejects further stage transitions.
func (s Status) Terminal() bool {
	return s == StatusFinished || s == StatusError
}

// RiskLevel is the ordinal risk attached to a proposed action.
type RiskLevel string

const (
	RiskLow    RiskLevel = "low"
	RiskMedium RiskLevel = "medium"
	RiskHigh   RiskLevel = "high"
)

// Rank returns the total order of risk levels (low < medium < high).
// Unknown levels rank above high so they are never auto-executed.
func (r RiskLevel) Rank() int {
	switch r {
	case RiskLow:
		return 0
	case RiskMedium:
		return 1
	case RiskHigh:
		return 2
	default:
		return 3
	}
}

// Valid reports whether r is a known risk level.
func (r RiskLevel) Valid() bool {
	return r == RiskLow || r == RiskMedium || r == RiskHigh
}

// Session is the durable conversation state for one tool invocation.
type Session struct {
	// ID is the opaque, tool-prefixed identifier (e.g., "rem-<uuid>").
	ID string `json:"session_id"`

	// ToolName identifies which stage graph or loop owns this session.
	ToolName string `json:"tool_name"`

	// CurrentStage is the position in the tool's stage graph.
	CurrentStage string `json:"current_stage"`

	// CurrentSubstage is set for composite stage tokens (stage:substage).
	CurrentSubstage string `json:"current_substage,omitempty"`

	// CollectedData maps stage name to the validated payload merged at that
	// stage. Keys are unique per stage.
	CollectedData map[string]map[string]any `json:"collected_data"`

	// Status is the lifecycle state.
	Status Status `json:"status"`

	// Investigation holds the agentic-loop state for investigative tools.
	Investigation *Investigation `json:"investigation,omitempty"`

	// Results are the execution records appended by the agentic loop.
	Results []ExecutionRecord `json:"results,omitempty"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`

	// Version increments on every committed mutation and drives the
	// compare-and-swap discipline in Store.Update.
	Version int64 `json:"version"`
}

// StageToken returns the textual stage token, using the stage:substage
// encoding when a substage is set.
func (s *Session) StageToken() string {
	if s.CurrentSubstage == "" {
		return s.CurrentStage
	}
	return s.CurrentStage + ":" + s.CurrentSubstage
}

// SetStageToken parses a stage token and stores its components.
func (s *Session) SetStageToken(token string) {
	stage, substage := SplitStageToken(token)
	s.CurrentStage = stage
	s.CurrentSubstage = substage
}

// Clone returns a deep copy of the session. Callers mutate clones so a
// failed store update never leaves a half-mutated session in memory.
func (s *Session) Clone() *Session {
	cp := *s
	cp.CollectedData = make(map[string]map[string]any, len(s.CollectedData))
	for stage, payload := range s.CollectedData {
		inner := make(map[string]any, len(payload))
		for k, v := range payload {
			inner[k] = v
		}
		cp.CollectedData[stage] = inner
	}
	if s.Investigation != nil {
		inv := s.Investigation.clone()
		cp.Investigation = inv
	}
	if s.Results != nil {
		cp.Results = append([]ExecutionRecord(nil), s.Results...)
	}
	return &cp
}

// SplitStageToken splits a composite stage token into stage and substage.
// A token without a colon has an empty substage.
func SplitStageToken(token string) (stage, substage string) {
	if i := strings.IndexByte(token, ':'); i >= 0 {
		return token[:i], token[i+1:]
	}
	return token, ""
}

// NewID generates a tool-prefixed opaque session identifier.
func NewID(prefix string) string {
	return fmt.Sprintf("%s-%s", prefix, uuid.New().String())
}

// Investigation is the agentic-loop state embedded in investigative sessions.
type Investigation struct {
	// Iterations is the append-only transcript of tool calls and evidence.
	Iterations []Iteration `json:"iterations"`

	// Analysis is present once the reasoning backend signals completion.
	Analysis *Analysis `json:"analysis,omitempty"`

	// ProposedActions are the remediation actions produced by the analysis.
	ProposedActions []ProposedAction `json:"proposed_actions,omitempty"`

	// Cycles counts completed investigate→execute→validate outer cycles.
	Cycles int `json:"cycles"`
}

func (inv *Investigation) clone() *Investigation {
	cp := *inv
	cp.Iterations = append([]Iteration(nil), inv.Iterations...)
	cp.ProposedActions = append([]ProposedAction(nil), inv.ProposedActions...)
	if inv.Analysis != nil {
		a := *inv.Analysis
		a.Factors = append([]string(nil), inv.Analysis.Factors...)
		cp.Analysis = &a
	}
	return &cp
}

// Iteration records one tool call issued during investigation and the
// evidence it gathered.
type Iteration struct {
	ToolCall string    `json:"tool_call"`
	Evidence string    `json:"evidence"`
	At       time.Time `json:"at"`
}

// Analysis is the final diagnosis produced by the reasoning backend.
type Analysis struct {
	RootCause  string   `json:"root_cause"`
	Confidence float64  `json:"confidence"`
	Factors    []string `json:"factors,omitempty"`
}

// ProposedAction is a single remediation action with its risk annotation.
type ProposedAction struct {
	Description string    `json:"description"`
	Command     string    `json:"command"`
	Risk        RiskLevel `json:"risk"`
	Rationale   string    `json:"rationale,omitempty"`
}

// ExecutionRecord captures one attempted action. Records are appended and
// never mutated.
type ExecutionRecord struct {
	ActionID  string    `json:"action_id"`
	Success   bool      `json:"success"`
	Output    string    `json:"output,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}
