package loop

import (
	"context"
	"errors"
	"time"

	"github.com/fyrsmithlabs/opspilot/internal/session"
)

// Sentinel errors for loop operations.
var (
	// ErrOracleUnavailable is returned when the reasoning backend stayed
	// unreachable after bounded retries. The session remains resumable.
	ErrOracleUnavailable = errors.New("oracle unavailable")

	// ErrNotAwaitingApproval is returned when an approval is submitted for
	// a session that is not blocked on one.
	ErrNotAwaitingApproval = errors.New("session is not awaiting approval")

	// ErrUnknownChoice is returned for an unrecognized execution choice.
	ErrUnknownChoice = errors.New("unknown execution choice")

	// ErrNotResumable is returned when a resume is requested for a session
	// that is blocked on approval rather than interrupted mid-loop.
	ErrNotResumable = errors.New("session is not resumable")
)

// Decision is the closed sum returned by the Oracle: either a request to
// issue one more diagnostic tool call, or the final analysis. The engine
// must be correct for any conforming Oracle, including adversarial ones.
type Decision interface {
	isDecision()
}

// ToolCallRequest asks the controller to run one read-only diagnostic and
// feed the evidence back.
type ToolCallRequest struct {
	// Tool is the diagnostic to run (e.g., "kubectl_get", "kubectl_logs").
	Tool string `json:"tool"`

	// Args are the diagnostic's arguments.
	Args map[string]string `json:"args,omitempty"`

	// Rationale is the Oracle's stated reason for the call.
	Rationale string `json:"rationale,omitempty"`
}

func (*ToolCallRequest) isDecision() {}

// FinalAnalysis signals the investigation is complete.
type FinalAnalysis struct {
	Analysis        session.Analysis         `json:"analysis"`
	ProposedActions []session.ProposedAction `json:"proposed_actions,omitempty"`
}

func (*FinalAnalysis) isDecision() {}

// Validation is the outcome of the post-execution check.
type Validation struct {
	// Success is true when the original symptom cleared.
	Success bool `json:"success"`

	// Inconclusive is true when the check could not determine the outcome;
	// it triggers bounded re-investigation rather than failure.
	Inconclusive bool `json:"inconclusive,omitempty"`

	// Summary describes what the validation observed.
	Summary string `json:"summary,omitempty"`
}

// Oracle is the external reasoning backend. It is treated as untrusted and
// non-deterministic; every call carries the caller's deadline.
type Oracle interface {
	// NextDecision returns the next step for an investigation given the
	// symptom and the accumulated transcript.
	NextDecision(ctx context.Context, symptom string, inv *session.Investigation) (Decision, error)

	// AssessRemediation re-checks the original symptom after the actions
	// ran, over a narrower scope than a full investigation.
	AssessRemediation(ctx context.Context, symptom string, inv *session.Investigation, records []session.ExecutionRecord) (*Validation, error)
}

// ActionExecutor runs concrete cluster commands. Diagnostics are read-only;
// actions mutate and are only reached through the execution gate or an
// explicit approval.
type ActionExecutor interface {
	// RunDiagnostic runs a read-only diagnostic tool call and returns its
	// output as evidence.
	RunDiagnostic(ctx context.Context, call *ToolCallRequest) (string, error)

	// RunAction runs one proposed remediation action.
	RunAction(ctx context.Context, action session.ProposedAction) (string, error)
}

// RetryConfig configures Oracle retry behavior.
type RetryConfig struct {
	// MaxRetries is the maximum number of retry attempts (default: 3).
	MaxRetries int

	// InitialBackoff is the first backoff duration (default: 500ms).
	InitialBackoff time.Duration

	// MaxBackoff caps the backoff duration (default: 10s).
	MaxBackoff time.Duration

	// BackoffMultiplier grows the backoff each attempt (default: 2).
	BackoffMultiplier float64
}

// DefaultRetryConfig returns the default Oracle retry configuration.
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		MaxRetries:        3,
		InitialBackoff:    500 * time.Millisecond,
		MaxBackoff:        10 * time.Second,
		BackoffMultiplier: 2.0,
	}
}

// ApplyDefaults sets default values for unset fields.
func (c *RetryConfig) ApplyDefaults() {
	defaults := DefaultRetryConfig()
	if c.MaxRetries == 0 {
		c.MaxRetries = defaults.MaxRetries
	}
	if c.InitialBackoff == 0 {
		c.InitialBackoff = defaults.InitialBackoff
	}
	if c.MaxBackoff == 0 {
		c.MaxBackoff = defaults.MaxBackoff
	}
	if c.BackoffMultiplier == 0 {
		c.BackoffMultiplier = defaults.BackoffMultiplier
	}
}
