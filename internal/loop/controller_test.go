package loop

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/opspilot/internal/gate"
	"github.com/fyrsmithlabs/opspilot/internal/session"
	"github.com/fyrsmithlabs/opspilot/internal/workflow"
)

type scriptedOracle struct {
	mu        sync.Mutex
	decisions []Decision
	endless   bool
	decideErr error
	assess    func(records []session.ExecutionRecord) (*Validation, error)
	calls     int
}

func (o *scriptedOracle) NextDecision(_ context.Context, _ string, _ *session.Investigation) (Decision, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.calls++
	if o.decideErr != nil {
		return nil, o.decideErr
	}
	if len(o.decisions) == 0 {
		if o.endless {
			return &ToolCallRequest{Tool: "kubectl_get_pods", Rationale: "keep looking"}, nil
		}
		return nil, errors.New("script exhausted")
	}
	d := o.decisions[0]
	o.decisions = o.decisions[1:]
	return d, nil
}

func (o *scriptedOracle) AssessRemediation(_ context.Context, _ string, _ *session.Investigation, records []session.ExecutionRecord) (*Validation, error) {
	if o.assess == nil {
		return &Validation{Success: true, Summary: "symptom resolved"}, nil
	}
	return o.assess(records)
}

type stubExecutor struct {
	mu          sync.Mutex
	diagOut     string
	diagErr     error
	actionErr   error
	diagnostics []string
	actions     []string
}

func (e *stubExecutor) RunDiagnostic(_ context.Context, req *ToolCallRequest) (string, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.diagnostics = append(e.diagnostics, req.Tool)
	if e.diagErr != nil {
		return "", e.diagErr
	}
	if e.diagOut == "" {
		return "pod crashlooping with OOMKilled", nil
	}
	return e.diagOut, nil
}

func (e *stubExecutor) RunAction(_ context.Context, action session.ProposedAction) (string, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.actions = append(e.actions, action.Command)
	if e.actionErr != nil {
		return "partial output", e.actionErr
	}
	return "deployment.apps/api patched", nil
}

func testConfig() *Config {
	return &Config{
		ToolName: "remediate",
		IDPrefix: "rem",
		Retry:    RetryConfig{MaxRetries: 1, InitialBackoff: time.Millisecond, MaxBackoff: time.Millisecond, BackoffMultiplier: 1},
	}
}

func newTestController(t *testing.T, cfg *Config, oracle Oracle, exec ActionExecutor) (*Controller, session.Store) {
	t.Helper()
	store := session.NewMemoryStore(0)
	ctrl, err := NewController(cfg, store, oracle, exec, zap.NewNop())
	require.NoError(t, err)
	return ctrl, store
}

func analysisDecision(confidence float64, risk session.RiskLevel) *FinalAnalysis {
	return &FinalAnalysis{
		Analysis: session.Analysis{
			RootCause:  "memory limit too low for workload",
			Confidence: confidence,
			Factors:    []string{"OOMKilled events", "limit 128Mi"},
		},
		ProposedActions: []session.ProposedAction{{
			Description: "raise the memory limit",
			Command:     "kubectl patch deployment api --patch-file limits.yaml",
			Risk:        risk,
			Rationale:   "container is killed at the current limit",
		}},
	}
}

func TestStartGatedRemediation(t *testing.T) {
	oracle := &scriptedOracle{decisions: []Decision{
		&ToolCallRequest{Tool: "kubectl_describe_pod", Args: map[string]string{"pod": "api-0"}},
		analysisDecision(0.85, session.RiskMedium),
	}}
	exec := &stubExecutor{}
	ctrl, _ := newTestController(t, testConfig(), oracle, exec)

	result, err := ctrl.Start(context.Background(), "api pods restarting", gate.ModeManual)
	require.NoError(t, err)

	assert.Equal(t, session.StatusAwaitingApproval, result.Status)
	assert.Equal(t, StageAwaitingApproval, result.Session.CurrentStage)
	require.NotNil(t, result.Analysis)
	assert.InDelta(t, 0.85, result.Analysis.Confidence, 0.001)
	require.NotNil(t, result.Decision)
	assert.False(t, result.Decision.AutoExecute)
	assert.Equal(t, gate.ExecutionChoices(), result.Decision.Choices)
	assert.Len(t, result.Session.Investigation.Iterations, 1)
	assert.Empty(t, result.Records, "nothing may execute before approval")
	assert.Empty(t, exec.actions)

	approved, err := ctrl.Approve(context.Background(), result.Session.ID, gate.ChoiceExecuteViaEngine)
	require.NoError(t, err)
	assert.Equal(t, session.StatusFinished, approved.Status)
	require.Len(t, approved.Records, 1)
	assert.True(t, approved.Records[0].Success)
	require.NotNil(t, approved.Validation)
	assert.True(t, approved.Validation.Success)
	assert.Len(t, exec.actions, 1)
}

func TestStartAutomaticExecutesWithoutApproval(t *testing.T) {
	oracle := &scriptedOracle{decisions: []Decision{analysisDecision(0.95, session.RiskLow)}}
	exec := &stubExecutor{}
	ctrl, _ := newTestController(t, testConfig(), oracle, exec)

	result, err := ctrl.Start(context.Background(), "api pods restarting", gate.ModeAutomatic)
	require.NoError(t, err)

	assert.Equal(t, session.StatusFinished, result.Status)
	require.NotNil(t, result.Decision)
	assert.True(t, result.Decision.AutoExecute)
	require.Len(t, result.Records, 1)
	assert.True(t, result.Records[0].Success)
	assert.Len(t, exec.actions, 1)
}

func TestInvestigationIterationCap(t *testing.T) {
	cfg := testConfig()
	cfg.MaxIterations = 4
	oracle := &scriptedOracle{endless: true}
	ctrl, _ := newTestController(t, cfg, oracle, &stubExecutor{})

	result, err := ctrl.Start(context.Background(), "intermittent 502s", gate.ModeManual)
	require.NoError(t, err)

	assert.Len(t, result.Session.Investigation.Iterations, 4)
	require.NotNil(t, result.Analysis)
	assert.InDelta(t, 0.2, result.Analysis.Confidence, 0.001)
	assert.Contains(t, result.Analysis.RootCause, "iteration budget")
	assert.Equal(t, session.StatusAwaitingApproval, result.Status)
}

func TestDiagnosticFailureIsEvidenceNotFatal(t *testing.T) {
	oracle := &scriptedOracle{decisions: []Decision{
		&ToolCallRequest{Tool: "kubectl_logs"},
		analysisDecision(0.5, session.RiskLow),
	}}
	exec := &stubExecutor{diagErr: errors.New("connection refused")}
	ctrl, _ := newTestController(t, testConfig(), oracle, exec)

	result, err := ctrl.Start(context.Background(), "api pods restarting", gate.ModeManual)
	require.NoError(t, err)

	require.Len(t, result.Session.Investigation.Iterations, 1)
	assert.Contains(t, result.Session.Investigation.Iterations[0].Evidence, "connection refused")
	assert.Equal(t, session.StatusAwaitingApproval, result.Status)
}

func TestOracleUnavailableLeavesSessionResumable(t *testing.T) {
	oracle := &scriptedOracle{decideErr: errors.New("model overloaded")}
	ctrl, store := newTestController(t, testConfig(), oracle, &stubExecutor{})

	_, err := ctrl.Start(context.Background(), "api pods restarting", gate.ModeManual)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrOracleUnavailable)
	assert.Equal(t, 2, oracle.calls, "one attempt plus one retry")

	sessions, err := store.List(context.Background(), session.ListFilter{ToolName: "remediate"})
	require.NoError(t, err)
	require.Len(t, sessions, 1)
	assert.Equal(t, session.StatusActive, sessions[0].Status)
	assert.Equal(t, StageInvestigating, sessions[0].CurrentStage)
}

func TestApproveRequiresAwaitingApproval(t *testing.T) {
	oracle := &scriptedOracle{decisions: []Decision{analysisDecision(0.95, session.RiskLow)}}
	ctrl, _ := newTestController(t, testConfig(), oracle, &stubExecutor{})

	result, err := ctrl.Start(context.Background(), "api pods restarting", gate.ModeAutomatic)
	require.NoError(t, err)
	require.Equal(t, session.StatusFinished, result.Status)

	_, err = ctrl.Approve(context.Background(), result.Session.ID, gate.ChoiceExecuteViaEngine)
	assert.ErrorIs(t, err, ErrNotAwaitingApproval)
}

func TestApproveUnknownChoice(t *testing.T) {
	oracle := &scriptedOracle{decisions: []Decision{analysisDecision(0.85, session.RiskMedium)}}
	ctrl, _ := newTestController(t, testConfig(), oracle, &stubExecutor{})

	result, err := ctrl.Start(context.Background(), "api pods restarting", gate.ModeManual)
	require.NoError(t, err)

	_, err = ctrl.Approve(context.Background(), result.Session.ID, gate.Choice("ship_it"))
	assert.ErrorIs(t, err, ErrUnknownChoice)
}

func TestApproveHandOffReturnsActionsWithoutExecuting(t *testing.T) {
	oracle := &scriptedOracle{decisions: []Decision{analysisDecision(0.85, session.RiskMedium)}}
	exec := &stubExecutor{}
	ctrl, _ := newTestController(t, testConfig(), oracle, exec)

	result, err := ctrl.Start(context.Background(), "api pods restarting", gate.ModeManual)
	require.NoError(t, err)

	handed, err := ctrl.Approve(context.Background(), result.Session.ID, gate.ChoiceHandOffToAgent)
	require.NoError(t, err)
	assert.Equal(t, session.StatusFinished, handed.Status)
	assert.Len(t, handed.ProposedActions, 1)
	assert.Empty(t, handed.Records)
	assert.Empty(t, exec.actions)
}

func TestApproveAfterInconclusiveValidationContinuesLoop(t *testing.T) {
	cfg := testConfig()
	cfg.MaxInvestigationCycles = 2
	oracle := &scriptedOracle{
		decisions: []Decision{
			analysisDecision(0.85, session.RiskMedium),
			analysisDecision(0.85, session.RiskMedium),
		},
		assess: func([]session.ExecutionRecord) (*Validation, error) {
			return &Validation{Inconclusive: true, Summary: "symptom still intermittent"}, nil
		},
	}
	exec := &stubExecutor{}
	ctrl, store := newTestController(t, cfg, oracle, exec)

	result, err := ctrl.Start(context.Background(), "intermittent 502s", gate.ModeManual)
	require.NoError(t, err)
	require.Equal(t, session.StatusAwaitingApproval, result.Status)

	// Inconclusive validation with cycle budget left must drive the loop
	// back through investigation and land on a state the API can act on,
	// not park the session mid-flight.
	approved, err := ctrl.Approve(context.Background(), result.Session.ID, gate.ChoiceExecuteViaEngine)
	require.NoError(t, err)
	assert.Equal(t, session.StatusAwaitingApproval, approved.Status)
	assert.Equal(t, StageAwaitingApproval, approved.Session.CurrentStage)
	require.NotNil(t, approved.Analysis, "re-investigation must produce a fresh analysis")
	assert.Equal(t, 1, approved.Session.Investigation.Cycles)
	assert.Len(t, exec.actions, 1)

	stored, err := store.Get(context.Background(), result.Session.ID)
	require.NoError(t, err)
	assert.Equal(t, session.StatusAwaitingApproval, stored.Status)

	// The second approval exhausts the cycle budget and surfaces the
	// inconclusive validation instead of looping again.
	final, err := ctrl.Approve(context.Background(), result.Session.ID, gate.ChoiceExecuteViaEngine)
	require.NoError(t, err)
	assert.Equal(t, session.StatusAwaitingApproval, final.Status)
	require.NotNil(t, final.Validation)
	assert.True(t, final.Validation.Inconclusive)
	assert.Equal(t, 2, final.Session.Investigation.Cycles)
	assert.Len(t, exec.actions, 2)
}

func TestResumeAfterOracleOutage(t *testing.T) {
	oracle := &scriptedOracle{decideErr: errors.New("model overloaded")}
	exec := &stubExecutor{}
	ctrl, store := newTestController(t, testConfig(), oracle, exec)

	_, err := ctrl.Start(context.Background(), "api pods restarting", gate.ModeAutomatic)
	require.ErrorIs(t, err, ErrOracleUnavailable)

	sessions, err := store.List(context.Background(), session.ListFilter{ToolName: "remediate"})
	require.NoError(t, err)
	require.Len(t, sessions, 1)

	// Oracle recovers; the session picks up the recorded symptom and
	// automatic mode and runs to completion.
	oracle.mu.Lock()
	oracle.decideErr = nil
	oracle.decisions = []Decision{analysisDecision(0.95, session.RiskLow)}
	oracle.mu.Unlock()

	result, err := ctrl.Resume(context.Background(), sessions[0].ID)
	require.NoError(t, err)
	assert.Equal(t, session.StatusFinished, result.Status)
	require.Len(t, result.Records, 1)
	assert.True(t, result.Records[0].Success)
	assert.Len(t, exec.actions, 1)
}

func TestResumeAwaitingApprovalRejected(t *testing.T) {
	oracle := &scriptedOracle{decisions: []Decision{analysisDecision(0.85, session.RiskMedium)}}
	ctrl, _ := newTestController(t, testConfig(), oracle, &stubExecutor{})

	result, err := ctrl.Start(context.Background(), "api pods restarting", gate.ModeManual)
	require.NoError(t, err)
	require.Equal(t, session.StatusAwaitingApproval, result.Status)

	_, err = ctrl.Resume(context.Background(), result.Session.ID)
	assert.ErrorIs(t, err, ErrNotResumable)
}

func TestResumeTerminalIsNoOp(t *testing.T) {
	oracle := &scriptedOracle{decisions: []Decision{analysisDecision(0.95, session.RiskLow)}}
	ctrl, _ := newTestController(t, testConfig(), oracle, &stubExecutor{})

	result, err := ctrl.Start(context.Background(), "api pods restarting", gate.ModeAutomatic)
	require.NoError(t, err)
	require.Equal(t, session.StatusFinished, result.Status)

	resumed, err := ctrl.Resume(context.Background(), result.Session.ID)
	require.NoError(t, err)
	assert.True(t, resumed.NoOp)
	assert.Equal(t, session.StatusFinished, resumed.Status)
}

func TestFinishIsIdempotent(t *testing.T) {
	oracle := &scriptedOracle{decisions: []Decision{analysisDecision(0.85, session.RiskMedium)}}
	ctrl, _ := newTestController(t, testConfig(), oracle, &stubExecutor{})

	result, err := ctrl.Start(context.Background(), "api pods restarting", gate.ModeManual)
	require.NoError(t, err)

	first, err := ctrl.Finish(context.Background(), result.Session.ID)
	require.NoError(t, err)
	assert.Equal(t, session.StatusFinished, first.Status)
	assert.False(t, first.NoOp)

	second, err := ctrl.Finish(context.Background(), result.Session.ID)
	require.NoError(t, err)
	assert.True(t, second.NoOp)
	assert.Equal(t, first.Session.Version, second.Session.Version)
}

func TestInconclusiveValidationReInvestigatesUpToCycleCap(t *testing.T) {
	cfg := testConfig()
	cfg.MaxInvestigationCycles = 2
	oracle := &scriptedOracle{
		decisions: []Decision{
			analysisDecision(0.95, session.RiskLow),
			analysisDecision(0.95, session.RiskLow),
		},
		assess: func([]session.ExecutionRecord) (*Validation, error) {
			return &Validation{Inconclusive: true, Summary: "symptom still intermittent"}, nil
		},
	}
	exec := &stubExecutor{}
	ctrl, _ := newTestController(t, cfg, oracle, exec)

	result, err := ctrl.Start(context.Background(), "intermittent 502s", gate.ModeAutomatic)
	require.NoError(t, err)

	assert.Equal(t, session.StatusAwaitingApproval, result.Status)
	assert.Equal(t, 2, result.Session.Investigation.Cycles)
	assert.Len(t, exec.actions, 2, "one execution per cycle")
	require.NotNil(t, result.Validation)
	assert.True(t, result.Validation.Inconclusive)
}

func TestValidatorUnavailableTreatedAsInconclusive(t *testing.T) {
	cfg := testConfig()
	cfg.MaxInvestigationCycles = 1
	oracle := &scriptedOracle{
		decisions: []Decision{analysisDecision(0.95, session.RiskLow)},
		assess: func([]session.ExecutionRecord) (*Validation, error) {
			return nil, errors.New("model overloaded")
		},
	}
	ctrl, _ := newTestController(t, cfg, oracle, &stubExecutor{})

	result, err := ctrl.Start(context.Background(), "api pods restarting", gate.ModeAutomatic)
	require.NoError(t, err)

	assert.Equal(t, session.StatusAwaitingApproval, result.Status)
	require.NotNil(t, result.Validation)
	assert.True(t, result.Validation.Inconclusive)
	assert.Contains(t, result.Validation.Summary, "validation unavailable")
	require.Len(t, result.Records, 1, "execution records stay durable")
}

func TestActionFailureRecordedNotFatal(t *testing.T) {
	cfg := testConfig()
	cfg.MaxInvestigationCycles = 1
	oracle := &scriptedOracle{
		decisions: []Decision{analysisDecision(0.95, session.RiskLow)},
		assess: func(records []session.ExecutionRecord) (*Validation, error) {
			return &Validation{Summary: "symptom persists"}, nil
		},
	}
	exec := &stubExecutor{actionErr: errors.New("forbidden")}
	ctrl, _ := newTestController(t, cfg, oracle, exec)

	result, err := ctrl.Start(context.Background(), "api pods restarting", gate.ModeAutomatic)
	require.NoError(t, err)

	require.Len(t, result.Records, 1)
	assert.False(t, result.Records[0].Success)
	assert.Contains(t, result.Records[0].Output, "forbidden")
	assert.Equal(t, session.StatusAwaitingApproval, result.Status)
}

func TestStartRequiresSymptom(t *testing.T) {
	ctrl, _ := newTestController(t, testConfig(), &scriptedOracle{}, &stubExecutor{})

	_, err := ctrl.Start(context.Background(), "", gate.ModeManual)
	var domainErr *workflow.DomainError
	require.ErrorAs(t, err, &domainErr)
	assert.Equal(t, workflow.CodeMissingField, domainErr.Code)
}
