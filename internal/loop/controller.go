package loop

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/opspilot/internal/gate"
	"github.com/fyrsmithlabs/opspilot/internal/session"
	"github.com/fyrsmithlabs/opspilot/internal/workflow"
)

const instrumentationName = "github.com/fyrsmithlabs/opspilot/internal/loop"

// Stage tokens for investigative sessions.
const (
	StageInvestigating    = "investigating"
	StageAwaitingApproval = "awaitingApproval"
	StageExecuting        = "executing"
	StageValidating       = "validating"
)

// Config configures an agentic loop controller.
type Config struct {
	// ToolName identifies the investigative tool (e.g., "remediate").
	ToolName string

	// IDPrefix is the session ID prefix (e.g., "rem").
	IDPrefix string

	// DefaultMode is the execution mode when the request does not choose
	// one (default: manual).
	DefaultMode gate.Mode

	// Policy is the execution-gate policy.
	Policy gate.Policy

	// MaxIterations caps Oracle tool calls per investigation cycle
	// (default: 10).
	MaxIterations int

	// MaxInvestigationCycles caps execute→validate→re-investigate outer
	// cycles before the controller stops retrying (default: 2).
	MaxInvestigationCycles int

	// CallTimeout bounds each individual Oracle/executor call
	// (default: 30s).
	CallTimeout time.Duration

	// BestEffortConfidence labels analyses forced out by the iteration cap
	// (default: 0.2).
	BestEffortConfidence float64

	// Retry configures Oracle retry behavior.
	Retry RetryConfig
}

// ApplyDefaults sets default values for unset fields.
func (c *Config) ApplyDefaults() {
	if c.DefaultMode == "" {
		c.DefaultMode = gate.ModeManual
	}
	if c.Policy == (gate.Policy{}) {
		c.Policy = gate.DefaultPolicy()
	}
	if c.MaxIterations == 0 {
		c.MaxIterations = 10
	}
	if c.MaxInvestigationCycles == 0 {
		c.MaxInvestigationCycles = 2
	}
	if c.CallTimeout == 0 {
		c.CallTimeout = 30 * time.Second
	}
	if c.BestEffortConfidence == 0 {
		c.BestEffortConfidence = 0.2
	}
}

// Result is the outcome of one controller invocation.
type Result struct {
	Session         *session.Session         `json:"session"`
	Status          session.Status           `json:"status"`
	Analysis        *session.Analysis        `json:"analysis,omitempty"`
	ProposedActions []session.ProposedAction `json:"proposed_actions,omitempty"`
	Decision        *gate.Decision           `json:"gate_decision,omitempty"`
	Records         []session.ExecutionRecord `json:"records,omitempty"`
	Validation      *Validation              `json:"validation,omitempty"`

	// NoOp is true for idempotent re-issues of terminal actions.
	NoOp bool `json:"no_op,omitempty"`
}

// Controller drives the investigate → decide → execute → validate loop for
// one investigative tool. It shares the session store with the workflow
// engine, so loop sessions get the same durability and version discipline
// as wizard sessions.
type Controller struct {
	config   *Config
	store    session.Store
	oracle   Oracle
	executor ActionExecutor
	logger   *zap.Logger

	tracer           trace.Tracer
	meter            metric.Meter
	iterationCounter metric.Int64Counter
	executionCounter metric.Int64Counter
}

// NewController creates an agentic loop controller.
func NewController(cfg *Config, store session.Store, oracle Oracle, executor ActionExecutor, logger *zap.Logger) (*Controller, error) {
	if cfg == nil {
		return nil, errors.New("config is required")
	}
	if cfg.ToolName == "" || cfg.IDPrefix == "" {
		return nil, errors.New("tool name and id prefix are required")
	}
	if store == nil {
		return nil, errors.New("session store is required")
	}
	if oracle == nil {
		return nil, errors.New("oracle is required")
	}
	if executor == nil {
		return nil, errors.New("action executor is required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	cfg.ApplyDefaults()

	c := &Controller{
		config:   cfg,
		store:    store,
		oracle:   oracle,
		executor: executor,
		logger:   logger,
		tracer:   otel.Tracer(instrumentationName),
		meter:    otel.Meter(instrumentationName),
	}
	c.initMetrics()
	return c, nil
}

func (c *Controller) initMetrics() {
	var err error
	c.iterationCounter, err = c.meter.Int64Counter(
		"opspilot.loop.iterations_total",
		metric.WithDescription("Total number of investigation iterations"),
		metric.WithUnit("{iteration}"),
	)
	if err != nil {
		c.logger.Warn("failed to create iteration counter", zap.Error(err))
	}
	c.executionCounter, err = c.meter.Int64Counter(
		"opspilot.loop.executions_total",
		metric.WithDescription("Total number of executed remediation actions"),
		metric.WithUnit("{action}"),
	)
	if err != nil {
		c.logger.Warn("failed to create execution counter", zap.Error(err))
	}
}

// Start opens a new investigative session for the given symptom and runs
// the loop until it needs approval, finishes, or fails.
func (c *Controller) Start(ctx context.Context, symptom string, mode gate.Mode) (*Result, error) {
	ctx, span := c.tracer.Start(ctx, "loop.start")
	defer span.End()

	if symptom == "" {
		return nil, workflow.NewMissingField("symptom")
	}
	if mode == "" {
		mode = c.config.DefaultMode
	}

	sess, err := c.store.Create(ctx, c.config.ToolName, c.config.IDPrefix, StageInvestigating)
	if err != nil {
		return nil, fmt.Errorf("failed to create session: %w", err)
	}
	span.SetAttributes(attribute.String("session_id", sess.ID))

	sess, err = c.update(ctx, sess, func(s *session.Session) error {
		s.Investigation = &session.Investigation{}
		s.CollectedData[StageInvestigating] = map[string]any{
			"symptom": symptom,
			"mode":    string(mode),
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	c.logger.Info("started investigation",
		zap.String("session_id", sess.ID),
		zap.String("tool", c.config.ToolName),
		zap.String("mode", string(mode)),
	)
	result, err := c.runCycle(ctx, sess, symptom, mode)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	return result, err
}

// Approve resolves an awaiting_user_approval session with the user's
// execution choice.
func (c *Controller) Approve(ctx context.Context, sessionID string, choice gate.Choice) (*Result, error) {
	ctx, span := c.tracer.Start(ctx, "loop.approve")
	defer span.End()
	span.SetAttributes(
		attribute.String("session_id", sessionID),
		attribute.String("choice", string(choice)),
	)

	sess, err := c.load(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	if sess.Status != session.StatusAwaitingApproval {
		return nil, fmt.Errorf("%w: session %s has status %q", ErrNotAwaitingApproval, sessionID, sess.Status)
	}

	switch choice {
	case gate.ChoiceExecuteViaEngine:
		symptom, mode := c.investigationParams(sess)
		result, err := c.executeAndValidate(ctx, sess, symptom)
		if err != nil || result.Session.Status != session.StatusActive {
			return result, err
		}
		// Validation sent the session back to investigate; keep driving
		// the loop so it lands on a state an entry point can act on.
		return c.runCycle(ctx, result.Session, symptom, mode)
	case gate.ChoiceHandOffToAgent:
		sess, err = c.update(ctx, sess, func(s *session.Session) error {
			s.Status = session.StatusFinished
			s.CollectedData[StageAwaitingApproval] = map[string]any{"handed_off": true}
			return nil
		})
		if err != nil {
			return nil, err
		}
		c.logger.Info("handed off actions to external agent", zap.String("session_id", sess.ID))
		return c.resultFor(sess), nil
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownChoice, choice)
	}
}

// Resume re-enters the loop for an active session, picking up where a
// process restart or a transient Oracle outage left it. Resuming a
// terminal session is a safe no-op; a session blocked on approval must
// go through Approve instead.
func (c *Controller) Resume(ctx context.Context, sessionID string) (*Result, error) {
	ctx, span := c.tracer.Start(ctx, "loop.resume")
	defer span.End()
	span.SetAttributes(attribute.String("session_id", sessionID))

	sess, err := c.load(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	if sess.Status.Terminal() {
		result := c.resultFor(sess)
		result.NoOp = true
		return result, nil
	}
	if sess.Status == session.StatusAwaitingApproval {
		return nil, fmt.Errorf("%w: session %s is awaiting approval", ErrNotResumable, sessionID)
	}
	if sess.Investigation == nil {
		return nil, fmt.Errorf("%w: session %s has no investigation", ErrNotResumable, sessionID)
	}

	symptom, mode := c.investigationParams(sess)
	c.logger.Info("resuming investigation",
		zap.String("session_id", sess.ID),
		zap.String("stage", sess.StageToken()),
	)
	result, err := c.runCycle(ctx, sess, symptom, mode)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	return result, err
}

// Finish terminates a session. Finishing an already-terminal session
// succeeds with an explicit no-op flag and performs no further side
// effects.
func (c *Controller) Finish(ctx context.Context, sessionID string) (*Result, error) {
	ctx, span := c.tracer.Start(ctx, "loop.finish")
	defer span.End()
	span.SetAttributes(attribute.String("session_id", sessionID))

	sess, err := c.load(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	if sess.Status.Terminal() {
		result := c.resultFor(sess)
		result.NoOp = true
		return result, nil
	}

	sess, err = c.update(ctx, sess, func(s *session.Session) error {
		s.Status = session.StatusFinished
		return nil
	})
	if err != nil {
		return nil, err
	}
	return c.resultFor(sess), nil
}

// Get returns the current session state without advancing it.
func (c *Controller) Get(ctx context.Context, sessionID string) (*Result, error) {
	sess, err := c.load(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	return c.resultFor(sess), nil
}

// runCycle runs investigation and, when the gate allows, execution and
// validation, re-entering investigation up to the outer cycle cap.
func (c *Controller) runCycle(ctx context.Context, sess *session.Session, symptom string, mode gate.Mode) (*Result, error) {
	for {
		var err error
		if sess.Investigation.Analysis == nil {
			sess, err = c.investigate(ctx, sess, symptom)
			if err != nil {
				return nil, err
			}
		}

		decision := gate.Decide(sess.Investigation.Analysis, sess.Investigation.ProposedActions, mode, c.config.Policy)
		if !decision.AutoExecute {
			sess, err = c.update(ctx, sess, func(s *session.Session) error {
				s.Status = session.StatusAwaitingApproval
				s.SetStageToken(StageAwaitingApproval)
				return nil
			})
			if err != nil {
				return nil, err
			}
			c.logger.Info("awaiting user approval",
				zap.String("session_id", sess.ID),
				zap.String("reason", decision.Reason),
			)
			result := c.resultFor(sess)
			result.Decision = &decision
			return result, nil
		}

		result, err := c.executeAndValidate(ctx, sess, symptom)
		if err != nil {
			return nil, err
		}
		if result.Session.Status != session.StatusActive {
			result.Decision = &decision
			return result, nil
		}
		// Validation sent us back to investigate for another cycle.
		sess = result.Session
	}
}

// investigate runs the Oracle loop for one cycle, persisting each
// iteration as it lands so the transcript survives restarts.
func (c *Controller) investigate(ctx context.Context, sess *session.Session, symptom string) (*session.Session, error) {
	ctx, span := c.tracer.Start(ctx, "loop.investigate")
	defer span.End()
	span.SetAttributes(attribute.String("session_id", sess.ID))

	start := len(sess.Investigation.Iterations)
	for len(sess.Investigation.Iterations)-start < c.config.MaxIterations {
		decision, err := retryOracle(ctx, c.config.Retry, c.logger, "next_decision", func(ctx context.Context) (Decision, error) {
			callCtx, cancel := context.WithTimeout(ctx, c.config.CallTimeout)
			defer cancel()
			return c.oracle.NextDecision(callCtx, symptom, sess.Investigation)
		})
		if err != nil {
			return nil, err
		}

		switch d := decision.(type) {
		case *FinalAnalysis:
			return c.update(ctx, sess, func(s *session.Session) error {
				analysis := d.Analysis
				s.Investigation.Analysis = &analysis
				s.Investigation.ProposedActions = d.ProposedActions
				return nil
			})

		case *ToolCallRequest:
			callCtx, cancel := context.WithTimeout(ctx, c.config.CallTimeout)
			evidence, diagErr := c.executor.RunDiagnostic(callCtx, d)
			cancel()
			if diagErr != nil {
				if ctx.Err() != nil {
					return nil, ctx.Err()
				}
				// Failed diagnostics are evidence too; the Oracle decides
				// what to make of them.
				evidence = fmt.Sprintf("diagnostic %s failed: %v", d.Tool, diagErr)
			}

			if c.iterationCounter != nil {
				c.iterationCounter.Add(ctx, 1, metric.WithAttributes(
					attribute.String("tool", c.config.ToolName),
				))
			}
			sess, err = c.update(ctx, sess, func(s *session.Session) error {
				s.Investigation.Iterations = append(s.Investigation.Iterations, session.Iteration{
					ToolCall: d.Tool,
					Evidence: evidence,
					At:       time.Now(),
				})
				return nil
			})
			if err != nil {
				return nil, err
			}

		default:
			return nil, fmt.Errorf("oracle returned unknown decision type %T", decision)
		}
	}

	// Iteration budget exhausted: force termination with a best-effort,
	// low-confidence analysis instead of looping indefinitely.
	c.logger.Warn("investigation hit iteration cap",
		zap.String("session_id", sess.ID),
		zap.Int("iterations", c.config.MaxIterations),
	)
	return c.update(ctx, sess, func(s *session.Session) error {
		s.Investigation.Analysis = &session.Analysis{
			RootCause:  "investigation reached the iteration budget without a conclusive diagnosis",
			Confidence: c.config.BestEffortConfidence,
			Factors:    lastEvidence(s.Investigation, 3),
		}
		return nil
	})
}

// executeAndValidate runs the proposed actions and validates the outcome.
// The returned session has StatusActive only when another investigation
// cycle should run.
func (c *Controller) executeAndValidate(ctx context.Context, sess *session.Session, symptom string) (*Result, error) {
	ctx, span := c.tracer.Start(ctx, "loop.execute")
	defer span.End()
	span.SetAttributes(attribute.String("session_id", sess.ID))

	sess, err := c.update(ctx, sess, func(s *session.Session) error {
		s.Status = session.StatusActive
		s.SetStageToken(StageExecuting)
		return nil
	})
	if err != nil {
		return nil, err
	}

	// Run the whole batch first: individual failures are recorded, never
	// abort the batch. Records are persisted in one update so cancellation
	// can never leave a partially-recorded action list.
	records := make([]session.ExecutionRecord, 0, len(sess.Investigation.ProposedActions))
	for _, action := range sess.Investigation.ProposedActions {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		callCtx, cancel := context.WithTimeout(ctx, c.config.CallTimeout)
		output, runErr := c.executor.RunAction(callCtx, action)
		cancel()

		record := session.ExecutionRecord{
			ActionID:  uuid.New().String(),
			Success:   runErr == nil,
			Output:    output,
			Timestamp: time.Now(),
		}
		if runErr != nil {
			record.Output = fmt.Sprintf("%s: %v", output, runErr)
			c.logger.Warn("action failed",
				zap.String("session_id", sess.ID),
				zap.String("command", action.Command),
				zap.Error(runErr),
			)
		}
		records = append(records, record)

		if c.executionCounter != nil {
			c.executionCounter.Add(ctx, 1, metric.WithAttributes(
				attribute.String("tool", c.config.ToolName),
				attribute.Bool("success", record.Success),
			))
		}
	}

	sess, err = c.update(ctx, sess, func(s *session.Session) error {
		s.Results = append(s.Results, records...)
		s.SetStageToken(StageValidating)
		return nil
	})
	if err != nil {
		return nil, err
	}

	return c.validate(ctx, sess, symptom)
}

// validate re-checks the original symptom and routes the session to its
// next state: finished on success, another investigation cycle while the
// outer cap allows, awaiting_user_approval otherwise.
func (c *Controller) validate(ctx context.Context, sess *session.Session, symptom string) (*Result, error) {
	validation, err := retryOracle(ctx, c.config.Retry, c.logger, "assess_remediation", func(ctx context.Context) (*Validation, error) {
		callCtx, cancel := context.WithTimeout(ctx, c.config.CallTimeout)
		defer cancel()
		return c.oracle.AssessRemediation(callCtx, symptom, sess.Investigation, sess.Results)
	})
	if err != nil {
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			return nil, err
		}
		// The actions did run; their records are already durable. Treat an
		// unreachable validator as an inconclusive validation and let the
		// user decide, rather than failing a session whose state is sound.
		validation = &Validation{Inconclusive: true, Summary: fmt.Sprintf("validation unavailable: %v", err)}
	}

	switch {
	case validation.Success:
		sess, err = c.update(ctx, sess, func(s *session.Session) error {
			s.Status = session.StatusFinished
			s.CollectedData[StageValidating] = validationData(validation)
			return nil
		})
		if err != nil {
			return nil, err
		}
		c.logger.Info("remediation validated", zap.String("session_id", sess.ID))

	case sess.Investigation.Cycles+1 < c.config.MaxInvestigationCycles:
		sess, err = c.update(ctx, sess, func(s *session.Session) error {
			s.Status = session.StatusActive
			s.SetStageToken(StageInvestigating)
			s.Investigation.Cycles++
			s.Investigation.Analysis = nil
			s.Investigation.ProposedActions = nil
			s.CollectedData[StageValidating] = validationData(validation)
			return nil
		})
		if err != nil {
			return nil, err
		}
		c.logger.Info("validation not conclusive, re-investigating",
			zap.String("session_id", sess.ID),
			zap.Int("cycle", sess.Investigation.Cycles),
		)

	default:
		sess, err = c.update(ctx, sess, func(s *session.Session) error {
			s.Status = session.StatusAwaitingApproval
			s.SetStageToken(StageAwaitingApproval)
			s.Investigation.Cycles++
			s.CollectedData[StageValidating] = validationData(validation)
			return nil
		})
		if err != nil {
			return nil, err
		}
		c.logger.Warn("validation exhausted outer cycles",
			zap.String("session_id", sess.ID),
		)
	}

	result := c.resultFor(sess)
	result.Validation = validation
	return result, nil
}

// investigationParams recovers the symptom and execution mode recorded
// when the session was opened.
func (c *Controller) investigationParams(sess *session.Session) (string, gate.Mode) {
	data := sess.CollectedData[StageInvestigating]
	symptom, _ := data["symptom"].(string)
	mode := c.config.DefaultMode
	if m, ok := data["mode"].(string); ok && m != "" {
		mode = gate.Mode(m)
	}
	return symptom, mode
}

// load fetches a session owned by this controller's tool.
func (c *Controller) load(ctx context.Context, sessionID string) (*session.Session, error) {
	if sessionID == "" {
		return nil, workflow.NewMissingField("sessionId")
	}
	sess, err := c.store.Get(ctx, sessionID)
	if err != nil {
		if errors.Is(err, session.ErrNotFound) {
			return nil, workflow.NewUnknownSession(sessionID)
		}
		return nil, err
	}
	if sess.ToolName != c.config.ToolName {
		return nil, workflow.NewUnknownSession(sessionID)
	}
	return sess, nil
}

// update commits a mutation with one automatic retry on version conflict.
func (c *Controller) update(ctx context.Context, sess *session.Session, mutate session.Mutation) (*session.Session, error) {
	updated, err := c.store.Update(ctx, sess.ID, sess.Version, mutate)
	if err == nil {
		return updated, nil
	}
	if !errors.Is(err, session.ErrVersionConflict) {
		return nil, err
	}

	fresh, getErr := c.store.Get(ctx, sess.ID)
	if getErr != nil {
		return nil, getErr
	}
	updated, err = c.store.Update(ctx, fresh.ID, fresh.Version, mutate)
	if err != nil {
		if errors.Is(err, session.ErrVersionConflict) {
			return nil, workflow.NewConflict()
		}
		return nil, err
	}
	return updated, nil
}

func (c *Controller) resultFor(sess *session.Session) *Result {
	result := &Result{
		Session: sess,
		Status:  sess.Status,
		Records: sess.Results,
	}
	if sess.Investigation != nil {
		result.Analysis = sess.Investigation.Analysis
		result.ProposedActions = sess.Investigation.ProposedActions
	}
	return result
}

func validationData(v *Validation) map[string]any {
	return map[string]any{
		"success":      v.Success,
		"inconclusive": v.Inconclusive,
		"summary":      v.Summary,
	}
}

// lastEvidence summarizes the tail of the transcript for best-effort
// analyses.
func lastEvidence(inv *session.Investigation, n int) []string {
	if len(inv.Iterations) == 0 {
		return nil
	}
	start := len(inv.Iterations) - n
	if start < 0 {
		start = 0
	}
	out := make([]string, 0, n)
	for _, it := range inv.Iterations[start:] {
		out = append(out, fmt.Sprintf("%s: %s", it.ToolCall, truncate(it.Evidence, 200)))
	}
	return out
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
