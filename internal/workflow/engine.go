package workflow

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/opspilot/internal/session"
)

const instrumentationName = "github.com/fyrsmithlabs/opspilot/internal/workflow"

// StepResult is the outcome of one engine step.
type StepResult struct {
	// Session is the committed session after the step.
	Session *session.Session `json:"session"`

	// NextStage is the stage token the client must send next, empty when
	// the workflow finished.
	NextStage string `json:"next_stage,omitempty"`

	// Prompt is the descriptor/question text for the next stage.
	Prompt string `json:"prompt,omitempty"`

	// Finished is true when the session reached its terminal stage.
	Finished bool `json:"finished"`

	// NoOp is true when the call was an idempotent re-issue of a terminal
	// action and no state changed.
	NoOp bool `json:"no_op,omitempty"`

	// Echo is the data merged by this call, keyed by stage token.
	Echo map[string]map[string]any `json:"echo,omitempty"`
}

// Engine drives requests through registered stage graphs against a
// session store. It owns no per-session state; concurrency control is the
// store's optimistic versioning, with one automatic re-read-and-retry on
// conflict before surfacing CONFLICT to the caller.
type Engine struct {
	store  session.Store
	graphs map[string]*Graph
	logger *zap.Logger

	tracer      trace.Tracer
	meter       metric.Meter
	stepCounter metric.Int64Counter
}

// NewEngine creates a workflow engine over the given session store.
func NewEngine(store session.Store, logger *zap.Logger) (*Engine, error) {
	if store == nil {
		return nil, errors.New("session store is required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	e := &Engine{
		store:  store,
		graphs: make(map[string]*Graph),
		logger: logger,
		tracer: otel.Tracer(instrumentationName),
		meter:  otel.Meter(instrumentationName),
	}
	e.initMetrics()
	return e, nil
}

func (e *Engine) initMetrics() {
	var err error
	e.stepCounter, err = e.meter.Int64Counter(
		"opspilot.workflow.steps_total",
		metric.WithDescription("Total number of workflow engine steps"),
		metric.WithUnit("{step}"),
	)
	if err != nil {
		e.logger.Warn("failed to create step counter", zap.Error(err))
	}
}

// RegisterGraph registers a tool's stage graph. Graphs are registered at
// startup and never modified afterwards.
func (e *Engine) RegisterGraph(g *Graph) error {
	if err := g.Validate(); err != nil {
		return fmt.Errorf("invalid graph: %w", err)
	}
	if _, exists := e.graphs[g.Tool()]; exists {
		return fmt.Errorf("graph already registered for tool %q", g.Tool())
	}
	e.graphs[g.Tool()] = g
	return nil
}

// Graph returns the registered graph for a tool.
func (e *Engine) Graph(tool string) (*Graph, bool) {
	g, ok := e.graphs[tool]
	return g, ok
}

// Store exposes the underlying session store to collaborators (loop
// controller, HTTP session retrieval) so all of them share one
// persistence path.
func (e *Engine) Store() session.Store {
	return e.store
}

// Step processes one client request against a tool's stage graph.
//
// An empty sessionID creates a session at the graph's initial stage. The
// stage token must match the session's current stage; a mismatch leaves the
// session untouched and returns STAGE_MISMATCH, which also makes retried
// requests safe: a retry of an already-applied call observes the advanced
// stage instead of re-applying the transform.
func (e *Engine) Step(ctx context.Context, toolName, sessionID, stageToken string, payload Payload) (_ *StepResult, err error) {
	ctx, span := e.tracer.Start(ctx, "workflow.step")
	defer span.End()
	span.SetAttributes(
		attribute.String("tool", toolName),
		attribute.String("stage", stageToken),
	)
	defer func() {
		outcome := "ok"
		if err != nil {
			outcome = "error"
			if de, ok := AsDomainError(err); ok {
				outcome = string(de.Code)
			}
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
		if e.stepCounter != nil {
			e.stepCounter.Add(ctx, 1, metric.WithAttributes(
				attribute.String("tool", toolName),
				attribute.String("outcome", outcome),
			))
		}
	}()

	graph, ok := e.graphs[toolName]
	if !ok {
		return nil, NewUnknownTool(toolName)
	}

	var sess *session.Session
	if sessionID == "" {
		if stageToken == "" {
			stageToken = graph.InitialStage()
		}
		// Reject a wrong opening token before creating anything, so a bad
		// request never leaves an orphan session behind.
		if stageToken != graph.InitialStage() {
			return nil, NewStageMismatch(graph.InitialStage(), stageToken)
		}
		sess, err = e.store.Create(ctx, toolName, graph.IDPrefix(), graph.InitialStage())
		if err != nil {
			return nil, fmt.Errorf("failed to create session: %w", err)
		}
		e.logger.Info("created session",
			zap.String("session_id", sess.ID),
			zap.String("tool", toolName),
		)
	} else {
		sess, err = e.loadOwned(ctx, graph, sessionID)
		if err != nil {
			return nil, err
		}
	}
	span.SetAttributes(attribute.String("session_id", sess.ID))

	result, err := e.apply(ctx, graph, sess, stageToken, payload)
	if err == nil || !errors.Is(err, session.ErrVersionConflict) {
		return result, err
	}

	// Lost the version race: re-read and retry once before surfacing.
	sess, err = e.loadOwned(ctx, graph, sess.ID)
	if err != nil {
		return nil, err
	}
	result, err = e.apply(ctx, graph, sess, stageToken, payload)
	if errors.Is(err, session.ErrVersionConflict) {
		return nil, NewConflict()
	}
	return result, err
}

// loadOwned fetches a session and verifies graph ownership.
func (e *Engine) loadOwned(ctx context.Context, graph *Graph, sessionID string) (*session.Session, error) {
	sess, err := e.store.Get(ctx, sessionID)
	if err != nil {
		if errors.Is(err, session.ErrNotFound) {
			return nil, NewUnknownSession(sessionID)
		}
		return nil, fmt.Errorf("failed to load session: %w", err)
	}
	if sess.ToolName != graph.Tool() {
		// A session is retrievable only under its owning tool.
		return nil, NewUnknownSession(sessionID)
	}
	return sess, nil
}

// apply performs the validated stage transition(s) under one store update.
// All validation runs before anything is persisted, so a failed step leaves
// the session byte-identical.
func (e *Engine) apply(ctx context.Context, graph *Graph, sess *session.Session, stageToken string, payload Payload) (*StepResult, error) {
	if sess.Status.Terminal() {
		if stageToken == sess.StageToken() {
			// Idempotent re-issue of the terminal action.
			return &StepResult{
				Session:  sess,
				Finished: sess.Status == session.StatusFinished,
				NoOp:     true,
			}, nil
		}
		return nil, NewStageMismatch(sess.StageToken(), stageToken)
	}
	if stageToken != sess.StageToken() {
		return nil, NewStageMismatch(sess.StageToken(), stageToken)
	}

	handler, ok := graph.Handler(stageToken)
	if !ok {
		return nil, fmt.Errorf("no handler for stage %q of tool %q", stageToken, graph.Tool())
	}

	// Plan the transition(s) before touching the store.
	plan := []plannedTransition{{handler: handler, payload: payload}}
	if cs, isCompound := handler.(CompoundStage); isCompound {
		if nextPayload, carried := cs.SplitNext(payload); carried {
			plan = append(plan, plannedTransition{payload: nextPayload, deferred: true})
		}
	}
	if err := checkStage(handler, payload); err != nil {
		return nil, err
	}

	echo := make(map[string]map[string]any)
	updated, err := e.store.Update(ctx, sess.ID, sess.Version, func(s *session.Session) error {
		for i := range plan {
			step := plan[i]
			h := step.handler
			if h == nil {
				// A deferred compound transition targets whatever stage the
				// first transition advanced to.
				if s.Status.Terminal() {
					return NewInvalidField("payload", "answers supplied for a stage past the end of the workflow")
				}
				var ok bool
				h, ok = graph.Handler(s.StageToken())
				if !ok {
					return fmt.Errorf("no handler for stage %q of tool %q", s.StageToken(), graph.Tool())
				}
				if err := checkStage(h, step.payload); err != nil {
					return err
				}
			}
			merged, err := applyTransition(graph, s, h, step.payload)
			if err != nil {
				return err
			}
			echo[h.Token()] = merged
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	result := &StepResult{
		Session:  updated,
		Finished: updated.Status == session.StatusFinished,
		Echo:     echo,
	}
	if !result.Finished {
		result.NextStage = updated.StageToken()
		result.Prompt = graph.Prompt(result.NextStage)
	}

	e.logger.Debug("applied step",
		zap.String("session_id", updated.ID),
		zap.String("tool", graph.Tool()),
		zap.String("stage", stageToken),
		zap.String("next_stage", result.NextStage),
		zap.Bool("finished", result.Finished),
	)
	return result, nil
}

type plannedTransition struct {
	handler  StageHandler
	payload  Payload
	deferred bool
}

// checkStage runs required-field and semantic validation for one stage.
func checkStage(handler StageHandler, payload Payload) error {
	for _, field := range handler.RequiredFields() {
		v, present := payload[field]
		if !present {
			return NewMissingField(field)
		}
		if s, isString := v.(string); isString && strings.TrimSpace(s) == "" {
			return NewMissingField(field)
		}
	}
	return handler.Validate(payload)
}

// applyTransition merges the payload and advances the session one stage.
func applyTransition(graph *Graph, s *session.Session, handler StageHandler, payload Payload) (map[string]any, error) {
	merged, err := handler.Transform(Data(s.CollectedData), payload)
	if err != nil {
		return nil, err
	}
	s.CollectedData[handler.Token()] = merged

	next, err := handler.Next(Data(s.CollectedData))
	if err != nil {
		return nil, err
	}
	if next == Terminal {
		s.Status = session.StatusFinished
		return merged, nil
	}
	if _, ok := graph.Handler(next); !ok {
		return nil, fmt.Errorf("stage %q routed to unregistered stage %q", handler.Token(), next)
	}
	s.SetStageToken(next)
	return merged, nil
}
