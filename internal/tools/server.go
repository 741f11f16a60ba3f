package tools

import (
	"context"
	"fmt"

	"github.com/modelcontextprotocol/go-sdk/mcp"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/opspilot/internal/gate"
	"github.com/fyrsmithlabs/opspilot/internal/loop"
	"github.com/fyrsmithlabs/opspilot/internal/patterns"
	"github.com/fyrsmithlabs/opspilot/internal/session"
	"github.com/fyrsmithlabs/opspilot/internal/wizards"
	"github.com/fyrsmithlabs/opspilot/internal/workflow"
)

// Config holds configuration for the MCP tool server.
type Config struct {
	// Name is the server name advertised to clients.
	Name string

	// Version is the server version stamped on response metadata.
	Version string

	// VisualizationBase, when set, is prepended to session IDs to form
	// visualizationUrl values.
	VisualizationBase string

	// Logger is the logger to use.
	Logger *zap.Logger
}

// Server exposes the workflow engine, the agentic loop, and the pattern
// store as MCP tools over stdio.
type Server struct {
	mcp        *mcp.Server
	engine     *workflow.Engine
	controller *loop.Controller
	patterns   *patterns.Service
	config     Config
	logger     *zap.Logger
}

// NewServer creates the MCP tool server and registers all tools.
func NewServer(cfg Config, engine *workflow.Engine, controller *loop.Controller, patternsSvc *patterns.Service) (*Server, error) {
	if engine == nil {
		return nil, fmt.Errorf("workflow engine is required")
	}
	if controller == nil {
		return nil, fmt.Errorf("loop controller is required")
	}
	if patternsSvc == nil {
		return nil, fmt.Errorf("pattern service is required")
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	if cfg.Name == "" {
		cfg.Name = "opspilot"
	}

	s := &Server{
		mcp: mcp.NewServer(
			&mcp.Implementation{
				Name:    cfg.Name,
				Version: cfg.Version,
			},
			nil,
		),
		engine:     engine,
		controller: controller,
		patterns:   patternsSvc,
		config:     cfg,
		logger:     cfg.Logger,
	}
	s.registerTools()
	return s, nil
}

// Run starts the MCP server on the stdio transport.
func (s *Server) Run(ctx context.Context) error {
	s.logger.Info("starting MCP server on stdio transport")
	transport := &mcp.StdioTransport{}
	if err := s.mcp.Run(ctx, transport); err != nil {
		return fmt.Errorf("server run failed: %w", err)
	}
	return nil
}

type stepInput struct {
	SessionID  string         `json:"session_id,omitempty" jsonschema:"Session ID, omit to start a new session"`
	StageToken string         `json:"stage_token,omitempty" jsonschema:"Current stage token, defaults to the initial stage for new sessions"`
	Payload    map[string]any `json:"payload,omitempty" jsonschema:"Stage payload fields"`
}

type stepOutput struct {
	Success   bool                      `json:"success"`
	SessionID string                    `json:"session_id,omitempty"`
	NextStage string                    `json:"next_stage,omitempty"`
	Prompt    string                    `json:"prompt,omitempty"`
	Finished  bool                      `json:"finished,omitempty"`
	NoOp      bool                      `json:"no_op,omitempty"`
	Echo      map[string]map[string]any `json:"echo,omitempty"`
	PatternID string                    `json:"pattern_id,omitempty"`
	Error     *ErrorBody                `json:"error,omitempty"`
	Meta      Meta                      `json:"meta"`
}

// handleStep runs one wizard step and, for a finished pattern wizard,
// persists the captured pattern.
func (s *Server) handleStep(ctx context.Context, tool string, in stepInput) (stepOutput, error) {
	result, err := s.engine.Step(ctx, tool, in.SessionID, in.StageToken, workflow.Payload(in.Payload))
	if err != nil {
		if body := DomainErrorBody(err); body != nil {
			return stepOutput{Success: false, SessionID: in.SessionID, Error: body, Meta: NewMeta(s.config.Version)}, nil
		}
		return stepOutput{}, err
	}

	out := stepOutput{
		Success:   true,
		SessionID: result.Session.ID,
		NextStage: result.NextStage,
		Prompt:    result.Prompt,
		Finished:  result.Finished,
		NoOp:      result.NoOp,
		Echo:      result.Echo,
		Meta:      NewMeta(s.config.Version),
	}

	if result.Finished && !result.NoOp && tool == wizards.PatternTool {
		pattern, err := wizards.BuildPattern(result.Session.ID, result.Session.CollectedData)
		if err != nil {
			return stepOutput{}, fmt.Errorf("assembling pattern from session %s: %w", result.Session.ID, err)
		}
		if err := s.patterns.Upsert(ctx, pattern); err != nil {
			return stepOutput{}, fmt.Errorf("saving pattern from session %s: %w", result.Session.ID, err)
		}
		out.PatternID = pattern.ID
		s.logger.Info("captured pattern",
			zap.String("pattern_id", pattern.ID),
			zap.String("session_id", result.Session.ID),
		)
	}
	return out, nil
}

type remediateStartInput struct {
	Symptom string `json:"symptom" jsonschema:"required,Description of the observed problem"`
	Mode    string `json:"mode,omitempty" jsonschema:"Execution mode: automatic or manual (default manual)"`
}

type remediateApproveInput struct {
	SessionID string `json:"session_id" jsonschema:"required,Session ID awaiting approval"`
	Choice    string `json:"choice" jsonschema:"required,Execution choice: execute_via_engine or hand_off_to_agent"`
}

type remediateSessionInput struct {
	SessionID string `json:"session_id" jsonschema:"required,Session ID"`
}

type loopOutput struct {
	Success         bool                      `json:"success"`
	Session         SessionView               `json:"session,omitempty"`
	Status          session.Status            `json:"status,omitempty"`
	Analysis        *session.Analysis         `json:"analysis,omitempty"`
	ProposedActions []session.ProposedAction  `json:"proposed_actions,omitempty"`
	AutoExecuted    bool                      `json:"auto_executed,omitempty"`
	Choices         []gate.Choice             `json:"execution_choices,omitempty"`
	Records         []session.ExecutionRecord `json:"records,omitempty"`
	Validation      *loop.Validation          `json:"validation,omitempty"`
	NoOp            bool                      `json:"no_op,omitempty"`
	Error           *ErrorBody                `json:"error,omitempty"`
	Meta            Meta                      `json:"meta"`
}

func (s *Server) loopResult(result *loop.Result, err error) (loopOutput, error) {
	if err != nil {
		if body := DomainErrorBody(err); body != nil {
			return loopOutput{Success: false, Error: body, Meta: NewMeta(s.config.Version)}, nil
		}
		return loopOutput{}, err
	}

	out := loopOutput{
		Success:         true,
		Session:         NewSessionView(result.Session, s.config.VisualizationBase),
		Status:          result.Status,
		Analysis:        result.Analysis,
		ProposedActions: result.ProposedActions,
		Records:         result.Records,
		Validation:      result.Validation,
		NoOp:            result.NoOp,
		Meta:            NewMeta(s.config.Version),
	}
	if result.Decision != nil {
		out.AutoExecuted = result.Decision.AutoExecute
		out.Choices = result.Decision.Choices
	} else if result.Status == session.StatusAwaitingApproval {
		out.Choices = gate.ExecutionChoices()
	}
	return out, nil
}

type patternSearchInput struct {
	Query string `json:"query" jsonschema:"required,Symptom or description to match against patterns"`
	Limit int    `json:"limit,omitempty" jsonschema:"Maximum matches to return (default: 5)"`
}

type patternSearchOutput struct {
	Matches []patterns.Match `json:"matches"`
	Count   int              `json:"count"`
	Meta    Meta             `json:"meta"`
}

type patternResyncInput struct {
	Patterns []patterns.Pattern `json:"patterns" jsonschema:"required,Authoritative pattern set to reconcile against"`
}

type patternResyncOutput struct {
	Inserted int  `json:"inserted"`
	Updated  int  `json:"updated"`
	Deleted  int  `json:"deleted"`
	Meta     Meta `json:"meta"`
}

func (s *Server) registerTools() {
	mcp.AddTool(s.mcp, &mcp.Tool{
		Name:        "pattern_create",
		Description: "Capture an organizational pattern through a staged wizard",
	}, func(ctx context.Context, _ *mcp.CallToolRequest, args stepInput) (*mcp.CallToolResult, stepOutput, error) {
		out, err := s.handleStep(ctx, wizards.PatternTool, args)
		if err != nil {
			return nil, stepOutput{}, err
		}
		return textResult(stepSummary(out)), out, nil
	})

	mcp.AddTool(s.mcp, &mcp.Tool{
		Name:        "project_scaffold",
		Description: "Scaffold a project file by file through a staged wizard",
	}, func(ctx context.Context, _ *mcp.CallToolRequest, args stepInput) (*mcp.CallToolResult, stepOutput, error) {
		out, err := s.handleStep(ctx, wizards.ScaffoldTool, args)
		if err != nil {
			return nil, stepOutput{}, err
		}
		return textResult(stepSummary(out)), out, nil
	})

	mcp.AddTool(s.mcp, &mcp.Tool{
		Name:        "remediate",
		Description: "Investigate a Kubernetes symptom and propose or execute remediation",
	}, func(ctx context.Context, _ *mcp.CallToolRequest, args remediateStartInput) (*mcp.CallToolResult, loopOutput, error) {
		out, err := s.loopResult(s.controller.Start(ctx, args.Symptom, gate.Mode(args.Mode)))
		if err != nil {
			return nil, loopOutput{}, err
		}
		return textResult(loopSummary(out)), out, nil
	})

	mcp.AddTool(s.mcp, &mcp.Tool{
		Name:        "remediate_approve",
		Description: "Resolve an awaiting-approval remediation session with an execution choice",
	}, func(ctx context.Context, _ *mcp.CallToolRequest, args remediateApproveInput) (*mcp.CallToolResult, loopOutput, error) {
		out, err := s.loopResult(s.controller.Approve(ctx, args.SessionID, gate.Choice(args.Choice)))
		if err != nil {
			return nil, loopOutput{}, err
		}
		return textResult(loopSummary(out)), out, nil
	})

	mcp.AddTool(s.mcp, &mcp.Tool{
		Name:        "remediate_resume",
		Description: "Resume an interrupted remediation session from its persisted state",
	}, func(ctx context.Context, _ *mcp.CallToolRequest, args remediateSessionInput) (*mcp.CallToolResult, loopOutput, error) {
		out, err := s.loopResult(s.controller.Resume(ctx, args.SessionID))
		if err != nil {
			return nil, loopOutput{}, err
		}
		return textResult(loopSummary(out)), out, nil
	})

	mcp.AddTool(s.mcp, &mcp.Tool{
		Name:        "remediate_finish",
		Description: "Terminate a remediation session; finishing twice is a safe no-op",
	}, func(ctx context.Context, _ *mcp.CallToolRequest, args remediateSessionInput) (*mcp.CallToolResult, loopOutput, error) {
		out, err := s.loopResult(s.controller.Finish(ctx, args.SessionID))
		if err != nil {
			return nil, loopOutput{}, err
		}
		return textResult(loopSummary(out)), out, nil
	})

	mcp.AddTool(s.mcp, &mcp.Tool{
		Name:        "remediate_status",
		Description: "Inspect a remediation session without advancing it",
	}, func(ctx context.Context, _ *mcp.CallToolRequest, args remediateSessionInput) (*mcp.CallToolResult, loopOutput, error) {
		out, err := s.loopResult(s.controller.Get(ctx, args.SessionID))
		if err != nil {
			return nil, loopOutput{}, err
		}
		return textResult(loopSummary(out)), out, nil
	})

	mcp.AddTool(s.mcp, &mcp.Tool{
		Name:        "pattern_search",
		Description: "Find organizational patterns matching a symptom",
	}, func(ctx context.Context, _ *mcp.CallToolRequest, args patternSearchInput) (*mcp.CallToolResult, patternSearchOutput, error) {
		limit := args.Limit
		if limit <= 0 {
			limit = 5
		}
		matches, err := s.patterns.Search(ctx, args.Query, limit)
		if err != nil {
			return nil, patternSearchOutput{}, err
		}
		out := patternSearchOutput{Matches: matches, Count: len(matches), Meta: NewMeta(s.config.Version)}
		return textResult(fmt.Sprintf("%d pattern(s) matched", out.Count)), out, nil
	})

	mcp.AddTool(s.mcp, &mcp.Tool{
		Name:        "pattern_resync",
		Description: "Reconcile the pattern store against an authoritative pattern set",
	}, func(ctx context.Context, _ *mcp.CallToolRequest, args patternResyncInput) (*mcp.CallToolResult, patternResyncOutput, error) {
		stats, err := s.patterns.Resync(ctx, args.Patterns)
		if err != nil {
			return nil, patternResyncOutput{}, err
		}
		out := patternResyncOutput{
			Inserted: stats.Inserted,
			Updated:  stats.Updated,
			Deleted:  stats.Deleted,
			Meta:     NewMeta(s.config.Version),
		}
		return textResult(fmt.Sprintf("resync: %d inserted, %d updated, %d deleted",
			stats.Inserted, stats.Updated, stats.Deleted)), out, nil
	})
}

func textResult(text string) *mcp.CallToolResult {
	return &mcp.CallToolResult{
		Content: []mcp.Content{
			&mcp.TextContent{Text: text},
		},
	}
}

func stepSummary(out stepOutput) string {
	switch {
	case out.Error != nil:
		return fmt.Sprintf("step failed: %s", out.Error.Message)
	case out.Finished:
		return fmt.Sprintf("session %s finished", out.SessionID)
	default:
		return fmt.Sprintf("session %s advanced to %s", out.SessionID, out.NextStage)
	}
}

func loopSummary(out loopOutput) string {
	switch {
	case out.Error != nil:
		return fmt.Sprintf("request failed: %s", out.Error.Message)
	case out.Status == session.StatusAwaitingApproval:
		return fmt.Sprintf("session %s is awaiting approval", out.Session.SessionID)
	default:
		return fmt.Sprintf("session %s is %s", out.Session.SessionID, out.Status)
	}
}
