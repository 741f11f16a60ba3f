package oracle

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/tmc/langchaingo/llms"
	"github.com/tmc/langchaingo/llms/openai"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/opspilot/internal/loop"
	"github.com/fyrsmithlabs/opspilot/internal/session"
)

var (
	// ErrInvalidConfig indicates invalid configuration.
	ErrInvalidConfig = errors.New("invalid configuration")

	// ErrMalformedDecision indicates the model's reply did not follow the
	// decision contract.
	ErrMalformedDecision = errors.New("malformed oracle decision")
)

// Config holds configuration for the LLM-backed oracle.
type Config struct {
	// BaseURL is the base URL for the OpenAI-compatible API.
	BaseURL string

	// Model is the chat model to use.
	Model string

	// APIKey is the API key (optional for local servers).
	APIKey string

	// Temperature controls sampling; investigations want it low.
	Temperature float64
}

// Validate validates the configuration.
func (c Config) Validate() error {
	if c.BaseURL == "" {
		return fmt.Errorf("%w: base URL required", ErrInvalidConfig)
	}
	if c.Model == "" {
		return fmt.Errorf("%w: model required", ErrInvalidConfig)
	}
	return nil
}

// Service turns an OpenAI-compatible chat model into a loop.Oracle. The
// model is prompted to answer with a single JSON object per the decision
// contract; anything else is rejected as malformed rather than guessed at.
type Service struct {
	llm    llms.Model
	config Config
	logger *zap.Logger
}

// NewService creates an oracle backed by an OpenAI-compatible endpoint.
// The same client works against OpenAI and local servers (vLLM, Ollama in
// OpenAI mode).
func NewService(config Config, logger *zap.Logger) (*Service, error) {
	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	apiKey := config.APIKey
	if apiKey == "" {
		// langchaingo requires a token, local servers ignore it
		apiKey = "placeholder"
	}

	llm, err := openai.New(
		openai.WithBaseURL(config.BaseURL),
		openai.WithModel(config.Model),
		openai.WithToken(apiKey),
	)
	if err != nil {
		return nil, fmt.Errorf("creating OpenAI client: %w", err)
	}

	return &Service{llm: llm, config: config, logger: logger}, nil
}

// NewServiceWithModel creates an oracle around an existing langchaingo
// model. Used by tests and by callers that configure their own client.
func NewServiceWithModel(llm llms.Model, logger *zap.Logger) (*Service, error) {
	if llm == nil {
		return nil, errors.New("llm model is required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Service{llm: llm, logger: logger}, nil
}

// NextDecision asks the model for the next investigation step.
func (s *Service) NextDecision(ctx context.Context, symptom string, inv *session.Investigation) (loop.Decision, error) {
	reply, err := s.generate(ctx, decisionSystemPrompt, decisionUserPrompt(symptom, inv))
	if err != nil {
		return nil, err
	}
	return parseDecision(reply)
}

// AssessRemediation asks the model whether the executed actions cleared
// the original symptom.
func (s *Service) AssessRemediation(ctx context.Context, symptom string, inv *session.Investigation, records []session.ExecutionRecord) (*loop.Validation, error) {
	reply, err := s.generate(ctx, validationSystemPrompt, validationUserPrompt(symptom, inv, records))
	if err != nil {
		return nil, err
	}
	return parseValidation(reply)
}

func (s *Service) generate(ctx context.Context, system, user string) (string, error) {
	messages := []llms.MessageContent{
		llms.TextParts(llms.ChatMessageTypeSystem, system),
		llms.TextParts(llms.ChatMessageTypeHuman, user),
	}
	resp, err := s.llm.GenerateContent(ctx, messages, llms.WithTemperature(s.config.Temperature))
	if err != nil {
		return "", fmt.Errorf("generating completion: %w", err)
	}
	if len(resp.Choices) == 0 {
		return "", fmt.Errorf("%w: model returned no choices", ErrMalformedDecision)
	}
	return resp.Choices[0].Content, nil
}

// decisionEnvelope is the wire form of an oracle decision.
type decisionEnvelope struct {
	Type      string            `json:"type"`
	Tool      string            `json:"tool,omitempty"`
	Args      map[string]string `json:"args,omitempty"`
	Rationale string            `json:"rationale,omitempty"`

	Analysis        *session.Analysis        `json:"analysis,omitempty"`
	ProposedActions []session.ProposedAction `json:"proposed_actions,omitempty"`
}

func parseDecision(reply string) (loop.Decision, error) {
	raw := stripFences(reply)

	var env decisionEnvelope
	if err := json.Unmarshal([]byte(raw), &env); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedDecision, err)
	}

	switch env.Type {
	case "tool_call":
		if env.Tool == "" {
			return nil, fmt.Errorf("%w: tool_call without a tool name", ErrMalformedDecision)
		}
		return &loop.ToolCallRequest{Tool: env.Tool, Args: env.Args, Rationale: env.Rationale}, nil

	case "final":
		if env.Analysis == nil {
			return nil, fmt.Errorf("%w: final decision without an analysis", ErrMalformedDecision)
		}
		if env.Analysis.Confidence < 0 || env.Analysis.Confidence > 1 {
			return nil, fmt.Errorf("%w: confidence %v out of range", ErrMalformedDecision, env.Analysis.Confidence)
		}
		for _, action := range env.ProposedActions {
			if action.Command == "" {
				return nil, fmt.Errorf("%w: proposed action without a command", ErrMalformedDecision)
			}
		}
		return &loop.FinalAnalysis{Analysis: *env.Analysis, ProposedActions: env.ProposedActions}, nil

	default:
		return nil, fmt.Errorf("%w: unknown decision type %q", ErrMalformedDecision, env.Type)
	}
}

func parseValidation(reply string) (*loop.Validation, error) {
	raw := stripFences(reply)

	var v loop.Validation
	if err := json.Unmarshal([]byte(raw), &v); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedDecision, err)
	}
	return &v, nil
}

// stripFences removes a surrounding markdown code fence, which chat models
// add even when told not to.
func stripFences(s string) string {
	s = strings.TrimSpace(s)
	if !strings.HasPrefix(s, "```") {
		return s
	}
	s = strings.TrimPrefix(s, "```json")
	s = strings.TrimPrefix(s, "```")
	s = strings.TrimSuffix(strings.TrimSpace(s), "```")
	return strings.TrimSpace(s)
}
