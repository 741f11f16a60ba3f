package workflow

import (
	"fmt"
)

// Terminal is the next-stage value meaning the workflow is complete.
const Terminal = ""

// Data is the accumulated session data: stage token → merged payload.
type Data map[string]map[string]any

// Payload is the raw client input for one stage.
type Payload map[string]any

// StageHandler defines one stage of a tool's workflow. Implementations are
// stateless; all mutable state lives in the session. One implementation
// exists per (tool, stage) pair and is dispatched by stage-token lookup,
// never by sniffing payload fields.
type StageHandler interface {
	// Token is the stage token this handler owns, optionally in the
	// stage:substage encoding.
	Token() string

	// RequiredFields lists payload fields that must be present and
	// non-empty. A missing field fails the step with MISSING_FIELD before
	// any state changes.
	RequiredFields() []string

	// Validate checks payload semantics beyond field presence. Return a
	// *DomainError for recognized validation failures.
	Validate(payload Payload) error

	// Transform merges the validated payload into the stage's stored data.
	// It must be a pure function of (data, payload): replaying it with
	// identical input yields an identical result.
	Transform(data Data, payload Payload) (map[string]any, error)

	// Next computes the following stage token from the merged data, or
	// Terminal when the workflow is complete. Next may be data-dependent,
	// e.g. skipping a substage whose question set is empty.
	Next(data Data) (string, error)
}

// CompoundStage is implemented by stages that support the round-trip
// optimization: one request both confirms the current stage and carries the
// answers for the next. SplitNext extracts the follow-on payload; when ok is
// true the engine applies both transitions under one persisted update.
type CompoundStage interface {
	StageHandler
	SplitNext(payload Payload) (next Payload, ok bool)
}

// FuncStage adapts plain functions into a StageHandler. Wizard definitions
// use it to keep stage tables declarative.
type FuncStage struct {
	StageToken    string
	Fields        []string
	ValidateFunc  func(payload Payload) error
	TransformFunc func(data Data, payload Payload) (map[string]any, error)
	NextFunc      func(data Data) (string, error)
}

// Token returns the stage token.
func (f *FuncStage) Token() string { return f.StageToken }

// RequiredFields returns the required payload fields.
func (f *FuncStage) RequiredFields() []string { return f.Fields }

// Validate runs the optional validation function.
func (f *FuncStage) Validate(payload Payload) error {
	if f.ValidateFunc == nil {
		return nil
	}
	return f.ValidateFunc(payload)
}

// Transform merges the payload. The default keeps the payload as-is.
func (f *FuncStage) Transform(data Data, payload Payload) (map[string]any, error) {
	if f.TransformFunc == nil {
		merged := make(map[string]any, len(payload))
		for k, v := range payload {
			merged[k] = v
		}
		return merged, nil
	}
	return f.TransformFunc(data, payload)
}

// Next computes the following stage token.
func (f *FuncStage) Next(data Data) (string, error) {
	if f.NextFunc == nil {
		return Terminal, nil
	}
	return f.NextFunc(data)
}

// Graph is the declarative stage graph for one tool. Graphs are read-only
// after registration and safe to share without locking.
type Graph struct {
	tool         string
	idPrefix     string
	initialStage string
	stages       map[string]StageHandler
	prompts      map[string]string
}

// NewGraph creates an empty graph for a tool. idPrefix becomes the session
// ID prefix (e.g., "rem", "pattern").
func NewGraph(tool, idPrefix, initialStage string) *Graph {
	return &Graph{
		tool:         tool,
		idPrefix:     idPrefix,
		initialStage: initialStage,
		stages:       make(map[string]StageHandler),
		prompts:      make(map[string]string),
	}
}

// Tool returns the owning tool name.
func (g *Graph) Tool() string { return g.tool }

// IDPrefix returns the session ID prefix for this tool.
func (g *Graph) IDPrefix() string { return g.idPrefix }

// InitialStage returns the entry stage token.
func (g *Graph) InitialStage() string { return g.initialStage }

// Register adds a stage handler and the prompt shown when the stage becomes
// current. Registering a duplicate token is a programming error.
func (g *Graph) Register(handler StageHandler, prompt string) error {
	token := handler.Token()
	if token == "" {
		return fmt.Errorf("stage token cannot be empty")
	}
	if _, exists := g.stages[token]; exists {
		return fmt.Errorf("stage %q already registered for tool %q", token, g.tool)
	}
	g.stages[token] = handler
	g.prompts[token] = prompt
	return nil
}

// MustRegister is Register that panics; used in wizard definitions executed
// at process start.
func (g *Graph) MustRegister(handler StageHandler, prompt string) {
	if err := g.Register(handler, prompt); err != nil {
		panic(err)
	}
}

// Handler returns the handler for a stage token.
func (g *Graph) Handler(token string) (StageHandler, bool) {
	h, ok := g.stages[token]
	return h, ok
}

// Prompt returns the prompt text for a stage token.
func (g *Graph) Prompt(token string) string {
	return g.prompts[token]
}

// Validate checks graph integrity: the initial stage must be registered and
// every Next target reachable from static inspection must resolve. Dynamic
// (data-dependent) targets are checked at step time.
func (g *Graph) Validate() error {
	if g.tool == "" || g.idPrefix == "" {
		return fmt.Errorf("graph requires tool name and id prefix")
	}
	if _, ok := g.stages[g.initialStage]; !ok {
		return fmt.Errorf("initial stage %q is not registered for tool %q", g.initialStage, g.tool)
	}
	return nil
}
