package workflow

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/opspilot/internal/session"
)

// testGraph builds a three-stage wizard: describe → details → review, where
// details is skipped when describe said so, and review finishes on confirm.
func testGraph(t *testing.T) *Graph {
	t.Helper()
	g := NewGraph("testwizard", "tw", "describe")

	g.MustRegister(&FuncStage{
		StageToken: "describe",
		Fields:     []string{"summary"},
		NextFunc: func(data Data) (string, error) {
			if skip, _ := data["describe"]["skipDetails"].(bool); skip {
				return "review", nil
			}
			return "details", nil
		},
	}, "Describe what you need")

	g.MustRegister(&FuncStage{
		StageToken: "details",
		Fields:     []string{"notes"},
		NextFunc: func(data Data) (string, error) {
			return "review", nil
		},
	}, "Add details")

	g.MustRegister(&FuncStage{
		StageToken: "review",
		Fields:     []string{"confirm"},
		ValidateFunc: func(payload Payload) error {
			if confirmed, _ := payload["confirm"].(bool); !confirmed {
				return NewInvalidField("confirm", "confirm must be true to finish")
			}
			return nil
		},
	}, "Confirm to finish")

	return g
}

func newTestEngine(t *testing.T) (*Engine, session.Store) {
	t.Helper()
	store := session.NewMemoryStore(0)
	t.Cleanup(func() { _ = store.Close() })

	engine, err := NewEngine(store, zap.NewNop())
	require.NoError(t, err)
	require.NoError(t, engine.RegisterGraph(testGraph(t)))
	return engine, store
}

func TestStepCreatesSessionWhenIDAbsent(t *testing.T) {
	engine, _ := newTestEngine(t)

	res, err := engine.Step(context.Background(), "testwizard", "", "", Payload{"summary": "deploy a database"})
	require.NoError(t, err)
	assert.Contains(t, res.Session.ID, "tw-")
	assert.Equal(t, "details", res.NextStage)
	assert.Equal(t, "Add details", res.Prompt)
	assert.False(t, res.Finished)
	assert.Equal(t, "deploy a database", res.Echo["describe"]["summary"])
}

func TestStepRejectsWrongOpeningTokenWithoutCreating(t *testing.T) {
	engine, store := newTestEngine(t)

	_, err := engine.Step(context.Background(), "testwizard", "", "review", Payload{"confirm": true})
	de, ok := AsDomainError(err)
	require.True(t, ok)
	assert.Equal(t, CodeStageMismatch, de.Code)

	// The bad request must not leave an orphan session behind.
	sessions, err := store.List(context.Background(), session.ListFilter{ToolName: "testwizard"})
	require.NoError(t, err)
	assert.Empty(t, sessions)
}

func TestStepUnknownTool(t *testing.T) {
	engine, _ := newTestEngine(t)

	_, err := engine.Step(context.Background(), "nope", "", "", Payload{})
	de, ok := AsDomainError(err)
	require.True(t, ok)
	assert.Equal(t, CodeUnknownTool, de.Code)
}

func TestStepUnknownSession(t *testing.T) {
	engine, _ := newTestEngine(t)

	_, err := engine.Step(context.Background(), "testwizard", "tw-missing", "describe", Payload{"summary": "x"})
	de, ok := AsDomainError(err)
	require.True(t, ok)
	assert.Equal(t, CodeUnknownSession, de.Code)
}

func TestStepStageGuardLeavesSessionUntouched(t *testing.T) {
	engine, store := newTestEngine(t)
	ctx := context.Background()

	res, err := engine.Step(ctx, "testwizard", "", "", Payload{"summary": "x"})
	require.NoError(t, err)
	before, err := store.Get(ctx, res.Session.ID)
	require.NoError(t, err)

	_, err = engine.Step(ctx, "testwizard", res.Session.ID, "review", Payload{"confirm": true})
	de, ok := AsDomainError(err)
	require.True(t, ok)
	assert.Equal(t, CodeStageMismatch, de.Code)

	after, err := store.Get(ctx, res.Session.ID)
	require.NoError(t, err)
	assert.Equal(t, before, after)
}

func TestStepMissingFieldNamesField(t *testing.T) {
	engine, store := newTestEngine(t)
	ctx := context.Background()

	res, err := engine.Step(ctx, "testwizard", "", "", Payload{"summary": "x"})
	require.NoError(t, err)

	_, err = engine.Step(ctx, "testwizard", res.Session.ID, "details", Payload{})
	de, ok := AsDomainError(err)
	require.True(t, ok)
	assert.Equal(t, CodeMissingField, de.Code)
	assert.Equal(t, "notes", de.Field)
	assert.Contains(t, de.Message, "notes is required")

	// Whitespace-only strings count as missing.
	_, err = engine.Step(ctx, "testwizard", res.Session.ID, "details", Payload{"notes": "   "})
	de, ok = AsDomainError(err)
	require.True(t, ok)
	assert.Equal(t, CodeMissingField, de.Code)

	got, err := store.Get(ctx, res.Session.ID)
	require.NoError(t, err)
	assert.Equal(t, res.Session.Version, got.Version)
}

func TestStepDataDependentSkip(t *testing.T) {
	engine, _ := newTestEngine(t)

	res, err := engine.Step(context.Background(), "testwizard", "", "", Payload{
		"summary":     "simple request",
		"skipDetails": true,
	})
	require.NoError(t, err)
	assert.Equal(t, "review", res.NextStage)
}

func TestStepFinishAndTerminalIdempotence(t *testing.T) {
	engine, _ := newTestEngine(t)
	ctx := context.Background()

	res, err := engine.Step(ctx, "testwizard", "", "", Payload{"summary": "x", "skipDetails": true})
	require.NoError(t, err)

	final, err := engine.Step(ctx, "testwizard", res.Session.ID, "review", Payload{"confirm": true})
	require.NoError(t, err)
	assert.True(t, final.Finished)
	assert.False(t, final.NoOp)
	assert.Empty(t, final.NextStage)
	assert.Equal(t, session.StatusFinished, final.Session.Status)

	// Re-issuing the terminal action succeeds with an explicit no-op flag
	// and no further side effects.
	again, err := engine.Step(ctx, "testwizard", res.Session.ID, "review", Payload{"confirm": true})
	require.NoError(t, err)
	assert.True(t, again.Finished)
	assert.True(t, again.NoOp)
	assert.Equal(t, final.Session.Version, again.Session.Version)
}

func TestStepReplayAfterAdvanceIsStageMismatch(t *testing.T) {
	engine, _ := newTestEngine(t)
	ctx := context.Background()

	res, err := engine.Step(ctx, "testwizard", "", "", Payload{"summary": "x"})
	require.NoError(t, err)

	advanced, err := engine.Step(ctx, "testwizard", res.Session.ID, "details", Payload{"notes": "n"})
	require.NoError(t, err)

	// A crash-before-ack retry replays the same (sessionId, stageToken)
	// pair; the engine must not apply the transform twice.
	_, err = engine.Step(ctx, "testwizard", res.Session.ID, "details", Payload{"notes": "n"})
	de, ok := AsDomainError(err)
	require.True(t, ok)
	assert.Equal(t, CodeStageMismatch, de.Code)
	assert.Equal(t, int64(3), advanced.Session.Version)
}

func TestStepWrongToolForSession(t *testing.T) {
	engine, _ := newTestEngine(t)
	ctx := context.Background()

	other := NewGraph("othertool", "ot", "start")
	other.MustRegister(&FuncStage{StageToken: "start"}, "")
	require.NoError(t, engine.RegisterGraph(other))

	res, err := engine.Step(ctx, "testwizard", "", "", Payload{"summary": "x"})
	require.NoError(t, err)

	_, err = engine.Step(ctx, "othertool", res.Session.ID, "start", Payload{})
	de, ok := AsDomainError(err)
	require.True(t, ok)
	assert.Equal(t, CodeUnknownSession, de.Code)
}

// compoundStage confirms the current file and accepts answers for the next
// stage in the same request.
type compoundStage struct {
	FuncStage
}

func (c *compoundStage) SplitNext(payload Payload) (Payload, bool) {
	raw, ok := payload["nextAnswers"].(map[string]any)
	if !ok || len(raw) == 0 {
		return nil, false
	}
	return Payload(raw), true
}

func compoundGraph(t *testing.T) *Graph {
	t.Helper()
	g := NewGraph("compound", "cw", "first")
	g.MustRegister(&compoundStage{FuncStage{
		StageToken: "first",
		Fields:     []string{"done"},
		NextFunc:   func(data Data) (string, error) { return "second", nil },
	}}, "First file")
	g.MustRegister(&FuncStage{
		StageToken: "second",
		Fields:     []string{"answer"},
	}, "Second file")
	return g
}

func TestStepCompoundRoundTrip(t *testing.T) {
	store := session.NewMemoryStore(0)
	defer store.Close()
	engine, err := NewEngine(store, zap.NewNop())
	require.NoError(t, err)
	require.NoError(t, engine.RegisterGraph(compoundGraph(t)))
	ctx := context.Background()

	res, err := engine.Step(ctx, "compound", "", "", Payload{
		"done":        "first.yaml",
		"nextAnswers": map[string]any{"answer": "42"},
	})
	require.NoError(t, err)

	// Both transitions applied under one persisted update.
	assert.True(t, res.Finished)
	assert.Equal(t, int64(2), res.Session.Version)
	assert.Equal(t, "first.yaml", res.Echo["first"]["done"])
	assert.Equal(t, "42", res.Echo["second"]["answer"])
}

func TestStepCompoundSecondStageValidationAbortsWhole(t *testing.T) {
	store := session.NewMemoryStore(0)
	defer store.Close()
	engine, err := NewEngine(store, zap.NewNop())
	require.NoError(t, err)
	require.NoError(t, engine.RegisterGraph(compoundGraph(t)))
	ctx := context.Background()

	_, err = engine.Step(ctx, "compound", "", "", Payload{
		"done":        "first.yaml",
		"nextAnswers": map[string]any{"wrong": "field"},
	})
	de, ok := AsDomainError(err)
	require.True(t, ok)
	assert.Equal(t, CodeMissingField, de.Code)

	// Nothing committed past session creation: the created session is
	// still at the first stage.
	sessions, err := store.List(ctx, session.ListFilter{ToolName: "compound"})
	require.NoError(t, err)
	require.Len(t, sessions, 1)
	assert.Equal(t, "first", sessions[0].CurrentStage)
	assert.Equal(t, int64(1), sessions[0].Version)
}

func TestStepConflictRetriesOnce(t *testing.T) {
	store := &conflictingStore{Store: session.NewMemoryStore(0)}
	engine, err := NewEngine(store, zap.NewNop())
	require.NoError(t, err)
	require.NoError(t, engine.RegisterGraph(testGraph(t)))
	ctx := context.Background()

	res, err := engine.Step(ctx, "testwizard", "", "", Payload{"summary": "x"})
	require.NoError(t, err)

	// One injected conflict: the engine re-reads and retries internally.
	store.conflicts = 1
	res2, err := engine.Step(ctx, "testwizard", res.Session.ID, "details", Payload{"notes": "n"})
	require.NoError(t, err)
	assert.Equal(t, "review", res2.NextStage)

	// Persistent conflicts surface as CONFLICT.
	store.conflicts = 10
	_, err = engine.Step(ctx, "testwizard", res.Session.ID, "review", Payload{"confirm": true})
	de, ok := AsDomainError(err)
	require.True(t, ok)
	assert.Equal(t, CodeConflict, de.Code)
}

// conflictingStore injects version conflicts on Update.
type conflictingStore struct {
	session.Store
	conflicts int
}

func (c *conflictingStore) Update(ctx context.Context, id string, expectedVersion int64, mutate session.Mutation) (*session.Session, error) {
	if c.conflicts > 0 {
		c.conflicts--
		return nil, session.ErrVersionConflict
	}
	return c.Store.Update(ctx, id, expectedVersion, mutate)
}
