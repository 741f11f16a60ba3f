package services

import (
	"testing"

	"go.uber.org/zap"

	"github.com/fyrsmithlabs/opspilot/internal/session"
	"github.com/fyrsmithlabs/opspilot/internal/workflow"
)

func TestRegistryAccessorsNil(t *testing.T) {
	reg := NewRegistry(Options{})

	if reg.Sessions() != nil {
		t.Error("expected nil session store")
	}
	if reg.Engine() != nil {
		t.Error("expected nil engine")
	}
	if reg.Loop() != nil {
		t.Error("expected nil loop controller")
	}
	if reg.Patterns() != nil {
		t.Error("expected nil pattern service")
	}
	if reg.Oracle() != nil {
		t.Error("expected nil oracle")
	}
	if reg.Executor() != nil {
		t.Error("expected nil executor")
	}
}

func TestRegistryWithServices(t *testing.T) {
	store := session.NewMemoryStore(0)
	engine, err := workflow.NewEngine(store, zap.NewNop())
	if err != nil {
		t.Fatalf("creating engine: %v", err)
	}

	reg := NewRegistry(Options{
		Sessions: store,
		Engine:   engine,
	})

	if reg.Sessions() != session.Store(store) {
		t.Error("session store mismatch")
	}
	if reg.Engine() != engine {
		t.Error("engine mismatch")
	}
}
