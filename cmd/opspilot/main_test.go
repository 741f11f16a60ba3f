package main

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fyrsmithlabs/opspilot/internal/config"
	"github.com/fyrsmithlabs/opspilot/internal/logging"
	"github.com/fyrsmithlabs/opspilot/internal/session"
)

func defaultConfig(t *testing.T) *config.Config {
	t.Helper()
	t.Setenv("HOME", t.TempDir())

	cfg, err := config.Load("")
	require.NoError(t, err)
	return cfg
}

func TestInitLogger(t *testing.T) {
	cfg := defaultConfig(t)

	logger, err := initLogger(cfg)
	require.NoError(t, err)
	require.NotNil(t, logger)
	_ = logging.Sync(logger)

	cfg.Logging.Level = "verbose"
	_, err = initLogger(cfg)
	assert.Error(t, err)
}

func TestInitTelemetryDisabledByDefault(t *testing.T) {
	cfg := defaultConfig(t)

	tel, err := initTelemetry(context.Background(), cfg)
	require.NoError(t, err)
	assert.False(t, tel.IsEnabled())
	assert.NoError(t, tel.Shutdown(context.Background()))
}

func TestInitServicesWiresRegistry(t *testing.T) {
	cfg := defaultConfig(t)
	cfg.Session.InMemory = true
	cfg.Patterns.Path = "" // in-memory pattern library

	store, err := initSessionStore(cfg, logging.NewTestLogger().Zap())
	require.NoError(t, err)
	defer store.Close()

	registry, err := initServices(cfg, store, logging.NewTestLogger().Zap())
	require.NoError(t, err)

	assert.NotNil(t, registry.Sessions())
	assert.NotNil(t, registry.Engine())
	assert.NotNil(t, registry.Loop())
	assert.NotNil(t, registry.Patterns())
	assert.NotNil(t, registry.Oracle())
	assert.NotNil(t, registry.Executor())
}

func TestSweepExpiredStopsOnCancel(t *testing.T) {
	store := session.NewMemoryStore(time.Hour)
	ctx, cancel := context.WithCancel(context.Background())

	done := make(chan struct{})
	go sweepExpired(ctx, store, 10*time.Millisecond, logging.NewTestLogger().Zap(), done)

	time.Sleep(30 * time.Millisecond)
	cancel()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("sweeper did not stop after cancel")
	}
}
