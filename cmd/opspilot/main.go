// Opspilot is a Kubernetes operations copilot for AI agents.
//
// The binary speaks MCP over stdio as its primary surface and runs an
// HTTP API alongside it for session inspection and metrics.
//
// Configuration is loaded from ~/.config/opspilot/config.yaml and
// OPSPILOT_* environment variables. See internal/config for details.
//
// Usage:
//
//	# Start with defaults
//	opspilot
//
//	# Explicit config file
//	opspilot -config /etc/opspilot/config.yaml
//
//	# Configure via environment
//	OPSPILOT_ORACLE_MODEL=gpt-4o-mini OPSPILOT_EXECUTOR_NAMESPACE=prod opspilot
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/fyrsmithlabs/opspilot/internal/config"
	"github.com/fyrsmithlabs/opspilot/internal/embeddings"
	"github.com/fyrsmithlabs/opspilot/internal/executor"
	"github.com/fyrsmithlabs/opspilot/internal/gate"
	"github.com/fyrsmithlabs/opspilot/internal/httpapi"
	"github.com/fyrsmithlabs/opspilot/internal/logging"
	"github.com/fyrsmithlabs/opspilot/internal/loop"
	"github.com/fyrsmithlabs/opspilot/internal/oracle"
	"github.com/fyrsmithlabs/opspilot/internal/patterns"
	"github.com/fyrsmithlabs/opspilot/internal/services"
	"github.com/fyrsmithlabs/opspilot/internal/session"
	"github.com/fyrsmithlabs/opspilot/internal/telemetry"
	"github.com/fyrsmithlabs/opspilot/internal/tools"
	"github.com/fyrsmithlabs/opspilot/internal/wizards"
	"github.com/fyrsmithlabs/opspilot/internal/workflow"
)

// Version information (set via ldflags during build)
var (
	version   = "dev"
	gitCommit = "unknown"
	buildDate = "unknown"
)

func main() {
	configPath := flag.String("config", "", "path to config.yaml (default: ~/.config/opspilot/config.yaml)")
	flag.Parse()

	if args := flag.Args(); len(args) > 0 {
		switch args[0] {
		case "version":
			printVersion()
			os.Exit(0)
		default:
			fmt.Fprintf(os.Stderr, "Unknown command: %s\n", args[0])
			fmt.Fprintf(os.Stderr, "\nUsage:\n")
			fmt.Fprintf(os.Stderr, "  opspilot           Start the opspilot server\n")
			fmt.Fprintf(os.Stderr, "  opspilot version   Show version information\n")
			os.Exit(1)
		}
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		sig := <-sigCh
		// Startup logs go to stderr; stdout carries the MCP protocol.
		log.Printf("Received signal %v, shutting down gracefully...", sig)
		cancel()
	}()

	if err := run(ctx, *configPath); err != nil {
		log.Fatalf("Server error: %v", err)
	}

	log.Println("Shutdown complete")
}

func printVersion() {
	fmt.Printf("opspilot by Fyrsmith Labs\n")
	fmt.Printf("Version:    %s\n", version)
	fmt.Printf("Commit:     %s\n", gitCommit)
	fmt.Printf("Build Date: %s\n", buildDate)
}

// run starts opspilot and blocks until the context is cancelled.
//
// Initialization order:
//  1. Load and validate configuration
//  2. Build logger and telemetry
//  3. Open the Badger session store and start the expiry sweeper
//  4. Create the oracle, executor, embedder and pattern library
//  5. Wire the workflow engine, loop controller and service registry
//  6. Start the HTTP API, then serve MCP over stdio
func run(ctx context.Context, configPath string) error {
	if err := config.EnsureConfigDir(); err != nil {
		return fmt.Errorf("ensuring config dir: %w", err)
	}

	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("loading configuration: %w", err)
	}

	logger, err := initLogger(cfg)
	if err != nil {
		return fmt.Errorf("initializing logger: %w", err)
	}
	defer func() {
		_ = logging.Sync(logger)
	}()

	logger.Info("starting opspilot",
		zap.String("version", version),
		zap.Int("http_port", cfg.Server.Port),
		zap.String("oracle_model", cfg.Oracle.Model),
		logging.Secret("oracle_api_key", cfg.Oracle.APIKey))

	tel, err := initTelemetry(ctx, cfg)
	if err != nil {
		return fmt.Errorf("initializing telemetry: %w", err)
	}
	defer func() {
		if err := tel.Shutdown(context.Background()); err != nil {
			logger.Warn("telemetry shutdown", zap.Error(err))
		}
	}()

	store, err := initSessionStore(cfg, logger)
	if err != nil {
		return fmt.Errorf("initializing session store: %w", err)
	}
	defer store.Close()

	// Expired sessions are swept in the background so reads never have
	// to filter them out.
	sweepDone := make(chan struct{})
	go sweepExpired(ctx, store, cfg.Session.SweepInterval.Duration(), logger, sweepDone)

	registry, err := initServices(cfg, store, logger)
	if err != nil {
		return fmt.Errorf("initializing services: %w", err)
	}

	httpSrv, err := httpapi.NewServer(store, logger, &httpapi.Config{
		Host:              cfg.Server.Host,
		Port:              cfg.Server.Port,
		Version:           version,
		VisualizationBase: cfg.Server.VisualizationBase,
	})
	if err != nil {
		return fmt.Errorf("creating http server: %w", err)
	}

	httpErr := make(chan error, 1)
	go func() {
		httpErr <- httpSrv.Start()
	}()

	mcpSrv, err := tools.NewServer(tools.Config{
		Name:              "opspilot",
		Version:           version,
		VisualizationBase: cfg.Server.VisualizationBase,
		Logger:            logger,
	}, registry.Engine(), registry.Loop(), registry.Patterns())
	if err != nil {
		return fmt.Errorf("creating mcp server: %w", err)
	}

	logger.Info("serving",
		zap.String("mcp_transport", "stdio"),
		zap.String("http_addr", fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port)))

	mcpErr := make(chan error, 1)
	go func() {
		mcpErr <- mcpSrv.Run(ctx)
	}()

	var runErr error
	select {
	case <-ctx.Done():
	case err := <-mcpErr:
		runErr = err
	case err := <-httpErr:
		runErr = err
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout.Duration())
	defer cancel()
	if err := httpSrv.Shutdown(shutdownCtx); err != nil {
		logger.Warn("http shutdown", zap.Error(err))
	}
	<-sweepDone

	return runErr
}

// initLogger builds the process logger from the config file knobs.
func initLogger(cfg *config.Config) (*zap.Logger, error) {
	logCfg := logging.NewDefaultConfig()

	level, err := logging.LevelFromString(cfg.Logging.Level)
	if err != nil {
		return nil, fmt.Errorf("parsing log level: %w", err)
	}
	logCfg.Level = level
	logCfg.Format = cfg.Logging.Format
	logCfg.Sampling.Enabled = cfg.Logging.Sampling

	return logging.New(logCfg)
}

func initTelemetry(ctx context.Context, cfg *config.Config) (*telemetry.Telemetry, error) {
	telCfg := telemetry.NewDefaultConfig()
	telCfg.Enabled = cfg.Telemetry.Enabled
	telCfg.ServiceName = cfg.Telemetry.ServiceName
	telCfg.ServiceVersion = version
	telCfg.Insecure = cfg.Telemetry.Insecure
	if cfg.Telemetry.OTLPEndpoint != "" {
		telCfg.Endpoint = cfg.Telemetry.OTLPEndpoint
	}

	return telemetry.New(ctx, telCfg)
}

func initSessionStore(cfg *config.Config, logger *zap.Logger) (session.Store, error) {
	path, err := config.ExpandHome(cfg.Session.Path)
	if err != nil {
		return nil, err
	}

	return session.NewBadgerStore(&session.BadgerConfig{
		Path:     path,
		TTL:      cfg.Session.TTL.Duration(),
		InMemory: cfg.Session.InMemory,
	}, logger)
}

// initServices wires every business service into the registry.
func initServices(cfg *config.Config, store session.Store, logger *zap.Logger) (services.Registry, error) {
	oracleSvc, err := oracle.NewService(oracle.Config{
		BaseURL:     cfg.Oracle.BaseURL,
		Model:       cfg.Oracle.Model,
		APIKey:      cfg.Oracle.APIKey.Value(),
		Temperature: cfg.Oracle.Temperature,
	}, logger)
	if err != nil {
		return nil, fmt.Errorf("creating oracle: %w", err)
	}

	kubectl := executor.NewKubectl(executor.Config{
		KubectlPath: cfg.Executor.KubectlPath,
		Namespace:   cfg.Executor.Namespace,
		Context:     cfg.Executor.Context,
		Timeout:     cfg.Executor.Timeout.Duration(),
		MaxOutputKB: cfg.Executor.MaxOutputKB,
	}, logger)

	embedder, err := embeddings.NewService(embeddings.Config{
		BaseURL: cfg.Embeddings.BaseURL,
		Model:   cfg.Embeddings.Model,
		APIKey:  cfg.Embeddings.APIKey.Value(),
	})
	if err != nil {
		return nil, fmt.Errorf("creating embedder: %w", err)
	}

	patternsPath, err := config.ExpandHome(cfg.Patterns.Path)
	if err != nil {
		return nil, err
	}
	patternSvc, err := patterns.NewService(patterns.Config{
		Path:       patternsPath,
		Collection: cfg.Patterns.Collection,
		Compress:   cfg.Patterns.Compress,
	}, embedder, logger)
	if err != nil {
		return nil, fmt.Errorf("creating pattern library: %w", err)
	}

	engine, err := workflow.NewEngine(store, logger)
	if err != nil {
		return nil, fmt.Errorf("creating workflow engine: %w", err)
	}
	if err := engine.RegisterGraph(wizards.NewPatternGraph()); err != nil {
		return nil, fmt.Errorf("registering pattern wizard: %w", err)
	}
	if err := engine.RegisterGraph(wizards.NewScaffoldGraph()); err != nil {
		return nil, fmt.Errorf("registering scaffold wizard: %w", err)
	}

	controller, err := loop.NewController(&loop.Config{
		ToolName: "remediate",
		IDPrefix: "rem",
		Policy: gate.Policy{
			ConfidenceThreshold: cfg.Gate.ConfidenceThreshold,
			MaxRiskLevel:        session.RiskLevel(cfg.Gate.MaxRiskLevel),
		},
		MaxIterations:          cfg.Loop.MaxIterations,
		MaxInvestigationCycles: cfg.Loop.MaxInvestigationCycles,
		CallTimeout:            cfg.Loop.CallTimeout.Duration(),
	}, store, oracleSvc, kubectl, logger)
	if err != nil {
		return nil, fmt.Errorf("creating loop controller: %w", err)
	}

	return services.NewRegistry(services.Options{
		Sessions: store,
		Engine:   engine,
		Loop:     controller,
		Patterns: patternSvc,
		Oracle:   oracleSvc,
		Executor: kubectl,
	}), nil
}

// sweepExpired purges expired sessions on an interval until ctx ends.
func sweepExpired(ctx context.Context, store session.Store, interval time.Duration, logger *zap.Logger, done chan<- struct{}) {
	defer close(done)

	if interval <= 0 {
		return
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			purged, err := store.Expire(ctx, now)
			if err != nil {
				logger.Warn("session expiry sweep failed", zap.Error(err))
				continue
			}
			if purged > 0 {
				logger.Info("expired sessions purged", zap.Int("count", purged))
			}
		}
	}
}
