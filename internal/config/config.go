// Package config provides configuration loading for opspilot.
//
// Configuration is loaded from a YAML file and overridden by environment
// variables, with hardcoded defaults filling the gaps.
package config

import (
	"fmt"
	"time"
)

// Config holds the complete opspilot configuration.
type Config struct {
	Server     ServerConfig     `koanf:"server"`
	Session    SessionConfig    `koanf:"session"`
	Oracle     OracleConfig     `koanf:"oracle"`
	Embeddings EmbeddingsConfig `koanf:"embeddings"`
	Executor   ExecutorConfig   `koanf:"executor"`
	Gate       GateConfig       `koanf:"gate"`
	Loop       LoopConfig       `koanf:"loop"`
	Patterns   PatternsConfig   `koanf:"patterns"`
	Telemetry  TelemetryConfig  `koanf:"telemetry"`
	Logging    LoggingConfig    `koanf:"logging"`
}

// ServerConfig holds HTTP server configuration.
type ServerConfig struct {
	Host            string   `koanf:"host"`
	Port            int      `koanf:"port"`
	ShutdownTimeout Duration `koanf:"shutdown_timeout"`

	// VisualizationBase is prepended to session IDs to form the
	// visualization URLs returned in responses.
	VisualizationBase string `koanf:"visualization_base"`
}

// SessionConfig holds session store configuration.
type SessionConfig struct {
	// Path is the Badger database directory.
	Path string `koanf:"path"`

	// TTL bounds session lifetime. Zero disables expiry.
	TTL Duration `koanf:"ttl"`

	// SweepInterval is how often expired sessions are purged.
	SweepInterval Duration `koanf:"sweep_interval"`

	// InMemory runs the store without disk persistence.
	InMemory bool `koanf:"in_memory"`
}

// OracleConfig holds the investigation LLM configuration.
type OracleConfig struct {
	BaseURL     string  `koanf:"base_url"`
	Model       string  `koanf:"model"`
	APIKey      Secret  `koanf:"api_key"`
	Temperature float64 `koanf:"temperature"`
}

// EmbeddingsConfig holds the embedding provider configuration.
type EmbeddingsConfig struct {
	BaseURL string `koanf:"base_url"`
	Model   string `koanf:"model"`
	APIKey  Secret `koanf:"api_key"`
}

// ExecutorConfig holds kubectl executor configuration.
type ExecutorConfig struct {
	KubectlPath string   `koanf:"kubectl_path"`
	Namespace   string   `koanf:"namespace"`
	Context     string   `koanf:"context"`
	Timeout     Duration `koanf:"timeout"`
	MaxOutputKB int      `koanf:"max_output_kb"`
}

// GateConfig holds execution gate policy configuration.
type GateConfig struct {
	ConfidenceThreshold float64 `koanf:"confidence_threshold"`

	// MaxRiskLevel is the highest action risk auto-executed: "low",
	// "medium" or "high".
	MaxRiskLevel string `koanf:"max_risk_level"`
}

// LoopConfig holds agentic loop configuration.
type LoopConfig struct {
	MaxIterations          int      `koanf:"max_iterations"`
	MaxInvestigationCycles int      `koanf:"max_investigation_cycles"`
	CallTimeout            Duration `koanf:"call_timeout"`
}

// PatternsConfig holds pattern library configuration.
type PatternsConfig struct {
	Path       string `koanf:"path"`
	Collection string `koanf:"collection"`
	Compress   bool   `koanf:"compress"`
}

// TelemetryConfig holds OpenTelemetry configuration.
type TelemetryConfig struct {
	Enabled      bool   `koanf:"enabled"`
	ServiceName  string `koanf:"service_name"`
	OTLPEndpoint string `koanf:"otlp_endpoint"`
	Insecure     bool   `koanf:"insecure"`
}

// LoggingConfig holds the logging knobs exposed through the config
// file. The full logging.Config is derived from this in main.
type LoggingConfig struct {
	Level    string `koanf:"level"`
	Format   string `koanf:"format"`
	Sampling bool   `koanf:"sampling"`
}

// applyDefaults sets default values for missing configuration fields.
func applyDefaults(cfg *Config) {
	if cfg.Server.Host == "" {
		cfg.Server.Host = "127.0.0.1"
	}
	if cfg.Server.Port == 0 {
		cfg.Server.Port = 9190
	}
	if cfg.Server.ShutdownTimeout == 0 {
		cfg.Server.ShutdownTimeout = Duration(10 * time.Second)
	}

	if cfg.Session.Path == "" {
		cfg.Session.Path = "~/.config/opspilot/sessions"
	}
	if cfg.Session.TTL == 0 {
		cfg.Session.TTL = Duration(24 * time.Hour)
	}
	if cfg.Session.SweepInterval == 0 {
		cfg.Session.SweepInterval = Duration(5 * time.Minute)
	}

	if cfg.Oracle.BaseURL == "" {
		cfg.Oracle.BaseURL = "http://localhost:11434/v1"
	}
	if cfg.Oracle.Model == "" {
		cfg.Oracle.Model = "qwen2.5:14b"
	}

	if cfg.Embeddings.BaseURL == "" {
		cfg.Embeddings.BaseURL = "http://localhost:8080/v1"
	}
	if cfg.Embeddings.Model == "" {
		cfg.Embeddings.Model = "BAAI/bge-small-en-v1.5"
	}

	if cfg.Executor.KubectlPath == "" {
		cfg.Executor.KubectlPath = "kubectl"
	}
	if cfg.Executor.Timeout == 0 {
		cfg.Executor.Timeout = Duration(30 * time.Second)
	}
	if cfg.Executor.MaxOutputKB == 0 {
		cfg.Executor.MaxOutputKB = 64
	}

	if cfg.Gate.ConfidenceThreshold == 0 {
		cfg.Gate.ConfidenceThreshold = 0.8
	}
	if cfg.Gate.MaxRiskLevel == "" {
		cfg.Gate.MaxRiskLevel = "low"
	}

	if cfg.Loop.MaxIterations == 0 {
		cfg.Loop.MaxIterations = 10
	}
	if cfg.Loop.MaxInvestigationCycles == 0 {
		cfg.Loop.MaxInvestigationCycles = 2
	}
	if cfg.Loop.CallTimeout == 0 {
		cfg.Loop.CallTimeout = Duration(30 * time.Second)
	}

	if cfg.Patterns.Path == "" {
		cfg.Patterns.Path = "~/.config/opspilot/patterns"
	}
	if cfg.Patterns.Collection == "" {
		cfg.Patterns.Collection = "opspilot_patterns"
	}

	if cfg.Telemetry.ServiceName == "" {
		cfg.Telemetry.ServiceName = "opspilot"
	}

	if cfg.Logging.Level == "" {
		cfg.Logging.Level = "info"
	}
	if cfg.Logging.Format == "" {
		cfg.Logging.Format = "json"
	}
}

// Validate validates the configuration.
func (c *Config) Validate() error {
	if c.Server.Port < 1 || c.Server.Port > 65535 {
		return fmt.Errorf("invalid server port: %d (must be 1-65535)", c.Server.Port)
	}
	if c.Server.ShutdownTimeout.Duration() <= 0 {
		return fmt.Errorf("shutdown timeout must be positive")
	}

	if c.Gate.ConfidenceThreshold < 0 || c.Gate.ConfidenceThreshold > 1 {
		return fmt.Errorf("gate confidence threshold must be in [0,1], got %v", c.Gate.ConfidenceThreshold)
	}
	switch c.Gate.MaxRiskLevel {
	case "low", "medium", "high":
	default:
		return fmt.Errorf("gate max risk level must be low, medium or high, got %q", c.Gate.MaxRiskLevel)
	}

	if c.Loop.MaxIterations < 1 {
		return fmt.Errorf("loop max iterations must be >= 1, got %d", c.Loop.MaxIterations)
	}
	if c.Loop.MaxInvestigationCycles < 1 {
		return fmt.Errorf("loop max investigation cycles must be >= 1, got %d", c.Loop.MaxInvestigationCycles)
	}

	if c.Telemetry.Enabled && c.Telemetry.ServiceName == "" {
		return fmt.Errorf("telemetry service name required when telemetry is enabled")
	}

	return nil
}
