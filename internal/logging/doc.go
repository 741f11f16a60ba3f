// Package logging builds the structured Zap logger used across opspilot.
//
// # Overview
//
// The package configures Zap with:
//   - Custom Trace level (-2, below Debug)
//   - Encoder-level secret redaction (field names and value patterns)
//   - Level-aware sampling (errors never sampled)
//
// # Usage
//
// Create a logger from config:
//
//	cfg := logging.NewDefaultConfig()
//	logger, err := logging.New(cfg)
//	if err != nil {
//	    log.Fatal(err)
//	}
//	defer logging.Sync(logger)
//
// # Secret Redaction
//
// Secrets are redacted at two layers:
//  1. Domain primitives (config.Secret type)
//  2. Encoder-level field name and pattern matching
//
// Use helpers for manual redaction:
//
//	logger.Info("oracle configured",
//	    logging.RedactedString("api_key", key))
//
// # Sampling
//
// Level-aware sampling keeps a chatty diagnostic loop from flooding
// stdout: Info and below are sampled per tick, Error and above always
// pass. Disable for debugging:
//
//	cfg.Sampling.Enabled = false
//
// # Testing
//
// Use TestLogger for assertions on emitted entries:
//
//	tl := logging.NewTestLogger()
//	tl.Zap().Info("pattern indexed", zap.String("id", "p1"))
//	tl.AssertLogged(t, zapcore.InfoLevel, "pattern indexed")
package logging
