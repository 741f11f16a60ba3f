package logging

import (
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"

	"github.com/fyrsmithlabs/opspilot/internal/config"
)

func TestLevelFromString(t *testing.T) {
	tests := []struct {
		input   string
		want    zapcore.Level
		wantErr bool
	}{
		{"trace", TraceLevel, false},
		{"debug", zapcore.DebugLevel, false},
		{"info", zapcore.InfoLevel, false},
		{"error", zapcore.ErrorLevel, false},
		{"bogus", zapcore.InfoLevel, true},
	}
	for _, tt := range tests {
		got, err := LevelFromString(tt.input)
		if tt.wantErr {
			assert.Error(t, err, tt.input)
			continue
		}
		require.NoError(t, err, tt.input)
		assert.Equal(t, tt.want, got, tt.input)
	}
}

func TestConfigValidate(t *testing.T) {
	t.Run("defaults are valid", func(t *testing.T) {
		assert.NoError(t, NewDefaultConfig().Validate())
	})

	t.Run("rejects unknown format", func(t *testing.T) {
		cfg := NewDefaultConfig()
		cfg.Format = "xml"
		assert.Error(t, cfg.Validate())
	})

	t.Run("rejects zero sampling tick", func(t *testing.T) {
		cfg := NewDefaultConfig()
		cfg.Sampling.Tick = config.Duration(0)
		assert.Error(t, cfg.Validate())
	})

	t.Run("rejects bad redaction pattern", func(t *testing.T) {
		cfg := NewDefaultConfig()
		cfg.Redaction.Patterns = []string{"("}
		assert.Error(t, cfg.Validate())
	})

	t.Run("rejects empty constant field value", func(t *testing.T) {
		cfg := NewDefaultConfig()
		cfg.Fields = map[string]string{"service": ""}
		assert.Error(t, cfg.Validate())
	})
}

func TestNewBuildsLogger(t *testing.T) {
	cfg := NewDefaultConfig()
	logger, err := New(cfg)
	require.NoError(t, err)
	require.NotNil(t, logger)
	assert.True(t, logger.Core().Enabled(zapcore.InfoLevel))
	assert.False(t, logger.Core().Enabled(zapcore.DebugLevel))
}

func TestNewRejectsInvalidConfig(t *testing.T) {
	cfg := NewDefaultConfig()
	cfg.Format = "yaml"
	_, err := New(cfg)
	assert.Error(t, err)
}

func encodeFields(t *testing.T, enc zapcore.Encoder, fields ...zapcore.Field) string {
	t.Helper()
	buf, err := enc.EncodeEntry(zapcore.Entry{
		Level:   zapcore.InfoLevel,
		Time:    time.Now(),
		Message: "test",
	}, fields)
	require.NoError(t, err)
	return buf.String()
}

func TestRedactingEncoderFieldNames(t *testing.T) {
	enc, err := NewRedactingEncoder(newEncoder("json"), RedactionConfig{
		Enabled: true,
		Fields:  []string{"api_key"},
	})
	require.NoError(t, err)

	out := encodeFields(t, enc, zap.String("api_key", "sk-12345"), zap.String("pod", "api-0"))
	assert.NotContains(t, out, "sk-12345")
	assert.Contains(t, out, "[REDACTED]")
	assert.Contains(t, out, "api-0")
}

func TestRedactingEncoderValuePatterns(t *testing.T) {
	enc, err := NewRedactingEncoder(newEncoder("json"), RedactionConfig{
		Enabled:  true,
		Patterns: []string{`(?i)bearer\s+\S+`},
	})
	require.NoError(t, err)

	out := encodeFields(t, enc, zap.String("header", "Bearer abc123"))
	assert.NotContains(t, out, "abc123")
	assert.Contains(t, out, "[REDACTED:pattern]")
}

func TestRedactingEncoderRejectsOversizedPattern(t *testing.T) {
	_, err := NewRedactingEncoder(newEncoder("json"), RedactionConfig{
		Enabled:  true,
		Patterns: []string{strings.Repeat("a", 201)},
	})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "too long")
}

func TestRedactingEncoderDisabledPassesThrough(t *testing.T) {
	enc, err := NewRedactingEncoder(newEncoder("json"), RedactionConfig{})
	require.NoError(t, err)

	out := encodeFields(t, enc, zap.String("token", "plain"))
	assert.Contains(t, out, "plain")
}

func TestRedactedString(t *testing.T) {
	field := RedactedString("api_key", "sk-12345")
	assert.Equal(t, "[REDACTED:8]", field.String)
}

func TestSecretField(t *testing.T) {
	tl := NewTestLogger()
	tl.Zap().Info("oracle configured", Secret("api_key", config.NewSecret("sk-12345")))

	entries := tl.FilterMessage("oracle configured").All()
	require.Len(t, entries, 1)
	for _, f := range entries[0].Context {
		assert.NotContains(t, f.String, "sk-12345")
	}
}

func TestSamplingNeverDropsErrors(t *testing.T) {
	core, observed := observer.New(TraceLevel)
	sampled := newSampledCore(core, SamplingConfig{
		Enabled: true,
		Tick:    config.Duration(time.Second),
		Levels: map[zapcore.Level]LevelSamplingConfig{
			zapcore.InfoLevel: {Initial: 1, Thereafter: 0},
		},
	})
	logger := zap.New(sampled)

	for i := 0; i < 50; i++ {
		logger.Info("flood")
		logger.Error("boom")
	}

	assert.Less(t, observed.FilterMessage("flood").Len(), 50)
	assert.Equal(t, 50, observed.FilterMessage("boom").Len())
}

func TestTestLoggerAssertions(t *testing.T) {
	tl := NewTestLogger()
	tl.Zap().Info("pattern indexed", zap.String("id", "p1"))

	tl.AssertLogged(t, zapcore.InfoLevel, "pattern indexed")
	tl.AssertField(t, "pattern indexed", "id", "p1")

	tl.Reset()
	assert.Empty(t, tl.All())
}
