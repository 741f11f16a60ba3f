package embeddings

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fyrsmithlabs/opspilot/internal/patterns"
)

func TestConfigValidate(t *testing.T) {
	tests := []struct {
		name    string
		config  Config
		wantErr bool
	}{
		{
			name:   "valid TEI config",
			config: Config{BaseURL: "http://localhost:8080/v1", Model: "BAAI/bge-small-en-v1.5"},
		},
		{
			name:    "missing base URL",
			config:  Config{Model: "text-embedding-3-small"},
			wantErr: true,
		},
		{
			name:    "missing model",
			config:  Config{BaseURL: "https://api.openai.com/v1"},
			wantErr: true,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.config.Validate()
			if tt.wantErr {
				assert.ErrorIs(t, err, ErrInvalidConfig)
				return
			}
			assert.NoError(t, err)
		})
	}
}

func TestNewServiceRejectsInvalidConfig(t *testing.T) {
	_, err := NewService(Config{})
	assert.ErrorIs(t, err, ErrInvalidConfig)
}

func TestServiceImplementsPatternsEmbedder(t *testing.T) {
	svc, err := NewService(Config{
		BaseURL: "http://localhost:8080/v1",
		Model:   "BAAI/bge-small-en-v1.5",
	})
	require.NoError(t, err)

	var _ patterns.Embedder = svc
}

func TestEmbedDocumentsRejectsEmptyInput(t *testing.T) {
	svc, err := NewService(Config{
		BaseURL: "http://localhost:8080/v1",
		Model:   "BAAI/bge-small-en-v1.5",
	})
	require.NoError(t, err)

	_, err = svc.EmbedDocuments(context.Background(), nil)
	assert.ErrorIs(t, err, ErrEmptyInput)

	_, err = svc.EmbedQuery(context.Background(), "")
	assert.ErrorIs(t, err, ErrEmptyInput)
}
