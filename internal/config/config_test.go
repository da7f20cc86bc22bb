package config

import (
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewConfig_Defaults(t *testing.T) {
	cfg, err := NewConfig(slog.Default())
	require.NoError(t, err)

	assert.Equal(t, "0.0.0.0", cfg.ServerAddress)
	assert.Equal(t, "bolt://localhost:7687", cfg.Graph.URI)
	assert.Equal(t, "record-documents", cfg.Storage.Bucket)
	assert.Equal(t, 100, cfg.Records.RelationshipBatchSize)
	assert.False(t, cfg.Otel.Enabled())
}

func TestNewConfig_EnvOverrides(t *testing.T) {
	t.Setenv("SERVER_PORT", "9999")
	t.Setenv("NEO4J_URI", "bolt://graph:7687")
	t.Setenv("RELATIONSHIP_BATCH_SIZE", "25")

	cfg, err := NewConfig(slog.Default())
	require.NoError(t, err)

	assert.Equal(t, 9999, cfg.ServerPort)
	assert.Equal(t, "bolt://graph:7687", cfg.Graph.URI)
	assert.Equal(t, 25, cfg.Records.RelationshipBatchSize)
}

func TestStorageConfig_IsConfigured(t *testing.T) {
	cfg := StorageConfig{}
	assert.False(t, cfg.IsConfigured())

	cfg = StorageConfig{Endpoint: "http://localhost:9000", AccessKey: "ak", SecretKey: "sk"}
	assert.True(t, cfg.IsConfigured())
}
