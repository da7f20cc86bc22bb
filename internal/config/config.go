package config

import (
	"fmt"
	"log/slog"
	"time"

	"github.com/caarlos0/env/v11"
	"go.uber.org/fx"
)

var Module = fx.Module("config",
	fx.Provide(NewConfig),
)

// Config holds all application configuration
type Config struct {
	// Server settings
	ServerPort    int    `env:"SERVER_PORT" envDefault:"3004"`
	ServerAddress string `env:"SERVER_ADDRESS" envDefault:"0.0.0.0"`
	Environment   string `env:"ENVIRONMENT" envDefault:"local"`
	Debug         bool   `env:"DEBUG" envDefault:"false"`
	LogLevel      string `env:"LOG_LEVEL" envDefault:"info"`

	// Graph store (Cypher backend)
	Graph GraphConfig

	// Blob storage (S3/MinIO, versioned bucket)
	Storage StorageConfig

	// Record schema definitions
	Schema SchemaConfig

	// Mutation engine tuning
	Records RecordsConfig

	// OpenTelemetry tracing
	Otel OtelConfig

	// Server timeouts
	ReadTimeout     time.Duration `env:"SERVER_READ_TIMEOUT" envDefault:"5s"`
	WriteTimeout    time.Duration `env:"SERVER_WRITE_TIMEOUT" envDefault:"60s"`
	IdleTimeout     time.Duration `env:"SERVER_IDLE_TIMEOUT" envDefault:"120s"`
	ShutdownTimeout time.Duration `env:"SHUTDOWN_TIMEOUT" envDefault:"10s"`
}

// GraphConfig holds graph database connection settings
type GraphConfig struct {
	URI      string `env:"NEO4J_URI" envDefault:"bolt://localhost:7687"`
	User     string `env:"NEO4J_USER" envDefault:"neo4j"`
	Password string `env:"NEO4J_PASSWORD" envDefault:""`
	Database string `env:"NEO4J_DATABASE" envDefault:"neo4j"`
}

// StorageConfig holds blob storage (MinIO/S3) configuration.
// The bucket must have versioning enabled; the compensation protocol
// depends on version tokens returned by the backend.
type StorageConfig struct {
	// Endpoint is the MinIO/S3 endpoint URL
	Endpoint string `env:"STORAGE_ENDPOINT" envDefault:""`
	// AccessKey is the access key ID
	AccessKey string `env:"STORAGE_ACCESS_KEY" envDefault:""`
	// SecretKey is the secret access key
	SecretKey string `env:"STORAGE_SECRET_KEY" envDefault:""`
	// Bucket is the documents bucket name
	Bucket string `env:"STORAGE_BUCKET" envDefault:"record-documents"`
	// Region is the bucket region (for S3 compatibility)
	Region string `env:"STORAGE_REGION" envDefault:"us-east-1"`
}

// IsConfigured returns true if storage is configured
func (s *StorageConfig) IsConfigured() bool {
	return s.Endpoint != "" && s.AccessKey != "" && s.SecretKey != ""
}

// SchemaConfig holds the record type definition source
type SchemaConfig struct {
	// Path to the YAML file declaring record types
	Path string `env:"SCHEMA_PATH" envDefault:"schema.yaml"`
}

// RecordsConfig holds mutation engine tuning knobs
type RecordsConfig struct {
	// RelationshipBatchSize is the max relationship edges written per
	// statement batch; larger writes are split (all batches must succeed)
	RelationshipBatchSize int `env:"RELATIONSHIP_BATCH_SIZE" envDefault:"100"`
}

// NewConfig loads configuration from environment variables
func NewConfig(log *slog.Logger) (*Config, error) {
	cfg := &Config{}
	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	log.Info("configuration loaded",
		slog.String("environment", cfg.Environment),
		slog.Int("port", cfg.ServerPort),
		slog.String("graph_uri", cfg.Graph.URI),
		slog.String("storage_bucket", cfg.Storage.Bucket),
	)

	return cfg, nil
}
