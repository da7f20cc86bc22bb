// Package main provides the entry point for the Lattice record server
package main

import (
	"log/slog"

	"github.com/joho/godotenv"
	"go.uber.org/fx"
	"go.uber.org/fx/fxevent"

	"github.com/lattice-hq/lattice/domain/docstore"
	"github.com/lattice-hq/lattice/domain/events"
	"github.com/lattice-hq/lattice/domain/health"
	"github.com/lattice-hq/lattice/domain/records"
	"github.com/lattice-hq/lattice/domain/schema"
	"github.com/lattice-hq/lattice/domain/tracing"
	"github.com/lattice-hq/lattice/internal/config"
	"github.com/lattice-hq/lattice/internal/graph"
	"github.com/lattice-hq/lattice/internal/server"
	"github.com/lattice-hq/lattice/internal/storage"
	"github.com/lattice-hq/lattice/pkg/logger"
)

func main() {
	// Load .env files if present (for local development)
	// Order matters: .env.local overrides .env
	// Note: Load() won't overwrite existing vars, Overload() will
	_ = godotenv.Load("../../.env")
	_ = godotenv.Overload("../../.env.local")

	fx.New(
		// Logging
		fx.WithLogger(func(log *slog.Logger) fxevent.Logger {
			return &fxevent.SlogLogger{Logger: log}
		}),

		// Infrastructure modules
		logger.Module,
		config.Module,
		server.Module,
		graph.Module,
		storage.Module,
		tracing.Module,

		// Domain modules
		health.Module,
		schema.Module,
		docstore.Module,
		events.Module,
		records.Module,
	).Run()
}
