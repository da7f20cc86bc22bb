package graph

import (
	"context"
	"log/slog"

	"github.com/neo4j/neo4j-go-driver/v5/neo4j"
	"go.uber.org/fx"

	"github.com/lattice-hq/lattice/internal/config"
	"github.com/lattice-hq/lattice/pkg/apperror"
	"github.com/lattice-hq/lattice/pkg/logger"
)

var Module = fx.Module("graph",
	fx.Provide(NewNeo4jExecutor),
	fx.Provide(func(x *Neo4jExecutor) Executor { return x }),
	fx.Invoke(RegisterLifecycle),
)

// Neo4jExecutor runs statements against a Neo4j (or Bolt-compatible) server,
// one write session per call.
type Neo4jExecutor struct {
	driver   neo4j.DriverWithContext
	database string
	log      *slog.Logger
}

// NewNeo4jExecutor connects to the configured graph backend.
func NewNeo4jExecutor(cfg *config.Config, log *slog.Logger) (*Neo4jExecutor, error) {
	driver, err := neo4j.NewDriverWithContext(
		cfg.Graph.URI,
		neo4j.BasicAuth(cfg.Graph.User, cfg.Graph.Password, ""),
	)
	if err != nil {
		return nil, apperror.ErrGraphBackend.WithMessage("failed to create graph driver").WithInternal(err)
	}

	log.Info("graph executor initialized",
		slog.String("uri", cfg.Graph.URI),
		slog.String("database", cfg.Graph.Database),
	)

	return &Neo4jExecutor{
		driver:   driver,
		database: cfg.Graph.Database,
		log:      log.With(logger.Scope("graph")),
	}, nil
}

// RegisterLifecycle closes the driver on app shutdown.
func RegisterLifecycle(lc fx.Lifecycle, x *Neo4jExecutor, log *slog.Logger) {
	lc.Append(fx.Hook{
		OnStop: func(ctx context.Context) error {
			log.Info("closing graph driver")
			return x.driver.Close(ctx)
		},
	})
}

// Execute runs one statement in a write session and materializes the result.
func (x *Neo4jExecutor) Execute(ctx context.Context, st *Statement) (*RowSet, error) {
	session := x.driver.NewSession(ctx, neo4j.SessionConfig{
		AccessMode:   neo4j.AccessModeWrite,
		DatabaseName: x.database,
	})
	defer session.Close(ctx)

	result, err := session.Run(ctx, st.Cypher, st.Params)
	if err != nil {
		x.log.Error("statement execution failed", logger.Error(err))
		return nil, apperror.ErrGraphBackend.WithInternal(err)
	}

	rs := &RowSet{}
	for result.Next(ctx) {
		rs.Rows = append(rs.Rows, mapRecord(result.Record()))
	}
	if err := result.Err(); err != nil {
		x.log.Error("statement result iteration failed", logger.Error(err))
		return nil, apperror.ErrGraphBackend.WithInternal(err)
	}

	return rs, nil
}

// mapRecord converts a driver record to a Row. The engine's queries return
// columns named node, rel and related by convention.
func mapRecord(rec *neo4j.Record) Row {
	row := Row{}

	var node neo4j.Node
	if v, ok := rec.Get("node"); ok {
		if n, ok := v.(neo4j.Node); ok {
			node = n
			row.NodeProps = n.Props
			row.NodeLabels = n.Labels
		}
	}

	if v, ok := rec.Get("rel"); ok && v != nil {
		if r, ok := v.(neo4j.Relationship); ok {
			row.RelType = r.Type
			row.RelProps = r.Props
			row.RelOutgoing = r.StartElementId == node.ElementId
		}
	}

	if v, ok := rec.Get("related"); ok && v != nil {
		if n, ok := v.(neo4j.Node); ok {
			row.RelatedLabels = n.Labels
			row.RelatedProps = n.Props
			if code, ok := n.Props["code"].(string); ok {
				row.RelatedCode = code
			}
		}
	}

	return row
}
