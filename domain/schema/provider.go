package schema

import (
	"fmt"
	"log/slog"
	"os"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/lattice-hq/lattice/internal/config"
	"github.com/lattice-hq/lattice/pkg/apperror"
	"github.com/lattice-hq/lattice/pkg/logger"
)

// Registry is a file-backed Lookup. The schema file is read once at startup;
// type definitions do not change while the server runs.
type Registry struct {
	types map[string]*RecordType
	log   *slog.Logger
}

type schemaFile struct {
	Types map[string]*RecordType `yaml:"types"`
}

// NewRegistry loads the schema file named in config.
func NewRegistry(cfg *config.Config, log *slog.Logger) (*Registry, error) {
	data, err := os.ReadFile(cfg.Schema.Path)
	if err != nil {
		return nil, fmt.Errorf("failed to read schema file %s: %w", cfg.Schema.Path, err)
	}
	reg, err := ParseRegistry(data)
	if err != nil {
		return nil, err
	}
	reg.log = log.With(logger.Scope("schema"))
	reg.log.Info("schema loaded",
		slog.String("path", cfg.Schema.Path),
		slog.Int("types", len(reg.types)),
	)
	return reg, nil
}

// ParseRegistry builds a Registry from raw YAML.
func ParseRegistry(data []byte) (*Registry, error) {
	var file schemaFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("failed to parse schema: %w", err)
	}

	types := make(map[string]*RecordType, len(file.Types))
	for name, t := range file.Types {
		if t == nil {
			t = &RecordType{}
		}
		t.Name = name
		types[strings.ToLower(name)] = t
	}

	reg := &Registry{types: types, log: slog.Default()}
	if err := reg.validate(); err != nil {
		return nil, err
	}
	return reg, nil
}

// GetType resolves a record type by name, case-insensitively.
func (r *Registry) GetType(name string) (*RecordType, error) {
	t, ok := r.types[strings.ToLower(name)]
	if !ok {
		return nil, apperror.ErrSchema.WithMessagef("unknown record type '%s'", name)
	}
	return t, nil
}

// validate checks cross-type consistency: every relationship points at a
// known type, and every non-derived relationship has an inverse. Catching
// this at load time keeps per-request inverse resolution infallible in a
// well-formed deployment.
func (r *Registry) validate() error {
	for _, t := range r.types {
		for relName, def := range t.Relationships {
			if _, ok := r.types[strings.ToLower(def.RelatedType)]; !ok {
				return apperror.ErrSchema.WithMessagef(
					"type %s relationship %s references unknown type '%s'",
					t.Name, relName, def.RelatedType,
				)
			}
			if def.IsDerived() {
				continue
			}
			if _, err := ResolveInverse(r, t.Name, def); err != nil {
				return err
			}
		}
	}
	return nil
}
