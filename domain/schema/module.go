package schema

import "go.uber.org/fx"

var Module = fx.Module("schema",
	fx.Provide(NewRegistry),
	fx.Provide(func(r *Registry) Lookup { return r }),
)
