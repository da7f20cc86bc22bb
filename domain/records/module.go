package records

import (
	"github.com/labstack/echo/v4"
	"go.uber.org/fx"
)

// Module provides the records domain
var Module = fx.Module("records",
	fx.Provide(NewService),
	fx.Provide(NewHandler),
	fx.Invoke(RegisterRoutes),
)

// RegisterRoutes registers the record routes
func RegisterRoutes(e *echo.Echo, h *Handler) {
	g := e.Group("/api/records")

	g.GET("/:type/:code", h.HandleGet)
	g.POST("/:type/:code", h.HandleCreate)
	g.PATCH("/:type/:code", h.HandlePatch)
	g.DELETE("/:type/:code", h.HandleDelete)
	g.POST("/:type/:code/absorb/:absorbed", h.HandleAbsorb)
}
