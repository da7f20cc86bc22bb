package events

import (
	"context"
	"log/slog"

	"github.com/labstack/echo/v4"
	"go.uber.org/fx"
)

// Module provides the events domain
var Module = fx.Module("events",
	fx.Provide(NewDeriver),
	fx.Provide(NewBroadcaster),
	fx.Provide(func(b *Broadcaster) Publisher { return b }),
	fx.Invoke(RegisterRoutes),
	fx.Invoke(RegisterLifecycle),
)

// RegisterRoutes registers the events routes
func RegisterRoutes(e *echo.Echo, b *Broadcaster) {
	events := e.Group("/api/events")

	events.GET("/stream", b.HandleStream)
	events.GET("/connections/count", b.HandleConnectionsCount)
}

// RegisterLifecycle registers lifecycle hooks for cleanup
func RegisterLifecycle(lc fx.Lifecycle, b *Broadcaster, log *slog.Logger) {
	lc.Append(fx.Hook{
		OnStop: func(ctx context.Context) error {
			log.Info("stopping events broadcaster")
			b.Stop()
			return nil
		},
	})
}
