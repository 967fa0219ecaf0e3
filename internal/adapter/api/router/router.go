package router

import (
	"github.com/labstack/echo/v4"

	"marketchat/internal/adapter/api/handler"
	"marketchat/internal/infrastructure/ratelimit"
)

func Setup(e *echo.Echo, wsHandler *handler.WebSocketHandler, healthHandler *handler.HealthHandler, handshakeLimiter *ratelimit.RateLimiter) {
	SetupWebSocketRouter(e, wsHandler, handshakeLimiter)
	SetupHealthRouter(e, healthHandler)
	SetupMetricsRouter(e)
}
