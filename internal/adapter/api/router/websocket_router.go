package router

import (
	"github.com/labstack/echo/v4"

	"marketchat/internal/adapter/api/handler"
	"marketchat/internal/adapter/api/middleware"
	"marketchat/internal/infrastructure/ratelimit"
)

// SetupWebSocketRouter serves the chat socket at the root path, with /ws as an alias.
func SetupWebSocketRouter(e *echo.Echo, wsHandler *handler.WebSocketHandler, handshakeLimiter *ratelimit.RateLimiter) {
	limit := middleware.HandshakeRateLimit(handshakeLimiter)

	e.GET("/", wsHandler.HandleWebSocket, limit)
	e.GET("/ws", wsHandler.HandleWebSocket, limit)
}
