package middleware

import (
	"fmt"
	"math"

	"github.com/labstack/echo/v4"

	"marketchat/internal/infrastructure/metrics"
	"marketchat/internal/infrastructure/ratelimit"
	"marketchat/pkg/errors"
	"marketchat/pkg/logger"
	"marketchat/pkg/response"
)

const actionHandshake = "handshake"

// HandshakeRateLimit limits how often one IP may open connections.
func HandshakeRateLimit(limiter *ratelimit.RateLimiter) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			ip := c.RealIP()

			if allowed, wait := limiter.Allow(ip, actionHandshake); !allowed {
				logger.Warn("RATE LIMIT: Blocked handshake from IP %s (retry in %v)", ip, wait)
				metrics.HandshakesRejected.WithLabelValues("rate_limited").Inc()

				c.Response().Header().Set("Retry-After", fmt.Sprintf("%d", int(math.Ceil(wait.Seconds()))))
				return response.Error(c, errors.TooManyRequests("Too many connection attempts, please retry later"))
			}

			return next(c)
		}
	}
}
