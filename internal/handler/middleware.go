package handler

import (
	"strings"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/requestid"
	"github.com/kursadbilgin/smshook/internal/observability"
)

const requestIDLocal = "requestid"

// RequestID assigns every request an id, echoes it in X-Request-ID and
// carries it in the user context for logging.
func RequestID() []fiber.Handler {
	return []fiber.Handler{
		requestid.New(requestid.Config{ContextKey: requestIDLocal}),
		func(c *fiber.Ctx) error {
			if id := requestCorrelationID(c); id != "" {
				c.SetUserContext(observability.WithRequestID(c.UserContext(), id))
			}
			return c.Next()
		},
	}
}

func requestCorrelationID(c *fiber.Ctx) string {
	if value, ok := c.Locals(requestIDLocal).(string); ok && strings.TrimSpace(value) != "" {
		return strings.TrimSpace(value)
	}
	return strings.TrimSpace(c.Get(fiber.HeaderXRequestID))
}
