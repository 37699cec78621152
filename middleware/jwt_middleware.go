package middleware

import (
	"errors"

	"github.com/gofiber/fiber/v2"

	"leaddesk/session"
	"leaddesk/store"
	"leaddesk/utils"
)

// Protected validates the bearer token issued by the auth service. The
// websocket stream may pass it as the access_token query parameter since
// browsers cannot set headers on the upgrade request.
func Protected() fiber.Handler {
	return func(c *fiber.Ctx) error {
		var token string
		if authHeader := c.Get(fiber.HeaderAuthorization); authHeader != "" {
			t, ok := utils.BearerToken(authHeader)
			if !ok {
				return utils.ErrorResponse(c, fiber.StatusUnauthorized, "Invalid authorization format", nil)
			}
			token = t
		} else {
			token = c.Query("access_token")
			if token == "" {
				token = c.Cookies("access_token")
			}
			if token == "" {
				return utils.ErrorResponse(c, fiber.StatusUnauthorized, "Authorization required", nil)
			}
		}

		claims, err := utils.ParseJWTToken(token)
		if err != nil {
			return utils.ErrorResponse(c, fiber.StatusUnauthorized, "Invalid or expired token", nil)
		}

		c.Locals("userID", claims.Subject)
		c.Locals("token", token)
		return c.Next()
	}
}

// WithSession attaches the caller's session, opening it on first use, and
// releases it when the request is done.
func WithSession(manager *session.Manager) fiber.Handler {
	return func(c *fiber.Ctx) error {
		userID, _ := c.Locals("userID").(string)
		token, _ := c.Locals("token").(string)
		if userID == "" {
			return utils.ErrorResponse(c, fiber.StatusUnauthorized, "Authorization required", nil)
		}

		s, err := manager.Acquire(c.UserContext(), userID, token)
		if err != nil {
			if errors.Is(err, store.ErrNotReady) {
				return utils.ErrorResponse(c, fiber.StatusServiceUnavailable, "Session is still loading", err)
			}
			utils.LogError("session_open_failed", err, map[string]interface{}{"user_id": userID})
			return utils.ErrorResponse(c, fiber.StatusUnauthorized, "Could not open session", nil)
		}
		defer manager.Release(s)

		c.Locals("session", s)
		return c.Next()
	}
}

// CurrentSession returns the session attached by WithSession.
func CurrentSession(c *fiber.Ctx) *session.Session {
	s, _ := c.Locals("session").(*session.Session)
	return s
}
