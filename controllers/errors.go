package controller

import (
	"errors"

	"github.com/gofiber/fiber/v2"

	"leaddesk/backend"
	"leaddesk/leads"
	"leaddesk/middleware"
	"leaddesk/policy"
	"leaddesk/session"
	"leaddesk/store"
	"leaddesk/utils"
	"leaddesk/workflow"
)

// respondError maps domain errors onto HTTP statuses.
func respondError(c *fiber.Ctx, message string, err error) error {
	switch {
	case errors.Is(err, policy.ErrForbidden):
		return utils.ErrorResponse(c, fiber.StatusForbidden, "Not allowed", err)
	case errors.Is(err, leads.ErrNotFound), errors.Is(err, leads.ErrNoteNotFound), errors.Is(err, backend.ErrNotFound):
		return utils.ErrorResponse(c, fiber.StatusNotFound, message, err)
	case errors.Is(err, store.ErrNotReady):
		return utils.ErrorResponse(c, fiber.StatusServiceUnavailable, "Session is still loading", err)
	case errors.Is(err, workflow.ErrNoPending):
		return utils.ErrorResponse(c, fiber.StatusConflict, message, err)
	case errors.Is(err, leads.ErrUnknownAgent),
		errors.Is(err, leads.ErrEmptyNote),
		errors.Is(err, leads.ErrNoThread),
		errors.Is(err, workflow.ErrMissingTime),
		errors.Is(err, workflow.ErrCallbackInPast),
		errors.Is(err, session.ErrInvalidEmail),
		errors.Is(err, session.ErrSelfDelete):
		return utils.ErrorResponse(c, fiber.StatusUnprocessableEntity, message, err)
	case errors.Is(err, backend.ErrFunction), errors.Is(err, session.ErrNoFunctions):
		return utils.ErrorResponse(c, fiber.StatusBadGateway, message, err)
	}
	utils.LogError("request_failed", err, map[string]interface{}{
		"path":    c.Path(),
		"method":  c.Method(),
		"user_id": c.Locals("userID"),
	})
	return utils.ErrorResponse(c, fiber.StatusInternalServerError, message, nil)
}

func currentSession(c *fiber.Ctx) (*session.Session, error) {
	s := middleware.CurrentSession(c)
	if s == nil {
		return nil, utils.ErrorResponse(c, fiber.StatusUnauthorized, "No session", nil)
	}
	return s, nil
}

func validID(c *fiber.Ctx, name string) (string, bool) {
	id := c.Params(name)
	return id, utils.ValidID(id)
}
