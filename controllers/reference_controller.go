package controller

import (
	"github.com/gofiber/fiber/v2"
	"github.com/sirupsen/logrus"

	"leaddesk/utils"
	"leaddesk/worker"
)

type ReferenceController struct {
	Logger *logrus.Entry
	Prices *worker.PriceWorker
}

func NewReferenceController(logger *logrus.Entry, prices *worker.PriceWorker) *ReferenceController {
	return &ReferenceController{Logger: logger, Prices: prices}
}

// GetReference returns the shared reference data of the session.
func (rc *ReferenceController) GetReference(c *fiber.Ctx) error {
	s, err := currentSession(c)
	if s == nil {
		return err
	}
	return c.JSON(utils.SuccessResponse(fiber.Map{
		"user":           s.User(),
		"agents":         s.Store.Agents(),
		"statuses":       s.Store.Statuses(),
		"status_options": s.Store.StatusOptions(),
	}))
}

func (rc *ReferenceController) GetUnread(c *fiber.Ctx) error {
	s, err := currentSession(c)
	if s == nil {
		return err
	}
	return c.JSON(utils.SuccessResponse(s.Store.Unread()))
}

// GetQuotes returns the last polled market quotes.
func (rc *ReferenceController) GetQuotes(c *fiber.Ctx) error {
	if rc.Prices == nil {
		return c.JSON(utils.SuccessResponse([]interface{}{}))
	}
	return c.JSON(utils.SuccessResponse(rc.Prices.Latest()))
}
