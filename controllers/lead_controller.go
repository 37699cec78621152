package controller

import (
	"bytes"
	"errors"
	"strconv"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/sirupsen/logrus"

	"leaddesk/leads"
	"leaddesk/models"
	"leaddesk/store"
	"leaddesk/utils"
)

type LeadController struct {
	Logger *logrus.Entry
}

func NewLeadController(logger *logrus.Entry) *LeadController {
	return &LeadController{Logger: logger}
}

// GetLeads returns the caller's lead table. A failed query degrades to an
// empty page.
func (lc *LeadController) GetLeads(c *fiber.Ctx) error {
	s, err := currentSession(c)
	if s == nil {
		return err
	}

	var q models.LeadQuery
	if err := c.QueryParser(&q); err != nil {
		return utils.ErrorResponse(c, fiber.StatusBadRequest, "Invalid query", err)
	}
	if q.Page < 1 {
		q.Page = 1
	}
	if q.Limit <= 0 {
		q.Limit = 50
	}
	if q.Limit > 500 {
		q.Limit = 500
	}

	rows, total, err := s.Book.Load(c.UserContext(), q)
	if err != nil {
		if errors.Is(err, store.ErrNotReady) {
			return respondError(c, "Session is still loading", err)
		}
		lc.Logger.WithError(err).WithField("user_id", s.UserID).Error("lead query failed")
		rows, total = []models.Lead{}, 0
	}
	if rows == nil {
		rows = []models.Lead{}
	}

	return c.JSON(utils.PaginatedResponse{
		Data:  rows,
		Total: total,
		Page:  q.Page,
		Limit: q.Limit,
	})
}

// GetStats returns lead counts per status.
func (lc *LeadController) GetStats(c *fiber.Ctx) error {
	s, err := currentSession(c)
	if s == nil {
		return err
	}
	if c.QueryBool("refresh") {
		s.Store.RefreshCounts(c.UserContext())
	}
	return c.JSON(utils.SuccessResponse(s.Store.StatusCounts()))
}

type idsInput struct {
	IDs []string `json:"ids" validate:"required,min=1,dive,uuid"`
}

// ExportLeads streams the selected leads as CSV.
func (lc *LeadController) ExportLeads(c *fiber.Ctx) error {
	s, err := currentSession(c)
	if s == nil {
		return err
	}
	var input idsInput
	if err := c.BodyParser(&input); err != nil {
		return utils.ErrorResponse(c, fiber.StatusBadRequest, "Invalid request body", err)
	}
	if err := utils.ValidateStruct(input); err != nil {
		return utils.ErrorResponse(c, fiber.StatusBadRequest, "Validation failed", err)
	}

	var buf bytes.Buffer
	n, err := s.Book.Export(&buf, s.User(), input.IDs)
	if err != nil {
		return respondError(c, "Failed to export leads", err)
	}

	c.Set("Content-Type", "text/csv")
	c.Set("Content-Disposition", "attachment; filename=leads_export_"+time.Now().Format("20060102")+".csv")
	c.Set("X-Export-Count", strconv.Itoa(n))
	return c.Send(buf.Bytes())
}

// UpdateStatus routes a status change through the workflow interceptor.
func (lc *LeadController) UpdateStatus(c *fiber.Ctx) error {
	s, err := currentSession(c)
	if s == nil {
		return err
	}
	leadID, ok := validID(c, "id")
	if !ok {
		return utils.ErrorResponse(c, fiber.StatusBadRequest, "Invalid lead ID", nil)
	}
	var input struct {
		Status string `json:"status" validate:"required,max=64"`
	}
	if err := c.BodyParser(&input); err != nil {
		return utils.ErrorResponse(c, fiber.StatusBadRequest, "Invalid request body", err)
	}
	if err := utils.ValidateStruct(input); err != nil {
		return utils.ErrorResponse(c, fiber.StatusBadRequest, "Validation failed", err)
	}

	out, err := s.Workflow.Request(c.UserContext(), s.User(), leadID, input.Status)
	if err != nil {
		return respondError(c, "Failed to update status", err)
	}
	if out.Confirm != nil || out.NeedsCallbackTime {
		return c.Status(fiber.StatusAccepted).JSON(utils.SuccessResponse(out))
	}
	return c.JSON(utils.SuccessResponse(out))
}

// ConfirmStatus applies a held transition.
func (lc *LeadController) ConfirmStatus(c *fiber.Ctx) error {
	s, err := currentSession(c)
	if s == nil {
		return err
	}
	leadID, ok := validID(c, "id")
	if !ok {
		return utils.ErrorResponse(c, fiber.StatusBadRequest, "Invalid lead ID", nil)
	}
	celebration, err := s.Workflow.Confirm(c.UserContext(), s.User(), leadID)
	if err != nil {
		return respondError(c, "Failed to confirm status", err)
	}
	return c.JSON(utils.SuccessResponse(celebration))
}

// CancelStatus drops a held transition.
func (lc *LeadController) CancelStatus(c *fiber.Ctx) error {
	s, err := currentSession(c)
	if s == nil {
		return err
	}
	leadID, ok := validID(c, "id")
	if !ok {
		return utils.ErrorResponse(c, fiber.StatusBadRequest, "Invalid lead ID", nil)
	}
	return c.JSON(utils.SuccessResponse(fiber.Map{"cancelled": s.Workflow.Cancel(leadID)}))
}

// ScheduleCallback sets Call Back with its date and time.
func (lc *LeadController) ScheduleCallback(c *fiber.Ctx) error {
	s, err := currentSession(c)
	if s == nil {
		return err
	}
	leadID, ok := validID(c, "id")
	if !ok {
		return utils.ErrorResponse(c, fiber.StatusBadRequest, "Invalid lead ID", nil)
	}
	var input struct {
		CallbackTime time.Time `json:"callback_time" validate:"required"`
	}
	if err := c.BodyParser(&input); err != nil {
		return utils.ErrorResponse(c, fiber.StatusBadRequest, "Invalid request body", err)
	}
	if err := utils.ValidateStruct(input); err != nil {
		return utils.ErrorResponse(c, fiber.StatusBadRequest, "Validation failed", err)
	}
	if err := s.Workflow.ScheduleCallback(c.UserContext(), s.User(), leadID, input.CallbackTime); err != nil {
		return respondError(c, "Failed to schedule callback", err)
	}
	lead, _ := s.Book.Get(leadID)
	return c.JSON(utils.SuccessResponse(lead))
}

// AssignLead sets or clears the assignee.
func (lc *LeadController) AssignLead(c *fiber.Ctx) error {
	s, err := currentSession(c)
	if s == nil {
		return err
	}
	leadID, ok := validID(c, "id")
	if !ok {
		return utils.ErrorResponse(c, fiber.StatusBadRequest, "Invalid lead ID", nil)
	}
	var input struct {
		AgentID *string `json:"agent_id" validate:"omitempty,uuid"`
	}
	if err := c.BodyParser(&input); err != nil {
		return utils.ErrorResponse(c, fiber.StatusBadRequest, "Invalid request body", err)
	}
	if err := utils.ValidateStruct(input); err != nil {
		return utils.ErrorResponse(c, fiber.StatusBadRequest, "Validation failed", err)
	}
	if err := s.Book.Assign(c.UserContext(), s.User(), leadID, input.AgentID); err != nil {
		return respondError(c, "Failed to assign lead", err)
	}
	lead, _ := s.Book.Get(leadID)
	return c.JSON(utils.SuccessResponse(lead))
}

// LogCall records an outbound call.
func (lc *LeadController) LogCall(c *fiber.Ctx) error {
	s, err := currentSession(c)
	if s == nil {
		return err
	}
	leadID, ok := validID(c, "id")
	if !ok {
		return utils.ErrorResponse(c, fiber.StatusBadRequest, "Invalid lead ID", nil)
	}
	if err := s.Book.LogCall(c.UserContext(), s.User(), leadID); err != nil {
		return respondError(c, "Failed to log call", err)
	}
	return c.JSON(utils.SuccessResponse(fiber.Map{"lead_id": leadID}))
}

func bulkResponse(c *fiber.Ctx, res leads.BulkResult) error {
	status := fiber.StatusOK
	if !res.OK() {
		status = fiber.StatusMultiStatus
	}
	body := utils.SuccessResponse(res)
	if res.Err != nil {
		body["details"] = res.Err.Error()
	}
	return c.Status(status).JSON(body)
}

// BulkAssign assigns the selected leads in chunks.
func (lc *LeadController) BulkAssign(c *fiber.Ctx) error {
	s, err := currentSession(c)
	if s == nil {
		return err
	}
	var input struct {
		idsInput
		AgentID *string `json:"agent_id" validate:"omitempty,uuid"`
	}
	if err := c.BodyParser(&input); err != nil {
		return utils.ErrorResponse(c, fiber.StatusBadRequest, "Invalid request body", err)
	}
	if err := utils.ValidateStruct(input); err != nil {
		return utils.ErrorResponse(c, fiber.StatusBadRequest, "Validation failed", err)
	}
	res, err := s.Book.BulkAssign(c.UserContext(), s.User(), input.IDs, input.AgentID)
	if err != nil {
		return respondError(c, "Failed to assign leads", err)
	}
	lc.Logger.WithFields(logrus.Fields{"user_id": s.UserID, "requested": res.Requested, "failed": res.Failed, "skipped": res.Skipped}).Info("bulk assign")
	return bulkResponse(c, res)
}

// BulkStatus moves the selected leads to one status in chunks.
func (lc *LeadController) BulkStatus(c *fiber.Ctx) error {
	s, err := currentSession(c)
	if s == nil {
		return err
	}
	var input struct {
		idsInput
		Status string `json:"status" validate:"required,max=64"`
	}
	if err := c.BodyParser(&input); err != nil {
		return utils.ErrorResponse(c, fiber.StatusBadRequest, "Invalid request body", err)
	}
	if err := utils.ValidateStruct(input); err != nil {
		return utils.ErrorResponse(c, fiber.StatusBadRequest, "Validation failed", err)
	}
	res, err := s.Book.BulkStatus(c.UserContext(), s.User(), input.IDs, input.Status)
	if err != nil {
		return respondError(c, "Failed to update leads", err)
	}
	lc.Logger.WithFields(logrus.Fields{"user_id": s.UserID, "requested": res.Requested, "failed": res.Failed, "skipped": res.Skipped}).Info("bulk status")
	return bulkResponse(c, res)
}

// BulkDelete removes the selected leads in chunks.
func (lc *LeadController) BulkDelete(c *fiber.Ctx) error {
	s, err := currentSession(c)
	if s == nil {
		return err
	}
	var input idsInput
	if err := c.BodyParser(&input); err != nil {
		return utils.ErrorResponse(c, fiber.StatusBadRequest, "Invalid request body", err)
	}
	if err := utils.ValidateStruct(input); err != nil {
		return utils.ErrorResponse(c, fiber.StatusBadRequest, "Validation failed", err)
	}
	res, err := s.Book.BulkDelete(c.UserContext(), s.User(), input.IDs)
	if err != nil {
		return respondError(c, "Failed to delete leads", err)
	}
	s.Store.RefreshCounts(c.UserContext())
	lc.Logger.WithFields(logrus.Fields{"user_id": s.UserID, "requested": res.Requested, "failed": res.Failed, "skipped": res.Skipped}).Info("bulk delete")
	return bulkResponse(c, res)
}
