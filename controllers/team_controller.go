package controller

import (
	"github.com/gofiber/fiber/v2"
	"github.com/sirupsen/logrus"

	"leaddesk/backend"
	"leaddesk/utils"
)

type TeamController struct {
	Logger *logrus.Entry
}

func NewTeamController(logger *logrus.Entry) *TeamController {
	return &TeamController{Logger: logger}
}

func (tc *TeamController) GetTeam(c *fiber.Ctx) error {
	s, err := currentSession(c)
	if s == nil {
		return err
	}
	team, err := s.Team()
	if err != nil {
		return respondError(c, "Failed to load team", err)
	}
	return c.JSON(utils.SuccessResponse(team))
}

func (tc *TeamController) CreateMember(c *fiber.Ctx) error {
	s, err := currentSession(c)
	if s == nil {
		return err
	}
	var input backend.CreateUserInput
	if err := c.BodyParser(&input); err != nil {
		return utils.ErrorResponse(c, fiber.StatusBadRequest, "Invalid request body", err)
	}
	if err := utils.ValidateStruct(input); err != nil {
		return utils.ErrorResponse(c, fiber.StatusBadRequest, "Validation failed", err)
	}
	if !input.Role.Valid() {
		return utils.ErrorResponse(c, fiber.StatusBadRequest, "Unknown role", nil)
	}

	agent, err := s.CreateMember(c.UserContext(), input)
	if err != nil {
		return respondError(c, "Failed to create user", err)
	}
	utils.LogEvent("user_created", map[string]interface{}{
		"by":   s.UserID,
		"user": agent.ID,
		"role": string(input.Role),
	})
	return c.Status(fiber.StatusCreated).JSON(utils.SuccessResponse(agent))
}

func (tc *TeamController) UpdateMember(c *fiber.Ctx) error {
	s, err := currentSession(c)
	if s == nil {
		return err
	}
	userID, ok := validID(c, "id")
	if !ok {
		return utils.ErrorResponse(c, fiber.StatusBadRequest, "Invalid user ID", nil)
	}
	var input backend.UpdateUserInput
	if err := c.BodyParser(&input); err != nil {
		return utils.ErrorResponse(c, fiber.StatusBadRequest, "Invalid request body", err)
	}
	input.UserID = userID
	if err := utils.ValidateStruct(input); err != nil {
		return utils.ErrorResponse(c, fiber.StatusBadRequest, "Validation failed", err)
	}
	if input.Role != nil && !input.Role.Valid() {
		return utils.ErrorResponse(c, fiber.StatusBadRequest, "Unknown role", nil)
	}

	if err := s.UpdateMember(c.UserContext(), input); err != nil {
		return respondError(c, "Failed to update user", err)
	}
	return c.JSON(utils.SuccessResponse(fiber.Map{"id": userID}))
}

func (tc *TeamController) DeleteMember(c *fiber.Ctx) error {
	s, err := currentSession(c)
	if s == nil {
		return err
	}
	userID, ok := validID(c, "id")
	if !ok {
		return utils.ErrorResponse(c, fiber.StatusBadRequest, "Invalid user ID", nil)
	}
	if err := s.DeleteMember(c.UserContext(), userID); err != nil {
		return respondError(c, "Failed to delete user", err)
	}
	utils.LogEvent("user_deleted", map[string]interface{}{"by": s.UserID, "user": userID})
	return c.JSON(utils.SuccessResponse(fiber.Map{"id": userID}))
}
