package controller

import (
	"github.com/gofiber/fiber/v2"
	"github.com/sirupsen/logrus"

	"leaddesk/utils"
)

type NoteController struct {
	Logger *logrus.Entry
}

func NewNoteController(logger *logrus.Entry) *NoteController {
	return &NoteController{Logger: logger}
}

// GetNotes returns the notes of a lead newest first.
func (nc *NoteController) GetNotes(c *fiber.Ctx) error {
	s, err := currentSession(c)
	if s == nil {
		return err
	}
	leadID, ok := validID(c, "id")
	if !ok {
		return utils.ErrorResponse(c, fiber.StatusBadRequest, "Invalid lead ID", nil)
	}
	notes, err := s.Thread.List(c.UserContext(), leadID)
	if err != nil {
		return respondError(c, "Failed to load notes", err)
	}
	return c.JSON(utils.SuccessResponse(notes))
}

// CreateNote appends a note to the lead. Open streams pick it up from the
// notes feed.
func (nc *NoteController) CreateNote(c *fiber.Ctx) error {
	s, err := currentSession(c)
	if s == nil {
		return err
	}
	leadID, ok := validID(c, "id")
	if !ok {
		return utils.ErrorResponse(c, fiber.StatusBadRequest, "Invalid lead ID", nil)
	}
	var input struct {
		Body string `json:"body" validate:"required,max=5000"`
	}
	if err := c.BodyParser(&input); err != nil {
		return utils.ErrorResponse(c, fiber.StatusBadRequest, "Invalid request body", err)
	}
	if err := utils.ValidateStruct(input); err != nil {
		return utils.ErrorResponse(c, fiber.StatusBadRequest, "Validation failed", err)
	}

	note, err := s.Thread.Post(c.UserContext(), leadID, s.User().Name, input.Body)
	if err != nil {
		return respondError(c, "Failed to add note", err)
	}
	return c.Status(fiber.StatusCreated).JSON(utils.SuccessResponse(note))
}

// DeleteNote removes a note of a visible lead.
func (nc *NoteController) DeleteNote(c *fiber.Ctx) error {
	s, err := currentSession(c)
	if s == nil {
		return err
	}
	noteID, ok := validID(c, "id")
	if !ok {
		return utils.ErrorResponse(c, fiber.StatusBadRequest, "Invalid note ID", nil)
	}
	if err := s.Thread.Delete(c.UserContext(), noteID); err != nil {
		return respondError(c, "Failed to delete note", err)
	}
	return c.JSON(utils.SuccessResponse(fiber.Map{"id": noteID}))
}
