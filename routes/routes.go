package routes

import (
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/logger"
	"github.com/gofiber/websocket/v2"
	"github.com/sirupsen/logrus"

	controller "leaddesk/controllers"
	"leaddesk/middleware"
	"leaddesk/session"
	"leaddesk/worker"
)

// Deps are the process-wide services the routes hand to controllers.
type Deps struct {
	Sessions  *session.Manager
	Prices    *worker.PriceWorker
	Redis     *redis.Client
	BulkLimit int
	Logger    *logrus.Entry
}

func SetupRoutes(app *fiber.App, deps Deps) {
	app.Get("/health", func(c *fiber.Ctx) error {
		return c.JSON(fiber.Map{
			"status":   "running",
			"sessions": deps.Sessions.Len(),
			"time":     time.Now().UTC(),
		})
	})

	leadController := controller.NewLeadController(deps.Logger.WithField("controller", "leads"))
	noteController := controller.NewNoteController(deps.Logger.WithField("controller", "notes"))
	teamController := controller.NewTeamController(deps.Logger.WithField("controller", "team"))
	referenceController := controller.NewReferenceController(deps.Logger.WithField("controller", "reference"), deps.Prices)
	streamController := controller.NewStreamController(deps.Logger.WithField("controller", "stream"), deps.Sessions)

	// The stream manages its own session lease, so it sits outside the api group.
	app.Get("/api/v1/stream", middleware.Protected(), streamController.Upgrade, websocket.New(streamController.Stream))

	api := app.Group("/api/v1", middleware.Protected(), middleware.WithSession(deps.Sessions), logger.New(logger.Config{
		Format: "[${time}] ${status} - ${latency} ${method} ${path}\n",
	}))

	api.Get("/reference", referenceController.GetReference)
	api.Get("/unread", referenceController.GetUnread)
	api.Get("/quotes", referenceController.GetQuotes)

	// Lead routes
	lead := api.Group("/leads")
	lead.Get("/", leadController.GetLeads)
	lead.Get("/stats", leadController.GetStats)
	lead.Post("/export", leadController.ExportLeads)
	lead.Put("/:id/status", leadController.UpdateStatus)
	lead.Post("/:id/status/confirm", leadController.ConfirmStatus)
	lead.Post("/:id/status/cancel", leadController.CancelStatus)
	lead.Put("/:id/callback", leadController.ScheduleCallback)
	lead.Put("/:id/assign", leadController.AssignLead)
	lead.Post("/:id/call", leadController.LogCall)

	// Notes
	lead.Get("/:id/notes", noteController.GetNotes)
	lead.Post("/:id/notes", noteController.CreateNote)
	api.Delete("/notes/:id", noteController.DeleteNote)

	// Bulk routes with rate limiting
	bulk := api.Group("/leads/bulk", middleware.BulkRateLimiter(deps.BulkLimit, deps.Redis))
	bulk.Post("/assign", leadController.BulkAssign)
	bulk.Post("/status", leadController.BulkStatus)
	bulk.Post("/delete", leadController.BulkDelete)

	// Team management
	team := api.Group("/team")
	team.Get("/", teamController.GetTeam)
	team.Post("/", teamController.CreateMember)
	team.Put("/:id", teamController.UpdateMember)
	team.Delete("/:id", teamController.DeleteMember)
}
