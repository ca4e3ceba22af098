package routes

import (
	"github.com/gofiber/fiber/v2"

	"IsokoPay/internal/handlers"
	"IsokoPay/internal/middleware"
)

func SetupAdminRoutes(app *fiber.App, h *handlers.AdminHandler) {
	admin := app.Group("/api/admin", middleware.Protected(), middleware.AdminOnly())

	// Scheduler control
	admin.Get("/scheduler/status", h.GetSchedulerStatus)
	admin.Post("/scheduler/auto-release/trigger", h.TriggerAutoRelease)
	admin.Post("/scheduler/auto-deduct/trigger", h.TriggerAutoDeduct)

	// Settings
	admin.Get("/settings", h.GetSettings)
	admin.Put("/settings", h.UpdateSettings)

	// Per-retailer auto-deduction configuration
	admin.Put("/retailers/:retailerId/auto-deduct", h.UpsertAutoDeductConfig)

	// Settlement audit and ledger reconciliation
	admin.Get("/settlement-runs", h.ListSettlementRuns)
	admin.Post("/ledger/retry-syncs", h.RetryLedgerSyncs)
}
