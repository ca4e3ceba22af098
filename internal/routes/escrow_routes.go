package routes

import (
	"github.com/gofiber/fiber/v2"

	"IsokoPay/internal/handlers"
	"IsokoPay/internal/middleware"
)

func SetupEscrowRoutes(app *fiber.App, h *handlers.EscrowHandler, d *handlers.DisputeHandler) {
	escrow := app.Group("/api/escrow", middleware.Protected())

	// Create new escrow hold (order acceptance)
	escrow.Post("/create", h.CreateEscrow)

	// Release held funds to the wholesaler
	escrow.Post("/:id/release", h.ReleaseEscrow)

	// Record a repayment against a hold
	escrow.Post("/:id/repayments", h.RecordRepayment)

	// Raise a dispute (freezes the escrow)
	escrow.Post("/:id/dispute", d.RaiseDispute)

	// Retailer views
	escrow.Get("/retailer/:retailerId/summary", h.GetRetailerSummary)
	escrow.Get("/retailer/:retailerId", h.GetRetailerEscrows)

	// Wholesaler views
	escrow.Get("/wholesaler/:wholesalerId/pending", h.GetWholesalerPendingEscrows)
	escrow.Get("/wholesaler/:wholesalerId/summary", h.GetWholesalerSummary)

	// Get specific escrow
	escrow.Get("/:id", h.GetEscrowByID)
}
