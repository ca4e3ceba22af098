package handlers

import (
	"strconv"

	"github.com/gofiber/fiber/v2"

	"IsokoPay/internal/services"
)

type AdminHandler struct {
	svc       *services.EscrowService
	scheduler *services.SettlementScheduler
}

func NewAdminHandler(svc *services.EscrowService, scheduler *services.SettlementScheduler) *AdminHandler {
	return &AdminHandler{
		svc:       svc,
		scheduler: scheduler,
	}
}

// GetSchedulerStatus reports each settlement job's state and cadence
func (h *AdminHandler) GetSchedulerStatus(c *fiber.Ctx) error {
	return c.JSON(fiber.Map{
		"timezone": services.SchedulerTimezone,
		"jobs":     h.scheduler.GetStatus(),
	})
}

// TriggerAutoRelease runs the auto-release batch synchronously
func (h *AdminHandler) TriggerAutoRelease(c *fiber.Ctx) error {
	released, err := h.scheduler.TriggerAutoRelease()
	if err != nil {
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{
			"success": false,
			"error":   err.Error(),
		})
	}

	return c.JSON(fiber.Map{
		"success":        true,
		"released_count": released,
	})
}

// TriggerAutoDeduct runs the auto-deduction sweep synchronously
func (h *AdminHandler) TriggerAutoDeduct(c *fiber.Ctx) error {
	result, err := h.scheduler.TriggerAutoDeduct()
	if err != nil {
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{
			"success": false,
			"error":   err.Error(),
		})
	}

	return c.JSON(fiber.Map{
		"success": true,
		"result":  result,
	})
}

// GetSettings returns the process-wide escrow settings
func (h *AdminHandler) GetSettings(c *fiber.Ctx) error {
	settings, err := h.svc.GetSettings()
	if err != nil {
		return serviceError(c, err)
	}

	return c.JSON(fiber.Map{
		"settings": settings,
	})
}

// UpdateSettings applies a partial update to the escrow settings
func (h *AdminHandler) UpdateSettings(c *fiber.Ctx) error {
	req := new(services.UpdateSettingsParams)
	if err := c.BodyParser(req); err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"error": "Invalid request body",
		})
	}

	updatedBy, _ := c.Locals("user_id").(string)

	settings, err := h.svc.UpdateSettings(*req, updatedBy)
	if err != nil {
		return serviceError(c, err)
	}

	return c.JSON(fiber.Map{
		"message":  "Settings updated",
		"settings": settings,
	})
}

// UpsertAutoDeductConfig creates or updates a retailer's auto-deduction config
func (h *AdminHandler) UpsertAutoDeductConfig(c *fiber.Ctx) error {
	req := new(services.AutoDeductParams)
	if err := c.BodyParser(req); err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"error": "Invalid request body",
		})
	}

	cfg, err := h.svc.UpdateAutoDeductSettings(c.Params("retailerId"), *req)
	if err != nil {
		return serviceError(c, err)
	}

	return c.JSON(fiber.Map{
		"message": "Auto-deduction configuration saved",
		"config":  cfg,
	})
}

// ListSettlementRuns lists recent sweep executions for audit
func (h *AdminHandler) ListSettlementRuns(c *fiber.Ctx) error {
	limit, _ := strconv.Atoi(c.Query("limit", "30"))

	runs, err := h.svc.ListSettlementRuns(limit)
	if err != nil {
		return serviceError(c, err)
	}

	return c.JSON(fiber.Map{
		"runs":  runs,
		"count": len(runs),
	})
}

// RetryLedgerSyncs re-drives failed ledger transfers
func (h *AdminHandler) RetryLedgerSyncs(c *fiber.Ctx) error {
	repaired, err := h.svc.RetryLedgerSyncs()
	if err != nil {
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{
			"success": false,
			"error":   err.Error(),
		})
	}

	return c.JSON(fiber.Map{
		"success":  true,
		"repaired": repaired,
	})
}
