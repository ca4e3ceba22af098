package handlers

import (
	"errors"
	"strconv"

	"github.com/go-playground/validator/v10"
	"github.com/gofiber/fiber/v2"

	"IsokoPay/internal/models"
	"IsokoPay/internal/services"
)

type EscrowHandler struct {
	svc      *services.EscrowService
	validate *validator.Validate
}

func NewEscrowHandler(svc *services.EscrowService) *EscrowHandler {
	return &EscrowHandler{
		svc:      svc,
		validate: validator.New(),
	}
}

// serviceError maps service-layer errors onto HTTP responses. Business-rule
// messages (debt ceiling in particular) are passed through so operators can
// see the configured limit.
func serviceError(c *fiber.Ctx, err error) error {
	switch {
	case errors.Is(err, services.ErrSystemDisabled):
		return c.Status(fiber.StatusServiceUnavailable).JSON(fiber.Map{
			"error": err.Error(),
		})
	case errors.Is(err, services.ErrDebtCeilingExceeded):
		return c.Status(fiber.StatusUnprocessableEntity).JSON(fiber.Map{
			"error": err.Error(),
		})
	case errors.Is(err, services.ErrNotFound), errors.Is(err, services.ErrNotFoundOrAlreadyReleased):
		return c.Status(fiber.StatusNotFound).JSON(fiber.Map{
			"error": err.Error(),
		})
	case errors.Is(err, services.ErrValidation):
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"error": err.Error(),
		})
	}
	return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{
		"error": "Database error",
	})
}

func parseEscrowID(c *fiber.Ctx) (uint, error) {
	id, err := strconv.ParseUint(c.Params("id"), 10, 32)
	if err != nil {
		return 0, err
	}
	return uint(id), nil
}

// CreateEscrow opens a new escrow hold for an accepted order
func (h *EscrowHandler) CreateEscrow(c *fiber.Ctx) error {
	req := new(services.CreateEscrowParams)
	if err := c.BodyParser(req); err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"error": "Invalid request body",
		})
	}
	if err := h.validate.Struct(req); err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"error": err.Error(),
		})
	}

	escrow, err := h.svc.CreateEscrow(*req)
	if err != nil {
		return serviceError(c, err)
	}

	return c.Status(fiber.StatusCreated).JSON(fiber.Map{
		"message": "Escrow hold created",
		"escrow":  escrow,
	})
}

type ReleaseEscrowRequest struct {
	Notes string `json:"notes"`
}

// ReleaseEscrow releases a held escrow to the wholesaler
func (h *EscrowHandler) ReleaseEscrow(c *fiber.Ctx) error {
	escrowID, err := parseEscrowID(c)
	if err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"error": "Invalid escrow id",
		})
	}

	req := new(ReleaseEscrowRequest)
	if len(c.Body()) > 0 {
		if err := c.BodyParser(req); err != nil {
			return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
				"error": "Invalid request body",
			})
		}
	}

	confirmedBy, _ := c.Locals("user_id").(string)

	escrow, err := h.svc.ReleaseEscrow(escrowID, confirmedBy, req.Notes)
	if err != nil {
		return serviceError(c, err)
	}

	return c.JSON(fiber.Map{
		"message": "Escrow released to wholesaler",
		"escrow":  escrow,
	})
}

type RecordRepaymentRequest struct {
	RepaymentAmount  float64                `json:"repayment_amount" validate:"required,gt=0"`
	RepaymentMethod  models.RepaymentMethod `json:"repayment_method" validate:"required"`
	PaymentReference string                 `json:"payment_reference"`
	Notes            string                 `json:"notes"`
}

// RecordRepayment applies a retailer payment against an escrow hold
func (h *EscrowHandler) RecordRepayment(c *fiber.Ctx) error {
	escrowID, err := parseEscrowID(c)
	if err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"error": "Invalid escrow id",
		})
	}

	req := new(RecordRepaymentRequest)
	if err := c.BodyParser(req); err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"error": "Invalid request body",
		})
	}
	if err := h.validate.Struct(req); err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"error": err.Error(),
		})
	}

	repayment, err := h.svc.RecordRepayment(services.RecordRepaymentParams{
		EscrowTransactionID: escrowID,
		RepaymentAmount:     req.RepaymentAmount,
		RepaymentMethod:     req.RepaymentMethod,
		PaymentReference:    req.PaymentReference,
		Notes:               req.Notes,
	})
	if err != nil {
		return serviceError(c, err)
	}

	return c.Status(fiber.StatusCreated).JSON(fiber.Map{
		"message":   "Repayment recorded",
		"repayment": repayment,
	})
}

// GetEscrowByID retrieves a specific escrow with its repayments
func (h *EscrowHandler) GetEscrowByID(c *fiber.Ctx) error {
	escrowID, err := parseEscrowID(c)
	if err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"error": "Invalid escrow id",
		})
	}

	escrow, err := h.svc.GetEscrow(escrowID)
	if err != nil {
		return serviceError(c, err)
	}

	return c.JSON(fiber.Map{
		"escrow": escrow,
	})
}

// GetRetailerEscrows lists a retailer's escrows, optionally filtered by status
func (h *EscrowHandler) GetRetailerEscrows(c *fiber.Ctx) error {
	retailerID := c.Params("retailerId")
	status := models.EscrowStatus(c.Query("status"))

	escrows, err := h.svc.GetRetailerEscrows(retailerID, status)
	if err != nil {
		return serviceError(c, err)
	}

	return c.JSON(fiber.Map{
		"escrows": escrows,
		"count":   len(escrows),
	})
}

// GetRetailerSummary reports a retailer's escrow counts and outstanding debt
func (h *EscrowHandler) GetRetailerSummary(c *fiber.Ctx) error {
	summary, err := h.svc.GetRetailerSummary(c.Params("retailerId"))
	if err != nil {
		return serviceError(c, err)
	}

	return c.JSON(fiber.Map{
		"summary": summary,
	})
}

// GetWholesalerPendingEscrows lists held escrows earliest-expiring first,
// giving operators a release-risk queue
func (h *EscrowHandler) GetWholesalerPendingEscrows(c *fiber.Ctx) error {
	escrows, err := h.svc.GetWholesalerPendingEscrows(c.Params("wholesalerId"))
	if err != nil {
		return serviceError(c, err)
	}

	return c.JSON(fiber.Map{
		"escrows": escrows,
		"count":   len(escrows),
	})
}

// GetWholesalerSummary aggregates a wholesaler's escrows by status
func (h *EscrowHandler) GetWholesalerSummary(c *fiber.Ctx) error {
	summary, err := h.svc.GetWholesalerSummary(c.Params("wholesalerId"))
	if err != nil {
		return serviceError(c, err)
	}

	return c.JSON(fiber.Map{
		"summary": summary,
	})
}
