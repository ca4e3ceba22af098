package handlers

import (
	"log"

	"github.com/go-playground/validator/v10"
	"github.com/gofiber/fiber/v2"

	"IsokoPay/internal/services"
)

type DisputeHandler struct {
	svc      *services.EscrowService
	uploads  services.EvidenceStore
	validate *validator.Validate
}

// NewDisputeHandler wires the dispute endpoints. uploads may be nil, in which
// case evidence attachments are rejected but disputes still work.
func NewDisputeHandler(svc *services.EscrowService, uploads services.EvidenceStore) *DisputeHandler {
	return &DisputeHandler{
		svc:      svc,
		uploads:  uploads,
		validate: validator.New(),
	}
}

type RaiseDisputeRequest struct {
	Reason string `json:"reason" form:"reason" validate:"required"`
}

// RaiseDispute freezes an escrow in the disputed state. Accepts JSON or
// multipart form; a multipart "evidence" file is stored and linked.
func (h *DisputeHandler) RaiseDispute(c *fiber.Ctx) error {
	escrowID, err := parseEscrowID(c)
	if err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"error": "Invalid escrow id",
		})
	}

	req := new(RaiseDisputeRequest)
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

	raisedBy, _ := c.Locals("user_id").(string)

	params := services.RaiseDisputeParams{
		EscrowID: escrowID,
		Reason:   req.Reason,
		RaisedBy: raisedBy,
	}

	if file, err := c.FormFile("evidence"); err == nil && file != nil {
		if h.uploads == nil {
			return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
				"error": "Evidence uploads are not configured",
			})
		}
		result, err := h.uploads.UploadEvidence(file)
		if err != nil {
			log.Printf("⚠️  evidence upload failed for escrow %d: %v", escrowID, err)
			return c.Status(fiber.StatusBadGateway).JSON(fiber.Map{
				"error": "Failed to upload evidence file",
			})
		}
		params.EvidenceURL = result.SecureURL
		params.EvidencePublicID = result.PublicID
	}

	escrow, err := h.svc.RaiseDispute(params)
	if err != nil {
		// The dispute never landed; remove the uploaded evidence so it does
		// not orphan in storage
		if params.EvidencePublicID != "" {
			if delErr := h.uploads.DeleteEvidence(params.EvidencePublicID); delErr != nil {
				log.Printf("⚠️  failed to remove orphaned evidence %s: %v", params.EvidencePublicID, delErr)
			}
		}
		return serviceError(c, err)
	}

	return c.JSON(fiber.Map{
		"message": "Dispute raised. The escrow is frozen until it is resolved.",
		"escrow": fiber.Map{
			"id":                escrow.ID,
			"order_id":          escrow.OrderID,
			"status":            escrow.Status,
			"dispute_reason":    escrow.DisputeReason,
			"dispute_raised_by": escrow.DisputeRaisedBy,
			"dispute_raised_at": escrow.DisputeRaisedAt,
			"evidence_url":      escrow.DisputeEvidenceURL,
		},
	})
}
