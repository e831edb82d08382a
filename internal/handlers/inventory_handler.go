package handlers

import (
	"net/http"

	"github.com/pocketbase/pocketbase/core"

	"ticket-gate/internal/services"
	"ticket-gate/models"
)

type InventoryHandler struct {
	inventory *services.InventoryService
}

func NewInventoryHandler(inventory *services.InventoryService) *InventoryHandler {
	return &InventoryHandler{inventory: inventory}
}

type AvailabilityRequest struct {
	Items []models.TierRequest `json:"items" validate:"required,min=1,dive"`
}

func (h *InventoryHandler) CheckAvailability(e *core.RequestEvent) error {
	var req AvailabilityRequest
	if err := bind(e, &req); err != nil {
		return err
	}

	shortages, err := h.inventory.CheckAvailability(e.Request.Context(), e.Request.PathValue("eventId"), req.Items)
	if err != nil {
		return serviceError(err)
	}
	if shortages == nil {
		shortages = []models.Shortage{}
	}
	return e.JSON(http.StatusOK, map[string]any{
		"available": len(shortages) == 0,
		"shortages": shortages,
	})
}
