package handlers

import (
	"net/http"
	"strconv"

	"github.com/pocketbase/pocketbase/apis"
	"github.com/pocketbase/pocketbase/core"

	"ticket-gate/internal/secureqr"
	"ticket-gate/internal/services"
	"ticket-gate/models"
)

const (
	defaultQRSize = 512
	maxQRSize     = 2048
)

type TicketHandler struct {
	checkin *services.CheckInService
}

func NewTicketHandler(checkin *services.CheckInService) *TicketHandler {
	return &TicketHandler{checkin: checkin}
}

// ownedTicket loads the path ticket for its owner or for staff.
func (h *TicketHandler) ownedTicket(e *core.RequestEvent) (*models.Ticket, error) {
	if e.Auth == nil {
		return nil, apis.NewUnauthorizedError("Unauthorized", nil)
	}
	ticket, err := h.checkin.Ticket(e.Request.Context(), e.Request.PathValue("ticketId"))
	if err != nil {
		return nil, serviceError(err)
	}
	if ticket.UserID != e.Auth.Id && !isStaff(e) {
		// Same answer as a missing ticket so ids cannot be enumerated.
		return nil, apis.NewNotFoundError("Not found", nil)
	}
	return ticket, nil
}

func (h *TicketHandler) GetTicket(e *core.RequestEvent) error {
	ticket, err := h.ownedTicket(e)
	if err != nil {
		return err
	}
	return e.JSON(http.StatusOK, ticket)
}

func (h *TicketHandler) Regenerate(e *core.RequestEvent) error {
	ticket, err := h.ownedTicket(e)
	if err != nil {
		return err
	}

	updated, err := h.checkin.RegenerateQR(e.Request.Context(), ticket.ID, e.Auth.Id)
	if err != nil {
		return serviceError(err)
	}
	return e.JSON(http.StatusOK, map[string]any{
		"ticket_id":         updated.ID,
		"qr_data":           updated.QRData,
		"regenerated_count": updated.RegeneratedCount,
	})
}

func (h *TicketHandler) QRImage(e *core.RequestEvent) error {
	ticket, err := h.ownedTicket(e)
	if err != nil {
		return err
	}

	size := defaultQRSize
	if raw := e.Request.URL.Query().Get("size"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 64 || n > maxQRSize {
			return apis.NewBadRequestError("size must be between 64 and 2048", nil)
		}
		size = n
	}

	png, err := secureqr.RenderPNG(ticket.QRData, size)
	if err != nil {
		return serviceError(err)
	}
	e.Response.Header().Set("Cache-Control", "private, no-store")
	return e.Blob(http.StatusOK, "image/png", png)
}
