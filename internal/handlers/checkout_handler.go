package handlers

import (
	"errors"
	"net/http"

	"github.com/pocketbase/pocketbase/apis"
	"github.com/pocketbase/pocketbase/core"

	"ticket-gate/internal/services"
	"ticket-gate/internal/status"
	"ticket-gate/models"
)

type CheckoutHandler struct {
	checkout *services.CheckoutService
}

func NewCheckoutHandler(checkout *services.CheckoutService) *CheckoutHandler {
	return &CheckoutHandler{checkout: checkout}
}

type CreateCheckoutRequest struct {
	EventID       string               `json:"event_id" validate:"required"`
	Items         []models.TierRequest `json:"items" validate:"required,min=1,dive"`
	AttendeeName  string               `json:"attendee_name" validate:"max=200"`
	AttendeeEmail string               `json:"attendee_email" validate:"omitempty,email"`
	PaymentID     string               `json:"payment_id"`
}

type ConfirmRequest struct {
	PaymentID string `json:"payment_id"`
}

func (h *CheckoutHandler) Create(e *core.RequestEvent) error {
	if e.Auth == nil {
		return apis.NewUnauthorizedError("Unauthorized", nil)
	}

	var req CreateCheckoutRequest
	if err := bind(e, &req); err != nil {
		return err
	}

	booking, err := h.checkout.Checkout(e.Request.Context(), services.CheckoutRequest{
		UserID:        e.Auth.Id,
		EventID:       req.EventID,
		Items:         req.Items,
		AttendeeName:  req.AttendeeName,
		AttendeeEmail: req.AttendeeEmail,
		PaymentID:     req.PaymentID,
	})
	if err != nil {
		return serviceError(err)
	}
	return e.JSON(http.StatusCreated, booking)
}

// Confirm is called by the payment backoffice once funds have settled.
func (h *CheckoutHandler) Confirm(e *core.RequestEvent) error {
	if err := requireStaff(e); err != nil {
		return err
	}

	var req ConfirmRequest
	if err := bind(e, &req); err != nil {
		return err
	}

	res, err := h.checkout.ConfirmPayment(e.Request.Context(), e.Request.PathValue("bookingId"), req.PaymentID)
	if errors.Is(err, status.ErrIssuanceIncomplete) && res != nil {
		// Paid but short: the report tells support which units to reissue.
		return e.JSON(http.StatusAccepted, res)
	}
	if err != nil {
		return serviceError(err)
	}
	return e.JSON(http.StatusOK, res)
}

func (h *CheckoutHandler) Cancel(e *core.RequestEvent) error {
	if e.Auth == nil {
		return apis.NewUnauthorizedError("Unauthorized", nil)
	}

	owner := e.Auth.Id
	if isStaff(e) {
		owner = ""
	}

	booking, err := h.checkout.CancelPending(e.Request.Context(), e.Request.PathValue("bookingId"), owner)
	if err != nil {
		return serviceError(err)
	}
	return e.JSON(http.StatusOK, booking)
}

// Integrity re-verifies every ticket envelope stored for a booking.
func (h *CheckoutHandler) Integrity(e *core.RequestEvent) error {
	if err := requireStaff(e); err != nil {
		return err
	}

	bookingID := e.Request.PathValue("bookingId")
	findings, err := h.checkout.AuditBooking(e.Request.Context(), bookingID)
	if err != nil && !errors.Is(err, status.ErrIntegrityAnomaly) {
		return serviceError(err)
	}
	if findings == nil {
		findings = []services.IntegrityFinding{}
	}
	return e.JSON(http.StatusOK, map[string]any{
		"booking_id": bookingID,
		"clean":      len(findings) == 0,
		"findings":   findings,
	})
}
