package handlers

import (
	"errors"
	"net/http"

	"github.com/pocketbase/pocketbase/apis"
	"github.com/pocketbase/pocketbase/core"

	"ticket-gate/internal/services"
	"ticket-gate/internal/status"
)

type RefundHandler struct {
	refunds *services.RefundService
}

func NewRefundHandler(refunds *services.RefundService) *RefundHandler {
	return &RefundHandler{refunds: refunds}
}

type RefundRequest struct {
	Reason string `json:"reason" validate:"required,max=500"`
}

func (h *RefundHandler) Eligibility(e *core.RequestEvent) error {
	if e.Auth == nil {
		return apis.NewUnauthorizedError("Unauthorized", nil)
	}

	res, err := h.refunds.CheckEligibility(e.Request.Context(), e.Request.PathValue("bookingId"), e.Auth.Id)
	if err != nil {
		return serviceError(err)
	}
	return e.JSON(http.StatusOK, res)
}

func (h *RefundHandler) Refund(e *core.RequestEvent) error {
	if e.Auth == nil {
		return apis.NewUnauthorizedError("Unauthorized", nil)
	}

	var req RefundRequest
	if err := bind(e, &req); err != nil {
		return err
	}

	res, err := h.refunds.ProcessRefund(e.Request.Context(), e.Request.PathValue("bookingId"), e.Auth.Id, req.Reason)
	switch {
	case errors.Is(err, status.ErrNotEligible):
		return e.JSON(http.StatusBadRequest, res)
	case errors.Is(err, status.ErrRefundIncomplete):
		// Recorded and retried in the background.
		return e.JSON(http.StatusAccepted, res)
	case err != nil:
		return serviceError(err)
	}
	return e.JSON(http.StatusOK, res)
}
