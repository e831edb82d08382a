package handlers

import (
	"errors"
	"log/slog"
	"net/http"

	"github.com/go-playground/validator/v10"
	"github.com/pocketbase/pocketbase/apis"
	"github.com/pocketbase/pocketbase/core"

	"ticket-gate/internal/services"
	"ticket-gate/internal/status"
)

var validate = validator.New()

// bind decodes and validates a JSON body.
func bind(e *core.RequestEvent, dst any) error {
	if err := e.BindBody(dst); err != nil {
		return apis.NewBadRequestError("Invalid request body", err)
	}
	if err := validate.Struct(dst); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) {
			fields := make(map[string]string, len(verrs))
			for _, fe := range verrs {
				fields[fe.Field()] = fe.Tag()
			}
			return apis.NewBadRequestError("Validation failed", fields)
		}
		return apis.NewBadRequestError("Validation failed", err)
	}
	return nil
}

func isStaff(e *core.RequestEvent) bool {
	if e.Auth == nil {
		return false
	}
	return e.HasSuperuserAuth() || e.Auth.Collection().Name == "staff"
}

func requireStaff(e *core.RequestEvent) error {
	if e.Auth == nil {
		return apis.NewUnauthorizedError("Unauthorized", nil)
	}
	if !isStaff(e) {
		return apis.NewForbiddenError("Staff access required", nil)
	}
	return nil
}

// serviceError maps service errors onto API errors.
func serviceError(err error) error {
	var insufficient *services.InsufficientInventoryError
	switch {
	case errors.As(err, &insufficient):
		return apis.NewApiError(http.StatusConflict, "Not enough tickets available", map[string]any{
			"shortages": insufficient.Shortages,
		})
	case errors.Is(err, status.ErrTicketNotFound), errors.Is(err, status.ErrNotFound):
		return apis.NewNotFoundError("Not found", nil)
	case errors.Is(err, status.ErrNotEligible):
		return apis.NewBadRequestError(err.Error(), nil)
	case errors.Is(err, status.ErrOverrideDenied):
		return apis.NewForbiddenError("Override not permitted", nil)
	case errors.Is(err, status.ErrNotOwner):
		return apis.NewForbiddenError("You do not have access to this booking", nil)
	case errors.Is(err, status.ErrInvalidTransition), errors.Is(err, status.ErrWrongEvent):
		return apis.NewBadRequestError(err.Error(), nil)
	case errors.Is(err, status.ErrRateLimited):
		return apis.NewTooManyRequestsError("Too many requests", nil)
	case errors.Is(err, status.ErrIntegrityAnomaly):
		return apis.NewApiError(http.StatusConflict, "Ticket record is inconsistent", nil)
	case errors.Is(err, status.ErrStoreUnavailable), errors.Is(err, status.ErrTxConflict):
		return apis.NewApiError(http.StatusServiceUnavailable, "Service temporarily unavailable, please retry", nil)
	}
	slog.Error("Request failed", "error", err)
	return apis.NewInternalServerError("Something went wrong", nil)
}
