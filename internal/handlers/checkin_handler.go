package handlers

import (
	"net/http"

	"github.com/pocketbase/pocketbase/apis"
	"github.com/pocketbase/pocketbase/core"

	"ticket-gate/internal/services"
	"ticket-gate/models"
)

type CheckInHandler struct {
	checkin  *services.CheckInService
	scanners *services.ScannerRegistry
}

func NewCheckInHandler(checkin *services.CheckInService, scanners *services.ScannerRegistry) *CheckInHandler {
	return &CheckInHandler{checkin: checkin, scanners: scanners}
}

type ScanRequest struct {
	EventID  string            `json:"event_id" validate:"required"`
	DeviceID string            `json:"device_id" validate:"max=64"`
	Code     string            `json:"code" validate:"required,max=8192"`
	Method   models.ScanMethod `json:"method" validate:"omitempty,oneof=camera manual upload"`
}

// Scan classifies one code. The response is always 200 with a typed result;
// rejection reasons travel in the body.
func (h *CheckInHandler) Scan(e *core.RequestEvent) error {
	if err := requireStaff(e); err != nil {
		return err
	}

	var req ScanRequest
	if err := bind(e, &req); err != nil {
		return err
	}
	if req.Method == "" {
		req.Method = models.MethodCamera
	}

	res, err := h.scanners.Scan(e.Request.Context(), services.ScanInput{
		EventID:    req.EventID,
		DeviceID:   req.DeviceID,
		OperatorID: e.Auth.Id,
		Code:       req.Code,
		Method:     req.Method,
	})
	if err != nil {
		return serviceError(err)
	}
	return e.JSON(http.StatusOK, res)
}

func (h *CheckInHandler) Override(e *core.RequestEvent) error {
	if err := requireStaff(e); err != nil {
		return err
	}

	var req models.OverrideRequest
	if err := bind(e, &req); err != nil {
		return err
	}
	req.OperatorID = e.Auth.Id

	res, err := h.checkin.Override(e.Request.Context(), req)
	if err != nil {
		return serviceError(err)
	}
	return e.JSON(http.StatusOK, res)
}

type OpenSessionRequest struct {
	EventID string `json:"event_id" validate:"required"`
}

// OpenSession starts the scanner state machine for a gate device.
func (h *CheckInHandler) OpenSession(e *core.RequestEvent) error {
	if err := requireStaff(e); err != nil {
		return err
	}

	var req OpenSessionRequest
	if err := bind(e, &req); err != nil {
		return err
	}

	session, err := h.scanners.Open(req.EventID, e.Request.PathValue("deviceId"), e.Auth.Id)
	if err != nil {
		return serviceError(err)
	}
	return e.JSON(http.StatusCreated, session.View())
}

func (h *CheckInHandler) GetSession(e *core.RequestEvent) error {
	if err := requireStaff(e); err != nil {
		return err
	}

	session, err := h.scanners.Session(e.Request.PathValue("deviceId"))
	if err != nil {
		return serviceError(err)
	}
	return e.JSON(http.StatusOK, session.View())
}

// SessionAction applies a device-reported event such as camera-ready or pause.
func (h *CheckInHandler) SessionAction(e *core.RequestEvent) error {
	if err := requireStaff(e); err != nil {
		return err
	}

	session, err := h.scanners.Session(e.Request.PathValue("deviceId"))
	if err != nil {
		return serviceError(err)
	}

	var apply func() error
	switch e.Request.PathValue("action") {
	case "camera-ready":
		apply = session.CameraReady
	case "camera-failed":
		apply = session.CameraFailed
	case "recover":
		apply = session.Recover
	case "pause":
		apply = session.Pause
	case "resume":
		apply = session.Resume
	case "acknowledge":
		apply = session.Acknowledge
	default:
		return apis.NewBadRequestError("Unknown scanner action", nil)
	}
	if err := apply(); err != nil {
		return serviceError(err)
	}
	return e.JSON(http.StatusOK, session.View())
}

func (h *CheckInHandler) CloseSession(e *core.RequestEvent) error {
	if err := requireStaff(e); err != nil {
		return err
	}

	if err := h.scanners.Close(e.Request.PathValue("deviceId")); err != nil {
		return serviceError(err)
	}
	return e.NoContent(http.StatusNoContent)
}
