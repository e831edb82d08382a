package models

import (
	"time"
)

// ScannerState is the gate scanner's UI state.
type ScannerState string

const (
	StateIdle         ScannerState = "idle"
	StateInitializing ScannerState = "initializing"
	StateScanning     ScannerState = "scanning"
	StateProcessing   ScannerState = "processing"
	StateValid        ScannerState = "valid"
	StateInvalid      ScannerState = "invalid"
	StateDuplicate    ScannerState = "duplicate"
	StateCameraError  ScannerState = "camera_error"
	StatePaused       ScannerState = "paused"
)

type ScanMethod string

const (
	MethodCamera ScanMethod = "camera"
	MethodManual ScanMethod = "manual"
	MethodUpload ScanMethod = "upload"
)

type ScanStatus string

const (
	ScanValid     ScanStatus = "valid"
	ScanInvalid   ScanStatus = "invalid"
	ScanDuplicate ScanStatus = "duplicate"
)

// Scan result codes; each maps to a distinct operator-facing reason.
const (
	CodeAdmitted         = "admitted"
	CodeMalformed        = "malformed"
	CodeSignatureInvalid = "signature_invalid"
	CodeNotFound         = "ticket_not_found"
	CodeAlreadyUsed      = "already_used"
	CodeCancelled        = "cancelled"
	CodeExpired          = "expired"
	CodeWrongEvent       = "wrong_event"
	CodeSuperseded       = "superseded"
	CodeIntegrity        = "integrity_anomaly"
	CodeUnavailable      = "unavailable"
	CodeRateLimited      = "rate_limited"
	CodeTimeout          = "timeout"
	CodeOverride         = "override"
)

// CheckInRecord describes the first admission of a ticket.
type CheckInRecord struct {
	At     time.Time `json:"at"`
	By     string    `json:"by"`
	Device string    `json:"device,omitempty"`
}

type ScanResult struct {
	Status       ScanStatus     `json:"status"`
	Code         string         `json:"code"`
	Message      string         `json:"message"`
	Method       ScanMethod     `json:"method"`
	Ticket       *TicketSummary `json:"ticket,omitempty"`
	FirstCheckIn *CheckInRecord `json:"first_check_in,omitempty"`
	// Unverified is set when no signature was checked (manual entry).
	Unverified bool      `json:"unverified"`
	Offline    bool      `json:"offline"`
	Overridden bool      `json:"overridden"`
	ScannedAt  time.Time `json:"scanned_at"`
}

// State returns the scanner state a result settles into.
func (r ScanResult) State() ScannerState {
	switch r.Status {
	case ScanValid:
		return StateValid
	case ScanDuplicate:
		return StateDuplicate
	default:
		return StateInvalid
	}
}

type OverrideReason string

const (
	OverrideReprint       OverrideReason = "reprinted_ticket"
	OverrideReEntry       OverrideReason = "re_entry"
	OverrideScannerFault  OverrideReason = "scanner_fault"
	OverrideStaffDecision OverrideReason = "staff_decision"
)

func (r OverrideReason) Valid() bool {
	switch r {
	case OverrideReprint, OverrideReEntry, OverrideScannerFault, OverrideStaffDecision:
		return true
	}
	return false
}

type OverrideRequest struct {
	TicketID      string         `json:"ticket_id" validate:"required"`
	EventID       string         `json:"event_id" validate:"required"`
	DeviceID      string         `json:"device_id"`
	Reason        OverrideReason `json:"reason" validate:"required"`
	Note          string         `json:"note" validate:"max=500"`
	SupervisorPIN string         `json:"supervisor_pin,omitempty"`
	OperatorID    string         `json:"-"`
}
