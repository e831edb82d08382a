package models

import (
	"time"
)

type TicketStatus string

const (
	TicketValid     TicketStatus = "valid"
	TicketUsed      TicketStatus = "used"
	TicketExpired   TicketStatus = "expired"
	TicketCancelled TicketStatus = "cancelled"
)

// Ticket is the persisted record of one admission.
type Ticket struct {
	ID               string          `json:"id"`
	TierID           string          `json:"tierId"`
	TierName         string          `json:"tierName"`
	BookingID        string          `json:"bookingId"`
	TransactionID    string          `json:"transactionId"`
	UserID           string          `json:"userId"`
	EventID          string          `json:"eventId"`
	AttendeeName     string          `json:"attendeeName,omitempty"`
	GateAccessLevel  GateAccessLevel `json:"gateAccessLevel"`
	QRData           string          `json:"qrData"`
	QRHash           string          `json:"qrHash"`
	Status           TicketStatus    `json:"status"`
	RegeneratedCount int             `json:"regeneratedCount"`
	ScannedAt        *time.Time      `json:"scannedAt,omitempty"`
	ScannedBy        string          `json:"scannedBy,omitempty"`
	ScannedDevice    string          `json:"scannedDevice,omitempty"`
	CreatedAt        time.Time       `json:"createdAt"`
	UpdatedAt        time.Time       `json:"updatedAt"`
}

// Summary is the part of a ticket shown on the gate display.
func (t *Ticket) Summary() *TicketSummary {
	return &TicketSummary{
		ID:              t.ID,
		EventID:         t.EventID,
		TierName:        t.TierName,
		AttendeeName:    t.AttendeeName,
		GateAccessLevel: t.GateAccessLevel,
		Status:          t.Status,
	}
}

type TicketSummary struct {
	ID              string          `json:"id"`
	EventID         string          `json:"event_id"`
	TierName        string          `json:"tier_name,omitempty"`
	AttendeeName    string          `json:"attendee_name,omitempty"`
	GateAccessLevel GateAccessLevel `json:"gate_access_level"`
	Status          TicketStatus    `json:"status"`
}
