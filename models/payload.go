package models

import "strings"

// GateAccessLevel is the admission privilege encoded into a ticket.
type GateAccessLevel int

const (
	AccessGeneral GateAccessLevel = iota
	AccessVIP
	AccessAllAccess
)

func (l GateAccessLevel) String() string {
	switch l {
	case AccessVIP:
		return "vip"
	case AccessAllAccess:
		return "all-access"
	default:
		return "general"
	}
}

// AccessLevelForTier maps a tier name to its default gate access level.
func AccessLevelForTier(tierName string) GateAccessLevel {
	name := strings.ToLower(tierName)
	switch {
	case strings.Contains(name, "all-access"), strings.Contains(name, "backstage"):
		return AccessAllAccess
	case strings.Contains(name, "vip"):
		return AccessVIP
	default:
		return AccessGeneral
	}
}

// QRPayload is the signed content of one ticket. Field order is the wire order.
type QRPayload struct {
	TicketID        string          `json:"ticketId"`
	UserID          string          `json:"userId"`
	EventID         string          `json:"eventId"`
	TransactionID   string          `json:"transactionId"`
	BookingID       string          `json:"bookingId"`
	IssuedAt        int64           `json:"issuedAt"`
	AttendeeName    string          `json:"attendeeName,omitempty"`
	AttendeeEmail   string          `json:"attendeeEmail,omitempty"`
	TierName        string          `json:"tierName,omitempty"`
	GateAccessLevel GateAccessLevel `json:"gateAccessLevel,omitempty"`
	EventTitle      string          `json:"eventTitle,omitempty"`
	EventDate       string          `json:"eventDate,omitempty"`
	ExpiresAt       int64           `json:"expiresAt,omitempty"`
}

// PayloadFields are the caller-supplied inputs of a payload; IssuedAt is stamped at build time.
type PayloadFields struct {
	TicketID        string
	UserID          string
	EventID         string
	TransactionID   string
	BookingID       string
	AttendeeName    string
	AttendeeEmail   string
	TierName        string
	GateAccessLevel GateAccessLevel
	EventTitle      string
	EventDate       string
	ExpiresAt       int64
}
