package models

import (
	"time"

	"github.com/shopspring/decimal"
)

type BookingStatus string

const (
	BookingPending   BookingStatus = "pending"
	BookingConfirmed BookingStatus = "confirmed"
	BookingCancelled BookingStatus = "cancelled"
	BookingRefunded  BookingStatus = "refunded"
)

// LineItem is one tier purchased within a booking.
type LineItem struct {
	TierID    string          `json:"tierId" validate:"required"`
	TierName  string          `json:"tierName"`
	Quantity  int             `json:"quantity" validate:"required,gt=0"`
	UnitPrice decimal.Decimal `json:"unitPrice"`
	// GateAccessLevel overrides the level derived from TierName when set.
	GateAccessLevel *GateAccessLevel `json:"gateAccessLevel,omitempty"`
}

func (l LineItem) Subtotal() decimal.Decimal {
	return l.UnitPrice.Mul(decimal.NewFromInt(int64(l.Quantity)))
}

type Booking struct {
	ID            string              `json:"id"`
	UserID        string              `json:"userId"`
	EventID       string              `json:"eventId"`
	PaymentID     string              `json:"paymentId"`
	TransactionID string              `json:"transactionId"`
	Status        BookingStatus       `json:"status"`
	Items         []LineItem          `json:"items"`
	QRCodes       map[string][]string `json:"qrCodes,omitempty"`
	Total         decimal.Decimal     `json:"total"`
	AttendeeName  string              `json:"attendeeName,omitempty"`
	AttendeeEmail string              `json:"attendeeEmail,omitempty"`
	RefundReason  string              `json:"refundReason,omitempty"`
	CreatedAt     time.Time           `json:"createdAt"`
	UpdatedAt     time.Time           `json:"updatedAt"`
}

// TierRequests converts the booking's line items into inventory requests.
func (b *Booking) TierRequests() []TierRequest {
	reqs := make([]TierRequest, 0, len(b.Items))
	for _, item := range b.Items {
		reqs = append(reqs, TierRequest{TierID: item.TierID, Quantity: item.Quantity})
	}
	return reqs
}

type TransactionStatus string

const (
	TransactionPending   TransactionStatus = "pending"
	TransactionCompleted TransactionStatus = "completed"
	TransactionRefunded  TransactionStatus = "refunded"
	TransactionCancelled TransactionStatus = "cancelled"
)

type Transaction struct {
	ID        string            `json:"id"`
	PaymentID string            `json:"paymentId"`
	BookingID string            `json:"bookingId"`
	UserID    string            `json:"userId"`
	EventID   string            `json:"eventId"`
	Amount    decimal.Decimal   `json:"amount"`
	Status    TransactionStatus `json:"status"`
	CreatedAt time.Time         `json:"createdAt"`
	UpdatedAt time.Time         `json:"updatedAt"`
}
