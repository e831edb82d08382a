package models

import (
	"time"

	"github.com/shopspring/decimal"
)

type RefundEligibility struct {
	Eligible bool   `json:"eligible"`
	Reason   string `json:"reason,omitempty"`
}

type RefundResult struct {
	Success bool            `json:"success"`
	Message string          `json:"message"`
	Amount  decimal.Decimal `json:"amount"`
}

// Refund steps, applied in this order.
const (
	RefundStepBooking     = "booking"
	RefundStepTransaction = "transaction"
	RefundStepTickets     = "tickets"
	RefundStepInventory   = "inventory"
)

var RefundSteps = []string{RefundStepBooking, RefundStepTransaction, RefundStepTickets, RefundStepInventory}

type JournalStatus string

const (
	JournalInProgress JournalStatus = "in_progress"
	JournalCompleted  JournalStatus = "completed"
	JournalStuck      JournalStatus = "stuck"
)

// RefundJournal records which refund steps have been applied to a booking.
type RefundJournal struct {
	ID        string          `json:"id"`
	BookingID string          `json:"bookingId"`
	UserID    string          `json:"userId"`
	Reason    string          `json:"reason"`
	Steps     map[string]bool `json:"steps"`
	Status    JournalStatus   `json:"status"`
	LastError string          `json:"lastError,omitempty"`
	Attempts  int             `json:"attempts"`
	CreatedAt time.Time       `json:"createdAt"`
	UpdatedAt time.Time       `json:"updatedAt"`
}

func (j *RefundJournal) Done(step string) bool {
	return j.Steps[step]
}

// Pending returns the steps not yet applied, in order.
func (j *RefundJournal) Pending() []string {
	var out []string
	for _, step := range RefundSteps {
		if !j.Steps[step] {
			out = append(out, step)
		}
	}
	return out
}
