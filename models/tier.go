package models

import (
	"encoding/json"

	"github.com/shopspring/decimal"
)

// TicketTier holds the inventory counters of one priced category.
type TicketTier struct {
	ID       string          `json:"id"`
	EventID  string          `json:"eventId"`
	Name     string          `json:"name"`
	AltID    string          `json:"ticketTypeId,omitempty"`
	Price    decimal.Decimal `json:"price"`
	Quantity int             `json:"quantity"`
	Sold     int             `json:"sold"`
}

// UnmarshalJSON accepts the legacy quantitySold counter when sold is absent.
func (t *TicketTier) UnmarshalJSON(data []byte) error {
	type plain TicketTier
	aux := struct {
		*plain
		Sold         *int `json:"sold"`
		QuantitySold *int `json:"quantitySold"`
	}{plain: (*plain)(t)}
	if err := json.Unmarshal(data, &aux); err != nil {
		return err
	}
	switch {
	case aux.Sold != nil:
		t.Sold = *aux.Sold
	case aux.QuantitySold != nil:
		t.Sold = *aux.QuantitySold
	}
	return nil
}

func (t *TicketTier) Available() int {
	if t.Sold >= t.Quantity {
		return 0
	}
	return t.Quantity - t.Sold
}

// TierRequest asks for quantity units of a tier; TierID may also be a tier name or legacy id.
type TierRequest struct {
	TierID   string `json:"tier_id" validate:"required"`
	Quantity int    `json:"quantity" validate:"required,gt=0"`
}

// Shortage reports a requested tier that cannot be fully satisfied.
type Shortage struct {
	TierID    string `json:"tier_id"`
	TierName  string `json:"tier_name"`
	Available int    `json:"available"`
	Requested int    `json:"requested"`
}
