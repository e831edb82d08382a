package models

import (
	"time"
)

type Event struct {
	ID     string    `json:"id"`
	Title  string    `json:"title"`
	Venue  string    `json:"venue,omitempty"`
	Date   time.Time `json:"date"`
	Status string    `json:"status"` // draft, published, ended
}

func (e *Event) HasPassed(now time.Time) bool {
	return !e.Date.IsZero() && now.After(e.Date)
}
