package services

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"ticket-gate/internal/status"
	"ticket-gate/internal/store"
	"ticket-gate/models"
)

// ticketGrace is how long after the event start a ticket stays scannable.
const ticketGrace = 24 * time.Hour

type CheckoutRequest struct {
	UserID        string               `json:"user_id" validate:"required"`
	EventID       string               `json:"event_id" validate:"required"`
	Items         []models.TierRequest `json:"items" validate:"required,min=1,dive"`
	AttendeeName  string               `json:"attendee_name"`
	AttendeeEmail string               `json:"attendee_email" validate:"omitempty,email"`
	PaymentID     string               `json:"payment_id"`
}

type ConfirmResult struct {
	Booking *models.Booking `json:"booking"`
	Report  *IssueReport    `json:"report,omitempty"`
}

// CheckoutService reserves inventory for a purchase and turns a paid
// booking into tickets.
type CheckoutService struct {
	store     store.Store
	inventory *InventoryService
	issuance  *IssuanceService
	now       func() time.Time
}

func NewCheckoutService(st store.Store, inventory *InventoryService, issuance *IssuanceService) *CheckoutService {
	return &CheckoutService{
		store:     st,
		inventory: inventory,
		issuance:  issuance,
		now:       time.Now,
	}
}

// Checkout reserves the requested units and records a pending booking and
// transaction. Nothing is persisted when the reservation fails.
func (s *CheckoutService) Checkout(ctx context.Context, req CheckoutRequest) (*models.Booking, error) {
	var event models.Event
	if err := s.store.Get(ctx, store.Events, req.EventID, &event); err != nil {
		if errors.Is(err, status.ErrNotFound) {
			return nil, fmt.Errorf("checkout: event %s: %w", req.EventID, err)
		}
		return nil, err
	}
	if event.HasPassed(s.now()) {
		return nil, fmt.Errorf("checkout: event %s has already taken place", req.EventID)
	}

	resolved, unknown, err := s.inventory.Resolve(ctx, req.EventID, req.Items)
	if err != nil {
		return nil, err
	}
	if len(unknown) > 0 {
		return nil, &InsufficientInventoryError{Shortages: unknown}
	}

	byID := make([]models.TierRequest, 0, len(resolved))
	items := make([]models.LineItem, 0, len(resolved))
	total := decimal.Zero
	for _, r := range resolved {
		byID = append(byID, models.TierRequest{TierID: r.Tier.ID, Quantity: r.Quantity})
		item := models.LineItem{
			TierID:    r.Tier.ID,
			TierName:  r.Tier.Name,
			Quantity:  r.Quantity,
			UnitPrice: r.Tier.Price,
		}
		items = append(items, item)
		total = total.Add(item.Subtotal())
	}

	if err := s.inventory.Decrement(ctx, req.EventID, byID); err != nil {
		return nil, err
	}

	now := s.now()
	booking := &models.Booking{
		ID:            uuid.NewString(),
		UserID:        req.UserID,
		EventID:       req.EventID,
		PaymentID:     req.PaymentID,
		TransactionID: uuid.NewString(),
		Status:        models.BookingPending,
		Items:         items,
		Total:         total,
		AttendeeName:  req.AttendeeName,
		AttendeeEmail: req.AttendeeEmail,
		CreatedAt:     now,
		UpdatedAt:     now,
	}
	txn := models.Transaction{
		ID:        booking.TransactionID,
		PaymentID: req.PaymentID,
		BookingID: booking.ID,
		UserID:    req.UserID,
		EventID:   req.EventID,
		Amount:    total,
		Status:    models.TransactionPending,
		CreatedAt: now,
		UpdatedAt: now,
	}

	err = s.store.RunTransaction(ctx, func(tx store.Tx) error {
		tx.Set(store.Bookings, booking.ID, booking)
		tx.Set(store.Transactions, txn.ID, txn)
		return nil
	})
	if err != nil {
		slog.Error("Failed to persist booking, releasing reservation",
			"error", err,
			"event_id", req.EventID,
			"user_id", req.UserID,
		)
		if rerr := s.inventory.Restore(ctx, req.EventID, byID); rerr != nil {
			slog.Error("Failed to release reservation", "error", rerr, "event_id", req.EventID)
		}
		return nil, fmt.Errorf("checkout: persist booking: %w", err)
	}

	slog.Info("Booking reserved",
		"booking_id", booking.ID,
		"event_id", booking.EventID,
		"tickets", len(items),
		"total", total.String(),
	)
	return booking, nil
}

// ConfirmPayment settles a pending booking and issues its tickets. Calling
// it again for a confirmed booking issues only the units that still have no
// ticket, so a short batch can be completed by retrying.
func (s *CheckoutService) ConfirmPayment(ctx context.Context, bookingID, paymentID string) (*ConfirmResult, error) {
	var booking models.Booking
	err := s.store.RunTransaction(ctx, func(tx store.Tx) error {
		booking = models.Booking{}
		if err := tx.Get(store.Bookings, bookingID, &booking); err != nil {
			return err
		}
		switch booking.Status {
		case models.BookingConfirmed:
			return nil
		case models.BookingPending:
		default:
			return fmt.Errorf("%w: booking is %s", status.ErrInvalidTransition, booking.Status)
		}

		now := s.now()
		booking.Status = models.BookingConfirmed
		booking.UpdatedAt = now
		patch := map[string]any{"status": models.BookingConfirmed, "updatedAt": now}
		if paymentID != "" {
			booking.PaymentID = paymentID
			patch["paymentId"] = paymentID
		}
		if err := tx.Update(store.Bookings, bookingID, patch); err != nil {
			return err
		}

		txPatch := map[string]any{"status": models.TransactionCompleted, "updatedAt": now}
		if paymentID != "" {
			txPatch["paymentId"] = paymentID
		}
		if err := tx.Update(store.Transactions, booking.TransactionID, txPatch); err != nil && !errors.Is(err, status.ErrNotFound) {
			return err
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	report, err := s.issueOutstanding(ctx, &booking)
	return &ConfirmResult{Booking: &booking, Report: report}, err
}

// issueOutstanding issues a ticket for every purchased unit that has none
// yet and rebuilds the booking's qrCodes from all of its tickets. It returns
// a nil report when nothing was outstanding.
func (s *CheckoutService) issueOutstanding(ctx context.Context, booking *models.Booking) (*IssueReport, error) {
	existing, err := s.bookingTickets(ctx, booking.ID)
	if err != nil {
		return nil, fmt.Errorf("list tickets of booking %s: %w", booking.ID, err)
	}
	missing := outstandingItems(booking.Items, existing)
	if len(missing) == 0 {
		return nil, nil
	}
	if len(existing) > 0 {
		slog.Info("Issuing outstanding tickets",
			"booking_id", booking.ID,
			"issued", len(existing),
		)
	}

	req := IssueRequest{
		BookingID:     booking.ID,
		TransactionID: booking.TransactionID,
		UserID:        booking.UserID,
		EventID:       booking.EventID,
		AttendeeName:  booking.AttendeeName,
		AttendeeEmail: booking.AttendeeEmail,
		Items:         missing,
	}
	var event models.Event
	if err := s.store.Get(ctx, store.Events, booking.EventID, &event); err == nil {
		req.EventTitle = event.Title
		if !event.Date.IsZero() {
			req.EventDate = event.Date.UTC().Format(time.RFC3339)
			req.ExpiresAt = event.Date.Add(ticketGrace).UnixMilli()
		}
	} else {
		slog.Warn("Issuing tickets without event details", "error", err, "event_id", booking.EventID)
	}

	report, issueErr := s.issuance.IssueTickets(ctx, req)
	if report != nil && len(report.Tickets) > 0 {
		booking.QRCodes = ticketsByTier(append(existing, report.Tickets...))
		if err := s.store.Update(ctx, store.Bookings, booking.ID, map[string]any{"qrCodes": booking.QRCodes}); err != nil {
			slog.Error("Failed to store booking QR codes", "error", err, "booking_id", booking.ID)
		}
	}
	return report, issueErr
}

func (s *CheckoutService) bookingTickets(ctx context.Context, bookingID string) ([]models.Ticket, error) {
	records, err := s.store.Query(ctx, store.Tickets, store.Query{
		Filters: map[string]any{"bookingId": bookingID},
		OrderBy: "createdAt",
	})
	if err != nil {
		return nil, err
	}
	tickets := make([]models.Ticket, 0, len(records))
	for _, r := range records {
		var t models.Ticket
		if err := r.Decode(&t); err != nil {
			return nil, fmt.Errorf("decode ticket %s: %w", r.ID, err)
		}
		tickets = append(tickets, t)
	}
	return tickets, nil
}

// outstandingItems subtracts the tickets already issued from the purchased
// line items.
func outstandingItems(items []models.LineItem, issued []models.Ticket) []models.LineItem {
	have := map[string]int{}
	for _, t := range issued {
		have[t.TierID]++
	}
	var missing []models.LineItem
	for _, item := range items {
		covered := min(have[item.TierID], item.Quantity)
		have[item.TierID] -= covered
		if item.Quantity > covered {
			item.Quantity -= covered
			missing = append(missing, item)
		}
	}
	return missing
}

// AuditBooking runs the ticket integrity check over an existing booking.
func (s *CheckoutService) AuditBooking(ctx context.Context, bookingID string) ([]IntegrityFinding, error) {
	var booking models.Booking
	if err := s.store.Get(ctx, store.Bookings, bookingID, &booking); err != nil {
		return nil, err
	}
	return s.issuance.AuditBooking(ctx, bookingID)
}

// CancelPending abandons an unpaid booking and returns its units. A non-empty
// userID must own the booking; staff callers pass an empty one.
func (s *CheckoutService) CancelPending(ctx context.Context, bookingID, userID string) (*models.Booking, error) {
	var booking models.Booking
	err := s.store.RunTransaction(ctx, func(tx store.Tx) error {
		booking = models.Booking{}
		if err := tx.Get(store.Bookings, bookingID, &booking); err != nil {
			return err
		}
		if userID != "" && booking.UserID != userID {
			return fmt.Errorf("%w: booking %s", status.ErrNotOwner, bookingID)
		}
		if booking.Status != models.BookingPending {
			return fmt.Errorf("%w: booking is %s", status.ErrInvalidTransition, booking.Status)
		}

		now := s.now()
		booking.Status = models.BookingCancelled
		booking.UpdatedAt = now
		if err := tx.Update(store.Bookings, bookingID, map[string]any{"status": models.BookingCancelled, "updatedAt": now}); err != nil {
			return err
		}
		if err := tx.Update(store.Transactions, booking.TransactionID, map[string]any{
			"status":    models.TransactionCancelled,
			"updatedAt": now,
		}); err != nil && !errors.Is(err, status.ErrNotFound) {
			return err
		}
		return s.inventory.RestoreTx(tx, booking.EventID, booking.TierRequests())
	})
	if err != nil {
		return nil, err
	}
	return &booking, nil
}
