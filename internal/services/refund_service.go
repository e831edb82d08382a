package services

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"ticket-gate/internal/status"
	"ticket-gate/internal/store"
	"ticket-gate/models"
	"ticket-gate/monitoring"
)

// RefundService reverses a confirmed booking. Progress is kept in a refund
// journal so an interrupted refund can be resumed without repeating steps.
type RefundService struct {
	store     store.Store
	inventory *InventoryService
	audit     AuditSink
	monitor   *monitoring.Monitor
	now       func() time.Time
}

func NewRefundService(st store.Store, inventory *InventoryService, audit AuditSink, monitor *monitoring.Monitor) *RefundService {
	if audit == nil {
		audit = LogAuditSink{}
	}
	return &RefundService{
		store:     st,
		inventory: inventory,
		audit:     audit,
		monitor:   monitor,
		now:       time.Now,
	}
}

func ineligibility(b *models.Booking, ev *models.Event, userID string, now time.Time) string {
	switch {
	case b.UserID != userID:
		return "Booking does not belong to this user"
	case b.Status != models.BookingConfirmed:
		return fmt.Sprintf("Booking is %s and cannot be refunded", b.Status)
	case ev == nil:
		return "Event not found"
	case ev.HasPassed(now):
		return "Event has already taken place"
	}
	return ""
}

func (s *RefundService) CheckEligibility(ctx context.Context, bookingID, userID string) (models.RefundEligibility, error) {
	var booking models.Booking
	if err := s.store.Get(ctx, store.Bookings, bookingID, &booking); err != nil {
		if errors.Is(err, status.ErrNotFound) {
			return models.RefundEligibility{Reason: "Booking not found"}, nil
		}
		return models.RefundEligibility{}, err
	}

	var event *models.Event
	var ev models.Event
	if err := s.store.Get(ctx, store.Events, booking.EventID, &ev); err == nil {
		event = &ev
	} else if !errors.Is(err, status.ErrNotFound) {
		return models.RefundEligibility{}, err
	}

	if reason := ineligibility(&booking, event, userID, s.now()); reason != "" {
		return models.RefundEligibility{Reason: reason}, nil
	}
	return models.RefundEligibility{Eligible: true}, nil
}

// ProcessRefund re-checks eligibility and marks the booking refunded in the
// same transaction that opens the journal, then applies the remaining steps.
func (s *RefundService) ProcessRefund(ctx context.Context, bookingID, userID, reason string) (models.RefundResult, error) {
	elig, err := s.CheckEligibility(ctx, bookingID, userID)
	if err != nil {
		return models.RefundResult{}, err
	}
	if !elig.Eligible {
		s.monitor.TrackRefund("rejected")
		return models.RefundResult{Message: elig.Reason}, fmt.Errorf("%w: %s", status.ErrNotEligible, elig.Reason)
	}

	var (
		journal models.RefundJournal
		booking models.Booking
	)
	err = s.store.RunTransaction(ctx, func(tx store.Tx) error {
		booking = models.Booking{}
		if err := tx.Get(store.Bookings, bookingID, &booking); err != nil {
			return err
		}
		var ev models.Event
		event := &ev
		if err := tx.Get(store.Events, booking.EventID, &ev); err != nil {
			if !errors.Is(err, status.ErrNotFound) {
				return err
			}
			event = nil
		}

		now := s.now()
		if r := ineligibility(&booking, event, userID, now); r != "" {
			return fmt.Errorf("%w: %s", status.ErrNotEligible, r)
		}

		if err := tx.Update(store.Bookings, bookingID, map[string]any{
			"status":       models.BookingRefunded,
			"refundReason": reason,
			"updatedAt":    now,
		}); err != nil {
			return err
		}

		journal = models.RefundJournal{
			ID:        bookingID,
			BookingID: bookingID,
			UserID:    userID,
			Reason:    reason,
			Steps:     map[string]bool{models.RefundStepBooking: true},
			Status:    models.JournalInProgress,
			CreatedAt: now,
			UpdatedAt: now,
		}
		tx.Set(store.RefundJournals, bookingID, journal)
		return nil
	})
	if err != nil {
		if errors.Is(err, status.ErrNotEligible) {
			s.monitor.TrackRefund("rejected")
			return models.RefundResult{Message: err.Error()}, err
		}
		return models.RefundResult{}, err
	}

	if err := s.resume(ctx, &journal); err != nil {
		return models.RefundResult{
			Message: "Refund recorded but not fully applied; it will be retried",
			Amount:  booking.Total,
		}, err
	}

	s.monitor.TrackRefund("completed")
	return models.RefundResult{Success: true, Message: "Refund processed", Amount: booking.Total}, nil
}

// ResumeRefunds retries every journal that has not completed. It is safe to
// run concurrently with new refunds and with itself.
func (s *RefundService) ResumeRefunds(ctx context.Context) (int, error) {
	var journals []models.RefundJournal
	for _, st := range []models.JournalStatus{models.JournalInProgress, models.JournalStuck} {
		records, err := s.store.Query(ctx, store.RefundJournals, store.Query{
			Filters: map[string]any{"status": st},
			OrderBy: "updatedAt",
		})
		if err != nil {
			return 0, err
		}
		for _, r := range records {
			var j models.RefundJournal
			if err := r.Decode(&j); err != nil {
				slog.Error("Undecodable refund journal", "error", err, "journal_id", r.ID)
				continue
			}
			journals = append(journals, j)
		}
	}

	var errs []error
	completed := 0
	for i := range journals {
		if err := s.resume(ctx, &journals[i]); err != nil {
			errs = append(errs, err)
			continue
		}
		completed++
	}
	return completed, errors.Join(errs...)
}

func (s *RefundService) resume(ctx context.Context, j *models.RefundJournal) error {
	var booking models.Booking
	if err := s.store.Get(ctx, store.Bookings, j.BookingID, &booking); err != nil {
		return s.fail(ctx, j, "", fmt.Errorf("load booking: %w", err))
	}
	if j.Steps == nil {
		j.Steps = map[string]bool{}
	}

	for _, step := range j.Pending() {
		var err error
		switch step {
		case models.RefundStepBooking:
			err = s.refundBooking(ctx, j, &booking)
		case models.RefundStepTransaction:
			err = s.refundTransaction(ctx, j, &booking)
		case models.RefundStepTickets:
			err = s.cancelTickets(ctx, j, &booking)
		case models.RefundStepInventory:
			err = s.restoreInventory(ctx, j, &booking)
		}
		if err != nil {
			return s.fail(ctx, j, step, err)
		}
		j.Steps[step] = true
	}

	now := s.now()
	if err := s.store.Update(ctx, store.RefundJournals, j.ID, map[string]any{
		"status":    models.JournalCompleted,
		"lastError": "",
		"updatedAt": now,
	}); err != nil {
		return s.fail(ctx, j, "", err)
	}
	j.Status = models.JournalCompleted

	if err := s.audit.Record(ctx, AuditRefund, map[string]any{
		"booking_id": booking.ID,
		"event_id":   booking.EventID,
		"user_id":    j.UserID,
		"reason":     j.Reason,
		"amount":     booking.Total.String(),
	}); err != nil {
		slog.Warn("Failed to audit refund", "error", err, "booking_id", booking.ID)
	}
	return nil
}

// stepTx runs fn and flags step as done in one transaction. A step another
// resumer already completed is skipped, so each step applies at most once.
func (s *RefundService) stepTx(ctx context.Context, j *models.RefundJournal, step string, fn func(tx store.Tx, now time.Time) error) error {
	return s.store.RunTransaction(ctx, func(tx store.Tx) error {
		var current models.RefundJournal
		if err := tx.Get(store.RefundJournals, j.ID, &current); err != nil {
			return err
		}
		if current.Done(step) {
			return nil
		}

		now := s.now()
		if err := fn(tx, now); err != nil {
			return err
		}

		steps := make(map[string]bool, len(current.Steps)+1)
		for k, v := range current.Steps {
			steps[k] = v
		}
		steps[step] = true
		return tx.Update(store.RefundJournals, j.ID, map[string]any{"steps": steps, "updatedAt": now})
	})
}

func (s *RefundService) refundBooking(ctx context.Context, j *models.RefundJournal, b *models.Booking) error {
	return s.stepTx(ctx, j, models.RefundStepBooking, func(tx store.Tx, now time.Time) error {
		return tx.Update(store.Bookings, b.ID, map[string]any{
			"status":       models.BookingRefunded,
			"refundReason": j.Reason,
			"updatedAt":    now,
		})
	})
}

// refundTransaction finds the payment transaction by payment id, falling
// back to the booking's transaction id.
func (s *RefundService) refundTransaction(ctx context.Context, j *models.RefundJournal, b *models.Booking) error {
	txID := b.TransactionID
	if b.PaymentID != "" {
		records, err := s.store.Query(ctx, store.Transactions, store.Query{
			Filters: map[string]any{"paymentId": b.PaymentID},
			Limit:   1,
		})
		if err != nil {
			return err
		}
		if len(records) > 0 {
			txID = records[0].ID
		}
	}

	return s.stepTx(ctx, j, models.RefundStepTransaction, func(tx store.Tx, now time.Time) error {
		if txID == "" {
			return nil
		}
		var t models.Transaction
		err := tx.Get(store.Transactions, txID, &t)
		switch {
		case errors.Is(err, status.ErrNotFound):
			slog.Warn("Refund has no payment transaction", "booking_id", b.ID, "payment_id", b.PaymentID)
		case err != nil:
			return err
		case t.Status != models.TransactionRefunded:
			return tx.Update(store.Transactions, txID, map[string]any{
				"status":    models.TransactionRefunded,
				"updatedAt": now,
			})
		}
		return nil
	})
}

// cancelTickets cancels every valid ticket. Used tickets stay used.
func (s *RefundService) cancelTickets(ctx context.Context, j *models.RefundJournal, b *models.Booking) error {
	records, err := s.store.Query(ctx, store.Tickets, store.Query{
		Filters: map[string]any{"bookingId": b.ID},
	})
	if err != nil {
		return err
	}

	return s.stepTx(ctx, j, models.RefundStepTickets, func(tx store.Tx, now time.Time) error {
		for _, r := range records {
			var t models.Ticket
			if err := tx.Get(store.Tickets, r.ID, &t); err != nil {
				return err
			}
			if t.Status != models.TicketValid {
				continue
			}
			if err := tx.Update(store.Tickets, r.ID, map[string]any{
				"status":    models.TicketCancelled,
				"updatedAt": now,
			}); err != nil {
				return err
			}
		}
		return nil
	})
}

func (s *RefundService) restoreInventory(ctx context.Context, j *models.RefundJournal, b *models.Booking) error {
	err := s.stepTx(ctx, j, models.RefundStepInventory, func(tx store.Tx, _ time.Time) error {
		return s.inventory.RestoreTx(tx, b.EventID, b.TierRequests())
	})
	if err != nil {
		s.monitor.TrackReservation("restore", "error")
		return err
	}
	s.monitor.TrackReservation("restore", "ok")
	return nil
}

func (s *RefundService) fail(ctx context.Context, j *models.RefundJournal, step string, cause error) error {
	slog.Error("Refund step failed",
		"error", cause,
		"booking_id", j.BookingID,
		"step", step,
		"attempt", j.Attempts+1,
	)
	s.monitor.TrackRefund("stuck")

	j.Attempts++
	j.Status = models.JournalStuck
	j.LastError = cause.Error()
	if err := s.store.Update(ctx, store.RefundJournals, j.ID, map[string]any{
		"status":    models.JournalStuck,
		"lastError": j.LastError,
		"attempts":  j.Attempts,
		"updatedAt": s.now(),
	}); err != nil {
		slog.Error("Failed to update refund journal", "error", err, "booking_id", j.BookingID)
	}

	if err := s.audit.Record(ctx, AuditRefundStuck, map[string]any{
		"booking_id": j.BookingID,
		"step":       step,
		"error":      cause.Error(),
	}); err != nil {
		slog.Warn("Failed to audit stuck refund", "error", err, "booking_id", j.BookingID)
	}
	return fmt.Errorf("%w: booking %s step %s: %v", status.ErrRefundIncomplete, j.BookingID, step, cause)
}
