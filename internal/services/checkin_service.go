package services

import (
	"context"
	"crypto/hmac"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"ticket-gate/internal/secureqr"
	"ticket-gate/internal/status"
	"ticket-gate/internal/store"
	"ticket-gate/models"
	"ticket-gate/monitoring"
	"ticket-gate/utils"
)

// ScanInput is one raw code presented at a gate.
type ScanInput struct {
	EventID    string
	DeviceID   string
	OperatorID string
	Code       string
	Method     models.ScanMethod
}

// ManualEntryLimiter throttles unverified ticket-id lookups per operator.
type ManualEntryLimiter interface {
	AllowManualEntry(ctx context.Context, operatorID string) error
}

// OverrideAuthorizer checks the supervisor credential on an override.
type OverrideAuthorizer interface {
	Authorize(pin string) error
}

type CheckInDeps struct {
	Store     store.Store
	Signer    *secureqr.Signer
	Breaker   *utils.CircuitBreaker
	Edge      *EdgeValidator
	Audit     AuditSink
	Gate      GateChannel
	Feed      ScanFeed
	Limiter   ManualEntryLimiter
	Overrides OverrideAuthorizer
	Monitor   *monitoring.Monitor
	// NotifyTimeout bounds each gate, feed and audit call.
	NotifyTimeout time.Duration
}

// CheckInService classifies scans and owns the valid -> used transition.
type CheckInService struct {
	store     store.Store
	signer    *secureqr.Signer
	breaker   *utils.CircuitBreaker
	edge      *EdgeValidator
	audit     AuditSink
	gate      GateChannel
	feed      ScanFeed
	limiter   ManualEntryLimiter
	overrides OverrideAuthorizer
	monitor   *monitoring.Monitor
	notify    *dispatcher
	now       func() time.Time
}

func NewCheckInService(d CheckInDeps) *CheckInService {
	s := &CheckInService{
		store:     d.Store,
		signer:    d.Signer,
		breaker:   d.Breaker,
		edge:      d.Edge,
		audit:     d.Audit,
		gate:      d.Gate,
		feed:      d.Feed,
		limiter:   d.Limiter,
		overrides: d.Overrides,
		monitor:   d.Monitor,
		notify:    newDispatcher(d.NotifyTimeout),
		now:       time.Now,
	}
	if s.breaker == nil {
		s.breaker = utils.NewCircuitBreaker("ticket-lookup", 30*time.Second)
	}
	if s.audit == nil {
		s.audit = LogAuditSink{}
	}
	if s.gate == nil {
		s.gate = noopGate{}
	}
	if s.feed == nil {
		s.feed = noopGate{}
	}
	return s
}

// Wait blocks until queued gate, feed and audit notifications finish.
func (s *CheckInService) Wait() {
	s.notify.Wait()
}

// Process classifies a scan. It never returns an error; every failure
// becomes an invalid result with a distinct code.
func (s *CheckInService) Process(ctx context.Context, in ScanInput) models.ScanResult {
	start := s.now()

	res := s.classify(ctx, in)
	res.Method = in.Method
	res.ScannedAt = start

	s.monitor.TrackScan(in.EventID, string(res.Status), res.Code, s.now().Sub(start))
	slog.Info("Ticket scanned",
		"event_id", in.EventID,
		"device_id", in.DeviceID,
		"method", in.Method,
		"status", res.Status,
		"code", res.Code,
	)

	if in.EventID != "" {
		s.notify.Go("scan-feed", func(ctx context.Context) error {
			return s.feed.PublishScan(ctx, in.EventID, res)
		})
	}
	return res
}

func invalid(code, message string) models.ScanResult {
	return models.ScanResult{Status: models.ScanInvalid, Code: code, Message: message}
}

func (s *CheckInService) classify(ctx context.Context, in ScanInput) models.ScanResult {
	raw := strings.TrimSpace(in.Code)
	if raw == "" {
		return invalid(models.CodeMalformed, "No code was read")
	}

	var (
		ticketID   string
		verified   *secureqr.Verification
		unverified bool
	)

	if in.Method == models.MethodManual && utils.IsTicketIDInput(raw) {
		// Typed ticket ids carry no signature.
		if s.limiter != nil {
			if err := s.limiter.AllowManualEntry(ctx, in.OperatorID); err != nil {
				res := invalid(models.CodeRateLimited, "Too many manual entries, wait a moment and try again")
				res.Unverified = true
				return res
			}
		}
		ticketID = utils.NormalizeTicketID(raw)
		unverified = true
	} else {
		v := s.signer.Verify(raw)
		if !v.Valid {
			if errors.Is(v.Err, status.ErrMalformedEnvelope) {
				return invalid(models.CodeMalformed, "Unreadable ticket code")
			}
			slog.Warn("Ticket signature mismatch", "event_id", in.EventID, "device_id", in.DeviceID, "ticket_id", v.Payload.TicketID)
			return invalid(models.CodeSignatureInvalid, "Signature invalid or ticket tampered")
		}
		verified = &v
		ticketID = v.Payload.TicketID
	}

	res := s.decide(ctx, in, ticketID, verified)
	res.Unverified = unverified
	return res
}

func (s *CheckInService) decide(ctx context.Context, in ScanInput, ticketID string, verified *secureqr.Verification) models.ScanResult {
	ticket, offline, err := s.lookup(ctx, in.EventID, ticketID)
	if err != nil {
		if errors.Is(err, status.ErrNotFound) {
			res := invalid(models.CodeNotFound, "Ticket not found")
			if offline {
				res.Message = "Ticket not found in the offline list, please retry the scan once the connection is back"
			}
			res.Offline = offline
			return res
		}
		slog.Error("Ticket lookup failed", "error", err, "ticket_id", ticketID, "event_id", in.EventID)
		return invalid(models.CodeUnavailable, "Ticket service unavailable, please retry the scan")
	}

	res := s.check(ctx, in, ticket, verified, offline)
	res.Offline = offline
	if res.Ticket == nil {
		res.Ticket = ticket.Summary()
	}
	return res
}

// check applies the integrity, status and event rules in order, then admits.
func (s *CheckInService) check(ctx context.Context, in ScanInput, ticket *models.Ticket, verified *secureqr.Verification, offline bool) models.ScanResult {
	stored, storedErr := secureqr.DecodeEnvelope(ticket.QRData)
	if storedErr == nil && stored.Payload.TicketID != ticket.ID {
		slog.Error("Ticket integrity anomaly", "ticket_id", ticket.ID, "embedded_id", stored.Payload.TicketID)
		s.notify.Go("audit", func(ctx context.Context) error {
			return s.audit.Record(ctx, AuditIntegrityFail, map[string]any{
				"ticket_id":   ticket.ID,
				"event_id":    in.EventID,
				"device_id":   in.DeviceID,
				"embedded_id": stored.Payload.TicketID,
			})
		})
		return invalid(models.CodeIntegrity, "Ticket record is inconsistent, send the guest to the help desk")
	}

	if verified != nil && ticket.QRHash != "" && !hmac.Equal([]byte(verified.Signature), []byte(ticket.QRHash)) {
		return invalid(models.CodeSuperseded, "This code was replaced by a newer one")
	}

	switch ticket.Status {
	case models.TicketUsed:
		return duplicateResult(ticket)
	case models.TicketCancelled:
		return invalid(models.CodeCancelled, "Ticket has been cancelled")
	case models.TicketExpired:
		return invalid(models.CodeExpired, "Ticket has expired")
	}

	if storedErr == nil && stored.Payload.ExpiresAt > 0 && s.now().UnixMilli() > stored.Payload.ExpiresAt {
		s.expire(ctx, ticket.ID, offline)
		return invalid(models.CodeExpired, "Ticket has expired")
	}

	if ticket.EventID != in.EventID {
		return invalid(models.CodeWrongEvent, "Ticket is for a different event")
	}

	return s.admit(ctx, in, ticket, offline)
}

func duplicateResult(ticket *models.Ticket) models.ScanResult {
	res := models.ScanResult{
		Status:  models.ScanDuplicate,
		Code:    models.CodeAlreadyUsed,
		Message: "Ticket already checked in",
		Ticket:  ticket.Summary(),
	}
	if ticket.ScannedAt != nil {
		res.FirstCheckIn = &models.CheckInRecord{At: *ticket.ScannedAt, By: ticket.ScannedBy, Device: ticket.ScannedDevice}
		res.Message = fmt.Sprintf("Ticket already checked in at %s", ticket.ScannedAt.Format(time.Kitchen))
	}
	return res
}

func (s *CheckInService) admit(ctx context.Context, in ScanInput, ticket *models.Ticket, offline bool) models.ScanResult {
	rec := models.CheckInRecord{At: s.now(), By: in.OperatorID, Device: in.DeviceID}

	var (
		updated *models.Ticket
		err     error
	)
	if offline {
		updated, err = s.edge.MarkUsed(ctx, in.EventID, ticket.ID, rec)
	} else {
		updated, err = markUsed(ctx, s.store, ticket.ID, rec)
	}

	switch {
	case errors.Is(err, errNotAdmissible):
		// Another gate won the race.
		if updated.Status == models.TicketUsed {
			return duplicateResult(updated)
		}
		return s.check(ctx, in, updated, nil, offline)
	case err != nil:
		slog.Error("Failed to record check-in", "error", err, "ticket_id", ticket.ID, "offline", offline)
		return invalid(models.CodeUnavailable, "Could not record check-in, please retry the scan")
	}

	s.notify.Go("gate-open", func(ctx context.Context) error {
		return s.gate.SendOpenCommand(ctx, in.DeviceID, ticket.ID, ticket.GateAccessLevel)
	})
	s.notify.Go("audit", func(ctx context.Context) error {
		return s.audit.Record(ctx, AuditCheckIn, map[string]any{
			"ticket_id":   ticket.ID,
			"event_id":    in.EventID,
			"operator_id": in.OperatorID,
			"device_id":   in.DeviceID,
			"method":      string(in.Method),
			"offline":     offline,
		})
	})

	return models.ScanResult{
		Status:  models.ScanValid,
		Code:    models.CodeAdmitted,
		Message: fmt.Sprintf("Welcome, %s access", updated.GateAccessLevel),
		Ticket:  updated.Summary(),
	}
}

// expire marks a lapsed ticket expired, only if it is still valid.
func (s *CheckInService) expire(ctx context.Context, ticketID string, offline bool) {
	if offline {
		return
	}
	err := s.store.RunTransaction(ctx, func(tx store.Tx) error {
		var t models.Ticket
		if err := tx.Get(store.Tickets, ticketID, &t); err != nil {
			return err
		}
		if t.Status != models.TicketValid {
			return nil
		}
		return tx.Update(store.Tickets, ticketID, map[string]any{
			"status":    models.TicketExpired,
			"updatedAt": s.now(),
		})
	})
	if err != nil {
		slog.Warn("Failed to mark ticket expired", "error", err, "ticket_id", ticketID)
	}
}

type lookupResult struct {
	ticket *models.Ticket
	found  bool
}

// lookup reads the ticket through the circuit breaker and falls back to the
// edge snapshot when the store cannot answer.
func (s *CheckInService) lookup(ctx context.Context, eventID, ticketID string) (*models.Ticket, bool, error) {
	out, err := s.breaker.Execute(ctx, func() (any, error) {
		var t models.Ticket
		err := s.store.Get(ctx, store.Tickets, ticketID, &t)
		if errors.Is(err, status.ErrNotFound) {
			return lookupResult{}, nil
		}
		if err != nil {
			return nil, err
		}
		return lookupResult{ticket: &t, found: true}, nil
	})
	if err == nil {
		r := out.(lookupResult)
		if !r.found {
			return nil, false, status.ErrNotFound
		}
		return r.ticket, false, nil
	}

	if ctx.Err() != nil {
		return nil, false, ctx.Err()
	}
	if s.edge == nil {
		return nil, false, fmt.Errorf("%w: %v", status.ErrStoreUnavailable, err)
	}

	slog.Warn("Ticket store unavailable, using edge snapshot", "error", err, "event_id", eventID)
	t, edgeErr := s.edge.Lookup(ctx, eventID, ticketID)
	if edgeErr != nil {
		if errors.Is(edgeErr, status.ErrNotFound) {
			return nil, true, status.ErrNotFound
		}
		return nil, false, errors.Join(err, edgeErr)
	}
	return t, true, nil
}

// Override admits a guest whose ticket scanned as a duplicate. The stored
// ticket keeps its used status and first check-in; the override is recorded
// in the audit log before the gate opens.
func (s *CheckInService) Override(ctx context.Context, req models.OverrideRequest) (models.ScanResult, error) {
	if !req.Reason.Valid() {
		return models.ScanResult{}, fmt.Errorf("%w: unknown reason %q", status.ErrOverrideDenied, req.Reason)
	}
	if s.overrides != nil {
		if err := s.overrides.Authorize(req.SupervisorPIN); err != nil {
			slog.Warn("Override rejected", "ticket_id", req.TicketID, "operator_id", req.OperatorID)
			return models.ScanResult{}, err
		}
	}

	ticketID := utils.NormalizeTicketID(req.TicketID)
	var ticket models.Ticket
	if err := s.store.Get(ctx, store.Tickets, ticketID, &ticket); err != nil {
		if errors.Is(err, status.ErrNotFound) {
			return models.ScanResult{}, status.ErrTicketNotFound
		}
		return models.ScanResult{}, err
	}
	if ticket.EventID != req.EventID {
		return models.ScanResult{}, status.ErrWrongEvent
	}
	if ticket.Status != models.TicketUsed {
		return models.ScanResult{}, fmt.Errorf("%w: override applies only to checked-in tickets, ticket is %s",
			status.ErrInvalidTransition, ticket.Status)
	}

	now := s.now()
	err := s.audit.Record(ctx, AuditOverride, map[string]any{
		"ticket_id":   ticket.ID,
		"event_id":    req.EventID,
		"operator_id": req.OperatorID,
		"device_id":   req.DeviceID,
		"reason":      string(req.Reason),
		"note":        req.Note,
		"first_check": ticket.ScannedAt,
	})
	if err != nil {
		return models.ScanResult{}, fmt.Errorf("record override: %w", err)
	}

	s.monitor.TrackOverride(string(req.Reason))
	s.notify.Go("gate-open", func(ctx context.Context) error {
		return s.gate.SendOpenCommand(ctx, req.DeviceID, ticket.ID, ticket.GateAccessLevel)
	})

	res := duplicateResult(&ticket)
	res.Status = models.ScanValid
	res.Code = models.CodeOverride
	res.Message = "Admitted by override"
	res.Overridden = true
	res.ScannedAt = now

	s.notify.Go("scan-feed", func(ctx context.Context) error {
		return s.feed.PublishScan(ctx, req.EventID, res)
	})
	return res, nil
}

// RegenerateQR re-signs a valid ticket with a fresh issuedAt. Envelopes
// printed before the regeneration stop scanning.
func (s *CheckInService) RegenerateQR(ctx context.Context, ticketID, requesterID string) (*models.Ticket, error) {
	ticketID = utils.NormalizeTicketID(ticketID)
	var ticket models.Ticket

	err := s.store.RunTransaction(ctx, func(tx store.Tx) error {
		ticket = models.Ticket{}
		if err := tx.Get(store.Tickets, ticketID, &ticket); err != nil {
			if errors.Is(err, status.ErrNotFound) {
				return status.ErrTicketNotFound
			}
			return err
		}
		if ticket.Status != models.TicketValid {
			return fmt.Errorf("%w: cannot regenerate a %s ticket", status.ErrInvalidTransition, ticket.Status)
		}

		prev, err := secureqr.DecodeEnvelope(ticket.QRData)
		if err != nil {
			return fmt.Errorf("%w: stored envelope unreadable", status.ErrIntegrityAnomaly)
		}
		if prev.Payload.TicketID != ticket.ID {
			return status.ErrIntegrityAnomaly
		}

		now := s.now()
		payload := prev.Payload
		payload.IssuedAt = now.UnixMilli()
		envelope, digest, err := s.signer.Sign(payload)
		if err != nil {
			return err
		}

		oldEnvelope := ticket.QRData
		ticket.QRData = envelope
		ticket.QRHash = digest
		ticket.RegeneratedCount++
		ticket.UpdatedAt = now

		if err := tx.Update(store.Tickets, ticket.ID, map[string]any{
			"qrData":           envelope,
			"qrHash":           digest,
			"regeneratedCount": ticket.RegeneratedCount,
			"updatedAt":        now,
		}); err != nil {
			return err
		}

		var booking models.Booking
		if err := tx.Get(store.Bookings, ticket.BookingID, &booking); err != nil {
			if errors.Is(err, status.ErrNotFound) {
				return nil
			}
			return err
		}
		codes := booking.QRCodes[ticket.TierID]
		for i, c := range codes {
			if c == oldEnvelope {
				codes[i] = envelope
			}
		}
		if booking.QRCodes == nil {
			return nil
		}
		return tx.Update(store.Bookings, booking.ID, map[string]any{"qrCodes": booking.QRCodes})
	})
	if err != nil {
		return nil, err
	}

	s.notify.Go("audit", func(ctx context.Context) error {
		return s.audit.Record(ctx, AuditRegenerate, map[string]any{
			"ticket_id":         ticket.ID,
			"event_id":          ticket.EventID,
			"operator_id":       requesterID,
			"regenerated_count": ticket.RegeneratedCount,
		})
	})
	return &ticket, nil
}

// Ticket returns the stored ticket.
func (s *CheckInService) Ticket(ctx context.Context, ticketID string) (*models.Ticket, error) {
	var t models.Ticket
	if err := s.store.Get(ctx, store.Tickets, utils.NormalizeTicketID(ticketID), &t); err != nil {
		if errors.Is(err, status.ErrNotFound) {
			return nil, status.ErrTicketNotFound
		}
		return nil, err
	}
	return &t, nil
}
