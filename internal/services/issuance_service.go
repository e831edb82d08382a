package services

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"ticket-gate/internal/secureqr"
	"ticket-gate/internal/status"
	"ticket-gate/internal/store"
	"ticket-gate/models"
	"ticket-gate/monitoring"
	"ticket-gate/utils"
)

const maxIDAttempts = 3

type IssueRequest struct {
	BookingID     string
	TransactionID string
	UserID        string
	EventID       string
	AttendeeName  string
	AttendeeEmail string
	EventTitle    string
	EventDate     string
	ExpiresAt     int64
	Items         []models.LineItem
}

type IssueFailure struct {
	TierID string `json:"tier_id"`
	Unit   int    `json:"unit"`
	Error  string `json:"error"`
}

// IssueReport lists what was issued and what was not, so a short batch can be reconciled.
type IssueReport struct {
	Requested int             `json:"requested"`
	Tickets   []models.Ticket `json:"tickets"`
	Failures  []IssueFailure  `json:"failures,omitempty"`
}

func (r *IssueReport) Complete() bool {
	return len(r.Failures) == 0 && len(r.Tickets) == r.Requested
}

// ticketsByTier groups ticket envelopes by tier id.
func ticketsByTier(tickets []models.Ticket) map[string][]string {
	out := map[string][]string{}
	for _, t := range tickets {
		out[t.TierID] = append(out[t.TierID], t.QRData)
	}
	return out
}

type IntegrityFinding struct {
	TicketID string `json:"ticket_id"`
	Problem  string `json:"problem"`
}

// IssuanceService is the only creator of ticket records.
type IssuanceService struct {
	store   store.Store
	signer  *secureqr.Signer
	monitor *monitoring.Monitor
	now     func() time.Time
	newID   func() (string, error)
}

func NewIssuanceService(st store.Store, signer *secureqr.Signer, monitor *monitoring.Monitor) *IssuanceService {
	return &IssuanceService{
		store:   st,
		signer:  signer,
		monitor: monitor,
		now:     time.Now,
		newID:   utils.NewTicketID,
	}
}

// IssueTickets writes one signed ticket per purchased unit. Every unit is
// attempted; a short batch returns the report together with
// status.ErrIssuanceIncomplete.
func (s *IssuanceService) IssueTickets(ctx context.Context, req IssueRequest) (*IssueReport, error) {
	report := &IssueReport{}
	for _, item := range req.Items {
		report.Requested += item.Quantity
	}

	for _, item := range req.Items {
		for unit := 1; unit <= item.Quantity; unit++ {
			ticket, err := s.issueOne(ctx, req, item)
			if err != nil {
				slog.Error("Failed to issue ticket",
					"error", err,
					"booking_id", req.BookingID,
					"tier_id", item.TierID,
					"unit", unit,
				)
				report.Failures = append(report.Failures, IssueFailure{TierID: item.TierID, Unit: unit, Error: err.Error()})
				continue
			}
			report.Tickets = append(report.Tickets, *ticket)
		}
	}

	s.monitor.TrackIssued("issued", len(report.Tickets))
	s.monitor.TrackIssued("failed", len(report.Failures))

	if !report.Complete() {
		return report, fmt.Errorf("%w: %d of %d tickets for booking %s",
			status.ErrIssuanceIncomplete, len(report.Failures), report.Requested, req.BookingID)
	}
	return report, nil
}

func (s *IssuanceService) issueOne(ctx context.Context, req IssueRequest, item models.LineItem) (*models.Ticket, error) {
	level := models.AccessLevelForTier(item.TierName)
	if item.GateAccessLevel != nil {
		level = *item.GateAccessLevel
	}

	for attempt := 1; attempt <= maxIDAttempts; attempt++ {
		id, err := s.newID()
		if err != nil {
			return nil, fmt.Errorf("generate ticket id: %w", err)
		}

		now := s.now()
		payload := secureqr.BuildPayload(models.PayloadFields{
			TicketID:        id,
			UserID:          req.UserID,
			EventID:         req.EventID,
			TransactionID:   req.TransactionID,
			BookingID:       req.BookingID,
			AttendeeName:    req.AttendeeName,
			AttendeeEmail:   req.AttendeeEmail,
			TierName:        item.TierName,
			GateAccessLevel: level,
			EventTitle:      req.EventTitle,
			EventDate:       req.EventDate,
			ExpiresAt:       req.ExpiresAt,
		}, now)

		envelope, digest, err := s.signer.Sign(payload)
		if err != nil {
			return nil, fmt.Errorf("sign ticket: %w", err)
		}

		ticket := &models.Ticket{
			ID:              id,
			TierID:          item.TierID,
			TierName:        item.TierName,
			BookingID:       req.BookingID,
			TransactionID:   req.TransactionID,
			UserID:          req.UserID,
			EventID:         req.EventID,
			AttendeeName:    req.AttendeeName,
			GateAccessLevel: level,
			QRData:          envelope,
			QRHash:          digest,
			Status:          models.TicketValid,
			CreatedAt:       now,
			UpdatedAt:       now,
		}

		err = s.store.Put(ctx, store.Tickets, id, ticket)
		if errors.Is(err, status.ErrAlreadyExists) {
			slog.Warn("Ticket id collision, regenerating", "ticket_id", id)
			continue
		}
		if err != nil {
			return nil, err
		}
		return ticket, nil
	}
	return nil, fmt.Errorf("ticket id collided %d times", maxIDAttempts)
}

// AuditBooking checks that every ticket of a booking carries an envelope
// that verifies and names the ticket's own id.
func (s *IssuanceService) AuditBooking(ctx context.Context, bookingID string) ([]IntegrityFinding, error) {
	records, err := s.store.Query(ctx, store.Tickets, store.Query{
		Filters: map[string]any{"bookingId": bookingID},
		OrderBy: "createdAt",
	})
	if err != nil {
		return nil, err
	}

	var findings []IntegrityFinding
	for _, r := range records {
		var t models.Ticket
		if err := r.Decode(&t); err != nil {
			findings = append(findings, IntegrityFinding{TicketID: r.ID, Problem: "undecodable record"})
			continue
		}
		if problem := s.integrityProblem(&t); problem != "" {
			findings = append(findings, IntegrityFinding{TicketID: t.ID, Problem: problem})
		}
	}

	if len(findings) > 0 {
		return findings, fmt.Errorf("%w: %d tickets in booking %s", status.ErrIntegrityAnomaly, len(findings), bookingID)
	}
	return nil, nil
}

func (s *IssuanceService) integrityProblem(t *models.Ticket) string {
	v := s.signer.Verify(t.QRData)
	switch {
	case !v.Valid:
		return "stored envelope does not verify: " + v.Reason
	case v.Payload.TicketID != t.ID:
		return fmt.Sprintf("embedded id %q differs from record id", v.Payload.TicketID)
	case t.QRHash != v.Signature:
		return "stored digest differs from envelope signature"
	}
	return ""
}
