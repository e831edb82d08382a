package services

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/pocketbase/dbx"
	"github.com/pocketbase/pocketbase/tools/security"
	pubnub "github.com/pubnub/go"

	"ticket-gate/models"
)

// AuditSink is an append-only log of check-in decisions.
type AuditSink interface {
	Record(ctx context.Context, action string, metadata map[string]any) error
}

// GateChannel signals an access-control device to unlock.
type GateChannel interface {
	SendOpenCommand(ctx context.Context, deviceID, ticketID string, level models.GateAccessLevel) error
}

// ScanFeed broadcasts scan results to organizer dashboards.
type ScanFeed interface {
	PublishScan(ctx context.Context, eventID string, result models.ScanResult) error
}

// Audit actions.
const (
	AuditCheckIn       = "checkin.admit"
	AuditOverride      = "checkin.override"
	AuditRegenerate    = "ticket.regenerate"
	AuditRefund        = "booking.refund"
	AuditRefundStuck   = "booking.refund_stuck"
	AuditIntegrityFail = "ticket.integrity_anomaly"
)

// DBAuditSink appends rows to the audit_logs collection.
type DBAuditSink struct {
	db  dbx.Builder
	now func() time.Time
}

func NewDBAuditSink(db dbx.Builder) *DBAuditSink {
	return &DBAuditSink{db: db, now: time.Now}
}

const recordIDAlphabet = "abcdefghijklmnopqrstuvwxyz0123456789"

func (s *DBAuditSink) Record(ctx context.Context, action string, metadata map[string]any) error {
	meta, err := json.Marshal(metadata)
	if err != nil {
		return fmt.Errorf("encode audit metadata: %w", err)
	}

	ts := s.now().UTC().Format("2006-01-02 15:04:05.000Z")
	_, err = s.db.Insert("audit_logs", dbx.Params{
		"id":          security.RandomStringWithAlphabet(15, recordIDAlphabet),
		"action":      action,
		"ticket_id":   stringField(metadata, "ticket_id"),
		"event_id":    stringField(metadata, "event_id"),
		"operator_id": stringField(metadata, "operator_id"),
		"device_id":   stringField(metadata, "device_id"),
		"metadata":    string(meta),
		"created":     ts,
		"updated":     ts,
	}).WithContext(ctx).Execute()
	return err
}

func stringField(m map[string]any, key string) string {
	if v, ok := m[key].(string); ok {
		return v
	}
	return ""
}

// LogAuditSink writes audit records to the structured log only.
type LogAuditSink struct{}

func (LogAuditSink) Record(_ context.Context, action string, metadata map[string]any) error {
	args := make([]any, 0, len(metadata)*2+2)
	args = append(args, "action", action)
	for k, v := range metadata {
		args = append(args, k, v)
	}
	slog.Info("Audit", args...)
	return nil
}

// PubNubGate drives gate devices on gate-<deviceId> channels and the
// organizer feed on checkin-<eventId>.
type PubNubGate struct {
	publish func(channel string, message any) error
}

func NewPubNubGate(pn *pubnub.PubNub) *PubNubGate {
	return &PubNubGate{
		publish: func(channel string, message any) error {
			_, _, err := pn.Publish().
				Channel(channel).
				Message(message).
				Execute()
			return err
		},
	}
}

func (g *PubNubGate) SendOpenCommand(ctx context.Context, deviceID, ticketID string, level models.GateAccessLevel) error {
	if deviceID == "" {
		return nil
	}
	return g.publishCtx(ctx, fmt.Sprintf("gate-%s", deviceID), map[string]any{
		"type":              "gate_open",
		"ticket_id":         ticketID,
		"gate_access_level": int(level),
		"access":            level.String(),
	})
}

func (g *PubNubGate) PublishScan(ctx context.Context, eventID string, result models.ScanResult) error {
	return g.publishCtx(ctx, fmt.Sprintf("checkin-%s", eventID), map[string]any{
		"type":   "scan_result",
		"result": result,
	})
}

func (g *PubNubGate) publishCtx(ctx context.Context, channel string, message any) error {
	done := make(chan error, 1)
	go func() { done <- g.publish(channel, message) }()

	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// dispatcher runs best-effort side effects off the request path. Failures
// are logged and never reach the caller.
type dispatcher struct {
	timeout time.Duration
	wg      sync.WaitGroup
}

func newDispatcher(timeout time.Duration) *dispatcher {
	if timeout <= 0 {
		timeout = 3 * time.Second
	}
	return &dispatcher{timeout: timeout}
}

func (d *dispatcher) Go(name string, fn func(ctx context.Context) error) {
	d.wg.Add(1)
	go func() {
		defer d.wg.Done()
		defer func() {
			if r := recover(); r != nil {
				slog.Error("Background task panicked", "task", name, "panic", r)
			}
		}()

		ctx, cancel := context.WithTimeout(context.Background(), d.timeout)
		defer cancel()

		if err := fn(ctx); err != nil {
			slog.Warn("Background task failed", "task", name, "error", err)
		}
	}()
}

func (d *dispatcher) Wait() {
	d.wg.Wait()
}

type noopGate struct{}

func (noopGate) SendOpenCommand(context.Context, string, string, models.GateAccessLevel) error {
	return nil
}

func (noopGate) PublishScan(context.Context, string, models.ScanResult) error {
	return nil
}
