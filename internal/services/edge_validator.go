package services

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"ticket-gate/internal/status"
	"ticket-gate/internal/store"
	"ticket-gate/models"
)

type edgeSnapshot struct {
	tickets     *store.MemoryStore
	refreshedAt time.Time
}

// EdgeValidator keeps a local copy of each active event's tickets so gates
// can keep admitting while the primary store is unreachable.
type EdgeValidator struct {
	source store.Store
	maxAge time.Duration
	now    func() time.Time

	mu        sync.RWMutex
	snapshots map[string]*edgeSnapshot
}

func NewEdgeValidator(source store.Store, maxAge time.Duration) *EdgeValidator {
	if maxAge <= 0 {
		maxAge = 30 * time.Minute
	}
	return &EdgeValidator{
		source:    source,
		maxAge:    maxAge,
		now:       time.Now,
		snapshots: map[string]*edgeSnapshot{},
	}
}

// Refresh replaces the snapshot of one event.
func (e *EdgeValidator) Refresh(ctx context.Context, eventID string) (int, error) {
	records, err := e.source.Query(ctx, store.Tickets, store.Query{
		Filters: map[string]any{"eventId": eventID},
	})
	if err != nil {
		return 0, err
	}

	snap := store.NewMemoryStore()
	for _, r := range records {
		if err := snap.Upsert(store.Tickets, r.ID, r.Data); err != nil {
			return 0, fmt.Errorf("load ticket %s: %w", r.ID, err)
		}
	}

	e.mu.Lock()
	e.snapshots[eventID] = &edgeSnapshot{tickets: snap, refreshedAt: e.now()}
	e.mu.Unlock()

	return len(records), nil
}

// RefreshActive refreshes every published event.
func (e *EdgeValidator) RefreshActive(ctx context.Context) error {
	records, err := e.source.Query(ctx, store.Events, store.Query{
		Filters: map[string]any{"status": "published"},
	})
	if err != nil {
		return err
	}

	var errs []error
	for _, r := range records {
		n, err := e.Refresh(ctx, r.ID)
		if err != nil {
			errs = append(errs, fmt.Errorf("event %s: %w", r.ID, err))
			continue
		}
		slog.Debug("Edge snapshot refreshed", "event_id", r.ID, "tickets", n)
	}
	return errors.Join(errs...)
}

func (e *EdgeValidator) snapshot(eventID string) (*edgeSnapshot, error) {
	e.mu.RLock()
	snap, ok := e.snapshots[eventID]
	e.mu.RUnlock()

	if !ok {
		return nil, fmt.Errorf("%w: no edge snapshot for event %s", status.ErrStoreUnavailable, eventID)
	}
	if e.now().Sub(snap.refreshedAt) > e.maxAge {
		return nil, fmt.Errorf("%w: edge snapshot for event %s is stale", status.ErrStoreUnavailable, eventID)
	}
	return snap, nil
}

// Lookup returns status.ErrNotFound when the ticket is not in the snapshot.
func (e *EdgeValidator) Lookup(ctx context.Context, eventID, ticketID string) (*models.Ticket, error) {
	snap, err := e.snapshot(eventID)
	if err != nil {
		return nil, err
	}

	var t models.Ticket
	if err := snap.tickets.Get(ctx, store.Tickets, ticketID, &t); err != nil {
		return nil, err
	}
	return &t, nil
}

// MarkUsed records an offline admission in the snapshot so the same gate
// reports repeats as duplicates.
func (e *EdgeValidator) MarkUsed(ctx context.Context, eventID, ticketID string, rec models.CheckInRecord) (*models.Ticket, error) {
	snap, err := e.snapshot(eventID)
	if err != nil {
		return nil, err
	}
	return markUsed(ctx, snap.tickets, ticketID, rec)
}

// errNotAdmissible is returned by markUsed when the ticket left the valid
// state between lookup and write.
var errNotAdmissible = errors.New("ticket is no longer valid")

// markUsed performs the conditional valid -> used write. On errNotAdmissible
// the returned ticket is the current record.
func markUsed(ctx context.Context, st store.Store, ticketID string, rec models.CheckInRecord) (*models.Ticket, error) {
	var current models.Ticket
	err := st.RunTransaction(ctx, func(tx store.Tx) error {
		current = models.Ticket{}
		if err := tx.Get(store.Tickets, ticketID, &current); err != nil {
			return err
		}
		if current.Status != models.TicketValid {
			return errNotAdmissible
		}
		at := rec.At
		current.Status = models.TicketUsed
		current.ScannedAt = &at
		current.ScannedBy = rec.By
		current.ScannedDevice = rec.Device
		current.UpdatedAt = at
		return tx.Update(store.Tickets, ticketID, map[string]any{
			"status":        models.TicketUsed,
			"scannedAt":     at,
			"scannedBy":     rec.By,
			"scannedDevice": rec.Device,
			"updatedAt":     at,
		})
	})
	if err != nil {
		if errors.Is(err, errNotAdmissible) {
			return &current, err
		}
		return nil, err
	}
	return &current, nil
}
