package services

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"ticket-gate/internal/status"
	"ticket-gate/internal/store"
	"ticket-gate/models"
	"ticket-gate/monitoring"
)

const unknownTierName = "Unknown Tier"

// InsufficientInventoryError lists every tier that could not be satisfied.
type InsufficientInventoryError struct {
	Shortages []models.Shortage
}

func (e *InsufficientInventoryError) Error() string {
	parts := make([]string, 0, len(e.Shortages))
	for _, s := range e.Shortages {
		parts = append(parts, fmt.Sprintf("%s (requested %d, available %d)", s.TierName, s.Requested, s.Available))
	}
	return fmt.Sprintf("%s: %s", status.ErrInventoryInsufficient, strings.Join(parts, ", "))
}

func (e *InsufficientInventoryError) Unwrap() error {
	return status.ErrInventoryInsufficient
}

// ResolvedRequest is a tier request bound to a concrete tier record.
type ResolvedRequest struct {
	Tier     models.TicketTier
	Ref      string
	Quantity int
}

// InventoryService is the only writer of tier counters.
type InventoryService struct {
	store   store.Store
	monitor *monitoring.Monitor
}

func NewInventoryService(st store.Store, monitor *monitoring.Monitor) *InventoryService {
	return &InventoryService{store: st, monitor: monitor}
}

func (s *InventoryService) eventTiers(ctx context.Context, eventID string) ([]models.TicketTier, error) {
	records, err := s.store.Query(ctx, store.TicketTiers, store.Query{
		Filters: map[string]any{"eventId": eventID},
	})
	if err != nil {
		return nil, err
	}

	tiers := make([]models.TicketTier, 0, len(records))
	for _, r := range records {
		var t models.TicketTier
		if err := r.Decode(&t); err != nil {
			return nil, fmt.Errorf("decode tier %s: %w", r.ID, err)
		}
		if t.ID == "" {
			t.ID = r.ID
		}
		tiers = append(tiers, t)
	}
	return tiers, nil
}

// findTier matches by id, then by name, then by the legacy alternate id.
func findTier(tiers []models.TicketTier, ref string) (models.TicketTier, bool) {
	for _, t := range tiers {
		if t.ID == ref {
			return t, true
		}
	}
	for _, t := range tiers {
		if t.Name == ref {
			return t, true
		}
	}
	for _, t := range tiers {
		if t.AltID != "" && t.AltID == ref {
			return t, true
		}
	}
	return models.TicketTier{}, false
}

// Resolve binds requests to tiers, merging repeated requests for the same
// tier. Unresolvable refs come back as Unknown Tier shortages.
func (s *InventoryService) Resolve(ctx context.Context, eventID string, reqs []models.TierRequest) ([]ResolvedRequest, []models.Shortage, error) {
	tiers, err := s.eventTiers(ctx, eventID)
	if err != nil {
		return nil, nil, err
	}

	var (
		resolved []ResolvedRequest
		unknown  []models.Shortage
		index    = map[string]int{}
	)
	for _, req := range reqs {
		tier, ok := findTier(tiers, req.TierID)
		if !ok {
			unknown = append(unknown, models.Shortage{
				TierID:    req.TierID,
				TierName:  unknownTierName,
				Available: 0,
				Requested: req.Quantity,
			})
			continue
		}
		if i, seen := index[tier.ID]; seen {
			resolved[i].Quantity += req.Quantity
			continue
		}
		index[tier.ID] = len(resolved)
		resolved = append(resolved, ResolvedRequest{Tier: tier, Ref: req.TierID, Quantity: req.Quantity})
	}
	return resolved, unknown, nil
}

// CheckAvailability is read-only. An empty result means every request can be met.
func (s *InventoryService) CheckAvailability(ctx context.Context, eventID string, reqs []models.TierRequest) ([]models.Shortage, error) {
	resolved, shortages, err := s.Resolve(ctx, eventID, reqs)
	if err != nil {
		return nil, err
	}
	for _, r := range resolved {
		if avail := r.Tier.Available(); avail < r.Quantity {
			shortages = append(shortages, models.Shortage{
				TierID:    r.Ref,
				TierName:  r.Tier.Name,
				Available: avail,
				Requested: r.Quantity,
			})
		}
	}
	return shortages, nil
}

// Decrement reserves every requested unit or nothing at all.
func (s *InventoryService) Decrement(ctx context.Context, eventID string, reqs []models.TierRequest) error {
	if err := validateRequests(reqs); err != nil {
		return err
	}

	resolved, unknown, err := s.Resolve(ctx, eventID, reqs)
	if err != nil {
		s.monitor.TrackReservation("decrement", "error")
		return err
	}
	if len(unknown) > 0 {
		s.monitor.TrackReservation("decrement", "insufficient")
		return &InsufficientInventoryError{Shortages: unknown}
	}

	err = s.store.RunTransaction(ctx, func(tx store.Tx) error {
		var shortages []models.Shortage
		current := make([]models.TicketTier, len(resolved))

		for i, r := range resolved {
			if err := tx.Get(store.TicketTiers, r.Tier.ID, &current[i]); err != nil {
				if errors.Is(err, status.ErrNotFound) {
					shortages = append(shortages, models.Shortage{TierID: r.Ref, TierName: unknownTierName, Requested: r.Quantity})
					continue
				}
				return err
			}
			if avail := current[i].Available(); avail < r.Quantity {
				shortages = append(shortages, models.Shortage{
					TierID:    r.Ref,
					TierName:  current[i].Name,
					Available: avail,
					Requested: r.Quantity,
				})
			}
		}
		if len(shortages) > 0 {
			return &InsufficientInventoryError{Shortages: shortages}
		}

		for i, r := range resolved {
			if err := tx.Update(store.TicketTiers, r.Tier.ID, map[string]any{"sold": current[i].Sold + r.Quantity}); err != nil {
				return err
			}
		}
		return nil
	})

	switch {
	case errors.Is(err, status.ErrInventoryInsufficient):
		s.monitor.TrackReservation("decrement", "insufficient")
	case err != nil:
		s.monitor.TrackReservation("decrement", "error")
		slog.Error("Inventory decrement failed", "error", err, "event_id", eventID)
	default:
		s.monitor.TrackReservation("decrement", "ok")
	}
	return err
}

// Restore returns units to their tiers, never letting sold drop below zero.
func (s *InventoryService) Restore(ctx context.Context, eventID string, reqs []models.TierRequest) error {
	if err := validateRequests(reqs); err != nil {
		return err
	}

	resolved, unknown, err := s.Resolve(ctx, eventID, reqs)
	if err != nil {
		s.monitor.TrackReservation("restore", "error")
		return err
	}
	for _, u := range unknown {
		slog.Warn("Skipping restore for unknown tier", "event_id", eventID, "tier", u.TierID, "quantity", u.Requested)
	}

	byID := make([]models.TierRequest, 0, len(resolved))
	for _, r := range resolved {
		byID = append(byID, models.TierRequest{TierID: r.Tier.ID, Quantity: r.Quantity})
	}

	err = s.store.RunTransaction(ctx, func(tx store.Tx) error {
		return s.RestoreTx(tx, eventID, byID)
	})
	if err != nil {
		s.monitor.TrackReservation("restore", "error")
		return err
	}
	s.monitor.TrackReservation("restore", "ok")
	return nil
}

// RestoreTx applies a restore inside a caller's transaction so it commits
// together with the caller's own bookkeeping. reqs must carry tier ids.
func (s *InventoryService) RestoreTx(tx store.Tx, eventID string, reqs []models.TierRequest) error {
	for _, req := range reqs {
		var tier models.TicketTier
		if err := tx.Get(store.TicketTiers, req.TierID, &tier); err != nil {
			if errors.Is(err, status.ErrNotFound) {
				slog.Warn("Skipping restore for missing tier", "event_id", eventID, "tier_id", req.TierID)
				continue
			}
			return err
		}

		sold := tier.Sold - req.Quantity
		if sold < 0 {
			sold = 0
		}
		if err := tx.Update(store.TicketTiers, req.TierID, map[string]any{"sold": sold}); err != nil {
			return err
		}
	}
	return nil
}

// RefreshGauges publishes the sold counter of every tier.
func (s *InventoryService) RefreshGauges(ctx context.Context) error {
	records, err := s.store.Query(ctx, store.TicketTiers, store.Query{})
	if err != nil {
		return err
	}
	for _, r := range records {
		var t models.TicketTier
		if err := r.Decode(&t); err != nil {
			continue
		}
		s.monitor.SetTierSold(t.EventID, r.ID, t.Sold)
	}
	return nil
}

func validateRequests(reqs []models.TierRequest) error {
	if len(reqs) == 0 {
		return errors.New("inventory: no tiers requested")
	}
	for _, r := range reqs {
		if r.Quantity <= 0 {
			return fmt.Errorf("inventory: invalid quantity %d for tier %s", r.Quantity, r.TierID)
		}
	}
	return nil
}
