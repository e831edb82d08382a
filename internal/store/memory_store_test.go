package store

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"ticket-gate/internal/status"
)

func TestMemoryStore_PutGet(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()

	require.NoError(t, s.Put(ctx, TicketTiers, "t1", tierDoc{Name: "VIP", Quantity: 10}))

	var tier tierDoc
	require.NoError(t, s.Get(ctx, TicketTiers, "t1", &tier))
	assert.Equal(t, "t1", tier.ID)
	assert.Equal(t, "VIP", tier.Name)

	err := s.Put(ctx, TicketTiers, "t1", tierDoc{Name: "Other"})
	assert.ErrorIs(t, err, status.ErrAlreadyExists)

	err = s.Get(ctx, TicketTiers, "nope", &tier)
	assert.ErrorIs(t, err, status.ErrNotFound)
}

func TestMemoryStore_CreateAssignsID(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()

	id, err := s.Create(ctx, Bookings, map[string]any{"status": "pending"})
	require.NoError(t, err)
	assert.NotEmpty(t, id)

	var doc map[string]any
	require.NoError(t, s.Get(ctx, Bookings, id, &doc))
	assert.Equal(t, id, doc["id"])
	assert.Equal(t, "pending", doc["status"])
}

func TestMemoryStore_UpdateMerges(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()
	require.NoError(t, s.Put(ctx, TicketTiers, "t1", tierDoc{Name: "VIP", Quantity: 10, Sold: 2}))

	require.NoError(t, s.Update(ctx, TicketTiers, "t1", map[string]any{"sold": 3}))

	var tier tierDoc
	require.NoError(t, s.Get(ctx, TicketTiers, "t1", &tier))
	assert.Equal(t, 3, tier.Sold)
	assert.Equal(t, "VIP", tier.Name)

	err := s.Update(ctx, TicketTiers, "missing", map[string]any{"sold": 1})
	assert.ErrorIs(t, err, status.ErrNotFound)
}

func TestMemoryStore_TransactionAbortWritesNothing(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()
	require.NoError(t, s.Put(ctx, TicketTiers, "a", tierDoc{Quantity: 5}))
	require.NoError(t, s.Put(ctx, TicketTiers, "b", tierDoc{Quantity: 5}))

	boom := errors.New("insufficient")
	err := s.RunTransaction(ctx, func(tx Tx) error {
		if err := tx.Update(TicketTiers, "a", map[string]any{"sold": 5}); err != nil {
			return err
		}
		return boom
	})
	assert.ErrorIs(t, err, boom)

	var tier tierDoc
	require.NoError(t, s.Get(ctx, TicketTiers, "a", &tier))
	assert.Equal(t, 0, tier.Sold)
}

func TestMemoryStore_TransactionReadsOwnWrites(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()

	err := s.RunTransaction(ctx, func(tx Tx) error {
		tx.Set(Tickets, "TKT-1", map[string]any{"status": "valid"})
		var doc map[string]any
		if err := tx.Get(Tickets, "TKT-1", &doc); err != nil {
			return err
		}
		assert.Equal(t, "valid", doc["status"])
		return tx.Update(Tickets, "TKT-1", map[string]any{"status": "used"})
	})
	require.NoError(t, err)

	var doc map[string]any
	require.NoError(t, s.Get(ctx, Tickets, "TKT-1", &doc))
	assert.Equal(t, "used", doc["status"])
}

func TestMemoryStore_ConcurrentTransactions(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()
	require.NoError(t, s.Put(ctx, TicketTiers, "t1", tierDoc{Quantity: 1000}))

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_ = s.RunTransaction(ctx, func(tx Tx) error {
				var tier tierDoc
				if err := tx.Get(TicketTiers, "t1", &tier); err != nil {
					return err
				}
				return tx.Update(TicketTiers, "t1", map[string]any{"sold": tier.Sold + 1})
			})
		}()
	}
	wg.Wait()

	var tier tierDoc
	require.NoError(t, s.Get(ctx, TicketTiers, "t1", &tier))
	assert.Equal(t, 50, tier.Sold)
}

func TestMemoryStore_Query(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()
	require.NoError(t, s.Put(ctx, Tickets, "t1", map[string]any{"bookingId": "b1", "createdAt": "2026-01-02"}))
	require.NoError(t, s.Put(ctx, Tickets, "t2", map[string]any{"bookingId": "b1", "createdAt": "2026-01-01"}))
	require.NoError(t, s.Put(ctx, Tickets, "t3", map[string]any{"bookingId": "b2", "createdAt": "2026-01-03"}))

	tests := []struct {
		name  string
		query Query
		want  []string
	}{
		{"filter", Query{Filters: map[string]any{"bookingId": "b1"}}, []string{"t1", "t2"}},
		{"order", Query{OrderBy: "createdAt"}, []string{"t2", "t1", "t3"}},
		{"order desc with limit", Query{OrderBy: "createdAt", Desc: true, Limit: 2}, []string{"t3", "t1"}},
		{"no match", Query{Filters: map[string]any{"bookingId": "zzz"}}, []string{}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			records, err := s.Query(ctx, Tickets, tt.query)
			require.NoError(t, err)
			ids := []string{}
			for _, r := range records {
				ids = append(ids, r.ID)
			}
			assert.Equal(t, tt.want, ids)
		})
	}
}

func TestMemoryStore_Upsert(t *testing.T) {
	s := NewMemoryStore()
	require.NoError(t, s.Upsert(Tickets, "t1", map[string]any{"status": "valid"}))
	require.NoError(t, s.Upsert(Tickets, "t1", map[string]any{"status": "used"}))

	var doc map[string]any
	require.NoError(t, s.Get(context.Background(), Tickets, "t1", &doc))
	assert.Equal(t, "used", doc["status"])
}
