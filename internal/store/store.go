// Package store is the transactional document store behind tickets, tiers,
// bookings and refund journals.
package store

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"reflect"
	"sort"
	"strings"
)

const (
	Events         = "events"
	TicketTiers    = "ticket_tiers"
	Bookings       = "bookings"
	Transactions   = "transactions"
	Tickets        = "tickets"
	RefundJournals = "refund_journals"
)

// Store persists JSON documents keyed by collection and id.
type Store interface {
	// Get decodes the document into out or returns status.ErrNotFound.
	Get(ctx context.Context, collection, id string, out any) error
	// Create stores doc under a generated id and returns it.
	Create(ctx context.Context, collection string, doc any) (string, error)
	// Put stores doc only if id is absent, otherwise status.ErrAlreadyExists.
	Put(ctx context.Context, collection, id string, doc any) error
	// Update shallow-merges patch into an existing document.
	Update(ctx context.Context, collection, id string, patch map[string]any) error
	Query(ctx context.Context, collection string, q Query) ([]Record, error)
	// RunTransaction runs fn with optimistic concurrency. Writes made through
	// tx are applied together or not at all; fn may be invoked more than once.
	RunTransaction(ctx context.Context, fn func(tx Tx) error) error
}

// Tx is the view of the store inside a transaction. Reads see the
// transaction's own pending writes.
type Tx interface {
	Get(collection, id string, out any) error
	Set(collection, id string, doc any)
	Update(collection, id string, patch map[string]any) error
}

// Query selects documents whose top-level fields equal every filter value.
type Query struct {
	Filters map[string]any
	OrderBy string
	Desc    bool
	Limit   int
}

type Record struct {
	ID   string
	Data json.RawMessage
}

func (r Record) Decode(out any) error {
	return json.Unmarshal(r.Data, out)
}

func docKey(collection, id string) string {
	return fmt.Sprintf("doc:%s:%s", collection, id)
}

func indexKey(collection string) string {
	return "idx:" + collection
}

func encode(doc any) ([]byte, error) {
	if raw, ok := doc.(json.RawMessage); ok {
		return raw, nil
	}
	return json.Marshal(doc)
}

// mergePatch overlays patch onto the top-level members of raw.
func mergePatch(raw []byte, patch map[string]any) ([]byte, error) {
	members := map[string]json.RawMessage{}
	if err := json.Unmarshal(raw, &members); err != nil {
		return nil, fmt.Errorf("decode document: %w", err)
	}
	for k, v := range patch {
		b, err := json.Marshal(v)
		if err != nil {
			return nil, fmt.Errorf("encode field %s: %w", k, err)
		}
		members[k] = b
	}
	return json.Marshal(members)
}

func encodeWithID(doc any, id string) ([]byte, error) {
	raw, err := encode(doc)
	if err != nil {
		return nil, err
	}
	return mergePatch(raw, map[string]any{"id": id})
}

func applyQuery(records []Record, q Query) ([]Record, error) {
	filters := make(map[string]any, len(q.Filters))
	for k, v := range q.Filters {
		norm, err := normalize(v)
		if err != nil {
			return nil, err
		}
		filters[k] = norm
	}

	type row struct {
		rec    Record
		fields map[string]any
	}
	rows := make([]row, 0, len(records))
	for _, rec := range records {
		fields := map[string]any{}
		if err := json.Unmarshal(rec.Data, &fields); err != nil {
			return nil, fmt.Errorf("decode %s: %w", rec.ID, err)
		}
		match := true
		for k, want := range filters {
			if !reflect.DeepEqual(fields[k], want) {
				match = false
				break
			}
		}
		if match {
			rows = append(rows, row{rec: rec, fields: fields})
		}
	}

	sort.SliceStable(rows, func(i, j int) bool {
		if q.OrderBy != "" {
			c := compareValues(rows[i].fields[q.OrderBy], rows[j].fields[q.OrderBy])
			if c != 0 {
				if q.Desc {
					return c > 0
				}
				return c < 0
			}
		}
		return rows[i].rec.ID < rows[j].rec.ID
	})

	if q.Limit > 0 && len(rows) > q.Limit {
		rows = rows[:q.Limit]
	}

	out := make([]Record, len(rows))
	for i, r := range rows {
		out[i] = r.rec
	}
	return out, nil
}

func normalize(v any) (any, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	var out any
	dec := json.NewDecoder(bytes.NewReader(b))
	if err := dec.Decode(&out); err != nil {
		return nil, err
	}
	return out, nil
}

func compareValues(a, b any) int {
	switch av := a.(type) {
	case float64:
		if bv, ok := b.(float64); ok {
			switch {
			case av < bv:
				return -1
			case av > bv:
				return 1
			}
			return 0
		}
	case string:
		if bv, ok := b.(string); ok {
			return strings.Compare(av, bv)
		}
	}
	return strings.Compare(fmt.Sprint(a), fmt.Sprint(b))
}
