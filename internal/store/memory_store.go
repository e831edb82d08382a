package store

import (
	"context"
	"sync"

	"github.com/google/uuid"

	"ticket-gate/internal/status"
)

// MemoryStore implements Store in process. Transactions are serialized under
// a single lock, so fn must only use the Tx it is given.
type MemoryStore struct {
	mu   sync.Mutex
	docs map[string]map[string][]byte
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{docs: map[string]map[string][]byte{}}
}

func (m *MemoryStore) lookup(collection, id string) ([]byte, bool) {
	raw, ok := m.docs[collection][id]
	return raw, ok
}

func (m *MemoryStore) write(collection, id string, data []byte) {
	col, ok := m.docs[collection]
	if !ok {
		col = map[string][]byte{}
		m.docs[collection] = col
	}
	col[id] = data
}

func (m *MemoryStore) Get(_ context.Context, collection, id string, out any) error {
	m.mu.Lock()
	raw, ok := m.lookup(collection, id)
	m.mu.Unlock()
	if !ok {
		return status.ErrNotFound
	}
	return Record{ID: id, Data: raw}.Decode(out)
}

func (m *MemoryStore) Create(ctx context.Context, collection string, doc any) (string, error) {
	id := uuid.NewString()
	if err := m.Put(ctx, collection, id, doc); err != nil {
		return "", err
	}
	return id, nil
}

func (m *MemoryStore) Put(_ context.Context, collection, id string, doc any) error {
	data, err := encodeWithID(doc, id)
	if err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.lookup(collection, id); ok {
		return status.ErrAlreadyExists
	}
	m.write(collection, id, data)
	return nil
}

// Upsert replaces a document unconditionally.
func (m *MemoryStore) Upsert(collection, id string, doc any) error {
	data, err := encodeWithID(doc, id)
	if err != nil {
		return err
	}
	m.mu.Lock()
	m.write(collection, id, data)
	m.mu.Unlock()
	return nil
}

func (m *MemoryStore) Update(ctx context.Context, collection, id string, patch map[string]any) error {
	return m.RunTransaction(ctx, func(tx Tx) error {
		return tx.Update(collection, id, patch)
	})
}

func (m *MemoryStore) Query(_ context.Context, collection string, q Query) ([]Record, error) {
	m.mu.Lock()
	records := make([]Record, 0, len(m.docs[collection]))
	for id, raw := range m.docs[collection] {
		records = append(records, Record{ID: id, Data: append([]byte(nil), raw...)})
	}
	m.mu.Unlock()
	return applyQuery(records, q)
}

func (m *MemoryStore) RunTransaction(ctx context.Context, fn func(tx Tx) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	tx := &memoryTx{store: m, pending: map[[2]string][]byte{}}
	if err := fn(tx); err != nil {
		return err
	}
	if tx.err != nil {
		return tx.err
	}
	for _, key := range tx.order {
		m.write(key[0], key[1], tx.pending[key])
	}
	return nil
}

type memoryTx struct {
	store   *MemoryStore
	pending map[[2]string][]byte
	order   [][2]string
	err     error
}

func (t *memoryTx) read(collection, id string) ([]byte, error) {
	if data, ok := t.pending[[2]string{collection, id}]; ok {
		return data, nil
	}
	raw, ok := t.store.lookup(collection, id)
	if !ok {
		return nil, status.ErrNotFound
	}
	return raw, nil
}

func (t *memoryTx) Get(collection, id string, out any) error {
	raw, err := t.read(collection, id)
	if err != nil {
		return err
	}
	return Record{ID: id, Data: raw}.Decode(out)
}

func (t *memoryTx) Set(collection, id string, doc any) {
	data, err := encodeWithID(doc, id)
	if err != nil {
		t.err = err
		return
	}
	t.buffer(collection, id, data)
}

func (t *memoryTx) Update(collection, id string, patch map[string]any) error {
	raw, err := t.read(collection, id)
	if err != nil {
		return err
	}
	data, err := mergePatch(raw, patch)
	if err != nil {
		return err
	}
	t.buffer(collection, id, data)
	return nil
}

func (t *memoryTx) buffer(collection, id string, data []byte) {
	key := [2]string{collection, id}
	if _, ok := t.pending[key]; !ok {
		t.order = append(t.order, key)
	}
	t.pending[key] = data
}
