package store

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"ticket-gate/internal/status"
)

// RedisStore keeps each document as a JSON string at doc:<collection>:<id>
// and tracks the ids of a collection in the set idx:<collection>.
type RedisStore struct {
	client     redis.UniversalClient
	maxRetries int
}

func NewRedisStore(client redis.UniversalClient, maxRetries int) *RedisStore {
	if maxRetries <= 0 {
		maxRetries = 10
	}
	return &RedisStore{client: client, maxRetries: maxRetries}
}

func unavailable(err error) error {
	return fmt.Errorf("%w: %v", status.ErrStoreUnavailable, err)
}

func (s *RedisStore) Get(ctx context.Context, collection, id string, out any) error {
	raw, err := s.client.Get(ctx, docKey(collection, id)).Bytes()
	if errors.Is(err, redis.Nil) {
		return status.ErrNotFound
	}
	if err != nil {
		return unavailable(err)
	}
	return Record{ID: id, Data: raw}.Decode(out)
}

func (s *RedisStore) Create(ctx context.Context, collection string, doc any) (string, error) {
	id := uuid.NewString()
	if err := s.Put(ctx, collection, id, doc); err != nil {
		return "", err
	}
	return id, nil
}

func (s *RedisStore) Put(ctx context.Context, collection, id string, doc any) error {
	data, err := encodeWithID(doc, id)
	if err != nil {
		return err
	}

	var created *redis.BoolCmd
	_, err = s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		created = pipe.SetNX(ctx, docKey(collection, id), string(data), 0)
		pipe.SAdd(ctx, indexKey(collection), id)
		return nil
	})
	if err != nil {
		return unavailable(err)
	}
	if !created.Val() {
		return status.ErrAlreadyExists
	}
	return nil
}

func (s *RedisStore) Update(ctx context.Context, collection, id string, patch map[string]any) error {
	return s.RunTransaction(ctx, func(tx Tx) error {
		return tx.Update(collection, id, patch)
	})
}

func (s *RedisStore) Query(ctx context.Context, collection string, q Query) ([]Record, error) {
	ids, err := s.client.SMembers(ctx, indexKey(collection)).Result()
	if err != nil {
		return nil, unavailable(err)
	}
	if len(ids) == 0 {
		return nil, nil
	}

	keys := make([]string, len(ids))
	for i, id := range ids {
		keys[i] = docKey(collection, id)
	}
	vals, err := s.client.MGet(ctx, keys...).Result()
	if err != nil {
		return nil, unavailable(err)
	}

	records := make([]Record, 0, len(vals))
	for i, v := range vals {
		str, ok := v.(string)
		if !ok {
			continue
		}
		records = append(records, Record{ID: ids[i], Data: []byte(str)})
	}
	return applyQuery(records, q)
}

// RunTransaction retries fn on WATCH conflicts up to maxRetries times.
func (s *RedisStore) RunTransaction(ctx context.Context, fn func(tx Tx) error) error {
	for attempt := 1; attempt <= s.maxRetries; attempt++ {
		err := s.client.Watch(ctx, func(rtx *redis.Tx) error {
			tx := &redisTx{ctx: ctx, rtx: rtx, pending: map[string]pendingWrite{}}
			if err := fn(tx); err != nil {
				return err
			}
			return tx.commit()
		})
		if errors.Is(err, redis.TxFailedErr) {
			slog.Debug("Store transaction conflict, retrying", "attempt", attempt)
			continue
		}
		return err
	}
	return status.ErrTxConflict
}

type pendingWrite struct {
	collection string
	id         string
	data       []byte
}

type redisTx struct {
	ctx     context.Context
	rtx     *redis.Tx
	pending map[string]pendingWrite
	order   []string
	err     error
}

func (t *redisTx) read(collection, id string) ([]byte, error) {
	key := docKey(collection, id)
	if w, ok := t.pending[key]; ok {
		return w.data, nil
	}
	if err := t.rtx.Watch(t.ctx, key).Err(); err != nil {
		return nil, unavailable(err)
	}
	raw, err := t.rtx.Get(t.ctx, key).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, status.ErrNotFound
	}
	if err != nil {
		return nil, unavailable(err)
	}
	return raw, nil
}

func (t *redisTx) Get(collection, id string, out any) error {
	raw, err := t.read(collection, id)
	if err != nil {
		return err
	}
	return Record{ID: id, Data: raw}.Decode(out)
}

func (t *redisTx) Set(collection, id string, doc any) {
	data, err := encodeWithID(doc, id)
	if err != nil {
		t.err = err
		return
	}
	t.buffer(collection, id, data)
}

func (t *redisTx) Update(collection, id string, patch map[string]any) error {
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

func (t *redisTx) buffer(collection, id string, data []byte) {
	key := docKey(collection, id)
	if _, ok := t.pending[key]; !ok {
		t.order = append(t.order, key)
	}
	t.pending[key] = pendingWrite{collection: collection, id: id, data: data}
}

func (t *redisTx) commit() error {
	if t.err != nil {
		return t.err
	}
	if len(t.order) == 0 {
		return nil
	}
	_, err := t.rtx.TxPipelined(t.ctx, func(pipe redis.Pipeliner) error {
		for _, key := range t.order {
			w := t.pending[key]
			pipe.Set(t.ctx, key, string(w.data), 0)
			pipe.SAdd(t.ctx, indexKey(w.collection), w.id)
		}
		return nil
	})
	return err
}
