// Package redisstore implements core.DocStore on redis: one JSON value per
// document, a sorted set per collection for append order and a pub/sub feed
// per collection carrying every change.
package redisstore

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/goccy/go-json"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/dkeye/callsig/internal/core"
)

const maxTxRetries = 8

type Store struct {
	rdb    *redis.Client
	prefix string
	now    func() time.Time
}

var _ core.DocStore = (*Store)(nil)

func New(rdb *redis.Client, prefix string) *Store {
	if prefix == "" {
		prefix = "callsig:"
	}
	return &Store{rdb: rdb, prefix: prefix, now: time.Now}
}

type feedMsg struct {
	ID      string          `json:"id"`
	Deleted bool            `json:"deleted,omitempty"`
	Data    json.RawMessage `json:"data,omitempty"`
}

func (s *Store) docKey(path string) string   { return s.prefix + "doc:" + path }
func (s *Store) indexKey(coll string) string { return s.prefix + "idx:" + coll }
func (s *Store) feedKey(coll string) string  { return s.prefix + "feed:" + coll }
func (s *Store) seqKey() string              { return s.prefix + "seq" }

func (s *Store) Get(ctx context.Context, path string) (core.Snapshot, error) {
	raw, err := s.rdb.Get(ctx, s.docKey(path)).Bytes()
	if errors.Is(err, redis.Nil) {
		return core.Snapshot{}, core.ErrNotFound
	}
	if err != nil {
		return core.Snapshot{}, fmt.Errorf("redis get %s: %w", path, err)
	}
	return decodeSnapshot(path, raw)
}

func (s *Store) Set(ctx context.Context, path string, data map[string]any) error {
	return s.mutate(ctx, path, func(core.Snapshot) (map[string]any, bool, error) {
		return s.resolve(data), true, nil
	})
}

func (s *Store) Merge(ctx context.Context, path string, data map[string]any) error {
	return s.mutate(ctx, path, func(cur core.Snapshot) (map[string]any, bool, error) {
		return mergeInto(cur.Data, s.resolve(data)), true, nil
	})
}

func (s *Store) Update(ctx context.Context, path string, data map[string]any) error {
	return s.mutate(ctx, path, func(cur core.Snapshot) (map[string]any, bool, error) {
		if !cur.Exists {
			return nil, false, core.ErrNotFound
		}
		return mergeInto(cur.Data, s.resolve(data)), true, nil
	})
}

func (s *Store) UpdateFunc(ctx context.Context, path string, fn core.TxFunc) error {
	return s.mutate(ctx, path, func(cur core.Snapshot) (map[string]any, bool, error) {
		fields, err := fn(cur)
		if err != nil || fields == nil {
			return nil, false, err
		}
		return mergeInto(cur.Data, s.resolve(fields)), true, nil
	})
}

func (s *Store) Delete(ctx context.Context, path string) error {
	coll, id := core.Split(path)
	var del *redis.IntCmd
	_, err := s.rdb.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		del = pipe.Del(ctx, s.docKey(path))
		pipe.ZRem(ctx, s.indexKey(coll), id)
		return nil
	})
	if err != nil {
		return fmt.Errorf("redis delete %s: %w", path, err)
	}
	if del.Val() == 0 {
		return nil
	}
	return s.publish(ctx, coll, feedMsg{ID: id, Deleted: true})
}

func (s *Store) Add(ctx context.Context, collection string, data map[string]any) (string, error) {
	id := strings.ReplaceAll(uuid.NewString(), "-", "")[:20]
	if err := s.Set(ctx, core.Join(collection, id), data); err != nil {
		return "", err
	}
	return id, nil
}

func (s *Store) List(ctx context.Context, collection string) ([]core.Snapshot, error) {
	raws, ids, err := s.listRaw(ctx, collection)
	if err != nil {
		return nil, err
	}
	out := make([]core.Snapshot, 0, len(raws))
	for i, raw := range raws {
		snap, err := decodeSnapshot(core.Join(collection, ids[i]), raw)
		if err != nil {
			return nil, err
		}
		out = append(out, snap)
	}
	return out, nil
}

func (s *Store) listRaw(ctx context.Context, collection string) ([][]byte, []string, error) {
	ids, err := s.rdb.ZRange(ctx, s.indexKey(collection), 0, -1).Result()
	if err != nil {
		return nil, nil, fmt.Errorf("redis list %s: %w", collection, err)
	}
	if len(ids) == 0 {
		return nil, nil, nil
	}
	keys := make([]string, len(ids))
	for i, id := range ids {
		keys[i] = s.docKey(core.Join(collection, id))
	}
	vals, err := s.rdb.MGet(ctx, keys...).Result()
	if err != nil {
		return nil, nil, fmt.Errorf("redis list %s: %w", collection, err)
	}
	var (
		raws [][]byte
		kept []string
	)
	for i, v := range vals {
		str, ok := v.(string)
		if !ok {
			continue
		}
		raws = append(raws, []byte(str))
		kept = append(kept, ids[i])
	}
	return raws, kept, nil
}

// mutate runs an optimistic WATCH/MULTI transaction on the document and
// publishes the stored value once it commits.
func (s *Store) mutate(ctx context.Context, path string, fn func(cur core.Snapshot) (map[string]any, bool, error)) error {
	key := s.docKey(path)
	coll, id := core.Split(path)
	var written []byte

	txf := func(tx *redis.Tx) error {
		written = nil
		cur := core.Snapshot{ID: id, Path: path}
		raw, err := tx.Get(ctx, key).Bytes()
		switch {
		case errors.Is(err, redis.Nil):
		case err != nil:
			return err
		default:
			if cur, err = decodeSnapshot(path, raw); err != nil {
				return err
			}
		}
		next, write, err := fn(cur)
		if err != nil || !write {
			return err
		}
		b, err := json.Marshal(next)
		if err != nil {
			return err
		}
		seq, err := tx.Incr(ctx, s.seqKey()).Result()
		if err != nil {
			return err
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, key, b, 0)
			pipe.ZAddNX(ctx, s.indexKey(coll), redis.Z{Score: float64(seq), Member: id})
			return nil
		})
		if err == nil {
			written = b
		}
		return err
	}

	for i := 0; i < maxTxRetries; i++ {
		err := s.rdb.Watch(ctx, txf, key)
		if errors.Is(err, redis.TxFailedErr) {
			continue
		}
		if errors.Is(err, core.ErrNotFound) {
			return err
		}
		if err != nil {
			return fmt.Errorf("redis write %s: %w", path, err)
		}
		if written == nil {
			return nil
		}
		return s.publish(ctx, coll, feedMsg{ID: id, Data: written})
	}
	return fmt.Errorf("redis write %s: %w", path, redis.TxFailedErr)
}

func (s *Store) publish(ctx context.Context, coll string, m feedMsg) error {
	b, err := json.Marshal(m)
	if err != nil {
		return err
	}
	if err := s.rdb.Publish(ctx, s.feedKey(coll), b).Err(); err != nil {
		return fmt.Errorf("redis publish %s: %w", coll, err)
	}
	return nil
}

func (s *Store) resolve(data map[string]any) map[string]any {
	out := make(map[string]any, len(data))
	for k, v := range data {
		if m, ok := v.(map[string]any); ok {
			out[k] = s.resolve(m)
			continue
		}
		if v == core.ServerTimestamp {
			out[k] = s.now().UTC()
			continue
		}
		out[k] = v
	}
	return out
}

func decodeSnapshot(path string, raw []byte) (core.Snapshot, error) {
	var data map[string]any
	if err := json.Unmarshal(raw, &data); err != nil {
		return core.Snapshot{}, fmt.Errorf("redis decode %s: %w", path, err)
	}
	_, id := core.Split(path)
	return core.Snapshot{ID: id, Path: path, Exists: true, Data: data}, nil
}

func mergeInto(dst, src map[string]any) map[string]any {
	if dst == nil {
		dst = make(map[string]any, len(src))
	}
	for k, v := range src {
		if sm, ok := v.(map[string]any); ok {
			if dm, ok := dst[k].(map[string]any); ok {
				dst[k] = mergeInto(dm, sm)
				continue
			}
		}
		dst[k] = v
	}
	return dst
}
