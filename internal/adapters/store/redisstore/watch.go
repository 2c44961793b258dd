package redisstore

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/goccy/go-json"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"

	"github.com/dkeye/callsig/internal/core"
)

// subscribe waits for the subscription to be confirmed so nothing published
// after it returns is missed.
func (s *Store) subscribe(ctx context.Context, coll string) (*redis.PubSub, error) {
	ps := s.rdb.Subscribe(ctx, s.feedKey(coll))
	if _, err := ps.Receive(ctx); err != nil {
		_ = ps.Close()
		return nil, fmt.Errorf("redis subscribe %s: %w", coll, err)
	}
	return ps, nil
}

func (s *Store) WatchDoc(ctx context.Context, path string, onSnap func(core.Snapshot), onErr func(error)) (core.Unsubscribe, error) {
	coll, id := core.Split(path)
	ps, err := s.subscribe(ctx, coll)
	if err != nil {
		return nil, err
	}
	initial := core.Snapshot{ID: id, Path: path}
	var last []byte
	raw, err := s.rdb.Get(ctx, s.docKey(path)).Bytes()
	switch {
	case errors.Is(err, redis.Nil):
	case err != nil:
		_ = ps.Close()
		return nil, fmt.Errorf("redis get %s: %w", path, err)
	default:
		if initial, err = decodeSnapshot(path, raw); err != nil {
			_ = ps.Close()
			return nil, err
		}
		last = raw
	}

	unsub := s.run(ctx, ps, onErr, func(m feedMsg) {
		if m.ID != id {
			return
		}
		if m.Deleted {
			if last == nil {
				return
			}
			last = nil
			onSnap(core.Snapshot{ID: id, Path: path})
			return
		}
		if bytes.Equal(last, m.Data) {
			return
		}
		snap, err := decodeSnapshot(path, m.Data)
		if err != nil {
			log.Error().Err(err).Str("module", "store.redis").Str("path", path).Msg("bad feed payload")
			return
		}
		last = append([]byte(nil), m.Data...)
		onSnap(snap)
	}, func() { onSnap(initial) })
	return unsub, nil
}

func (s *Store) WatchCollection(ctx context.Context, collection string, filters []core.Filter, onChange func(core.DocChange), onErr func(error)) (core.Unsubscribe, error) {
	ps, err := s.subscribe(ctx, collection)
	if err != nil {
		return nil, err
	}
	raws, ids, err := s.listRaw(ctx, collection)
	if err != nil {
		_ = ps.Close()
		return nil, err
	}

	matched := make(map[string][]byte)
	var initial []core.DocChange
	for i, raw := range raws {
		snap, err := decodeSnapshot(core.Join(collection, ids[i]), raw)
		if err != nil {
			_ = ps.Close()
			return nil, err
		}
		if !core.Matches(snap.Data, filters) {
			continue
		}
		matched[snap.ID] = raw
		initial = append(initial, core.DocChange{Kind: core.Added, Doc: snap})
	}

	unsub := s.run(ctx, ps, onErr, func(m feedMsg) {
		path := core.Join(collection, m.ID)
		last, was := matched[m.ID]
		if m.Deleted {
			if was {
				delete(matched, m.ID)
				onChange(core.DocChange{Kind: core.Removed, Doc: core.Snapshot{ID: m.ID, Path: path}})
			}
			return
		}
		snap, err := decodeSnapshot(path, m.Data)
		if err != nil {
			log.Error().Err(err).Str("module", "store.redis").Str("path", path).Msg("bad feed payload")
			return
		}
		now := core.Matches(snap.Data, filters)
		switch {
		case now && !was:
			matched[m.ID] = append([]byte(nil), m.Data...)
			onChange(core.DocChange{Kind: core.Added, Doc: snap})
		case now && was:
			if bytes.Equal(last, m.Data) {
				return
			}
			matched[m.ID] = append([]byte(nil), m.Data...)
			onChange(core.DocChange{Kind: core.Modified, Doc: snap})
		case !now && was:
			delete(matched, m.ID)
			onChange(core.DocChange{Kind: core.Removed, Doc: snap})
		}
	}, func() {
		for _, c := range initial {
			onChange(c)
		}
	})
	return unsub, nil
}

// run delivers the initial state and then every feed message on one goroutine.
func (s *Store) run(ctx context.Context, ps *redis.PubSub, onErr func(error), handle func(feedMsg), first func()) core.Unsubscribe {
	ctx, cancel := context.WithCancel(ctx)
	var once sync.Once
	unsub := func() {
		once.Do(func() {
			cancel()
			_ = ps.Close()
		})
	}
	go func() {
		defer unsub()
		first()
		ch := ps.Channel()
		for {
			select {
			case <-ctx.Done():
				return
			case msg, ok := <-ch:
				if !ok {
					if ctx.Err() == nil && onErr != nil {
						onErr(core.ErrUnavailable)
					}
					return
				}
				var m feedMsg
				if err := json.Unmarshal([]byte(msg.Payload), &m); err != nil {
					log.Error().Err(err).Str("module", "store.redis").Str("channel", msg.Channel).Msg("bad feed message")
					continue
				}
				if ctx.Err() != nil {
					return
				}
				handle(m)
			}
		}
	}()
	return unsub
}
