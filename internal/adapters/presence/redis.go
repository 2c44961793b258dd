// Package presence keeps heartbeat presence keys in Redis.
package presence

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/dkeye/callsig/internal/core"
	"github.com/dkeye/callsig/internal/domain"
)

const DefaultTTL = 5 * time.Minute

// Redis stores presence:{uid} with a TTL. A missing key means offline.
type Redis struct {
	client *redis.Client
	prefix string
	ttl    time.Duration
}

var _ core.PresenceLookup = (*Redis)(nil)

func NewRedis(client *redis.Client, prefix string, ttl time.Duration) *Redis {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &Redis{client: client, prefix: prefix, ttl: ttl}
}

func (r *Redis) key(uid domain.ParticipantID) string {
	return r.prefix + "presence:" + string(uid)
}

func (r *Redis) GetPresence(ctx context.Context, uid domain.ParticipantID) (domain.Presence, error) {
	v, err := r.client.Get(ctx, r.key(uid)).Result()
	if errors.Is(err, redis.Nil) {
		return domain.PresenceOffline, nil
	}
	if err != nil {
		return "", fmt.Errorf("read presence: %w", err)
	}
	if domain.Presence(v) == domain.PresenceAway {
		return domain.PresenceAway, nil
	}
	return domain.PresenceOnline, nil
}

// Set refreshes the heartbeat key. Offline deletes it.
func (r *Redis) Set(ctx context.Context, uid domain.ParticipantID, p domain.Presence) error {
	if p == domain.PresenceOffline {
		if err := r.client.Del(ctx, r.key(uid)).Err(); err != nil {
			return fmt.Errorf("clear presence: %w", err)
		}
		return nil
	}
	if err := r.client.Set(ctx, r.key(uid), string(p), r.ttl).Err(); err != nil {
		return fmt.Errorf("set presence: %w", err)
	}
	return nil
}

// Heartbeat keeps uid online until ctx is done, then clears the key.
func (r *Redis) Heartbeat(ctx context.Context, uid domain.ParticipantID) error {
	if err := r.Set(ctx, uid, domain.PresenceOnline); err != nil {
		return err
	}
	t := time.NewTicker(r.ttl / 2)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			clearCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
			defer cancel()
			return r.Set(clearCtx, uid, domain.PresenceOffline)
		case <-t.C:
			if err := r.Set(ctx, uid, domain.PresenceOnline); err != nil && ctx.Err() == nil {
				return err
			}
		}
	}
}
