package redisstore_test

import (
	"context"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dkeye/callsig/internal/adapters/store/redisstore"
	"github.com/dkeye/callsig/internal/adapters/store/storetest"
	"github.com/dkeye/callsig/internal/core"
)

func newStore(t *testing.T) (*redisstore.Store, *miniredis.Miniredis) {
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })
	return redisstore.New(rdb, "test:"), mr
}

func TestContract(t *testing.T) {
	storetest.Run(t, func(t *testing.T) core.DocStore {
		s, _ := newStore(t)
		return s
	})
}

func TestKeyLayout(t *testing.T) {
	s, mr := newStore(t)
	ctx := context.Background()

	require.NoError(t, s.Set(ctx, "calls/a", map[string]any{"status": "ringing"}))
	id, err := s.Add(ctx, "calls/a/offerCandidates", map[string]any{"candidate": "c1"})
	require.NoError(t, err)

	assert.True(t, mr.Exists("test:doc:calls/a"))
	assert.True(t, mr.Exists("test:doc:calls/a/offerCandidates/"+id))
	members, err := mr.ZMembers("test:idx:calls/a/offerCandidates")
	require.NoError(t, err)
	assert.Equal(t, []string{id}, members)

	require.NoError(t, s.Delete(ctx, "calls/a/offerCandidates/"+id))
	assert.False(t, mr.Exists("test:doc:calls/a/offerCandidates/"+id))
}

func TestServerDown(t *testing.T) {
	s, mr := newStore(t)
	mr.Close()

	_, err := s.Get(context.Background(), "calls/a")
	require.Error(t, err)
	assert.NotErrorIs(t, err, core.ErrNotFound)
}
