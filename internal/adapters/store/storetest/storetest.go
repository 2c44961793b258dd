// Package storetest holds the behaviour every core.DocStore backend must share.
package storetest

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dkeye/callsig/internal/core"
)

const wait = 2 * time.Second

type recorder struct {
	mu      sync.Mutex
	snaps   []core.Snapshot
	changes []core.DocChange
	errs    []error
}

func (r *recorder) onSnap(s core.Snapshot) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.snaps = append(r.snaps, s)
}

func (r *recorder) onChange(c core.DocChange) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.changes = append(r.changes, c)
}

func (r *recorder) onErr(err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.errs = append(r.errs, err)
}

func (r *recorder) snapCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.snaps)
}

func (r *recorder) lastSnap() core.Snapshot {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.snaps[len(r.snaps)-1]
}

func (r *recorder) changeList() []core.DocChange {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]core.DocChange(nil), r.changes...)
}

// Run exercises a fresh store returned by newStore for every subtest.
func Run(t *testing.T, newStore func(t *testing.T) core.DocStore) {
	t.Run("SetGet", func(t *testing.T) { testSetGet(t, newStore(t)) })
	t.Run("MergeUpdate", func(t *testing.T) { testMergeUpdate(t, newStore(t)) })
	t.Run("UpdateFunc", func(t *testing.T) { testUpdateFunc(t, newStore(t)) })
	t.Run("AddList", func(t *testing.T) { testAddList(t, newStore(t)) })
	t.Run("WatchDoc", func(t *testing.T) { testWatchDoc(t, newStore(t)) })
	t.Run("WatchCollection", func(t *testing.T) { testWatchCollection(t, newStore(t)) })
	t.Run("Unsubscribe", func(t *testing.T) { testUnsubscribe(t, newStore(t)) })
}

func testSetGet(t *testing.T, s core.DocStore) {
	ctx := context.Background()

	_, err := s.Get(ctx, "calls/missing")
	require.ErrorIs(t, err, core.ErrNotFound)

	require.NoError(t, s.Set(ctx, "calls/a", map[string]any{
		"status":    "ringing",
		"isVideo":   true,
		"createdAt": core.ServerTimestamp,
	}))
	snap, err := s.Get(ctx, "calls/a")
	require.NoError(t, err)
	assert.True(t, snap.Exists)
	assert.Equal(t, "a", snap.ID)
	assert.Equal(t, "ringing", snap.Data["status"])
	assert.Equal(t, true, snap.Data["isVideo"])
	assert.NotNil(t, snap.Data["createdAt"])
	assert.NotEqual(t, core.ServerTimestamp, snap.Data["createdAt"])

	require.NoError(t, s.Delete(ctx, "calls/a"))
	_, err = s.Get(ctx, "calls/a")
	require.ErrorIs(t, err, core.ErrNotFound)
	require.NoError(t, s.Delete(ctx, "calls/a"))
}

func testMergeUpdate(t *testing.T, s core.DocStore) {
	ctx := context.Background()

	require.ErrorIs(t, s.Update(ctx, "calls/b", map[string]any{"status": "ended"}), core.ErrNotFound)

	require.NoError(t, s.Merge(ctx, "calls/b", map[string]any{
		"status": "ringing",
		"offer":  map[string]any{"type": "offer", "sdp": "v=0"},
	}))
	require.NoError(t, s.Merge(ctx, "calls/b", map[string]any{"answer": map[string]any{"type": "answer", "sdp": "v=1"}}))
	require.NoError(t, s.Update(ctx, "calls/b", map[string]any{"status": "connected"}))

	snap, err := s.Get(ctx, "calls/b")
	require.NoError(t, err)
	assert.Equal(t, "connected", snap.Data["status"])
	assert.Equal(t, map[string]any{"type": "offer", "sdp": "v=0"}, snap.Data["offer"])
	assert.Equal(t, map[string]any{"type": "answer", "sdp": "v=1"}, snap.Data["answer"])
}

func testUpdateFunc(t *testing.T, s core.DocStore) {
	ctx := context.Background()

	err := s.UpdateFunc(ctx, "calls/c", func(cur core.Snapshot) (map[string]any, error) {
		assert.False(t, cur.Exists)
		return nil, core.ErrNotFound
	})
	require.ErrorIs(t, err, core.ErrNotFound)

	require.NoError(t, s.Set(ctx, "calls/c", map[string]any{"status": "ringing"}))
	err = s.UpdateFunc(ctx, "calls/c", func(cur core.Snapshot) (map[string]any, error) {
		require.True(t, cur.Exists)
		assert.Equal(t, "ringing", cur.Data["status"])
		return map[string]any{"status": "connected"}, nil
	})
	require.NoError(t, err)

	snap, err := s.Get(ctx, "calls/c")
	require.NoError(t, err)
	assert.Equal(t, "connected", snap.Data["status"])

	require.NoError(t, s.UpdateFunc(ctx, "calls/c", func(core.Snapshot) (map[string]any, error) { return nil, nil }))
}

func testAddList(t *testing.T, s core.DocStore) {
	ctx := context.Background()
	coll := "calls/d/offerCandidates"

	var ids []string
	for _, c := range []string{"c1", "c2", "c3"} {
		id, err := s.Add(ctx, coll, map[string]any{"candidate": c})
		require.NoError(t, err)
		require.NotEmpty(t, id)
		ids = append(ids, id)
	}

	list, err := s.List(ctx, coll)
	require.NoError(t, err)
	require.Len(t, list, 3)
	for i, snap := range list {
		assert.Equal(t, ids[i], snap.ID)
		assert.Equal(t, []string{"c1", "c2", "c3"}[i], snap.Data["candidate"])
	}

	empty, err := s.List(ctx, "calls/d/answerCandidates")
	require.NoError(t, err)
	assert.Empty(t, empty)
}

func testWatchDoc(t *testing.T, s core.DocStore) {
	ctx := context.Background()
	rec := &recorder{}

	require.NoError(t, s.Set(ctx, "calls/e", map[string]any{"status": "ringing"}))
	unsub, err := s.WatchDoc(ctx, "calls/e", rec.onSnap, rec.onErr)
	require.NoError(t, err)
	defer unsub()

	require.Eventually(t, func() bool { return rec.snapCount() >= 1 }, wait, 5*time.Millisecond)
	first := rec.lastSnap()
	assert.True(t, first.Exists)
	assert.Equal(t, "ringing", first.Data["status"])

	require.NoError(t, s.Update(ctx, "calls/e", map[string]any{"status": "connected"}))
	require.Eventually(t, func() bool {
		return rec.snapCount() >= 2 && rec.lastSnap().Data["status"] == "connected"
	}, wait, 5*time.Millisecond)

	require.NoError(t, s.Delete(ctx, "calls/e"))
	require.Eventually(t, func() bool {
		return !rec.lastSnap().Exists
	}, wait, 5*time.Millisecond)
}

func testWatchCollection(t *testing.T, s core.DocStore) {
	ctx := context.Background()
	rec := &recorder{}

	require.NoError(t, s.Set(ctx, "calls/f1", map[string]any{"receiverId": "bob", "status": "ringing"}))
	require.NoError(t, s.Set(ctx, "calls/f2", map[string]any{"receiverId": "carol", "status": "ringing"}))

	filters := []core.Filter{{Field: "receiverId", Value: "bob"}, {Field: "status", Value: "ringing"}}
	unsub, err := s.WatchCollection(ctx, "calls", filters, rec.onChange, rec.onErr)
	require.NoError(t, err)
	defer unsub()

	require.Eventually(t, func() bool { return len(rec.changeList()) == 1 }, wait, 5*time.Millisecond)

	require.NoError(t, s.Set(ctx, "calls/f3", map[string]any{"receiverId": "bob", "status": "ringing"}))
	require.NoError(t, s.Update(ctx, "calls/f1", map[string]any{"status": "connected"}))
	require.NoError(t, s.Delete(ctx, "calls/f3"))
	require.NoError(t, s.Update(ctx, "calls/f2", map[string]any{"status": "ended"}))

	require.Eventually(t, func() bool { return len(rec.changeList()) == 4 }, wait, 5*time.Millisecond)
	changes := rec.changeList()
	assert.Equal(t, core.Added, changes[0].Kind)
	assert.Equal(t, "f1", changes[0].Doc.ID)
	assert.Equal(t, core.Added, changes[1].Kind)
	assert.Equal(t, "f3", changes[1].Doc.ID)
	assert.Equal(t, core.Removed, changes[2].Kind)
	assert.Equal(t, "f1", changes[2].Doc.ID)
	assert.Equal(t, core.Removed, changes[3].Kind)
	assert.Equal(t, "f3", changes[3].Doc.ID)

	time.Sleep(50 * time.Millisecond)
	assert.Len(t, rec.changeList(), 4)
}

func testUnsubscribe(t *testing.T, s core.DocStore) {
	ctx := context.Background()
	rec := &recorder{}

	unsub, err := s.WatchCollection(ctx, "calls/g/answerCandidates", nil, rec.onChange, rec.onErr)
	require.NoError(t, err)

	_, err = s.Add(ctx, "calls/g/answerCandidates", map[string]any{"candidate": "c1"})
	require.NoError(t, err)
	require.Eventually(t, func() bool { return len(rec.changeList()) == 1 }, wait, 5*time.Millisecond)

	unsub()
	unsub()

	_, err = s.Add(ctx, "calls/g/answerCandidates", map[string]any{"candidate": "c2"})
	require.NoError(t, err)
	time.Sleep(50 * time.Millisecond)
	assert.Len(t, rec.changeList(), 1)
}
