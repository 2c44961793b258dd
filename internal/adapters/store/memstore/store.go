// Package memstore is an in-process DocStore for the single-process demo and tests.
package memstore

import (
	"context"
	"sort"
	"strings"
	"sync"

	"github.com/benbjohnson/clock"
	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/dkeye/callsig/internal/core"
)

type Op string

const (
	OpSet    Op = "set"
	OpMerge  Op = "merge"
	OpUpdate Op = "update"
	OpDelete Op = "delete"
	OpAdd    Op = "add"
)

// Write is one journaled mutation.
type Write struct {
	Op   Op
	Path string
	Data map[string]any
}

type Option func(*Store)

func WithClock(c clock.Clock) Option { return func(s *Store) { s.clock = c } }

// WithJournal records every mutation, see Journal.
func WithJournal() Option { return func(s *Store) { s.journaling = true } }

type entry struct {
	seq  uint64
	data map[string]any
}

type Store struct {
	mu          sync.Mutex
	clock       clock.Clock
	docs        map[string]*entry
	seq         uint64
	watchers    map[uint64]*watcher
	nextWatcher uint64
	unavailable bool

	journaling bool
	journal    []Write
}

var _ core.DocStore = (*Store)(nil)

func New(opts ...Option) *Store {
	s := &Store{
		clock:    clock.New(),
		docs:     make(map[string]*entry),
		watchers: make(map[uint64]*watcher),
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

// SetUnavailable makes every operation fail with core.ErrUnavailable and
// reports the failure to open watchers.
func (s *Store) SetUnavailable(v bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.unavailable = v
	if !v {
		return
	}
	for _, w := range s.watchers {
		if w.onErr != nil {
			onErr := w.onErr
			w.push(func() { onErr(core.ErrUnavailable) })
		}
	}
	log.Warn().Str("module", "store.mem").Msg("store marked unavailable")
}

func (s *Store) Watchers() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.watchers)
}

// WatchersUnder counts open watches on prefix or anything below it.
func (s *Store) WatchersUnder(prefix string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, w := range s.watchers {
		if w.path == prefix || strings.HasPrefix(w.path, prefix+"/") {
			n++
		}
	}
	return n
}

func (s *Store) Journal() []Write {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Write, len(s.journal))
	copy(out, s.journal)
	return out
}

func (s *Store) Get(ctx context.Context, path string) (core.Snapshot, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.check(ctx); err != nil {
		return core.Snapshot{}, err
	}
	e, ok := s.docs[path]
	if !ok {
		return core.Snapshot{}, core.ErrNotFound
	}
	return snapshotOf(path, e.data), nil
}

func (s *Store) Set(ctx context.Context, path string, data map[string]any) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.check(ctx); err != nil {
		return err
	}
	s.put(OpSet, path, s.resolve(data), false)
	return nil
}

func (s *Store) Merge(ctx context.Context, path string, data map[string]any) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.check(ctx); err != nil {
		return err
	}
	s.put(OpMerge, path, s.resolve(data), true)
	return nil
}

func (s *Store) Update(ctx context.Context, path string, data map[string]any) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.check(ctx); err != nil {
		return err
	}
	if _, ok := s.docs[path]; !ok {
		return core.ErrNotFound
	}
	s.put(OpUpdate, path, s.resolve(data), true)
	return nil
}

// UpdateFunc runs fn under the store lock. fn must not call back into the store.
func (s *Store) UpdateFunc(ctx context.Context, path string, fn core.TxFunc) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.check(ctx); err != nil {
		return err
	}
	cur := core.Snapshot{Path: path}
	if e, ok := s.docs[path]; ok {
		cur = snapshotOf(path, e.data)
	} else {
		_, cur.ID = core.Split(path)
	}
	fields, err := fn(cur)
	if err != nil {
		return err
	}
	if fields == nil {
		return nil
	}
	s.put(OpUpdate, path, s.resolve(fields), true)
	return nil
}

func (s *Store) Delete(ctx context.Context, path string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.check(ctx); err != nil {
		return err
	}
	if _, ok := s.docs[path]; !ok {
		return nil
	}
	delete(s.docs, path)
	s.record(OpDelete, path, nil)
	s.notify(path, nil)
	return nil
}

func (s *Store) Add(ctx context.Context, collection string, data map[string]any) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.check(ctx); err != nil {
		return "", err
	}
	id := strings.ReplaceAll(uuid.NewString(), "-", "")[:20]
	s.put(OpAdd, core.Join(collection, id), s.resolve(data), false)
	return id, nil
}

func (s *Store) List(ctx context.Context, collection string) ([]core.Snapshot, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.check(ctx); err != nil {
		return nil, err
	}
	return s.listLocked(collection, nil), nil
}

func (s *Store) WatchDoc(ctx context.Context, path string, onSnap func(core.Snapshot), onErr func(error)) (core.Unsubscribe, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.check(ctx); err != nil {
		return nil, err
	}
	w := s.addWatcher(path, false, nil, onErr)
	w.onSnap = onSnap
	var initial core.Snapshot
	if e, ok := s.docs[path]; ok {
		initial = snapshotOf(path, e.data)
	} else {
		_, initial.ID = core.Split(path)
		initial.Path = path
	}
	w.push(func() { onSnap(initial) })
	return s.start(ctx, w), nil
}

func (s *Store) WatchCollection(ctx context.Context, collection string, filters []core.Filter, onChange func(core.DocChange), onErr func(error)) (core.Unsubscribe, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.check(ctx); err != nil {
		return nil, err
	}
	w := s.addWatcher(collection, true, filters, onErr)
	w.onChange = onChange
	for _, snap := range s.listLocked(collection, filters) {
		w.matched[snap.ID] = true
		change := core.DocChange{Kind: core.Added, Doc: snap}
		w.push(func() { onChange(change) })
	}
	return s.start(ctx, w), nil
}

func (s *Store) check(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if s.unavailable {
		return core.ErrUnavailable
	}
	return nil
}

func (s *Store) put(op Op, path string, data map[string]any, merge bool) {
	e, ok := s.docs[path]
	if !ok {
		s.seq++
		e = &entry{seq: s.seq, data: map[string]any{}}
		s.docs[path] = e
	}
	if merge {
		mergeInto(e.data, data)
	} else {
		e.data = data
	}
	s.record(op, path, data)
	s.notify(path, e.data)
}

func (s *Store) record(op Op, path string, data map[string]any) {
	if !s.journaling {
		return
	}
	s.journal = append(s.journal, Write{Op: op, Path: path, Data: copyMap(data)})
}

func (s *Store) listLocked(collection string, filters []core.Filter) []core.Snapshot {
	type item struct {
		seq  uint64
		snap core.Snapshot
	}
	var items []item
	for p, e := range s.docs {
		if parent, _ := core.Split(p); parent != collection {
			continue
		}
		if !core.Matches(e.data, filters) {
			continue
		}
		items = append(items, item{seq: e.seq, snap: snapshotOf(p, e.data)})
	}
	sort.Slice(items, func(i, j int) bool { return items[i].seq < items[j].seq })
	out := make([]core.Snapshot, 0, len(items))
	for _, it := range items {
		out = append(out, it.snap)
	}
	return out
}

// resolve replaces core.ServerTimestamp values with the store clock.
func (s *Store) resolve(data map[string]any) map[string]any {
	out := make(map[string]any, len(data))
	for k, v := range data {
		switch t := v.(type) {
		case map[string]any:
			out[k] = s.resolve(t)
		default:
			if v == core.ServerTimestamp {
				out[k] = s.clock.Now().UTC()
				continue
			}
			out[k] = copyValue(v)
		}
	}
	return out
}

func snapshotOf(path string, data map[string]any) core.Snapshot {
	_, id := core.Split(path)
	return core.Snapshot{ID: id, Path: path, Exists: true, Data: copyMap(data)}
}

func mergeInto(dst, src map[string]any) {
	for k, v := range src {
		if sm, ok := v.(map[string]any); ok {
			if dm, ok := dst[k].(map[string]any); ok {
				mergeInto(dm, sm)
				continue
			}
		}
		dst[k] = copyValue(v)
	}
}

func copyMap(m map[string]any) map[string]any {
	if m == nil {
		return nil
	}
	out := make(map[string]any, len(m))
	for k, v := range m {
		out[k] = copyValue(v)
	}
	return out
}

func copyValue(v any) any {
	switch t := v.(type) {
	case map[string]any:
		return copyMap(t)
	case []any:
		out := make([]any, len(t))
		for i := range t {
			out[i] = copyValue(t[i])
		}
		return out
	case []string:
		return append([]string(nil), t...)
	}
	return v
}
