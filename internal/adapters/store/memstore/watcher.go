package memstore

import (
	"context"
	"sync"

	"github.com/dkeye/callsig/internal/core"
)

// watcher delivers its events in order on its own goroutine so callbacks
// never run under the store lock.
type watcher struct {
	id       uint64
	path     string
	coll     bool
	filters  []core.Filter
	matched  map[string]bool
	onSnap   func(core.Snapshot)
	onChange func(core.DocChange)
	onErr    func(error)

	mu    sync.Mutex
	queue []func()
	wake  chan struct{}
	done  chan struct{}
	once  sync.Once
}

func (w *watcher) push(fn func()) {
	w.mu.Lock()
	w.queue = append(w.queue, fn)
	w.mu.Unlock()
	select {
	case w.wake <- struct{}{}:
	default:
	}
}

func (w *watcher) run() {
	for {
		w.mu.Lock()
		if len(w.queue) == 0 {
			w.mu.Unlock()
			select {
			case <-w.done:
				return
			case <-w.wake:
				continue
			}
		}
		fn := w.queue[0]
		w.queue[0] = nil
		w.queue = w.queue[1:]
		w.mu.Unlock()

		select {
		case <-w.done:
			return
		default:
		}
		fn()
	}
}

func (s *Store) addWatcher(path string, coll bool, filters []core.Filter, onErr func(error)) *watcher {
	s.nextWatcher++
	w := &watcher{
		id:      s.nextWatcher,
		path:    path,
		coll:    coll,
		filters: filters,
		matched: make(map[string]bool),
		onErr:   onErr,
		wake:    make(chan struct{}, 1),
		done:    make(chan struct{}),
	}
	s.watchers[w.id] = w
	return w
}

func (s *Store) start(ctx context.Context, w *watcher) core.Unsubscribe {
	unsub := func() {
		w.once.Do(func() {
			s.mu.Lock()
			delete(s.watchers, w.id)
			s.mu.Unlock()
			close(w.done)
		})
	}
	go w.run()
	go func() {
		select {
		case <-ctx.Done():
			unsub()
		case <-w.done:
		}
	}()
	return unsub
}

// notify fans a change of path out to matching watchers. data is nil on delete.
// Called with s.mu held.
func (s *Store) notify(path string, data map[string]any) {
	parent, id := core.Split(path)
	for _, w := range s.watchers {
		switch {
		case !w.coll && w.path == path:
			snap := core.Snapshot{ID: id, Path: path}
			if data != nil {
				snap = snapshotOf(path, data)
			}
			onSnap := w.onSnap
			w.push(func() { onSnap(snap) })
		case w.coll && w.path == parent:
			was := w.matched[id]
			now := data != nil && core.Matches(data, w.filters)
			var kind core.ChangeKind
			switch {
			case now && !was:
				kind = core.Added
			case now && was:
				kind = core.Modified
			case !now && was:
				kind = core.Removed
			default:
				continue
			}
			if now {
				w.matched[id] = true
			} else {
				delete(w.matched, id)
			}
			change := core.DocChange{Kind: kind, Doc: core.Snapshot{ID: id, Path: path}}
			if data != nil {
				change.Doc = snapshotOf(path, data)
			}
			onChange := w.onChange
			w.push(func() { onChange(change) })
		}
	}
}
