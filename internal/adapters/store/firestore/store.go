// Package firestore implements core.DocStore on Cloud Firestore.
package firestore

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"

	gcfs "cloud.google.com/go/firestore"
	firebase "firebase.google.com/go/v4"
	"github.com/rs/zerolog/log"
	"google.golang.org/api/iterator"
	"google.golang.org/api/option"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/dkeye/callsig/internal/core"
)

// NewApp opens the firebase app shared by the store and the push notifier.
// An empty credentials file falls back to application default credentials.
func NewApp(ctx context.Context, projectID, credentialsFile string) (*firebase.App, error) {
	var opts []option.ClientOption
	if credentialsFile != "" {
		opts = append(opts, option.WithCredentialsFile(credentialsFile))
	}
	app, err := firebase.NewApp(ctx, &firebase.Config{ProjectID: projectID}, opts...)
	if err != nil {
		return nil, fmt.Errorf("firebase app: %w", err)
	}
	return app, nil
}

type Store struct {
	client *gcfs.Client
	root   string
}

var _ core.DocStore = (*Store)(nil)

// New wraps client. A non-empty root nests every path under it, it must itself
// be a document path.
func New(client *gcfs.Client, root string) *Store {
	return &Store{client: client, root: root}
}

func (s *Store) full(path string) string {
	if s.root == "" {
		return path
	}
	return core.Join(s.root, path)
}

func (s *Store) doc(path string) (*gcfs.DocumentRef, error) {
	ref := s.client.Doc(s.full(path))
	if ref == nil {
		return nil, fmt.Errorf("firestore: invalid document path %q", path)
	}
	return ref, nil
}

func (s *Store) coll(path string) (*gcfs.CollectionRef, error) {
	ref := s.client.Collection(s.full(path))
	if ref == nil {
		return nil, fmt.Errorf("firestore: invalid collection path %q", path)
	}
	return ref, nil
}

func (s *Store) Get(ctx context.Context, path string) (core.Snapshot, error) {
	ref, err := s.doc(path)
	if err != nil {
		return core.Snapshot{}, err
	}
	snap, err := ref.Get(ctx)
	if err != nil {
		return core.Snapshot{}, mapErr("get", path, err)
	}
	return snapshotOf(path, snap), nil
}

func (s *Store) Set(ctx context.Context, path string, data map[string]any) error {
	ref, err := s.doc(path)
	if err != nil {
		return err
	}
	_, err = ref.Set(ctx, convert(data))
	return mapErr("set", path, err)
}

func (s *Store) Merge(ctx context.Context, path string, data map[string]any) error {
	ref, err := s.doc(path)
	if err != nil {
		return err
	}
	_, err = ref.Set(ctx, convert(data), gcfs.MergeAll)
	return mapErr("merge", path, err)
}

func (s *Store) Update(ctx context.Context, path string, data map[string]any) error {
	ref, err := s.doc(path)
	if err != nil {
		return err
	}
	ups := make([]gcfs.Update, 0, len(data))
	for k, v := range convert(data) {
		ups = append(ups, gcfs.Update{Path: k, Value: v})
	}
	_, err = ref.Update(ctx, ups)
	return mapErr("update", path, err)
}

func (s *Store) UpdateFunc(ctx context.Context, path string, fn core.TxFunc) error {
	ref, err := s.doc(path)
	if err != nil {
		return err
	}
	err = s.client.RunTransaction(ctx, func(ctx context.Context, tx *gcfs.Transaction) error {
		cur := core.Snapshot{ID: ref.ID, Path: path}
		snap, err := tx.Get(ref)
		switch {
		case status.Code(err) == codes.NotFound:
		case err != nil:
			return err
		default:
			cur = snapshotOf(path, snap)
		}
		fields, err := fn(cur)
		if err != nil || fields == nil {
			return err
		}
		return tx.Set(ref, convert(fields), gcfs.MergeAll)
	})
	return mapErr("transaction", path, err)
}

func (s *Store) Delete(ctx context.Context, path string) error {
	ref, err := s.doc(path)
	if err != nil {
		return err
	}
	_, err = ref.Delete(ctx)
	return mapErr("delete", path, err)
}

func (s *Store) Add(ctx context.Context, collection string, data map[string]any) (string, error) {
	ref, err := s.coll(collection)
	if err != nil {
		return "", err
	}
	doc, _, err := ref.Add(ctx, convert(data))
	if err != nil {
		return "", mapErr("add", collection, err)
	}
	return doc.ID, nil
}

func (s *Store) List(ctx context.Context, collection string) ([]core.Snapshot, error) {
	ref, err := s.coll(collection)
	if err != nil {
		return nil, err
	}
	docs, err := ref.Documents(ctx).GetAll()
	if err != nil {
		return nil, mapErr("list", collection, err)
	}
	sort.SliceStable(docs, func(i, j int) bool { return createdBefore(docs[i], docs[j]) })
	out := make([]core.Snapshot, 0, len(docs))
	for _, d := range docs {
		out = append(out, snapshotOf(core.Join(collection, d.Ref.ID), d))
	}
	return out, nil
}

func (s *Store) WatchDoc(ctx context.Context, path string, onSnap func(core.Snapshot), onErr func(error)) (core.Unsubscribe, error) {
	ref, err := s.doc(path)
	if err != nil {
		return nil, err
	}
	ctx, cancel := context.WithCancel(ctx)
	it := ref.Snapshots(ctx)
	unsub := stopper(cancel, it.Stop)
	go func() {
		defer unsub()
		for {
			snap, err := it.Next()
			if done(ctx, err) {
				return
			}
			if err != nil {
				report(onErr, mapErr("watch", path, err))
				return
			}
			onSnap(snapshotOf(path, snap))
		}
	}()
	return unsub, nil
}

// WatchCollection delivers snapshots in commit order. Added changes inside one
// snapshot are sorted by creation time to match append order.
func (s *Store) WatchCollection(ctx context.Context, collection string, filters []core.Filter, onChange func(core.DocChange), onErr func(error)) (core.Unsubscribe, error) {
	ref, err := s.coll(collection)
	if err != nil {
		return nil, err
	}
	q := ref.Query
	for _, f := range filters {
		q = q.Where(f.Field, "==", f.Value)
	}
	ctx, cancel := context.WithCancel(ctx)
	it := q.Snapshots(ctx)
	unsub := stopper(cancel, it.Stop)
	go func() {
		defer unsub()
		for {
			qs, err := it.Next()
			if done(ctx, err) {
				return
			}
			if err != nil {
				report(onErr, mapErr("watch", collection, err))
				return
			}
			for _, ch := range appendOrder(qs.Changes) {
				p := core.Join(collection, ch.Doc.Ref.ID)
				change := core.DocChange{Doc: snapshotOf(p, ch.Doc)}
				switch ch.Kind {
				case gcfs.DocumentAdded:
					change.Kind = core.Added
				case gcfs.DocumentModified:
					change.Kind = core.Modified
				case gcfs.DocumentRemoved:
					change.Kind = core.Removed
				}
				onChange(change)
			}
		}
	}()
	return unsub, nil
}

func stopper(cancel context.CancelFunc, stop func()) core.Unsubscribe {
	var once sync.Once
	return func() {
		once.Do(func() {
			cancel()
			stop()
		})
	}
}

func done(ctx context.Context, err error) bool {
	if errors.Is(err, iterator.Done) {
		return true
	}
	return err != nil && (ctx.Err() != nil || status.Code(err) == codes.Canceled)
}

func report(onErr func(error), err error) {
	log.Error().Err(err).Str("module", "store.firestore").Msg("listener failed")
	if onErr != nil {
		onErr(err)
	}
}

func mapErr(op, path string, err error) error {
	if err == nil {
		return nil
	}
	if status.Code(err) == codes.NotFound {
		return core.ErrNotFound
	}
	var se interface{ GRPCStatus() *status.Status }
	if errors.As(err, &se) {
		return fmt.Errorf("firestore %s %s: %w: %w", op, path, core.ErrUnavailable, err)
	}
	return fmt.Errorf("firestore %s %s: %w", op, path, err)
}

func snapshotOf(path string, snap *gcfs.DocumentSnapshot) core.Snapshot {
	_, id := core.Split(path)
	out := core.Snapshot{ID: id, Path: path}
	if snap != nil && snap.Exists() {
		out.Exists = true
		out.Data = snap.Data()
	}
	return out
}

// convert swaps core.ServerTimestamp for the firestore sentinel.
func convert(data map[string]any) map[string]any {
	out := make(map[string]any, len(data))
	for k, v := range data {
		switch t := v.(type) {
		case map[string]any:
			out[k] = convert(t)
		default:
			if v == core.ServerTimestamp {
				out[k] = gcfs.ServerTimestamp
				continue
			}
			out[k] = v
		}
	}
	return out
}
